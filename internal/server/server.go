package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/presetd/presetd/internal/apply"
	"github.com/presetd/presetd/internal/auth"
	"github.com/presetd/presetd/internal/config"
	"github.com/presetd/presetd/internal/confstore"
	"github.com/presetd/presetd/internal/db/migrations"
	"github.com/presetd/presetd/internal/export"
	"github.com/presetd/presetd/internal/metrics"
	"github.com/presetd/presetd/internal/middleware"
	"github.com/presetd/presetd/internal/preset"
	"github.com/presetd/presetd/internal/setting"
)

// Server represents the presetd server
type Server struct {
	config      *config.Config
	httpServer  *http.Server
	confStore   confstore.Store
	db          *sql.DB
	presetStore preset.Store
	schema      *setting.Schema
	builder     *setting.Builder
	engine      *apply.Engine
	archiver    *export.Archiver // nil when archiving is disabled
	authManager *auth.Manager    // nil when auth is disabled
	collectors  *metrics.Collectors
	startTime   time.Time
}

// New creates a new presetd server
func New(cfg *config.Config) (*Server, error) {
	logger := logrus.StandardLogger()

	// Live configuration store (BadgerDB)
	confStore, err := confstore.NewBadgerStore(confstore.BadgerOptions{
		DataDir:           cfg.DataDir,
		SyncWrites:        cfg.Store.SyncWrites,
		CompactionEnabled: cfg.Store.CompactionEnabled,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create configuration store: %w", err)
	}

	schema := setting.DefaultSchema()
	if err := setting.Seed(context.Background(), confStore, schema, logger); err != nil {
		confStore.Close()
		return nil, fmt.Errorf("failed to seed configuration defaults: %w", err)
	}
	builder := setting.NewBuilder(confStore, logger)
	builder.RegisterChoices("none", "search_engine", func(ctx context.Context) ([]setting.Choice, error) {
		return []setting.Choice{
			{Value: "simple", Label: "Simple"},
			{Value: "solr", Label: "Solr"},
		}, nil
	})

	// Preset and ledger database (SQLite)
	db, err := sql.Open("sqlite", filepath.Join(cfg.DataDir, "presetd.db"))
	if err != nil {
		confStore.Close()
		return nil, fmt.Errorf("failed to open preset database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	migrator := migrations.NewMigrationManager(db, logger)
	if err := migrator.Initialize(); err != nil {
		db.Close()
		confStore.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := migrator.Migrate(); err != nil {
		db.Close()
		confStore.Close()
		return nil, fmt.Errorf("failed to migrate preset database: %w", err)
	}

	presetStore := preset.NewSQLiteStore(db, logger)

	var collectors *metrics.Collectors
	if cfg.Metrics.Enable {
		collectors = metrics.New()
	}

	engine := apply.NewEngine(apply.Config{
		Presets: presetStore,
		Registry: func(ctx context.Context) (*setting.Registry, error) {
			return builder.Build(schema), nil
		},
		Conf:        confStore,
		Exclusions:  apply.ParseExclusions(cfg.Apply.SensibleSettings, logger),
		LockTimeout: cfg.Apply.LockTimeout,
		Metrics:     collectors,
		Logger:      logger,
	})

	var authManager *auth.Manager
	if cfg.Auth.EnableAuth {
		authManager, err = auth.NewManager(auth.Config{
			Username:     cfg.Auth.AdminUsername,
			PasswordHash: cfg.Auth.AdminPasswordHash,
			Secret:       cfg.Auth.JWTSecret,
			TokenTTL:     cfg.Auth.TokenTTL,
		})
		if err != nil {
			db.Close()
			confStore.Close()
			return nil, fmt.Errorf("failed to create auth manager: %w", err)
		}
	}

	var archiver *export.Archiver
	if cfg.Archive.Enable {
		archiver, err = export.NewArchiver(export.ArchiverConfig{
			Endpoint:  cfg.Archive.Endpoint,
			Region:    cfg.Archive.Region,
			Bucket:    cfg.Archive.Bucket,
			Prefix:    cfg.Archive.Prefix,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
		}, logger)
		if err != nil {
			db.Close()
			confStore.Close()
			return nil, fmt.Errorf("failed to create preset archiver: %w", err)
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	server := &Server{
		config:      cfg,
		httpServer:  httpServer,
		confStore:   confStore,
		db:          db,
		presetStore: presetStore,
		schema:      schema,
		builder:     builder,
		engine:      engine,
		archiver:    archiver,
		authManager: authManager,
		collectors:  collectors,
		startTime:   time.Now(),
	}

	server.setupRoutes()

	return server, nil
}

// Start starts the server and blocks until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"address":  s.config.Listen,
		"data_dir": s.config.DataDir,
	}).Info("Starting presetd server")

	go func() {
		var err error
		if s.config.EnableTLS {
			err = s.httpServer.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("HTTP server error")
		}
	}()

	<-ctx.Done()

	return s.shutdown()
}

func (s *Server) shutdown() error {
	logrus.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Failed to shutdown HTTP server")
	}

	if err := s.presetStore.Close(); err != nil {
		logrus.WithError(err).Error("Failed to close preset store")
	}

	if err := s.confStore.Close(); err != nil {
		logrus.WithError(err).Error("Failed to close configuration store")
	}

	return nil
}

func (s *Server) setupRoutes() {
	router := mux.NewRouter()

	router.Use(middleware.CORS())
	router.Use(middleware.Logging())
	if s.authManager != nil {
		router.Use(middleware.Auth(s.authManager, s.config.Metrics.Path))
	}

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	s.setupAPIRoutes(apiRouter)

	if s.collectors != nil {
		router.Handle(s.config.Metrics.Path, promhttp.HandlerFor(
			s.collectors.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer.Handler = handlers.RecoveryHandler()(router)
}
