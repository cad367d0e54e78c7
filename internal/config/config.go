package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for presetd
type Config struct {
	// Server configuration
	Listen   string `mapstructure:"listen"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`

	// TLS configuration
	EnableTLS bool   `mapstructure:"enable_tls"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`

	// Site identity stamped on captured presets
	Site SiteConfig `mapstructure:"site"`

	// Configuration store backend
	Store StoreConfig `mapstructure:"store"`

	// Apply engine configuration
	Apply ApplyConfig `mapstructure:"apply"`

	// Auth configuration
	Auth AuthConfig `mapstructure:"auth"`

	// Off-site preset archive
	Archive ArchiveConfig `mapstructure:"archive"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// SiteConfig identifies this installation in exported presets
type SiteConfig struct {
	Name    string `mapstructure:"name"`
	Release string `mapstructure:"release"`
}

// StoreConfig defines the live configuration store backend
type StoreConfig struct {
	SyncWrites        bool `mapstructure:"sync_writes"`
	CompactionEnabled bool `mapstructure:"compaction_enabled"`
}

// ApplyConfig defines apply/rollback engine behavior
type ApplyConfig struct {
	// SensibleSettings is the comma-separated exclusion list of settings
	// never captured or applied, each entry "name" or "name@@scope".
	SensibleSettings string        `mapstructure:"sensible_settings"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
}

// AuthConfig defines console authentication
type AuthConfig struct {
	EnableAuth        bool          `mapstructure:"enable_auth"`
	AdminUsername     string        `mapstructure:"admin_username"`
	AdminPasswordHash string        `mapstructure:"admin_password_hash"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
}

// ArchiveConfig defines the optional S3-compatible preset archive
type ArchiveConfig struct {
	Enable    bool   `mapstructure:"enable"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Load loads configuration from flags, config file and environment
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile := flagValue(cmd, "config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("PRESETD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// data_dir has no default and may be registered as neither flag nor
	// config key, so the env var must be bound explicitly.
	v.BindEnv("data_dir")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	// NO default for data_dir - must be explicitly configured
	v.SetDefault("log_level", "info")

	v.SetDefault("enable_tls", false)

	v.SetDefault("site.name", "presetd")
	v.SetDefault("site.release", "dev")

	v.SetDefault("store.sync_writes", true)
	v.SetDefault("store.compaction_enabled", true)

	v.SetDefault("apply.sensible_settings", "siteidentifier, recaptchapublickey, recaptchaprivatekey, smtpuser, smtppass, proxypassword, cronremotepassword")
	v.SetDefault("apply.lock_timeout", 5*time.Second)

	v.SetDefault("auth.enable_auth", true)
	// admin_username and admin_password_hash must be explicitly configured
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("archive.enable", false)
	v.SetDefault("archive.region", "us-east-1")

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

// flagValue reads a flag regardless of whether it was registered locally or
// as a persistent flag. Returns "" when the flag is not registered at all.
func flagValue(cmd *cobra.Command, name string) string {
	f := cmd.Flags().Lookup(name)
	if f == nil {
		f = cmd.PersistentFlags().Lookup(name)
	}
	if f == nil {
		return ""
	}
	return f.Value.String()
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":    "listen",
		"data-dir":  "data_dir",
		"log-level": "log_level",
		"tls-cert":  "cert_file",
		"tls-key":   "key_file",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			f = cmd.PersistentFlags().Lookup(flag)
		}
		if f == nil {
			// Callers are free to register only a subset of the flags.
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or PRESETD_DATA_DIR environment variable")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.EnableTLS {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert-file or key-file not specified")
		}
	}

	if cfg.Auth.EnableAuth {
		if cfg.Auth.AdminUsername == "" || cfg.Auth.AdminPasswordHash == "" {
			return fmt.Errorf("auth enabled but admin_username or admin_password_hash not configured")
		}
		if cfg.Auth.JWTSecret == "" {
			secret, err := generateSecret(32)
			if err != nil {
				return fmt.Errorf("failed to generate JWT secret: %w", err)
			}
			cfg.Auth.JWTSecret = secret
		}
	}

	if cfg.Archive.Enable && cfg.Archive.Bucket == "" {
		return fmt.Errorf("archive enabled but bucket not configured")
	}

	return nil
}

func generateSecret(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
