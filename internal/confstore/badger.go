package confstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// BadgerStore implements the Store interface using BadgerDB
type BadgerStore struct {
	db     *badger.DB
	ready  atomic.Bool
	logger *logrus.Logger
}

// BadgerOptions contains configuration options for BadgerStore
type BadgerOptions struct {
	DataDir           string
	SyncWrites        bool // If true, every write is synced to disk (slower but safer)
	CompactionEnabled bool // Enable automatic compaction
	Logger            *logrus.Logger
}

// NewBadgerStore creates a new BadgerDB-backed live configuration store
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	dbPath := filepath.Join(opts.DataDir, "confstore")

	badgerOpts := badger.DefaultOptions(dbPath).
		WithLogger(newBadgerLogger(opts.Logger)).
		WithSyncWrites(opts.SyncWrites).
		WithIndexCacheSize(32 << 20).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	store := &BadgerStore{
		db:     db,
		logger: opts.Logger,
	}

	store.ready.Store(true)

	if opts.CompactionEnabled {
		go store.runGC()
	}

	opts.Logger.WithField("path", dbPath).Info("BadgerDB configuration store initialized")

	return store, nil
}

// ==================== Key Naming Scheme ====================
// One key per configured option: conf:<scope>:<name>. Scope and name never
// contain ':' so the layout is unambiguous.

const confPrefix = "conf:"

func confKey(scope, name string) []byte {
	return []byte(fmt.Sprintf("conf:%s:%s", scope, name))
}

// Get retrieves the value stored for (scope, name)
func (s *BadgerStore) Get(ctx context.Context, scope, name string) (string, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(confKey(scope, name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s/%s: %w", scope, name, err)
	}
	return value, nil
}

// Set writes a value and returns the previous one
func (s *BadgerStore) Set(ctx context.Context, scope, name, value string) (string, error) {
	var old string
	err := s.db.Update(func(txn *badger.Txn) error {
		key := confKey(scope, name)
		item, err := txn.Get(key)
		if err == nil {
			if err := item.Value(func(val []byte) error {
				old = string(val)
				return nil
			}); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, []byte(value))
	})
	if err != nil {
		return "", fmt.Errorf("failed to set %s/%s: %w", scope, name, err)
	}
	return old, nil
}

// Delete removes a pair. Deleting an absent pair is not an error.
func (s *BadgerStore) Delete(ctx context.Context, scope, name string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(confKey(scope, name))
	})
	if err != nil && err != badger.ErrKeyNotFound {
		return fmt.Errorf("failed to delete %s/%s: %w", scope, name, err)
	}
	return nil
}

// List returns every stored entry in deterministic (scope, name) order
func (s *BadgerStore) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(confPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(confPrefix)); it.ValidForPrefix([]byte(confPrefix)); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			rest := strings.TrimPrefix(key, confPrefix)
			idx := strings.Index(rest, ":")
			if idx < 0 {
				s.logger.WithField("key", key).Warn("Skipping malformed configuration key")
				continue
			}
			entry := Entry{Scope: rest[:idx], Name: rest[idx+1:]}
			if err := item.Value(func(val []byte) error {
				entry.Value = string(val)
				return nil
			}); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list configuration entries: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Scope != entries[j].Scope {
			return entries[i].Scope < entries[j].Scope
		}
		return entries[i].Name < entries[j].Name
	})

	return entries, nil
}

// Close closes the underlying BadgerDB instance
func (s *BadgerStore) Close() error {
	s.ready.Store(false)
	return s.db.Close()
}

// runGC runs garbage collection periodically
func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		if !s.ready.Load() {
			return
		}

		err := s.db.RunValueLogGC(0.5)
		if err != nil && err != badger.ErrNoRewrite {
			s.logger.WithError(err).Warn("Failed to run GC")
		}
	}
}

// badgerLogger adapts logrus to BadgerDB's logger interface
type badgerLogger struct {
	logger *logrus.Logger
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef("[BadgerDB] "+format, args...)
}

// compile-time interface check
var _ Store = (*BadgerStore)(nil)
