// Package badgerkv implements the storage.Adapter contract on an embedded
// BadgerDB key-value store. Logical paths map directly to keys; the backup
// generation of a path is kept under path + ".backup" and written in the
// same transaction, so a save is atomic including its backup rotation.
package badgerkv

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/poiesic/sessionvault/storage"
)

// Adapter stores payloads in a BadgerDB instance.
type Adapter struct {
	db       *badger.DB
	maxBytes int64
	logger   *slog.Logger

	mu   sync.Mutex
	used int64
}

var _ storage.Adapter = (*Adapter)(nil)

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Info(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// Option configures an Adapter.
type Option func(*Adapter) error

// WithMaxBytes sets a byte budget for quota reporting.
func WithMaxBytes(n int64) Option {
	return func(a *Adapter) error {
		if n < 0 {
			return fmt.Errorf("max bytes must be >= 0, got %d", n)
		}
		a.maxBytes = n
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) error {
		if logger == nil {
			logger = slog.Default()
		}
		a.logger = logger
		return nil
	}
}

// Open opens a BadgerDB-backed adapter at the specified directory.
// Creates the directory if it doesn't exist.
func Open(dir string, opts ...Option) (*Adapter, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	return open(badger.DefaultOptions(dir), opts...)
}

// OpenInMemory opens an adapter backed by an in-memory BadgerDB instance.
// Used across the test suite; nothing survives Close.
func OpenInMemory(opts ...Option) (*Adapter, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), opts...)
}

func open(badgerOpts badger.Options, opts ...Option) (*Adapter, error) {
	a := &Adapter{logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}

	badgerOpts.Logger = &badgerLoggerAdapter{logger: a.logger}
	badgerOpts.Compression = options.None

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, err
	}
	a.db = db

	used, err := a.scanUsed()
	if err != nil {
		db.Close()
		return nil, err
	}
	a.used = used

	return a, nil
}

// Save writes data under path, rotating the previous value to the backup
// key in the same transaction.
func (a *Adapter) Save(ctx context.Context, path string, data []byte) error {
	if err := a.check(ctx); err != nil {
		return err
	}

	// used tracks primary payload bytes only; backup generations are
	// bookkeeping, not quota.
	var delta int64
	err := a.db.Update(func(tx *badger.Txn) error {
		delta = int64(len(data))

		old, err := tx.Get([]byte(path))
		if err == nil {
			delta -= int64(old.ValueSize())
			oldVal, err := old.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := tx.Set([]byte(storage.BackupPath(path)), oldVal); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		return tx.Set([]byte(path), data)
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.used += delta
	a.mu.Unlock()
	return nil
}

// Load reads the payload stored under path.
func (a *Adapter) Load(ctx context.Context, path string) ([]byte, error) {
	if err := a.check(ctx); err != nil {
		return nil, err
	}

	var data []byte
	err := a.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get([]byte(path))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("%w: %s", storage.ErrNotFound, path)
			}
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes the payload under path and its backup generation.
func (a *Adapter) Delete(ctx context.Context, path string) error {
	if err := a.check(ctx); err != nil {
		return err
	}

	var freed int64
	err := a.db.Update(func(tx *badger.Txn) error {
		if item, err := tx.Get([]byte(path)); err == nil {
			freed = int64(item.ValueSize())
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		for _, key := range []string{path, storage.BackupPath(path)} {
			if err := tx.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.used -= freed
	a.mu.Unlock()
	return nil
}

// List returns all stored paths beginning with prefix, sorted.
func (a *Adapter) List(ctx context.Context, prefix string) ([]string, error) {
	if err := a.check(ctx); err != nil {
		return nil, err
	}

	var paths []string
	err := a.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			key := string(iter.Item().Key())
			if storage.IsBackupPath(key) {
				continue
			}
			paths = append(paths, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Quota reports used payload bytes and, when a budget is configured, the
// remainder.
func (a *Adapter) Quota(ctx context.Context) (storage.QuotaInfo, error) {
	if err := a.check(ctx); err != nil {
		return storage.QuotaInfo{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	info := storage.QuotaInfo{Used: a.used, Available: math.MaxInt64}
	if a.maxBytes > 0 {
		info.Available = a.maxBytes - a.used
		if info.Available < 0 {
			info.Available = 0
		}
	}
	return info, nil
}

// Close closes the underlying BadgerDB instance.
func (a *Adapter) Close() error {
	return a.db.Close()
}

func (a *Adapter) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.db.IsClosed() {
		return storage.ErrStorageClosed
	}
	return nil
}

func (a *Adapter) scanUsed() (int64, error) {
	var used int64
	err := a.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			key := string(iter.Item().Key())
			if strings.HasSuffix(key, ".backup") {
				continue
			}
			used += int64(iter.Item().ValueSize())
		}
		return nil
	})
	return used, err
}
