// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package fs implements the storage.Adapter contract on a directory tree.
//
// Writes are atomic: data goes to a temp file first, the previous version
// is renamed to path + ".backup", and the temp file is renamed into place.
// A crash can lose the in-flight version but never tears an existing file.
package fs

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/poiesic/sessionvault/storage"
)

const tmpExtension = ".tmp"

// Adapter stores payloads as files under a root directory.
type Adapter struct {
	root     string
	maxBytes int64 // 0 means no configured budget
	logger   *slog.Logger

	mu     sync.Mutex
	used   int64
	closed bool
}

var _ storage.Adapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter) error

// WithMaxBytes sets a byte budget for quota reporting. Without it the
// adapter reports effectively unlimited available space; enforcing real
// disk limits is the embedding application's concern.
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

// New opens a filesystem adapter rooted at dir, creating it if needed.
// The initial used-byte count is taken from a full walk of the tree.
func New(dir string, opts ...Option) (*Adapter, error) {
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

	a := &Adapter{
		root:   dir,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}

	used, err := a.scanUsed()
	if err != nil {
		return nil, err
	}
	a.used = used

	return a, nil
}

// Save atomically writes data under path.
func (a *Adapter) Save(ctx context.Context, path string, data []byte) error {
	if err := a.check(ctx, path); err != nil {
		return err
	}

	full := a.fullPath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}

	backup := full + ".backup"
	oldSize := fileSize(full)
	oldBackupSize := fileSize(backup)

	tmp := full + tmpExtension
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}

	// Keep the previous version for one generation.
	if oldSize >= 0 {
		if err := os.Rename(full, backup); err != nil {
			os.Remove(tmp)
			return err
		}
	}

	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return err
	}

	a.mu.Lock()
	a.used += int64(len(data))
	if oldSize >= 0 && oldBackupSize >= 0 {
		a.used -= oldBackupSize // old backup generation was replaced
	}
	a.mu.Unlock()

	return nil
}

// Load reads the payload stored under path.
func (a *Adapter) Load(ctx context.Context, path string) ([]byte, error) {
	if err := a.check(ctx, path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(a.fullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return nil, err
	}
	return data, nil
}

// Delete removes the payload under path and its backup generation.
func (a *Adapter) Delete(ctx context.Context, path string) error {
	if err := a.check(ctx, path); err != nil {
		return err
	}

	full := a.fullPath(path)
	freed := int64(0)
	if n := fileSize(full); n >= 0 {
		freed += n
	}
	if n := fileSize(full + ".backup"); n >= 0 {
		freed += n
	}

	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(full + ".backup"); err != nil && !os.IsNotExist(err) {
		return err
	}

	a.mu.Lock()
	a.used -= freed
	a.mu.Unlock()

	return nil
}

// List returns all stored paths beginning with prefix, sorted.
func (a *Adapter) List(ctx context.Context, prefix string) ([]string, error) {
	if err := a.check(ctx, ""); err != nil {
		return nil, err
	}

	var paths []string
	err := filepath.WalkDir(a.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(a.root, p)
		if err != nil {
			return err
		}
		logical := filepath.ToSlash(rel)
		if storage.IsBackupPath(logical) || strings.HasSuffix(logical, tmpExtension) {
			return nil
		}
		if strings.HasPrefix(logical, prefix) {
			paths = append(paths, logical)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Quota reports used bytes and, when a budget is configured, the remainder.
func (a *Adapter) Quota(ctx context.Context) (storage.QuotaInfo, error) {
	if err := a.check(ctx, ""); err != nil {
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

// Close marks the adapter closed. Subsequent operations fail with
// storage.ErrStorageClosed.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *Adapter) check(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return storage.ErrStorageClosed
	}
	if path != "" && (strings.Contains(path, "..") || strings.HasPrefix(path, "/")) {
		return fmt.Errorf("%w: %s", storage.ErrInvalidPath, path)
	}
	return nil
}

func (a *Adapter) fullPath(path string) string {
	return filepath.Join(a.root, filepath.FromSlash(path))
}

func (a *Adapter) scanUsed() (int64, error) {
	var used int64
	err := filepath.WalkDir(a.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		used += info.Size()
		return nil
	})
	return used, err
}

// fileSize returns the size of a file or -1 if it does not exist.
func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}
