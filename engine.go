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

package sessionvault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/sessionvault/cache"
	"github.com/poiesic/sessionvault/cas"
	"github.com/poiesic/sessionvault/core"
	"github.com/poiesic/sessionvault/index"
	"github.com/poiesic/sessionvault/queue"
	"github.com/poiesic/sessionvault/storage"
)

const (
	// minFreeBytes is the free-space floor below which appends fail
	// synchronously rather than risk losing data mid-write.
	minFreeBytes = 100 << 20 // 100 MiB

	// DefaultCacheBytes is the read cache budget.
	DefaultCacheBytes = 64 << 20

	// DefaultDrainTimeout bounds the shutdown flush.
	DefaultDrainTimeout = 5 * time.Second
)

// Engine is the session store: metadata documents, chunked media item
// files, content-addressed attachments, reverse indexes, and a read
// cache, all persisted through a single prioritized write queue.
//
// Reads are served from resident state and the cache, so a caller always
// observes its own appends even while the durable write is still queued.
type Engine struct {
	adapter     storage.Adapter
	queue       *queue.Queue
	attachments *cas.Store
	indexes     *index.Manager
	cache       *cache.Cache
	pool        *ants.Pool
	migrations  *storage.MigrationRegistry
	logger      *slog.Logger

	drainTimeout time.Duration
	cacheBytes   int64
	poolSize     int
	queueOpts    []queue.Option

	state *sessionTable
}

// Option configures an Engine.
type Option func(*Engine) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger == nil {
			logger = slog.Default()
		}
		e.logger = logger
		return nil
	}
}

// WithCacheBytes sets the read cache budget.
func WithCacheBytes(n int64) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("cache budget must be > 0, got %d", n)
		}
		e.cacheBytes = n
		return nil
	}
}

// WithPoolSize sets the worker pool size for concurrent chunk loads.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(e *Engine) error {
		if size < 1 {
			size = 1
		}
		e.poolSize = size
		return nil
	}
}

// WithDrainTimeout bounds how long Close waits for the write queue to
// flush before abandoning pending jobs.
func WithDrainTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("drain timeout must be > 0, got %v", d)
		}
		e.drainTimeout = d
		return nil
	}
}

// WithQueueOptions forwards scheduling options to the write queue.
func WithQueueOptions(opts ...queue.Option) Option {
	return func(e *Engine) error {
		e.queueOpts = append(e.queueOpts, opts...)
		return nil
	}
}

// WithMigrations installs a schema migration registry applied to every
// document load.
func WithMigrations(r *storage.MigrationRegistry) Option {
	return func(e *Engine) error {
		e.migrations = r
		return nil
	}
}

// Open assembles an engine over the adapter: it starts the write queue,
// loads all session metadata into memory, loads the attachment reference
// table, and restores or rebuilds the reverse indexes.
func Open(ctx context.Context, adapter storage.Adapter, opts ...Option) (*Engine, error) {
	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}

	e := &Engine{
		adapter:      adapter,
		logger:       slog.Default(),
		drainTimeout: DefaultDrainTimeout,
		cacheBytes:   DefaultCacheBytes,
		poolSize:     poolSize,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.migrations == nil {
		e.migrations = storage.NewMigrationRegistry()
	}

	e.cache = cache.New(e.cacheBytes)

	q, err := queue.New(adapter, append([]queue.Option{queue.WithLogger(e.logger)}, e.queueOpts...)...)
	if err != nil {
		return nil, err
	}
	e.queue = q

	pool, err := ants.NewPool(e.poolSize)
	if err != nil {
		e.queue.Shutdown(context.Background())
		return nil, err
	}
	e.pool = pool

	attachments, err := cas.New(ctx, adapter, q, e.migrations, cas.WithLogger(e.logger))
	if err != nil {
		e.release()
		return nil, err
	}
	e.attachments = attachments

	indexes, err := index.NewManager(index.WithLogger(e.logger))
	if err != nil {
		e.release()
		return nil, err
	}
	e.indexes = indexes

	e.state = newSessionTable()
	if err := e.loadSessions(ctx); err != nil {
		e.release()
		return nil, err
	}
	if err := e.initIndexes(ctx); err != nil {
		e.release()
		return nil, err
	}

	e.logger.Info("session store opened",
		"sessions", e.state.len(), "poolSize", e.poolSize, "cacheBytes", e.cacheBytes)
	return e, nil
}

// loadSessions reads every session metadata document into the resident
// table. Unreadable sessions are logged and skipped rather than failing
// the open.
func (e *Engine) loadSessions(ctx context.Context) error {
	paths, err := e.adapter.List(ctx, storage.SessionsPrefix())
	if err != nil {
		return fmt.Errorf("scanning sessions: %w", err)
	}

	for _, path := range paths {
		if !isMetadataPath(path) {
			continue
		}
		var doc metaDoc
		if err := storage.LoadDocument(ctx, e.adapter, metaDocKind, path, e.migrations, &doc); err != nil {
			e.logger.Warn("skipping unreadable session metadata", "path", path, "err", err)
			continue
		}
		e.state.put(newSessionState(&doc.SessionMeta))
	}
	return nil
}

// initIndexes restores the binary snapshot when it matches the resident
// session set, and rebuilds from metadata otherwise.
func (e *Engine) initIndexes(ctx context.Context) error {
	data, err := e.adapter.Load(ctx, storage.IndexSnapshotPath())
	if err == nil {
		if restoreErr := e.indexes.RestoreSnapshot(data); restoreErr == nil &&
			e.indexes.EntityCount() == e.state.len() {
			e.logger.Debug("index snapshot restored", "entities", e.indexes.EntityCount())
			return nil
		} else if restoreErr != nil {
			e.logger.Warn("index snapshot unusable, rebuilding", "err", restoreErr)
		} else {
			e.logger.Warn("index snapshot stale, rebuilding",
				"snapshot", e.indexes.EntityCount(), "sessions", e.state.len())
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("index snapshot unreadable, rebuilding", "err", err)
	}

	return e.indexes.Rebuild(e.indexEntities(), nil)
}

// indexEntities projects every resident session into its indexed form.
func (e *Engine) indexEntities() []*index.Entity {
	metas := e.state.all()
	entities := make([]*index.Entity, 0, len(metas))
	for _, meta := range metas {
		entities = append(entities, indexEntity(meta))
	}
	return entities
}

// Close drains the write queue within the drain timeout, persists a
// fresh index snapshot, and closes the adapter. The engine must not be
// used afterwards.
func (e *Engine) Close(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.drainTimeout)
		defer cancel()
	}

	var errs []error
	if err := e.saveIndexSnapshot(ctx); err != nil {
		e.logger.Error("error persisting index snapshot", "err", err)
		errs = append(errs, err)
	}

	if err := e.queue.Shutdown(ctx); err != nil {
		e.logger.Error("error draining write queue", "err", err)
		errs = append(errs, err)
	}
	e.pool.Release()

	if err := e.adapter.Close(); err != nil {
		e.logger.Error("error closing storage adapter", "err", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// release tears down partially constructed state during a failed Open.
func (e *Engine) release() {
	if e.queue != nil {
		e.queue.Shutdown(context.Background())
	}
	if e.pool != nil {
		e.pool.Release()
	}
}

// saveIndexSnapshot writes the current index contents as one critical job.
func (e *Engine) saveIndexSnapshot(ctx context.Context) error {
	data, err := e.indexes.Snapshot()
	if err != nil {
		return err
	}
	job := queue.SaveJob("index-snapshot", "index-snapshot",
		queue.PriorityCritical, storage.IndexSnapshotPath(), data)
	return e.queue.EnqueueCritical(ctx, job)
}

// Flush forces every queued write to durable storage and waits for it.
func (e *Engine) Flush(ctx context.Context) error {
	return e.queue.Flush(ctx)
}

// FailedJobs returns the most recent writes that exhausted their retries.
func (e *Engine) FailedJobs() []queue.FailedJob {
	return e.queue.FailedJobs()
}

// CollectGarbage reclaims attachments whose reference set is empty.
func (e *Engine) CollectGarbage(ctx context.Context) (cas.GCResult, error) {
	return e.attachments.CollectGarbage(ctx)
}

// Stats reports engine occupancy and health counters.
type Stats struct {
	Sessions    int               `json:"sessions"`
	PendingJobs int               `json:"pendingJobs"`
	FailedJobs  int               `json:"failedJobs"`
	Cache       cache.Stats       `json:"cache"`
	Quota       storage.QuotaInfo `json:"quota"`
}

// Stats returns a snapshot of engine counters and storage quota.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	quota, err := e.adapter.Quota(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Sessions:    e.state.len(),
		PendingJobs: e.queue.Pending(),
		FailedJobs:  len(e.queue.FailedJobs()),
		Cache:       e.cache.Stats(),
		Quota:       quota,
	}, nil
}

// CacheStats returns the read cache counters.
func (e *Engine) CacheStats() cache.Stats {
	return e.cache.Stats()
}

// SetCacheSize changes the read cache byte budget, evicting entries if
// the cache no longer fits. The budget must be positive.
func (e *Engine) SetCacheSize(n int64) error {
	if n <= 0 {
		return fmt.Errorf("cache budget must be > 0, got %d", n)
	}
	e.cache.Resize(n)
	return nil
}

// ClearCache drops every cached entry. Resident session state is not
// affected; subsequent reads repopulate from disk.
func (e *Engine) ClearCache() {
	e.cache.Clear()
}

// checkFreeSpace fails with core.ErrStorageFull when available space,
// less the incoming write, would drop below the floor. Called before
// every append so a full disk surfaces as a synchronous error instead of
// a background write failure.
func (e *Engine) checkFreeSpace(ctx context.Context, incoming int64) error {
	quota, err := e.adapter.Quota(ctx)
	if err != nil {
		return err
	}
	if quota.Available-incoming < minFreeBytes {
		return fmt.Errorf("%w: %d bytes available, need %d free after a %d byte write",
			core.ErrStorageFull, quota.Available, int64(minFreeBytes), incoming)
	}
	return nil
}

// indexEntity builds the indexed projection of session metadata. Name,
// notes, and transcript feed the full-text index.
func indexEntity(meta *core.SessionMeta) *index.Entity {
	return &index.Entity{
		ID:        meta.ID,
		Tags:      meta.Tags,
		Topics:    meta.Topics,
		Category:  meta.Category,
		Status:    string(meta.Status),
		Timestamp: meta.StartTime,
		Text:      meta.Name + " " + meta.Notes + " " + meta.Transcript,
	}
}
