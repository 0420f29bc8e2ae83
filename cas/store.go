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


// Package cas stores binary attachments deduplicated by content hash.
//
// A blob's address is the SHA-256 of its bytes; saving identical bytes
// twice stores one copy. Ownership is a set of (ownerId, attachmentId)
// tuples per blob, so the reference count is derived and removal is
// idempotent; there is no raw counter to double-decrement. Blobs whose
// reference set is empty are garbage-collection-eligible and reclaimed by
// an explicit sweep, never eagerly.
package cas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/poiesic/sessionvault/core"
	"github.com/poiesic/sessionvault/queue"
	"github.com/poiesic/sessionvault/storage"
)

// metaKind names the blob metadata document for schema migrations.
const metaKind = "attachment-meta"

// Reference is one (owner, attachment) claim on a blob.
type Reference struct {
	OwnerID      string `json:"ownerId"`
	AttachmentID string `json:"attachmentId"`
}

// blobMeta is the persisted metadata document of one blob.
type blobMeta struct {
	SchemaVersion int         `json:"schemaVersion"`
	Hash          string      `json:"hash"`
	Size          int64       `json:"size"`
	References    []Reference `json:"references"`
}

// blobState is the in-memory view of one blob.
type blobState struct {
	size int64
	refs map[Reference]struct{}
}

// GCResult reports what a garbage-collection sweep reclaimed.
type GCResult struct {
	FreedBytes   int64 `json:"freedBytes"`
	DeletedCount int   `json:"deletedCount"`
}

// Store is the content-addressable attachment store. All durable writes
// route through the persistence queue.
type Store struct {
	adapter    storage.Adapter
	queue      *queue.Queue
	migrations *storage.MigrationRegistry
	logger     *slog.Logger

	mu    sync.Mutex
	blobs map[string]*blobState
}

// Option configures a Store.
type Option func(*Store) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// New opens the store, loading the reference table from the blob metadata
// documents already on disk.
func New(ctx context.Context, adapter storage.Adapter, q *queue.Queue, migrations *storage.MigrationRegistry, opts ...Option) (*Store, error) {
	s := &Store{
		adapter:    adapter,
		queue:      q,
		migrations: migrations,
		logger:     slog.Default(),
		blobs:      make(map[string]*blobState),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if err := s.loadReferenceTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadReferenceTable(ctx context.Context) error {
	paths, err := s.adapter.List(ctx, storage.AttachmentPrefix())
	if err != nil {
		return fmt.Errorf("scanning attachment store: %w", err)
	}

	for _, path := range paths {
		if !strings.HasSuffix(path, "/metadata.json") {
			continue
		}
		var meta blobMeta
		if err := storage.LoadDocument(ctx, s.adapter, metaKind, path, s.migrations, &meta); err != nil {
			s.logger.Warn("skipping unreadable blob metadata", "path", path, "err", err)
			continue
		}
		state := &blobState{size: meta.Size, refs: make(map[Reference]struct{}, len(meta.References))}
		for _, ref := range meta.References {
			state.refs[ref] = struct{}{}
		}
		s.blobs[meta.Hash] = state
	}

	s.logger.Debug("attachment reference table loaded", "blobs", len(s.blobs))
	return nil
}

// SaveAttachment stores bytes under their SHA-256 address. Saving a blob
// that already exists writes nothing and returns the existing hash. The
// new blob starts with an empty reference set.
func (s *Store) SaveAttachment(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", core.ErrEmptyAttachment
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	s.mu.Lock()
	if _, exists := s.blobs[hash]; exists {
		s.mu.Unlock()
		return hash, nil // dedup: identical content already stored
	}
	state := &blobState{size: int64(len(data)), refs: make(map[Reference]struct{})}
	s.blobs[hash] = state
	metaData, err := s.encodeMetaLocked(hash, state)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	job := &queue.Job{
		Kind:     "attachment",
		Target:   "attachment:" + hash,
		Priority: queue.PriorityNormal,
		Ops: []queue.Op{
			{Path: storage.AttachmentDataPath(hash), Data: data},
			{Path: storage.AttachmentMetaPath(hash), Data: metaData},
		},
	}
	if err := s.queue.Enqueue(job); err != nil {
		return "", err
	}
	return hash, nil
}

// LoadAttachment reads a blob's bytes. Returns storage.ErrNotFound for an
// unknown hash.
func (s *Store) LoadAttachment(ctx context.Context, hash string) ([]byte, error) {
	if len(hash) < 2 {
		return nil, fmt.Errorf("%w: hash %q", storage.ErrInvalidPath, hash)
	}
	return s.adapter.Load(ctx, storage.AttachmentDataPath(hash))
}

// AddReference records a (owner, attachment) claim on a blob. Adding a
// claim that already exists is a no-op.
func (s *Store) AddReference(ctx context.Context, hash, ownerID, attachmentID string) error {
	ref := Reference{OwnerID: ownerID, AttachmentID: attachmentID}

	s.mu.Lock()
	state, ok := s.blobs[hash]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: blob %s", storage.ErrNotFound, hash)
	}
	if _, dup := state.refs[ref]; dup {
		s.mu.Unlock()
		return nil
	}
	state.refs[ref] = struct{}{}
	metaData, err := s.encodeMetaLocked(hash, state)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	return s.persistMeta(hash, metaData)
}

// RemoveReference drops a claim on a blob. Removing a claim that is not
// present is a no-op, which makes the operation idempotent. A blob whose
// last claim is removed becomes GC-eligible but is not deleted here.
func (s *Store) RemoveReference(ctx context.Context, hash, ownerID, attachmentID string) error {
	ref := Reference{OwnerID: ownerID, AttachmentID: attachmentID}

	s.mu.Lock()
	state, ok := s.blobs[hash]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if _, present := state.refs[ref]; !present {
		s.mu.Unlock()
		return nil
	}
	delete(state.refs, ref)
	metaData, err := s.encodeMetaLocked(hash, state)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	return s.persistMeta(hash, metaData)
}

// RefCount returns the derived reference count of a blob: the size of its
// reference set. Unknown hashes count zero.
func (s *Store) RefCount(hash string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.blobs[hash]
	if !ok {
		return 0
	}
	return len(state.refs)
}

// Has reports whether the store knows a blob by hash.
func (s *Store) Has(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[hash]
	return ok
}

// CollectGarbage deletes every blob whose reference set is empty, as one
// critical batch through the queue, and reports what was reclaimed.
func (s *Store) CollectGarbage(ctx context.Context) (GCResult, error) {
	s.mu.Lock()
	var victims []string
	var result GCResult
	var ops []queue.Op
	for hash, state := range s.blobs {
		if len(state.refs) > 0 {
			continue
		}
		victims = append(victims, hash)
		result.FreedBytes += state.size
		result.DeletedCount++
		ops = append(ops,
			queue.Op{Path: storage.AttachmentDataPath(hash), Delete: true},
			queue.Op{Path: storage.AttachmentMetaPath(hash), Delete: true},
		)
	}
	s.mu.Unlock()

	if len(victims) == 0 {
		return GCResult{}, nil
	}
	sort.Strings(victims)

	job := &queue.Job{Kind: "attachment-gc", Ops: ops}
	if err := s.queue.EnqueueCritical(ctx, job); err != nil {
		return GCResult{}, fmt.Errorf("garbage collection sweep: %w", err)
	}

	s.mu.Lock()
	for _, hash := range victims {
		state, ok := s.blobs[hash]
		if ok && len(state.refs) > 0 {
			// A claim arrived while the sweep ran. Keep the entry so the
			// reference set survives; the claimant's metadata write is
			// already queued behind the sweep.
			s.logger.Warn("blob re-referenced during sweep, keeping entry", "hash", hash)
			continue
		}
		delete(s.blobs, hash)
	}
	s.mu.Unlock()

	s.logger.Info("garbage collection complete",
		"deleted", result.DeletedCount, "freedBytes", result.FreedBytes)
	return result, nil
}

// persistMeta enqueues the metadata document, coalescing per blob so rapid
// reference churn becomes one durable write.
func (s *Store) persistMeta(hash string, metaData []byte) error {
	job := queue.SaveJob("attachment-meta", "attachment-meta:"+hash,
		queue.PriorityNormal, storage.AttachmentMetaPath(hash), metaData)
	return s.queue.Enqueue(job)
}

// encodeMetaLocked builds the persisted metadata document. References are
// sorted so identical sets encode identically. Caller holds s.mu.
func (s *Store) encodeMetaLocked(hash string, state *blobState) ([]byte, error) {
	refs := make([]Reference, 0, len(state.refs))
	for ref := range state.refs {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].OwnerID != refs[j].OwnerID {
			return refs[i].OwnerID < refs[j].OwnerID
		}
		return refs[i].AttachmentID < refs[j].AttachmentID
	})

	return storage.EncodeDocument(blobMeta{
		SchemaVersion: core.SchemaVersion,
		Hash:          hash,
		Size:          state.size,
		References:    refs,
	})
}
