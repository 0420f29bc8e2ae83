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

package cas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/sessionvault/core"
	"github.com/poiesic/sessionvault/queue"
	"github.com/poiesic/sessionvault/storage"
	"github.com/poiesic/sessionvault/storage/fs"
)

func newTestStore(t *testing.T) (*Store, storage.Adapter, *queue.Queue) {
	t.Helper()

	adapter, err := fs.New(t.TempDir())
	require.NoError(t, err)

	q, err := queue.New(adapter)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Shutdown(ctx)
		adapter.Close()
	})

	store, err := New(context.Background(), adapter, q, storage.NewMigrationRegistry())
	require.NoError(t, err)
	return store, adapter, q
}

func TestSaveAttachment(t *testing.T) {
	store, adapter, q := newTestStore(t)
	ctx := context.Background()

	data := []byte("screenshot bytes")
	hash, err := store.SaveAttachment(ctx, data)
	require.NoError(t, err)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), hash, "address is the SHA-256 of the content")
	assert.True(t, store.Has(hash))
	assert.Equal(t, 0, store.RefCount(hash), "new blob starts unreferenced")

	require.NoError(t, q.Flush(ctx))
	stored, err := adapter.Load(ctx, storage.AttachmentDataPath(hash))
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	loaded, err := store.LoadAttachment(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, loaded)
}

func TestSaveAttachmentDeduplicates(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	data := []byte("identical content")
	h1, err := store.SaveAttachment(ctx, data)
	require.NoError(t, err)
	h2, err := store.SaveAttachment(ctx, data)
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "identical bytes share one address")
}

func TestSaveAttachmentRejectsEmpty(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.SaveAttachment(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrEmptyAttachment)
}

func TestReferences(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	hash, err := store.SaveAttachment(ctx, []byte("shared blob"))
	require.NoError(t, err)

	require.NoError(t, store.AddReference(ctx, hash, "session-1", "item-1"))
	require.NoError(t, store.AddReference(ctx, hash, "session-1", "item-2"))
	require.NoError(t, store.AddReference(ctx, hash, "session-2", "item-1"))
	assert.Equal(t, 3, store.RefCount(hash))

	t.Run("duplicate add is a no-op", func(t *testing.T) {
		require.NoError(t, store.AddReference(ctx, hash, "session-1", "item-1"))
		assert.Equal(t, 3, store.RefCount(hash))
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		require.NoError(t, store.RemoveReference(ctx, hash, "session-1", "item-1"))
		assert.Equal(t, 2, store.RefCount(hash))

		// Double-remove cannot drive the count below the real claim set.
		require.NoError(t, store.RemoveReference(ctx, hash, "session-1", "item-1"))
		assert.Equal(t, 2, store.RefCount(hash))
	})

	t.Run("add to unknown blob fails", func(t *testing.T) {
		err := store.AddReference(ctx, "deadbeef", "session-1", "item-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("remove from unknown blob is a no-op", func(t *testing.T) {
		assert.NoError(t, store.RemoveReference(ctx, "deadbeef", "session-1", "item-1"))
	})
}

func TestCollectGarbage(t *testing.T) {
	store, adapter, q := newTestStore(t)
	ctx := context.Background()

	orphanData := []byte("orphaned attachment bytes")
	orphan, err := store.SaveAttachment(ctx, orphanData)
	require.NoError(t, err)

	kept, err := store.SaveAttachment(ctx, []byte("still referenced"))
	require.NoError(t, err)
	require.NoError(t, store.AddReference(ctx, kept, "session-1", "item-1"))
	require.NoError(t, q.Flush(ctx))

	result, err := store.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeletedCount)
	assert.Equal(t, int64(len(orphanData)), result.FreedBytes)

	assert.False(t, store.Has(orphan))
	assert.True(t, store.Has(kept))

	_, err = adapter.Load(ctx, storage.AttachmentDataPath(orphan))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = adapter.Load(ctx, storage.AttachmentDataPath(kept))
	assert.NoError(t, err)

	t.Run("empty sweep reclaims nothing", func(t *testing.T) {
		result, err := store.CollectGarbage(ctx)
		require.NoError(t, err)
		assert.Equal(t, GCResult{}, result)
	})
}

// gatedDeleteAdapter blocks the first Delete until released, so a test
// can interleave work with an in-flight garbage collection sweep.
type gatedDeleteAdapter struct {
	storage.Adapter
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (a *gatedDeleteAdapter) Delete(ctx context.Context, path string) error {
	a.once.Do(func() {
		close(a.entered)
		<-a.release
	})
	return a.Adapter.Delete(ctx, path)
}

func TestCollectGarbageKeepsMidSweepReference(t *testing.T) {
	base, err := fs.New(t.TempDir())
	require.NoError(t, err)
	adapter := &gatedDeleteAdapter{
		Adapter: base,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	ctx := context.Background()
	q, err := queue.New(adapter)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Shutdown(shutdownCtx)
		base.Close()
	})

	store, err := New(ctx, adapter, q, storage.NewMigrationRegistry())
	require.NoError(t, err)

	hash, err := store.SaveAttachment(ctx, []byte("claimed during the sweep"))
	require.NoError(t, err)
	require.NoError(t, q.Flush(ctx))

	gcDone := make(chan error, 1)
	var result GCResult
	go func() {
		r, err := store.CollectGarbage(ctx)
		result = r
		gcDone <- err
	}()

	// The sweep has selected the blob and is mid-delete; claim it now.
	select {
	case <-adapter.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never reached the adapter")
	}
	require.NoError(t, store.AddReference(ctx, hash, "session-1", "item-1"))
	close(adapter.release)
	require.NoError(t, <-gcDone)

	assert.Equal(t, 1, result.DeletedCount, "the sweep did remove the files")
	assert.True(t, store.Has(hash), "mid-sweep claim keeps the blob known")
	assert.Equal(t, 1, store.RefCount(hash), "mid-sweep claim must not be orphaned")
}

func TestReferenceTableSurvivesReopen(t *testing.T) {
	adapter, err := fs.New(t.TempDir())
	require.NoError(t, err)
	defer adapter.Close()

	ctx := context.Background()

	q1, err := queue.New(adapter)
	require.NoError(t, err)
	store1, err := New(ctx, adapter, q1, storage.NewMigrationRegistry())
	require.NoError(t, err)

	hash, err := store1.SaveAttachment(ctx, []byte("durable blob"))
	require.NoError(t, err)
	require.NoError(t, store1.AddReference(ctx, hash, "session-1", "item-1"))
	require.NoError(t, q1.Shutdown(ctx))

	q2, err := queue.New(adapter)
	require.NoError(t, err)
	defer q2.Shutdown(ctx)

	store2, err := New(ctx, adapter, q2, storage.NewMigrationRegistry())
	require.NoError(t, err)

	assert.True(t, store2.Has(hash))
	assert.Equal(t, 1, store2.RefCount(hash))
}
