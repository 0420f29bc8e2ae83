package badgerkv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/sessionvault/storage"
)

func newTestAdapter(t *testing.T, opts ...Option) *Adapter {
	t.Helper()
	a, err := OpenInMemory(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSaveLoad(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Save(ctx, "db/sessions.json", []byte(`{"v":1}`)))

	data, err := a.Load(ctx, "db/sessions.json")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))

	_, err = a.Load(ctx, "db/missing.json")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSaveRotatesBackup(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Save(ctx, "db/doc.json", []byte("v1")))
	require.NoError(t, a.Save(ctx, "db/doc.json", []byte("v2")))

	data, err := a.Load(ctx, "db/doc.json")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	backup, err := a.Load(ctx, storage.BackupPath("db/doc.json"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(backup))
}

func TestDelete(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Save(ctx, "db/doc.json", []byte("v1")))
	require.NoError(t, a.Save(ctx, "db/doc.json", []byte("v2")))
	require.NoError(t, a.Delete(ctx, "db/doc.json"))

	_, err := a.Load(ctx, "db/doc.json")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = a.Load(ctx, storage.BackupPath("db/doc.json"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.NoError(t, a.Delete(ctx, "db/doc.json"), "deleting a missing path is a no-op")
}

func TestListSkipsBackups(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Save(ctx, "sessions/s1/metadata.json", []byte("{}")))
	require.NoError(t, a.Save(ctx, "sessions/s1/metadata.json", []byte(`{"v":2}`)))
	require.NoError(t, a.Save(ctx, "sessions/s2/metadata.json", []byte("{}")))
	require.NoError(t, a.Save(ctx, "db/other.json", []byte("{}")))

	paths, err := a.List(ctx, "sessions/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"sessions/s1/metadata.json",
		"sessions/s2/metadata.json",
	}, paths)
}

func TestQuotaTracksPrimaryBytes(t *testing.T) {
	a := newTestAdapter(t, WithMaxBytes(1000))
	ctx := context.Background()

	require.NoError(t, a.Save(ctx, "db/doc.json", make([]byte, 300)))

	info, err := a.Quota(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(300), info.Used)
	assert.Equal(t, int64(700), info.Available)

	// Overwrites count the new primary size, not primary plus backup.
	require.NoError(t, a.Save(ctx, "db/doc.json", make([]byte, 500)))
	info, err = a.Quota(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), info.Used)

	require.NoError(t, a.Delete(ctx, "db/doc.json"))
	info, err = a.Quota(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Used)
}

func TestClosedAdapterRejectsOperations(t *testing.T) {
	a, err := OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, a.Close())

	err = a.Save(context.Background(), "db/doc.json", []byte("x"))
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
}
