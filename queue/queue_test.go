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

package queue

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/sessionvault/storage"
)

// memAdapter is an in-memory storage.Adapter that records every write
// and can inject failures per path.
type memAdapter struct {
	mu       sync.Mutex
	files    map[string][]byte
	saves    []string
	failures map[string]int
}

var _ storage.Adapter = (*memAdapter)(nil)

func newMemAdapter() *memAdapter {
	return &memAdapter{
		files:    make(map[string][]byte),
		failures: make(map[string]int),
	}
}

func (a *memAdapter) failNext(path string, times int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[path] = times
}

func (a *memAdapter) saveCount(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, p := range a.saves {
		if p == path {
			n++
		}
	}
	return n
}

func (a *memAdapter) Save(ctx context.Context, path string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if left := a.failures[path]; left > 0 {
		a.failures[path] = left - 1
		return fmt.Errorf("injected failure for %s", path)
	}
	a.files[path] = append([]byte(nil), data...)
	a.saves = append(a.saves, path)
	return nil
}

func (a *memAdapter) Load(ctx context.Context, path string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	return append([]byte(nil), data...), nil
}

func (a *memAdapter) Delete(ctx context.Context, path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.files, path)
	return nil
}

func (a *memAdapter) List(ctx context.Context, prefix string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for path := range a.files {
		if strings.HasPrefix(path, prefix) {
			out = append(out, path)
		}
	}
	return out, nil
}

func (a *memAdapter) Quota(ctx context.Context) (storage.QuotaInfo, error) {
	return storage.QuotaInfo{Available: math.MaxInt64}, nil
}

func (a *memAdapter) Close() error { return nil }

func newTestQueue(t *testing.T, adapter storage.Adapter, opts ...Option) *Queue {
	t.Helper()
	q, err := New(adapter, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		q.Shutdown(ctx)
	})
	return q
}

func TestCoalescing(t *testing.T) {
	adapter := newMemAdapter()
	q := newTestQueue(t, adapter, WithFlushInterval(time.Hour))

	// Ten updates to the same target before any flush.
	for i := 0; i < 10; i++ {
		job := SaveJob("meta", "session-meta:s1", PriorityNormal,
			"sessions/s1/metadata.json", []byte(fmt.Sprintf("version-%d", i)))
		require.NoError(t, q.Enqueue(job))
	}

	require.NoError(t, q.Flush(context.Background()))

	assert.Equal(t, 1, adapter.saveCount("sessions/s1/metadata.json"),
		"coalesced burst should produce one adapter write")
	data, err := adapter.Load(context.Background(), "sessions/s1/metadata.json")
	require.NoError(t, err)
	assert.Equal(t, "version-9", string(data), "last payload wins")
}

func TestDistinctTargetsDoNotCoalesce(t *testing.T) {
	adapter := newMemAdapter()
	q := newTestQueue(t, adapter, WithFlushInterval(time.Hour))

	for i := 0; i < 3; i++ {
		path := fmt.Sprintf("sessions/s%d/metadata.json", i)
		job := SaveJob("meta", "session-meta:"+path, PriorityNormal, path, []byte("x"))
		require.NoError(t, q.Enqueue(job))
	}

	require.NoError(t, q.Flush(context.Background()))

	paths, err := adapter.List(context.Background(), "sessions/")
	require.NoError(t, err)
	assert.Len(t, paths, 3)
}

func TestCriticalBlocksUntilDurable(t *testing.T) {
	adapter := newMemAdapter()
	q := newTestQueue(t, adapter, WithFlushInterval(time.Hour))

	job := SaveJob("meta", "", PriorityCritical, "db/critical.json", []byte("payload"))
	require.NoError(t, q.EnqueueCritical(context.Background(), job))

	// Durable the moment the call returns, no flush needed.
	data, err := adapter.Load(context.Background(), "db/critical.json")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestFlushOrderFollowsPriority(t *testing.T) {
	adapter := newMemAdapter()
	q := newTestQueue(t, adapter, WithFlushInterval(time.Hour))

	require.NoError(t, q.Enqueue(SaveJob("low", "t-low", PriorityLow, "low.json", []byte("l"))))
	require.NoError(t, q.Enqueue(SaveJob("normal", "t-norm", PriorityNormal, "normal.json", []byte("n"))))
	require.NoError(t, q.Enqueue(SaveJob("critical", "", PriorityCritical, "critical.json", []byte("c"))))

	require.NoError(t, q.Flush(context.Background()))

	adapter.mu.Lock()
	saves := append([]string(nil), adapter.saves...)
	adapter.mu.Unlock()

	// The wake on critical enqueue may flush it before Flush runs, but
	// critical always lands first and low always lands last.
	require.NotEmpty(t, saves)
	assert.Equal(t, "critical.json", saves[0])
	assert.Equal(t, "low.json", saves[len(saves)-1])
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	adapter := newMemAdapter()
	adapter.failNext("db/flaky.json", 2)
	q := newTestQueue(t, adapter,
		WithFlushInterval(time.Hour), WithRetry(3, time.Millisecond))

	job := SaveJob("doc", "flaky", PriorityNormal, "db/flaky.json", []byte("ok"))
	require.NoError(t, q.Enqueue(job))
	require.NoError(t, q.Flush(context.Background()))

	data, err := adapter.Load(context.Background(), "db/flaky.json")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Empty(t, q.FailedJobs())
}

func TestExhaustedRetriesLandInFailedJobs(t *testing.T) {
	adapter := newMemAdapter()
	adapter.failNext("db/doomed.json", 100)
	q := newTestQueue(t, adapter,
		WithFlushInterval(time.Hour), WithRetry(2, time.Millisecond))

	job := SaveJob("doc", "doomed", PriorityNormal, "db/doomed.json", []byte("x"))
	require.NoError(t, q.Enqueue(job))

	// Non-critical failures do not surface through Flush.
	require.NoError(t, q.Flush(context.Background()))

	failed := q.FailedJobs()
	require.Len(t, failed, 1)
	assert.Equal(t, "doc", failed[0].Kind)
	assert.Equal(t, "doomed", failed[0].Target)
	assert.Equal(t, "normal", failed[0].Priority)
}

func TestCriticalFailureSurfaces(t *testing.T) {
	adapter := newMemAdapter()
	adapter.failNext("db/doomed.json", 100)
	q := newTestQueue(t, adapter, WithRetry(2, time.Millisecond))

	job := SaveJob("doc", "", PriorityCritical, "db/doomed.json", []byte("x"))
	err := q.EnqueueCritical(context.Background(), job)
	assert.Error(t, err)
}

func TestFingerprintSkipsIdenticalPayload(t *testing.T) {
	adapter := newMemAdapter()
	q := newTestQueue(t, adapter, WithFlushInterval(time.Hour))

	payload := []byte("same bytes")
	require.NoError(t, q.Enqueue(SaveJob("doc", "a", PriorityNormal, "db/a.json", payload)))
	require.NoError(t, q.Flush(context.Background()))
	require.NoError(t, q.Enqueue(SaveJob("doc", "a", PriorityNormal, "db/a.json", payload)))
	require.NoError(t, q.Flush(context.Background()))

	assert.Equal(t, 1, adapter.saveCount("db/a.json"),
		"identical payload should not be rewritten")
}

func TestShutdown(t *testing.T) {
	t.Run("drains pending jobs", func(t *testing.T) {
		adapter := newMemAdapter()
		q, err := New(adapter, WithFlushInterval(time.Hour))
		require.NoError(t, err)

		require.NoError(t, q.Enqueue(SaveJob("doc", "a", PriorityNormal, "db/a.json", []byte("x"))))
		require.NoError(t, q.Enqueue(SaveJob("doc", "b", PriorityLow, "db/b.json", []byte("y"))))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, q.Shutdown(ctx))

		_, err = adapter.Load(context.Background(), "db/a.json")
		assert.NoError(t, err)
		_, err = adapter.Load(context.Background(), "db/b.json")
		assert.NoError(t, err)
	})

	t.Run("rejects enqueue after shutdown", func(t *testing.T) {
		adapter := newMemAdapter()
		q, err := New(adapter)
		require.NoError(t, err)
		require.NoError(t, q.Shutdown(context.Background()))

		err = q.Enqueue(SaveJob("doc", "a", PriorityNormal, "db/a.json", []byte("x")))
		assert.ErrorIs(t, err, ErrQueueClosed)
	})
}

func TestEnqueueNotify(t *testing.T) {
	adapter := newMemAdapter()
	q := newTestQueue(t, adapter, WithFlushInterval(time.Hour))

	done, err := q.EnqueueNotify(SaveJob("doc", "a", PriorityNormal, "db/a.json", []byte("v1")))
	require.NoError(t, err)

	// A superseding write reports through the carried-forward channel.
	require.NoError(t, q.Enqueue(SaveJob("doc", "a", PriorityNormal, "db/a.json", []byte("v2"))))
	require.NoError(t, q.Flush(context.Background()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("completion notification never arrived")
	}

	data, err := adapter.Load(context.Background(), "db/a.json")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestExpiredDrainNotifiesWaiters(t *testing.T) {
	adapter := newMemAdapter()
	q, err := New(adapter, WithFlushInterval(time.Hour))
	require.NoError(t, err)
	require.NoError(t, q.Shutdown(context.Background()))

	// Stage a critical job with a waiter directly in the lane, then flush
	// it the way drain does once the deadline has already passed. Without
	// a send to the waiter, a blocked EnqueueCritical caller whose own
	// context has no deadline would never wake up.
	done := make(chan error, 1)
	job := SaveJob("doc", "", PriorityCritical, "db/late.json", []byte("x"))
	q.mu.Lock()
	q.lanes[PriorityCritical].push(job, done, false)
	q.mu.Unlock()

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	require.NoError(t, q.flushLane(expired, PriorityCritical))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	default:
		t.Fatal("abandoned job never reported to its waiter")
	}
	assert.Equal(t, 1, q.Pending(), "abandoned job stays queued for accounting")
	_, err = adapter.Load(context.Background(), "db/late.json")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPending(t *testing.T) {
	adapter := newMemAdapter()
	q := newTestQueue(t, adapter, WithFlushInterval(time.Hour), WithBatchSize(100))

	require.NoError(t, q.Enqueue(SaveJob("doc", "a", PriorityNormal, "db/a.json", []byte("x"))))
	require.NoError(t, q.Enqueue(SaveJob("doc", "b", PriorityLow, "db/b.json", []byte("y"))))
	assert.Equal(t, 2, q.Pending())

	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, 0, q.Pending())
}
