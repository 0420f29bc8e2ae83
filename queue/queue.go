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


// Package queue schedules writes through the storage adapter by priority.
//
// Exactly one consumer goroutine drains the queue, and it is the only
// writer to durable storage; interleaved-write corruption is impossible by
// construction. Jobs targeting the same logical file coalesce in the
// normal and low lanes, so ten metadata updates become one adapter write.
// Critical jobs are never superseded and flush immediately.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/poiesic/sessionvault/core"
	"github.com/poiesic/sessionvault/storage"
)

// ErrQueueClosed indicates an enqueue after Shutdown.
var ErrQueueClosed = errors.New("persistence queue is closed")

// Defaults for the scheduling knobs.
const (
	DefaultFlushInterval  = 250 * time.Millisecond
	DefaultBatchSize      = 16
	DefaultIdleDelay      = 2 * time.Second
	DefaultMaxAttempts    = 3
	DefaultRetryBaseDelay = 50 * time.Millisecond

	failedJobCap = 64
)

type pending struct {
	job     *Job
	waiters []chan error
}

// lane is one priority level: FIFO order plus a coalescing map by target.
type lane struct {
	order    []*pending
	byTarget map[string]*pending
}

func newLane() *lane {
	return &lane{byTarget: make(map[string]*pending)}
}

// push appends a job, superseding a queued job with the same target when
// coalesce is set. Superseding keeps the earlier queue position and carries
// the earlier job's waiters forward.
func (l *lane) push(job *Job, waiter chan error, coalesce bool) {
	if coalesce && job.Target != "" {
		if existing, ok := l.byTarget[job.Target]; ok {
			existing.job = job
			if waiter != nil {
				existing.waiters = append(existing.waiters, waiter)
			}
			return
		}
	}

	p := &pending{job: job}
	if waiter != nil {
		p.waiters = append(p.waiters, waiter)
	}
	l.order = append(l.order, p)
	if job.Target != "" {
		l.byTarget[job.Target] = p
	}
}

func (l *lane) popAll() []*pending {
	out := l.order
	l.order = nil
	l.byTarget = make(map[string]*pending)
	return out
}

func (l *lane) len() int {
	return len(l.order)
}

// Queue coalesces and schedules adapter writes by priority.
type Queue struct {
	adapter storage.Adapter
	logger  *slog.Logger

	flushInterval  time.Duration
	idleDelay      time.Duration
	retryBaseDelay time.Duration
	batchSize      int
	maxAttempts    int

	mu              sync.Mutex
	lanes           [3]*lane // indexed by Priority
	closed          bool
	failed          []FailedJob
	lastActivity    time.Time
	lastNormalFlush time.Time

	// lastWritten maps path to the fingerprint of its last durable
	// payload. Touched only by the consumer goroutine.
	lastWritten map[string]uint64

	wake    chan struct{}
	flushCh chan chan error
	stopCh  chan struct{}
	doneCh  chan struct{}

	drainMu  sync.Mutex
	drainCtx context.Context
	drainErr error
}

// Option configures a Queue.
type Option func(*Queue) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) error {
		if logger == nil {
			logger = slog.Default()
		}
		q.logger = logger
		return nil
	}
}

// WithFlushInterval sets the normal-lane batching timer.
func WithFlushInterval(d time.Duration) Option {
	return func(q *Queue) error {
		if d <= 0 {
			return fmt.Errorf("flush interval must be > 0, got %v", d)
		}
		q.flushInterval = d
		return nil
	}
}

// WithBatchSize sets the normal-lane count threshold that forces a flush
// before the timer fires.
func WithBatchSize(n int) Option {
	return func(q *Queue) error {
		if n <= 0 {
			return fmt.Errorf("batch size must be > 0, got %d", n)
		}
		q.batchSize = n
		return nil
	}
}

// WithIdleDelay sets how long the queue must be quiet before the low lane
// flushes.
func WithIdleDelay(d time.Duration) Option {
	return func(q *Queue) error {
		if d <= 0 {
			return fmt.Errorf("idle delay must be > 0, got %v", d)
		}
		q.idleDelay = d
		return nil
	}
}

// WithRetry sets the retry budget for failed adapter operations.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(q *Queue) error {
		if maxAttempts <= 0 {
			return ErrInvalidMaxAttempts
		}
		q.maxAttempts = maxAttempts
		q.retryBaseDelay = baseDelay
		return nil
	}
}

// New creates a queue and starts its consumer goroutine.
func New(adapter storage.Adapter, opts ...Option) (*Queue, error) {
	q := &Queue{
		adapter:        adapter,
		logger:         slog.Default(),
		flushInterval:  DefaultFlushInterval,
		idleDelay:      DefaultIdleDelay,
		retryBaseDelay: DefaultRetryBaseDelay,
		batchSize:      DefaultBatchSize,
		maxAttempts:    DefaultMaxAttempts,
		lastWritten:    make(map[string]uint64),
		wake:           make(chan struct{}, 1),
		flushCh:        make(chan chan error),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	for i := range q.lanes {
		q.lanes[i] = newLane()
	}
	for _, opt := range opts {
		if err := opt(q); err != nil {
			return nil, err
		}
	}

	q.lastNormalFlush = time.Now()
	go q.run()
	return q, nil
}

// Enqueue schedules a job without waiting for durability. Normal and low
// jobs may be superseded by a later job with the same target; critical
// jobs flush on the next consumer cycle without superseding.
func (q *Queue) Enqueue(job *Job) error {
	return q.enqueue(job, nil)
}

// EnqueueCritical schedules a job in the critical lane and blocks until
// the write completes or ctx is done. The job is never superseded.
func (q *Queue) EnqueueCritical(ctx context.Context, job *Job) error {
	job.Priority = PriorityCritical
	done := make(chan error, 1)
	if err := q.enqueue(job, done); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) enqueue(job *Job, waiter chan error) error {
	if job.Priority < PriorityLow || job.Priority > PriorityCritical {
		return fmt.Errorf("invalid priority %d", job.Priority)
	}
	job.enqueuedAt = time.Now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	coalesce := job.Priority != PriorityCritical
	q.lanes[job.Priority].push(job, waiter, coalesce)
	q.lastActivity = time.Now()
	shouldWake := job.Priority == PriorityCritical || q.lanes[PriorityNormal].len() >= q.batchSize
	q.mu.Unlock()

	if shouldWake {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// EnqueueNotify schedules a job like Enqueue and returns a channel that
// receives the job's terminal error, nil on success, once the write
// completes or is abandoned at shutdown. A superseding job with the same
// target reports through the same channel. The channel is buffered, so
// the result is delivered even if the caller stops listening.
func (q *Queue) EnqueueNotify(job *Job) (<-chan error, error) {
	done := make(chan error, 1)
	if err := q.enqueue(job, done); err != nil {
		return nil, err
	}
	return done, nil
}

// Flush forces a full drain of all lanes in priority order and waits for
// it. Errors from critical jobs are returned; others are logged.
func (q *Queue) Flush(ctx context.Context) error {
	resp := make(chan error, 1)
	select {
	case q.flushCh <- resp:
	case <-q.doneCh:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FailedJobs returns the most recent terminal non-critical failures,
// oldest first.
func (q *Queue) FailedJobs() []FailedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]FailedJob(nil), q.failed...)
}

// Pending returns the number of queued jobs across all lanes.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lanes {
		n += l.len()
	}
	return n
}

// Shutdown stops accepting jobs and drains all lanes in priority order
// within the ctx deadline. Jobs still pending after the deadline are
// abandoned with a logged warning; failed critical jobs are returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.doneCh
		return q.shutdownResult()
	}
	q.closed = true
	q.mu.Unlock()

	q.drainMu.Lock()
	q.drainCtx = ctx
	q.drainMu.Unlock()

	close(q.stopCh)
	select {
	case <-q.doneCh:
	case <-ctx.Done():
		<-q.doneCh
	}
	return q.shutdownResult()
}

func (q *Queue) shutdownResult() error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	return q.drainErr
}

// run is the single consumer loop and the only writer to the adapter.
func (q *Queue) run() {
	defer close(q.doneCh)

	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			q.drain()
			return
		case resp := <-q.flushCh:
			resp <- q.flushAll(context.Background())
			continue
		case <-q.wake:
		case <-ticker.C:
		}
		q.cycle()
	}
}

// cycle applies the lane scheduling rules once.
func (q *Queue) cycle() {
	ctx := context.Background()

	// Critical: always, immediately.
	q.flushLane(ctx, PriorityCritical)

	q.mu.Lock()
	normalDue := q.lanes[PriorityNormal].len() >= q.batchSize ||
		time.Since(q.lastNormalFlush) >= q.flushInterval
	hasNormal := q.lanes[PriorityNormal].len() > 0
	idle := time.Since(q.lastActivity) >= q.idleDelay
	q.mu.Unlock()

	if hasNormal && normalDue {
		q.flushLane(ctx, PriorityNormal)
		q.mu.Lock()
		q.lastNormalFlush = time.Now()
		q.mu.Unlock()
		return
	}

	// Low lane only during idle periods.
	if !hasNormal && idle {
		q.flushLane(ctx, PriorityLow)
	}
}

// flushAll drains every lane in priority order. Returns the joined errors
// of failed critical jobs.
func (q *Queue) flushAll(ctx context.Context) error {
	var errs []error
	for _, p := range []Priority{PriorityCritical, PriorityNormal, PriorityLow} {
		if err := q.flushLane(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	q.mu.Lock()
	q.lastNormalFlush = time.Now()
	q.mu.Unlock()
	return errors.Join(errs...)
}

// flushLane executes every queued job of one lane. Critical failures are
// returned (and delivered to waiters); others go to the log and the
// failed-job list.
func (q *Queue) flushLane(ctx context.Context, p Priority) error {
	q.mu.Lock()
	batch := q.lanes[p].popAll()
	q.mu.Unlock()

	var errs []error
	for _, item := range batch {
		if err := ctx.Err(); err != nil {
			// Drain window is over. Fail the waiters now, the consumer is
			// exiting and nobody writes to them afterwards, then requeue
			// the job so the abandoned count stays visible.
			for _, w := range item.waiters {
				w <- err
			}
			item.waiters = nil
			q.requeue(p, item)
			continue
		}

		err := q.execute(ctx, item.job)
		for _, w := range item.waiters {
			w <- err
		}
		if err == nil {
			continue
		}

		if p == PriorityCritical {
			errs = append(errs, fmt.Errorf("%s %s: %w", item.job.Kind, item.job.Target, err))
			continue
		}
		q.recordFailure(item.job, err)
	}
	return errors.Join(errs...)
}

func (q *Queue) requeue(p Priority, item *pending) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lanes[p].order = append(q.lanes[p].order, item)
	if item.job.Target != "" {
		q.lanes[p].byTarget[item.job.Target] = item
	}
}

// execute applies a job's operations with retry. A save whose payload
// fingerprint matches the last durable write for its path is skipped.
func (q *Queue) execute(ctx context.Context, job *Job) error {
	return RetryWithBackoff(ctx, func() error {
		for _, op := range job.Ops {
			if op.Delete {
				if err := q.adapter.Delete(ctx, op.Path); err != nil {
					return err
				}
				delete(q.lastWritten, op.Path)
				continue
			}

			fp := core.Fingerprint(op.Data)
			if last, ok := q.lastWritten[op.Path]; ok && last == fp {
				continue
			}
			if err := q.adapter.Save(ctx, op.Path, op.Data); err != nil {
				return err
			}
			q.lastWritten[op.Path] = fp
		}
		return nil
	}, q.maxAttempts, q.retryBaseDelay)
}

func (q *Queue) recordFailure(job *Job, err error) {
	q.logger.Error("persistence job failed",
		"kind", job.Kind, "target", job.Target, "priority", job.Priority.String(), "err", err)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, FailedJob{
		Kind:     job.Kind,
		Target:   job.Target,
		Priority: job.Priority.String(),
		Error:    err.Error(),
		Attempts: q.maxAttempts,
		FailedAt: time.Now(),
	})
	if len(q.failed) > failedJobCap {
		q.failed = q.failed[len(q.failed)-failedJobCap:]
	}
}

// drain runs at shutdown: flush everything within the drain deadline,
// then report what was abandoned.
func (q *Queue) drain() {
	q.drainMu.Lock()
	ctx := q.drainCtx
	q.drainMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	err := q.flushAll(ctx)

	if left := q.Pending(); left > 0 {
		q.logger.Warn("abandoning jobs after drain window", "count", left)
	}

	q.drainMu.Lock()
	q.drainErr = err
	q.drainMu.Unlock()
}
