package queue

import "time"

// Priority orders jobs into lanes. Critical jobs flush immediately, normal
// jobs batch on a short timer or count threshold, low jobs wait for idle
// periods.
type Priority int

const (
	// PriorityLow flushes only when the queue has been idle for a while.
	PriorityLow Priority = iota
	// PriorityNormal batches on a short timer or item-count threshold.
	PriorityNormal
	// PriorityCritical flushes immediately; the enqueueing call waits for
	// the write to complete.
	PriorityCritical
)

// String returns the lane name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// Op is one adapter operation inside a job. Ops of a job are applied in
// order; a job is the unit of coalescing and retry.
type Op struct {
	Path   string
	Data   []byte
	Delete bool
}

// Job is a batch of adapter operations scheduled under one priority.
// Jobs sharing a Target within the normal and low lanes coalesce: the
// newest job supersedes queued ones instead of stacking writes.
type Job struct {
	// Kind names what the job persists, for logs and the failed-job list.
	Kind string
	// Target is the coalescing key, typically the logical file the job
	// writes. Empty targets never coalesce.
	Target string
	// Priority selects the lane.
	Priority Priority
	// Ops are applied through the adapter in order.
	Ops []Op

	enqueuedAt time.Time
}

// SaveJob builds a single-write job.
func SaveJob(kind, target string, priority Priority, path string, data []byte) *Job {
	return &Job{
		Kind:     kind,
		Target:   target,
		Priority: priority,
		Ops:      []Op{{Path: path, Data: data}},
	}
}

// FailedJob describes a job that exhausted its retries. Non-critical
// failures land here and in the log instead of surfacing to callers.
type FailedJob struct {
	Kind     string    `json:"kind"`
	Target   string    `json:"target"`
	Priority string    `json:"priority"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failedAt"`
}
