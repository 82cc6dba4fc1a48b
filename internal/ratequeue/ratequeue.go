// Package ratequeue implements the rate-limit retry queue supplement
// (SPEC_FULL.md §10): when the Agent Driver's exit signature indicates a
// rate limit rather than a fatal error, the Task Executor re-queues the
// task here with exponential backoff instead of transitioning straight to
// FAILED. Distinct from internal/inputqueue's per-task user-message FIFO.
//
// Grounded on internal/executor/queue.go's TaskQueue: same mutex-guarded
// slice, Add/GetReady/GetExpired/Remove/Len/List/NextRetryTime shape,
// adapted from the teacher's *Task pointer to a task id string plus
// exponential backoff instead of a caller-supplied fixed RetryAfter.
package ratequeue

import (
	"sync"
	"time"
)

// MaxAttempts bounds how many times a task is retried before it is
// surfaced as expired (the caller should transition it to FAILED).
const MaxAttempts = 5

// baseBackoff and maxBackoff bound the exponential backoff schedule:
// attempt 1 waits ~baseBackoff, doubling each attempt up to maxBackoff.
const (
	baseBackoff = 30 * time.Second
	maxBackoff  = 20 * time.Minute
)

// Entry is one task waiting out a rate limit.
type Entry struct {
	TaskID     string
	RetryAfter time.Time
	Attempts   int
	QueuedAt   time.Time
	Reason     string
}

// Queue is the in-process rate-limit retry queue. It holds no persisted
// state: a process restart loses pending retries. The Task Executor leaves
// a queued task PAUSED in the store, and it stays PAUSED until something
// schedules it again.
type Queue struct {
	mu      sync.Mutex
	pending []Entry
}

// New constructs an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Add records a rate-limit hit for taskID, computing the next retry time
// from an exponential backoff keyed by the attempt count. Calling Add
// again for a task already queued increments its attempt count and
// recomputes RetryAfter rather than creating a duplicate entry.
func (q *Queue) Add(taskID, reason string) Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.pending {
		if q.pending[i].TaskID == taskID {
			q.pending[i].Attempts++
			q.pending[i].Reason = reason
			q.pending[i].RetryAfter = time.Now().Add(backoffFor(q.pending[i].Attempts))
			return q.pending[i]
		}
	}

	e := Entry{
		TaskID:     taskID,
		RetryAfter: time.Now().Add(backoffFor(1)),
		Attempts:   1,
		QueuedAt:   time.Now(),
		Reason:     reason,
	}
	q.pending = append(q.pending, e)
	return e
}

func backoffFor(attempt int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// GetReady removes and returns entries whose RetryAfter has passed and
// that have not exceeded MaxAttempts.
func (q *Queue) GetReady() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var ready, remaining []Entry
	for _, e := range q.pending {
		if now.After(e.RetryAfter) && e.Attempts <= MaxAttempts {
			ready = append(ready, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	q.pending = remaining
	return ready
}

// GetExpired removes and returns entries that have exceeded MaxAttempts;
// the caller should transition these tasks to FAILED.
func (q *Queue) GetExpired() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired, remaining []Entry
	for _, e := range q.pending {
		if e.Attempts > MaxAttempts {
			expired = append(expired, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	q.pending = remaining
	return expired
}

// Remove drops taskID from the queue (e.g. on an explicit stop). Reports
// whether an entry was found.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.pending {
		if e.TaskID == taskID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Len reports how many tasks are currently waiting out a rate limit.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// List returns a snapshot of all pending entries, for status display.
func (q *Queue) List() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.pending))
	copy(out, q.pending)
	return out
}

// NextRetryTime returns the earliest RetryAfter in the queue, or the zero
// time if the queue is empty.
func (q *Queue) NextRetryTime() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return time.Time{}
	}
	earliest := q.pending[0].RetryAfter
	for _, e := range q.pending[1:] {
		if e.RetryAfter.Before(earliest) {
			earliest = e.RetryAfter
		}
	}
	return earliest
}
