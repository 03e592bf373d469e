package event

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Take when the queue is torn down while the
// consumer is waiting.
var ErrClosed = errors.New("event: queue closed")

// DefaultMaxBacklog bounds the number of retained records. Push drops new
// records beyond the bound instead of blocking or growing without limit; a
// missed notification degrades gracefully, a blocked producer does not.
const DefaultMaxBacklog = 1024

// Queue is the append-only notification log with a single consumer cursor.
//
// The log is a slice owned by the queue; the cursor is an index into it, so
// compaction cannot leave the consumer holding a freed entry. A record read
// by the consumer stays in the log: a session opened later replays the full
// buffered history from the head.
//
// The mutex is held only for slice and cursor manipulation, never across the
// consumer's wait. Producers signal readiness by closing the current wake
// channel, which makes Push safe to call from any goroutine without ever
// blocking on the consumer.
type Queue struct {
	mu      sync.Mutex
	log     []Record
	cursor  int // index of the next unread record; == len(log) when drained
	wake    chan struct{}
	closed  bool
	maxlog  int
	dropped uint64

	logger *slog.Logger
}

// NewQueue returns an empty queue. A nil logger falls back to slog.Default.
func NewQueue(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		wake:   make(chan struct{}),
		maxlog: DefaultMaxBacklog,
		logger: logger,
	}
}

// Push appends a record to the log and wakes a waiting consumer. It never
// blocks. It reports whether the record was retained: when the backlog bound
// is hit the record is dropped and logged, leaving the queue unchanged.
//
// A Connected record first discards every buffered record, so a consumer
// that was not watching cannot replay stale pre-connection history alongside
// a fresh connection.
func (q *Queue) Push(r Record) bool {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return false
	}

	if r.Type == Connected && len(q.log) > 0 {
		q.log = q.log[:0]
		q.cursor = 0
	}

	if len(q.log)-q.cursor >= q.maxlog {
		q.dropped++
		n := q.dropped
		q.mu.Unlock()
		q.logger.Warn("event backlog full, dropping record",
			"type", r.Type.String(), "dropped_total", n)
		return false
	}

	q.log = append(q.log, r)
	q.signalLocked()
	q.mu.Unlock()
	return true
}

// signalLocked wakes all waiters by retiring the current wake channel.
func (q *Queue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Take blocks until a record is readable, then copies it, advances the
// cursor and returns the copy. Cancellation of ctx unblocks the wait with
// ctx.Err(); Close unblocks it with ErrClosed. No partial record is ever
// delivered.
func (q *Queue) Take(ctx context.Context) (Record, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Record{}, ErrClosed
		}
		if q.cursor < len(q.log) {
			r := q.log[q.cursor]
			q.cursor++
			q.mu.Unlock()
			return r, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
}

// Pending reports whether a record is immediately readable. Used for
// readiness polling; never blocks.
func (q *Queue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor < len(q.log)
}

// Rewind moves the cursor back to the head of the log. A newly opened
// control session calls this so it replays the full buffered history, not
// just future records.
func (q *Queue) Rewind() {
	q.mu.Lock()
	q.cursor = 0
	if len(q.log) > 0 {
		q.signalLocked()
	}
	q.mu.Unlock()
}

// Close tears the queue down, unblocking any waiting consumer. Records
// pushed after Close are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.signalLocked()
	}
	q.mu.Unlock()
}

// Buffered returns the number of retained records; Unread returns how many
// of them the cursor has not yet delivered.
func (q *Queue) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.log)
}

func (q *Queue) Unread() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.log) - q.cursor
}

// Dropped returns the number of records discarded by the backlog bound.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
