package storage

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// WriteFn is one unit of mutation. It runs inside exactly one transaction on
// the write engine: commit on nil return, rollback on error or panic.
type WriteFn func(tx *sql.Tx) error

// WriterQueue serializes every state mutation through a single background
// goroutine that owns the write engine. Submissions execute in FIFO order,
// at most one at a time; errors propagate to the submitter and later
// closures still run.
//
// All queue state is owned by the run goroutine; callers interact only
// through channels.
type WriterQueue struct {
	db   *sql.DB
	subs chan *submission
	stop chan struct{}
	done chan struct{}

	mu     sync.RWMutex
	closed bool

	depth atomic.Int64
	log   zerolog.Logger
}

type submission struct {
	ctx context.Context
	fn  WriteFn
	res chan submitResult
}

// submitResult carries the outcome of one closure back to its submitter. A
// panic inside the closure rolls back, then re-raises on the submitter's
// goroutine rather than killing the queue.
type submitResult struct {
	err      error
	panicked bool
	panicVal any
}

// writerQueueBuffer bounds the closure channel. Submitters block (with
// context) when the queue is this far behind.
const writerQueueBuffer = 256

// Begin-retry bounds for lock contention. The driver's busy_timeout does
// the heavy waiting; this covers the window where BEGIN IMMEDIATE itself
// reports busy, e.g. while a backup steps over the source.
const (
	beginAttempts   = 3
	beginRetryDelay = 50 * time.Millisecond
)

// NewWriterQueue starts the queue's consumer goroutine over the store's
// write engine. A nil log defaults to the nop logger.
func NewWriterQueue(store *Store, log *zerolog.Logger) *WriterQueue {
	l := zerolog.Nop()
	if log != nil {
		l = *log
	}
	q := &WriterQueue{
		db:   store.Write(),
		subs: make(chan *submission, writerQueueBuffer),
		stop: make(chan struct{}),
		done: make(chan struct{}),
		log:  l,
	}
	go q.run()
	return q
}

// Submit enqueues fn and blocks until it ran, the context is done, or the
// queue is closed. A context expiry while waiting does not revoke an
// accepted submission: the closure still executes in order.
func (q *WriterQueue) Submit(ctx context.Context, fn WriteFn) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrClosed
	}
	sub := &submission{ctx: ctx, fn: fn, res: make(chan submitResult, 1)}
	select {
	case q.subs <- sub:
		q.depth.Add(1)
		q.mu.RUnlock()
	case <-ctx.Done():
		q.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case r := <-sub.res:
		if r.panicked {
			panic(r.panicVal)
		}
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth returns the number of closures waiting to execute.
func (q *WriterQueue) Depth() int64 {
	return q.depth.Load()
}

// Close stops intake, drains every closure accepted before the call, and
// stops the consumer. Idempotent. Submissions after Close fail ErrClosed;
// the context only bounds how long Close waits for the drain.
func (q *WriterQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.stop)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the single consumer. It owns transaction boundaries: exactly one
// transaction per closure, commit on nil, rollback otherwise.
func (q *WriterQueue) run() {
	defer close(q.done)
	for {
		select {
		case sub := <-q.subs:
			q.depth.Add(-1)
			q.execute(sub)
		case <-q.stop:
			// Drain submissions accepted before Close.
			for {
				select {
				case sub := <-q.subs:
					q.depth.Add(-1)
					q.execute(sub)
				default:
					return
				}
			}
		}
	}
}

// beginWriteTx opens the closure's transaction, retrying a few times with a
// linear backoff when SQLite reports lock contention.
func (q *WriterQueue) beginWriteTx(ctx context.Context) (*sql.Tx, error) {
	var tx *sql.Tx
	var err error
	for attempt := 0; attempt < beginAttempts; attempt++ {
		tx, err = q.db.BeginTx(ctx, nil)
		if err == nil || !IsBusy(err) {
			return tx, err
		}
		q.log.Debug().Int("attempt", attempt+1).Msg("write transaction begin busy, retrying")
		select {
		case <-time.After(time.Duration(attempt+1) * beginRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, err
}

func (q *WriterQueue) execute(sub *submission) {
	// A submitter whose context died while queued gets its error without
	// side effects; the transaction is never opened.
	if err := sub.ctx.Err(); err != nil {
		sub.res <- submitResult{err: err}
		return
	}

	tx, err := q.beginWriteTx(sub.ctx)
	if err != nil {
		sub.res <- submitResult{err: wrapDBError("begin write transaction", err)}
		return
	}

	var r submitResult
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				_ = tx.Rollback()
				r = submitResult{panicked: true, panicVal: rec}
				q.log.Error().Interface("panic", rec).Msg("writer closure panicked; transaction rolled back")
			}
		}()
		if err := sub.fn(tx); err != nil {
			_ = tx.Rollback()
			r = submitResult{err: err}
			return
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			r = submitResult{err: wrapDBError("commit write transaction", err)}
		}
	}()

	sub.res <- r
}
