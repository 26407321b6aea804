// Package writequeue serializes storage mutations into a strict FIFO so that
// read-modify-write cycles on a shared image never interleave.
package writequeue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cwhhwc/AI-lesson-plan-writing/internal/logger"
)

// Operation is a unit of work executed by the queue. Its result is delivered
// only to the caller that enqueued it.
type Operation func(ctx context.Context) (any, error)

// Observer receives timing and depth information. Implementations must be
// safe for concurrent use. SetPending runs under the queue lock and must not
// call back into the queue.
type Observer interface {
	ObserveWait(d time.Duration)
	ObserveExec(d time.Duration, err error)
	SetPending(n int)
}

// Status is a snapshot of the queue state.
type Status struct {
	Running bool `json:"isRunning"`
	Pending int  `json:"queueLength"`
}

type job struct {
	ctx      context.Context
	op       Operation
	enqueued time.Time
	done     chan result
}

type result struct {
	val any
	err error
}

// Queue runs operations one at a time in arrival order. A drain goroutine is
// started lazily when work arrives and exits when the queue is empty.
type Queue struct {
	mu       sync.Mutex
	pending  []*job
	running  bool
	log      *logger.Logger
	observer Observer
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used for operation failures.
func WithLogger(l *logger.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{}
	for _, opt := range opts {
		opt(q)
	}
	q.log = logger.OrNop(q.log)
	return q
}

// Enqueue appends op and blocks until it has run (or ctx is done). An error
// from op, including a recovered panic, fails only this call.
//
// If ctx is cancelled while the job is still waiting, Enqueue returns
// ctx.Err() and the job is skipped when the drain loop reaches it. Once the
// job has started it runs to completion and its outcome is discarded.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (any, error) {
	if op == nil {
		return nil, fmt.Errorf("writequeue: nil operation")
	}
	j := &job{ctx: ctx, op: op, enqueued: time.Now(), done: make(chan result, 1)}

	q.mu.Lock()
	q.pending = append(q.pending, j)
	q.reportPending()
	start := !q.running
	if start {
		q.running = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}

	select {
	case r := <-j.done:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do is a typed wrapper around Enqueue.
func Do[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := q.Enqueue(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// Status returns the current running flag and number of waiting jobs.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{Running: q.running, Pending: len(q.pending)}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.reportPending()
		q.mu.Unlock()

		j.done <- q.run(j)
	}
}

// reportPending publishes the depth; q.mu must be held so that reports
// arrive in the order the depth changed.
func (q *Queue) reportPending() {
	if q.observer != nil {
		q.observer.SetPending(len(q.pending))
	}
}

func (q *Queue) run(j *job) (r result) {
	if err := j.ctx.Err(); err != nil {
		return result{err: err}
	}

	started := time.Now()
	if q.observer != nil {
		q.observer.ObserveWait(started.Sub(j.enqueued))
	}
	defer func() {
		if p := recover(); p != nil {
			r = result{err: fmt.Errorf("writequeue: operation panicked: %v", p)}
		}
		if r.err != nil {
			q.log.Warn("queued operation failed", "error", r.err)
		}
		if q.observer != nil {
			q.observer.ObserveExec(time.Since(started), r.err)
		}
	}()

	val, err := j.op(j.ctx)
	return result{val: val, err: err}
}
