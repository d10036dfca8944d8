// Package queue admits work under a concurrency ceiling. Work that cannot
// start immediately waits in a bounded FIFO line; waiting longer than the
// queue timeout rejects it without running it.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrFull    = errors.New("queue: full")
	ErrTimeout = errors.New("queue: timed out waiting for a slot")
	ErrClosed  = errors.New("queue: closed")
)

// Task is the unit of admitted work. It runs with the context it was
// enqueued with.
type Task func(ctx context.Context) error

type Config struct {
	MaxConcurrent int
	MaxQueueSize  int
	QueueTimeout  time.Duration
}

type Stats struct {
	Running    int    `json:"running"`
	Waiting    int    `json:"waiting"`
	Dispatched uint64 `json:"dispatched"`
	Completed  uint64 `json:"completed"`
	Rejected   uint64 `json:"rejected"`
	TimedOut   uint64 `json:"timed_out"`
}

type state int

const (
	stateWaiting state = iota
	stateRunning
	stateDone
)

// Handle tracks one enqueued task.
type Handle struct {
	q    *Queue
	ctx  context.Context
	fn   Task
	done chan struct{}
	err  error

	// guarded by q.mu
	state   state
	el      *list.Element
	timer   *time.Timer
	stopCtx func() bool
}

// Done is closed once the task finished or was rejected.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err is the task result. Only valid after Done is closed.
func (h *Handle) Err() error {
	return h.err
}

// Wait blocks until the task finishes or ctx is done. Giving up on the wait
// does not cancel the task.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Queue struct {
	mu      sync.Mutex
	cfg     Config
	running int
	waiting *list.List
	closed  bool

	dispatched uint64
	completed  uint64
	rejected   uint64
	timedOut   uint64
}

func New(cfg Config) *Queue {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}

	return &Queue{
		cfg:     cfg,
		waiting: list.New(),
	}
}

// Enqueue admits fn. It fails synchronously with ErrFull when the waiting
// line is at capacity.
func (q *Queue) Enqueue(ctx context.Context, fn Task) (*Handle, error) {
	h := &Handle{
		q:    q,
		ctx:  ctx,
		fn:   fn,
		done: make(chan struct{}),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if q.running < q.cfg.MaxConcurrent && q.waiting.Len() == 0 {
		q.startLocked(h)
		return h, nil
	}

	if q.waiting.Len() >= q.cfg.MaxQueueSize {
		q.rejected++
		return nil, ErrFull
	}

	h.state = stateWaiting
	h.el = q.waiting.PushBack(h)

	if q.cfg.QueueTimeout > 0 {
		h.timer = time.AfterFunc(q.cfg.QueueTimeout, func() {
			q.expire(h, ErrTimeout)
		})
	}
	h.stopCtx = context.AfterFunc(ctx, func() {
		q.expire(h, ctx.Err())
	})

	return h, nil
}

// Do enqueues fn and waits for it.
func (q *Queue) Do(ctx context.Context, fn Task) error {
	h, err := q.Enqueue(ctx, fn)
	if err != nil {
		return err
	}

	return h.Wait(ctx)
}

// Close rejects every waiting task with ErrClosed and refuses new ones.
// Running tasks are left to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true

	for el := q.waiting.Front(); el != nil; el = q.waiting.Front() {
		h := q.waiting.Remove(el).(*Handle)
		q.stopWaitLocked(h)
		q.finishLocked(h, ErrClosed)
	}
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Running:    q.running,
		Waiting:    q.waiting.Len(),
		Dispatched: q.dispatched,
		Completed:  q.completed,
		Rejected:   q.rejected,
		TimedOut:   q.timedOut,
	}
}

func (q *Queue) expire(h *Handle, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if h.state != stateWaiting || h.el == nil {
		return
	}

	q.waiting.Remove(h.el)
	h.el = nil
	q.stopWaitLocked(h)

	if errors.Is(err, ErrTimeout) {
		q.timedOut++
	}

	q.finishLocked(h, err)
}

func (q *Queue) startLocked(h *Handle) {
	h.state = stateRunning
	q.running++
	q.dispatched++

	go q.run(h)
}

func (q *Queue) run(h *Handle) {
	err := h.fn(h.ctx)

	q.mu.Lock()
	defer q.mu.Unlock()

	q.running--
	q.completed++
	q.finishLocked(h, err)

	for q.running < q.cfg.MaxConcurrent && q.waiting.Len() > 0 {
		next := q.waiting.Remove(q.waiting.Front()).(*Handle)
		next.el = nil
		q.stopWaitLocked(next)
		q.startLocked(next)
	}
}

func (q *Queue) stopWaitLocked(h *Handle) {
	if h.timer != nil {
		h.timer.Stop()
	}
	if h.stopCtx != nil {
		h.stopCtx()
	}
}

func (q *Queue) finishLocked(h *Handle, err error) {
	h.state = stateDone
	h.err = err
	close(h.done)
}
