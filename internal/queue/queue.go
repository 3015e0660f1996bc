package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/basekick-labs/arc-bench/pkg/models"
)

// ErrClosed is returned by Push after Close, and by Pop once a closed queue
// has been drained
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO of messages with producer-side flow control.
// Push never blocks; producers throttle themselves with WaitSizeAtMost and
// use WaitEmpty as a drain barrier. Consumers Pop a message and call Done
// once it has been executed.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond // signalled on push and close
	changed  *sync.Cond // broadcast on pop, done and close

	items    []models.Message
	head     int
	inflight int
	closed   bool

	pushed uint64
	popped uint64
}

// New creates an empty queue. capacityHint presizes the backing slice.
func New(capacityHint int) *Queue {
	if capacityHint < 0 {
		capacityHint = 0
	}
	q := &Queue{items: make([]models.Message, 0, capacityHint)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.changed = sync.NewCond(&q.mu)
	return q
}

// Push appends m to the tail
func (q *Queue) Push(m models.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, m)
	q.pushed++
	q.notEmpty.Signal()
	return nil
}

// Pop removes the head message, blocking until one is available. The
// message counts as in flight until the caller invokes Done.
func (q *Queue) Pop(ctx context.Context) (models.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stop := q.wakeOnCancel(ctx)
	defer stop()

	for q.lenLocked() == 0 {
		if q.closed {
			return models.Message{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return models.Message{}, err
		}
		q.notEmpty.Wait()
	}

	m := q.items[q.head]
	q.items[q.head] = models.Message{}
	q.head++
	q.compactLocked()
	q.inflight++
	q.popped++
	q.changed.Broadcast()
	return m, nil
}

// Done acknowledges that a message obtained from Pop has been handled
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight > 0 {
		q.inflight--
	}
	q.changed.Broadcast()
}

// WaitSizeAtMost blocks until at most n messages are queued
func (q *Queue) WaitSizeAtMost(ctx context.Context, n int) error {
	return q.waitFor(ctx, func() bool { return q.lenLocked() <= n })
}

// WaitEmpty blocks until every pushed message has been popped and
// acknowledged
func (q *Queue) WaitEmpty(ctx context.Context) error {
	return q.waitFor(ctx, func() bool { return q.lenLocked() == 0 && q.inflight == 0 })
}

// Len returns the number of queued messages, not counting in-flight ones
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// InFlight returns the number of popped but unacknowledged messages
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// Stats returns the total pushed and popped counts
func (q *Queue) Stats() (pushed, popped uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed, q.popped
}

// Close stops accepting pushes. Queued messages can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.changed.Broadcast()
}

func (q *Queue) waitFor(ctx context.Context, cond func() bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stop := q.wakeOnCancel(ctx)
	defer stop()

	for !cond() {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.changed.Wait()
	}
	return nil
}

// wakeOnCancel wakes every waiter when ctx ends so they can observe ctx.Err
func (q *Queue) wakeOnCancel(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.changed.Broadcast()
		q.mu.Unlock()
	})
}

func (q *Queue) lenLocked() int {
	return len(q.items) - q.head
}

// compactLocked reclaims the consumed prefix once it dominates the slice
func (q *Queue) compactLocked() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 1024 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
}
