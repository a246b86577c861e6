package peer

import "sync"

// eventQueue is an unbounded FIFO of loop events. push never blocks, so native
// connection callbacks can always enqueue.
type eventQueue struct {
	mu      sync.Mutex
	items   []func()
	notify  chan struct{}
	stopped bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

// push reports false once the queue is stopped.
func (q *eventQueue) push(ev func()) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *eventQueue) ready() <-chan struct{} { return q.notify }

func (q *eventQueue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *eventQueue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.items = nil
	q.mu.Unlock()
}
