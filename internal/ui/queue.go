// Package ui contains the UI surfaces the relay delivers records to.
package ui

import (
	"sync"

	"github.com/eliteGoblin/focusd/buddy/internal/domain"
)

// Queue is an unbounded FIFO mailbox drained by a single pump goroutine.
// Deliver never blocks, and records reach the sink in submission order.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []string
	closed bool

	sink func(record string)
	done chan struct{}
}

// NewQueue starts a pump feeding sink.
func NewQueue(sink func(record string)) *Queue {
	q := &Queue{sink: sink, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// Deliver enqueues a record. Records delivered after Close are dropped.
func (q *Queue) Deliver(record string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, record)
	q.cond.Signal()
}

// Close stops accepting records. Already queued records are still handed to
// the sink before the pump exits.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

// Done is closed when the pump has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of records waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) pump() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		batch := q.items
		q.items = nil
		q.mu.Unlock()

		for _, rec := range batch {
			q.sink(rec)
		}
	}
}

// Ensure Queue implements domain.Dispatcher.
var _ domain.Dispatcher = (*Queue)(nil)
