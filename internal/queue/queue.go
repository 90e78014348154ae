// Package queue provides a strictly ordered, single-in-flight work queue for
// asynchronous commands.
//
// Exactly one element is "active" at any time: it has been handed to the
// execute callback and its asynchronous result has not yet been reported via
// Next. The queue itself carries no domain knowledge and never distinguishes
// success from failure - advancing on completion is the caller's job.
package queue

import "sync"

// Queue imposes FIFO execution order on asynchronous items of type T.
//
// Appending to an empty queue dispatches the item synchronously on the
// caller's goroutine. Callers must therefore not hold locks that the execute
// callback may need.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	execute func(T)
}

// New creates a queue that dispatches items to the given execute callback.
func New[T any](execute func(T)) *Queue[T] {
	return &Queue[T]{execute: execute}
}

// Append adds an item at the tail. If the queue was empty immediately before
// this call, the item becomes active and is dispatched synchronously.
func (q *Queue[T]) Append(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	dispatch := len(q.items) == 1
	q.mu.Unlock()

	if dispatch {
		q.execute(item)
	}
}

// Next removes the completed head and, if the queue is non-empty, dispatches
// the new head. It must be called exactly once per completed item, from
// whichever goroutine delivered the completion.
func (q *Queue[T]) Next() {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	q.items = q.items[1:]

	var head T
	dispatch := len(q.items) > 0
	if dispatch {
		head = q.items[0]
	}
	q.mu.Unlock()

	if dispatch {
		q.execute(head)
	}
}

// First returns the active item without removing it. The ok result is false
// when the queue is empty.
func (q *Queue[T]) First() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// RemoveAll discards every queued item without firing completions. An item
// already dispatched and awaiting its asynchronous result is orphaned: a late
// completion finds an empty queue and Next becomes a no-op.
func (q *Queue[T]) RemoveAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// Len returns the number of items currently queued, including the active one.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
