// Package queue runs a stream of work items strictly one at a time, in
// submission order, on a dedicated worker goroutine.
package queue

import (
	"context"
	"log/slog"
	"sync"
)

// Entry is a unit of work that removal can target by owner or message id.
type Entry interface {
	OwnerID() string
	MessageID() string
}

// Handler executes entries on the worker and disposes of entries removed
// before they started. Claim is called with the queue lock held, in the same
// critical section that pops the entry, so an entry is always visible either
// as pending or as claimed. Claim must not block or call back into the queue.
type Handler[T Entry] interface {
	Claim(entry T)
	Execute(ctx context.Context, entry T)
	Discard(entry T)
}

// Queue is a FIFO with a single worker. Enqueue never blocks beyond lock
// acquisition. Entries are executed to completion before the next is popped.
type Queue[T Entry] struct {
	name    string
	ctx     context.Context
	handler Handler[T]
	log     *slog.Logger

	lifecycle sync.Mutex

	mu      sync.Mutex
	cond    *sync.Cond
	pending []T
	quit    bool
	enabled bool
	busy    bool
	done    chan struct{}
}

// New creates a stopped queue. Entries run with ctx.
func New[T Entry](ctx context.Context, name string, handler Handler[T], log *slog.Logger) *Queue[T] {
	q := &Queue[T]{
		name:    name,
		ctx:     ctx,
		handler: handler,
		log:     log.With(slog.String("queue", name)),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue[T]) Name() string { return q.name }

// Start spawns the worker. It is a no-op when already started.
func (q *Queue[T]) Start() {
	q.lifecycle.Lock()
	defer q.lifecycle.Unlock()

	q.mu.Lock()
	if q.enabled {
		q.mu.Unlock()
		return
	}
	q.enabled = true
	q.quit = false
	done := make(chan struct{})
	q.done = done
	q.mu.Unlock()

	go q.run(done)
	q.log.Debug("queue started")
}

// Stop asks the worker to exit once the pending entries are drained and
// blocks until it has. It is a no-op when already stopped. Stop must not be
// called from inside Execute on the same queue.
func (q *Queue[T]) Stop() {
	q.lifecycle.Lock()
	defer q.lifecycle.Unlock()

	q.mu.Lock()
	if !q.enabled {
		q.mu.Unlock()
		return
	}
	q.quit = true
	done := q.done
	q.cond.Broadcast()
	q.mu.Unlock()

	<-done

	q.mu.Lock()
	q.enabled = false
	q.done = nil
	q.mu.Unlock()
	q.log.Debug("queue stopped")
}

// Enqueue appends entry and wakes the worker.
func (q *Queue[T]) Enqueue(entry T) {
	q.mu.Lock()
	q.pending = append(q.pending, entry)
	q.cond.Signal()
	q.mu.Unlock()
}

// Remove discards pending entries. With both ids empty it clears the queue.
// With msgID set it removes the first entry carrying that id. Otherwise it
// removes every entry owned by ownerID. Removed entries are handed to
// Discard on the calling goroutine, in queue order.
func (q *Queue[T]) Remove(ownerID, msgID string) bool {
	if ownerID == "" && msgID == "" {
		return q.Clear() > 0
	}

	q.mu.Lock()
	var removed []T
	kept := q.pending[:0]
	matchedMsg := false
	for _, entry := range q.pending {
		switch {
		case msgID != "":
			if !matchedMsg && entry.MessageID() == msgID {
				matchedMsg = true
				removed = append(removed, entry)
				continue
			}
		case entry.OwnerID() == ownerID:
			removed = append(removed, entry)
			continue
		}
		kept = append(kept, entry)
	}
	clearTail(q.pending, len(kept))
	q.pending = kept
	q.mu.Unlock()

	for _, entry := range removed {
		q.handler.Discard(entry)
	}
	return len(removed) > 0
}

// Clear discards every pending entry and returns how many were removed.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	removed := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, entry := range removed {
		q.handler.Discard(entry)
	}
	return len(removed)
}

// Len reports the number of pending entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Busy reports whether the worker is executing an entry.
func (q *Queue[T]) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

func (q *Queue[T]) run(done chan struct{}) {
	defer close(done)
	for {
		entry, ok := q.next()
		if !ok {
			return
		}
		q.handler.Execute(q.ctx, entry)

		q.mu.Lock()
		q.busy = false
		q.mu.Unlock()
	}
}

func (q *Queue[T]) next() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) == 0 && !q.quit {
		q.cond.Wait()
	}
	var zero T
	if len(q.pending) == 0 {
		return zero, false
	}
	entry := q.pending[0]
	q.pending[0] = zero
	q.pending = q.pending[1:]
	q.busy = true
	q.handler.Claim(entry)
	return entry, true
}

// clearTail zeroes the slots past n so removed entries can be collected.
func clearTail[T any](s []T, n int) {
	var zero T
	for i := n; i < len(s); i++ {
		s[i] = zero
	}
}
