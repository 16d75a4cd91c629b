// Package status fans message status transitions out to registered
// observers. A Hub is owned by the dispatcher that publishes into it.
package status

import (
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/speech"
)

// Observer receives every event published after it registered.
type Observer interface {
	Notify(speech.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(speech.Event)

func (f ObserverFunc) Notify(ev speech.Event) { f(ev) }

// Hub is a speech.Notifier that forwards to a dynamic set of observers.
type Hub struct {
	log *slog.Logger

	mu        sync.RWMutex
	nextID    int
	observers map[int]Observer
	order     []int
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:       log.With(slog.String("component", "status-hub")),
		observers: make(map[int]Observer),
	}
}

// Register adds obs and returns a func that removes it again.
func (h *Hub) Register(obs Observer) (unregister func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.observers[id] = obs
	h.order = append(h.order, id)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.unregister(id) })
	}
}

func (h *Hub) unregister(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.observers, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of registered observers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Notify delivers ev to every observer in registration order. A panicking
// observer is logged and skipped.
func (h *Hub) Notify(ev speech.Event) {
	h.mu.RLock()
	targets := make([]Observer, 0, len(h.order))
	for _, id := range h.order {
		targets = append(targets, h.observers[id])
	}
	h.mu.RUnlock()

	for _, obs := range targets {
		h.deliver(obs, ev)
	}
}

func (h *Hub) deliver(obs Observer, ev speech.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("observer panicked", slog.Any("panic", r), slog.String("msg_id", ev.MsgID))
		}
	}()
	obs.Notify(ev)
}
