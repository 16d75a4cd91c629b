package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/speech"
)

// Recorder writes message status transitions to a Store off the caller's
// goroutine. Notify never blocks; events arriving while the buffer is full
// are dropped and counted.
type Recorder struct {
	store  *Store
	log    *slog.Logger
	events chan speech.Event

	mu      sync.Mutex
	closed  bool
	dropped int
	done    chan struct{}
}

func NewRecorder(store *Store, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		store:  store,
		log:    log.With(slog.String("component", "event-recorder")),
		events: make(chan speech.Event, buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) Notify(ev speech.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped++
		r.log.Warn("event buffer full, dropping", slog.String("msg_id", ev.MsgID), slog.Int("dropped", r.dropped))
	}
}

// Dropped reports how many events were discarded.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close writes every buffered event and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Record(ctx, ev); err != nil {
			r.log.Warn("failed to record event", slog.String("msg_id", ev.MsgID), slog.String("error", err.Error()))
		}
		cancel()
	}
}

// PruneEvery runs Prune on interval until ctx is done.
func (r *Recorder) PruneEvery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
