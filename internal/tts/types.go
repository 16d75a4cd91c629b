package tts

import (
	"context"
	"errors"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

var (
	// ErrLanguageNotSupported is returned when the requested language is not
	// in the engine's language list.
	ErrLanguageNotSupported = errors.New("language not supported")
	// ErrTimeout is returned when synthesis exceeds the configured deadline.
	ErrTimeout = errors.New("synthesis timed out")
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text     string
	Language string
	Channel  int
}

// Voice reports the engine's current prosody settings.
type Voice struct {
	Pitch int
	Rate  int
}

// Synthesizer is the contract for producing audio. Cancelling ctx or calling
// Stop aborts an in-flight Synthesize call at the next chunk boundary.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req SynthRequest) (audio.Clip, error)
	Stop()
	SupportedLanguages(ctx context.Context) ([]string, error)
	Voice() Voice
}

// inflight tracks the cancel func of the call currently running so Stop can
// abort it from another goroutine.
type inflight struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (f *inflight) begin(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()
	return ctx, func() {
		f.mu.Lock()
		f.cancel = nil
		f.mu.Unlock()
		cancel()
	}
}

func (f *inflight) stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// deadlineError maps a context failure to ErrTimeout when the deadline, not a
// stop, ended the call.
func deadlineError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
