package tts

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

// Options are shared by every synthesis engine.
type Options struct {
	Channel         int
	AudioDir        string
	SampleRate      int
	Channels        int
	Pitch           int
	Rate            int
	Timeout         time.Duration
	Languages       []string
	DefaultLanguage string
}

func (o Options) clipPath(engine string) string {
	return filepath.Join(o.AudioDir, fmt.Sprintf("%s-ch%d.wav", engine, o.Channel))
}

type mockSynth struct {
	opts  Options
	langs languageSet
	delay time.Duration
	run   inflight
}

// NewMockSynth returns an engine that produces silence sized to the text.
func NewMockSynth(opts Options) Synthesizer {
	return &mockSynth{
		opts:  opts,
		langs: newLanguageSet(opts.Languages, opts.DefaultLanguage),
		delay: 50 * time.Millisecond,
	}
}

func (m *mockSynth) Name() string { return "mock" }

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (audio.Clip, error) {
	if _, err := m.langs.resolve(req.Language); err != nil {
		return audio.Clip{}, err
	}
	if m.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()
	}
	runCtx, done := m.run.begin(ctx)
	defer done()

	select {
	case <-runCtx.Done():
		return audio.Clip{}, deadlineError(ctx, runCtx.Err())
	case <-time.After(m.delay):
	}

	words := len(strings.Fields(req.Text))
	if words == 0 {
		words = 1
	}
	pcm := audio.Silence(time.Duration(words)*60*time.Millisecond, m.opts.SampleRate, m.opts.Channels)
	return audio.WriteWAV(m.opts.clipPath("mock"), pcm, m.opts.SampleRate, m.opts.Channels)
}

func (m *mockSynth) Stop() { m.run.stop() }

func (m *mockSynth) SupportedLanguages(context.Context) ([]string, error) {
	return m.langs.all(), nil
}

func (m *mockSynth) Voice() Voice {
	return Voice{Pitch: m.opts.Pitch, Rate: m.opts.Rate}
}
