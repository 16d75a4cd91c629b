package playback

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

type nullPlayer struct {
	opts  Options
	paced bool
	run   inflight
}

// NewNull decodes the clip and discards it.
func NewNull(opts Options) Player {
	return &nullPlayer{opts: opts}
}

// NewPaced discards the clip in real time, one chunk at a time.
func NewPaced(opts Options) Player {
	return &nullPlayer{opts: opts, paced: true}
}

func (p *nullPlayer) Name() string {
	if p.paced {
		return "paced"
	}
	return "null"
}

func (p *nullPlayer) Play(ctx context.Context, clip audio.Clip) error {
	ctx, done := p.run.begin(ctx)
	defer done()

	pcm, err := audio.ReadPCM(clip.Path)
	if err != nil {
		return err
	}
	if !p.paced {
		return ctx.Err()
	}

	return stream(ctx, pcm.Data, p.opts.chunkBytes(), func(chunk []byte) error {
		timer := time.NewTimer(audio.DurationOf(len(chunk), pcm.SampleRate, pcm.Channels))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	})
}

func (p *nullPlayer) Stop() { p.run.stop() }
