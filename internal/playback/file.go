package playback

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

type filePlayer struct {
	opts  Options
	clock func() time.Time
	run   inflight
}

// NewFile records every played clip as a WAV file under opts.OutputDir. A
// stopped clip is written truncated at the chunk where the stop landed.
func NewFile(opts Options) (Player, error) {
	if opts.OutputDir == "" {
		return nil, errors.New("playback output dir empty")
	}
	return &filePlayer{opts: opts, clock: time.Now}, nil
}

func (p *filePlayer) Name() string { return "file" }

func (p *filePlayer) Play(ctx context.Context, clip audio.Clip) error {
	ctx, done := p.run.begin(ctx)
	defer done()

	pcm, err := audio.ReadPCM(clip.Path)
	if err != nil {
		return err
	}

	written := make([]byte, 0, len(pcm.Data))
	playErr := stream(ctx, pcm.Data, p.opts.chunkBytes(), func(chunk []byte) error {
		written = append(written, chunk...)
		return nil
	})

	name := fmt.Sprintf("ch%d-%d.wav", p.opts.Channel, p.clock().UnixNano())
	if _, err := audio.WriteWAV(filepath.Join(p.opts.OutputDir, name), written, pcm.SampleRate, pcm.Channels); err != nil {
		return err
	}
	return playErr
}

func (p *filePlayer) Stop() { p.run.stop() }
