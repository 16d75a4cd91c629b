//go:build !nocgo
// +build !nocgo

package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/loqalabs/loqa-tts/internal/audio"
)

// oto allows a single context per process; every channel shares it.
var (
	otoOnce     sync.Once
	otoCtx      *oto.Context
	otoErr      error
	otoRate     int
	otoChannels int
)

func sharedContext(sampleRate, channels int) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   100 * time.Millisecond,
		})
		if err != nil {
			otoErr = fmt.Errorf("create audio context: %w", err)
			return
		}
		<-ready
		otoCtx, otoRate, otoChannels = ctx, sampleRate, channels
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if sampleRate != otoRate || channels != otoChannels {
		return nil, fmt.Errorf("audio context is %d Hz x %d, clip is %d Hz x %d", otoRate, otoChannels, sampleRate, channels)
	}
	return otoCtx, nil
}

type otoPlayer struct {
	opts       Options
	sampleRate int
	channels   int
	run        inflight

	mu      sync.Mutex
	current *oto.Player
}

// NewOto plays clips on the default audio device.
func NewOto(opts Options, sampleRate, channels int) (Player, error) {
	if _, err := sharedContext(sampleRate, channels); err != nil {
		return nil, err
	}
	return &otoPlayer{opts: opts, sampleRate: sampleRate, channels: channels}, nil
}

func (p *otoPlayer) Name() string { return "oto" }

func (p *otoPlayer) Play(ctx context.Context, clip audio.Clip) error {
	ctx, done := p.run.begin(ctx)
	defer done()

	pcm, err := audio.ReadPCM(clip.Path)
	if err != nil {
		return err
	}
	device, err := sharedContext(pcm.SampleRate, pcm.Channels)
	if err != nil {
		return err
	}

	player := device.NewPlayer(newChunkReader(ctx, pcm.Data, p.opts.chunkBytes()))
	p.mu.Lock()
	p.current = player
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.current = nil
		p.mu.Unlock()
		_ = player.Close()
	}()

	player.Play()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
			if !player.IsPlaying() {
				return player.Err()
			}
		}
	}
}

func (p *otoPlayer) Stop() { p.run.stop() }

// FadeOut ramps the current player's volume to zero over d.
func (p *otoPlayer) FadeOut(d time.Duration) {
	p.mu.Lock()
	player := p.current
	p.mu.Unlock()
	if player == nil || d <= 0 {
		return
	}
	const steps = 10
	start := player.Volume()
	for i := 1; i <= steps; i++ {
		player.SetVolume(start * float64(steps-i) / steps)
		time.Sleep(d / steps)
	}
}
