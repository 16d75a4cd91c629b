package playback

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

// Player renders a synthesized clip. Play blocks until the clip finished,
// failed or was cancelled through ctx or Stop.
type Player interface {
	Name() string
	Play(ctx context.Context, clip audio.Clip) error
	Stop()
}

// Fader is implemented by players that can ramp the volume down before a stop.
type Fader interface {
	FadeOut(d time.Duration)
}

// Options are shared by every playback engine.
type Options struct {
	Channel    int
	ChunkBytes int
	OutputDir  string
	Command    string
}

func (o Options) chunkBytes() int {
	if o.ChunkBytes <= 0 {
		return 1024
	}
	return o.ChunkBytes
}

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

// active reports whether a Play is in flight.
func (f *inflight) active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancel != nil
}

// stream hands pcm to write in chunk sized pieces and checks ctx before each
// one. A chunk already written is not recalled.
func stream(ctx context.Context, pcm []byte, chunk int, write func([]byte) error) error {
	for off := 0; off < len(pcm); off += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + chunk
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := write(pcm[off:end]); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// chunkReader feeds pull-based devices. It reports EOF once ctx is done so the
// device drains what it already buffered and stops asking for more.
type chunkReader struct {
	ctx   context.Context
	data  []byte
	off   int
	chunk int
}

func newChunkReader(ctx context.Context, data []byte, chunk int) *chunkReader {
	return &chunkReader{ctx: ctx, data: data, chunk: chunk}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.ctx.Err() != nil || r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := len(p)
	if n > r.chunk {
		n = r.chunk
	}
	if remaining := len(r.data) - r.off; n > remaining {
		n = remaining
	}
	copy(p, r.data[r.off:r.off+n])
	r.off += n
	return n, nil
}
