// Package dispatch routes speech requests to per-channel queue pairs and
// decides which pending or running request a new command interrupts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/queue"
	"github.com/loqalabs/loqa-tts/internal/speech"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrInvalidChannel is returned for a channel id outside the configured range.
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrChannelUnavailable is returned for a channel whose engines failed to load.
	ErrChannelUnavailable = errors.New("channel unavailable")
	// ErrMissingParameter is returned for a request without a command.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrEmptyText is returned for a Speak with no text.
	ErrEmptyText = errors.New("input text is empty")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// StatusSource contributes to a GetStatus reply asynchronously. Contribute
// must call done exactly once, with a func that fills its share of the
// report or nil when it has nothing to add.
type StatusSource interface {
	Name() string
	Contribute(ctx context.Context, channel int, done func(apply func(*speech.StatusReport)))
}

// Options configure a Dispatcher.
type Options struct {
	Speech    config.SpeechConfig
	Synthesis config.SynthesisConfig
	Playback  config.PlaybackConfig
	Sources   []StatusSource
}

// ChannelInfo describes one configured channel.
type ChannelInfo struct {
	ID        int
	Synthesis string
	Playback  string
	Usable    bool
	Err       string
}

type lane struct {
	id      int
	binding config.ChannelBinding
	err     error
	channel *speech.Channel
	speech  *queue.Queue[*speech.Request]
	control *queue.Queue[*speech.Request]
}

func (l *lane) usable() bool { return l.channel != nil }

// Dispatcher owns a speech queue and a control queue per channel.
type Dispatcher struct {
	ctx     context.Context
	cancel  context.CancelFunc
	log     *slog.Logger
	lanes   []*lane
	sources []StatusSource

	serial atomic.Uint64

	// lifecycle is held for reading by Submit and for writing by Close, so
	// nothing is enqueued once Close has begun.
	lifecycle sync.RWMutex
	closed    bool
	closeOnce sync.Once

	tracer trace.Tracer
	inst   instruments
}

// New builds one lane per configured channel and starts its workers. A
// channel whose engines cannot be constructed is left unusable and every
// request addressed to it is rejected; the other channels operate normally.
func New(ctx context.Context, opts Options, reg *engine.Registry, notifier speech.Notifier, log *slog.Logger) (*Dispatcher, error) {
	if opts.Speech.Channels <= 0 {
		return nil, fmt.Errorf("dispatch: channel count must be positive, got %d", opts.Speech.Channels)
	}
	if reg == nil {
		return nil, errors.New("dispatch: engine registry is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		ctx:     ctx,
		cancel:  cancel,
		log:     log.With(slog.String("component", "speech-dispatcher")),
		sources: opts.Sources,
		tracer:  otel.Tracer("github.com/loqalabs/loqa-tts/dispatch"),
	}

	fadeOut := time.Duration(opts.Playback.FadeOutMS) * time.Millisecond
	queueLog := log.With(slog.String("component", "speech-queue"))
	for ch := 0; ch < opts.Speech.Channels; ch++ {
		l := &lane{id: ch, binding: opts.Speech.Binding(ch)}
		d.lanes = append(d.lanes, l)

		params := engine.Params{
			Channel:   ch,
			Speech:    opts.Speech,
			Synthesis: opts.Synthesis,
			Playback:  opts.Playback,
		}
		synth, err := reg.NewSynthesizer(l.binding.Synthesis, params)
		if err != nil {
			l.err = err
			d.log.Error("channel unusable", slog.Int("channel", ch), slogError(err))
			continue
		}
		player, err := reg.NewPlayer(l.binding.Playback, params)
		if err != nil {
			l.err = err
			d.log.Error("channel unusable", slog.Int("channel", ch), slogError(err))
			continue
		}

		l.channel = speech.NewChannel(ch, synth, player, notifier, speech.ChannelOptions{
			DefaultLanguage: opts.Speech.DefaultLanguage,
			FadeOut:         fadeOut,
		}, d.log)
		l.speech = queue.New[*speech.Request](ctx, fmt.Sprintf("speech-%d", ch), speechHandler{d: d, l: l}, queueLog)
		l.control = queue.New[*speech.Request](ctx, fmt.Sprintf("control-%d", ch), controlHandler{d: d, l: l}, queueLog)
		l.speech.Start()
		l.control.Start()

		d.log.Info("channel ready",
			slog.Int("channel", ch),
			slog.String("synthesis", synth.Name()),
			slog.String("playback", player.Name()),
		)
	}

	if err := d.initMetrics(); err != nil {
		d.log.Warn("failed to initialize metrics", slogError(err))
	}
	return d, nil
}

// Submit routes req. The boolean reports whether the request took effect:
// always true for an accepted Speak, GetStatus or GetLanguages, and for a
// Stop whether a queued match was removed or a running match was found.
// GetStatus and GetLanguages are answered through their OnReply callbacks.
func (d *Dispatcher) Submit(req *speech.Request) (bool, error) {
	d.lifecycle.RLock()
	defer d.lifecycle.RUnlock()
	if d.closed {
		return false, ErrClosed
	}
	if req == nil || req.Cmd == nil {
		return false, ErrMissingParameter
	}
	l, err := d.lane(req.Channel)
	if err != nil {
		return false, err
	}
	if cmd, ok := req.Cmd.(speech.Speak); ok && strings.TrimSpace(cmd.Text) == "" {
		return false, ErrEmptyText
	}

	req.Serial = d.serial.Add(1)
	d.countRequest(req)

	switch cmd := req.Cmd.(type) {
	case speech.Speak:
		return d.routeSpeak(l, req, cmd), nil
	case speech.Stop:
		return d.routeStop(l, req, cmd), nil
	case speech.GetStatus:
		d.answerStatus(l, cmd)
		return true, nil
	case speech.GetLanguages:
		langs, err := l.channel.Languages(d.ctx)
		if cmd.OnReply != nil {
			cmd.OnReply(langs, err)
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: unknown command %T", ErrMissingParameter, req.Cmd)
}

func (d *Dispatcher) routeSpeak(l *lane, req *speech.Request, cmd speech.Speak) bool {
	if cmd.Clear {
		if info, ok := l.channel.RequestStop(func(r speech.Running) bool {
			return r.Status == speech.MessagePlaying
		}); ok {
			stop := speech.NewRequest("", "", l.id, speech.Stop{Target: info.Serial})
			stop.Serial = d.serial.Add(1)
			l.control.Enqueue(stop)
			d.log.Debug("interrupting running speech",
				slog.Int("channel", l.id),
				slog.String("msg_id", info.MsgID),
				slog.String("by", req.MsgID),
			)
		}
		if n := l.speech.Clear(); n > 0 {
			d.log.Debug("flushed pending speech", slog.Int("channel", l.id), slog.Int("count", n))
		}
	}
	l.speech.Enqueue(req)
	return true
}

func (d *Dispatcher) routeStop(l *lane, req *speech.Request, cmd speech.Stop) bool {
	removed := l.speech.Remove(cmd.TargetOwner, cmd.TargetMessage)

	info, running := l.channel.RequestStop(func(r speech.Running) bool {
		return r.Matches(cmd.TargetOwner, cmd.TargetMessage)
	})
	if running {
		cmd.Target = info.Serial
		req.Cmd = cmd
		l.control.Enqueue(req)
	}

	if !removed && !running {
		d.log.Debug("stop matched nothing",
			slog.Int("channel", l.id),
			slog.String("owner", cmd.TargetOwner),
			slog.String("msg_id", cmd.TargetMessage),
		)
	}
	return removed || running
}

func (d *Dispatcher) answerStatus(l *lane, cmd speech.GetStatus) {
	var mu sync.Mutex
	report := l.channel.Snapshot()

	j := newJoin(func() {
		mu.Lock()
		out := report
		mu.Unlock()
		if cmd.OnReply != nil {
			cmd.OnReply(out)
		}
	})
	self := j.hold()
	for _, src := range d.sources {
		release := j.hold()
		var once sync.Once
		src.Contribute(d.ctx, l.id, func(apply func(*speech.StatusReport)) {
			once.Do(func() {
				if apply != nil {
					mu.Lock()
					apply(&report)
					mu.Unlock()
				}
				release()
			})
		})
	}
	self()
}

// Status submits a GetStatus for channel and waits for the joined reply.
func (d *Dispatcher) Status(ctx context.Context, channel int) (speech.StatusReport, error) {
	replies := make(chan speech.StatusReport, 1)
	req := speech.NewRequest("", "", channel, speech.GetStatus{
		OnReply: func(r speech.StatusReport) { replies <- r },
	})
	if _, err := d.Submit(req); err != nil {
		return speech.StatusReport{}, err
	}
	select {
	case r := <-replies:
		return r, nil
	case <-ctx.Done():
		return speech.StatusReport{}, ctx.Err()
	}
}

// Languages lists the languages the synthesis engine of channel accepts.
func (d *Dispatcher) Languages(ctx context.Context, channel int) ([]string, error) {
	type reply struct {
		langs []string
		err   error
	}
	replies := make(chan reply, 1)
	req := speech.NewRequest("", "", channel, speech.GetLanguages{
		OnReply: func(langs []string, err error) { replies <- reply{langs, err} },
	})
	if _, err := d.Submit(req); err != nil {
		return nil, err
	}
	select {
	case r := <-replies:
		return r.langs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Channels describes every configured channel.
func (d *Dispatcher) Channels() []ChannelInfo {
	out := make([]ChannelInfo, 0, len(d.lanes))
	for _, l := range d.lanes {
		info := ChannelInfo{
			ID:        l.id,
			Synthesis: l.binding.Synthesis,
			Playback:  l.binding.Playback,
			Usable:    l.usable(),
		}
		if l.err != nil {
			info.Err = l.err.Error()
		}
		out = append(out, info)
	}
	return out
}

// Usable reports how many channels accept requests.
func (d *Dispatcher) Usable() int {
	n := 0
	for _, l := range d.lanes {
		if l.usable() {
			n++
		}
	}
	return n
}

// Pending reports the queued entries of channel's speech and control queues.
func (d *Dispatcher) Pending(channel int) (speechQueue, controlQueue int) {
	l, err := d.lane(channel)
	if err != nil {
		return 0, 0
	}
	return l.speech.Len(), l.control.Len()
}

// Close cancels pending speech, stops running speech and joins every worker.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.lifecycle.Lock()
		d.closed = true
		d.lifecycle.Unlock()
		for _, l := range d.lanes {
			if !l.usable() {
				continue
			}
			l.speech.Clear()
			l.channel.Halt()
		}
		for _, l := range d.lanes {
			if !l.usable() {
				continue
			}
			l.speech.Stop()
			l.control.Stop()
		}
		d.cancel()
		d.inst.unregister()
		d.log.Info("dispatcher closed")
	})
}

func (d *Dispatcher) lane(channel int) (*lane, error) {
	if channel < 0 || channel >= len(d.lanes) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	l := d.lanes[channel]
	if !l.usable() {
		return nil, fmt.Errorf("%w: %d: %v", ErrChannelUnavailable, channel, l.err)
	}
	return l, nil
}

type speechHandler struct {
	d *Dispatcher
	l *lane
}

func (h speechHandler) Claim(req *speech.Request) {
	h.l.channel.Claim(req)
}

func (h speechHandler) Execute(ctx context.Context, req *speech.Request) {
	ctx, span := h.d.startSpeakSpan(ctx, req)
	start := time.Now()
	status := h.l.channel.ExecuteSpeak(ctx, req)
	h.d.finishSpeak(ctx, span, req, status, time.Since(start))
}

func (h speechHandler) Discard(req *speech.Request) {
	h.l.channel.Cancel(req)
	h.d.countOutcome(h.d.ctx, req.Channel, speech.MessageCanceled)
}

type controlHandler struct {
	d *Dispatcher
	l *lane
}

func (h controlHandler) Claim(*speech.Request) {}

func (h controlHandler) Execute(ctx context.Context, req *speech.Request) {
	if _, ok := req.Cmd.(speech.Stop); !ok {
		h.d.log.Warn("unexpected command on control queue", slog.String("kind", req.Cmd.Kind().String()))
		return
	}
	h.l.channel.ExecuteStop(ctx, req)
}

func (h controlHandler) Discard(req *speech.Request) {}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
