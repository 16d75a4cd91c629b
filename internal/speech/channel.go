package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/playback"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

// Running describes the Speak request a channel is executing.
type Running struct {
	Owner         string
	MsgID         string
	Serial        uint64
	Status        MessageStatus
	StopRequested bool
}

// Matches applies the stop targeting rule: the message id when set, else the
// owner id when set, else anything.
func (r Running) Matches(owner, msgID string) bool {
	if msgID != "" {
		return r.MsgID == msgID
	}
	if owner != "" {
		return r.Owner == owner
	}
	return true
}

type runningSpeak struct {
	req           *Request
	status        MessageStatus
	stopRequested bool
	cancel        context.CancelFunc
}

func (r *runningSpeak) info() Running {
	return Running{
		Owner:         r.req.Owner,
		MsgID:         r.req.MsgID,
		Serial:        r.req.Serial,
		Status:        r.status,
		StopRequested: r.stopRequested,
	}
}

// ChannelOptions tune a channel's behaviour.
type ChannelOptions struct {
	DefaultLanguage string
	FadeOut         time.Duration
}

// Channel owns one output's engine pair and the record of what it is
// currently playing. mu is never held across a blocking engine call. engineMu
// serializes engine Stop calls with retiring the running request, so a stop
// aimed at one request never reaches the engines once the next has started.
// Routing and status only take mu.
type Channel struct {
	id       int
	synth    tts.Synthesizer
	player   playback.Player
	notifier Notifier
	opts     ChannelOptions
	log      *slog.Logger
	clock    func() time.Time

	engineMu sync.Mutex

	mu       sync.Mutex
	running  *runningSpeak
	task     TaskStatus
	language string
}

func NewChannel(id int, synth tts.Synthesizer, player playback.Player, notifier Notifier, opts ChannelOptions, log *slog.Logger) *Channel {
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = tts.DefaultLanguage
	}
	return &Channel{
		id:       id,
		synth:    synth,
		player:   player,
		notifier: notifier,
		opts:     opts,
		log:      log.With(slog.Int("channel", id)),
		clock:    time.Now,
		task:     TaskNotReady,
		language: opts.DefaultLanguage,
	}
}

func (c *Channel) ID() int { return c.id }

func (c *Channel) Synthesizer() tts.Synthesizer { return c.synth }

func (c *Channel) Player() playback.Player { return c.player }

// Running returns the request being executed, if any.
func (c *Channel) Running() (Running, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running == nil {
		return Running{}, false
	}
	return c.running.info(), true
}

// RequestStop marks the running request as stop-requested when match accepts
// it. The check and the mark happen under one lock so a request that
// completes concurrently still resolves to Stopped.
func (c *Channel) RequestStop(match func(Running) bool) (Running, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running == nil || !match(c.running.info()) {
		return Running{}, false
	}
	c.running.stopRequested = true
	return c.running.info(), true
}

// Claim records req as the running request before it executes. The speech
// queue calls it in the same critical section that pops req, so stops and
// clears see req either as pending or as running. It does not block.
func (c *Channel) Claim(req *Request) {
	cmd, ok := req.Cmd.(Speak)
	if !ok {
		return
	}
	c.mu.Lock()
	c.running = &runningSpeak{req: req, status: MessagePlaying}
	c.task = TaskReady
	c.language = c.resolveLanguage(cmd.Language)
	c.mu.Unlock()
	req.setStatus(MessagePlaying)
}

// ExecuteSpeak runs a Speak request to a terminal status. A request that was
// stopped between Claim and ExecuteSpeak skips the engines.
func (c *Channel) ExecuteSpeak(ctx context.Context, req *Request) MessageStatus {
	cmd, ok := req.Cmd.(Speak)
	if !ok {
		c.log.Error("execute speak called with wrong command", slog.String("kind", req.Cmd.Kind().String()))
		return MessageError
	}
	lang := c.resolveLanguage(cmd.Language)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	rs := c.running
	if rs == nil || rs.req != req {
		rs = &runningSpeak{req: req, status: MessagePlaying}
		c.running = rs
		c.task = TaskReady
		c.language = lang
	}
	rs.cancel = cancel
	stopped := rs.stopRequested
	c.mu.Unlock()

	req.setStatus(MessagePlaying)
	c.publish(req, MessagePlaying, lang)

	var synthErr, playErr error
	if !stopped {
		var clip audio.Clip
		clip, synthErr = c.synth.Synthesize(runCtx, tts.SynthRequest{Text: cmd.Text, Language: lang, Channel: c.id})
		if synthErr == nil {
			playErr = c.player.Play(runCtx, clip)
		}
	}

	final, task, err := MessageDone, TaskDone, error(nil)
	switch {
	case errors.Is(synthErr, tts.ErrLanguageNotSupported):
		final, task, lang = MessageError, TaskError, LanguageError
		err = WithCode(CodeLanguageNotSupported, synthErr)
	case synthErr != nil:
		final, task = MessageError, TaskError
		err = WithCode(CodeSpeechDataCreation, synthErr)
	case playErr != nil:
		final, task = MessageError, TaskError
		err = WithCode(CodePlayError, playErr)
	}

	c.engineMu.Lock()
	c.mu.Lock()
	if rs.stopRequested {
		final, task, err = MessageStopped, TaskDone, nil
	}
	rs.status = final
	c.running = nil
	c.task = task
	c.mu.Unlock()
	c.engineMu.Unlock()

	if err != nil {
		c.log.Warn("speak failed", slog.String("msg_id", req.MsgID), slog.String("error", err.Error()))
	}

	req.setStatus(final)
	c.publish(req, final, lang)
	if cmd.Notify && cmd.OnDone != nil {
		cmd.OnDone(SpeakResult{
			Owner:    req.Owner,
			MsgID:    req.MsgID,
			Channel:  c.id,
			Status:   final,
			Language: lang,
			Err:      err,
		})
	}
	return final
}

// ExecuteStop stops the running request the Stop was routed to. With a zero
// target it stops whatever is running.
func (c *Channel) ExecuteStop(ctx context.Context, req *Request) bool {
	cmd, ok := req.Cmd.(Stop)
	if !ok {
		c.log.Error("execute stop called with wrong command", slog.String("kind", req.Cmd.Kind().String()))
		return false
	}

	c.mu.Lock()
	rs := c.running
	if rs == nil || (cmd.Target != 0 && rs.req.Serial != cmd.Target) {
		c.mu.Unlock()
		c.log.Debug("stop found nothing running", slog.Uint64("target", cmd.Target))
		return false
	}
	rs.stopRequested = true
	rs.status = MessageStopped
	c.mu.Unlock()

	var fade time.Duration
	if cmd.FadeOut {
		fade = c.opts.FadeOut
	}
	c.stopEngines(rs, fade)
	return true
}

// stopEngines aborts rs: it fades out, cancels the request context and tells
// both engines to stop, but only while rs is still the running request.
func (c *Channel) stopEngines(rs *runningSpeak, fade time.Duration) {
	c.engineMu.Lock()
	defer c.engineMu.Unlock()

	c.mu.Lock()
	current := c.running == rs
	cancel := rs.cancel
	c.mu.Unlock()
	if !current {
		return
	}

	if fade > 0 {
		if fader, ok := c.player.(playback.Fader); ok {
			fader.FadeOut(fade)
		}
	}
	if cancel != nil {
		cancel()
	}
	c.synth.Stop()
	c.player.Stop()
}

// Cancel marks a request removed before execution and notifies observers.
func (c *Channel) Cancel(req *Request) {
	req.setStatus(MessageCanceled)
	if cmd, ok := req.Cmd.(Speak); ok {
		lang := c.resolveLanguage(cmd.Language)
		c.publish(req, MessageCanceled, lang)
		if cmd.Notify && cmd.OnDone != nil {
			cmd.OnDone(SpeakResult{
				Owner:    req.Owner,
				MsgID:    req.MsgID,
				Channel:  c.id,
				Status:   MessageCanceled,
				Language: lang,
			})
		}
	}
}

// Snapshot reports the channel's task status, language and voice.
func (c *Channel) Snapshot() StatusReport {
	c.mu.Lock()
	task, lang := c.task, c.language
	c.mu.Unlock()

	voice := c.synth.Voice()
	return StatusReport{
		Channel:    c.id,
		Task:       task,
		Status:     task.String(),
		Language:   lang,
		Pitch:      voice.Pitch,
		SpeechRate: voice.Rate,
	}
}

// Languages lists the languages the synthesis engine accepts.
func (c *Channel) Languages(ctx context.Context) ([]string, error) {
	return c.synth.SupportedLanguages(ctx)
}

// Halt aborts any running request. Used at shutdown.
func (c *Channel) Halt() {
	c.mu.Lock()
	rs := c.running
	if rs == nil {
		c.mu.Unlock()
		return
	}
	rs.stopRequested = true
	c.mu.Unlock()
	c.stopEngines(rs, 0)
}

func (c *Channel) resolveLanguage(lang string) string {
	if lang == "" {
		return c.opts.DefaultLanguage
	}
	return lang
}

func (c *Channel) publish(req *Request, status MessageStatus, lang string) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(Event{
		Owner:    req.Owner,
		MsgID:    req.MsgID,
		Channel:  c.id,
		Status:   status,
		Language: lang,
		Time:     c.clock(),
	})
}
