package speech

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSynth struct {
	mu      sync.Mutex
	calls   int
	stops   int
	err     error
	block   chan struct{}
	started chan struct{}

	// stopping is signalled when Stop begins; Stop then sleeps stopDelay.
	stopping  chan struct{}
	stopDelay time.Duration
}

func (f *fakeSynth) Name() string { return "fake" }

func (f *fakeSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (audio.Clip, error) {
	f.mu.Lock()
	f.calls++
	block, err := f.block, f.err
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return audio.Clip{}, ctx.Err()
		}
	}
	if err != nil {
		return audio.Clip{}, err
	}
	return audio.Clip{Path: "fake.wav", SampleRate: 22050, Channels: 1}, nil
}

func (f *fakeSynth) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	if f.stopping != nil {
		f.stopping <- struct{}{}
	}
	time.Sleep(f.stopDelay)
}

func (f *fakeSynth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSynth) SupportedLanguages(context.Context) ([]string, error) {
	return []string{"en-US", "de-DE"}, nil
}

func (f *fakeSynth) Voice() tts.Voice { return tts.Voice{Pitch: 100, Rate: 120} }

type fakePlayer struct {
	mu     sync.Mutex
	plays  int
	stops  int
	faded  bool
	err    error
	ignore bool
}

func (p *fakePlayer) Name() string { return "fake" }

func (p *fakePlayer) Play(ctx context.Context, clip audio.Clip) error {
	p.mu.Lock()
	p.plays++
	err := p.err
	p.mu.Unlock()
	return err
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
}

func (p *fakePlayer) FadeOut(time.Duration) {
	p.mu.Lock()
	p.faded = true
	p.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Notify(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) statuses() []MessageStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]MessageStatus, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Status)
	}
	return out
}

func speakRequest(msg, lang string, done chan SpeakResult) *Request {
	cmd := Speak{Text: "hello", Language: lang}
	if done != nil {
		cmd.Notify = true
		cmd.OnDone = func(res SpeakResult) { done <- res }
	}
	return NewRequest("app", msg, 0, cmd)
}

func TestExecuteSpeakDone(t *testing.T) {
	synth, player, events := &fakeSynth{}, &fakePlayer{}, &eventLog{}
	ch := NewChannel(0, synth, player, events, ChannelOptions{}, newLogger())
	done := make(chan SpeakResult, 1)

	req := speakRequest("m1", "de-DE", done)
	if got := ch.ExecuteSpeak(context.Background(), req); got != MessageDone {
		t.Fatalf("expected done, got %s", got)
	}
	res := <-done
	if res.Status != MessageDone || res.Language != "de-DE" || res.Err != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if req.Status() != MessageDone {
		t.Fatalf("request status %s", req.Status())
	}
	if got := events.statuses(); len(got) != 2 || got[0] != MessagePlaying || got[1] != MessageDone {
		t.Fatalf("unexpected events: %v", got)
	}
	if _, running := ch.Running(); running {
		t.Fatal("running record should be cleared")
	}
	snap := ch.Snapshot()
	if snap.Task != TaskDone || snap.Language != "de-DE" || snap.SpeechRate != 120 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestExecuteSpeakDefaultLanguageAndNoNotify(t *testing.T) {
	ch := NewChannel(0, &fakeSynth{}, &fakePlayer{}, nil, ChannelOptions{DefaultLanguage: "ko-KR"}, newLogger())
	called := false
	req := NewRequest("app", "m1", 0, Speak{Text: "hi", OnDone: func(SpeakResult) { called = true }})
	ch.ExecuteSpeak(context.Background(), req)
	if called {
		t.Fatal("OnDone must not fire without notify")
	}
	if snap := ch.Snapshot(); snap.Language != "ko-KR" {
		t.Fatalf("expected default language, got %s", snap.Language)
	}
}

func TestExecuteSpeakUnsupportedLanguage(t *testing.T) {
	synth := &fakeSynth{err: tts.ErrLanguageNotSupported}
	player := &fakePlayer{}
	ch := NewChannel(0, synth, player, nil, ChannelOptions{}, newLogger())
	done := make(chan SpeakResult, 1)

	if got := ch.ExecuteSpeak(context.Background(), speakRequest("m1", "xx-XX", done)); got != MessageError {
		t.Fatalf("expected error, got %s", got)
	}
	res := <-done
	if res.Language != LanguageError || CodeOf(res.Err) != CodeLanguageNotSupported {
		t.Fatalf("unexpected result: %+v", res)
	}
	if player.plays != 0 {
		t.Fatal("playback must not run after a language failure")
	}
	if _, running := ch.Running(); running {
		t.Fatal("running record should be cleared")
	}
	if ch.Snapshot().Task != TaskError {
		t.Fatal("expected task error")
	}
}

func TestExecuteSpeakPlaybackFailure(t *testing.T) {
	ch := NewChannel(0, &fakeSynth{}, &fakePlayer{err: errors.New("device gone")}, nil, ChannelOptions{}, newLogger())
	done := make(chan SpeakResult, 1)
	ch.ExecuteSpeak(context.Background(), speakRequest("m1", "", done))
	res := <-done
	if res.Status != MessageError || CodeOf(res.Err) != CodePlayError {
		t.Fatalf("unexpected result: %+v", res)
	}
	if ch.Snapshot().Task != TaskError {
		t.Fatal("expected task error")
	}
}

func TestStopWinsOverCompletion(t *testing.T) {
	synth := &fakeSynth{block: make(chan struct{}), started: make(chan struct{}, 1)}
	ch := NewChannel(0, synth, &fakePlayer{}, nil, ChannelOptions{}, newLogger())
	done := make(chan SpeakResult, 1)

	go ch.ExecuteSpeak(context.Background(), speakRequest("m1", "", done))
	<-synth.started

	info, ok := ch.RequestStop(func(r Running) bool { return r.Matches("", "m1") })
	if !ok || info.MsgID != "m1" || !info.StopRequested {
		t.Fatalf("expected stop request to match, got %+v %v", info, ok)
	}
	// synthesis completes naturally after the stop was requested
	close(synth.block)

	res := <-done
	if res.Status != MessageStopped || res.Err != nil {
		t.Fatalf("expected stopped, got %+v", res)
	}
}

func TestExecuteStopAbortsRunning(t *testing.T) {
	synth := &fakeSynth{block: make(chan struct{}), started: make(chan struct{}, 1)}
	player := &fakePlayer{}
	ch := NewChannel(0, synth, player, nil, ChannelOptions{FadeOut: time.Millisecond}, newLogger())
	done := make(chan SpeakResult, 1)

	req := speakRequest("m1", "", done)
	req.Serial = 7
	go ch.ExecuteSpeak(context.Background(), req)
	<-synth.started

	stale := NewRequest("", "", 0, Stop{Target: 3})
	if ch.ExecuteStop(context.Background(), stale) {
		t.Fatal("stop targeted at another serial must not apply")
	}
	stop := NewRequest("app", "", 0, Stop{TargetOwner: "app", FadeOut: true, Target: 7})
	if !ch.ExecuteStop(context.Background(), stop) {
		t.Fatal("expected stop to apply")
	}

	res := <-done
	if res.Status != MessageStopped {
		t.Fatalf("expected stopped, got %s", res.Status)
	}
	if synth.stops != 1 || player.stops != 1 || !player.faded {
		t.Fatalf("engines not stopped: synth=%d player=%d faded=%v", synth.stops, player.stops, player.faded)
	}
	if player.plays != 0 {
		t.Fatal("playback must not start after abort")
	}
}

func TestExecuteStopIdle(t *testing.T) {
	synth, player := &fakeSynth{}, &fakePlayer{}
	ch := NewChannel(0, synth, player, nil, ChannelOptions{}, newLogger())
	if ch.ExecuteStop(context.Background(), NewRequest("", "", 0, Stop{})) {
		t.Fatal("stop on an idle channel should report false")
	}
	if synth.stops != 0 || player.stops != 0 {
		t.Fatal("idle stop must not touch the engines")
	}
	if _, ok := ch.RequestStop(func(Running) bool { return true }); ok {
		t.Fatal("nothing running to mark")
	}
}

func TestCancelNotifies(t *testing.T) {
	events := &eventLog{}
	ch := NewChannel(1, &fakeSynth{}, &fakePlayer{}, events, ChannelOptions{DefaultLanguage: "ko-KR"}, newLogger())
	done := make(chan SpeakResult, 1)
	req := speakRequest("m1", "", done)
	ch.Cancel(req)

	if req.Status() != MessageCanceled {
		t.Fatalf("expected canceled, got %s", req.Status())
	}
	if res := <-done; res.Status != MessageCanceled || res.Channel != 1 || res.Language != "ko-KR" {
		t.Fatalf("unexpected result: %+v", res)
	}
	events.mu.Lock()
	lang := events.events[0].Language
	events.mu.Unlock()
	if lang != "ko-KR" {
		t.Fatalf("canceled event should carry the default language, got %q", lang)
	}
	if got := events.statuses(); len(got) != 1 || got[0] != MessageCanceled {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestStopBetweenClaimAndExecute(t *testing.T) {
	synth, events := &fakeSynth{}, &eventLog{}
	ch := NewChannel(0, synth, &fakePlayer{}, events, ChannelOptions{}, newLogger())
	done := make(chan SpeakResult, 1)
	req := speakRequest("m1", "", done)
	req.Serial = 4

	ch.Claim(req)
	info, ok := ch.Running()
	if !ok || info.MsgID != "m1" || info.Status != MessagePlaying {
		t.Fatalf("claimed request should be running, got %+v %v", info, ok)
	}
	if !ch.ExecuteStop(context.Background(), NewRequest("", "", 0, Stop{Target: 4})) {
		t.Fatal("stop should apply to a claimed request")
	}

	if got := ch.ExecuteSpeak(context.Background(), req); got != MessageStopped {
		t.Fatalf("expected stopped, got %s", got)
	}
	if synth.callCount() != 0 {
		t.Fatal("a request stopped before it executed must not reach synthesis")
	}
	if res := <-done; res.Status != MessageStopped || res.Language != "en-US" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := events.statuses(); len(got) != 2 || got[1] != MessageStopped {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestSlowEngineStopLeavesChannelResponsive(t *testing.T) {
	synth := &fakeSynth{
		block:     make(chan struct{}),
		started:   make(chan struct{}, 1),
		stopping:  make(chan struct{}, 1),
		stopDelay: 300 * time.Millisecond,
	}
	ch := NewChannel(0, synth, &fakePlayer{}, nil, ChannelOptions{}, newLogger())
	done := make(chan SpeakResult, 1)
	req := speakRequest("m1", "", done)
	req.Serial = 1

	go ch.ExecuteSpeak(context.Background(), req)
	<-synth.started
	if _, ok := ch.RequestStop(func(r Running) bool { return r.Matches("", "m1") }); !ok {
		t.Fatal("expected running match")
	}
	go ch.ExecuteStop(context.Background(), NewRequest("", "", 0, Stop{Target: 1}))
	<-synth.stopping

	start := time.Now()
	ch.RequestStop(func(r Running) bool { return r.Matches("other", "") })
	ch.Snapshot()
	ch.Running()
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("channel lock held across engine stop: %v", elapsed)
	}

	if res := <-done; res.Status != MessageStopped {
		t.Fatalf("expected stopped, got %+v", res)
	}
}

func TestRunningMatches(t *testing.T) {
	r := Running{Owner: "a", MsgID: "1"}
	cases := []struct {
		owner, msg string
		want       bool
	}{
		{"", "", true},
		{"a", "", true},
		{"b", "", false},
		{"", "1", true},
		{"a", "2", false},
		{"b", "1", true},
	}
	for _, tc := range cases {
		if got := r.Matches(tc.owner, tc.msg); got != tc.want {
			t.Fatalf("Matches(%q,%q)=%v want %v", tc.owner, tc.msg, got, tc.want)
		}
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != CodeNone {
		t.Fatal("nil should map to none")
	}
	if CodeOf(errors.New("x")) != CodeUnknown {
		t.Fatal("plain errors map to unknown")
	}
	err := WithCode(CodeInputTextEmpty, errors.New("empty"))
	if CodeOf(err) != CodeInputTextEmpty || CodeInputTextEmpty != 8014 {
		t.Fatalf("unexpected code %d", CodeOf(err))
	}
	if CodeNotSupported.String() != "Not supported yet" {
		t.Fatal("unexpected text")
	}
}
