package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		AudioDir:   t.TempDir(),
		SampleRate: 16000,
		Channels:   1,
		Pitch:      100,
		Rate:       100,
	}
}

func TestMockSynthProducesClip(t *testing.T) {
	synth := NewMockSynth(testOptions(t))
	clip, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hello there", Language: "en-US"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if clip.Duration != 120*time.Millisecond {
		t.Fatalf("expected 120ms clip, got %v", clip.Duration)
	}
	pcm, err := audio.ReadPCM(clip.Path)
	if err != nil {
		t.Fatalf("read clip: %v", err)
	}
	if pcm.SampleRate != 16000 {
		t.Fatalf("unexpected sample rate %d", pcm.SampleRate)
	}
}

func TestMockSynthRejectsUnknownLanguage(t *testing.T) {
	synth := NewMockSynth(testOptions(t))
	_, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hello", Language: "xx-XX"})
	if !errors.Is(err, ErrLanguageNotSupported) {
		t.Fatalf("expected ErrLanguageNotSupported, got %v", err)
	}
}

func TestMockSynthStopAborts(t *testing.T) {
	synth := NewMockSynth(testOptions(t)).(*mockSynth)
	synth.delay = 5 * time.Second

	errCh := make(chan error, 1)
	go func() {
		_, err := synth.Synthesize(context.Background(), SynthRequest{Text: "long"})
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	synth.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("synthesis did not stop")
	}
	// Stopping an idle engine is harmless.
	synth.Stop()
}

func TestMockSynthTimeout(t *testing.T) {
	opts := testOptions(t)
	opts.Timeout = 10 * time.Millisecond
	synth := NewMockSynth(opts).(*mockSynth)
	synth.delay = time.Second
	_, err := synth.Synthesize(context.Background(), SynthRequest{Text: "slow"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestLanguageListFallsBackToTable(t *testing.T) {
	synth := NewMockSynth(testOptions(t))
	langs, err := synth.SupportedLanguages(context.Background())
	if err != nil {
		t.Fatalf("languages: %v", err)
	}
	if len(langs) != 27 || langs[1] != "en-US" {
		t.Fatalf("unexpected language table: %v", langs)
	}
}

func TestExecSynth(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	// "AAAAAA==" decodes to four zero bytes.
	command := `sh -c 'cat >/dev/null; echo "{\"pcm_base64\":\"AAAAAA==\",\"final\":true}"'`
	synth, err := NewExecSynth(command, testOptions(t))
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	clip, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	pcm, err := audio.ReadPCM(clip.Path)
	if err != nil {
		t.Fatalf("read clip: %v", err)
	}
	if len(pcm.Data) != 4 {
		t.Fatalf("expected 4 pcm bytes, got %d", len(pcm.Data))
	}
}

func TestExecSynthLanguageError(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	command := `sh -c 'cat >/dev/null; echo "{\"error\":\"language_not_supported\"}"'`
	synth, err := NewExecSynth(command, testOptions(t))
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	_, err = synth.Synthesize(context.Background(), SynthRequest{Text: "hi"})
	if !errors.Is(err, ErrLanguageNotSupported) {
		t.Fatalf("expected ErrLanguageNotSupported, got %v", err)
	}
}

func TestExecSynthRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSynth("   ", testOptions(t)); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestHTTPSynth(t *testing.T) {
	var got speechRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write(make([]byte, 3200))
	}))
	defer srv.Close()

	synth, err := NewHTTPSynth(HTTPOptions{Endpoint: srv.URL, Model: "kokoro", Voice: "af_heart", APIKey: "secret"}, testOptions(t))
	if err != nil {
		t.Fatalf("new http synth: %v", err)
	}
	clip, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hello", Language: "ko-KR"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if clip.Duration != 100*time.Millisecond {
		t.Fatalf("expected 100ms clip, got %v", clip.Duration)
	}
	if got.Input != "hello" || got.Format != "pcm" || got.Lang != "ko-KR" {
		t.Fatalf("unexpected request payload: %+v", got)
	}
}

func TestHTTPSynthStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	synth, err := NewHTTPSynth(HTTPOptions{Endpoint: srv.URL}, testOptions(t))
	if err != nil {
		t.Fatalf("new http synth: %v", err)
	}
	_, err = synth.Synthesize(context.Background(), SynthRequest{Text: "hello"})
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("expected status error, got %v", err)
	}
}
