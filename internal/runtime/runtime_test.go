package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(dir, "nats")
	cfg.EventStore.Path = filepath.Join(dir, "history.db")
	cfg.Synthesis.AudioDir = filepath.Join(dir, "audio")
	cfg.Speech.PlaybackEngine = "null"
	cfg.Speech.Bindings = []config.ChannelBinding{{Channel: 1, Playback: "missing"}}
	cfg.System.Lookup = false
	cfg.Telemetry.TraceExporter = "none"
	return cfg
}

func TestRoutesServeHealthAndHistory(t *testing.T) {
	cfg := testConfig(t)
	rt := New(cfg, newLogger())
	if err := rt.setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(rt.shutdown)
	mux := rt.routes()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := get("/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz: %d %s", rec.Code, rec.Body.String())
	}

	var caps struct {
		Channels []struct {
			ID     int
			Usable bool
		} `json:"channels"`
	}
	if err := json.Unmarshal(get("/capabilities").Body.Bytes(), &caps); err != nil {
		t.Fatalf("decode capabilities: %v", err)
	}
	if len(caps.Channels) != 2 || !caps.Channels[0].Usable || caps.Channels[1].Usable {
		t.Fatalf("unexpected channels: %+v", caps.Channels)
	}

	conn, err := nats.Connect(rt.nats.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	data, _ := json.Marshal(protocol.SpeakRequest{Text: "history please", AppID: "demo"})
	msg, err := conn.Request(protocol.SubjectSpeak, data, 2*time.Second)
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	var reply protocol.SpeakReply
	_ = json.Unmarshal(msg.Data, &reply)

	deadline := time.Now().Add(3 * time.Second)
	for {
		rec := get("/messages/" + reply.MsgID)
		if rec.Code == http.StatusOK {
			var body struct {
				Message struct{ Status string } `json:"message"`
			}
			_ = json.Unmarshal(rec.Body.Bytes(), &body)
			if body.Message.Status == "done" {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("message %s never reached done: %d %s", reply.MsgID, rec.Code, rec.Body.String())
		}
		time.Sleep(20 * time.Millisecond)
	}

	if rec := get("/messages/unknown"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	metrics := get("/metrics").Body.String()
	for _, name := range []string{"loqa_tts_requests", "go_goroutines"} {
		if !strings.Contains(metrics, name) {
			t.Fatalf("metrics missing %s", name)
		}
	}
}

func TestStartStopsWithContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = ""
	cfg.Bus.EventStream = ""
	rt := New(cfg, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
}
