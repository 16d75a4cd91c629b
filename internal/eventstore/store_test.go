package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "history.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.Record(ctx, speech.Event{MsgID: "m1"}); err != nil {
		t.Fatalf("record on ephemeral store: %v", err)
	}
	if _, err := es.Message(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, st := range []speech.MessageStatus{speech.MessagePlaying, speech.MessageDone} {
		ev := speech.Event{Owner: "app", MsgID: "m1", Channel: 1, Status: st, Language: "de-DE", Time: base.Add(time.Duration(i) * time.Second)}
		if err := es.Record(ctx, ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	msg, err := es.Message(ctx, "m1")
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if msg.Status != "done" || msg.AppID != "app" || msg.Channel != 1 || !msg.CreatedAt.Equal(base) {
		t.Fatalf("unexpected message: %+v", msg)
	}
	transitions, err := es.Transitions(ctx, "m1", 10)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(transitions) != 2 || transitions[0].Status != "playing" || transitions[1].Status != "done" {
		t.Fatalf("unexpected transitions: %+v", transitions)
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxMessages: 1})
	ctx := context.Background()

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	_ = es.Record(ctx, speech.Event{MsgID: "old", Status: speech.MessageDone, Time: old})
	_ = es.Record(ctx, speech.Event{MsgID: "a", Status: speech.MessageDone, Time: recent})
	_ = es.Record(ctx, speech.Event{MsgID: "b", Status: speech.MessageDone, Time: recent.Add(time.Minute)})

	es.clock = func() time.Time { return recent.Add(time.Hour) }
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	recentMsgs, err := es.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recentMsgs) != 1 || recentMsgs[0].MsgID != "b" {
		t.Fatalf("expected only b to survive, got %+v", recentMsgs)
	}
	if tr, _ := es.Transitions(ctx, "old", 10); len(tr) != 0 {
		t.Fatal("transitions of pruned messages should cascade")
	}
}

func TestRecorderFlushesOnClose(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	rec := NewRecorder(es, 16, newLogger())
	for _, st := range []speech.MessageStatus{speech.MessagePlaying, speech.MessageStopped} {
		rec.Notify(speech.Event{MsgID: "m1", Status: st})
	}
	rec.Close()
	rec.Close()
	rec.Notify(speech.Event{MsgID: "late"})

	msg, err := es.Message(context.Background(), "m1")
	if err != nil || msg.Status != "stopped" {
		t.Fatalf("unexpected message %+v %v", msg, err)
	}
	if rec.Dropped() != 0 {
		t.Fatalf("unexpected drops: %d", rec.Dropped())
	}
}

func TestPruneEveryStopsWithContext(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	rec := NewRecorder(es, 1, newLogger())
	defer rec.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.PruneEvery(ctx, 5*time.Millisecond) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("prune loop did not stop")
	}
}
