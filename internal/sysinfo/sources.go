// Package sysinfo looks up the system volume and menu language that GetStatus
// replies merge into the channel snapshot.
package sysinfo

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/dispatch"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/speech"
)

// Requester performs one request-reply exchange. *bus.Client satisfies it.
type Requester interface {
	Request(ctx context.Context, subject string, payload []byte) ([]byte, error)
}

// Sources returns the status sources configured by cfg. Without a requester
// or with lookups disabled the configured defaults are reported.
func Sources(cfg config.SystemConfig, req Requester, log *slog.Logger) []dispatch.StatusSource {
	if !cfg.Lookup || req == nil {
		return []dispatch.StatusSource{Static{Volume: cfg.DefaultVolume, MenuLanguage: cfg.DefaultMenuLanguage}}
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	log = log.With(slog.String("component", "sysinfo"))
	return []dispatch.StatusSource{
		&Volume{req: req, subject: cfg.VolumeSubject, timeout: timeout, fallback: cfg.DefaultVolume, log: log},
		&MenuLanguage{req: req, subject: cfg.SettingsSubject, timeout: timeout, fallback: cfg.DefaultMenuLanguage, log: log},
	}
}

// Static reports fixed values.
type Static struct {
	Volume       int
	MenuLanguage string
}

func (Static) Name() string { return "static" }

func (s Static) Contribute(_ context.Context, _ int, done func(func(*speech.StatusReport))) {
	done(func(r *speech.StatusReport) {
		r.Volume = s.Volume
		r.MenuLanguage = s.MenuLanguage
	})
}

// Volume asks the system volume service.
type Volume struct {
	req      Requester
	subject  string
	timeout  time.Duration
	fallback int
	log      *slog.Logger
}

func (*Volume) Name() string { return "volume" }

func (v *Volume) Contribute(ctx context.Context, _ int, done func(func(*speech.StatusReport))) {
	go func() {
		volume := v.fallback
		if got, err := v.lookup(ctx); err != nil {
			v.log.Debug("volume lookup failed", slog.String("error", err.Error()))
		} else {
			volume = got
		}
		done(func(r *speech.StatusReport) { r.Volume = volume })
	}()
}

func (v *Volume) lookup(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	data, err := v.req.Request(ctx, v.subject, []byte(`{}`))
	if err != nil {
		return 0, err
	}
	var reply protocol.VolumeReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return 0, err
	}
	if len(reply.VolumeStatus) == 0 {
		return v.fallback, nil
	}
	return reply.VolumeStatus[0].Volume, nil
}

// MenuLanguage asks the system settings service for the UI locale.
type MenuLanguage struct {
	req      Requester
	subject  string
	timeout  time.Duration
	fallback string
	log      *slog.Logger
}

func (*MenuLanguage) Name() string { return "menu-language" }

func (m *MenuLanguage) Contribute(ctx context.Context, _ int, done func(func(*speech.StatusReport))) {
	go func() {
		lang := m.fallback
		if got, err := m.lookup(ctx); err != nil {
			m.log.Debug("menu language lookup failed", slog.String("error", err.Error()))
		} else if got != "" {
			lang = got
		}
		done(func(r *speech.StatusReport) { r.MenuLanguage = lang })
	}()
}

func (m *MenuLanguage) lookup(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	payload, err := json.Marshal(protocol.SettingsRequest{Category: "option", Keys: []string{"menuLanguage"}})
	if err != nil {
		return "", err
	}
	data, err := m.req.Request(ctx, m.subject, payload)
	if err != nil {
		return "", err
	}
	var reply protocol.SettingsReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return "", err
	}
	return reply.Settings.MenuLanguage, nil
}
