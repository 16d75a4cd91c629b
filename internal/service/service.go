// Package service exposes the speech dispatcher on the NATS bus.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/dispatch"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/speech"
	"github.com/nats-io/nats.go"
)

// Submitter accepts speech requests. *dispatch.Dispatcher satisfies it.
type Submitter interface {
	Submit(req *speech.Request) (bool, error)
}

type Service struct {
	bus       *bus.Client
	submitter Submitter
	logger    *slog.Logger
	newID     func() string

	mu      sync.Mutex
	subs    []*nats.Subscription
	watched map[string]struct{}
	ready   atomic.Bool
}

func New(busClient *bus.Client, submitter Submitter, log *slog.Logger) *Service {
	return &Service{
		bus:       busClient,
		submitter: submitter,
		logger:    log.With(slog.String("component", "tts-service")),
		newID:     uuid.NewString,
		watched:   make(map[string]struct{}),
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectSpeak:         s.handleSpeak,
		protocol.SubjectStop:          s.handleStop,
		protocol.SubjectStatus:        s.handleStatus,
		protocol.SubjectLanguages:     s.handleLanguages,
		protocol.SubjectStart:         s.handleStart,
		protocol.SubjectSpeakVKB:      s.handleNotSupported,
		protocol.SubjectAudioGuidance: s.handleNotSupported,
	}
	conn := s.bus.Conn()
	for subject, handler := range handlers {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			s.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	if err := conn.Flush(); err != nil {
		s.Close()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.ready.Store(true)
	s.logger.Info("speech service listening")
	return nil
}

func (s *Service) Close() {
	s.ready.Store(false)
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool { return s.ready.Load() }

// Notify publishes a message status transition. Every event goes to
// tts.events; messages that asked for feedback also get their own subject.
func (s *Service) Notify(ev speech.Event) {
	data, err := json.Marshal(protocol.MessageEvent{
		MsgID:     ev.MsgID,
		AppID:     ev.Owner,
		DisplayID: ev.Channel,
		MsgStatus: ev.Status.String(),
		Language:  ev.Language,
		Timestamp: ev.Time.UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to marshal message event", slogError(err))
		return
	}
	conn := s.bus.Conn()
	if err := conn.Publish(protocol.SubjectEvents, data); err != nil {
		s.logger.Warn("failed to publish message event", slogError(err))
	}

	s.mu.Lock()
	_, watched := s.watched[ev.MsgID]
	if watched && ev.Status.Terminal() {
		delete(s.watched, ev.MsgID)
	}
	s.mu.Unlock()
	if watched {
		if err := conn.Publish(protocol.MessageSubject(ev.MsgID), data); err != nil {
			s.logger.Warn("failed to publish message event", slogError(err))
		}
	}
}

func (s *Service) handleSpeak(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		s.respond(msg, protocol.SpeakReply{ErrorCode: int(speech.CodeInvalidJSON), ErrorText: speech.CodeInvalidJSON.String()})
		return
	}

	msgID := s.newID()
	watch := req.Feedback || req.Subscribe
	if watch {
		s.mu.Lock()
		s.watched[msgID] = struct{}{}
		s.mu.Unlock()
	}

	cmd := speech.Speak{
		Text:     req.Text,
		Language: req.Language,
		Clear:    req.Clear,
		Notify:   req.Feedback,
		OnDone:   s.logOutcome,
	}
	if _, err := s.submitter.Submit(speech.NewRequest(req.AppID, msgID, req.DisplayID, cmd)); err != nil {
		s.unwatch(msgID)
		code := codeFor(err)
		s.logger.Info("speak rejected", slog.String("app_id", req.AppID), slog.Int("code", int(code)), slogError(err))
		s.respond(msg, protocol.SpeakReply{MsgID: msgID, ErrorCode: int(code), ErrorText: code.String()})
		return
	}
	s.respond(msg, protocol.SpeakReply{ReturnValue: true, MsgID: msgID, Subscribed: req.Subscribe})
}

func (s *Service) handleStop(msg *nats.Msg) {
	var req protocol.StopRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.StopReply{ErrorCode: int(speech.CodeInvalidJSON), ErrorText: speech.CodeInvalidJSON.String()})
		return
	}
	stopped, err := s.submitter.Submit(speech.NewRequest(req.AppID, "", req.DisplayID, speech.Stop{
		TargetOwner:   req.AppID,
		TargetMessage: req.MsgID,
		FadeOut:       req.FadeOut,
	}))
	if err != nil {
		code := codeFor(err)
		s.respond(msg, protocol.StopReply{ErrorCode: int(code), ErrorText: code.String()})
		return
	}
	s.respond(msg, protocol.StopReply{ReturnValue: true, Stopped: stopped})
}

func (s *Service) handleStatus(msg *nats.Msg) {
	req, ok := s.decodeChannel(msg)
	if !ok {
		return
	}
	_, err := s.submitter.Submit(speech.NewRequest("", "", req.DisplayID, speech.GetStatus{
		OnReply: func(r speech.StatusReport) {
			s.respond(msg, protocol.StatusReply{
				ReturnValue:  true,
				Status:       r.Status,
				Language:     r.Language,
				MenuLanguage: r.MenuLanguage,
				Pitch:        r.Pitch,
				SpeechRate:   r.SpeechRate,
				Volume:       r.Volume,
			})
		},
	}))
	if err != nil {
		code := codeFor(err)
		s.respond(msg, protocol.StatusReply{ErrorCode: int(code), ErrorText: code.String()})
	}
}

func (s *Service) handleLanguages(msg *nats.Msg) {
	req, ok := s.decodeChannel(msg)
	if !ok {
		return
	}
	_, err := s.submitter.Submit(speech.NewRequest("", "", req.DisplayID, speech.GetLanguages{
		OnReply: func(langs []string, err error) {
			if err != nil {
				code := codeFor(err)
				s.respond(msg, protocol.LanguagesReply{ErrorCode: int(code), ErrorText: code.String()})
				return
			}
			s.respond(msg, protocol.LanguagesReply{ReturnValue: true, Languages: langs})
		},
	}))
	if err != nil {
		code := codeFor(err)
		s.respond(msg, protocol.LanguagesReply{ErrorCode: int(code), ErrorText: code.String()})
	}
}

func (s *Service) handleStart(msg *nats.Msg) {
	s.respond(msg, protocol.BasicReply{ReturnValue: true})
}

func (s *Service) handleNotSupported(msg *nats.Msg) {
	s.respond(msg, protocol.BasicReply{ErrorCode: int(speech.CodeNotSupported), ErrorText: speech.CodeNotSupported.String()})
}

func (s *Service) decodeChannel(msg *nats.Msg) (protocol.ChannelRequest, bool) {
	var req protocol.ChannelRequest
	if len(msg.Data) == 0 {
		return req, true
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.BasicReply{ErrorCode: int(speech.CodeInvalidJSON), ErrorText: speech.CodeInvalidJSON.String()})
		return req, false
	}
	return req, true
}

func (s *Service) respond(msg *nats.Msg, reply any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slog.String("subject", msg.Subject), slogError(err))
	}
}

func (s *Service) logOutcome(res speech.SpeakResult) {
	attrs := []any{
		slog.String("msg_id", res.MsgID),
		slog.String("app_id", res.Owner),
		slog.Int("channel", res.Channel),
		slog.String("status", res.Status.String()),
	}
	if res.Err != nil {
		attrs = append(attrs, slog.Int("code", int(speech.CodeOf(res.Err))), slogError(res.Err))
	}
	s.logger.Info("speech finished", attrs...)
}

func (s *Service) unwatch(msgID string) {
	s.mu.Lock()
	delete(s.watched, msgID)
	s.mu.Unlock()
}

func codeFor(err error) speech.Code {
	switch {
	case errors.Is(err, dispatch.ErrEmptyText):
		return speech.CodeInputTextEmpty
	case errors.Is(err, dispatch.ErrInvalidChannel):
		return speech.CodeInvalidParam
	case errors.Is(err, dispatch.ErrChannelUnavailable), errors.Is(err, dispatch.ErrClosed):
		return speech.CodeServiceNotReady
	case errors.Is(err, dispatch.ErrMissingParameter):
		return speech.CodeParamMissing
	case errors.Is(err, context.DeadlineExceeded):
		return speech.CodeInternal
	}
	return speech.CodeOf(err)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
