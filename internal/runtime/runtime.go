package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/capability"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/dispatch"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/service"
	"github.com/loqalabs/loqa-tts/internal/status"
	"github.com/loqalabs/loqa-tts/internal/sysinfo"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	recorder   *eventstore.Recorder
	dispatcher *dispatch.Dispatcher
	service    *service.Service
	registry   *capability.Registry
	metrics    http.Handler
	telemetry  *telemetry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves until ctx is done and then tears
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	defer r.shutdown()
	if err := r.setup(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	mux := r.routes()
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	servers := []*http.Server{{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", r.metrics)
		servers = append(servers, &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second})
	}
	for _, srv := range servers {
		g.Go(func() error {
			r.logger.Info("http listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return r.recorder.PruneEvery(gctx, time.Duration(r.cfg.EventStore.PruneIntervalMS)*time.Millisecond)
	})
	g.Go(func() error {
		<-gctx.Done()
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slogError(err))
			}
		}
		return nil
	})

	r.logger.Info("runtime started",
		slog.Int("channels", r.cfg.Speech.Channels),
		slog.Int("usable_channels", r.dispatcher.Usable()),
	)
	return g.Wait()
}

func (r *Runtime) setup(ctx context.Context) error {
	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	r.metrics = tel.handler()

	busCfg := r.cfg.Bus
	r.nats, err = natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	if busCfg.EventStream != "" {
		maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
		subjects := []string{protocol.SubjectEvents, protocol.SubjectMessageWildcard}
		if err := r.bus.EnsureStream(busCfg.EventStream, subjects, maxAge); err != nil {
			r.logger.Warn("event stream unavailable", slogError(err))
		}
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "event-store")))
	if err != nil {
		return err
	}
	r.recorder = eventstore.NewRecorder(r.store, 0, r.logger)

	hub := status.NewHub(r.logger)
	hub.Register(r.recorder)

	r.dispatcher, err = dispatch.New(ctx, dispatch.Options{
		Speech:    r.cfg.Speech,
		Synthesis: r.cfg.Synthesis,
		Playback:  r.cfg.Playback,
		Sources:   sysinfo.Sources(r.cfg.System, r.bus, r.logger),
	}, engine.Builtin(), hub, r.logger)
	if err != nil {
		return err
	}

	r.service = service.New(r.bus, r.dispatcher, r.logger)
	hub.Register(r.service)
	if err := r.service.Start(); err != nil {
		return err
	}

	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, r.bus,
		capability.ChannelCapabilities(r.dispatcher.Channels()), r.logger)
	if err != nil {
		return err
	}
	return nil
}

// shutdown releases whatever setup managed to create, newest first.
func (r *Runtime) shutdown() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	if r.dispatcher != nil {
		r.dispatcher.Close()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slogError(err))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetry.shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/capabilities", r.handleCapabilities)
	mux.HandleFunc("GET /messages", r.handleRecentMessages)
	mux.HandleFunc("GET /messages/{id}", r.handleMessage)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	return mux
}

func (r *Runtime) ready() bool {
	return r.bus.Healthy() && r.service != nil && r.service.Healthy() &&
		r.dispatcher != nil && r.dispatcher.Usable() > 0
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node":     r.cfg.Node.ID,
		"local":    r.registry.LocalCapabilities(),
		"channels": r.dispatcher.Channels(),
		"routes":   r.registry.Channels(),
	})
}

func (r *Runtime) handleRecentMessages(w http.ResponseWriter, req *http.Request) {
	msgs, err := r.store.Recent(req.Context(), 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (r *Runtime) handleMessage(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	msg, err := r.store.Message(req.Context(), id)
	if errors.Is(err, eventstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	transitions, err := r.store.Transitions(req.Context(), id, 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg, "transitions": transitions})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
