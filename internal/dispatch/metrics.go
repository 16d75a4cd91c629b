package dispatch

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-tts/internal/speech"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type instruments struct {
	requests     metric.Int64Counter
	outcomes     metric.Int64Counter
	duration     metric.Float64Histogram
	registration metric.Registration
}

func (i instruments) unregister() {
	if i.registration != nil {
		_ = i.registration.Unregister()
	}
}

func (d *Dispatcher) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-tts/dispatch")

	var err error
	if d.inst.requests, err = meter.Int64Counter("loqa.tts.requests",
		metric.WithDescription("Requests accepted by the dispatcher")); err != nil {
		return err
	}
	if d.inst.outcomes, err = meter.Int64Counter("loqa.tts.outcomes",
		metric.WithDescription("Terminal message statuses")); err != nil {
		return err
	}
	if d.inst.duration, err = meter.Float64Histogram("loqa.tts.speak.duration",
		metric.WithDescription("Wall time of speak execution"),
		metric.WithUnit("ms")); err != nil {
		return err
	}
	depth, err := meter.Int64ObservableGauge("loqa.tts.queue.depth",
		metric.WithDescription("Pending entries per queue"))
	if err != nil {
		return err
	}
	d.inst.registration, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		for _, l := range d.lanes {
			if !l.usable() {
				continue
			}
			o.ObserveInt64(depth, int64(l.speech.Len()), metric.WithAttributes(
				attribute.Int("channel", l.id), attribute.String("queue", "speech")))
			o.ObserveInt64(depth, int64(l.control.Len()), metric.WithAttributes(
				attribute.Int("channel", l.id), attribute.String("queue", "control")))
		}
		return nil
	}, depth)
	return err
}

func (d *Dispatcher) countRequest(req *speech.Request) {
	if d.inst.requests == nil {
		return
	}
	d.inst.requests.Add(d.ctx, 1, metric.WithAttributes(
		attribute.String("kind", req.Cmd.Kind().String()),
		attribute.Int("channel", req.Channel),
	))
}

func (d *Dispatcher) countOutcome(ctx context.Context, channel int, status speech.MessageStatus) {
	if d.inst.outcomes == nil {
		return
	}
	d.inst.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status.String()),
		attribute.Int("channel", channel),
	))
}

func (d *Dispatcher) startSpeakSpan(ctx context.Context, req *speech.Request) (context.Context, trace.Span) {
	return d.tracer.Start(ctx, "tts.speak", trace.WithAttributes(
		attribute.String("tts.msg_id", req.MsgID),
		attribute.String("tts.app_id", req.Owner),
		attribute.Int("tts.channel", req.Channel),
	))
}

func (d *Dispatcher) finishSpeak(ctx context.Context, span trace.Span, req *speech.Request, status speech.MessageStatus, elapsed time.Duration) {
	span.SetAttributes(attribute.String("tts.status", status.String()))
	if status == speech.MessageError {
		span.SetStatus(codes.Error, "speak failed")
	}
	span.End()

	d.countOutcome(ctx, req.Channel, status)
	if d.inst.duration != nil {
		d.inst.duration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
			attribute.Int("channel", req.Channel),
			attribute.String("status", status.String()),
		))
	}
}
