package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/callscribe/pipeline"

type metrics struct {
	chunks         metric.Int64Counter
	flushed        metric.Int64Counter
	discarded      metric.Int64Counter
	segments       metric.Int64Counter
	hallucinations metric.Int64Counter
	activeChannels metric.Int64ObservableGauge
}

func newMetrics(active func() int64) (*metrics, error) {
	meter := otel.Meter(meterName)
	m := &metrics{}
	var err error
	if m.chunks, err = meter.Int64Counter("callscribe.chunks", metric.WithDescription("Audio chunks submitted")); err != nil {
		return nil, err
	}
	if m.flushed, err = meter.Int64Counter("callscribe.utterances.flushed", metric.WithDescription("Utterances handed to the quality gate")); err != nil {
		return nil, err
	}
	if m.discarded, err = meter.Int64Counter("callscribe.utterances.discarded", metric.WithDescription("Utterances dropped before transcription")); err != nil {
		return nil, err
	}
	if m.segments, err = meter.Int64Counter("callscribe.segments.emitted", metric.WithDescription("Transcript segments delivered to sinks")); err != nil {
		return nil, err
	}
	if m.hallucinations, err = meter.Int64Counter("callscribe.hallucinations", metric.WithDescription("Backend results rejected as fabricated")); err != nil {
		return nil, err
	}
	gauge, err := meter.Int64ObservableGauge("callscribe.channels.active", metric.WithDescription("Channels with live pipeline state"))
	if err != nil {
		return nil, err
	}
	m.activeChannels = gauge
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, active())
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) chunk(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

func (m *metrics) flush(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.flushed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) discard(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.discarded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) segment(ctx context.Context, backend string) {
	if m == nil {
		return
	}
	m.segments.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}

func (m *metrics) hallucination(ctx context.Context, rule string) {
	if m == nil {
		return
	}
	m.hallucinations.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule)))
}
