package relay

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	requests metric.Int64Counter
	chunks   metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(meter metric.Meter, logger *slog.Logger) *metrics {
	m := &metrics{}
	var err error

	m.requests, err = meter.Int64Counter("relay.requests",
		metric.WithDescription("Chat stream requests by outcome"),
	)
	if err != nil {
		logger.Warn("failed to create counter", "name", "relay.requests", "error", err)
	}

	m.chunks, err = meter.Int64Counter("relay.chunks",
		metric.WithDescription("Upstream chunks relayed as SSE frames"),
	)
	if err != nil {
		logger.Warn("failed to create counter", "name", "relay.chunks", "error", err)
	}

	m.duration, err = meter.Float64Histogram("relay.stream.duration",
		metric.WithDescription("Chat stream duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		logger.Warn("failed to create histogram", "name", "relay.stream.duration", "error", err)
	}

	return m
}

func (m *metrics) request(ctx context.Context, outcome string) {
	if m.requests != nil {
		m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *metrics) chunk(ctx context.Context) {
	if m.chunks != nil {
		m.chunks.Add(ctx, 1)
	}
}

func (m *metrics) streamDuration(ctx context.Context, d time.Duration, outcome string) {
	if m.duration != nil {
		m.duration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
