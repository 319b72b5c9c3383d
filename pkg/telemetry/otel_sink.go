package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/lokutor-ai/atlas-voice-core"

// latencyBuckets is tuned for voice-pipeline turn latencies (seconds).
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// OtelSink turns lifecycle Events into OpenTelemetry metric instruments: a
// latency histogram per event name, a lifecycle-event counter, a cost counter,
// and a degradation counter broken down by from/to tier.
type OtelSink struct {
	latency   metric.Float64Histogram
	outcomes  metric.Int64Counter
	costUSD   metric.Float64Counter
	degraded  metric.Int64Counter
}

// NewOtelSink builds an OtelSink from a MeterProvider (typically the SDK's
// MeterProvider wired to a Prometheus exporter; see cmd/atlasd).
func NewOtelSink(mp metric.MeterProvider) (*OtelSink, error) {
	m := mp.Meter(meterName)

	latency, err := m.Float64Histogram("atlas.turn.stage_latency",
		metric.WithDescription("Latency from turn start to a given lifecycle event."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if err != nil {
		return nil, err
	}
	outcomes, err := m.Int64Counter("atlas.turn.events",
		metric.WithDescription("Count of turn lifecycle events by name, tier, and category."),
	)
	if err != nil {
		return nil, err
	}
	cost, err := m.Float64Counter("atlas.turn.cost_usd",
		metric.WithDescription("Cumulative generation cost in USD by tier."),
	)
	if err != nil {
		return nil, err
	}
	degraded, err := m.Int64Counter("atlas.turn.degradations",
		metric.WithDescription("Count of tier downgrades by from/to tier and reason."),
	)
	if err != nil {
		return nil, err
	}

	return &OtelSink{latency: latency, outcomes: outcomes, costUSD: cost, degraded: degraded}, nil
}

// Emit records e against the wired instruments.
func (o *OtelSink) Emit(e Event) {
	ctx := context.Background()
	attrs := []attribute.KeyValue{
		attribute.String("event", string(e.Name)),
		attribute.String("tier", e.Tier),
		attribute.String("category", e.Category),
	}
	o.outcomes.Add(ctx, 1, metric.WithAttributes(attrs...))

	if e.LatencyMS > 0 {
		o.latency.Record(ctx, float64(e.LatencyMS)/1000.0, metric.WithAttributes(attrs...))
	}
	if e.CostUSD > 0 {
		o.costUSD.Add(ctx, e.CostUSD, metric.WithAttributes(attribute.String("tier", e.Tier)))
	}
	if e.Name == TurnDegraded {
		o.degraded.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", e.DegradedFrom),
			attribute.String("to", e.DegradedTo),
			attribute.String("reason", e.Reason),
		))
	}
}
