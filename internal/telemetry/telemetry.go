// Package telemetry holds the OpenTelemetry instruments for the scoring
// pipeline. Without an SDK provider installed every call is a no-op.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName identifies AXM spans and meters.
const InstrumentationName = "github.com/opensource-finance/axm"

// Metrics records pipeline counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	claims          metric.Int64Counter
	decisions       metric.Int64Counter
	ruleErrors      metric.Int64Counter
	dispatchErrors  metric.Int64Counter
	compositeScores metric.Int64Histogram
	evalDuration    metric.Float64Histogram
}

// NewMetrics creates the instruments on meter. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	if m.claims, err = meter.Int64Counter("axm.claims.total",
		metric.WithDescription("Claims submitted, by outcome"),
		metric.WithUnit("{claim}"),
	); err != nil {
		return nil, fmt.Errorf("claims counter: %w", err)
	}

	if m.decisions, err = meter.Int64Counter("axm.decisions.total",
		metric.WithDescription("Decisions recorded, by action"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, fmt.Errorf("decisions counter: %w", err)
	}

	if m.ruleErrors, err = meter.Int64Counter("axm.rule.errors.total",
		metric.WithDescription("Predicate failures, by rule"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, fmt.Errorf("rule error counter: %w", err)
	}

	if m.dispatchErrors, err = meter.Int64Counter("axm.dispatch.errors.total",
		metric.WithDescription("Collaborator calls that failed after retries"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, fmt.Errorf("dispatch error counter: %w", err)
	}

	if m.compositeScores, err = meter.Int64Histogram("axm.composite.score",
		metric.WithDescription("Composite risk score distribution"),
		metric.WithExplicitBucketBoundaries(10, 20, 30, 40, 50, 60, 70, 80, 90, 100),
	); err != nil {
		return nil, fmt.Errorf("score histogram: %w", err)
	}

	if m.evalDuration, err = meter.Float64Histogram("axm.claim.duration",
		metric.WithDescription("Claim pipeline duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0),
	); err != nil {
		return nil, fmt.Errorf("duration histogram: %w", err)
	}

	return m, nil
}

// ClaimProcessed records one claim outcome; outcome is "scored" or an error class.
func (m *Metrics) ClaimProcessed(ctx context.Context, outcome string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.claims.Add(ctx, 1, attrs)
	m.evalDuration.Record(ctx, seconds, attrs)
}

// Decision records an automatic decision and its composite score.
func (m *Metrics) Decision(ctx context.Context, action string, composite int) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	m.compositeScores.Record(ctx, int64(composite))
}

// RuleError records a predicate failure.
func (m *Metrics) RuleError(ctx context.Context, ruleID string) {
	if m == nil {
		return
	}
	m.ruleErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("rule_id", ruleID)))
}

// DispatchError records a collaborator call that was given up on.
func (m *Metrics) DispatchError(ctx context.Context, collaborator string, timeout bool) {
	if m == nil {
		return
	}
	m.dispatchErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("collaborator", collaborator),
		attribute.Bool("timeout", timeout),
		attribute.Bool("dropped", false),
	))
}

// DispatchDropped records a collaborator call that was never queued.
func (m *Metrics) DispatchDropped(ctx context.Context, collaborator string) {
	if m == nil {
		return
	}
	m.dispatchErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("collaborator", collaborator),
		attribute.Bool("timeout", false),
		attribute.Bool("dropped", true),
	))
}

// Tracer returns the AXM tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartSpan starts an internal span named name.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}
