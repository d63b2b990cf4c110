// Package observability instruments the runtime through the OpenTelemetry
// API. The process wires no exporter of its own; whichever SDK the operator
// installs as the global provider receives the data.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "phylactery"

// Provider bundles the tracer and the runtime's counters.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter
	logger *slog.Logger

	nodeTransitions metric.Int64Counter
	riskDecisions   metric.Int64Counter
	approvals       metric.Int64Counter
	evictions       metric.Int64Counter
	turnDuration    metric.Float64Histogram
}

// New builds the provider against the global otel tracer and meter.
func New() (*Provider, error) {
	p := &Provider{
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		logger: slog.Default().With("component", "observability"),
	}

	var err error
	if p.nodeTransitions, err = p.meter.Int64Counter("phylactery.graph.node_transitions",
		metric.WithDescription("Graph node dispatches"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if p.riskDecisions, err = p.meter.Int64Counter("phylactery.risk.decisions",
		metric.WithDescription("Risk engine verdicts by decision"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if p.approvals, err = p.meter.Int64Counter("phylactery.approvals",
		metric.WithDescription("Approval outcomes by result"),
		metric.WithUnit("{approval}"),
	); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if p.evictions, err = p.meter.Int64Counter("phylactery.evictions",
		metric.WithDescription("Tool outputs moved to the eviction store"),
		metric.WithUnit("{eviction}"),
	); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	if p.turnDuration, err = p.meter.Float64Histogram("phylactery.turn.duration",
		metric.WithDescription("Graph turn duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	return p, nil
}

// NodeObserver adapts the node transition counter to the graph runtime's
// observer hook.
func (p *Provider) NodeObserver() func(node string) {
	return func(node string) {
		p.nodeTransitions.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("node", node)))
	}
}

// RecordRiskDecision counts one risk verdict.
func (p *Provider) RecordRiskDecision(ctx context.Context, decision, reason string) {
	p.riskDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", decision),
		attribute.String("reason", reason),
	))
}

// RecordApproval counts one approval outcome (granted, rejected, expired,
// invalid).
func (p *Provider) RecordApproval(ctx context.Context, outcome string) {
	p.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordEviction counts one eviction with the original size.
func (p *Provider) RecordEviction(ctx context.Context, sizeChars int) {
	p.evictions.Add(ctx, 1, metric.WithAttributes(attribute.Int("size_chars", sizeChars)))
}

// TrackTurn opens a span for one graph turn and returns its closer.
func (p *Provider) TrackTurn(ctx context.Context, threadID string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "graph.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("thread_id", threadID)),
	)
	return ctx, func(err error) {
		p.turnDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.Bool("error", err != nil)))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
