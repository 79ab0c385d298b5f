package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records the gateway's operational counters. Like Logger, call
// sites depend on this interface rather than on the OTEL meter API
// directly, so tests can swap in the no-op.
type Metrics interface {
	// RecordRequest counts one dispatched upstream request.
	RecordRequest(ctx context.Context, model, providerName string)

	// RecordCost accumulates the dollar cost of one completed request.
	RecordCost(ctx context.Context, model string, cost float64)
}

type nopMetrics struct{}

// NewNopMetrics returns a Metrics that discards everything.
func NewNopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) RecordRequest(context.Context, string, string) {}
func (nopMetrics) RecordCost(context.Context, string, float64)   {}

type otelMetrics struct {
	requests metric.Int64Counter
	cost     metric.Float64Counter
}

// NewOtelMetrics builds a Metrics backed by the global OTEL meter
// provider, so whatever metric reader the process installed (or the
// default no-op one) receives the gateway's counters.
func NewOtelMetrics() (Metrics, error) {
	meter := otel.Meter("github.com/vllora/gateway")
	requests, err := meter.Int64Counter("gateway.requests",
		metric.WithDescription("upstream requests dispatched"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: requests counter: %w", err)
	}
	cost, err := meter.Float64Counter("gateway.cost_usd",
		metric.WithDescription("accumulated request cost in USD"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: cost counter: %w", err)
	}
	return &otelMetrics{requests: requests, cost: cost}, nil
}

func (m *otelMetrics) RecordRequest(ctx context.Context, model, providerName string) {
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("provider", providerName),
	))
}

func (m *otelMetrics) RecordCost(ctx context.Context, model string, cost float64) {
	m.cost.Add(ctx, cost, metric.WithAttributes(attribute.String("model", model)))
}
