package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the counters recorded by the coordinator. A nil *Metrics records nothing.
type Metrics struct {
	routed        metric.Int64Counter
	dropped       metric.Int64Counter
	auctions      metric.Int64Counter
	negotiations  metric.Int64Counter
	consortiums   metric.Int64Counter
	optimizations metric.Int64Counter
	peers         metric.Int64UpDownCounter
}

// NewMetrics creates the mesh instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.routed, err = meter.Int64Counter("mesh.messages.routed",
		metric.WithDescription("Envelopes dispatched to a handler")); err != nil {
		return nil, fmt.Errorf("telemetry: routed counter: %w", err)
	}
	if m.dropped, err = meter.Int64Counter("mesh.messages.dropped",
		metric.WithDescription("Envelopes dropped before dispatch")); err != nil {
		return nil, fmt.Errorf("telemetry: dropped counter: %w", err)
	}
	if m.auctions, err = meter.Int64Counter("mesh.auctions.resolved"); err != nil {
		return nil, fmt.Errorf("telemetry: auctions counter: %w", err)
	}
	if m.negotiations, err = meter.Int64Counter("mesh.negotiations.resolved"); err != nil {
		return nil, fmt.Errorf("telemetry: negotiations counter: %w", err)
	}
	if m.consortiums, err = meter.Int64Counter("mesh.consortiums.transitions"); err != nil {
		return nil, fmt.Errorf("telemetry: consortiums counter: %w", err)
	}
	if m.optimizations, err = meter.Int64Counter("mesh.optimizations.finished"); err != nil {
		return nil, fmt.Errorf("telemetry: optimizations counter: %w", err)
	}
	if m.peers, err = meter.Int64UpDownCounter("mesh.peers.connected"); err != nil {
		return nil, fmt.Errorf("telemetry: peers counter: %w", err)
	}
	return &m, nil
}

// MessageRouted counts an envelope handed to its handler
func (m *Metrics) MessageRouted(ctx context.Context, msgType string) {
	if m == nil {
		return
	}
	m.routed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

// MessageDropped counts an envelope the router refused
func (m *Metrics) MessageDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// AuctionResolved counts an auction outcome (winner, runner-up, no-bids, undelivered)
func (m *Metrics) AuctionResolved(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.auctions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) NegotiationResolved(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.negotiations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) ConsortiumTransition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.consortiums.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) OptimizationFinished(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.optimizations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// PeerConnected adjusts the connected peer gauge by delta
func (m *Metrics) PeerConnected(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.peers.Add(ctx, delta)
}
