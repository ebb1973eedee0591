// Package router turns inbound peer frames into typed handler calls.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/candlefish-ai/meshcoord/internal/telemetry"
	"github.com/candlefish-ai/meshcoord/pkg/mesh"
)

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrExpired     = errors.New("envelope expired")
	ErrDuplicate   = errors.New("duplicate envelope")
	ErrLoopback    = errors.New("envelope from local agent")
	ErrUnknownType = errors.New("unknown message type")
)

// DefaultSeenCapacity bounds the duplicate filter
const DefaultSeenCapacity = 4096

// Inbound is an envelope together with the peer channel it arrived on
type Inbound struct {
	PeerID   string
	Envelope *mesh.Envelope
}

// Handler processes one message type
type Handler func(ctx context.Context, in Inbound) error

// Router parses, filters and dispatches envelopes. It is not safe for concurrent
// Dispatch calls; the coordinator loop is its only caller.
type Router struct {
	localID  string
	handlers map[mesh.MessageType]Handler
	seen     *seenSet

	forward  Handler
	liveness func(peerID, agentID string, at time.Time)

	metrics *telemetry.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Router
type Option func(*Router)

// WithForwarder handles envelopes addressed to another agent
func WithForwarder(h Handler) Option {
	return func(r *Router) { r.forward = h }
}

// WithLiveness is called for every well-formed envelope that passed the filters
func WithLiveness(fn func(peerID, agentID string, at time.Time)) Option {
	return func(r *Router) { r.liveness = fn }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithSeenCapacity sets how many envelope ids the duplicate filter remembers
func WithSeenCapacity(n int) Option {
	return func(r *Router) { r.seen = newSeenSet(n) }
}

// New creates a router for the agent localID
func New(localID string, opts ...Option) *Router {
	r := &Router{
		localID:  localID,
		handlers: make(map[mesh.MessageType]Handler),
		seen:     newSeenSet(DefaultSeenCapacity),
		tracer:   telemetry.Tracer(telemetry.ScopeName),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle registers the handler for a message type, replacing any previous one
func (r *Router) Handle(t mesh.MessageType, h Handler) {
	r.handlers[t] = h
}

// Dispatch routes one raw frame. Every refused frame is dropped without reply;
// the returned error says why.
func (r *Router) Dispatch(ctx context.Context, peerID string, data []byte) error {
	env, err := mesh.DecodeEnvelope(data)
	if err != nil {
		return r.drop(ctx, "malformed", peerID, nil, fmt.Errorf("%w: %v", ErrMalformed, err))
	}

	now := r.now()
	if env.Expired(now) {
		return r.drop(ctx, "expired", peerID, env, ErrExpired)
	}
	if env.From == r.localID {
		return r.drop(ctx, "loopback", peerID, env, ErrLoopback)
	}
	if !r.seen.Add(env.ID) {
		return r.drop(ctx, "duplicate", peerID, env, ErrDuplicate)
	}

	if r.liveness != nil {
		r.liveness(peerID, env.From, now)
	}

	in := Inbound{PeerID: peerID, Envelope: env}

	if !env.To.Includes(r.localID) {
		if r.forward == nil {
			return r.drop(ctx, "unroutable", peerID, env, nil)
		}
		r.metrics.MessageRouted(ctx, "forwarded")
		return r.forward(ctx, in)
	}

	h, ok := r.handlers[env.Type]
	if !env.Type.Known() || !ok {
		return r.drop(ctx, "unknown_type", peerID, env, fmt.Errorf("%w: %s", ErrUnknownType, env.Type))
	}

	ctx, span := r.tracer.Start(ctx, "router.dispatch "+string(env.Type),
		trace.WithAttributes(
			attribute.String("mesh.envelope_id", env.ID),
			attribute.String("mesh.from", env.From),
			attribute.String("mesh.peer", peerID),
		),
	)
	defer span.End()

	r.metrics.MessageRouted(ctx, string(env.Type))
	if err := h(ctx, in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("router: handler failed", "type", env.Type, "from", env.From, "error", err)
		return fmt.Errorf("%s handler: %w", env.Type, err)
	}
	return nil
}

func (r *Router) drop(ctx context.Context, reason, peerID string, env *mesh.Envelope, err error) error {
	r.metrics.MessageDropped(ctx, reason)
	attrs := []any{"reason", reason, "peer", peerID}
	if env != nil {
		attrs = append(attrs, "id", env.ID, "type", env.Type, "from", env.From)
	}
	r.logger.Debug("router: dropped envelope", attrs...)
	return err
}

// seenSet remembers the most recent envelope ids in insertion order
type seenSet struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	return &seenSet{
		ids:  make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// Add records id and reports whether it was new
func (s *seenSet) Add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
	return true
}
