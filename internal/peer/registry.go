package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/candlefish-ai/meshcoord/pkg/mesh"
)

var (
	// ErrPeerNotFound is returned when no channel is registered for a peer
	ErrPeerNotFound = errors.New("peer not found")
	// ErrNoRoute is returned when no channel is known to reach an agent
	ErrNoRoute = errors.New("no route to agent")
	// ErrChannelNotReady is returned when a channel is closed or closing
	ErrChannelNotReady = errors.New("channel not ready")
	// ErrSendQueueFull is returned when a channel's outbound buffer is full
	ErrSendQueueFull = errors.New("send queue full")
	// ErrDeliveryFailed is returned when a critical send exhausts its retries
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Channel is one duplex connection to a peer
type Channel interface {
	PeerID() string
	Address() string
	Ready() bool
	Start()
	Send(data []byte) error
	Close() error
}

// Sink receives what channels read
type Sink interface {
	Deliver(peerID string, data []byte)
	Closed(peerID string, ch Channel)
}

// Dialer opens outbound channels
type Dialer interface {
	Dial(ctx context.Context, peerID, address string, sink Sink) (Channel, error)
}

// Handler is notified of inbound frames and lost peers
type Handler interface {
	HandleFrame(peerID string, data []byte)
	PeerLost(peerID string, agentIDs []string)
}

// RetryConfig bounds critical sends
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
}

// DefaultRetryConfig returns the retry bounds used when none are configured
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxRetries:      4,
	}
}

// PeerInfo describes a registered channel
type PeerInfo struct {
	ID      string   `json:"id"`
	Address string   `json:"address"`
	Ready   bool     `json:"ready"`
	Agents  []string `json:"agents,omitempty"`
}

// Registry keeps one channel per peer and knows which peer reaches which agent
type Registry struct {
	channels map[string]Channel // peer id -> channel
	routes   map[string]string  // agent id -> peer id
	mu       sync.RWMutex

	dialer  Dialer
	handler Handler
	retry   RetryConfig
	logger  *slog.Logger
}

// Option configures a Registry
type Option func(*Registry)

// WithDialer sets the dialer used by Connect
func WithDialer(d Dialer) Option {
	return func(r *Registry) { r.dialer = d }
}

// WithRetry sets the critical send bounds
func WithRetry(cfg RetryConfig) Option {
	return func(r *Registry) { r.retry = cfg }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry delivering inbound frames to handler
func NewRegistry(handler Handler, opts ...Option) *Registry {
	r := &Registry{
		channels: make(map[string]Channel),
		routes:   make(map[string]string),
		dialer:   &WSDialer{},
		handler:  handler,
		retry:    DefaultRetryConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect dials address and registers the channel. Dial errors are returned as is.
func (r *Registry) Connect(ctx context.Context, address string) (string, error) {
	peerID := PeerIDFromAddress(address)
	if peerID == "" {
		return "", fmt.Errorf("invalid peer address %q", address)
	}

	r.mu.RLock()
	existing, ok := r.channels[peerID]
	r.mu.RUnlock()
	if ok && existing.Ready() {
		return peerID, nil
	}

	ch, err := r.dialer.Dial(ctx, peerID, address, r)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	r.Accept(ch)
	r.logger.Info("peer: connected", "peer", peerID, "address", address)
	return peerID, nil
}

// Accept registers a channel, replacing any previous channel for the same peer,
// and starts it.
func (r *Registry) Accept(ch Channel) {
	r.accept(ch, "")
}

func (r *Registry) accept(ch Channel, agentID string) {
	r.mu.Lock()
	old, ok := r.channels[ch.PeerID()]
	r.channels[ch.PeerID()] = ch
	if agentID != "" {
		r.routes[agentID] = ch.PeerID()
	}
	r.mu.Unlock()

	if ok && old != ch {
		old.Close()
	}
	ch.Start()
}

// Bind records that agentID is reachable through peerID
func (r *Registry) Bind(peerID, agentID string) {
	if peerID == "" || agentID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[peerID]; !ok {
		return
	}
	r.routes[agentID] = peerID
}

// Broadcast sends env to every ready channel and returns how many accepted it
func (r *Registry) Broadcast(env *mesh.Envelope) (int, error) {
	data, err := env.Encode()
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	targets := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		if ch.Ready() {
			targets = append(targets, ch)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, ch := range targets {
		if err := ch.Send(data); err != nil {
			r.logSendError(ch.PeerID(), env, err)
			continue
		}
		sent++
	}
	return sent, nil
}

// SendToAgent sends env over the channel that reaches agentID. It does not retry.
func (r *Registry) SendToAgent(agentID string, env *mesh.Envelope) error {
	ch, err := r.route(agentID)
	if err != nil {
		return err
	}
	if !ch.Ready() {
		return fmt.Errorf("%w: %s", ErrChannelNotReady, ch.PeerID())
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}
	return ch.Send(data)
}

// SendCritical retries SendToAgent with exponential backoff until it succeeds,
// the retries run out or ctx is done.
func (r *Registry) SendCritical(ctx context.Context, agentID string, env *mesh.Envelope) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialInterval
	b.MaxInterval = r.retry.MaxInterval
	b.MaxElapsedTime = 0

	var lastErr error
	attempts := 0
	op := func() error {
		attempts++
		err := r.SendToAgent(agentID, env)
		if err != nil && !errors.Is(err, ErrNoRoute) && !errors.Is(err, ErrChannelNotReady) && !errors.Is(err, ErrSendQueueFull) {
			return backoff.Permanent(err)
		}
		lastErr = err
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.retry.MaxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		r.logger.Warn("peer: critical send failed",
			"agent", agentID, "type", env.Type, "attempts", attempts, "error", lastErr)
		return fmt.Errorf("%w: %s after %d attempts: %v", ErrDeliveryFailed, agentID, attempts, lastErr)
	}
	return nil
}

// Disconnect closes the channel for peerID and forgets every agent bound to it
func (r *Registry) Disconnect(peerID string) error {
	r.mu.Lock()
	ch, ok := r.channels[peerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	delete(r.channels, peerID)
	agents := r.unbindLocked(peerID)
	r.mu.Unlock()

	ch.Close()
	r.logger.Info("peer: disconnected", "peer", peerID, "agents", len(agents))
	if r.handler != nil {
		r.handler.PeerLost(peerID, agents)
	}
	return nil
}

// Peers lists registered channels sorted by id
func (r *Registry) Peers() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bound := make(map[string][]string)
	for agentID, peerID := range r.routes {
		bound[peerID] = append(bound[peerID], agentID)
	}

	peers := make([]PeerInfo, 0, len(r.channels))
	for id, ch := range r.channels {
		agents := bound[id]
		sort.Strings(agents)
		peers = append(peers, PeerInfo{ID: id, Address: ch.Address(), Ready: ch.Ready(), Agents: agents})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Count returns the number of registered channels
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Close closes every channel
func (r *Registry) Close() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]Channel)
	r.routes = make(map[string]string)
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}

// Deliver implements Sink
func (r *Registry) Deliver(peerID string, data []byte) {
	if r.handler != nil {
		r.handler.HandleFrame(peerID, data)
	}
}

// Closed implements Sink. A channel that was already replaced or removed is ignored.
func (r *Registry) Closed(peerID string, ch Channel) {
	r.mu.Lock()
	current, ok := r.channels[peerID]
	if !ok || current != ch {
		r.mu.Unlock()
		return
	}
	delete(r.channels, peerID)
	agents := r.unbindLocked(peerID)
	r.mu.Unlock()

	r.logger.Info("peer: channel closed", "peer", peerID, "agents", len(agents))
	if r.handler != nil {
		r.handler.PeerLost(peerID, agents)
	}
}

func (r *Registry) route(agentID string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if peerID, ok := r.routes[agentID]; ok {
		if ch, ok := r.channels[peerID]; ok {
			return ch, nil
		}
	}
	// Inbound peers are keyed by the agent id they announced.
	if ch, ok := r.channels[agentID]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRoute, agentID)
}

func (r *Registry) unbindLocked(peerID string) []string {
	var agents []string
	for agentID, p := range r.routes {
		if p == peerID {
			agents = append(agents, agentID)
			delete(r.routes, agentID)
		}
	}
	sort.Strings(agents)
	return agents
}

func (r *Registry) logSendError(peerID string, env *mesh.Envelope, err error) {
	if isClosedErr(err) {
		r.logger.Debug("peer: skipped closed channel", "peer", peerID, "type", env.Type)
		return
	}
	r.logger.Warn("peer: send failed", "peer", peerID, "type", env.Type, "error", err)
}
