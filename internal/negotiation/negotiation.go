// Package negotiation runs bilateral propose/respond exchanges between agents.
//
// A negotiation moves proposed -> negotiating -> accepted | rejected and only on
// received responses, local answers or the response timeout. Terminal records
// are never mutated.
package negotiation

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/candlefish-ai/meshcoord/internal/schedule"
	"github.com/candlefish-ai/meshcoord/pkg/mesh"
)

var (
	ErrNotFound           = errors.New("negotiation not found")
	ErrDuplicate          = errors.New("negotiation already exists")
	ErrInvalidNegotiation = errors.New("invalid negotiation")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrTerminal           = errors.New("negotiation already resolved")
	ErrNotParty           = errors.New("agent is not a party to the negotiation")
	ErrOwnOffer           = errors.New("agent cannot accept its own offer")
)

// ReasonTimeout is recorded when no response arrives in time
const ReasonTimeout = "response timeout"

// Messenger delivers outbound protocol messages
type Messenger interface {
	Send(to string, typ mesh.MessageType, payload any) error
	SendCritical(to string, typ mesh.MessageType, payload any, onFail func(error))
}

// Decision is a policy's answer to an inbound proposal
type Decision struct {
	Status mesh.NegotiationStatus
	Terms  map[string]any
	Reason string
}

// Policy decides proposals addressed to the local agent
type Policy interface {
	Decide(n *mesh.Negotiation) Decision
}

// PolicyFunc adapts a function to Policy
type PolicyFunc func(n *mesh.Negotiation) Decision

func (f PolicyFunc) Decide(n *mesh.Negotiation) Decision { return f(n) }

// DefaultPolicy accepts consortium invitations and holds everything else in
// negotiating until Respond is called.
var DefaultPolicy = PolicyFunc(func(n *mesh.Negotiation) Decision {
	if n.Type == mesh.NegotiationConsortiumFormation {
		return Decision{Status: mesh.NegotiationAccepted}
	}
	return Decision{Status: mesh.NegotiationNegotiating}
})

// Config controls negotiation timing
type Config struct {
	ResponseTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{ResponseTimeout: 10 * time.Second}
}

// Coordinator owns every negotiation this node knows about
type Coordinator struct {
	localID   string
	messenger Messenger
	scheduler schedule.Scheduler
	policy    Policy
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu           sync.RWMutex
	negotiations map[string]*mesh.Negotiation
	timers       map[string]schedule.Timer
	listeners    []func(*mesh.Negotiation)
}

// Option configures a Coordinator
type Option func(*Coordinator)

func WithPolicy(p Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a negotiation coordinator for the local agent
func New(localID string, messenger Messenger, scheduler schedule.Scheduler, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		localID:      localID,
		messenger:    messenger,
		scheduler:    scheduler,
		policy:       DefaultPolicy,
		cfg:          cfg,
		logger:       slog.Default(),
		now:          time.Now,
		negotiations: make(map[string]*mesh.Negotiation),
		timers:       make(map[string]schedule.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnResolved registers a listener for negotiations reaching accepted or rejected.
// Listeners run on a later scheduler turn, never inside the call that resolved it.
func (c *Coordinator) OnResolved(fn func(*mesh.Negotiation)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Propose creates a negotiation in status proposed and starts the exchange
func (c *Coordinator) Propose(initiator, recipient string, typ mesh.NegotiationType, terms map[string]any) (string, error) {
	now := c.now().UnixMilli()
	n := &mesh.Negotiation{
		ID:          uuid.New().String(),
		Initiator:   initiator,
		Recipient:   recipient,
		Type:        typ,
		Status:      mesh.NegotiationProposed,
		Terms:       copyTerms(terms),
		LastOfferBy: initiator,
		Timestamp:   now,
		UpdatedAt:   now,
	}
	if err := validate(n); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.negotiations[n.ID] = n
	c.mu.Unlock()

	c.logger.Info("negotiation: proposed",
		"negotiation_id", n.ID, "type", typ, "initiator", initiator, "recipient", recipient)
	c.start(n.Clone())
	return n.ID, nil
}

// HandleProposal stores a proposal received from a peer and starts the exchange
func (c *Coordinator) HandleProposal(in mesh.Negotiation) error {
	n := in.Clone()
	if n.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidNegotiation)
	}
	if err := validate(n); err != nil {
		return err
	}
	now := c.now().UnixMilli()
	n.Status = mesh.NegotiationProposed
	n.LastOfferBy = n.Initiator
	if n.Timestamp == 0 {
		n.Timestamp = now
	}
	n.UpdatedAt = now

	c.mu.Lock()
	if _, exists := c.negotiations[n.ID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, n.ID)
	}
	c.negotiations[n.ID] = n
	c.mu.Unlock()

	c.logger.Info("negotiation: proposal received",
		"negotiation_id", n.ID, "type", n.Type, "initiator", n.Initiator, "recipient", n.Recipient)
	c.start(n.Clone())
	return nil
}

// start drives a freshly stored proposal depending on which side we are on
func (c *Coordinator) start(n *mesh.Negotiation) {
	switch {
	case n.Recipient == c.localID:
		c.decide(n)
	case n.Initiator == c.localID:
		c.armTimeout(n.ID)
		payload := mesh.NegotiatePayload{Kind: mesh.NegotiateKindPropose, Negotiation: n}
		c.messenger.SendCritical(n.Recipient, mesh.MessageNegotiate, payload, func(err error) {
			c.Transition(n.ID, mesh.NegotiationRejected, nil, "undeliverable: "+err.Error())
		})
	default:
		// Between two remote agents we only relay.
		payload := mesh.NegotiatePayload{Kind: mesh.NegotiateKindPropose, Negotiation: n}
		if err := c.messenger.Send(n.Recipient, mesh.MessageNegotiate, payload); err != nil {
			c.logger.Debug("negotiation: relay skipped", "negotiation_id", n.ID, "error", err)
		}
	}
}

// decide applies the policy to a proposal addressed to the local agent
func (c *Coordinator) decide(n *mesh.Negotiation) {
	d := c.policy.Decide(n)
	switch d.Status {
	case mesh.NegotiationAccepted, mesh.NegotiationRejected, mesh.NegotiationNegotiating:
	default:
		d = Decision{Status: mesh.NegotiationNegotiating}
	}

	if err := c.transition(n.ID, d.Status, d.Terms, d.Reason, c.localID); err != nil {
		c.logger.Warn("negotiation: policy decision not applied", "negotiation_id", n.ID, "error", err)
		return
	}
	if !d.Status.Terminal() {
		c.armTimeout(n.ID)
	}
	c.respond(n.ID, n.Initiator, d.Status, d.Terms, d.Reason)
}

// Respond answers a negotiation on behalf of the local agent. Counter terms
// without acceptance keep the negotiation open.
func (c *Coordinator) Respond(id string, accept bool, counterTerms map[string]any) error {
	c.mu.RLock()
	n, ok := c.negotiations[id]
	var counterparty string
	if ok {
		switch c.localID {
		case n.Recipient:
			counterparty = n.Initiator
		case n.Initiator:
			counterparty = n.Recipient
		}
	}
	c.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if counterparty == "" {
		return fmt.Errorf("%w: %s", ErrNotParty, c.localID)
	}

	status := mesh.NegotiationRejected
	switch {
	case accept:
		status = mesh.NegotiationAccepted
	case counterTerms != nil:
		status = mesh.NegotiationNegotiating
	}

	if err := c.transition(id, status, counterTerms, "", c.localID); err != nil {
		return err
	}
	if !status.Terminal() {
		c.armTimeout(id)
	}
	c.respond(id, counterparty, status, counterTerms, "")
	return nil
}

// HandleResponse applies a response received from a peer
func (c *Coordinator) HandleResponse(resp mesh.NegotiationResponse) error {
	c.mu.RLock()
	n, ok := c.negotiations[resp.NegotiationID]
	party := ok && (resp.From == n.Initiator || resp.From == n.Recipient)
	local := ok && (n.Initiator == c.localID || n.Recipient == c.localID)
	c.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, resp.NegotiationID)
	}
	if !party {
		return fmt.Errorf("%w: %s", ErrNotParty, resp.From)
	}

	if err := c.transition(resp.NegotiationID, resp.Status, resp.Terms, resp.Reason, resp.From); err != nil {
		return err
	}
	if local && !resp.Status.Terminal() {
		c.armTimeout(resp.NegotiationID)
	}
	return nil
}

// Transition moves a negotiation forward, merging terms and recording the reason.
func (c *Coordinator) Transition(id string, status mesh.NegotiationStatus, terms map[string]any, reason string) error {
	return c.transition(id, status, terms, reason, "")
}

// transition applies a move made by actor. Accepting requires the other
// party's offer to be on the table; new terms make actor the last offerer.
// An empty actor is a local decision such as a timeout.
func (c *Coordinator) transition(id string, status mesh.NegotiationStatus, terms map[string]any, reason, actor string) error {
	c.mu.Lock()
	n, ok := c.negotiations[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if n.Status.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, n.Status)
	}
	if !n.Status.CanTransition(status) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, status)
	}
	if actor != "" && status == mesh.NegotiationAccepted && actor == n.LastOfferBy {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOwnOffer, actor)
	}

	n.Status = status
	if actor != "" && status == mesh.NegotiationNegotiating && len(terms) > 0 {
		n.LastOfferBy = actor
	}
	n.UpdatedAt = c.now().UnixMilli()
	if len(terms) > 0 {
		if n.Terms == nil {
			n.Terms = make(map[string]any, len(terms))
		}
		for k, v := range terms {
			n.Terms[k] = v
		}
	}
	if reason != "" {
		n.Reason = reason
	}

	var resolved *mesh.Negotiation
	var listeners []func(*mesh.Negotiation)
	if status.Terminal() {
		if t, ok := c.timers[id]; ok {
			t.Stop()
			delete(c.timers, id)
		}
		resolved = n.Clone()
		listeners = append(listeners, c.listeners...)
	}
	c.mu.Unlock()

	c.logger.Info("negotiation: status changed", "negotiation_id", id, "status", status, "reason", reason)
	if resolved != nil && len(listeners) > 0 {
		c.scheduler.After(0, func() {
			for _, fn := range listeners {
				fn(resolved)
			}
		})
	}
	return nil
}

func (c *Coordinator) respond(id, to string, status mesh.NegotiationStatus, terms map[string]any, reason string) {
	payload := mesh.NegotiatePayload{
		Kind: mesh.NegotiateKindRespond,
		Response: &mesh.NegotiationResponse{
			NegotiationID: id,
			From:          c.localID,
			Status:        status,
			Terms:         copyTerms(terms),
			Reason:        reason,
		},
	}
	c.messenger.SendCritical(to, mesh.MessageNegotiate, payload, func(err error) {
		c.logger.Warn("negotiation: response not delivered", "negotiation_id", id, "to", to, "error", err)
	})
}

// armTimeout (re)starts the response timer; when it fires the negotiation is rejected
func (c *Coordinator) armTimeout(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timers[id]; ok {
		t.Stop()
	}
	c.timers[id] = c.scheduler.After(c.cfg.ResponseTimeout, func() { c.expire(id) })
}

func (c *Coordinator) expire(id string) {
	c.mu.Lock()
	n, ok := c.negotiations[id]
	live := ok && !n.Status.Terminal()
	if live {
		delete(c.timers, id)
	}
	c.mu.Unlock()

	if !live {
		return
	}
	c.logger.Info("negotiation: timed out", "negotiation_id", id)
	c.Transition(id, mesh.NegotiationRejected, nil, ReasonTimeout)
}

// Get returns a copy of one negotiation
func (c *Coordinator) Get(id string) (*mesh.Negotiation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.negotiations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n.Clone(), nil
}

// List returns copies of every negotiation, oldest first
func (c *Coordinator) List() []*mesh.Negotiation {
	c.mu.RLock()
	out := make([]*mesh.Negotiation, 0, len(c.negotiations))
	for _, n := range c.negotiations {
		out = append(out, n.Clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func validate(n *mesh.Negotiation) error {
	switch {
	case n.Initiator == "" || n.Recipient == "":
		return fmt.Errorf("%w: missing party", ErrInvalidNegotiation)
	case n.Initiator == n.Recipient:
		return fmt.Errorf("%w: initiator and recipient are the same agent", ErrInvalidNegotiation)
	case !n.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidNegotiation, n.Type)
	}
	return nil
}

func copyTerms(terms map[string]any) map[string]any {
	if terms == nil {
		return nil
	}
	out := make(map[string]any, len(terms))
	for k, v := range terms {
		out[k] = v
	}
	return out
}
