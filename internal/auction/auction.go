// Package auction runs sealed single-round auctions that allocate queries to peers.
package auction

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
	ErrUnknownQuery = errors.New("unknown or closed query")
	ErrInvalidBid   = errors.New("invalid bid")
	ErrDuplicateBid = errors.New("agent already bid on query")
	ErrEmptyQuery   = errors.New("query is empty")
	ErrNoBids       = errors.New("no bids received")
)

// Messenger delivers outbound protocol messages
type Messenger interface {
	Broadcast(typ mesh.MessageType, payload any) error
	Send(to string, typ mesh.MessageType, payload any) error
	SendCritical(to string, typ mesh.MessageType, payload any, onFail func(error))
}

// ReputationSource looks up an agent's trust score
type ReputationSource interface {
	TrustScore(agentID string) (float64, bool)
}

// OutcomeKind describes how an auction resolved
type OutcomeKind string

const (
	OutcomeWinner      OutcomeKind = "winner"
	OutcomeRunnerUp    OutcomeKind = "runner-up"
	OutcomeNoBids      OutcomeKind = "no-bids"
	OutcomeUndelivered OutcomeKind = "undelivered"
)

// Outcome is the resolution of one query
type Outcome struct {
	QueryID    string      `json:"queryId"`
	Query      string      `json:"query"`
	Kind       OutcomeKind `json:"kind"`
	Bid        *mesh.Bid   `json:"bid,omitempty"`
	Score      float64     `json:"score,omitempty"`
	Bids       int         `json:"bids"`
	ResolvedAt int64       `json:"resolvedAt"`
	Error      string      `json:"error,omitempty"`
}

// Config controls auction timing
type Config struct {
	// BidWindow is how long bids are collected after the first one arrives.
	BidWindow time.Duration
	// BidDeadline resolves queries that never receive a bid.
	BidDeadline time.Duration
	// History caps the number of outcomes kept for snapshots.
	History int
}

// DefaultConfig returns the standard auction timing
func DefaultConfig() Config {
	return Config{
		BidWindow:   time.Second,
		BidDeadline: 5 * time.Second,
		History:     100,
	}
}

type openQuery struct {
	id           string
	text         string
	requirements []string
	bids         []mesh.Bid
	window       schedule.Timer
	deadline     schedule.Timer
}

// Coordinator collects bids per query and notifies the winner
type Coordinator struct {
	localID    string
	messenger  Messenger
	reputation ReputationSource
	scheduler  schedule.Scheduler
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	queries   map[string]*openQuery
	outcomes  []Outcome
	listeners []func(Outcome)
}

// Option configures a Coordinator
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates an auction coordinator for the local agent
func New(localID string, messenger Messenger, reputation ReputationSource, scheduler schedule.Scheduler, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		localID:    localID,
		messenger:  messenger,
		reputation: reputation,
		scheduler:  scheduler,
		cfg:        cfg,
		logger:     slog.Default(),
		now:        time.Now,
		queries:    make(map[string]*openQuery),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnOutcome registers a listener called for every resolution
func (c *Coordinator) OnOutcome(fn func(Outcome)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// SubmitQuery opens an auction and broadcasts the bid request. It returns immediately.
func (c *Coordinator) SubmitQuery(query string, requirements []string) (string, error) {
	if query == "" {
		return "", ErrEmptyQuery
	}

	q := &openQuery{
		id:           uuid.New().String(),
		text:         query,
		requirements: append([]string(nil), requirements...),
	}
	deadline := c.now().Add(c.cfg.BidDeadline)

	c.mu.Lock()
	c.queries[q.id] = q
	c.mu.Unlock()

	req := mesh.BidPayload{
		Kind: mesh.BidKindRequest,
		Request: &mesh.BidRequest{
			QueryID:      q.id,
			Query:        query,
			Requirements: q.requirements,
			Requester:    c.localID,
			Deadline:     deadline.UnixMilli(),
		},
	}
	if err := c.messenger.Broadcast(mesh.MessageBid, req); err != nil {
		c.mu.Lock()
		delete(c.queries, q.id)
		c.mu.Unlock()
		return "", fmt.Errorf("failed to broadcast bid request: %w", err)
	}

	queryID := q.id
	c.mu.Lock()
	q.deadline = c.scheduler.After(c.cfg.BidDeadline, func() { c.expire(queryID) })
	c.mu.Unlock()

	c.logger.Info("auction: query submitted", "query_id", q.id, "requirements", q.requirements)
	return q.id, nil
}

// HandleBid records an offer. The first bid on a query starts the selection window.
func (c *Coordinator) HandleBid(bid mesh.Bid) error {
	if bid.QueryID == "" || bid.AgentID == "" {
		return fmt.Errorf("%w: missing query or agent", ErrInvalidBid)
	}
	if bid.Confidence < 0 || bid.Confidence > 100 {
		return fmt.Errorf("%w: confidence %.1f out of range", ErrInvalidBid, bid.Confidence)
	}
	if bid.EstimatedTimeMs < 0 {
		return fmt.Errorf("%w: negative estimated time", ErrInvalidBid)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queries[bid.QueryID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuery, bid.QueryID)
	}
	for _, b := range q.bids {
		if b.AgentID == bid.AgentID {
			return fmt.Errorf("%w: %s", ErrDuplicateBid, bid.AgentID)
		}
	}

	q.bids = append(q.bids, bid)
	if len(q.bids) == 1 {
		queryID := q.id
		q.window = c.scheduler.After(c.cfg.BidWindow, func() { c.SelectWinner(queryID) })
	}
	c.logger.Debug("auction: bid received", "query_id", bid.QueryID, "agent", bid.AgentID, "bids", len(q.bids))
	return nil
}

// Score rates a bid: 0.4*confidence + 0.4*trust + 20*(1000/estimatedMs)
func Score(bid mesh.Bid, trust float64) float64 {
	est := bid.EstimatedTimeMs
	if est < 1 {
		est = 1
	}
	return 0.4*bid.Confidence + 0.4*trust + 20*(1000/float64(est))
}

// Score rates a bid with the bidder's known trust score, 50 when unknown
func (c *Coordinator) Score(bid mesh.Bid) float64 {
	trust := mesh.DefaultTrustScore
	if c.reputation != nil {
		if t, ok := c.reputation.TrustScore(bid.AgentID); ok {
			trust = t
		}
	}
	return Score(bid, trust)
}

type ranked struct {
	bid   mesh.Bid
	score float64
}

// SelectWinner closes the query and notifies the best bidder. Ties go to the bid
// submitted first. A query without bids resolves with OutcomeNoBids and ErrNoBids.
func (c *Coordinator) SelectWinner(queryID string) (Outcome, error) {
	c.mu.Lock()
	q, ok := c.queries[queryID]
	if !ok {
		c.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownQuery, queryID)
	}
	delete(c.queries, queryID)
	if q.window != nil {
		q.window.Stop()
	}
	if q.deadline != nil {
		q.deadline.Stop()
	}
	c.mu.Unlock()

	if len(q.bids) == 0 {
		out := c.resolve(Outcome{QueryID: q.id, Query: q.text, Kind: OutcomeNoBids, Error: ErrNoBids.Error()})
		c.logger.Info("auction: no bids", "query_id", q.id)
		return out, ErrNoBids
	}

	// Stable sort keeps submission order among equal scores.
	order := make([]ranked, len(q.bids))
	for i, b := range q.bids {
		order[i] = ranked{bid: b, score: c.Score(b)}
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].score > order[j].score })

	winner := order[0]
	out := c.resolve(Outcome{
		QueryID: q.id,
		Query:   q.text,
		Kind:    OutcomeWinner,
		Bid:     &winner.bid,
		Score:   winner.score,
		Bids:    len(q.bids),
	})
	c.logger.Info("auction: winner selected",
		"query_id", q.id, "agent", winner.bid.AgentID, "score", winner.score, "bids", len(q.bids))

	c.notify(q, order, 0)
	return out, nil
}

// notify sends execute to order[i]; on persistent failure the next bidder is tried once.
func (c *Coordinator) notify(q *openQuery, order []ranked, i int) {
	target := order[i]
	payload := mesh.ExecutePayload{
		QueryID:      q.id,
		Query:        q.text,
		Requirements: q.requirements,
		Score:        target.score,
		Bid:          target.bid,
	}
	c.messenger.SendCritical(target.bid.AgentID, mesh.MessageExecute, payload, func(err error) {
		c.logger.Warn("auction: execute not delivered", "query_id", q.id, "agent", target.bid.AgentID, "error", err)
		if i == 0 && len(order) > 1 {
			next := order[1]
			c.resolve(Outcome{QueryID: q.id, Query: q.text, Kind: OutcomeRunnerUp, Bid: &next.bid, Score: next.score, Bids: len(order)})
			c.notify(q, order, 1)
			return
		}
		c.resolve(Outcome{QueryID: q.id, Query: q.text, Kind: OutcomeUndelivered, Bid: &target.bid, Score: target.score, Bids: len(order), Error: err.Error()})
	})
}

// expire resolves a query that reached its deadline without bids
func (c *Coordinator) expire(queryID string) {
	c.mu.RLock()
	q, ok := c.queries[queryID]
	empty := ok && len(q.bids) == 0
	c.mu.RUnlock()
	if empty {
		c.SelectWinner(queryID)
	}
}

func (c *Coordinator) resolve(out Outcome) Outcome {
	out.ResolvedAt = c.now().UnixMilli()

	c.mu.Lock()
	c.outcomes = append(c.outcomes, out)
	if c.cfg.History > 0 && len(c.outcomes) > c.cfg.History {
		c.outcomes = c.outcomes[len(c.outcomes)-c.cfg.History:]
	}
	listeners := append([]func(Outcome){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(out)
	}
	return out
}

// ActiveBids returns the bids collected so far for every open query
func (c *Coordinator) ActiveBids() map[string][]mesh.Bid {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string][]mesh.Bid, len(c.queries))
	for id, q := range c.queries {
		out[id] = append([]mesh.Bid{}, q.bids...)
	}
	return out
}

// Outcomes returns resolved auctions, oldest first
func (c *Coordinator) Outcomes() []Outcome {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Outcome(nil), c.outcomes...)
}

// Open reports whether a query is still collecting bids
func (c *Coordinator) Open(queryID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.queries[queryID]
	return ok
}
