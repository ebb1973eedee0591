// Package coordinator runs a mesh node. A Node owns the coordination
// components and applies every mutation on a single mailbox goroutine: inbound
// frames, timer callbacks and public operations all pass through the same inbox.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/candlefish-ai/meshcoord/internal/auction"
	"github.com/candlefish-ai/meshcoord/internal/audit"
	"github.com/candlefish-ai/meshcoord/internal/consensus"
	"github.com/candlefish-ai/meshcoord/internal/consortium"
	"github.com/candlefish-ai/meshcoord/internal/negotiation"
	"github.com/candlefish-ai/meshcoord/internal/optimize"
	"github.com/candlefish-ai/meshcoord/internal/peer"
	"github.com/candlefish-ai/meshcoord/internal/registry"
	"github.com/candlefish-ai/meshcoord/internal/router"
	"github.com/candlefish-ai/meshcoord/internal/schedule"
	"github.com/candlefish-ai/meshcoord/internal/telemetry"
	"github.com/candlefish-ai/meshcoord/pkg/mesh"
)

var (
	// ErrStopped is returned by operations submitted after Run returned
	ErrStopped = errors.New("node stopped")
	// ErrAlreadyRunning is returned when Run is called twice
	ErrAlreadyRunning = errors.New("node already running")
	// ErrSelfAddressed is returned when a message would be sent to the local agent
	ErrSelfAddressed = errors.New("message addressed to the local agent")
	// ErrNotLocalAgent is returned for work addressed to an agent this node does not host
	ErrNotLocalAgent = errors.New("agent is not hosted by this node")
	// ErrSpoofedSender is returned when a payload names a sender other than the envelope's
	ErrSpoofedSender = errors.New("payload sender does not match envelope sender")
)

// Executor runs a task won at auction
type Executor interface {
	Execute(ctx context.Context, task mesh.ExecutePayload) error
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, task mesh.ExecutePayload) error

func (f ExecutorFunc) Execute(ctx context.Context, task mesh.ExecutePayload) error { return f(ctx, task) }

// NoopExecutor completes every task immediately
var NoopExecutor = ExecutorFunc(func(context.Context, mesh.ExecutePayload) error { return nil })

// Node is one coordinator in the mesh
type Node struct {
	cfg     Config
	localID string

	inbox   chan func()
	stopped chan struct{}
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	agents       *registry.AgentRegistry
	state        *consensus.Engine
	peers        *peer.Registry
	router       *router.Router
	auctions     *auction.Coordinator
	negotiations *negotiation.Coordinator
	consortiums  *consortium.Manager
	optimizer    *optimize.Supervisor
	journal      *audit.Logger
	metrics      *telemetry.Metrics
	msg          *messenger

	scheduler schedule.Scheduler
	executor  Executor
	policy    negotiation.Policy
	evaluator optimize.Evaluator
	dialer    peer.Dialer
	logger    *slog.Logger
	now       func() time.Time

	// peer ids that have delivered at least one frame; loop only
	knownPeers map[string]bool
	// consortium id -> lead for consortiums the local agent serves in; loop only
	memberships map[string]string
}

// Option configures a Node
type Option func(*Node)

// WithScheduler replaces the mailbox scheduler, e.g. with schedule.Manual in tests
func WithScheduler(s schedule.Scheduler) Option {
	return func(n *Node) { n.scheduler = s }
}

// WithExecutor sets the executor for tasks won at auction
func WithExecutor(e Executor) Option {
	return func(n *Node) { n.executor = e }
}

// WithPolicy sets how proposals to the local agent are answered
func WithPolicy(p negotiation.Policy) Option {
	return func(n *Node) { n.policy = p }
}

// WithEvaluator sets the optimization evaluator
func WithEvaluator(e optimize.Evaluator) Option {
	return func(n *Node) { n.evaluator = e }
}

// WithDialer sets the peer dialer
func WithDialer(d peer.Dialer) Option {
	return func(n *Node) { n.dialer = d }
}

// WithJournal sets the audit journal
func WithJournal(j *audit.Logger) Option {
	return func(n *Node) { n.journal = j }
}

// WithMetrics sets the metric instruments
func WithMetrics(m *telemetry.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(n *Node) { n.now = now }
}

// New creates a node hosting cfg.Agent. Call Run to start processing.
func New(cfg Config, opts ...Option) (*Node, error) {
	if cfg.Agent.ID == "" {
		return nil, fmt.Errorf("coordinator: agent id is required")
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:         cfg,
		localID:     cfg.Agent.ID,
		inbox:       make(chan func(), cfg.InboxSize),
		stopped:     make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		executor:    NoopExecutor,
		policy:      negotiation.DefaultPolicy,
		logger:      slog.Default(),
		now:         time.Now,
		knownPeers:  make(map[string]bool),
		memberships: make(map[string]string),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.scheduler == nil {
		n.scheduler = schedule.NewMailbox(n.post)
	}
	if n.journal == nil {
		n.journal = audit.NewLogger(audit.WithLogger(n.logger), audit.WithClock(n.now))
	}
	if n.dialer == nil {
		n.dialer = &peer.WSDialer{LocalID: n.localID, Logger: n.logger}
	}
	n.msg = &messenger{node: n}

	n.agents = registry.NewAgentRegistry()
	if _, err := n.agents.Register(cfg.Agent.Clone()); err != nil {
		cancel()
		return nil, fmt.Errorf("coordinator: register local agent: %w", err)
	}
	n.state = consensus.NewEngine()
	n.peers = peer.NewRegistry(n,
		peer.WithDialer(n.dialer),
		peer.WithRetry(cfg.Retry),
		peer.WithLogger(n.logger),
	)

	n.auctions = auction.New(n.localID, n.msg, n.agents, n.scheduler, cfg.Auction,
		auction.WithLogger(n.logger), auction.WithClock(n.now))
	n.negotiations = negotiation.New(n.localID, n.msg, n.scheduler, cfg.Negotiation,
		negotiation.WithPolicy(n.policy), negotiation.WithLogger(n.logger), negotiation.WithClock(n.now))
	n.consortiums = consortium.New(n.localID, n.agents, n.negotiations, cfg.Consortium,
		consortium.WithLogger(n.logger), consortium.WithClock(n.now))

	optOpts := []optimize.Option{optimize.WithLogger(n.logger), optimize.WithClock(n.now)}
	if n.evaluator != nil {
		optOpts = append(optOpts, optimize.WithEvaluator(n.evaluator))
	}
	n.optimizer = optimize.New(n.agents, n.scheduler, cfg.Optimization, optOpts...)

	n.router = router.New(n.localID,
		router.WithForwarder(n.forward),
		router.WithLiveness(n.touch),
		router.WithMetrics(n.metrics),
		router.WithLogger(n.logger),
		router.WithClock(n.now),
	)
	n.routes()
	n.listen()
	return n, nil
}

// Run processes the inbox until ctx is done. It also drives the heartbeat and
// consensus sync tickers. Peer channels are closed on return.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		close(n.stopped)
		n.cancel()
		n.peers.Close()
	}()

	heartbeat, stopHeartbeat := ticker(n.cfg.HeartbeatInterval)
	defer stopHeartbeat()
	syncTick, stopSync := ticker(n.cfg.SyncInterval)
	defer stopSync()

	n.logger.Info("coordinator: node started", "agent_id", n.localID)
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("coordinator: node stopped", "agent_id", n.localID)
			return nil
		case fn := <-n.inbox:
			fn()
		case <-heartbeat:
			n.Heartbeat()
		case <-syncTick:
			n.SyncState()
		}
	}
}

func ticker(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Do runs fn on the mailbox goroutine and waits for it to finish
func (n *Node) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}

	select {
	case n.inbox <- task:
	case <-n.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-n.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn for the mailbox goroutine. It must not be called from that goroutine.
func (n *Node) post(fn func()) {
	select {
	case n.inbox <- fn:
	case <-n.stopped:
	}
}

// LocalID returns the id of the hosted agent
func (n *Node) LocalID() string {
	return n.localID
}

// PeerRegistry returns the connection registry, for mounting the inbound upgrade handler
func (n *Node) PeerRegistry() *peer.Registry {
	return n.peers
}

// Journal returns the audit journal
func (n *Node) Journal() *audit.Logger {
	return n.journal
}

// ConnectToPeer dials address, registers the channel and announces the local agent
func (n *Node) ConnectToPeer(ctx context.Context, address string) (string, error) {
	peerID, err := n.peers.Connect(ctx, address)
	if err != nil {
		n.journal.Log(audit.EventPeer, n.localID, address, "peer connection failed", nil, false, err.Error())
		return "", err
	}
	n.journal.Log(audit.EventPeer, n.localID, peerID, "peer connected",
		map[string]any{"address": address}, true, "")

	if err := n.announce(); err != nil {
		return peerID, fmt.Errorf("announce to %s: %w", peerID, err)
	}
	return peerID, nil
}

// DisconnectPeer closes the channel to peerID
func (n *Node) DisconnectPeer(peerID string) error {
	return n.peers.Disconnect(peerID)
}

func (n *Node) announce() error {
	local, err := n.agents.GetAgent(n.localID)
	if err != nil {
		return err
	}
	return n.msg.Broadcast(mesh.MessageDiscover, mesh.DiscoverPayload{Agent: *local})
}

// SubmitQuery opens an auction for query
func (n *Node) SubmitQuery(ctx context.Context, query string, requirements []string) (string, error) {
	var id string
	var err error
	if doErr := n.Do(ctx, func() { id, err = n.auctions.SubmitQuery(query, requirements) }); doErr != nil {
		return "", doErr
	}
	return id, err
}

// Propose opens a negotiation from the local agent to recipient
func (n *Node) Propose(ctx context.Context, recipient string, typ mesh.NegotiationType, terms map[string]any) (string, error) {
	var id string
	var err error
	if doErr := n.Do(ctx, func() { id, err = n.negotiations.Propose(n.localID, recipient, typ, terms) }); doErr != nil {
		return "", doErr
	}
	return id, err
}

// Respond answers a negotiation held by the local agent
func (n *Node) Respond(ctx context.Context, id string, accept bool, counterTerms map[string]any) error {
	var err error
	if doErr := n.Do(ctx, func() { err = n.negotiations.Respond(id, accept, counterTerms) }); doErr != nil {
		return doErr
	}
	return err
}

// FormConsortium assembles a team for taskID led by the local agent
func (n *Node) FormConsortium(ctx context.Context, taskID string, required []string) (*mesh.Consortium, error) {
	var c *mesh.Consortium
	var err error
	if doErr := n.Do(ctx, func() { c, err = n.consortiums.Form(taskID, required) }); doErr != nil {
		return nil, doErr
	}
	return c, err
}

// UpdateConsortium applies a partial update to a consortium
func (n *Node) UpdateConsortium(ctx context.Context, id string, patch consortium.Patch) (*mesh.Consortium, error) {
	var c *mesh.Consortium
	var err error
	if doErr := n.Do(ctx, func() { c, err = n.consortiums.Update(id, patch) }); doErr != nil {
		return nil, doErr
	}
	return c, err
}

// StartOptimization starts a self-tuning run for an agent hosted by this node
func (n *Node) StartOptimization(ctx context.Context, agentID string, metric mesh.Metric) (*mesh.OptimizationRecord, error) {
	if agentID == "" {
		agentID = n.localID
	}
	if agentID != n.localID {
		return nil, fmt.Errorf("%w: %s", ErrNotLocalAgent, agentID)
	}
	var rec *mesh.OptimizationRecord
	var err error
	if doErr := n.Do(ctx, func() { rec, err = n.optimizer.Start(agentID, metric) }); doErr != nil {
		return nil, doErr
	}
	return rec, err
}

// RequestOptimization asks the node hosting agentID to optimize metric
func (n *Node) RequestOptimization(ctx context.Context, agentID string, metric mesh.Metric) error {
	if !metric.Valid() {
		return fmt.Errorf("%w: %q", optimize.ErrInvalidMetric, metric)
	}
	var err error
	if doErr := n.Do(ctx, func() {
		err = n.msg.Send(agentID, mesh.MessageOptimize, mesh.OptimizePayload{AgentID: agentID, Metric: metric})
	}); doErr != nil {
		return doErr
	}
	return err
}

// CancelOptimization rolls back a live optimization run
func (n *Node) CancelOptimization(ctx context.Context, id string) error {
	var err error
	if doErr := n.Do(ctx, func() { err = n.optimizer.Cancel(id) }); doErr != nil {
		return doErr
	}
	return err
}

// Publish writes a value into the replicated state on behalf of the local node
func (n *Node) Publish(ctx context.Context, key string, value any) error {
	return n.Do(ctx, func() { n.publish(key, value) })
}

// NetworkState returns a consistent snapshot of everything the node knows
func (n *Node) NetworkState(ctx context.Context) (*mesh.NetworkState, error) {
	var st *mesh.NetworkState
	if err := n.Do(ctx, func() { st = n.snapshot() }); err != nil {
		return nil, err
	}
	return st, nil
}

func (n *Node) snapshot() *mesh.NetworkState {
	agents := n.agents.Discover()
	var lastSync int64
	if ts := n.state.LastSync(); !ts.IsZero() {
		lastSync = ts.UnixMilli()
	}
	return &mesh.NetworkState{
		LocalAgentID:      n.localID,
		Agents:            agents,
		Negotiations:      n.negotiations.List(),
		Consortiums:       n.consortiums.List(),
		Optimizations:     n.optimizer.List(),
		ActiveBids:        n.auctions.ActiveBids(),
		NetworkHealth:     mesh.NetworkHealth(agents),
		ConsensusVersion:  n.state.Version(),
		LastSyncTimestamp: lastSync,
	}
}

// Agents returns the registered agents ordered by id
func (n *Node) Agents() []*mesh.Agent {
	return n.agents.Discover()
}

// Peers lists the registered peer channels
func (n *Node) Peers() []peer.PeerInfo {
	return n.peers.Peers()
}

// AuctionOutcomes returns the recent auction resolutions, oldest first
func (n *Node) AuctionOutcomes() []auction.Outcome {
	return n.auctions.Outcomes()
}

// ConsensusState returns a copy of the replicated key/value state
func (n *Node) ConsensusState() map[string]any {
	return n.state.State()
}

// Heartbeat broadcasts the local agent's self-report and marks silent agents as healing.
// Run calls it on every heartbeat tick.
func (n *Node) Heartbeat() {
	now := n.now()
	n.agents.Touch(n.localID, now)

	local, err := n.agents.GetAgent(n.localID)
	if err != nil {
		return
	}
	rep, wallet := local.Reputation, local.Wallet
	hb := mesh.HeartbeatPayload{
		Status:     local.Status,
		Health:     local.Health,
		Load:       local.Load,
		Reputation: &rep,
		Wallet:     &wallet,
	}
	if err := n.msg.Broadcast(mesh.MessageHeartbeat, hb); err != nil {
		n.logger.Warn("coordinator: heartbeat broadcast failed", "error", err)
	}

	if n.cfg.StaleAfter <= 0 {
		return
	}
	for _, id := range n.agents.MarkStale(now, n.cfg.StaleAfter, n.localID) {
		n.logger.Warn("coordinator: agent stale", "agent_id", id, "stale_after", n.cfg.StaleAfter)
		n.journal.Log(audit.EventAgentStale, id, n.localID, "agent silent past the stale window",
			map[string]any{"staleAfter": n.cfg.StaleAfter.String()}, false, "")
	}
}

// SyncState publishes the local agent into the replicated state and broadcasts a snapshot.
// Run calls it on every sync tick.
func (n *Node) SyncState() {
	n.publishLocal()
	if err := n.msg.Broadcast(mesh.MessageConsensus, n.state.Snapshot()); err != nil {
		n.logger.Warn("coordinator: consensus broadcast failed", "error", err)
	}
}

func (n *Node) publishLocal() {
	local, err := n.agents.GetAgent(n.localID)
	if err != nil {
		return
	}
	n.publish("agent/"+n.localID, map[string]any{
		"status": string(local.Status),
		"health": local.Health,
		"load":   local.Load,
	})
}

// publish skips writes that would not change the stored value so the clock only
// advances on real changes.
func (n *Node) publish(key string, value any) {
	if cur, ok := n.state.Get(key); ok && reflect.DeepEqual(cur, value) {
		return
	}
	n.state.UpdateLocal(key, value, n.localID)
}

// HandleFrame implements peer.Handler
func (n *Node) HandleFrame(peerID string, data []byte) {
	n.post(func() {
		if err := n.router.Dispatch(n.ctx, peerID, data); err != nil {
			n.logger.Debug("coordinator: frame not handled", "peer", peerID, "error", err)
		}
	})
}

// PeerLost implements peer.Handler
func (n *Node) PeerLost(peerID string, agentIDs []string) {
	n.post(func() { n.peerLost(peerID, agentIDs) })
}

func (n *Node) peerLost(peerID string, agentIDs []string) {
	if n.knownPeers[peerID] {
		delete(n.knownPeers, peerID)
		n.metrics.PeerConnected(n.ctx, -1)
	}
	n.journal.Log(audit.EventPeer, n.localID, peerID, "peer lost",
		map[string]any{"agents": agentIDs}, false, "")

	for _, id := range agentIDs {
		if id == n.localID {
			continue
		}
		if err := n.agents.Unregister(id); err != nil {
			continue
		}
		n.logger.Info("coordinator: agent left", "agent_id", id, "peer", peerID)
		n.journal.Log(audit.EventAgentLeave, id, n.localID, "agent unreachable after peer loss",
			map[string]any{"peer": peerID}, true, "")
	}

	lost := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		lost[id] = true
	}
	n.leaveConsortiums("lead unreachable", func(_, lead string) bool { return lost[lead] })
}

// touch is the router's liveness hook
func (n *Node) touch(peerID, agentID string, at time.Time) {
	if !n.knownPeers[peerID] {
		n.knownPeers[peerID] = true
		n.metrics.PeerConnected(n.ctx, 1)
	}
	n.peers.Bind(peerID, agentID)
	n.agents.Touch(agentID, at)
}

// forward relays an envelope addressed to another agent
func (n *Node) forward(ctx context.Context, in router.Inbound) error {
	return n.peers.SendToAgent(in.Envelope.To.AgentID(), in.Envelope)
}
