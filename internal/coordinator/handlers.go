package coordinator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/candlefish-ai/meshcoord/internal/auction"
	"github.com/candlefish-ai/meshcoord/internal/audit"
	"github.com/candlefish-ai/meshcoord/internal/router"
	"github.com/candlefish-ai/meshcoord/pkg/mesh"
)

const (
	// defaultEstimateMs is offered when the local agent has no response history
	defaultEstimateMs = 500.0
	trustReward       = 2.0
	trustPenalty      = 5.0
)

func (n *Node) routes() {
	n.router.Handle(mesh.MessageHeartbeat, n.handleHeartbeat)
	n.router.Handle(mesh.MessageDiscover, n.handleDiscover)
	n.router.Handle(mesh.MessageBid, n.handleBid)
	n.router.Handle(mesh.MessageExecute, n.handleExecute)
	n.router.Handle(mesh.MessageNegotiate, n.handleNegotiate)
	n.router.Handle(mesh.MessageConsensus, n.handleConsensus)
	n.router.Handle(mesh.MessageOptimize, n.handleOptimize)
}

// listen feeds component events into the journal, the metrics and the replicated state
func (n *Node) listen() {
	n.auctions.OnOutcome(func(out auction.Outcome) {
		n.metrics.AuctionResolved(n.ctx, string(out.Kind))
		winner := ""
		if out.Bid != nil {
			winner = out.Bid.AgentID
		}
		success := out.Kind == auction.OutcomeWinner || out.Kind == auction.OutcomeRunnerUp
		n.journal.Log(audit.EventAuction, n.localID, winner, "auction resolved: "+string(out.Kind),
			map[string]any{"queryId": out.QueryID, "query": out.Query, "bids": out.Bids, "score": out.Score},
			success, out.Error)
	})

	n.negotiations.OnResolved(func(neg *mesh.Negotiation) {
		n.metrics.NegotiationResolved(n.ctx, string(neg.Status))
		n.journal.Log(audit.EventNegotiation, neg.Initiator, neg.Recipient, "negotiation "+string(neg.Status),
			map[string]any{"negotiationId": neg.ID, "type": string(neg.Type)},
			neg.Status == mesh.NegotiationAccepted, neg.Reason)
		n.consortiums.HandleResolution(neg)
		n.joinConsortium(neg)
	})

	n.consortiums.OnChange(func(c *mesh.Consortium) {
		n.metrics.ConsortiumTransition(n.ctx, string(c.Status))
		n.journal.Log(audit.EventConsortium, c.Lead, "", "consortium "+string(c.Status),
			map[string]any{"consortiumId": c.ID, "taskId": c.TaskID, "members": c.Members},
			c.Status != mesh.ConsortiumDissolved, "")
		n.publish("consortium/"+c.ID, string(c.Status))
	})

	n.optimizer.OnFinished(func(rec *mesh.OptimizationRecord) {
		n.metrics.OptimizationFinished(n.ctx, string(rec.Status))
		n.journal.Log(audit.EventOptimization, rec.AgentID, "", "optimization "+string(rec.Status),
			map[string]any{"optimizationId": rec.ID, "metric": string(rec.Metric), "improvement": rec.Improvement},
			rec.Status == mesh.OptimizationDeployed, n.optimizer.Reason(rec.ID))
		n.publishLocal()
	})
}

func (n *Node) handleHeartbeat(_ context.Context, in router.Inbound) error {
	var hb mesh.HeartbeatPayload
	if err := in.Envelope.DecodePayload(&hb); err != nil {
		return err
	}
	n.agents.ApplyHeartbeat(in.Envelope.From, hb)
	return nil
}

// handleDiscover registers the described agent and answers newcomers with the
// local description so both sides learn about each other.
func (n *Node) handleDiscover(_ context.Context, in router.Inbound) error {
	var p mesh.DiscoverPayload
	if err := in.Envelope.DecodePayload(&p); err != nil {
		return err
	}
	agent := p.Agent
	if agent.ID == "" {
		agent.ID = in.Envelope.From
	}
	if agent.ID == n.localID {
		return nil
	}

	isNew, err := n.agents.Register(&agent)
	if err != nil {
		return err
	}
	n.peers.Bind(in.PeerID, agent.ID)
	if !isNew {
		return nil
	}

	n.logger.Info("coordinator: agent discovered", "agent_id", agent.ID, "peer", in.PeerID,
		"capabilities", len(agent.Capabilities))
	n.journal.Log(audit.EventAgentJoin, agent.ID, n.localID, "agent discovered",
		map[string]any{"peer": in.PeerID, "capabilities": len(agent.Capabilities)}, true, "")

	local, err := n.agents.GetAgent(n.localID)
	if err != nil {
		return err
	}
	return n.msg.Send(agent.ID, mesh.MessageDiscover, mesh.DiscoverPayload{Agent: *local})
}

func (n *Node) handleBid(_ context.Context, in router.Inbound) error {
	var p mesh.BidPayload
	if err := in.Envelope.DecodePayload(&p); err != nil {
		return err
	}

	switch p.Kind {
	case mesh.BidKindRequest:
		if p.Request == nil {
			return fmt.Errorf("%w: bid request without body", mesh.ErrInvalidEnvelope)
		}
		req := *p.Request
		if req.Requester == "" {
			req.Requester = in.Envelope.From
		}
		return n.offer(req)
	case mesh.BidKindOffer:
		if p.Offer == nil {
			return fmt.Errorf("%w: bid offer without body", mesh.ErrInvalidEnvelope)
		}
		offer := *p.Offer
		if offer.AgentID == "" {
			offer.AgentID = in.Envelope.From
		}
		return n.auctions.HandleBid(offer)
	}
	return fmt.Errorf("%w: unknown bid kind %q", mesh.ErrInvalidEnvelope, p.Kind)
}

// offer answers a bid request when the local agent is idle and has a matching capability
func (n *Node) offer(req mesh.BidRequest) error {
	if req.Deadline > 0 && n.now().UnixMilli() > req.Deadline {
		return nil
	}
	local, err := n.agents.GetAgent(n.localID)
	if err != nil {
		return err
	}
	if local.Status != mesh.StatusIdle {
		n.logger.Debug("coordinator: skipping bid request while busy", "query_id", req.QueryID, "status", local.Status)
		return nil
	}
	best, ok := local.BestCapability(req.Requirements)
	if !ok {
		return nil
	}

	bid := mesh.Bid{
		QueryID:         req.QueryID,
		AgentID:         n.localID,
		Confidence:      offerConfidence(best, local),
		EstimatedTimeMs: offerEstimate(local),
	}
	n.logger.Info("coordinator: bidding", "query_id", req.QueryID, "requester", req.Requester,
		"confidence", bid.Confidence, "estimated_ms", bid.EstimatedTimeMs)
	return n.msg.Send(req.Requester, mesh.MessageBid, mesh.BidPayload{Kind: mesh.BidKindOffer, Offer: &bid})
}

// offerConfidence blends capability performance with current health
func offerConfidence(c mesh.Capability, a *mesh.Agent) float64 {
	return math.Max(0, math.Min(100, 0.7*c.Performance+0.3*a.Health))
}

// offerEstimate scales the average response time by current load
func offerEstimate(a *mesh.Agent) int64 {
	base := a.Reputation.AvgResponseTime
	if base <= 0 {
		base = defaultEstimateMs
	}
	return int64(math.Round(base * (1 + a.Load/100)))
}

// handleExecute runs a task the local agent won. The executor runs off the
// mailbox goroutine and its result is posted back.
func (n *Node) handleExecute(_ context.Context, in router.Inbound) error {
	var task mesh.ExecutePayload
	if err := in.Envelope.DecodePayload(&task); err != nil {
		return err
	}
	if task.Bid.AgentID != "" && task.Bid.AgentID != n.localID {
		return fmt.Errorf("%w: %s", ErrNotLocalAgent, task.Bid.AgentID)
	}
	if err := n.agents.UpdateStatus(n.localID, mesh.StatusExecuting); err != nil {
		return err
	}

	n.logger.Info("coordinator: executing task", "query_id", task.QueryID, "requester", in.Envelope.From)
	n.journal.Log(audit.EventExecute, in.Envelope.From, n.localID, "task accepted",
		map[string]any{"queryId": task.QueryID, "query": task.Query}, true, "")

	started := n.now()
	go func() {
		err := n.executor.Execute(n.ctx, task)
		n.post(func() { n.completeTask(task, started, err) })
	}()
	return nil
}

func (n *Node) completeTask(task mesh.ExecutePayload, started time.Time, execErr error) {
	elapsed := float64(n.now().Sub(started).Milliseconds())
	_ = n.agents.Update(n.localID, func(a *mesh.Agent) {
		rep := &a.Reputation
		if execErr == nil {
			rep.AvgResponseTime = (rep.AvgResponseTime*float64(rep.CompletedTasks) + elapsed) / float64(rep.CompletedTasks+1)
			rep.CompletedTasks++
			rep.TrustScore = math.Min(100, rep.TrustScore+trustReward)
		} else {
			rep.FailedTasks++
			rep.Penalties++
			rep.TrustScore = math.Max(0, rep.TrustScore-trustPenalty)
		}
		if a.Status == mesh.StatusExecuting && len(n.memberships) == 0 {
			a.Status = mesh.StatusIdle
		}
	})

	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
		n.logger.Warn("coordinator: task failed", "query_id", task.QueryID, "error", execErr)
	} else {
		n.logger.Info("coordinator: task completed", "query_id", task.QueryID, "elapsed_ms", elapsed)
	}
	n.journal.Log(audit.EventExecute, n.localID, "", "task finished",
		map[string]any{"queryId": task.QueryID, "elapsedMs": elapsed}, execErr == nil, errMsg)
	n.publishLocal()
}

func (n *Node) handleNegotiate(_ context.Context, in router.Inbound) error {
	var p mesh.NegotiatePayload
	if err := in.Envelope.DecodePayload(&p); err != nil {
		return err
	}

	switch p.Kind {
	case mesh.NegotiateKindPropose:
		if p.Negotiation == nil {
			return fmt.Errorf("%w: proposal without negotiation", mesh.ErrInvalidEnvelope)
		}
		return n.negotiations.HandleProposal(*p.Negotiation)
	case mesh.NegotiateKindRespond:
		if p.Response == nil {
			return fmt.Errorf("%w: response without body", mesh.ErrInvalidEnvelope)
		}
		if p.Response.From != in.Envelope.From {
			return fmt.Errorf("%w: response from %q carried by %q", ErrSpoofedSender, p.Response.From, in.Envelope.From)
		}
		return n.negotiations.HandleResponse(*p.Response)
	}
	return fmt.Errorf("%w: unknown negotiate kind %q", mesh.ErrInvalidEnvelope, p.Kind)
}

func (n *Node) handleConsensus(_ context.Context, in router.Inbound) error {
	var p mesh.ConsensusPayload
	if err := in.Envelope.DecodePayload(&p); err != nil {
		return err
	}
	if !n.state.Merge(p.State, p.VectorClock) {
		return nil
	}
	n.logger.Debug("coordinator: adopted remote state", "from", in.Envelope.From, "version", n.state.Version())
	n.journal.Log(audit.EventConsensus, in.Envelope.From, n.localID, "remote state adopted",
		map[string]any{"version": n.state.Version(), "keys": len(p.State)}, true, "")

	n.leaveConsortiums("consortium dissolved", func(cid, _ string) bool {
		v, ok := n.state.Get("consortium/" + cid)
		return ok && v == string(mesh.ConsortiumDissolved)
	})
	return nil
}

// joinConsortium keeps the local agent busy once it accepted a consortium invite,
// so it is neither recruited again nor bidding until the consortium dissolves.
func (n *Node) joinConsortium(neg *mesh.Negotiation) {
	if neg.Type != mesh.NegotiationConsortiumFormation || neg.Recipient != n.localID ||
		neg.Status != mesh.NegotiationAccepted {
		return
	}
	cid, _ := neg.Terms["consortiumId"].(string)
	if cid == "" {
		cid = neg.ID
	}
	n.memberships[cid] = neg.Initiator
	_ = n.agents.Update(n.localID, func(a *mesh.Agent) {
		if a.Status == mesh.StatusIdle || a.Status == mesh.StatusNegotiating {
			a.Status = mesh.StatusExecuting
		}
	})
	n.logger.Info("coordinator: joined consortium", "consortium_id", cid, "lead", neg.Initiator)
	n.publishLocal()
}

// leaveConsortiums drops memberships matching gone and returns the local agent to
// idle once it serves in none.
func (n *Node) leaveConsortiums(reason string, gone func(cid, lead string) bool) {
	left := 0
	for cid, lead := range n.memberships {
		if !gone(cid, lead) {
			continue
		}
		delete(n.memberships, cid)
		left++
		n.logger.Info("coordinator: left consortium", "consortium_id", cid, "lead", lead, "reason", reason)
	}
	if left == 0 || len(n.memberships) > 0 {
		return
	}
	_ = n.agents.Update(n.localID, func(a *mesh.Agent) {
		if a.Status == mesh.StatusExecuting {
			a.Status = mesh.StatusIdle
		}
	})
	n.publishLocal()
}

func (n *Node) handleOptimize(_ context.Context, in router.Inbound) error {
	var p mesh.OptimizePayload
	if err := in.Envelope.DecodePayload(&p); err != nil {
		return err
	}
	agentID := p.AgentID
	if agentID == "" {
		agentID = n.localID
	}
	if agentID != n.localID {
		return fmt.Errorf("%w: %s", ErrNotLocalAgent, agentID)
	}
	_, err := n.optimizer.Start(agentID, p.Metric)
	return err
}
