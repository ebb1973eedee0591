// Package consortium assembles bounded teams of agents for composite tasks.
package consortium

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/candlefish-ai/meshcoord/pkg/mesh"
)

var (
	ErrNotFound          = errors.New("consortium not found")
	ErrInvalidTask       = errors.New("task id is required")
	ErrNoCandidates      = errors.New("no idle agent offers the required capabilities")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvitesPending    = errors.New("consortium invites still pending")
)

// AgentDirectory is the view of the agent registry the manager needs
type AgentDirectory interface {
	FindIdle(categories []string, limit int, exclude ...string) []*mesh.Agent
	UpdateStatus(id string, status mesh.AgentStatus) error
}

// Proposer opens negotiations
type Proposer interface {
	Propose(initiator, recipient string, typ mesh.NegotiationType, terms map[string]any) (string, error)
}

// Config bounds consortium formation
type Config struct {
	MaxMembers int
	// RewardShare is the percentage of the task reward offered to each member.
	RewardShare float64
}

func DefaultConfig() Config {
	return Config{MaxMembers: 3, RewardShare: 30}
}

// Patch is a partial update; nil fields are left alone
type Patch struct {
	Status         *mesh.ConsortiumStatus `json:"status,omitempty"`
	Performance    *float64               `json:"performance,omitempty"`
	ConsensusScore *float64               `json:"consensusScore,omitempty"`
}

// Manager owns the consortiums led by the local agent
type Manager struct {
	localID  string
	agents   AgentDirectory
	proposer Proposer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	consortiums map[string]*mesh.Consortium
	invites     map[string]string // negotiation id -> consortium id
	listeners   []func(*mesh.Consortium)
}

// Option configures a Manager
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a consortium manager for the local agent
func New(localID string, agents AgentDirectory, proposer Proposer, cfg Config, opts ...Option) *Manager {
	if cfg.MaxMembers <= 0 {
		cfg.MaxMembers = DefaultConfig().MaxMembers
	}
	m := &Manager{
		localID:     localID,
		agents:      agents,
		proposer:    proposer,
		cfg:         cfg,
		logger:      slog.Default(),
		now:         time.Now,
		consortiums: make(map[string]*mesh.Consortium),
		invites:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnChange registers a listener called after every status change
func (m *Manager) OnChange(fn func(*mesh.Consortium)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Form selects up to MaxMembers idle agents matching the capabilities and invites
// each of them. The consortium stays forming until every invite is resolved.
func (m *Manager) Form(taskID string, required []string) (*mesh.Consortium, error) {
	if taskID == "" {
		return nil, ErrInvalidTask
	}

	candidates := m.agents.FindIdle(required, m.cfg.MaxMembers, m.localID)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoCandidates, required)
	}

	c := &mesh.Consortium{
		ID:             uuid.New().String(),
		Lead:           m.localID,
		TaskID:         taskID,
		Capabilities:   append([]string(nil), required...),
		Status:         mesh.ConsortiumForming,
		FormedAt:       m.now().UnixMilli(),
		PendingInvites: make(map[string]string),
	}

	m.mu.Lock()
	m.consortiums[c.ID] = c
	m.mu.Unlock()

	for _, agent := range candidates {
		if err := m.agents.UpdateStatus(agent.ID, mesh.StatusNegotiating); err != nil {
			continue
		}
		terms := map[string]any{
			"role":         "member",
			"rewardShare":  m.cfg.RewardShare,
			"consortiumId": c.ID,
			"taskId":       taskID,
		}
		negID, err := m.proposer.Propose(m.localID, agent.ID, mesh.NegotiationConsortiumFormation, terms)
		if err != nil {
			m.logger.Warn("consortium: invite failed", "consortium_id", c.ID, "agent", agent.ID, "error", err)
			m.agents.UpdateStatus(agent.ID, mesh.StatusIdle)
			continue
		}

		m.mu.Lock()
		c.Members = append(c.Members, agent.ID)
		c.PendingInvites[negID] = agent.ID
		m.invites[negID] = c.ID
		m.mu.Unlock()
	}

	m.mu.Lock()
	if len(c.PendingInvites) == 0 {
		delete(m.consortiums, c.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: every invite failed", ErrNoCandidates)
	}
	out := c.Clone()
	m.mu.Unlock()

	m.logger.Info("consortium: forming", "consortium_id", c.ID, "task_id", taskID, "invited", out.Members)
	return out, nil
}

// HandleResolution applies a resolved invite negotiation. Negotiations that are
// not consortium invites are ignored.
func (m *Manager) HandleResolution(n *mesh.Negotiation) {
	if !n.Status.Terminal() {
		return
	}

	m.mu.Lock()
	cid, ok := m.invites[n.ID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.invites, n.ID)

	c, ok := m.consortiums[cid]
	if !ok || c.Status != mesh.ConsortiumForming {
		m.mu.Unlock()
		return
	}
	member := c.PendingInvites[n.ID]
	delete(c.PendingInvites, n.ID)

	var release []string
	if n.Status == mesh.NegotiationRejected {
		c.Members = remove(c.Members, member)
		release = append(release, member)
	}

	var changed *mesh.Consortium
	var executing []string
	if len(c.PendingInvites) == 0 {
		if len(c.Members) > 0 {
			c.Status = mesh.ConsortiumActive
			executing = append(executing, c.Members...)
		} else {
			c.Status = mesh.ConsortiumDissolved
		}
		changed = c.Clone()
	}
	m.mu.Unlock()

	for _, id := range release {
		m.agents.UpdateStatus(id, mesh.StatusIdle)
	}
	for _, id := range executing {
		m.agents.UpdateStatus(id, mesh.StatusExecuting)
	}

	m.logger.Info("consortium: invite resolved",
		"consortium_id", cid, "agent", member, "status", n.Status, "reason", n.Reason)
	if changed != nil {
		m.logger.Info("consortium: status changed", "consortium_id", cid, "status", changed.Status, "members", changed.Members)
		m.emit(changed)
	}
}

// Update merges patch into the consortium. Status only moves forward, and a
// forming consortium can only be dissolved while invites are pending.
func (m *Manager) Update(id string, patch Patch) (*mesh.Consortium, error) {
	m.mu.Lock()
	c, ok := m.consortiums[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var release []string
	statusChanged := false
	if patch.Status != nil && *patch.Status != c.Status {
		next := *patch.Status
		if !c.Status.CanTransition(next) {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, next)
		}
		if len(c.PendingInvites) > 0 && next != mesh.ConsortiumDissolved {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %d outstanding", ErrInvitesPending, len(c.PendingInvites))
		}
		if next == mesh.ConsortiumDissolved {
			for negID := range c.PendingInvites {
				delete(m.invites, negID)
			}
			c.PendingInvites = map[string]string{}
			release = append(release, c.Members...)
		}
		c.Status = next
		statusChanged = true
	}
	if patch.Performance != nil {
		c.Performance = *patch.Performance
	}
	if patch.ConsensusScore != nil {
		c.ConsensusScore = *patch.ConsensusScore
	}
	out := c.Clone()
	m.mu.Unlock()

	for _, member := range release {
		m.agents.UpdateStatus(member, mesh.StatusIdle)
	}
	if statusChanged {
		m.logger.Info("consortium: status changed", "consortium_id", id, "status", out.Status)
		m.emit(out)
	}
	return out, nil
}

// Get returns a copy of one consortium
func (m *Manager) Get(id string) (*mesh.Consortium, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.consortiums[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.Clone(), nil
}

// List returns copies of every consortium, oldest first
func (m *Manager) List() []*mesh.Consortium {
	m.mu.RLock()
	out := make([]*mesh.Consortium, 0, len(m.consortiums))
	for _, c := range m.consortiums {
		out = append(out, c.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FormedAt != out[j].FormedAt {
			return out[i].FormedAt < out[j].FormedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) emit(c *mesh.Consortium) {
	m.mu.RLock()
	listeners := append([]func(*mesh.Consortium){}, m.listeners...)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(c.Clone())
	}
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
