package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/candlefish-ai/meshcoord/pkg/mesh"
)

var (
	// ErrAgentNotFound is returned when an agent id is unknown
	ErrAgentNotFound = errors.New("agent not found")
	// ErrInvalidAgent is returned when an agent has no id
	ErrInvalidAgent = errors.New("agent id is required")
)

// AgentRegistry manages the agents known to this node
type AgentRegistry struct {
	agents map[string]*mesh.Agent
	mu     sync.RWMutex
	now    func() time.Time
}

// NewAgentRegistry creates a new agent registry
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		agents: make(map[string]*mesh.Agent),
		now:    time.Now,
	}
}

// Register adds or refreshes an agent from a discovery description.
// It reports whether the agent was previously unknown.
func (r *AgentRegistry) Register(agent *mesh.Agent) (bool, error) {
	if agent == nil || agent.ID == "" {
		return false, ErrInvalidAgent
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.agents[agent.ID]
	stored := agent.Clone()
	if stored.Status == "" {
		stored.Status = mesh.StatusIdle
	}
	if stored.Reputation.TrustScore == 0 && stored.Reputation.CompletedTasks == 0 && stored.Reputation.FailedTasks == 0 {
		stored.Reputation.TrustScore = mesh.DefaultTrustScore
	}
	stored.LastSeen = r.now()
	r.agents[agent.ID] = stored
	return !exists, nil
}

// GetAgent retrieves a copy of an agent by ID
func (r *AgentRegistry) GetAgent(id string) (*mesh.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[id]
	if !exists {
		return nil, ErrAgentNotFound
	}
	return agent.Clone(), nil
}

// Discover returns copies of all registered agents ordered by id
func (r *AgentRegistry) Discover() []*mesh.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*mesh.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, agent.Clone())
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// Count returns the number of registered agents
func (r *AgentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Update applies fn to the stored agent
func (r *AgentRegistry) Update(id string, fn func(a *mesh.Agent)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[id]
	if !exists {
		return ErrAgentNotFound
	}
	fn(agent)
	return nil
}

// UpdateStatus updates an agent's status
func (r *AgentRegistry) UpdateStatus(id string, status mesh.AgentStatus) error {
	return r.Update(id, func(a *mesh.Agent) { a.Status = status })
}

// ApplyHeartbeat records a heartbeat. Unknown senders get a minimal record so
// they show up before their discovery message arrives.
func (r *AgentRegistry) ApplyHeartbeat(id string, hb mesh.HeartbeatPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[id]
	if !exists {
		agent = &mesh.Agent{
			ID:         id,
			Reputation: mesh.Reputation{TrustScore: mesh.DefaultTrustScore},
		}
		r.agents[id] = agent
	}
	if hb.Status != "" {
		agent.Status = hb.Status
	}
	agent.Health = clamp(hb.Health)
	agent.Load = clamp(hb.Load)
	if hb.Reputation != nil {
		agent.Reputation = *hb.Reputation
	}
	if hb.Wallet != nil {
		agent.Wallet = *hb.Wallet
	}
	agent.LastSeen = r.now()
}

// Touch refreshes an agent's liveness timestamp. It reports whether the agent is known.
func (r *AgentRegistry) Touch(id string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[id]
	if !exists {
		return false
	}
	if at.After(agent.LastSeen) {
		agent.LastSeen = at
	}
	return true
}

// TrustScore returns an agent's trust score, if the agent is known
func (r *AgentRegistry) TrustScore(id string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[id]
	if !exists {
		return 0, false
	}
	return agent.Reputation.TrustScore, true
}

// FindIdle returns up to limit idle agents offering at least one of the
// categories, best trust score first. Agents listed in exclude are skipped.
func (r *AgentRegistry) FindIdle(categories []string, limit int, exclude ...string) []*mesh.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var matches []*mesh.Agent
	for _, agent := range r.agents {
		if skip[agent.ID] || agent.Status != mesh.StatusIdle {
			continue
		}
		if !agent.HasAnyCapability(categories) {
			continue
		}
		matches = append(matches, agent.Clone())
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Reputation.TrustScore != matches[j].Reputation.TrustScore {
			return matches[i].Reputation.TrustScore > matches[j].Reputation.TrustScore
		}
		return matches[i].ID < matches[j].ID
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// MarkStale moves agents not seen since now-after into the healing status and
// returns their ids. Agents in exclude (typically the local agent) are skipped.
func (r *AgentRegistry) MarkStale(now time.Time, after time.Duration, exclude ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var stale []string
	cutoff := now.Add(-after)
	for id, agent := range r.agents {
		if skip[id] || agent.Status == mesh.StatusHealing {
			continue
		}
		if agent.LastSeen.Before(cutoff) {
			agent.Status = mesh.StatusHealing
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}

// Unregister removes an agent from the registry
func (r *AgentRegistry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; !exists {
		return ErrAgentNotFound
	}

	delete(r.agents, id)
	return nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
