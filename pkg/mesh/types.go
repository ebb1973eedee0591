package mesh

import "time"

// AgentStatus represents what an agent is currently doing
type AgentStatus string

const (
	StatusIdle        AgentStatus = "idle"
	StatusNegotiating AgentStatus = "negotiating"
	StatusExecuting   AgentStatus = "executing"
	StatusOptimizing  AgentStatus = "optimizing"
	StatusHealing     AgentStatus = "healing"
)

// DefaultTrustScore is used whenever an agent's reputation is unknown.
const DefaultTrustScore = 50.0

// Capability describes one thing an agent can do
type Capability struct {
	Category     string  `json:"category"`
	Performance  float64 `json:"performance"`
	Cost         float64 `json:"cost"`
	Availability float64 `json:"availability"`
}

// Reputation tracks an agent's historical reliability
type Reputation struct {
	TrustScore      float64  `json:"trustScore"`
	CompletedTasks  int      `json:"completedTasks"`
	FailedTasks     int      `json:"failedTasks"`
	AvgResponseTime float64  `json:"avgResponseTime"` // milliseconds
	Specializations []string `json:"specializations,omitempty"`
	Penalties       int      `json:"penalties"`
}

// Wallet holds an agent's credit balance
type Wallet struct {
	Credits     float64 `json:"credits"`
	EarnedToday float64 `json:"earnedToday"`
	SpentToday  float64 `json:"spentToday"`
}

// Agent represents a peer agent known to the mesh
type Agent struct {
	ID           string       `json:"id"`
	Name         string       `json:"name,omitempty"`
	Endpoint     string       `json:"endpoint,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	Reputation   Reputation   `json:"reputation"`
	Status       AgentStatus  `json:"status"`
	Health       float64      `json:"health"`
	Load         float64      `json:"load"`
	Wallet       Wallet       `json:"wallet"`
	Connections  []string     `json:"connections,omitempty"`
	LastSeen     time.Time    `json:"lastSeen"`
}

// HasAnyCapability reports whether the agent offers at least one of the categories.
// An empty category list matches every agent.
func (a *Agent) HasAnyCapability(categories []string) bool {
	if len(categories) == 0 {
		return true
	}
	for _, c := range a.Capabilities {
		for _, want := range categories {
			if c.Category == want {
				return true
			}
		}
	}
	return false
}

// BestCapability returns the highest-performing capability among the categories.
func (a *Agent) BestCapability(categories []string) (Capability, bool) {
	var best Capability
	found := false
	for _, c := range a.Capabilities {
		match := len(categories) == 0
		for _, want := range categories {
			if c.Category == want {
				match = true
				break
			}
		}
		if match && (!found || c.Performance > best.Performance) {
			best = c
			found = true
		}
	}
	return best, found
}

// Clone returns a deep copy of the agent
func (a *Agent) Clone() *Agent {
	c := *a
	c.Capabilities = append([]Capability(nil), a.Capabilities...)
	c.Connections = append([]string(nil), a.Connections...)
	c.Reputation.Specializations = append([]string(nil), a.Reputation.Specializations...)
	return &c
}

// Bid is an agent's offer for a query
type Bid struct {
	QueryID         string   `json:"queryId"`
	AgentID         string   `json:"agentId"`
	Confidence      float64  `json:"confidence"`
	EstimatedTimeMs int64    `json:"estimatedTime"`
	Price           *float64 `json:"price,omitempty"`
}

// NegotiationType is the subject of a negotiation
type NegotiationType string

const (
	NegotiationTaskDelegation      NegotiationType = "task-delegation"
	NegotiationResourceSharing     NegotiationType = "resource-sharing"
	NegotiationConsortiumFormation NegotiationType = "consortium-formation"
	NegotiationLoadBalancing       NegotiationType = "load-balancing"
)

// Valid reports whether t is one of the known negotiation types
func (t NegotiationType) Valid() bool {
	switch t {
	case NegotiationTaskDelegation, NegotiationResourceSharing,
		NegotiationConsortiumFormation, NegotiationLoadBalancing:
		return true
	}
	return false
}

// Negotiation is a bilateral proposal between two agents
type Negotiation struct {
	ID          string            `json:"id"`
	Initiator   string            `json:"initiator"`
	Recipient   string            `json:"recipient"`
	Type        NegotiationType   `json:"type"`
	Status      NegotiationStatus `json:"status"`
	Terms       map[string]any    `json:"terms,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	LastOfferBy string            `json:"lastOfferBy,omitempty"` // party whose terms are on the table
	Timestamp   int64             `json:"timestamp"`
	UpdatedAt   int64             `json:"updatedAt"`
}

// Clone returns a copy of the negotiation with its own terms map
func (n *Negotiation) Clone() *Negotiation {
	c := *n
	if n.Terms != nil {
		c.Terms = make(map[string]any, len(n.Terms))
		for k, v := range n.Terms {
			c.Terms[k] = v
		}
	}
	return &c
}

// Consortium is a bounded team of agents assigned to one composite task
type Consortium struct {
	ID             string            `json:"id"`
	Lead           string            `json:"lead"`
	Members        []string          `json:"members"`
	TaskID         string            `json:"taskId"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	Status         ConsortiumStatus  `json:"status"`
	Performance    float64           `json:"performance"`
	ConsensusScore float64           `json:"consensusScore"`
	FormedAt       int64             `json:"formedAt"`
	PendingInvites map[string]string `json:"pendingInvites,omitempty"` // negotiation id -> agent id
}

// Clone returns a deep copy of the consortium
func (c *Consortium) Clone() *Consortium {
	cp := *c
	cp.Members = append([]string(nil), c.Members...)
	cp.Capabilities = append([]string(nil), c.Capabilities...)
	if c.PendingInvites != nil {
		cp.PendingInvites = make(map[string]string, len(c.PendingInvites))
		for k, v := range c.PendingInvites {
			cp.PendingInvites[k] = v
		}
	}
	return &cp
}

// Metric is a performance dimension the optimizer can tune
type Metric string

const (
	MetricLatency    Metric = "latency"
	MetricThroughput Metric = "throughput"
	MetricMemory     Metric = "memory"
	MetricCPU        Metric = "cpu"
)

// Valid reports whether m is a known metric
func (m Metric) Valid() bool {
	switch m {
	case MetricLatency, MetricThroughput, MetricMemory, MetricCPU:
		return true
	}
	return false
}

// OptimizationType is the technique applied by an optimization run
type OptimizationType string

const (
	OptimizationCache              OptimizationType = "cache"
	OptimizationAlgorithm          OptimizationType = "algorithm"
	OptimizationResourceAllocation OptimizationType = "resource-allocation"
	OptimizationLoadDistribution   OptimizationType = "load-distribution"
)

// OptimizationRecord tracks one self-tuning run for an agent metric
type OptimizationRecord struct {
	ID           string             `json:"id"`
	AgentID      string             `json:"agentId"`
	Metric       Metric             `json:"targetMetric"`
	CurrentValue float64            `json:"currentValue"`
	TargetValue  float64            `json:"targetValue"`
	Type         OptimizationType   `json:"optimizationType"`
	Status       OptimizationStatus `json:"status"`
	Improvement  float64            `json:"improvement"`
	Timestamp    int64              `json:"timestamp"`
	UpdatedAt    int64              `json:"updatedAt"`
}

// Clone returns a copy of the record
func (r *OptimizationRecord) Clone() *OptimizationRecord {
	c := *r
	return &c
}

// NetworkState is the read-only snapshot handed to collaborators such as dashboards
type NetworkState struct {
	LocalAgentID      string                `json:"localAgentId"`
	Agents            []*Agent              `json:"agents"`
	Negotiations      []*Negotiation        `json:"negotiations"`
	Consortiums       []*Consortium         `json:"consortiums"`
	Optimizations     []*OptimizationRecord `json:"optimizations"`
	ActiveBids        map[string][]Bid      `json:"activeBids"`
	NetworkHealth     float64               `json:"networkHealth"`
	ConsensusVersion  uint64                `json:"consensusVersion"`
	LastSyncTimestamp int64                 `json:"lastSyncTimestamp"`
}

// NetworkHealth combines average agent health with the share of agents that are not healing.
func NetworkHealth(agents []*Agent) float64 {
	if len(agents) == 0 {
		return 0
	}
	var healthSum float64
	active := 0
	for _, a := range agents {
		healthSum += a.Health
		if a.Status != StatusHealing {
			active++
		}
	}
	avg := healthSum / float64(len(agents))
	ratio := 100 * float64(active) / float64(len(agents))
	return 0.7*avg + 0.3*ratio
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status"`
}
