// Package optimize runs the per-agent self-tuning loop.
//
// A run moves analyzing -> optimizing -> testing on scheduler ticks, then the
// Evaluator decides between deployed and rolled-back. A hard deadline rolls back
// anything still running, so every run terminates.
package optimize

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/candlefish-ai/meshcoord/internal/schedule"
	"github.com/candlefish-ai/meshcoord/pkg/mesh"
)

var (
	ErrNotFound      = errors.New("optimization not found")
	ErrInvalidMetric = errors.New("unknown metric")
	ErrUnknownAgent  = errors.New("unknown agent")
	ErrTerminal      = errors.New("optimization already finished")
)

// Rollback reasons
const (
	ReasonDeadline   = "deadline exceeded"
	ReasonCancelled  = "cancelled"
	ReasonNoGain     = "no measurable improvement"
	healthBonus      = 5.0
	defaultLatencyMs = 100.0
)

// AgentStore is the view of the agent registry the supervisor needs
type AgentStore interface {
	GetAgent(id string) (*mesh.Agent, error)
	Update(id string, fn func(a *mesh.Agent)) error
}

// Evaluator measures the outcome of the testing phase as an improvement percentage
type Evaluator interface {
	Evaluate(rec *mesh.OptimizationRecord) (float64, error)
}

// EvaluatorFunc adapts a function to Evaluator
type EvaluatorFunc func(rec *mesh.OptimizationRecord) (float64, error)

func (f EvaluatorFunc) Evaluate(rec *mesh.OptimizationRecord) (float64, error) { return f(rec) }

// EstimateEvaluator reports the gap between current and target as the improvement.
var EstimateEvaluator = EvaluatorFunc(func(rec *mesh.OptimizationRecord) (float64, error) {
	if rec.CurrentValue == 0 {
		return 0, nil
	}
	return math.Abs(rec.CurrentValue-rec.TargetValue) / rec.CurrentValue * 100, nil
})

// Config controls run timing
type Config struct {
	PhaseDelay time.Duration
	Deadline   time.Duration
}

func DefaultConfig() Config {
	return Config{PhaseDelay: 2 * time.Second, Deadline: 30 * time.Second}
}

type run struct {
	rec      *mesh.OptimizationRecord
	reason   string
	phase    schedule.Timer
	deadline schedule.Timer
}

// Supervisor owns every optimization run on this node
type Supervisor struct {
	agents    AgentStore
	evaluator Evaluator
	scheduler schedule.Scheduler
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	runs      map[string]*run
	active    map[string]string // agent|metric -> record id
	listeners []func(*mesh.OptimizationRecord)
}

// Option configures a Supervisor
type Option func(*Supervisor)

func WithEvaluator(e Evaluator) Option {
	return func(s *Supervisor) { s.evaluator = e }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// New creates a supervisor
func New(agents AgentStore, scheduler schedule.Scheduler, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		agents:    agents,
		evaluator: EstimateEvaluator,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		runs:      make(map[string]*run),
		active:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnFinished registers a listener for runs reaching deployed or rolled-back
func (s *Supervisor) OnFinished(fn func(*mesh.OptimizationRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start begins a run for (agentID, metric). If one is already running for the
// pair, that record is returned instead.
func (s *Supervisor) Start(agentID string, metric mesh.Metric) (*mesh.OptimizationRecord, error) {
	if !metric.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMetric, metric)
	}
	agent, err := s.agents.GetAgent(agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownAgent, agentID, err)
	}

	key := agentID + "|" + string(metric)

	s.mu.Lock()
	if id, ok := s.active[key]; ok {
		rec := s.runs[id].rec.Clone()
		s.mu.Unlock()
		return rec, nil
	}

	current, target := baseline(agent, metric)
	now := s.now().UnixMilli()
	rec := &mesh.OptimizationRecord{
		ID:           uuid.New().String(),
		AgentID:      agentID,
		Metric:       metric,
		CurrentValue: current,
		TargetValue:  target,
		Type:         typeFor(metric),
		Status:       mesh.OptimizationAnalyzing,
		Timestamp:    now,
		UpdatedAt:    now,
	}
	r := &run{rec: rec}
	s.runs[rec.ID] = r
	s.active[key] = rec.ID

	id := rec.ID
	r.phase = s.scheduler.After(s.cfg.PhaseDelay, func() { s.advance(id) })
	r.deadline = s.scheduler.After(s.cfg.Deadline, func() { s.finish(id, mesh.OptimizationRolledBack, 0, ReasonDeadline) })
	out := rec.Clone()
	s.mu.Unlock()

	// A busy agent keeps its status; finish only resets what Start set.
	s.agents.Update(agentID, func(a *mesh.Agent) {
		if a.Status == mesh.StatusIdle {
			a.Status = mesh.StatusOptimizing
		}
	})
	s.logger.Info("optimize: started",
		"optimization_id", id, "agent", agentID, "metric", metric, "type", rec.Type,
		"current", current, "target", target)
	return out, nil
}

// advance moves a live run to its next phase, evaluating at the end of testing
func (s *Supervisor) advance(id string) {
	s.mu.Lock()
	r, ok := s.runs[id]
	if !ok || r.rec.Status.Terminal() {
		s.mu.Unlock()
		return
	}

	if next, ok := r.rec.Status.Next(); ok {
		r.rec.Status = next
		r.rec.UpdatedAt = s.now().UnixMilli()
		r.phase = s.scheduler.After(s.cfg.PhaseDelay, func() { s.advance(id) })
		s.mu.Unlock()
		s.logger.Debug("optimize: phase", "optimization_id", id, "status", next)
		return
	}
	rec := r.rec.Clone()
	s.mu.Unlock()

	improvement, err := s.evaluator.Evaluate(rec)
	switch {
	case err != nil:
		s.finish(id, mesh.OptimizationRolledBack, 0, "evaluation failed: "+err.Error())
	case improvement <= 0:
		s.finish(id, mesh.OptimizationRolledBack, 0, ReasonNoGain)
	default:
		s.finish(id, mesh.OptimizationDeployed, math.Min(improvement, 100), "")
	}
}

// Cancel rolls back a running optimization
func (s *Supervisor) Cancel(id string) error {
	s.mu.RLock()
	r, ok := s.runs[id]
	terminal := ok && r.rec.Status.Terminal()
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if terminal {
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	s.finish(id, mesh.OptimizationRolledBack, 0, ReasonCancelled)
	return nil
}

// finish moves a live run to a terminal status and applies its effect on the agent
func (s *Supervisor) finish(id string, status mesh.OptimizationStatus, improvement float64, reason string) {
	s.mu.Lock()
	r, ok := s.runs[id]
	if !ok || r.rec.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	rec := r.rec
	rec.Status = status
	rec.Improvement = improvement
	rec.UpdatedAt = s.now().UnixMilli()
	r.reason = reason
	if r.phase != nil {
		r.phase.Stop()
	}
	if r.deadline != nil {
		r.deadline.Stop()
	}
	delete(s.active, rec.AgentID+"|"+string(rec.Metric))
	stillBusy := false
	for k := range s.active {
		if strings.HasPrefix(k, rec.AgentID+"|") {
			stillBusy = true
			break
		}
	}
	out := rec.Clone()
	listeners := append([]func(*mesh.OptimizationRecord){}, s.listeners...)
	s.mu.Unlock()

	s.agents.Update(out.AgentID, func(a *mesh.Agent) {
		if status == mesh.OptimizationDeployed {
			a.Reputation.AvgResponseTime *= 1 - improvement/100
			a.Health = math.Min(100, a.Health+healthBonus)
		}
		if !stillBusy && a.Status == mesh.StatusOptimizing {
			a.Status = mesh.StatusIdle
		}
	})

	s.logger.Info("optimize: finished",
		"optimization_id", id, "agent", out.AgentID, "status", status, "improvement", improvement, "reason", reason)
	for _, fn := range listeners {
		fn(out)
	}
}

// Get returns a copy of one record
func (s *Supervisor) Get(id string) (*mesh.OptimizationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.rec.Clone(), nil
}

// Reason returns why a run was rolled back, empty otherwise
func (s *Supervisor) Reason(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.runs[id]; ok {
		return r.reason
	}
	return ""
}

// List returns copies of every record, oldest first
func (s *Supervisor) List() []*mesh.OptimizationRecord {
	s.mu.RLock()
	out := make([]*mesh.OptimizationRecord, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveCount returns the number of runs still in progress
func (s *Supervisor) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// baseline derives the current and target value of a metric from agent state.
// Latency is the average response time; the others are proxied by load.
func baseline(a *mesh.Agent, metric mesh.Metric) (current, target float64) {
	switch metric {
	case mesh.MetricLatency:
		current = a.Reputation.AvgResponseTime
		if current <= 0 {
			current = defaultLatencyMs
		}
		return current, current * 0.8
	case mesh.MetricThroughput:
		current = 100 - a.Load
		return current, math.Min(100, current*1.2)
	default:
		return a.Load, a.Load * 0.8
	}
}

func typeFor(metric mesh.Metric) mesh.OptimizationType {
	switch metric {
	case mesh.MetricLatency:
		return mesh.OptimizationCache
	case mesh.MetricThroughput:
		return mesh.OptimizationAlgorithm
	case mesh.MetricMemory:
		return mesh.OptimizationResourceAllocation
	default:
		return mesh.OptimizationLoadDistribution
	}
}
