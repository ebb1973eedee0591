package optimize

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlefish-ai/meshcoord/internal/meshtest"
	"github.com/candlefish-ai/meshcoord/internal/registry"
	"github.com/candlefish-ai/meshcoord/internal/schedule"
	"github.com/candlefish-ai/meshcoord/pkg/mesh"
)

func newTestSupervisor(t *testing.T, opts ...Option) (*Supervisor, *registry.AgentRegistry, *schedule.Manual) {
	t.Helper()
	sched := schedule.NewManual(time.UnixMilli(1_700_000_000_000))
	reg := registry.NewAgentRegistry()
	agent := meshtest.Agent("worker", 70, "nlp")
	agent.Health = 90
	agent.Load = 40
	_, err := reg.Register(agent)
	require.NoError(t, err)

	opts = append([]Option{WithClock(sched.Now)}, opts...)
	return New(reg, sched, DefaultConfig(), opts...), reg, sched
}

func TestRunDeploysAndFeedsBackIntoAgent(t *testing.T) {
	s, reg, sched := newTestSupervisor(t)
	var finished []*mesh.OptimizationRecord
	s.OnFinished(func(r *mesh.OptimizationRecord) { finished = append(finished, r) })

	rec, err := s.Start("worker", mesh.MetricLatency)
	require.NoError(t, err)
	assert.Equal(t, mesh.OptimizationAnalyzing, rec.Status)
	assert.Equal(t, mesh.OptimizationCache, rec.Type)
	assert.Equal(t, 200.0, rec.CurrentValue)
	assert.InDelta(t, 160.0, rec.TargetValue, 1e-9)

	a, _ := reg.GetAgent("worker")
	assert.Equal(t, mesh.StatusOptimizing, a.Status)

	sched.Advance(2 * time.Second)
	got, _ := s.Get(rec.ID)
	assert.Equal(t, mesh.OptimizationOptimizing, got.Status)

	sched.Advance(2 * time.Second)
	got, _ = s.Get(rec.ID)
	assert.Equal(t, mesh.OptimizationTesting, got.Status)

	sched.Advance(2 * time.Second)
	got, _ = s.Get(rec.ID)
	assert.Equal(t, mesh.OptimizationDeployed, got.Status)
	assert.InDelta(t, 20.0, got.Improvement, 1e-9)

	a, _ = reg.GetAgent("worker")
	assert.InDelta(t, 160.0, a.Reputation.AvgResponseTime, 1e-9)
	assert.Equal(t, 95.0, a.Health)
	assert.Equal(t, mesh.StatusIdle, a.Status)

	require.Len(t, finished, 1)
	assert.Equal(t, 0, s.ActiveCount())
	assert.Equal(t, 0, sched.Pending(), "deadline timer should be stopped")
}

func TestHealthCappedAt100(t *testing.T) {
	s, reg, sched := newTestSupervisor(t)
	require.NoError(t, reg.Update("worker", func(a *mesh.Agent) { a.Health = 98 }))

	_, err := s.Start("worker", mesh.MetricCPU)
	require.NoError(t, err)
	sched.Advance(10 * time.Second)

	a, _ := reg.GetAgent("worker")
	assert.Equal(t, 100.0, a.Health)
}

func TestOneActiveRunPerAgentMetric(t *testing.T) {
	s, _, sched := newTestSupervisor(t)

	first, err := s.Start("worker", mesh.MetricMemory)
	require.NoError(t, err)
	again, err := s.Start("worker", mesh.MetricMemory)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	other, err := s.Start("worker", mesh.MetricThroughput)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, 2, s.ActiveCount())

	sched.Advance(10 * time.Second)
	next, err := s.Start("worker", mesh.MetricMemory)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.ID, "a finished run frees the pair")
	assert.Len(t, s.List(), 3)
}

func TestAgentStaysOptimizingWhileAnotherRunIsLive(t *testing.T) {
	s, reg, sched := newTestSupervisor(t)

	_, err := s.Start("worker", mesh.MetricLatency)
	require.NoError(t, err)
	sched.Advance(time.Second)
	second, err := s.Start("worker", mesh.MetricCPU)
	require.NoError(t, err)

	sched.Advance(5 * time.Second) // first run done, second still testing
	a, _ := reg.GetAgent("worker")
	assert.Equal(t, mesh.StatusOptimizing, a.Status)

	sched.Advance(time.Second)
	got, _ := s.Get(second.ID)
	assert.Equal(t, mesh.OptimizationDeployed, got.Status)
	a, _ = reg.GetAgent("worker")
	assert.Equal(t, mesh.StatusIdle, a.Status)
}

func TestRunLeavesExecutingAgentAlone(t *testing.T) {
	s, reg, sched := newTestSupervisor(t)
	require.NoError(t, reg.UpdateStatus("worker", mesh.StatusExecuting))

	rec, err := s.Start("worker", mesh.MetricLatency)
	require.NoError(t, err)
	a, _ := reg.GetAgent("worker")
	assert.Equal(t, mesh.StatusExecuting, a.Status)

	sched.Advance(6 * time.Second)
	got, _ := s.Get(rec.ID)
	require.Equal(t, mesh.OptimizationDeployed, got.Status)

	a, _ = reg.GetAgent("worker")
	assert.Equal(t, mesh.StatusExecuting, a.Status)
	assert.Equal(t, 95.0, a.Health)
}

func TestEvaluatorDecidesOutcome(t *testing.T) {
	tests := []struct {
		name      string
		evaluator Evaluator
		want      mesh.OptimizationStatus
		reason    string
	}{
		{"gain", EvaluatorFunc(func(*mesh.OptimizationRecord) (float64, error) { return 12, nil }), mesh.OptimizationDeployed, ""},
		{"no gain", EvaluatorFunc(func(*mesh.OptimizationRecord) (float64, error) { return 0, nil }), mesh.OptimizationRolledBack, ReasonNoGain},
		{"failure", EvaluatorFunc(func(*mesh.OptimizationRecord) (float64, error) { return 0, errors.New("sensor down") }), mesh.OptimizationRolledBack, "evaluation failed: sensor down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, reg, sched := newTestSupervisor(t, WithEvaluator(tt.evaluator))
			rec, err := s.Start("worker", mesh.MetricLatency)
			require.NoError(t, err)
			sched.Advance(6 * time.Second)

			got, _ := s.Get(rec.ID)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.reason, s.Reason(rec.ID))

			a, _ := reg.GetAgent("worker")
			assert.Equal(t, mesh.StatusIdle, a.Status)
			if tt.want == mesh.OptimizationRolledBack {
				assert.Equal(t, 200.0, a.Reputation.AvgResponseTime)
				assert.Equal(t, 90.0, a.Health)
			}
		})
	}
}

func TestDeadlineRollsBackStalledRun(t *testing.T) {
	sched := schedule.NewManual(time.UnixMilli(0))
	reg := registry.NewAgentRegistry()
	_, err := reg.Register(meshtest.Agent("worker", 70))
	require.NoError(t, err)

	// Phases slower than the deadline never reach testing.
	s := New(reg, sched, Config{PhaseDelay: 20 * time.Second, Deadline: 30 * time.Second}, WithClock(sched.Now))
	rec, err := s.Start("worker", mesh.MetricLatency)
	require.NoError(t, err)

	sched.Advance(30 * time.Second)
	got, _ := s.Get(rec.ID)
	assert.Equal(t, mesh.OptimizationRolledBack, got.Status)
	assert.Equal(t, ReasonDeadline, s.Reason(rec.ID))
	assert.Equal(t, 0, sched.Pending())
}

func TestCancel(t *testing.T) {
	s, reg, sched := newTestSupervisor(t)
	rec, err := s.Start("worker", mesh.MetricThroughput)
	require.NoError(t, err)

	require.NoError(t, s.Cancel(rec.ID))
	got, _ := s.Get(rec.ID)
	assert.Equal(t, mesh.OptimizationRolledBack, got.Status)
	a, _ := reg.GetAgent("worker")
	assert.Equal(t, mesh.StatusIdle, a.Status)

	assert.ErrorIs(t, s.Cancel(rec.ID), ErrTerminal)
	assert.ErrorIs(t, s.Cancel("nope"), ErrNotFound)

	// Timers left behind find the record finished and do nothing.
	sched.Advance(time.Minute)
	got, _ = s.Get(rec.ID)
	assert.Equal(t, mesh.OptimizationRolledBack, got.Status)
}

func TestStartValidation(t *testing.T) {
	s, _, _ := newTestSupervisor(t)

	_, err := s.Start("worker", "karma")
	assert.ErrorIs(t, err, ErrInvalidMetric)

	_, err = s.Start("ghost", mesh.MetricCPU)
	assert.ErrorIs(t, err, ErrUnknownAgent)
}
