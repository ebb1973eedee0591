package consensus

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateLocal(t *testing.T) {
	e := NewEngine()

	e.UpdateLocal("agent/a/status", "idle", "a")
	e.UpdateLocal("agent/a/health", 90.0, "a")

	assert.Equal(t, uint64(2), e.Clock()["a"])
	assert.Equal(t, uint64(2), e.Version())
	v, ok := e.Get("agent/a/status")
	require.True(t, ok)
	assert.Equal(t, "idle", v)
}

func TestMerge_AdoptsNewerClock(t *testing.T) {
	e := NewEngine()
	e.UpdateLocal("k", "local", "a")

	changed := e.Merge(map[string]any{"k": "remote", "j": 1.0}, map[string]uint64{"b": 4})
	require.True(t, changed)

	state := e.State()
	assert.Equal(t, "remote", state["k"])
	assert.Equal(t, 1.0, state["j"])
	assert.Equal(t, uint64(4), e.Clock()["b"])
	assert.Equal(t, uint64(1), e.Clock()["a"])
	assert.Equal(t, uint64(2), e.Version())
	assert.False(t, e.LastSync().IsZero())
}

func TestMerge_StaleSnapshotIsIgnored(t *testing.T) {
	e := NewEngine()
	e.UpdateLocal("k", "local", "a")
	e.UpdateLocal("k", "local2", "a")
	e.Merge(map[string]any{"r": true}, map[string]uint64{"b": 3})

	before := e.State()
	version := e.Version()

	changed := e.Merge(map[string]any{"k": "stale"}, map[string]uint64{"a": 1, "b": 3})
	assert.False(t, changed)
	assert.Equal(t, before, e.State())
	assert.Equal(t, version, e.Version())

	// an empty clock carries no news either
	assert.False(t, e.Merge(map[string]any{"k": "x"}, nil))
}

func TestMerge_ClockNeverDecreases(t *testing.T) {
	e := NewEngine()
	rng := rand.New(rand.NewSource(7))
	nodes := []string{"a", "b", "c", "d"}
	prev := map[string]uint64{}

	for i := 0; i < 500; i++ {
		remote := map[string]uint64{}
		for _, n := range nodes {
			if rng.Intn(2) == 0 {
				remote[n] = uint64(rng.Intn(50))
			}
		}
		if rng.Intn(4) == 0 {
			e.UpdateLocal("local", i, "a")
		}
		e.Merge(map[string]any{"i": i}, remote)

		clock := e.Clock()
		for n, v := range prev {
			require.GreaterOrEqual(t, clock[n], v, "clock entry %s went backwards", n)
		}
		prev = clock
	}
}

func TestState_IsACopy(t *testing.T) {
	e := NewEngine()
	e.UpdateLocal("k", "v", "a")

	s := e.State()
	s["k"] = "mutated"

	v, _ := e.Get("k")
	assert.Equal(t, "v", v)
}

func TestSnapshot(t *testing.T) {
	e := NewEngine()
	e.UpdateLocal("k", "v", "a")

	snap := e.Snapshot()
	assert.Equal(t, "v", snap.State["k"])
	assert.Equal(t, uint64(1), snap.VectorClock["a"])
}
