// Package consensus keeps the replicated key/value state shared by the mesh.
//
// Each node owns one logical clock entry. A remote snapshot is adopted when it
// carries at least one clock entry newer than ours. This is a last-writer-per-node
// merge: it converges for independent keys but does not order causally dependent
// writes across keys.
package consensus

import (
	"sync"
	"time"

	"github.com/candlefish-ai/meshcoord/pkg/mesh"
)

// Engine is the replicated state store
type Engine struct {
	mu       sync.RWMutex
	state    map[string]any
	clock    map[string]uint64
	version  uint64
	lastSync time.Time
	now      func() time.Time
}

// NewEngine creates an empty engine
func NewEngine() *Engine {
	return &Engine{
		state: make(map[string]any),
		clock: make(map[string]uint64),
		now:   time.Now,
	}
}

// Merge folds a remote snapshot into local state. It returns true when at least
// one remote clock entry was ahead of ours; in that case every remote key/value
// is applied and the version is bumped. Otherwise local state is left untouched.
func (e *Engine) Merge(remoteState map[string]any, remoteClock map[string]uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := false
	for node, remote := range remoteClock {
		if remote > e.clock[node] {
			e.clock[node] = remote
			changed = true
		}
	}
	if !changed {
		return false
	}

	for k, v := range remoteState {
		e.state[k] = v
	}
	e.version++
	e.lastSync = e.now()
	return true
}

// UpdateLocal writes a value on behalf of nodeID and advances that node's clock
func (e *Engine) UpdateLocal(key string, value any, nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state[key] = value
	e.clock[nodeID]++
	e.version++
}

// Get returns a single value
func (e *Engine) Get(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.state[key]
	return v, ok
}

// State returns a copy of the key/value map
func (e *Engine) State() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]any, len(e.state))
	for k, v := range e.state {
		out[k] = v
	}
	return out
}

// Clock returns a copy of the vector clock
func (e *Engine) Clock() map[string]uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]uint64, len(e.clock))
	for k, v := range e.clock {
		out[k] = v
	}
	return out
}

// Version returns the number of accepted changes
func (e *Engine) Version() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// LastSync returns when a remote snapshot was last adopted
func (e *Engine) LastSync() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// Snapshot returns the payload broadcast to peers
func (e *Engine) Snapshot() mesh.ConsensusPayload {
	return mesh.ConsensusPayload{
		State:       e.State(),
		VectorClock: e.Clock(),
	}
}
