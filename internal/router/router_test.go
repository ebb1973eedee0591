package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlefish-ai/meshcoord/pkg/mesh"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func frame(t *testing.T, mutate func(*mesh.Envelope)) []byte {
	t.Helper()
	env, err := mesh.NewEnvelope("agent-b", mesh.Broadcast, mesh.MessageHeartbeat, mesh.HeartbeatPayload{Status: mesh.StatusIdle})
	require.NoError(t, err)
	env.Timestamp = testNow.UnixMilli()
	if mutate != nil {
		mutate(env)
	}
	data, err := env.Encode()
	require.NoError(t, err)
	return data
}

type liveness struct {
	peer, agent string
	at          time.Time
	calls       int
}

func newTestRouter(l *liveness, opts ...Option) *Router {
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithLiveness(func(peerID, agentID string, at time.Time) {
			l.peer, l.agent, l.at = peerID, agentID, at
			l.calls++
		}),
	}, opts...)
	return New("agent-a", opts...)
}

func TestDispatchToHandler(t *testing.T) {
	var l liveness
	r := newTestRouter(&l)

	var got Inbound
	r.Handle(mesh.MessageHeartbeat, func(ctx context.Context, in Inbound) error {
		got = in
		return nil
	})

	require.NoError(t, r.Dispatch(context.Background(), "peer-1", frame(t, nil)))
	assert.Equal(t, "peer-1", got.PeerID)
	assert.Equal(t, "agent-b", got.Envelope.From)
	assert.Equal(t, 1, l.calls)
	assert.Equal(t, "agent-b", l.agent)
	assert.Equal(t, testNow, l.at)
}

func TestDispatchDropsMalformed(t *testing.T) {
	var l liveness
	r := newTestRouter(&l)

	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("{nope")},
		{"missing id", frame(t, func(e *mesh.Envelope) { e.ID = "" })},
		{"zero ttl", frame(t, func(e *mesh.Envelope) { e.TTL = 0 })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Dispatch(context.Background(), "peer-1", tt.data)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
	assert.Equal(t, 0, l.calls)
}

func TestDispatchDropsExpired(t *testing.T) {
	var l liveness
	r := newTestRouter(&l)
	called := false
	r.Handle(mesh.MessageHeartbeat, func(ctx context.Context, in Inbound) error {
		called = true
		return nil
	})

	data := frame(t, func(e *mesh.Envelope) {
		e.Timestamp = testNow.Add(-time.Minute).UnixMilli()
		e.TTL = 1000
	})
	assert.ErrorIs(t, r.Dispatch(context.Background(), "peer-1", data), ErrExpired)
	assert.False(t, called)
	assert.Equal(t, 0, l.calls)
}

func TestDispatchDropsDuplicates(t *testing.T) {
	var l liveness
	r := newTestRouter(&l)
	calls := 0
	r.Handle(mesh.MessageHeartbeat, func(ctx context.Context, in Inbound) error {
		calls++
		return nil
	})

	data := frame(t, nil)
	require.NoError(t, r.Dispatch(context.Background(), "peer-1", data))
	assert.ErrorIs(t, r.Dispatch(context.Background(), "peer-2", data), ErrDuplicate)
	assert.Equal(t, 1, calls)
}

func TestDispatchDropsLoopback(t *testing.T) {
	var l liveness
	r := newTestRouter(&l)
	data := frame(t, func(e *mesh.Envelope) { e.From = "agent-a" })
	assert.ErrorIs(t, r.Dispatch(context.Background(), "peer-1", data), ErrLoopback)
}

func TestUnknownTypeDroppedButRefreshesLiveness(t *testing.T) {
	var l liveness
	r := newTestRouter(&l)

	data := frame(t, func(e *mesh.Envelope) {
		e.Type = "telepathy"
		e.Payload = json.RawMessage(`{"x":1}`)
	})
	err := r.Dispatch(context.Background(), "peer-1", data)
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.Equal(t, 1, l.calls)
}

func TestKnownTypeWithoutHandlerDropped(t *testing.T) {
	var l liveness
	r := newTestRouter(&l)
	data := frame(t, func(e *mesh.Envelope) { e.Type = mesh.MessageOptimize })
	assert.ErrorIs(t, r.Dispatch(context.Background(), "peer-1", data), ErrUnknownType)
}

func TestForwardsEnvelopesForOtherAgents(t *testing.T) {
	var l liveness
	var forwarded []Inbound
	r := newTestRouter(&l, WithForwarder(func(ctx context.Context, in Inbound) error {
		forwarded = append(forwarded, in)
		return nil
	}))
	local := false
	r.Handle(mesh.MessageHeartbeat, func(ctx context.Context, in Inbound) error {
		local = true
		return nil
	})

	data := frame(t, func(e *mesh.Envelope) { e.To = mesh.To("agent-c") })
	require.NoError(t, r.Dispatch(context.Background(), "peer-1", data))
	require.Len(t, forwarded, 1)
	assert.Equal(t, "agent-c", forwarded[0].Envelope.To.AgentID())
	assert.False(t, local)

	require.NoError(t, r.Dispatch(context.Background(), "peer-1", frame(t, func(e *mesh.Envelope) { e.To = mesh.To("agent-a") })))
	assert.True(t, local)
}

func TestHandlerErrorIsWrapped(t *testing.T) {
	var l liveness
	r := newTestRouter(&l)
	boom := errors.New("boom")
	r.Handle(mesh.MessageHeartbeat, func(ctx context.Context, in Inbound) error { return boom })

	err := r.Dispatch(context.Background(), "peer-1", frame(t, nil))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "heartbeat handler")
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := newSeenSet(2)
	assert.True(t, s.Add("a"))
	assert.True(t, s.Add("b"))
	assert.False(t, s.Add("a"))
	assert.True(t, s.Add("c"))
	assert.True(t, s.Add("a"), "oldest id should have been evicted")
}
