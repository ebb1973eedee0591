package peer

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlefish-ai/meshcoord/pkg/mesh"
)

type frame struct {
	peerID string
	data   []byte
}

type recordingHandler struct {
	frames chan frame
	mu     sync.Mutex
	lost   map[string][]string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{frames: make(chan frame, 16), lost: make(map[string][]string)}
}

func (h *recordingHandler) HandleFrame(peerID string, data []byte) {
	h.frames <- frame{peerID: peerID, data: data}
}

func (h *recordingHandler) PeerLost(peerID string, agentIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lost[peerID] = agentIDs
}

func (h *recordingHandler) lostAgents(peerID string) ([]string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	agents, ok := h.lost[peerID]
	return agents, ok
}

type fakeChannel struct {
	id    string
	ready bool
	sent  [][]byte
	err   error
	fails int
}

func (c *fakeChannel) PeerID() string  { return c.id }
func (c *fakeChannel) Address() string { return c.id }
func (c *fakeChannel) Ready() bool     { return c.ready }
func (c *fakeChannel) Close() error    { c.ready = false; return nil }
func (c *fakeChannel) Start()          {}

func (c *fakeChannel) Send(data []byte) error {
	if c.fails > 0 {
		c.fails--
		return ErrSendQueueFull
	}
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, data)
	return nil
}

func testEnvelope(t *testing.T, to mesh.Recipient) *mesh.Envelope {
	t.Helper()
	env, err := mesh.NewEnvelope("agent-a", to, mesh.MessageHeartbeat, mesh.HeartbeatPayload{Status: mesh.StatusIdle, Health: 100})
	require.NoError(t, err)
	return env
}

func TestPeerIDFromAddress(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"10.0.0.1:7400", "10.0.0.1:7400"},
		{"10.0.0.1:7400/api/v1/peer", "10.0.0.1:7400"},
		{"ws://node-b:7400/api/v1/peer", "node-b:7400"},
		{"http://node-c:80", "node-c:80"},
	}
	for _, tt := range tests {
		if got := PeerIDFromAddress(tt.address); got != tt.want {
			t.Errorf("PeerIDFromAddress(%q): expected %q, got %q", tt.address, tt.want, got)
		}
	}
}

func TestDialURL(t *testing.T) {
	assert.Equal(t, "ws://node-b:7400/api/v1/peer", DialURL("node-b:7400"))
	assert.Equal(t, "ws://node-b:7400/custom", DialURL("node-b:7400/custom"))
	assert.Equal(t, "wss://node-b/api/v1/peer", DialURL("https://node-b/api/v1/peer"))
	assert.Equal(t, "ws://node-b:1/x", DialURL("ws://node-b:1/x"))
}

func TestBroadcastSkipsChannelsNotReady(t *testing.T) {
	r := NewRegistry(nil)
	up := &fakeChannel{id: "up", ready: true}
	down := &fakeChannel{id: "down", ready: false}
	r.Accept(up)
	r.Accept(down)

	sent, err := r.Broadcast(testEnvelope(t, mesh.Broadcast))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Len(t, up.sent, 1)
	assert.Empty(t, down.sent)
}

func TestSendToAgentRouting(t *testing.T) {
	r := NewRegistry(nil)
	ch := &fakeChannel{id: "10.0.0.2:7400", ready: true}
	r.Accept(ch)

	err := r.SendToAgent("agent-b", testEnvelope(t, mesh.To("agent-b")))
	assert.ErrorIs(t, err, ErrNoRoute)

	r.Bind("10.0.0.2:7400", "agent-b")
	require.NoError(t, r.SendToAgent("agent-b", testEnvelope(t, mesh.To("agent-b"))))
	assert.Len(t, ch.sent, 1)

	ch.ready = false
	err = r.SendToAgent("agent-b", testEnvelope(t, mesh.To("agent-b")))
	assert.ErrorIs(t, err, ErrChannelNotReady)
}

func TestBindUnknownPeerIgnored(t *testing.T) {
	r := NewRegistry(nil)
	r.Bind("nowhere", "agent-x")

	err := r.SendToAgent("agent-x", testEnvelope(t, mesh.To("agent-x")))
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestSendCriticalRetriesTransientFailures(t *testing.T) {
	r := NewRegistry(nil, WithRetry(RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxRetries: 3}))
	ch := &fakeChannel{id: "agent-b", ready: true, fails: 2}
	r.Accept(ch)

	require.NoError(t, r.SendCritical(context.Background(), "agent-b", testEnvelope(t, mesh.To("agent-b"))))
	assert.Len(t, ch.sent, 1)
}

func TestSendCriticalReportsPersistentFailure(t *testing.T) {
	r := NewRegistry(nil, WithRetry(RetryConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxRetries: 2}))

	err := r.SendCritical(context.Background(), "ghost", testEnvelope(t, mesh.To("ghost")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeliveryFailed))
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestSendCriticalStopsOnPermanentError(t *testing.T) {
	r := NewRegistry(nil, WithRetry(RetryConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxRetries: 5}))
	ch := &fakeChannel{id: "agent-b", ready: true, err: errors.New("boom")}
	r.Accept(ch)

	err := r.SendCritical(context.Background(), "agent-b", testEnvelope(t, mesh.To("agent-b")))
	require.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Contains(t, err.Error(), "after 1 attempts")
}

func TestDisconnectNotifiesBoundAgents(t *testing.T) {
	h := newRecordingHandler()
	r := NewRegistry(h)
	r.Accept(&fakeChannel{id: "p1", ready: true})
	r.Bind("p1", "agent-b")
	r.Bind("p1", "agent-c")

	require.NoError(t, r.Disconnect("p1"))
	agents, ok := h.lostAgents("p1")
	require.True(t, ok)
	assert.Equal(t, []string{"agent-b", "agent-c"}, agents)
	assert.Equal(t, 0, r.Count())

	assert.ErrorIs(t, r.Disconnect("p1"), ErrPeerNotFound)
}

func TestClosedIgnoresReplacedChannel(t *testing.T) {
	h := newRecordingHandler()
	r := NewRegistry(h)
	first := &fakeChannel{id: "p1", ready: true}
	second := &fakeChannel{id: "p1", ready: true}
	r.Accept(first)
	r.Accept(second)
	assert.False(t, first.ready, "replaced channel should be closed")

	r.Closed("p1", first)
	assert.Equal(t, 1, r.Count())
	_, ok := h.lostAgents("p1")
	assert.False(t, ok)
}

func TestConnectFailureSurfaces(t *testing.T) {
	r := NewRegistry(nil, WithDialer(&WSDialer{LocalID: "agent-a"}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := r.Connect(ctx, "127.0.0.1:1")
	require.Error(t, err)
	assert.Equal(t, 0, r.Count())
}

func TestWebSocketRoundTrip(t *testing.T) {
	serverHandler := newRecordingHandler()
	server := NewRegistry(serverHandler)
	ts := httptest.NewServer(HandleUpgrade(server))
	defer ts.Close()

	clientHandler := newRecordingHandler()
	client := NewRegistry(clientHandler, WithDialer(&WSDialer{LocalID: "agent-a"}))
	defer client.Close()

	address := "ws" + strings.TrimPrefix(ts.URL, "http") + DefaultPeerPath
	peerID, err := client.Connect(context.Background(), address)
	require.NoError(t, err)
	assert.Equal(t, strings.TrimPrefix(ts.URL, "http://"), peerID)

	sent, err := client.Broadcast(testEnvelope(t, mesh.Broadcast))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	select {
	case f := <-serverHandler.frames:
		assert.Equal(t, "agent-a", f.peerID)
		env, err := mesh.DecodeEnvelope(f.data)
		require.NoError(t, err)
		assert.Equal(t, mesh.MessageHeartbeat, env.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive the broadcast")
	}

	// The inbound side is keyed and bound by the announced agent id.
	reply, err := mesh.NewEnvelope("agent-b", mesh.To("agent-a"), mesh.MessageDiscover, nil)
	require.NoError(t, err)
	require.NoError(t, server.SendToAgent("agent-a", reply))

	select {
	case f := <-clientHandler.frames:
		assert.Equal(t, peerID, f.peerID)
		env, err := mesh.DecodeEnvelope(f.data)
		require.NoError(t, err)
		assert.Equal(t, mesh.MessageDiscover, env.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not receive the reply")
	}

	require.NoError(t, client.Disconnect(peerID))
	assert.Eventually(t, func() bool {
		_, ok := serverHandler.lostAgents("agent-a")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}
