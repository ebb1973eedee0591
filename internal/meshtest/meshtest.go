// Package meshtest provides fakes shared by the coordination package tests.
package meshtest

import (
	"sync"
	"time"

	"github.com/candlefish-ai/meshcoord/pkg/mesh"
)

// Sent is one message handed to the fake messenger
type Sent struct {
	To       mesh.Recipient
	Type     mesh.MessageType
	Payload  any
	Critical bool
}

// Messenger records outbound messages instead of sending them.
// Critical sends to agents listed in failures report the failure synchronously.
type Messenger struct {
	mu       sync.Mutex
	sent     []Sent
	failures map[string]error
}

// NewMessenger creates an empty recording messenger
func NewMessenger() *Messenger {
	return &Messenger{failures: make(map[string]error)}
}

// Fail makes every critical send to agentID fail with err
func (m *Messenger) Fail(agentID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[agentID] = err
}

func (m *Messenger) Broadcast(typ mesh.MessageType, payload any) error {
	m.record(Sent{To: mesh.Broadcast, Type: typ, Payload: payload})
	return nil
}

func (m *Messenger) Send(to string, typ mesh.MessageType, payload any) error {
	m.record(Sent{To: mesh.To(to), Type: typ, Payload: payload})
	return nil
}

func (m *Messenger) SendCritical(to string, typ mesh.MessageType, payload any, onFail func(error)) {
	m.record(Sent{To: mesh.To(to), Type: typ, Payload: payload, Critical: true})

	m.mu.Lock()
	err := m.failures[to]
	m.mu.Unlock()
	if err != nil && onFail != nil {
		onFail(err)
	}
}

func (m *Messenger) record(s Sent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, s)
}

// Sent returns every recorded message in order
func (m *Messenger) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// OfType returns the recorded messages of one type
func (m *Messenger) OfType(typ mesh.MessageType) []Sent {
	var out []Sent
	for _, s := range m.Sent() {
		if s.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

// SentTo returns the recorded messages addressed to agentID
func (m *Messenger) SentTo(agentID string) []Sent {
	var out []Sent
	for _, s := range m.Sent() {
		if !s.To.IsBroadcast() && s.To.AgentID() == agentID {
			out = append(out, s)
		}
	}
	return out
}

// Reset forgets recorded messages but keeps configured failures
func (m *Messenger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// Agent builds an idle, healthy agent with one capability per category
func Agent(id string, trust float64, categories ...string) *mesh.Agent {
	a := &mesh.Agent{
		ID:     id,
		Name:   id,
		Status: mesh.StatusIdle,
		Health: 100,
		Reputation: mesh.Reputation{
			TrustScore:      trust,
			CompletedTasks:  1,
			AvgResponseTime: 200,
		},
		LastSeen: time.Now(),
	}
	for _, c := range categories {
		a.Capabilities = append(a.Capabilities, mesh.Capability{Category: c, Performance: 80, Availability: 100})
	}
	return a
}
