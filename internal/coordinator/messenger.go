package coordinator

import (
	"fmt"

	"github.com/candlefish-ai/meshcoord/pkg/mesh"
)

// messenger wraps payloads in envelopes from the local agent and hands them to
// the peer registry. It satisfies the Messenger interfaces of the auction and
// negotiation coordinators.
type messenger struct {
	node *Node
}

func (m *messenger) Broadcast(typ mesh.MessageType, payload any) error {
	env, err := mesh.NewEnvelope(m.node.localID, mesh.Broadcast, typ, payload)
	if err != nil {
		return err
	}
	sent, err := m.node.peers.Broadcast(env)
	if err != nil {
		return err
	}
	m.node.logger.Debug("coordinator: broadcast", "type", typ, "peers", sent)
	return nil
}

func (m *messenger) Send(to string, typ mesh.MessageType, payload any) error {
	if to == m.node.localID {
		return fmt.Errorf("%w: %s", ErrSelfAddressed, typ)
	}
	env, err := mesh.NewEnvelope(m.node.localID, mesh.To(to), typ, payload)
	if err != nil {
		return err
	}
	return m.node.peers.SendToAgent(to, env)
}

// SendCritical retries on its own goroutine. onFail runs on the mailbox goroutine.
func (m *messenger) SendCritical(to string, typ mesh.MessageType, payload any, onFail func(error)) {
	fail := func(err error) {
		m.node.metrics.MessageDropped(m.node.ctx, "undeliverable")
		m.node.logger.Warn("coordinator: critical send failed", "to", to, "type", typ, "error", err)
		if onFail != nil {
			m.node.post(func() { onFail(err) })
		}
	}

	if to == m.node.localID {
		go fail(fmt.Errorf("%w: %s", ErrSelfAddressed, typ))
		return
	}
	env, err := mesh.NewEnvelope(m.node.localID, mesh.To(to), typ, payload)
	if err != nil {
		go fail(err)
		return
	}

	go func() {
		if err := m.node.peers.SendCritical(m.node.ctx, to, env); err != nil {
			fail(err)
		}
	}()
}
