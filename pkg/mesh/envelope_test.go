package mesh

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEnvelope_RoundTripPreservesBytes(t *testing.T) {
	env := &Envelope{
		ID:        "msg-1",
		From:      "agent-a",
		To:        To("agent-b"),
		Type:      MessageType("telepathy"), // not part of the protocol
		Payload:   json.RawMessage(`{"nested":{"k":[1,2,3]},"s":"x"}`),
		Timestamp: 1700000000123,
		TTL:       30000,
	}

	first, err := env.Encode()
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	decoded, err := DecodeEnvelope(first)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}

	second, err := decoded.Encode()
	if err != nil {
		t.Fatalf("Failed to re-encode: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("Round trip changed bytes:\n%s\n%s", first, second)
	}
	if decoded.Type != "telepathy" {
		t.Errorf("Expected unknown type to survive, got %s", decoded.Type)
	}
	if decoded.Type.Known() {
		t.Error("Expected telepathy to be an unknown type")
	}
}

func TestEnvelope_BroadcastRecipient(t *testing.T) {
	env, err := NewEnvelope("agent-a", Broadcast, MessageHeartbeat, HeartbeatPayload{Status: StatusIdle, Health: 90})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	data, _ := env.Encode()
	if !bytes.Contains(data, []byte(`"to":"broadcast"`)) {
		t.Errorf("Expected broadcast sentinel on the wire, got %s", data)
	}

	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if !decoded.To.IsBroadcast() {
		t.Error("Expected decoded recipient to be broadcast")
	}
	if !decoded.To.Includes("anyone") {
		t.Error("Expected broadcast to include every agent")
	}
}

func TestRecipient_Agent(t *testing.T) {
	r := To("agent-b")
	if r.IsBroadcast() {
		t.Error("Expected agent recipient")
	}
	if !r.Includes("agent-b") || r.Includes("agent-c") {
		t.Error("Expected recipient to include only agent-b")
	}
	if To(BroadcastSentinel) != Broadcast {
		t.Error("Expected sentinel id to map to Broadcast")
	}
}

func TestEnvelope_Validate(t *testing.T) {
	base := func() Envelope {
		return Envelope{ID: "1", From: "a", To: To("b"), Type: MessageBid, TTL: 10}
	}

	tests := []struct {
		name   string
		mutate func(e *Envelope)
	}{
		{"missing id", func(e *Envelope) { e.ID = "" }},
		{"missing sender", func(e *Envelope) { e.From = "" }},
		{"missing recipient", func(e *Envelope) { e.To = Recipient{} }},
		{"missing type", func(e *Envelope) { e.Type = "" }},
		{"zero ttl", func(e *Envelope) { e.TTL = 0 }},
		{"negative ttl", func(e *Envelope) { e.TTL = -5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := base()
			tt.mutate(&e)
			if err := e.Validate(); !errors.Is(err, ErrInvalidEnvelope) {
				t.Errorf("Expected ErrInvalidEnvelope, got %v", err)
			}
		})
	}

	e := base()
	if err := e.Validate(); err != nil {
		t.Errorf("Expected valid envelope, got %v", err)
	}
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	inputs := [][]byte{
		[]byte(`not json`),
		[]byte(`{"id":"1","from":"a","to":42,"type":"bid","ttl":5}`),
		[]byte(`{"id":"1","from":"a","to":"b","type":"bid","ttl":0}`),
	}
	for _, in := range inputs {
		if _, err := DecodeEnvelope(in); !errors.Is(err, ErrInvalidEnvelope) {
			t.Errorf("Expected ErrInvalidEnvelope for %s, got %v", in, err)
		}
	}
}

func TestEnvelope_Expired(t *testing.T) {
	now := time.UnixMilli(10_000)
	env := Envelope{Timestamp: 5_000, TTL: 5_000}
	if env.Expired(now) {
		t.Error("Expected envelope to be deliverable at its deadline")
	}
	if !env.Expired(now.Add(time.Millisecond)) {
		t.Error("Expected envelope to expire after its deadline")
	}
}

func TestEnvelope_DecodePayload(t *testing.T) {
	env, _ := NewEnvelope("a", To("b"), MessageConsensus, ConsensusPayload{
		State:       map[string]any{"k": "v"},
		VectorClock: map[string]uint64{"a": 3},
	})

	var p ConsensusPayload
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if p.VectorClock["a"] != 3 {
		t.Errorf("Expected clock 3, got %d", p.VectorClock["a"])
	}

	empty := Envelope{Type: MessageConsensus}
	if err := empty.DecodePayload(&p); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("Expected ErrInvalidEnvelope for empty payload, got %v", err)
	}
}
