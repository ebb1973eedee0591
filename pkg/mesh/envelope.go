package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of envelope on the peer wire
type MessageType string

const (
	MessageHeartbeat MessageType = "heartbeat"
	MessageBid       MessageType = "bid"
	MessageNegotiate MessageType = "negotiate"
	MessageExecute   MessageType = "execute"
	MessageOptimize  MessageType = "optimize"
	MessageConsensus MessageType = "consensus"
	MessageDiscover  MessageType = "discover"
)

// MessageTypes lists every type the router understands
var MessageTypes = []MessageType{
	MessageHeartbeat,
	MessageBid,
	MessageNegotiate,
	MessageExecute,
	MessageOptimize,
	MessageConsensus,
	MessageDiscover,
}

// Known reports whether t is part of the protocol
func (t MessageType) Known() bool {
	for _, k := range MessageTypes {
		if k == t {
			return true
		}
	}
	return false
}

// BroadcastSentinel is the wire value of a broadcast recipient
const BroadcastSentinel = "broadcast"

// DefaultTTL bounds how long an envelope stays deliverable
const DefaultTTL = 30 * time.Second

var (
	// ErrInvalidEnvelope is returned when an envelope fails validation
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Recipient addresses an envelope either to one agent or to everyone.
// The zero value addresses nobody and fails validation.
type Recipient struct {
	agentID   string
	broadcast bool
}

// Broadcast addresses every connected peer
var Broadcast = Recipient{broadcast: true}

// To addresses a single agent
func To(agentID string) Recipient {
	if agentID == BroadcastSentinel {
		return Broadcast
	}
	return Recipient{agentID: agentID}
}

// IsBroadcast reports whether the recipient is the broadcast address
func (r Recipient) IsBroadcast() bool { return r.broadcast }

// AgentID returns the addressed agent, empty for broadcast
func (r Recipient) AgentID() string { return r.agentID }

// IsZero reports whether the recipient addresses nobody
func (r Recipient) IsZero() bool { return !r.broadcast && r.agentID == "" }

// Includes reports whether an envelope with this recipient should be delivered to agentID
func (r Recipient) Includes(agentID string) bool {
	return r.broadcast || r.agentID == agentID
}

func (r Recipient) String() string {
	if r.broadcast {
		return BroadcastSentinel
	}
	return r.agentID
}

// MarshalJSON encodes the recipient as the agent id or the broadcast sentinel
func (r Recipient) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes an agent id or the broadcast sentinel
func (r *Recipient) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("recipient must be a string: %w", err)
	}
	*r = To(s)
	return nil
}

// Envelope is the unit exchanged between peers
type Envelope struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        Recipient       `json:"to"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	TTL       int64           `json:"ttl"`       // milliseconds
}

// NewEnvelope builds an envelope with a fresh id, the current time and the default TTL
func NewEnvelope(from string, to Recipient, msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		raw = data
	}
	return &Envelope{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
		TTL:       DefaultTTL.Milliseconds(),
	}, nil
}

// Validate checks the fields every envelope must carry. Unknown types are valid here;
// the router decides what to do with them.
func (e *Envelope) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	case e.From == "":
		return fmt.Errorf("%w: missing sender", ErrInvalidEnvelope)
	case e.To.IsZero():
		return fmt.Errorf("%w: missing recipient", ErrInvalidEnvelope)
	case e.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	case e.TTL <= 0:
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidEnvelope)
	}
	return nil
}

// Expired reports whether the envelope outlived its TTL at now
func (e *Envelope) Expired(now time.Time) bool {
	return now.UnixMilli() > e.Timestamp+e.TTL
}

// DecodePayload unmarshals the payload into v
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrInvalidEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: bad %s payload: %v", ErrInvalidEnvelope, e.Type, err)
	}
	return nil
}

// Encode serializes the envelope for the wire
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates a wire frame
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// HeartbeatPayload is an agent's periodic self-report
type HeartbeatPayload struct {
	Status     AgentStatus `json:"status"`
	Health     float64     `json:"health"`
	Load       float64     `json:"load"`
	Reputation *Reputation `json:"reputation,omitempty"`
	Wallet     *Wallet     `json:"wallet,omitempty"`
}

// DiscoverPayload describes the sending agent
type DiscoverPayload struct {
	Agent Agent `json:"agent"`
}

// BidKind distinguishes auction requests from offers
type BidKind string

const (
	BidKindRequest BidKind = "request"
	BidKindOffer   BidKind = "offer"
)

// BidRequest asks peers to bid on a query before the deadline
type BidRequest struct {
	QueryID      string   `json:"queryId"`
	Query        string   `json:"query"`
	Requirements []string `json:"requirements,omitempty"`
	Requester    string   `json:"requester"`
	Deadline     int64    `json:"deadline"` // unix milliseconds
}

// BidPayload carries either a request or an offer
type BidPayload struct {
	Kind    BidKind     `json:"kind"`
	Request *BidRequest `json:"request,omitempty"`
	Offer   *Bid        `json:"offer,omitempty"`
}

// ExecutePayload notifies the winner of an auction
type ExecutePayload struct {
	QueryID      string   `json:"queryId"`
	Query        string   `json:"query"`
	Requirements []string `json:"requirements,omitempty"`
	Score        float64  `json:"score"`
	Bid          Bid      `json:"bid"`
}

// NegotiateKind distinguishes proposals from responses
type NegotiateKind string

const (
	NegotiateKindPropose NegotiateKind = "propose"
	NegotiateKindRespond NegotiateKind = "respond"
)

// NegotiationResponse answers a proposal
type NegotiationResponse struct {
	NegotiationID string            `json:"negotiationId"`
	From          string            `json:"from"`
	Status        NegotiationStatus `json:"status"`
	Terms         map[string]any    `json:"terms,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// NegotiatePayload carries a proposal or a response
type NegotiatePayload struct {
	Kind        NegotiateKind        `json:"kind"`
	Negotiation *Negotiation         `json:"negotiation,omitempty"`
	Response    *NegotiationResponse `json:"response,omitempty"`
}

// ConsensusPayload is a replica snapshot exchanged between peers
type ConsensusPayload struct {
	State       map[string]any    `json:"state"`
	VectorClock map[string]uint64 `json:"vectorClock"`
}

// OptimizePayload asks a node to start an optimization for one of its agents
type OptimizePayload struct {
	AgentID string `json:"agentId"`
	Metric  Metric `json:"metric"`
}
