package p2p

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message types carried in Envelope.MsgType.
const (
	MsgJoin     = "join"     // new node announcing itself to a seed peer
	MsgWelcome  = "welcome"  // response to join, includes known peers
	MsgGossip   = "gossip"   // peer state propagation between neighbours
	MsgRequest  = "request"  // memory-API RPC call
	MsgResponse = "response" // RPC result
	MsgEvent    = "event"    // broadcast notification (observation/claim created)
	MsgPing     = "ping"     // liveness check
	MsgPong     = "pong"     // liveness reply
	MsgLeave    = "leave"    // graceful shutdown notification
)

// DefaultEventTTL is the hop budget for event flooding. Tunable; in dense
// meshes a smaller value reduces duplicate delivery, in sparse ones a larger
// value improves coverage.
const DefaultEventTTL = 3

// Envelope is the wire format for all node-to-node traffic, over both
// HTTP POST and the WebSocket stream. recipient_id is empty for broadcast;
// reply_to correlates response→request, welcome→join, and pong→ping.
type Envelope struct {
	MsgType     string          `json:"msg_type"`
	MsgID       string          `json:"msg_id"`
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id,omitempty"`
	Timestamp   float64         `json:"timestamp"`
	TTL         int             `json:"ttl"`
	ReplyTo     string          `json:"reply_to,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a fresh msg_id, the current
// timestamp, and the default TTL.
func NewEnvelope(msgType, senderID string) *Envelope {
	return &Envelope{
		MsgType:   msgType,
		MsgID:     NewMessageID(),
		SenderID:  senderID,
		Timestamp: unixNow(),
		TTL:       DefaultEventTTL,
	}
}

// NewMessageID returns a 16-hex-character message identifier.
func NewMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// SetPayload marshals v into the envelope payload.
func (e *Envelope) SetPayload(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	e.Payload = raw
	return nil
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("empty payload on %s envelope", e.MsgType)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.MsgType, err)
	}
	return nil
}

// Typed payloads per message type.

// JoinPayload announces the joiner's identity.
type JoinPayload struct {
	PeerInfo PeerInfo `json:"peer_info"`
}

// WelcomePayload returns the responder's view of the network.
type WelcomePayload struct {
	Peers []PeerState `json:"peers"`
}

// GossipPayload carries the sender's own state plus its full peer table.
type GossipPayload struct {
	PeerStates []PeerState `json:"peer_states"`
}

// RequestPayload is a memory-API RPC call.
type RequestPayload struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

// ResponsePayload is an RPC result. A non-empty Error surfaces verbatim
// to the caller.
type ResponsePayload struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// EventPayload is a flooded network notification.
type EventPayload struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
