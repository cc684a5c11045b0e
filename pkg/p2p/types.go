// Package p2p implements the peer-to-peer overlay: node identity,
// gossip-based membership, failure detection, event flooding, and
// capability-aware routing of memory-API calls.
package p2p

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ProtocolVersion is advertised in PeerInfo and carried verbatim in gossip.
const ProtocolVersion = "0.3.0"

// Capability names a service a node offers to the overlay.
type Capability string

// The closed set of capabilities. Unknown strings are rejected at parse time.
const (
	CapStore      Capability = "store"
	CapLLM        Capability = "llm"
	CapInference  Capability = "inference"
	CapValidation Capability = "validation"
	CapCLI        Capability = "cli"
)

var allCapabilities = map[Capability]bool{
	CapStore:      true,
	CapLLM:        true,
	CapInference:  true,
	CapValidation: true,
	CapCLI:        true,
}

// ParseCapability validates a capability string against the closed enum.
func ParseCapability(s string) (Capability, error) {
	c := Capability(s)
	if !allCapabilities[c] {
		return "", fmt.Errorf("unknown capability %q", s)
	}
	return c, nil
}

// CapabilitySet is an unordered set of capabilities. It serialises as a
// sorted JSON array so peer info hashes deterministically.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Superset reports whether every capability in other is also in s.
func (s CapabilitySet) Superset(other CapabilitySet) bool {
	for c := range other {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// Sorted returns the capabilities as a sorted string slice.
func (s CapabilitySet) Sorted() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

// Diff returns how many capabilities in s are absent from other.
func (s CapabilitySet) Diff(other CapabilitySet) int {
	n := 0
	for c := range s {
		if !other.Has(c) {
			n++
		}
	}
	return n
}

// MarshalJSON encodes the set as a sorted array.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes a JSON array of capability strings.
func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	set := make(CapabilitySet, len(raw))
	for _, r := range raw {
		c, err := ParseCapability(r)
		if err != nil {
			return err
		}
		set[c] = struct{}{}
	}
	*s = set
	return nil
}

// PeerInfo is the immutable identity and address of a node, gossiped
// verbatim through the network. Two PeerInfos describe the same identity
// iff all fields match.
type PeerInfo struct {
	NodeID       string        `json:"node_id"`
	Capabilities CapabilitySet `json:"capabilities"`
	HTTPURL      string        `json:"http_url"`
	WSURL        string        `json:"ws_url"`
	StartedAt    float64       `json:"started_at"`
	Version      string        `json:"version"`
}

// Peer status values.
const (
	StatusAlive   = "alive"
	StatusSuspect = "suspect"
	StatusDead    = "dead"
)

// PeerState is the locally maintained mutable view of a peer.
// heartbeat_seq is monotonic and advanced only by the owning node;
// last_seen is always a local timestamp, never the sender's clock.
type PeerState struct {
	Info         PeerInfo       `json:"info"`
	Status       string         `json:"status"`
	LastSeen     float64        `json:"last_seen"`
	HeartbeatSeq int64          `json:"heartbeat_seq"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// GenerateNodeID returns a fresh node identifier of the form "node-xxxxxxxx".
func GenerateNodeID() string {
	return "node-" + uuid.NewString()[:8]
}
