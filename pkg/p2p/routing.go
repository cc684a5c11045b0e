package p2p

import (
	"math/rand/v2"
	"sync"
)

// MethodCapabilities maps each memory-API method to the capabilities a
// peer must hold to serve it. The table is part of the wire contract and
// is replicated at both caller and callee.
var MethodCapabilities = map[string]CapabilitySet{
	"observe":                       NewCapabilitySet(CapStore, CapLLM),
	"claim":                         NewCapabilitySet(CapStore, CapLLM),
	"remember":                      NewCapabilitySet(CapStore, CapLLM),
	"infer":                         NewCapabilitySet(CapLLM),
	"get_recent_observations":       NewCapabilitySet(CapStore),
	"get_recent_statements":         NewCapabilitySet(CapStore),
	"get_unresolved_contradictions": NewCapabilitySet(CapStore),
	"get_concepts":                  NewCapabilitySet(CapStore),
	"flag_contradiction":            NewCapabilitySet(CapStore),
	"get_schema":                    NewCapabilitySet(CapStore),
	"update_schema":                 NewCapabilitySet(CapStore),
	"clear":                         NewCapabilitySet(CapStore),
}

// URLOverride pins locally learned reachable addresses for a peer.
type URLOverride struct {
	HTTPURL string
	WSURL   string
}

// RoutingTable maintains the local view of all known peers and answers
// capability queries for the memory-API router.
//
// Update rules: a higher heartbeat_seq always wins; on a tie, a later
// last_seen refreshes liveness without replacing the entry. URL overrides
// are re-applied after every update so gossip bearing a peer's
// self-reported (possibly unreachable) URLs does not clobber addresses
// learned at bootstrap.
type RoutingTable struct {
	mu        sync.RWMutex
	peers     map[string]*PeerState
	overrides map[string]URLOverride
}

// NewRoutingTable returns an empty routing table.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{
		peers:     make(map[string]*PeerState),
		overrides: make(map[string]URLOverride),
	}
}

// SetURLOverride records reachable URLs for a peer, applied on every
// subsequent update. Needed when a peer advertises a hostname (for
// example a container name) that this node cannot resolve.
func (t *RoutingTable) SetURLOverride(nodeID string, o URLOverride) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overrides[nodeID] = o
	if ps, ok := t.peers[nodeID]; ok {
		t.applyOverride(ps)
	}
}

func (t *RoutingTable) applyOverride(ps *PeerState) {
	o, ok := t.overrides[ps.Info.NodeID]
	if !ok {
		return
	}
	if o.HTTPURL != "" {
		ps.Info.HTTPURL = o.HTTPURL
	}
	if o.WSURL != "" {
		ps.Info.WSURL = o.WSURL
	}
}

// UpdatePeer merges an advertised peer state into the table. It returns
// true iff this was new information (unknown peer or higher
// heartbeat_seq), so callers can log only novelty. Even on stale
// sequences, a later last_seen refreshes liveness: receiving gossip
// about a peer proves it was recently alive.
func (t *RoutingTable) UpdatePeer(state PeerState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.peers[state.Info.NodeID]
	if !ok {
		stored := state
		t.applyOverride(&stored)
		t.peers[state.Info.NodeID] = &stored
		return true
	}
	if state.HeartbeatSeq > existing.HeartbeatSeq {
		stored := state
		t.applyOverride(&stored)
		t.peers[state.Info.NodeID] = &stored
		return true
	}
	if state.LastSeen > existing.LastSeen {
		existing.LastSeen = state.LastSeen
		existing.Status = StatusAlive
		t.applyOverride(existing)
	}
	return false
}

// RemovePeer drops a peer. Idempotent.
func (t *RoutingTable) RemovePeer(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, nodeID)
}

// SetStatus updates a peer's status, if the peer is known.
func (t *RoutingTable) SetStatus(nodeID, status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ps, ok := t.peers[nodeID]; ok {
		ps.Status = status
	}
}

// Touch refreshes a peer's last_seen and marks it alive.
func (t *RoutingTable) Touch(nodeID string, lastSeen float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ps, ok := t.peers[nodeID]; ok {
		ps.LastSeen = lastSeen
		ps.Status = StatusAlive
	}
}

// PeersWithCapability returns all alive peers holding the capability,
// excluding the given node id.
func (t *RoutingTable) PeersWithCapability(cap Capability, exclude string) []PeerState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []PeerState
	for _, ps := range t.peers {
		if ps.Status == StatusAlive && ps.Info.Capabilities.Has(cap) && ps.Info.NodeID != exclude {
			out = append(out, *ps)
		}
	}
	return out
}

// RouteMethod picks one alive peer whose capability set covers the
// method's requirements, uniformly at random for cheap load spreading.
// Returns false when no candidate exists.
func (t *RoutingTable) RouteMethod(method, exclude string) (PeerState, bool) {
	required := MethodCapabilities[method]

	t.mu.RLock()
	defer t.mu.RUnlock()
	var candidates []*PeerState
	for _, ps := range t.peers {
		if ps.Status == StatusAlive && ps.Info.NodeID != exclude && ps.Info.Capabilities.Superset(required) {
			candidates = append(candidates, ps)
		}
	}
	if len(candidates) == 0 {
		return PeerState{}, false
	}
	return *candidates[rand.IntN(len(candidates))], true
}

// AlivePeers returns all alive peers, excluding the given node id.
func (t *RoutingTable) AlivePeers(exclude string) []PeerState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []PeerState
	for _, ps := range t.peers {
		if ps.Status == StatusAlive && ps.Info.NodeID != exclude {
			out = append(out, *ps)
		}
	}
	return out
}

// AllPeers returns a snapshot of every known peer regardless of status.
func (t *RoutingTable) AllPeers() []PeerState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerState, 0, len(t.peers))
	for _, ps := range t.peers {
		out = append(out, *ps)
	}
	return out
}

// Len returns the number of known peers.
func (t *RoutingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
