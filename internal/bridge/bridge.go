// Package bridge translates overlay state into the /v1 API consumed by
// UI clients: a WebSocket feed of agent statuses and memory events, a
// stats endpoint, and a graph dump for visualization.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mnemonet/mnemo/internal/store"
	"github.com/mnemonet/mnemo/pkg/p2p"
)

// statusNames maps peer status to the UI's agent-status vocabulary.
var statusNames = map[string]string{
	p2p.StatusAlive:   "running",
	p2p.StatusSuspect: "stale",
	p2p.StatusDead:    "dead",
}

// capabilityPriority orders which capability names an agent type.
var capabilityPriority = []p2p.Capability{
	p2p.CapCLI, p2p.CapInference, p2p.CapValidation, p2p.CapStore, p2p.CapLLM,
}

const statusPollInterval = 2 * time.Second

// AgentStatus is the UI-facing projection of a peer.
type AgentStatus struct {
	AgentID       string   `json:"agent_id"`
	AgentType     string   `json:"agent_type"`
	Tags          []string `json:"tags"`
	Timestamp     string   `json:"timestamp"`
	StartedAt     string   `json:"started_at"`
	UptimeSeconds float64  `json:"uptime_seconds"`
	Status        string   `json:"status"`
}

// Bridge serves the /v1 endpoints on a node's HTTP mux.
type Bridge struct {
	node     *p2p.Node
	graph    store.Graph // nil on nodes without the store capability
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// client is one connected UI WebSocket with serialized writes.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// New builds a bridge and registers its memory-event forwarder on the
// node. graph may be nil.
func New(node *p2p.Node, graph store.Graph, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		node:     node,
		graph:    graph,
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[*client]struct{}),
	}
	node.AddEventListener(b.onMemoryEvent)
	return b
}

// Mount registers the /v1 routes.
func (b *Bridge) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/ws", b.handleWS)
	mux.HandleFunc("GET /v1/stats", b.handleStats)
	mux.HandleFunc("GET /v1/graph/nodes", b.handleGraphNodes)
}

// onMemoryEvent forwards flooded memory events to every UI client.
func (b *Bridge) onMemoryEvent(eventType string, data map[string]any) {
	names := map[string]string{"observe": "observation", "claim": "claim"}
	name, ok := names[eventType]
	if !ok {
		name = eventType
	}
	text, _ := data["text"].(string)
	id, _ := data["id"].(string)
	source, _ := data["source"].(string)
	msg := map[string]any{
		"type": "memory_event",
		"data": map[string]any{
			"id":          id,
			"event":       name,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"source":      source,
			"text":        text,
			"raw_content": text,
		},
	}
	b.broadcast(msg)
}

func (b *Bridge) broadcast(msg any) {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()
	for _, c := range clients {
		if err := c.send(msg); err != nil {
			b.drop(c)
		}
	}
}

func (b *Bridge) drop(c *client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	c.conn.Close()
}

// agentView converts a peer state to UI form.
func agentView(ps p2p.PeerState) AgentStatus {
	agentType := "node"
	for _, cap := range capabilityPriority {
		if ps.Info.Capabilities.Has(cap) {
			agentType = string(cap)
			break
		}
	}
	status, ok := statusNames[ps.Status]
	if !ok {
		status = "running"
	}
	now := time.Now().UTC()
	started := time.Unix(int64(ps.Info.StartedAt), 0).UTC()
	return AgentStatus{
		AgentID:       ps.Info.NodeID,
		AgentType:     agentType,
		Tags:          ps.Info.Capabilities.Sorted(),
		Timestamp:     now.Format(time.RFC3339),
		StartedAt:     started.Format(time.RFC3339),
		UptimeSeconds: now.Sub(started).Seconds(),
		Status:        status,
	}
}

// currentAgents returns self plus every known peer, keyed by node id.
func (b *Bridge) currentAgents() map[string]AgentStatus {
	out := make(map[string]AgentStatus)
	own := b.node.OwnState()
	out[own.Info.NodeID] = agentView(own)
	for _, ps := range b.node.Routing().AllPeers() {
		out[ps.Info.NodeID] = agentView(ps)
	}
	return out
}

// handleWS streams a snapshot, then agent-status diffs every poll tick,
// plus forwarded memory events, until the client goes away.
func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	b.log.Info("ui client connected", "remote", r.RemoteAddr)

	agents := b.currentAgents()
	snapshot := make([]AgentStatus, 0, len(agents))
	known := make(map[string]string, len(agents))
	for id, a := range agents {
		snapshot = append(snapshot, a)
		known[id] = a.Status
	}
	if err := c.send(map[string]any{
		"type": "snapshot",
		"data": map[string]any{"agents": snapshot},
	}); err != nil {
		b.drop(c)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, rerr := conn.ReadMessage(); rerr != nil {
				cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.drop(c)
			b.log.Info("ui client disconnected", "remote", r.RemoteAddr)
			return
		case <-ticker.C:
			current := b.currentAgents()
			for id, a := range current {
				if prev, seen := known[id]; !seen || prev != a.Status {
					if err := c.send(map[string]any{"type": "agent_status", "data": a}); err != nil {
						b.drop(c)
						return
					}
				}
			}
			for id := range known {
				if _, still := current[id]; !still {
					if err := c.send(map[string]any{
						"type": "agent_lifecycle",
						"data": map[string]any{
							"event":      "deregistered",
							"agent_id":   id,
							"agent_type": "unknown",
						},
					}); err != nil {
						b.drop(c)
						return
					}
				}
			}
			known = make(map[string]string, len(current))
			for id, a := range current {
				known[id] = a.Status
			}
		}
	}
}

// handleStats reports network topology and knowledge-graph totals.
func (b *Bridge) handleStats(w http.ResponseWriter, r *http.Request) {
	agents := b.currentAgents()
	byType := make(map[string][]map[string]any)
	alive := 0
	for _, a := range agents {
		if a.Status == "running" {
			alive++
		}
		byType[a.AgentType] = append(byType[a.AgentType], map[string]any{
			"agent_id":       a.AgentID,
			"status":         a.Status,
			"uptime_seconds": a.UptimeSeconds,
			"capabilities":   a.Tags,
		})
	}
	typeCounts := make(map[string]int, len(byType))
	for t, members := range byType {
		typeCounts[t] = len(members)
	}

	var counts store.Counts
	if b.graph != nil {
		if c, err := b.graph.Counts(r.Context()); err == nil {
			counts = c
		} else {
			b.log.Debug("stats counts failed", "error", err)
		}
	}

	b.mu.Lock()
	wsClients := len(b.clients)
	b.mu.Unlock()

	writeJSON(w, map[string]any{
		"network": map[string]any{
			"total_nodes":       len(agents),
			"active_nodes":      alive,
			"websocket_clients": wsClients,
			"nodes_by_type":     typeCounts,
		},
		"knowledge": counts,
		"nodes":     byType,
	})
}

// handleGraphNodes dumps nodes and edges for the visualization.
func (b *Bridge) handleGraphNodes(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	nodes := []map[string]any{}
	edges := []store.Relationship{}
	if b.graph != nil {
		ctx := r.Context()
		if observations, err := b.graph.RecentObservations(ctx, limit); err == nil {
			for _, o := range observations {
				nodes = append(nodes, map[string]any{"id": o.ID, "type": "Observation", "data": o})
			}
		}
		if statements, err := b.graph.RecentStatements(ctx, limit); err == nil {
			for _, s := range statements {
				nodes = append(nodes, map[string]any{"id": s.ID, "type": "Statement", "data": s})
			}
		}
		if concepts, err := b.graph.Concepts(ctx); err == nil {
			for _, c := range concepts {
				nodes = append(nodes, map[string]any{"id": c.ID, "type": "Concept", "data": c})
			}
		}
		if rels, err := b.graph.Relationships(ctx, limit*2); err == nil {
			edges = rels
		}
	}
	writeJSON(w, map[string]any{"nodes": nodes, "edges": edges})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
