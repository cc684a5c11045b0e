package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Overlay timing defaults. All are tunable through Config.
const (
	DefaultMaxNeighbors        = 8
	DefaultGossipInterval      = 5 * time.Second
	DefaultGossipFanout        = 3
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultSuspectTimeout      = 15 * time.Second
	DefaultDeadTimeout         = 30 * time.Second
	DefaultHeartbeatInterval   = 5 * time.Second
	DefaultSeenMsgMax          = 10_000

	// ControlTimeout bounds control-plane RPCs; LLMTimeout bounds calls
	// that may wait on a model.
	ControlTimeout = 30 * time.Second
	LLMTimeout     = 120 * time.Second
)

// mutatingMethods are the memory-API calls that flood an event after a
// successful local execution.
var mutatingMethods = map[string]bool{
	"observe":            true,
	"claim":              true,
	"flag_contradiction": true,
}

// MemoryInvoker executes a memory-API method by name against the local
// service. Registered on nodes that carry the relevant capabilities.
type MemoryInvoker interface {
	Invoke(ctx context.Context, method string, args json.RawMessage) (any, error)
}

// EventListener receives flooded network events. Listeners are invoked
// asynchronously; a slow listener never stalls dispatch.
type EventListener func(eventType string, data map[string]any)

// Config parameterises a Node. Zero values take the documented defaults.
type Config struct {
	NodeID        string
	Capabilities  []Capability
	Host          string
	Port          int
	AdvertiseHost string
	Bootstrap     []string

	EventTTL            int
	MaxNeighbors        int
	GossipInterval      time.Duration
	GossipFanout        int
	HealthCheckInterval time.Duration
	SuspectTimeout      time.Duration
	DeadTimeout         time.Duration
	HeartbeatInterval   time.Duration
	SeenMsgMax          int

	Metrics *Metrics
	Logger  *slog.Logger
}

func (c *Config) withDefaults() error {
	if len(c.Capabilities) == 0 {
		return fmt.Errorf("node needs at least one capability")
	}
	if c.NodeID == "" {
		c.NodeID = GenerateNodeID()
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.AdvertiseHost == "" {
		if c.Host == "0.0.0.0" || c.Host == "::" {
			return fmt.Errorf("advertise host required when listening on %s", c.Host)
		}
		c.AdvertiseHost = c.Host
	}
	if c.EventTTL == 0 {
		c.EventTTL = DefaultEventTTL
	}
	if c.MaxNeighbors == 0 {
		c.MaxNeighbors = DefaultMaxNeighbors
	}
	if c.GossipInterval == 0 {
		c.GossipInterval = DefaultGossipInterval
	}
	if c.GossipFanout == 0 {
		c.GossipFanout = DefaultGossipFanout
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.SuspectTimeout == 0 {
		c.SuspectTimeout = DefaultSuspectTimeout
	}
	if c.DeadTimeout == 0 {
		c.DeadTimeout = DefaultDeadTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SeenMsgMax == 0 {
		c.SeenMsgMax = DefaultSeenMsgMax
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Node is a single participant in the overlay. It runs the inbound
// transport, maintains neighbour streams, gossips peer state, floods
// events, and serves memory-API RPCs when capable.
type Node struct {
	cfg     Config
	log     *slog.Logger
	metrics *Metrics

	nodeID string
	caps   CapabilitySet

	routing *RoutingTable
	gossip  *Gossip
	server  *Server
	client  *Client

	heartbeatSeq atomic.Int64
	startedAt    float64
	seen         *seenSet

	mu        sync.Mutex
	info      PeerInfo
	invoker   MemoryInvoker
	listeners []EventListener

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewNode builds a node from cfg. Call Start to join the network.
func NewNode(cfg Config) (*Node, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, fmt.Errorf("node config: %w", err)
	}
	n := &Node{
		cfg:     cfg,
		log:     cfg.Logger.With("node", cfg.NodeID),
		metrics: cfg.Metrics,
		nodeID:  cfg.NodeID,
		caps:    NewCapabilitySet(cfg.Capabilities...),
		routing: NewRoutingTable(),
		seen:    newSeenSet(cfg.SeenMsgMax),
	}
	n.gossip = newGossip(n, cfg.GossipInterval, cfg.GossipFanout)
	n.server = NewServer(n, n.log)
	n.client = NewClient(n.log)
	return n, nil
}

// NodeID returns the node's stable identifier.
func (n *Node) NodeID() string { return n.nodeID }

// Capabilities returns the node's capability set.
func (n *Node) Capabilities() CapabilitySet { return n.caps }

// Routing exposes the routing table for the router and UI feed.
func (n *Node) Routing() *RoutingTable { return n.routing }

// Client exposes the outbound transport for the memory-API router.
func (n *Node) Client() *Client { return n.client }

// Server exposes the inbound transport.
func (n *Node) Server() *Server { return n.server }

// Info returns the node's advertised identity. Valid after Start.
func (n *Node) Info() PeerInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.info
}

// HeartbeatSeq returns the node's own heartbeat counter.
func (n *Node) HeartbeatSeq() int64 { return n.heartbeatSeq.Load() }

// OwnState builds this node's current PeerState, with diagnostic
// metadata, for gossip and the join handshake.
func (n *Node) OwnState() PeerState {
	return PeerState{
		Info:         n.Info(),
		Status:       StatusAlive,
		LastSeen:     unixNow(),
		HeartbeatSeq: n.heartbeatSeq.Load(),
		Metadata: map[string]any{
			"peer_count":     n.routing.Len(),
			"neighbor_count": len(n.neighborIDs()),
		},
	}
}

// RegisterMemory installs the local memory service dispatcher. Nodes
// without store/llm capabilities leave it unset and route every call.
func (n *Node) RegisterMemory(inv MemoryInvoker) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.invoker = inv
}

// AddEventListener registers a callback for flooded network events.
func (n *Node) AddEventListener(fn EventListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

// Start binds the transport, joins the bootstrap peers, connects
// neighbour streams, and launches the gossip, health-check, and
// heartbeat loops.
func (n *Node) Start(ctx context.Context) error {
	if err := n.server.Start(n.cfg.Host, n.cfg.Port); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	port := n.server.Port()
	n.startedAt = unixNow()

	n.mu.Lock()
	n.info = PeerInfo{
		NodeID:       n.nodeID,
		Capabilities: n.caps,
		HTTPURL:      fmt.Sprintf("http://%s:%d", n.cfg.AdvertiseHost, port),
		WSURL:        fmt.Sprintf("ws://%s:%d/p2p/ws", n.cfg.AdvertiseHost, port),
		StartedAt:    n.startedAt,
		Version:      ProtocolVersion,
	}
	n.mu.Unlock()

	n.log.Info("node listening",
		"host", n.cfg.Host, "port", port,
		"capabilities", n.caps.Sorted())

	for _, peerURL := range n.cfg.Bootstrap {
		peers, err := n.joinPeer(ctx, peerURL)
		if err != nil {
			n.log.Warn("bootstrap failed", "url", peerURL, "error", err)
			continue
		}
		for _, ps := range peers {
			n.routing.UpdatePeer(ps)
		}
		n.log.Info("bootstrapped", "url", peerURL, "learned", len(peers))
	}

	n.connectToNeighbors(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	g, gctx := errgroup.WithContext(loopCtx)
	n.group = g
	g.Go(func() error { n.gossip.run(gctx); return nil })
	g.Go(func() error { n.healthCheckLoop(gctx); return nil })
	g.Go(func() error { n.heartbeatLoop(gctx); return nil })

	n.log.Info("node started", "known_peers", n.routing.Len())
	return nil
}

// Stop notifies neighbours, cancels background loops, and closes the
// transport. In-flight responses either complete or are dropped by the
// caller's timeout.
func (n *Node) Stop(ctx context.Context) error {
	leave := NewEnvelope(MsgLeave, n.nodeID)
	n.client.BroadcastStream(leave)
	n.server.BroadcastInbound(leave)

	if n.cancel != nil {
		n.cancel()
		n.group.Wait()
	}
	n.client.CloseAll()
	if err := n.server.Stop(ctx); err != nil {
		return err
	}
	n.log.Info("node stopped")
	return nil
}

// joinPeer posts a join envelope to a seed peer and installs the peers
// returned in the welcome. When the responder advertises a different
// address than the one we actually reached it on, the reachable address
// is pinned as a URL override so later gossip cannot clobber it.
func (n *Node) joinPeer(ctx context.Context, peerURL string) ([]PeerState, error) {
	env := NewEnvelope(MsgJoin, n.nodeID)
	if err := env.SetPayload(JoinPayload{PeerInfo: n.Info()}); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, ControlTimeout)
	defer cancel()
	reply, err := n.client.Post(callCtx, peerURL+"/p2p/message", env)
	if err != nil {
		return nil, err
	}
	if reply.MsgType != MsgWelcome {
		return nil, fmt.Errorf("expected welcome, got %q", reply.MsgType)
	}
	var payload WelcomePayload
	if err := reply.DecodePayload(&payload); err != nil {
		return nil, err
	}

	now := unixNow()
	for i := range payload.Peers {
		payload.Peers[i].LastSeen = now
	}
	for _, ps := range payload.Peers {
		if ps.Info.NodeID == reply.SenderID && ps.Info.HTTPURL != peerURL {
			n.routing.SetURLOverride(ps.Info.NodeID, URLOverride{
				HTTPURL: peerURL,
				WSURL:   wsURLFor(peerURL),
			})
		}
	}
	return payload.Peers, nil
}

// wsURLFor derives the stream endpoint from a peer's HTTP base URL.
func wsURLFor(httpURL string) string {
	u, err := url.Parse(httpURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/p2p/ws"
	return u.String()
}

// connectToNeighbors opens outbound streams up to MaxNeighbors, preferring
// peers whose capability sets differ most from our own to maximise mesh
// coverage.
func (n *Node) connectToNeighbors(ctx context.Context) {
	connected := n.client.ConnectedPeerIDs()
	needed := n.cfg.MaxNeighbors - len(connected)
	if needed <= 0 {
		return
	}
	have := make(map[string]bool, len(connected))
	for _, id := range connected {
		have[id] = true
	}

	peers := n.routing.AlivePeers(n.nodeID)
	sort.SliceStable(peers, func(i, j int) bool {
		return peers[i].Info.Capabilities.Diff(n.caps) > peers[j].Info.Capabilities.Diff(n.caps)
	})

	for _, ps := range peers {
		if needed <= 0 {
			break
		}
		if have[ps.Info.NodeID] {
			continue
		}
		err := n.client.StreamConnect(ctx, ps.Info.NodeID, ps.Info.WSURL, func(env *Envelope) {
			peerID := env.SenderID
			if resp := n.HandleEnvelope(context.Background(), env); resp != nil {
				n.client.StreamSend(peerID, resp)
			}
		})
		if err != nil {
			n.log.Debug("neighbor connect failed", "peer", ps.Info.NodeID, "error", err)
			continue
		}
		needed--
	}
	n.updatePeerGauges()
}

// neighborIDs returns the union of inbound and outbound stream peers.
func (n *Node) neighborIDs() []string {
	set := make(map[string]struct{})
	for _, id := range n.client.ConnectedPeerIDs() {
		set[id] = struct{}{}
	}
	for _, id := range n.server.InboundPeerIDs() {
		set[id] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ── Background loops ───────────────────────────────────────────────

func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.heartbeatSeq.Add(1)
		}
	}
}

func (n *Node) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.healthCheckRound(ctx)
		}
	}
}

// healthCheckRound degrades silent peers to suspect, probes them, removes
// the dead, and tops neighbour streams back up.
func (n *Node) healthCheckRound(ctx context.Context) {
	now := unixNow()
	var toRemove []string

	for _, ps := range n.routing.AllPeers() {
		elapsed := time.Duration((now - ps.LastSeen) * float64(time.Second))
		switch {
		case elapsed > n.cfg.DeadTimeout:
			n.routing.SetStatus(ps.Info.NodeID, StatusDead)
			toRemove = append(toRemove, ps.Info.NodeID)
		case elapsed > n.cfg.SuspectTimeout && ps.Status != StatusSuspect:
			n.routing.SetStatus(ps.Info.NodeID, StatusSuspect)
			probeCtx, cancel := context.WithTimeout(ctx, ControlTimeout)
			_, err := n.client.CheckHealth(probeCtx, ps.Info.HTTPURL)
			cancel()
			if err == nil {
				n.routing.Touch(ps.Info.NodeID, unixNow())
			}
		}
	}

	for _, id := range toRemove {
		n.routing.RemovePeer(id)
		n.client.ClosePeer(id)
		n.log.Info("removed dead peer", "peer", id)
	}

	n.connectToNeighbors(ctx)
	n.updatePeerGauges()
}

func (n *Node) updatePeerGauges() {
	if n.metrics == nil {
		return
	}
	n.metrics.KnownPeers.Set(float64(n.routing.Len()))
	n.metrics.AlivePeers.Set(float64(len(n.routing.AlivePeers(""))))
	n.metrics.NeighborStreams.WithLabelValues("outbound").Set(float64(len(n.client.ConnectedPeerIDs())))
	n.metrics.NeighborStreams.WithLabelValues("inbound").Set(float64(len(n.server.InboundPeerIDs())))
}

// ── Envelope dispatch ──────────────────────────────────────────────

// HandleEnvelope is the central dispatch for every inbound envelope,
// whatever transport it arrived on. Handler failures are trapped and
// reported as response errors; a peer's bad message never crashes the
// node.
func (n *Node) HandleEnvelope(ctx context.Context, env *Envelope) *Envelope {
	if n.seen.CheckAndMark(env.MsgID) {
		if n.metrics != nil {
			n.metrics.EnvelopesDroppedTotal.WithLabelValues("duplicate").Inc()
		}
		return nil
	}
	if n.metrics != nil {
		n.metrics.EnvelopesTotal.WithLabelValues(env.MsgType).Inc()
	}

	switch env.MsgType {
	case MsgJoin:
		return n.handleJoin(env)
	case MsgGossip:
		n.gossip.handle(env)
		return nil
	case MsgPing:
		pong := NewEnvelope(MsgPong, n.nodeID)
		pong.ReplyTo = env.MsgID
		return pong
	case MsgRequest:
		return n.handleRequest(ctx, env)
	case MsgEvent:
		n.handleEvent(env)
		return nil
	case MsgLeave:
		n.routing.RemovePeer(env.SenderID)
		n.client.ClosePeer(env.SenderID)
		n.log.Info("peer left", "peer", env.SenderID)
		return nil
	default:
		n.log.Warn("unknown message type", "msg_type", env.MsgType, "from", env.SenderID)
		if n.metrics != nil {
			n.metrics.EnvelopesDroppedTotal.WithLabelValues("unknown_type").Inc()
		}
		return nil
	}
}

// HealthInfo implements the liveness probe body.
func (n *Node) HealthInfo() HealthInfo {
	return HealthInfo{
		Status:       "ok",
		NodeID:       n.nodeID,
		Capabilities: n.caps.Sorted(),
		PeerCount:    n.routing.Len(),
	}
}

func (n *Node) handleJoin(env *Envelope) *Envelope {
	var payload JoinPayload
	if err := env.DecodePayload(&payload); err != nil {
		n.log.Warn("dropping malformed join", "from", env.SenderID, "error", err)
		return nil
	}
	n.routing.UpdatePeer(PeerState{
		Info:     payload.PeerInfo,
		Status:   StatusAlive,
		LastSeen: unixNow(),
	})

	all := append([]PeerState{n.OwnState()}, n.routing.AllPeers()...)
	peers := all[:0]
	for _, ps := range all {
		if ps.Info.NodeID != env.SenderID {
			peers = append(peers, ps)
		}
	}

	welcome := NewEnvelope(MsgWelcome, n.nodeID)
	welcome.ReplyTo = env.MsgID
	if err := welcome.SetPayload(WelcomePayload{Peers: peers}); err != nil {
		n.log.Error("encode welcome", "error", err)
		return nil
	}
	return welcome
}

func (n *Node) handleRequest(ctx context.Context, env *Envelope) *Envelope {
	var payload RequestPayload
	if err := env.DecodePayload(&payload); err != nil {
		return n.errorResponse(env, fmt.Sprintf("malformed request: %v", err))
	}

	required := MethodCapabilities[payload.Method]
	if !n.caps.Superset(required) {
		return n.errorResponse(env, fmt.Sprintf(
			"node %s lacks capabilities for %q", n.nodeID, payload.Method))
	}

	callCtx, cancel := context.WithTimeout(ctx, methodTimeout(payload.Method))
	defer cancel()
	result, err := n.InvokeLocal(callCtx, payload.Method, payload.Args)
	if err != nil {
		n.log.Error("request handler failed", "method", payload.Method, "error", err)
		return n.errorResponse(env, err.Error())
	}

	resp := NewEnvelope(MsgResponse, n.nodeID)
	resp.ReplyTo = env.MsgID
	if err := resp.SetPayload(ResponsePayload{Result: result}); err != nil {
		return n.errorResponse(env, fmt.Sprintf("encode result: %v", err))
	}
	return resp
}

func (n *Node) errorResponse(env *Envelope, msg string) *Envelope {
	resp := NewEnvelope(MsgResponse, n.nodeID)
	resp.ReplyTo = env.MsgID
	resp.SetPayload(ResponsePayload{Result: json.RawMessage("null"), Error: msg})
	return resp
}

// methodTimeout returns the RPC budget for a memory-API method: generous
// for LLM-bearing calls, tight for control-plane calls.
func methodTimeout(method string) time.Duration {
	switch method {
	case "observe", "claim", "remember", "infer":
		return LLMTimeout
	default:
		return ControlTimeout
	}
}

// InvokeLocal runs a memory-API method on the locally registered service
// and, for mutating methods, floods the corresponding event afterwards.
// The result is returned in wire form.
func (n *Node) InvokeLocal(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	n.mu.Lock()
	inv := n.invoker
	n.mu.Unlock()
	if inv == nil {
		return nil, fmt.Errorf("no memory service registered on node %s", n.nodeID)
	}
	result, err := inv.Invoke(ctx, method, args)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", method, err)
	}

	if mutatingMethods[method] {
		var meta struct {
			Text   string `json:"text"`
			Source string `json:"source"`
		}
		if len(args) > 0 {
			json.Unmarshal(args, &meta)
		}
		id := ""
		json.Unmarshal(raw, &id)
		n.BroadcastEvent(method, map[string]any{
			"id":     id,
			"source": meta.Source,
			"text":   meta.Text,
		})
	}
	return raw, nil
}

// ── Event flooding ─────────────────────────────────────────────────

// handleEvent notifies listeners and, if the hop budget allows, re-emits
// a copy with the original msg_id and sender (provenance) and ttl-1 to
// every neighbour. Duplicate suppression is solely by msg_id.
func (n *Node) handleEvent(env *Envelope) {
	var payload EventPayload
	if err := env.DecodePayload(&payload); err != nil {
		n.log.Warn("dropping malformed event", "from", env.SenderID, "error", err)
		return
	}
	n.notifyListeners(payload.EventType, payload.Data)

	if env.TTL > 1 {
		fwd := &Envelope{
			MsgType:   MsgEvent,
			MsgID:     env.MsgID,
			SenderID:  env.SenderID,
			Timestamp: unixNow(),
			TTL:       env.TTL - 1,
			Payload:   env.Payload,
		}
		n.client.BroadcastStream(fwd)
		n.server.BroadcastInbound(fwd)
		if n.metrics != nil {
			n.metrics.EventsForwardedTotal.WithLabelValues(payload.EventType).Inc()
		}
	}
}

// BroadcastEvent originates an event flood. The envelope's own msg_id is
// marked seen first so the echo from neighbours is absorbed.
func (n *Node) BroadcastEvent(eventType string, data map[string]any) {
	env := NewEnvelope(MsgEvent, n.nodeID)
	env.TTL = n.cfg.EventTTL
	if err := env.SetPayload(EventPayload{EventType: eventType, Data: data}); err != nil {
		n.log.Error("encode event", "event_type", eventType, "error", err)
		return
	}
	n.seen.Mark(env.MsgID)
	n.client.BroadcastStream(env)
	n.server.BroadcastInbound(env)
	n.notifyListeners(eventType, data)
	if n.metrics != nil {
		n.metrics.EventsEmittedTotal.WithLabelValues(eventType).Inc()
	}
}

func (n *Node) notifyListeners(eventType string, data map[string]any) {
	n.mu.Lock()
	listeners := make([]EventListener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.Unlock()
	for _, fn := range listeners {
		go func(fn EventListener) {
			defer func() {
				if r := recover(); r != nil {
					n.log.Debug("event listener panicked", "event_type", eventType, "panic", r)
				}
			}()
			fn(eventType, data)
		}(fn)
	}
}

// Uptime returns seconds since Start.
func (n *Node) Uptime() float64 {
	if n.startedAt == 0 {
		return 0
	}
	return unixNow() - n.startedAt
}

var _ EnvelopeHandler = (*Node)(nil)
