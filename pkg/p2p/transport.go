package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EnvelopeHandler is implemented by the node runtime; the transport
// delivers every inbound envelope to it and writes back any reply.
type EnvelopeHandler interface {
	HandleEnvelope(ctx context.Context, env *Envelope) *Envelope
	HealthInfo() HealthInfo
}

// HealthInfo is the body of the liveness probe endpoint.
type HealthInfo struct {
	Status       string   `json:"status"`
	NodeID       string   `json:"node_id"`
	Capabilities []string `json:"capabilities"`
	PeerCount    int      `json:"peer_count"`
}

// streamConn serialises writes to a single WebSocket connection.
// gorilla/websocket permits at most one concurrent writer.
type streamConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *streamConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *streamConn) close() error {
	return c.ws.Close()
}

// Server is the inbound transport of one node. It exposes:
//
//	POST /p2p/message — request/response envelope exchange
//	GET  /p2p/ws      — persistent bidirectional stream for gossip + events
//	GET  /p2p/health  — liveness probe
//	GET  /metrics     — Prometheus exposition (when metrics are attached)
//
// Inbound streams are indexed by the sender's node id, learned from the
// first envelope received on each connection.
type Server struct {
	handler  EnvelopeHandler
	log      *slog.Logger
	mux      *http.ServeMux
	srv      *http.Server
	ln       net.Listener
	upgrader websocket.Upgrader

	mu      sync.Mutex
	inbound map[string]*streamConn
}

// NewServer builds the inbound transport for the given handler.
func NewServer(handler EnvelopeHandler, log *slog.Logger) *Server {
	s := &Server{
		handler: handler,
		log:     log,
		mux:     http.NewServeMux(),
		inbound: make(map[string]*streamConn),
		upgrader: websocket.Upgrader{
			// Peers are addressed directly, not via browsers; no origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.mux.HandleFunc("POST /p2p/message", s.handleMessage)
	s.mux.HandleFunc("GET /p2p/ws", s.handleStream)
	s.mux.HandleFunc("GET /p2p/health", s.handleHealth)
	return s
}

// Mux exposes the server's mux so callers can mount auxiliary endpoints
// (metrics, UI feed) on the same listener.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Start binds the listener and serves in the background. With port 0 the
// kernel picks a free port; read it back via Port.
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("transport server exited", "error", err)
		}
	}()
	return nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Stop closes all inbound streams and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for id, conn := range s.inbound {
		conn.close()
		delete(s.inbound, id)
	}
	s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown transport: %w", err)
	}
	return nil
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.log.Warn("dropping malformed envelope", "error", err)
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	resp := s.handler.HandleEnvelope(r.Context(), &env)
	w.Header().Set("Content-Type", "application/json")
	if resp != nil {
		json.NewEncoder(w).Encode(resp)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.handler.HealthInfo())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn := &streamConn{ws: ws}
	peerID := ""
	defer func() {
		if peerID != "" {
			s.mu.Lock()
			if s.inbound[peerID] == conn {
				delete(s.inbound, peerID)
			}
			s.mu.Unlock()
			s.log.Info("inbound stream closed", "peer", peerID)
		}
		ws.Close()
	}()

	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		if peerID == "" && env.SenderID != "" {
			peerID = env.SenderID
			s.mu.Lock()
			s.inbound[peerID] = conn
			s.mu.Unlock()
		}
		resp := s.handler.HandleEnvelope(r.Context(), &env)
		if resp != nil {
			if err := conn.writeJSON(resp); err != nil {
				return
			}
		}
	}
}

// SendToInbound writes an envelope to a peer's inbound stream, if one is
// open. Failures remove the stream; they never surface to the caller.
func (s *Server) SendToInbound(peerID string, env *Envelope) bool {
	s.mu.Lock()
	conn := s.inbound[peerID]
	s.mu.Unlock()
	if conn == nil {
		return false
	}
	if err := conn.writeJSON(env); err != nil {
		s.mu.Lock()
		delete(s.inbound, peerID)
		s.mu.Unlock()
		return false
	}
	return true
}

// BroadcastInbound writes an envelope to every inbound stream, dropping
// dead ones. Returns the number of successful sends.
func (s *Server) BroadcastInbound(env *Envelope) int {
	s.mu.Lock()
	conns := make(map[string]*streamConn, len(s.inbound))
	for id, c := range s.inbound {
		conns[id] = c
	}
	s.mu.Unlock()

	sent := 0
	for id, c := range conns {
		if err := c.writeJSON(env); err != nil {
			s.mu.Lock()
			delete(s.inbound, id)
			s.mu.Unlock()
			continue
		}
		sent++
	}
	return sent
}

// InboundPeerIDs lists the node ids of all inbound stream peers.
func (s *Server) InboundPeerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.inbound))
	for id := range s.inbound {
		ids = append(ids, id)
	}
	return ids
}

// Client is the outbound transport: a pool of unary HTTP calls plus a
// table of persistent outbound streams.
type Client struct {
	http *http.Client
	log  *slog.Logger

	mu       sync.Mutex
	outbound map[string]*streamConn
}

// NewClient builds an outbound transport.
func NewClient(log *slog.Logger) *Client {
	return &Client{
		http:     &http.Client{},
		log:      log,
		outbound: make(map[string]*streamConn),
	}
}

// Post sends an envelope to a peer's message endpoint and decodes the
// reply envelope. Timeouts and cancellation come from ctx.
func (c *Client) Post(ctx context.Context, url string, env *Envelope) (*Envelope, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("post %s: status %d", url, resp.StatusCode)
	}
	var reply Envelope
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode reply from %s: %w", url, err)
	}
	return &reply, nil
}

// CheckHealth probes a peer's liveness endpoint.
func (c *Client) CheckHealth(ctx context.Context, baseURL string) (*HealthInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/p2p/health", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health %s: %w", baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health %s: status %d", baseURL, resp.StatusCode)
	}
	var info HealthInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode health from %s: %w", baseURL, err)
	}
	return &info, nil
}

// StreamConnect opens a persistent outbound stream to a peer and starts a
// read loop delivering inbound envelopes to onMessage. A no-op when a
// stream to the peer is already open.
func (c *Client) StreamConnect(ctx context.Context, nodeID, wsURL string, onMessage func(*Envelope)) error {
	c.mu.Lock()
	if _, ok := c.outbound[nodeID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	conn := &streamConn{ws: ws}

	c.mu.Lock()
	if _, ok := c.outbound[nodeID]; ok {
		// Lost the race; keep the existing stream.
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.outbound[nodeID] = conn
	c.mu.Unlock()

	c.log.Info("outbound stream connected", "peer", nodeID, "url", wsURL)
	go c.readLoop(nodeID, conn, onMessage)
	return nil
}

func (c *Client) readLoop(nodeID string, conn *streamConn, onMessage func(*Envelope)) {
	defer func() {
		c.mu.Lock()
		if c.outbound[nodeID] == conn {
			delete(c.outbound, nodeID)
		}
		c.mu.Unlock()
		conn.close()
	}()
	for {
		var env Envelope
		if err := conn.ws.ReadJSON(&env); err != nil {
			c.log.Debug("outbound stream read ended", "peer", nodeID, "error", err)
			return
		}
		if onMessage != nil {
			onMessage(&env)
		}
	}
}

// StreamSend writes an envelope on the outbound stream to a peer.
// Failures remove the stream and report false; they never raise.
func (c *Client) StreamSend(nodeID string, env *Envelope) bool {
	c.mu.Lock()
	conn := c.outbound[nodeID]
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	if err := conn.writeJSON(env); err != nil {
		c.mu.Lock()
		delete(c.outbound, nodeID)
		c.mu.Unlock()
		return false
	}
	return true
}

// BroadcastStream writes an envelope to every outbound stream, dropping
// dead ones. Returns the number of successful sends.
func (c *Client) BroadcastStream(env *Envelope) int {
	c.mu.Lock()
	conns := make(map[string]*streamConn, len(c.outbound))
	for id, conn := range c.outbound {
		conns[id] = conn
	}
	c.mu.Unlock()

	sent := 0
	for id, conn := range conns {
		if err := conn.writeJSON(env); err != nil {
			c.mu.Lock()
			delete(c.outbound, id)
			c.mu.Unlock()
			continue
		}
		sent++
	}
	return sent
}

// ConnectedPeerIDs lists the node ids of all outbound stream peers.
func (c *Client) ConnectedPeerIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.outbound))
	for id := range c.outbound {
		ids = append(ids, id)
	}
	return ids
}

// IsConnected reports whether an outbound stream to the peer is open.
func (c *Client) IsConnected(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.outbound[nodeID]
	return ok
}

// ClosePeer tears down the outbound stream to one peer.
func (c *Client) ClosePeer(nodeID string) {
	c.mu.Lock()
	conn := c.outbound[nodeID]
	delete(c.outbound, nodeID)
	c.mu.Unlock()
	if conn != nil {
		conn.close()
	}
}

// CloseAll tears down every outbound stream and idle HTTP connections.
func (c *Client) CloseAll() {
	c.mu.Lock()
	conns := c.outbound
	c.outbound = make(map[string]*streamConn)
	c.mu.Unlock()
	for _, conn := range conns {
		conn.close()
	}
	c.http.CloseIdleConnections()
}
