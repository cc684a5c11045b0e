package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mnemonet/mnemo/internal/store"
	"github.com/mnemonet/mnemo/pkg/p2p"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testNode(t *testing.T) *p2p.Node {
	t.Helper()
	n, err := p2p.NewNode(p2p.Config{
		NodeID:       "bridge-node",
		Capabilities: []p2p.Capability{p2p.CapStore, p2p.CapLLM},
		Host:         "127.0.0.1",
		Logger:       testLogger(),
	})
	require.NoError(t, err)
	return n
}

func TestAgentView(t *testing.T) {
	ps := p2p.PeerState{
		Info: p2p.PeerInfo{
			NodeID:       "node-1234",
			Capabilities: p2p.NewCapabilitySet(p2p.CapStore, p2p.CapLLM),
			StartedAt:    float64(time.Now().Add(-time.Minute).Unix()),
		},
		Status: p2p.StatusAlive,
	}
	a := agentView(ps)
	require.Equal(t, "node-1234", a.AgentID)
	require.Equal(t, "store", a.AgentType, "store outranks llm in the type priority")
	require.Equal(t, []string{"llm", "store"}, a.Tags)
	require.Equal(t, "running", a.Status)
	require.InDelta(t, 60, a.UptimeSeconds, 5)

	ps.Status = p2p.StatusSuspect
	require.Equal(t, "stale", agentView(ps).Status)
	ps.Status = p2p.StatusDead
	require.Equal(t, "dead", agentView(ps).Status)

	// cli wins over everything else.
	ps.Info.Capabilities = p2p.NewCapabilitySet(p2p.CapCLI, p2p.CapStore)
	require.Equal(t, "cli", agentView(ps).AgentType)
}

func TestStatsEndpoint(t *testing.T) {
	g := store.NewMemGraph()
	ctx := context.Background()
	require.NoError(t, g.CreateObservation(ctx, "obs-1", "text", nil))
	require.NoError(t, g.CreateStatement(ctx, "stmt-1", "p", 0.9, false))

	node := testNode(t)
	node.Routing().UpdatePeer(p2p.PeerState{
		Info: p2p.PeerInfo{
			NodeID:       "peer-1",
			Capabilities: p2p.NewCapabilitySet(p2p.CapInference),
		},
		Status:       p2p.StatusAlive,
		HeartbeatSeq: 1,
	})

	b := New(node, g, testLogger())
	mux := http.NewServeMux()
	b.Mount(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Network struct {
			TotalNodes       int            `json:"total_nodes"`
			ActiveNodes      int            `json:"active_nodes"`
			WebsocketClients int            `json:"websocket_clients"`
			NodesByType      map[string]int `json:"nodes_by_type"`
		} `json:"network"`
		Knowledge store.Counts `json:"knowledge"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Network.TotalNodes, "self plus one peer")
	require.Equal(t, 2, body.Network.ActiveNodes)
	require.Zero(t, body.Network.WebsocketClients)
	require.Equal(t, 1, body.Network.NodesByType["store"])
	require.Equal(t, 1, body.Network.NodesByType["inference"])
	require.EqualValues(t, 1, body.Knowledge.Observations)
	require.EqualValues(t, 1, body.Knowledge.Statements)
}

func TestStatsEndpointWithoutGraph(t *testing.T) {
	b := New(testNode(t), nil, testLogger())
	mux := http.NewServeMux()
	b.Mount(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "knowledge", "graphless nodes still report zeroed totals")
}

func TestGraphNodesEndpoint(t *testing.T) {
	g := store.NewMemGraph()
	ctx := context.Background()
	require.NoError(t, g.CreateObservation(ctx, "obs-1", "alice moved", nil))
	require.NoError(t, g.CreateConcept(ctx, "concept-1", "alice", "person", nil))
	require.NoError(t, g.CreateRelationship(ctx, "obs-1", store.RelMentions, "concept-1", nil))

	b := New(testNode(t), g, testLogger())
	mux := http.NewServeMux()
	b.Mount(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/graph/nodes?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Nodes []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"nodes"`
		Edges []store.Relationship `json:"edges"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Nodes, 2)
	types := map[string]string{}
	for _, n := range body.Nodes {
		types[n.ID] = n.Type
	}
	require.Equal(t, "Observation", types["obs-1"])
	require.Equal(t, "Concept", types["concept-1"])
	require.Len(t, body.Edges, 1)
	require.Equal(t, store.RelMentions, body.Edges[0].Type)
}
