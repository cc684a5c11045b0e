package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mnemonet/mnemo/internal/llm"
	"github.com/mnemonet/mnemo/internal/store"
	"github.com/mnemonet/mnemo/pkg/p2p"
)

func startNode(t *testing.T, id string, caps []p2p.Capability, bootstrap ...string) *p2p.Node {
	t.Helper()
	n, err := p2p.NewNode(p2p.Config{
		NodeID:       id,
		Capabilities: caps,
		Host:         "127.0.0.1",
		Port:         0,
		Bootstrap:    bootstrap,
		// Fast gossip so inbound streams are identified promptly.
		GossipInterval:    100 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		Logger:            testLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n.Stop(ctx)
	})
	return n
}

// A cli-only node routing observe/remember across the wire to a
// store+llm node.
func TestClient_RoutesToCapablePeer(t *testing.T) {
	g := store.NewMemGraph()
	tr := &fakeTranslator{
		extractions: map[string]llm.ObservationData{
			"I prefer morning meetings": {Topics: []string{"preferences"}},
		},
	}

	memNode := startNode(t, "mem-node", []p2p.Capability{p2p.CapStore, p2p.CapLLM})
	memNode.RegisterMemory(NewDispatcher(NewService(g, tr, nil, testLogger())))

	cliNode := startNode(t, "cli-node", []p2p.Capability{p2p.CapCLI}, memNode.Info().HTTPURL)
	client := NewClient(cliNode, nil, testLogger())
	ctx := context.Background()

	obsID, err := client.Observe(ctx, "I prefer morning meetings", "cli_user")
	require.NoError(t, err)
	require.NotEmpty(t, obsID)

	// The observation landed in the remote node's graph.
	obs, err := g.RecentObservations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	require.Equal(t, obsID, obs[0].ID)

	answer, err := client.Remember(ctx, "what are my meeting preferences?")
	require.NoError(t, err)
	require.Equal(t, "synthesized answer", answer)

	got, err := client.RecentObservations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "I prefer morning meetings", got[0].RawContent)
}

func TestClient_RemoteMutationFloodsEvent(t *testing.T) {
	g := store.NewMemGraph()
	tr := &fakeTranslator{
		extractions: map[string]llm.ObservationData{"the sky is blue": {}},
	}
	memNode := startNode(t, "mem-node", []p2p.Capability{p2p.CapStore, p2p.CapLLM})
	memNode.RegisterMemory(NewDispatcher(NewService(g, tr, nil, testLogger())))

	cliNode := startNode(t, "cli-node", []p2p.Capability{p2p.CapCLI}, memNode.Info().HTTPURL)

	// Wait until the memory node has identified the caller's stream, so
	// its event broadcast has somewhere to go.
	require.Eventually(t, func() bool {
		for _, id := range memNode.Server().InboundPeerIDs() {
			if id == "cli-node" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	events := make(chan map[string]any, 1)
	cliNode.AddEventListener(func(eventType string, data map[string]any) {
		if eventType == "observe" {
			select {
			case events <- data:
			default:
			}
		}
	})

	client := NewClient(cliNode, nil, testLogger())
	obsID, err := client.Observe(context.Background(), "the sky is blue", "cli_user")
	require.NoError(t, err)

	// The executing node floods observe; the caller hears it back over
	// its neighbour stream.
	select {
	case data := <-events:
		require.Equal(t, obsID, data["id"])
		require.Equal(t, "the sky is blue", data["text"])
		require.Equal(t, "cli_user", data["source"])
	case <-time.After(2 * time.Second):
		t.Fatal("observe event never reached the calling node")
	}
}

func TestClient_LocalExecution(t *testing.T) {
	g := store.NewMemGraph()
	tr := &fakeTranslator{
		extractions: map[string]llm.ObservationData{"local text": {}},
	}
	n := startNode(t, "mem-node", []p2p.Capability{p2p.CapStore, p2p.CapLLM})
	n.RegisterMemory(NewDispatcher(NewService(g, tr, nil, testLogger())))

	client := NewClient(n, nil, testLogger())
	obsID, err := client.Observe(context.Background(), "local text", "cli_user")
	require.NoError(t, err)

	obs, err := g.RecentObservations(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, obsID, obs[0].ID)
}

func TestClient_NoCapablePeer(t *testing.T) {
	n := startNode(t, "lonely-cli", []p2p.Capability{p2p.CapCLI})
	client := NewClient(n, nil, testLogger())

	_, err := client.Observe(context.Background(), "anything", "cli_user")
	require.ErrorContains(t, err, "no peer available with capabilities")
	require.ErrorContains(t, err, `"observe"`)
}

func TestClient_RemoteErrorSurfaces(t *testing.T) {
	// A store+llm node with no registered service: requests fail there
	// and the error text travels back verbatim.
	memNode := startNode(t, "mem-node", []p2p.Capability{p2p.CapStore, p2p.CapLLM})
	cliNode := startNode(t, "cli-node", []p2p.Capability{p2p.CapCLI}, memNode.Info().HTTPURL)

	client := NewClient(cliNode, nil, testLogger())
	_, err := client.Observe(context.Background(), "anything", "cli_user")
	require.ErrorContains(t, err, "no memory service registered")
}
