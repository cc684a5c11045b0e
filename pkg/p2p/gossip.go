package p2p

import (
	"context"
	"math/rand/v2"
	"time"
)

// Gossip pushes this node's peer table to a random subset of neighbours
// every interval. Push-only: there is no anti-entropy pull. On receipt,
// higher heartbeat_seq always wins and last_seen is overwritten with the
// local receive time, never the sender's clock.
type Gossip struct {
	node     *Node
	interval time.Duration
	fanout   int
}

func newGossip(node *Node, interval time.Duration, fanout int) *Gossip {
	return &Gossip{node: node, interval: interval, fanout: fanout}
}

func (g *Gossip) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.round()
		}
	}
}

// round pushes own state plus the full peer table to up to fanout
// neighbours picked uniformly at random from the union of inbound and
// outbound stream peers.
func (g *Gossip) round() {
	neighbors := g.node.neighborIDs()
	if len(neighbors) == 0 {
		return
	}
	rand.Shuffle(len(neighbors), func(i, j int) {
		neighbors[i], neighbors[j] = neighbors[j], neighbors[i]
	})
	if len(neighbors) > g.fanout {
		neighbors = neighbors[:g.fanout]
	}

	states := append([]PeerState{g.node.OwnState()}, g.node.routing.AllPeers()...)
	env := NewEnvelope(MsgGossip, g.node.nodeID)
	if err := env.SetPayload(GossipPayload{PeerStates: states}); err != nil {
		g.node.log.Error("encode gossip payload", "error", err)
		return
	}

	for _, target := range neighbors {
		// Try the outbound stream first, then the peer's inbound stream.
		if !g.node.client.StreamSend(target, env) {
			g.node.server.SendToInbound(target, env)
		}
	}
	if g.node.metrics != nil {
		g.node.metrics.GossipRoundsTotal.Inc()
	}
}

// handle merges a gossip envelope into the routing table.
func (g *Gossip) handle(env *Envelope) {
	var payload GossipPayload
	if err := env.DecodePayload(&payload); err != nil {
		g.node.log.Warn("dropping malformed gossip", "from", env.SenderID, "error", err)
		return
	}
	now := unixNow()
	for _, ps := range payload.PeerStates {
		if ps.Info.NodeID == g.node.nodeID {
			continue
		}
		ps.LastSeen = now
		if g.node.routing.UpdatePeer(ps) {
			g.node.log.Debug("gossip: updated peer",
				"peer", ps.Info.NodeID,
				"seq", ps.HeartbeatSeq,
				"caps", ps.Info.Capabilities.Sorted())
		}
	}
}
