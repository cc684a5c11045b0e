package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mnemonet/mnemo/internal/schema"
	"github.com/mnemonet/mnemo/internal/store"
	"github.com/mnemonet/mnemo/pkg/p2p"
)

// Client implements the memory API over the overlay. Calls execute
// locally when this node carries the required capabilities; otherwise
// they are routed to a random capable alive peer as request envelopes.
type Client struct {
	node    *p2p.Node
	metrics *p2p.Metrics
	log     *slog.Logger
}

// NewClient builds a routing memory client on node.
func NewClient(node *p2p.Node, metrics *p2p.Metrics, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{node: node, metrics: metrics, log: log}
}

// call runs method with args, locally or remotely, and decodes the
// result into out (which may be nil for callers that discard it).
func (c *Client) call(ctx context.Context, method string, args, out any) error {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode %s args: %w", method, err)
	}

	required := p2p.MethodCapabilities[method]
	target := "local"
	start := time.Now()
	var result json.RawMessage
	if c.node.Capabilities().Superset(required) {
		result, err = c.node.InvokeLocal(ctx, method, rawArgs)
	} else {
		result, target, err = c.callRemote(ctx, method, rawArgs, required)
	}
	c.record(method, target, start, err)
	if err != nil {
		return err
	}

	if out == nil || len(result) == 0 || string(result) == "null" {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) callRemote(ctx context.Context, method string, args json.RawMessage, required p2p.CapabilitySet) (json.RawMessage, string, error) {
	ps, ok := c.node.Routing().RouteMethod(method, c.node.NodeID())
	if !ok {
		return nil, "none", fmt.Errorf(
			"no peer available with capabilities %v for method %q", required.Sorted(), method)
	}
	target := ps.Info.NodeID

	env := p2p.NewEnvelope(p2p.MsgRequest, c.node.NodeID())
	env.RecipientID = target
	if err := env.SetPayload(p2p.RequestPayload{Method: method, Args: args}); err != nil {
		return nil, target, err
	}

	callCtx, cancel := context.WithTimeout(ctx, requestTimeout(method))
	defer cancel()
	reply, err := c.node.Client().Post(callCtx, ps.Info.HTTPURL+"/p2p/message", env)
	if err != nil {
		return nil, target, fmt.Errorf("call %s on %s: %w", method, target, err)
	}
	if reply.MsgType != p2p.MsgResponse {
		return nil, target, fmt.Errorf("unexpected response type %q for %s", reply.MsgType, method)
	}
	var payload p2p.ResponsePayload
	if err := reply.DecodePayload(&payload); err != nil {
		return nil, target, err
	}
	if payload.Error != "" {
		return nil, target, errors.New(payload.Error)
	}
	return payload.Result, target, nil
}

func (c *Client) record(method, target string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.metrics.RPCTotal.WithLabelValues(method, target, result).Inc()
	c.metrics.RPCDurationSeconds.WithLabelValues(method, target).Observe(time.Since(start).Seconds())
}

// requestTimeout mirrors the server-side method budget.
func requestTimeout(method string) time.Duration {
	switch method {
	case "observe", "claim", "remember", "infer":
		return p2p.LLMTimeout
	default:
		return p2p.ControlTimeout
	}
}

func (c *Client) Observe(ctx context.Context, text, source string) (string, error) {
	var id string
	err := c.call(ctx, "observe", textArgs{Text: text, Source: source}, &id)
	return id, err
}

func (c *Client) Claim(ctx context.Context, text, source string) (string, error) {
	var id string
	err := c.call(ctx, "claim", textArgs{Text: text, Source: source}, &id)
	return id, err
}

func (c *Client) FlagContradiction(ctx context.Context, stmtID1, stmtID2, reason string) error {
	return c.call(ctx, "flag_contradiction",
		flagArgs{StmtID1: stmtID1, StmtID2: stmtID2, Reason: reason}, nil)
}

func (c *Client) Remember(ctx context.Context, query string) (string, error) {
	var text string
	err := c.call(ctx, "remember", queryArgs{Query: query}, &text)
	return text, err
}

func (c *Client) Infer(ctx context.Context, observationText string) (string, error) {
	var text string
	err := c.call(ctx, "infer", inferArgs{ObservationText: observationText}, &text)
	return text, err
}

func (c *Client) RecentObservations(ctx context.Context, limit int) ([]store.Observation, error) {
	var out []store.Observation
	err := c.call(ctx, "get_recent_observations", limitArgs{Limit: limit}, &out)
	return out, err
}

func (c *Client) RecentStatements(ctx context.Context, limit int) ([]store.Statement, error) {
	var out []store.Statement
	err := c.call(ctx, "get_recent_statements", limitArgs{Limit: limit}, &out)
	return out, err
}

func (c *Client) UnresolvedContradictions(ctx context.Context) ([]store.Contradiction, error) {
	var out []store.Contradiction
	err := c.call(ctx, "get_unresolved_contradictions", struct{}{}, &out)
	return out, err
}

func (c *Client) Concepts(ctx context.Context) ([]store.Concept, error) {
	var out []store.Concept
	err := c.call(ctx, "get_concepts", struct{}{}, &out)
	return out, err
}

func (c *Client) Schema(ctx context.Context) (schema.Document, error) {
	var doc schema.Document
	err := c.call(ctx, "get_schema", struct{}{}, &doc)
	return doc, err
}

func (c *Client) UpdateSchema(ctx context.Context, changes schema.Changes, source string) (schema.Document, error) {
	var doc schema.Document
	err := c.call(ctx, "update_schema", updateSchemaArgs{Changes: changes, Source: source}, &doc)
	return doc, err
}

func (c *Client) Clear(ctx context.Context) error {
	return c.call(ctx, "clear", struct{}{}, nil)
}

var _ API = (*Client)(nil)
