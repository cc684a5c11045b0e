package memory

import (
	"context"
	"encoding/json"
	"fmt"
)

// Dispatcher adapts an API implementation to the node's by-name invoker
// contract. It decodes wire arguments per method and applies the
// default limits.
type Dispatcher struct {
	api API
}

// NewDispatcher wraps api for registration on a node.
func NewDispatcher(api API) *Dispatcher {
	return &Dispatcher{api: api}
}

// Invoke executes a memory-API method by wire name.
func (d *Dispatcher) Invoke(ctx context.Context, method string, args json.RawMessage) (any, error) {
	switch method {
	case "observe":
		var a textArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return d.api.Observe(ctx, a.Text, a.Source)

	case "claim":
		var a textArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return d.api.Claim(ctx, a.Text, a.Source)

	case "flag_contradiction":
		var a flagArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		if err := d.api.FlagContradiction(ctx, a.StmtID1, a.StmtID2, a.Reason); err != nil {
			return nil, err
		}
		return map[string]any{"status": "ok"}, nil

	case "remember":
		var a queryArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return d.api.Remember(ctx, a.Query)

	case "infer":
		var a inferArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		text, err := d.api.Infer(ctx, a.ObservationText)
		if err != nil {
			return nil, err
		}
		if text == "" {
			return nil, nil
		}
		return text, nil

	case "get_recent_observations":
		return d.api.RecentObservations(ctx, limitOrDefault(args, 10))

	case "get_recent_statements":
		return d.api.RecentStatements(ctx, limitOrDefault(args, 20))

	case "get_unresolved_contradictions":
		return d.api.UnresolvedContradictions(ctx)

	case "get_concepts":
		return d.api.Concepts(ctx)

	case "get_schema":
		return d.api.Schema(ctx)

	case "update_schema":
		var a updateSchemaArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return d.api.UpdateSchema(ctx, a.Changes, a.Source)

	case "clear":
		if err := d.api.Clear(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"status": "ok"}, nil

	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func decodeArgs(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}

func limitOrDefault(raw json.RawMessage, def int) int {
	var a limitArgs
	if decodeArgs(raw, &a) != nil || a.Limit <= 0 {
		return def
	}
	return a.Limit
}
