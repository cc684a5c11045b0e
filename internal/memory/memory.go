// Package memory defines the memory API shared by every caller in the
// network and provides both sides of it: Service executes operations
// against the local graph store and LLM translator, and Client routes
// calls to whichever node carries the required capabilities.
package memory

import (
	"context"

	"github.com/mnemonet/mnemo/internal/schema"
	"github.com/mnemonet/mnemo/internal/store"
)

// API is the memory contract. Agents and the CLI program against this
// interface and never care whether execution is local or remote.
type API interface {
	// Observe records a raw observation. The LLM extracts concepts and
	// topics; no statements are created. Returns the observation id.
	Observe(ctx context.Context, text, source string) (string, error)

	// Claim asserts a parsed statement with provenance, basis matching,
	// and supersession. Returns the statement id.
	Claim(ctx context.Context, text, source string) (string, error)

	// FlagContradiction links two statements with a CONTRADICTS edge.
	FlagContradiction(ctx context.Context, stmtID1, stmtID2, reason string) error

	// Remember answers a natural language question from the graph.
	Remember(ctx context.Context, query string) (string, error)

	// Infer derives at most one claim text from an observation.
	// Returns "" when the model declines.
	Infer(ctx context.Context, observationText string) (string, error)

	RecentObservations(ctx context.Context, limit int) ([]store.Observation, error)
	RecentStatements(ctx context.Context, limit int) ([]store.Statement, error)
	UnresolvedContradictions(ctx context.Context) ([]store.Contradiction, error)
	Concepts(ctx context.Context) ([]store.Concept, error)

	// Schema returns the full serialised predicate schema.
	Schema(ctx context.Context) (schema.Document, error)
	// UpdateSchema applies incremental changes and returns the new state.
	UpdateSchema(ctx context.Context, changes schema.Changes, source string) (schema.Document, error)

	// Clear wipes the graph. Testing and the CLI /clear command only.
	Clear(ctx context.Context) error
}

// Wire argument shapes for the request envelopes. Field names are part
// of the network protocol.

type textArgs struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

type flagArgs struct {
	StmtID1 string `json:"stmt_id_1"`
	StmtID2 string `json:"stmt_id_2"`
	Reason  string `json:"reason"`
}

type queryArgs struct {
	Query string `json:"query"`
}

type inferArgs struct {
	ObservationText string `json:"observation_text"`
}

type limitArgs struct {
	Limit int `json:"limit"`
}

type updateSchemaArgs struct {
	Changes schema.Changes `json:"changes"`
	Source  string         `json:"source"`
}
