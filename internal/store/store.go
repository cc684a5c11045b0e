// Package store defines the labelled-property graph interface the memory
// service composes, plus two implementations: a Neo4j-backed store and an
// in-memory store for tests and single-process development.
//
// Knowledge is stored as reified Statements linking Concepts, with full
// provenance. Observations and statements are append-only; superseded
// statements are never deleted, only excluded from "current" views by a
// no-incoming-SUPERSEDES filter.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Relationship types between graph nodes.
const (
	RelRecordedBy   = "RECORDED_BY"
	RelMentions     = "MENTIONS"
	RelPartOf       = "PART_OF"
	RelAboutSubject = "ABOUT_SUBJECT"
	RelAboutObject  = "ABOUT_OBJECT"
	RelAssertedBy   = "ASSERTED_BY"
	RelDerivedFrom  = "DERIVED_FROM"
	RelSupersedes   = "SUPERSEDES"
	RelContradicts  = "CONTRADICTS"
)

// Observation is an append-only raw-text record.
type Observation struct {
	ID         string         `json:"id"`
	RawContent string         `json:"raw_content"`
	Topics     []string       `json:"topics"`
	CreatedAt  time.Time      `json:"created_at"`
	Extra      map[string]any `json:"-"`
}

// Concept is a deduplicated name-addressable node: entity, attribute,
// value, category, or action. Lookups are case-insensitive by name or
// alias.
type Concept struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	Aliases   []string       `json:"aliases"`
	CreatedAt time.Time      `json:"created_at"`
	Extra     map[string]any `json:"-"`
}

// Statement is a reified triple. SubjectName, ObjectName, and Source are
// projections joined from its edges by the read queries.
type Statement struct {
	ID          string         `json:"id"`
	Predicate   string         `json:"predicate"`
	Confidence  float64        `json:"confidence"`
	Negated     bool           `json:"negated"`
	CreatedAt   time.Time      `json:"created_at"`
	SubjectName string         `json:"subject_name,omitempty"`
	ObjectName  string         `json:"object_name,omitempty"`
	Source      string         `json:"source,omitempty"`
	Extra       map[string]any `json:"-"`
}

// Source identifies who recorded an observation or asserted a statement.
// Deduplicated by name.
type Source struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Contradiction is a pair of statements linked by a CONTRADICTS edge
// where neither endpoint has been superseded.
type Contradiction struct {
	First  Statement `json:"first"`
	Second Statement `json:"second"`
}

// Relationship is an edge projection used by the graph visualization feed.
type Relationship struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// Counts are the graph totals served by the stats endpoint.
type Counts struct {
	Observations  int64 `json:"observations"`
	Statements    int64 `json:"statements"`
	Concepts      int64 `json:"concepts"`
	Sources       int64 `json:"sources"`
	Relationships int64 `json:"relationships"`
}

// Graph is the store interface the memory service composes. All methods
// take a context; implementations are safe for concurrent use.
type Graph interface {
	// EnsureIndexes creates uniqueness constraints and lookup indexes.
	EnsureIndexes(ctx context.Context) error

	CreateObservation(ctx context.Context, id, rawContent string, topics []string) error
	CreateConcept(ctx context.Context, id, name, kind string, aliases []string) error
	CreateStatement(ctx context.Context, id, predicate string, confidence float64, negated bool) error

	// GetOrCreateConcept resolves name case-insensitively (including
	// aliases), creating a concept with the given id when absent.
	// Returns the id of the resolved concept.
	GetOrCreateConcept(ctx context.Context, name, id, kind string) (string, error)
	// GetOrCreateSource resolves a source by exact name, creating it
	// when absent. Returns the source id.
	GetOrCreateSource(ctx context.Context, name, kind string) (string, error)

	CreateRelationship(ctx context.Context, fromID, relType, toID string, props map[string]any) error

	FindConceptByName(ctx context.Context, name string) (*Concept, error)
	// StatementsAbout returns current statements where the concept is
	// subject or object, highest confidence first.
	StatementsAbout(ctx context.Context, conceptID string) ([]Statement, error)
	UnresolvedContradictions(ctx context.Context) ([]Contradiction, error)
	RecentObservations(ctx context.Context, limit int) ([]Observation, error)
	RecentStatements(ctx context.Context, limit int) ([]Statement, error)
	Concepts(ctx context.Context) ([]Concept, error)
	Relationships(ctx context.Context, limit int) ([]Relationship, error)
	Counts(ctx context.Context) (Counts, error)

	// Query is the raw escape hatch, used only by the query-generation
	// fallback in remember.
	Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)

	// Clear deletes all nodes and relationships. Testing and the CLI
	// /clear command only.
	Clear(ctx context.Context) error

	Close(ctx context.Context) error
}

// MarshalJSON flattens Extra alongside the known fields so forward-
// compatible properties survive the RPC boundary.
func (s Statement) MarshalJSON() ([]byte, error) {
	type plain Statement
	return marshalWithExtra(plain(s), s.Extra)
}

// UnmarshalJSON captures unrecognised fields into Extra.
func (s *Statement) UnmarshalJSON(data []byte) error {
	type plain Statement
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Statement(p)
	s.Extra = extraFields(data, "id", "predicate", "confidence", "negated",
		"created_at", "subject_name", "object_name", "source")
	return nil
}

// MarshalJSON flattens Extra alongside the known fields.
func (o Observation) MarshalJSON() ([]byte, error) {
	type plain Observation
	return marshalWithExtra(plain(o), o.Extra)
}

// UnmarshalJSON captures unrecognised fields into Extra.
func (o *Observation) UnmarshalJSON(data []byte) error {
	type plain Observation
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*o = Observation(p)
	o.Extra = extraFields(data, "id", "raw_content", "topics", "created_at")
	return nil
}

func marshalWithExtra(known any, extra map[string]any) ([]byte, error) {
	raw, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return raw, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func extraFields(data []byte, known ...string) map[string]any {
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return nil
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil
	}
	return all
}
