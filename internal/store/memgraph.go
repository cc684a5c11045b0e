package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemGraph is an in-memory Graph for tests and single-process
// development. It mirrors the Neo4j store's read projections (joined
// subject/object/source names, the current filter) closely enough that
// the memory service and agents behave identically on either.
type MemGraph struct {
	mu           sync.Mutex
	seq          int64
	observations map[string]*memNode
	concepts     map[string]*memNode
	statements   map[string]*memNode
	sources      map[string]*memNode
	edges        []memEdge
}

type memNode struct {
	id        string
	seq       int64
	createdAt time.Time
	props     map[string]any
}

type memEdge struct {
	from, typ, to string
	props         map[string]any
}

// NewMemGraph returns an empty in-memory graph.
func NewMemGraph() *MemGraph {
	return &MemGraph{
		observations: make(map[string]*memNode),
		concepts:     make(map[string]*memNode),
		statements:   make(map[string]*memNode),
		sources:      make(map[string]*memNode),
	}
}

func (g *MemGraph) newNode(id string, props map[string]any) *memNode {
	g.seq++
	return &memNode{id: id, seq: g.seq, createdAt: time.Now().UTC(), props: props}
}

// EnsureIndexes is a no-op for the in-memory store.
func (g *MemGraph) EnsureIndexes(ctx context.Context) error { return nil }

// CreateObservation stores an observation node.
func (g *MemGraph) CreateObservation(ctx context.Context, id, rawContent string, topics []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observations[id] = g.newNode(id, map[string]any{
		"raw_content": rawContent,
		"topics":      append([]string(nil), topics...),
	})
	return nil
}

// CreateConcept stores a concept node.
func (g *MemGraph) CreateConcept(ctx context.Context, id, name, kind string, aliases []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.concepts[id] = g.newNode(id, map[string]any{
		"name":    name,
		"kind":    kind,
		"aliases": append([]string(nil), aliases...),
	})
	return nil
}

// CreateStatement stores a statement node.
func (g *MemGraph) CreateStatement(ctx context.Context, id, predicate string, confidence float64, negated bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statements[id] = g.newNode(id, map[string]any{
		"predicate":  predicate,
		"confidence": confidence,
		"negated":    negated,
	})
	return nil
}

// GetOrCreateConcept resolves a concept case-insensitively or creates it.
func (g *MemGraph) GetOrCreateConcept(ctx context.Context, name, id, kind string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := g.findConceptLocked(name); n != nil {
		return n.id, nil
	}
	g.concepts[id] = g.newNode(id, map[string]any{
		"name":    name,
		"kind":    kind,
		"aliases": []string{},
	})
	return id, nil
}

// GetOrCreateSource resolves a source by exact name or creates it.
func (g *MemGraph) GetOrCreateSource(ctx context.Context, name, kind string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.sources {
		if n.props["name"] == name {
			return n.id, nil
		}
	}
	id := fmt.Sprintf("source-%d", g.seq+1)
	g.sources[id] = g.newNode(id, map[string]any{"name": name, "kind": kind})
	return id, nil
}

// CreateRelationship adds a typed edge between two existing nodes.
func (g *MemGraph) CreateRelationship(ctx context.Context, fromID, relType, toID string, props map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lookupLocked(fromID) == nil {
		return fmt.Errorf("relationship source %s not found", fromID)
	}
	if g.lookupLocked(toID) == nil {
		return fmt.Errorf("relationship target %s not found", toID)
	}
	g.edges = append(g.edges, memEdge{from: fromID, typ: relType, to: toID, props: props})
	return nil
}

func (g *MemGraph) lookupLocked(id string) *memNode {
	for _, m := range []map[string]*memNode{g.observations, g.concepts, g.statements, g.sources} {
		if n, ok := m[id]; ok {
			return n
		}
	}
	return nil
}

func (g *MemGraph) findConceptLocked(name string) *memNode {
	lower := strings.ToLower(name)
	for _, n := range g.concepts {
		if strings.ToLower(n.props["name"].(string)) == lower {
			return n
		}
		if aliases, ok := n.props["aliases"].([]string); ok {
			for _, a := range aliases {
				if strings.ToLower(a) == lower {
					return n
				}
			}
		}
	}
	return nil
}

// FindConceptByName resolves a concept case-insensitively by name or alias.
func (g *MemGraph) FindConceptByName(ctx context.Context, name string) (*Concept, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.findConceptLocked(name)
	if n == nil {
		return nil, nil
	}
	c := g.conceptFromNode(n)
	return &c, nil
}

func (g *MemGraph) conceptFromNode(n *memNode) Concept {
	aliases, _ := n.props["aliases"].([]string)
	return Concept{
		ID:        n.id,
		Name:      n.props["name"].(string),
		Kind:      n.props["kind"].(string),
		Aliases:   aliases,
		CreatedAt: n.createdAt,
	}
}

// supersededLocked reports whether a statement has an incoming SUPERSEDES edge.
func (g *MemGraph) supersededLocked(stmtID string) bool {
	for _, e := range g.edges {
		if e.typ == RelSupersedes && e.to == stmtID {
			return true
		}
	}
	return false
}

func (g *MemGraph) statementFromNode(n *memNode) Statement {
	s := Statement{
		ID:         n.id,
		Predicate:  n.props["predicate"].(string),
		Confidence: n.props["confidence"].(float64),
		Negated:    n.props["negated"].(bool),
		CreatedAt:  n.createdAt,
	}
	for _, e := range g.edges {
		if e.from != n.id {
			continue
		}
		switch e.typ {
		case RelAboutSubject:
			if c, ok := g.concepts[e.to]; ok {
				s.SubjectName = c.props["name"].(string)
			}
		case RelAboutObject:
			if c, ok := g.concepts[e.to]; ok {
				s.ObjectName = c.props["name"].(string)
			}
		case RelAssertedBy:
			if src, ok := g.sources[e.to]; ok {
				s.Source = src.props["name"].(string)
			}
		}
	}
	return s
}

// StatementsAbout returns current statements touching the concept,
// highest confidence first.
func (g *MemGraph) StatementsAbout(ctx context.Context, conceptID string) ([]Statement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[string]bool)
	var out []Statement
	for _, e := range g.edges {
		if e.to != conceptID || (e.typ != RelAboutSubject && e.typ != RelAboutObject) {
			continue
		}
		n, ok := g.statements[e.from]
		if !ok || seen[n.id] || g.supersededLocked(n.id) {
			continue
		}
		seen[n.id] = true
		out = append(out, g.statementFromNode(n))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UnresolvedContradictions returns CONTRADICTS pairs where neither
// endpoint has been superseded.
func (g *MemGraph) UnresolvedContradictions(ctx context.Context) ([]Contradiction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Contradiction
	for _, e := range g.edges {
		if e.typ != RelContradicts {
			continue
		}
		s1, ok1 := g.statements[e.from]
		s2, ok2 := g.statements[e.to]
		if !ok1 || !ok2 {
			continue
		}
		if g.supersededLocked(s1.id) || g.supersededLocked(s2.id) {
			continue
		}
		out = append(out, Contradiction{
			First:  g.statementFromNode(s1),
			Second: g.statementFromNode(s2),
		})
	}
	return out, nil
}

// RecentObservations returns observations newest first.
func (g *MemGraph) RecentObservations(ctx context.Context, limit int) ([]Observation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	nodes := make([]*memNode, 0, len(g.observations))
	for _, n := range g.observations {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].seq > nodes[j].seq })
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}
	out := make([]Observation, 0, len(nodes))
	for _, n := range nodes {
		topics, _ := n.props["topics"].([]string)
		out = append(out, Observation{
			ID:         n.id,
			RawContent: n.props["raw_content"].(string),
			Topics:     topics,
			CreatedAt:  n.createdAt,
		})
	}
	return out, nil
}

// RecentStatements returns statements newest first, with joined names.
func (g *MemGraph) RecentStatements(ctx context.Context, limit int) ([]Statement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	nodes := make([]*memNode, 0, len(g.statements))
	for _, n := range g.statements {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].seq > nodes[j].seq })
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}
	out := make([]Statement, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, g.statementFromNode(n))
	}
	return out, nil
}

// Concepts returns all concepts ordered by name.
func (g *MemGraph) Concepts(ctx context.Context) ([]Concept, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Concept, 0, len(g.concepts))
	for _, n := range g.concepts {
		out = append(out, g.conceptFromNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Relationships returns edge projections for visualization.
func (g *MemGraph) Relationships(ctx context.Context, limit int) ([]Relationship, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Relationship, 0, len(g.edges))
	for _, e := range g.edges {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, Relationship{Source: e.from, Target: e.to, Type: e.typ})
	}
	return out, nil
}

// Counts returns the graph totals.
func (g *MemGraph) Counts(ctx context.Context) (Counts, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Counts{
		Observations:  int64(len(g.observations)),
		Statements:    int64(len(g.statements)),
		Concepts:      int64(len(g.concepts)),
		Sources:       int64(len(g.sources)),
		Relationships: int64(len(g.edges)),
	}, nil
}

// Query is unsupported in memory; remember falls back to broad search.
func (g *MemGraph) Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	return nil, fmt.Errorf("raw queries are not supported by the in-memory store")
}

// Clear deletes everything.
func (g *MemGraph) Clear(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observations = make(map[string]*memNode)
	g.concepts = make(map[string]*memNode)
	g.statements = make(map[string]*memNode)
	g.sources = make(map[string]*memNode)
	g.edges = nil
	return nil
}

// Close is a no-op.
func (g *MemGraph) Close(ctx context.Context) error { return nil }

var _ Graph = (*MemGraph)(nil)
