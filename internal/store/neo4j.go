package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jConfig is the connection configuration for the graph database.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Neo4jGraph implements Graph on a Neo4j database.
type Neo4jGraph struct {
	driver neo4j.DriverWithContext
}

// ConnectNeo4j opens a driver, verifies connectivity, and ensures the
// schema indexes exist.
func ConnectNeo4j(ctx context.Context, cfg Neo4jConfig) (*Neo4jGraph, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("open neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	g := &Neo4jGraph{driver: driver}
	if err := g.EnsureIndexes(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	return g, nil
}

// Close shuts the driver down.
func (g *Neo4jGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

func (g *Neo4jGraph) run(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	res, err := neo4j.ExecuteQuery(ctx, g.driver, cypher, params, neo4j.EagerResultTransformer)
	if err != nil {
		return nil, fmt.Errorf("neo4j query: %w", err)
	}
	return res.Records, nil
}

// EnsureIndexes creates the uniqueness constraints and lookup indexes
// for the knowledge graph schema.
func (g *Neo4jGraph) EnsureIndexes(ctx context.Context) error {
	statements := []string{
		"CREATE CONSTRAINT concept_id IF NOT EXISTS FOR (c:Concept) REQUIRE c.id IS UNIQUE",
		"CREATE CONSTRAINT statement_id IF NOT EXISTS FOR (s:Statement) REQUIRE s.id IS UNIQUE",
		"CREATE CONSTRAINT observation_id IF NOT EXISTS FOR (o:Observation) REQUIRE o.id IS UNIQUE",
		"CREATE CONSTRAINT source_id IF NOT EXISTS FOR (s:Source) REQUIRE s.id IS UNIQUE",
		"CREATE INDEX concept_name IF NOT EXISTS FOR (c:Concept) ON (c.name)",
		"CREATE INDEX statement_predicate IF NOT EXISTS FOR (s:Statement) ON (s.predicate)",
		"CREATE INDEX statement_created IF NOT EXISTS FOR (s:Statement) ON (s.created_at)",
		"CREATE INDEX observation_created IF NOT EXISTS FOR (o:Observation) ON (o.created_at)",
	}
	for _, stmt := range statements {
		if _, err := g.run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure indexes: %w", err)
		}
	}
	return nil
}

// CreateObservation creates an Observation node.
func (g *Neo4jGraph) CreateObservation(ctx context.Context, id, rawContent string, topics []string) error {
	if topics == nil {
		topics = []string{}
	}
	_, err := g.run(ctx,
		"CREATE (o:Observation {id: $id, raw_content: $raw_content, topics: $topics, created_at: datetime()})",
		map[string]any{"id": id, "raw_content": rawContent, "topics": topics})
	return err
}

// CreateConcept creates a Concept node.
func (g *Neo4jGraph) CreateConcept(ctx context.Context, id, name, kind string, aliases []string) error {
	if aliases == nil {
		aliases = []string{}
	}
	_, err := g.run(ctx,
		"CREATE (c:Concept {id: $id, name: $name, kind: $kind, aliases: $aliases, created_at: datetime()})",
		map[string]any{"id": id, "name": name, "kind": kind, "aliases": aliases})
	return err
}

// CreateStatement creates a Statement node (reified triple).
func (g *Neo4jGraph) CreateStatement(ctx context.Context, id, predicate string, confidence float64, negated bool) error {
	_, err := g.run(ctx,
		"CREATE (s:Statement {id: $id, predicate: $predicate, confidence: $confidence, negated: $negated, created_at: datetime()})",
		map[string]any{"id": id, "predicate": predicate, "confidence": confidence, "negated": negated})
	return err
}

// GetOrCreateConcept resolves a concept by name (case-insensitive,
// including aliases), creating it when absent.
func (g *Neo4jGraph) GetOrCreateConcept(ctx context.Context, name, id, kind string) (string, error) {
	existing, err := g.FindConceptByName(ctx, name)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ID, nil
	}
	if err := g.CreateConcept(ctx, id, name, kind, nil); err != nil {
		return "", err
	}
	return id, nil
}

// GetOrCreateSource resolves a source by exact name, creating it when absent.
func (g *Neo4jGraph) GetOrCreateSource(ctx context.Context, name, kind string) (string, error) {
	records, err := g.run(ctx,
		"MATCH (s:Source {name: $name}) RETURN s.id AS id LIMIT 1",
		map[string]any{"name": name})
	if err != nil {
		return "", err
	}
	if len(records) > 0 {
		if id, ok := records[0].Get("id"); ok {
			return id.(string), nil
		}
	}
	sourceID := uuid.NewString()
	_, err = g.run(ctx,
		"CREATE (s:Source {id: $id, name: $name, kind: $kind, created_at: datetime()})",
		map[string]any{"id": sourceID, "name": name, "kind": kind})
	if err != nil {
		return "", err
	}
	return sourceID, nil
}

// CreateRelationship adds a typed edge between two existing nodes of any
// label. The relationship type is interpolated: Cypher cannot
// parameterise it, and callers pass only the Rel* constants.
func (g *Neo4jGraph) CreateRelationship(ctx context.Context, fromID, relType, toID string, props map[string]any) error {
	var cypher string
	params := map[string]any{"from_id": fromID, "to_id": toID}
	if len(props) > 0 {
		cypher = fmt.Sprintf(
			"MATCH (a {id: $from_id}), (b {id: $to_id}) CREATE (a)-[r:%s $props]->(b)", relType)
		params["props"] = props
	} else {
		cypher = fmt.Sprintf(
			"MATCH (a {id: $from_id}), (b {id: $to_id}) CREATE (a)-[r:%s]->(b)", relType)
	}
	_, err := g.run(ctx, cypher, params)
	return err
}

// FindConceptByName finds a concept by name or alias, case-insensitively.
// Returns nil when no concept matches.
func (g *Neo4jGraph) FindConceptByName(ctx context.Context, name string) (*Concept, error) {
	records, err := g.run(ctx, `
		MATCH (c:Concept)
		WHERE toLower(c.name) = toLower($name)
		   OR any(a IN c.aliases WHERE toLower(a) = toLower($name))
		RETURN c
		LIMIT 1`,
		map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	v, _ := records[0].Get("c")
	node, ok := v.(neo4j.Node)
	if !ok {
		return nil, fmt.Errorf("unexpected concept record type %T", v)
	}
	c := conceptFromProps(node.Props)
	return &c, nil
}

// StatementsAbout returns current statements where the concept appears as
// subject or object, highest confidence first.
func (g *Neo4jGraph) StatementsAbout(ctx context.Context, conceptID string) ([]Statement, error) {
	records, err := g.run(ctx, `
		MATCH (s:Statement)-[:ABOUT_SUBJECT|ABOUT_OBJECT]->(c:Concept {id: $concept_id})
		WHERE NOT EXISTS {
			MATCH (:Statement)-[:SUPERSEDES]->(s)
		}
		OPTIONAL MATCH (s)-[:ABOUT_SUBJECT]->(subj:Concept)
		OPTIONAL MATCH (s)-[:ABOUT_OBJECT]->(obj:Concept)
		RETURN s {.*, subject_name: subj.name, object_name: obj.name} AS s
		ORDER BY s.confidence DESC, s.created_at DESC`,
		map[string]any{"concept_id": conceptID})
	if err != nil {
		return nil, err
	}
	return statementsFromRecords(records, "s")
}

// UnresolvedContradictions returns CONTRADICTS pairs with the current
// filter applied to both endpoints.
func (g *Neo4jGraph) UnresolvedContradictions(ctx context.Context) ([]Contradiction, error) {
	records, err := g.run(ctx, `
		MATCH (s1:Statement)-[:CONTRADICTS]->(s2:Statement)
		WHERE NOT EXISTS {
			MATCH (:Statement)-[:SUPERSEDES]->(s1)
		}
		AND NOT EXISTS {
			MATCH (:Statement)-[:SUPERSEDES]->(s2)
		}
		OPTIONAL MATCH (s1)-[:ABOUT_SUBJECT]->(subj1:Concept)
		OPTIONAL MATCH (s1)-[:ABOUT_OBJECT]->(obj1:Concept)
		OPTIONAL MATCH (s2)-[:ABOUT_SUBJECT]->(subj2:Concept)
		OPTIONAL MATCH (s2)-[:ABOUT_OBJECT]->(obj2:Concept)
		RETURN s1 {.*, subject_name: subj1.name, object_name: obj1.name} AS s1,
		       s2 {.*, subject_name: subj2.name, object_name: obj2.name} AS s2`,
		nil)
	if err != nil {
		return nil, err
	}
	out := make([]Contradiction, 0, len(records))
	for _, rec := range records {
		v1, _ := rec.Get("s1")
		v2, _ := rec.Get("s2")
		m1, ok1 := v1.(map[string]any)
		m2, ok2 := v2.(map[string]any)
		if !ok1 || !ok2 {
			continue
		}
		out = append(out, Contradiction{
			First:  statementFromProps(m1),
			Second: statementFromProps(m2),
		})
	}
	return out, nil
}

// RecentObservations returns observations newest first.
func (g *Neo4jGraph) RecentObservations(ctx context.Context, limit int) ([]Observation, error) {
	records, err := g.run(ctx, `
		MATCH (o:Observation)
		RETURN o
		ORDER BY o.created_at DESC
		LIMIT $limit`,
		map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	out := make([]Observation, 0, len(records))
	for _, rec := range records {
		v, _ := rec.Get("o")
		node, ok := v.(neo4j.Node)
		if !ok {
			continue
		}
		out = append(out, observationFromProps(node.Props))
	}
	return out, nil
}

// RecentStatements returns statements with joined subject, object, and
// source names, newest first.
func (g *Neo4jGraph) RecentStatements(ctx context.Context, limit int) ([]Statement, error) {
	records, err := g.run(ctx, `
		MATCH (s:Statement)
		OPTIONAL MATCH (s)-[:ABOUT_SUBJECT]->(subj:Concept)
		OPTIONAL MATCH (s)-[:ABOUT_OBJECT]->(obj:Concept)
		OPTIONAL MATCH (s)-[:ASSERTED_BY]->(src:Source)
		RETURN s {.*, subject_name: subj.name, object_name: obj.name, source: src.name} AS s
		ORDER BY s.created_at DESC
		LIMIT $limit`,
		map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	return statementsFromRecords(records, "s")
}

// Concepts returns all concepts ordered by name.
func (g *Neo4jGraph) Concepts(ctx context.Context) ([]Concept, error) {
	records, err := g.run(ctx, `
		MATCH (c:Concept)
		RETURN c
		ORDER BY c.name`,
		nil)
	if err != nil {
		return nil, err
	}
	out := make([]Concept, 0, len(records))
	for _, rec := range records {
		v, _ := rec.Get("c")
		if node, ok := v.(neo4j.Node); ok {
			out = append(out, conceptFromProps(node.Props))
		}
	}
	return out, nil
}

// Relationships returns edge projections for the graph visualization feed.
func (g *Neo4jGraph) Relationships(ctx context.Context, limit int) ([]Relationship, error) {
	records, err := g.run(ctx, `
		MATCH (a)-[r]->(b)
		RETURN a.id AS source, b.id AS target, type(r) AS type
		LIMIT $limit`,
		map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	out := make([]Relationship, 0, len(records))
	for _, rec := range records {
		src, _ := rec.Get("source")
		tgt, _ := rec.Get("target")
		typ, _ := rec.Get("type")
		s, _ := src.(string)
		t, _ := tgt.(string)
		y, _ := typ.(string)
		out = append(out, Relationship{Source: s, Target: t, Type: y})
	}
	return out, nil
}

// Counts returns the graph totals.
func (g *Neo4jGraph) Counts(ctx context.Context) (Counts, error) {
	records, err := g.run(ctx, `
		RETURN count { MATCH (o:Observation) } AS observations,
		       count { MATCH (s:Statement) } AS statements,
		       count { MATCH (c:Concept) } AS concepts,
		       count { MATCH (src:Source) } AS sources,
		       count { MATCH ()-[r]->() } AS relationships`,
		nil)
	if err != nil {
		return Counts{}, err
	}
	if len(records) == 0 {
		return Counts{}, nil
	}
	rec := records[0]
	intAt := func(key string) int64 {
		v, _ := rec.Get(key)
		n, _ := v.(int64)
		return n
	}
	return Counts{
		Observations:  intAt("observations"),
		Statements:    intAt("statements"),
		Concepts:      intAt("concepts"),
		Sources:       intAt("sources"),
		Relationships: intAt("relationships"),
	}, nil
}

// Query executes raw Cypher and returns rows as maps.
func (g *Neo4jGraph) Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	records, err := g.run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		row := make(map[string]any, len(rec.Keys))
		for _, key := range rec.Keys {
			v, _ := rec.Get(key)
			if node, ok := v.(neo4j.Node); ok {
				v = node.Props
			}
			row[key] = v
		}
		out = append(out, row)
	}
	return out, nil
}

// Clear deletes all nodes and relationships.
func (g *Neo4jGraph) Clear(ctx context.Context) error {
	_, err := g.run(ctx, "MATCH (n) DETACH DELETE n", nil)
	return err
}

var _ Graph = (*Neo4jGraph)(nil)

// ── property conversion ────────────────────────────────────────────

var statementKnownProps = map[string]bool{
	"id": true, "predicate": true, "confidence": true, "negated": true,
	"created_at": true, "subject_name": true, "object_name": true, "source": true,
}

var observationKnownProps = map[string]bool{
	"id": true, "raw_content": true, "topics": true, "created_at": true,
}

func statementsFromRecords(records []*neo4j.Record, key string) ([]Statement, error) {
	out := make([]Statement, 0, len(records))
	for _, rec := range records {
		v, _ := rec.Get(key)
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, statementFromProps(m))
	}
	return out, nil
}

func statementFromProps(props map[string]any) Statement {
	s := Statement{
		ID:          stringProp(props, "id"),
		Predicate:   stringProp(props, "predicate"),
		Confidence:  floatProp(props, "confidence"),
		Negated:     boolProp(props, "negated"),
		CreatedAt:   timeProp(props, "created_at"),
		SubjectName: stringProp(props, "subject_name"),
		ObjectName:  stringProp(props, "object_name"),
		Source:      stringProp(props, "source"),
	}
	s.Extra = extraProps(props, statementKnownProps)
	return s
}

func observationFromProps(props map[string]any) Observation {
	o := Observation{
		ID:         stringProp(props, "id"),
		RawContent: stringProp(props, "raw_content"),
		Topics:     stringSliceProp(props, "topics"),
		CreatedAt:  timeProp(props, "created_at"),
	}
	o.Extra = extraProps(props, observationKnownProps)
	return o
}

func conceptFromProps(props map[string]any) Concept {
	return Concept{
		ID:        stringProp(props, "id"),
		Name:      stringProp(props, "name"),
		Kind:      stringProp(props, "kind"),
		Aliases:   stringSliceProp(props, "aliases"),
		CreatedAt: timeProp(props, "created_at"),
	}
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func floatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func boolProp(props map[string]any, key string) bool {
	b, _ := props[key].(bool)
	return b
}

func timeProp(props map[string]any, key string) time.Time {
	switch v := props[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func stringSliceProp(props map[string]any, key string) []string {
	switch v := props[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func extraProps(props map[string]any, known map[string]bool) map[string]any {
	var extra map[string]any
	for k, v := range props {
		if known[k] || v == nil {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return extra
}
