package memory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mnemonet/mnemo/internal/llm"
	"github.com/mnemonet/mnemo/internal/schema"
	"github.com/mnemonet/mnemo/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTranslator scripts LLM behaviour per input text.
type fakeTranslator struct {
	extractions map[string]llm.ObservationData
	claims      map[string]llm.ClaimData
	cypher      string
	cypherErr   error
	inferText   string

	synthQuestion string
	synthResults  []map[string]any
}

func (f *fakeTranslator) ExtractObservation(ctx context.Context, text string) (llm.ObservationData, error) {
	if data, ok := f.extractions[text]; ok {
		return data, nil
	}
	return llm.ObservationData{}, nil
}

func (f *fakeTranslator) ParseClaim(ctx context.Context, text string, recent []map[string]any) (llm.ClaimData, error) {
	if data, ok := f.claims[text]; ok {
		return data, nil
	}
	return llm.ClaimData{}, fmt.Errorf("no scripted claim for %q", text)
}

func (f *fakeTranslator) GenerateQuery(ctx context.Context, question string) (string, error) {
	if f.cypherErr != nil {
		return "", f.cypherErr
	}
	return f.cypher, nil
}

func (f *fakeTranslator) SynthesizeResponse(ctx context.Context, question string, results []map[string]any) (string, error) {
	f.synthQuestion = question
	f.synthResults = results
	return "synthesized answer", nil
}

func (f *fakeTranslator) Infer(ctx context.Context, observationText string) (string, error) {
	return f.inferText, nil
}

func edgeTypes(t *testing.T, g *store.MemGraph) map[string]int {
	t.Helper()
	rels, err := g.Relationships(context.Background(), 0)
	require.NoError(t, err)
	out := make(map[string]int)
	for _, r := range rels {
		out[r.Type]++
	}
	return out
}

func TestService_Observe(t *testing.T) {
	g := store.NewMemGraph()
	tr := &fakeTranslator{extractions: map[string]llm.ObservationData{
		"I met Alice from Acme Corp": {
			Concepts: []llm.ConceptMention{
				{Name: "Alice", Kind: "person"},
				{Name: "Acme Corp", Kind: "organization", Components: []string{"Acme"}},
			},
			Topics: []string{"work"},
		},
	}}
	svc := NewService(g, tr, nil, testLogger())

	obsID, err := svc.Observe(context.Background(), "I met Alice from Acme Corp", "cli_user")
	require.NoError(t, err)
	require.NotEmpty(t, obsID)

	obs, err := g.RecentObservations(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	require.Equal(t, "I met Alice from Acme Corp", obs[0].RawContent)
	require.Equal(t, []string{"work"}, obs[0].Topics)

	// Provenance, mentions, and the PART_OF decomposition.
	types := edgeTypes(t, g)
	require.Equal(t, 1, types[store.RelRecordedBy])
	require.Equal(t, 2, types[store.RelMentions])
	require.Equal(t, 1, types[store.RelPartOf])

	alice, err := g.FindConceptByName(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, alice)
	require.Equal(t, "person", alice.Kind)
}

func TestService_ObserveReusesConcepts(t *testing.T) {
	g := store.NewMemGraph()
	tr := &fakeTranslator{extractions: map[string]llm.ObservationData{
		"first":  {Concepts: []llm.ConceptMention{{Name: "Alice", Kind: "person"}}},
		"second": {Concepts: []llm.ConceptMention{{Name: "ALICE", Kind: "person"}}},
	}}
	svc := NewService(g, tr, nil, testLogger())

	_, err := svc.Observe(context.Background(), "first", "cli_user")
	require.NoError(t, err)
	_, err = svc.Observe(context.Background(), "second", "cli_user")
	require.NoError(t, err)

	concepts, err := g.Concepts(context.Background())
	require.NoError(t, err)
	require.Len(t, concepts, 1, "case variants must resolve to one concept")
}

func TestService_Claim(t *testing.T) {
	g := store.NewMemGraph()
	tr := &fakeTranslator{claims: map[string]llm.ClaimData{
		"alice lives in tokyo": {
			Subject: "alice", Predicate: "lives_in", Object: "tokyo", Confidence: 0.9,
		},
	}}
	svc := NewService(g, tr, nil, testLogger())

	stmtID, err := svc.Claim(context.Background(), "alice lives in tokyo", "inference_agent")
	require.NoError(t, err)
	require.NotEmpty(t, stmtID)

	stmts, err := g.RecentStatements(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	s := stmts[0]
	require.Equal(t, "alice", s.SubjectName)
	require.Equal(t, "lives_in", s.Predicate)
	require.Equal(t, "tokyo", s.ObjectName)
	require.Equal(t, "inference_agent", s.Source)
	require.InDelta(t, 0.9, s.Confidence, 1e-9)
}

func TestService_ClaimBasisLink(t *testing.T) {
	g := store.NewMemGraph()
	tr := &fakeTranslator{
		extractions: map[string]llm.ObservationData{
			"alice mentioned she moved to tokyo recently": {},
		},
		claims: map[string]llm.ClaimData{
			"claim text": {
				Subject: "alice", Predicate: "lives_in", Object: "tokyo", Confidence: 0.8,
				BasisDescriptions: []string{"alice moved tokyo"},
			},
		},
	}
	svc := NewService(g, tr, nil, testLogger())

	_, err := svc.Observe(context.Background(), "alice mentioned she moved to tokyo recently", "cli_user")
	require.NoError(t, err)
	_, err = svc.Claim(context.Background(), "claim text", "inference_agent")
	require.NoError(t, err)

	require.Equal(t, 1, edgeTypes(t, g)[store.RelDerivedFrom],
		"basis description should link to the matching observation")
}

func TestService_ClaimSupersedes(t *testing.T) {
	g := store.NewMemGraph()
	tr := &fakeTranslator{claims: map[string]llm.ClaimData{
		"old": {Subject: "alice", Predicate: "lives_in", Object: "paris", Confidence: 0.8},
		"new": {
			Subject: "alice", Predicate: "lives_in", Object: "tokyo", Confidence: 0.9,
			SupersedesDescription: "alice lives_in paris",
		},
	}}
	svc := NewService(g, tr, nil, testLogger())
	ctx := context.Background()

	oldID, err := svc.Claim(ctx, "old", "cli_user")
	require.NoError(t, err)
	newID, err := svc.Claim(ctx, "new", "cli_user")
	require.NoError(t, err)
	require.NotEqual(t, oldID, newID)

	alice, err := g.FindConceptByName(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, alice)

	// Only the current statement survives the superseded filter.
	current, err := g.StatementsAbout(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, current, 1)
	require.Equal(t, newID, current[0].ID)
	require.Equal(t, "tokyo", current[0].ObjectName)
}

func TestService_ClaimUnmatchedDescriptionsIgnored(t *testing.T) {
	g := store.NewMemGraph()
	tr := &fakeTranslator{claims: map[string]llm.ClaimData{
		"claim": {
			Subject: "alice", Predicate: "lives_in", Object: "tokyo", Confidence: 0.8,
			BasisDescriptions:     []string{"completely unrelated zebra xylophone"},
			SupersedesDescription: "another unmatched quasar description",
		},
	}}
	svc := NewService(g, tr, nil, testLogger())

	_, err := svc.Claim(context.Background(), "claim", "cli_user")
	require.NoError(t, err)

	types := edgeTypes(t, g)
	require.Zero(t, types[store.RelDerivedFrom])
	require.Zero(t, types[store.RelSupersedes])
}

func TestService_FlagContradiction(t *testing.T) {
	g := store.NewMemGraph()
	svc := NewService(g, &fakeTranslator{}, nil, testLogger())
	ctx := context.Background()

	require.NoError(t, g.CreateStatement(ctx, "stmt-1", "has_name", 0.9, false))
	require.NoError(t, g.CreateStatement(ctx, "stmt-2", "has_name", 0.8, false))

	require.NoError(t, svc.FlagContradiction(ctx, "stmt-1", "stmt-2", "alice has_name: 'alice' vs 'bob'"))

	got, err := g.UnresolvedContradictions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Unknown endpoints surface as errors.
	require.Error(t, svc.FlagContradiction(ctx, "stmt-1", "missing", "x"))
}

func TestService_RememberFallsBackToBroadSearch(t *testing.T) {
	g := store.NewMemGraph()
	tr := &fakeTranslator{
		extractions: map[string]llm.ObservationData{"I prefer morning meetings": {}},
		cypher:      "MATCH (n) RETURN n", // MemGraph rejects raw queries
	}
	svc := NewService(g, tr, nil, testLogger())
	ctx := context.Background()

	_, err := svc.Observe(ctx, "I prefer morning meetings", "cli_user")
	require.NoError(t, err)

	answer, err := svc.Remember(ctx, "what are my meeting preferences?")
	require.NoError(t, err)
	require.Equal(t, "synthesized answer", answer)
	require.Equal(t, "what are my meeting preferences?", tr.synthQuestion)

	// The fallback hands the synthesizer recent graph content.
	require.NotEmpty(t, tr.synthResults)
	require.Equal(t, "observation", tr.synthResults[0]["kind"])
}

// queryableGraph lets remember exercise the generated-query path, which
// MemGraph itself rejects.
type queryableGraph struct {
	*store.MemGraph
	rows      []map[string]any
	lastQuery string
}

func (q *queryableGraph) Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	q.lastQuery = query
	return q.rows, nil
}

func TestService_RememberUsesGeneratedQuery(t *testing.T) {
	g := &queryableGraph{
		MemGraph: store.NewMemGraph(),
		rows:     []map[string]any{{"predicate": "prefers", "object_name": "morning meetings"}},
	}
	tr := &fakeTranslator{cypher: "MATCH (s:Statement) RETURN s LIMIT 25"}
	svc := NewService(g, tr, nil, testLogger())

	answer, err := svc.Remember(context.Background(), "what do I prefer?")
	require.NoError(t, err)
	require.Equal(t, "synthesized answer", answer)
	require.Equal(t, "MATCH (s:Statement) RETURN s LIMIT 25", g.lastQuery)
	require.Equal(t, g.rows, tr.synthResults)
}

func TestService_SchemaWithoutStore(t *testing.T) {
	svc := NewService(store.NewMemGraph(), &fakeTranslator{}, nil, testLogger())
	_, err := svc.Schema(context.Background())
	require.Error(t, err, "llm-only nodes have no schema store")
	_, err = svc.UpdateSchema(context.Background(), schema.Changes{}, "test")
	require.Error(t, err)
}

func TestTextOverlap(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"alice moved to tokyo", "alice mentioned she moved to tokyo recently", true},
		{"the a an is", "anything at all", false}, // stopwords only
		{"tokyo", "alice lives in tokyo", true},   // single content word needs one match
		{"zebra xylophone", "alice lives in tokyo", false},
		{"alice paris", "alice lives_in tokyo", false}, // one of two words is not enough
		{"", "text", false},
	}
	for _, tc := range cases {
		if got := textOverlap(tc.a, tc.b); got != tc.want {
			t.Errorf("textOverlap(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
