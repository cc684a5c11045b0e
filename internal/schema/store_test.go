package schema

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"pgregory.net/rapid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "schema.yaml"), testLogger())
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func TestStore_SeedsFromBootstrap(t *testing.T) {
	s := newTestStore(t)
	if s.Version() != 0 {
		t.Errorf("version = %d, want 0 on first run", s.Version())
	}
	doc := s.Snapshot()
	if doc.UpdatedBy != "bootstrap" {
		t.Errorf("updated_by = %q, want bootstrap", doc.UpdatedBy)
	}
	if _, ok := doc.Predicates["has_name"]; !ok {
		t.Error("bootstrap predicates missing")
	}
	if doc.Predicates["has_name"].Origin != "bootstrap" {
		t.Errorf("origin = %q, want bootstrap", doc.Predicates["has_name"].Origin)
	}

	// The seed must land on disk so the next start skips bootstrap.
	if _, err := os.Stat(s.path); err != nil {
		t.Fatalf("seed not persisted: %v", err)
	}
}

func TestStore_LoadPersistedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	s := NewStore(path, testLogger())
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := s.Update(Changes{
		Predicates: map[string]PredicateDef{"owns_pet": {Cardinality: CardinalityMulti}},
	}, "test"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	s2 := NewStore(path, testLogger())
	if err := s2.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if s2.Version() != 1 {
		t.Errorf("version = %d after reload, want 1", s2.Version())
	}
	if !s2.Schema().IsMultiValued("owns_pet") {
		t.Error("persisted predicate lost on reload")
	}
}

func TestStore_CorruptFileFallsBackToBootstrap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	if err := os.WriteFile(path, []byte("{not yaml: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path, testLogger())
	if err := s.Load(); err != nil {
		t.Fatalf("Load should recover, got %v", err)
	}
	if s.Snapshot().UpdatedBy != "bootstrap" {
		t.Error("corrupt file should reseed from bootstrap")
	}
}

func TestStore_UpdateMergesPredicates(t *testing.T) {
	s := newTestStore(t)

	// Partial update: only cardinality changes, aliases survive.
	before := s.Snapshot().Predicates["has_name"]
	if len(before.Aliases) == 0 {
		t.Fatal("bootstrap has_name should carry aliases")
	}
	doc, err := s.Update(Changes{
		Predicates: map[string]PredicateDef{"has_name": {Cardinality: CardinalityMulti}},
	}, "validator_agent")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	after := doc.Predicates["has_name"]
	if after.Cardinality != CardinalityMulti {
		t.Errorf("cardinality = %q, want multi", after.Cardinality)
	}
	if len(after.Aliases) != len(before.Aliases) {
		t.Errorf("aliases lost in merge: %v", after.Aliases)
	}
	if doc.UpdatedBy != "validator_agent" {
		t.Errorf("updated_by = %q", doc.UpdatedBy)
	}
	if !s.Schema().IsMultiValued("has_name") {
		t.Error("runtime schema not rebuilt after update")
	}
}

func TestStore_UpdateNotifies(t *testing.T) {
	s := newTestStore(t)
	var gotVersion int
	s.OnUpdate = func(doc Document) { gotVersion = doc.SchemaVersion }

	if _, err := s.Update(Changes{
		ExclusivityGroups: map[string]GroupDef{
			"employment": {Predicates: []string{"works_at", "is_unemployed"}},
		},
	}, "test"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if gotVersion != 1 {
		t.Errorf("OnUpdate saw version %d, want 1", gotVersion)
	}
	if _, ok := s.Schema().ExclusivityGroupFor("is_unemployed"); !ok {
		t.Error("new exclusivity group not active")
	}
}

// Version increases by exactly one per update and survives reloads,
// whatever sequence of changes is applied.
func TestStore_VersionMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		path := filepath.Join(t.TempDir(), "schema.yaml")
		s := NewStore(path, testLogger())
		if err := s.Load(); err != nil {
			rt.Fatalf("Load: %v", err)
		}

		n := rapid.IntRange(1, 8).Draw(rt, "updates")
		for i := 0; i < n; i++ {
			name := rapid.SampledFrom([]string{"likes", "owns_pet", "speaks"}).Draw(rt, "predicate")
			card := rapid.SampledFrom([]string{CardinalitySingle, CardinalityMulti}).Draw(rt, "card")
			doc, err := s.Update(Changes{
				Predicates: map[string]PredicateDef{name: {Cardinality: card}},
			}, "test")
			if err != nil {
				rt.Fatalf("Update: %v", err)
			}
			if doc.SchemaVersion != i+1 {
				rt.Fatalf("version = %d after %d updates", doc.SchemaVersion, i+1)
			}
		}

		s2 := NewStore(path, testLogger())
		if err := s2.Load(); err != nil {
			rt.Fatalf("reload: %v", err)
		}
		if s2.Version() != n {
			rt.Fatalf("reloaded version = %d, want %d", s2.Version(), n)
		}
	})
}

func TestDocumentFromAny(t *testing.T) {
	doc := Document{
		SchemaVersion: 3,
		Predicates:    map[string]PredicateDef{"has_name": {Cardinality: CardinalitySingle}},
	}

	// Passed locally as a value.
	got, ok := DocumentFromAny(doc)
	if !ok || got.SchemaVersion != 3 {
		t.Errorf("DocumentFromAny(Document) = %+v %v", got, ok)
	}

	// After a wire round trip the payload is a generic map.
	wire := map[string]any{
		"schema_version": 3,
		"predicates": map[string]any{
			"has_name": map[string]any{"cardinality": "single"},
		},
	}
	got, ok = DocumentFromAny(wire)
	if !ok {
		t.Fatal("map payload rejected")
	}
	if got.SchemaVersion != 3 || got.Predicates["has_name"].Cardinality != CardinalitySingle {
		t.Errorf("decoded = %+v", got)
	}

	// Payloads with no schema content are rejected.
	if _, ok := DocumentFromAny(map[string]any{"version": 3}); ok {
		t.Error("schemaless payload accepted")
	}
	if _, ok := DocumentFromAny(make(chan int)); ok {
		t.Error("unmarshalable payload accepted")
	}
}
