package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/mnemonet/mnemo/internal/llm"
	"github.com/mnemonet/mnemo/internal/schema"
	"github.com/mnemonet/mnemo/internal/store"
)

// Service is the in-process memory implementation on store+llm nodes.
// It composes the graph store, the LLM translator, and the schema store.
// Source identity is passed per call so one Service instance serves
// every caller on the network.
type Service struct {
	graph   store.Graph
	llm     llm.Translator
	schemas *schema.Store
	log     *slog.Logger
}

// NewService wires a memory service. schemas may be nil only in tests
// that never touch schema operations.
func NewService(graph store.Graph, translator llm.Translator, schemas *schema.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{graph: graph, llm: translator, schemas: schemas, log: log}
}

// Observe records an observation: extract concepts and topics, create
// the observation node, link provenance and mentions. Statements are
// the inference agent's job, never created here.
func (s *Service) Observe(ctx context.Context, text, source string) (string, error) {
	extraction, err := s.llm.ExtractObservation(ctx, text)
	if err != nil {
		return "", fmt.Errorf("extract observation: %w", err)
	}

	sourceID, err := s.graph.GetOrCreateSource(ctx, source, "agent")
	if err != nil {
		return "", fmt.Errorf("ensure source %q: %w", source, err)
	}

	obsID := uuid.NewString()
	if err := s.graph.CreateObservation(ctx, obsID, text, extraction.Topics); err != nil {
		return "", fmt.Errorf("create observation: %w", err)
	}
	if err := s.graph.CreateRelationship(ctx, obsID, store.RelRecordedBy, sourceID, nil); err != nil {
		return "", err
	}

	for _, mention := range extraction.Concepts {
		conceptID, err := s.graph.GetOrCreateConcept(ctx, mention.Name, uuid.NewString(), mention.Kind)
		if err != nil {
			return "", fmt.Errorf("ensure concept %q: %w", mention.Name, err)
		}
		if err := s.graph.CreateRelationship(ctx, obsID, store.RelMentions, conceptID, nil); err != nil {
			return "", err
		}
		for _, component := range mention.Components {
			partID, err := s.graph.GetOrCreateConcept(ctx, component, uuid.NewString(), "entity")
			if err != nil {
				return "", fmt.Errorf("ensure component %q: %w", component, err)
			}
			if err := s.graph.CreateRelationship(ctx, partID, store.RelPartOf, conceptID, nil); err != nil {
				return "", err
			}
		}
	}

	s.log.Info("recorded observation",
		"id", obsID, "source", source, "concepts", len(extraction.Concepts))
	return obsID, nil
}

// Claim parses and stores a statement with subject, object, asserter,
// basis, and supersession links. Contradiction detection is the
// validator agent's job, never performed here.
func (s *Service) Claim(ctx context.Context, text, source string) (string, error) {
	recent, err := s.recentContext(ctx)
	if err != nil {
		return "", err
	}
	parsed, err := s.llm.ParseClaim(ctx, text, recent)
	if err != nil {
		return "", fmt.Errorf("parse claim: %w", err)
	}

	stmtID := uuid.NewString()
	if err := s.graph.CreateStatement(ctx, stmtID, parsed.Predicate, parsed.Confidence, parsed.Negated); err != nil {
		return "", fmt.Errorf("create statement: %w", err)
	}

	subjectID, err := s.graph.GetOrCreateConcept(ctx, parsed.Subject, uuid.NewString(), "entity")
	if err != nil {
		return "", fmt.Errorf("ensure subject %q: %w", parsed.Subject, err)
	}
	if err := s.graph.CreateRelationship(ctx, stmtID, store.RelAboutSubject, subjectID, nil); err != nil {
		return "", err
	}

	objectID, err := s.graph.GetOrCreateConcept(ctx, parsed.Object, uuid.NewString(), "value")
	if err != nil {
		return "", fmt.Errorf("ensure object %q: %w", parsed.Object, err)
	}
	if err := s.graph.CreateRelationship(ctx, stmtID, store.RelAboutObject, objectID, nil); err != nil {
		return "", err
	}

	sourceID, err := s.graph.GetOrCreateSource(ctx, source, "agent")
	if err != nil {
		return "", fmt.Errorf("ensure source %q: %w", source, err)
	}
	if err := s.graph.CreateRelationship(ctx, stmtID, store.RelAssertedBy, sourceID, nil); err != nil {
		return "", err
	}

	for _, basis := range parsed.BasisDescriptions {
		matchID, err := s.findMatchingNode(ctx, basis, stmtID)
		if err != nil {
			return "", err
		}
		if matchID == "" {
			continue
		}
		if err := s.graph.CreateRelationship(ctx, stmtID, store.RelDerivedFrom, matchID, nil); err != nil {
			return "", err
		}
	}

	if parsed.SupersedesDescription != "" {
		matchID, err := s.findMatchingNode(ctx, parsed.SupersedesDescription, stmtID)
		if err != nil {
			return "", err
		}
		if matchID != "" {
			if err := s.graph.CreateRelationship(ctx, stmtID, store.RelSupersedes, matchID, nil); err != nil {
				return "", err
			}
		}
	}

	s.log.Info("recorded statement",
		"id", stmtID, "subject", parsed.Subject, "predicate", parsed.Predicate, "source", source)
	return stmtID, nil
}

// FlagContradiction links two statements with a CONTRADICTS edge
// carrying the reason.
func (s *Service) FlagContradiction(ctx context.Context, stmtID1, stmtID2, reason string) error {
	err := s.graph.CreateRelationship(ctx, stmtID1, store.RelContradicts, stmtID2,
		map[string]any{"reason": reason})
	if err != nil {
		return fmt.Errorf("flag contradiction: %w", err)
	}
	s.log.Info("flagged contradiction", "first", stmtID1, "second", stmtID2, "reason", reason)
	return nil
}

// Remember translates the question to a graph query, executes it, falls
// back to a broad recent fetch on failure or empty result, and
// synthesizes a natural language answer.
func (s *Service) Remember(ctx context.Context, query string) (string, error) {
	var results []map[string]any
	cypher, err := s.llm.GenerateQuery(ctx, query)
	if err == nil {
		rows, qerr := s.graph.Query(ctx, cypher, nil)
		if qerr != nil {
			s.log.Debug("generated query failed, falling back", "error", qerr)
		} else {
			results = rows
		}
	} else {
		s.log.Debug("query generation failed, falling back", "error", err)
	}

	if len(results) == 0 {
		results, err = s.broadSearch(ctx)
		if err != nil {
			return "", err
		}
	}
	return s.llm.SynthesizeResponse(ctx, query, results)
}

// Infer derives at most one claim text from an observation.
func (s *Service) Infer(ctx context.Context, observationText string) (string, error) {
	return s.llm.Infer(ctx, observationText)
}

// broadSearch is the remember fallback: recent observations and
// statements, regardless of the question.
func (s *Service) broadSearch(ctx context.Context) ([]map[string]any, error) {
	observations, err := s.graph.RecentObservations(ctx, 10)
	if err != nil {
		return nil, err
	}
	statements, err := s.graph.RecentStatements(ctx, 10)
	if err != nil {
		return nil, err
	}
	results := make([]map[string]any, 0, len(observations)+len(statements))
	for _, o := range observations {
		results = append(results, map[string]any{"node": o, "kind": "observation"})
	}
	for _, st := range statements {
		results = append(results, map[string]any{"node": st, "kind": "statement"})
	}
	return results, nil
}

// recentContext gathers recent statements and observations for the
// claim parser.
func (s *Service) recentContext(ctx context.Context) ([]map[string]any, error) {
	statements, err := s.graph.RecentStatements(ctx, 10)
	if err != nil {
		return nil, err
	}
	observations, err := s.graph.RecentObservations(ctx, 10)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(statements)+len(observations))
	for _, st := range statements {
		out = append(out, map[string]any{
			"node_kind":    "statement",
			"subject_name": st.SubjectName,
			"predicate":    st.Predicate,
			"object_name":  st.ObjectName,
			"confidence":   st.Confidence,
		})
	}
	for _, o := range observations {
		out = append(out, map[string]any{
			"node_kind":   "observation",
			"raw_content": o.RawContent,
		})
	}
	return out, nil
}

// findMatchingNode best-effort matches a textual description to a recent
// observation or statement by word overlap. excludeID keeps a statement
// from matching its own description. Returns "" when nothing matches.
func (s *Service) findMatchingNode(ctx context.Context, description, excludeID string) (string, error) {
	desc := strings.ToLower(description)

	observations, err := s.graph.RecentObservations(ctx, 20)
	if err != nil {
		return "", err
	}
	for _, o := range observations {
		if o.ID == excludeID {
			continue
		}
		if o.RawContent != "" && textOverlap(desc, strings.ToLower(o.RawContent)) {
			return o.ID, nil
		}
	}

	statements, err := s.graph.RecentStatements(ctx, 20)
	if err != nil {
		return "", err
	}
	for _, st := range statements {
		if st.ID == excludeID {
			continue
		}
		combined := strings.ToLower(strings.Join([]string{
			st.SubjectName, st.Predicate, st.ObjectName,
		}, " "))
		if textOverlap(desc, combined) {
			return st.ID, nil
		}
	}
	return "", nil
}

// ── Readers ────────────────────────────────────────────────────────

func (s *Service) RecentObservations(ctx context.Context, limit int) ([]store.Observation, error) {
	return s.graph.RecentObservations(ctx, limit)
}

func (s *Service) RecentStatements(ctx context.Context, limit int) ([]store.Statement, error) {
	return s.graph.RecentStatements(ctx, limit)
}

func (s *Service) UnresolvedContradictions(ctx context.Context) ([]store.Contradiction, error) {
	return s.graph.UnresolvedContradictions(ctx)
}

func (s *Service) Concepts(ctx context.Context) ([]store.Concept, error) {
	return s.graph.Concepts(ctx)
}

// Schema returns the current serialised predicate schema.
func (s *Service) Schema(ctx context.Context) (schema.Document, error) {
	if s.schemas == nil {
		return schema.Document{}, fmt.Errorf("no schema store on this node")
	}
	return s.schemas.Snapshot(), nil
}

// UpdateSchema applies incremental schema changes.
func (s *Service) UpdateSchema(ctx context.Context, changes schema.Changes, source string) (schema.Document, error) {
	if s.schemas == nil {
		return schema.Document{}, fmt.Errorf("no schema store on this node")
	}
	return s.schemas.Update(changes, source)
}

// Clear wipes the graph store.
func (s *Service) Clear(ctx context.Context) error {
	return s.graph.Clear(ctx)
}

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"that": {}, "this": {}, "of": {}, "in": {}, "to": {}, "for": {}, "and": {}, "or": {},
}

// textOverlap reports whether two strings share significant word
// overlap after stopword removal: at least two words, or all of them
// when the description has fewer.
func textOverlap(a, b string) bool {
	wordsA := contentWords(a)
	wordsB := contentWords(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return false
	}
	overlap := 0
	for w := range wordsA {
		if _, ok := wordsB[w]; ok {
			overlap++
		}
	}
	need := 2
	if len(wordsA) < need {
		need = len(wordsA)
	}
	return overlap >= need
}

func contentWords(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		if _, stop := stopwords[w]; !stop {
			out[w] = struct{}{}
		}
	}
	return out
}

var _ API = (*Service)(nil)
