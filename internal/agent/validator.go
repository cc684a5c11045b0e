package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mnemonet/mnemo/internal/memory"
	"github.com/mnemonet/mnemo/internal/schema"
	"github.com/mnemonet/mnemo/internal/store"
)

const checkedPairsKey = "agent:validator:checked_pairs"

// Validator scans recent statements for contradictions and flags them
// directly through the memory API. With a schema loaded it respects
// multi-valued predicates and exclusivity groups; without one, every
// same-predicate pair with differing objects is flagged.
type Validator struct {
	memory memory.API
	state  *State
	log    *slog.Logger

	mu      sync.Mutex
	schema  *schema.PredicateSchema
	unknown map[string]int
}

// NewValidator builds the validator worker. sch may be nil.
func NewValidator(mem memory.API, state *State, sch *schema.PredicateSchema, log *slog.Logger) *Validator {
	if state == nil {
		state = NewState()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Validator{
		memory:  mem,
		state:   state,
		log:     log,
		schema:  sch,
		unknown: make(map[string]int),
	}
}

func (a *Validator) Source() string { return "validator_agent" }

func (a *Validator) EventTypes() []string { return []string{"claim", "schema_updated"} }

// OnNetworkEvent hot-swaps the schema snapshot on schema_updated events.
// Events without a schema payload are ignored.
func (a *Validator) OnNetworkEvent(eventType string, data map[string]any) {
	if eventType != "schema_updated" {
		return
	}
	doc, ok := schema.DocumentFromAny(data["schema"])
	if !ok {
		return
	}
	a.mu.Lock()
	a.schema = schema.Build(doc)
	a.mu.Unlock()
	a.log.Info("schema reloaded", "version", doc.SchemaVersion)
}

// Schema returns the current snapshot.
func (a *Validator) Schema() *schema.PredicateSchema {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.schema
}

// UnknownPredicates returns a copy of the unknown-predicate counters,
// fed to downstream schema-learning tooling.
func (a *Validator) UnknownPredicates() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.unknown))
	for k, v := range a.unknown {
		out[k] = v
	}
	return out
}

// ClearUnknownPredicates resets the counters.
func (a *Validator) ClearUnknownPredicates() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unknown = make(map[string]int)
}

// Process flags contradictions as side effects and always returns no
// claims.
func (a *Validator) Process(ctx context.Context) ([]string, error) {
	statements, err := a.memory.RecentStatements(ctx, 20)
	if err != nil {
		return nil, err
	}
	sch := a.Schema()

	for _, subject := range groupKeys(statements, subjectOf) {
		subjectStmts := filterBy(statements, subjectOf, subject)

		for _, predicate := range groupKeys(subjectStmts, predicateOf) {
			predStmts := filterBy(subjectStmts, predicateOf, predicate)
			if len(predStmts) < 2 {
				continue
			}
			if sch != nil {
				if _, known := sch.Info(predicate); !known {
					a.trackUnknown(predicate)
				}
				if sch.IsMultiValued(predicate) {
					continue
				}
			}
			for i := 0; i < len(predStmts); i++ {
				for j := i + 1; j < len(predStmts); j++ {
					s1, s2 := predStmts[i], predStmts[j]
					if s1.ObjectName == s2.ObjectName {
						continue
					}
					reason := fmt.Sprintf("%s %s: '%s' vs '%s'",
						subject, predicate, s1.ObjectName, s2.ObjectName)
					if err := a.flagOnce(ctx, s1.ID, s2.ID, reason); err != nil {
						return nil, err
					}
				}
			}
		}

		if sch != nil {
			a.checkExclusivity(ctx, sch, subject, subjectStmts)
		}
	}
	return nil, nil
}

// checkExclusivity flags pairs of statements whose predicates share an
// exclusivity group.
func (a *Validator) checkExclusivity(ctx context.Context, sch *schema.PredicateSchema, subject string, stmts []store.Statement) {
	byGroup := make(map[string][]store.Statement)
	for _, st := range stmts {
		if g, ok := sch.ExclusivityGroupFor(st.Predicate); ok {
			byGroup[g.Name] = append(byGroup[g.Name], st)
		}
	}
	for _, name := range sortedKeys(byGroup) {
		members := byGroup[name]
		if len(members) < 2 {
			continue
		}
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				s1, s2 := members[i], members[j]
				reason := fmt.Sprintf("Exclusivity group '%s': %s vs %s",
					name, s1.Predicate, s2.Predicate)
				if err := a.flagOnce(ctx, s1.ID, s2.ID, reason); err != nil {
					a.log.Error("exclusivity flag failed", "subject", subject, "error", err)
					return
				}
			}
		}
	}
}

// flagOnce applies the checked-pairs dedup before flagging.
func (a *Validator) flagOnce(ctx context.Context, id1, id2, reason string) error {
	pair := pairKey(id1, id2)
	if a.state.IsProcessed(checkedPairsKey, pair) {
		return nil
	}
	if err := a.memory.FlagContradiction(ctx, id1, id2, reason); err != nil {
		return err
	}
	a.state.MarkProcessed(checkedPairsKey, pair)
	a.log.Info("flagged contradiction", "reason", reason)
	return nil
}

func (a *Validator) trackUnknown(predicate string) {
	a.mu.Lock()
	a.unknown[predicate]++
	a.mu.Unlock()
}

// pairKey canonicalises an unordered statement pair.
func pairKey(id1, id2 string) string {
	if id2 < id1 {
		id1, id2 = id2, id1
	}
	return id1 + ":" + id2
}

func subjectOf(s store.Statement) string   { return s.SubjectName }
func predicateOf(s store.Statement) string { return s.Predicate }

// groupKeys returns the distinct key values in first-seen order.
func groupKeys(stmts []store.Statement, key func(store.Statement) string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range stmts {
		k := key(s)
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

func filterBy(stmts []store.Statement, key func(store.Statement) string, want string) []store.Statement {
	var out []store.Statement
	for _, s := range stmts {
		if key(s) == want {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(m map[string][]store.Statement) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var _ Worker = (*Validator)(nil)
var _ NetworkEventHandler = (*Validator)(nil)
