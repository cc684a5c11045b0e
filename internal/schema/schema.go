// Package schema holds the predicate schema: typed metadata about
// predicates (cardinality, temporality, aliases, exclusivity groups)
// that the validator consults before flagging contradictions. The schema
// is meta-knowledge about how to interpret domain knowledge and lives
// outside the graph store.
package schema

import "strings"

// Cardinality values.
const (
	CardinalitySingle = "single"
	CardinalityMulti  = "multi"
)

// Temporality values.
const (
	TemporalityPermanent = "permanent"
	TemporalityTemporal  = "temporal"
	TemporalityUnknown   = "unknown"
)

// PredicateInfo describes one known predicate.
type PredicateInfo struct {
	Name        string
	Cardinality string
	Temporality string
	Aliases     []string
}

// ExclusivityGroup names a set of predicates of which at most one may
// hold for any subject.
type ExclusivityGroup struct {
	Name        string
	Predicates  map[string]struct{}
	Description string
}

// Contains reports whether the canonical predicate is in the group.
func (g *ExclusivityGroup) Contains(canonical string) bool {
	_, ok := g.Predicates[canonical]
	return ok
}

// PredicateSchema is the lookup interface over predicate metadata.
// Instances are immutable once built; hot reload swaps the whole value.
type PredicateSchema struct {
	predicates         map[string]PredicateInfo
	aliasMap           map[string]string
	exclusivityGroups  []ExclusivityGroup
	defaultCardinality string
	defaultTemporality string
}

// Normalize resolves a raw predicate to its canonical name: lowercase,
// trimmed, spaces to underscores, aliases mapped through.
func (s *PredicateSchema) Normalize(predicate string) string {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(predicate)), " ", "_")
	if canonical, ok := s.aliasMap[normalized]; ok {
		return canonical
	}
	return normalized
}

// Info returns predicate metadata, resolving aliases. ok is false for
// predicates not in the schema.
func (s *PredicateSchema) Info(predicate string) (PredicateInfo, bool) {
	info, ok := s.predicates[s.Normalize(predicate)]
	return info, ok
}

// IsMultiValued reports whether a predicate allows multiple values per
// subject. Unknown predicates take the schema default.
func (s *PredicateSchema) IsMultiValued(predicate string) bool {
	info, ok := s.Info(predicate)
	if !ok {
		return s.defaultCardinality == CardinalityMulti
	}
	return info.Cardinality == CardinalityMulti
}

// IsSingleValued is the complement of IsMultiValued.
func (s *PredicateSchema) IsSingleValued(predicate string) bool {
	return !s.IsMultiValued(predicate)
}

// ExclusivityGroupFor finds the group containing the predicate, if any.
func (s *PredicateSchema) ExclusivityGroupFor(predicate string) (ExclusivityGroup, bool) {
	canonical := s.Normalize(predicate)
	for _, g := range s.exclusivityGroups {
		if g.Contains(canonical) {
			return g, true
		}
	}
	return ExclusivityGroup{}, false
}

// KnownPredicates returns all canonical predicate names.
func (s *PredicateSchema) KnownPredicates() []string {
	out := make([]string, 0, len(s.predicates))
	for name := range s.predicates {
		out = append(out, name)
	}
	return out
}

// canonicalName lowercases, trims, and underscores a predicate name.
func canonicalName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// Build constructs a PredicateSchema from a serialised document.
func Build(doc Document) *PredicateSchema {
	defaults := doc.Defaults
	if defaults.Cardinality == "" {
		defaults.Cardinality = CardinalitySingle
	}
	if defaults.Temporality == "" {
		defaults.Temporality = TemporalityUnknown
	}

	predicates := make(map[string]PredicateInfo, len(doc.Predicates))
	aliasMap := make(map[string]string)
	for name, def := range doc.Predicates {
		canonical := canonicalName(name)
		info := PredicateInfo{
			Name:        canonical,
			Cardinality: def.Cardinality,
			Temporality: def.Temporality,
		}
		if info.Cardinality == "" {
			info.Cardinality = defaults.Cardinality
		}
		if info.Temporality == "" {
			info.Temporality = defaults.Temporality
		}
		for _, a := range def.Aliases {
			alias := canonicalName(a)
			info.Aliases = append(info.Aliases, alias)
			aliasMap[alias] = canonical
		}
		predicates[canonical] = info
	}

	groups := make([]ExclusivityGroup, 0, len(doc.ExclusivityGroups))
	for name, def := range doc.ExclusivityGroups {
		g := ExclusivityGroup{
			Name:        name,
			Predicates:  make(map[string]struct{}, len(def.Predicates)),
			Description: def.Description,
		}
		for _, p := range def.Predicates {
			g.Predicates[canonicalName(p)] = struct{}{}
		}
		groups = append(groups, g)
	}

	return &PredicateSchema{
		predicates:         predicates,
		aliasMap:           aliasMap,
		exclusivityGroups:  groups,
		defaultCardinality: defaults.Cardinality,
		defaultTemporality: defaults.Temporality,
	}
}
