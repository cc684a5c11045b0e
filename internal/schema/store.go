package schema

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults apply to predicates not present in the schema.
type Defaults struct {
	Cardinality string `yaml:"cardinality" json:"cardinality"`
	Temporality string `yaml:"temporality" json:"temporality"`
}

// PredicateDef is the serialised form of a predicate entry.
type PredicateDef struct {
	Cardinality  string   `yaml:"cardinality,omitempty" json:"cardinality,omitempty"`
	Temporality  string   `yaml:"temporality,omitempty" json:"temporality,omitempty"`
	Aliases      []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Origin       string   `yaml:"origin,omitempty" json:"origin,omitempty"`
	Reasoning    string   `yaml:"reasoning,omitempty" json:"reasoning,omitempty"`
	LastReviewed string   `yaml:"last_reviewed,omitempty" json:"last_reviewed,omitempty"`
}

// GroupDef is the serialised form of an exclusivity group.
type GroupDef struct {
	Predicates  []string `yaml:"predicates" json:"predicates"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Origin      string   `yaml:"origin,omitempty" json:"origin,omitempty"`
	Reasoning   string   `yaml:"reasoning,omitempty" json:"reasoning,omitempty"`
}

// Document is the full serialised schema state, as persisted on disk and
// as carried by schema_updated events.
type Document struct {
	SchemaVersion     int                     `yaml:"schema_version" json:"schema_version"`
	UpdatedAt         string                  `yaml:"updated_at" json:"updated_at"`
	UpdatedBy         string                  `yaml:"updated_by" json:"updated_by"`
	Defaults          Defaults                `yaml:"defaults" json:"defaults"`
	Predicates        map[string]PredicateDef `yaml:"predicates" json:"predicates"`
	ExclusivityGroups map[string]GroupDef     `yaml:"exclusivity_groups" json:"exclusivity_groups"`
}

// DocumentFromAny recovers a Document from a decoded event payload value,
// which may be a map after a wire round-trip or a Document passed locally.
func DocumentFromAny(v any) (Document, bool) {
	switch d := v.(type) {
	case Document:
		return d, true
	case *Document:
		return *d, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Document{}, false
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, false
	}
	if doc.Predicates == nil && doc.ExclusivityGroups == nil {
		return Document{}, false
	}
	return doc, true
}

// Changes is a partial schema update. Predicate entries merge
// field-by-field; exclusivity groups and defaults replace wholesale.
type Changes struct {
	Predicates        map[string]PredicateDef `json:"predicates,omitempty" yaml:"predicates,omitempty"`
	ExclusivityGroups map[string]GroupDef     `json:"exclusivity_groups,omitempty" yaml:"exclusivity_groups,omitempty"`
	Defaults          *Defaults               `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// Store is the persistent schema manager on each store-capable node.
// It loads the schema from a YAML file on startup, seeding from the
// bundled bootstrap on first run, applies versioned updates, and
// rebuilds the PredicateSchema on every change.
type Store struct {
	mu     sync.Mutex
	path   string
	doc    Document
	schema *PredicateSchema
	log    *slog.Logger

	// OnUpdate, when set, is called after every successful update with
	// the new document. The node wires this to a schema_updated flood.
	OnUpdate func(doc Document)
}

// NewStore creates a schema store persisting to path. Call Load before use.
func NewStore(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: path, log: log}
}

// Load reads the schema file, or seeds from bootstrap when the file is
// missing or corrupt.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err == nil {
		var doc Document
		if yerr := yaml.Unmarshal(raw, &doc); yerr == nil && doc.Predicates != nil {
			s.doc = doc
			s.schema = Build(doc)
			s.log.Info("loaded schema",
				"version", doc.SchemaVersion,
				"path", s.path,
				"predicates", len(doc.Predicates))
			return nil
		} else if yerr != nil {
			s.log.Error("schema file corrupt, falling back to bootstrap",
				"path", s.path, "error", yerr)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read schema file: %w", err)
	}

	return s.seedFromBootstrap()
}

// Schema returns the current PredicateSchema for runtime lookups.
func (s *Store) Schema() *PredicateSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schema
}

// Version returns the current schema version.
func (s *Store) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.SchemaVersion
}

// Snapshot returns a deep copy of the full schema state.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.clone()
}

// Update applies incremental changes, bumps the version, persists
// atomically, and returns the full state after the update.
func (s *Store) Update(changes Changes, source string) (Document, error) {
	s.mu.Lock()

	if changes.Predicates != nil {
		if s.doc.Predicates == nil {
			s.doc.Predicates = make(map[string]PredicateDef)
		}
		for name, props := range changes.Predicates {
			canonical := canonicalName(name)
			existing, ok := s.doc.Predicates[canonical]
			if !ok {
				s.doc.Predicates[canonical] = props
				continue
			}
			s.doc.Predicates[canonical] = mergePredicate(existing, props)
		}
	}
	if changes.ExclusivityGroups != nil {
		if s.doc.ExclusivityGroups == nil {
			s.doc.ExclusivityGroups = make(map[string]GroupDef)
		}
		for name, def := range changes.ExclusivityGroups {
			s.doc.ExclusivityGroups[name] = def
		}
	}
	if changes.Defaults != nil {
		s.doc.Defaults = *changes.Defaults
	}

	s.doc.SchemaVersion++
	s.doc.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	s.doc.UpdatedBy = source
	s.schema = Build(s.doc)

	if err := s.persist(); err != nil {
		s.mu.Unlock()
		return Document{}, err
	}
	doc := s.doc.clone()
	onUpdate := s.OnUpdate
	s.log.Info("schema updated",
		"version", doc.SchemaVersion,
		"by", source,
		"predicates", len(doc.Predicates))
	s.mu.Unlock()

	if onUpdate != nil {
		onUpdate(doc)
	}
	return doc, nil
}

// mergePredicate overlays the set fields of update onto base.
func mergePredicate(base, update PredicateDef) PredicateDef {
	if update.Cardinality != "" {
		base.Cardinality = update.Cardinality
	}
	if update.Temporality != "" {
		base.Temporality = update.Temporality
	}
	if update.Aliases != nil {
		base.Aliases = update.Aliases
	}
	if update.Origin != "" {
		base.Origin = update.Origin
	}
	if update.Reasoning != "" {
		base.Reasoning = update.Reasoning
	}
	if update.LastReviewed != "" {
		base.LastReviewed = update.LastReviewed
	}
	return base
}

func (s *Store) seedFromBootstrap() error {
	doc, err := bootstrapDocument()
	if err != nil {
		return fmt.Errorf("load bootstrap schema: %w", err)
	}
	doc.SchemaVersion = 0
	doc.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	doc.UpdatedBy = "bootstrap"

	s.doc = doc
	s.schema = Build(doc)
	if err := s.persist(); err != nil {
		return err
	}
	s.log.Info("seeded schema from bootstrap", "predicates", len(doc.Predicates))
	return nil
}

// persist writes the document to a temp file and renames it into place.
// Callers hold s.mu.
func (s *Store) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create schema dir: %w", err)
	}
	raw, err := yaml.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write schema temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace schema file: %w", err)
	}
	return nil
}

func (d Document) clone() Document {
	out := d
	out.Predicates = make(map[string]PredicateDef, len(d.Predicates))
	for k, v := range d.Predicates {
		v.Aliases = append([]string(nil), v.Aliases...)
		out.Predicates[k] = v
	}
	out.ExclusivityGroups = make(map[string]GroupDef, len(d.ExclusivityGroups))
	for k, v := range d.ExclusivityGroups {
		v.Predicates = append([]string(nil), v.Predicates...)
		out.ExclusivityGroups[k] = v
	}
	return out
}
