package schema

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed bootstrap.yaml
var bootstrapYAML []byte

// bootstrapDocument parses the bundled bootstrap schema and tags every
// predicate and group with bootstrap provenance.
func bootstrapDocument() (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(bootstrapYAML, &doc); err != nil {
		return Document{}, fmt.Errorf("parse bootstrap schema: %w", err)
	}
	for name, def := range doc.Predicates {
		if def.Origin == "" {
			def.Origin = "bootstrap"
		}
		doc.Predicates[name] = def
	}
	for name, def := range doc.ExclusivityGroups {
		if def.Origin == "" {
			def.Origin = "bootstrap"
		}
		doc.ExclusivityGroups[name] = def
	}
	return doc, nil
}

// Bootstrap builds a PredicateSchema directly from the bundled bootstrap,
// for nodes that consume the schema without persisting it.
func Bootstrap() (*PredicateSchema, error) {
	doc, err := bootstrapDocument()
	if err != nil {
		return nil, err
	}
	return Build(doc), nil
}
