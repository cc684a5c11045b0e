// Package llm is the translation layer between natural language and
// structured graph operations. The Translator interface is what the
// memory service composes; the Anthropic implementation is the only
// production backend, and tests substitute scripted fakes.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ConceptMention is one concept extracted from an observation.
// Components are optional sub-concepts linked by PART_OF decomposition.
type ConceptMention struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Components []string `json:"components,omitempty"`
}

// ObservationData is the structured extraction of an observation text.
type ObservationData struct {
	Concepts []ConceptMention `json:"concepts"`
	Topics   []string         `json:"topics"`
}

// ClaimData is the structured parse of a claim text.
type ClaimData struct {
	Subject               string   `json:"subject"`
	Predicate             string   `json:"predicate"`
	Object                string   `json:"object"`
	Confidence            float64  `json:"confidence"`
	Negated               bool     `json:"negated"`
	BasisDescriptions     []string `json:"basis_descriptions"`
	SupersedesDescription string   `json:"supersedes_description"`
}

// Translator converts between natural language and graph structures.
// Implementations must be safe for concurrent use. Infer returns an
// empty string when the model declines to produce a claim.
type Translator interface {
	ExtractObservation(ctx context.Context, text string) (ObservationData, error)
	ParseClaim(ctx context.Context, text string, recent []map[string]any) (ClaimData, error)
	GenerateQuery(ctx context.Context, question string) (string, error)
	SynthesizeResponse(ctx context.Context, question string, results []map[string]any) (string, error)
	Infer(ctx context.Context, observationText string) (string, error)
}

// decodeClaim parses and validates the model's claim JSON. Confidence
// defaults to 0.7 when absent and must land in [0, 1].
func decodeClaim(raw []byte) (ClaimData, error) {
	var wire struct {
		Subject               string   `json:"subject"`
		Predicate             string   `json:"predicate"`
		Object                string   `json:"object"`
		Confidence            *float64 `json:"confidence"`
		Negated               bool     `json:"negated"`
		BasisDescriptions     []string `json:"basis_descriptions"`
		SupersedesDescription string   `json:"supersedes_description"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return ClaimData{}, fmt.Errorf("decode claim response: %w", err)
	}
	c := ClaimData{
		Subject:               strings.TrimSpace(wire.Subject),
		Predicate:             strings.TrimSpace(wire.Predicate),
		Object:                strings.TrimSpace(wire.Object),
		Confidence:            0.7,
		Negated:               wire.Negated,
		BasisDescriptions:     wire.BasisDescriptions,
		SupersedesDescription: wire.SupersedesDescription,
	}
	if wire.Confidence != nil {
		c.Confidence = *wire.Confidence
	}
	if c.Subject == "" || c.Predicate == "" || c.Object == "" {
		return ClaimData{}, fmt.Errorf("claim response missing subject/predicate/object: %s", raw)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return ClaimData{}, fmt.Errorf("claim confidence %v out of range [0,1]", c.Confidence)
	}
	return c, nil
}

// decodeObservation parses the model's extraction JSON. Concepts without
// a name are dropped; kind defaults to "entity".
func decodeObservation(raw []byte) (ObservationData, error) {
	var data ObservationData
	if err := json.Unmarshal(raw, &data); err != nil {
		return ObservationData{}, fmt.Errorf("decode extraction response: %w", err)
	}
	kept := data.Concepts[:0]
	for _, c := range data.Concepts {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		if c.Kind == "" {
			c.Kind = "entity"
		}
		kept = append(kept, c)
	}
	data.Concepts = kept
	return data, nil
}

// stripCodeFence unwraps a markdown ```json fence if the model added one.
func stripCodeFence(text string) string {
	if i := strings.Index(text, "```json"); i >= 0 {
		text = text[i+len("```json"):]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	} else if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	}
	return strings.TrimSpace(text)
}
