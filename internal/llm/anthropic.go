package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-20250514"

// AnthropicConfig configures the Anthropic translator. APIKey falls back
// to the ANTHROPIC_API_KEY environment variable when empty (the SDK
// reads it itself).
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Anthropic implements Translator on the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	model  anthropic.Model
	log    *slog.Logger
}

// NewAnthropic builds the production translator.
func NewAnthropic(cfg AnthropicConfig, log *slog.Logger) *Anthropic {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if log == nil {
		log = slog.Default()
	}
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(cfg.Model),
		log:    log,
	}
}

func (a *Anthropic) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic request: %w", err)
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}

// ExtractObservation pulls concepts and topics out of an observation text.
func (a *Anthropic) ExtractObservation(ctx context.Context, text string) (ObservationData, error) {
	user := "Extract structured data from this observation:\n\n" + text
	out, err := a.complete(ctx, observationExtractionSystem, user, 1024)
	if err != nil {
		return ObservationData{}, err
	}
	return decodeObservation([]byte(stripCodeFence(out)))
}

// ParseClaim parses a claim text against recent knowledge context.
func (a *Anthropic) ParseClaim(ctx context.Context, text string, recent []map[string]any) (ClaimData, error) {
	contextStr := "No existing context."
	if len(recent) > 0 {
		raw, err := json.MarshalIndent(recent, "", "  ")
		if err != nil {
			return ClaimData{}, fmt.Errorf("encode claim context: %w", err)
		}
		contextStr = string(raw)
	}
	user := fmt.Sprintf(claimParsingUser, contextStr, text)
	out, err := a.complete(ctx, claimParsingSystem, user, 1024)
	if err != nil {
		return ClaimData{}, err
	}
	return decodeClaim([]byte(stripCodeFence(out)))
}

// GenerateQuery translates a natural language question into Cypher.
func (a *Anthropic) GenerateQuery(ctx context.Context, question string) (string, error) {
	out, err := a.complete(ctx, "", fmt.Sprintf(queryGenerationPrompt, question), 512)
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(stripCodeFence(out)), "`"), nil
}

// SynthesizeResponse turns retrieved graph rows into a natural language
// answer.
func (a *Anthropic) SynthesizeResponse(ctx context.Context, question string, results []map[string]any) (string, error) {
	raw, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode synthesis results: %w", err)
	}
	return a.complete(ctx, "", fmt.Sprintf(synthesisPrompt, question, raw), 1024)
}

// Infer produces a one-sentence claim from an observation, or "" when
// the model answers SKIP.
func (a *Anthropic) Infer(ctx context.Context, observationText string) (string, error) {
	out, err := a.complete(ctx, inferenceSystem, fmt.Sprintf(inferenceUser, observationText), 256)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" || strings.HasPrefix(strings.ToUpper(out), "SKIP") {
		return "", nil
	}
	return out, nil
}

var _ Translator = (*Anthropic)(nil)
