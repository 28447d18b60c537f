package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/threatgraph/consolidator/pkg/ai"
)

// ExtractorConfig configures the model-backed extraction call. Empty
// vocabularies fall back to the threat-intelligence defaults.
type ExtractorConfig struct {
	EntityVocabulary   []string
	RelationVocabulary []string

	// StructuredOutput requests schema-constrained JSON from the model.
	// Disable for OpenAI-compatible endpoints that do not support the
	// json_schema response format.
	StructuredOutput bool
}

// Extractor runs the extraction call for one chunk of text and returns the
// raw model output. It deliberately does no validation; the Validator is the
// trust boundary.
type Extractor struct {
	client           ai.Client
	entityTypes      []string
	relationTypes    []string
	structuredOutput bool
}

// NewExtractor creates an Extractor using the given AI client.
func NewExtractor(client ai.Client, cfg ExtractorConfig) *Extractor {
	entityTypes := cfg.EntityVocabulary
	if len(entityTypes) == 0 {
		entityTypes = DefaultEntityVocabulary
	}
	relationTypes := cfg.RelationVocabulary
	if len(relationTypes) == 0 {
		relationTypes = DefaultRelationVocabulary
	}
	return &Extractor{
		client:           client,
		entityTypes:      entityTypes,
		relationTypes:    relationTypes,
		structuredOutput: cfg.StructuredOutput,
	}
}

// Extract asks the model for the entities and relationships of one chunk and
// returns the raw output for validation.
func (x *Extractor) Extract(ctx context.Context, chunkText string) (string, error) {
	return x.extract(ctx, chunkText, "")
}

// Reextract retries a chunk whose previous output was rejected, telling the
// model why so it can correct the problem.
func (x *Extractor) Reextract(ctx context.Context, chunkText string, reason string) (string, error) {
	return x.extract(ctx, chunkText, reason)
}

func (x *Extractor) extract(ctx context.Context, chunkText string, rejectionReason string) (string, error) {
	systemPrompts := []string{x.systemPrompt()}
	if rejectionReason != "" {
		systemPrompts = append(systemPrompts, fmt.Sprintf(ai.ReextractPrompt, rejectionReason))
	}
	opts := []ai.GenerateOption{ai.WithSystemPrompts(systemPrompts...)}

	if !x.structuredOutput {
		return x.client.GenerateCompletion(ctx, chunkText, opts...)
	}

	var payload ChunkPayload
	err := x.client.GenerateCompletionWithFormat(
		ctx,
		"chunk_extraction",
		"Entities and relationships extracted from one report chunk.",
		chunkText,
		&payload,
		opts...,
	)
	if err != nil {
		return "", fmt.Errorf("extraction call failed: %w", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize extraction payload: %w", err)
	}
	return string(raw), nil
}

func (x *Extractor) systemPrompt() string {
	entities := strings.Join(x.entityTypes, ", ")
	relations := strings.Join(x.relationTypes, ", ")
	return fmt.Sprintf(ai.ExtractPrompt, entities, relations, entities)
}
