package extract

import (
	"fmt"

	"github.com/threatgraph/consolidator/internal/util"
	"github.com/threatgraph/consolidator/pkg/ai"
	"github.com/threatgraph/consolidator/pkg/common"
	"github.com/threatgraph/consolidator/pkg/logger"
)

// DefaultEntityVocabulary is the threat-intelligence entity type set used
// when no vocabulary is configured.
var DefaultEntityVocabulary = []string{
	"Report",
	"ThreatOrganization",
	"AttackEvent",
	"Target",
	"Tactic",
	"Technique",
	"Procedure",
	"Tool",
	"Asset",
}

// DefaultRelationVocabulary is the threat-intelligence relationship type set
// used when no vocabulary is configured.
var DefaultRelationVocabulary = []string{
	"BELONG",
	"LAUNCH",
	"ATTACK",
	"USE",
	"HAS",
	"IMPLEMENT",
}

// ValidationError reports a payload that could not be turned into a validated
// record at all. It carries the offending payload so the caller can re-prompt
// with it. A ValidationError is retryable; partial problems inside an
// otherwise parseable payload are dropped and counted instead.
type ValidationError struct {
	ChunkID string
	Payload string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid extraction payload for chunk %s: %s", e.ChunkID, e.Reason)
}

// ValidatorConfig tunes the validation boundary. Empty vocabularies disable
// vocabulary filtering for that record kind.
type ValidatorConfig struct {
	// DefaultConfidence is assigned to relations that arrive without a
	// confidence score. Values outside [0,1] fall back to 0.5.
	DefaultConfidence float64

	// EntityVocabulary and RelationVocabulary list the accepted entity labels
	// and relationship types. Records outside the vocabulary are dropped and
	// counted, never fatal.
	EntityVocabulary   []string
	RelationVocabulary []string

	// DropIsolated drops mentions that participate in no surviving relation.
	DropIsolated bool
}

// Validator turns one raw extraction payload into typed, trusted mention and
// relation records. Everything downstream of the Validator assumes its input
// is well formed.
type Validator struct {
	defaultConfidence float64
	entityVocab       map[string]bool
	relationVocab     map[string]bool
	dropIsolated      bool
}

// NewValidator creates a Validator from the given configuration.
func NewValidator(cfg ValidatorConfig) *Validator {
	def := cfg.DefaultConfidence
	if def < 0 || def > 1 {
		def = 0.5
	}
	return &Validator{
		defaultConfidence: def,
		entityVocab:       vocabSet(cfg.EntityVocabulary),
		relationVocab:     vocabSet(cfg.RelationVocabulary),
		dropIsolated:      cfg.DropIsolated,
	}
}

func vocabSet(vocab []string) map[string]bool {
	if len(vocab) == 0 {
		return nil
	}
	set := make(map[string]bool, len(vocab))
	for _, v := range vocab {
		set[util.NormalizeLabel(v)] = true
	}
	return set
}

// Result is the outcome of validating one payload: the surviving records plus
// counts of everything that was dropped along the way.
type Result struct {
	Mentions  []common.Mention
	Relations []common.Relation

	DroppedMalformedMentions   int
	DroppedVocabularyMentions  int
	DroppedIsolatedMentions    int
	DroppedMalformedRelations  int
	DroppedVocabularyRelations int
	DroppedDanglingRelations   int
}

// Validate parses and validates the raw model output for one chunk.
//
// A payload that cannot be parsed at all fails the whole chunk with a
// ValidationError. Inside a parseable payload, problems are isolated to the
/// smallest unit: invalid or out-of-vocabulary mentions are dropped with their
// relations, relations with dangling endpoints are dropped while their valid
// mentions survive, and missing confidences are defaulted rather than
// rejected.
func (v *Validator) Validate(chunkID string, raw string) (*Result, error) {
	var payload ChunkPayload
	if err := ai.UnmarshalFlexible(raw, &payload); err != nil {
		return nil, &ValidationError{
			ChunkID: chunkID,
			Payload: raw,
			Reason:  fmt.Sprintf("payload is not parseable: %v", err),
		}
	}

	res := &Result{}

	known := make(map[string]bool, len(payload.Entities))
	for _, e := range payload.Entities {
		if e.ID == "" || e.Label == "" || e.Name == "" {
			res.DroppedMalformedMentions++
			logger.Debug("[Validate] dropped malformed mention", "chunk_id", chunkID, "id", e.ID, "name", e.Name)
			continue
		}
		if known[e.ID] {
			res.DroppedMalformedMentions++
			logger.Debug("[Validate] dropped duplicate mention id", "chunk_id", chunkID, "id", e.ID)
			continue
		}
		if v.entityVocab != nil && !v.entityVocab[util.NormalizeLabel(e.Label)] {
			res.DroppedVocabularyMentions++
			logger.Debug("[Validate] dropped out-of-vocabulary mention", "chunk_id", chunkID, "label", e.Label, "name", e.Name)
			continue
		}
		known[e.ID] = true
		res.Mentions = append(res.Mentions, common.Mention{
			ID:          e.ID,
			Label:       e.Label,
			Name:        e.Name,
			Description: e.Description,
			ChunkID:     chunkID,
		})
	}

	for _, r := range payload.Relationships {
		if r.Type == "" || r.Source == "" || r.Target == "" {
			res.DroppedMalformedRelations++
			logger.Debug("[Validate] dropped malformed relation", "chunk_id", chunkID, "type", r.Type)
			continue
		}
		if v.relationVocab != nil && !v.relationVocab[util.NormalizeLabel(r.Type)] {
			res.DroppedVocabularyRelations++
			logger.Debug("[Validate] dropped out-of-vocabulary relation", "chunk_id", chunkID, "type", r.Type)
			continue
		}
		if !known[r.Source] || !known[r.Target] {
			res.DroppedDanglingRelations++
			logger.Warn("[Validate] dropped relation with dangling endpoint",
				"chunk_id", chunkID, "type", r.Type, "source", r.Source, "target", r.Target)
			continue
		}
		res.Relations = append(res.Relations, common.Relation{
			Type:       r.Type,
			Source:     r.Source,
			Target:     r.Target,
			Confidence: v.normalizeConfidence(r.Confidence),
			Evidence:   r.Evidence,
			ChunkID:    chunkID,
		})
	}

	if v.dropIsolated {
		v.filterIsolated(res, chunkID)
	}

	return res, nil
}

func (v *Validator) normalizeConfidence(c *float64) float64 {
	if c == nil {
		return v.defaultConfidence
	}
	if *c < 0 {
		return 0
	}
	if *c > 1 {
		return 1
	}
	return *c
}

func (v *Validator) filterIsolated(res *Result, chunkID string) {
	connected := make(map[string]bool, len(res.Mentions))
	for _, r := range res.Relations {
		connected[r.Source] = true
		connected[r.Target] = true
	}

	kept := res.Mentions[:0]
	for _, m := range res.Mentions {
		if !connected[m.ID] {
			res.DroppedIsolatedMentions++
			logger.Debug("[Validate] dropped isolated mention", "chunk_id", chunkID, "name", m.Name)
			continue
		}
		kept = append(kept, m)
	}
	res.Mentions = kept
}
