package enhance

import (
	"context"
	"fmt"

	"github.com/threatgraph/consolidator/internal/util"
	"github.com/threatgraph/consolidator/pkg/common"
	"github.com/threatgraph/consolidator/pkg/graph"
	"github.com/threatgraph/consolidator/pkg/logger"
	"github.com/threatgraph/consolidator/pkg/store"
)

const enhancementChunkID = "ttp-enhancement"

// EnhancerConfig tunes procedure enhancement. Zero values fall back to the
// defaults below.
type EnhancerConfig struct {
	// SimilarityThreshold is the minimum similarity for a TTP hit to be
	// grafted into the graph. Defaults to 0.7.
	SimilarityThreshold float64
	// TopK is how many TTP hits are requested per procedure. Defaults to 3.
	TopK int
	// MaxPerProcedure caps how many hits are grafted per procedure entity.
	// Defaults to 2.
	MaxPerProcedure int
}

// Enhancer enriches the graph around procedure entities: for each entity
// labeled Procedure it searches the curated TTP reference index for similar
// known procedures and grafts the matching tactic and technique into the
// graph, connected by HAS (tactic to technique) and LAUNCH (technique to
// procedure) relationships carrying the similarity as confidence.
//
// All mutations are routed through the graph assembler, so dedupe and
// invariants hold for grafted records exactly as for extracted ones.
type Enhancer struct {
	graph    *graph.Graph
	embedder graph.Embedder
	ttp      store.TTPIndex

	threshold float64
	topK      int
	maxPer    int
}

// NewEnhancer creates an Enhancer over the given graph and TTP index.
func NewEnhancer(g *graph.Graph, embedder graph.Embedder, ttp store.TTPIndex, cfg EnhancerConfig) *Enhancer {
	threshold := cfg.SimilarityThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.7
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 3
	}
	maxPer := cfg.MaxPerProcedure
	if maxPer <= 0 {
		maxPer = 2
	}
	return &Enhancer{
		graph:     g,
		embedder:  embedder,
		ttp:       ttp,
		threshold: threshold,
		topK:      topK,
		maxPer:    maxPer,
	}
}

// EnhanceReport summarizes one enhancement pass.
type EnhanceReport struct {
	ProceduresExamined int
	ProceduresEnhanced int
	Delta              graph.ChunkDelta
}

// Enhance runs one enhancement pass over the current graph snapshot.
func (en *Enhancer) Enhance(ctx context.Context) (*EnhanceReport, error) {
	report := &EnhanceReport{}
	snap := en.graph.Snapshot()

	for _, e := range snap.Entities {
		if util.NormalizeLabel(e.Label) != "PROCEDURE" {
			continue
		}
		report.ProceduresExamined++

		enhanced, err := en.enhanceProcedure(ctx, e, report)
		if err != nil {
			return nil, fmt.Errorf("enhancement of procedure %q failed: %w", e.ID, err)
		}
		if enhanced {
			report.ProceduresEnhanced++
		}
	}

	return report, nil
}

func (en *Enhancer) enhanceProcedure(ctx context.Context, proc common.Entity, report *EnhanceReport) (bool, error) {
	vecs, err := en.embedder.GenerateEmbeddings(ctx, []string{EntityText(proc)})
	if err != nil {
		return false, fmt.Errorf("failed to embed procedure: %w", err)
	}

	hits, err := en.ttp.SearchTTP(ctx, vecs[0], en.topK)
	if err != nil {
		return false, fmt.Errorf("ttp search failed: %w", err)
	}

	grafted := 0
	for _, hit := range hits {
		if grafted >= en.maxPer {
			break
		}
		if hit.Similarity < en.threshold || hit.Tactic == "" || hit.Technique == "" {
			continue
		}

		en.graft(proc, hit, report)
		grafted++
	}
	return grafted > 0, nil
}

// graft inserts the tactic and technique of one TTP hit and wires them to
// the procedure. Repeated hits dedupe through the assembler like any other
// consolidation.
func (en *Enhancer) graft(proc common.Entity, hit store.TTPHit, report *EnhanceReport) {
	tacticID := graph.EntityID("Tactic", hit.Tactic)
	techniqueID := graph.EntityID("Technique", hit.Technique)
	evidence := fmt.Sprintf("similar known procedure (technique %s)", hit.Technique)

	rc := &graph.ResolvedChunk{
		ChunkID: enhancementChunkID,
		Mentions: []graph.ResolvedMention{
			{
				Mention: common.Mention{
					ID:      tacticID,
					Label:   "Tactic",
					Name:    hit.Tactic,
					ChunkID: enhancementChunkID,
				},
				EntityID: tacticID,
			},
			{
				Mention: common.Mention{
					ID:      techniqueID,
					Label:   "Technique",
					Name:    hit.Technique,
					ChunkID: enhancementChunkID,
				},
				EntityID: techniqueID,
			},
		},
		Relations: []common.Relation{
			{
				Type:       "HAS",
				Source:     tacticID,
				Target:     techniqueID,
				Confidence: hit.Similarity,
				Evidence:   evidence,
				ChunkID:    enhancementChunkID,
			},
			{
				Type:       "LAUNCH",
				Source:     techniqueID,
				Target:     proc.ID,
				Confidence: hit.Similarity,
				Evidence:   evidence,
				ChunkID:    enhancementChunkID,
			},
		},
	}

	delta := en.graph.ApplyChunk(rc)
	report.Delta.Add(delta)
	logger.Info("[Enhance] grafted tactic and technique",
		"procedure", proc.Name, "tactic", hit.Tactic, "technique", hit.Technique, "similarity", hit.Similarity)
}
