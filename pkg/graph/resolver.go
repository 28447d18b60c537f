package graph

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/threatgraph/consolidator/internal/util"
	"github.com/threatgraph/consolidator/pkg/common"
	"github.com/threatgraph/consolidator/pkg/logger"
)

// Embedder is the embedding capability the resolver needs for similarity
// matching. ai.Client satisfies it.
type Embedder interface {
	GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error)
}

// ResolverConfig tunes entity matching. The zero value enables the acronym
// and contains heuristics, resolves across documents, and uses the default
// similarity threshold.
type ResolverConfig struct {
	// SimilarityThreshold is the minimum cosine similarity for an embedding
	// match. Values outside (0,1] fall back to 0.85.
	SimilarityThreshold float64

	// DisableAcronymMatch turns off the initialism heuristic ("SSH" vs
	// "Secure Shell Handler").
	DisableAcronymMatch bool

	// DisableContainsMatch turns off the containment heuristic ("Winos" vs
	// "Winos Group").
	DisableContainsMatch bool

	// SameDocumentOnly limits candidate lookup to entities with provenance
	// from the mention's document instead of the whole graph.
	SameDocumentOnly bool
}

// Resolver assigns each raw mention a canonical entity identity. Matching is
// applied in order, first match wins: exact (label, normalized name), alias,
// cheap name heuristics, then embedding similarity among same-label
// candidates. No match yields a new deterministic id, so repeated runs over
// identical input are idempotent.
type Resolver struct {
	graph    *Graph
	embedder Embedder

	threshold   float64
	acronym     bool
	contains    bool
	sameDocOnly bool

	cacheMu sync.Mutex
	cache   map[string]embeddingEntry
}

type embeddingEntry struct {
	text string
	vec  []float32
}

// NewResolver creates a Resolver over the given graph. The embedder may be
// nil, which disables similarity matching.
func NewResolver(g *Graph, embedder Embedder, cfg ResolverConfig) *Resolver {
	threshold := cfg.SimilarityThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.85
	}
	return &Resolver{
		graph:       g,
		embedder:    embedder,
		threshold:   threshold,
		acronym:     !cfg.DisableAcronymMatch,
		contains:    !cfg.DisableContainsMatch,
		sameDocOnly: cfg.SameDocumentOnly,
		cache:       make(map[string]embeddingEntry),
	}
}

// ResolveChunk resolves every mention of one validated chunk to a canonical
// entity id and rewrites the chunk's relations onto those ids. The result is
// ready for the assembler to commit as a unit.
func (r *Resolver) ResolveChunk(
	ctx context.Context,
	chunkID string,
	documentID string,
	mentions []common.Mention,
	relations []common.Relation,
) (*ResolvedChunk, error) {
	rc := &ResolvedChunk{
		ChunkID:    chunkID,
		DocumentID: documentID,
	}

	mapping := make(map[string]string, len(mentions))
	for _, m := range mentions {
		entityID, err := r.Resolve(ctx, documentID, m)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve mention %q: %w", m.Name, err)
		}
		mapping[m.ID] = entityID
		rc.Mentions = append(rc.Mentions, ResolvedMention{Mention: m, EntityID: entityID})
	}

	for _, rel := range relations {
		src, okSrc := mapping[rel.Source]
		tgt, okTgt := mapping[rel.Target]
		if !okSrc || !okTgt {
			// The assembler drops and counts relations with unknown
			// endpoints; leave the unmapped id in place.
			logger.Warn("[Resolve] relation endpoint missing from chunk mapping",
				"chunk_id", chunkID, "type", rel.Type)
		}
		if okSrc {
			rel.Source = src
		}
		if okTgt {
			rel.Target = tgt
		}
		rc.Relations = append(rc.Relations, rel)
	}

	return rc, nil
}

// Resolve returns the canonical entity id for one mention, matching against
// the current graph or deriving a fresh deterministic id.
func (r *Resolver) Resolve(ctx context.Context, documentID string, m common.Mention) (string, error) {
	derived := EntityID(m.Label, m.Name)

	// Exact match on (label, normalized name), including names that became
	// aliases after a rename or merge.
	if cid := r.graph.CanonicalID(derived); cid != "" {
		return cid, nil
	}

	scope := ""
	if r.sameDocOnly {
		scope = documentID
	}
	candidates := r.graph.CandidatesByLabel(labelKey(m.Label), scope)
	if len(candidates) == 0 {
		return derived, nil
	}

	norm := util.NormalizeName(m.Name)
	for _, c := range candidates {
		for _, alias := range c.Aliases {
			if util.NormalizeName(alias) == norm {
				return c.ID, nil
			}
		}
	}

	if id, ok := r.matchHeuristics(norm, m.Name, candidates); ok {
		return id, nil
	}

	if r.embedder != nil {
		id, ok, err := r.matchSimilarity(ctx, m, candidates)
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}
	}

	return derived, nil
}

func (r *Resolver) matchHeuristics(norm string, name string, candidates []Candidate) (string, bool) {
	if r.acronym {
		for _, c := range candidates {
			if util.IsAcronymMatch(name, c.Name) {
				return c.ID, true
			}
		}
	}
	if r.contains {
		for _, c := range candidates {
			if containsMatch(norm, util.NormalizeName(c.Name)) {
				return c.ID, true
			}
		}
	}
	return "", false
}

// containsMatch reports whether one normalized name contains the other.
// Both must be long enough that containment is meaningful; short names like
// "it" would otherwise match almost anything.
func containsMatch(a string, b string) bool {
	if len(a) < 5 || len(b) < 5 {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func (r *Resolver) matchSimilarity(ctx context.Context, m common.Mention, candidates []Candidate) (string, bool, error) {
	mentionVec, candidateVecs, err := r.embeddings(ctx, m, candidates)
	if err != nil {
		return "", false, err
	}

	bestID := ""
	bestSim := 0.0
	for i, c := range candidates {
		sim := cosineSimilarity(mentionVec, candidateVecs[i])
		if sim < r.threshold {
			continue
		}
		// Candidates arrive in creation order, so a strict comparison keeps
		// the earliest-created entity on ties.
		if bestID == "" || sim > bestSim {
			bestID = c.ID
			bestSim = sim
		}
	}
	if bestID == "" {
		return "", false, nil
	}

	logger.Debug("[Resolve] similarity match", "name", m.Name, "entity_id", bestID, "similarity", bestSim)
	return bestID, true, nil
}

// embeddings returns the mention's vector and one vector per candidate,
// reusing cached candidate vectors when the embedded text is unchanged.
func (r *Resolver) embeddings(ctx context.Context, m common.Mention, candidates []Candidate) ([]float32, [][]float32, error) {
	out := make([][]float32, len(candidates))
	inputs := []string{embeddingText(m.Name, m.Description)}
	missing := []int{}

	r.cacheMu.Lock()
	for i, c := range candidates {
		text := embeddingText(c.Name, c.Description)
		if entry, ok := r.cache[c.ID]; ok && entry.text == text {
			out[i] = entry.vec
			continue
		}
		missing = append(missing, i)
		inputs = append(inputs, text)
	}
	r.cacheMu.Unlock()

	vecs, err := r.embedder.GenerateEmbeddings(ctx, inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("embedding lookup failed: %w", err)
	}
	if len(vecs) != len(inputs) {
		return nil, nil, fmt.Errorf("embedding count mismatch: got %d want %d", len(vecs), len(inputs))
	}

	r.cacheMu.Lock()
	for j, i := range missing {
		out[i] = vecs[j+1]
		r.cache[candidates[i].ID] = embeddingEntry{
			text: embeddingText(candidates[i].Name, candidates[i].Description),
			vec:  vecs[j+1],
		}
	}
	r.cacheMu.Unlock()

	return vecs[0], out, nil
}

func embeddingText(name string, description string) string {
	if description == "" {
		return name
	}
	return name + "\n" + description
}

func cosineSimilarity(a []float32, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
