// Package store defines the persistence contracts of the consolidation
// engine: a durable home for the canonical graph and a vector search index
// derived from it. The graph is the source of truth; the index is
// rebuildable and never authoritative.
package store

import (
	"context"

	"github.com/threatgraph/consolidator/pkg/common"
)

// GraphStore persists canonical entities and relationships keyed by their
// stable ids, so consolidation can resume across process restarts without
// re-deriving already-resolved identities.
type GraphStore interface {
	SaveGraph(ctx context.Context, snap common.Snapshot) error
	LoadGraph(ctx context.Context) (common.Snapshot, error)
}

// SearchHit is one result of a vector search over the index.
type SearchHit struct {
	ID string
	// Text is the searchable text stored with the entry.
	Text string
	// Similarity is cosine similarity in [0,1], higher is closer.
	Similarity float64
}

// SearchIndex is the embedding-backed index the engine publishes to and
// queries for semantic retrieval.
type SearchIndex interface {
	Upsert(ctx context.Context, entry common.IndexEntry) error
	Delete(ctx context.Context, id string) error
	// Prune removes every entry whose id is not in keep, reconciling the
	// index with the graph after merges retired ids.
	Prune(ctx context.Context, keep []string) error
	Search(ctx context.Context, vector []float32, k int) ([]SearchHit, error)
}

// TTPHit is one tactic/technique/procedure record returned from the curated
// TTP reference index.
type TTPHit struct {
	Tactic     string
	Technique  string
	Similarity float64
}

// TTPIndex is the curated reference index of known tactic/technique
// procedures used for graph enhancement.
type TTPIndex interface {
	SearchTTP(ctx context.Context, vector []float32, k int) ([]TTPHit, error)
}
