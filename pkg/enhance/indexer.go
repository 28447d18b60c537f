// Package enhance derives searchable artifacts from the canonical graph:
// embedding-backed index entries for every entity and relationship, and
// tactic/technique enrichment for procedure entities.
package enhance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/threatgraph/consolidator/internal/util"
	"github.com/threatgraph/consolidator/pkg/common"
	"github.com/threatgraph/consolidator/pkg/graph"
	"github.com/threatgraph/consolidator/pkg/logger"
	"github.com/threatgraph/consolidator/pkg/store"

	"golang.org/x/sync/errgroup"
)

// IndexerConfig tunes the indexing pass. Zero values fall back to defaults.
type IndexerConfig struct {
	// Parallelism caps concurrent index upserts. Defaults to 8.
	Parallelism int
	// Backoff configures the per-entry retry of failing upserts.
	Backoff util.BackoffParams
}

// Indexer publishes the canonical graph to the search index. It is safely
// re-runnable: an unchanged record produces byte-identical searchable text,
// so re-indexing is a harmless overwrite.
type Indexer struct {
	index       store.SearchIndex
	embedder    graph.Embedder
	parallelism int
	backoff     util.BackoffParams
}

// NewIndexer creates an Indexer writing to the given search index.
func NewIndexer(index store.SearchIndex, embedder graph.Embedder, cfg IndexerConfig) *Indexer {
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 8
	}
	return &Indexer{
		index:       index,
		embedder:    embedder,
		parallelism: parallelism,
		backoff:     cfg.Backoff,
	}
}

// IndexFailure records one entry that could not be indexed after retries.
type IndexFailure struct {
	ID  string
	Err error
}

// IndexReport summarizes one indexing pass. Failures are reported, never
// fatal; the graph mutation they derive from is not rolled back.
type IndexReport struct {
	Indexed  int
	Failures []IndexFailure
}

// IndexSnapshot embeds and upserts every entity and relationship of the
// snapshot, then prunes index entries whose ids the snapshot no longer
// contains, so entries for merged-away records do not linger. Individual
// upsert failures are retried with exponential backoff and then reported
// without blocking unrelated entries.
func (ix *Indexer) IndexSnapshot(ctx context.Context, snap common.Snapshot) (*IndexReport, error) {
	entries, err := ix.buildEntries(ctx, snap)
	if err != nil {
		return nil, err
	}

	report := &IndexReport{}
	var mu sync.Mutex

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(ix.parallelism)
	for i := range entries {
		entry := entries[i]
		eg.Go(func() error {
			err := util.RetryBackoff(ectx, ix.backoff, func(ctx context.Context) error {
				return ix.index.Upsert(ctx, entry)
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Error("[Index] upsert failed", "id", entry.ID, "err", err)
				report.Failures = append(report.Failures, IndexFailure{ID: entry.ID, Err: err})
				return nil
			}
			report.Indexed++
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	keep := make([]string, len(entries))
	for i, entry := range entries {
		keep[i] = entry.ID
	}
	if err := util.RetryBackoff(ctx, ix.backoff, func(ctx context.Context) error {
		return ix.index.Prune(ctx, keep)
	}); err != nil {
		return nil, fmt.Errorf("failed to prune stale index entries: %w", err)
	}

	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].ID < report.Failures[j].ID })
	return report, nil
}

func (ix *Indexer) buildEntries(ctx context.Context, snap common.Snapshot) ([]common.IndexEntry, error) {
	names := make(map[string]string, len(snap.Entities))
	for _, e := range snap.Entities {
		names[e.ID] = e.Name
	}

	entries := make([]common.IndexEntry, 0, len(snap.Entities)+len(snap.Relationships))
	texts := make([]string, 0, cap(entries))
	for _, e := range snap.Entities {
		entries = append(entries, common.IndexEntry{ID: e.ID, Text: EntityText(e)})
	}
	for _, r := range snap.Relationships {
		entries = append(entries, common.IndexEntry{ID: r.ID, Text: RelationshipText(r, names)})
	}
	for _, entry := range entries {
		texts = append(texts, entry.Text)
	}

	vecs, err := ix.embedder.GenerateEmbeddings(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed index entries: %w", err)
	}
	if len(vecs) != len(entries) {
		return nil, fmt.Errorf("embedding count mismatch: got %d want %d", len(vecs), len(entries))
	}
	for i := range entries {
		entries[i].Embedding = vecs[i]
	}
	return entries, nil
}

// EntityText builds the searchable text for an entity. The construction is
// deterministic, so re-indexing an unchanged entity yields byte-identical
// output.
func EntityText(e common.Entity) string {
	parts := []string{e.Name, e.Label}
	if e.Description != "" {
		parts = append(parts, e.Description)
	}
	if len(e.Aliases) > 0 {
		aliases := append([]string(nil), e.Aliases...)
		sort.Strings(aliases)
		parts = append(parts, "also known as: "+strings.Join(aliases, ", "))
	}
	return strings.Join(parts, "\n")
}

// RelationshipText builds the searchable text for a relationship, using the
// entity names of its endpoints.
func RelationshipText(r common.Relationship, names map[string]string) string {
	src := names[r.SourceID]
	if src == "" {
		src = r.SourceID
	}
	tgt := names[r.TargetID]
	if tgt == "" {
		tgt = r.TargetID
	}

	parts := []string{fmt.Sprintf("%s %s %s", src, r.Type, tgt)}
	if len(r.Evidence) > 0 {
		evidence := append([]string(nil), r.Evidence...)
		sort.Strings(evidence)
		parts = append(parts, evidence...)
	}
	return strings.Join(parts, "\n")
}
