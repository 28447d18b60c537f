package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/threatgraph/consolidator/internal/util"
	"github.com/threatgraph/consolidator/pkg/common"
	"github.com/threatgraph/consolidator/pkg/enhance"
	"github.com/threatgraph/consolidator/pkg/extract"
	"github.com/threatgraph/consolidator/pkg/graph"
	"github.com/threatgraph/consolidator/pkg/store"
)

// fakeEmbedder assigns every distinct input its own orthogonal vector, so
// only identical texts ever look similar to the resolver.
type fakeEmbedder struct {
	mu   sync.Mutex
	dims map[string]int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{dims: map[string]int{}}
}

func (f *fakeEmbedder) GenerateEmbeddings(_ context.Context, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]float32, len(inputs))
	for i, s := range inputs {
		dim, ok := f.dims[s]
		if !ok {
			dim = len(f.dims)
			f.dims[s] = dim
		}
		vec := make([]float32, 64)
		vec[dim%len(vec)] = 1
		out[i] = vec
	}
	return out, nil
}

// scriptedExtractor returns bad output until it has been re-prompted
// goodAfter times, then returns good output.
type scriptedExtractor struct {
	mu        sync.Mutex
	bad       string
	good      string
	goodAfter int
	reasons   []string
}

func (s *scriptedExtractor) Extract(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.goodAfter <= 0 {
		return s.good, nil
	}
	return s.bad, nil
}

func (s *scriptedExtractor) Reextract(_ context.Context, _ string, reason string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons = append(s.reasons, reason)
	if len(s.reasons) >= s.goodAfter {
		return s.good, nil
	}
	return s.bad, nil
}

type fakeGraphStore struct {
	mu    sync.Mutex
	saved []common.Snapshot
}

func (f *fakeGraphStore) SaveGraph(_ context.Context, snap common.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, snap)
	return nil
}

func (f *fakeGraphStore) LoadGraph(context.Context) (common.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saved) == 0 {
		return common.Snapshot{}, nil
	}
	return f.saved[len(f.saved)-1], nil
}

type fakeSearchIndex struct {
	mu      sync.Mutex
	upserts map[string]common.IndexEntry
	failing map[string]bool
}

func newFakeSearchIndex() *fakeSearchIndex {
	return &fakeSearchIndex{upserts: map[string]common.IndexEntry{}, failing: map[string]bool{}}
}

func (f *fakeSearchIndex) Upsert(_ context.Context, entry common.IndexEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[entry.ID] {
		return errors.New("backend unavailable")
	}
	f.upserts[entry.ID] = entry
	return nil
}

func (f *fakeSearchIndex) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.upserts, id)
	return nil
}

func (f *fakeSearchIndex) Prune(_ context.Context, keep []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}
	for id := range f.upserts {
		if !keepSet[id] {
			delete(f.upserts, id)
		}
	}
	return nil
}

func (f *fakeSearchIndex) Search(context.Context, []float32, int) ([]store.SearchHit, error) {
	return nil, nil
}

const winosPayload = `{
	"entities": [
		{"id": "e1", "label": "Tool", "name": "Winos", "description": "a backdoor"},
		{"id": "e2", "label": "ThreatOrganization", "name": "Silver Fox"}
	],
	"relationships": [
		{"type": "USE", "source": "e2", "target": "e1", "confidence": 0.8, "evidence": "Silver Fox deploys Winos"}
	]
}`

const mimikatzPayload = `{
	"entities": [
		{"id": "e1", "label": "Tool", "name": "Mimikatz"},
		{"id": "e2", "label": "ThreatOrganization", "name": "Silver Fox"}
	],
	"relationships": [
		{"type": "USE", "source": "e2", "target": "e1", "confidence": 0.6, "evidence": "operators ran mimikatz"}
	]
}`

func newTestCoordinator(t *testing.T, extractor Extractor, opts ...Option) (*Coordinator, *graph.Graph) {
	t.Helper()
	g := graph.NewGraph()
	validator := extract.NewValidator(extract.ValidatorConfig{})
	resolver := graph.NewResolver(g, newFakeEmbedder(), graph.ResolverConfig{})
	return NewCoordinator(extractor, validator, resolver, g, Config{Workers: 2}, opts...), g
}

func TestRunConsolidatesBatch(t *testing.T) {
	c, g := newTestCoordinator(t, nil)
	jobs := []common.ChunkJob{
		{ChunkID: "c1", DocumentID: "doc-1", RawOutput: winosPayload},
		{ChunkID: "c2", DocumentID: "doc-1", RawOutput: mimikatzPayload},
	}

	report, err := c.Run(context.Background(), jobs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, chunk := range report.Chunks {
		if chunk.State != StateConsolidated {
			t.Errorf("chunk %s state = %s, want %s", chunk.ChunkID, chunk.State, StateConsolidated)
		}
	}
	// Silver Fox appears in both chunks and must consolidate to one entity.
	if g.EntityCount() != 3 {
		t.Errorf("EntityCount = %d, want 3", g.EntityCount())
	}
	if report.Delta.EntitiesCreated != 3 || report.Delta.EntitiesMerged != 1 {
		t.Errorf("delta = %+v, want 3 created, 1 merged", report.Delta)
	}
	if g.RelationshipCount() != 2 {
		t.Errorf("RelationshipCount = %d, want 2", g.RelationshipCount())
	}
	if report.ValidationFailures != 0 {
		t.Errorf("ValidationFailures = %d, want 0", report.ValidationFailures)
	}
}

func TestRunRetriesValidationWithReason(t *testing.T) {
	ext := &scriptedExtractor{bad: "not even json {{{", good: winosPayload, goodAfter: 1}
	c, g := newTestCoordinator(t, ext)
	jobs := []common.ChunkJob{{ChunkID: "c1", DocumentID: "doc-1", Text: "Silver Fox deploys the Winos backdoor."}}

	report, err := c.Run(context.Background(), jobs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	chunk := report.Chunks[0]
	if chunk.State != StateConsolidated {
		t.Fatalf("chunk state = %s (%s), want %s", chunk.State, chunk.FailureReason, StateConsolidated)
	}
	if chunk.Retries != 1 {
		t.Errorf("Retries = %d, want 1", chunk.Retries)
	}
	if report.ValidationFailures != 1 {
		t.Errorf("ValidationFailures = %d, want 1", report.ValidationFailures)
	}
	if len(ext.reasons) != 1 || ext.reasons[0] == "" {
		t.Errorf("re-prompt reasons = %q, want one non-empty reason", ext.reasons)
	}
	if g.EntityCount() != 2 {
		t.Errorf("EntityCount = %d, want 2", g.EntityCount())
	}
}

func TestRunFailsChunkAfterRetryExhaustion(t *testing.T) {
	ext := &scriptedExtractor{bad: "garbage", good: winosPayload, goodAfter: 100}
	c, g := newTestCoordinator(t, ext)
	jobs := []common.ChunkJob{
		{ChunkID: "c1", DocumentID: "doc-1", Text: "unusable chunk"},
		{ChunkID: "c2", DocumentID: "doc-1", RawOutput: mimikatzPayload},
	}

	report, err := c.Run(context.Background(), jobs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var failed, consolidated *ChunkOutcome
	for i := range report.Chunks {
		switch report.Chunks[i].ChunkID {
		case "c1":
			failed = &report.Chunks[i]
		case "c2":
			consolidated = &report.Chunks[i]
		}
	}
	if failed.State != StateFailed {
		t.Errorf("c1 state = %s, want %s", failed.State, StateFailed)
	}
	if failed.Retries != 2 {
		t.Errorf("c1 retries = %d, want 2", failed.Retries)
	}
	if failed.FailureReason == "" {
		t.Errorf("failed chunk carries no reason")
	}
	// The failing chunk must not take the healthy one down with it.
	if consolidated.State != StateConsolidated {
		t.Errorf("c2 state = %s, want %s", consolidated.State, StateConsolidated)
	}
	if g.EntityCount() != 2 {
		t.Errorf("EntityCount = %d, want 2 from the healthy chunk", g.EntityCount())
	}
}

func TestRunCannotRetryWithoutChunkText(t *testing.T) {
	c, _ := newTestCoordinator(t, &scriptedExtractor{good: winosPayload})
	jobs := []common.ChunkJob{{ChunkID: "c1", DocumentID: "doc-1", RawOutput: "broken output"}}

	report, err := c.Run(context.Background(), jobs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	chunk := report.Chunks[0]
	if chunk.State != StateFailed {
		t.Errorf("chunk state = %s, want %s", chunk.State, StateFailed)
	}
	if chunk.Retries != 0 {
		t.Errorf("Retries = %d, want 0 without chunk text to re-prompt", chunk.Retries)
	}
}

func TestRunPersistsAndIndexes(t *testing.T) {
	db := &fakeGraphStore{}
	idx := newFakeSearchIndex()
	embedder := newFakeEmbedder()

	g := graph.NewGraph()
	validator := extract.NewValidator(extract.ValidatorConfig{})
	resolver := graph.NewResolver(g, embedder, graph.ResolverConfig{})
	indexer := enhance.NewIndexer(idx, embedder, enhance.IndexerConfig{})
	c := NewCoordinator(nil, validator, resolver, g, Config{},
		WithGraphStore(db), WithIndexer(indexer))

	report, err := c.Run(context.Background(), []common.ChunkJob{
		{ChunkID: "c1", DocumentID: "doc-1", RawOutput: winosPayload},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Chunks[0].State != StateIndexed {
		t.Errorf("chunk state = %s, want %s", report.Chunks[0].State, StateIndexed)
	}
	if len(db.saved) != 1 {
		t.Fatalf("graph saved %d times, want 1", len(db.saved))
	}
	if got := len(db.saved[0].Entities); got != 2 {
		t.Errorf("persisted snapshot has %d entities, want 2", got)
	}
	// Two entities and one relationship end up in the search index.
	if len(idx.upserts) != 3 {
		t.Errorf("index holds %d entries, want 3", len(idx.upserts))
	}
	if report.Indexed != 3 {
		t.Errorf("Indexed = %d, want 3", report.Indexed)
	}
	if report.IndexingFailures != 0 {
		t.Errorf("IndexingFailures = %d, want 0", report.IndexingFailures)
	}
}

func TestRunReportsIndexingFailures(t *testing.T) {
	idx := newFakeSearchIndex()
	idx.failing[graph.EntityID("Tool", "Winos")] = true
	embedder := newFakeEmbedder()

	g := graph.NewGraph()
	validator := extract.NewValidator(extract.ValidatorConfig{})
	resolver := graph.NewResolver(g, embedder, graph.ResolverConfig{})
	indexer := enhance.NewIndexer(idx, embedder, enhance.IndexerConfig{
		Backoff: util.BackoffParams{MaxTries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	c := NewCoordinator(nil, validator, resolver, g, Config{}, WithIndexer(indexer))

	report, err := c.Run(context.Background(), []common.ChunkJob{
		{ChunkID: "c1", DocumentID: "doc-1", RawOutput: winosPayload},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.IndexingFailures != 1 {
		t.Errorf("IndexingFailures = %d, want 1", report.IndexingFailures)
	}
	if report.Indexed != 2 {
		t.Errorf("Indexed = %d, want 2", report.Indexed)
	}
	// Indexing failures never fail the batch or the chunk.
	if report.Chunks[0].State != StateIndexed {
		t.Errorf("chunk state = %s, want %s", report.Chunks[0].State, StateIndexed)
	}
}

func TestRunEnhancesProcedures(t *testing.T) {
	embedder := newFakeEmbedder()
	g := graph.NewGraph()
	validator := extract.NewValidator(extract.ValidatorConfig{})
	resolver := graph.NewResolver(g, embedder, graph.ResolverConfig{})
	enhancer := enhance.NewEnhancer(g, embedder, staticTTPIndex{}, enhance.EnhancerConfig{})
	c := NewCoordinator(nil, validator, resolver, g, Config{}, WithEnhancer(enhancer))

	payload := `{
		"entities": [{"id": "e1", "label": "Procedure", "name": "LSASS dump via comsvcs"}],
		"relationships": []
	}`
	report, err := c.Run(context.Background(), []common.ChunkJob{
		{ChunkID: "c1", DocumentID: "doc-1", RawOutput: payload},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, ok := g.Entity(graph.EntityID("Tactic", "Credential Access")); !ok {
		t.Errorf("tactic not grafted by enhancement stage")
	}
	if _, ok := g.Entity(graph.EntityID("Technique", "OS Credential Dumping")); !ok {
		t.Errorf("technique not grafted by enhancement stage")
	}
	if report.Delta.EntitiesCreated != 3 {
		t.Errorf("EntitiesCreated = %d, want 3 (procedure plus grafted pair)", report.Delta.EntitiesCreated)
	}
}

type staticTTPIndex struct{}

func (staticTTPIndex) SearchTTP(context.Context, []float32, int) ([]store.TTPHit, error) {
	return []store.TTPHit{{Tactic: "Credential Access", Technique: "OS Credential Dumping", Similarity: 0.9}}, nil
}
