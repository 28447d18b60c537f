package graph

import (
	"context"
	"testing"

	"github.com/threatgraph/consolidator/pkg/common"
)

// fakeEmbedder returns canned vectors per input text; unknown inputs get a
// vector orthogonal to everything configured.
type fakeEmbedder struct {
	vecs  map[string][]float32
	calls int
}

func (f *fakeEmbedder) GenerateEmbeddings(_ context.Context, inputs []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		if v, ok := f.vecs[in]; ok {
			out[i] = v
			continue
		}
		out[i] = []float32{0, 0, 0, 1}
	}
	return out, nil
}

func seedEntity(g *Graph, label, name, desc string) string {
	id := EntityID(label, name)
	g.UpsertEntity(id, common.Mention{ID: "seed", Label: label, Name: name, Description: desc, ChunkID: "seed"}, "doc-1")
	return id
}

func TestResolveExactNormalization(t *testing.T) {
	g := NewGraph()
	r := NewResolver(g, nil, ResolverConfig{})
	id := seedEntity(g, "Tool", "Secure-Shell", "remote access")

	tests := []string{"secure shell", "Secure Shell.", "SECURE-SHELL", "  secure   shell  "}
	for _, name := range tests {
		got, err := r.Resolve(context.Background(), "doc-1", common.Mention{ID: "m", Label: "Tool", Name: name})
		if err != nil {
			t.Fatalf("Resolve(%q) failed: %v", name, err)
		}
		if got != id {
			t.Errorf("Resolve(%q) = %q, want %q", name, got, id)
		}
	}
}

func TestResolveLabelSeparatesEntities(t *testing.T) {
	g := NewGraph()
	r := NewResolver(g, nil, ResolverConfig{})
	toolID := seedEntity(g, "Tool", "Winos", "")

	got, err := r.Resolve(context.Background(), "doc-1", common.Mention{ID: "m", Label: "ThreatOrganization", Name: "Winos"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got == toolID {
		t.Errorf("mention with different label resolved to %q; labels must not mix", toolID)
	}
}

func TestResolveAliasAfterMerge(t *testing.T) {
	g := NewGraph()
	r := NewResolver(g, nil, ResolverConfig{})

	a := seedEntity(g, "Malware", "Winos", "")
	b := seedEntity(g, "Malware", "Winos Backdoor", "")
	if err := g.MergeEntities(a, b); err != nil {
		t.Fatalf("MergeEntities failed: %v", err)
	}

	got, err := r.Resolve(context.Background(), "doc-1", common.Mention{ID: "m", Label: "Malware", Name: "Winos Backdoor"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != a {
		t.Errorf("Resolve of absorbed name = %q, want survivor %q", got, a)
	}
}

func TestResolveAcronymHeuristic(t *testing.T) {
	g := NewGraph()
	r := NewResolver(g, nil, ResolverConfig{})
	id := seedEntity(g, "Tool", "Secure Shell Handler", "")

	got, err := r.Resolve(context.Background(), "doc-1", common.Mention{ID: "m", Label: "Tool", Name: "SSH"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != id {
		t.Errorf("acronym mention resolved to %q, want %q", got, id)
	}

	disabled := NewResolver(NewGraph(), nil, ResolverConfig{DisableAcronymMatch: true})
	seedEntity(disabled.graph, "Tool", "Secure Shell Handler", "")
	got, err = disabled.Resolve(context.Background(), "doc-1", common.Mention{ID: "m", Label: "Tool", Name: "SSH"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got == id {
		t.Errorf("acronym heuristic matched although disabled")
	}
}

func TestResolveContainsHeuristic(t *testing.T) {
	g := NewGraph()
	r := NewResolver(g, nil, ResolverConfig{})
	id := seedEntity(g, "ThreatOrganization", "Winos", "")

	got, err := r.Resolve(context.Background(), "doc-1", common.Mention{ID: "m", Label: "ThreatOrganization", Name: "Winos Group"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != id {
		t.Errorf("containment mention resolved to %q, want %q", got, id)
	}

	// Short names must not trip the containment heuristic.
	got, err = r.Resolve(context.Background(), "doc-1", common.Mention{ID: "m", Label: "ThreatOrganization", Name: "Win"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got == id {
		t.Errorf("short name %q matched by containment", "Win")
	}
}

func TestResolveSimilarityMatch(t *testing.T) {
	g := NewGraph()
	emb := &fakeEmbedder{vecs: map[string][]float32{
		"Cobalt Strike": {1, 0, 0, 0},
		"CS Beacon":     {0.99, 0.1, 0, 0},
		"Registry Hive": {0, 1, 0, 0},
	}}
	r := NewResolver(g, emb, ResolverConfig{
		SimilarityThreshold:  0.85,
		DisableAcronymMatch:  true,
		DisableContainsMatch: true,
	})
	id := seedEntity(g, "Tool", "Cobalt Strike", "")

	got, err := r.Resolve(context.Background(), "doc-1", common.Mention{ID: "m", Label: "Tool", Name: "CS Beacon"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != id {
		t.Errorf("similar mention resolved to %q, want %q", got, id)
	}

	// Below the threshold a new deterministic id is derived instead.
	got, err = r.Resolve(context.Background(), "doc-1", common.Mention{ID: "m", Label: "Tool", Name: "Registry Hive"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if want := EntityID("Tool", "Registry Hive"); got != want {
		t.Errorf("dissimilar mention resolved to %q, want new id %q", got, want)
	}
}

func TestResolveSimilarityTieBreak(t *testing.T) {
	g := NewGraph()
	emb := &fakeEmbedder{vecs: map[string][]float32{
		"Alpha Kit": {1, 0, 0, 0},
		"Bravo Kit": {1, 0, 0, 0},
		"Delta Kit": {1, 0, 0, 0},
	}}
	r := NewResolver(g, emb, ResolverConfig{
		DisableAcronymMatch:  true,
		DisableContainsMatch: true,
	})

	first := seedEntity(g, "Tool", "Alpha Kit", "")
	seedEntity(g, "Tool", "Bravo Kit", "")

	got, err := r.Resolve(context.Background(), "doc-1", common.Mention{ID: "m", Label: "Tool", Name: "Delta Kit"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != first {
		t.Errorf("tie broken to %q, want earliest-created %q", got, first)
	}
}

func TestResolveSameDocumentScope(t *testing.T) {
	g := NewGraph()
	emb := &fakeEmbedder{vecs: map[string][]float32{
		"Payload Kit":    {1, 0, 0, 0},
		"A Payload Tool": {1, 0, 0, 0},
	}}
	r := NewResolver(g, emb, ResolverConfig{
		SameDocumentOnly:     true,
		DisableAcronymMatch:  true,
		DisableContainsMatch: true,
	})

	id := EntityID("Tool", "Payload Kit")
	g.UpsertEntity(id, common.Mention{ID: "seed", Label: "Tool", Name: "Payload Kit", ChunkID: "c"}, "doc-1")

	// Same name in another document still resolves exactly (deterministic id),
	// but similarity matching must not see candidates from other documents.
	got, err := r.Resolve(context.Background(), "doc-2", common.Mention{ID: "m", Label: "Tool", Name: "A Payload Tool"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got == id {
		t.Errorf("similarity match crossed document scope")
	}
}

func TestResolveChunkRewritesRelations(t *testing.T) {
	g := NewGraph()
	r := NewResolver(g, nil, ResolverConfig{})

	mentions := []common.Mention{
		{ID: "e1", Label: "ThreatOrganization", Name: "Winos", ChunkID: "c1"},
		{ID: "e2", Label: "Tool", Name: "Mimikatz", ChunkID: "c1"},
	}
	relations := []common.Relation{
		{Type: "USE", Source: "e1", Target: "e2", Confidence: 0.8, Evidence: "x", ChunkID: "c1"},
	}

	rc, err := r.ResolveChunk(context.Background(), "c1", "doc-1", mentions, relations)
	if err != nil {
		t.Fatalf("ResolveChunk failed: %v", err)
	}
	if len(rc.Mentions) != 2 || len(rc.Relations) != 1 {
		t.Fatalf("resolved %d mentions, %d relations; want 2, 1", len(rc.Mentions), len(rc.Relations))
	}
	if rc.Relations[0].Source != EntityID("ThreatOrganization", "Winos") {
		t.Errorf("relation source = %q, want canonical entity id", rc.Relations[0].Source)
	}
	if rc.Relations[0].Target != EntityID("Tool", "Mimikatz") {
		t.Errorf("relation target = %q, want canonical entity id", rc.Relations[0].Target)
	}

	delta := g.ApplyChunk(rc)
	if delta.EntitiesCreated != 2 || delta.RelationshipsCreated != 1 {
		t.Errorf("apply delta = %+v, want 2 entities and 1 relationship created", delta)
	}
	if err := g.ValidateInvariants(); err != nil {
		t.Errorf("ValidateInvariants failed: %v", err)
	}
}

func TestResolverCachesCandidateEmbeddings(t *testing.T) {
	g := NewGraph()
	emb := &fakeEmbedder{vecs: map[string][]float32{
		"Cobalt Strike": {1, 0, 0, 0},
		"Unrelated A":   {0, 1, 0, 0},
		"Unrelated B":   {0, 0, 1, 0},
	}}
	r := NewResolver(g, emb, ResolverConfig{
		DisableAcronymMatch:  true,
		DisableContainsMatch: true,
	})
	seedEntity(g, "Tool", "Cobalt Strike", "")

	for _, name := range []string{"Unrelated A", "Unrelated B"} {
		if _, err := r.Resolve(context.Background(), "doc-1", common.Mention{ID: "m", Label: "Tool", Name: name}); err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
	}
	if emb.calls != 2 {
		t.Errorf("embedder called %d times, want 2", emb.calls)
	}
}
