package enhance

import (
	"context"
	"testing"

	"github.com/threatgraph/consolidator/pkg/common"
	"github.com/threatgraph/consolidator/pkg/graph"
	"github.com/threatgraph/consolidator/pkg/store"
)

type fakeTTPIndex struct {
	hits []store.TTPHit
}

func (f *fakeTTPIndex) SearchTTP(context.Context, []float32, int) ([]store.TTPHit, error) {
	return f.hits, nil
}

func procedureGraph(t *testing.T) (*graph.Graph, string) {
	t.Helper()
	g := graph.NewGraph()
	procID := graph.EntityID("Procedure", "LSASS memory dump via comsvcs")
	g.UpsertEntity(procID, common.Mention{
		ID:          "e1",
		Label:       "Procedure",
		Name:        "LSASS memory dump via comsvcs",
		Description: "dumps lsass process memory using rundll32 and comsvcs.dll",
		ChunkID:     "c1",
	}, "doc-1")
	return g, procID
}

func TestEnhanceGraftsTacticAndTechnique(t *testing.T) {
	g, procID := procedureGraph(t)
	ttp := &fakeTTPIndex{hits: []store.TTPHit{
		{Tactic: "Credential Access", Technique: "OS Credential Dumping", Similarity: 0.92},
		{Tactic: "Discovery", Technique: "Process Discovery", Similarity: 0.55},
	}}
	en := NewEnhancer(g, fakeEmbedder{}, ttp, EnhancerConfig{})

	report, err := en.Enhance(context.Background())
	if err != nil {
		t.Fatalf("Enhance failed: %v", err)
	}
	if report.ProceduresExamined != 1 || report.ProceduresEnhanced != 1 {
		t.Errorf("report = %+v, want 1 examined, 1 enhanced", report)
	}

	tacticID := graph.EntityID("Tactic", "Credential Access")
	techniqueID := graph.EntityID("Technique", "OS Credential Dumping")
	if _, ok := g.Entity(tacticID); !ok {
		t.Errorf("tactic entity missing")
	}
	if _, ok := g.Entity(techniqueID); !ok {
		t.Errorf("technique entity missing")
	}
	// The below-threshold hit must not be grafted.
	if _, ok := g.Entity(graph.EntityID("Tactic", "Discovery")); ok {
		t.Errorf("below-threshold hit was grafted")
	}

	has, ok := g.Relationship(graph.RelationshipID("HAS", tacticID, techniqueID))
	if !ok {
		t.Fatalf("HAS relationship missing")
	}
	if has.Confidence != 0.92 {
		t.Errorf("HAS confidence = %v, want similarity 0.92", has.Confidence)
	}
	launch, ok := g.Relationship(graph.RelationshipID("LAUNCH", techniqueID, procID))
	if !ok {
		t.Fatalf("LAUNCH relationship missing")
	}
	if launch.TargetID != procID {
		t.Errorf("LAUNCH target = %q, want procedure %q", launch.TargetID, procID)
	}

	if err := g.ValidateInvariants(); err != nil {
		t.Errorf("ValidateInvariants failed after enhancement: %v", err)
	}
}

func TestEnhanceCapsPerProcedure(t *testing.T) {
	g, _ := procedureGraph(t)
	ttp := &fakeTTPIndex{hits: []store.TTPHit{
		{Tactic: "T1", Technique: "Q1", Similarity: 0.95},
		{Tactic: "T2", Technique: "Q2", Similarity: 0.9},
		{Tactic: "T3", Technique: "Q3", Similarity: 0.85},
	}}
	en := NewEnhancer(g, fakeEmbedder{}, ttp, EnhancerConfig{MaxPerProcedure: 2})

	if _, err := en.Enhance(context.Background()); err != nil {
		t.Fatalf("Enhance failed: %v", err)
	}

	if _, ok := g.Entity(graph.EntityID("Tactic", "T3")); ok {
		t.Errorf("third hit grafted although MaxPerProcedure is 2")
	}
	if _, ok := g.Entity(graph.EntityID("Tactic", "T2")); !ok {
		t.Errorf("second hit missing")
	}
}

func TestEnhanceIsIdempotent(t *testing.T) {
	g, _ := procedureGraph(t)
	ttp := &fakeTTPIndex{hits: []store.TTPHit{
		{Tactic: "Credential Access", Technique: "OS Credential Dumping", Similarity: 0.92},
	}}
	en := NewEnhancer(g, fakeEmbedder{}, ttp, EnhancerConfig{})

	if _, err := en.Enhance(context.Background()); err != nil {
		t.Fatalf("first Enhance failed: %v", err)
	}
	entities, relationships := g.EntityCount(), g.RelationshipCount()

	if _, err := en.Enhance(context.Background()); err != nil {
		t.Fatalf("second Enhance failed: %v", err)
	}
	if g.EntityCount() != entities || g.RelationshipCount() != relationships {
		t.Errorf("repeated enhancement grew the graph: %d->%d entities, %d->%d relationships",
			entities, g.EntityCount(), relationships, g.RelationshipCount())
	}
}

func TestEnhanceSkipsNonProcedures(t *testing.T) {
	g := graph.NewGraph()
	g.UpsertEntity(graph.EntityID("Tool", "Mimikatz"), common.Mention{
		ID: "e1", Label: "Tool", Name: "Mimikatz", ChunkID: "c1",
	}, "doc-1")

	ttp := &fakeTTPIndex{hits: []store.TTPHit{
		{Tactic: "Credential Access", Technique: "OS Credential Dumping", Similarity: 0.99},
	}}
	en := NewEnhancer(g, fakeEmbedder{}, ttp, EnhancerConfig{})

	report, err := en.Enhance(context.Background())
	if err != nil {
		t.Fatalf("Enhance failed: %v", err)
	}
	if report.ProceduresExamined != 0 {
		t.Errorf("ProceduresExamined = %d, want 0", report.ProceduresExamined)
	}
	if g.EntityCount() != 1 {
		t.Errorf("graph grew without any procedure entity")
	}
}
