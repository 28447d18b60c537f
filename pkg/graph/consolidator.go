package graph

import (
	"strings"

	"github.com/threatgraph/consolidator/pkg/common"
	"github.com/threatgraph/consolidator/pkg/logger"
)

// upsertRelationshipLocked consolidates one relation with canonical endpoint
// ids into the graph. Relationships are keyed by (normalized type, source,
// target); repeated observations of the same triple increment the occurrence
// count, union the evidence, and keep the running maximum confidence. One
// strong observation must not be diluted by many weak ones, so the maximum
// wins over an average.
func (g *Graph) upsertRelationshipLocked(rel common.Relation, delta *ChunkDelta) {
	src := g.canonicalIDLocked(rel.Source)
	tgt := g.canonicalIDLocked(rel.Target)
	if src == "" || tgt == "" {
		delta.DanglingDropped++
		logger.Error("[Consolidate] dropped relation with unknown endpoint",
			"type", rel.Type, "source", rel.Source, "target", rel.Target)
		return
	}
	if src == tgt {
		delta.SelfRelationsDropped++
		logger.Warn("[Consolidate] dropped self-relation", "type", rel.Type, "entity_id", src)
		return
	}

	id := RelationshipID(rel.Type, src, tgt)
	if existing, ok := g.relationships[id]; ok {
		existing.Occurrences++
		existing.Evidence = unionEvidence(existing.Evidence, rel.Evidence)
		if rel.Confidence > existing.Confidence {
			existing.Confidence = rel.Confidence
		}
		delta.RelationshipsMerged++
		return
	}

	g.relationships[id] = &common.Relationship{
		ID:          id,
		Type:        rel.Type,
		SourceID:    src,
		TargetID:    tgt,
		Confidence:  rel.Confidence,
		Evidence:    unionEvidence(nil, rel.Evidence),
		Occurrences: 1,
	}
	delta.RelationshipsCreated++
}

// rekeyRelationshipsLocked rewrites every relationship referencing oldID to
// reference newID instead, as part of an entity merge. A relationship whose
// rewritten key collides with an existing one is merged with the standard
// policy; a relationship that becomes a self-relation is dropped.
func (g *Graph) rekeyRelationshipsLocked(oldID string, newID string) {
	for id, r := range g.relationships {
		if r.SourceID != oldID && r.TargetID != oldID {
			continue
		}
		delete(g.relationships, id)

		src, tgt := r.SourceID, r.TargetID
		if src == oldID {
			src = newID
		}
		if tgt == oldID {
			tgt = newID
		}
		if src == tgt {
			logger.Warn("[Merge] dropped relationship that became self-relation",
				"type", r.Type, "entity_id", src)
			continue
		}

		rekeyed := RelationshipID(r.Type, src, tgt)
		if existing, ok := g.relationships[rekeyed]; ok {
			existing.Occurrences += r.Occurrences
			for _, ev := range r.Evidence {
				existing.Evidence = unionEvidence(existing.Evidence, ev)
			}
			if r.Confidence > existing.Confidence {
				existing.Confidence = r.Confidence
			}
			continue
		}

		r.ID = rekeyed
		r.SourceID = src
		r.TargetID = tgt
		g.relationships[rekeyed] = r
	}
}

func unionEvidence(evidence []string, incoming string) []string {
	incoming = strings.TrimSpace(incoming)
	if incoming == "" {
		return evidence
	}
	for _, ev := range evidence {
		if ev == incoming {
			return evidence
		}
	}
	return append(evidence, incoming)
}
