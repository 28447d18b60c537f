package graph

import (
	"errors"
	"sort"
	"sync"

	"github.com/threatgraph/consolidator/pkg/common"
)

// ErrInvariantViolation marks graph corruption detected by
// ValidateInvariants. It indicates a bug in the resolver or consolidator,
// never bad input, and must abort the running batch.
var ErrInvariantViolation = errors.New("graph invariant violation")

// Graph is the canonical knowledge graph: the single source of truth for
// consolidated entities and relationships. All mutations go through the
// assembler operations, which serialize writers behind one mutex; reads for
// snapshotting take a point-in-time copy and never block the writer longer
// than the copy.
type Graph struct {
	mu sync.RWMutex

	entities      map[string]*common.Entity
	relationships map[string]*common.Relationship

	// aliasIndex maps absorbed entity ids, and ids derived from alias names,
	// to the live canonical id. Entries are repointed on merge so chains stay
	// one hop deep.
	aliasIndex map[string]string

	// seq records creation order for deterministic tie-breaking.
	seq     map[string]int
	nextSeq int

	// documents tracks which documents contributed to each entity, used for
	// document-scoped candidate lookup.
	documents map[string]map[string]bool
}

// NewGraph creates an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		entities:      make(map[string]*common.Entity),
		relationships: make(map[string]*common.Relationship),
		aliasIndex:    make(map[string]string),
		seq:           make(map[string]int),
		documents:     make(map[string]map[string]bool),
	}
}

// CanonicalID follows the alias index to the live canonical id for the given
// entity id. Returns "" when the id is unknown.
func (g *Graph) CanonicalID(id string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.canonicalIDLocked(id)
}

func (g *Graph) canonicalIDLocked(id string) string {
	seen := map[string]bool{}
	for id != "" && !seen[id] {
		if _, ok := g.entities[id]; ok {
			return id
		}
		seen[id] = true
		id = g.aliasIndex[id]
	}
	return ""
}

// Entity returns a copy of the canonical entity for the given id, following
// aliases. The second return reports whether it exists.
func (g *Graph) Entity(id string) (common.Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cid := g.canonicalIDLocked(id)
	if cid == "" {
		return common.Entity{}, false
	}
	return copyEntity(g.entities[cid]), true
}

// Relationship returns a copy of the canonical relationship for the given id.
func (g *Graph) Relationship(id string) (common.Relationship, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.relationships[id]
	if !ok {
		return common.Relationship{}, false
	}
	return copyRelationship(r), true
}

// Candidate is a read-only view of an entity offered to the resolver for
// matching. Seq is the creation order used for deterministic tie-breaking.
type Candidate struct {
	ID          string
	Label       string
	Name        string
	Description string
	Aliases     []string
	Seq         int
}

// CandidatesByLabel returns all entities carrying the given normalized label,
// ordered by creation. When documentID is non-empty the result is limited to
// entities with provenance from that document.
func (g *Graph) CandidatesByLabel(normLabel string, documentID string) []Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Candidate
	for id, e := range g.entities {
		if labelKey(e.Label) != normLabel {
			continue
		}
		if documentID != "" && !g.documents[id][documentID] {
			continue
		}
		out = append(out, Candidate{
			ID:          id,
			Label:       e.Label,
			Name:        e.Name,
			Description: e.Description,
			Aliases:     append([]string(nil), e.Aliases...),
			Seq:         g.seq[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// EntityCount returns the number of live canonical entities.
func (g *Graph) EntityCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entities)
}

// RelationshipCount returns the number of canonical relationships.
func (g *Graph) RelationshipCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.relationships)
}

// Snapshot returns a consistent point-in-time deep copy of the graph,
// ordered by id so repeated snapshots of an unchanged graph are identical.
func (g *Graph) Snapshot() common.Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := common.Snapshot{
		Entities:      make([]common.Entity, 0, len(g.entities)),
		Relationships: make([]common.Relationship, 0, len(g.relationships)),
	}
	for _, e := range g.entities {
		snap.Entities = append(snap.Entities, copyEntity(e))
	}
	for _, r := range g.relationships {
		snap.Relationships = append(snap.Relationships, copyRelationship(r))
	}
	sort.Slice(snap.Entities, func(i, j int) bool { return snap.Entities[i].ID < snap.Entities[j].ID })
	sort.Slice(snap.Relationships, func(i, j int) bool { return snap.Relationships[i].ID < snap.Relationships[j].ID })
	return snap
}

// Load restores a graph from persisted canonical records, typically at
// startup. Entities are assigned creation order by id so tie-breaking stays
// deterministic across restarts.
func (g *Graph) Load(snap common.Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entities := append([]common.Entity(nil), snap.Entities...)
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })

	for i := range entities {
		e := copyEntity(&entities[i])
		g.entities[e.ID] = &e
		g.seq[e.ID] = g.nextSeq
		g.nextSeq++
		if nameID := EntityID(e.Label, e.Name); nameID != e.ID {
			g.aliasIndex[nameID] = e.ID
		}
		for _, alias := range e.Aliases {
			aliasID := EntityID(e.Label, alias)
			if aliasID != e.ID {
				g.aliasIndex[aliasID] = e.ID
			}
		}
		for _, mergedID := range e.MergedIDs {
			if mergedID != e.ID {
				g.aliasIndex[mergedID] = e.ID
			}
		}
		for _, p := range e.Provenance {
			g.recordDocumentLocked(e.ID, p.DocumentID)
		}
	}
	for i := range snap.Relationships {
		r := copyRelationship(&snap.Relationships[i])
		g.relationships[r.ID] = &r
	}
}

func (g *Graph) recordDocumentLocked(entityID string, documentID string) {
	if documentID == "" {
		return
	}
	docs, ok := g.documents[entityID]
	if !ok {
		docs = make(map[string]bool)
		g.documents[entityID] = docs
	}
	docs[documentID] = true
}

func copyEntity(e *common.Entity) common.Entity {
	out := *e
	out.Aliases = append([]string(nil), e.Aliases...)
	out.MergedIDs = append([]string(nil), e.MergedIDs...)
	out.Provenance = append([]common.Provenance(nil), e.Provenance...)
	return out
}

func copyRelationship(r *common.Relationship) common.Relationship {
	out := *r
	out.Evidence = append([]string(nil), r.Evidence...)
	return out
}
