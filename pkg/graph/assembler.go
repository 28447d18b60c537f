package graph

import (
	"fmt"
	"strings"

	"github.com/threatgraph/consolidator/pkg/common"
)

// ResolvedMention pairs a raw mention with the canonical entity id the
// resolver assigned it.
type ResolvedMention struct {
	Mention  common.Mention
	EntityID string
}

// ResolvedChunk is the fully resolved output of one chunk, ready to be
// committed to the graph. Relation endpoints reference canonical entity ids,
// not mention-local ids.
type ResolvedChunk struct {
	ChunkID    string
	DocumentID string
	Mentions   []ResolvedMention
	Relations  []common.Relation
}

// ChunkDelta reports what committing one chunk changed in the graph.
type ChunkDelta struct {
	EntitiesCreated      int
	EntitiesMerged       int
	RelationshipsCreated int
	RelationshipsMerged  int
	SelfRelationsDropped int
	DanglingDropped      int
}

// Add accumulates another delta into this one.
func (d *ChunkDelta) Add(other ChunkDelta) {
	d.EntitiesCreated += other.EntitiesCreated
	d.EntitiesMerged += other.EntitiesMerged
	d.RelationshipsCreated += other.RelationshipsCreated
	d.RelationshipsMerged += other.RelationshipsMerged
	d.SelfRelationsDropped += other.SelfRelationsDropped
	d.DanglingDropped += other.DanglingDropped
}

// ApplyChunk commits one resolved chunk to the graph as a unit. The whole
// chunk is applied under a single writer lock, so concurrent readers never
// observe a graph derived from half of one chunk's extraction.
func (g *Graph) ApplyChunk(rc *ResolvedChunk) ChunkDelta {
	g.mu.Lock()
	defer g.mu.Unlock()

	var delta ChunkDelta
	for _, rm := range rc.Mentions {
		g.upsertEntityLocked(rm.EntityID, rm.Mention, rc.DocumentID, &delta)
	}
	for _, rel := range rc.Relations {
		g.upsertRelationshipLocked(rel, &delta)
	}
	return delta
}

// UpsertEntity merges a single mention into the entity with the given
// canonical id, creating the entity if it does not exist yet.
func (g *Graph) UpsertEntity(entityID string, mention common.Mention, documentID string) ChunkDelta {
	g.mu.Lock()
	defer g.mu.Unlock()

	var delta ChunkDelta
	g.upsertEntityLocked(entityID, mention, documentID, &delta)
	return delta
}

// UpsertRelationship consolidates one relation whose endpoints are canonical
// entity ids into the graph.
func (g *Graph) UpsertRelationship(rel common.Relation) ChunkDelta {
	g.mu.Lock()
	defer g.mu.Unlock()

	var delta ChunkDelta
	g.upsertRelationshipLocked(rel, &delta)
	return delta
}

func (g *Graph) upsertEntityLocked(entityID string, m common.Mention, documentID string, delta *ChunkDelta) {
	prov := common.Provenance{
		ChunkID:     m.ChunkID,
		DocumentID:  documentID,
		Name:        m.Name,
		Description: m.Description,
	}

	cid := g.canonicalIDLocked(entityID)
	if cid == "" {
		e := &common.Entity{
			ID:          entityID,
			Label:       m.Label,
			Name:        m.Name,
			Description: m.Description,
			Aliases:     []string{},
			Provenance:  []common.Provenance{prov},
		}
		g.entities[entityID] = e
		g.seq[entityID] = g.nextSeq
		g.nextSeq++
		g.recordDocumentLocked(entityID, documentID)
		delta.EntitiesCreated++
		return
	}

	e := g.entities[cid]
	e.Provenance = append(e.Provenance, prov)
	g.adoptNameLocked(e, m.Name)
	e.Description = mergeDescription(e.Description, m.Description)
	g.recordDocumentLocked(cid, documentID)
	delta.EntitiesMerged++
}

// MergeEntities merges entity b into entity a. After the call both ids
// resolve to a's canonical id, b's id is a permanent alias of a, and every
// relationship that referenced b references a instead; relationships whose
// re-keyed key collides with an existing one are merged with the standard
// policy, and relationships that become self-relations are dropped. Merging
// an already-merged pair is a no-op.
func (g *Graph) MergeEntities(a string, b string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ca := g.canonicalIDLocked(a)
	cb := g.canonicalIDLocked(b)
	if ca == "" {
		return fmt.Errorf("cannot merge entities: unknown entity %q", a)
	}
	if cb == "" {
		return fmt.Errorf("cannot merge entities: unknown entity %q", b)
	}
	if ca == cb {
		return nil
	}

	g.mergeEntitiesLocked(ca, cb)
	return nil
}

func (g *Graph) mergeEntitiesLocked(survivorID string, absorbedID string) {
	sv := g.entities[survivorID]
	ab := g.entities[absorbedID]

	sv.Provenance = append(sv.Provenance, ab.Provenance...)
	g.adoptNameLocked(sv, ab.Name)
	sv.Description = mergeDescription(sv.Description, ab.Description)
	for _, alias := range ab.Aliases {
		g.addAliasLocked(sv, alias)
	}

	// Absorbed ids are carried on the survivor so they keep resolving here
	// after a reload, even across labels where they cannot be re-derived.
	sv.MergedIDs = append(sv.MergedIDs, ab.MergedIDs...)
	sv.MergedIDs = append(sv.MergedIDs, absorbedID)

	for doc := range g.documents[absorbedID] {
		g.recordDocumentLocked(survivorID, doc)
	}
	delete(g.documents, absorbedID)
	delete(g.entities, absorbedID)
	delete(g.seq, absorbedID)

	// Repoint everything that led to the absorbed entity so alias chains
	// stay one hop deep.
	g.aliasIndex[absorbedID] = survivorID
	for alias, target := range g.aliasIndex {
		if target == absorbedID {
			g.aliasIndex[alias] = survivorID
		}
	}

	g.rekeyRelationshipsLocked(absorbedID, survivorID)
}

// adoptNameLocked applies the longest-name policy: the entity keeps the
// longer of its current name and the incoming one, and the loser is kept as
// an alias.
func (g *Graph) adoptNameLocked(e *common.Entity, name string) {
	if name == "" || name == e.Name {
		return
	}
	if len(name) > len(e.Name) {
		old := e.Name
		e.Name = name
		if nameID := EntityID(e.Label, name); nameID != e.ID {
			g.aliasIndex[nameID] = e.ID
		}
		g.addAliasLocked(e, old)
		return
	}
	g.addAliasLocked(e, name)
}

func (g *Graph) addAliasLocked(e *common.Entity, alias string) {
	if alias == "" || alias == e.Name {
		return
	}
	for _, existing := range e.Aliases {
		if existing == alias {
			return
		}
	}
	e.Aliases = append(e.Aliases, alias)

	aliasID := EntityID(e.Label, alias)
	if aliasID != e.ID {
		g.aliasIndex[aliasID] = e.ID
	}
}

func mergeDescription(current string, incoming string) string {
	incoming = strings.TrimSpace(incoming)
	if incoming == "" || strings.Contains(current, incoming) {
		return current
	}
	if strings.TrimSpace(current) == "" {
		return incoming
	}
	return current + "\n" + incoming
}

// ValidateInvariants checks the structural invariants of the graph: no
// dangling relationship endpoints, no self-relations, relationship ids that
// match their key, and aliases that map to exactly one live canonical
// entity. Any violation is returned wrapped in ErrInvariantViolation and
// must abort the batch.
func (g *Graph) ValidateInvariants() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for id, e := range g.entities {
		if id == "" || e.ID != id {
			return fmt.Errorf("%w: entity stored under id %q carries id %q", ErrInvariantViolation, id, e.ID)
		}
	}

	for id, r := range g.relationships {
		if _, ok := g.entities[r.SourceID]; !ok {
			return fmt.Errorf("%w: relationship %s has dangling source %q", ErrInvariantViolation, id, r.SourceID)
		}
		if _, ok := g.entities[r.TargetID]; !ok {
			return fmt.Errorf("%w: relationship %s has dangling target %q", ErrInvariantViolation, id, r.TargetID)
		}
		if r.SourceID == r.TargetID {
			return fmt.Errorf("%w: relationship %s is a self-relation on %q", ErrInvariantViolation, id, r.SourceID)
		}
		if want := RelationshipID(r.Type, r.SourceID, r.TargetID); want != id {
			return fmt.Errorf("%w: relationship stored under id %q keyed as %q", ErrInvariantViolation, id, want)
		}
	}

	for alias, target := range g.aliasIndex {
		live, ok := g.entities[target]
		if !ok {
			return fmt.Errorf("%w: alias %q points at absorbed entity %q", ErrInvariantViolation, alias, target)
		}
		if live.ID != target {
			return fmt.Errorf("%w: alias %q resolves ambiguously", ErrInvariantViolation, alias)
		}
	}

	return nil
}
