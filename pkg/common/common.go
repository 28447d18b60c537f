package common

// Mention is one occurrence of an entity as extracted from a single chunk,
// before resolution. Mentions are immutable; once resolved they survive only
// as provenance on the canonical entity they resolved to.
type Mention struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ChunkID     string `json:"chunk_id"`
}

// Relation is a raw relationship between two mentions of the same chunk
// payload, before consolidation. Source and Target reference mention ids
// local to that payload.
type Relation struct {
	Type       string  `json:"type"`
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
	ChunkID    string  `json:"chunk_id"`
}

// Provenance links a canonical record back to the chunk and mention it was
// derived from. The ordered provenance sequence on an entity records every
// mention that resolved to it.
type Provenance struct {
	ChunkID     string `json:"chunk_id"`
	DocumentID  string `json:"document_id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Entity is a canonical node in the graph: the deduplicated, merged
// representation of all mentions that resolved to the same real-world thing.
//
// Entities are never deleted, only merged into another entity; the absorbed
// id then becomes a permanent alias of the survivor.
type Entity struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Aliases     []string `json:"aliases"`
	// MergedIDs lists the ids of entities absorbed into this one. They are
	// persisted so absorbed ids keep resolving here across restarts, even
	// when they cannot be re-derived from the surviving label and aliases.
	MergedIDs  []string     `json:"merged_ids,omitempty"`
	Provenance []Provenance `json:"provenance"`
}

// Relationship is a canonical directed edge between two canonical entities,
// keyed by (type, source, target). Repeated observations of the same triple
// merge into one record: Occurrences counts contributing raw relations,
// Evidence is the union of their evidence strings, and Confidence is the
// running maximum of their confidences.
type Relationship struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	SourceID    string   `json:"source_id"`
	TargetID    string   `json:"target_id"`
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"evidence"`
	Occurrences int      `json:"occurrences"`
}

// Snapshot is a consistent point-in-time copy of the whole graph. It shares
// no mutable state with the live graph and is safe to read concurrently with
// further consolidation.
type Snapshot struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}

// IndexEntry is the unit published to the search index: one embedded,
// searchable record per canonical entity or relationship. Entries are
// derived from the graph and rebuildable; the index is never a source of
// truth.
type IndexEntry struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding"`
	Text      string    `json:"text"`
}

// ChunkJob is one unit of pipeline work: a chunk of document text to run
// through extraction and consolidation. When RawOutput is already set the
// extraction call is skipped and the payload is validated directly.
type ChunkJob struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
	RawOutput  string `json:"raw_output,omitempty"`
}
