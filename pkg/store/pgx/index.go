package pgx

import (
	"context"

	"github.com/threatgraph/consolidator/pkg/common"
	"github.com/threatgraph/consolidator/pkg/store"

	"github.com/pgvector/pgvector-go"
)

// Upsert writes one index entry, replacing any previous entry with the same
// id. Re-indexing an unchanged record is a harmless overwrite.
func (s *GraphDBStorage) Upsert(ctx context.Context, entry common.IndexEntry) error {
	s.dbLock.Lock()
	defer s.dbLock.Unlock()

	_, err := s.conn.Exec(ctx, `
		INSERT INTO search_index (id, text, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			embedding = EXCLUDED.embedding,
			updated_at = now()
	`, entry.ID, entry.Text, pgvector.NewVector(entry.Embedding))
	return err
}

// Delete removes one index entry. Deleting an unknown id is not an error.
func (s *GraphDBStorage) Delete(ctx context.Context, id string) error {
	s.dbLock.Lock()
	defer s.dbLock.Unlock()

	_, err := s.conn.Exec(ctx, `DELETE FROM search_index WHERE id = $1`, id)
	return err
}

// Prune deletes every index entry whose id is not in keep. Entries for
// records merged away since the last indexing pass are removed here, keeping
// the index a pure derivation of the graph.
func (s *GraphDBStorage) Prune(ctx context.Context, keep []string) error {
	s.dbLock.Lock()
	defer s.dbLock.Unlock()

	_, err := s.conn.Exec(ctx, `DELETE FROM search_index WHERE id <> ALL($1)`, keep)
	return err
}

// Search returns the k index entries nearest to the query vector by cosine
// similarity, most similar first.
func (s *GraphDBStorage) Search(ctx context.Context, vector []float32, k int) ([]store.SearchHit, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, text, 1 - (embedding <=> $1) AS similarity
		FROM search_index
		ORDER BY embedding <=> $1
		LIMIT $2
	`, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []store.SearchHit
	for rows.Next() {
		var hit store.SearchHit
		if err := rows.Scan(&hit.ID, &hit.Text, &hit.Similarity); err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// SearchTTP returns the k reference procedures nearest to the query vector,
// carrying the tactic and technique they are classified under.
func (s *GraphDBStorage) SearchTTP(ctx context.Context, vector []float32, k int) ([]store.TTPHit, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT tactic, technique, 1 - (embedding <=> $1) AS similarity
		FROM ttp_reference
		ORDER BY embedding <=> $1
		LIMIT $2
	`, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []store.TTPHit
	for rows.Next() {
		var hit store.TTPHit
		if err := rows.Scan(&hit.Tactic, &hit.Technique, &hit.Similarity); err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// TTPRecord is one curated reference procedure with its classification,
// loaded into the ttp_reference table for enhancement lookups.
type TTPRecord struct {
	Tactic      string    `json:"tactic"`
	Technique   string    `json:"technique"`
	Description string    `json:"description"`
	Embedding   []float32 `json:"embedding,omitempty"`
}

// SeedTTPReference loads curated reference procedures. Records are keyed by
// (tactic, technique, description), so reseeding the same data is idempotent.
func (s *GraphDBStorage) SeedTTPReference(ctx context.Context, records []TTPRecord) error {
	s.dbLock.Lock()
	defer s.dbLock.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, rec := range records {
		_, err := tx.Exec(ctx, `
			INSERT INTO ttp_reference (tactic, technique, description, embedding)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tactic, technique, description) DO UPDATE SET
				embedding = EXCLUDED.embedding
		`, rec.Tactic, rec.Technique, rec.Description, pgvector.NewVector(rec.Embedding))
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
