package pgx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/threatgraph/consolidator/pkg/common"
	"github.com/threatgraph/consolidator/pkg/logger"
	"github.com/threatgraph/consolidator/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

const graphChunk = 250

const upsertEntitySQL = `
	INSERT INTO entities (id, label, name, description, aliases, merged_ids, provenance)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE SET
		label = EXCLUDED.label,
		name = EXCLUDED.name,
		description = EXCLUDED.description,
		aliases = EXCLUDED.aliases,
		merged_ids = EXCLUDED.merged_ids,
		provenance = EXCLUDED.provenance,
		updated_at = now()
`

const upsertRelationshipSQL = `
	INSERT INTO relationships (id, type, source_id, target_id, confidence, evidence, occurrences)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE SET
		type = EXCLUDED.type,
		source_id = EXCLUDED.source_id,
		target_id = EXCLUDED.target_id,
		confidence = EXCLUDED.confidence,
		evidence = EXCLUDED.evidence,
		occurrences = EXCLUDED.occurrences,
		updated_at = now()
`

// SaveGraph replaces the persisted graph with the given snapshot inside one
// transaction: every record is upserted by its stable id, then rows absent
// from the snapshot are removed. Stable ids make repeated saves of the same
// snapshot idempotent.
func (s *GraphDBStorage) SaveGraph(ctx context.Context, snap common.Snapshot) error {
	s.dbLock.Lock()
	defer s.dbLock.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	entityIDs := make([]string, 0, len(snap.Entities))
	err = store.ChunkRange(len(snap.Entities), graphChunk, func(start, end int) error {
		part := snap.Entities[start:end]
		logger.Debug("[Store][SaveGraph] Upserting entities", "count", len(part))

		batch := &pgxv5.Batch{}
		for _, e := range part {
			if e.ID == "" {
				return fmt.Errorf("entity id is empty")
			}
			prov, err := json.Marshal(e.Provenance)
			if err != nil {
				return fmt.Errorf("failed to encode provenance for %s: %w", e.ID, err)
			}
			mergedIDs := e.MergedIDs
			if mergedIDs == nil {
				mergedIDs = []string{}
			}
			batch.Queue(upsertEntitySQL, e.ID, e.Label, e.Name, e.Description, e.Aliases, mergedIDs, prov)
			entityIDs = append(entityIDs, e.ID)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return err
	}

	relationshipIDs := make([]string, 0, len(snap.Relationships))
	err = store.ChunkRange(len(snap.Relationships), graphChunk, func(start, end int) error {
		part := snap.Relationships[start:end]
		logger.Debug("[Store][SaveGraph] Upserting relationships", "count", len(part))

		batch := &pgxv5.Batch{}
		for _, r := range part {
			if r.ID == "" {
				return fmt.Errorf("relationship id is empty")
			}
			batch.Queue(upsertRelationshipSQL, r.ID, r.Type, r.SourceID, r.TargetID, r.Confidence, r.Evidence, r.Occurrences)
			relationshipIDs = append(relationshipIDs, r.ID)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return err
	}

	// Records merged away since the last save are gone from the snapshot and
	// must not linger in the database.
	if _, err := tx.Exec(ctx, `DELETE FROM relationships WHERE id <> ALL($1)`, relationshipIDs); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM entities WHERE id <> ALL($1)`, entityIDs); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// LoadGraph reads the full persisted graph back into a snapshot.
func (s *GraphDBStorage) LoadGraph(ctx context.Context) (common.Snapshot, error) {
	var snap common.Snapshot

	rows, err := s.conn.Query(ctx, `
		SELECT id, label, name, description, aliases, merged_ids, provenance
		FROM entities
		ORDER BY id
	`)
	if err != nil {
		return snap, err
	}
	defer rows.Close()
	for rows.Next() {
		var e common.Entity
		var prov []byte
		if err := rows.Scan(&e.ID, &e.Label, &e.Name, &e.Description, &e.Aliases, &e.MergedIDs, &prov); err != nil {
			return snap, err
		}
		if len(prov) > 0 {
			if err := json.Unmarshal(prov, &e.Provenance); err != nil {
				return snap, fmt.Errorf("failed to decode provenance for %s: %w", e.ID, err)
			}
		}
		snap.Entities = append(snap.Entities, e)
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	relRows, err := s.conn.Query(ctx, `
		SELECT id, type, source_id, target_id, confidence, evidence, occurrences
		FROM relationships
		ORDER BY id
	`)
	if err != nil {
		return snap, err
	}
	defer relRows.Close()
	for relRows.Next() {
		var r common.Relationship
		if err := relRows.Scan(&r.ID, &r.Type, &r.SourceID, &r.TargetID, &r.Confidence, &r.Evidence, &r.Occurrences); err != nil {
			return snap, err
		}
		snap.Relationships = append(snap.Relationships, r)
	}
	return snap, relRows.Err()
}
