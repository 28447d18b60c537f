// Package timing records how long consolidation batches take and predicts
// the duration of future ones from recent history.
package timing

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	StatConsolidate = "consolidate"
	StatIndex       = "index"
)

// RecordBatchTime stores one observation: amount units (chunks or index
// entries) processed in durationMs.
func RecordBatchTime(
	ctx context.Context,
	conn *pgxpool.Pool,
	statType string,
	amount int64,
	durationMs int64,
) error {
	_, err := conn.Exec(ctx, `
		INSERT INTO processing_stats (stat_type, amount, duration_ms)
		VALUES ($1, $2, $3)
	`, statType, amount, durationMs)
	return err
}

// PredictBatchTime estimates the duration in milliseconds for amount units,
// using the average per-unit rate of the most recent observations. Returns 0
// when no history exists yet.
func PredictBatchTime(
	ctx context.Context,
	conn *pgxpool.Pool,
	statType string,
	amount int64,
) (int64, error) {
	var perUnit float64
	err := conn.QueryRow(ctx, `
		SELECT COALESCE(sum(duration_ms)::float8 / NULLIF(sum(amount), 0), 0)
		FROM (
			SELECT duration_ms, amount
			FROM processing_stats
			WHERE stat_type = $1
			ORDER BY created_at DESC
			LIMIT 50
		) recent
	`, statType).Scan(&perUnit)
	if err != nil {
		return 0, err
	}
	return int64(perUnit * float64(amount)), nil
}
