package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/threatgraph/consolidator/internal/timing"
	"github.com/threatgraph/consolidator/pkg/leaselock"
	"github.com/threatgraph/consolidator/pkg/logger"
	"github.com/threatgraph/consolidator/pkg/pipeline"

	"github.com/jackc/pgx/v5/pgxpool"
)

// consolidationLeaseKey serializes batch consolidation across workers. The
// persisted graph is saved whole after each batch, so two concurrent batches
// would overwrite each other's merges.
const consolidationLeaseKey = "graph-consolidation"

// ProcessConsolidateMessage runs one queued batch through the coordinator
// under the consolidation lease. The returned error decides retry routing in
// the consumer; per-chunk failures are already isolated inside the report.
func ProcessConsolidateMessage(
	ctx context.Context,
	coordinator *pipeline.Coordinator,
	locks *leaselock.Client,
	pool *pgxpool.Pool,
	body string,
) error {
	var msg ConsolidateMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return fmt.Errorf("failed to decode consolidate message: %w", err)
	}
	if len(msg.Jobs) == 0 {
		logger.Warn("[Queue] Consolidate message with no jobs", "batch_id", msg.BatchID)
		return nil
	}

	if pool != nil {
		eta, err := timing.PredictBatchTime(ctx, pool, timing.StatConsolidate, int64(len(msg.Jobs)))
		if err != nil {
			logger.Debug("[Queue] No batch time prediction", "err", err)
		} else if eta > 0 {
			logger.Info("[Queue] Predicted batch time",
				"batch_id", msg.BatchID, "chunks", len(msg.Jobs), "eta", time.Duration(eta)*time.Millisecond)
		}
	}

	run := func(ctx context.Context) error {
		start := time.Now()
		report, err := coordinator.Run(ctx, msg.Jobs)
		if report != nil {
			logChunkFailures(msg.BatchID, report)
		}
		if err != nil {
			return err
		}

		if pool != nil {
			if err := timing.RecordBatchTime(ctx, pool, timing.StatConsolidate, int64(len(msg.Jobs)), time.Since(start).Milliseconds()); err != nil {
				logger.Error("[Queue] Failed to record batch time", "err", err)
			}
			if report.Indexed > 0 {
				if err := timing.RecordBatchTime(ctx, pool, timing.StatIndex, int64(report.Indexed), report.IndexDurationMs); err != nil {
					logger.Error("[Queue] Failed to record index time", "err", err)
				}
			}
		}
		return nil
	}

	if locks == nil {
		return run(ctx)
	}
	return locks.WithLease(ctx, consolidationLeaseKey, leaselock.Options{Wait: true}, run)
}

func logChunkFailures(batchID string, report *pipeline.Report) {
	for _, chunk := range report.Chunks {
		if chunk.State != pipeline.StateFailed {
			continue
		}
		logger.Error("[Queue] Chunk failed",
			"batch_id", batchID,
			"chunk_id", chunk.ChunkID,
			"retries", chunk.Retries,
			"reason", chunk.FailureReason,
		)
	}
}
