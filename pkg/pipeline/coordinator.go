// Package pipeline drives consolidation over a stream of chunk extraction
// jobs: extraction, validation, resolution, serialized graph commits,
// enhancement and indexing, with bounded concurrency and per-chunk retry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/threatgraph/consolidator/pkg/common"
	"github.com/threatgraph/consolidator/pkg/enhance"
	"github.com/threatgraph/consolidator/pkg/extract"
	"github.com/threatgraph/consolidator/pkg/graph"
	"github.com/threatgraph/consolidator/pkg/logger"
	"github.com/threatgraph/consolidator/pkg/store"

	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of one chunk job.
type State string

const (
	StatePending      State = "pending"
	StateExtracting   State = "extracting"
	StateValidating   State = "validating"
	StateResolving    State = "resolving"
	StateConsolidated State = "consolidated"
	StateIndexed      State = "indexed"
	StateFailed       State = "failed"
)

// Extractor is the injected extraction capability: the external model call
// that turns chunk text into raw output. extract.Extractor satisfies it.
type Extractor interface {
	Extract(ctx context.Context, chunkText string) (string, error)
	Reextract(ctx context.Context, chunkText string, reason string) (string, error)
}

// Config tunes the coordinator. Zero values fall back to defaults.
type Config struct {
	// Workers bounds concurrent extraction and resolution. Defaults to 4.
	Workers int
	// MaxValidationRetries is how often a chunk that fails validation is
	// re-prompted before it is marked failed. Defaults to 2.
	MaxValidationRetries int
}

// Coordinator wires the validator, resolver, assembler, enhancer and indexer
// into one pipeline. Extraction and resolution run concurrently across
// chunks; all graph mutations are serialized by the assembler.
type Coordinator struct {
	extractor Extractor
	validator *extract.Validator
	resolver  *graph.Resolver
	graph     *graph.Graph

	// optional stages
	enhancer *enhance.Enhancer
	indexer  *enhance.Indexer
	graphDB  store.GraphStore

	workers    int
	maxRetries int
}

// Option configures optional coordinator stages.
type Option func(*Coordinator)

// WithEnhancer enables the TTP enhancement pass after consolidation.
func WithEnhancer(e *enhance.Enhancer) Option {
	return func(c *Coordinator) { c.enhancer = e }
}

// WithIndexer enables search indexing of the consolidated graph.
func WithIndexer(ix *enhance.Indexer) Option {
	return func(c *Coordinator) { c.indexer = ix }
}

// WithGraphStore persists the graph after each successful batch.
func WithGraphStore(s store.GraphStore) Option {
	return func(c *Coordinator) { c.graphDB = s }
}

// NewCoordinator creates a Coordinator over the given components. The
// extractor may be nil when every job carries raw output already.
func NewCoordinator(
	extractor Extractor,
	validator *extract.Validator,
	resolver *graph.Resolver,
	g *graph.Graph,
	cfg Config,
	opts ...Option,
) *Coordinator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	maxRetries := cfg.MaxValidationRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 2
	}

	c := &Coordinator{
		extractor:  extractor,
		validator:  validator,
		resolver:   resolver,
		graph:      g,
		workers:    workers,
		maxRetries: maxRetries,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ChunkOutcome is the structured per-chunk result surfaced to the caller.
type ChunkOutcome struct {
	ChunkID       string
	State         State
	Retries       int
	FailureReason string
	Delta         graph.ChunkDelta
}

// Report is the per-batch summary: per-chunk outcomes plus aggregate counts
// of graph changes, drops and failures.
type Report struct {
	Chunks []ChunkOutcome
	Delta  graph.ChunkDelta

	ValidationFailures int

	// Indexed counts index entries written by the indexing stage;
	// IndexDurationMs is how long that stage took.
	Indexed          int
	IndexingFailures int
	IndexDurationMs  int64

	MentionsDropped  int
	RelationsDropped int
}

// Run consolidates one batch of chunk jobs into the graph, then enhances,
// persists and indexes it. Recoverable per-chunk failures are isolated and
// reported; an invariant violation aborts the batch with
// graph.ErrInvariantViolation and is never retried.
func (c *Coordinator) Run(ctx context.Context, jobs []common.ChunkJob) (*Report, error) {
	report := &Report{Chunks: make([]ChunkOutcome, len(jobs))}
	var mu sync.Mutex

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(c.workers)
	for i := range jobs {
		idx := i
		job := jobs[i]
		eg.Go(func() error {
			outcome := c.processChunk(ectx, job, report, &mu)

			mu.Lock()
			report.Chunks[idx] = outcome
			report.Delta.Add(outcome.Delta)
			mu.Unlock()

			if ectx.Err() != nil {
				return ectx.Err()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return report, err
	}

	if err := c.graph.ValidateInvariants(); err != nil {
		logger.Error("[Pipeline] invariant violation after consolidation", "err", err)
		return report, err
	}

	if c.enhancer != nil {
		enhanceReport, err := c.enhancer.Enhance(ctx)
		if err != nil {
			return report, fmt.Errorf("enhancement failed: %w", err)
		}
		mu.Lock()
		report.Delta.Add(enhanceReport.Delta)
		mu.Unlock()

		if err := c.graph.ValidateInvariants(); err != nil {
			logger.Error("[Pipeline] invariant violation after enhancement", "err", err)
			return report, err
		}
	}

	snap := c.graph.Snapshot()

	if c.graphDB != nil {
		if err := c.graphDB.SaveGraph(ctx, snap); err != nil {
			return report, fmt.Errorf("failed to persist graph: %w", err)
		}
	}

	if c.indexer != nil {
		indexStart := time.Now()
		indexReport, err := c.indexer.IndexSnapshot(ctx, snap)
		if err != nil {
			return report, fmt.Errorf("indexing failed: %w", err)
		}
		report.Indexed = indexReport.Indexed
		report.IndexingFailures = len(indexReport.Failures)
		report.IndexDurationMs = time.Since(indexStart).Milliseconds()
		for i := range report.Chunks {
			if report.Chunks[i].State == StateConsolidated {
				report.Chunks[i].State = StateIndexed
			}
		}
	}

	logger.Info("[Pipeline] batch finished",
		"chunks", len(jobs),
		"entities_created", report.Delta.EntitiesCreated,
		"entities_merged", report.Delta.EntitiesMerged,
		"relationships_created", report.Delta.RelationshipsCreated,
		"relationships_merged", report.Delta.RelationshipsMerged,
		"validation_failures", report.ValidationFailures,
		"indexing_failures", report.IndexingFailures,
	)
	return report, nil
}

// processChunk walks one job through the state machine up to its graph
// commit. Failures are captured in the outcome, never returned, so sibling
// chunks keep running.
func (c *Coordinator) processChunk(ctx context.Context, job common.ChunkJob, report *Report, mu *sync.Mutex) ChunkOutcome {
	outcome := ChunkOutcome{ChunkID: job.ChunkID, State: StatePending}

	result, ok := c.extractAndValidate(ctx, job, &outcome, report, mu)
	if !ok {
		return outcome
	}

	mu.Lock()
	report.MentionsDropped += result.DroppedMalformedMentions + result.DroppedVocabularyMentions + result.DroppedIsolatedMentions
	report.RelationsDropped += result.DroppedMalformedRelations + result.DroppedVocabularyRelations + result.DroppedDanglingRelations
	mu.Unlock()

	outcome.State = StateResolving
	resolved, err := c.resolver.ResolveChunk(ctx, job.ChunkID, job.DocumentID, result.Mentions, result.Relations)
	if err != nil {
		outcome.State = StateFailed
		outcome.FailureReason = fmt.Sprintf("resolution failed: %v", err)
		logger.Error("[Pipeline] chunk resolution failed", "chunk_id", job.ChunkID, "err", err)
		return outcome
	}

	outcome.Delta = c.graph.ApplyChunk(resolved)
	outcome.State = StateConsolidated
	return outcome
}

// extractAndValidate obtains raw output for the job and validates it,
// re-prompting the model up to the retry limit when validation fails.
func (c *Coordinator) extractAndValidate(
	ctx context.Context,
	job common.ChunkJob,
	outcome *ChunkOutcome,
	report *Report,
	mu *sync.Mutex,
) (*extract.Result, bool) {
	raw := job.RawOutput
	reason := ""

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			outcome.State = StateFailed
			outcome.FailureReason = ctx.Err().Error()
			return nil, false
		}

		if raw == "" {
			outcome.State = StateExtracting
			var err error
			raw, err = c.extractRaw(ctx, job, reason)
			if err != nil {
				outcome.State = StateFailed
				outcome.FailureReason = fmt.Sprintf("extraction failed: %v", err)
				logger.Error("[Pipeline] extraction failed", "chunk_id", job.ChunkID, "err", err)
				return nil, false
			}
		}

		outcome.State = StateValidating
		result, err := c.validator.Validate(job.ChunkID, raw)
		if err == nil {
			return result, true
		}

		mu.Lock()
		report.ValidationFailures++
		mu.Unlock()

		var vErr *extract.ValidationError
		if !errors.As(err, &vErr) {
			outcome.State = StateFailed
			outcome.FailureReason = err.Error()
			return nil, false
		}
		logger.Warn("[Pipeline] chunk failed validation",
			"chunk_id", job.ChunkID, "attempt", attempt+1, "reason", vErr.Reason)

		if c.extractor == nil || job.Text == "" {
			// Nothing to re-prompt with.
			outcome.State = StateFailed
			outcome.FailureReason = vErr.Reason
			return nil, false
		}
		reason = vErr.Reason
		if attempt == c.maxRetries {
			break
		}

		// Force a fresh extraction on the next attempt.
		raw = ""
		outcome.Retries++
	}

	outcome.State = StateFailed
	outcome.FailureReason = fmt.Sprintf("validation failed after %d attempts: %s", c.maxRetries+1, reason)
	return nil, false
}

func (c *Coordinator) extractRaw(ctx context.Context, job common.ChunkJob, reason string) (string, error) {
	if c.extractor == nil {
		return "", fmt.Errorf("job carries no raw output and no extractor is configured")
	}
	if reason != "" {
		return c.extractor.Reextract(ctx, job.Text, reason)
	}
	return c.extractor.Extract(ctx, job.Text)
}
