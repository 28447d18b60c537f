package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/threatgraph/consolidator/internal/queue"
	"github.com/threatgraph/consolidator/internal/util"

	"github.com/threatgraph/consolidator/pkg/ai"
	gai "github.com/threatgraph/consolidator/pkg/ai/openai"
	"github.com/threatgraph/consolidator/pkg/common"
	"github.com/threatgraph/consolidator/pkg/enhance"
	"github.com/threatgraph/consolidator/pkg/extract"
	"github.com/threatgraph/consolidator/pkg/graph"
	"github.com/threatgraph/consolidator/pkg/leaselock"
	"github.com/threatgraph/consolidator/pkg/logger"
	"github.com/threatgraph/consolidator/pkg/logger/console"
	"github.com/threatgraph/consolidator/pkg/pipeline"
	pgxstore "github.com/threatgraph/consolidator/pkg/store/pgx"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

func main() {
	batchFile := flag.String("file", "", "consolidate a JSON file of chunk jobs and exit")
	seedTTP := flag.String("seed-ttp", "", "seed the TTP reference from a JSON file and exit")
	flag.Parse()

	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	// GraphAiClient
	aiClient := gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
		ExtractionModel:     util.GetEnv("AI_EXTRACT_MODEL"),
		EmbeddingModel:      util.GetEnv("AI_EMBED_MODEL"),
		EmbeddingDimensions: int(util.GetEnvNumeric("AI_EMBED_DIMENSIONS", 0)),

		ChatURL:      util.GetEnv("AI_CHAT_URL"),
		ChatKey:      util.GetEnv("AI_CHAT_KEY"),
		EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
		EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),

		MaxParallelEmbeddings: int(util.GetEnvNumeric("AI_MAX_PARALLEL_EMBEDDINGS", 0)),
		RequestsPerMinute:     int(util.GetEnvNumeric("AI_REQUESTS_PER_MINUTE", 0)),
	})

	// Init pgx client with pgvector types
	dbURL := util.GetEnv("DATABASE_URL")
	poolCfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		logger.Fatal("Invalid database URL", "err", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pgConn, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	if err := pgxstore.RunMigrations(dbURL); err != nil {
		logger.Fatal("Failed to run migrations", "err", err)
	}

	storage := pgxstore.NewGraphDBStorage(pgConn)

	if *seedTTP != "" {
		if err := seedTTPReference(ctx, aiClient, storage, *seedTTP); err != nil {
			logger.Fatal("TTP seeding failed", "err", err)
		}
		return
	}

	// Restore the persisted graph
	g := graph.NewGraph()
	snap, err := storage.LoadGraph(ctx)
	if err != nil {
		logger.Fatal("Failed to load graph", "err", err)
	}
	g.Load(snap)
	logger.Info("Graph restored", "entities", g.EntityCount(), "relationships", g.RelationshipCount())

	coordinator := buildCoordinator(aiClient, g, storage)
	locks := leaselock.New(pgConn)

	if *batchFile != "" {
		if err := runBatchFile(ctx, coordinator, locks, pgConn, *batchFile); err != nil {
			logger.Fatal("Batch run failed", "err", err)
		}
		return
	}

	// Init rabbitmq
	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, []string{queue.ConsolidateQueue}); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	// One message at a time; batches serialize on the consolidation lease
	// anyway, so prefetching buys nothing.
	if err := consumerCh.Qos(1, 0, true); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := consumerCh.Consume(
		queue.ConsolidateQueue,
		queue.ConsolidateQueue+"_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "err", err)
	}

	logger.Info("Listening for messages", "queue", queue.ConsolidateQueue)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, exiting...")
			return
		case msg, ok := <-msgs:
			if !ok {
				logger.Info("Message channel closed")
				return
			}
			startTime := time.Now()
			logger.Info("Received message", "batch_id", msg.CorrelationId)

			processingErr := queue.ProcessConsolidateMessage(ctx, coordinator, locks, pgConn, string(msg.Body))
			if processingErr != nil {
				logger.Error("Error processing message", "err", processingErr)
				handleProcessingError(consumerCh, msg, processingErr)
			} else {
				if err := msg.Ack(false); err != nil {
					logger.Error("Failed to ack message", "err", err)
				}
				logger.Info("Message processed successfully", "batch_id", msg.CorrelationId)
			}

			logAIMetrics(aiClient)
			logger.Info("Processing time", "duration", time.Since(startTime).Round(time.Second))
			logger.Info("Waiting for next message")
			aiClient.ResetMetrics()
		}
	}
}

func buildCoordinator(aiClient ai.Client, g *graph.Graph, storage *pgxstore.GraphDBStorage) *pipeline.Coordinator {
	entityVocab := envList("ENTITY_VOCABULARY", extract.DefaultEntityVocabulary)
	relationVocab := envList("RELATION_VOCABULARY", extract.DefaultRelationVocabulary)

	validator := extract.NewValidator(extract.ValidatorConfig{
		DefaultConfidence:  util.GetEnvNumeric("DEFAULT_CONFIDENCE", 0.5),
		EntityVocabulary:   entityVocab,
		RelationVocabulary: relationVocab,
		DropIsolated:       util.GetEnvBool("DROP_ISOLATED_MENTIONS", false),
	})
	resolver := graph.NewResolver(g, aiClient, graph.ResolverConfig{
		SimilarityThreshold: util.GetEnvNumeric("SIMILARITY_THRESHOLD", 0.85),
		SameDocumentOnly:    util.GetEnvBool("SAME_DOCUMENT_ONLY", false),
	})
	extractor := extract.NewExtractor(aiClient, extract.ExtractorConfig{
		EntityVocabulary:   entityVocab,
		RelationVocabulary: relationVocab,
		StructuredOutput:   util.GetEnvBool("AI_STRUCTURED_OUTPUT", true),
	})
	indexer := enhance.NewIndexer(storage, aiClient, enhance.IndexerConfig{
		Parallelism: int(util.GetEnvNumeric("INDEX_PARALLELISM", 0)),
	})

	opts := []pipeline.Option{
		pipeline.WithGraphStore(storage),
		pipeline.WithIndexer(indexer),
	}
	if util.GetEnvBool("TTP_ENHANCEMENT", true) {
		enhancer := enhance.NewEnhancer(g, aiClient, storage, enhance.EnhancerConfig{
			SimilarityThreshold: util.GetEnvNumeric("TTP_SIMILARITY_THRESHOLD", 0.7),
			TopK:                int(util.GetEnvNumeric("TTP_TOP_K", 0)),
			MaxPerProcedure:     int(util.GetEnvNumeric("TTP_MAX_PER_PROCEDURE", 0)),
		})
		opts = append(opts, pipeline.WithEnhancer(enhancer))
	}

	return pipeline.NewCoordinator(extractor, validator, resolver, g, pipeline.Config{
		Workers:              int(util.GetEnvNumeric("WORKERS", 0)),
		MaxValidationRetries: int(util.GetEnvNumeric("MAX_VALIDATION_RETRIES", 0)),
	}, opts...)
}

// envList reads a comma-separated env var, falling back to def when unset.
func envList(key string, def []string) []string {
	raw := util.GetEnv(key)
	if raw == "" {
		return def
	}
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// runBatchFile consolidates a JSON array of chunk jobs from disk, for
// offline runs without a broker.
func runBatchFile(
	ctx context.Context,
	coordinator *pipeline.Coordinator,
	locks *leaselock.Client,
	pool *pgxpool.Pool,
	path string,
) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read batch file: %w", err)
	}
	var jobs []common.ChunkJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("failed to decode batch file: %w", err)
	}

	body, err := json.Marshal(queue.ConsolidateMessage{BatchID: "batch-file", Jobs: jobs})
	if err != nil {
		return err
	}
	logger.Info("Consolidating batch file", "path", path, "chunks", len(jobs))
	return queue.ProcessConsolidateMessage(ctx, coordinator, locks, pool, string(body))
}

// seedTTPReference loads curated tactic/technique procedures from a JSON
// file, embeds their descriptions and writes them to the reference table the
// enhancement stage searches.
func seedTTPReference(ctx context.Context, aiClient ai.Client, storage *pgxstore.GraphDBStorage, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read TTP reference file: %w", err)
	}
	var records []pgxstore.TTPRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to decode TTP reference file: %w", err)
	}
	if len(records) == 0 {
		return fmt.Errorf("TTP reference file %s contains no records", path)
	}

	texts := make([]string, len(records))
	for i, rec := range records {
		texts[i] = rec.Description
	}
	vecs, err := aiClient.GenerateEmbeddings(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed TTP reference records: %w", err)
	}
	for i := range records {
		records[i].Embedding = vecs[i]
	}

	if err := storage.SeedTTPReference(ctx, records); err != nil {
		return err
	}
	logger.Info("TTP reference seeded", "records", len(records), "path", path)
	return nil
}

// handleProcessingError routes a failed message: invariant violations are
// never retried and go straight to the DLQ, everything else bounces through
// the retry queue until the retry budget is spent.
func handleProcessingError(ch *amqp.Channel, msg amqp.Delivery, processingErr error) {
	retries := 0
	if val, ok := msg.Headers["x-retries"]; ok {
		if v, ok := val.(int32); ok {
			retries = int(v)
		}
	}

	if retries >= 10 || errors.Is(processingErr, graph.ErrInvariantViolation) {
		dlqName := queue.ConsolidateQueue + "_dlq"
		logger.Info("Sending message to DLQ", "dlq", dlqName)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
		return
	}

	retryName := queue.ConsolidateQueue + "_retry"
	headers := msg.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	headers["x-retries"] = retries + 1

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}

func logAIMetrics(aiClient ai.Client) {
	metrics := aiClient.GetMetrics()
	aiDuration := time.Duration(metrics.DurationMs) * time.Millisecond
	logger.Info(
		"AI Metrics",
		"input_tokens", metrics.InputTokens,
		"output_tokens", metrics.OutputTokens,
		"total_tokens", metrics.TotalTokens,
		"duration", aiDuration.Round(time.Second),
	)
}
