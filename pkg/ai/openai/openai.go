package openai

import (
	"sync"

	"github.com/threatgraph/consolidator/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// GraphOpenAIClient is a client for the AI models used by the consolidation
// engine. It manages separate OpenAI clients for embeddings and
// chat/completion tasks.
//
// A GraphOpenAIClient should be created using NewGraphOpenAIClient.
type GraphOpenAIClient struct {
	extractionModel string
	embeddingModel  string
	embeddingDim    int
	timeoutMin      int

	chatURL      string
	chatKey      string
	embeddingURL string
	embeddingKey string

	embeddingLock *semaphore.Weighted
	limiter       *rate.Limiter

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewGraphOpenAIClientParams defines the configuration parameters for
// creating a new GraphOpenAIClient.
//
// ExtractionModel specifies the model used for information extraction.
// EmbeddingModel and EmbeddingDimensions configure the embedding model and
// the fixed vector size index entries are padded or truncated to.
// MaxParallelEmbeddings caps concurrent embedding requests; RequestsPerMinute
// rate-limits all outgoing model calls. TimeoutMinutes bounds a single
// embedding request.
type NewGraphOpenAIClientParams struct {
	ExtractionModel     string
	EmbeddingModel      string
	EmbeddingDimensions int

	ChatURL      string
	ChatKey      string
	EmbeddingURL string
	EmbeddingKey string

	MaxParallelEmbeddings int
	RequestsPerMinute     int
	TimeoutMinutes        int
}

// NewGraphOpenAIClient creates and returns a new GraphOpenAIClient configured
// with the provided parameters. It initializes separate OpenAI clients for
// embeddings and chat/completion tasks.
//
// Example:
//
//	params := openai.NewGraphOpenAIClientParams{
//		ExtractionModel:     "gpt-4o-mini",
//		EmbeddingModel:      "text-embedding-3-small",
//		EmbeddingDimensions: 1536,
//		ChatURL:             "https://api.openai.com/v1",
//		ChatKey:             os.Getenv("OPENAI_API_KEY"),
//		EmbeddingURL:        "https://api.openai.com/v1",
//		EmbeddingKey:        os.Getenv("OPENAI_API_KEY"),
//	}
//	client := openai.NewGraphOpenAIClient(params)
func NewGraphOpenAIClient(
	params NewGraphOpenAIClientParams,
) *GraphOpenAIClient {
	chatClient := newOpenaiClient(params.ChatURL, params.ChatKey)
	embedClient := newOpenaiClient(params.EmbeddingURL, params.EmbeddingKey)

	maxParallel := params.MaxParallelEmbeddings
	if maxParallel <= 0 {
		maxParallel = 4
	}
	perMinute := params.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 300
	}
	timeoutMin := params.TimeoutMinutes
	if timeoutMin <= 0 {
		timeoutMin = 5
	}
	dim := params.EmbeddingDimensions
	if dim <= 0 {
		dim = defaultDimensions
	}

	return &GraphOpenAIClient{
		extractionModel: params.ExtractionModel,
		embeddingModel:  params.EmbeddingModel,
		embeddingDim:    dim,
		timeoutMin:      timeoutMin,

		chatURL:      params.ChatURL,
		chatKey:      params.ChatKey,
		embeddingURL: params.EmbeddingURL,
		embeddingKey: params.EmbeddingKey,

		embeddingLock: semaphore.NewWeighted(int64(maxParallel)),
		limiter:       rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), maxParallel),

		metricsLock: sync.Mutex{},
		metrics: ai.ModelMetrics{
			InputTokens:  0,
			OutputTokens: 0,
			TotalTokens:  0,
			DurationMs:   0,
		},

		ChatClient:      chatClient,
		EmbeddingClient: embedClient,
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	if apiKey == "" {
		return nil
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}

func (c *GraphOpenAIClient) modifyMetrics(delta ai.ModelMetrics) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	c.metrics.InputTokens += delta.InputTokens
	c.metrics.OutputTokens += delta.OutputTokens
	c.metrics.TotalTokens += delta.TotalTokens
	c.metrics.DurationMs += delta.DurationMs
}

// GetMetrics returns a copy of the accumulated usage metrics.
func (c *GraphOpenAIClient) GetMetrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	return c.metrics
}

// ResetMetrics clears the accumulated usage metrics.
func (c *GraphOpenAIClient) ResetMetrics() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	c.metrics = ai.ModelMetrics{}
}
