package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/knowledge-assistant/backend/internal/apperrors"
	"github.com/knowledge-assistant/backend/internal/metrics"
	"github.com/knowledge-assistant/backend/pkg/circuitbreaker"
	"github.com/knowledge-assistant/backend/pkg/logger"
	"github.com/knowledge-assistant/backend/pkg/retry"
)

type Config struct {
	APIKey string
	// BaseURL points at any OpenAI-compatible server. Empty means api.openai.com.
	BaseURL          string
	Model            string
	Temperature      float32
	MaxTokens        int
	Timeout          time.Duration
	EmbeddingModel   string
	EmbeddingDim     int
	EmbeddingTimeout time.Duration
	EmbeddingBatch   int
}

// Client is an OpenAI-compatible Embedder and Generator.
type Client struct {
	client           *openai.Client
	model            string
	embeddingModel   string
	dim              int
	temperature      float32
	maxTokens        int
	timeout          time.Duration
	embeddingTimeout time.Duration
	batchSize        int
	cb               *circuitbreaker.CircuitBreaker
	retryConfig      retry.Config
}

func NewClient(cfg Config) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        isTransient,
		OnStateChange:    metrics.ObserveBreaker,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		ShouldRetry:    isTransient,
		Logger:         logger.GetLogger(),
	}

	c := &Client{
		client:           openai.NewClientWithConfig(clientConfig),
		model:            cfg.Model,
		embeddingModel:   cfg.EmbeddingModel,
		dim:              cfg.EmbeddingDim,
		temperature:      cfg.Temperature,
		maxTokens:        cfg.MaxTokens,
		timeout:          cfg.Timeout,
		embeddingTimeout: cfg.EmbeddingTimeout,
		batchSize:        cfg.EmbeddingBatch,
		cb:               cb,
		retryConfig:      retryConfig,
	}
	if c.timeout == 0 {
		c.timeout = 60 * time.Second
	}
	if c.embeddingTimeout == 0 {
		c.embeddingTimeout = 30 * time.Second
	}
	if c.batchSize <= 0 {
		c.batchSize = 100
	}

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
		zap.Int("embedding_dim", cfg.EmbeddingDim),
	)

	return c
}

// isTransient reports whether a provider error is worth retrying. Client
// errors such as 400 and 401 are not.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return true
}

// classify attaches the service sentinel, and ErrTimeout when the deadline ran out.
func classify(ctx context.Context, service error, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, service, apperrors.ErrTimeout)
	}
	return fmt.Errorf("%s: %w: %w", op, service, err)
}

func (c *Client) Dimension() int {
	return c.dim
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *Client) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.embeddingTimeout)
	defer cancel()

	embeddings := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += c.batchSize {
		end := i + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		var resp openai.EmbeddingResponse
		err := c.cb.Execute(ctx, func() error {
			return retry.Do(ctx, c.retryConfig, func() error {
				var err error
				resp, err = c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
					Input: batch,
					Model: openai.EmbeddingModel(c.embeddingModel),
				})
				return err
			})
		})
		if err != nil {
			return nil, classify(ctx, apperrors.ErrEmbeddingService, "failed to generate embeddings", err)
		}

		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("embedding service returned %d vectors for %d inputs: %w",
				len(resp.Data), len(batch), apperrors.ErrEmbeddingService)
		}

		// the API does not promise response order
		sort.Slice(resp.Data, func(a, b int) bool { return resp.Data[a].Index < resp.Data[b].Index })

		for _, data := range resp.Data {
			if len(data.Embedding) != c.dim {
				return nil, fmt.Errorf("model %s returned dimension %d, configured %d: %w",
					c.embeddingModel, len(data.Embedding), c.dim, apperrors.ErrDimensionMismatch)
			}
			embeddings = append(embeddings, data.Embedding)
		}

		metrics.LLMTokensUsed.WithLabelValues(c.embeddingModel, "embedding").Add(float64(resp.Usage.TotalTokens))
	}

	logger.Debug("Embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}

func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp openai.ChatCompletionResponse
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			var err error
			resp, err = c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model: c.model,
				Messages: []openai.ChatCompletionMessage{
					{Role: openai.ChatMessageRoleUser, Content: prompt},
				},
				Temperature: c.temperature,
				MaxTokens:   c.maxTokens,
			})
			return err
		})
	})
	if err != nil {
		return "", classify(ctx, apperrors.ErrGenerationService, "failed to generate answer", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices: %w", apperrors.ErrGenerationService)
	}

	metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))

	logger.Debug("LLM completion generated",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	return resp.Choices[0].Message.Content, nil
}
