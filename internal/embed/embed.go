// Package embed provides batch embedding generation via an external
// OpenAI-compatible embeddings API.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/julesdesai/writing-anima/internal/config"
	"github.com/julesdesai/writing-anima/internal/logging"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailure indicates the upstream model failed or returned
	// malformed output.
	ErrEmbeddingFailure = errors.New("embedding generation failed")
)

// Client generates fixed-dimension embeddings for text.
type Client interface {
	// EmbedBatch embeds an ordered batch of texts. The result has exactly one
	// vector per input; any upstream failure fails the whole batch.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension for the configured model.
	Dimension() int
}

// HTTPClient talks to an OpenAI-compatible /v1/embeddings endpoint.
type HTTPClient struct {
	cfg     config.EmbeddingConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *logging.Logger
	metrics *Metrics
}

// NewHTTPClient creates an embeddings client from config.
func NewHTTPClient(cfg config.EmbeddingConfig, logger *logging.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Timeout.Duration() <= 0 {
		cfg.Timeout = config.Duration(30 * time.Second)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &HTTPClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout.Duration()},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger.Named("embed"),
		metrics: NewMetrics(logger.Underlying()),
	}, nil
}

// Dimension returns the configured embedding dimension.
func (c *HTTPClient) Dimension() int {
	return c.cfg.Dimension
}

// EmbedQuery embeds a single query string.
func (c *HTTPClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds an ordered batch of texts. Oversized batches are split to
// honor the per-request limit; a failure in any sub-batch fails the whole call
// so callers never see silent holes.
func (c *HTTPClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	var batchErr error
	defer func() {
		c.metrics.RecordGeneration(ctx, c.cfg.Model, "embed_batch", time.Since(start), len(texts), batchErr)
	}()

	if len(texts) == 0 {
		batchErr = fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
		return nil, batchErr
	}

	vectors := make([][]float32, 0, len(texts))
	for offset := 0; offset < len(texts); offset += c.cfg.BatchSize {
		end := offset + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		sub, err := c.embedOnce(ctx, texts[offset:end])
		if err != nil {
			batchErr = err
			return nil, err
		}
		vectors = append(vectors, sub...)
	}

	return vectors, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// embedOnce embeds a single sub-batch with retries on transient errors.
func (c *HTTPClient) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Second * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		vectors, err := c.doRequest(ctx, texts)
		if err == nil {
			return vectors, nil
		}

		lastErr = err
		var transient *transientError
		if !errors.As(err, &transient) {
			return nil, err
		}
		c.logger.Warn(ctx, "embedding request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return nil, fmt.Errorf("%w: retries exhausted: %v", ErrEmbeddingFailure, lastErr)
}

func (c *HTTPClient) doRequest(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(embeddingRequest{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey.IsSet() {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey.Value())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &transientError{err: fmt.Errorf("%w: %v", ErrEmbeddingFailure, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transientError{err: fmt.Errorf("%w: reading response: %v", ErrEmbeddingFailure, err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &transientError{err: fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailure, resp.StatusCode, truncate(respBody, 200))}
	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailure, resp.StatusCode, truncate(respBody, 200))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrEmbeddingFailure, err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrEmbeddingFailure, len(parsed.Data), len(texts))
	}

	// The API may return entries out of order; place by index.
	vectors := make([][]float32, len(texts))
	for _, entry := range parsed.Data {
		if entry.Index < 0 || entry.Index >= len(texts) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrEmbeddingFailure, entry.Index)
		}
		if len(entry.Embedding) != c.cfg.Dimension {
			return nil, fmt.Errorf("%w: dimension %d does not match configured %d", ErrEmbeddingFailure, len(entry.Embedding), c.cfg.Dimension)
		}
		vectors[entry.Index] = entry.Embedding
	}
	for i, vector := range vectors {
		if vector == nil {
			return nil, fmt.Errorf("%w: missing embedding for input %d", ErrEmbeddingFailure, i)
		}
	}

	return vectors, nil
}

// transientError marks errors worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func truncate(body []byte, max int) string {
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
