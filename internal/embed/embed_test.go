package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julesdesai/writing-anima/internal/config"
	"github.com/julesdesai/writing-anima/internal/logging"
)

func testConfig(baseURL string) config.EmbeddingConfig {
	return config.EmbeddingConfig{
		BaseURL:    baseURL,
		Model:      "test-embedding",
		Dimension:  3,
		BatchSize:  2,
		MaxRetries: 2,
		Timeout:    config.Duration(5 * time.Second),
	}
}

func embeddingHandler(t *testing.T, requestCount *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := embeddingResponse{}
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: []float32{float32(i), 1, 2}})
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestEmbedBatchSplitsRequests(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(embeddingHandler(t, &requests))
	defer srv.Close()

	c, err := NewHTTPClient(testConfig(srv.URL), logging.NewNop())
	require.NoError(t, err)

	vectors, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Len(t, vectors, 5)
	// Batch size 2 over 5 inputs: three requests.
	assert.Equal(t, int64(3), requests.Load())
	for _, vector := range vectors {
		assert.Len(t, vector, 3)
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	c, err := NewHTTPClient(testConfig("http://localhost:1"), logging.NewNop())
	require.NoError(t, err)

	_, err = c.EmbedBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestEmbedBatchRetriesTransient(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		embeddingHandler(t, new(atomic.Int64))(w, r)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(testConfig(srv.URL), logging.NewNop())
	require.NoError(t, err)

	vectors, err := c.EmbedBatch(context.Background(), []string{"one"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, int64(2), requests.Load())
}

func TestEmbedBatchPermanentErrorFailsFast(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(testConfig(srv.URL), logging.NewNop())
	require.NoError(t, err)

	_, err = c.EmbedBatch(context.Background(), []string{"one"})
	assert.ErrorIs(t, err, ErrEmbeddingFailure)
	assert.Equal(t, int64(1), requests.Load(), "4xx must not be retried")
}

func TestEmbedBatchDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{1, 2}}},
		})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(testConfig(srv.URL), logging.NewNop())
	require.NoError(t, err)

	_, err = c.EmbedBatch(context.Background(), []string{"one"})
	assert.ErrorIs(t, err, ErrEmbeddingFailure)
}

func TestEmbedBatchPartialResponseFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Two inputs, one embedding back: the whole batch must fail.
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{1, 2, 3}}},
		})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(testConfig(srv.URL), logging.NewNop())
	require.NoError(t, err)

	_, err = c.EmbedBatch(context.Background(), []string{"one", "two"})
	assert.ErrorIs(t, err, ErrEmbeddingFailure)
}

func TestNewHTTPClientValidation(t *testing.T) {
	_, err := NewHTTPClient(config.EmbeddingConfig{Model: "m", Dimension: 3}, logging.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewHTTPClient(config.EmbeddingConfig{BaseURL: "http://x", Dimension: 3}, logging.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
