// Package config provides configuration loading for animad.
//
// Configuration is loaded from a YAML file, then overridden with environment
// variables. This package covers the server, index, embedding, LLM, corpus,
// retrieval, and agent settings.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete animad configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Index     IndexConfig     `koanf:"index"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	LLM       LLMConfig       `koanf:"llm"`
	Corpus    CorpusConfig    `koanf:"corpus"`
	Retrieval RetrievalConfig `koanf:"retrieval"`
	Agent     AgentConfig     `koanf:"agent"`
	Store     StoreConfig     `koanf:"store"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// IndexConfig selects and configures the vector+lexical index backend.
type IndexConfig struct {
	// Provider is "chromem" (embedded) or "qdrant" (external).
	Provider string `koanf:"provider"`
	// Path is the on-disk location for the embedded store. Empty means in-memory.
	Path string `koanf:"path"`
	// Qdrant connection settings (used when Provider is "qdrant").
	QdrantHost   string `koanf:"qdrant_host"`
	QdrantPort   int    `koanf:"qdrant_port"`
	QdrantUseTLS bool   `koanf:"qdrant_use_tls"`
	QdrantAPIKey Secret `koanf:"qdrant_api_key"`
}

// EmbeddingConfig holds embedding model configuration.
type EmbeddingConfig struct {
	BaseURL    string   `koanf:"base_url"`
	Model      string   `koanf:"model"`
	APIKey     Secret   `koanf:"api_key"`
	Dimension  int      `koanf:"dimension"`
	BatchSize  int      `koanf:"batch_size"`
	MaxRetries int      `koanf:"max_retries"`
	Timeout    Duration `koanf:"timeout"`
}

// LLMConfig holds the language model client configuration.
type LLMConfig struct {
	BaseURL     string   `koanf:"base_url"`
	Model       string   `koanf:"model"`
	APIKey      Secret   `koanf:"api_key"`
	MaxTokens   int      `koanf:"max_tokens"`
	Temperature float64  `koanf:"temperature"`
	MaxRetries  int      `koanf:"max_retries"`
	Timeout     Duration `koanf:"timeout"`
}

// CorpusConfig holds ingestion pipeline configuration.
type CorpusConfig struct {
	WindowChars  int `koanf:"window_chars"`
	OverlapChars int `koanf:"overlap_chars"`
	// Workers bounds concurrent per-file processing within one upload batch.
	Workers int `koanf:"workers"`
}

// RetrievalConfig holds corpus search configuration.
type RetrievalConfig struct {
	DefaultK         int  `koanf:"default_k"`
	MaxK             int  `koanf:"max_k"`
	StylePackEnabled bool `koanf:"style_pack_enabled"`
	StylePackSize    int  `koanf:"style_pack_size"`
}

// AgentConfig holds the analysis agent loop configuration.
type AgentConfig struct {
	MaxIterations    int      `koanf:"max_iterations"`
	MaxToolCalls     int      `koanf:"max_tool_calls"`
	MaxFeedbackItems int      `koanf:"max_feedback_items"`
	ToolTimeout      Duration `koanf:"tool_timeout"`
	RequestTimeout   Duration `koanf:"request_timeout"`
}

// StoreConfig holds the metadata store configuration.
type StoreConfig struct {
	// Path is the SQLite database directory.
	Path string `koanf:"path"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8087,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Index: IndexConfig{
			Provider:   "chromem",
			QdrantHost: "localhost",
			QdrantPort: 6334,
		},
		Embedding: EmbeddingConfig{
			BaseURL:    "https://api.openai.com",
			Model:      "text-embedding-3-small",
			Dimension:  1536,
			BatchSize:  100,
			MaxRetries: 3,
			Timeout:    Duration(30 * time.Second),
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.anthropic.com",
			Model:       "claude-sonnet-4-5-20250929",
			MaxTokens:   4096,
			Temperature: 1.0,
			MaxRetries:  3,
			Timeout:     Duration(120 * time.Second),
		},
		Corpus: CorpusConfig{
			WindowChars:  800,
			OverlapChars: 100,
			Workers:      4,
		},
		Retrieval: RetrievalConfig{
			DefaultK:      5,
			MaxK:          80,
			StylePackSize: 10,
		},
		Agent: AgentConfig{
			MaxIterations:    20,
			MaxToolCalls:     10,
			MaxFeedbackItems: 10,
			ToolTimeout:      Duration(30 * time.Second),
			RequestTimeout:   Duration(180 * time.Second),
		},
		Store: StoreConfig{
			Path: "./data",
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Index.Provider != "chromem" && c.Index.Provider != "qdrant" {
		return fmt.Errorf("index provider must be 'chromem' or 'qdrant', got %q", c.Index.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding batch size must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.Corpus.WindowChars <= 0 {
		return fmt.Errorf("corpus window_chars must be positive, got %d", c.Corpus.WindowChars)
	}
	if c.Corpus.OverlapChars < 0 || c.Corpus.OverlapChars >= c.Corpus.WindowChars {
		return fmt.Errorf("corpus overlap_chars must be in [0, window_chars), got %d", c.Corpus.OverlapChars)
	}
	if c.Corpus.Workers <= 0 {
		return fmt.Errorf("corpus workers must be positive, got %d", c.Corpus.Workers)
	}
	if c.Retrieval.DefaultK <= 0 || c.Retrieval.MaxK < c.Retrieval.DefaultK {
		return fmt.Errorf("retrieval k bounds invalid: default_k=%d max_k=%d", c.Retrieval.DefaultK, c.Retrieval.MaxK)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.MaxToolCalls <= 0 {
		return fmt.Errorf("agent max_tool_calls must be positive, got %d", c.Agent.MaxToolCalls)
	}
	if c.Agent.MaxFeedbackItems <= 0 {
		return fmt.Errorf("agent max_feedback_items must be positive, got %d", c.Agent.MaxFeedbackItems)
	}
	if c.Agent.ToolTimeout.Duration() <= 0 || c.Agent.RequestTimeout.Duration() <= 0 {
		return errors.New("agent timeouts must be positive")
	}
	return nil
}
