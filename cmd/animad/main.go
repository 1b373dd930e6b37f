// Animad is the anima writing-critique daemon.
//
// It serves the persona management, corpus ingestion, and analysis/chat
// streaming APIs over HTTP, backed by a vector+lexical index and an external
// LLM.
//
// Configuration is loaded from an optional YAML file and ANIMA_* environment
// variables. See internal/config for the full list.
//
// Usage:
//
//	# Start with defaults (embedded index, ./data metadata)
//	ANIMA_LLM_API_KEY=... ANIMA_EMBEDDING_API_KEY=... animad
//
//	# Use an external Qdrant and a config file
//	animad -config /etc/anima/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/julesdesai/writing-anima/internal/agent"
	"github.com/julesdesai/writing-anima/internal/chunker"
	"github.com/julesdesai/writing-anima/internal/config"
	"github.com/julesdesai/writing-anima/internal/embed"
	"github.com/julesdesai/writing-anima/internal/httpapi"
	"github.com/julesdesai/writing-anima/internal/index"
	"github.com/julesdesai/writing-anima/internal/ingest"
	"github.com/julesdesai/writing-anima/internal/llm"
	"github.com/julesdesai/writing-anima/internal/logging"
	"github.com/julesdesai/writing-anima/internal/parser"
	"github.com/julesdesai/writing-anima/internal/persona"
	"github.com/julesdesai/writing-anima/internal/services"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("animad %s (%s)\n", version, gitCommit)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	log.Println("shutdown complete")
}

// run initializes all dependencies and serves until the context is
// cancelled: config, logger, index store, embedder, LLM client, metadata
// store, and the HTTP server.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info(ctx, "starting animad",
		zap.String("version", version),
		zap.String("index_provider", cfg.Index.Provider),
	)

	// Index backend.
	var idx index.Store
	switch cfg.Index.Provider {
	case "qdrant":
		idx, err = index.NewQdrantStore(&index.QdrantConfig{
			Host:   cfg.Index.QdrantHost,
			Port:   cfg.Index.QdrantPort,
			UseTLS: cfg.Index.QdrantUseTLS,
			APIKey: cfg.Index.QdrantAPIKey.Value(),
		}, logger)
	default:
		idx, err = index.NewChromemStore(cfg.Index.Path, logger)
	}
	if err != nil {
		return fmt.Errorf("initializing index: %w", err)
	}
	defer idx.Close()

	// External model clients.
	embedder, err := embed.NewHTTPClient(cfg.Embedding, logger)
	if err != nil {
		return fmt.Errorf("initializing embedder: %w", err)
	}
	llmClient, err := llm.NewAnthropicClient(cfg.LLM)
	if err != nil {
		return fmt.Errorf("initializing llm client: %w", err)
	}

	// Metadata store and services.
	store, err := persona.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("initializing metadata store: %w", err)
	}
	defer store.Close()

	registry := persona.NewRegistry(store, idx, cfg.Embedding.Dimension, logger)
	ingestor := ingest.New(
		parser.New(),
		chunker.New(cfg.Corpus.WindowChars, cfg.Corpus.OverlapChars),
		embedder,
		idx,
		registry,
		cfg.Corpus,
		logger,
	)
	analyzer := agent.New(llmClient, idx, embedder, cfg.Agent, cfg.Retrieval, cfg.LLM.Temperature, logger)

	svc := services.NewRegistry(services.Options{
		Personas: registry,
		Ingestor: ingestor,
		Analyzer: analyzer,
		Index:    idx,
		Embedder: embedder,
		LLM:      llmClient,
	})

	server, err := httpapi.NewServer(svc.Personas(), svc.Ingestor(), svc.Analyzer(), logger, &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}
