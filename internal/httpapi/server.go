// Package httpapi provides the HTTP API: persona management, corpus upload,
// and the unary and streaming analysis/chat endpoints.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/julesdesai/writing-anima/internal/agent"
	"github.com/julesdesai/writing-anima/internal/ingest"
	"github.com/julesdesai/writing-anima/internal/logging"
	"github.com/julesdesai/writing-anima/internal/persona"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server exposes the anima HTTP API.
type Server struct {
	echo     *echo.Echo
	registry *persona.Registry
	ingestor *ingest.Ingestor
	analyzer *agent.Analyzer
	logger   *logging.Logger
	config   *Config
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(registry *persona.Registry, ingestor *ingest.Ingestor, analyzer *agent.Analyzer, logger *logging.Logger, cfg *Config) (*Server, error) {
	if registry == nil || ingestor == nil || analyzer == nil {
		return nil, fmt.Errorf("registry, ingestor, and analyzer are required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8087}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.ContextWithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		registry: registry,
		ingestor: ingestor,
		analyzer: analyzer,
		logger:   logger.Named("http"),
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api")

	api.GET("/models", s.handleListModels)

	api.POST("/personas", s.handleCreatePersona)
	api.GET("/personas", s.handleListPersonas)
	api.GET("/personas/:id", s.handleGetPersona)
	api.PATCH("/personas/:id", s.handleUpdatePersona)
	api.DELETE("/personas/:id", s.handleDeletePersona)
	api.POST("/personas/:id/corpus", s.handleUploadCorpus)
	api.GET("/personas/:id/corpus/status", s.handleCorpusStatus)
	api.GET("/personas/:id/documents", s.handleListDocuments)

	api.POST("/analyze", s.handleAnalyze)
	api.POST("/analyze/stream", s.handleAnalyzeStream)
	api.POST("/chat/stream", s.handleChatStream)
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance, used by tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
