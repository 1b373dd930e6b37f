package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/julesdesai/writing-anima/internal/agent"
	"github.com/julesdesai/writing-anima/internal/logging"
)

// AnalyzeContext carries optional analysis context.
type AnalyzeContext struct {
	Purpose         string                 `json:"purpose"`
	Criteria        []string               `json:"criteria"`
	FeedbackHistory []agent.HistoryMessage `json:"feedback_history"`
}

// AnalyzeRequest is the body for both analysis endpoints.
type AnalyzeRequest struct {
	Content          string          `json:"content"`
	PersonaID        string          `json:"persona_id"`
	UserID           string          `json:"user_id"`
	Context          *AnalyzeContext `json:"context"`
	MaxFeedbackItems int             `json:"max_feedback_items"`
	Model            string          `json:"model"`
}

// AnalyzeResponse is the unary analysis response.
type AnalyzeResponse struct {
	Items          []agent.FeedbackItem `json:"items"`
	ProcessingTime float64              `json:"processing_time_seconds"`
	TotalItems     int                  `json:"total_items"`
}

func (r *AnalyzeRequest) agentRequest() agent.AnalyzeRequest {
	req := agent.AnalyzeRequest{
		Draft:    r.Content,
		MaxItems: r.MaxFeedbackItems,
		Model:    r.Model,
	}
	if r.Context != nil {
		req.Purpose = r.Context.Purpose
		req.Criteria = r.Context.Criteria
		req.History = r.Context.FeedbackHistory
	}
	return req
}

// handleAnalyze is the unary analysis endpoint: it runs the full agent loop
// and returns the collected feedback.
func (s *Server) handleAnalyze(c echo.Context) error {
	var req AnalyzeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.UserID == "" || req.PersonaID == "" {
		return badRequest(c, "user_id and persona_id are required")
	}

	ctx := logging.ContextWithUserID(c.Request().Context(), req.UserID)
	ctx = logging.ContextWithPersonaID(ctx, req.PersonaID)

	p, err := s.registry.Get(ctx, req.UserID, req.PersonaID)
	if err != nil {
		return apiError(c, err)
	}

	var (
		items    []agent.FeedbackItem
		terminal agent.Frame
	)
	s.analyzer.Run(ctx, p, req.agentRequest(), func(frame agent.Frame) error {
		switch frame.Type {
		case agent.FrameFeedback:
			items = append(items, *frame.Item)
		case agent.FrameComplete, agent.FrameError:
			terminal = frame
		}
		return nil
	})

	if terminal.Type == agent.FrameError {
		status := http.StatusInternalServerError
		if terminal.Kind == agent.KindValidationError {
			status = http.StatusBadRequest
		}
		return c.JSON(status, ErrorBody{Kind: terminal.Kind, Message: terminal.Message})
	}

	if items == nil {
		items = []agent.FeedbackItem{}
	}
	return c.JSON(http.StatusOK, AnalyzeResponse{
		Items:          items,
		ProcessingTime: terminal.ProcessingTime,
		TotalItems:     terminal.TotalItems,
	})
}

// handleAnalyzeStream streams analysis frames over SSE. The request body is
// the single client frame; the response carries status, feedback, and exactly
// one terminal frame.
func (s *Server) handleAnalyzeStream(c echo.Context) error {
	var req AnalyzeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.UserID == "" || req.PersonaID == "" {
		return badRequest(c, "user_id and persona_id are required")
	}

	ctx := logging.ContextWithUserID(c.Request().Context(), req.UserID)
	ctx = logging.ContextWithPersonaID(ctx, req.PersonaID)

	p, err := s.registry.Get(ctx, req.UserID, req.PersonaID)
	if err != nil {
		return apiError(c, err)
	}

	return s.streamFrames(c, func(emit agent.Emit) {
		s.analyzer.Run(ctx, p, req.agentRequest(), emit)
	})
}

// ChatRequest is the body for POST /api/chat/stream.
type ChatRequest struct {
	Message             string                 `json:"message"`
	PersonaID           string                 `json:"persona_id"`
	UserID              string                 `json:"user_id"`
	ConversationHistory []agent.HistoryMessage `json:"conversation_history"`
	Model               string                 `json:"model"`
}

func (s *Server) handleChatStream(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.UserID == "" || req.PersonaID == "" {
		return badRequest(c, "user_id and persona_id are required")
	}

	ctx := logging.ContextWithUserID(c.Request().Context(), req.UserID)
	ctx = logging.ContextWithPersonaID(ctx, req.PersonaID)

	p, err := s.registry.Get(ctx, req.UserID, req.PersonaID)
	if err != nil {
		return apiError(c, err)
	}

	return s.streamFrames(c, func(emit agent.Emit) {
		s.analyzer.Chat(ctx, p, agent.ChatRequest{
			Message: req.Message,
			History: req.ConversationHistory,
			Model:   req.Model,
		}, emit)
	})
}

// streamFrames runs the producer in its own goroutine and writes its frames
// to the client as server-sent events. The channel gives one producer, one
// consumer; back-pressure is the transport's write.
func (s *Server) streamFrames(c echo.Context, run func(agent.Emit)) error {
	ctx := c.Request().Context()

	response := c.Response()
	response.Header().Set(echo.HeaderContentType, "text/event-stream")
	response.Header().Set(echo.HeaderCacheControl, "no-cache")
	response.Header().Set(echo.HeaderConnection, "keep-alive")
	response.WriteHeader(http.StatusOK)

	frames := make(chan agent.Frame)
	go func() {
		defer close(frames)
		run(func(frame agent.Frame) error {
			select {
			case frames <- frame:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	writeFailed := false
	for frame := range frames {
		if writeFailed {
			// Keep draining so the producer never blocks on a dead consumer.
			continue
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			s.logger.Error(ctx, "frame marshal failed", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(response, "event: %s\ndata: %s\n\n", frame.Type, payload); err != nil {
			// Transport severed; treated as cancellation.
			s.logger.Debug(ctx, "stream write failed, treating as cancellation", zap.Error(err))
			writeFailed = true
			continue
		}
		response.Flush()
	}

	return nil
}
