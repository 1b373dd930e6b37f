package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/julesdesai/writing-anima/internal/embed"
	"github.com/julesdesai/writing-anima/internal/index"
	"github.com/julesdesai/writing-anima/internal/persona"
)

// ErrorBody is the error envelope shared by all endpoints.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// apiError maps a service error onto the HTTP error envelope.
func apiError(c echo.Context, err error) error {
	var (
		status = http.StatusInternalServerError
		kind   = "Internal"
	)
	switch {
	case errors.Is(err, persona.ErrNotAuthorized):
		status, kind = http.StatusForbidden, "NotAuthorized"
	case errors.Is(err, persona.ErrNotFound):
		status, kind = http.StatusNotFound, "NotFound"
	case errors.Is(err, persona.ErrInvalidInput):
		status, kind = http.StatusBadRequest, "ValidationError"
	case errors.Is(err, embed.ErrEmbeddingFailure):
		status, kind = http.StatusBadGateway, "EmbeddingFailure"
	case errors.Is(err, index.ErrIndexMissing):
		status, kind = http.StatusServiceUnavailable, "IndexUnavailable"
	}
	return c.JSON(status, ErrorBody{Kind: kind, Message: err.Error()})
}

// badRequest returns a ValidationError envelope.
func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, ErrorBody{Kind: "ValidationError", Message: message})
}
