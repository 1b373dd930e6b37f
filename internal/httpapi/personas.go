package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/julesdesai/writing-anima/internal/index"
	"github.com/julesdesai/writing-anima/internal/parser"
	"github.com/julesdesai/writing-anima/internal/persona"
)

// CreatePersonaRequest is the body for POST /api/personas.
type CreatePersonaRequest struct {
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Model       string `json:"model"`
}

// PersonaListResponse is the body for GET /api/personas.
type PersonaListResponse struct {
	Personas []*persona.Persona `json:"personas"`
	Total    int                `json:"total"`
}

// ModelsResponse is the body for GET /api/models.
type ModelsResponse struct {
	Models []persona.Model `json:"models"`
}

func (s *Server) handleCreatePersona(c echo.Context) error {
	var req CreatePersonaRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.UserID == "" {
		return badRequest(c, "user_id is required")
	}

	p, err := s.registry.Create(c.Request().Context(), req.UserID, req.Name, req.Description, req.Model)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleListPersonas(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return badRequest(c, "user_id is required")
	}

	personas, err := s.registry.List(c.Request().Context(), userID)
	if err != nil {
		return apiError(c, err)
	}
	if personas == nil {
		personas = []*persona.Persona{}
	}
	return c.JSON(http.StatusOK, PersonaListResponse{Personas: personas, Total: len(personas)})
}

func (s *Server) handleGetPersona(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return badRequest(c, "user_id is required")
	}

	p, err := s.registry.Get(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleUpdatePersona(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return badRequest(c, "user_id is required")
	}

	var patch persona.Patch
	if err := c.Bind(&patch); err != nil {
		return badRequest(c, "invalid request body")
	}

	p, err := s.registry.Update(c.Request().Context(), userID, c.Param("id"), patch)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleDeletePersona(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return badRequest(c, "user_id is required")
	}

	if err := s.registry.Delete(c.Request().Context(), userID, c.Param("id")); err != nil {
		return apiError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListModels(c echo.Context) error {
	return c.JSON(http.StatusOK, ModelsResponse{Models: s.registry.ListModels()})
}

// UploadResponse is the body for POST /api/personas/:id/corpus.
type UploadResponse struct {
	PersonaID     string                  `json:"persona_id"`
	FilesUploaded int                     `json:"files_uploaded"`
	TotalSize     int                     `json:"total_size"`
	Batch         *persona.IngestionBatch `json:"batch"`
}

func (s *Server) handleUploadCorpus(c echo.Context) error {
	userID := c.FormValue("user_id")
	if userID == "" {
		return badRequest(c, "user_id is required")
	}

	form, err := c.MultipartForm()
	if err != nil {
		return badRequest(c, "multipart form required")
	}
	fileHeaders := form.File["files"]
	if len(fileHeaders) == 0 {
		return badRequest(c, "at least one file is required")
	}

	var (
		files     []parser.File
		totalSize int
	)
	for _, header := range fileHeaders {
		f, err := header.Open()
		if err != nil {
			return badRequest(c, "unreadable upload: "+header.Filename)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return badRequest(c, "unreadable upload: "+header.Filename)
		}
		totalSize += len(data)
		files = append(files, parser.File{
			Name:     header.Filename,
			Data:     data,
			MIMEHint: header.Header.Get("Content-Type"),
		})
	}

	batch, err := s.ingestor.IngestBatch(c.Request().Context(), userID, c.Param("id"), files)
	if err != nil {
		return apiError(c, err)
	}

	return c.JSON(http.StatusOK, UploadResponse{
		PersonaID:     c.Param("id"),
		FilesUploaded: len(files),
		TotalSize:     totalSize,
		Batch:         batch,
	})
}

// CorpusStatusResponse is the body for GET /api/personas/:id/corpus/status.
type CorpusStatusResponse struct {
	PersonaID  string              `json:"persona_id"`
	Status     string              `json:"status"`
	Documents  []*persona.Document `json:"documents"`
	ChunkCount int                 `json:"chunk_count"`
}

func (s *Server) handleCorpusStatus(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.QueryParam("user_id")
	if userID == "" {
		return badRequest(c, "user_id is required")
	}

	p, err := s.registry.Get(ctx, userID, c.Param("id"))
	if err != nil {
		return apiError(c, err)
	}

	documents, err := s.registry.ListDocuments(ctx, userID, p.ID)
	if err != nil {
		return apiError(c, err)
	}
	if documents == nil {
		documents = []*persona.Document{}
	}

	status := "pending"
	if batch, err := s.registry.Store().GetLatestIngestion(ctx, p.ID); err == nil {
		status = batch.Status
	} else if !errors.Is(err, persona.ErrNotFound) {
		return apiError(c, err)
	}

	return c.JSON(http.StatusOK, CorpusStatusResponse{
		PersonaID:  p.ID,
		Status:     status,
		Documents:  documents,
		ChunkCount: p.ChunkCount,
	})
}

// DocumentsResponse is the grouped files view for display.
type DocumentsResponse struct {
	Files []FileGroup `json:"files"`
}

// FileGroup is one source file with its chunk previews.
type FileGroup struct {
	Filename   string         `json:"filename"`
	ChunkCount int            `json:"chunk_count"`
	Chunks     []ChunkPreview `json:"chunks"`
}

// ChunkPreview is one chunk of a file, for display.
type ChunkPreview struct {
	Text    string `json:"text"`
	Ordinal int    `json:"ordinal"`
}

func (s *Server) handleListDocuments(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.QueryParam("user_id")
	if userID == "" {
		return badRequest(c, "user_id is required")
	}

	p, err := s.registry.Get(ctx, userID, c.Param("id"))
	if err != nil {
		return apiError(c, err)
	}
	documents, err := s.registry.ListDocuments(ctx, userID, p.ID)
	if err != nil {
		return apiError(c, err)
	}

	response := DocumentsResponse{Files: []FileGroup{}}
	for _, doc := range documents {
		if doc.Status != persona.DocumentIndexed {
			continue
		}
		group := FileGroup{Filename: doc.Filename, ChunkCount: doc.ChunkCount, Chunks: []ChunkPreview{}}

		hits, err := s.ingestor.Index().Chunks(ctx, p.CollectionID, doc.ID)
		if err != nil && !errors.Is(err, index.ErrIndexMissing) {
			return apiError(c, err)
		}
		for _, hit := range hits {
			group.Chunks = append(group.Chunks, ChunkPreview{Text: hit.Text, Ordinal: hit.Ordinal})
		}
		response.Files = append(response.Files, group)
	}
	return c.JSON(http.StatusOK, response)
}
