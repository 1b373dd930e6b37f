// Package parser extracts plain text from uploaded corpus documents.
//
// Supported formats: PDF, plain text, markdown, and docx. The extracted text
// preserves paragraph boundaries as "\n\n" and intra-paragraph line breaks
// as "\n".
package parser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned for file types the parser does not handle.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrParseFailure is returned when a recognized document cannot be parsed.
	ErrParseFailure = errors.New("document parse failure")

	// ErrEmptyDocument is returned when a document yields no text.
	ErrEmptyDocument = errors.New("document contains no extractable text")
)

// File describes one uploaded document.
type File struct {
	Name     string
	Data     []byte
	MIMEHint string
}

// ParsedDocument is the extraction result for one file.
type ParsedDocument struct {
	Filename string
	Text     string
}

// Parser dispatches file content to a format-specific extractor.
type Parser struct{}

// New creates a Parser.
func New() *Parser {
	return &Parser{}
}

// Parse extracts plain text from the given file.
//
// Returns ErrUnsupportedFormat for unknown extensions and ErrParseFailure
// (wrapped with a reason) when extraction fails.
func (p *Parser) Parse(ctx context.Context, file File) (*ParsedDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		text string
		err  error
	)
	switch normalizedExtension(file) {
	case ".pdf":
		text, err = extractPDF(file.Data)
	case ".txt", ".md", ".markdown":
		text, err = extractPlainText(file.Data)
	case ".docx":
		text, err = extractDocx(file.Data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, file.Name)
	}
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(normalizeNewlines(text))
	if text == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDocument, file.Name)
	}

	return &ParsedDocument{
		Filename: file.Name,
		Text:     text,
	}, nil
}

// normalizedExtension resolves the dispatch key from extension, falling back
// to the MIME hint for extensionless uploads.
func normalizedExtension(file File) string {
	ext := strings.ToLower(filepath.Ext(file.Name))
	if ext != "" {
		return ext
	}
	switch file.MIMEHint {
	case "application/pdf":
		return ".pdf"
	case "text/plain":
		return ".txt"
	case "text/markdown":
		return ".md"
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return ".docx"
	}
	return ""
}

// extractPlainText passes UTF-8 text through, stripping a BOM if present.
func extractPlainText(data []byte) (string, error) {
	text := string(data)
	text = strings.TrimPrefix(text, "\uFEFF")
	return text, nil
}

// normalizeNewlines converts CRLF and lone CR line endings to LF.
func normalizeNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}
