// Package document fetches a submitted file and parses it into the
// renderable elements the grading core annotates. Conversion of rich
// formats happens upstream; this service consumes text renditions only.
package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
)

const (
	maxDocumentBytes = 4 << 20
	fetchAttempts    = 3
	fetchBackoff     = 500 * time.Millisecond
)

// ErrUnsupportedType indicates the submitted file is not a text rendition.
var ErrUnsupportedType = errors.New("unsupported document type")

// Element is one renderable unit of a parsed document.
type Element struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Document is a parsed submission plus the per-type element counts used to
// bounds-check highlight indices.
type Document struct {
	Elements []Element      `json:"elements"`
	Counts   map[string]int `json:"counts"`
	Text     string         `json:"text"`
}

// Service resolves a submission file into a parsed document.
type Service interface {
	Fetch(ctx context.Context, fileURL string) (Document, error)
}

// HTTPService fetches submission files over HTTP with bounded retries.
type HTTPService struct {
	client  *http.Client
	logger  zerolog.Logger
	backoff time.Duration
}

// NewHTTPService builds a document service using the given client, or a
// default one when nil.
func NewHTTPService(client *http.Client, logger zerolog.Logger) *HTTPService {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &HTTPService{
		client:  client,
		logger:  logger.With().Str("component", "document_service").Logger(),
		backoff: fetchBackoff,
	}
}

// Fetch downloads and parses the file. Transient download failures are
// retried with backoff here so they never reach the grading session.
func (s *HTTPService) Fetch(ctx context.Context, fileURL string) (Document, error) {
	if strings.TrimSpace(fileURL) == "" {
		return Document{}, fmt.Errorf("file url must not be empty")
	}

	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		data, err := s.download(ctx, fileURL)
		if err == nil {
			return s.parse(data)
		}

		lastErr = err
		if errors.Is(err, ErrUnsupportedType) || ctx.Err() != nil {
			break
		}

		s.logger.Warn().Err(err).Int("attempt", attempt).Str("url", fileURL).Msg("document download failed")
		if attempt < fetchAttempts {
			select {
			case <-time.After(s.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return Document{}, ctx.Err()
			}
		}
	}

	return Document{}, fmt.Errorf("fetch document: %w", lastErr)
}

func (s *HTTPService) download(ctx context.Context, fileURL string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", response.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(response.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	mime := mimetype.Detect(data)
	if !mime.Is("text/plain") && !mime.Is("text/html") && !mime.Is("text/markdown") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mime.String())
	}

	return data, nil
}

// parse splits the text rendition into headings, list items and paragraphs,
// indexed per type the way the rendering surface addresses them.
func (s *HTTPService) parse(data []byte) (Document, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	doc := Document{
		Counts: make(map[string]int),
		Text:   text,
	}

	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}

		elementType := "paragraph"
		switch {
		case strings.HasPrefix(block, "#"):
			elementType = "heading"
		case strings.HasPrefix(block, "- "), strings.HasPrefix(block, "* "):
			elementType = "list_item"
		}

		doc.Elements = append(doc.Elements, Element{
			Type:  elementType,
			Index: doc.Counts[elementType],
			Text:  block,
		})
		doc.Counts[elementType]++
	}

	return doc, nil
}
