package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"transcriptpro/pkg/domain"
)

// DefaultTimeout bounds a single transcription request.
const DefaultTimeout = 300 * time.Second

// Result is a finished transcription.
type Result struct {
	Text     string           `json:"text"`
	Segments []domain.Segment `json:"segments"`
	Language string           `json:"language,omitempty"`
}

// APIError is a non-2xx answer from the transcription provider. Body is
// recorded verbatim as the failed job's text.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transcription API error: %s", e.Body)
}

// Transcriber produces a transcription for an audio blob.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, content io.Reader) (Result, error)
}

// Client submits audio to an external transcription HTTP API.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a transcription API client.
func NewClient(url, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Transcribe uploads the blob as a multipart "file" field and decodes the
// provider's {text, segments} response.
func (c *Client) Transcribe(ctx context.Context, filename string, content io.Reader) (Result, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return Result{}, fmt.Errorf("build multipart form: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return Result{}, fmt.Errorf("copy blob into form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return Result{}, fmt.Errorf("close multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &buf)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return Result{}, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode transcription response: %w", err)
	}
	return result, nil
}

// Placeholder synthesizes a fixed transcript. It keeps the pipeline
// operable when no provider is configured.
type Placeholder struct{}

const (
	placeholderLead = "This is a placeholder transcription."
	placeholderTail = "The real transcription would be generated by an AI service."
)

// Transcribe returns the deterministic placeholder result.
func (Placeholder) Transcribe(_ context.Context, _ string, _ io.Reader) (Result, error) {
	return Result{
		Text: placeholderLead + " " + placeholderTail,
		Segments: []domain.Segment{
			{Start: 0, End: 5, Text: placeholderLead},
			{Start: 5, End: 10, Text: placeholderTail},
		},
	}, nil
}
