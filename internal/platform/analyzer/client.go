package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/dontdude/receiptflow/internal/config"
	"github.com/dontdude/receiptflow/internal/domain"
	"github.com/go-resty/resty/v2"
)

// DefaultTimeout is generous next to a typical OCR round trip but still bounded.
const DefaultTimeout = 90 * time.Second

// APIKeyHeader carries the worker's credential to the analysis service.
const APIKeyHeader = "X-API-KEY"

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("analysis service returned %d: %s", e.Code, e.Body)
}

// Client talks to the receipt analysis service.
type Client struct {
	http    *resty.Client
	baseURL string
	apiKey  string
}

var _ domain.Analyzer = (*Client)(nil)

// NewClient builds a client from config.
func NewClient(cfg config.AnalyzerConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:    resty.New().SetTimeout(timeout),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
	}
}

// Analyze posts the receipt as multipart form data to /receipt.
func (c *Client) Analyze(ctx context.Context, req domain.AnalysisRequest) ([]domain.Transaction, error) {
	categories, err := json.Marshal(nonNil(req.Categories))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal categories: %w", err)
	}

	r := c.http.R().
		SetContext(ctx).
		SetMultipartFormData(map[string]string{
			"taskId":     req.TaskID,
			"categories": string(categories),
		}).
		SetMultipartField("receipt", fileName(req), contentType(req.FileName), bytes.NewReader(req.Data))
	if c.apiKey != "" {
		r.SetHeader(APIKeyHeader, c.apiKey)
	}

	resp, err := r.Post(c.baseURL + "/receipt")
	if err != nil {
		return nil, fmt.Errorf("analysis request for %s: %w", req.TaskID, err)
	}
	if !resp.IsSuccess() {
		return nil, &StatusError{Code: resp.StatusCode(), Body: truncate(resp.String(), 256)}
	}

	body := bytes.TrimSpace(resp.Body())
	if len(body) == 0 {
		// Accepted for asynchronous processing; the callback delivers the result.
		return nil, nil
	}

	var txs []domain.Transaction
	if err := json.Unmarshal(body, &txs); err != nil {
		return nil, fmt.Errorf("failed to decode analysis result: %w", err)
	}
	return txs, nil
}

func fileName(req domain.AnalysisRequest) string {
	if req.FileName != "" {
		return filepath.Base(req.FileName)
	}
	return req.TaskID
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
