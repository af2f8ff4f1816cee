// Package analytics is the HTTP client for the external tweet-analytics
// computation service. The service accepts a natural-language query and
// either answers immediately or hands back its own request identifier for
// secondary polling.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 120 * time.Second
	streamingTimeout = 600 * time.Second
	pingTimeout      = 5 * time.Second
	initialBackoff   = 500 * time.Millisecond
)

// Client communicates with the tweet-analytics API. Streaming calls go
// through a separate client with no response timeout: http.Client.Timeout
// bounds reading the whole body, which would cut a long-lived stream short,
// so streams are bounded by context instead.
type Client struct {
	baseURL      string
	apiKey       string
	maxRetries   int
	httpClient   *http.Client
	streamClient *http.Client
}

// New creates a client for the analytics service at baseURL, authenticating
// with the given API key. maxRetries bounds how often a transport failure or
// rate limit is retried before giving up; values below 1 mean a single
// attempt.
func New(baseURL, apiKey string, maxRetries int) *Client {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		maxRetries:   maxRetries,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		streamClient: &http.Client{},
	}
}

// AnalyzeResponse is the decoded reply of the /analyze endpoint. When the
// service processes asynchronously only RequestID is set; otherwise Raw
// carries the full payload for normalization.
type AnalyzeResponse struct {
	RequestID string          `json:"request_id"`
	Raw       json.RawMessage `json:"-"`
}

// JobStatus is the reply of the service's own status-check endpoint during
// secondary polling.
type JobStatus struct {
	Completed bool            `json:"completed"`
	Response  json.RawMessage `json:"response"`
}

// UpstreamError carries the status code and detail of a non-success reply
// from the analytics service so callers can propagate it.
type UpstreamError struct {
	Status int
	Detail string
}

func (e *UpstreamError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("API returned status code %d", e.Status)
}

// retryable reports whether an error is worth another attempt: transport
// failures and 429s are; other upstream errors are not.
func retryable(err error) bool {
	if ue, ok := err.(*UpstreamError); ok {
		return ue.Status == http.StatusTooManyRequests
	}
	return true
}

type analyzeRequest struct {
	Query  string `json:"query"`
	TopK   int    `json:"top_k"`
	Stream bool   `json:"stream,omitempty"`
}

// Analyze submits a query for analysis, retrying transport failures with
// exponential backoff up to the configured attempt budget.
func (c *Client) Analyze(ctx context.Context, query string, topK int) (AnalyzeResponse, error) {
	body, err := json.Marshal(analyzeRequest{Query: query, TopK: topK})
	if err != nil {
		return AnalyzeResponse{}, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range c.maxRetries {
		resp, err := c.doAnalyze(ctx, body)
		if err == nil {
			return resp, nil
		}
		if !retryable(err) {
			return AnalyzeResponse{}, err
		}

		lastErr = err
		if attempt < c.maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return AnalyzeResponse{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return AnalyzeResponse{}, fmt.Errorf("analysis request failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) doAnalyze(ctx context.Context, body []byte) (AnalyzeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return AnalyzeResponse{}, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AnalyzeResponse{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AnalyzeResponse{}, &UpstreamError{Status: resp.StatusCode, Detail: upstreamDetail(resp.Body, resp.StatusCode)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return AnalyzeResponse{}, fmt.Errorf("reading response: %w", err)
	}

	var decoded AnalyzeResponse
	// The body may be a bare string or any object shape; request_id is the
	// only field we probe here, the rest is normalized later.
	json.Unmarshal(raw, &decoded)
	decoded.Raw = raw
	return decoded, nil
}

// CheckJob polls the service's own status endpoint for an asynchronous job.
func (c *Client) CheckJob(ctx context.Context, requestID string) (JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/result/"+requestID, nil)
	if err != nil {
		return JobStatus{}, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return JobStatus{}, fmt.Errorf("checking job %s: %w", requestID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return JobStatus{}, &UpstreamError{Status: resp.StatusCode, Detail: upstreamDetail(resp.Body, resp.StatusCode)}
	}

	var status JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return JobStatus{}, fmt.Errorf("decoding job status: %w", err)
	}
	return status, nil
}

// AnalyzeStream submits a query in streaming mode and returns the raw
// newline-delimited event body. The caller owns the ReadCloser.
func (c *Client) AnalyzeStream(ctx context.Context, query string, topK int) (io.ReadCloser, error) {
	body, err := json.Marshal(analyzeRequest{Query: query, TopK: topK, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, streamingTimeout)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		detail := upstreamDetail(resp.Body, resp.StatusCode)
		resp.Body.Close()
		cancel()
		return nil, &UpstreamError{Status: resp.StatusCode, Detail: detail}
	}

	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// Ping probes the service's /status endpoint with a short timeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &UpstreamError{Status: resp.StatusCode}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
}

// upstreamDetail extracts the service's error detail field when present.
func upstreamDetail(r io.Reader, status int) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err == nil && payload.Detail != "" {
		return payload.Detail
	}
	return fmt.Sprintf("API returned status code %d", status)
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
