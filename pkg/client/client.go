// Package client is a typed HTTP client for the tinyanalytics API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/tinyanalytics/pkg/event"
	"github.com/nicktill/tinyanalytics/pkg/httpx"
	"github.com/nicktill/tinyanalytics/pkg/ingest"
	"github.com/nicktill/tinyanalytics/pkg/stats"
	"github.com/nicktill/tinyanalytics/pkg/tracing"
)

// DefaultEndpoint is the base URL of a local server
const DefaultEndpoint = "http://localhost:8080"

// Config holds configuration for the client
type Config struct {
	// Base URL of the server, without the /v1 prefix
	Endpoint string
	Timeout  time.Duration
}

// Client talks to the ingest and stats endpoints
type Client struct {
	base   *url.URL
	client *http.Client
}

// APIError is a non-2xx response decoded from the server's error body
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether the request may succeed if sent again later
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusServiceUnavailable
}

// IsRetryable reports whether err is a temporary API error
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Temporary()
}

// New creates a new client
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	base, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint %q: scheme must be http or https", cfg.Endpoint)
	}

	return &Client{
		base:   base,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Send posts a single event
func (c *Client) Send(ctx context.Context, e event.Event) error {
	return c.do(ctx, http.MethodPost, "/v1/events", nil, e, nil)
}

// SendBatch posts up to ingest.MaxEventsPerRequest events. A partially
// accepted batch is not an error; inspect the per-index errors.
func (c *Client) SendBatch(ctx context.Context, events []event.Event) (*ingest.BatchResponse, error) {
	if len(events) == 0 {
		return &ingest.BatchResponse{Status: "accepted"}, nil
	}
	var resp ingest.BatchResponse
	if err := c.do(ctx, http.MethodPost, "/v1/events/batch", nil, ingest.BatchRequest{Events: events}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats fetches aggregates for a site. An empty date means all time.
func (c *Client) Stats(ctx context.Context, siteID, date string) (*stats.Result, error) {
	q := url.Values{"site_id": {siteID}}
	if date != "" {
		q.Set("date", date)
	}
	var result stats.Result
	if err := c.do(ctx, http.MethodGet, "/v1/stats", q, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tracing.InjectHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body httpx.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}
