// Package httpclient opens the agent's streaming endpoint. A call posts the
// turn as JSON and hands back the response body for incremental reading.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"goa.design/analyst/runtime/retry"
)

// RetryHeader marks a request that repeats a failed attempt.
const RetryHeader = "X-Retry-Attempt"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

type (
	// Option configures the HTTP client.
	Option func(*Client)

	// Client posts turns to the agent endpoint.
	Client struct {
		endpoint string
		http     *http.Client
		headers  http.Header
	}

	// Body is the JSON document sent for a turn.
	Body struct {
		Message        string   `json:"message"`
		SelectedIDs    []string `json:"selected_ids"`
		Clarifications []string `json:"clarifications"`
		ThreadID       string   `json:"thread_id"`
		ProjectID      *int64   `json:"project_id,omitempty"`
		Command        string   `json:"command"`
		ModifiedCode   string   `json:"modified_code,omitempty"`
	}

	// Call is one request to the endpoint.
	Call struct {
		// Token is the bearer credential.
		Token string
		Body  Body
		// Attempt is the 1-based attempt number. Attempts after the first carry
		// RetryHeader.
		Attempt int
	}

	// TransportError reports a request that failed before any HTTP status was
	// received.
	TransportError struct {
		Err error
	}
)

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a network-level failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsUnauthorized reports whether err is an HTTP 401 response.
func IsUnauthorized(err error) bool {
	var se *retry.HTTPStatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

// WithHTTPClient overrides the underlying *http.Client used for requests.
// The client should not set a Timeout since it would cut long streams.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) {
		if cl.headers == nil {
			cl.headers = make(http.Header)
		}
		cl.headers.Add(name, value)
	}
}

// New constructs a Client posting to endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("httpclient: endpoint is required")
	}
	cl := &Client{
		endpoint: endpoint,
		http:     &http.Client{},
		headers:  make(http.Header),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	if cl.http == nil {
		cl.http = &http.Client{}
	}
	return cl, nil
}

// Stream posts call and returns the response body. The caller must close it.
// A failure to reach the server is returned as *TransportError; a non-2xx
// response as *retry.HTTPStatusError.
func (c *Client) Stream(ctx context.Context, call Call) (io.ReadCloser, error) {
	body, err := json.Marshal(call.Body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if call.Token != "" {
		req.Header.Set("Authorization", "Bearer "+call.Token)
	}
	if call.Attempt > 1 {
		req.Header.Set(RetryHeader, strconv.Itoa(call.Attempt-1))
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req) //nolint:gosec // endpoint comes from operator configuration
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &retry.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(raw)),
		}
	}
	return resp.Body, nil
}
