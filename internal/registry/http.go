package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 4 << 20
	lookupPath     = "/lookup"
)

// HTTPClient calls a JSON registry endpoint: POST {"lookup_key": "..."}.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	now        func() time.Time
}

type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying transport client. The caller owns
// its instrumentation.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.httpClient = c
		}
	}
}

// WithTimeout bounds each lookup independently of the caller's context.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPClient) {
		if d > 0 {
			h.timeout = d
		}
	}
}

func WithClock(now func() time.Time) HTTPOption {
	return func(h *HTTPClient) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHTTPClient constructs a registry client for baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("registry base URL is required")
	}
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout: defaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type lookupRequest struct {
	LookupKey string `json:"lookup_key"`
}

func (c *HTTPClient) Lookup(ctx context.Context, lookupKey string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(lookupRequest{LookupKey: lookupKey})
	if err != nil {
		return nil, NewNetwork(fmt.Errorf("encode lookup request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+lookupPath, bytes.NewReader(body))
	if err != nil {
		return nil, NewNetwork(fmt.Errorf("build lookup request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	// A truncated payload must never be stored as a result.
	if len(payload) > maxBodyBytes && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil, NewUpstream(resp.StatusCode, fmt.Sprintf("registry response too large (over %d bytes)", maxBodyBytes))
	}
	return parseLookupResponse(resp.StatusCode, payload, c.now())
}

// parseLookupResponse maps a registry answer onto the error taxonomy.
func parseLookupResponse(statusCode int, body []byte, at time.Time) (*Result, error) {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return &Result{Payload: body, StatusCode: statusCode, FetchedAt: at}, nil
	case statusCode == http.StatusBadRequest,
		statusCode == http.StatusNotFound,
		statusCode == http.StatusUnprocessableEntity:
		return nil, NewInvalidKey(statusCode, "registry rejected lookup key")
	case statusCode == http.StatusTooManyRequests:
		return nil, NewUpstream(statusCode, "registry rate limited")
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusGatewayTimeout:
		return nil, NewUpstream(statusCode, "registry timed out upstream")
	default:
		return nil, NewUpstream(statusCode, "unexpected registry status")
	}
}

func classifyTransportError(ctx context.Context, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewTimeout(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeout(err)
	}
	return NewNetwork(err)
}
