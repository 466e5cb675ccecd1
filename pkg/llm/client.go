// Package llm calls model APIs under test. Providers expose OpenAI-style or
// bespoke chat endpoints, so the client walks a list of common paths before
// giving up.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/caseval/caseval/pkg/errors"
)

// Invoker sends a rendered request body to a model endpoint and extracts
// the text output plus token usage.
type Invoker interface {
	Invoke(ctx context.Context, baseURL, apiKey string, body map[string]any) (*Response, error)
}

// Response is a model invocation outcome.
type Response struct {
	Output      string
	TotalTokens int
}

// endpointPaths are tried in order against the provider base URL. The bare
// base URL itself is the final fallback.
var endpointPaths = []string{
	"/v1/chat/completions",
	"/chat/completions",
	"/api/chat",
}

// Client is an HTTP model invoker with an optional shared rate limiter.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRateLimit bounds outgoing requests per second across all callers of
// this client. Zero or negative disables throttling.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. Used by tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a model API client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke posts the request body to the provider, trying each known endpoint
// path once. The first 200 response wins; a single attempt per endpoint, no
// retries.
func (c *Client) Invoke(ctx context.Context, baseURL, apiKey string, body map[string]any) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeModelAPIError, "rate limiter interrupted")
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeModelAPIError, "failed to encode request body")
	}

	base := strings.TrimRight(baseURL, "/")
	urls := make([]string, 0, len(endpointPaths)+1)
	for _, path := range endpointPaths {
		urls = append(urls, base+path)
	}
	urls = append(urls, base)

	var lastErr error
	for _, url := range urls {
		resp, err := c.post(ctx, url, apiKey, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(ctx.Err(), errors.ErrCodeModelTimeout, "model invocation cancelled")
			}
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, errors.Wrap(lastErr, errors.ErrCodeModelAPIError, "all model endpoints failed").
		WithContext("base_url", base)
}

func (c *Client) post(ctx context.Context, url, apiKey string, payload []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint %s returned %d", url, httpResp.StatusCode)
	}

	return parseResponse(data)
}

// parseResponse extracts output text from the common chat-completion shapes.
// An unrecognized JSON object is returned verbatim so evaluators can still
// judge it.
func parseResponse(data []byte) (*Response, error) {
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		var asString string
		if json.Unmarshal(data, &asString) == nil {
			return &Response{Output: asString}, nil
		}
		return nil, fmt.Errorf("unparseable model response: %w", err)
	}

	resp := &Response{Output: string(data)}
	if usage, ok := parsed["usage"].(map[string]any); ok {
		if total, ok := usage["total_tokens"].(float64); ok {
			resp.TotalTokens = int(total)
		}
	}

	if choices, ok := parsed["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if message, ok := choice["message"].(map[string]any); ok {
				if content, ok := message["content"].(string); ok {
					resp.Output = content
					return resp, nil
				}
			}
		}
	}
	for _, key := range []string{"output", "response", "text"} {
		if value, ok := parsed[key].(string); ok {
			resp.Output = value
			return resp, nil
		}
	}
	return resp, nil
}
