// Package gemini is the llm.Provider for Google's Gemini models, spoken over
// the REST generateContent endpoint.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/devbot/internal/llm"
)

const (
	defaultBaseURL   = "https://generativelanguage.googleapis.com"
	defaultMaxTokens = 8192
	maxErrorBody     = 4 << 10
)

// APIError is returned for non-200 responses. Body is truncated.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini: status %d: %s", e.StatusCode, e.Body)
}

// Client talks to one Gemini model.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	newID      func() string
	logger     *slog.Logger
}

// Option configures the Gemini client.
type Option func(*Client)

// WithBaseURL points the client at another endpoint. Empty keeps the default.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Gemini provider for model.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		newID:      func() string { return "call-" + uuid.NewString() },
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string  { return "gemini" }
func (c *Client) Model() string { return c.model }

// SendMessage sends the whole conversation and converts the first candidate.
// Gemini does not return call IDs, so each function call gets a fresh one.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	payload, err := json.Marshal(encodeRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	raw, err := c.generate(ctx, payload)
	if err != nil {
		return nil, err
	}
	resp := decodeResponse(raw, c.newID)

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.Name()),
		slog.String("model", c.model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
		slog.Int("tool_calls", len(resp.ToolUseBlocks())),
	)
	return resp, nil
}

func (c *Client) endpoint() string {
	return c.baseURL + "/v1beta/models/" + url.PathEscape(c.model) + ":generateContent"
}

// generate performs one generateContent round trip.
func (c *Client) generate(ctx context.Context, payload []byte) (*generateResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", c.model, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, &APIError{StatusCode: httpResp.StatusCode, Body: string(body)}
	}
	var out generateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}
