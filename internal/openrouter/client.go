// ABOUTME: HTTP client for OpenAI-compatible chat-completions backends.
// ABOUTME: Implements llm.Client against OpenRouter or any same-shaped endpoint.

package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sebakc/telegram-mcp-client/internal/llm"
)

// Client is a minimal HTTP wrapper around a chat-completions API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

// NewClient wires together the dependencies for API access.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		logger:     logger.With("component", "openrouter"),
	}
}

// Chat executes a single completion request.
func (c *Client) Chat(ctx context.Context, reqPayload llm.ChatRequest) (llm.ChatResponse, error) {
	var respPayload llm.ChatResponse

	payload, err := json.Marshal(reqPayload)
	if err != nil {
		return respPayload, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return respPayload, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("sending chat request",
		"model", reqPayload.Model,
		"messages", len(reqPayload.Messages),
		"tools", len(reqPayload.Tools),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return respPayload, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return respPayload, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		c.logger.Error("backend API error", "status", resp.StatusCode, "body", string(body))
		return respPayload, fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, &respPayload); err != nil {
		return respPayload, fmt.Errorf("parse response: %w", err)
	}

	if respPayload.Usage != nil {
		c.logger.Debug("token usage",
			"prompt", respPayload.Usage.PromptTokens,
			"completion", respPayload.Usage.CompletionTokens,
		)
	}
	return respPayload, nil
}
