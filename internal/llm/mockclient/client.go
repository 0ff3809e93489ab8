// ABOUTME: Deterministic llm.Client implementations for tests.
// ABOUTME: Supports echo responses and scripted turn sequences with tool calls.

package mockclient

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sebakc/telegram-mcp-client/internal/llm"
)

// Client is a deterministic llm.Client that echoes the last user message.
type Client struct {
	prefix string
}

// New returns a mock client that echoes the last user message.
func New() *Client {
	return &Client{prefix: "MOCK"}
}

// Chat satisfies the llm.Client interface.
func (c *Client) Chat(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	response := llm.Message{Role: "assistant"}

	if n := len(req.Messages); n > 0 {
		last := strings.TrimSpace(req.Messages[n-1].Content)
		if last == "" {
			response.Content = fmt.Sprintf("%s RESPONSE", c.prefix)
		} else {
			response.Content = fmt.Sprintf("%s RESPONSE: %s", c.prefix, last)
		}
	} else {
		response.Content = fmt.Sprintf("%s RESPONSE", c.prefix)
	}

	return llm.ChatResponse{
		Choices: []llm.ChatChoice{
			{Index: 0, Message: response, FinishReason: "stop"},
		},
		Usage: &llm.Usage{PromptTokens: 42, CompletionTokens: 7, TotalTokens: 49},
	}, nil
}

// Scripted replays a fixed sequence of assistant turns, one per Chat call.
// Once the script is exhausted it keeps returning the final turn, so step
// ceilings can be exercised with a single tool-calling turn.
type Scripted struct {
	mu       sync.Mutex
	turns    []llm.Message
	calls    int
	Requests []llm.ChatRequest // every request seen, for assertions
}

// NewScripted builds a scripted client from assistant turns.
func NewScripted(turns ...llm.Message) *Scripted {
	return &Scripted{turns: turns}
}

// TextTurn is a terminal assistant turn with plain text.
func TextTurn(text string) llm.Message {
	return llm.Message{Role: "assistant", Content: text}
}

// ToolTurn is an assistant turn requesting the given tool calls.
func ToolTurn(calls ...llm.ToolCall) llm.Message {
	return llm.Message{Role: "assistant", ToolCalls: calls}
}

// Call builds a single tool call with JSON-encoded arguments.
func Call(id, name, argsJSON string) llm.ToolCall {
	return llm.ToolCall{
		ID:       id,
		Type:     "function",
		Function: llm.FunctionCall{Name: name, Arguments: argsJSON},
	}
}

// Calls returns how many Chat invocations the client has served.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Chat satisfies the llm.Client interface.
func (s *Scripted) Chat(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Requests = append(s.Requests, req)
	idx := s.calls
	if idx >= len(s.turns) {
		idx = len(s.turns) - 1
	}
	s.calls++

	msg := s.turns[idx]
	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	return llm.ChatResponse{
		Choices: []llm.ChatChoice{
			{Index: 0, Message: msg, FinishReason: finish},
		},
	}, nil
}
