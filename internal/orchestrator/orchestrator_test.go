// ABOUTME: Tests for the model-driven tool-call loop.
// ABOUTME: Uses scripted backends and fake invokers to pin down turn semantics.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebakc/telegram-mcp-client/internal/llm"
	"github.com/sebakc/telegram-mcp-client/internal/llm/mockclient"
	"github.com/sebakc/telegram-mcp-client/internal/registry"
	"github.com/sebakc/telegram-mcp-client/internal/session"
)

type fakeInvoker struct {
	mu      sync.Mutex
	results map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeInvoker) Invoke(_ context.Context, capability string, _ map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, capability)
	if err, ok := f.errs[capability]; ok {
		return "", err
	}
	return f.results[capability], nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []string
}

func (f *fakeDispatcher) Dispatch(_ int64, capability string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, capability)
}

func newCatalog(names ...string) *registry.Registry {
	reg := registry.New(nil)
	caps := make([]registry.Capability, len(names))
	for i, n := range names {
		caps[i] = registry.Capability{Name: n, Description: "test " + n}
	}
	if len(caps) > 0 {
		reg.Register("test-provider", caps)
	}
	return reg
}

func newSessions(t *testing.T) *session.Store {
	t.Helper()
	s := session.NewStore(nil)
	t.Cleanup(s.Close)
	return s
}

func TestRun_NoProvidersConnected(t *testing.T) {
	sessions := newSessions(t)
	invoker := &fakeInvoker{}
	backend := mockclient.NewScripted(mockclient.TextTurn("should never be used"))
	o := New(sessions, newCatalog(), invoker, backend, nil)

	out, err := o.Run(context.Background(), 1, "list files")
	require.NoError(t, err)
	assert.Equal(t, NoProvidersReply, out)

	// Zero invocations attempted, zero backend turns
	assert.Equal(t, 0, invoker.callCount())
	assert.Equal(t, 0, backend.Calls())

	history := sessions.History(1)
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, NoProvidersReply, history[1].Content)
}

func TestRun_PlainTextTurn(t *testing.T) {
	sessions := newSessions(t)
	backend := mockclient.NewScripted(mockclient.TextTurn("hello there"))
	o := New(sessions, newCatalog("list_files"), &fakeInvoker{}, backend, nil)

	out, err := o.Run(context.Background(), 1, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)
	assert.Equal(t, 1, backend.Calls())

	history := sessions.History(1)
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleAssistant, history[1].Role)
	assert.Equal(t, "hello there", history[1].Content)
}

func TestRun_OneInvocationThenText(t *testing.T) {
	sessions := newSessions(t)
	invoker := &fakeInvoker{results: map[string]string{"list_files": "a.txt, b.txt"}}
	backend := mockclient.NewScripted(
		mockclient.ToolTurn(mockclient.Call("c1", "list_files", `{"path":"."}`)),
		mockclient.TextTurn("You have two files."),
	)
	o := New(sessions, newCatalog("list_files"), invoker, backend, nil)

	out, err := o.Run(context.Background(), 1, "list files")
	require.NoError(t, err)
	assert.Equal(t, "You have two files.", out)
	assert.Equal(t, 1, invoker.callCount())
	assert.Equal(t, 2, backend.Calls())

	// The second backend turn must carry the tool result
	require.Len(t, backend.Requests, 2)
	second := backend.Requests[1].Messages
	var toolMsg *llm.Message
	for i := range second {
		if second[i].Role == "tool" {
			toolMsg = &second[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "a.txt, b.txt", toolMsg.Content)
	assert.Equal(t, "c1", toolMsg.ToolCallID)

	// Final assistant message lands in the session
	history := sessions.History(1)
	assert.Equal(t, "You have two files.", history[len(history)-1].Content)
}

func TestRun_MultipleInvocationsInOneTurn(t *testing.T) {
	sessions := newSessions(t)
	invoker := &fakeInvoker{results: map[string]string{
		"list_files": "a.txt",
		"web_search": "nothing relevant",
	}}
	backend := mockclient.NewScripted(
		mockclient.ToolTurn(
			mockclient.Call("c1", "list_files", `{}`),
			mockclient.Call("c2", "web_search", `{"q":"go"}`),
		),
		mockclient.TextTurn("done"),
	)
	o := New(sessions, newCatalog("list_files", "web_search"), invoker, backend, nil)

	out, err := o.Run(context.Background(), 1, "do both")
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	// Both invocations resolved before the second backend turn began
	assert.Equal(t, []string{"list_files", "web_search"}, invoker.calls)
	toolMsgs := 0
	for _, m := range backend.Requests[1].Messages {
		if m.Role == "tool" {
			toolMsgs++
		}
	}
	assert.Equal(t, 2, toolMsgs)
}

func TestRun_InvocationErrorDoesNotAbortLoop(t *testing.T) {
	sessions := newSessions(t)
	invoker := &fakeInvoker{errs: map[string]error{"list_files": errors.New("provider exploded")}}
	backend := mockclient.NewScripted(
		mockclient.ToolTurn(mockclient.Call("c1", "list_files", `{}`)),
		mockclient.TextTurn("sorry, that failed"),
	)
	o := New(sessions, newCatalog("list_files"), invoker, backend, nil)

	out, err := o.Run(context.Background(), 1, "list files")
	require.NoError(t, err)
	assert.Equal(t, "sorry, that failed", out)

	// The error was surfaced to the model as the call's result
	var toolContent string
	for _, m := range backend.Requests[1].Messages {
		if m.Role == "tool" {
			toolContent = m.Content
		}
	}
	assert.Contains(t, toolContent, "provider exploded")
}

func TestRun_StepCeiling(t *testing.T) {
	sessions := newSessions(t)
	invoker := &fakeInvoker{results: map[string]string{"list_files": "a.txt"}}
	// A backend that requests a tool call every turn never terminates on its own
	backend := mockclient.NewScripted(
		mockclient.ToolTurn(mockclient.Call("c1", "list_files", `{}`)),
	)
	o := New(sessions, newCatalog("list_files"), invoker, backend, nil, WithMaxSteps(4))

	out, err := o.Run(context.Background(), 1, "loop forever")
	require.NoError(t, err)
	assert.Equal(t, 4, backend.Calls())
	assert.Equal(t, 4, invoker.callCount())
	assert.Equal(t, stepCeilingReply, out)
}

func TestRun_StepCeilingKeepsPartialText(t *testing.T) {
	sessions := newSessions(t)
	invoker := &fakeInvoker{results: map[string]string{"list_files": "a.txt"}}
	turn := llm.Message{
		Role:      "assistant",
		Content:   "still working on it",
		ToolCalls: []llm.ToolCall{mockclient.Call("c1", "list_files", `{}`)},
	}
	backend := mockclient.NewScripted(turn)
	o := New(sessions, newCatalog("list_files"), invoker, backend, nil, WithMaxSteps(2))

	out, err := o.Run(context.Background(), 1, "go")
	require.NoError(t, err)
	assert.Equal(t, "still working on it", out)
}

func TestRun_BackendFailureAbortsTurn(t *testing.T) {
	sessions := newSessions(t)
	backend := &failingBackend{err: errors.New("backend unreachable")}
	o := New(sessions, newCatalog("list_files"), &fakeInvoker{}, backend, nil)

	_, err := o.Run(context.Background(), 1, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unreachable")

	// The user message is recorded; no assistant message is
	history := sessions.History(1)
	require.Len(t, history, 1)
	assert.Equal(t, session.RoleUser, history[0].Role)
}

func TestRun_LongRunningDispatchedNotInvoked(t *testing.T) {
	sessions := newSessions(t)
	invoker := &fakeInvoker{}
	dispatcher := &fakeDispatcher{}
	backend := mockclient.NewScripted(
		mockclient.ToolTurn(mockclient.Call("c1", "generate_report", `{"topic":"q3"}`)),
		mockclient.TextTurn("working on it, will send the report when ready"),
	)
	o := New(sessions, newCatalog("generate_report"), invoker, backend, nil,
		WithLongRunning([]string{"generate_report"}, dispatcher))

	out, err := o.Run(context.Background(), 1, "make the q3 report")
	require.NoError(t, err)
	assert.Equal(t, "working on it, will send the report when ready", out)

	// Routed to the supervisor, never invoked inline
	assert.Equal(t, 0, invoker.callCount())
	assert.Equal(t, []string{"generate_report"}, dispatcher.jobs)

	// The model saw the accepted marker as the call's result
	var toolContent string
	for _, m := range backend.Requests[1].Messages {
		if m.Role == "tool" {
			toolContent = m.Content
		}
	}
	assert.Equal(t, backgroundAcceptedResult, toolContent)
}

func TestRun_InvalidArgumentsBecomeToolError(t *testing.T) {
	sessions := newSessions(t)
	invoker := &fakeInvoker{}
	backend := mockclient.NewScripted(
		mockclient.ToolTurn(mockclient.Call("c1", "list_files", `{not json`)),
		mockclient.TextTurn("never mind"),
	)
	o := New(sessions, newCatalog("list_files"), invoker, backend, nil)

	_, err := o.Run(context.Background(), 1, "list")
	require.NoError(t, err)

	// Malformed arguments never reach the invoker
	assert.Equal(t, 0, invoker.callCount())
	var toolContent string
	for _, m := range backend.Requests[1].Messages {
		if m.Role == "tool" {
			toolContent = m.Content
		}
	}
	assert.Contains(t, toolContent, "invalid arguments")
}

func TestRun_ConcurrentUsersKeepSeparateHistories(t *testing.T) {
	sessions := newSessions(t)
	catalog := newCatalog("list_files")

	var wg sync.WaitGroup
	for u := int64(1); u <= 3; u++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			o := New(sessions, catalog, &fakeInvoker{}, mockclient.New(), nil)
			for i := 0; i < 5; i++ {
				_, err := o.Run(context.Background(), user, fmt.Sprintf("user-%d-query-%d", user, i))
				assert.NoError(t, err)
			}
		}(u)
	}
	wg.Wait()

	for u := int64(1); u <= 3; u++ {
		history := sessions.History(u)
		require.Len(t, history, 10)
		for i := 0; i < 5; i++ {
			userMsg := history[i*2]
			assert.Equal(t, session.RoleUser, userMsg.Role)
			assert.Equal(t, fmt.Sprintf("user-%d-query-%d", u, i), userMsg.Content)
		}
	}
}

type failingBackend struct {
	err error
}

func (f *failingBackend) Chat(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
	return llm.ChatResponse{}, f.err
}
