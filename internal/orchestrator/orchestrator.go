// ABOUTME: Drives the model loop: history + capabilities in, tool calls resolved, text out.
// ABOUTME: Long-running capabilities are handed off to the background supervisor.

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebakc/telegram-mcp-client/internal/llm"
	"github.com/sebakc/telegram-mcp-client/internal/registry"
	"github.com/sebakc/telegram-mcp-client/internal/session"
	"github.com/sebakc/telegram-mcp-client/internal/store"
)

// DefaultMaxSteps bounds backend turns within one logical query.
const DefaultMaxSteps = 10

// NoProvidersReply is returned verbatim when no provider is connected.
const NoProvidersReply = "No tool providers are connected. Connect one with /connect before asking me to use tools."

// stepCeilingReply is returned when the step budget runs out with no text.
const stepCeilingReply = "I reached my step limit before finishing. Here is what I have so far; please try a narrower request."

// backgroundAcceptedResult is fed to the model as the outcome of a
// long-running call that was handed to the supervisor.
const backgroundAcceptedResult = "accepted: running in the background, the result will be delivered separately"

// Invoker routes a single capability invocation. Implemented by router.Router.
type Invoker interface {
	Invoke(ctx context.Context, capability string, args map[string]any) (string, error)
}

// Catalog enumerates the currently available capabilities. Implemented by
// registry.Registry.
type Catalog interface {
	All() []registry.Capability
}

// Dispatcher accepts invocations that must run outside the synchronous turn.
// Implemented by background.Supervisor.
type Dispatcher interface {
	Dispatch(userID int64, capability string, args map[string]any)
}

// Recorder persists invocation audit records. Implemented by store.Store;
// may be nil to disable auditing.
type Recorder interface {
	RecordInvocation(ctx context.Context, rec *store.InvocationRecord) error
}

// Orchestrator owns the model-driven tool-call loop for chat turns.
type Orchestrator struct {
	sessions *session.Store
	catalog  Catalog
	invoker  Invoker
	backend  llm.Client

	model       string
	temperature float64
	maxSteps    int
	longRunning map[string]bool
	dispatcher  Dispatcher
	recorder    Recorder
	logger      *slog.Logger
}

// Option adjusts Orchestrator construction.
type Option func(*Orchestrator)

// WithModel sets the backend model name sent with every chat request.
func WithModel(model string) Option {
	return func(o *Orchestrator) { o.model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Orchestrator) { o.temperature = t }
}

// WithMaxSteps overrides the backend-turn ceiling.
func WithMaxSteps(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// WithLongRunning marks capability names that are dispatched to the
// background supervisor instead of being invoked inline.
func WithLongRunning(names []string, d Dispatcher) Option {
	return func(o *Orchestrator) {
		o.longRunning = make(map[string]bool, len(names))
		for _, n := range names {
			o.longRunning[n] = true
		}
		o.dispatcher = d
	}
}

// WithRecorder wires the invocation audit log.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// New creates an Orchestrator over the given collaborators.
func New(sessions *session.Store, catalog Catalog, invoker Invoker, backend llm.Client, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		sessions: sessions,
		catalog:  catalog,
		invoker:  invoker,
		backend:  backend,
		maxSteps: DefaultMaxSteps,
		logger:   logger.With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one logical user query: it appends the query to the session,
// drives backend turns until the model stops requesting invocations or the
// step ceiling is hit, and returns the final assistant text. Only a backend
// communication failure returns an error; individual invocation failures are
// folded into the model's context as tool results.
func (o *Orchestrator) Run(ctx context.Context, userID int64, query string) (string, error) {
	o.sessions.AppendMessage(userID, session.Message{Role: session.RoleUser, Content: query})

	caps := o.catalog.All()
	if len(caps) == 0 {
		o.sessions.AppendMessage(userID, session.Message{Role: session.RoleAssistant, Content: NoProvidersReply})
		return NoProvidersReply, nil
	}

	tools := toolDefinitions(caps)
	working := historyMessages(o.sessions.History(userID))

	lastText := ""
	for step := 0; step < o.maxSteps; step++ {
		resp, err := o.backend.Chat(ctx, llm.ChatRequest{
			Model:       o.model,
			Messages:    working,
			Tools:       tools,
			Temperature: o.temperature,
		})
		if err != nil {
			return "", fmt.Errorf("backend turn %d: %w", step+1, err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("backend turn %d: no choices returned", step+1)
		}

		msg := resp.Choices[0].Message
		if msg.Content != "" {
			lastText = msg.Content
		}

		if len(msg.ToolCalls) == 0 {
			o.sessions.AppendMessage(userID, session.Message{Role: session.RoleAssistant, Content: msg.Content})
			return msg.Content, nil
		}

		// All invocations of this turn must resolve before the next turn
		working = append(working, msg)
		for _, call := range msg.ToolCalls {
			working = append(working, o.resolveCall(ctx, userID, call))
		}
	}

	final := lastText
	if final == "" {
		final = stepCeilingReply
	}
	o.logger.Warn("step ceiling reached", "user_id", userID, "max_steps", o.maxSteps)
	o.sessions.AppendMessage(userID, session.Message{Role: session.RoleAssistant, Content: final})
	return final, nil
}

// resolveCall executes one requested invocation and shapes its outcome as a
// tool message for the model. Failures become the call's result; the loop
// continues either way.
func (o *Orchestrator) resolveCall(ctx context.Context, userID int64, call llm.ToolCall) llm.Message {
	name := call.Function.Name
	started := time.Now().UTC()

	args := map[string]any{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			result := fmt.Sprintf("invalid arguments for %s: %v", name, err)
			o.logger.Warn("invocation arguments rejected", "capability", name, "error", err)
			return toolMessage(call, result)
		}
	}

	if o.longRunning[name] && o.dispatcher != nil {
		o.dispatcher.Dispatch(userID, name, args)
		o.logger.Info("invocation dispatched to background",
			"user_id", userID,
			"capability", name,
		)
		return toolMessage(call, backgroundAcceptedResult)
	}

	result, err := o.invoker.Invoke(ctx, name, args)
	outcome := store.OutcomeOK
	if err != nil {
		outcome = store.OutcomeError
		result = fmt.Sprintf("tool error: %v", err)
	}

	o.logger.Info("invocation resolved",
		"user_id", userID,
		"capability", name,
		"arguments", call.Function.Arguments,
		"outcome", outcome,
	)
	o.record(ctx, &store.InvocationRecord{
		UserID:     userID,
		Capability: name,
		Arguments:  call.Function.Arguments,
		Attempt:    1,
		Outcome:    outcome,
		Result:     truncate(result, 4096),
		Error:      errString(err),
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	})

	return toolMessage(call, result)
}

func (o *Orchestrator) record(ctx context.Context, rec *store.InvocationRecord) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordInvocation(ctx, rec); err != nil {
		o.logger.Warn("audit record failed", "capability", rec.Capability, "error", err)
	}
}

func toolMessage(call llm.ToolCall, content string) llm.Message {
	return llm.Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: call.ID,
	}
}

// toolDefinitions exposes the capability catalog to the model.
func toolDefinitions(caps []registry.Capability) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, len(caps))
	for i, cap := range caps {
		defs[i] = llm.ToolDefinition{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        cap.Name,
				Description: cap.Description,
				Parameters:  cap.InputSchema,
			},
		}
	}
	return defs
}

// historyMessages converts retained session history into backend messages.
func historyMessages(history []session.Message) []llm.Message {
	msgs := make([]llm.Message, len(history))
	for i, m := range history {
		msgs[i] = llm.Message{Role: string(m.Role), Content: m.Content}
	}
	return msgs
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
