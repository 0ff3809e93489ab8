// ABOUTME: Manages the lifecycle of connected MCP tool providers.
// ABOUTME: Connect performs the capability-listing handshake before any registration.

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sebakc/telegram-mcp-client/internal/registry"
)

// ErrProviderNotFound indicates no connected provider has the given ID.
var ErrProviderNotFound = errors.New("provider not found")

// ErrAlreadyConnected indicates a provider with the same ID is already connected.
var ErrAlreadyConnected = errors.New("provider already connected")

// ConnectionError reports a failed provider launch or handshake. The registry
// is left untouched when it occurs.
type ConnectionError struct {
	ProviderID string
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting provider %q: %v", e.ProviderID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// LaunchSpec describes how to start and identify a tool provider.
type LaunchSpec struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	AutoConnect bool              `yaml:"auto_connect"`
}

// session is the slice of the MCP client surface the manager depends on.
// Production code uses mark3labs/mcp-go stdio clients; tests inject fakes.
type session interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// dialFunc launches a provider process and returns its MCP session.
type dialFunc func(spec LaunchSpec) (session, error)

func stdioDial(spec LaunchSpec) (session, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	return client.NewStdioMCPClient(spec.Command, env, spec.Args...)
}

// Connection is a live provider session tracked by the Manager.
type Connection struct {
	ID   string
	Name string
	Spec LaunchSpec

	sess session
}

// Manager owns provider connections and keeps the capability registry in
// sync with them: capabilities appear only after a successful handshake and
// disappear on disconnect.
type Manager struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	registry *registry.Registry
	logger   *slog.Logger
	dial     dialFunc
}

// NewManager creates a Manager backed by the given capability registry.
func NewManager(reg *registry.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conns:    make(map[string]*Connection),
		registry: reg,
		logger:   logger.With("component", "provider"),
		dial:     stdioDial,
	}
}

// Connect launches the provider, performs the initialize handshake and the
// tools/list exchange, and only then registers its capabilities. On any
// failure the session is torn down and the registry is left untouched.
func (m *Manager) Connect(ctx context.Context, spec LaunchSpec) error {
	m.mu.RLock()
	_, exists := m.conns[spec.ID]
	m.mu.RUnlock()
	if exists {
		return &ConnectionError{ProviderID: spec.ID, Err: ErrAlreadyConnected}
	}

	sess, err := m.dial(spec)
	if err != nil {
		return &ConnectionError{ProviderID: spec.ID, Err: fmt.Errorf("launch: %w", err)}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "telegram-mcp-client",
		Version: "1.0.0",
	}
	if _, err := sess.Initialize(ctx, initReq); err != nil {
		_ = sess.Close()
		return &ConnectionError{ProviderID: spec.ID, Err: fmt.Errorf("initialize: %w", err)}
	}

	toolsRes, err := sess.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = sess.Close()
		return &ConnectionError{ProviderID: spec.ID, Err: fmt.Errorf("listing tools: %w", err)}
	}

	caps := make([]registry.Capability, 0, len(toolsRes.Tools))
	for _, tool := range toolsRes.Tools {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			_ = sess.Close()
			return &ConnectionError{ProviderID: spec.ID, Err: fmt.Errorf("encoding schema for %q: %w", tool.Name, err)}
		}
		caps = append(caps, registry.Capability{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	conn := &Connection{ID: spec.ID, Name: spec.Name, Spec: spec, sess: sess}

	m.mu.Lock()
	if _, exists := m.conns[spec.ID]; exists {
		m.mu.Unlock()
		_ = sess.Close()
		return &ConnectionError{ProviderID: spec.ID, Err: ErrAlreadyConnected}
	}
	m.conns[spec.ID] = conn
	m.mu.Unlock()

	m.registry.Register(spec.ID, caps)
	m.logger.Info("provider connected",
		"provider_id", spec.ID,
		"name", spec.Name,
		"capabilities", len(caps),
	)
	return nil
}

// Disconnect tears down a provider session. Teardown errors are logged, not
// returned: unregistration always happens so no stale capabilities survive.
func (m *Manager) Disconnect(_ context.Context, providerID string) error {
	m.mu.Lock()
	conn, ok := m.conns[providerID]
	if ok {
		delete(m.conns, providerID)
	}
	m.mu.Unlock()

	if !ok {
		return ErrProviderNotFound
	}

	if err := conn.sess.Close(); err != nil {
		m.logger.Warn("provider teardown failed",
			"provider_id", providerID,
			"error", err,
		)
	}
	m.registry.Unregister(providerID)
	m.logger.Info("provider disconnected", "provider_id", providerID)
	return nil
}

// DisconnectAll disconnects every tracked provider concurrently. Each
// disconnect is independent; one failure does not block the others.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Disconnect(ctx, id); err != nil && !errors.Is(err, ErrProviderNotFound) {
				m.logger.Warn("disconnect failed", "provider_id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// Call invokes a capability on a specific connected provider and returns the
// textual result. A tool-level error reported by the provider comes back as
// a Go error carrying the provider's message.
func (m *Manager) Call(ctx context.Context, providerID, capability string, args map[string]any) (string, error) {
	m.mu.RLock()
	conn, ok := m.conns[providerID]
	m.mu.RUnlock()
	if !ok {
		return "", ErrProviderNotFound
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = capability
	req.Params.Arguments = args

	res, err := conn.sess.CallTool(ctx, req)
	if err != nil {
		return "", err
	}

	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", errors.New(text)
	}
	return text, nil
}

// IsConnected reports whether a provider with the given ID is currently live.
func (m *Manager) IsConnected(providerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[providerID]
	return ok
}

// Connected returns the IDs of all live providers.
func (m *Manager) Connected() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

// flattenContent joins the text parts of an MCP tool result. Non-text parts
// are summarized by type rather than dropped silently.
func flattenContent(parts []mcp.Content) string {
	var out string
	for _, part := range parts {
		switch c := part.(type) {
		case mcp.TextContent:
			if out != "" {
				out += "\n"
			}
			out += c.Text
		case mcp.ImageContent:
			if out != "" {
				out += "\n"
			}
			out += "[image: " + c.MIMEType + "]"
		}
	}
	return out
}
