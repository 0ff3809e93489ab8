// ABOUTME: Routes capability invocations to the provider that owns them.
// ABOUTME: Single attempt only; retry policy belongs to the background supervisor.

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sebakc/telegram-mcp-client/internal/registry"
)

// CapabilityNotFoundError reports a routing miss: no connected provider
// exposes the requested capability.
type CapabilityNotFoundError struct {
	Capability string
}

func (e *CapabilityNotFoundError) Error() string {
	return fmt.Sprintf("no connected provider exposes capability %q", e.Capability)
}

// InvocationError reports a provider-side failure during a call, carrying
// the provider's own message.
type InvocationError struct {
	Capability string
	ProviderID string
	Err        error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoking %q on provider %q: %v", e.Capability, e.ProviderID, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// timeoutMarkers are substrings that identify transport-level timeouts in
// provider error messages. Used by the background supervisor to decide
// whether the side effect may have completed despite a lost acknowledgment.
var timeoutMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"request canceled while waiting",
}

// IsTimeoutLike reports whether an invocation failure looks like a lost
// acknowledgment rather than a semantic failure.
func IsTimeoutLike(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range timeoutMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Caller is the slice of the provider manager the router needs.
type Caller interface {
	Call(ctx context.Context, providerID, capability string, args map[string]any) (string, error)
}

// Router resolves a capability to its owning provider and performs the call.
type Router struct {
	registry *registry.Registry
	caller   Caller
	logger   *slog.Logger
}

// New creates a Router over the given registry and provider caller.
func New(reg *registry.Registry, caller Caller, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: reg,
		caller:   caller,
		logger:   logger.With("component", "router"),
	}
}

// Invoke resolves the capability's owner and delegates the call. A routing
// miss yields *CapabilityNotFoundError; a provider failure yields
// *InvocationError wrapping the provider's message. Exactly one attempt.
func (r *Router) Invoke(ctx context.Context, capability string, args map[string]any) (string, error) {
	providerID, err := r.registry.FindOwner(capability)
	if err != nil {
		return "", &CapabilityNotFoundError{Capability: capability}
	}

	result, err := r.caller.Call(ctx, providerID, capability, args)
	if err != nil {
		return "", &InvocationError{Capability: capability, ProviderID: providerID, Err: err}
	}

	r.logger.Debug("invocation routed",
		"capability", capability,
		"provider_id", providerID,
	)
	return result, nil
}
