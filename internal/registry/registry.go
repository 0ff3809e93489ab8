// ABOUTME: Tracks the capabilities exposed by each connected tool provider.
// ABOUTME: Supports wholesale register/unregister per provider and flattened lookup.

package registry

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
)

// ErrCapabilityNotFound indicates no connected provider exposes the capability.
var ErrCapabilityNotFound = errors.New("capability not found")

// Capability describes a single named action a provider can perform.
type Capability struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Registry maps provider IDs to their capability lists. Lookups scan
// providers in registration order, so when two providers expose the same
// capability name the earlier-registered provider wins.
type Registry struct {
	mu         sync.RWMutex
	byProvider map[string][]Capability
	order      []string // provider IDs in first-registration order
	logger     *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byProvider: make(map[string][]Capability),
		logger:     logger.With("component", "registry"),
	}
}

// Register replaces the full capability list for a provider. A provider
// already registered keeps its position in the registration order; a new
// provider is appended.
func (r *Registry) Register(providerID string, caps []Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byProvider[providerID]; !exists {
		r.order = append(r.order, providerID)
	}
	r.byProvider[providerID] = append([]Capability(nil), caps...)

	r.logger.Info("capabilities registered",
		"provider_id", providerID,
		"count", len(caps),
	)
}

// Unregister removes a provider and all of its capabilities. Unknown
// providers are a no-op.
func (r *Registry) Unregister(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byProvider[providerID]; !exists {
		return
	}
	delete(r.byProvider, providerID)
	for i, id := range r.order {
		if id == providerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("capabilities unregistered", "provider_id", providerID)
}

// All returns every capability of every registered provider, flattened in
// provider-registration order.
func (r *Registry) All() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []Capability
	for _, id := range r.order {
		all = append(all, r.byProvider[id]...)
	}
	return all
}

// FindOwner resolves which provider exposes the named capability. Providers
// are scanned in registration order and the first match wins. Returns
// ErrCapabilityNotFound when no provider exposes the name.
func (r *Registry) FindOwner(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		for _, cap := range r.byProvider[id] {
			if cap.Name == name {
				return id, nil
			}
		}
	}
	return "", ErrCapabilityNotFound
}

// Providers returns the IDs of all registered providers in registration order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}
