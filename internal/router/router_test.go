// ABOUTME: Tests for the invocation router and its error taxonomy.
// ABOUTME: Validates owner resolution, failure wrapping, and timeout classification.

package router

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebakc/telegram-mcp-client/internal/registry"
)

type fakeCaller struct {
	result   string
	err      error
	provider string
	name     string
	args     map[string]any
	calls    int
}

func (f *fakeCaller) Call(_ context.Context, providerID, capability string, args map[string]any) (string, error) {
	f.calls++
	f.provider = providerID
	f.name = capability
	f.args = args
	return f.result, f.err
}

func TestRouter_Invoke(t *testing.T) {
	reg := registry.New(nil)
	reg.Register("files", []registry.Capability{{Name: "list_files"}})
	caller := &fakeCaller{result: "a.txt"}
	r := New(reg, caller, nil)

	out, err := r.Invoke(context.Background(), "list_files", map[string]any{"path": "."})
	require.NoError(t, err)
	assert.Equal(t, "a.txt", out)
	assert.Equal(t, "files", caller.provider)
	assert.Equal(t, "list_files", caller.name)
}

func TestRouter_Invoke_CapabilityNotFound(t *testing.T) {
	r := New(registry.New(nil), &fakeCaller{}, nil)

	_, err := r.Invoke(context.Background(), "missing", nil)
	var notFound *CapabilityNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.Capability)
}

func TestRouter_Invoke_ProviderFailureSingleAttempt(t *testing.T) {
	reg := registry.New(nil)
	reg.Register("files", []registry.Capability{{Name: "list_files"}})
	caller := &fakeCaller{err: errors.New("disk on fire")}
	r := New(reg, caller, nil)

	_, err := r.Invoke(context.Background(), "list_files", nil)
	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "files", invErr.ProviderID)
	assert.Contains(t, invErr.Error(), "disk on fire")

	// No retry at this layer
	assert.Equal(t, 1, caller.calls)
}

func TestIsTimeoutLike(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline sentinel", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"timeout substring", errors.New("rpc Timeout after 30s"), true},
		{"timed out substring", errors.New("request timed out"), true},
		{"semantic failure", errors.New("invalid arguments"), false},
		{"wrapped invocation error", &InvocationError{Capability: "x", ProviderID: "p", Err: errors.New("read timed out")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTimeoutLike(tt.err))
		})
	}
}
