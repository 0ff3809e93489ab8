// ABOUTME: Tests for the background retry supervisor.
// ABOUTME: Covers retry exhaustion, backoff order, and timeout-survival recovery.

package background

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedInvoker struct {
	mu    sync.Mutex
	errs  []error // error per attempt; nil means success
	calls int
}

func (f *scriptedInvoker) Invoke(_ context.Context, _ string, _ map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return "", f.errs[idx]
	}
	return "job output", nil
}

func (f *scriptedInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type capturedDelivery struct {
	mu        sync.Mutex
	delivered []string
	artifacts []string
	failed    []string
}

func (d *capturedDelivery) Delivered(_ int64, message, artifactPath string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, message)
	d.artifacts = append(d.artifacts, artifactPath)
}

func (d *capturedDelivery) Failed(_ int64, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed = append(d.failed, message)
}

func fastOptions(extra ...Option) []Option {
	opts := []Option{
		WithBaseDelay(time.Millisecond),
		WithGracePeriod(time.Millisecond),
	}
	return append(opts, extra...)
}

func TestSupervisor_FirstAttemptSucceeds(t *testing.T) {
	invoker := &scriptedInvoker{}
	delivery := &capturedDelivery{}
	s := New(invoker, delivery, nil, fastOptions()...)

	s.Submit(Job{UserID: 1, Capability: "generate_report"})
	s.Wait()

	assert.Equal(t, 1, invoker.callCount())
	require.Len(t, delivery.delivered, 1)
	assert.Equal(t, "job output", delivery.delivered[0])
	assert.Empty(t, delivery.failed)
}

func TestSupervisor_RetriesThenSucceeds(t *testing.T) {
	invoker := &scriptedInvoker{errs: []error{
		errors.New("flaky"),
		errors.New("still flaky"),
		nil,
	}}
	delivery := &capturedDelivery{}
	s := New(invoker, delivery, nil, fastOptions()...)

	s.Submit(Job{UserID: 1, Capability: "generate_report"})
	s.Wait()

	assert.Equal(t, 3, invoker.callCount())
	require.Len(t, delivery.delivered, 1)
	assert.Empty(t, delivery.failed)
}

func TestSupervisor_ThreeNonTimeoutFailuresAreTerminal(t *testing.T) {
	invoker := &scriptedInvoker{errs: []error{
		errors.New("bad input"),
		errors.New("bad input"),
		errors.New("bad input again"),
	}}
	delivery := &capturedDelivery{}
	s := New(invoker, delivery, nil, fastOptions()...)

	s.Submit(Job{UserID: 1, Capability: "generate_report"})
	s.Wait()

	assert.Equal(t, 3, invoker.callCount())
	assert.Empty(t, delivery.delivered)
	require.Len(t, delivery.failed, 1)
	// The terminal notification carries the last error's message
	assert.Contains(t, delivery.failed[0], "bad input again")
	assert.Contains(t, delivery.failed[0], "3 attempts")
}

// writingInvoker drops an artifact on disk mid-call, then reports a timeout:
// the provider finished its side effect but the acknowledgment was lost.
type writingInvoker struct {
	scriptedInvoker
	path string
}

func (w *writingInvoker) Invoke(ctx context.Context, capability string, args map[string]any) (string, error) {
	if err := os.WriteFile(w.path, []byte("pdf bytes"), 0644); err != nil {
		return "", err
	}
	return w.scriptedInvoker.Invoke(ctx, capability, args)
}

func TestSupervisor_TimeoutRecoveredByArtifactScan(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "Q3-Report_final.pdf")
	invoker := &writingInvoker{
		scriptedInvoker: scriptedInvoker{errs: []error{errors.New("request timed out")}},
		path:            artifact,
	}
	delivery := &capturedDelivery{}
	s := New(invoker, delivery, nil, fastOptions(WithArtifactDir(dir))...)

	s.Submit(Job{UserID: 1, Capability: "generate_report", ArtifactHint: "q3 report"})
	s.Wait()

	// Recovered on the first attempt, no retry
	assert.Equal(t, 1, invoker.callCount())
	require.Len(t, delivery.delivered, 1)
	assert.Equal(t, artifact, delivery.artifacts[0])
	assert.Empty(t, delivery.failed)
}

func TestSupervisor_TimeoutWithoutArtifactRetries(t *testing.T) {
	dir := t.TempDir()
	invoker := &scriptedInvoker{errs: []error{
		errors.New("deadline exceeded"),
		nil,
	}}
	delivery := &capturedDelivery{}
	s := New(invoker, delivery, nil, fastOptions(WithArtifactDir(dir))...)

	s.Submit(Job{UserID: 1, Capability: "generate_report", ArtifactHint: "q3"})
	s.Wait()

	// No artifact appeared within the grace window, so attempt 2 ran
	assert.Equal(t, 2, invoker.callCount())
	require.Len(t, delivery.delivered, 1)
	assert.Empty(t, delivery.artifacts[0])
}

func TestSupervisor_ArtifactHintMustMatch(t *testing.T) {
	dir := t.TempDir()
	invoker := &scriptedInvoker{errs: []error{
		errors.New("timed out"),
		errors.New("timed out"),
		errors.New("timed out"),
	}}
	delivery := &capturedDelivery{}
	s := New(invoker, delivery, nil, fastOptions(WithArtifactDir(dir))...)

	// A file for some other job must not satisfy this one
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0644))

	s.Submit(Job{UserID: 1, Capability: "generate_report", ArtifactHint: "q3 report"})
	s.Wait()

	assert.Empty(t, delivery.delivered)
	assert.Len(t, delivery.failed, 1)
}

func TestSupervisor_BackoffDoubles(t *testing.T) {
	s := New(&scriptedInvoker{}, &capturedDelivery{}, nil, WithBaseDelay(5*time.Second))

	assert.Equal(t, 10*time.Second, s.backoff(1))
	assert.Equal(t, 20*time.Second, s.backoff(2))
	assert.Equal(t, 40*time.Second, s.backoff(3))
}

func TestSupervisor_ConcurrentJobsAreIndependent(t *testing.T) {
	invoker := &scriptedInvoker{}
	delivery := &capturedDelivery{}
	s := New(invoker, delivery, nil, fastOptions(WithMaxConcurrent(2))...)

	for i := 0; i < 6; i++ {
		s.Submit(Job{UserID: int64(i), Capability: "generate_report"})
	}
	s.Wait()

	assert.Equal(t, 6, invoker.callCount())
	assert.Len(t, delivery.delivered, 6)
}

func TestDispatch_DerivesArtifactHint(t *testing.T) {
	assert.Equal(t, "monthly summary", firstStringArg(map[string]any{
		"pages": 3,
		"name":  "monthly summary",
	}))
	assert.Equal(t, "", firstStringArg(map[string]any{"count": 2}))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "q3report", slugify("Q3 Report"))
	assert.Equal(t, "q3reportfinalpdf", slugify("Q3-Report_final.pdf"))
	assert.Equal(t, "", slugify("--- ---"))
}
