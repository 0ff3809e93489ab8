// ABOUTME: Runs long-running invocations outside the chat turn with bounded retries.
// ABOUTME: Recovers timed-out work by scanning for the artifact the provider produced.

package background

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebakc/telegram-mcp-client/internal/router"
	"github.com/sebakc/telegram-mcp-client/internal/store"
)

const (
	// DefaultMaxAttempts bounds retries for one job.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay seeds the exponential backoff between attempts.
	DefaultBaseDelay = 5 * time.Second
	// DefaultGracePeriod is how long to wait before the artifact scan when a
	// timeout-like failure may hide completed work.
	DefaultGracePeriod = 10 * time.Second
	// DefaultMaxConcurrent caps simultaneously running background jobs.
	DefaultMaxConcurrent = 4
)

// Job is one long-running invocation to supervise.
type Job struct {
	ID           string // UUID, generated if empty
	UserID       int64
	Capability   string
	Arguments    map[string]any
	ArtifactHint string // substring expected in the produced artifact's name
}

// Delivery receives job outcomes. Implementations must tolerate being called
// from supervisor goroutines; each job produces exactly one call.
type Delivery interface {
	// Delivered reports success. artifactPath is empty unless the outcome
	// was recovered from (or produced as) a file on disk.
	Delivered(userID int64, message, artifactPath string)
	// Failed reports that every attempt was exhausted.
	Failed(userID int64, message string)
}

// Invoker performs a single invocation attempt. Implemented by router.Router.
type Invoker interface {
	Invoke(ctx context.Context, capability string, args map[string]any) (string, error)
}

// Recorder persists per-attempt audit records; may be nil.
type Recorder interface {
	RecordInvocation(ctx context.Context, rec *store.InvocationRecord) error
}

// Supervisor executes jobs on a bounded worker pool. Jobs run to success or
// retry exhaustion; there is no cancellation once a job has started.
type Supervisor struct {
	invoker  Invoker
	delivery Delivery
	recorder Recorder
	logger   *slog.Logger

	artifactDir string
	maxAttempts int
	baseDelay   time.Duration
	gracePeriod time.Duration

	slots chan struct{}
	wg    sync.WaitGroup
}

// Option adjusts Supervisor construction.
type Option func(*Supervisor)

// WithArtifactDir sets the directory scanned by the timeout-survival check.
func WithArtifactDir(dir string) Option {
	return func(s *Supervisor) { s.artifactDir = dir }
}

// WithMaxAttempts overrides the retry bound.
func WithMaxAttempts(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBaseDelay overrides the backoff seed. Tests shrink this.
func WithBaseDelay(d time.Duration) Option {
	return func(s *Supervisor) { s.baseDelay = d }
}

// WithGracePeriod overrides the wait before the artifact scan.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) { s.gracePeriod = d }
}

// WithMaxConcurrent bounds how many jobs run at once.
func WithMaxConcurrent(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.slots = make(chan struct{}, n)
		}
	}
}

// WithRecorder wires the invocation audit log.
func WithRecorder(r Recorder) Option {
	return func(s *Supervisor) { s.recorder = r }
}

// New creates a Supervisor delivering outcomes through delivery.
func New(invoker Invoker, delivery Delivery, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		invoker:     invoker,
		delivery:    delivery,
		logger:      logger.With("component", "background"),
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		gracePeriod: DefaultGracePeriod,
		slots:       make(chan struct{}, DefaultMaxConcurrent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatch adapts the orchestrator's hand-off into a Job. The artifact hint
// is derived from the first string argument, which for the providers this
// was built against names the requested output.
func (s *Supervisor) Dispatch(userID int64, capability string, args map[string]any) {
	s.Submit(Job{
		UserID:       userID,
		Capability:   capability,
		Arguments:    args,
		ArtifactHint: firstStringArg(args),
	})
}

// Submit schedules a job. It returns immediately; the outcome arrives via
// the Delivery callback.
func (s *Supervisor) Submit(job Job) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.slots <- struct{}{}
		defer func() { <-s.slots }()
		s.run(job)
	}()
}

// Wait blocks until every submitted job has delivered its outcome. Used at
// shutdown and in tests.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// run drives one job through its retry budget. Deliberately detached from
// any caller context: the triggering request has already returned.
func (s *Supervisor) run(job Job) {
	ctx := context.Background()
	var lastErr error

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		started := time.Now().UTC()
		result, err := s.invoker.Invoke(ctx, job.Capability, job.Arguments)
		s.record(ctx, job, attempt, result, err, started)

		if err == nil {
			s.logger.Info("background job succeeded",
				"job_id", job.ID,
				"capability", job.Capability,
				"attempt", attempt,
			)
			s.delivery.Delivered(job.UserID, result, "")
			return
		}
		lastErr = err
		s.logger.Warn("background attempt failed",
			"job_id", job.ID,
			"capability", job.Capability,
			"attempt", attempt,
			"error", err,
		)

		// The provider's acknowledgment and its side effect are not
		// transactionally coupled: a timeout may hide finished work.
		if router.IsTimeoutLike(err) {
			if artifact, ok := s.recoverArtifact(job, started); ok {
				s.logger.Info("background job recovered from timeout",
					"job_id", job.ID,
					"capability", job.Capability,
					"artifact", artifact,
				)
				s.delivery.Delivered(job.UserID,
					fmt.Sprintf("%s finished despite a timeout; the result was recovered", job.Capability),
					artifact,
				)
				return
			}
		}

		if attempt < s.maxAttempts {
			time.Sleep(s.backoff(attempt))
		}
	}

	s.logger.Error("background job exhausted retries",
		"job_id", job.ID,
		"capability", job.Capability,
		"attempts", s.maxAttempts,
		"error", lastErr,
	)
	s.delivery.Failed(job.UserID, fmt.Sprintf("%s failed after %d attempts: %v", job.Capability, s.maxAttempts, lastErr))
}

// backoff returns the delay after a failed attempt: base*2, base*4, base*8...
func (s *Supervisor) backoff(attempt int) time.Duration {
	return s.baseDelay * time.Duration(1<<attempt)
}

// recoverArtifact waits out the grace period and scans the artifact
// directory for a file matching the job's hint that appeared after the
// attempt started. Best effort: the artifact may land after the grace
// window, in which case the retry path takes over.
func (s *Supervisor) recoverArtifact(job Job, since time.Time) (string, bool) {
	if s.artifactDir == "" {
		return "", false
	}
	time.Sleep(s.gracePeriod)

	entries, err := os.ReadDir(s.artifactDir)
	if err != nil {
		s.logger.Warn("artifact scan failed", "dir", s.artifactDir, "error", err)
		return "", false
	}

	slug := slugify(job.ArtifactHint)
	// One second of slack for filesystems with coarse mtime granularity
	cutoff := since.Add(-time.Second)
	var newest string
	var newestTime time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if slug != "" && !strings.Contains(slugify(entry.Name()), slug) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest = entry.Name()
			newestTime = info.ModTime()
		}
	}
	if newest == "" {
		return "", false
	}
	return filepath.Join(s.artifactDir, newest), true
}

func (s *Supervisor) record(ctx context.Context, job Job, attempt int, result string, err error, started time.Time) {
	if s.recorder == nil {
		return
	}
	outcome := store.OutcomeOK
	errMsg := ""
	if err != nil {
		outcome = store.OutcomeError
		errMsg = err.Error()
	}
	rec := &store.InvocationRecord{
		ID:         uuid.New().String(),
		UserID:     job.UserID,
		Capability: job.Capability,
		Arguments:  fmt.Sprintf("%v", job.Arguments),
		Background: true,
		Attempt:    attempt,
		Outcome:    outcome,
		Result:     result,
		Error:      errMsg,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	if recErr := s.recorder.RecordInvocation(ctx, rec); recErr != nil {
		s.logger.Warn("audit record failed", "job_id", job.ID, "error", recErr)
	}
}

// slugify lowercases and strips everything but letters and digits so hint
// matching survives provider naming conventions.
func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func firstStringArg(args map[string]any) string {
	// Prefer conventional naming keys before falling back to any string
	for _, key := range []string{"name", "filename", "title", "topic", "prompt"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	for _, v := range args {
		if str, ok := v.(string); ok && str != "" {
			return str
		}
	}
	return ""
}
