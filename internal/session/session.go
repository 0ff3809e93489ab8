// ABOUTME: In-memory per-user conversational state with bounded history.
// ABOUTME: Idle sessions are evicted by a periodic background sweep.

package session

import (
	"log/slog"
	"sync"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single immutable conversation entry.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// Session holds one user's conversational state. All fields are owned by the
// Store; callers receive copies via Snapshot.
type Session struct {
	UserID          int64
	History         []Message
	ActiveProviders map[string]bool
	CreatedAt       time.Time
	LastActivity    time.Time
}

const (
	// DefaultMaxHistory is the number of most-recent messages retained.
	DefaultMaxHistory = 20
	// DefaultIdleTimeout is how long a session may sit untouched before
	// the sweep removes it.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultSweepInterval is how often the eviction sweep runs.
	DefaultSweepInterval = 5 * time.Minute
)

// Store manages sessions keyed by user ID. Sessions are created lazily and
// evicted after DefaultIdleTimeout of inactivity. A background goroutine
// performs the sweep; Close stops it.
type Store struct {
	mu            sync.Mutex
	sessions      map[int64]*Session
	maxHistory    int
	idleTimeout   time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	done          chan struct{}
	closed        bool
}

// Option adjusts Store construction, mainly so tests can shrink timings.
type Option func(*Store)

// WithMaxHistory overrides the retained-history cap.
func WithMaxHistory(n int) Option {
	return func(s *Store) { s.maxHistory = n }
}

// WithIdleTimeout overrides the idle eviction threshold.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Store) { s.idleTimeout = d }
}

// WithSweepInterval overrides the sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepInterval = d }
}

// NewStore creates a session store and starts its eviction sweeper.
func NewStore(logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		sessions:      make(map[int64]*Session),
		maxHistory:    DefaultMaxHistory,
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
		logger:        logger.With("component", "session"),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweeper()
	return s
}

// GetOrCreate returns the user's session, creating an empty one on first
// access. Every call bumps last activity.
func (s *Store) GetOrCreate(userID int64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(userID)
}

func (s *Store) getOrCreateLocked(userID int64) *Session {
	sess, ok := s.sessions[userID]
	if !ok {
		now := time.Now()
		sess = &Session{
			UserID:          userID,
			ActiveProviders: make(map[string]bool),
			CreatedAt:       now,
		}
		s.sessions[userID] = sess
		s.logger.Debug("session created", "user_id", userID)
	}
	sess.LastActivity = time.Now()
	return sess
}

// AppendMessage pushes a message onto the user's history, keeping only the
// most recent entries up to the history cap.
func (s *Store) AppendMessage(userID int64, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(userID)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	sess.History = append(sess.History, msg)
	if len(sess.History) > s.maxHistory {
		sess.History = sess.History[len(sess.History)-s.maxHistory:]
	}
}

// History returns a copy of the user's retained messages in insertion order.
func (s *Store) History(userID int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(userID)
	return append([]Message(nil), sess.History...)
}

// ClearHistory empties the user's history. Active providers and timestamps
// are left untouched; the session itself survives.
func (s *Store) ClearHistory(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(userID)
	sess.History = nil
}

// ActivateProvider marks a provider as active for the user. Idempotent.
func (s *Store) ActivateProvider(userID int64, providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(userID)
	sess.ActiveProviders[providerID] = true
}

// DeactivateProvider removes a provider from the user's active set. Idempotent.
func (s *Store) DeactivateProvider(userID int64, providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(userID)
	delete(sess.ActiveProviders, providerID)
}

// ActiveProviders returns the user's active provider IDs.
func (s *Store) ActiveProviders(userID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(userID)
	out := make([]string, 0, len(sess.ActiveProviders))
	for id := range sess.ActiveProviders {
		out = append(out, id)
	}
	return out
}

// Snapshot returns a copy of the session if it exists, without bumping last
// activity or creating one. Used by sweeps and diagnostics.
func (s *Store) Snapshot(userID int64) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return Session{}, false
	}
	cp := *sess
	cp.History = append([]Message(nil), sess.History...)
	cp.ActiveProviders = make(map[string]bool, len(sess.ActiveProviders))
	for id := range sess.ActiveProviders {
		cp.ActiveProviders[id] = true
	}
	return cp, true
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep removes every session idle longer than the eviction threshold and
// returns how many were removed. Normally driven by the background sweeper;
// exported so tests and shutdown paths can force a pass.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.LastActivity) > s.idleTimeout {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("idle sessions evicted", "count", removed, "remaining", len(s.sessions))
	}
	return removed
}

// sweeper runs in a background goroutine for the lifetime of the store.
func (s *Store) sweeper() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.done:
			return
		}
	}
}

// Close stops the background sweeper. Safe to call multiple times.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
