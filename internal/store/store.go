// ABOUTME: SQLite-backed audit log of tool invocations using modernc.org/sqlite.
// ABOUTME: Records every attempt with arguments and outcome for debugging and review.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Outcome labels for invocation records.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// InvocationRecord is one attempted capability invocation.
type InvocationRecord struct {
	ID         string // UUID v4, generated if empty
	UserID     int64
	ProviderID string
	Capability string
	Arguments  string // JSON as sent to the provider
	Background bool   // handled by the retry supervisor
	Attempt    int    // 1-based attempt number
	Outcome    string // OutcomeOK or OutcomeError
	Result     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store is the SQLite audit log. Safe for concurrent use; database/sql
// serializes access to the single connection modernc.org/sqlite provides.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the audit database at the given path. Parent
// directories are created if needed and the schema is applied automatically.
func Open(path string) (*Store, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("audit store initialized", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS invocations (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			provider_id TEXT NOT NULL,
			capability TEXT NOT NULL,
			arguments TEXT NOT NULL DEFAULT '',
			background INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 1,
			outcome TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_invocations_user ON invocations(user_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_invocations_capability ON invocations(capability);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordInvocation appends an invocation record. ID and timestamps are
// generated when unset.
func (s *Store) RecordInvocation(ctx context.Context, rec *InvocationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invocations
			(id, user_id, provider_id, capability, arguments, background,
			 attempt, outcome, result, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.ProviderID, rec.Capability, rec.Arguments,
		rec.Background, rec.Attempt, rec.Outcome, rec.Result, rec.Error,
		rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("recording invocation: %w", err)
	}
	return nil
}

// RecentInvocations returns a user's latest invocation records, newest first.
// Limit defaults to 50 and is capped at 500.
func (s *Store) RecentInvocations(ctx context.Context, userID int64, limit int) ([]*InvocationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, provider_id, capability, arguments, background,
		       attempt, outcome, result, error, started_at, finished_at
		FROM invocations
		WHERE user_id = ?
		ORDER BY started_at DESC
		LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying invocations: %w", err)
	}
	defer rows.Close()

	var records []*InvocationRecord
	for rows.Next() {
		rec := &InvocationRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.ProviderID, &rec.Capability,
			&rec.Arguments, &rec.Background, &rec.Attempt, &rec.Outcome,
			&rec.Result, &rec.Error, &rec.StartedAt, &rec.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning invocation: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
