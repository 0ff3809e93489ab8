// ABOUTME: Tests for the SQLite invocation audit log.
// ABOUTME: Validates schema creation, record insertion, and per-user queries.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RecordInvocation_GeneratesIDAndTimestamps(t *testing.T) {
	s := openTestStore(t)

	rec := &InvocationRecord{
		UserID:     100,
		ProviderID: "files",
		Capability: "list_files",
		Arguments:  `{"path":"."}`,
		Outcome:    OutcomeOK,
		Result:     "a.txt",
	}
	require.NoError(t, s.RecordInvocation(context.Background(), rec))

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.StartedAt.IsZero())
}

func TestStore_RecentInvocations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordInvocation(ctx, &InvocationRecord{
			UserID:     100,
			ProviderID: "files",
			Capability: "list_files",
			Attempt:    i + 1,
			Outcome:    OutcomeOK,
			StartedAt:  base.Add(time.Duration(i) * time.Second),
			FinishedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.RecordInvocation(ctx, &InvocationRecord{
		UserID:     200,
		ProviderID: "search",
		Capability: "web_search",
		Outcome:    OutcomeError,
		Error:      "upstream 500",
	}))

	records, err := s.RecentInvocations(ctx, 100, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Newest first, and only user 100's records
	assert.Equal(t, 3, records[0].Attempt)
	for _, rec := range records {
		assert.Equal(t, int64(100), rec.UserID)
	}
}

func TestStore_RecentInvocations_Empty(t *testing.T) {
	s := openTestStore(t)

	records, err := s.RecentInvocations(context.Background(), 999, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_RecordInvocation_BackgroundFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordInvocation(ctx, &InvocationRecord{
		UserID:     1,
		ProviderID: "media",
		Capability: "generate_report",
		Background: true,
		Attempt:    2,
		Outcome:    OutcomeError,
		Error:      "timed out",
	}))

	records, err := s.RecentInvocations(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Background)
	assert.Equal(t, "timed out", records[0].Error)
}
