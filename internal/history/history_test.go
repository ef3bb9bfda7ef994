package history

import (
	"path/filepath"
	"testing"
	"time"

	"automation/internal/sqlitedb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedb.Open(t.Context(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestRecordAndList(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	entries := []Entry{
		{
			JobID: "j1", UserID: "alice", ServiceID: "damco-tracking-maersk", Status: "completed",
			CreditsReserved: 3, CreditsUsed: 3,
			InputFiles:  []string{"bookings.csv"},
			ResultFiles: []string{"001_BK1_tracking.pdf"},
			StartedAt:   base, EndedAt: base.Add(time.Minute),
		},
		{
			JobID: "j2", UserID: "alice", ServiceID: "ctg-port-tracking", Status: "failed",
			CreditsReserved: 5, Reason: "worker exited with code 1",
			InputFiles: []string{"containers.xlsx"},
			StartedAt:  base.Add(time.Hour), EndedAt: base.Add(time.Hour + 500*time.Millisecond),
		},
		{
			JobID: "j3", UserID: "bob", ServiceID: "example-automation", Status: "stopped",
			StartedAt: base, EndedAt: base.Add(2 * time.Second),
		},
	}
	for _, e := range entries {
		require.NoError(t, s.Record(t.Context(), e))
	}

	got, err := s.ListByUser(t.Context(), "alice", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "j2", got[0].JobID, "most recently ended first")
	assert.Equal(t, "worker exited with code 1", got[0].Reason)
	assert.Equal(t, []string{}, got[0].ResultFiles)
	assert.True(t, got[0].EndedAt.Equal(entries[1].EndedAt))
	assert.Equal(t, entries[0].ResultFiles, got[1].ResultFiles)
	assert.Equal(t, int64(3), got[1].CreditsUsed)

	got, err = s.ListByUser(t.Context(), "alice", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.ListByUser(t.Context(), "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecordKeepsFirstEntry(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	now := time.Now()

	require.NoError(t, s.Record(t.Context(), Entry{JobID: "j1", UserID: "u", Status: "completed", StartedAt: now, EndedAt: now}))
	require.NoError(t, s.Record(t.Context(), Entry{JobID: "j1", UserID: "u", Status: "failed", StartedAt: now, EndedAt: now}))

	got, err := s.ListByUser(t.Context(), "u", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "completed", got[0].Status)
}
