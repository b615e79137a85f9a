package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestSessionAuditRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordSessionTransition(ctx, "sess-1", "", "warming", ""))
	require.NoError(t, store.RecordSessionTransition(ctx, "sess-1", "ext-9", "ready", ""))
	require.NoError(t, store.RecordSessionTransition(ctx, "sess-2", "", "warming", ""))

	entries, err := store.ListSessionAudit(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "warming", entries[0].Status)
	assert.Equal(t, "ready", entries[1].Status)
	assert.Equal(t, "ext-9", entries[1].ExternalSessionID)
}

func TestStageSamplesPruneToKeep(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	for i := 1; i <= 12; i++ {
		require.NoError(t, store.AppendStageSample(ctx, "org/repo", "PROCESSING", time.Duration(i)*time.Second, 10))
	}
	require.NoError(t, store.AppendStageSample(ctx, "org/other", "PROCESSING", time.Minute, 10))

	samples, err := store.RecentStageSamples(ctx, 10)
	require.NoError(t, err)

	var repo, other []StageSample
	for _, s := range samples {
		switch s.Repository {
		case "org/repo":
			repo = append(repo, s)
		case "org/other":
			other = append(other, s)
		}
	}
	require.Len(t, repo, 10, "older samples pruned")
	assert.Equal(t, 3*time.Second, repo[0].Duration, "oldest surviving sample")
	assert.Equal(t, 12*time.Second, repo[9].Duration)
	require.Len(t, other, 1)
}
