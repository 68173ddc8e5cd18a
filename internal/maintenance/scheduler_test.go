package maintenance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/config"
	"github.com/cuemby/strata/internal/schema"
	"github.com/cuemby/strata/internal/substrate"
	"github.com/cuemby/strata/internal/txstore"
)

func newTestScheduler(t *testing.T) (*Scheduler, *txstore.Store) {
	t.Helper()
	sub, err := substrate.NewLocal(t.TempDir())
	require.NoError(t, err)
	cfg := config.New(t.TempDir())
	store, err := txstore.New(sub, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for _, tbl := range schema.AllTables() {
		_, err := store.Create(ctx, tbl.Name, tbl.Schema)
		require.NoError(t, err)
	}

	return New(store, cfg.VacuumRetentionHours), store
}

func TestRunOnceSucceedsAcrossEveryTable(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t)

	require.NoError(t, s.RunOnce(ctx))
}

func TestRunOnceExpiresStaleSessions(t *testing.T) {
	ctx := context.Background()
	s, store := newTestScheduler(t)

	_, err := store.Append(ctx, schema.TableSessions, schema.Batch{
		{
			"token_hash": "stale",
			"user_id":    "u1",
			"username":   "alice",
			"role":       "trader",
			"created_at": "2020-01-01T00:00:00Z",
			"expires_at": "2020-01-02T00:00:00Z",
			"is_revoked": false,
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.RunOnce(ctx))

	rows, err := store.Scan(ctx, schema.TableSessions)
	require.NoError(t, err)
	require.Empty(t, rows, "expired sessions must be swept by RunOnce")
}

func TestClusterColumnsForKnownAndUnknownTables(t *testing.T) {
	require.NotEmpty(t, clusterColumnsFor(schema.TableSessions))
	require.NotEmpty(t, clusterColumnsFor(schema.TableAuditLog))
	require.NotEmpty(t, clusterColumnsFor(schema.TableUserActions))
	require.Empty(t, clusterColumnsFor(schema.TableUsers))
	require.Empty(t, clusterColumnsFor("nonexistent"))
}

func TestStartAndStopDoesNotPanic(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.Start()
	s.Stop()
}
