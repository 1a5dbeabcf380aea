//go:build integration

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/goliatone/go-orchestration"
)

func startPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("orchestration"),
		postgrescontainer.WithUsername("orchestration"),
		postgrescontainer.WithPassword("orchestration"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}

func TestPostgresLedgerAppendAndRecentReads(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	l := NewPostgresLedger(pool, WithPostgresHistoryBound(5))
	require.NoError(t, l.EnsureSchema(ctx))

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 8; i++ {
		cmd := orchestration.NewCommand("module.task.execute", "tenant-a",
			orchestration.Document{"seq": i},
			orchestration.WithTimestamp(base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, l.AppendCommand(ctx, cmd))
	}

	recent, err := l.Commands(ctx, "tenant-a", 0)
	require.NoError(t, err)
	require.Len(t, recent, 5, "recent reads serve the bounded window")
	assert.EqualValues(t, 3, recent[0].Payload["seq"], "window holds the newest entries")
	assert.EqualValues(t, 7, recent[4].Payload["seq"], "window is chronological ascending")
}

func TestPostgresLedgerTraceCompleteness(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	l := NewPostgresLedger(pool)
	require.NoError(t, l.EnsureSchema(ctx))

	base := time.Now().UTC().Add(-time.Hour)
	cmd := orchestration.NewCommand("lead.qualify", "tenant-a", nil,
		orchestration.WithTimestamp(base))
	require.NoError(t, l.AppendCommand(ctx, cmd))

	late := orchestration.NewEvent("lead.qualified", "tenant-a", nil,
		orchestration.CausedBy(cmd), orchestration.WithTimestamp(base.Add(2*time.Second)))
	early := orchestration.NewEvent("lead.qualify.started", "tenant-a", nil,
		orchestration.CausedBy(cmd), orchestration.WithTimestamp(base.Add(time.Second)))
	require.NoError(t, l.AppendEvent(ctx, late))
	require.NoError(t, l.AppendEvent(ctx, early))

	unrelated := orchestration.NewCommand("other.command", "tenant-a", nil)
	require.NoError(t, l.AppendCommand(ctx, unrelated))

	trace, err := l.GetTrace(ctx, cmd.CorrelationID)
	require.NoError(t, err)
	require.Len(t, trace.Commands, 1)
	require.Len(t, trace.Events, 2)
	assert.Equal(t, early.EventID, trace.Events[0].EventID, "events sort by emission time")
	assert.Equal(t, late.EventID, trace.Events[1].EventID)
}
