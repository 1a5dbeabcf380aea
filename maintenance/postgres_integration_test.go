//go:build integration

package maintenance

import (
	"context"
	"sync"
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

func TestPostgresScheduleLifecycle(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	s := NewPostgresStore(pool)
	require.NoError(t, s.EnsureSchema(ctx))

	sched, err := s.UpsertSchedule(ctx, ScheduleInput{
		TenantID:        "tenant-a",
		Enabled:         true,
		IntervalMinutes: 30,
		Limit:           100,
	})
	require.NoError(t, err)
	assert.True(t, sched.Enabled)
	assert.NotNil(t, sched.NextRunAt, "enabling schedules an eager first run")

	due, err := s.Runnable(ctx, RunnableFilter{})
	require.NoError(t, err)
	require.Len(t, due, 1)

	sched, err = s.MarkRun(ctx, "tenant-a", RunSummary{
		Processed: 4,
		Details:   orchestration.Document{"purged": 4},
	})
	require.NoError(t, err)
	require.NotNil(t, sched.LastRunAt)
	require.NotNil(t, sched.LastResult)
	assert.Equal(t, 4, sched.LastResult.Processed)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.After(*sched.LastRunAt))

	lastRunAt := *sched.LastRunAt

	// failures keep last_run_at pointing at the last success
	sched, err = s.MarkFailure(ctx, "tenant-a", "SWEEP_FAILED", orchestration.Document{"error": "boom"})
	require.NoError(t, err)
	require.NotNil(t, sched.LastResult)
	assert.Equal(t, "SWEEP_FAILED", sched.LastResult.ErrorCode)
	require.NotNil(t, sched.LastRunAt)
	assert.Equal(t, lastRunAt, *sched.LastRunAt)

	// an update that omits interval and limit keeps the tuning
	sched, err = s.UpsertSchedule(ctx, ScheduleInput{TenantID: "tenant-a", Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, sched.NextRunAt, "disable clears the slot")
	assert.Equal(t, 30, sched.IntervalMinutes)
	assert.Equal(t, 100, sched.Limit)
}

func TestPostgresLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	s := NewPostgresStore(pool)
	require.NoError(t, s.EnsureSchema(ctx))

	_, err := s.UpsertSchedule(ctx, ScheduleInput{TenantID: "tenant-a", Enabled: true})
	require.NoError(t, err)

	first, err := s.AcquireLock(ctx, "tenant-a", LockOptions{Owner: "runner-1"})
	require.NoError(t, err)
	require.True(t, first.OK)

	second, err := s.AcquireLock(ctx, "tenant-a", LockOptions{Owner: "runner-2"})
	require.NoError(t, err)
	assert.False(t, second.OK)
	assert.Equal(t, CodeLocked, second.Code)

	mismatch, err := s.ReleaseLock(ctx, "tenant-a", "wrong-run-id")
	require.NoError(t, err)
	assert.Equal(t, CodeLockMismatch, mismatch.Code)

	released, err := s.ReleaseLock(ctx, "tenant-a", first.Lock.RunID)
	require.NoError(t, err)
	assert.True(t, released.Released)
}

func TestPostgresStaleLockRecovery(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	s := NewPostgresStore(pool)
	require.NoError(t, s.EnsureSchema(ctx))

	_, err := s.UpsertSchedule(ctx, ScheduleInput{TenantID: "tenant-a", Enabled: true})
	require.NoError(t, err)

	base := time.Now().UTC()
	first, err := s.AcquireLock(ctx, "tenant-a", LockOptions{LockTTLSeconds: 60, Now: base})
	require.NoError(t, err)
	require.True(t, first.OK)

	recovered, err := s.AcquireLock(ctx, "tenant-a", LockOptions{Now: base.Add(61 * time.Second)})
	require.NoError(t, err)
	require.True(t, recovered.OK)
	assert.True(t, recovered.StaleRecovered)
}

func TestPostgresConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	s := NewPostgresStore(pool)
	require.NoError(t, s.EnsureSchema(ctx))

	_, err := s.UpsertSchedule(ctx, ScheduleInput{TenantID: "tenant-a", Enabled: true})
	require.NoError(t, err)

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan *AcquireResult, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.AcquireLock(ctx, "tenant-a", LockOptions{})
			if err == nil {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for res := range results {
		if res.OK {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "row lock serializes concurrent acquisitions")
}

func TestPostgresRunAuditTrail(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	s := NewPostgresStore(pool)
	require.NoError(t, s.EnsureSchema(ctx))

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		err := s.RecordRun(ctx, RunRecord{
			TenantID:  "tenant-a",
			Trigger:   TriggerSchedule,
			Status:    "completed",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	runs, err := s.Runs(ctx, RunFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, base.Add(2*time.Minute), runs[0].StartedAt, "newest run lists first")
}
