//go:build integration

package taskqueue

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

func TestPostgresQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	q := NewPostgresQueue(pool)
	require.NoError(t, q.EnsureSchema(ctx))

	first, err := q.Enqueue(ctx, newCommandSeq(0), EnqueueOptions{})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, newCommandSeq(1), EnqueueOptions{})
	require.NoError(t, err)

	claimed, err := q.ClaimNext(ctx, "tenant-a", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.QueueItemID, claimed.QueueItemID, "oldest item claims first")
	assert.Equal(t, StatusProcessing, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	// the claimed item stays in the working set until completion
	snap, err := q.GetQueue(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, snap.Pending, 2)
	assert.Equal(t, StatusProcessing, snap.Pending[0].Status)
	assert.Empty(t, snap.History)

	done, err := q.Complete(ctx, "tenant-a", claimed.QueueItemID, Completion{
		Status:        StatusCompleted,
		ResultSummary: orchestration.Document{"sent": 3},
	})
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.FinishedAt)

	// duplicate completion is swallowed
	dup, err := q.Complete(ctx, "tenant-a", claimed.QueueItemID, Completion{Status: StatusFailed})
	require.NoError(t, err)
	assert.Nil(t, dup)

	snap, err = q.GetQueue(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, second.QueueItemID, snap.Pending[0].QueueItemID)
	require.Len(t, snap.History, 1)
	assert.Equal(t, StatusCompleted, snap.History[0].Status)
}

func TestPostgresQueueConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	q := NewPostgresQueue(pool)
	require.NoError(t, q.EnsureSchema(ctx))

	const items = 5
	for i := 0; i < items; i++ {
		_, err := q.Enqueue(ctx, newCommandSeq(i), EnqueueOptions{})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	claims := make(chan string, items*2)
	for w := 0; w < items*2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := q.ClaimNext(ctx, "tenant-a", "worker")
			if err == nil && item != nil {
				claims <- item.QueueItemID
			}
		}()
	}
	wg.Wait()
	close(claims)

	seen := map[string]bool{}
	for id := range claims {
		assert.False(t, seen[id], "queue item %s claimed twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, items)
}

func newCommandSeq(seq int) orchestration.Command {
	return orchestration.NewCommand("module.task.execute", "tenant-a",
		orchestration.Document{"seq": seq},
		orchestration.WithTimestamp(time.Now().UTC().Add(time.Duration(seq)*time.Millisecond)))
}
