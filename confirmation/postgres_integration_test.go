//go:build integration

package confirmation

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

func TestPostgresConfirmationLifecycle(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	s := NewPostgresStore(pool)
	require.NoError(t, s.EnsureSchema(ctx))

	c, err := s.Create(ctx, "tenant-a", CreateInput{
		ReasonCode:      "bulk_send_threshold",
		OwnerCommandRef: "cmd-123",
		RequestSnapshot: orchestration.Document{"recipients": 12000},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, c.Status)

	pending, err := s.CountPending(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	resolved, err := s.Resolve(ctx, "tenant-a", c.ConfirmationID, ResolveInput{
		Status:         StatusApproved,
		Action:         "approve",
		ActorSessionID: "session-42",
		ModuleTask:     orchestration.Document{"queue_item_id": "qi-7"},
	})
	require.NoError(t, err)
	require.NotNil(t, resolved)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, "session-42", resolved.Resolution.ActorSessionID)

	// the resolution is final
	again, err := s.Resolve(ctx, "tenant-a", c.ConfirmationID, ResolveInput{
		Status: StatusDenied,
		Action: "deny",
	})
	require.NoError(t, err)
	assert.Nil(t, again)

	got, err := s.Get(ctx, "tenant-a", c.ConfirmationID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusApproved, got.Status)

	items, err := s.List(ctx, "tenant-a", ListFilter{Status: StatusApproved})
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestPostgresConcurrentResolveSingleWinner(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	s := NewPostgresStore(pool)
	require.NoError(t, s.EnsureSchema(ctx))

	c, err := s.Create(ctx, "tenant-a", CreateInput{OwnerCommandRef: "cmd-1"})
	require.NoError(t, err)

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan *Confirmation, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := StatusApproved
			if i%2 == 1 {
				status = StatusDenied
			}
			resolved, err := s.Resolve(ctx, "tenant-a", c.ConfirmationID, ResolveInput{
				Status: status,
				Action: string(status),
			})
			if err == nil {
				results <- resolved
			}
		}(i)
	}
	wg.Wait()
	close(results)

	winners := 0
	for resolved := range results {
		if resolved != nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "the guarded update admits exactly one resolution")
}
