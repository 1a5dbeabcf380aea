package taskqueue

import (
	"context"
	"errors"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/observability"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS orchestration_queue_items (
    queue_item_id    TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    command_name     TEXT NOT NULL,
    status           TEXT NOT NULL,
    simulate_failure BOOLEAN NOT NULL DEFAULT FALSE,
    enqueued_at      TIMESTAMPTZ NOT NULL,
    started_at       TIMESTAMPTZ,
    finished_at      TIMESTAMPTZ,
    updated_at       TIMESTAMPTZ NOT NULL,
    error_code       TEXT NOT NULL DEFAULT '',
    result_summary   JSONB,
    claimed_by       TEXT NOT NULL DEFAULT '',
    command          JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS orchestration_queue_items_claim_idx
    ON orchestration_queue_items (tenant_id, enqueued_at)
    WHERE status = 'queued';

CREATE INDEX IF NOT EXISTS orchestration_queue_items_history_idx
    ON orchestration_queue_items (tenant_id, finished_at DESC)
    WHERE status IN ('completed', 'failed');
`

const itemColumns = `queue_item_id, status, simulate_failure, enqueued_at, started_at,
    finished_at, updated_at, error_code, result_summary, claimed_by, command`

// PostgresQueue stores queue items in a single table. Claim exclusivity
// comes from FOR UPDATE SKIP LOCKED, so concurrent workers never block
// each other or double-claim.
type PostgresQueue struct {
	pool         *pgxpool.Pool
	historyLimit int
	logger       orchestration.Logger
}

// PostgresQueueOption customizes a PostgresQueue.
type PostgresQueueOption func(*PostgresQueue)

// WithPostgresHistoryLimit overrides the finished-item window bound.
func WithPostgresHistoryLimit(n int) PostgresQueueOption {
	return func(q *PostgresQueue) {
		if n > 0 {
			q.historyLimit = n
		}
	}
}

// WithPostgresQueueLogger sets the queue logger.
func WithPostgresQueueLogger(logger orchestration.Logger) PostgresQueueOption {
	return func(q *PostgresQueue) { q.logger = logger }
}

// NewPostgresQueue wraps an existing connection pool. Call EnsureSchema
// once at startup before using the queue.
func NewPostgresQueue(pool *pgxpool.Pool, opts ...PostgresQueueOption) *PostgresQueue {
	q := &PostgresQueue{pool: pool, historyLimit: DefaultHistoryLimit}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	q.logger = orchestration.NormalizeLogger(q.logger)
	return q
}

// EnsureSchema creates the queue table and indexes when missing.
func (q *PostgresQueue) EnsureSchema(ctx context.Context) error {
	if _, err := q.pool.Exec(ctx, queueSchema); err != nil {
		return wrapQueueDBError(err, "ensure queue schema")
	}
	return nil
}

// Enqueue inserts a queued item wrapping the command.
func (q *PostgresQueue) Enqueue(ctx context.Context, cmd orchestration.Command, opts EnqueueOptions) (*Item, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	row := q.pool.QueryRow(ctx, `
        INSERT INTO orchestration_queue_items
            (queue_item_id, tenant_id, command_name, status, simulate_failure, enqueued_at, updated_at, command)
        VALUES ($1, $2, $3, 'queued', $4, now(), now(), $5)
        RETURNING `+itemColumns,
		uuid.NewString(), cmd.TenantID, cmd.Name, opts.SimulateFailure, cmd)

	item, err := scanItem(row)
	if err != nil {
		return nil, wrapQueueDBError(err, "enqueue item")
	}

	observability.RecordTaskEnqueued(cmd.TenantID, cmd.Name)
	return item, nil
}

// ClaimNext atomically promotes the oldest queued item to processing.
// SKIP LOCKED makes concurrent claims take distinct rows; an empty backlog
// yields (nil, nil).
func (q *PostgresQueue) ClaimNext(ctx context.Context, tenantID, workerID string) (*Item, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, orchestration.ErrMissingTenantID
	}

	row := q.pool.QueryRow(ctx, `
        WITH next AS (
            SELECT queue_item_id FROM orchestration_queue_items
            WHERE tenant_id = $1 AND status = 'queued'
            ORDER BY enqueued_at ASC
            FOR UPDATE SKIP LOCKED
            LIMIT 1
        )
        UPDATE orchestration_queue_items i
        SET status = 'processing', started_at = now(), updated_at = now(), claimed_by = $2
        FROM next
        WHERE i.queue_item_id = next.queue_item_id
        RETURNING `+qualifiedItemColumns("i"),
		tenantID, strings.TrimSpace(workerID))

	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapQueueDBError(err, "claim item")
	}

	observability.RecordTaskClaimed(tenantID, item.Command.Name)
	return item, nil
}

// Complete finishes a processing item. The status guard in the UPDATE is
// what swallows duplicate completions: a row that already left processing
// matches nothing and the call reports (nil, nil).
func (q *PostgresQueue) Complete(ctx context.Context, tenantID, queueItemID string, c Completion) (*Item, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, orchestration.ErrMissingTenantID
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	row := q.pool.QueryRow(ctx, `
        UPDATE orchestration_queue_items
        SET status = $3, finished_at = now(), updated_at = now(), error_code = $4, result_summary = $5
        WHERE tenant_id = $1 AND queue_item_id = $2 AND status = 'processing'
        RETURNING `+itemColumns,
		tenantID, queueItemID, string(c.Status), strings.TrimSpace(c.ErrorCode), c.ResultSummary)

	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapQueueDBError(err, "complete item")
	}

	if err := q.trimHistory(ctx, tenantID); err != nil {
		q.logger.Warn("trim queue history tenant=%s: %v", tenantID, err)
	}

	observability.RecordTaskCompleted(tenantID, item.Command.Name, string(item.Status))
	return item, nil
}

// trimHistory deletes finished rows past the per-tenant window.
func (q *PostgresQueue) trimHistory(ctx context.Context, tenantID string) error {
	_, err := q.pool.Exec(ctx, `
        DELETE FROM orchestration_queue_items
        WHERE tenant_id = $1
          AND status IN ('completed', 'failed')
          AND queue_item_id NOT IN (
              SELECT queue_item_id FROM orchestration_queue_items
              WHERE tenant_id = $1 AND status IN ('completed', 'failed')
              ORDER BY finished_at DESC
              LIMIT $2
          )`, tenantID, q.historyLimit)
	if err != nil {
		return wrapQueueDBError(err, "trim queue history")
	}
	return nil
}

// GetQueue returns the tenant's working set (queued and in-flight items,
// oldest first) and finished history (newest first). Items leave the
// working set only on terminal completion.
func (q *PostgresQueue) GetQueue(ctx context.Context, tenantID string) (*Snapshot, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, orchestration.ErrMissingTenantID
	}

	snap := &Snapshot{Pending: []Item{}, History: []Item{}}

	rows, err := q.pool.Query(ctx, `
        SELECT `+itemColumns+` FROM orchestration_queue_items
        WHERE tenant_id = $1 AND status IN ('queued', 'processing')
        ORDER BY enqueued_at ASC`, tenantID)
	if err != nil {
		return nil, wrapQueueDBError(err, "read backlog")
	}
	snap.Pending, err = collectItems(rows)
	if err != nil {
		return nil, wrapQueueDBError(err, "read backlog")
	}

	rows, err = q.pool.Query(ctx, `
        SELECT `+itemColumns+` FROM orchestration_queue_items
        WHERE tenant_id = $1 AND status IN ('completed', 'failed')
        ORDER BY finished_at DESC
        LIMIT $2`, tenantID, q.historyLimit)
	if err != nil {
		return nil, wrapQueueDBError(err, "read history")
	}
	snap.History, err = collectItems(rows)
	if err != nil {
		return nil, wrapQueueDBError(err, "read history")
	}

	observability.SetQueueDepth(tenantID, countQueued(snap.Pending))
	return snap, nil
}

func qualifiedItemColumns(alias string) string {
	cols := strings.Split(itemColumns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}

func scanItem(row pgx.Row) (*Item, error) {
	var item Item
	err := row.Scan(
		&item.QueueItemID,
		&item.Status,
		&item.SimulateFailure,
		&item.EnqueuedAt,
		&item.StartedAt,
		&item.FinishedAt,
		&item.UpdatedAt,
		&item.ErrorCode,
		&item.ResultSummary,
		&item.ClaimedBy,
		&item.Command,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func collectItems(rows pgx.Rows) ([]Item, error) {
	defer rows.Close()
	items := []Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func wrapQueueDBError(err error, message string) error {
	return goerrors.Wrap(err, goerrors.CategoryExternal, message).
		WithTextCode("QUEUE_DB_FAILED")
}
