package confirmation

import (
	"context"
	"errors"
	"strconv"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/observability"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const confirmationSchema = `
CREATE TABLE IF NOT EXISTS orchestration_confirmations (
    confirmation_id   TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL,
    status            TEXT NOT NULL,
    reason_code       TEXT NOT NULL DEFAULT '',
    owner_command_ref TEXT NOT NULL,
    task_plan_ref     TEXT NOT NULL DEFAULT '',
    request_snapshot  JSONB,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL,
    resolved_at       TIMESTAMPTZ,
    resolution        JSONB,
    module_task       JSONB
);

CREATE INDEX IF NOT EXISTS orchestration_confirmations_tenant_created_idx
    ON orchestration_confirmations (tenant_id, created_at DESC);

CREATE INDEX IF NOT EXISTS orchestration_confirmations_pending_idx
    ON orchestration_confirmations (tenant_id)
    WHERE status = 'pending';
`

const confirmationColumns = `confirmation_id, tenant_id, status, reason_code,
    owner_command_ref, task_plan_ref, request_snapshot, created_at, updated_at,
    resolved_at, resolution, module_task`

// PostgresStore stores confirmations in one table. Single resolution comes
// from the status guard on the UPDATE: whichever attempt matches the
// pending row first wins, every later attempt matches zero rows.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger orchestration.Logger
}

// PostgresStoreOption customizes a PostgresStore.
type PostgresStoreOption func(*PostgresStore)

// WithPostgresStoreLogger sets the store logger.
func WithPostgresStoreLogger(logger orchestration.Logger) PostgresStoreOption {
	return func(s *PostgresStore) { s.logger = logger }
}

// NewPostgresStore wraps an existing connection pool. Call EnsureSchema
// once at startup before using the store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresStoreOption) *PostgresStore {
	s := &PostgresStore{pool: pool}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = orchestration.NormalizeLogger(s.logger)
	return s
}

// EnsureSchema creates the confirmation table and indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, confirmationSchema); err != nil {
		return wrapConfirmationDBError(err, "ensure confirmation schema")
	}
	return nil
}

// Create inserts a pending confirmation.
func (s *PostgresStore) Create(ctx context.Context, tenantID string, in CreateInput) (*Confirmation, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
        INSERT INTO orchestration_confirmations
            (confirmation_id, tenant_id, status, reason_code, owner_command_ref, task_plan_ref, request_snapshot, created_at, updated_at)
        VALUES ($1, $2, 'pending', $3, $4, $5, $6, now(), now())
        RETURNING `+confirmationColumns,
		uuid.NewString(),
		strings.TrimSpace(tenantID),
		strings.TrimSpace(in.ReasonCode),
		strings.TrimSpace(in.OwnerCommandRef),
		strings.TrimSpace(in.TaskPlanRef),
		in.RequestSnapshot)

	c, err := scanConfirmation(row)
	if err != nil {
		return nil, wrapConfirmationDBError(err, "create confirmation")
	}
	return c, nil
}

// Get returns the confirmation, or (nil, nil) when unknown.
func (s *PostgresStore) Get(ctx context.Context, tenantID, confirmationID string) (*Confirmation, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
        SELECT `+confirmationColumns+` FROM orchestration_confirmations
        WHERE tenant_id = $1 AND confirmation_id = $2`,
		tenantID, confirmationID)

	c, err := scanConfirmation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapConfirmationDBError(err, "get confirmation")
	}
	return c, nil
}

// CountPending reports the pending backlog size.
func (s *PostgresStore) CountPending(ctx context.Context, tenantID string) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}

	var count int
	err := s.pool.QueryRow(ctx, `
        SELECT count(*) FROM orchestration_confirmations
        WHERE tenant_id = $1 AND status = 'pending'`, tenantID).Scan(&count)
	if err != nil {
		return 0, wrapConfirmationDBError(err, "count pending confirmations")
	}
	return count, nil
}

// List returns the tenant's confirmations, newest first.
func (s *PostgresStore) List(ctx context.Context, tenantID string, f ListFilter) ([]Confirmation, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	limit := clampListLimit(f.Limit)

	query := `
        SELECT ` + confirmationColumns + ` FROM orchestration_confirmations
        WHERE tenant_id = $1`
	args := []any{tenantID}
	if f.Status != "" {
		query += ` AND status = $2`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapConfirmationDBError(err, "list confirmations")
	}
	defer rows.Close()

	items := []Confirmation{}
	for rows.Next() {
		c, err := scanConfirmation(rows)
		if err != nil {
			return nil, wrapConfirmationDBError(err, "scan confirmation")
		}
		items = append(items, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapConfirmationDBError(err, "list confirmations")
	}
	return items, nil
}

// Resolve applies the decision when the confirmation is still pending. The
// UPDATE's status guard means exactly one concurrent attempt ever matches;
// losers and unknown ids both yield (nil, nil).
func (s *PostgresStore) Resolve(ctx context.Context, tenantID, confirmationID string, in ResolveInput) (*Confirmation, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	resolution := Resolution{
		Action:           strings.TrimSpace(in.Action),
		ActorSessionID:   strings.TrimSpace(in.ActorSessionID),
		ResolutionReason: strings.TrimSpace(in.ResolutionReason),
	}

	row := s.pool.QueryRow(ctx, `
        UPDATE orchestration_confirmations
        SET status = $3, updated_at = now(), resolved_at = now(), resolution = $4, module_task = $5
        WHERE tenant_id = $1 AND confirmation_id = $2 AND status = 'pending'
        RETURNING `+confirmationColumns,
		tenantID, confirmationID, string(in.Status), resolution, in.ModuleTask)

	c, err := scanConfirmation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapConfirmationDBError(err, "resolve confirmation")
	}

	observability.RecordConfirmationResolved(tenantID, string(in.Status))
	return c, nil
}

func scanConfirmation(row pgx.Row) (*Confirmation, error) {
	var c Confirmation
	err := row.Scan(
		&c.ConfirmationID,
		&c.TenantID,
		&c.Status,
		&c.ReasonCode,
		&c.OwnerCommandRef,
		&c.TaskPlanRef,
		&c.RequestSnapshot,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.ResolvedAt,
		&c.Resolution,
		&c.ModuleTask,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func wrapConfirmationDBError(err error, message string) error {
	return goerrors.Wrap(err, goerrors.CategoryExternal, message).
		WithTextCode("CONFIRMATION_DB_FAILED")
}
