package maintenance

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/observability"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maintenanceSchema = `
CREATE TABLE IF NOT EXISTS orchestration_schedules (
    tenant_id        TEXT PRIMARY KEY,
    enabled          BOOLEAN NOT NULL DEFAULT FALSE,
    interval_minutes INTEGER NOT NULL,
    run_limit        INTEGER NOT NULL,
    mode             TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL,
    last_run_at      TIMESTAMPTZ,
    next_run_at      TIMESTAMPTZ,
    last_result      JSONB,
    lock_run_id      TEXT NOT NULL DEFAULT '',
    lock_owner       TEXT NOT NULL DEFAULT '',
    locked_at        TIMESTAMPTZ,
    lock_expires_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS orchestration_schedules_due_idx
    ON orchestration_schedules (next_run_at)
    WHERE enabled;

CREATE TABLE IF NOT EXISTS orchestration_maintenance_runs (
    run_id      TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    trigger     TEXT NOT NULL,
    status      TEXT NOT NULL,
    dry_run     BOOLEAN NOT NULL DEFAULT FALSE,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL,
    details     JSONB
);

CREATE INDEX IF NOT EXISTS orchestration_maintenance_runs_tenant_idx
    ON orchestration_maintenance_runs (tenant_id, started_at DESC);
`

const scheduleColumns = `tenant_id, enabled, interval_minutes, run_limit, mode,
    created_at, updated_at, last_run_at, next_run_at, last_result,
    lock_run_id, lock_owner, locked_at, lock_expires_at`

// PostgresStore keeps schedules and run records in two tables. Lease
// acquisition runs inside a transaction with SELECT FOR UPDATE so the
// staleness check and the grant are one atomic step across processes.
type PostgresStore struct {
	pool       *pgxpool.Pool
	runHistory int
	logger     orchestration.Logger
}

// PostgresStoreOption customizes a PostgresStore.
type PostgresStoreOption func(*PostgresStore)

// WithPostgresRunHistory overrides the run audit trail bound.
func WithPostgresRunHistory(n int) PostgresStoreOption {
	return func(s *PostgresStore) { s.runHistory = clampRunHistory(n) }
}

// WithPostgresStoreLogger sets the store logger.
func WithPostgresStoreLogger(logger orchestration.Logger) PostgresStoreOption {
	return func(s *PostgresStore) { s.logger = logger }
}

// NewPostgresStore wraps an existing connection pool. Call EnsureSchema
// once at startup before using the store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresStoreOption) *PostgresStore {
	s := &PostgresStore{pool: pool, runHistory: DefaultRunHistory}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = orchestration.NormalizeLogger(s.logger)
	return s
}

// EnsureSchema creates the maintenance tables and indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, maintenanceSchema); err != nil {
		return wrapMaintenanceDBError(err, "ensure maintenance schema")
	}
	return nil
}

// UpsertSchedule creates or updates the tenant's schedule.
func (s *PostgresStore) UpsertSchedule(ctx context.Context, in ScheduleInput) (*Schedule, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
        INSERT INTO orchestration_schedules
            (tenant_id, enabled, interval_minutes, run_limit, mode, created_at, updated_at, next_run_at)
        VALUES ($1, $2, $3, $4, $5, now(), now(), CASE WHEN $2 THEN now() END)
        ON CONFLICT (tenant_id) DO UPDATE SET
            enabled          = EXCLUDED.enabled,
            interval_minutes = CASE WHEN $6 THEN orchestration_schedules.interval_minutes ELSE EXCLUDED.interval_minutes END,
            run_limit        = CASE WHEN $7 THEN orchestration_schedules.run_limit ELSE EXCLUDED.run_limit END,
            mode             = CASE WHEN EXCLUDED.mode = '' THEN orchestration_schedules.mode ELSE EXCLUDED.mode END,
            updated_at       = now(),
            next_run_at      = CASE
                WHEN NOT EXCLUDED.enabled THEN NULL
                WHEN orchestration_schedules.enabled THEN orchestration_schedules.next_run_at
                ELSE COALESCE(orchestration_schedules.next_run_at, now())
            END,
            lock_run_id      = CASE WHEN EXCLUDED.enabled THEN orchestration_schedules.lock_run_id ELSE '' END,
            lock_owner       = CASE WHEN EXCLUDED.enabled THEN orchestration_schedules.lock_owner ELSE '' END,
            locked_at        = CASE WHEN EXCLUDED.enabled THEN orchestration_schedules.locked_at END,
            lock_expires_at  = CASE WHEN EXCLUDED.enabled THEN orchestration_schedules.lock_expires_at END
        RETURNING `+scheduleColumns,
		strings.TrimSpace(in.TenantID),
		in.Enabled,
		clampInterval(in.IntervalMinutes),
		clampLimit(in.Limit),
		normalizeMode(in.Mode),
		in.IntervalMinutes == 0,
		in.Limit == 0)

	sched, err := scanSchedule(row)
	if err != nil {
		return nil, wrapMaintenanceDBError(err, "upsert schedule")
	}
	out := sched.Public()
	return &out, nil
}

// SetEnabled flips the enabled flag, creating a default schedule when the
// tenant has none.
func (s *PostgresStore) SetEnabled(ctx context.Context, tenantID string, enabled bool, opts SetEnabledOptions) (*Schedule, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, orchestration.ErrMissingTenantID
	}

	row := s.pool.QueryRow(ctx, `
        INSERT INTO orchestration_schedules
            (tenant_id, enabled, interval_minutes, run_limit, created_at, updated_at, next_run_at)
        VALUES ($1, $2, $3, $4, now(), now(), CASE WHEN $2 THEN now() END)
        ON CONFLICT (tenant_id) DO UPDATE SET
            enabled     = EXCLUDED.enabled,
            updated_at  = now(),
            next_run_at = CASE
                WHEN NOT EXCLUDED.enabled THEN NULL
                WHEN $5 THEN now()
                WHEN orchestration_schedules.enabled THEN orchestration_schedules.next_run_at
                ELSE COALESCE(orchestration_schedules.next_run_at, now())
            END,
            lock_run_id      = CASE WHEN EXCLUDED.enabled THEN orchestration_schedules.lock_run_id ELSE '' END,
            lock_owner       = CASE WHEN EXCLUDED.enabled THEN orchestration_schedules.lock_owner ELSE '' END,
            locked_at        = CASE WHEN EXCLUDED.enabled THEN orchestration_schedules.locked_at END,
            lock_expires_at  = CASE WHEN EXCLUDED.enabled THEN orchestration_schedules.lock_expires_at END
        RETURNING `+scheduleColumns,
		strings.TrimSpace(tenantID),
		enabled,
		DefaultInterval,
		DefaultLimit,
		opts.RunNow)

	sched, err := scanSchedule(row)
	if err != nil {
		return nil, wrapMaintenanceDBError(err, "set schedule enabled")
	}
	out := sched.Public()
	return &out, nil
}

// Schedules lists every schedule with run locks stripped.
func (s *PostgresStore) Schedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT `+scheduleColumns+` FROM orchestration_schedules
        ORDER BY tenant_id ASC`)
	if err != nil {
		return nil, wrapMaintenanceDBError(err, "list schedules")
	}
	defer rows.Close()
	return collectPublicSchedules(rows)
}

// Runnable lists enabled schedules that are due (or all enabled ones when
// forced).
func (s *PostgresStore) Runnable(ctx context.Context, f RunnableFilter) ([]Schedule, error) {
	now := f.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	query := `
        SELECT ` + scheduleColumns + ` FROM orchestration_schedules
        WHERE enabled`
	args := []any{}
	if !f.Force {
		query += ` AND next_run_at IS NOT NULL AND next_run_at <= $1`
		args = append(args, now)
	}
	if f.TenantID != "" {
		query += ` AND tenant_id = $` + strconv.Itoa(len(args)+1)
		args = append(args, f.TenantID)
	}
	query += ` ORDER BY tenant_id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapMaintenanceDBError(err, "list runnable schedules")
	}
	defer rows.Close()
	return collectPublicSchedules(rows)
}

// AcquireLock grants the lease iff no live lock exists. SELECT FOR UPDATE
// inside the transaction serializes concurrent attempts on the same row.
func (s *PostgresStore) AcquireLock(ctx context.Context, tenantID string, opts LockOptions) (*AcquireResult, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, orchestration.ErrMissingTenantID
	}
	ttl, err := normalizeLockTTL(opts.LockTTLSeconds)
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapMaintenanceDBError(err, "begin lock acquisition")
	}
	defer tx.Rollback(ctx)

	var (
		lockRunID     string
		lockExpiresAt *time.Time
	)
	err = tx.QueryRow(ctx, `
        SELECT lock_run_id, lock_expires_at FROM orchestration_schedules
        WHERE tenant_id = $1
        FOR UPDATE`, tenantID).Scan(&lockRunID, &lockExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &AcquireResult{Code: CodeNotFound}, nil
		}
		return nil, wrapMaintenanceDBError(err, "inspect run lock")
	}

	stale := false
	if lockRunID != "" && lockExpiresAt != nil {
		if lockExpiresAt.After(now) {
			return &AcquireResult{Code: CodeLocked}, nil
		}
		stale = true
	}

	runID := strings.TrimSpace(opts.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}
	lock := RunLock{
		RunID:         runID,
		Owner:         strings.TrimSpace(opts.Owner),
		LockedAt:      now,
		LockExpiresAt: now.Add(time.Duration(ttl) * time.Second),
	}

	_, err = tx.Exec(ctx, `
        UPDATE orchestration_schedules
        SET lock_run_id = $2, lock_owner = $3, locked_at = $4, lock_expires_at = $5, updated_at = now()
        WHERE tenant_id = $1`,
		tenantID, lock.RunID, lock.Owner, lock.LockedAt, lock.LockExpiresAt)
	if err != nil {
		return nil, wrapMaintenanceDBError(err, "grant run lock")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrapMaintenanceDBError(err, "commit lock acquisition")
	}

	if stale {
		observability.RecordStaleLockRecovery(tenantID)
		s.logger.Warn("stale maintenance lock recovered tenant=%s run=%s", tenantID, runID)
	}
	return &AcquireResult{OK: true, Lock: &lock, StaleRecovered: stale}, nil
}

// ReleaseLock drops the lease. No lock held is a no-op success; a stale
// run id fails with lock_mismatch.
func (s *PostgresStore) ReleaseLock(ctx context.Context, tenantID, runID string) (*ReleaseResult, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, orchestration.ErrMissingTenantID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapMaintenanceDBError(err, "begin lock release")
	}
	defer tx.Rollback(ctx)

	var lockRunID string
	err = tx.QueryRow(ctx, `
        SELECT lock_run_id FROM orchestration_schedules
        WHERE tenant_id = $1
        FOR UPDATE`, tenantID).Scan(&lockRunID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &ReleaseResult{OK: true}, nil
		}
		return nil, wrapMaintenanceDBError(err, "inspect run lock")
	}

	if lockRunID == "" {
		return &ReleaseResult{OK: true}, nil
	}
	if runID != "" && lockRunID != runID {
		return &ReleaseResult{Code: CodeLockMismatch}, nil
	}

	_, err = tx.Exec(ctx, `
        UPDATE orchestration_schedules
        SET lock_run_id = '', lock_owner = '', locked_at = NULL, lock_expires_at = NULL, updated_at = now()
        WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, wrapMaintenanceDBError(err, "release run lock")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrapMaintenanceDBError(err, "commit lock release")
	}
	return &ReleaseResult{OK: true, Released: true}, nil
}

// MarkRun records a successful pass and schedules the next slot.
func (s *PostgresStore) MarkRun(ctx context.Context, tenantID string, summary RunSummary) (*Schedule, error) {
	return s.finishRun(ctx, tenantID, summary, true)
}

// MarkFailure records a failed pass and schedules the next slot.
// last_run_at is left alone: it tracks successful runs only.
func (s *PostgresStore) MarkFailure(ctx context.Context, tenantID, errorCode string, details orchestration.Document) (*Schedule, error) {
	return s.finishRun(ctx, tenantID, RunSummary{
		Status:    "failed",
		ErrorCode: strings.TrimSpace(errorCode),
		Details:   details.Clone(),
	}, false)
}

func (s *PostgresStore) finishRun(ctx context.Context, tenantID string, summary RunSummary, success bool) (*Schedule, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, orchestration.ErrMissingTenantID
	}

	if summary.Status == "" {
		summary.Status = "completed"
	}
	if summary.At.IsZero() {
		summary.At = time.Now().UTC()
	}

	row := s.pool.QueryRow(ctx, `
        UPDATE orchestration_schedules
        SET last_run_at = CASE WHEN $3 THEN now() ELSE last_run_at END,
            last_result = $2,
            updated_at = now(),
            next_run_at = CASE WHEN enabled THEN now() + make_interval(mins => interval_minutes) END,
            lock_run_id = '', lock_owner = '', locked_at = NULL, lock_expires_at = NULL
        WHERE tenant_id = $1
        RETURNING `+scheduleColumns,
		tenantID, summary, success)

	sched, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapMaintenanceDBError(err, "record run result")
	}
	out := sched.Public()
	return &out, nil
}

// RecordRun appends to the bounded run audit trail.
func (s *PostgresStore) RecordRun(ctx context.Context, rec RunRecord) error {
	if strings.TrimSpace(rec.TenantID) == "" {
		return orchestration.ErrMissingTenantID
	}
	if strings.TrimSpace(rec.RunID) == "" {
		rec.RunID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = rec.StartedAt
	}

	_, err := s.pool.Exec(ctx, `
        INSERT INTO orchestration_maintenance_runs
            (run_id, tenant_id, trigger, status, dry_run, started_at, finished_at, details)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.RunID, rec.TenantID, rec.Trigger, rec.Status, rec.DryRun,
		rec.StartedAt, rec.FinishedAt, rec.Details)
	if err != nil {
		return wrapMaintenanceDBError(err, "record run")
	}

	// trim happens after the insert; a failed trim keeps the record
	_, err = s.pool.Exec(ctx, `
        DELETE FROM orchestration_maintenance_runs
        WHERE run_id NOT IN (
            SELECT run_id FROM orchestration_maintenance_runs
            ORDER BY started_at DESC
            LIMIT $1
        )`, s.runHistory)
	if err != nil {
		s.logger.Warn("maintenance run trim failed: %v", err)
	}
	return nil
}

// Runs lists recorded runs, newest first.
func (s *PostgresStore) Runs(ctx context.Context, f RunFilter) ([]RunRecord, error) {
	limit := clampRunListLimit(f.Limit)

	query := `
        SELECT run_id, tenant_id, trigger, status, dry_run, started_at, finished_at, details
        FROM orchestration_maintenance_runs`
	args := []any{}
	if f.TenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, f.TenantID)
	}
	query += ` ORDER BY started_at DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapMaintenanceDBError(err, "list runs")
	}
	defer rows.Close()

	out := []RunRecord{}
	for rows.Next() {
		var rec RunRecord
		err := rows.Scan(&rec.RunID, &rec.TenantID, &rec.Trigger, &rec.Status,
			&rec.DryRun, &rec.StartedAt, &rec.FinishedAt, &rec.Details)
		if err != nil {
			return nil, wrapMaintenanceDBError(err, "scan run")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapMaintenanceDBError(err, "list runs")
	}
	return out, nil
}

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var (
		sched         Schedule
		lockRunID     string
		lockOwner     string
		lockedAt      *time.Time
		lockExpiresAt *time.Time
	)
	err := row.Scan(
		&sched.TenantID,
		&sched.Enabled,
		&sched.IntervalMinutes,
		&sched.Limit,
		&sched.Mode,
		&sched.CreatedAt,
		&sched.UpdatedAt,
		&sched.LastRunAt,
		&sched.NextRunAt,
		&sched.LastResult,
		&lockRunID,
		&lockOwner,
		&lockedAt,
		&lockExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if lockRunID != "" && lockedAt != nil && lockExpiresAt != nil {
		sched.RunLock = &RunLock{
			RunID:         lockRunID,
			Owner:         lockOwner,
			LockedAt:      *lockedAt,
			LockExpiresAt: *lockExpiresAt,
		}
	}
	return &sched, nil
}

func collectPublicSchedules(rows pgx.Rows) ([]Schedule, error) {
	out := []Schedule{}
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, wrapMaintenanceDBError(err, "scan schedule")
		}
		out = append(out, sched.Public())
	}
	if err := rows.Err(); err != nil {
		return nil, wrapMaintenanceDBError(err, "list schedules")
	}
	return out, nil
}

func wrapMaintenanceDBError(err error, message string) error {
	return goerrors.Wrap(err, goerrors.CategoryExternal, message).
		WithTextCode("MAINTENANCE_DB_FAILED")
}
