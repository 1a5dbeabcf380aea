package ledger

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-orchestration"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS orchestration_commands (
    command_id     TEXT PRIMARY KEY,
    tenant_id      TEXT NOT NULL,
    correlation_id TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    envelope       JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS orchestration_commands_tenant_created_idx
    ON orchestration_commands (tenant_id, created_at DESC);

CREATE INDEX IF NOT EXISTS orchestration_commands_correlation_idx
    ON orchestration_commands (correlation_id);

CREATE TABLE IF NOT EXISTS orchestration_events (
    event_id       TEXT PRIMARY KEY,
    tenant_id      TEXT NOT NULL,
    correlation_id TEXT NOT NULL,
    emitted_at     TIMESTAMPTZ NOT NULL,
    envelope       JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS orchestration_events_tenant_emitted_idx
    ON orchestration_events (tenant_id, emitted_at DESC);

CREATE INDEX IF NOT EXISTS orchestration_events_correlation_idx
    ON orchestration_events (correlation_id);
`

// PostgresLedger stores envelopes in two append-only tables. Filtering
// columns are denormalized out of the JSONB envelope so the recent and
// trace reads stay on indexes. Appends are committed before returning,
// which is the durability guarantee for this backend.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	bound  int
	logger orchestration.Logger
}

// PostgresOption customizes a PostgresLedger.
type PostgresOption func(*PostgresLedger)

// WithPostgresHistoryBound overrides the recent window size.
func WithPostgresHistoryBound(n int) PostgresOption {
	return func(l *PostgresLedger) {
		if n > 0 {
			l.bound = n
		}
	}
}

// WithPostgresLogger sets the ledger logger.
func WithPostgresLogger(logger orchestration.Logger) PostgresOption {
	return func(l *PostgresLedger) { l.logger = logger }
}

// NewPostgresLedger wraps an existing connection pool. Call EnsureSchema
// once at startup before using the ledger.
func NewPostgresLedger(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresLedger {
	l := &PostgresLedger{pool: pool, bound: DefaultHistoryBound}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.logger = orchestration.NormalizeLogger(l.logger)
	return l
}

// EnsureSchema creates the ledger tables and indexes when missing.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, ledgerSchema); err != nil {
		return wrapDBError(err, "ensure ledger schema")
	}
	return nil
}

// AppendCommand validates the command and inserts it.
func (l *PostgresLedger) AppendCommand(ctx context.Context, cmd orchestration.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "encode command envelope").
			WithTextCode("LEDGER_ENCODE_FAILED")
	}
	_, err = l.pool.Exec(ctx, `
        INSERT INTO orchestration_commands (command_id, tenant_id, correlation_id, created_at, envelope)
        VALUES ($1, $2, $3, $4, $5)`,
		cmd.CommandID, cmd.TenantID, cmd.CorrelationID, cmd.CreatedAt, string(raw))
	if err != nil {
		return wrapDBError(err, "append command")
	}
	return nil
}

// AppendEvent validates the event and inserts it.
func (l *PostgresLedger) AppendEvent(ctx context.Context, evt orchestration.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "encode event envelope").
			WithTextCode("LEDGER_ENCODE_FAILED")
	}
	_, err = l.pool.Exec(ctx, `
        INSERT INTO orchestration_events (event_id, tenant_id, correlation_id, emitted_at, envelope)
        VALUES ($1, $2, $3, $4, $5)`,
		evt.EventID, evt.TenantID, evt.CorrelationID, evt.EmittedAt, string(raw))
	if err != nil {
		return wrapDBError(err, "append event")
	}
	return nil
}

// Commands returns the tenant's recent window in chronological order.
func (l *PostgresLedger) Commands(ctx context.Context, tenantID string, limit int) ([]orchestration.Command, error) {
	limit = clampLimit(limit, l.bound)
	raws, err := l.queryEnvelopes(ctx, `
        SELECT envelope FROM (
            SELECT envelope, created_at FROM orchestration_commands
            WHERE tenant_id = $1
            ORDER BY created_at DESC
            LIMIT $2
        ) recent ORDER BY created_at ASC`, tenantID, limit)
	if err != nil {
		return nil, wrapDBError(err, "read recent commands")
	}
	return decodeEnvelopes[orchestration.Command](raws), nil
}

// Events returns the tenant's recent window in chronological order.
func (l *PostgresLedger) Events(ctx context.Context, tenantID string, limit int) ([]orchestration.Event, error) {
	limit = clampLimit(limit, l.bound)
	raws, err := l.queryEnvelopes(ctx, `
        SELECT envelope FROM (
            SELECT envelope, emitted_at FROM orchestration_events
            WHERE tenant_id = $1
            ORDER BY emitted_at DESC
            LIMIT $2
        ) recent ORDER BY emitted_at ASC`, tenantID, limit)
	if err != nil {
		return nil, wrapDBError(err, "read recent events")
	}
	return decodeEnvelopes[orchestration.Event](raws), nil
}

// GetTrace returns every envelope sharing the correlation id, each list
// sorted by its own timestamp ascending. The read is unbounded by design.
func (l *PostgresLedger) GetTrace(ctx context.Context, correlationID string) (*Trace, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil, orchestration.ErrMissingCorrelationID
	}

	rawCommands, err := l.queryEnvelopes(ctx, `
        SELECT envelope FROM orchestration_commands
        WHERE correlation_id = $1
        ORDER BY created_at ASC`, correlationID)
	if err != nil {
		return nil, wrapDBError(err, "trace commands")
	}
	rawEvents, err := l.queryEnvelopes(ctx, `
        SELECT envelope FROM orchestration_events
        WHERE correlation_id = $1
        ORDER BY emitted_at ASC`, correlationID)
	if err != nil {
		return nil, wrapDBError(err, "trace events")
	}

	return &Trace{
		Commands: decodeEnvelopes[orchestration.Command](rawCommands),
		Events:   decodeEnvelopes[orchestration.Event](rawEvents),
	}, nil
}

func (l *PostgresLedger) queryEnvelopes(ctx context.Context, query string, args ...any) ([][]byte, error) {
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, rows.Err()
}

func decodeEnvelopes[T any](raws [][]byte) []T {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var value T
		if err := json.Unmarshal(raw, &value); err != nil {
			continue
		}
		out = append(out, value)
	}
	return out
}

func wrapDBError(err error, message string) error {
	return errors.Wrap(err, errors.CategoryExternal, message).
		WithTextCode("LEDGER_DB_FAILED")
}
