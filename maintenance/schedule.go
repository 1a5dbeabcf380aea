// Package maintenance implements the per-tenant background maintenance
// scheduler: an interval schedule per tenant, a TTL-bounded lease (run
// lock) that a runner must hold before sweeping, stale-lock recovery when
// a previous holder crashed mid-run, and an append-only run audit trail.
package maintenance

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-orchestration"
)

// Clamp bounds for schedule fields.
const (
	MinIntervalMinutes = 1
	MaxIntervalMinutes = 1440
	DefaultInterval    = 60

	MinLimit     = 1
	MaxLimit     = 500
	DefaultLimit = 50

	MinLockTTLSeconds     = 30
	MaxLockTTLSeconds     = 3600
	DefaultLockTTLSeconds = 120
)

// Run record history bounds.
const (
	MinRunHistory     = 50
	MaxRunHistory     = 5000
	DefaultRunHistory = 1000

	DefaultRunListLimit = 50
	MaxRunListLimit     = 200
)

// Sweep modes. Empty means the backend default.
const (
	ModeAuto   = "auto"
	ModeOpenAI = "openai"
	ModeLocal  = "local"
	ModeOff    = "off"
)

// Validation errors for malformed schedule and lock inputs.
var (
	ErrInvalidIntervalMinutes = goerrors.New("interval_minutes must be positive", goerrors.CategoryValidation).
					WithTextCode("INVALID_INTERVAL_MINUTES")
	ErrInvalidLimit = goerrors.New("limit must be positive", goerrors.CategoryValidation).
			WithTextCode("INVALID_LIMIT")
	ErrInvalidMode = goerrors.New("mode must be one of auto, openai, local, off", goerrors.CategoryValidation).
			WithTextCode("INVALID_MODE")
	ErrInvalidLockTTL = goerrors.New("lock_ttl_seconds must be between 30 and 3600", goerrors.CategoryValidation).
				WithTextCode("INVALID_LOCK_TTL_SECONDS")
)

// Acquire/release outcome codes. They are expected domain outcomes the
// caller branches on, never errors.
const (
	CodeLocked       = "locked"
	CodeLockMismatch = "lock_mismatch"
	CodeNotFound     = "not_found"
)

// Run triggers.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// RunLock is the lease a runner holds while executing a maintenance pass.
// It never appears in public schedule reads; only AcquireLock hands it out.
type RunLock struct {
	RunID         string    `json:"run_id"`
	Owner         string    `json:"owner,omitempty"`
	LockedAt      time.Time `json:"locked_at"`
	LockExpiresAt time.Time `json:"lock_expires_at"`
}

// Expired reports whether the lease lapsed at the given instant.
func (l RunLock) Expired(now time.Time) bool {
	return !l.LockExpiresAt.After(now)
}

// RunSummary is the single-slot last_result stored on the schedule.
type RunSummary struct {
	RunID     string                 `json:"run_id,omitempty"`
	Status    string                 `json:"status"`
	Processed int                    `json:"processed,omitempty"`
	ErrorCode string                 `json:"error_code,omitempty"`
	Details   orchestration.Document `json:"details,omitempty"`
	At        time.Time              `json:"at"`
}

// Schedule is one tenant's maintenance configuration and state.
type Schedule struct {
	TenantID        string      `json:"tenant_id"`
	Enabled         bool        `json:"enabled"`
	IntervalMinutes int         `json:"interval_minutes"`
	Limit           int         `json:"limit"`
	Mode            string      `json:"mode,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	LastRunAt       *time.Time  `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time  `json:"next_run_at,omitempty"`
	LastResult      *RunSummary `json:"last_result,omitempty"`
	RunLock         *RunLock    `json:"run_lock,omitempty"`
}

// Clone returns a deep copy of the schedule.
func (s Schedule) Clone() Schedule {
	cp := s
	if s.LastRunAt != nil {
		at := *s.LastRunAt
		cp.LastRunAt = &at
	}
	if s.NextRunAt != nil {
		at := *s.NextRunAt
		cp.NextRunAt = &at
	}
	if s.LastResult != nil {
		lr := *s.LastResult
		lr.Details = s.LastResult.Details.Clone()
		cp.LastResult = &lr
	}
	if s.RunLock != nil {
		lock := *s.RunLock
		cp.RunLock = &lock
	}
	return cp
}

// Public returns the caller-facing view with the run lock stripped.
func (s Schedule) Public() Schedule {
	cp := s.Clone()
	cp.RunLock = nil
	return cp
}

// Due reports whether the schedule should run at the given instant.
func (s Schedule) Due(now time.Time) bool {
	return s.Enabled && s.NextRunAt != nil && !s.NextRunAt.After(now)
}

// ScheduleInput describes an upsert. Zero interval/limit fall back to the
// defaults; negative values are rejected, values above the ceiling clamp
// down.
type ScheduleInput struct {
	TenantID        string
	Enabled         bool
	IntervalMinutes int
	Limit           int
	Mode            string
}

func (in ScheduleInput) validate() error {
	if strings.TrimSpace(in.TenantID) == "" {
		return orchestration.ErrMissingTenantID
	}
	if in.IntervalMinutes < 0 {
		return ErrInvalidIntervalMinutes
	}
	if in.Limit < 0 {
		return ErrInvalidLimit
	}
	switch strings.ToLower(strings.TrimSpace(in.Mode)) {
	case "", ModeAuto, ModeOpenAI, ModeLocal, ModeOff:
		return nil
	default:
		return ErrInvalidMode
	}
}

// SetEnabledOptions tweaks SetEnabled.
type SetEnabledOptions struct {
	// RunNow forces next_run_at to now on enable, instead of preserving
	// an existing future slot.
	RunNow bool
}

// RunnableFilter narrows a Runnable listing.
type RunnableFilter struct {
	TenantID string
	// Force returns every enabled schedule regardless of next_run_at,
	// for manual run-now triggers.
	Force bool
	Now   time.Time
}

// LockOptions customizes an acquisition attempt.
type LockOptions struct {
	RunID          string
	Owner          string
	LockTTLSeconds int
	Now            time.Time
}

// AcquireResult reports one acquisition attempt. StaleRecovered flags that
// the lease was granted over an expired prior lock, a signal that the
// previous owner crashed mid-run.
type AcquireResult struct {
	OK             bool     `json:"ok"`
	Code           string   `json:"code,omitempty"`
	Lock           *RunLock `json:"lock,omitempty"`
	StaleRecovered bool     `json:"stale_recovered,omitempty"`
}

// ReleaseResult reports one release attempt. Releasing with no lock held
// is a no-op success; a run id that does not match the current lock fails
// with lock_mismatch so a straggling expired runner cannot release a lease
// a newer runner holds.
type ReleaseResult struct {
	OK       bool   `json:"ok"`
	Code     string `json:"code,omitempty"`
	Released bool   `json:"released,omitempty"`
}

// RunRecord is one entry of the append-only run audit trail.
type RunRecord struct {
	RunID      string                 `json:"run_id"`
	TenantID   string                 `json:"tenant_id"`
	Trigger    string                 `json:"trigger"`
	Status     string                 `json:"status"`
	DryRun     bool                   `json:"dry_run"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Details    orchestration.Document `json:"details,omitempty"`
}

// RunFilter narrows a run listing.
type RunFilter struct {
	TenantID string
	Limit    int
}

// Store is the storage contract for schedules, leases, and run records.
// Both backends guarantee at most one live lease per tenant at any
// instant.
type Store interface {
	// UpsertSchedule creates or updates a tenant schedule. Omitted
	// interval, limit, and mode keep the existing values on update and
	// fall back to the defaults on create. On creation or re-enable
	// next_run_at is set to now (eager first run) unless a future slot
	// already exists; disabling clears next_run_at and any live lock.
	UpsertSchedule(ctx context.Context, in ScheduleInput) (*Schedule, error)

	// SetEnabled flips the enabled flag with upsert-on-enable semantics.
	SetEnabled(ctx context.Context, tenantID string, enabled bool, opts SetEnabledOptions) (*Schedule, error)

	// Schedules lists every schedule, run locks stripped.
	Schedules(ctx context.Context) ([]Schedule, error)

	// Runnable lists enabled schedules whose next_run_at is due, or all
	// enabled schedules when the filter forces.
	Runnable(ctx context.Context, f RunnableFilter) ([]Schedule, error)

	// AcquireLock grants the lease iff no live lock exists. Staleness
	// check and grant are one atomic operation; two concurrent runners
	// can never both believe they hold the lease.
	AcquireLock(ctx context.Context, tenantID string, opts LockOptions) (*AcquireResult, error)

	// ReleaseLock drops the lease. A supplied runID must match the
	// current lock.
	ReleaseLock(ctx context.Context, tenantID, runID string) (*ReleaseResult, error)

	// MarkRun records a successful pass: clears the lock, stamps
	// last_run_at, stores the summary, and computes the next slot while
	// the schedule stays enabled.
	MarkRun(ctx context.Context, tenantID string, summary RunSummary) (*Schedule, error)

	// MarkFailure mirrors MarkRun for a failed pass, except last_run_at
	// keeps its value: it records the last successful run only. The lock
	// is cleared here too, in case the runner never reached an explicit
	// release.
	MarkFailure(ctx context.Context, tenantID, errorCode string, details orchestration.Document) (*Schedule, error)

	// RecordRun appends to the bounded run audit trail.
	RecordRun(ctx context.Context, rec RunRecord) error

	// Runs lists recorded runs, newest first.
	Runs(ctx context.Context, f RunFilter) ([]RunRecord, error)
}

func normalizeMode(mode string) string {
	return strings.ToLower(strings.TrimSpace(mode))
}

func clampInterval(minutes int) int {
	if minutes <= 0 {
		return DefaultInterval
	}
	if minutes > MaxIntervalMinutes {
		return MaxIntervalMinutes
	}
	return minutes
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func normalizeLockTTL(seconds int) (int, error) {
	if seconds == 0 {
		return DefaultLockTTLSeconds, nil
	}
	if seconds < MinLockTTLSeconds || seconds > MaxLockTTLSeconds {
		return 0, ErrInvalidLockTTL
	}
	return seconds, nil
}

func clampRunHistory(n int) int {
	if n == 0 {
		return DefaultRunHistory
	}
	if n < MinRunHistory {
		return MinRunHistory
	}
	if n > MaxRunHistory {
		return MaxRunHistory
	}
	return n
}

func clampRunListLimit(limit int) int {
	if limit <= 0 {
		return DefaultRunListLimit
	}
	if limit > MaxRunListLimit {
		return MaxRunListLimit
	}
	return limit
}
