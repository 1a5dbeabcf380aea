package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/observability"

	rcron "github.com/robfig/cron/v3"
)

// SweepResult reports one maintenance pass over a tenant's data.
type SweepResult struct {
	Processed int
	Details   orchestration.Document
}

// Sweeper performs the actual maintenance work. The runner owns the lease
// and the bookkeeping; the sweeper only touches tenant data. When dryRun
// is set the sweeper must report what it would do without mutating.
type Sweeper interface {
	Sweep(ctx context.Context, tenantID string, limit int, dryRun bool) (*SweepResult, error)
}

// SweeperFunc adapts a function to the Sweeper interface.
type SweeperFunc func(ctx context.Context, tenantID string, limit int, dryRun bool) (*SweepResult, error)

// Sweep implements Sweeper.
func (f SweeperFunc) Sweep(ctx context.Context, tenantID string, limit int, dryRun bool) (*SweepResult, error) {
	return f(ctx, tenantID, limit, dryRun)
}

// Runner polls for due schedules on a fixed interval and executes one
// sweep per due tenant: acquire the lease, sweep, store the outcome on the
// schedule, append the run record. MarkRun and MarkFailure clear the lease
// so a crash between sweep and release only costs one TTL.
type Runner struct {
	mu      sync.Mutex
	store   Store
	sweeper Sweeper
	logger  orchestration.Logger

	cron    *rcron.Cron
	entryID rcron.EntryID
	poll    time.Duration

	owner          string
	lockTTLSeconds int
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithPollInterval sets how often the runner looks for due schedules.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(logger orchestration.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithOwner labels the leases this runner takes, usually hostname plus
// pid.
func WithOwner(owner string) RunnerOption {
	return func(r *Runner) { r.owner = strings.TrimSpace(owner) }
}

// WithLockTTL sets the lease TTL requested on acquisition. The store
// rejects values outside 30-3600 seconds.
func WithLockTTL(seconds int) RunnerOption {
	return func(r *Runner) { r.lockTTLSeconds = seconds }
}

// NewRunner builds a runner over the given store and sweeper.
func NewRunner(store Store, sweeper Sweeper, opts ...RunnerOption) (*Runner, error) {
	if store == nil {
		return nil, goerrors.New("maintenance runner requires a store", goerrors.CategoryBadInput).
			WithTextCode("MISSING_STORE")
	}
	if sweeper == nil {
		return nil, goerrors.New("maintenance runner requires a sweeper", goerrors.CategoryBadInput).
			WithTextCode("MISSING_SWEEPER")
	}

	r := &Runner{
		store:          store,
		sweeper:        sweeper,
		poll:           time.Minute,
		lockTTLSeconds: DefaultLockTTLSeconds,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = orchestration.NormalizeLogger(r.logger)
	return r, nil
}

// Start begins the poll loop. It returns immediately; sweeps run on the
// cron goroutine until Stop.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return nil
	}

	c := rcron.New(rcron.WithChain(rcron.Recover(rcron.DiscardLogger)))
	entryID, err := c.AddJob(fmt.Sprintf("@every %s", r.poll), rcron.FuncJob(func() {
		r.PollOnce(ctx)
	}))
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "cron scheduler registration failed").
			WithTextCode("SCHEDULER_FAILED")
	}
	r.cron = c
	r.entryID = entryID
	c.Start()
	r.logger.Info("maintenance runner started poll=%s", r.poll)
	return nil
}

// Stop halts the poll loop and waits for an in-flight sweep to finish.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c == nil {
		return nil
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	r.logger.Info("maintenance runner stopped")
	return nil
}

// PollOnce executes one poll pass: every due schedule gets one sweep
// attempt. Tenants whose lease is held elsewhere are skipped silently.
func (r *Runner) PollOnce(ctx context.Context) {
	due, err := r.store.Runnable(ctx, RunnableFilter{})
	if err != nil {
		r.logger.Error("maintenance poll failed: %v", err)
		return
	}
	for _, sched := range due {
		if ctx.Err() != nil {
			return
		}
		if sched.Mode == ModeOff {
			continue
		}
		if _, err := r.runSchedule(ctx, sched, TriggerSchedule, false); err != nil {
			r.logger.Error("maintenance sweep failed tenant=%s: %v", sched.TenantID, err)
		}
	}
}

// RunNowOptions tweaks a manual sweep.
type RunNowOptions struct {
	// DryRun asks the sweeper to report what it would do without mutating.
	DryRun bool
}

// RunNow triggers one immediate sweep for the tenant, bypassing
// next_run_at. Returns (nil, nil) when the tenant has no enabled schedule
// or the lease is held elsewhere.
func (r *Runner) RunNow(ctx context.Context, tenantID string, opts RunNowOptions) (*RunRecord, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, orchestration.ErrMissingTenantID
	}

	runnable, err := r.store.Runnable(ctx, RunnableFilter{TenantID: tenantID, Force: true})
	if err != nil {
		return nil, err
	}
	if len(runnable) == 0 {
		return nil, nil
	}
	return r.runSchedule(ctx, runnable[0], TriggerManual, opts.DryRun)
}

func (r *Runner) runSchedule(ctx context.Context, sched Schedule, trigger string, dryRun bool) (*RunRecord, error) {
	log := orchestration.LoggerWithFields(r.logger, map[string]any{"tenant_id": sched.TenantID})

	acquired, err := r.store.AcquireLock(ctx, sched.TenantID, LockOptions{
		Owner:          r.owner,
		LockTTLSeconds: r.lockTTLSeconds,
	})
	if err != nil {
		return nil, err
	}
	if !acquired.OK {
		log.Debug("maintenance skip code=%s", acquired.Code)
		return nil, nil
	}
	log = orchestration.LoggerWithFields(log, map[string]any{"run_id": acquired.Lock.RunID})

	started := time.Now().UTC()
	rec := RunRecord{
		RunID:     acquired.Lock.RunID,
		TenantID:  sched.TenantID,
		Trigger:   trigger,
		DryRun:    dryRun,
		StartedAt: started,
	}

	result, sweepErr := r.sweeper.Sweep(ctx, sched.TenantID, sched.Limit, dryRun)
	rec.FinishedAt = time.Now().UTC()

	if sweepErr != nil {
		rec.Status = "failed"
		rec.Details = orchestration.Document{"error": sweepErr.Error()}
		if _, err := r.store.MarkFailure(ctx, sched.TenantID, "SWEEP_FAILED", rec.Details); err != nil {
			log.Error("mark failure failed: %v", err)
		}
	} else {
		rec.Status = "completed"
		processed := 0
		if result != nil {
			processed = result.Processed
			rec.Details = result.Details.Clone()
		}
		summary := RunSummary{
			RunID:     rec.RunID,
			Status:    rec.Status,
			Processed: processed,
			Details:   rec.Details,
			At:        rec.FinishedAt,
		}
		if _, err := r.store.MarkRun(ctx, sched.TenantID, summary); err != nil {
			log.Error("mark run failed: %v", err)
		}
	}

	if err := r.store.RecordRun(ctx, rec); err != nil {
		log.Warn("record run failed: %v", err)
	}
	observability.RecordMaintenanceRun(sched.TenantID, rec.Status, trigger)

	out := rec
	return &out, sweepErr
}
