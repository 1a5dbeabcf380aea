package maintenance

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/observability"
	"github.com/goliatone/go-orchestration/storage"
	"github.com/google/uuid"
)

const (
	schedulesFile = "schedules.json"
	runsFile      = "runs.json"
)

// FileStore keeps all schedules in one JSON document and the run audit
// trail in another, rewritten atomically on each mutation. The mutex makes
// the staleness-check-and-grant of AcquireLock atomic for this backend.
type FileStore struct {
	mu         sync.Mutex
	dir        string
	runHistory int
	logger     orchestration.Logger
	now        func() time.Time
}

type scheduleDocument struct {
	Items []Schedule `json:"items"`
}

type runDocument struct {
	Items []RunRecord `json:"items"`
}

// FileStoreOption customizes a FileStore.
type FileStoreOption func(*FileStore)

// WithRunHistory overrides the run audit trail bound. Out-of-range values
// are clamped.
func WithRunHistory(n int) FileStoreOption {
	return func(s *FileStore) { s.runHistory = clampRunHistory(n) }
}

// WithFileStoreLogger sets the store logger.
func WithFileStoreLogger(logger orchestration.Logger) FileStoreOption {
	return func(s *FileStore) { s.logger = logger }
}

// WithClock overrides the clock, mainly for lease-expiry tests.
func WithClock(now func() time.Time) FileStoreOption {
	return func(s *FileStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewFileStore opens (or creates) the maintenance directory.
func NewFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	s := &FileStore{
		dir:        dir,
		runHistory: DefaultRunHistory,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = orchestration.NormalizeLogger(s.logger)

	if err := storage.EnsureDir(dir); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) loadSchedules() (*scheduleDocument, error) {
	doc := &scheduleDocument{}
	if _, err := storage.ReadDocument(filepath.Join(s.dir, schedulesFile), doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *FileStore) saveSchedules(doc *scheduleDocument) error {
	if doc.Items == nil {
		doc.Items = []Schedule{}
	}
	return storage.WriteDocument(filepath.Join(s.dir, schedulesFile), doc)
}

func (s *FileStore) loadRuns() (*runDocument, error) {
	doc := &runDocument{}
	if _, err := storage.ReadDocument(filepath.Join(s.dir, runsFile), doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *FileStore) saveRuns(doc *runDocument) error {
	if doc.Items == nil {
		doc.Items = []RunRecord{}
	}
	return storage.WriteDocument(filepath.Join(s.dir, runsFile), doc)
}

func findSchedule(doc *scheduleDocument, tenantID string) int {
	for i := range doc.Items {
		if doc.Items[i].TenantID == tenantID {
			return i
		}
	}
	return -1
}

// UpsertSchedule creates or updates the tenant's schedule.
func (s *FileStore) UpsertSchedule(_ context.Context, in ScheduleInput) (*Schedule, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadSchedules()
	if err != nil {
		return nil, err
	}

	now := s.now()
	tenantID := strings.TrimSpace(in.TenantID)
	i := findSchedule(doc, tenantID)
	if i < 0 {
		sched := Schedule{
			TenantID:        tenantID,
			Enabled:         in.Enabled,
			IntervalMinutes: clampInterval(in.IntervalMinutes),
			Limit:           clampLimit(in.Limit),
			Mode:            normalizeMode(in.Mode),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if sched.Enabled {
			at := now
			sched.NextRunAt = &at
		}
		doc.Items = append(doc.Items, sched)
		if err := s.saveSchedules(doc); err != nil {
			return nil, err
		}
		out := sched.Public()
		return &out, nil
	}

	sched := &doc.Items[i]
	wasEnabled := sched.Enabled
	sched.Enabled = in.Enabled
	// omitted values keep what the schedule already has
	if in.IntervalMinutes > 0 {
		sched.IntervalMinutes = clampInterval(in.IntervalMinutes)
	}
	if in.Limit > 0 {
		sched.Limit = clampLimit(in.Limit)
	}
	if mode := normalizeMode(in.Mode); mode != "" {
		sched.Mode = mode
	}
	sched.UpdatedAt = now

	switch {
	case !sched.Enabled:
		// disabling clears the slot and any live lock
		sched.NextRunAt = nil
		sched.RunLock = nil
	case !wasEnabled && sched.NextRunAt == nil:
		// re-enable runs eagerly unless a slot already exists
		at := now
		sched.NextRunAt = &at
	}

	if err := s.saveSchedules(doc); err != nil {
		return nil, err
	}
	out := sched.Public()
	return &out, nil
}

// SetEnabled flips the enabled flag, creating a default schedule when the
// tenant has none.
func (s *FileStore) SetEnabled(_ context.Context, tenantID string, enabled bool, opts SetEnabledOptions) (*Schedule, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, orchestration.ErrMissingTenantID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadSchedules()
	if err != nil {
		return nil, err
	}

	now := s.now()
	tenantID = strings.TrimSpace(tenantID)
	i := findSchedule(doc, tenantID)
	if i < 0 {
		sched := Schedule{
			TenantID:        tenantID,
			Enabled:         enabled,
			IntervalMinutes: DefaultInterval,
			Limit:           DefaultLimit,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if enabled {
			at := now
			sched.NextRunAt = &at
		}
		doc.Items = append(doc.Items, sched)
		if err := s.saveSchedules(doc); err != nil {
			return nil, err
		}
		out := sched.Public()
		return &out, nil
	}

	sched := &doc.Items[i]
	wasEnabled := sched.Enabled
	sched.Enabled = enabled
	sched.UpdatedAt = now

	switch {
	case !enabled:
		sched.NextRunAt = nil
		sched.RunLock = nil
	case opts.RunNow, !wasEnabled && sched.NextRunAt == nil:
		at := now
		sched.NextRunAt = &at
	}

	if err := s.saveSchedules(doc); err != nil {
		return nil, err
	}
	out := sched.Public()
	return &out, nil
}

// Schedules lists every schedule with run locks stripped.
func (s *FileStore) Schedules(_ context.Context) ([]Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadSchedules()
	if err != nil {
		return nil, err
	}
	out := make([]Schedule, 0, len(doc.Items))
	for _, sched := range doc.Items {
		out = append(out, sched.Public())
	}
	return out, nil
}

// Runnable lists enabled schedules that are due (or all enabled ones when
// forced).
func (s *FileStore) Runnable(_ context.Context, f RunnableFilter) ([]Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadSchedules()
	if err != nil {
		return nil, err
	}

	now := f.Now
	if now.IsZero() {
		now = s.now()
	}

	out := []Schedule{}
	for _, sched := range doc.Items {
		if f.TenantID != "" && sched.TenantID != f.TenantID {
			continue
		}
		if !sched.Enabled {
			continue
		}
		if !f.Force && !sched.Due(now) {
			continue
		}
		out = append(out, sched.Public())
	}
	return out, nil
}

// AcquireLock grants the lease iff no live lock exists. The mutex makes
// the staleness check and the grant one atomic step.
func (s *FileStore) AcquireLock(_ context.Context, tenantID string, opts LockOptions) (*AcquireResult, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, orchestration.ErrMissingTenantID
	}
	ttl, err := normalizeLockTTL(opts.LockTTLSeconds)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadSchedules()
	if err != nil {
		return nil, err
	}

	i := findSchedule(doc, tenantID)
	if i < 0 {
		return &AcquireResult{Code: CodeNotFound}, nil
	}
	sched := &doc.Items[i]

	now := opts.Now
	if now.IsZero() {
		now = s.now()
	}

	stale := false
	if sched.RunLock != nil {
		if !sched.RunLock.Expired(now) {
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
	sched.RunLock = &lock
	sched.UpdatedAt = now

	if err := s.saveSchedules(doc); err != nil {
		return nil, err
	}

	if stale {
		observability.RecordStaleLockRecovery(tenantID)
		s.logger.Warn("stale maintenance lock recovered tenant=%s run=%s", tenantID, runID)
	}
	granted := lock
	return &AcquireResult{OK: true, Lock: &granted, StaleRecovered: stale}, nil
}

// ReleaseLock drops the lease. No lock held is a no-op success; a stale
// run id fails with lock_mismatch.
func (s *FileStore) ReleaseLock(_ context.Context, tenantID, runID string) (*ReleaseResult, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, orchestration.ErrMissingTenantID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadSchedules()
	if err != nil {
		return nil, err
	}

	i := findSchedule(doc, tenantID)
	if i < 0 || doc.Items[i].RunLock == nil {
		return &ReleaseResult{OK: true}, nil
	}
	sched := &doc.Items[i]

	if runID != "" && sched.RunLock.RunID != runID {
		return &ReleaseResult{Code: CodeLockMismatch}, nil
	}

	sched.RunLock = nil
	sched.UpdatedAt = s.now()
	if err := s.saveSchedules(doc); err != nil {
		return nil, err
	}
	return &ReleaseResult{OK: true, Released: true}, nil
}

// MarkRun records a successful pass and schedules the next slot.
func (s *FileStore) MarkRun(_ context.Context, tenantID string, summary RunSummary) (*Schedule, error) {
	return s.finishRun(tenantID, summary, true)
}

// MarkFailure records a failed pass and schedules the next slot.
// last_run_at is left alone: it tracks successful runs only.
func (s *FileStore) MarkFailure(_ context.Context, tenantID, errorCode string, details orchestration.Document) (*Schedule, error) {
	return s.finishRun(tenantID, RunSummary{
		Status:    "failed",
		ErrorCode: strings.TrimSpace(errorCode),
		Details:   details.Clone(),
	}, false)
}

func (s *FileStore) finishRun(tenantID string, summary RunSummary, success bool) (*Schedule, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, orchestration.ErrMissingTenantID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadSchedules()
	if err != nil {
		return nil, err
	}

	i := findSchedule(doc, tenantID)
	if i < 0 {
		return nil, nil
	}
	sched := &doc.Items[i]

	now := s.now()
	if summary.Status == "" {
		summary.Status = "completed"
	}
	if summary.At.IsZero() {
		summary.At = now
	}

	// the lock is always cleared here, even if the runner forgot to
	// release explicitly
	sched.RunLock = nil
	if success {
		at := now
		sched.LastRunAt = &at
	}
	sched.LastResult = &summary
	sched.UpdatedAt = now
	if sched.Enabled {
		next := now.Add(time.Duration(sched.IntervalMinutes) * time.Minute)
		sched.NextRunAt = &next
	} else {
		sched.NextRunAt = nil
	}

	if err := s.saveSchedules(doc); err != nil {
		return nil, err
	}
	out := sched.Public()
	return &out, nil
}

// RecordRun appends to the bounded run audit trail.
func (s *FileStore) RecordRun(_ context.Context, rec RunRecord) error {
	if strings.TrimSpace(rec.TenantID) == "" {
		return orchestration.ErrMissingTenantID
	}
	if strings.TrimSpace(rec.RunID) == "" {
		rec.RunID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.now()
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = rec.StartedAt
	}
	rec.Details = rec.Details.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadRuns()
	if err != nil {
		return err
	}
	doc.Items = append(doc.Items, rec)
	if len(doc.Items) > s.runHistory {
		doc.Items = doc.Items[len(doc.Items)-s.runHistory:]
	}
	return s.saveRuns(doc)
}

// Runs lists recorded runs, newest first.
func (s *FileStore) Runs(_ context.Context, f RunFilter) ([]RunRecord, error) {
	limit := clampRunListLimit(f.Limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadRuns()
	if err != nil {
		return nil, err
	}

	out := []RunRecord{}
	for _, rec := range doc.Items {
		if f.TenantID != "" && rec.TenantID != f.TenantID {
			continue
		}
		rec.Details = rec.Details.Clone()
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
