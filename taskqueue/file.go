package taskqueue

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/observability"
	"github.com/goliatone/go-orchestration/storage"
	"github.com/google/uuid"
)

// FileQueue keeps each tenant's queue in one JSON document with a pending
// list and a bounded history list, rewritten atomically on every mutation.
// A single mutex serializes mutations, which is the claim-exclusivity
// mechanism for this backend.
type FileQueue struct {
	mu           sync.Mutex
	dir          string
	historyLimit int
	logger       orchestration.Logger
	now          func() time.Time
}

type queueDocument struct {
	Pending []Item `json:"pending"`
	History []Item `json:"history"`
}

// FileQueueOption customizes a FileQueue.
type FileQueueOption func(*FileQueue)

// WithHistoryLimit overrides the finished-item window bound.
func WithHistoryLimit(n int) FileQueueOption {
	return func(q *FileQueue) {
		if n > 0 {
			q.historyLimit = n
		}
	}
}

// WithQueueLogger sets the queue logger.
func WithQueueLogger(logger orchestration.Logger) FileQueueOption {
	return func(q *FileQueue) { q.logger = logger }
}

// WithQueueClock overrides the clock, mainly for tests.
func WithQueueClock(now func() time.Time) FileQueueOption {
	return func(q *FileQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewFileQueue opens (or creates) the queue directory.
func NewFileQueue(dir string, opts ...FileQueueOption) (*FileQueue, error) {
	q := &FileQueue{
		dir:          dir,
		historyLimit: DefaultHistoryLimit,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	q.logger = orchestration.NormalizeLogger(q.logger)

	if err := storage.EnsureDir(dir); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *FileQueue) path(tenantID string) string {
	return filepath.Join(q.dir, "queue-"+tenantID+".json")
}

func (q *FileQueue) load(tenantID string) (*queueDocument, error) {
	doc := &queueDocument{}
	if _, err := storage.ReadDocument(q.path(tenantID), doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (q *FileQueue) save(tenantID string, doc *queueDocument) error {
	if doc.Pending == nil {
		doc.Pending = []Item{}
	}
	if doc.History == nil {
		doc.History = []Item{}
	}
	return storage.WriteDocument(q.path(tenantID), doc)
}

// Enqueue appends a queued item wrapping the command.
func (q *FileQueue) Enqueue(_ context.Context, cmd orchestration.Command, opts EnqueueOptions) (*Item, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	doc, err := q.load(cmd.TenantID)
	if err != nil {
		return nil, err
	}

	at := q.now()
	item := Item{
		QueueItemID:     uuid.NewString(),
		Status:          StatusQueued,
		EnqueuedAt:      at,
		UpdatedAt:       at,
		SimulateFailure: opts.SimulateFailure,
		Command:         cmd.Clone(),
	}
	doc.Pending = append(doc.Pending, item)
	if err := q.save(cmd.TenantID, doc); err != nil {
		return nil, err
	}

	observability.RecordTaskEnqueued(cmd.TenantID, cmd.Name)
	observability.SetQueueDepth(cmd.TenantID, countQueued(doc.Pending))
	q.logger.Debug("item enqueued tenant=%s command=%s id=%s", cmd.TenantID, cmd.Name, item.QueueItemID)

	out := item.Clone()
	return &out, nil
}

// ClaimNext hands the oldest queued item to the worker, or (nil, nil)
// when the backlog is empty. The item stays in the working set, marked
// processing, until a terminal completion moves it to history.
func (q *FileQueue) ClaimNext(_ context.Context, tenantID, workerID string) (*Item, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, orchestration.ErrMissingTenantID
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	doc, err := q.load(tenantID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i := range doc.Pending {
		if doc.Pending[i].Status == StatusQueued {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil
	}
	item := &doc.Pending[idx]

	at := q.now()
	item.Status = StatusProcessing
	item.StartedAt = &at
	item.UpdatedAt = at
	item.ClaimedBy = strings.TrimSpace(workerID)

	if err := q.save(tenantID, doc); err != nil {
		return nil, err
	}

	observability.RecordTaskClaimed(tenantID, item.Command.Name)
	observability.SetQueueDepth(tenantID, countQueued(doc.Pending))

	out := item.Clone()
	return &out, nil
}

// Complete finishes a processing item. Duplicate completions and unknown
// ids return (nil, nil).
func (q *FileQueue) Complete(_ context.Context, tenantID, queueItemID string, c Completion) (*Item, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, orchestration.ErrMissingTenantID
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	doc, err := q.load(tenantID)
	if err != nil {
		return nil, err
	}

	for i := range doc.Pending {
		if doc.Pending[i].QueueItemID != queueItemID {
			continue
		}
		if doc.Pending[i].Status != StatusProcessing {
			return nil, nil
		}

		item := doc.Pending[i]
		at := q.now()
		item.Status = c.Status
		item.FinishedAt = &at
		item.UpdatedAt = at
		item.ErrorCode = strings.TrimSpace(c.ErrorCode)
		item.ResultSummary = c.ResultSummary.Clone()

		doc.Pending = append(doc.Pending[:i], doc.Pending[i+1:]...)
		doc.History = append([]Item{item}, doc.History...)
		doc.History = boundHistory(doc.History, q.historyLimit)

		if err := q.save(tenantID, doc); err != nil {
			return nil, err
		}

		observability.RecordTaskCompleted(tenantID, item.Command.Name, string(c.Status))
		out := item.Clone()
		return &out, nil
	}
	return nil, nil
}

// GetQueue returns the tenant's backlog and history.
func (q *FileQueue) GetQueue(_ context.Context, tenantID string) (*Snapshot, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, orchestration.ErrMissingTenantID
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	doc, err := q.load(tenantID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Pending: make([]Item, 0, len(doc.Pending)),
		History: make([]Item, 0, len(doc.History)),
	}
	for _, item := range doc.Pending {
		snap.Pending = append(snap.Pending, item.Clone())
	}
	for _, item := range doc.History {
		snap.History = append(snap.History, item.Clone())
	}
	return snap, nil
}

// boundHistory trims the oldest finished entries past the limit. History
// holds terminal items only, newest first, so the trim is a prefix cut.
func boundHistory(history []Item, limit int) []Item {
	if len(history) <= limit {
		return history
	}
	return history[:limit:limit]
}
