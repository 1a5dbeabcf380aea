// Package taskqueue implements the module task queue: commands routed to a
// target module wait as queued items, workers claim one item at a time, and
// finished items move into a bounded per-tenant history window.
package taskqueue

import (
	"context"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-orchestration"
)

// Status is the lifecycle state of a queue item. An item is created
// queued, flips to processing only via claim, and reaches completed or
// failed only via completion.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// DefaultHistoryLimit bounds the finished-item window kept per tenant.
const DefaultHistoryLimit = 500

// Item is one unit of routed work: the command envelope plus its queue
// lifecycle bookkeeping.
type Item struct {
	QueueItemID     string                 `json:"queue_item_id"`
	Status          Status                 `json:"status"`
	EnqueuedAt      time.Time              `json:"enqueued_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	FinishedAt      *time.Time             `json:"finished_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
	SimulateFailure bool                   `json:"simulate_failure"`
	ErrorCode       string                 `json:"error_code,omitempty"`
	ResultSummary   orchestration.Document `json:"result_summary,omitempty"`
	ClaimedBy       string                 `json:"claimed_by,omitempty"`
	Command         orchestration.Command  `json:"command"`
}

// TenantID returns the owning tenant, carried on the command envelope.
func (i Item) TenantID() string { return i.Command.TenantID }

// Clone returns a deep copy of the item.
func (i Item) Clone() Item {
	cp := i
	cp.Command = i.Command.Clone()
	cp.ResultSummary = i.ResultSummary.Clone()
	if i.StartedAt != nil {
		at := *i.StartedAt
		cp.StartedAt = &at
	}
	if i.FinishedAt != nil {
		at := *i.FinishedAt
		cp.FinishedAt = &at
	}
	return cp
}

// EnqueueOptions carries per-item flags.
type EnqueueOptions struct {
	// SimulateFailure rides along on the item for deterministic
	// failure-injection testing. The queue never acts on it; the worker
	// decides to fail deliberately when it is set.
	SimulateFailure bool
}

// Completion is the terminal outcome a worker reports for a claimed item.
type Completion struct {
	Status        Status
	ErrorCode     string
	ResultSummary orchestration.Document
}

func (c Completion) validate() error {
	if c.Status != StatusCompleted && c.Status != StatusFailed {
		return errors.New("completion status must be completed or failed", errors.CategoryValidation).
			WithTextCode("INVALID_COMPLETION_STATUS").
			WithMetadata(map[string]any{"status": string(c.Status)})
	}
	return nil
}

// Snapshot is a point-in-time view of one tenant's queue: the working set
// (queued and in-flight items) oldest first, and the finished history
// newest first. An item leaves the working set only on terminal
// completion.
type Snapshot struct {
	Pending []Item `json:"pending"`
	History []Item `json:"history"`
}

func countQueued(items []Item) int {
	n := 0
	for i := range items {
		if items[i].Status == StatusQueued {
			n++
		}
	}
	return n
}

// Queue is the storage contract for the module task queue. Empty-backlog
// claims and already-terminal completions return (nil, nil); errors are
// reserved for malformed input and storage failures.
type Queue interface {
	// Enqueue validates the command and stores a new queued item.
	Enqueue(ctx context.Context, cmd orchestration.Command, opts EnqueueOptions) (*Item, error)

	// ClaimNext atomically hands the oldest queued item to workerID,
	// stamping started_at. No two concurrent claims observe the same
	// item.
	ClaimNext(ctx context.Context, tenantID, workerID string) (*Item, error)

	// Complete finishes a processing item. An item that already left
	// processing, or an unknown id, yields (nil, nil) so duplicate
	// completion signals are swallowed.
	Complete(ctx context.Context, tenantID, queueItemID string, c Completion) (*Item, error)

	// GetQueue returns the tenant's backlog and bounded history.
	GetQueue(ctx context.Context, tenantID string) (*Snapshot, error)
}
