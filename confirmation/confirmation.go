// Package confirmation implements the human-in-the-loop task confirmation
// workflow: a planned task that policy flags for review is parked as a
// pending confirmation, an operator approves or denies it exactly once,
// and the resolved record becomes immutable history.
package confirmation

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-orchestration"
)

// Status is the lifecycle state of a confirmation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// List bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Resolution is the recorded operator decision.
type Resolution struct {
	Action           string `json:"action"`
	ActorSessionID   string `json:"actor_session_id"`
	ResolutionReason string `json:"resolution_reason,omitempty"`
}

// Confirmation is one approval request. Once resolved it is immutable.
type Confirmation struct {
	ConfirmationID  string                 `json:"confirmation_id"`
	TenantID        string                 `json:"tenant_id"`
	Status          Status                 `json:"status"`
	ReasonCode      string                 `json:"reason_code,omitempty"`
	OwnerCommandRef string                 `json:"owner_command_ref"`
	TaskPlanRef     string                 `json:"task_plan_ref,omitempty"`
	RequestSnapshot orchestration.Document `json:"request_snapshot,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	ResolvedAt      *time.Time             `json:"resolved_at,omitempty"`
	Resolution      *Resolution            `json:"resolution,omitempty"`

	// ModuleTask records what was actually enqueued as a consequence of
	// approval, so callers can inspect the produced task.
	ModuleTask orchestration.Document `json:"module_task,omitempty"`
}

// Clone returns a deep copy of the confirmation.
func (c Confirmation) Clone() Confirmation {
	cp := c
	cp.RequestSnapshot = c.RequestSnapshot.Clone()
	cp.ModuleTask = c.ModuleTask.Clone()
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		cp.ResolvedAt = &at
	}
	if c.Resolution != nil {
		r := *c.Resolution
		cp.Resolution = &r
	}
	return cp
}

// CreateInput describes a new pending confirmation.
type CreateInput struct {
	ReasonCode      string
	OwnerCommandRef string
	TaskPlanRef     string
	RequestSnapshot orchestration.Document
}

func (in CreateInput) validate() error {
	if strings.TrimSpace(in.OwnerCommandRef) == "" {
		return errors.New("owner command ref required", errors.CategoryValidation).
			WithTextCode("MISSING_OWNER_COMMAND_REF")
	}
	return nil
}

// ResolveInput carries one resolution attempt.
type ResolveInput struct {
	Status           Status
	Action           string
	ActorSessionID   string
	ResolutionReason string
	ModuleTask       orchestration.Document
}

func (in ResolveInput) validate() error {
	if in.Status != StatusApproved && in.Status != StatusDenied {
		return errors.New("resolution status must be approved or denied", errors.CategoryValidation).
			WithTextCode("INVALID_RESOLUTION_STATUS").
			WithMetadata(map[string]any{"status": string(in.Status)})
	}
	return nil
}

// ListFilter narrows and bounds a listing.
type ListFilter struct {
	Status Status
	Limit  int
}

// Store is the storage contract for confirmations. Both backends guarantee
// at most one successful resolution per confirmation, ever.
type Store interface {
	// Create validates the input and stores a pending confirmation.
	Create(ctx context.Context, tenantID string, in CreateInput) (*Confirmation, error)

	// Get returns the confirmation, or (nil, nil) when unknown.
	Get(ctx context.Context, tenantID, confirmationID string) (*Confirmation, error)

	// CountPending reports how many confirmations await resolution.
	CountPending(ctx context.Context, tenantID string) (int, error)

	// List merges pending and resolved confirmations, newest first,
	// optionally filtered by status. The limit is clamped to
	// [1, MaxListLimit] with DefaultListLimit applied when unset.
	List(ctx context.Context, tenantID string, f ListFilter) ([]Confirmation, error)

	// Resolve applies the decision to a still-pending confirmation.
	// Exactly one resolution attempt ever succeeds; a confirmation that
	// is already resolved, or an unknown id, yields (nil, nil).
	Resolve(ctx context.Context, tenantID, confirmationID string, in ResolveInput) (*Confirmation, error)
}

func requireTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return orchestration.ErrMissingTenantID
	}
	return nil
}

func clampListLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
