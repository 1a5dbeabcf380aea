// Package ledger persists the append-only command and event history that
// every orchestration decision is audited against. Envelopes are immutable
// once appended; the only reads are bounded recent windows per tenant and
// unbounded correlation traces.
package ledger

import (
	"context"

	"github.com/goliatone/go-orchestration"
)

// DefaultHistoryBound is the recent-window size served by bounded reads.
// Older records stay in durable storage and remain reachable via Trace.
const DefaultHistoryBound = 200

// Trace is the full causal history of one correlation id: every command
// and every event that shares it, each sorted by its own timestamp
// ascending.
type Trace struct {
	Commands []orchestration.Command `json:"commands"`
	Events   []orchestration.Event   `json:"events"`
}

// Ledger is the storage contract for the command/event history. Both the
// file and the Postgres backend honor the same semantics.
type Ledger interface {
	// AppendCommand validates and appends a command envelope. The record
	// is durable before the call returns.
	AppendCommand(ctx context.Context, cmd orchestration.Command) error

	// AppendEvent validates and appends an event envelope.
	AppendEvent(ctx context.Context, evt orchestration.Event) error

	// Commands returns up to limit recent commands for the tenant in
	// chronological order. The limit is clamped to the history bound,
	// which also applies when limit <= 0.
	Commands(ctx context.Context, tenantID string, limit int) ([]orchestration.Command, error)

	// Events mirrors Commands for events.
	Events(ctx context.Context, tenantID string, limit int) ([]orchestration.Event, error)

	// GetTrace returns every command and event sharing the correlation
	// id. Traces read full history, not the recent window, so causal
	// reconstruction works even after the bounded view rolled over.
	GetTrace(ctx context.Context, correlationID string) (*Trace, error)
}

func clampLimit(limit, bound int) int {
	if limit <= 0 || limit > bound {
		return bound
	}
	return limit
}
