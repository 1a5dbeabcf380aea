package orchestration

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Document is an opaque structured payload carried by commands and events.
// Payload shape varies per command/event name and is never interpreted by
// this core.
type Document map[string]any

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case Document:
		return value.Clone()
	case map[string]any:
		return Document(value).Clone()
	case []any:
		out := make([]any, len(value))
		for i := range value {
			out[i] = cloneValue(value[i])
		}
		return out
	default:
		return v
	}
}

// Command is an immutable intent envelope appended to the ledger before any
// module work happens.
type Command struct {
	CommandID     string    `json:"command_id"`
	Name          string    `json:"name"`
	TenantID      string    `json:"tenant_id"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	TraceID       string    `json:"trace_id"`
	CreatedAt     time.Time `json:"created_at"`
	Payload       Document  `json:"payload,omitempty"`
}

// Type returns the command name.
func (c Command) Type() string { return c.Name }

// Validate checks the identifiers a command must carry before it is appended.
func (c Command) Validate() error {
	if strings.TrimSpace(c.CommandID) == "" {
		return ErrMissingID
	}
	if strings.TrimSpace(c.Name) == "" {
		return ErrMissingName
	}
	if strings.TrimSpace(c.TenantID) == "" {
		return ErrMissingTenantID
	}
	if strings.TrimSpace(c.CorrelationID) == "" {
		return ErrMissingCorrelationID
	}
	return nil
}

// Clone returns a deep copy of the command.
func (c Command) Clone() Command {
	cp := c
	cp.Payload = c.Payload.Clone()
	return cp
}

// Event is an immutable outcome envelope, always correlated back to the
// command (or event) that caused it.
type Event struct {
	EventID       string    `json:"event_id"`
	Name          string    `json:"name"`
	TenantID      string    `json:"tenant_id"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	TraceID       string    `json:"trace_id"`
	EmittedAt     time.Time `json:"emitted_at"`
	Status        string    `json:"status,omitempty"`
	Payload       Document  `json:"payload,omitempty"`
}

// Type returns the event name.
func (e Event) Type() string { return e.Name }

// Validate checks the identifiers an event must carry before it is appended.
func (e Event) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return ErrMissingID
	}
	if strings.TrimSpace(e.Name) == "" {
		return ErrMissingName
	}
	if strings.TrimSpace(e.TenantID) == "" {
		return ErrMissingTenantID
	}
	if strings.TrimSpace(e.CorrelationID) == "" {
		return ErrMissingCorrelationID
	}
	return nil
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	cp := e
	cp.Payload = e.Payload.Clone()
	return cp
}

// EnvelopeOption customizes envelope construction.
type EnvelopeOption func(*envelopeOptions)

type envelopeOptions struct {
	correlationID string
	causationID   string
	traceID       string
	status        string
	at            time.Time
}

// WithCorrelationID pins the correlation id instead of minting a new one.
func WithCorrelationID(id string) EnvelopeOption {
	return func(o *envelopeOptions) { o.correlationID = strings.TrimSpace(id) }
}

// WithCausationID records the direct parent envelope id.
func WithCausationID(id string) EnvelopeOption {
	return func(o *envelopeOptions) { o.causationID = strings.TrimSpace(id) }
}

// WithTraceID pins the trace id instead of minting a new one.
func WithTraceID(id string) EnvelopeOption {
	return func(o *envelopeOptions) { o.traceID = strings.TrimSpace(id) }
}

// WithStatus sets the optional event status field.
func WithStatus(status string) EnvelopeOption {
	return func(o *envelopeOptions) { o.status = strings.TrimSpace(status) }
}

// WithTimestamp pins the envelope timestamp, mainly for tests.
func WithTimestamp(at time.Time) EnvelopeOption {
	return func(o *envelopeOptions) { o.at = at }
}

// CausedBy inherits correlation, trace, and causation from the originating
// command so the resulting envelope joins the same trace.
func CausedBy(cmd Command) EnvelopeOption {
	return func(o *envelopeOptions) {
		o.correlationID = cmd.CorrelationID
		o.traceID = cmd.TraceID
		o.causationID = cmd.CommandID
	}
}

func buildEnvelopeOptions(opts []EnvelopeOption) envelopeOptions {
	var o envelopeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.correlationID == "" {
		o.correlationID = uuid.NewString()
	}
	if o.traceID == "" {
		o.traceID = uuid.NewString()
	}
	if o.at.IsZero() {
		o.at = time.Now().UTC()
	} else {
		o.at = o.at.UTC()
	}
	return o
}

// NewCommand builds a command envelope with fresh identifiers. Correlation
// and trace ids are minted unless pinned via options.
func NewCommand(name, tenantID string, payload Document, opts ...EnvelopeOption) Command {
	o := buildEnvelopeOptions(opts)
	return Command{
		CommandID:     uuid.NewString(),
		Name:          strings.TrimSpace(name),
		TenantID:      strings.TrimSpace(tenantID),
		CorrelationID: o.correlationID,
		CausationID:   o.causationID,
		TraceID:       o.traceID,
		CreatedAt:     o.at,
		Payload:       payload.Clone(),
	}
}

// NewEvent builds an event envelope. Use CausedBy to correlate it with the
// originating command.
func NewEvent(name, tenantID string, payload Document, opts ...EnvelopeOption) Event {
	o := buildEnvelopeOptions(opts)
	return Event{
		EventID:       uuid.NewString(),
		Name:          strings.TrimSpace(name),
		TenantID:      strings.TrimSpace(tenantID),
		CorrelationID: o.correlationID,
		CausationID:   o.causationID,
		TraceID:       o.traceID,
		EmittedAt:     o.at,
		Status:        o.status,
		Payload:       payload.Clone(),
	}
}
