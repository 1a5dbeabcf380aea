package orchestration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommandMintsIdentifiers(t *testing.T) {
	cmd := NewCommand("lead.qualify", "tenant-a", Document{"lead_id": "l-1"})

	require.NoError(t, cmd.Validate())
	assert.NotEmpty(t, cmd.CommandID)
	assert.NotEmpty(t, cmd.CorrelationID)
	assert.NotEmpty(t, cmd.TraceID)
	assert.Empty(t, cmd.CausationID)
	assert.Equal(t, "lead.qualify", cmd.Type())
	assert.False(t, cmd.CreatedAt.IsZero())
}

func TestNewCommandTrimsFields(t *testing.T) {
	cmd := NewCommand("  lead.qualify  ", "  tenant-a  ", nil)
	assert.Equal(t, "lead.qualify", cmd.Name)
	assert.Equal(t, "tenant-a", cmd.TenantID)
}

func TestCausedByJoinsTrace(t *testing.T) {
	cmd := NewCommand("lead.qualify", "tenant-a", nil)
	evt := NewEvent("lead.qualified", "tenant-a", nil, CausedBy(cmd), WithStatus("ok"))

	require.NoError(t, evt.Validate())
	assert.Equal(t, cmd.CorrelationID, evt.CorrelationID)
	assert.Equal(t, cmd.TraceID, evt.TraceID)
	assert.Equal(t, cmd.CommandID, evt.CausationID)
	assert.Equal(t, "ok", evt.Status)
}

func TestEnvelopeOptionsPinValues(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	cmd := NewCommand("lead.qualify", "tenant-a", nil,
		WithCorrelationID("corr-1"),
		WithTraceID("trace-1"),
		WithCausationID("cause-1"),
		WithTimestamp(at),
	)

	assert.Equal(t, "corr-1", cmd.CorrelationID)
	assert.Equal(t, "trace-1", cmd.TraceID)
	assert.Equal(t, "cause-1", cmd.CausationID)
	assert.Equal(t, at, cmd.CreatedAt)
}

func TestCommandValidate(t *testing.T) {
	base := NewCommand("lead.qualify", "tenant-a", nil)

	missingID := base
	missingID.CommandID = " "
	assert.ErrorIs(t, missingID.Validate(), ErrMissingID)

	missingName := base
	missingName.Name = ""
	assert.ErrorIs(t, missingName.Validate(), ErrMissingName)

	missingTenant := base
	missingTenant.TenantID = ""
	assert.ErrorIs(t, missingTenant.Validate(), ErrMissingTenantID)

	missingCorrelation := base
	missingCorrelation.CorrelationID = ""
	assert.ErrorIs(t, missingCorrelation.Validate(), ErrMissingCorrelationID)
}

func TestDocumentCloneIsDeep(t *testing.T) {
	original := Document{
		"nested": Document{"n": 1},
		"plain":  map[string]any{"m": 2},
		"list":   []any{Document{"x": 3}},
	}

	cp := original.Clone()
	cp["nested"].(Document)["n"] = 99
	cp["plain"].(Document)["m"] = 99
	cp["list"].([]any)[0].(Document)["x"] = 99

	assert.Equal(t, 1, original["nested"].(Document)["n"])
	assert.Equal(t, 2, original["plain"].(map[string]any)["m"])
	assert.Equal(t, 3, original["list"].([]any)[0].(Document)["x"])
}

func TestCommandCloneDetachesPayload(t *testing.T) {
	cmd := NewCommand("lead.qualify", "tenant-a", Document{"k": "v"})
	cp := cmd.Clone()
	cp.Payload["k"] = "changed"
	assert.Equal(t, "v", cmd.Payload["k"])
}
