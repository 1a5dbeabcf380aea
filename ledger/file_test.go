package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-orchestration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLedgerAppendAndRecent(t *testing.T) {
	led, err := NewFileLedger(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		cmd := orchestration.NewCommand("crm.update_lead", "tenant-a",
			orchestration.Document{"seq": i},
			orchestration.WithTimestamp(base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, led.AppendCommand(ctx, cmd))
	}

	recent, err := led.Commands(ctx, "tenant-a", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	// the last three, chronological
	assert.EqualValues(t, 2, recent[0].Payload["seq"])
	assert.EqualValues(t, 4, recent[2].Payload["seq"])

	other, err := led.Commands(ctx, "tenant-b", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestFileLedgerRejectsInvalidEnvelope(t *testing.T) {
	led, err := NewFileLedger(t.TempDir())
	require.NoError(t, err)

	err = led.AppendCommand(context.Background(), orchestration.Command{Name: "crm.update_lead"})
	require.ErrorIs(t, err, orchestration.ErrMissingID)

	evt := orchestration.NewEvent("crm.lead_updated", "", nil)
	err = led.AppendEvent(context.Background(), evt)
	require.ErrorIs(t, err, orchestration.ErrMissingTenantID)
}

func TestFileLedgerBoundedWindow(t *testing.T) {
	led, err := NewFileLedger(t.TempDir(), WithHistoryBound(10))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		cmd := orchestration.NewCommand("queue.enqueue_task", "tenant-a", nil)
		require.NoError(t, led.AppendCommand(ctx, cmd))
	}

	// limit <= 0 and oversized limits both fall back to the bound
	recent, err := led.Commands(ctx, "tenant-a", 0)
	require.NoError(t, err)
	assert.Len(t, recent, 10)

	recent, err = led.Commands(ctx, "tenant-a", 9999)
	require.NoError(t, err)
	assert.Len(t, recent, 10)
}

func TestFileLedgerSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	led, err := NewFileLedger(dir)
	require.NoError(t, err)

	cmd := orchestration.NewCommand("crm.update_lead", "tenant-a", orchestration.Document{"lead_id": "L-1"})
	require.NoError(t, led.AppendCommand(ctx, cmd))
	evt := orchestration.NewEvent("crm.lead_updated", "tenant-a", nil, orchestration.CausedBy(cmd))
	require.NoError(t, led.AppendEvent(ctx, evt))

	reopened, err := NewFileLedger(dir)
	require.NoError(t, err)

	recent, err := reopened.Commands(ctx, "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, cmd.CommandID, recent[0].CommandID)

	events, err := reopened.Events(ctx, "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, cmd.CommandID, events[0].CausationID)
}

func TestFileLedgerTraceCompleteness(t *testing.T) {
	led, err := NewFileLedger(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	root := orchestration.NewCommand("crm.update_lead", "tenant-a", nil,
		orchestration.WithTimestamp(base))
	require.NoError(t, led.AppendCommand(ctx, root))

	e1 := orchestration.NewEvent("crm.lead_updated", "tenant-a", nil,
		orchestration.CausedBy(root),
		orchestration.WithTimestamp(base.Add(time.Second)))
	e2 := orchestration.NewEvent("crm.lead_scored", "tenant-a", nil,
		orchestration.CausedBy(root),
		orchestration.WithTimestamp(base.Add(2*time.Second)))
	// append out of order, trace must still come back sorted
	require.NoError(t, led.AppendEvent(ctx, e2))
	require.NoError(t, led.AppendEvent(ctx, e1))

	unrelated := orchestration.NewCommand("billing.charge", "tenant-a", nil,
		orchestration.WithTimestamp(base))
	require.NoError(t, led.AppendCommand(ctx, unrelated))

	trace, err := led.GetTrace(ctx, root.CorrelationID)
	require.NoError(t, err)
	require.Len(t, trace.Commands, 1)
	assert.Equal(t, root.CommandID, trace.Commands[0].CommandID)
	require.Len(t, trace.Events, 2)
	assert.Equal(t, e1.EventID, trace.Events[0].EventID)
	assert.Equal(t, e2.EventID, trace.Events[1].EventID)
}

func TestFileLedgerTraceOutlivesCacheBound(t *testing.T) {
	led, err := NewFileLedger(t.TempDir(), WithHistoryBound(5))
	require.NoError(t, err)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	root := orchestration.NewCommand("crm.update_lead", "tenant-a", nil,
		orchestration.WithTimestamp(base))
	require.NoError(t, led.AppendCommand(ctx, root))

	// push the correlated command far past the cache bound
	for i := 0; i < 20; i++ {
		filler := orchestration.NewCommand("queue.enqueue_task", "tenant-a", nil,
			orchestration.WithTimestamp(base.Add(time.Duration(i+1)*time.Second)))
		require.NoError(t, led.AppendCommand(ctx, filler))
	}

	recent, err := led.Commands(ctx, "tenant-a", 0)
	require.NoError(t, err)
	assert.Len(t, recent, 5)

	trace, err := led.GetTrace(ctx, root.CorrelationID)
	require.NoError(t, err)
	require.Len(t, trace.Commands, 1)
	assert.Equal(t, root.CommandID, trace.Commands[0].CommandID)
}

func TestFileLedgerTraceRequiresCorrelationID(t *testing.T) {
	led, err := NewFileLedger(t.TempDir())
	require.NoError(t, err)

	_, err = led.GetTrace(context.Background(), "   ")
	require.ErrorIs(t, err, orchestration.ErrMissingCorrelationID)
}

func TestFileLedgerConcurrentAppends(t *testing.T) {
	led, err := NewFileLedger(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	const workers = 8
	const perWorker = 10
	done := make(chan error, workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			for i := 0; i < perWorker; i++ {
				cmd := orchestration.NewCommand("queue.enqueue_task",
					fmt.Sprintf("tenant-%d", w%2), nil)
				if err := led.AppendCommand(ctx, cmd); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(w)
	}
	for w := 0; w < workers; w++ {
		require.NoError(t, <-done)
	}

	a, err := led.Commands(ctx, "tenant-0", 0)
	require.NoError(t, err)
	b, err := led.Commands(ctx, "tenant-1", 0)
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, len(a)+len(b))
}
