package main

import (
	"path/filepath"
	"strings"

	"github.com/goliatone/go-orchestration/confirmation"
	"github.com/goliatone/go-orchestration/ledger"
	"github.com/goliatone/go-orchestration/maintenance"
	"github.com/goliatone/go-orchestration/taskqueue"
	"github.com/goliatone/go-orchestration/workflow"
)

type workflowCmd struct {
	Lint  workflowLintCmd  `cmd:"" help:"Validate a workflow definition file."`
	Check workflowCheckCmd `cmd:"" help:"Validate a proposed state change against a definition."`
}

type workflowLintCmd struct {
	File string `arg:"" help:"Workflow definition (YAML or JSON)." type:"existingfile"`
}

func (c *workflowLintCmd) Run(app *appContext) error {
	def, err := workflow.Load(c.File)
	if err != nil {
		return err
	}
	table, err := workflow.NewTable(*def)
	if err != nil {
		return err
	}

	printf("workflow %s: %d states, %d terminal, %d transitions",
		table.Name(), len(table.States()), countTerminal(table), len(def.Transitions))
	for _, state := range table.States() {
		edges := table.TransitionsFrom(state)
		if len(edges) == 0 {
			continue
		}
		for _, tr := range edges {
			suffix := ""
			if tr.RequiresReasonCode {
				suffix = " (reason code required)"
			}
			printf("  %s -> %s on %q%s", tr.From, tr.To, tr.Trigger, suffix)
		}
	}
	return nil
}

func countTerminal(table *workflow.Table) int {
	n := 0
	for _, state := range table.States() {
		if table.TerminalState(state) {
			n++
		}
	}
	return n
}

type workflowCheckCmd struct {
	File    string `arg:"" help:"Workflow definition (YAML or JSON)." type:"existingfile"`
	From    string `arg:"" help:"Current state."`
	To      string `arg:"" help:"Proposed next state."`
	Trigger string `help:"Trigger accompanying the change."`
	Reason  string `help:"Reason code for transitions that require one."`
}

func (c *workflowCheckCmd) Run(app *appContext) error {
	def, err := workflow.Load(c.File)
	if err != nil {
		return err
	}
	table, err := workflow.NewTable(*def)
	if err != nil {
		return err
	}
	return printJSON(table.Validate(c.From, c.To, c.Trigger, c.Reason))
}

type ledgerCmd struct {
	Commands ledgerCommandsCmd `cmd:"" help:"Recent commands for a tenant, oldest first."`
	Events   ledgerEventsCmd   `cmd:"" help:"Recent events for a tenant, oldest first."`
}

type ledgerCommandsCmd struct {
	Tenant string `arg:"" help:"Tenant id."`
	Limit  int    `help:"Window size, capped at the configured bound."`
}

func (c *ledgerCommandsCmd) Run(app *appContext) error {
	l, err := openLedger(app)
	if err != nil {
		return err
	}
	commands, err := l.Commands(app.ctx, c.Tenant, c.Limit)
	if err != nil {
		return err
	}
	return printJSON(commands)
}

type ledgerEventsCmd struct {
	Tenant string `arg:"" help:"Tenant id."`
	Limit  int    `help:"Window size, capped at the configured bound."`
}

func (c *ledgerEventsCmd) Run(app *appContext) error {
	l, err := openLedger(app)
	if err != nil {
		return err
	}
	events, err := l.Events(app.ctx, c.Tenant, c.Limit)
	if err != nil {
		return err
	}
	return printJSON(events)
}

type traceCmd struct {
	CorrelationID string `arg:"" help:"Correlation id to reconstruct."`
}

func (c *traceCmd) Run(app *appContext) error {
	l, err := openLedger(app)
	if err != nil {
		return err
	}
	trace, err := l.GetTrace(app.ctx, c.CorrelationID)
	if err != nil {
		return err
	}
	return printJSON(trace)
}

type queueCmd struct {
	Show queueShowCmd `cmd:"" help:"Pending items and bounded history for a tenant."`
}

type queueShowCmd struct {
	Tenant string `arg:"" help:"Tenant id."`
}

func (c *queueShowCmd) Run(app *appContext) error {
	q, err := taskqueue.NewFileQueue(filepath.Join(app.data, "queue"),
		taskqueue.WithQueueLogger(app.logger))
	if err != nil {
		return err
	}
	snap, err := q.GetQueue(app.ctx, c.Tenant)
	if err != nil {
		return err
	}
	return printJSON(snap)
}

type confirmCmd struct {
	List confirmListCmd `cmd:"" help:"Confirmations for a tenant, newest first."`
}

type confirmListCmd struct {
	Tenant string `arg:"" help:"Tenant id."`
	Status string `help:"Filter by status (pending, approved, denied)."`
	Limit  int    `help:"Page size, capped at 200."`
}

func (c *confirmListCmd) Run(app *appContext) error {
	s, err := confirmation.NewFileStore(filepath.Join(app.data, "confirmations"),
		confirmation.WithFileStoreLogger(app.logger))
	if err != nil {
		return err
	}
	items, err := s.List(app.ctx, c.Tenant, confirmation.ListFilter{
		Status: confirmation.Status(strings.TrimSpace(c.Status)),
		Limit:  c.Limit,
	})
	if err != nil {
		return err
	}
	pending, err := s.CountPending(app.ctx, c.Tenant)
	if err != nil {
		return err
	}
	printf("%d pending", pending)
	return printJSON(items)
}

type scheduleCmd struct {
	List scheduleListCmd `cmd:"" help:"Every tenant's maintenance schedule."`
	Set  scheduleSetCmd  `cmd:"" help:"Create or update a tenant's schedule."`
	Runs scheduleRunsCmd `cmd:"" help:"Recorded maintenance runs, newest first."`
}

type scheduleListCmd struct{}

func (c *scheduleListCmd) Run(app *appContext) error {
	s, err := openMaintenance(app)
	if err != nil {
		return err
	}
	schedules, err := s.Schedules(app.ctx)
	if err != nil {
		return err
	}
	return printJSON(schedules)
}

type scheduleSetCmd struct {
	Tenant   string `arg:"" help:"Tenant id."`
	Disable  bool   `help:"Disable the schedule instead of enabling it."`
	Interval int    `help:"Sweep interval in minutes (max 1440)."`
	Limit    int    `help:"Items per sweep (max 500)."`
	Mode     string `help:"Sweep mode (auto, openai, local, off)."`
}

func (c *scheduleSetCmd) Run(app *appContext) error {
	s, err := openMaintenance(app)
	if err != nil {
		return err
	}
	sched, err := s.UpsertSchedule(app.ctx, maintenance.ScheduleInput{
		TenantID:        c.Tenant,
		Enabled:         !c.Disable,
		IntervalMinutes: c.Interval,
		Limit:           c.Limit,
		Mode:            c.Mode,
	})
	if err != nil {
		return err
	}
	return printJSON(sched)
}

type scheduleRunsCmd struct {
	Tenant string `help:"Filter by tenant id."`
	Limit  int    `help:"Maximum runs to list."`
}

func (c *scheduleRunsCmd) Run(app *appContext) error {
	s, err := openMaintenance(app)
	if err != nil {
		return err
	}
	runs, err := s.Runs(app.ctx, maintenance.RunFilter{TenantID: c.Tenant, Limit: c.Limit})
	if err != nil {
		return err
	}
	return printJSON(runs)
}

func openLedger(app *appContext) (*ledger.FileLedger, error) {
	return ledger.NewFileLedger(filepath.Join(app.data, "ledger"),
		ledger.WithFileLogger(app.logger))
}

func openMaintenance(app *appContext) (*maintenance.FileStore, error) {
	return maintenance.NewFileStore(filepath.Join(app.data, "maintenance"),
		maintenance.WithFileStoreLogger(app.logger))
}
