package ledger

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-orchestration"
	"github.com/goliatone/go-orchestration/storage"
)

const (
	commandsFile = "commands.ndjson"
	eventsFile   = "events.ndjson"
)

// FileLedger appends envelopes to NDJSON logs under a directory and serves
// recent reads from a bounded in-memory cache hydrated at startup. The log
// write happens before the cache update, so an acknowledged append is never
// lost without also losing the process. Traces re-read the full logs and
// are never truncated by the cache bound.
type FileLedger struct {
	mu     sync.Mutex
	dir    string
	bound  int
	logger orchestration.Logger

	// per-tenant recent windows, chronological
	recentCommands map[string][]orchestration.Command
	recentEvents   map[string][]orchestration.Event
}

// FileOption customizes a FileLedger.
type FileOption func(*FileLedger)

// WithHistoryBound overrides the per-tenant recent window size.
func WithHistoryBound(n int) FileOption {
	return func(l *FileLedger) {
		if n > 0 {
			l.bound = n
		}
	}
}

// WithFileLogger sets the ledger logger.
func WithFileLogger(logger orchestration.Logger) FileOption {
	return func(l *FileLedger) { l.logger = logger }
}

// NewFileLedger opens (or creates) the ledger directory and hydrates the
// recent caches from the existing logs.
func NewFileLedger(dir string, opts ...FileOption) (*FileLedger, error) {
	l := &FileLedger{
		dir:            dir,
		bound:          DefaultHistoryBound,
		recentCommands: make(map[string][]orchestration.Command),
		recentEvents:   make(map[string][]orchestration.Event),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.logger = orchestration.NormalizeLogger(l.logger)

	if err := storage.EnsureDir(dir); err != nil {
		return nil, err
	}
	if err := l.hydrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLedger) hydrate() error {
	commands, err := readEnvelopes[orchestration.Command](l.commandsPath())
	if err != nil {
		return err
	}
	for _, cmd := range commands {
		l.recentCommands[cmd.TenantID] = pushBounded(l.recentCommands[cmd.TenantID], cmd, l.bound)
	}

	events, err := readEnvelopes[orchestration.Event](l.eventsPath())
	if err != nil {
		return err
	}
	for _, evt := range events {
		l.recentEvents[evt.TenantID] = pushBounded(l.recentEvents[evt.TenantID], evt, l.bound)
	}

	l.logger.Debug("ledger hydrated dir=%s commands=%d events=%d", l.dir, len(commands), len(events))
	return nil
}

func (l *FileLedger) commandsPath() string { return filepath.Join(l.dir, commandsFile) }
func (l *FileLedger) eventsPath() string   { return filepath.Join(l.dir, eventsFile) }

// AppendCommand validates the command and appends it to the log.
func (l *FileLedger) AppendCommand(_ context.Context, cmd orchestration.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	cmd = cmd.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := storage.AppendLine(l.commandsPath(), cmd); err != nil {
		return err
	}
	l.recentCommands[cmd.TenantID] = pushBounded(l.recentCommands[cmd.TenantID], cmd, l.bound)
	return nil
}

// AppendEvent validates the event and appends it to the log.
func (l *FileLedger) AppendEvent(_ context.Context, evt orchestration.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	evt = evt.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := storage.AppendLine(l.eventsPath(), evt); err != nil {
		return err
	}
	l.recentEvents[evt.TenantID] = pushBounded(l.recentEvents[evt.TenantID], evt, l.bound)
	return nil
}

// Commands serves the tenant's recent window from cache, oldest first.
func (l *FileLedger) Commands(_ context.Context, tenantID string, limit int) ([]orchestration.Command, error) {
	limit = clampLimit(limit, l.bound)

	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.recentCommands[tenantID]
	if len(window) > limit {
		window = window[len(window)-limit:]
	}
	out := make([]orchestration.Command, 0, len(window))
	for _, cmd := range window {
		out = append(out, cmd.Clone())
	}
	return out, nil
}

// Events serves the tenant's recent window from cache, oldest first.
func (l *FileLedger) Events(_ context.Context, tenantID string, limit int) ([]orchestration.Event, error) {
	limit = clampLimit(limit, l.bound)

	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.recentEvents[tenantID]
	if len(window) > limit {
		window = window[len(window)-limit:]
	}
	out := make([]orchestration.Event, 0, len(window))
	for _, evt := range window {
		out = append(out, evt.Clone())
	}
	return out, nil
}

// GetTrace scans the full logs for every envelope sharing the correlation
// id. It deliberately bypasses the recent cache: a long-lived correlation
// must surface entries the bounded window already evicted.
func (l *FileLedger) GetTrace(_ context.Context, correlationID string) (*Trace, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil, orchestration.ErrMissingCorrelationID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	commands, err := readEnvelopes[orchestration.Command](l.commandsPath())
	if err != nil {
		return nil, err
	}
	events, err := readEnvelopes[orchestration.Event](l.eventsPath())
	if err != nil {
		return nil, err
	}

	trace := &Trace{Commands: []orchestration.Command{}, Events: []orchestration.Event{}}
	for _, cmd := range commands {
		if cmd.CorrelationID == correlationID {
			trace.Commands = append(trace.Commands, cmd.Clone())
		}
	}
	for _, evt := range events {
		if evt.CorrelationID == correlationID {
			trace.Events = append(trace.Events, evt.Clone())
		}
	}
	sort.SliceStable(trace.Commands, func(i, j int) bool {
		return trace.Commands[i].CreatedAt.Before(trace.Commands[j].CreatedAt)
	})
	sort.SliceStable(trace.Events, func(i, j int) bool {
		return trace.Events[i].EmittedAt.Before(trace.Events[j].EmittedAt)
	})
	return trace, nil
}

func readEnvelopes[T any](path string) ([]T, error) {
	lines, err := storage.ReadLines(path)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(lines))
	for _, line := range lines {
		var value T
		if err := json.Unmarshal(line, &value); err != nil {
			continue
		}
		out = append(out, value)
	}
	return out, nil
}

func pushBounded[T any](window []T, value T, bound int) []T {
	window = append(window, value)
	if len(window) > bound {
		window = window[len(window)-bound:]
	}
	return window
}
