// orchestctl inspects and administers the file-backed orchestration state:
// workflow definitions, the command/event ledger, the module task queue,
// confirmation requests, and maintenance schedules.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-orchestration"
)

type cli struct {
	Data    string `help:"Data directory holding the file-backed state." default:".orchestration" type:"path"`
	Verbose bool   `short:"v" help:"Enable debug logging."`

	Workflow workflowCmd `cmd:"" help:"Workflow definition tools."`
	Ledger   ledgerCmd   `cmd:"" help:"Command and event ledger reads."`
	Trace    traceCmd    `cmd:"" help:"Reconstruct a full correlation trace."`
	Queue    queueCmd    `cmd:"" help:"Module task queue inspection."`
	Confirm  confirmCmd  `cmd:"" help:"Task confirmation requests."`
	Schedule scheduleCmd `cmd:"" help:"Maintenance schedules and run history."`
}

// appContext carries the shared dependencies into each Run method.
type appContext struct {
	ctx    context.Context
	data   string
	logger orchestration.Logger
}

func main() {
	var root cli
	parser := kong.Parse(&root,
		kong.Name("orchestctl"),
		kong.Description("Inspect and administer orchestration core state."),
		kong.UsageOnError(),
	)

	level := "info"
	if root.Verbose {
		level = "debug"
	}
	app := &appContext{
		ctx:  context.Background(),
		data: root.Data,
		logger: glogAdapter{logger: glog.NewLogger(
			glog.WithWriter(os.Stderr),
			glog.WithLevel(level),
		)},
	}
	parser.FatalIfErrorf(parser.Run(app))
}

type glogAdapter struct {
	logger glog.Logger
}

func (l glogAdapter) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l glogAdapter) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogAdapter) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogAdapter) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogAdapter) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l glogAdapter) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l glogAdapter) WithContext(ctx context.Context) orchestration.Logger {
	return glogAdapter{logger: l.logger.WithContext(ctx)}
}

func (l glogAdapter) WithFields(fields map[string]any) orchestration.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogAdapter{logger: fl.WithFields(fields)}
	}
	return l
}

func printJSON(value any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func printf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}
