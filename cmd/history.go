package cmd

import (
	"fmt"
	"io"

	"grimm.is/xtables/internal/audit"
)

// HistoryOptions controls RunHistory.
type HistoryOptions struct {
	Table   string
	Limit   int
	Verbose bool
}

// RunHistory prints recorded commits, newest first. Verbose output includes
// each commit's diff.
func (e *Env) RunHistory(opts HistoryOptions) error {
	if e.Audit == nil {
		return fmt.Errorf("no audit database configured")
	}
	events, err := e.Audit.Query(audit.Query{Table: opts.Table, Limit: opts.Limit})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		Printer.Fprintf(e.Out, "No commits recorded\n")
		return nil
	}

	for _, evt := range events {
		status := "ok"
		if !evt.OK() {
			status = "failed: " + evt.Error
		}
		Printer.Fprintf(e.Out, "%s  %-8s  %s (%s)  %d rules  %s\n",
			evt.Timestamp.Local().Format("2006-01-02 15:04:05"), evt.User, evt.Table, evt.Family, evt.Rules, status)
		if opts.Verbose && evt.Diff != "" {
			if _, err := io.WriteString(e.Out, evt.Diff); err != nil {
				return err
			}
		}
	}
	return nil
}
