package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/xtables/internal/audit"
	"grimm.is/xtables/internal/config"
	"grimm.is/xtables/internal/table"
)

// ApplyOptions controls RunApply.
type ApplyOptions struct {
	// DryRun prints a diff per table instead of committing.
	DryRun bool

	// MetricsOut, when set, receives the metrics in text format after the
	// run, for node_exporter's textfile collector.
	MetricsOut string

	Retry table.RetryConfig
}

// RunApply stages a policy file on each table it names and commits the
// tables that change. Tables are committed one at a time, in file order; a
// failure stops the run and leaves later tables untouched.
func (e *Env) RunApply(ctx context.Context, path string, opts ApplyOptions) error {
	cfg, err := loadPolicy(path)
	if err != nil {
		return err
	}

	runErr := e.apply(ctx, cfg, opts)

	if opts.MetricsOut != "" {
		if err := prometheus.WriteToTextfile(opts.MetricsOut, prometheus.DefaultGatherer); err != nil {
			e.Logger.Warn("Failed to write metrics", "path", opts.MetricsOut, "error", err)
		}
	}
	return runErr
}

func (e *Env) apply(ctx context.Context, cfg *config.Config, opts ApplyOptions) error {
	run := audit.NewRun()
	for i := range cfg.Tables {
		tc := &cfg.Tables[i]
		family, err := config.ParseFamily(tc.Family)
		if err != nil {
			return err
		}

		tbl, err := e.open(tc.Name, family)
		if err != nil {
			return fmt.Errorf("failed to read table %s: %w", tc.Name, err)
		}
		before, err := dump(tbl)
		if err != nil {
			return err
		}
		if err := tc.Stage(tbl); err != nil {
			return fmt.Errorf("table %s: %w", tc.Name, err)
		}
		after, err := dump(tbl)
		if err != nil {
			return err
		}

		if before == after {
			Printer.Fprintf(e.Out, "%s (%s): no changes\n", tc.Name, family)
			continue
		}

		from := fmt.Sprintf("%s/%s (running)", family, tc.Name)
		to := fmt.Sprintf("%s/%s (policy)", family, tc.Name)
		diff, err := diffText(from, to, before, after)
		if err != nil {
			return err
		}

		if opts.DryRun {
			if err := tbl.Check(); err != nil {
				return err
			}
			if _, err := io.WriteString(e.Out, diff); err != nil {
				return err
			}
			continue
		}

		err = table.CommitWithRetry(ctx, tbl, opts.Retry)
		e.record(audit.Event{
			Run:    run,
			User:   e.User,
			Table:  tc.Name,
			Family: family.String(),
			Rules:  ruleCount(tbl),
			Size:   tbl.Size(),
			Diff:   diff,
		}, err)
		if err != nil {
			return err
		}
		Printer.Fprintf(e.Out, "%s (%s): committed\n", tc.Name, family)
	}
	return nil
}

// record writes a commit event if auditing is on. Failed commits are
// recorded with their error and without a size.
func (e *Env) record(evt audit.Event, commitErr error) {
	if e.Audit == nil {
		return
	}
	if commitErr != nil {
		evt.Error = commitErr.Error()
		evt.Size = 0
	}
	if _, err := e.Audit.Write(evt); err != nil {
		e.Logger.Warn("Failed to record commit", "table", evt.Table, "error", err)
	}
}

func ruleCount(t *table.Table) int {
	n := 0
	for _, s := range t.Stats() {
		n += s.Rules
	}
	return n
}
