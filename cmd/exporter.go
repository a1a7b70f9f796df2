package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/metrics"
	"grimm.is/xtables/internal/table"
)

// ExporterOptions controls RunExporter.
type ExporterOptions struct {
	Listen   string
	Interval time.Duration
	Tables   []string
	Family   extension.Family
}

// statsSource refetches the watched tables on every collection.
type statsSource struct {
	env    *Env
	family extension.Family
	names  []string
	tables map[string]*table.Table
}

func (s *statsSource) ChainStats(ctx context.Context) ([]metrics.ChainStats, error) {
	var all []metrics.ChainStats
	for _, name := range s.names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tbl, ok := s.tables[name]
		if ok {
			if err := tbl.Refresh(); err != nil {
				return nil, err
			}
		} else {
			var err error
			if tbl, err = s.env.open(name, s.family); err != nil {
				return nil, err
			}
			s.tables[name] = tbl
		}
		all = append(all, tbl.Stats()...)
	}
	return all, nil
}

// RunExporter serves Prometheus metrics for the given tables until ctx is
// done. Chain counters are refreshed every interval.
func (e *Env) RunExporter(ctx context.Context, opts ExporterOptions) error {
	if len(opts.Tables) == 0 {
		return fmt.Errorf("no tables to export")
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}

	source := &statsSource{env: e, family: opts.Family, names: opts.Tables, tables: make(map[string]*table.Table)}
	collector := metrics.NewCollector(e.Logger.WithComponent("collector"), source, opts.Interval)
	go collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              opts.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.Logger.Info("Serving metrics", "listen", opts.Listen, "tables", opts.Tables)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
