package metrics

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sys/unix"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all xtables metrics.
type Registry struct {
	// Transaction metrics
	Commits        *prometheus.CounterVec
	CommitDuration *prometheus.HistogramVec
	BlobBytes      *prometheus.GaugeVec
	Fetches        *prometheus.CounterVec

	// Table contents
	TableRules   *prometheus.GaugeVec
	ChainPackets *prometheus.GaugeVec
	ChainBytes   *prometheus.GaugeVec

	// Extension resolution
	Resolutions *prometheus.CounterVec

	// Collector
	LastCollect prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtables_commits_total",
		Help: "Table replace attempts by result",
	}, []string{"table", "result"})

	r.CommitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xtables_commit_duration_seconds",
		Help:    "Time spent compiling and replacing a table",
		Buckets: prometheus.DefBuckets,
	}, []string{"table"})

	r.BlobBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xtables_blob_bytes",
		Help: "Size of the last compiled or fetched table blob",
	}, []string{"table"})

	r.Fetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtables_fetches_total",
		Help: "Table fetches by result",
	}, []string{"table", "result"})

	r.TableRules = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xtables_chain_rules",
		Help: "Number of rules per chain",
	}, []string{"table", "chain"})

	r.ChainPackets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xtables_chain_packets",
		Help: "Sum of the packet counters of a chain's rules and policy",
	}, []string{"table", "chain"})

	r.ChainBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xtables_chain_bytes",
		Help: "Sum of the byte counters of a chain's rules and policy",
	}, []string{"table", "chain"})

	r.Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtables_extension_resolutions_total",
		Help: "Extension revision resolutions by kind and result",
	}, []string{"kind", "result"})

	r.LastCollect = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xtables_collector_last_run_timestamp_seconds",
		Help: "Unix time of the last counter collection",
	})

	return r
}

// RecordCommit records a table replace attempt.
func (r *Registry) RecordCommit(table string, size int, duration time.Duration, err error) {
	r.Commits.WithLabelValues(table, resultString(err)).Inc()
	r.CommitDuration.WithLabelValues(table).Observe(duration.Seconds())
	if err == nil {
		r.BlobBytes.WithLabelValues(table).Set(float64(size))
	}
}

// RecordFetch records a table fetch.
func (r *Registry) RecordFetch(table string, size int, err error) {
	r.Fetches.WithLabelValues(table, resultString(err)).Inc()
	if err == nil {
		r.BlobBytes.WithLabelValues(table).Set(float64(size))
	}
}

// RecordResolution records the outcome of an extension lookup.
func (r *Registry) RecordResolution(kind string, err error) {
	r.Resolutions.WithLabelValues(kind, resultString(err)).Inc()
}

// SetChainRules updates the rule count of a chain.
func (r *Registry) SetChainRules(table, chain string, rules int) {
	r.TableRules.WithLabelValues(table, chain).Set(float64(rules))
}

// resultString maps an error to a short label value. Kernel errors keep
// their errno name so EAGAIN retries can be told apart from rejections.
func resultString(err error) string {
	if err == nil {
		return "ok"
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		if name := unix.ErrnoName(errno); name != "" {
			return name
		}
		return fmt.Sprintf("errno_%d", int(errno))
	}
	return "error"
}
