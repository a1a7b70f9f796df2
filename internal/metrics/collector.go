package metrics

import (
	"context"
	"sync"
	"time"

	"grimm.is/xtables/internal/logging"
)

// ChainStats is a snapshot of one chain's size and counters.
type ChainStats struct {
	Table   string `json:"table"`
	Chain   string `json:"chain"`
	Rules   int    `json:"rules"`
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// Source produces chain statistics, typically by refetching tables.
type Source interface {
	ChainStats(ctx context.Context) ([]ChainStats, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context) ([]ChainStats, error)

func (f SourceFunc) ChainStats(ctx context.Context) ([]ChainStats, error) { return f(ctx) }

// Collector periodically reads chain statistics and updates the Prometheus
// registry.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	source   Source
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once

	// Cached stats for callers that want the raw numbers
	mu         sync.RWMutex
	lastUpdate time.Time
	stats      map[string]ChainStats
}

// NewCollector creates a new metrics collector.
func NewCollector(logger *logging.Logger, source Source, interval time.Duration) *Collector {
	return &Collector{
		registry: Get(),
		logger:   logger,
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
		stats:    make(map[string]ChainStats),
	}
}

// Start runs the collection loop until Stop is called. It collects once
// immediately.
func (c *Collector) Start() {
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-c.stopCh:
			c.logger.Info("Stopping metrics collector")
			return
		}
	}
}

// Stop stops the collection loop.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect gathers statistics once.
func (c *Collector) Collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := c.source.ChainStats(ctx)
	if err != nil {
		c.logger.Warn("Failed to collect chain stats", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range stats {
		c.registry.SetChainRules(s.Table, s.Chain, s.Rules)
		c.registry.ChainPackets.WithLabelValues(s.Table, s.Chain).Set(float64(s.Packets))
		c.registry.ChainBytes.WithLabelValues(s.Table, s.Chain).Set(float64(s.Bytes))
		c.stats[s.Table+"/"+s.Chain] = s
	}
	c.lastUpdate = time.Now()
	c.registry.LastCollect.Set(float64(c.lastUpdate.Unix()))
}

// GetChainStats returns a copy of the last collected statistics keyed by
// "table/chain".
func (c *Collector) GetChainStats() map[string]ChainStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]ChainStats, len(c.stats))
	for k, v := range c.stats {
		out[k] = v
	}
	return out
}

// GetLastUpdate returns the time of the last successful collection.
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}
