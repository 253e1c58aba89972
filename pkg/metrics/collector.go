package metrics

import (
	"context"
	"time"

	"github.com/mailcrm/flagsync/logger"
)

// MetricsStats holds aggregate statistics returned by the database
type MetricsStats struct {
	TotalAccounts        int64
	TotalTrackedMessages int64
	PendingJobs          int64
	LeasedJobs           int64
	DeadJobs             int64
}

// StatsProvider is an interface for retrieving metrics statistics
type StatsProvider interface {
	GetMetricsStatsWithRetry(ctx context.Context) (*MetricsStats, error)
}

// Collector periodically collects and updates database-backed metrics
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second // Default to 60 seconds
	}

	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start(ctx context.Context) {
	// Collect immediately on start
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

// collect retrieves and updates all metrics
func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.GetMetricsStatsWithRetry(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting metrics", "error", err)
		return
	}

	AccountsTotal.Set(float64(stats.TotalAccounts))
	TrackedMessagesTotal.Set(float64(stats.TotalTrackedMessages))
	JobsPending.Set(float64(stats.PendingJobs))
	JobsLeased.Set(float64(stats.LeasedJobs))
	JobsDead.Set(float64(stats.DeadJobs))

	logger.Debug("MetricsCollector: updated DB metrics", "accounts", stats.TotalAccounts,
		"messages", stats.TotalTrackedMessages, "pending_jobs", stats.PendingJobs)
}
