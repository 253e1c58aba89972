package resilient

import (
	"context"

	"github.com/mailcrm/flagsync/pkg/metrics"
)

// GetMetricsStatsWithRetry retrieves aggregate metrics statistics with retry logic
func (rd *ResilientDatabase) GetMetricsStatsWithRetry(ctx context.Context) (*metrics.MetricsStats, error) {
	op := func(ctx context.Context) (any, error) {
		dbStats, err := rd.database.GetMetricsStats(ctx)
		if err != nil {
			return nil, err
		}
		// Convert db.MetricsStats to metrics.MetricsStats
		return &metrics.MetricsStats{
			TotalAccounts:        dbStats.TotalAccounts,
			TotalTrackedMessages: dbStats.TotalTrackedMessages,
			PendingJobs:          dbStats.PendingJobs,
			LeasedJobs:           dbStats.LeasedJobs,
			DeadJobs:             dbStats.DeadJobs,
		}, nil
	}

	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, op)
	if err != nil {
		return nil, err
	}
	return result.(*metrics.MetricsStats), nil
}

// GetStats reports queue depth by state. Satisfies the health monitor's
// sync queue stats provider.
func (rd *ResilientDatabase) GetStats(ctx context.Context) (pending, leased, dead int, err error) {
	return rd.GetQueueStatsWithRetry(ctx)
}
