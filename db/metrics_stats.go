package db

import (
	"context"
	"time"
)

// MetricsStats holds aggregate statistics for Prometheus metrics
type MetricsStats struct {
	TotalAccounts        int64
	TotalTrackedMessages int64
	PendingJobs          int64
	LeasedJobs           int64
	DeadJobs             int64
	Timestamp            time.Time
}

// GetMetricsStats returns aggregate statistics for Prometheus metrics
func (d *Database) GetMetricsStats(ctx context.Context) (*MetricsStats, error) {
	stats := &MetricsStats{
		Timestamp: time.Now(),
	}

	// Use ReadPool for read-only queries
	pool := d.ReadPool
	if pool == nil {
		pool = d.WritePool
	}

	err := pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM accounts
		WHERE deleted_at IS NULL
	`).Scan(&stats.TotalAccounts)
	if err != nil {
		return nil, err
	}

	err = pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM messages m
		INNER JOIN accounts a ON m.account_id = a.id
		WHERE a.deleted_at IS NULL
	`).Scan(&stats.TotalTrackedMessages)
	if err != nil {
		return nil, err
	}

	err = pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'leased' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'dead' THEN 1 ELSE 0 END), 0)
		FROM sync_jobs
	`).Scan(&stats.PendingJobs, &stats.LeasedJobs, &stats.DeadJobs)
	if err != nil {
		return nil, err
	}

	return stats, nil
}
