package health

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mailcrm/flagsync/db"
	"github.com/mailcrm/flagsync/logger"
	"github.com/mailcrm/flagsync/pkg/circuitbreaker"
	"github.com/mailcrm/flagsync/pkg/resilient"
)

// HealthIntegration manages health monitoring for the flagsync daemon
type HealthIntegration struct {
	monitor   *HealthMonitor
	database  *resilient.ResilientDatabase
	hostname  string
	syncQueue SyncQueueStatsProvider // For including stats in metadata
}

func NewHealthIntegration(database *resilient.ResilientDatabase) *HealthIntegration {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	return &HealthIntegration{
		monitor:  NewHealthMonitor(),
		database: database,
		hostname: hostname,
	}
}

func (hi *HealthIntegration) Start(ctx context.Context) {
	hi.registerStandardChecks()

	hi.monitor.Start(ctx)

	// Register callback to store health data in database
	hi.monitor.AddStatusCallback(hi.storeHealthStatus)
}

func (hi *HealthIntegration) Stop() {
	hi.monitor.Stop()
}

func (hi *HealthIntegration) GetMonitor() *HealthMonitor {
	return hi.monitor
}

func (hi *HealthIntegration) registerStandardChecks() {
	if hi.database == nil {
		return
	}

	dbCheck := &HealthCheck{
		Name:     "database",
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Critical: true,
		Check: func(ctx context.Context) error {
			// Simple ping to verify database connectivity
			return hi.database.GetDatabase().WritePool.Ping(ctx)
		},
	}
	hi.monitor.RegisterCheck(dbCheck)

	dbReadCheck := &HealthCheck{
		Name:     "database_read_pool",
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Critical: false,
		Check: func(ctx context.Context) error {
			return hi.database.GetDatabase().ReadPool.Ping(ctx)
		},
	}
	hi.monitor.RegisterCheck(dbReadCheck)
}

func (hi *HealthIntegration) RegisterCircuitBreakerCheck(name string, breaker *circuitbreaker.CircuitBreaker) {
	cbCheck := &HealthCheck{
		Name:     fmt.Sprintf("circuit_breaker_%s", name),
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Critical: false,
		Check: func(ctx context.Context) error {
			state := breaker.State()
			counts := breaker.Counts()

			if state == circuitbreaker.StateOpen {
				return fmt.Errorf("circuit breaker is open (requests: %d, failures: %d)",
					counts.Requests, counts.TotalFailures)
			}

			if counts.Requests > 0 {
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				if failureRate > 0.5 {
					return fmt.Errorf("high failure rate %.2f%% (requests: %d, failures: %d)",
						failureRate*100, counts.Requests, counts.TotalFailures)
				}
			}

			return nil
		},
	}
	hi.monitor.RegisterCheck(cbCheck)
}

func (hi *HealthIntegration) RegisterCustomCheck(check *HealthCheck) {
	hi.monitor.RegisterCheck(check)
}

// SyncQueueStatsProvider interface for sync job queue statistics
type SyncQueueStatsProvider interface {
	GetStats(ctx context.Context) (pending, leased, dead int, err error)
}

// RegisterSyncQueueCheck registers a health check for the sync job queue
func (hi *HealthIntegration) RegisterSyncQueueCheck(syncQueue SyncQueueStatsProvider) {
	// Store the queue reference for use in storeHealthStatus
	hi.syncQueue = syncQueue

	queueCheck := &HealthCheck{
		Name:     "sync_queue",
		Interval: 60 * time.Second,
		Timeout:  5 * time.Second,
		Critical: false, // Sync is eventually consistent, a backlog is not fatal
		Enabled:  true,
		Check: func(ctx context.Context) error {
			pending, leased, dead, err := syncQueue.GetStats(ctx)
			if err != nil {
				return fmt.Errorf("failed to get sync queue stats: %w", err)
			}

			// Dead-letter rows are expected business outcomes, not system
			// failures. Only check operational depth:

			// A large pending backlog means workers cannot keep up
			if pending > 1000 {
				return fmt.Errorf("sync queue backed up: %d pending jobs (leased: %d, dead: %d)", pending, leased, dead)
			}

			// Jobs stuck in leased state indicate crashed or hung workers
			if leased > 100 {
				return fmt.Errorf("sync queue lease pileup: %d leased jobs (pending: %d, dead: %d)", leased, pending, dead)
			}

			return nil
		},
	}
	hi.monitor.RegisterCheck(queueCheck)
}

func (hi *HealthIntegration) storeHealthStatus(componentName string, status ComponentStatus) {
	if hi.database == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hi.monitor.mu.RLock()
	check, exists := hi.monitor.checks[componentName]
	hi.monitor.mu.RUnlock()

	if !exists {
		return
	}

	check.mu.RLock()
	interval := check.Interval
	critical := check.Critical
	enabled := check.Enabled
	lastError := check.LastError
	checkCount := check.CheckCount
	failCount := check.FailCount
	check.mu.RUnlock()

	metadata := make(map[string]any)
	metadata["interval"] = interval.String()
	metadata["critical"] = critical
	metadata["enabled"] = enabled

	// Add queue statistics to metadata if this is the sync_queue component
	if componentName == "sync_queue" && hi.syncQueue != nil {
		pending, leased, dead, err := hi.syncQueue.GetStats(ctx)
		if err == nil {
			metadata["pending"] = pending
			metadata["leased"] = leased
			metadata["dead"] = dead
			metadata["total"] = pending + leased + dead
		}
	}

	var dbStatus db.ComponentStatus
	switch status {
	case StatusHealthy:
		dbStatus = db.StatusHealthy
	case StatusDegraded:
		dbStatus = db.StatusDegraded
	case StatusUnhealthy:
		dbStatus = db.StatusUnhealthy
	case StatusUnreachable:
		dbStatus = db.StatusUnreachable
	default:
		dbStatus = db.StatusUnreachable
	}

	err := hi.database.StoreHealthStatusWithRetry(
		ctx,
		hi.hostname,
		componentName,
		dbStatus,
		lastError,
		checkCount,
		failCount,
		metadata,
	)

	if err != nil {
		logger.Error("Failed to store health status", "component", componentName, "error", err)
	}
}

// GetCurrentHealthStatus returns the current health status for all components
func (hi *HealthIntegration) GetCurrentHealthStatus() map[string]ComponentStatus {
	return hi.monitor.GetAllStatuses()
}

// GetOverallStatus returns the overall system health status
func (hi *HealthIntegration) GetOverallStatus() ComponentStatus {
	return hi.monitor.GetOverallStatus()
}

// IsHealthy returns true if the overall system is healthy
func (hi *HealthIntegration) IsHealthy() bool {
	return hi.monitor.GetOverallStatus() == StatusHealthy
}
