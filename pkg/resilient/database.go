// Package resilient wraps the db package with retry and circuit breaker
// protection.
//
// Every operation the daemon runs against PostgreSQL goes through this
// layer:
//   - Circuit breakers (separate for reads and writes) to prevent
//     cascading failures when the database is struggling
//   - Exponential backoff retry with jitter for transient errors
//   - Per-operation timeouts derived from configuration
//   - Transient error detection: deadlocks, serialization failures and
//     connection errors are retried, constraint violations are not
//
// # Usage
//
//	rdb, err := resilient.NewResilientDatabase(ctx, &cfg.Database)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer rdb.Close()
//
//	jobs, err := rdb.AcquireAndLeaseSyncJobsWithRetry(ctx, instanceID, 10, 5*time.Minute)
package resilient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mailcrm/flagsync/config"
	"github.com/mailcrm/flagsync/consts"
	"github.com/mailcrm/flagsync/db"
	"github.com/mailcrm/flagsync/logger"
	"github.com/mailcrm/flagsync/pkg/circuitbreaker"
	"github.com/mailcrm/flagsync/pkg/metrics"
	"github.com/mailcrm/flagsync/pkg/retry"
)

// breakerStateHook publishes breaker transitions to the metrics registry
// in addition to the default log line.
func breakerStateHook(role string) func(string, circuitbreaker.State, circuitbreaker.State) {
	return func(name string, from circuitbreaker.State, to circuitbreaker.State) {
		logger.Warn("Database circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		for _, s := range []circuitbreaker.State{circuitbreaker.StateClosed, circuitbreaker.StateHalfOpen, circuitbreaker.StateOpen} {
			val := 0.0
			if s == to {
				val = 1.0
			}
			metrics.DBCircuitBreakerState.WithLabelValues(s.String()).Set(val)
		}
		if to == circuitbreaker.StateOpen {
			metrics.DBCircuitBreakerFailures.WithLabelValues(role).Inc()
		}
	}
}

type ResilientDatabase struct {
	database *db.Database

	// Circuit breakers (per-operation type)
	queryBreaker *circuitbreaker.CircuitBreaker
	writeBreaker *circuitbreaker.CircuitBreaker

	// Database configuration for timeouts
	config *config.DatabaseConfig
}

func NewResilientDatabase(ctx context.Context, dbConfig *config.DatabaseConfig) (*ResilientDatabase, error) {
	querySettings := circuitbreaker.DatabaseSettings("database_query")
	querySettings.MaxRequests = 5
	querySettings.Interval = 15 * time.Second
	querySettings.Timeout = 45 * time.Second
	querySettings.ReadyToTrip = func(counts circuitbreaker.Counts) bool {
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		return counts.Requests >= 8 && failureRatio >= 0.6
	}
	querySettings.OnStateChange = breakerStateHook("read")

	writeSettings := circuitbreaker.DatabaseSettings("database_write")
	writeSettings.MaxRequests = 3
	writeSettings.Interval = 10 * time.Second
	writeSettings.Timeout = 30 * time.Second
	writeSettings.ReadyToTrip = func(counts circuitbreaker.Counts) bool {
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		return counts.Requests >= 5 && failureRatio >= 0.5
	}
	writeSettings.OnStateChange = breakerStateHook("write")

	database, err := db.NewDatabaseFromConfig(ctx, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	return &ResilientDatabase{
		database:     database,
		queryBreaker: circuitbreaker.NewCircuitBreaker(querySettings),
		writeBreaker: circuitbreaker.NewCircuitBreaker(writeSettings),
		config:       dbConfig,
	}, nil
}

func (rd *ResilientDatabase) GetDatabase() *db.Database {
	return rd.database
}

func (rd *ResilientDatabase) Close() {
	rd.database.Close()
}

func (rd *ResilientDatabase) GetQueryBreakerState() circuitbreaker.State {
	return rd.queryBreaker.State()
}

func (rd *ResilientDatabase) GetWriteBreakerState() circuitbreaker.State {
	return rd.writeBreaker.State()
}

// GetQueryBreaker exposes the read breaker for health check registration.
func (rd *ResilientDatabase) GetQueryBreaker() *circuitbreaker.CircuitBreaker {
	return rd.queryBreaker
}

// GetWriteBreaker exposes the write breaker for health check registration.
func (rd *ResilientDatabase) GetWriteBreaker() *circuitbreaker.CircuitBreaker {
	return rd.writeBreaker
}

// StartPoolMetrics starts periodic connection pool metric collection.
func (rd *ResilientDatabase) StartPoolMetrics(ctx context.Context) {
	rd.database.StartPoolMetrics(ctx)
}

// withTimeout creates a new context with the configured query timeout.
func (rd *ResilientDatabase) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout, err := rd.config.GetQueryTimeout()
	if err != nil {
		logger.Warn("Invalid query_timeout, using default 30s", "error", err)
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// isRetryableError checks if an error is transient and the operation can be retried.
// It uses type assertions and error codes for robust checking.
func (rd *ResilientDatabase) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Do not retry if the circuit breaker is open or the context is done.
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) ||
		errors.Is(err, circuitbreaker.ErrTooManyRequests) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Check for PostgreSQL error codes that indicate transient issues.
		// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
		switch pgErr.Code {
		// Class 40: Transaction Rollback (e.g., deadlock, serialization failure)
		case "40001", "40P01":
			return true
		// Class 53: Insufficient Resources (e.g., too many connections)
		case "53300":
			return true
		// Class 08: Connection Exception
		case "08000", "08001", "08003", "08004", "08006", "08007", "08P01":
			return true
		}
	}

	// Check for generic network errors that are temporary
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// executeReadWithRetry runs a read operation inside the query breaker with
// retries. Errors listed in nonRetryable (e.g. pgx.ErrNoRows or a domain
// not-found sentinel) stop the retry loop immediately and are returned
// unwrapped.
func (rd *ResilientDatabase) executeReadWithRetry(ctx context.Context, cfg retry.BackoffConfig, op func(ctx context.Context) (interface{}, error), nonRetryable ...error) (interface{}, error) {
	var result interface{}

	err := retry.WithRetryAdvanced(ctx, func() error {
		readCtx, cancel := rd.withTimeout(ctx)
		defer cancel()

		res, cbErr := rd.queryBreaker.Execute(func() (interface{}, error) {
			return op(readCtx)
		})
		if cbErr != nil {
			for _, sentinel := range nonRetryable {
				if errors.Is(cbErr, sentinel) {
					return retry.Stop(cbErr)
				}
			}
			if !rd.isRetryableError(cbErr) {
				return retry.Stop(cbErr)
			}
			return cbErr
		}

		result = res
		return nil
	}, cfg)

	return result, err
}

// executeWriteInTxWithRetry runs a write operation inside a transaction and
// the write breaker, with retries. Each attempt gets a fresh transaction.
func (rd *ResilientDatabase) executeWriteInTxWithRetry(ctx context.Context, cfg retry.BackoffConfig, op func(ctx context.Context, tx pgx.Tx) (interface{}, error)) (interface{}, error) {
	var result interface{}

	err := retry.WithRetryAdvanced(ctx, func() error {
		writeCtx, cancel := rd.withTimeout(ctx)
		defer cancel()

		res, cbErr := rd.writeBreaker.Execute(func() (interface{}, error) {
			tx, txErr := rd.database.BeginTx(writeCtx)
			if txErr != nil {
				return nil, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, txErr)
			}
			defer tx.Rollback(writeCtx)

			opResult, opErr := op(writeCtx, tx)
			if opErr != nil {
				return nil, opErr
			}

			if commitErr := tx.Commit(writeCtx); commitErr != nil {
				return nil, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, commitErr)
			}
			return opResult, nil
		})
		if cbErr != nil {
			if !rd.isRetryableError(cbErr) {
				return retry.Stop(cbErr)
			}
			return cbErr
		}

		result = res
		return nil
	}, cfg)

	return result, err
}

// --- Health Status Wrappers ---

func (rd *ResilientDatabase) StoreHealthStatusWithRetry(ctx context.Context, hostname string, componentName string, status db.ComponentStatus, lastError error, checkCount, failCount int, metadata map[string]interface{}) error {
	cfg := writeRetryConfig
	cfg.OperationName = "db_store_health"

	op := func(ctx context.Context, tx pgx.Tx) (interface{}, error) {
		return nil, rd.database.StoreHealthStatus(ctx, tx, hostname, componentName, status, lastError, checkCount, failCount, metadata)
	}
	_, err := rd.executeWriteInTxWithRetry(ctx, cfg, op)
	return err
}

func (rd *ResilientDatabase) GetSystemHealthOverviewWithRetry(ctx context.Context, hostname string) (*db.SystemHealthOverview, error) {
	op := func(ctx context.Context) (interface{}, error) {
		return rd.database.GetSystemHealthOverview(ctx, hostname)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, op)
	if err != nil {
		return nil, err
	}
	return result.(*db.SystemHealthOverview), nil
}

func (rd *ResilientDatabase) GetAllHealthStatusesWithRetry(ctx context.Context, hostname string) ([]*db.HealthStatus, error) {
	op := func(ctx context.Context) (interface{}, error) {
		return rd.database.GetAllHealthStatuses(ctx, hostname)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, op)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.([]*db.HealthStatus), nil
}
