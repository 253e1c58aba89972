package resilient

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mailcrm/flagsync/db"
)

// --- Queue Worker Wrappers ---

func (rd *ResilientDatabase) EnqueueSyncJobWithRetry(ctx context.Context, accountID int64, kind string, payload []byte, maxAttempts int, notBefore time.Time) (uuid.UUID, error) {
	op := func(ctx context.Context, tx pgx.Tx) (interface{}, error) {
		return rd.database.EnqueueSyncJob(ctx, tx, accountID, kind, payload, 0, maxAttempts, notBefore)
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, queueRetryConfig, op)
	if err != nil {
		return uuid.Nil, err
	}
	return result.(uuid.UUID), nil
}

func (rd *ResilientDatabase) AcquireAndLeaseSyncJobsWithRetry(ctx context.Context, instanceID string, limit int, leaseDuration time.Duration) ([]db.SyncJob, error) {
	op := func(ctx context.Context, tx pgx.Tx) (interface{}, error) {
		return rd.database.AcquireAndLeaseSyncJobs(ctx, tx, instanceID, limit, leaseDuration)
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, queueRetryConfig, op)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.([]db.SyncJob), nil
}

func (rd *ResilientDatabase) MarkJobDoneWithRetry(ctx context.Context, jobID uuid.UUID) error {
	op := func(ctx context.Context, tx pgx.Tx) (interface{}, error) {
		return nil, rd.database.MarkJobDone(ctx, tx, jobID)
	}
	_, err := rd.executeWriteInTxWithRetry(ctx, queueRetryConfig, op)
	return err
}

// RetryJobWithRetry acks the failed job and enqueues its successor in one
// transaction, so a crash cannot drop the work or run it twice.
func (rd *ResilientDatabase) RetryJobWithRetry(ctx context.Context, job *db.SyncJob, jobErr string, backoff time.Duration) (uuid.UUID, error) {
	op := func(ctx context.Context, tx pgx.Tx) (interface{}, error) {
		return rd.database.RetryJob(ctx, tx, job, jobErr, backoff)
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, queueRetryConfig, op)
	if err != nil {
		return uuid.Nil, err
	}
	return result.(uuid.UUID), nil
}

// DeferJobWithRetry requeues a job that never got to run, keeping its
// attempt count. Same transactional shape as RetryJobWithRetry.
func (rd *ResilientDatabase) DeferJobWithRetry(ctx context.Context, job *db.SyncJob, reason string, delay time.Duration) (uuid.UUID, error) {
	op := func(ctx context.Context, tx pgx.Tx) (interface{}, error) {
		return rd.database.DeferJob(ctx, tx, job, reason, delay)
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, queueRetryConfig, op)
	if err != nil {
		return uuid.Nil, err
	}
	return result.(uuid.UUID), nil
}

func (rd *ResilientDatabase) MarkJobDeadWithRetry(ctx context.Context, jobID uuid.UUID, jobErr string) error {
	op := func(ctx context.Context, tx pgx.Tx) (interface{}, error) {
		return nil, rd.database.MarkJobDead(ctx, tx, jobID, jobErr)
	}
	_, err := rd.executeWriteInTxWithRetry(ctx, queueRetryConfig, op)
	return err
}

func (rd *ResilientDatabase) HasActiveJobWithRetry(ctx context.Context, accountID int64, kind string) (bool, error) {
	op := func(ctx context.Context) (interface{}, error) {
		return rd.database.HasActiveJob(ctx, accountID, kind)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, op)
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// GetQueueStatsWithRetry is used by both the health check and the HTTP API.
func (rd *ResilientDatabase) GetQueueStatsWithRetry(ctx context.Context) (pending, leased, dead int, err error) {
	op := func(ctx context.Context) (interface{}, error) {
		p, l, d, statsErr := rd.database.GetQueueStats(ctx)
		if statsErr != nil {
			return nil, statsErr
		}
		return []int{p, l, d}, nil
	}
	result, opErr := rd.executeReadWithRetry(ctx, apiRetryConfig, op)
	if opErr != nil {
		return 0, 0, 0, opErr
	}
	counts := result.([]int)
	return counts[0], counts[1], counts[2], nil
}

func (rd *ResilientDatabase) PurgeOldJobsWithRetry(ctx context.Context, olderThan time.Duration) (int64, error) {
	op := func(ctx context.Context, tx pgx.Tx) (interface{}, error) {
		return rd.database.PurgeOldJobs(ctx, tx, olderThan)
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, queueRetryConfig, op)
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}
