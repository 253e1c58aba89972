package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Job kinds understood by the queue worker.
const (
	JobKindReconcile = "reconcile"
	JobKindPushFlags = "push_flags"
)

// Job statuses. Retried jobs are acked ('done') and re-enqueued as fresh
// rows, so a job row never moves backwards from leased to pending except
// through lease expiry.
const (
	JobStatusPending = "pending"
	JobStatusLeased  = "leased"
	JobStatusDone    = "done"
	JobStatusDead    = "dead"
)

// SyncJob is one unit of reconciliation work.
type SyncJob struct {
	ID          uuid.UUID
	AccountID   int64
	Kind        string
	Payload     []byte
	Status      string
	Attempts    int
	MaxAttempts int
	NotBefore   time.Time
	LeasedUntil *time.Time
	LeasedBy    *string
	LastError   *string
	CreatedAt   time.Time
}

const jobColumns = `id, account_id, kind, payload, status, attempts, max_attempts, not_before, leased_until, leased_by, last_error, created_at`

func scanJob(row pgx.Row) (*SyncJob, error) {
	var j SyncJob
	err := row.Scan(
		&j.ID,
		&j.AccountID,
		&j.Kind,
		&j.Payload,
		&j.Status,
		&j.Attempts,
		&j.MaxAttempts,
		&j.NotBefore,
		&j.LeasedUntil,
		&j.LeasedBy,
		&j.LastError,
		&j.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

// EnqueueSyncJob inserts a fresh pending job. attempts carries over when a
// failed job is re-enqueued; pass 0 for brand-new work.
func (db *Database) EnqueueSyncJob(ctx context.Context, tx pgx.Tx, accountID int64, kind string, payload []byte, attempts, maxAttempts int, notBefore time.Time) (uuid.UUID, error) {
	id := uuid.New()
	_, err := tx.Exec(ctx, `
		INSERT INTO sync_jobs (id, account_id, kind, payload, status, attempts, max_attempts, not_before)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7)
	`, id, accountID, kind, payload, attempts, maxAttempts, notBefore)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AcquireAndLeaseSyncJobs atomically claims up to limit runnable jobs for
// this worker instance. A job is runnable when it is pending and due, or
// when its lease expired (the previous worker crashed or hung past its
// lease). FOR UPDATE SKIP LOCKED lets multiple instances poll the same
// table without serializing on each other.
func (db *Database) AcquireAndLeaseSyncJobs(ctx context.Context, tx pgx.Tx, instanceID string, limit int, leaseDuration time.Duration) ([]SyncJob, error) {
	rows, err := tx.Query(ctx, `
		UPDATE sync_jobs
		SET status = 'leased',
		    leased_until = now() + $3::interval,
		    leased_by = $1,
		    updated_at = now()
		WHERE id IN (
			SELECT id FROM sync_jobs
			WHERE (status = 'pending' AND not_before <= now())
			   OR (status = 'leased' AND leased_until < now())
			ORDER BY not_before
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		instanceID, limit, leaseDuration.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []SyncJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// MarkJobDone acks a leased job.
func (db *Database) MarkJobDone(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'done', leased_until = NULL, leased_by = NULL, updated_at = now()
		WHERE id = $1 AND status = 'leased'
	`, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RetryJob acks the failed job and enqueues a fresh copy with one more
// attempt, delayed by the given backoff. Keeping the original row as 'done'
// with its error preserves the failure history per attempt.
func (db *Database) RetryJob(ctx context.Context, tx pgx.Tx, job *SyncJob, jobErr string, backoff time.Duration) (uuid.UUID, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'done', leased_until = NULL, leased_by = NULL, last_error = $2, updated_at = now()
		WHERE id = $1 AND status = 'leased'
	`, job.ID, jobErr)
	if err != nil {
		return uuid.Nil, err
	}
	if tag.RowsAffected() == 0 {
		return uuid.Nil, ErrJobNotFound
	}

	return db.EnqueueSyncJob(ctx, tx, job.AccountID, job.Kind, job.Payload,
		job.Attempts+1, job.MaxAttempts, time.Now().Add(backoff))
}

// DeferJob requeues a job without consuming an attempt. Used when the job
// could not even start, typically because the session governor refused a
// slot or the account is cooling down; that is congestion, not failure.
func (db *Database) DeferJob(ctx context.Context, tx pgx.Tx, job *SyncJob, reason string, delay time.Duration) (uuid.UUID, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'done', leased_until = NULL, leased_by = NULL, last_error = $2, updated_at = now()
		WHERE id = $1 AND status = 'leased'
	`, job.ID, reason)
	if err != nil {
		return uuid.Nil, err
	}
	if tag.RowsAffected() == 0 {
		return uuid.Nil, ErrJobNotFound
	}

	return db.EnqueueSyncJob(ctx, tx, job.AccountID, job.Kind, job.Payload,
		job.Attempts, job.MaxAttempts, time.Now().Add(delay))
}

// MarkJobDead moves a job that exhausted its attempts to the dead letter
// state. Dead rows stay in the table for inspection.
func (db *Database) MarkJobDead(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, jobErr string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'dead', leased_until = NULL, leased_by = NULL, last_error = $2, updated_at = now()
		WHERE id = $1 AND status = 'leased'
	`, jobID, jobErr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// HasActiveJob reports whether an account already has a pending or leased
// job of the given kind. The scheduler uses this to avoid piling up
// duplicate reconcile jobs for slow accounts.
func (db *Database) HasActiveJob(ctx context.Context, accountID int64, kind string) (bool, error) {
	var exists bool
	err := db.TimedQueryRow(ctx, "has_active_job", `
		SELECT EXISTS (
			SELECT 1 FROM sync_jobs
			WHERE account_id = $1 AND kind = $2 AND status IN ('pending', 'leased')
		)
	`, accountID, kind).Scan(&exists)
	return exists, err
}

// GetQueueStats returns the live depth of the queue by status.
func (db *Database) GetQueueStats(ctx context.Context) (pending, leased, dead int, err error) {
	err = db.TimedQueryRow(ctx, "get_queue_stats", `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'leased' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'dead' THEN 1 ELSE 0 END), 0)
		FROM sync_jobs
		WHERE status IN ('pending', 'leased', 'dead')
	`).Scan(&pending, &leased, &dead)
	return
}

// PurgeOldJobs deletes done jobs older than the retention window. Returns
// the number of rows removed.
func (db *Database) PurgeOldJobs(ctx context.Context, tx pgx.Tx, olderThan time.Duration) (int64, error) {
	tag, err := tx.Exec(ctx, `
		DELETE FROM sync_jobs
		WHERE status = 'done' AND updated_at < now() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
