// Package worker consumes reconciliation jobs from the durable queue. Each
// job runs under a wall-clock budget; failures retry as fresh jobs with
// exponential backoff until the attempt cap, then dead-letter. Repeated
// failures for one account put it in a cooldown that schedulers honor.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mailcrm/flagsync/config"
	"github.com/mailcrm/flagsync/consts"
	"github.com/mailcrm/flagsync/db"
	"github.com/mailcrm/flagsync/engine"
	"github.com/mailcrm/flagsync/logger"
	"github.com/mailcrm/flagsync/pkg/metrics"
	"github.com/mailcrm/flagsync/provider"
)

// ReconcilePayload scopes a reconcile job. All fields optional: an empty
// payload reconciles the whole account.
type ReconcilePayload struct {
	Folder  string `json:"folder,omitempty"`
	UIDFrom uint32 `json:"uid_from,omitempty"`
	UIDTo   uint32 `json:"uid_to,omitempty"`
}

// PushFlagsPayload propagates one local read-state change to the server.
type PushFlagsPayload struct {
	MessageID int64 `json:"message_id"`
	Read      bool  `json:"read"`
}

// WorkerDB is the slice of the resilient database the worker uses. The
// interface keeps the worker testable with a mock queue.
type WorkerDB interface {
	AcquireAndLeaseSyncJobsWithRetry(ctx context.Context, instanceID string, limit int, leaseDuration time.Duration) ([]db.SyncJob, error)
	MarkJobDoneWithRetry(ctx context.Context, jobID uuid.UUID) error
	RetryJobWithRetry(ctx context.Context, job *db.SyncJob, jobErr string, backoff time.Duration) (uuid.UUID, error)
	DeferJobWithRetry(ctx context.Context, job *db.SyncJob, reason string, delay time.Duration) (uuid.UUID, error)
	MarkJobDeadWithRetry(ctx context.Context, jobID uuid.UUID, jobErr string) error
	GetAccountWithRetry(ctx context.Context, accountID int64) (*db.Account, error)
	GetTrackedMessagesWithRetry(ctx context.Context, accountID int64, folder string) ([]db.TrackedMessage, error)
	GetTrackedMessageWithRetry(ctx context.Context, messageID int64) (*db.TrackedMessage, error)
	GetUnresolvedMessagesWithRetry(ctx context.Context, accountID int64, folder string, limit int) ([]db.UnresolvedMessage, error)
}

// uidRecoveryLimit caps Message-ID searches per job so recovery never
// crowds out the reconciliation the job was leased for.
const uidRecoveryLimit = 50

// SessionGovernor is the admission-control surface the worker needs.
type SessionGovernor interface {
	Acquire(ctx context.Context, accountID int64) (func(), error)
	RecordConnectionLimitError(accountID int64)
}

// SessionFactory opens an authenticated session for resolved settings. The
// returned func tears the session down and must always be called.
type SessionFactory interface {
	Open(ctx context.Context, cfg *provider.ResolvedConfig) (engine.FlagSession, func(), error)
}

type Worker struct {
	rdb      WorkerDB
	sessions SessionFactory
	gov      SessionGovernor
	resolver *provider.Resolver
	engine   *engine.Engine
	health   *HealthTracker

	instanceID    string
	interval      time.Duration
	batchSize     int
	concurrency   int
	maxAttempts   int
	jobTimeout    time.Duration
	retryBase     time.Duration
	retryCap      time.Duration
	leaseDuration time.Duration

	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func New(cfg *config.QueueConfig, instanceID string, rdb WorkerDB, sessions SessionFactory, gov SessionGovernor, resolver *provider.Resolver, eng *engine.Engine) (*Worker, error) {
	interval, err := cfg.GetInterval()
	if err != nil {
		return nil, fmt.Errorf("queue interval: %w", err)
	}
	jobTimeout, err := cfg.GetJobTimeout()
	if err != nil {
		return nil, fmt.Errorf("queue job_timeout: %w", err)
	}
	retryBase, err := cfg.GetRetryBase()
	if err != nil {
		return nil, fmt.Errorf("queue retry_base: %w", err)
	}
	retryCap, err := cfg.GetRetryCap()
	if err != nil {
		return nil, fmt.Errorf("queue retry_cap: %w", err)
	}
	leaseDuration, err := cfg.GetLeaseDuration()
	if err != nil {
		return nil, fmt.Errorf("queue lease_duration: %w", err)
	}
	cooldownMax, err := cfg.GetCooldownMax()
	if err != nil {
		return nil, fmt.Errorf("queue cooldown_max: %w", err)
	}

	return &Worker{
		rdb:           rdb,
		sessions:      sessions,
		gov:           gov,
		resolver:      resolver,
		engine:        eng,
		health:        NewHealthTracker(cfg.GetFailureThreshold(), cooldownMax),
		instanceID:    instanceID,
		interval:      interval,
		batchSize:     cfg.GetBatchSize(),
		concurrency:   cfg.GetConcurrency(),
		maxAttempts:   cfg.GetMaxAttempts(),
		jobTimeout:    jobTimeout,
		retryBase:     retryBase,
		retryCap:      retryCap,
		leaseDuration: leaseDuration,
		notifyCh:      make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}, nil
}

// Health exposes the account health tracker, shared with schedulers so
// they can skip cooling accounts.
func (w *Worker) Health() *HealthTracker {
	return w.health
}

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	logger.Info("Queue worker started", "instance_id", w.instanceID, "interval", w.interval, "concurrency", w.concurrency)
}

// Stop drains in-flight jobs and returns. Safe to call more than once.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	logger.Info("Queue worker stopped", "instance_id", w.instanceID)
}

// Notify wakes the poll loop early, used by the event bridge after it
// enqueues a job.
func (w *Worker) Notify() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.processQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Queue worker stopping, context cancelled")
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.processQueue(ctx)
		case <-w.notifyCh:
			w.processQueue(ctx)
		}
	}
}

func (w *Worker) processQueue(ctx context.Context) {
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		jobs, err := w.rdb.AcquireAndLeaseSyncJobsWithRetry(ctx, w.instanceID, w.batchSize, w.leaseDuration)
		if err != nil {
			logger.Error("Failed to lease jobs", "error", err)
			return
		}
		if len(jobs) == 0 {
			return
		}

		for i := range jobs {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case sem <- struct{}{}:
			}
			wg.Add(1)
			go func(job db.SyncJob) {
				defer wg.Done()
				defer func() { <-sem }()
				w.processJob(ctx, &job)
			}(jobs[i])
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job *db.SyncJob) {
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	err := w.executeJob(jobCtx, job)
	duration := time.Since(start)
	metrics.JobDuration.WithLabelValues(job.Kind).Observe(duration.Seconds())

	switch {
	case err == nil:
		if ackErr := w.rdb.MarkJobDoneWithRetry(ctx, job.ID); ackErr != nil {
			logger.Error("Failed to ack job", "job_id", job.ID, "error", ackErr)
			return
		}
		w.health.RecordSuccess(job.AccountID)
		metrics.JobsProcessedTotal.WithLabelValues(job.Kind, "done").Inc()
		logger.Debug("Job done", "job_id", job.ID, "kind", job.Kind, "account_id", job.AccountID, "duration", duration)

	case errors.Is(err, consts.ErrSessionUnavailable), errors.Is(err, consts.ErrAccountCooling):
		// Admission control said no; requeue without burning an attempt.
		delay := w.interval
		if errors.Is(err, consts.ErrAccountCooling) {
			if remaining := w.health.CooldownRemaining(job.AccountID); remaining > delay {
				delay = remaining
			}
		}
		if _, deferErr := w.rdb.DeferJobWithRetry(ctx, job, err.Error(), delay); deferErr != nil {
			logger.Error("Failed to defer job", "job_id", job.ID, "error", deferErr)
		}
		metrics.JobsProcessedTotal.WithLabelValues(job.Kind, "deferred").Inc()
		logger.Debug("Job deferred", "job_id", job.ID, "account_id", job.AccountID, "delay", delay, "reason", err)

	case errors.Is(err, consts.ErrConfiguration):
		// Unfixable by retrying; dead-letter immediately.
		w.deadLetter(ctx, job, err)

	default:
		status := "retried"
		if errors.Is(err, context.DeadlineExceeded) && jobCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %v", consts.ErrJobTimeout, w.jobTimeout, err)
			status = "timeout"
		}
		attempt := job.Attempts + 1
		if attempt >= job.MaxAttempts {
			w.deadLetter(ctx, job, err)
			return
		}
		backoff := w.retryBackoff(job.Attempts)
		if _, retryErr := w.rdb.RetryJobWithRetry(ctx, job, err.Error(), backoff); retryErr != nil {
			logger.Error("Failed to requeue job", "job_id", job.ID, "error", retryErr)
			return
		}
		metrics.JobsProcessedTotal.WithLabelValues(job.Kind, status).Inc()
		logger.Warn("Job failed, retrying", "job_id", job.ID, "kind", job.Kind,
			"account_id", job.AccountID, "attempt", attempt, "backoff", backoff, "error", err)
	}
}

func (w *Worker) deadLetter(ctx context.Context, job *db.SyncJob, jobErr error) {
	if err := w.rdb.MarkJobDeadWithRetry(ctx, job.ID, jobErr.Error()); err != nil {
		logger.Error("Failed to dead-letter job", "job_id", job.ID, "error", err)
		return
	}
	cooldown := w.health.RecordFailure(job.AccountID)
	metrics.JobsProcessedTotal.WithLabelValues(job.Kind, "dead").Inc()
	logger.Error("Job dead-lettered", "job_id", job.ID, "kind", job.Kind,
		"account_id", job.AccountID, "attempts", job.Attempts+1, "cooldown", cooldown, "error", jobErr)
}

// retryBackoff doubles per attempt from the base, capped.
func (w *Worker) retryBackoff(attempts int) time.Duration {
	backoff := w.retryBase
	for i := 0; i < attempts; i++ {
		backoff *= 2
		if backoff >= w.retryCap {
			return w.retryCap
		}
	}
	if backoff > w.retryCap {
		return w.retryCap
	}
	return backoff
}

func (w *Worker) executeJob(ctx context.Context, job *db.SyncJob) error {
	switch job.Kind {
	case db.JobKindReconcile:
		var payload ReconcilePayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return fmt.Errorf("%w: malformed reconcile payload: %v", consts.ErrConfiguration, err)
			}
		}
		return w.runReconcile(ctx, job.AccountID, &payload)
	case db.JobKindPushFlags:
		var payload PushFlagsPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.MessageID == 0 {
			return fmt.Errorf("%w: malformed push payload: %v", consts.ErrConfiguration, err)
		}
		return w.runPushFlags(ctx, job.AccountID, &payload)
	default:
		return fmt.Errorf("%w: unknown job kind %q", consts.ErrConfiguration, job.Kind)
	}
}

func (w *Worker) runReconcile(ctx context.Context, accountID int64, payload *ReconcilePayload) error {
	if w.health.InCooldown(accountID) {
		return fmt.Errorf("%w: account %d", consts.ErrAccountCooling, accountID)
	}

	account, err := w.rdb.GetAccountWithRetry(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrAccountNotFound) {
			return fmt.Errorf("%w: account %d not found", consts.ErrConfiguration, accountID)
		}
		return fmt.Errorf("loading account %d: %w", accountID, err)
	}
	if !account.SyncEnabled {
		logger.Debug("Sync disabled, dropping job", "account_id", accountID)
		return nil
	}

	resolved, err := w.resolver.Resolve(account)
	if err != nil {
		return err
	}

	tracked, err := w.rdb.GetTrackedMessagesWithRetry(ctx, accountID, payload.Folder)
	if err != nil {
		return fmt.Errorf("loading tracked messages: %w", err)
	}
	messages := filterUIDRange(tracked, payload.UIDFrom, payload.UIDTo)

	unresolved, err := w.rdb.GetUnresolvedMessagesWithRetry(ctx, accountID, payload.Folder, uidRecoveryLimit)
	if err != nil {
		return fmt.Errorf("loading unresolved messages: %w", err)
	}

	if len(messages) == 0 && len(unresolved) == 0 {
		// Nothing with a UID in scope and nothing to recover; never open a
		// session for nothing.
		logger.Debug("No reconcilable messages, short-circuiting", "account_id", accountID, "folder", payload.Folder)
		return nil
	}

	release, err := w.gov.Acquire(ctx, accountID)
	if err != nil {
		return err
	}
	defer release()

	sess, closeSession, err := w.sessions.Open(ctx, resolved)
	if err != nil {
		if errors.Is(err, consts.ErrConnectionLimit) {
			w.gov.RecordConnectionLimitError(accountID)
		}
		return err
	}
	defer closeSession()

	if len(unresolved) > 0 {
		if resolver, ok := sess.(engine.UIDResolver); ok {
			recovered, err := w.engine.RecoverUIDs(ctx, resolver, accountID, unresolved)
			if err != nil {
				return fmt.Errorf("recovering uids: %w", err)
			}
			if recovered > 0 {
				// Fold freshly resolved rows into this pass instead of
				// waiting a full scheduler interval.
				tracked, err = w.rdb.GetTrackedMessagesWithRetry(ctx, accountID, payload.Folder)
				if err != nil {
					return fmt.Errorf("reloading tracked messages: %w", err)
				}
				messages = filterUIDRange(tracked, payload.UIDFrom, payload.UIDTo)
			}
		}
	}

	res, err := w.engine.Reconcile(ctx, sess, accountID, messages)
	if err != nil {
		return err
	}
	// Partial progress is fine; the leftovers catch up next pass. A pass
	// that resolved nothing at all means the provider returned no usable
	// data, which must retry instead of acking as success.
	if res.Matched == 0 && res.Unresolved > 0 {
		return fmt.Errorf("%w: 0 of %d messages", consts.ErrNoProgress, res.Unresolved)
	}
	return nil
}

func (w *Worker) runPushFlags(ctx context.Context, accountID int64, payload *PushFlagsPayload) error {
	msg, err := w.rdb.GetTrackedMessageWithRetry(ctx, payload.MessageID)
	if err != nil {
		if errors.Is(err, db.ErrMessageNotFound) {
			return fmt.Errorf("%w: message %d not found", consts.ErrConfiguration, payload.MessageID)
		}
		return fmt.Errorf("loading message %d: %w", payload.MessageID, err)
	}

	account, err := w.rdb.GetAccountWithRetry(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrAccountNotFound) {
			return fmt.Errorf("%w: account %d not found", consts.ErrConfiguration, accountID)
		}
		return fmt.Errorf("loading account %d: %w", accountID, err)
	}

	resolved, err := w.resolver.Resolve(account)
	if err != nil {
		return err
	}

	release, err := w.gov.Acquire(ctx, accountID)
	if err != nil {
		return err
	}
	defer release()

	sess, closeSession, err := w.sessions.Open(ctx, resolved)
	if err != nil {
		if errors.Is(err, consts.ErrConnectionLimit) {
			w.gov.RecordConnectionLimitError(accountID)
		}
		return err
	}
	defer closeSession()

	return w.engine.PushReadState(ctx, sess, msg, payload.Read)
}

func filterUIDRange(tracked []db.TrackedMessage, from, to uint32) []*db.TrackedMessage {
	out := make([]*db.TrackedMessage, 0, len(tracked))
	for i := range tracked {
		uid := tracked[i].UID
		if from > 0 && uid < from {
			continue
		}
		if to > 0 && uid > to {
			continue
		}
		out = append(out, &tracked[i])
	}
	return out
}
