package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mailcrm/flagsync/config"
	"github.com/mailcrm/flagsync/db"
	"github.com/mailcrm/flagsync/logger"
)

// SchedulerDB is the database surface the periodic scheduler uses.
type SchedulerDB interface {
	ListSyncableAccountsWithRetry(ctx context.Context) ([]db.Account, error)
	HasActiveJobWithRetry(ctx context.Context, accountID int64, kind string) (bool, error)
	EnqueueSyncJobWithRetry(ctx context.Context, accountID int64, kind string, payload []byte, maxAttempts int, notBefore time.Time) (uuid.UUID, error)
	PurgeOldJobsWithRetry(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Scheduler periodically enqueues a full reconcile job per syncable
// account. Accounts in cooldown or with a reconcile job already pending
// are skipped, so a stuck account cannot pile up duplicate work.
type Scheduler struct {
	rdb         SchedulerDB
	health      *HealthTracker
	worker      *Worker
	interval    time.Duration
	maxAttempts int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewScheduler(cfg *config.SchedulerConfig, queueCfg *config.QueueConfig, rdb SchedulerDB, w *Worker) (*Scheduler, error) {
	interval, err := cfg.GetInterval()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		rdb:         rdb,
		health:      w.Health(),
		worker:      w,
		interval:    interval,
		maxAttempts: queueCfg.GetMaxAttempts(),
		stopCh:      make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
	logger.Info("Reconcile scheduler started", "interval", s.interval)
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	logger.Info("Reconcile scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	purgeTicker := time.NewTicker(6 * time.Hour)
	defer purgeTicker.Stop()

	s.scheduleSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scheduleSweep(ctx)
		case <-purgeTicker.C:
			if purged, err := s.rdb.PurgeOldJobsWithRetry(ctx, 7*24*time.Hour); err != nil {
				logger.Error("Job purge failed", "error", err)
			} else if purged > 0 {
				logger.Info("Purged finished jobs", "count", purged)
			}
		}
	}
}

func (s *Scheduler) scheduleSweep(ctx context.Context) {
	accounts, err := s.rdb.ListSyncableAccountsWithRetry(ctx)
	if err != nil {
		logger.Error("Scheduler failed to list accounts", "error", err)
		return
	}

	scheduled := 0
	for i := range accounts {
		account := &accounts[i]
		if s.health.InCooldown(account.ID) {
			logger.Debug("Scheduler skipping cooling account", "account_id", account.ID)
			continue
		}
		active, err := s.rdb.HasActiveJobWithRetry(ctx, account.ID, db.JobKindReconcile)
		if err != nil {
			logger.Error("Scheduler active-job check failed", "account_id", account.ID, "error", err)
			continue
		}
		if active {
			continue
		}
		if _, err := s.rdb.EnqueueSyncJobWithRetry(ctx, account.ID, db.JobKindReconcile, nil, s.maxAttempts, time.Now()); err != nil {
			logger.Error("Scheduler failed to enqueue job", "account_id", account.ID, "error", err)
			continue
		}
		scheduled++
	}

	if scheduled > 0 {
		logger.Info("Scheduled reconcile jobs", "accounts", len(accounts), "scheduled", scheduled)
		s.worker.Notify()
	}
}
