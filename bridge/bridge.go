// Package bridge keeps a long-lived IDLE session per account so flag
// changes reach reconciliation within seconds instead of waiting for the
// next scheduled sweep. It never touches message state itself; every
// server signal becomes a narrow queue job.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mailcrm/flagsync/config"
	"github.com/mailcrm/flagsync/db"
	"github.com/mailcrm/flagsync/logger"
	"github.com/mailcrm/flagsync/pkg/retry"
	"github.com/mailcrm/flagsync/provider"
)

// BridgeDB is the database surface the bridge needs.
type BridgeDB interface {
	ListSyncableAccountsWithRetry(ctx context.Context) ([]db.Account, error)
	GetAccountWithRetry(ctx context.Context, accountID int64) (*db.Account, error)
	EnqueueSyncJobWithRetry(ctx context.Context, accountID int64, kind string, payload []byte, maxAttempts int, notBefore time.Time) (uuid.UUID, error)
}

// ConnectionGovernor is the slice of the governor the bridge consults.
// Bridge sessions do not count against the sync session ceiling, but they
// honor and feed the per-account connection-limit backoff.
type ConnectionGovernor interface {
	InBackoff(accountID int64) bool
	RecordConnectionLimitError(accountID int64)
}

type Bridge struct {
	rdb      BridgeDB
	gov      ConnectionGovernor
	resolver *provider.Resolver

	idleCycle      time.Duration
	connectTimeout time.Duration
	sweepInterval  time.Duration
	maxAttempts    int
	backoffFn      func(int) time.Duration
	notifyWorker   func()

	mu        sync.Mutex
	listeners map[int64]*listener
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func New(cfg *config.BridgeConfig, queueCfg *config.QueueConfig, syncCfg *config.SyncConfig, rdb BridgeDB, gov ConnectionGovernor, resolver *provider.Resolver, notifyWorker func()) (*Bridge, error) {
	idleCycle, err := cfg.GetIdleCycle()
	if err != nil {
		return nil, err
	}
	reconnectInitial, err := cfg.GetReconnectInitial()
	if err != nil {
		return nil, err
	}
	reconnectMax, err := cfg.GetReconnectMax()
	if err != nil {
		return nil, err
	}
	sweepInterval, err := cfg.GetSweepInterval()
	if err != nil {
		return nil, err
	}
	connectTimeout, err := syncCfg.GetConnectTimeout()
	if err != nil {
		return nil, err
	}

	if notifyWorker == nil {
		notifyWorker = func() {}
	}

	return &Bridge{
		rdb:            rdb,
		gov:            gov,
		resolver:       resolver,
		idleCycle:      idleCycle,
		connectTimeout: connectTimeout,
		sweepInterval:  sweepInterval,
		maxAttempts:    queueCfg.GetMaxAttempts(),
		backoffFn: retry.ExponentialBackoff(retry.BackoffConfig{
			InitialInterval: reconnectInitial,
			MaxInterval:     reconnectMax,
			Multiplier:      2.0,
			Jitter:          true,
		}),
		notifyWorker: notifyWorker,
		listeners:    make(map[int64]*listener),
		stopCh:       make(chan struct{}),
	}, nil
}

func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.sweepLoop(ctx)
	logger.Info("Event bridge started", "sweep_interval", b.sweepInterval, "idle_cycle", b.idleCycle)
}

// Stop tears down all listeners and waits for them.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	listeners := make([]*listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.listeners = make(map[int64]*listener)
	b.mu.Unlock()

	close(b.stopCh)
	for _, l := range listeners {
		l.stop()
	}
	b.wg.Wait()
	logger.Info("Event bridge stopped")
}

// ListenerStates reports each tracked account's connection state, for the
// HTTP API.
func (b *Bridge) ListenerStates() map[int64]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[int64]string, len(b.listeners))
	for id, l := range b.listeners {
		out[id] = l.machine.current().String()
	}
	return out
}

// sweepLoop periodically ensures every syncable account has a live
// listener and reaps listeners whose run loop has exited. Self-healing
// happens here, not in the listeners themselves.
func (b *Bridge) sweepLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	b.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

func (b *Bridge) sweep(ctx context.Context) {
	accounts, err := b.rdb.ListSyncableAccountsWithRetry(ctx)
	if err != nil {
		logger.Error("Bridge sweep failed to list accounts", "error", err)
		return
	}

	wanted := make(map[int64]bool, len(accounts))
	for i := range accounts {
		wanted[accounts[i].ID] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}

	// Reap listeners that finished or whose account is gone.
	for id, l := range b.listeners {
		select {
		case <-l.done:
			delete(b.listeners, id)
			continue
		default:
		}
		if !wanted[id] {
			go l.stop()
			delete(b.listeners, id)
		}
	}

	started := 0
	for id := range wanted {
		if _, ok := b.listeners[id]; ok {
			continue
		}
		if b.gov.InBackoff(id) {
			continue
		}
		l := newListener(id, b)
		b.listeners[id] = l
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			l.run(ctx)
		}()
		started++
	}

	if started > 0 {
		logger.Info("Bridge sweep started listeners", "started", started, "total", len(b.listeners))
	}
}

func (b *Bridge) reconnectDelay(attempt int) time.Duration {
	return b.backoffFn(attempt)
}

func (b *Bridge) notify() {
	b.notifyWorker()
}
