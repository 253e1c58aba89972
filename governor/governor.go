// Package governor enforces the IMAP session budget. Consumer mail
// providers tolerate very few parallel connections per mailbox, so every
// session in the process goes through a single Governor that enforces a
// global ceiling and a one-lease-per-account rule. Accounts whose server
// reported a connection limit are additionally held in a backoff window.
package governor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailcrm/flagsync/config"
	"github.com/mailcrm/flagsync/consts"
	"github.com/mailcrm/flagsync/db"
	"github.com/mailcrm/flagsync/logger"
	"github.com/mailcrm/flagsync/pkg/metrics"
	"github.com/mailcrm/flagsync/pkg/resilient"
)

// Governor serializes access to IMAP sessions. All methods are safe for
// concurrent use.
type Governor struct {
	maxSessions     int
	backoffDuration time.Duration
	distributedLock bool
	rd              *resilient.ResilientDatabase

	current atomic.Int64

	mu       sync.Mutex
	leases   map[int64]time.Time // accountID -> lease start
	backoffs map[int64]time.Time // accountID -> backoff expiry
}

// Stats is a point-in-time snapshot for the HTTP API.
type Stats struct {
	ActiveSessions int   `json:"active_sessions"`
	MaxSessions    int   `json:"max_sessions"`
	LeasedAccounts int   `json:"leased_accounts"`
	ActiveBackoffs int   `json:"active_backoffs"`
	BackoffSeconds int64 `json:"backoff_seconds"`
}

func New(cfg *config.SyncConfig, rd *resilient.ResilientDatabase) *Governor {
	// Durations are validated at startup; fall back to the default on a
	// stale config object rather than refusing to construct.
	backoff, err := cfg.GetConnectionLimitBackoff()
	if err != nil {
		backoff = 60 * time.Second
	}
	return &Governor{
		maxSessions:     cfg.GetMaxSessions(),
		backoffDuration: backoff,
		distributedLock: cfg.DistributedLock,
		rd:              rd,
		leases:          make(map[int64]time.Time),
		backoffs:        make(map[int64]time.Time),
	}
}

// Acquire reserves a session slot for the account. On success it returns a
// release function that must be called exactly once when the session is
// closed. On failure it returns consts.ErrSessionUnavailable; callers
// should treat that as transient and come back later.
func (g *Governor) Acquire(ctx context.Context, accountID int64) (func(), error) {
	g.mu.Lock()

	if until, ok := g.backoffs[accountID]; ok {
		if time.Now().Before(until) {
			g.mu.Unlock()
			metrics.GovernorAcquireRejections.WithLabelValues("backoff").Inc()
			return nil, fmt.Errorf("%w: account %d backing off until %s", consts.ErrSessionUnavailable, accountID, until.Format(time.RFC3339))
		}
		delete(g.backoffs, accountID)
		metrics.GovernorBackoffsActive.Dec()
	}

	if _, held := g.leases[accountID]; held {
		g.mu.Unlock()
		metrics.GovernorAcquireRejections.WithLabelValues("account_busy").Inc()
		return nil, fmt.Errorf("%w: account %d already has an active session", consts.ErrSessionUnavailable, accountID)
	}

	current := g.current.Load()
	if current >= int64(g.maxSessions) {
		g.mu.Unlock()
		metrics.GovernorAcquireRejections.WithLabelValues("ceiling").Inc()
		return nil, fmt.Errorf("%w: session ceiling reached (%d/%d)", consts.ErrSessionUnavailable, current, g.maxSessions)
	}

	g.leases[accountID] = time.Now()
	g.current.Add(1)
	g.mu.Unlock()

	// The advisory lock spans processes; the in-memory lease only spans
	// this one. Taken after the local checks so we never hold a database
	// connection for an account we would reject anyway.
	var dbLock *db.AccountLock
	if g.distributedLock && g.rd != nil {
		lock, err := g.rd.TryAcquireAccountLock(ctx, accountID)
		if err != nil {
			g.releaseLocal(accountID)
			return nil, fmt.Errorf("acquiring account lock for %d: %w", accountID, err)
		}
		if lock == nil {
			g.releaseLocal(accountID)
			metrics.GovernorAcquireRejections.WithLabelValues("account_busy").Inc()
			return nil, fmt.Errorf("%w: account %d locked by another instance", consts.ErrSessionUnavailable, accountID)
		}
		dbLock = lock
	}

	metrics.GovernorLeasesActive.Set(float64(g.current.Load()))
	logger.Debug("Session slot acquired", "account_id", accountID, "active", g.current.Load(), "max", g.maxSessions)

	var once sync.Once
	return func() {
		once.Do(func() {
			if dbLock != nil {
				if err := dbLock.Release(context.Background()); err != nil {
					logger.Warn("Failed to release account lock", "account_id", accountID, "error", err)
				}
			}
			g.releaseLocal(accountID)
			metrics.GovernorLeasesActive.Set(float64(g.current.Load()))
			logger.Debug("Session slot released", "account_id", accountID, "active", g.current.Load())
		})
	}, nil
}

func (g *Governor) releaseLocal(accountID int64) {
	g.mu.Lock()
	delete(g.leases, accountID)
	g.mu.Unlock()
	g.current.Add(-1)
}

// RecordConnectionLimitError starts a backoff window for the account. The
// server told us it is holding too many connections for this mailbox;
// reconnecting immediately only makes that worse.
func (g *Governor) RecordConnectionLimitError(accountID int64) {
	until := time.Now().Add(g.backoffDuration)

	g.mu.Lock()
	_, existed := g.backoffs[accountID]
	g.backoffs[accountID] = until
	g.mu.Unlock()

	if !existed {
		metrics.GovernorBackoffsActive.Inc()
	}
	logger.Info("Connection limit reported, backing off", "account_id", accountID, "until", until.Format(time.RFC3339))
}

// InBackoff reports whether the account is currently in a backoff window.
func (g *Governor) InBackoff(accountID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.backoffs[accountID]
	return ok && time.Now().Before(until)
}

func (g *Governor) GetStats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	active := 0
	now := time.Now()
	for _, until := range g.backoffs {
		if now.Before(until) {
			active++
		}
	}
	return Stats{
		ActiveSessions: int(g.current.Load()),
		MaxSessions:    g.maxSessions,
		LeasedAccounts: len(g.leases),
		ActiveBackoffs: active,
		BackoffSeconds: int64(g.backoffDuration.Seconds()),
	}
}
