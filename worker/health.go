package worker

import (
	"sync"
	"time"

	"github.com/mailcrm/flagsync/logger"
	"github.com/mailcrm/flagsync/pkg/metrics"
)

// HealthTracker keeps per-account failure state for the worker pool. It is
// deliberately in-memory only: on restart every account starts healthy and
// earns its cooldowns again.
type HealthTracker struct {
	mu          sync.Mutex
	accounts    map[int64]*accountHealth
	threshold   int
	cooldownMax time.Duration
}

type accountHealth struct {
	failures      int
	lastSuccess   time.Time
	cooldownUntil time.Time
}

func NewHealthTracker(threshold int, cooldownMax time.Duration) *HealthTracker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldownMax <= 0 {
		cooldownMax = 10 * time.Minute
	}
	return &HealthTracker{
		accounts:    make(map[int64]*accountHealth),
		threshold:   threshold,
		cooldownMax: cooldownMax,
	}
}

// RecordSuccess resets the account to healthy. Any success clears the
// failure streak and an active cooldown.
func (h *HealthTracker) RecordSuccess(accountID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ah := h.account(accountID)
	ah.failures = 0
	ah.lastSuccess = time.Now()
	ah.cooldownUntil = time.Time{}
	h.recountLocked()
}

// RecordFailure bumps the failure streak. Once the streak reaches the
// threshold a cooldown is set, growing with the streak up to the cap.
// Returns the cooldown applied, zero if the account is still under the
// threshold.
func (h *HealthTracker) RecordFailure(accountID int64) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	ah := h.account(accountID)
	ah.failures++
	if ah.failures < h.threshold {
		return 0
	}

	over := ah.failures - h.threshold + 1
	cooldown := time.Duration(over) * 2 * time.Minute
	if cooldown > h.cooldownMax {
		cooldown = h.cooldownMax
	}
	ah.cooldownUntil = time.Now().Add(cooldown)
	h.recountLocked()

	logger.Warn("Account entering cooldown", "account_id", accountID, "failures", ah.failures, "cooldown", cooldown)
	return cooldown
}

// InCooldown reports whether schedulers and workers should skip the account.
func (h *HealthTracker) InCooldown(accountID int64) bool {
	return h.CooldownRemaining(accountID) > 0
}

// CooldownRemaining returns how long the account's cooldown still has to
// run, zero when the account is healthy.
func (h *HealthTracker) CooldownRemaining(accountID int64) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	ah, ok := h.accounts[accountID]
	if !ok {
		return 0
	}
	remaining := time.Until(ah.cooldownUntil)
	if remaining <= 0 {
		return 0
	}
	return remaining
}

func (h *HealthTracker) account(accountID int64) *accountHealth {
	ah, ok := h.accounts[accountID]
	if !ok {
		ah = &accountHealth{}
		h.accounts[accountID] = ah
	}
	return ah
}

func (h *HealthTracker) recountLocked() {
	active := 0
	now := time.Now()
	for _, ah := range h.accounts {
		if now.Before(ah.cooldownUntil) {
			active++
		}
	}
	metrics.AccountCooldownsActive.Set(float64(active))
}
