package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthTrackerBelowThreshold(t *testing.T) {
	h := NewHealthTracker(3, 10*time.Minute)

	assert.Zero(t, h.RecordFailure(1))
	assert.Zero(t, h.RecordFailure(1))
	assert.False(t, h.InCooldown(1))
}

func TestHealthTrackerCooldownAtThreshold(t *testing.T) {
	h := NewHealthTracker(3, 10*time.Minute)

	h.RecordFailure(1)
	h.RecordFailure(1)
	cooldown := h.RecordFailure(1)

	assert.Equal(t, 2*time.Minute, cooldown)
	assert.True(t, h.InCooldown(1))
	assert.False(t, h.InCooldown(2), "other accounts unaffected")
}

func TestHealthTrackerCooldownScalesAndCaps(t *testing.T) {
	h := NewHealthTracker(3, 10*time.Minute)

	var cooldown time.Duration
	for i := 0; i < 10; i++ {
		cooldown = h.RecordFailure(1)
	}
	assert.Equal(t, 10*time.Minute, cooldown, "cooldown capped at the maximum")

	remaining := h.CooldownRemaining(1)
	assert.Greater(t, remaining, 9*time.Minute)
	assert.LessOrEqual(t, remaining, 10*time.Minute)
}

func TestHealthTrackerSuccessResets(t *testing.T) {
	h := NewHealthTracker(3, 10*time.Minute)

	for i := 0; i < 5; i++ {
		h.RecordFailure(1)
	}
	assert.True(t, h.InCooldown(1))

	h.RecordSuccess(1)
	assert.False(t, h.InCooldown(1))

	// The streak restarts from zero after a success.
	assert.Zero(t, h.RecordFailure(1))
}

func TestHealthTrackerDefaults(t *testing.T) {
	h := NewHealthTracker(0, 0)
	assert.Equal(t, 3, h.threshold)
	assert.Equal(t, 10*time.Minute, h.cooldownMax)
}
