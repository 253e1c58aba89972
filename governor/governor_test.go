package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailcrm/flagsync/config"
	"github.com/mailcrm/flagsync/consts"
)

func newTestGovernor(t *testing.T, maxSessions int) *Governor {
	t.Helper()
	cfg := &config.SyncConfig{
		MaxSessions:            maxSessions,
		ConnectionLimitBackoff: "100ms",
	}
	return New(cfg, nil)
}

func TestAcquireAndRelease(t *testing.T) {
	g := newTestGovernor(t, 2)
	ctx := context.Background()

	release, err := g.Acquire(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, release)

	stats := g.GetStats()
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 1, stats.LeasedAccounts)

	release()

	stats = g.GetStats()
	assert.Equal(t, 0, stats.ActiveSessions)
	assert.Equal(t, 0, stats.LeasedAccounts)
}

func TestAcquireCeiling(t *testing.T) {
	g := newTestGovernor(t, 2)
	ctx := context.Background()

	r1, err := g.Acquire(ctx, 1)
	require.NoError(t, err)
	r2, err := g.Acquire(ctx, 2)
	require.NoError(t, err)

	_, err = g.Acquire(ctx, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, consts.ErrSessionUnavailable))

	r1()

	r3, err := g.Acquire(ctx, 3)
	require.NoError(t, err)

	r2()
	r3()
}

func TestAcquireSameAccountTwice(t *testing.T) {
	g := newTestGovernor(t, 3)
	ctx := context.Background()

	release, err := g.Acquire(ctx, 7)
	require.NoError(t, err)

	_, err = g.Acquire(ctx, 7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, consts.ErrSessionUnavailable))

	release()

	release2, err := g.Acquire(ctx, 7)
	require.NoError(t, err)
	release2()
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := newTestGovernor(t, 1)

	release, err := g.Acquire(context.Background(), 1)
	require.NoError(t, err)

	release()
	release()

	assert.Equal(t, 0, g.GetStats().ActiveSessions)
}

func TestConnectionLimitBackoff(t *testing.T) {
	g := newTestGovernor(t, 3)
	ctx := context.Background()

	g.RecordConnectionLimitError(5)
	assert.True(t, g.InBackoff(5))

	_, err := g.Acquire(ctx, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, consts.ErrSessionUnavailable))

	// Other accounts are unaffected.
	release, err := g.Acquire(ctx, 6)
	require.NoError(t, err)
	release()

	time.Sleep(150 * time.Millisecond)
	assert.False(t, g.InBackoff(5))

	release, err = g.Acquire(ctx, 5)
	require.NoError(t, err)
	release()
}
