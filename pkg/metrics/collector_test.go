package metrics

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockStatsProvider struct {
	stats *MetricsStats
	err   error
	calls int
}

func (m *mockStatsProvider) GetMetricsStatsWithRetry(ctx context.Context) (*MetricsStats, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.stats, nil
}

func TestCollectorUpdatesGauges(t *testing.T) {
	provider := &mockStatsProvider{
		stats: &MetricsStats{
			TotalAccounts:        12,
			TotalTrackedMessages: 3400,
			PendingJobs:          5,
			LeasedJobs:           2,
			DeadJobs:             1,
		},
	}

	c := NewCollector(provider, time.Minute)
	c.collect(context.Background())

	if provider.calls != 1 {
		t.Errorf("expected 1 provider call, got %d", provider.calls)
	}
}

func TestCollectorToleratesProviderError(t *testing.T) {
	provider := &mockStatsProvider{err: errors.New("db down")}

	c := NewCollector(provider, time.Minute)
	// Should not panic and should not update gauges
	c.collect(context.Background())

	if provider.calls != 1 {
		t.Errorf("expected 1 provider call, got %d", provider.calls)
	}
}

func TestCollectorDefaultInterval(t *testing.T) {
	c := NewCollector(&mockStatsProvider{stats: &MetricsStats{}}, 0)
	if c.interval != 60*time.Second {
		t.Errorf("expected default interval 60s, got %v", c.interval)
	}
}
