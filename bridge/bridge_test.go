package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailcrm/flagsync/config"
	"github.com/mailcrm/flagsync/db"
	"github.com/mailcrm/flagsync/provider"
	"github.com/mailcrm/flagsync/worker"
)

type mockBridgeDB struct {
	accounts []db.Account
	enqueued []enqueuedJob
}

type enqueuedJob struct {
	accountID int64
	kind      string
	payload   []byte
}

func (m *mockBridgeDB) ListSyncableAccountsWithRetry(context.Context) ([]db.Account, error) {
	return m.accounts, nil
}

func (m *mockBridgeDB) GetAccountWithRetry(_ context.Context, accountID int64) (*db.Account, error) {
	for i := range m.accounts {
		if m.accounts[i].ID == accountID {
			return &m.accounts[i], nil
		}
	}
	return nil, db.ErrAccountNotFound
}

func (m *mockBridgeDB) EnqueueSyncJobWithRetry(_ context.Context, accountID int64, kind string, payload []byte, _ int, _ time.Time) (uuid.UUID, error) {
	m.enqueued = append(m.enqueued, enqueuedJob{accountID: accountID, kind: kind, payload: payload})
	return uuid.New(), nil
}

type mockBridgeGovernor struct {
	backoffAccounts map[int64]bool
	limitReports    []int64
}

func (g *mockBridgeGovernor) InBackoff(accountID int64) bool {
	return g.backoffAccounts[accountID]
}

func (g *mockBridgeGovernor) RecordConnectionLimitError(accountID int64) {
	g.limitReports = append(g.limitReports, accountID)
}

func newTestBridge(t *testing.T, rdb *mockBridgeDB, gov *mockBridgeGovernor, notified *int) *Bridge {
	t.Helper()
	b, err := New(
		&config.BridgeConfig{Enabled: true, ReconnectInitial: "5s", ReconnectMax: "5m"},
		&config.QueueConfig{MaxAttempts: 3},
		&config.SyncConfig{},
		rdb, gov, provider.NewResolver(nil),
		func() {
			if notified != nil {
				*notified++
			}
		},
	)
	require.NoError(t, err)
	return b
}

func TestListenerStateTransitions(t *testing.T) {
	m := &stateMachine{accountID: 1}
	assert.Equal(t, StateDisconnected, m.current())

	m.transition(StateConnecting)
	m.transition(StateReady)
	m.transition(StateListening)
	assert.Equal(t, StateListening, m.current())

	m.transition(StateBusy)
	m.transition(StateListening)
	m.transition(StateDisconnected)
	assert.Equal(t, StateDisconnected, m.current())
}

func TestListenerStateStrings(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "busy", StateBusy.String())
}

func TestHandleEventEnqueuesNarrowJob(t *testing.T) {
	rdb := &mockBridgeDB{}
	notified := 0
	b := newTestBridge(t, rdb, &mockBridgeGovernor{}, &notified)
	l := newListener(42, b)

	l.handleEvent(context.Background(), "INBOX", "mailbox")

	require.Len(t, rdb.enqueued, 1)
	assert.Equal(t, int64(42), rdb.enqueued[0].accountID)
	assert.Equal(t, db.JobKindReconcile, rdb.enqueued[0].kind)

	var payload worker.ReconcilePayload
	require.NoError(t, json.Unmarshal(rdb.enqueued[0].payload, &payload))
	assert.Equal(t, "INBOX", payload.Folder)
	assert.Equal(t, 1, notified, "worker woken after enqueue")
}

func TestSignalEventNeverBlocks(t *testing.T) {
	b := newTestBridge(t, &mockBridgeDB{}, &mockBridgeGovernor{}, nil)
	l := newListener(1, b)

	// Many more signals than the channel buffers; must not deadlock.
	for i := 0; i < 100; i++ {
		l.signalEvent("fetch")
	}

	l.drainEvents()
	select {
	case <-l.eventCh:
		t.Fatal("expected drained channel")
	default:
	}
}

func TestReconnectDelayBounded(t *testing.T) {
	b := newTestBridge(t, &mockBridgeDB{}, &mockBridgeGovernor{}, nil)

	for attempt := 1; attempt <= 20; attempt++ {
		d := b.reconnectDelay(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 5*time.Minute)
	}
}

func TestSweepSkipsAccountsInBackoff(t *testing.T) {
	// Accounts in governor backoff must not even get a listener; the
	// next sweep picks them up once the backoff expires. The listener
	// for account 2 will fail to resolve (no password) and exit, which
	// is fine for this test.
	rdb := &mockBridgeDB{accounts: []db.Account{
		{ID: 1, Email: "a@gmail.com", SyncEnabled: true},
		{ID: 2, Email: "b@gmail.com", SyncEnabled: true},
	}}
	gov := &mockBridgeGovernor{backoffAccounts: map[int64]bool{1: true}}
	b := newTestBridge(t, rdb, gov, nil)
	b.running = true

	b.sweep(context.Background())

	b.mu.Lock()
	_, hasOne := b.listeners[1]
	_, hasTwo := b.listeners[2]
	b.mu.Unlock()

	assert.False(t, hasOne, "backoff account skipped")
	assert.True(t, hasTwo)

	b.running = false
	b.mu.Lock()
	l := b.listeners[2]
	b.mu.Unlock()
	l.stop()
	b.wg.Wait()
}
