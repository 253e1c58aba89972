package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailcrm/flagsync/config"
	"github.com/mailcrm/flagsync/consts"
	"github.com/mailcrm/flagsync/db"
	"github.com/mailcrm/flagsync/engine"
	"github.com/mailcrm/flagsync/provider"
)

type mockDB struct {
	mu         sync.Mutex
	account    *db.Account
	tracked    []db.TrackedMessage
	unresolved []db.UnresolvedMessage
	message    *db.TrackedMessage
	done       []uuid.UUID
	retried    []string
	deferred   []string
	dead       []string
	bulkIDs    [][]int64
	recorded   map[int64]uint32
}

func (m *mockDB) AcquireAndLeaseSyncJobsWithRetry(context.Context, string, int, time.Duration) ([]db.SyncJob, error) {
	return nil, nil
}

func (m *mockDB) MarkJobDoneWithRetry(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = append(m.done, jobID)
	return nil
}

func (m *mockDB) RetryJobWithRetry(_ context.Context, _ *db.SyncJob, jobErr string, _ time.Duration) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retried = append(m.retried, jobErr)
	return uuid.New(), nil
}

func (m *mockDB) DeferJobWithRetry(_ context.Context, _ *db.SyncJob, reason string, _ time.Duration) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deferred = append(m.deferred, reason)
	return uuid.New(), nil
}

func (m *mockDB) MarkJobDeadWithRetry(_ context.Context, _ uuid.UUID, jobErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = append(m.dead, jobErr)
	return nil
}

func (m *mockDB) GetAccountWithRetry(context.Context, int64) (*db.Account, error) {
	if m.account == nil {
		return nil, db.ErrAccountNotFound
	}
	return m.account, nil
}

func (m *mockDB) GetTrackedMessagesWithRetry(_ context.Context, _ int64, folder string) ([]db.TrackedMessage, error) {
	if folder == "" {
		return m.tracked, nil
	}
	var out []db.TrackedMessage
	for _, t := range m.tracked {
		if t.Folder == folder {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockDB) GetTrackedMessageWithRetry(context.Context, int64) (*db.TrackedMessage, error) {
	if m.message == nil {
		return nil, db.ErrMessageNotFound
	}
	return m.message, nil
}

func (m *mockDB) GetUnresolvedMessagesWithRetry(_ context.Context, _ int64, folder string, limit int) ([]db.UnresolvedMessage, error) {
	var out []db.UnresolvedMessage
	for _, u := range m.unresolved {
		if folder == "" || u.Folder == folder {
			out = append(out, u)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// BulkSetReadStateWithRetry lets mockDB double as the engine's store.
func (m *mockDB) BulkSetReadStateWithRetry(_ context.Context, ids []int64, _ bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bulkIDs = append(m.bulkIDs, ids)
	return int64(len(ids)), nil
}

func (m *mockDB) RecordMessageUIDWithRetry(_ context.Context, messageID int64, uid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recorded == nil {
		m.recorded = make(map[int64]uint32)
	}
	m.recorded[messageID] = uid
	for _, u := range m.unresolved {
		if u.ID == messageID {
			m.tracked = append(m.tracked, db.TrackedMessage{ID: u.ID, AccountID: u.AccountID, Folder: u.Folder, UID: uid})
		}
	}
	return nil
}

type mockGovernor struct {
	rejectWith       error
	acquired         int
	released         int
	limitErrAccounts []int64
}

func (g *mockGovernor) Acquire(_ context.Context, _ int64) (func(), error) {
	if g.rejectWith != nil {
		return nil, g.rejectWith
	}
	g.acquired++
	return func() { g.released++ }, nil
}

func (g *mockGovernor) RecordConnectionLimitError(accountID int64) {
	g.limitErrAccounts = append(g.limitErrAccounts, accountID)
}

type mockSession struct {
	flags   map[uint32][]imap.Flag
	byMsgID map[string]uint32
}

func (s *mockSession) SelectFolder(role string) (string, error) { return role, nil }

func (s *mockSession) FetchFlags(_ context.Context, uids []uint32) (map[uint32][]imap.Flag, error) {
	out := make(map[uint32][]imap.Flag)
	for _, uid := range uids {
		if f, ok := s.flags[uid]; ok {
			out[uid] = f
		}
	}
	return out, nil
}

func (s *mockSession) SetReadState(uint32, bool) error { return nil }

func (s *mockSession) ResolveUID(_ context.Context, messageID string) (uint32, bool, error) {
	uid, ok := s.byMsgID[messageID]
	return uid, ok, nil
}

type mockFactory struct {
	sess    *mockSession
	openErr error
	opened  int
	closed  int
}

func (f *mockFactory) Open(context.Context, *provider.ResolvedConfig) (engine.FlagSession, func(), error) {
	if f.openErr != nil {
		return nil, nil, f.openErr
	}
	f.opened++
	return f.sess, func() { f.closed++ }, nil
}

func newTestWorker(t *testing.T, mdb *mockDB, gov *mockGovernor, factory *mockFactory) *Worker {
	t.Helper()
	cfg := &config.QueueConfig{MaxAttempts: 3, RetryBase: "5s", RetryCap: "1m"}
	w, err := New(cfg, "test-instance", mdb, factory, gov, provider.NewResolver(nil), engine.New(mdb))
	require.NoError(t, err)
	return w
}

func testJob(kind string, attempts int, payload []byte) *db.SyncJob {
	return &db.SyncJob{
		ID:          uuid.New(),
		AccountID:   42,
		Kind:        kind,
		Payload:     payload,
		Status:      db.JobStatusLeased,
		Attempts:    attempts,
		MaxAttempts: 3,
	}
}

func gmailAccount() *db.Account {
	return &db.Account{ID: 42, Email: "user@gmail.com", IMAPPassword: "secret", SyncEnabled: true}
}

func TestProcessJobReconcileSuccess(t *testing.T) {
	mdb := &mockDB{
		account: gmailAccount(),
		tracked: []db.TrackedMessage{
			{ID: 1, AccountID: 42, Folder: "INBOX", UID: 101, IsRead: false},
		},
	}
	gov := &mockGovernor{}
	factory := &mockFactory{sess: &mockSession{flags: map[uint32][]imap.Flag{101: {imap.FlagSeen}}}}
	w := newTestWorker(t, mdb, gov, factory)

	job := testJob(db.JobKindReconcile, 0, nil)
	w.processJob(context.Background(), job)

	assert.Equal(t, []uuid.UUID{job.ID}, mdb.done)
	assert.Empty(t, mdb.retried)
	assert.Equal(t, [][]int64{{1}}, mdb.bulkIDs)
	assert.Equal(t, 1, gov.acquired)
	assert.Equal(t, 1, gov.released, "session slot released on success")
	assert.Equal(t, 1, factory.closed, "session closed on success")
}

func TestProcessJobRecoversMissingUIDs(t *testing.T) {
	mdb := &mockDB{
		account: gmailAccount(),
		unresolved: []db.UnresolvedMessage{
			{ID: 7, AccountID: 42, Folder: "INBOX", MessageID: "abc@example.com"},
			{ID: 8, AccountID: 42, Folder: "INBOX", MessageID: "gone@example.com"},
		},
	}
	gov := &mockGovernor{}
	factory := &mockFactory{sess: &mockSession{
		flags:   map[uint32][]imap.Flag{301: {imap.FlagSeen}},
		byMsgID: map[string]uint32{"abc@example.com": 301},
	}}
	w := newTestWorker(t, mdb, gov, factory)

	job := testJob(db.JobKindReconcile, 0, nil)
	w.processJob(context.Background(), job)

	assert.Equal(t, []uuid.UUID{job.ID}, mdb.done)
	assert.Equal(t, map[int64]uint32{7: 301}, mdb.recorded, "only the resolvable row gets a UID")
	// The recovered row is reconciled in the same pass: remote \Seen wins.
	assert.Equal(t, [][]int64{{7}}, mdb.bulkIDs)
	assert.Equal(t, 1, factory.opened, "recovery alone justifies a session")
}

func TestProcessJobZeroProgressRetries(t *testing.T) {
	mdb := &mockDB{
		account: gmailAccount(),
		tracked: []db.TrackedMessage{
			{ID: 1, AccountID: 42, Folder: "INBOX", UID: 101, IsRead: false},
			{ID: 2, AccountID: 42, Folder: "INBOX", UID: 102, IsRead: true},
		},
	}
	gov := &mockGovernor{}
	// The session resolves none of the UIDs: every batch and fallback
	// came back empty. That must not ack as success.
	factory := &mockFactory{sess: &mockSession{flags: map[uint32][]imap.Flag{}}}
	w := newTestWorker(t, mdb, gov, factory)

	job := testJob(db.JobKindReconcile, 0, nil)
	w.processJob(context.Background(), job)

	assert.Empty(t, mdb.done, "zero-progress pass must not be acked")
	require.Len(t, mdb.retried, 1)
	assert.Contains(t, mdb.retried[0], consts.ErrNoProgress.Error())
	assert.Empty(t, mdb.bulkIDs)
	assert.False(t, w.health.InCooldown(42))
	assert.Equal(t, 1, gov.released, "session slot released on failure")
}

func TestProcessJobZeroUIDShortCircuit(t *testing.T) {
	mdb := &mockDB{account: gmailAccount(), tracked: nil}
	gov := &mockGovernor{}
	factory := &mockFactory{sess: &mockSession{}}
	w := newTestWorker(t, mdb, gov, factory)

	w.processJob(context.Background(), testJob(db.JobKindReconcile, 0, nil))

	assert.Len(t, mdb.done, 1)
	assert.Equal(t, 0, gov.acquired, "no session slot when nothing is reconcilable")
	assert.Equal(t, 0, factory.opened)
}

func TestProcessJobMalformedPayloadDeadLetters(t *testing.T) {
	mdb := &mockDB{account: gmailAccount()}
	w := newTestWorker(t, mdb, &mockGovernor{}, &mockFactory{sess: &mockSession{}})

	w.processJob(context.Background(), testJob(db.JobKindReconcile, 0, []byte("{not json")))

	require.Len(t, mdb.dead, 1)
	assert.Empty(t, mdb.retried, "poison jobs never retry")
}

func TestProcessJobUnknownKindDeadLetters(t *testing.T) {
	mdb := &mockDB{}
	w := newTestWorker(t, mdb, &mockGovernor{}, &mockFactory{})

	w.processJob(context.Background(), testJob("mystery", 0, nil))

	require.Len(t, mdb.dead, 1)
}

func TestProcessJobGovernorRejectionDefers(t *testing.T) {
	mdb := &mockDB{
		account: gmailAccount(),
		tracked: []db.TrackedMessage{{ID: 1, AccountID: 42, Folder: "INBOX", UID: 101}},
	}
	gov := &mockGovernor{rejectWith: fmt.Errorf("%w: ceiling", consts.ErrSessionUnavailable)}
	w := newTestWorker(t, mdb, gov, &mockFactory{sess: &mockSession{}})

	job := testJob(db.JobKindReconcile, 2, nil)
	w.processJob(context.Background(), job)

	require.Len(t, mdb.deferred, 1)
	assert.Empty(t, mdb.retried, "deferral must not consume an attempt")
	assert.Empty(t, mdb.dead)
}

func TestProcessJobFailureRetriesThenDeadLetters(t *testing.T) {
	mdb := &mockDB{
		account: gmailAccount(),
		tracked: []db.TrackedMessage{{ID: 1, AccountID: 42, Folder: "INBOX", UID: 101}},
	}
	factory := &mockFactory{openErr: errors.New("connection reset")}
	w := newTestWorker(t, mdb, &mockGovernor{}, factory)

	w.processJob(context.Background(), testJob(db.JobKindReconcile, 0, nil))
	require.Len(t, mdb.retried, 1)
	assert.Empty(t, mdb.dead)

	// Final attempt dead-letters instead of retrying again.
	w.processJob(context.Background(), testJob(db.JobKindReconcile, 2, nil))
	require.Len(t, mdb.dead, 1)
	assert.Len(t, mdb.retried, 1)
}

func TestProcessJobConnectionLimitReported(t *testing.T) {
	mdb := &mockDB{
		account: gmailAccount(),
		tracked: []db.TrackedMessage{{ID: 1, AccountID: 42, Folder: "INBOX", UID: 101}},
	}
	gov := &mockGovernor{}
	factory := &mockFactory{openErr: fmt.Errorf("login: %w", consts.ErrConnectionLimit)}
	w := newTestWorker(t, mdb, gov, factory)

	w.processJob(context.Background(), testJob(db.JobKindReconcile, 0, nil))

	assert.Equal(t, []int64{42}, gov.limitErrAccounts)
	assert.Equal(t, 1, gov.released, "slot released even when open fails")
	require.Len(t, mdb.retried, 1)
}

func TestProcessJobCoolingAccountDefers(t *testing.T) {
	mdb := &mockDB{
		account: gmailAccount(),
		tracked: []db.TrackedMessage{{ID: 1, AccountID: 42, Folder: "INBOX", UID: 101}},
	}
	w := newTestWorker(t, mdb, &mockGovernor{}, &mockFactory{sess: &mockSession{}})
	for i := 0; i < 3; i++ {
		w.health.RecordFailure(42)
	}

	w.processJob(context.Background(), testJob(db.JobKindReconcile, 0, nil))

	require.Len(t, mdb.deferred, 1)
	assert.Contains(t, mdb.deferred[0], "cool")
}

func TestProcessJobPushFlags(t *testing.T) {
	mdb := &mockDB{
		account: gmailAccount(),
		message: &db.TrackedMessage{ID: 9, AccountID: 42, Folder: "Sent", UID: 55, IsRead: false},
	}
	gov := &mockGovernor{}
	factory := &mockFactory{sess: &mockSession{}}
	w := newTestWorker(t, mdb, gov, factory)

	payload := []byte(`{"message_id": 9, "read": true}`)
	w.processJob(context.Background(), testJob(db.JobKindPushFlags, 0, payload))

	assert.Len(t, mdb.done, 1)
	assert.Equal(t, 1, gov.released)
}

func TestProcessJobSyncDisabledAcks(t *testing.T) {
	account := gmailAccount()
	account.SyncEnabled = false
	mdb := &mockDB{account: account, tracked: []db.TrackedMessage{{ID: 1, UID: 1, Folder: "INBOX"}}}
	gov := &mockGovernor{}
	w := newTestWorker(t, mdb, gov, &mockFactory{sess: &mockSession{}})

	w.processJob(context.Background(), testJob(db.JobKindReconcile, 0, nil))

	assert.Len(t, mdb.done, 1)
	assert.Equal(t, 0, gov.acquired)
}

func TestRetryBackoff(t *testing.T) {
	cfg := &config.QueueConfig{RetryBase: "5s", RetryCap: "1m"}
	w, err := New(cfg, "i", &mockDB{}, &mockFactory{}, &mockGovernor{}, provider.NewResolver(nil), engine.New(&mockDB{}))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, w.retryBackoff(0))
	assert.Equal(t, 10*time.Second, w.retryBackoff(1))
	assert.Equal(t, 20*time.Second, w.retryBackoff(2))
	assert.Equal(t, 40*time.Second, w.retryBackoff(3))
	assert.Equal(t, time.Minute, w.retryBackoff(4))
	assert.Equal(t, time.Minute, w.retryBackoff(10))
}

func TestFilterUIDRange(t *testing.T) {
	tracked := []db.TrackedMessage{
		{ID: 1, UID: 10}, {ID: 2, UID: 20}, {ID: 3, UID: 30},
	}

	all := filterUIDRange(tracked, 0, 0)
	assert.Len(t, all, 3)

	mid := filterUIDRange(tracked, 15, 25)
	require.Len(t, mid, 1)
	assert.Equal(t, int64(2), mid[0].ID)

	from := filterUIDRange(tracked, 20, 0)
	assert.Len(t, from, 2)
}
