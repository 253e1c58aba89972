package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mailcrm/flagsync/consts"
	"github.com/mailcrm/flagsync/db"
	"github.com/mailcrm/flagsync/imapsession"
	"github.com/mailcrm/flagsync/logger"
	"github.com/mailcrm/flagsync/pkg/metrics"
	"github.com/mailcrm/flagsync/worker"
)

// listener holds one long-lived IDLE session for one account. Events from
// the server never mutate state directly; they enqueue a narrow reconcile
// job so the queue's retry and concurrency discipline applies.
type listener struct {
	accountID int64
	bridge    *Bridge
	machine   stateMachine

	eventCh chan string
	stopCh  chan struct{}
	done    chan struct{}
}

func newListener(accountID int64, b *Bridge) *listener {
	l := &listener{
		accountID: accountID,
		bridge:    b,
		eventCh:   make(chan string, 8),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	l.machine.accountID = accountID
	return l
}

func (l *listener) stop() {
	close(l.stopCh)
	<-l.done
}

func (l *listener) stopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// run is the listener's whole life: connect, listen, reconnect with
// backoff, until stopped. Connection-limit rejections switch to the
// governor's dedicated backoff instead of the normal reconnect delays.
func (l *listener) run(ctx context.Context) {
	defer close(l.done)
	defer l.machine.transition(StateDisconnected)

	metrics.BridgeListenersActive.Inc()
	defer metrics.BridgeListenersActive.Dec()

	attempt := 0
	for {
		if l.stopped() || ctx.Err() != nil {
			return
		}

		if l.bridge.gov.InBackoff(l.accountID) {
			if !l.sleep(ctx, l.bridge.sweepInterval) {
				return
			}
			continue
		}

		err := l.listenOnce(ctx)
		if l.stopped() || ctx.Err() != nil {
			return
		}

		l.machine.transition(StateDisconnected)
		if err != nil {
			if errors.Is(err, consts.ErrConnectionLimit) {
				l.bridge.gov.RecordConnectionLimitError(l.accountID)
				continue
			}
			if errors.Is(err, consts.ErrAuthentication) || errors.Is(err, consts.ErrConfiguration) {
				// Not fixable by reconnecting; let the sweep retry much
				// later in case credentials were updated.
				logger.Warn("Bridge listener giving up", "account_id", l.accountID, "error", err)
				return
			}
		}

		attempt++
		delay := l.bridge.reconnectDelay(attempt)
		metrics.BridgeReconnectsTotal.Inc()
		logger.Info("Bridge listener reconnecting", "account_id", l.accountID, "attempt", attempt, "delay", delay, "error", err)
		if !l.sleep(ctx, delay) {
			return
		}
	}
}

// listenOnce opens one session and idles on it until an error, the idle
// session goes stale, or the listener is stopped.
func (l *listener) listenOnce(ctx context.Context) error {
	l.machine.transition(StateConnecting)

	account, err := l.bridge.rdb.GetAccountWithRetry(ctx, l.accountID)
	if err != nil {
		if errors.Is(err, db.ErrAccountNotFound) {
			return consts.ErrConfiguration
		}
		return err
	}
	if !account.SyncEnabled {
		return consts.ErrConfiguration
	}

	resolved, err := l.bridge.resolver.Resolve(account)
	if err != nil {
		return err
	}

	sess, err := imapsession.OpenForEvents(ctx, resolved, l.bridge.connectTimeout, l.signalEvent)
	if err != nil {
		return err
	}
	defer sess.Close()

	l.machine.transition(StateReady)

	// Jobs carry the canonical role, not the provider's mailbox name.
	if _, err := sess.SelectFolder(consts.FolderInbox); err != nil {
		return err
	}

	// Drain any event that raced in during connect.
	l.drainEvents()

	for {
		if err := l.idleCycle(ctx, sess, consts.FolderInbox); err != nil {
			return err
		}
		if l.stopped() || ctx.Err() != nil {
			return nil
		}
	}
}

// idleCycle holds one IDLE command for at most the configured cycle, then
// restarts it; servers silently drop sessions idle for too long. Events
// arriving during the cycle are turned into queue jobs.
func (l *listener) idleCycle(ctx context.Context, sess *imapsession.Session, folder string) error {
	idleCmd, err := sess.Idle()
	if err != nil {
		return err
	}
	l.machine.transition(StateListening)

	idleDone := make(chan error, 1)
	go func() { idleDone <- idleCmd.Wait() }()

	cycle := time.NewTimer(l.bridge.idleCycle)
	defer cycle.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = idleCmd.Close()
			<-idleDone
			return nil
		case <-l.stopCh:
			_ = idleCmd.Close()
			<-idleDone
			return nil
		case err := <-idleDone:
			// Server ended IDLE on its own; treat as a connection problem.
			if err == nil {
				err = errors.New("idle terminated by server")
			}
			return imapsession.ClassifyError(err)
		case <-cycle.C:
			if err := idleCmd.Close(); err != nil {
				return imapsession.ClassifyError(err)
			}
			<-idleDone
			return nil
		case kind := <-l.eventCh:
			l.machine.transition(StateBusy)
			l.handleEvent(ctx, folder, kind)
			l.drainEvents()
			l.machine.transition(StateListening)
		}
	}
}

// signalEvent runs on the connection's reader goroutine; it must only
// hand off.
func (l *listener) signalEvent(kind string) {
	select {
	case l.eventCh <- kind:
	default:
	}
}

func (l *listener) drainEvents() {
	for {
		select {
		case <-l.eventCh:
		default:
			return
		}
	}
}

func (l *listener) handleEvent(ctx context.Context, folder, kind string) {
	metrics.BridgeEventsTotal.WithLabelValues(kind).Inc()

	payload, err := json.Marshal(worker.ReconcilePayload{Folder: folder})
	if err != nil {
		logger.Error("Bridge failed to encode job payload", "account_id", l.accountID, "error", err)
		return
	}
	if _, err := l.bridge.rdb.EnqueueSyncJobWithRetry(ctx, l.accountID, db.JobKindReconcile, payload, l.bridge.maxAttempts, time.Now()); err != nil {
		logger.Error("Bridge failed to enqueue reconcile job", "account_id", l.accountID, "error", err)
		return
	}
	l.bridge.notify()
	logger.Debug("Bridge enqueued reconcile job", "account_id", l.accountID, "folder", folder, "event", kind)
}

func (l *listener) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-l.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
