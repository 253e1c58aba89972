// Package engine reconciles locally tracked read-state against the flags
// a mailbox actually reports. The remote server is authoritative for the
// pull direction: local state is overwritten, never merged.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/mailcrm/flagsync/consts"
	"github.com/mailcrm/flagsync/db"
	"github.com/mailcrm/flagsync/imapsession"
	"github.com/mailcrm/flagsync/logger"
	"github.com/mailcrm/flagsync/pkg/metrics"
)

// FlagSession is the slice of the session adapter the engine needs.
// *imapsession.Session implements it; tests substitute a fake.
type FlagSession interface {
	SelectFolder(role string) (string, error)
	FetchFlags(ctx context.Context, uids []uint32) (map[uint32][]imap.Flag, error)
	SetReadState(uid uint32, read bool) error
}

// UIDResolver is the optional session capability for recovering the UID
// of a message tracked before its first remote fetch.
type UIDResolver interface {
	SelectFolder(role string) (string, error)
	ResolveUID(ctx context.Context, messageID string) (uint32, bool, error)
}

// Store is the slice of the database layer the engine writes through.
type Store interface {
	BulkSetReadStateWithRetry(ctx context.Context, ids []int64, isRead bool) (int64, error)
	RecordMessageUIDWithRetry(ctx context.Context, messageID int64, uid uint32) error
}

// Result counts one reconciliation pass. Matched messages had their UID
// resolved remotely; Unresolved ones did not and keep their local state
// until the next pass.
type Result struct {
	Matched    int
	Unchanged  int
	Updated    int
	Unresolved int
}

func (r *Result) add(o Result) {
	r.Matched += o.Matched
	r.Unchanged += o.Unchanged
	r.Updated += o.Updated
	r.Unresolved += o.Unresolved
}

type Engine struct {
	store Store
}

func New(store Store) *Engine {
	return &Engine{store: store}
}

// Reconcile pulls the authoritative read-state for the given tracked
// messages over an open session. Messages are grouped by folder; a folder
// that cannot be selected is skipped and its messages counted unresolved,
// never aborting the rest of the account. Local updates are applied as one
// bulk write per target value.
func (e *Engine) Reconcile(ctx context.Context, sess FlagSession, accountID int64, messages []*db.TrackedMessage) (*Result, error) {
	result := &Result{}
	if len(messages) == 0 {
		return result, nil
	}

	byFolder := make(map[string][]*db.TrackedMessage)
	for _, msg := range messages {
		if msg.UID == 0 {
			// Cannot be reconciled until the ingestion path records a UID.
			continue
		}
		byFolder[msg.Folder] = append(byFolder[msg.Folder], msg)
	}

	for folder, msgs := range byFolder {
		folderResult, err := e.reconcileFolder(ctx, sess, accountID, folder, msgs)
		if err != nil {
			if errors.Is(err, consts.ErrFolderNotFound) {
				logger.Warn("Folder not found, skipping", "account_id", accountID, "folder", folder, "messages", len(msgs))
				metrics.ReconcileRunsTotal.WithLabelValues(folder, "folder_not_found").Inc()
				result.Unresolved += len(msgs)
				continue
			}
			return result, fmt.Errorf("reconciling folder %s: %w", folder, err)
		}
		result.add(*folderResult)
	}

	metrics.ReconcileMessages.WithLabelValues("matched").Add(float64(result.Matched))
	metrics.ReconcileMessages.WithLabelValues("unchanged").Add(float64(result.Unchanged))
	metrics.ReconcileMessages.WithLabelValues("updated").Add(float64(result.Updated))
	metrics.ReconcileMessages.WithLabelValues("unresolved").Add(float64(result.Unresolved))

	logger.Info("Reconciliation pass complete", "account_id", accountID,
		"matched", result.Matched, "unchanged", result.Unchanged,
		"updated", result.Updated, "unresolved", result.Unresolved)
	return result, nil
}

func (e *Engine) reconcileFolder(ctx context.Context, sess FlagSession, accountID int64, folder string, msgs []*db.TrackedMessage) (*Result, error) {
	start := time.Now()

	if _, err := sess.SelectFolder(folder); err != nil {
		return nil, err
	}

	uids := make([]uint32, 0, len(msgs))
	for _, msg := range msgs {
		uids = append(uids, msg.UID)
	}

	remote, err := sess.FetchFlags(ctx, uids)
	if err != nil {
		metrics.ReconcileRunsTotal.WithLabelValues(folder, "error").Inc()
		return nil, fmt.Errorf("fetching flags: %w", err)
	}

	result := &Result{}
	var markRead, markUnread []int64
	for _, msg := range msgs {
		flags, ok := remote[msg.UID]
		if !ok {
			// Left untouched; the next scheduled pass retries it.
			result.Unresolved++
			continue
		}
		result.Matched++
		remoteIsRead := imapsession.HasSeen(flags)
		if remoteIsRead == msg.IsRead {
			result.Unchanged++
			continue
		}
		result.Updated++
		if remoteIsRead {
			markRead = append(markRead, msg.ID)
		} else {
			markUnread = append(markUnread, msg.ID)
		}
	}

	// One bulk write per target value keeps write amplification flat no
	// matter how many rows diverged.
	if len(markRead) > 0 {
		if _, err := e.store.BulkSetReadStateWithRetry(ctx, markRead, true); err != nil {
			metrics.ReconcileRunsTotal.WithLabelValues(folder, "error").Inc()
			return nil, fmt.Errorf("marking %d messages read: %w", len(markRead), err)
		}
	}
	if len(markUnread) > 0 {
		if _, err := e.store.BulkSetReadStateWithRetry(ctx, markUnread, false); err != nil {
			metrics.ReconcileRunsTotal.WithLabelValues(folder, "error").Inc()
			return nil, fmt.Errorf("marking %d messages unread: %w", len(markUnread), err)
		}
	}

	metrics.ReconcileRunsTotal.WithLabelValues(folder, "ok").Inc()
	metrics.ReconcileDuration.WithLabelValues(folder).Observe(time.Since(start).Seconds())
	return result, nil
}

// RecoverUIDs resolves remote UIDs for rows that were tracked before
// their message landed, searching each folder by stored Message-ID. A
// message the server cannot find is left for a later pass; only session
// or store failures abort. Returns the number of rows recovered.
func (e *Engine) RecoverUIDs(ctx context.Context, sess UIDResolver, accountID int64, msgs []db.UnresolvedMessage) (int, error) {
	recovered := 0
	selected := ""
	for i := range msgs {
		msg := &msgs[i]
		if msg.MessageID == "" {
			continue
		}
		if msg.Folder != selected {
			if _, err := sess.SelectFolder(msg.Folder); err != nil {
				if errors.Is(err, consts.ErrFolderNotFound) {
					logger.Warn("Folder not found during UID recovery", "account_id", accountID, "folder", msg.Folder)
					continue
				}
				return recovered, err
			}
			selected = msg.Folder
		}
		uid, found, err := sess.ResolveUID(ctx, msg.MessageID)
		if err != nil {
			return recovered, fmt.Errorf("resolving uid for message %d: %w", msg.ID, err)
		}
		if !found {
			metrics.UIDRecoveriesTotal.WithLabelValues("miss").Inc()
			continue
		}
		if err := e.store.RecordMessageUIDWithRetry(ctx, msg.ID, uid); err != nil {
			return recovered, fmt.Errorf("recording uid for message %d: %w", msg.ID, err)
		}
		metrics.UIDRecoveriesTotal.WithLabelValues("recovered").Inc()
		recovered++
	}
	if recovered > 0 {
		logger.Info("Recovered message UIDs", "account_id", accountID, "recovered", recovered, "candidates", len(msgs))
	}
	return recovered, nil
}

// PushReadState propagates a local read-state change for one message to
// the server. Unlike the pull direction it never batches; it is driven by
// a single user action and reports per-message success.
func (e *Engine) PushReadState(ctx context.Context, sess FlagSession, msg *db.TrackedMessage, read bool) error {
	if msg.UID == 0 {
		return fmt.Errorf("%w: message %d has no UID", consts.ErrConfiguration, msg.ID)
	}
	if _, err := sess.SelectFolder(msg.Folder); err != nil {
		metrics.FlagsPushedTotal.WithLabelValues("seen", "error").Inc()
		return err
	}
	if err := sess.SetReadState(msg.UID, read); err != nil {
		metrics.FlagsPushedTotal.WithLabelValues("seen", "error").Inc()
		return err
	}
	metrics.FlagsPushedTotal.WithLabelValues("seen", "ok").Inc()
	logger.Debug("Pushed read state", "message_id", msg.ID, "uid", msg.UID, "read", read)
	return nil
}
