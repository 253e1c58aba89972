package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// TrackedMessage is one message row under flag tracking. UID carries the
// remote IMAP UID; rows without a UID never reach reconciliation.
type TrackedMessage struct {
	ID        int64
	AccountID int64
	Folder    string
	UID       uint32
	IsRead    bool
}

// GetTrackedMessages returns the messages tracked for one account, limited
// to one folder when folder is non-empty. Rows with a NULL uid are excluded
// here rather than filtered by callers: a message that was never resolved
// to a UID cannot be matched against the remote mailbox at all.
func (db *Database) GetTrackedMessages(ctx context.Context, accountID int64, folder string) ([]TrackedMessage, error) {
	rows, err := db.TimedQuery(ctx, "get_tracked_messages", `
		SELECT id, account_id, folder, uid, is_read
		FROM messages
		WHERE account_id = $1 AND ($2 = '' OR folder = $2) AND uid IS NOT NULL
		ORDER BY folder, uid
	`, accountID, folder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []TrackedMessage
	for rows.Next() {
		var m TrackedMessage
		var uid int64
		if err := rows.Scan(&m.ID, &m.AccountID, &m.Folder, &uid, &m.IsRead); err != nil {
			return nil, err
		}
		m.UID = uint32(uid)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UnresolvedMessage is a tracked row that has no remote UID yet. The
// stored Message-ID header is the only handle for finding it remotely.
type UnresolvedMessage struct {
	ID        int64
	AccountID int64
	Folder    string
	MessageID string
}

// GetUnresolvedMessages returns tracked rows without a UID, oldest first,
// capped at limit so one job never spends its whole budget on recovery.
func (db *Database) GetUnresolvedMessages(ctx context.Context, accountID int64, folder string, limit int) ([]UnresolvedMessage, error) {
	rows, err := db.TimedQuery(ctx, "get_unresolved_messages", `
		SELECT id, account_id, folder, message_id_header
		FROM messages
		WHERE account_id = $1 AND ($2 = '' OR folder = $2) AND uid IS NULL AND message_id_header <> ''
		ORDER BY created_at
		LIMIT $3
	`, accountID, folder, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []UnresolvedMessage
	for rows.Next() {
		var m UnresolvedMessage
		if err := rows.Scan(&m.ID, &m.AccountID, &m.Folder, &m.MessageID); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetTrackedMessage fetches one tracked message by ID.
func (db *Database) GetTrackedMessage(ctx context.Context, messageID int64) (*TrackedMessage, error) {
	var m TrackedMessage
	var uid *int64
	err := db.TimedQueryRow(ctx, "get_tracked_message", `
		SELECT id, account_id, folder, uid, is_read
		FROM messages
		WHERE id = $1
	`, messageID).Scan(&m.ID, &m.AccountID, &m.Folder, &uid, &m.IsRead)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	if uid != nil {
		m.UID = uint32(*uid)
	}
	return &m, nil
}

// BulkSetReadState updates the local read flag for a set of messages in a
// single statement and stamps flags_updated_at. Returns the number of rows
// actually changed.
func (db *Database) BulkSetReadState(ctx context.Context, tx pgx.Tx, messageIDs []int64, isRead bool) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE messages
		SET is_read = $2, flags_updated_at = now()
		WHERE id = ANY($1) AND is_read <> $2
	`, messageIDs, isRead)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecordMessageUID fills in the UID for a message that was tracked before
// its remote UID was known, making it visible to reconciliation.
func (db *Database) RecordMessageUID(ctx context.Context, tx pgx.Tx, messageID int64, uid uint32) error {
	tag, err := tx.Exec(ctx, `
		UPDATE messages SET uid = $2 WHERE id = $1 AND uid IS NULL
	`, messageID, int64(uid))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}
