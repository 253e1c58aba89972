package resilient

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/mailcrm/flagsync/db"
)

// --- Tracked Message Wrappers ---

func (rd *ResilientDatabase) GetTrackedMessagesWithRetry(ctx context.Context, accountID int64, folder string) ([]db.TrackedMessage, error) {
	op := func(ctx context.Context) (interface{}, error) {
		return rd.database.GetTrackedMessages(ctx, accountID, folder)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, op)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.([]db.TrackedMessage), nil
}

func (rd *ResilientDatabase) GetTrackedMessageWithRetry(ctx context.Context, messageID int64) (*db.TrackedMessage, error) {
	op := func(ctx context.Context) (interface{}, error) {
		return rd.database.GetTrackedMessage(ctx, messageID)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, op, db.ErrMessageNotFound)
	if err != nil {
		return nil, err
	}
	return result.(*db.TrackedMessage), nil
}

func (rd *ResilientDatabase) GetUnresolvedMessagesWithRetry(ctx context.Context, accountID int64, folder string, limit int) ([]db.UnresolvedMessage, error) {
	op := func(ctx context.Context) (interface{}, error) {
		return rd.database.GetUnresolvedMessages(ctx, accountID, folder, limit)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, op)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.([]db.UnresolvedMessage), nil
}

func (rd *ResilientDatabase) BulkSetReadStateWithRetry(ctx context.Context, messageIDs []int64, isRead bool) (int64, error) {
	op := func(ctx context.Context, tx pgx.Tx) (interface{}, error) {
		return rd.database.BulkSetReadState(ctx, tx, messageIDs, isRead)
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, writeRetryConfig, op)
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

func (rd *ResilientDatabase) RecordMessageUIDWithRetry(ctx context.Context, messageID int64, uid uint32) error {
	op := func(ctx context.Context, tx pgx.Tx) (interface{}, error) {
		return nil, rd.database.RecordMessageUID(ctx, tx, messageID, uid)
	}
	_, err := rd.executeWriteInTxWithRetry(ctx, writeRetryConfig, op)
	return err
}
