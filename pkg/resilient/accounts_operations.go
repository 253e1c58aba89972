package resilient

import (
	"context"

	"github.com/mailcrm/flagsync/db"
)

// --- Account Wrappers ---

func (rd *ResilientDatabase) GetAccountWithRetry(ctx context.Context, accountID int64) (*db.Account, error) {
	op := func(ctx context.Context) (interface{}, error) {
		return rd.database.GetAccount(ctx, accountID)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, op, db.ErrAccountNotFound)
	if err != nil {
		return nil, err
	}
	return result.(*db.Account), nil
}

func (rd *ResilientDatabase) ListSyncableAccountsWithRetry(ctx context.Context) ([]db.Account, error) {
	op := func(ctx context.Context) (interface{}, error) {
		return rd.database.ListSyncableAccounts(ctx)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, op)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.([]db.Account), nil
}
