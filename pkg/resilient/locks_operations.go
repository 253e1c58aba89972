package resilient

import (
	"context"

	"github.com/mailcrm/flagsync/db"
)

// TryAcquireAccountLock attempts a non-blocking advisory lock on the
// account. Deliberately not retried: a lock miss means another instance
// holds the account and the caller should simply move on.
func (rd *ResilientDatabase) TryAcquireAccountLock(ctx context.Context, accountID int64) (*db.AccountLock, error) {
	return rd.database.TryAcquireAccountLock(ctx, accountID)
}
