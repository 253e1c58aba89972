package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailcrm/flagsync/consts"
)

// AccountLock is a held PostgreSQL advisory lock for one account. Advisory
// locks are session scoped, so the lock pins a pooled connection until
// Release returns it.
type AccountLock struct {
	conn      *pgxpool.Conn
	accountID int64
}

// TryAcquireAccountLock attempts a non-blocking advisory lock on the
// account. Returns (nil, nil) when another instance holds the lock.
func (db *Database) TryAcquireAccountLock(ctx context.Context, accountID int64) (*AccountLock, error) {
	conn, err := db.WritePool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for advisory lock: %w", err)
	}

	var locked bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1, $2)`,
		consts.FlagSyncAdvisoryLockID, accountID).Scan(&locked)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock query failed: %w", err)
	}

	if !locked {
		conn.Release()
		return nil, nil
	}

	return &AccountLock{conn: conn, accountID: accountID}, nil
}

// Release unlocks the advisory lock and returns the connection to the pool.
func (l *AccountLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Release()
		l.conn = nil
	}()

	var unlocked bool
	err := l.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1, $2)`,
		consts.FlagSyncAdvisoryLockID, l.accountID).Scan(&unlocked)
	if err != nil {
		return fmt.Errorf("advisory unlock failed: %w", err)
	}
	if !unlocked {
		return fmt.Errorf("advisory lock for account %d was not held", l.accountID)
	}
	return nil
}
