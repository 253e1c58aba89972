package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Account holds the IMAP credentials and sync settings for one connected
// mailbox. The host, port and TLS fields are overrides; when empty the
// provider resolver fills them in from the account's email domain.
type Account struct {
	ID               int64
	Email            string
	IMAPHost         string
	IMAPPort         int
	IMAPTLS          bool
	IMAPUsername     string
	IMAPPassword     string
	ProviderOverride string
	SyncEnabled      bool
}

const accountColumns = `id, email, imap_host, imap_port, imap_tls, imap_username, imap_password, provider_override, sync_enabled`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.IMAPHost,
		&a.IMAPPort,
		&a.IMAPTLS,
		&a.IMAPUsername,
		&a.IMAPPassword,
		&a.ProviderOverride,
		&a.SyncEnabled,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

// GetAccount fetches a single account by ID. Deleted accounts are treated
// as missing.
func (db *Database) GetAccount(ctx context.Context, accountID int64) (*Account, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM accounts
		WHERE id = $1 AND deleted_at IS NULL
	`, accountColumns)

	row := db.TimedQueryRow(ctx, "get_account", query, accountID)
	return scanAccount(row)
}

// ListSyncableAccounts returns every account eligible for flag sync.
func (db *Database) ListSyncableAccounts(ctx context.Context) ([]Account, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM accounts
		WHERE sync_enabled AND deleted_at IS NULL
		ORDER BY id
	`, accountColumns)

	rows, err := db.TimedQuery(ctx, "list_syncable_accounts", query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}
