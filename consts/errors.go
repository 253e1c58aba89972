package consts

import "errors"

var (
	// Account / provider resolution
	ErrConfiguration  = errors.New("provider configuration incomplete")
	ErrAuthentication = errors.New("authentication failed")

	// Connection governance
	ErrConnectionLimit    = errors.New("provider connection limit reached")
	ErrSessionUnavailable = errors.New("no session slot available")

	// IMAP session
	ErrFolderNotFound = errors.New("folder not found")
	ErrSearchTimeout  = errors.New("uid search timed out")
	ErrBatchFetch     = errors.New("batch fetch failed")

	// Queue worker
	ErrJobTimeout     = errors.New("job timed out")
	ErrAccountCooling = errors.New("account in cooldown")
	ErrNoProgress     = errors.New("no messages resolved")

	// Database transactions
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
)
