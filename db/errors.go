package db

import "errors"

// Sentinel errors for database operations
var (
	// ErrAccountNotFound indicates that an account was not found in the database
	ErrAccountNotFound = errors.New("account not found")

	// ErrMessageNotFound indicates that a tracked message was not found in the database
	ErrMessageNotFound = errors.New("message not found")

	// ErrJobNotFound indicates that a sync job was not found in the database
	ErrJobNotFound = errors.New("sync job not found")
)
