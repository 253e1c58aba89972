package consts

// FlagSyncAdvisoryLockID is a unique integer used for a PostgreSQL advisory lock
// to ensure that only one flagsync instance syncs a given account at a time
// when multiple instances share the same database.
const FlagSyncAdvisoryLockID = 58120347 // A randomly chosen integer
