package consts

// Canonical folder roles tracked by the sync engine. Every provider entry
// maps each role to at least one concrete folder name; only the mandatory
// roles are a hard requirement at resolve time.
const (
	FolderInbox   = "INBOX"
	FolderSent    = "Sent"
	FolderDrafts  = "Drafts"
	FolderArchive = "Archive"
	FolderTrash   = "Trash"
)

// MandatoryFolders are the roles every account must be able to select.
// The remaining roles are reconciled when present but their absence on a
// provider is not a configuration error.
var MandatoryFolders = []string{
	FolderInbox,
	FolderSent,
}

// SyncedFolders lists every role the engine reconciles.
var SyncedFolders = []string{
	FolderInbox,
	FolderSent,
	FolderDrafts,
	FolderArchive,
	FolderTrash,
}
