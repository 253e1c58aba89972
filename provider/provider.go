// Package provider resolves IMAP connection settings from an account's
// email domain. Well-known providers get exact host, port and folder
// naming; unknown domains fall back to the imap.<domain> convention.
package provider

import (
	"time"

	"github.com/mailcrm/flagsync/consts"
)

// Tuning controls how the session adapter batches UID searches against a
// provider. Restrictive servers reject or stall large searches, so their
// tuning uses small batches, short timeouts and a pause between batches.
type Tuning struct {
	BatchSize       int
	BatchTimeout    time.Duration
	FallbackTimeout time.Duration
	BatchDelay      time.Duration
}

// DefaultTuning suits well-behaved servers: large batches, no pauses.
func DefaultTuning() Tuning {
	return Tuning{
		BatchSize:       200,
		BatchTimeout:    15 * time.Second,
		FallbackTimeout: 5 * time.Second,
		BatchDelay:      0,
	}
}

// RestrictiveTuning is applied to providers observed to throttle or reject
// bulk UID searches.
func RestrictiveTuning() Tuning {
	return Tuning{
		BatchSize:       20,
		BatchTimeout:    10 * time.Second,
		FallbackTimeout: 5 * time.Second,
		BatchDelay:      500 * time.Millisecond,
	}
}

// Provider describes one known email provider.
type Provider struct {
	Tag         string // stable identifier, used in logs and metrics
	Name        string
	Host        string
	Port        int
	TLS         bool
	Restrictive bool
	// FolderVariants maps a canonical folder role to the concrete names
	// tried in order when selecting the folder.
	FolderVariants map[string][]string
	Tuning         Tuning
}

var knownProviders = map[string]Provider{
	"gmail.com": {
		Tag:  "gmail",
		Name: "Gmail",
		Host: "imap.gmail.com",
		Port: 993,
		TLS:  true,
		FolderVariants: map[string][]string{
			consts.FolderInbox:   {"INBOX"},
			consts.FolderSent:    {"[Gmail]/Sent Mail", "Sent Mail", "Sent"},
			consts.FolderDrafts:  {"[Gmail]/Drafts", "Drafts"},
			consts.FolderArchive: {"[Gmail]/All Mail", "Archive"},
			consts.FolderTrash:   {"[Gmail]/Trash", "Trash", "Bin"},
		},
		Tuning: DefaultTuning(),
	},
	"googlemail.com": {
		Tag:  "gmail",
		Name: "Gmail",
		Host: "imap.gmail.com",
		Port: 993,
		TLS:  true,
		FolderVariants: map[string][]string{
			consts.FolderInbox:   {"INBOX"},
			consts.FolderSent:    {"[Gmail]/Sent Mail", "Sent Mail", "Sent"},
			consts.FolderDrafts:  {"[Gmail]/Drafts", "Drafts"},
			consts.FolderArchive: {"[Gmail]/All Mail", "Archive"},
			consts.FolderTrash:   {"[Gmail]/Trash", "Trash", "Bin"},
		},
		Tuning: DefaultTuning(),
	},
	"outlook.com": {
		Tag:  "outlook",
		Name: "Outlook",
		Host: "outlook.office365.com",
		Port: 993,
		TLS:  true,
		FolderVariants: map[string][]string{
			consts.FolderInbox:   {"INBOX"},
			consts.FolderSent:    {"Sent Items", "Sent"},
			consts.FolderDrafts:  {"Drafts"},
			consts.FolderArchive: {"Archive"},
			consts.FolderTrash:   {"Deleted Items", "Trash"},
		},
		Tuning: DefaultTuning(),
	},
	"hotmail.com": {
		Tag:  "outlook",
		Name: "Outlook",
		Host: "outlook.office365.com",
		Port: 993,
		TLS:  true,
		FolderVariants: map[string][]string{
			consts.FolderInbox:   {"INBOX"},
			consts.FolderSent:    {"Sent Items", "Sent"},
			consts.FolderDrafts:  {"Drafts"},
			consts.FolderArchive: {"Archive"},
			consts.FolderTrash:   {"Deleted Items", "Trash"},
		},
		Tuning: DefaultTuning(),
	},
	"live.com": {
		Tag:  "outlook",
		Name: "Outlook",
		Host: "outlook.office365.com",
		Port: 993,
		TLS:  true,
		FolderVariants: map[string][]string{
			consts.FolderInbox:   {"INBOX"},
			consts.FolderSent:    {"Sent Items", "Sent"},
			consts.FolderDrafts:  {"Drafts"},
			consts.FolderArchive: {"Archive"},
			consts.FolderTrash:   {"Deleted Items", "Trash"},
		},
		Tuning: DefaultTuning(),
	},
	"yahoo.com": {
		Tag:  "yahoo",
		Name: "Yahoo",
		Host: "imap.mail.yahoo.com",
		Port: 993,
		TLS:  true,
		FolderVariants: map[string][]string{
			consts.FolderInbox:   {"INBOX"},
			consts.FolderSent:    {"Sent", "Sent Items"},
			consts.FolderDrafts:  {"Draft", "Drafts"},
			consts.FolderArchive: {"Archive"},
			consts.FolderTrash:   {"Trash"},
		},
		Tuning: DefaultTuning(),
	},
	"fastmail.com": {
		Tag:  "fastmail",
		Name: "FastMail",
		Host: "imap.fastmail.com",
		Port: 993,
		TLS:  true,
		FolderVariants: map[string][]string{
			consts.FolderInbox:   {"INBOX"},
			consts.FolderSent:    {"Sent"},
			consts.FolderDrafts:  {"Drafts"},
			consts.FolderArchive: {"Archive"},
			consts.FolderTrash:   {"Trash"},
		},
		Tuning: DefaultTuning(),
	},
	"yandex.ru": {
		Tag:         "yandex",
		Name:        "Yandex",
		Host:        "imap.yandex.com",
		Port:        993,
		TLS:         true,
		Restrictive: true,
		FolderVariants: map[string][]string{
			consts.FolderInbox:   {"INBOX"},
			consts.FolderSent:    {"Sent", "Sent Items"},
			consts.FolderDrafts:  {"Drafts"},
			consts.FolderArchive: {"Archive"},
			consts.FolderTrash:   {"Trash", "Deleted Items"},
		},
		Tuning: RestrictiveTuning(),
	},
	"yandex.com": {
		Tag:         "yandex",
		Name:        "Yandex",
		Host:        "imap.yandex.com",
		Port:        993,
		TLS:         true,
		Restrictive: true,
		FolderVariants: map[string][]string{
			consts.FolderInbox:   {"INBOX"},
			consts.FolderSent:    {"Sent", "Sent Items"},
			consts.FolderDrafts:  {"Drafts"},
			consts.FolderArchive: {"Archive"},
			consts.FolderTrash:   {"Trash", "Deleted Items"},
		},
		Tuning: RestrictiveTuning(),
	},
	"icloud.com": {
		Tag:  "icloud",
		Name: "iCloud",
		Host: "imap.mail.me.com",
		Port: 993,
		TLS:  true,
		FolderVariants: map[string][]string{
			consts.FolderInbox:   {"INBOX"},
			consts.FolderSent:    {"Sent Messages", "Sent"},
			consts.FolderDrafts:  {"Drafts"},
			consts.FolderArchive: {"Archive"},
			consts.FolderTrash:   {"Deleted Messages", "Trash"},
		},
		Tuning: DefaultTuning(),
	},
}

// genericFolderVariants cover the common server conventions for providers
// we have no entry for.
func genericFolderVariants() map[string][]string {
	return map[string][]string{
		consts.FolderInbox:   {"INBOX"},
		consts.FolderSent:    {"Sent", "Sent Items", "Sent Messages", "INBOX.Sent"},
		consts.FolderDrafts:  {"Drafts", "INBOX.Drafts"},
		consts.FolderArchive: {"Archive", "Archives", "INBOX.Archive"},
		consts.FolderTrash:   {"Trash", "Deleted Items", "Deleted Messages", "INBOX.Trash"},
	}
}
