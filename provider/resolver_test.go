package provider

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailcrm/flagsync/config"
	"github.com/mailcrm/flagsync/consts"
	"github.com/mailcrm/flagsync/db"
)

func testAccount(email string) *db.Account {
	return &db.Account{
		ID:           42,
		Email:        email,
		IMAPPassword: "secret",
		SyncEnabled:  true,
	}
}

func TestResolveKnownProvider(t *testing.T) {
	r := NewResolver(nil)

	rc, err := r.Resolve(testAccount("alice@gmail.com"))
	require.NoError(t, err)

	assert.Equal(t, "gmail", rc.ProviderTag)
	assert.Equal(t, "imap.gmail.com", rc.Host)
	assert.Equal(t, 993, rc.Port)
	assert.True(t, rc.TLS)
	assert.False(t, rc.Restrictive)
	assert.Equal(t, "alice@gmail.com", rc.Username)
	assert.Equal(t, []string{"[Gmail]/Sent Mail", "Sent Mail", "Sent"}, rc.Variants(consts.FolderSent))
	assert.Equal(t, DefaultTuning(), rc.Tuning)
}

func TestResolveCoversAllFolderRoles(t *testing.T) {
	r := NewResolver(nil)

	// Every built-in provider plus the unknown-domain fallback must name
	// at least one concrete folder for every synced role, or messages
	// tracked in that role can never be reconciled.
	emails := []string{
		"a@gmail.com", "a@googlemail.com", "a@outlook.com", "a@hotmail.com",
		"a@live.com", "a@yahoo.com", "a@fastmail.com", "a@yandex.ru",
		"a@yandex.com", "a@icloud.com", "a@unknown-provider.example",
	}
	for _, email := range emails {
		rc, err := r.Resolve(testAccount(email))
		require.NoError(t, err, email)
		for _, role := range consts.SyncedFolders {
			assert.NotEmpty(t, rc.Variants(role), "%s has no variants for role %q", email, role)
		}
	}
}

func TestResolveGmailFolderNames(t *testing.T) {
	r := NewResolver(nil)

	rc, err := r.Resolve(testAccount("alice@gmail.com"))
	require.NoError(t, err)

	assert.Equal(t, []string{"[Gmail]/Drafts", "Drafts"}, rc.Variants(consts.FolderDrafts))
	assert.Equal(t, []string{"[Gmail]/All Mail", "Archive"}, rc.Variants(consts.FolderArchive))
	assert.Equal(t, []string{"[Gmail]/Trash", "Trash", "Bin"}, rc.Variants(consts.FolderTrash))
}

func TestResolveUnknownDomainFallback(t *testing.T) {
	r := NewResolver(nil)

	rc, err := r.Resolve(testAccount("bob@example.org"))
	require.NoError(t, err)

	assert.Equal(t, "example.org", rc.ProviderTag)
	assert.Equal(t, "imap.example.org", rc.Host)
	assert.Equal(t, 993, rc.Port)
	assert.True(t, rc.TLS)
	assert.Contains(t, rc.Variants(consts.FolderSent), "INBOX.Sent")
}

func TestResolveRestrictiveProvider(t *testing.T) {
	r := NewResolver(nil)

	rc, err := r.Resolve(testAccount("carol@yandex.com"))
	require.NoError(t, err)

	assert.Equal(t, "yandex", rc.ProviderTag)
	assert.True(t, rc.Restrictive)
	assert.Equal(t, RestrictiveTuning(), rc.Tuning)
	assert.Equal(t, 20, rc.Tuning.BatchSize)
	assert.Equal(t, 500*time.Millisecond, rc.Tuning.BatchDelay)
}

func TestResolveProviderOverrideByTag(t *testing.T) {
	r := NewResolver(nil)

	acct := testAccount("dave@corp.example.com")
	acct.ProviderOverride = "yandex"

	rc, err := r.Resolve(acct)
	require.NoError(t, err)

	assert.Equal(t, "yandex", rc.ProviderTag)
	assert.Equal(t, "imap.yandex.com", rc.Host)
	assert.True(t, rc.Restrictive)
}

func TestResolveAccountEndpointOverrides(t *testing.T) {
	r := NewResolver(nil)

	acct := testAccount("erin@gmail.com")
	acct.IMAPHost = "mail.internal.example"
	acct.IMAPPort = 1143
	acct.IMAPTLS = false
	acct.IMAPUsername = "erin.internal"

	rc, err := r.Resolve(acct)
	require.NoError(t, err)

	assert.Equal(t, "mail.internal.example", rc.Host)
	assert.Equal(t, 1143, rc.Port)
	assert.False(t, rc.TLS, "custom host should carry the account's TLS setting")
	assert.Equal(t, "erin.internal", rc.Username)
	// Folder naming still comes from the provider entry.
	assert.Equal(t, []string{"[Gmail]/Sent Mail", "Sent Mail", "Sent"}, rc.Variants(consts.FolderSent))
}

func TestResolveTuningOverrideFromConfig(t *testing.T) {
	r := NewResolver(map[string]config.ProviderTuningConfig{
		"gmail": {
			BatchSize:  50,
			BatchDelay: "250ms",
		},
	})

	rc, err := r.Resolve(testAccount("frank@gmail.com"))
	require.NoError(t, err)

	assert.Equal(t, 50, rc.Tuning.BatchSize)
	assert.Equal(t, 250*time.Millisecond, rc.Tuning.BatchDelay)
	// Untouched fields keep their built-in values.
	assert.Equal(t, 15*time.Second, rc.Tuning.BatchTimeout)
}

func TestResolveConfigurationErrors(t *testing.T) {
	r := NewResolver(nil)

	tests := []struct {
		name  string
		acct  *db.Account
		field string
	}{
		{
			name: "malformed email",
			acct: func() *db.Account {
				a := testAccount("not-an-address")
				return a
			}(),
		},
		{
			name: "empty password",
			acct: func() *db.Account {
				a := testAccount("grace@gmail.com")
				a.IMAPPassword = ""
				return a
			}(),
		},
		{
			name: "nil account",
			acct: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Resolve(tc.acct)
			require.Error(t, err)
			assert.True(t, errors.Is(err, consts.ErrConfiguration))
		})
	}
}
