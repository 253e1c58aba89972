package provider

import (
	"fmt"
	"strings"

	"github.com/mailcrm/flagsync/config"
	"github.com/mailcrm/flagsync/consts"
	"github.com/mailcrm/flagsync/db"
	"github.com/mailcrm/flagsync/logger"
)

// ResolvedConfig is everything the session adapter needs to talk to one
// account's IMAP server.
type ResolvedConfig struct {
	AccountID      int64
	Email          string
	ProviderTag    string
	Host           string
	Port           int
	TLS            bool
	Username       string
	Password       string
	Restrictive    bool
	FolderVariants map[string][]string
	Tuning         Tuning
}

// Variants returns the folder names tried for a canonical role, in order.
func (rc *ResolvedConfig) Variants(role string) []string {
	return rc.FolderVariants[role]
}

// Resolver turns account records into connection settings, merging three
// layers: built-in provider knowledge, per-provider tuning from the config
// file, and per-account overrides stored on the account row.
type Resolver struct {
	tuningOverrides map[string]config.ProviderTuningConfig
}

func NewResolver(tuningOverrides map[string]config.ProviderTuningConfig) *Resolver {
	return &Resolver{tuningOverrides: tuningOverrides}
}

// Resolve builds the connection settings for one account. Returns
// consts.ErrConfiguration when the account cannot yield a usable
// configuration; such errors are permanent and must not be retried.
func (r *Resolver) Resolve(account *db.Account) (*ResolvedConfig, error) {
	if account == nil {
		return nil, fmt.Errorf("%w: nil account", consts.ErrConfiguration)
	}

	at := strings.LastIndex(account.Email, "@")
	if at <= 0 || at == len(account.Email)-1 {
		return nil, fmt.Errorf("%w: account %d has malformed email %q", consts.ErrConfiguration, account.ID, account.Email)
	}
	domain := strings.ToLower(account.Email[at+1:])

	providerKey := domain
	if account.ProviderOverride != "" {
		providerKey = strings.ToLower(account.ProviderOverride)
	}

	rc := &ResolvedConfig{
		AccountID: account.ID,
		Email:     account.Email,
	}

	if p, ok := lookupProvider(providerKey); ok {
		rc.ProviderTag = p.Tag
		rc.Host = p.Host
		rc.Port = p.Port
		rc.TLS = p.TLS
		rc.Restrictive = p.Restrictive
		rc.FolderVariants = p.FolderVariants
		rc.Tuning = p.Tuning
	} else {
		// Unknown provider: assume the imap.<domain> convention.
		rc.ProviderTag = domain
		rc.Host = "imap." + domain
		rc.Port = 993
		rc.TLS = true
		rc.FolderVariants = genericFolderVariants()
		rc.Tuning = DefaultTuning()
		logger.Debug("Unknown provider, using default IMAP settings", "domain", domain, "account_id", account.ID)
	}

	// Per-account overrides from the account row win over provider
	// defaults. A custom host fully specifies its endpoint, including TLS.
	if account.IMAPHost != "" {
		rc.Host = account.IMAPHost
		rc.TLS = account.IMAPTLS
	}
	if account.IMAPPort > 0 {
		rc.Port = account.IMAPPort
	}

	rc.Username = account.IMAPUsername
	if rc.Username == "" {
		rc.Username = account.Email
	}
	rc.Password = account.IMAPPassword

	// Per-provider tuning from the config file wins over built-ins.
	if r != nil && r.tuningOverrides != nil {
		if override, ok := r.tuningOverrides[rc.ProviderTag]; ok {
			applyTuningOverride(&rc.Tuning, &override)
		}
	}

	if err := rc.validate(); err != nil {
		return nil, err
	}
	return rc, nil
}

func lookupProvider(key string) (Provider, bool) {
	if p, ok := knownProviders[key]; ok {
		return p, true
	}
	// Allow overrides by tag as well as by domain ("yandex" vs "yandex.ru").
	for _, p := range knownProviders {
		if p.Tag == key {
			return p, true
		}
	}
	return Provider{}, false
}

func applyTuningOverride(t *Tuning, o *config.ProviderTuningConfig) {
	if o.BatchSize > 0 {
		t.BatchSize = o.BatchSize
	}
	if d, err := o.GetBatchTimeout(); err == nil && o.BatchTimeout != "" {
		t.BatchTimeout = d
	}
	if d, err := o.GetFallbackTimeout(); err == nil && o.FallbackTimeout != "" {
		t.FallbackTimeout = d
	}
	if d, err := o.GetBatchDelay(); err == nil && o.BatchDelay != "" {
		t.BatchDelay = d
	}
}

// validate ensures the resolved configuration is complete enough to open a
// session. Every mandatory folder role must have at least one variant.
func (rc *ResolvedConfig) validate() error {
	if rc.Host == "" {
		return fmt.Errorf("%w: account %d resolved to empty host", consts.ErrConfiguration, rc.AccountID)
	}
	if rc.Port <= 0 {
		return fmt.Errorf("%w: account %d resolved to invalid port %d", consts.ErrConfiguration, rc.AccountID, rc.Port)
	}
	if rc.Password == "" {
		return fmt.Errorf("%w: account %d has no IMAP password", consts.ErrConfiguration, rc.AccountID)
	}
	for _, role := range consts.MandatoryFolders {
		if len(rc.FolderVariants[role]) == 0 {
			return fmt.Errorf("%w: account %d has no folder variants for role %q", consts.ErrConfiguration, rc.AccountID, role)
		}
	}
	return nil
}
