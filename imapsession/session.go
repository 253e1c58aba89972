// Package imapsession wraps one authenticated IMAP connection and bounds
// every remote operation with a timeout. Restrictive providers reject bulk
// UID fetches, so flag fetching batches the UID set per the provider's
// tuning and falls back to single-UID fetches when a batch fails.
package imapsession

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/mailcrm/flagsync/consts"
	"github.com/mailcrm/flagsync/logger"
	"github.com/mailcrm/flagsync/pkg/metrics"
	"github.com/mailcrm/flagsync/provider"
)

// Session is a live, authenticated IMAP connection for one account. It is
// not safe for concurrent use; the governor guarantees one session per
// account and callers drive it from a single goroutine.
type Session struct {
	cfg            *provider.ResolvedConfig
	client         *imapclient.Client
	selectedFolder string
	closed         bool

	// Issued commands go through these so tests can substitute a stub
	// server; the defaults drive the real client.
	fetch  func(set imap.UIDSet, options *imap.FetchOptions) ([]*imapclient.FetchMessageBuffer, error)
	search func(criteria *imap.SearchCriteria) (*imap.SearchData, error)
}

// Open dials and authenticates a session. Errors are classified: bad
// credentials surface as consts.ErrAuthentication, provider connection
// caps as consts.ErrConnectionLimit. Callers must Close the session on
// every exit path.
func Open(ctx context.Context, cfg *provider.ResolvedConfig, connectTimeout time.Duration) (*Session, error) {
	return open(ctx, cfg, connectTimeout, nil)
}

// OpenForEvents opens a session that reports server-initiated mailbox
// changes, for IDLE listeners. The callback runs on the connection's read
// goroutine and must only signal, never do work.
func OpenForEvents(ctx context.Context, cfg *provider.ResolvedConfig, connectTimeout time.Duration, onEvent func(kind string)) (*Session, error) {
	handler := &imapclient.UnilateralDataHandler{
		Mailbox: func(*imapclient.UnilateralDataMailbox) { onEvent("mailbox") },
		Expunge: func(uint32) { onEvent("expunge") },
		Fetch: func(msg *imapclient.FetchMessageData) {
			// Drain the items so the connection reader never stalls.
			for msg.Next() != nil {
			}
			onEvent("fetch")
		},
	}
	return open(ctx, cfg, connectTimeout, handler)
}

func open(ctx context.Context, cfg *provider.ResolvedConfig, connectTimeout time.Duration, handler *imapclient.UnilateralDataHandler) (*Session, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	logger.Debug("Opening IMAP session", "account_id", cfg.AccountID, "address", addr, "tls", cfg.TLS)

	dialer := &net.Dialer{Timeout: connectTimeout}
	var conn net.Conn
	var err error
	if cfg.TLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: cfg.Host})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		metrics.SessionOpenFailures.WithLabelValues(cfg.ProviderTag, "dial").Inc()
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	client := imapclient.New(conn, &imapclient.Options{UnilateralDataHandler: handler})

	if err := authenticate(client, cfg); err != nil {
		client.Close()
		classified := ClassifyError(err)
		metrics.SessionOpenFailures.WithLabelValues(cfg.ProviderTag, failureReason(classified)).Inc()
		return nil, fmt.Errorf("logging in %s: %w", cfg.Email, classified)
	}

	metrics.SessionsOpenedTotal.WithLabelValues(cfg.ProviderTag).Inc()
	metrics.SessionsCurrent.Inc()

	s := &Session{cfg: cfg, client: client}
	s.fetch = func(set imap.UIDSet, options *imap.FetchOptions) ([]*imapclient.FetchMessageBuffer, error) {
		return s.client.Fetch(set, options).Collect()
	}
	s.search = func(criteria *imap.SearchCriteria) (*imap.SearchData, error) {
		return s.client.UIDSearch(criteria, nil).Wait()
	}
	return s, nil
}

// authenticate prefers LOGIN but falls back to AUTH=PLAIN when the server
// advertises LOGINDISABLED, as some providers do on their TLS endpoints.
func authenticate(client *imapclient.Client, cfg *provider.ResolvedConfig) error {
	caps := client.Caps()
	if caps.Has(imap.CapLoginDisabled) && caps.Has(imap.AuthCap(sasl.Plain)) {
		return client.Authenticate(sasl.NewPlainClient("", cfg.Username, cfg.Password))
	}
	return client.Login(cfg.Username, cfg.Password).Wait()
}

// SelectFolder selects the mailbox for a canonical folder role, trying the
// provider's name variants in order. Returns the name that worked.
func (s *Session) SelectFolder(role string) (string, error) {
	variants := s.cfg.Variants(role)
	if len(variants) == 0 {
		return "", fmt.Errorf("%w: no variants for role %q", consts.ErrFolderNotFound, role)
	}

	var lastErr error
	for _, name := range variants {
		if _, err := s.client.Select(name, nil).Wait(); err != nil {
			lastErr = err
			logger.Debug("Folder variant not selectable", "account_id", s.cfg.AccountID, "folder", name, "error", err)
			continue
		}
		s.selectedFolder = name
		return name, nil
	}
	return "", fmt.Errorf("%w: role %q, tried %v: %v", consts.ErrFolderNotFound, role, variants, lastErr)
}

// SelectedFolder returns the currently selected mailbox name, empty before
// the first SelectFolder.
func (s *Session) SelectedFolder() string {
	return s.selectedFolder
}

// SetReadState adds or removes \Seen on one message in the selected folder.
func (s *Session) SetReadState(uid uint32, read bool) error {
	op := imap.StoreFlagsAdd
	if !read {
		op = imap.StoreFlagsDel
	}
	store := &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}
	if err := s.client.Store(imap.UIDSetNum(imap.UID(uid)), store, nil).Close(); err != nil {
		return fmt.Errorf("storing \\Seen on uid %d: %w", uid, ClassifyError(err))
	}
	return nil
}

// Idle enters IDLE on the selected folder. The returned command's Close
// stops idling; events arrive through the OpenForEvents callback.
func (s *Session) Idle() (*imapclient.IdleCommand, error) {
	return s.client.Idle()
}

// Noop issues a NOOP, useful as a cheap liveness probe.
func (s *Session) Noop() error {
	return s.client.Noop().Wait()
}

// Close logs out and tears down the connection. Safe to call more than
// once; always call it, regardless of how the session was used.
func (s *Session) Close() {
	if s == nil || s.closed {
		return
	}
	s.closed = true
	metrics.SessionsCurrent.Dec()

	// Best-effort LOGOUT with a short bound; a wedged server must not
	// stall teardown.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.client.Logout().Wait()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Debug("LOGOUT timed out, closing connection", "account_id", s.cfg.AccountID)
	}
	_ = s.client.Close()
}

// ClassifyError maps a raw IMAP or network error onto the session error
// taxonomy. Unrecognized errors pass through unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authenticationfailed"),
		strings.Contains(msg, "authentication failed"),
		strings.Contains(msg, "invalid credentials"),
		strings.Contains(msg, "username and password not accepted"),
		strings.Contains(msg, "login failed"):
		return fmt.Errorf("%w: %v", consts.ErrAuthentication, err)
	case strings.Contains(msg, "too many simultaneous connections"),
		strings.Contains(msg, "maximum number of connections"),
		strings.Contains(msg, "connection limit"),
		strings.Contains(msg, "[limit]"):
		return fmt.Errorf("%w: %v", consts.ErrConnectionLimit, err)
	default:
		return err
	}
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, consts.ErrAuthentication):
		return "auth"
	case errors.Is(err, consts.ErrConnectionLimit):
		return "connection_limit"
	default:
		return "other"
	}
}
