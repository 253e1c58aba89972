package worker

import (
	"context"
	"time"

	"github.com/mailcrm/flagsync/engine"
	"github.com/mailcrm/flagsync/imapsession"
	"github.com/mailcrm/flagsync/provider"
)

// IMAPSessionFactory opens real IMAP sessions. The zero value uses a 30s
// connect timeout.
type IMAPSessionFactory struct {
	ConnectTimeout time.Duration
}

func (f *IMAPSessionFactory) Open(ctx context.Context, cfg *provider.ResolvedConfig) (engine.FlagSession, func(), error) {
	timeout := f.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sess, err := imapsession.Open(ctx, cfg, timeout)
	if err != nil {
		return nil, nil, err
	}
	return sess, sess.Close, nil
}
