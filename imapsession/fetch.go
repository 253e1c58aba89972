package imapsession

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/mailcrm/flagsync/consts"
	"github.com/mailcrm/flagsync/logger"
	"github.com/mailcrm/flagsync/pkg/metrics"
)

// FetchFlags resolves the flag set for the given UIDs in the selected
// folder. Large UID sets are split per the provider tuning; a batch that
// fails or times out is retried UID by UID with a shorter timeout, and
// UIDs that still cannot be resolved are simply absent from the result.
// The returned map may therefore be partial; it is only an error when the
// context is cancelled.
func (s *Session) FetchFlags(ctx context.Context, uids []uint32) (map[uint32][]imap.Flag, error) {
	out := make(map[uint32][]imap.Flag, len(uids))
	if len(uids) == 0 {
		return out, nil
	}

	tuning := s.cfg.Tuning
	batches := splitBatches(uids, tuning.BatchSize)

	for i, batch := range batches {
		if i > 0 && tuning.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(tuning.BatchDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		flags, err := s.fetchBatch(ctx, batch, tuning.BatchTimeout)
		if err == nil {
			for uid, f := range flags {
				out[uid] = f
			}
			continue
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		// The whole batch is retried one UID at a time; a single bad UID
		// must not lose the rest of the batch.
		metrics.BatchFetchFallbacks.WithLabelValues(s.cfg.ProviderTag).Inc()
		logger.Warn("Batch flag fetch failed, falling back to single UIDs",
			"account_id", s.cfg.AccountID, "folder", s.selectedFolder,
			"batch_size", len(batch), "error", err)

		for _, uid := range batch {
			single, serr := s.fetchBatch(ctx, []uint32{uid}, tuning.FallbackTimeout)
			if serr != nil {
				if ctx.Err() != nil {
					return out, ctx.Err()
				}
				logger.Debug("Single UID flag fetch failed", "account_id", s.cfg.AccountID, "uid", uid, "error", serr)
				continue
			}
			for u, f := range single {
				out[u] = f
			}
		}
	}

	return out, nil
}

// fetchBatch runs one bounded UID FETCH (FLAGS). The command has no
// context support, so the wait happens in a goroutine and a timer decides
// when to give up; an abandoned command drains in the background.
func (s *Session) fetchBatch(ctx context.Context, uids []uint32, timeout time.Duration) (map[uint32][]imap.Flag, error) {
	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}

	start := time.Now()

	type fetchResult struct {
		msgs []*imapclient.FetchMessageBuffer
		err  error
	}
	done := make(chan fetchResult, 1)
	go func() {
		msgs, err := s.fetch(set, &imap.FetchOptions{UID: true, Flags: true})
		done <- fetchResult{msgs: msgs, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		metrics.UIDSearchDuration.WithLabelValues(s.cfg.ProviderTag).Observe(time.Since(start).Seconds())
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", consts.ErrBatchFetch, res.err)
		}
		out := make(map[uint32][]imap.Flag, len(res.msgs))
		for _, msg := range res.msgs {
			if msg.UID == 0 {
				continue
			}
			out[uint32(msg.UID)] = msg.Flags
		}
		return out, nil
	case <-timer.C:
		metrics.UIDSearchTimeouts.WithLabelValues(s.cfg.ProviderTag).Inc()
		return nil, fmt.Errorf("%w: %d uids after %s", consts.ErrSearchTimeout, len(uids), timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HasSeen reports whether a fetched flag set contains \Seen.
func HasSeen(flags []imap.Flag) bool {
	for _, f := range flags {
		if f == imap.FlagSeen {
			return true
		}
	}
	return false
}

func splitBatches(uids []uint32, size int) [][]uint32 {
	if size <= 0 {
		size = 200
	}
	var batches [][]uint32
	for start := 0; start < len(uids); start += size {
		end := start + size
		if end > len(uids) {
			end = len(uids)
		}
		batches = append(batches, uids[start:end])
	}
	return batches
}
