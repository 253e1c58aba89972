package imapsession

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailcrm/flagsync/consts"
	"github.com/mailcrm/flagsync/provider"
)

func stubSession(tuning provider.Tuning) *Session {
	return &Session{cfg: &provider.ResolvedConfig{
		AccountID:   42,
		ProviderTag: "test",
		Tuning:      tuning,
	}}
}

func uidsIn(set imap.UIDSet) []uint32 {
	var out []uint32
	for _, r := range set {
		for uid := r.Start; uid <= r.Stop; uid++ {
			out = append(out, uint32(uid))
		}
	}
	return out
}

func flagMessages(flags map[uint32][]imap.Flag, uids []uint32) []*imapclient.FetchMessageBuffer {
	var msgs []*imapclient.FetchMessageBuffer
	for _, uid := range uids {
		if f, ok := flags[uid]; ok {
			msgs = append(msgs, &imapclient.FetchMessageBuffer{UID: imap.UID(uid), Flags: f})
		}
	}
	return msgs
}

func TestFetchFlagsBatchSuccess(t *testing.T) {
	remote := map[uint32][]imap.Flag{
		101: {imap.FlagSeen},
		103: {},
	}
	s := stubSession(provider.DefaultTuning())
	calls := 0
	s.fetch = func(set imap.UIDSet, _ *imap.FetchOptions) ([]*imapclient.FetchMessageBuffer, error) {
		calls++
		return flagMessages(remote, uidsIn(set)), nil
	}

	out, err := s.FetchFlags(context.Background(), []uint32{101, 103, 105})
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "one batch for a small UID set")
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, out[101])
	assert.Contains(t, out, uint32(103))
	assert.NotContains(t, out, uint32(105), "unknown UID absent, not an error")
}

func TestFetchFlagsFallbackResolvesEveryUID(t *testing.T) {
	// A provider that rejects any multi-UID batch but answers single-UID
	// fetches must still yield a complete result through the fallback.
	uids := []uint32{101, 103, 105, 107, 109, 111, 113, 115, 117, 119}
	remote := make(map[uint32][]imap.Flag, len(uids))
	for i, uid := range uids {
		if i%2 == 0 {
			remote[uid] = []imap.Flag{imap.FlagSeen}
		} else {
			remote[uid] = []imap.Flag{}
		}
	}

	tuning := provider.RestrictiveTuning()
	tuning.BatchDelay = 0
	s := stubSession(tuning)
	var batchCalls, singleCalls int
	s.fetch = func(set imap.UIDSet, _ *imap.FetchOptions) ([]*imapclient.FetchMessageBuffer, error) {
		got := uidsIn(set)
		if len(got) > 1 {
			batchCalls++
			return nil, errors.New("NO [SERVERBUG] temporary error")
		}
		singleCalls++
		return flagMessages(remote, got), nil
	}

	out, err := s.FetchFlags(context.Background(), uids)
	require.NoError(t, err)

	assert.Len(t, out, len(uids), "every UID resolved via single-UID fallback")
	for uid, flags := range remote {
		assert.Equal(t, flags, out[uid])
	}
	assert.Equal(t, 1, batchCalls)
	assert.Equal(t, len(uids), singleCalls)
}

func TestFetchFlagsPartialOnFallbackFailure(t *testing.T) {
	tuning := provider.RestrictiveTuning()
	tuning.BatchDelay = 0
	s := stubSession(tuning)
	s.fetch = func(set imap.UIDSet, _ *imap.FetchOptions) ([]*imapclient.FetchMessageBuffer, error) {
		got := uidsIn(set)
		if len(got) > 1 {
			return nil, errors.New("batch rejected")
		}
		if got[0] == 103 {
			return nil, errors.New("single fetch failed")
		}
		return flagMessages(map[uint32][]imap.Flag{101: {imap.FlagSeen}, 105: {}}, got), nil
	}

	out, err := s.FetchFlags(context.Background(), []uint32{101, 103, 105})
	require.NoError(t, err, "a lost UID never fails the whole fetch")

	assert.Contains(t, out, uint32(101))
	assert.Contains(t, out, uint32(105))
	assert.NotContains(t, out, uint32(103))
}

func TestFetchFlagsBatchTimeoutFallsBack(t *testing.T) {
	tuning := provider.RestrictiveTuning()
	tuning.BatchDelay = 0
	tuning.BatchTimeout = 20 * time.Millisecond
	tuning.FallbackTimeout = time.Second
	s := stubSession(tuning)
	s.fetch = func(set imap.UIDSet, _ *imap.FetchOptions) ([]*imapclient.FetchMessageBuffer, error) {
		got := uidsIn(set)
		if len(got) > 1 {
			// Stall past the batch timeout; the fallback path takes over.
			time.Sleep(100 * time.Millisecond)
			return nil, nil
		}
		return flagMessages(map[uint32][]imap.Flag{101: {imap.FlagSeen}, 103: {}}, got), nil
	}

	out, err := s.FetchFlags(context.Background(), []uint32{101, 103})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestFetchFlagsContextCancelled(t *testing.T) {
	s := stubSession(provider.DefaultTuning())
	s.fetch = func(imap.UIDSet, *imap.FetchOptions) ([]*imapclient.FetchMessageBuffer, error) {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.FetchFlags(ctx, []uint32{101})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFetchHeaderReturnsSectionBytes(t *testing.T) {
	raw := []byte("Message-ID: <abc@example.com>\r\nSubject: hi\r\n\r\n")
	s := stubSession(provider.DefaultTuning())
	s.fetch = func(set imap.UIDSet, options *imap.FetchOptions) ([]*imapclient.FetchMessageBuffer, error) {
		require.Len(t, options.BodySection, 1)
		return []*imapclient.FetchMessageBuffer{{
			UID: 301,
			BodySection: []imapclient.FetchBodySectionBuffer{
				{Section: options.BodySection[0], Bytes: raw},
			},
		}}, nil
	}

	header, err := s.FetchHeader(context.Background(), 301)
	require.NoError(t, err)
	require.NotNil(t, header)
	assert.Equal(t, "abc@example.com", header.MessageID)
}

func TestFetchHeaderMissingUID(t *testing.T) {
	s := stubSession(provider.DefaultTuning())
	s.fetch = func(imap.UIDSet, *imap.FetchOptions) ([]*imapclient.FetchMessageBuffer, error) {
		return nil, nil
	}

	header, err := s.FetchHeader(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, header)
}

func TestResolveUIDConfirmsByHeader(t *testing.T) {
	// The search matches two candidates; only the one whose parsed
	// Message-ID equals the stored value is accepted.
	s := stubSession(provider.DefaultTuning())
	s.search = func(criteria *imap.SearchCriteria) (*imap.SearchData, error) {
		require.Len(t, criteria.Header, 1)
		assert.Equal(t, "Message-ID", criteria.Header[0].Key)
		return &imap.SearchData{All: imap.UIDSetNum(301, 305)}, nil
	}
	headers := map[uint32]string{
		301: "Message-ID: <abc@example.com.evil>\r\n\r\n",
		305: "Message-ID: <abc@example.com>\r\n\r\n",
	}
	s.fetch = func(set imap.UIDSet, options *imap.FetchOptions) ([]*imapclient.FetchMessageBuffer, error) {
		got := uidsIn(set)
		require.Len(t, got, 1)
		return []*imapclient.FetchMessageBuffer{{
			UID: imap.UID(got[0]),
			BodySection: []imapclient.FetchBodySectionBuffer{
				{Section: options.BodySection[0], Bytes: []byte(headers[got[0]])},
			},
		}}, nil
	}

	uid, found, err := s.ResolveUID(context.Background(), "<abc@example.com>")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint32(305), uid)
}

func TestResolveUIDNotFound(t *testing.T) {
	s := stubSession(provider.DefaultTuning())
	s.search = func(*imap.SearchCriteria) (*imap.SearchData, error) {
		return &imap.SearchData{All: imap.UIDSet{}}, nil
	}

	uid, found, err := s.ResolveUID(context.Background(), "<missing@example.com>")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, uid)
}

func TestResolveUIDEmptyMessageID(t *testing.T) {
	s := stubSession(provider.DefaultTuning())
	s.search = func(*imap.SearchCriteria) (*imap.SearchData, error) {
		t.Fatal("no search for an empty Message-ID")
		return nil, nil
	}

	_, found, err := s.ResolveUID(context.Background(), "<>")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFetchBatchClassifiesError(t *testing.T) {
	s := stubSession(provider.DefaultTuning())
	s.fetch = func(imap.UIDSet, *imap.FetchOptions) ([]*imapclient.FetchMessageBuffer, error) {
		return nil, errors.New("NO fetch rejected")
	}

	_, err := s.fetchBatch(context.Background(), []uint32{101}, time.Second)
	require.ErrorIs(t, err, consts.ErrBatchFetch)
}
