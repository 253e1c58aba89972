package imapsession

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/mailcrm/flagsync/consts"
	"github.com/mailcrm/flagsync/logger"
	"github.com/mailcrm/flagsync/pkg/metrics"
)

// ParsedHeader is the canonical form of the threading headers of one
// message, extracted from a raw header literal. Message-IDs are stored
// without angle brackets.
type ParsedHeader struct {
	MessageID  string
	InReplyTo  []string
	References []string
}

// ParseHeader extracts threading headers from a raw RFC 5322 header
// literal. Unknown charsets are tolerated; header fields decode fine
// without the body's encoding.
func ParseHeader(raw []byte) (*ParsedHeader, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if message.IsUnknownCharset(err) {
		logger.Debug("Unknown charset in message header", "error", err)
	} else if err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}

	mailHeader := mail.Header{Header: entity.Header}
	messageID, _ := mailHeader.MessageID()
	inReplyTo, _ := mailHeader.MsgIDList("In-Reply-To")
	references, _ := mailHeader.MsgIDList("References")

	if len(inReplyTo) == 0 {
		inReplyTo = nil
	}
	if len(references) == 0 {
		references = nil
	}

	return &ParsedHeader{
		MessageID:  messageID,
		InReplyTo:  inReplyTo,
		References: references,
	}, nil
}

// NormalizeMessageID strips angle brackets and surrounding whitespace so
// locally stored Message-IDs compare equal to parsed ones.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

// ResolveUID finds the UID of the message carrying the given Message-ID in
// the selected folder. The search hit is confirmed by fetching its header
// and comparing the parsed Message-ID, since some servers match header
// searches on substrings. Returns found=false when the message is not in
// the folder or the search is ambiguous.
func (s *Session) ResolveUID(ctx context.Context, messageID string) (uint32, bool, error) {
	want := NormalizeMessageID(messageID)
	if want == "" {
		return 0, false, nil
	}

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "Message-ID", Value: messageID},
		},
	}

	data, err := s.waitSearch(ctx, criteria)
	if err != nil {
		return 0, false, err
	}

	uids := data.AllUIDs()
	if len(uids) == 0 {
		return 0, false, nil
	}
	if len(uids) > 1 {
		logger.Debug("Ambiguous Message-ID search", "message_id", want, "hits", len(uids))
	}

	for _, uid := range uids {
		header, err := s.FetchHeader(ctx, uint32(uid))
		if err != nil {
			return 0, false, err
		}
		if header != nil && NormalizeMessageID(header.MessageID) == want {
			return uint32(uid), true, nil
		}
	}
	return 0, false, nil
}

// FetchHeader fetches and parses the header of one message. Returns nil
// without error when the server has no such UID.
func (s *Session) FetchHeader(ctx context.Context, uid uint32) (*ParsedHeader, error) {
	section := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader, Peek: true}
	options := &imap.FetchOptions{UID: true, BodySection: []*imap.FetchItemBodySection{section}}

	type fetchResult struct {
		msgs []*imapclient.FetchMessageBuffer
		err  error
	}
	done := make(chan fetchResult, 1)
	go func() {
		msgs, err := s.fetch(imap.UIDSetNum(imap.UID(uid)), options)
		done <- fetchResult{msgs, err}
	}()

	timer := time.NewTimer(s.cfg.Tuning.FallbackTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("fetching header for uid %d: %w", uid, ClassifyError(res.err))
		}
		for _, msg := range res.msgs {
			for _, sec := range msg.BodySection {
				if sec.Section != nil && sec.Section.Specifier != imap.PartSpecifierHeader {
					continue
				}
				return ParseHeader(sec.Bytes)
			}
		}
		return nil, nil
	case <-timer.C:
		metrics.UIDSearchTimeouts.WithLabelValues(s.cfg.ProviderTag).Inc()
		return nil, fmt.Errorf("fetching header for uid %d: %w", uid, consts.ErrSearchTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) waitSearch(ctx context.Context, criteria *imap.SearchCriteria) (*imap.SearchData, error) {
	type searchResult struct {
		data *imap.SearchData
		err  error
	}
	done := make(chan searchResult, 1)
	go func() {
		data, err := s.search(criteria)
		done <- searchResult{data, err}
	}()

	timer := time.NewTimer(s.cfg.Tuning.BatchTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("uid search: %w", ClassifyError(res.err))
		}
		return res.data, nil
	case <-timer.C:
		metrics.UIDSearchTimeouts.WithLabelValues(s.cfg.ProviderTag).Inc()
		return nil, fmt.Errorf("uid search: %w", consts.ErrSearchTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
