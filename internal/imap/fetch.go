package imap

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailbar/internal/mailparse"
	"github.com/brandon/mailbar/pkg/types"
)

// UIDSet renders UIDs as a compressed sequence set such as "1:5,9"
func UIDSet(uids []uint32) string {
	if len(uids) == 0 {
		return ""
	}
	sorted := append([]uint32(nil), uids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var b strings.Builder
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(start), 10))
		if prev != start {
			b.WriteByte(':')
			b.WriteString(strconv.FormatUint(uint64(prev), 10))
		}
	}
	for _, uid := range sorted[1:] {
		switch {
		case uid == prev:
			continue
		case uid == prev+1:
			prev = uid
		default:
			flush()
			start, prev = uid, uid
		}
	}
	flush()
	return b.String()
}

// Batches splits UIDs into consecutive slices of at most size elements
func Batches(uids []uint32, size int) [][]uint32 {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]uint32
	for len(uids) > 0 {
		n := size
		if len(uids) < n {
			n = len(uids)
		}
		out = append(out, uids[:n:n])
		uids = uids[n:]
	}
	return out
}

// FetchHeaders fetches header summaries in batches. Messages fetched before
// a failing batch are returned with the error.
func (c *Client) FetchHeaders(ctx context.Context, uids []uint32) ([]types.Message, error) {
	var out []types.Message
	for _, batch := range Batches(uids, c.opts.BatchSize) {
		msgs, err := c.FetchHeaderBatch(ctx, batch)
		out = append(out, msgs...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// FetchHeaderBatch issues one UID FETCH for header fields, flags and
// INTERNALDATE. Responses without a UID or a header block are skipped.
func (c *Client) FetchHeaderBatch(ctx context.Context, uids []uint32) ([]types.Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireSelected(); err != nil {
		return nil, err
	}

	cmd := fmt.Sprintf("UID FETCH %s (UID FLAGS INTERNALDATE BODY.PEEK[HEADER.FIELDS (%s)])",
		UIDSet(uids), strings.Join(c.opts.HeaderFields, " "))
	resp, err := c.conn.Command(ctx, cmd)
	if err != nil {
		return nil, c.ioError("fetch headers", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, statusError("FETCH", resp))
	}

	msgs := make([]types.Message, 0, len(uids))
	for _, u := range resp.Untagged {
		fd, err := parseFetch(u)
		if err != nil {
			c.logger.WithError(err).Debug("Skipping unparseable FETCH response")
			continue
		}
		if fd == nil {
			continue
		}
		if fd.UID == 0 || !fd.HasHeader {
			c.logger.WithFields(logrus.Fields{
				"seq": fd.Seq,
				"uid": fd.UID,
			}).Debug("Skipping FETCH response without UID or header")
			continue
		}
		msgs = append(msgs, messageFromFetch(fd))
	}

	types.SortNewestFirst(msgs)
	return msgs, nil
}

func messageFromFetch(fd *fetchData) types.Message {
	h := mailparse.ParseHeaderBlock(fd.Header)
	_, boundary, _ := mailparse.ContentType(h.Get("Content-Type"))
	fromName, fromEmail := mailparse.ParseAddress(h.Get("From"))

	msg := types.Message{
		UID:         fd.UID,
		Subject:     mailparse.DecodeHeader(h.Get("Subject")),
		From:        mailparse.DecodeHeader(h.Get("From")),
		To:          mailparse.DecodeHeader(h.Get("To")),
		Cc:          mailparse.DecodeHeader(h.Get("Cc")),
		FromName:    fromName,
		FromEmail:   fromEmail,
		ReceivedAt:  fd.InternalDate,
		Date:        h.Get("Date"),
		MessageID:   strings.TrimSpace(h.Get("Message-ID")),
		References:  strings.TrimSpace(h.Get("References")),
		ContentType: h.Get("Content-Type"),
		Boundary:    boundary,
		Flags:       fd.Flags,
	}
	if msg.ReceivedAt.IsZero() {
		if t, err := mail.ParseDate(msg.Date); err == nil {
			msg.ReceivedAt = t
		}
	}
	msg.IsRead = msg.HasFlag(types.SeenFlag)
	return msg
}

// FetchFullMessage returns the complete raw message exactly as delimited
// by its literal length.
func (c *Client) FetchFullMessage(ctx context.Context, uid uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireSelected(); err != nil {
		return nil, err
	}

	resp, err := c.conn.Command(ctx, fmt.Sprintf("UID FETCH %d (UID BODY.PEEK[])", uid))
	if err != nil {
		return nil, c.ioError("fetch message", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, statusError("FETCH", resp))
	}

	for _, u := range resp.Untagged {
		fd, err := parseFetch(u)
		if err != nil || fd == nil || !fd.HasBody {
			continue
		}
		if fd.UID != 0 && fd.UID != uid {
			continue
		}
		return fd.Body, nil
	}
	return nil, fmt.Errorf("%w: uid %d", ErrNoMessages, uid)
}
