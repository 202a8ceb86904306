package smtp

import (
	"bytes"
	"context"
	"fmt"
	"mime/quotedprintable"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brandon/mailbar/internal/mailparse"
)

// Mode selects how an outgoing message relates to an existing one
type Mode int

const (
	ModeNew Mode = iota
	ModeReply
	ModeReplyAll
	ModeForward
)

func (m Mode) String() string {
	switch m {
	case ModeReply:
		return "reply"
	case ModeReplyAll:
		return "reply_all"
	case ModeForward:
		return "forward"
	}
	return "new"
}

// ParseMode maps "reply", "reply_all" and "forward" to a Mode
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "reply":
		return ModeReply
	case "reply_all", "replyall":
		return ModeReplyAll
	case "forward", "fwd":
		return ModeForward
	}
	return ModeNew
}

// OutgoingMessage is a message to be sent. Recipient fields are comma
// separated lists of "Name <addr>" or bare addresses.
type OutgoingMessage struct {
	FromName   string
	From       string
	To         string
	Cc         string
	Bcc        string
	Subject    string
	Body       string
	HTML       bool
	Mode       Mode
	InReplyTo  string
	References string
}

// Recipients returns the envelope addresses: To, then Cc, then Bcc
func (m OutgoingMessage) Recipients() []string {
	var out []string
	for _, list := range []string{m.To, m.Cc, m.Bcc} {
		for _, entry := range mailparse.SplitAddresses(list) {
			if _, addr := mailparse.ParseAddress(entry); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

func formatList(list string) string {
	var out []string
	for _, entry := range mailparse.SplitAddresses(list) {
		name, addr := mailparse.ParseAddress(entry)
		if addr == "" {
			continue
		}
		out = append(out, mailparse.FormatAddress(name, addr))
	}
	return strings.Join(out, ", ")
}

// subject applies the Re:/Fwd: prefix for the mode, never twice
func (m OutgoingMessage) subject() string {
	s := strings.TrimSpace(m.Subject)
	var prefix string
	switch m.Mode {
	case ModeReply, ModeReplyAll:
		prefix = "Re: "
	case ModeForward:
		prefix = "Fwd: "
	default:
		return s
	}
	if strings.HasPrefix(strings.ToLower(s), strings.ToLower(prefix)) {
		return s
	}
	return prefix + s
}

// BuildMessage renders m as an RFC 5322 message with a quoted-printable
// UTF-8 body. It returns the message and its Message-ID.
func BuildMessage(m OutgoingMessage, now time.Time) ([]byte, string, error) {
	if m.From == "" {
		return nil, "", fmt.Errorf("%w: missing sender", ErrSendFailed)
	}
	to := formatList(m.To)
	cc := formatList(m.Cc)
	if to == "" && cc == "" && strings.TrimSpace(m.Bcc) == "" {
		return nil, "", fmt.Errorf("%w: no recipients", ErrSendFailed)
	}

	domain := "localhost"
	if at := strings.LastIndexByte(m.From, '@'); at >= 0 && at < len(m.From)-1 {
		domain = m.From[at+1:]
	}
	messageID := "<" + uuid.NewString() + "@" + domain + ">"

	var b bytes.Buffer
	header := func(name, value string) {
		if value != "" {
			b.WriteString(name + ": " + value + "\r\n")
		}
	}
	header("Date", now.Format(time.RFC1123Z))
	header("From", mailparse.FormatAddress(m.FromName, m.From))
	header("To", to)
	header("Cc", cc)
	header("Subject", mailparse.EncodeWord(m.subject()))
	header("Message-ID", messageID)

	if m.Mode == ModeReply || m.Mode == ModeReplyAll {
		if inReplyTo := strings.TrimSpace(m.InReplyTo); inReplyTo != "" {
			header("In-Reply-To", inReplyTo)
			header("References", strings.TrimSpace(strings.TrimSpace(m.References)+" "+inReplyTo))
		}
	}

	contentType := "text/plain"
	if m.HTML {
		contentType = "text/html"
	}
	header("MIME-Version", "1.0")
	header("Content-Type", contentType+"; charset=UTF-8")
	header("Content-Transfer-Encoding", "quoted-printable")
	b.WriteString("\r\n")

	body := strings.ReplaceAll(m.Body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")
	qp := quotedprintable.NewWriter(&b)
	if _, err := qp.Write([]byte(body)); err != nil {
		return nil, "", fmt.Errorf("failed to encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to encode body: %w", err)
	}
	b.WriteString("\r\n")
	return b.Bytes(), messageID, nil
}

// SendMail builds m and delivers it over a new authenticated session,
// returning the Message-ID.
func SendMail(ctx context.Context, opts Options, creds Credentials, m OutgoingMessage) (string, error) {
	data, messageID, err := BuildMessage(m, time.Now())
	if err != nil {
		return "", err
	}
	rcpts := m.Recipients()

	c, err := Dial(ctx, opts)
	if err != nil {
		return "", err
	}
	defer c.Close()

	if err := c.Auth(ctx, creds); err != nil {
		return "", err
	}
	if err := c.Send(ctx, m.From, rcpts, data); err != nil {
		return "", err
	}
	if err := c.Quit(ctx); err != nil {
		c.logger.WithError(err).Debug("QUIT failed after successful send")
	}
	return messageID, nil
}
