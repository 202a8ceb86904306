// Package smtp sends mail over SMTP submission, speaking the protocol
// directly over a transport.Conn.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailbar/internal/logging"
	"github.com/brandon/mailbar/internal/transport"
)

var (
	ErrConnectionFailed     = errors.New("smtp: connection failed")
	ErrAuthenticationFailed = errors.New("smtp: authentication failed")
	ErrSendFailed           = errors.New("smtp: send failed")
	ErrInvalidResponse      = errors.New("smtp: invalid response")

	ErrTimeout      = transport.ErrTimeout
	ErrNotConnected = transport.ErrNotConnected
)

// ReplyError is an unexpected SMTP reply
type ReplyError struct {
	Code    int
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// Temporary reports a 4xx reply
func (e *ReplyError) Temporary() bool {
	return e.Code >= 400 && e.Code < 500
}

// Options configures a submission connection. Port 465 implies TLS.
type Options struct {
	Host      string
	Port      int
	TLS       bool
	StartTLS  bool
	TLSConfig *tls.Config
	LocalName string
	Timeout   time.Duration
	Logger    *logrus.Logger
}

// Credentials authenticate a session. Secret is an access token when
// OAuth2 is set.
type Credentials struct {
	Username string
	Secret   string
	OAuth2   bool
}

// Client is a single SMTP session
type Client struct {
	conn   *transport.Conn
	opts   Options
	ext    map[string]string
	logger *logrus.Entry
}

// Dial connects, reads the greeting and says EHLO, upgrading with STARTTLS
// when configured.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	implicit := opts.TLS || opts.Port == 465
	conn, err := transport.Dial(ctx, transport.Options{
		Host:      opts.Host,
		Port:      opts.Port,
		TLS:       implicit,
		TLSConfig: opts.TLSConfig,
		Timeout:   opts.Timeout,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := NewClient(conn, opts)
	if err := c.greet(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if opts.StartTLS && !implicit {
		if err := c.startTLS(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// NewClient wraps an established transport that has not read the greeting yet
func NewClient(conn *transport.Conn, opts Options) *Client {
	if opts.LocalName == "" {
		opts.LocalName = "localhost"
	}
	return &Client{
		conn:   conn,
		opts:   opts,
		ext:    map[string]string{},
		logger: logging.For(opts.Logger, logging.ComponentSMTP).WithField("server", opts.Host),
	}
}

func (c *Client) greet(ctx context.Context) error {
	code, msg, err := c.readReply(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if code != 220 {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, &ReplyError{Code: code, Message: msg})
	}
	return c.hello(ctx)
}

// hello sends EHLO and records the advertised extensions
func (c *Client) hello(ctx context.Context) error {
	if err := c.conn.WriteLine(ctx, "EHLO "+c.opts.LocalName); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	code, msg, err := c.readReply(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if code != 250 {
		return fmt.Errorf("%w: EHLO: %w", ErrConnectionFailed, &ReplyError{Code: code, Message: msg})
	}

	c.ext = map[string]string{}
	lines := strings.Split(msg, "\n")
	for _, line := range lines[1:] {
		name, params, _ := strings.Cut(strings.TrimSpace(line), " ")
		c.ext[strings.ToUpper(name)] = params
	}
	return nil
}

func (c *Client) startTLS(ctx context.Context) error {
	if _, ok := c.ext["STARTTLS"]; !ok {
		return fmt.Errorf("%w: server does not offer STARTTLS", ErrConnectionFailed)
	}
	if _, _, err := c.cmd(ctx, 220, "STARTTLS"); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if err := c.conn.StartTLS(ctx, c.opts.TLSConfig); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return c.hello(ctx)
}

// Extension reports whether the server advertised an extension and returns
// its parameters.
func (c *Client) Extension(name string) (bool, string) {
	params, ok := c.ext[strings.ToUpper(name)]
	return ok, params
}

func (c *Client) supportsAuth(mech string) bool {
	params, ok := c.ext["AUTH"]
	if !ok {
		return false
	}
	for _, m := range strings.Fields(params) {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

// Auth authenticates with XOAUTH2 for OAuth2 credentials, otherwise with
// PLAIN falling back to LOGIN.
func (c *Client) Auth(ctx context.Context, creds Credentials) error {
	var err error
	switch {
	case creds.OAuth2:
		err = c.authXOAUTH2(ctx, creds)
	case c.supportsAuth("PLAIN") || !c.supportsAuth("LOGIN"):
		err = c.authPlain(ctx, creds)
		var re *ReplyError
		if errors.As(err, &re) && c.supportsAuth("LOGIN") {
			c.logger.WithField("code", re.Code).Debug("AUTH PLAIN rejected, trying LOGIN")
			err = c.authLogin(ctx, creds)
		}
	default:
		err = c.authLogin(ctx, creds)
	}
	if err != nil {
		c.logger.WithField("user", logging.MaskEmail(creds.Username)).Warn("SMTP authentication failed")
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	return nil
}

func (c *Client) authPlain(ctx context.Context, creds Credentials) error {
	_, ir, err := sasl.NewPlainClient("", creds.Username, creds.Secret).Start()
	if err != nil {
		return err
	}
	_, _, err = c.secretCmd(ctx, 235, "AUTH PLAIN "+base64.StdEncoding.EncodeToString(ir))
	return err
}

func (c *Client) authLogin(ctx context.Context, creds Credentials) error {
	client := sasl.NewLoginClient(creds.Username, creds.Secret)
	_, username, err := client.Start()
	if err != nil {
		return err
	}

	code, msg, err := c.cmd(ctx, 334, "AUTH LOGIN")
	for err == nil && code == 334 {
		challenge, derr := base64.StdEncoding.DecodeString(strings.TrimSpace(msg))
		if derr != nil {
			return fmt.Errorf("%w: bad challenge %q", ErrInvalidResponse, msg)
		}

		var resp []byte
		if bytes.EqualFold(challenge, []byte("Username:")) {
			resp = username
		} else if resp, err = client.Next(challenge); err != nil {
			return err
		}
		code, msg, err = c.secretCmd(ctx, -1, base64.StdEncoding.EncodeToString(resp))
	}
	if err != nil {
		return err
	}
	if code != 235 {
		return &ReplyError{Code: code, Message: msg}
	}
	return nil
}

func (c *Client) authXOAUTH2(ctx context.Context, creds Credentials) error {
	ir := base64.StdEncoding.EncodeToString([]byte(XOAUTH2String(creds.Username, creds.Secret)))
	code, msg, err := c.secretCmd(ctx, -1, "AUTH XOAUTH2 "+ir)
	if err != nil {
		return err
	}
	if code == 334 {
		// error details arrive as a challenge; an empty response ends it
		if err := c.conn.WriteLine(ctx, ""); err != nil {
			return err
		}
		if code, msg, err = c.readReply(ctx); err != nil {
			return err
		}
	}
	if code != 235 {
		return &ReplyError{Code: code, Message: msg}
	}
	return nil
}

// XOAUTH2String builds the SASL XOAUTH2 initial response
func XOAUTH2String(user, token string) string {
	return "user=" + user + "\x01auth=Bearer " + token + "\x01\x01"
}

// Send runs one mail transaction. data must be a complete RFC 5322 message.
func (c *Client) Send(ctx context.Context, from string, rcpts []string, data []byte) error {
	if len(rcpts) == 0 {
		return fmt.Errorf("%w: no recipients", ErrSendFailed)
	}
	if _, _, err := c.cmd(ctx, 250, "MAIL FROM:<%s>", from); err != nil {
		return fmt.Errorf("%w: MAIL FROM: %w", ErrSendFailed, err)
	}
	for _, rcpt := range rcpts {
		code, msg, err := c.cmd(ctx, -1, "RCPT TO:<%s>", rcpt)
		if err != nil {
			return fmt.Errorf("%w: RCPT TO: %w", ErrSendFailed, err)
		}
		if code != 250 && code != 251 {
			return fmt.Errorf("%w: RCPT TO %s: %w", ErrSendFailed, rcpt, &ReplyError{Code: code, Message: msg})
		}
	}
	if _, _, err := c.cmd(ctx, 354, "DATA"); err != nil {
		return fmt.Errorf("%w: DATA: %w", ErrSendFailed, err)
	}
	if err := c.conn.WriteRaw(ctx, DotStuff(data)); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	code, msg, err := c.readReply(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if code != 250 {
		return fmt.Errorf("%w: %w", ErrSendFailed, &ReplyError{Code: code, Message: msg})
	}
	c.logger.WithField("recipients", len(rcpts)).Debug("Message accepted for delivery")
	return nil
}

// Quit ends the session politely and closes the connection
func (c *Client) Quit(ctx context.Context) error {
	defer c.Close()
	if _, _, err := c.cmd(ctx, 221, "QUIT"); err != nil {
		return fmt.Errorf("failed to quit: %w", err)
	}
	return nil
}

// Close drops the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// cmd writes a command and reads the reply. A non-negative expect turns
// any other code into a *ReplyError.
func (c *Client) cmd(ctx context.Context, expect int, format string, args ...any) (int, string, error) {
	line := format
	if len(args) > 0 {
		line = fmt.Sprintf(format, args...)
	}
	if err := c.conn.WriteLine(ctx, line); err != nil {
		return 0, "", err
	}
	return c.expect(ctx, expect)
}

// secretCmd is cmd for lines carrying credentials
func (c *Client) secretCmd(ctx context.Context, expect int, line string) (int, string, error) {
	if err := c.conn.WriteSecret(ctx, line); err != nil {
		return 0, "", err
	}
	return c.expect(ctx, expect)
}

func (c *Client) expect(ctx context.Context, expect int) (int, string, error) {
	code, msg, err := c.readReply(ctx)
	if err != nil {
		return 0, "", err
	}
	if expect >= 0 && code != expect {
		return code, msg, &ReplyError{Code: code, Message: msg}
	}
	return code, msg, nil
}

// readReply reads a possibly multi-line reply. Continuation lines carry a
// '-' after the code; the message lines are joined with "\n".
func (c *Client) readReply(ctx context.Context) (int, string, error) {
	var (
		code  int
		lines []string
	)
	for {
		line, err := c.conn.ReadLine(ctx)
		if err != nil {
			return 0, "", err
		}
		if len(line) < 3 {
			return 0, "", fmt.Errorf("%w: short reply %q", ErrInvalidResponse, line)
		}
		n, err := strconv.Atoi(line[:3])
		if err != nil || n < 100 || n > 599 {
			return 0, "", fmt.Errorf("%w: bad reply code %q", ErrInvalidResponse, line)
		}
		if code != 0 && n != code {
			return 0, "", fmt.Errorf("%w: mixed reply codes", ErrInvalidResponse)
		}
		code = n

		more := len(line) > 3 && line[3] == '-'
		if len(line) > 4 {
			lines = append(lines, line[4:])
		} else {
			lines = append(lines, "")
		}
		if !more {
			return code, strings.Join(lines, "\n"), nil
		}
	}
}

// DotStuff normalizes line endings to CRLF, doubles leading dots and
// appends the end-of-data marker.
func DotStuff(data []byte) []byte {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSuffix(text, "\n")

	var b bytes.Buffer
	b.Grow(len(text) + len(text)/50 + 8)
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, ".") {
			b.WriteByte('.')
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString(".\r\n")
	return b.Bytes()
}
