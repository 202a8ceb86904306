// Package imap is a minimal IMAP4rev1 client speaking the wire protocol
// directly over a transport.Conn.
package imap

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailbar/internal/logging"
	"github.com/brandon/mailbar/internal/transport"
	"github.com/brandon/mailbar/internal/utf7"
)

// DefaultBatchSize is the number of UIDs per FETCH command
const DefaultBatchSize = 50

// DefaultHeaderFields are requested by FetchHeaders
var DefaultHeaderFields = []string{
	"SUBJECT", "FROM", "TO", "CC", "DATE", "CONTENT-TYPE", "MESSAGE-ID", "REFERENCES",
}

// State is the connection state
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
	StateSelected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	}
	return "disconnected"
}

// Options configures a client
type Options struct {
	Host             string
	Port             int
	TLS              bool
	Timeout          time.Duration
	MaxResponseBytes int
	BatchSize        int
	HeaderFields     []string
	Logger           *logrus.Logger
}

func (o Options) transport() transport.Options {
	return transport.Options{
		Host:             o.Host,
		Port:             o.Port,
		TLS:              o.TLS,
		Timeout:          o.Timeout,
		MaxResponseBytes: o.MaxResponseBytes,
		Logger:           o.Logger,
	}
}

// Credentials authenticate a session. Secret is a password, or an access
// token when OAuth2 is set.
type Credentials struct {
	Username string
	Secret   string
	OAuth2   bool
}

// MailboxStatus is what SELECT reported about the selected folder
type MailboxStatus struct {
	Name        string
	Messages    uint32
	UIDValidity uint32
	UIDNext     uint32
}

// Client is a single IMAP session. Commands are serialized.
type Client struct {
	mu       sync.Mutex
	conn     *transport.Conn
	opts     Options
	state    State
	selected string
	status   MailboxStatus
	logger   *logrus.Entry
}

// Dial connects, reads the greeting and logs in
func Dial(ctx context.Context, opts Options, creds Credentials) (*Client, error) {
	conn, err := transport.Dial(ctx, opts.transport())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := NewClient(conn, opts)
	if err := c.Greet(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if c.State() == StateConnected {
		if err := c.Login(ctx, creds); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// NewClient wraps an established transport that has not read the greeting yet
func NewClient(conn *transport.Conn, opts Options) *Client {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if len(opts.HeaderFields) == 0 {
		opts.HeaderFields = DefaultHeaderFields
	}
	return &Client{
		conn:   conn,
		opts:   opts,
		state:  StateDisconnected,
		logger: logging.For(opts.Logger, logging.ComponentIMAP).WithField("server", opts.Host),
	}
}

// Greet reads the server greeting
func (c *Client) Greet(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.conn.ReadResponse(ctx)
	if err != nil {
		return fmt.Errorf("failed to read greeting: %w", classify(err))
	}

	switch kind, _ := untaggedKind(data); kind {
	case "OK":
		c.state = StateConnected
	case "PREAUTH":
		c.state = StateAuthenticated
	case "BYE":
		c.conn.Close()
		return fmt.Errorf("%w: server refused connection: %s", ErrConnectionFailed, strings.TrimSpace(string(data)))
	default:
		c.conn.Close()
		return fmt.Errorf("%w: unexpected greeting %q", ErrInvalidResponse, strings.TrimSpace(string(data)))
	}
	return nil
}

// Login authenticates with LOGIN, or AUTHENTICATE XOAUTH2 for OAuth2
// credentials.
func (c *Client) Login(ctx context.Context, creds Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return fmt.Errorf("%w: login in state %s", ErrInvalidResponse, c.state)
	}

	var (
		resp *transport.Response
		err  error
		cmd  string
	)
	if creds.OAuth2 {
		cmd = "AUTHENTICATE"
		ir := base64.StdEncoding.EncodeToString([]byte(XOAUTH2String(creds.Username, creds.Secret)))
		// the server sends its error details as a continuation, which is
		// answered with an empty line to receive the tagged NO
		resp, err = c.conn.CommandWith(ctx, "AUTHENTICATE XOAUTH2 "+ir, func([]byte) (string, error) {
			return "", nil
		})
	} else {
		cmd = "LOGIN"
		if isQuotable(creds.Secret) {
			resp, err = c.conn.Command(ctx, "LOGIN "+quote(creds.Username)+" "+quote(creds.Secret))
		} else {
			resp, err = c.conn.CommandWithSecret(ctx,
				fmt.Sprintf("LOGIN %s {%d}", quote(creds.Username), len(creds.Secret)),
				func([]byte) (string, error) { return creds.Secret, nil })
		}
	}
	if err != nil {
		return c.ioError("log in", err)
	}
	if !resp.OK() {
		c.logger.WithField("user", logging.MaskEmail(creds.Username)).Warn("IMAP login rejected")
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, statusError(cmd, resp))
	}

	c.state = StateAuthenticated
	c.logger.WithField("user", logging.MaskEmail(creds.Username)).Debug("Logged in to IMAP server")
	return nil
}

// XOAUTH2String builds the SASL XOAUTH2 initial response
func XOAUTH2String(user, token string) string {
	return "user=" + user + "\x01auth=Bearer " + token + "\x01\x01"
}

var (
	uidValidityRe = regexp.MustCompile(`(?i)\[UIDVALIDITY (\d+)\]`)
	uidNextRe     = regexp.MustCompile(`(?i)\[UIDNEXT (\d+)\]`)
)

// Select opens a folder. Selecting the folder that is already selected is
// a no-op.
func (c *Client) Select(ctx context.Context, folder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectLocked(ctx, folder)
}

func (c *Client) selectLocked(ctx context.Context, folder string) error {
	if c.state == StateSelected && c.selected == folder {
		return nil
	}
	if c.state < StateAuthenticated {
		return fmt.Errorf("%w: select in state %s", ErrNotConnected, c.state)
	}

	resp, err := c.conn.Command(ctx, "SELECT "+quote(utf7.Encode(folder)))
	if err != nil {
		return c.ioError("select folder", err)
	}
	if !resp.OK() {
		// a failed SELECT leaves no folder selected
		c.state = StateAuthenticated
		c.selected = ""
		return fmt.Errorf("%w: %s: %w", ErrFolderNotFound, folder, statusError("SELECT", resp))
	}

	status := MailboxStatus{Name: folder}
	for _, u := range resp.Untagged {
		kind, n := untaggedKind(u)
		switch kind {
		case "EXISTS":
			status.Messages = n
		case "OK":
			if m := uidValidityRe.FindSubmatch(u); m != nil {
				v, _ := strconv.ParseUint(string(m[1]), 10, 32)
				status.UIDValidity = uint32(v)
			}
			if m := uidNextRe.FindSubmatch(u); m != nil {
				v, _ := strconv.ParseUint(string(m[1]), 10, 32)
				status.UIDNext = uint32(v)
			}
		}
	}

	c.state = StateSelected
	c.selected = folder
	c.status = status
	c.logger.WithFields(logrus.Fields{
		"folder":   folder,
		"messages": status.Messages,
	}).Debug("Selected folder")
	return nil
}

// Status returns what the last SELECT reported
func (c *Client) Status() MailboxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Selected returns the selected folder, or "" if none
func (c *Client) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSelected {
		return ""
	}
	return c.selected
}

// State returns the connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.conn.Connected() {
		return StateDisconnected
	}
	return c.state
}

// Alive reports whether the underlying connection is usable
func (c *Client) Alive() bool {
	return c.conn.Connected()
}

// StoreFlag adds or removes a flag on one message
func (c *Client) StoreFlag(ctx context.Context, uid uint32, flag string, add bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireSelected(); err != nil {
		return err
	}
	op := "-FLAGS"
	if add {
		op = "+FLAGS"
	}
	resp, err := c.conn.Command(ctx, fmt.Sprintf("UID STORE %d %s (%s)", uid, op, flag))
	if err != nil {
		return c.ioError("store flags", err)
	}
	if !resp.OK() {
		return fmt.Errorf("%w: %w", ErrCommandFailed, statusError("STORE", resp))
	}
	return nil
}

// Expunge permanently removes messages flagged \Deleted
func (c *Client) Expunge(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireSelected(); err != nil {
		return err
	}
	resp, err := c.conn.Command(ctx, "EXPUNGE")
	if err != nil {
		return c.ioError("expunge", err)
	}
	if !resp.OK() {
		return fmt.Errorf("%w: %w", ErrCommandFailed, statusError("EXPUNGE", resp))
	}
	return nil
}

// Noop keeps the session alive and returns the latest EXISTS count, if any
func (c *Client) Noop(ctx context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.conn.Command(ctx, "NOOP")
	if err != nil {
		return 0, c.ioError("noop", err)
	}
	if !resp.OK() {
		return 0, fmt.Errorf("%w: %w", ErrCommandFailed, statusError("NOOP", resp))
	}
	var exists uint32
	for _, u := range resp.Untagged {
		if kind, n := untaggedKind(u); kind == "EXISTS" {
			exists = n
			c.status.Messages = n
		}
	}
	return exists, nil
}

// Idle waits up to maxWait for the server to announce new messages. It
// returns true when an EXISTS response arrived.
func (c *Client) Idle(ctx context.Context, maxWait time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireSelected(); err != nil {
		return false, err
	}

	var gotExists bool
	resp, err := c.conn.CommandWith(ctx, "IDLE", func([]byte) (string, error) {
		until := time.Now().Add(maxWait)
		for !gotExists {
			remaining := time.Until(until)
			if remaining <= 0 {
				break
			}
			data, ok, err := c.conn.Poll(ctx, remaining)
			if err != nil {
				return "", err
			}
			if !ok {
				break
			}
			if kind, n := untaggedKind(data); kind == "EXISTS" {
				gotExists = true
				c.status.Messages = n
			}
		}
		return "DONE", nil
	})
	if err != nil {
		return false, c.ioError("idle", err)
	}
	if !resp.OK() {
		return false, fmt.Errorf("%w: %w", ErrCommandFailed, statusError("IDLE", resp))
	}
	return gotExists, nil
}

// Logout ends the session and closes the connection
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	defer c.closeLocked()
	if !c.conn.Connected() {
		return nil
	}
	if _, err := c.conn.Command(ctx, "LOGOUT"); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

// Close drops the connection without logging out
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	c.state = StateDisconnected
	c.selected = ""
	return c.conn.Close()
}

func (c *Client) requireSelected() error {
	if !c.conn.Connected() {
		return ErrNotConnected
	}
	if c.state != StateSelected {
		return ErrNoFolderSelected
	}
	return nil
}

// ioError records a transport failure and marks the session disconnected
func (c *Client) ioError(op string, err error) error {
	if !c.conn.Connected() {
		c.state = StateDisconnected
		c.selected = ""
	}
	return fmt.Errorf("failed to %s: %w", op, classify(err))
}

func isQuotable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 || s[i] == '\r' || s[i] == '\n' || s[i] == 0 {
			return false
		}
	}
	return true
}

func quote(s string) string {
	var b bytes.Buffer
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}
