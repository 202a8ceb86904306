// Package transport implements the line and literal framing shared by the
// IMAP and SMTP clients on top of a plain or TLS socket.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/brandon/mailbar/internal/logging"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout is the per-command wall clock limit
	DefaultTimeout = 30 * time.Second
	// DefaultMaxResponseBytes is the per-response size ceiling
	DefaultMaxResponseBytes = 5 << 20
)

var (
	ErrTimeout                = errors.New("operation timed out")
	ErrResponseTooLarge       = errors.New("response exceeds size limit")
	ErrNotConnected           = errors.New("not connected")
	ErrUnexpectedContinuation = errors.New("unexpected continuation request")
)

// Options configures a connection
type Options struct {
	Host             string
	Port             int
	TLS              bool
	TLSConfig        *tls.Config
	Timeout          time.Duration
	MaxResponseBytes int
	Logger           *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxResponseBytes <= 0 {
		o.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}

// Address returns host:port
func (o Options) Address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o Options) tlsConfig() *tls.Config {
	if o.TLSConfig != nil {
		return o.TLSConfig.Clone()
	}
	return &tls.Config{ServerName: o.Host, MinVersion: tls.VersionTLS12}
}

// Response is the result of a tagged command
type Response struct {
	Tag    string
	Status string
	Text   string
	// Untagged holds each logical untagged response in arrival order,
	// including its CRLF and any literal payloads.
	Untagged [][]byte
}

// OK reports whether the command completed with OK
func (r *Response) OK() bool {
	return r.Status == "OK"
}

// ContinuationHandler answers a "+" continuation request with the next line
// to send.
type ContinuationHandler func(line []byte) (string, error)

// Conn is a framed connection. It is not safe for concurrent commands.
type Conn struct {
	opts      Options
	conn      net.Conn
	r         *bufio.Reader
	w         *bufio.Writer
	tag       uint32
	connected atomic.Bool
	logger    *logrus.Entry
}

// Dial opens a connection, negotiating TLS up front when opts.TLS is set
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	dialer := &net.Dialer{Timeout: opts.Timeout}

	var (
		nc  net.Conn
		err error
	)
	if opts.TLS {
		td := &tls.Dialer{NetDialer: dialer, Config: opts.tlsConfig()}
		nc, err = td.DialContext(ctx, "tcp", opts.Address())
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", opts.Address())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.Address(), err)
	}
	return New(nc, opts), nil
}

// New wraps an established connection
func New(nc net.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		opts:   opts,
		conn:   nc,
		r:      bufio.NewReader(nc),
		w:      bufio.NewWriter(nc),
		logger: logging.For(opts.Logger, logging.ComponentTransport).WithField("server", opts.Address()),
	}
	c.connected.Store(true)
	return c
}

// Connected reports whether the connection is still usable
func (c *Conn) Connected() bool {
	return c.connected.Load()
}

// Close closes the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	if c.connected.Swap(false) {
		return c.conn.Close()
	}
	return nil
}

// NextTag returns the next command tag (A0001, A0002, ...)
func (c *Conn) NextTag() string {
	n := atomic.AddUint32(&c.tag, 1)
	return fmt.Sprintf("A%04d", n)
}

// Command sends a tagged command and reads until its tagged completion
func (c *Conn) Command(ctx context.Context, text string) (*Response, error) {
	return c.CommandWith(ctx, text, nil)
}

// CommandWith is Command with a handler for continuation requests
func (c *Conn) CommandWith(ctx context.Context, text string, onContinue ContinuationHandler) (*Response, error) {
	return c.command(ctx, text, onContinue, false)
}

// CommandWithSecret is CommandWith for handlers that answer with
// credentials. Their replies are traced as [redacted].
func (c *Conn) CommandWithSecret(ctx context.Context, text string, onContinue ContinuationHandler) (*Response, error) {
	return c.command(ctx, text, onContinue, true)
}

func (c *Conn) command(ctx context.Context, text string, onContinue ContinuationHandler, secret bool) (*Response, error) {
	done, err := c.begin(ctx, c.opts.Timeout)
	if err != nil {
		return nil, err
	}
	defer done()

	tag := c.NextTag()
	if err := c.write(tag + " " + text); err != nil {
		return nil, c.fail(ctx, "send command", err)
	}

	resp := &Response{Tag: tag}
	budget := c.opts.MaxResponseBytes
	prefix := []byte(tag + " ")
	for {
		data, err := c.readResponse(&budget)
		if err != nil {
			return nil, c.fail(ctx, "read response", err)
		}

		switch {
		case bytes.HasPrefix(data, []byte("+")):
			if onContinue == nil {
				return nil, c.fail(ctx, "read response", ErrUnexpectedContinuation)
			}
			reply, err := onContinue(data)
			if err != nil {
				c.markDead()
				return nil, err
			}
			if err := c.resetDeadline(ctx, c.opts.Timeout); err != nil {
				return nil, c.fail(ctx, "read response", err)
			}
			write := c.write
			if secret {
				write = c.writeSecret
			}
			if err := write(reply); err != nil {
				return nil, c.fail(ctx, "send continuation", err)
			}
		case bytes.HasPrefix(data, prefix):
			resp.Status, resp.Text = splitStatus(data[len(prefix):])
			return resp, nil
		default:
			resp.Untagged = append(resp.Untagged, data)
		}
	}
}

func splitStatus(rest []byte) (status, text string) {
	line := string(bytes.TrimRight(rest, "\r\n"))
	status, text, _ = cutSpace(line)
	return status, text
}

func cutSpace(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// ReadResponse reads one logical response outside of a command, such as a
// server greeting.
func (c *Conn) ReadResponse(ctx context.Context) ([]byte, error) {
	done, err := c.begin(ctx, c.opts.Timeout)
	if err != nil {
		return nil, err
	}
	defer done()

	budget := c.opts.MaxResponseBytes
	data, err := c.readResponse(&budget)
	if err != nil {
		return nil, c.fail(ctx, "read response", err)
	}
	return data, nil
}

// Poll waits up to wait for the server to start sending. It returns false
// without error when nothing arrived, leaving the connection usable.
func (c *Conn) Poll(ctx context.Context, wait time.Duration) ([]byte, bool, error) {
	if !c.Connected() {
		return nil, false, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return nil, false, c.fail(ctx, "set deadline", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Unix(1, 0)) })
	_, err := c.r.Peek(1)
	stop()
	if err != nil {
		var ne net.Error
		if ctx.Err() == nil && errors.As(err, &ne) && ne.Timeout() {
			return nil, false, nil
		}
		return nil, false, c.fail(ctx, "poll", err)
	}

	data, err := c.ReadResponse(ctx)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// ReadLine reads a single CRLF terminated line without literal handling,
// returned without its line ending.
func (c *Conn) ReadLine(ctx context.Context) (string, error) {
	done, err := c.begin(ctx, c.opts.Timeout)
	if err != nil {
		return "", err
	}
	defer done()

	budget := c.opts.MaxResponseBytes
	line, err := c.readLine(&budget)
	if err != nil {
		return "", c.fail(ctx, "read line", err)
	}
	c.trace("S: ", line)
	return string(bytes.TrimRight(line, "\r\n")), nil
}

// WriteLine writes text followed by CRLF
func (c *Conn) WriteLine(ctx context.Context, text string) error {
	done, err := c.begin(ctx, c.opts.Timeout)
	if err != nil {
		return err
	}
	defer done()

	if err := c.write(text); err != nil {
		return c.fail(ctx, "write line", err)
	}
	return nil
}

// WriteSecret is WriteLine for credential lines, which are never traced
func (c *Conn) WriteSecret(ctx context.Context, text string) error {
	done, err := c.begin(ctx, c.opts.Timeout)
	if err != nil {
		return err
	}
	defer done()

	if err := c.writeSecret(text); err != nil {
		return c.fail(ctx, "write line", err)
	}
	return nil
}

// WriteRaw writes data as is, for message payloads
func (c *Conn) WriteRaw(ctx context.Context, data []byte) error {
	done, err := c.begin(ctx, c.opts.Timeout)
	if err != nil {
		return err
	}
	defer done()

	if _, err := c.w.Write(data); err != nil {
		return c.fail(ctx, "write data", err)
	}
	if err := c.w.Flush(); err != nil {
		return c.fail(ctx, "write data", err)
	}
	return nil
}

// StartTLS upgrades the connection in place after the server agreed to it
func (c *Conn) StartTLS(ctx context.Context, cfg *tls.Config) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	if cfg == nil {
		cfg = c.opts.tlsConfig()
	}
	tc := tls.Client(c.conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		c.markDead()
		return fmt.Errorf("failed to negotiate TLS: %w", err)
	}
	c.conn = tc
	c.r = bufio.NewReader(tc)
	c.w = bufio.NewWriter(tc)
	return nil
}

// IsTLS reports whether the socket is encrypted
func (c *Conn) IsTLS() bool {
	_, ok := c.conn.(*tls.Conn)
	return ok
}

func (c *Conn) begin(ctx context.Context, timeout time.Duration) (func(), error) {
	if !c.Connected() {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, c.fail(ctx, "set deadline", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Unix(1, 0)) })
	return func() { stop() }, nil
}

func (c *Conn) resetDeadline(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.SetDeadline(time.Now().Add(timeout))
}

func (c *Conn) write(line string) error {
	c.trace("C: ", []byte(line))
	if _, err := c.w.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *Conn) writeSecret(line string) error {
	c.trace("C: ", []byte("[redacted]"))
	if _, err := c.w.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// readResponse reads one logical response: a line plus, for every line
// ending in a {n} literal marker, exactly n bytes and the line after them.
func (c *Conn) readResponse(budget *int) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := c.readLine(budget)
		if err != nil {
			return nil, err
		}
		buf.Write(line)

		n, ok := literalSize(line)
		if !ok {
			c.trace("S: ", buf.Bytes())
			return buf.Bytes(), nil
		}
		if n > *budget {
			return nil, ErrResponseTooLarge
		}
		*budget -= n
		literal := make([]byte, n)
		if _, err := io.ReadFull(c.r, literal); err != nil {
			return nil, err
		}
		buf.Write(literal)
	}
}

func (c *Conn) readLine(budget *int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		*budget -= len(chunk)
		if *budget < 0 {
			return nil, ErrResponseTooLarge
		}
		line = append(line, chunk...)
		if err == nil {
			return line, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
}

// literalSize parses a trailing {n} or {n+} marker
func literalSize(line []byte) (int, bool) {
	l := bytes.TrimRight(line, "\r\n")
	if len(l) < 3 || l[len(l)-1] != '}' {
		return 0, false
	}
	open := bytes.LastIndexByte(l, '{')
	if open < 0 {
		return 0, false
	}
	digits := bytes.TrimSuffix(l[open+1:len(l)-1], []byte("+"))
	if len(digits) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(string(digits))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (c *Conn) fail(ctx context.Context, op string, err error) error {
	c.markDead()

	var ne net.Error
	switch {
	case errors.Is(err, ErrResponseTooLarge), errors.Is(err, ErrUnexpectedContinuation):
	case ctx.Err() != nil:
		err = ctx.Err()
	case errors.As(err, &ne) && ne.Timeout():
		err = ErrTimeout
	}
	c.logger.WithError(err).Debugf("connection failed during %s", op)
	return fmt.Errorf("failed to %s: %w", op, err)
}

func (c *Conn) markDead() {
	if c.connected.Swap(false) {
		_ = c.conn.Close()
	}
}

func (c *Conn) trace(dir string, data []byte) {
	if !c.logger.Logger.IsLevelEnabled(logrus.TraceLevel) {
		return
	}
	line := data
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	c.logger.Trace(dir + logging.RedactCommand(string(bytes.TrimRight(line, "\r"))))
}
