package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipe returns a client Conn and the server side of an in-memory connection
func pipe(t *testing.T, opts Options) (*Conn, *bufio.Reader, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	opts.Host, opts.Port = "pipe", 0
	return New(client, opts), bufio.NewReader(server), server
}

func serve(t *testing.T, r *bufio.Reader, w net.Conn, reply func(line string) string) {
	t.Helper()
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			out := reply(strings.TrimRight(line, "\r\n"))
			if out == "" {
				continue
			}
			if _, err := w.Write([]byte(out)); err != nil {
				return
			}
		}
	}()
}

func TestCommandTagsAndCompletion(t *testing.T) {
	c, r, w := pipe(t, Options{})
	serve(t, r, w, func(line string) string {
		tag, _, _ := strings.Cut(line, " ")
		return "* OK untagged\r\n" + tag + " OK done\r\n"
	})

	resp, err := c.Command(context.Background(), "NOOP")
	require.NoError(t, err)
	assert.Equal(t, "A0001", resp.Tag)
	assert.True(t, resp.OK())
	assert.Equal(t, "done", resp.Text)
	require.Len(t, resp.Untagged, 1)
	assert.Equal(t, "* OK untagged\r\n", string(resp.Untagged[0]))

	resp, err = c.Command(context.Background(), "NOOP")
	require.NoError(t, err)
	assert.Equal(t, "A0002", resp.Tag)
}

func TestLiteralNeverTerminatesResponse(t *testing.T) {
	payload := "A0001 OK fake\r\n* BYE no\r\n"
	c, r, w := pipe(t, Options{})
	serve(t, r, w, func(line string) string {
		return fmt.Sprintf("* 1 FETCH (UID 7 BODY[] {%d}\r\n%s)\r\nA0001 OK FETCH completed\r\n", len(payload), payload)
	})

	resp, err := c.Command(context.Background(), "UID FETCH 7 (BODY.PEEK[])")
	require.NoError(t, err)
	assert.Equal(t, "FETCH completed", resp.Text)
	require.Len(t, resp.Untagged, 1)
	assert.Contains(t, string(resp.Untagged[0]), payload+")\r\n")
}

func TestNonSynchronizingLiteral(t *testing.T) {
	c, r, w := pipe(t, Options{})
	serve(t, r, w, func(line string) string {
		return "* LIST () \"/\" {5+}\r\nA0001\r\nA0001 NO nope\r\n"
	})

	resp, err := c.Command(context.Background(), `LIST "" "*"`)
	require.NoError(t, err)
	assert.Equal(t, "NO", resp.Status)
	require.Len(t, resp.Untagged, 1)
}

func TestResponseCeiling(t *testing.T) {
	c, r, w := pipe(t, Options{MaxResponseBytes: 64})
	serve(t, r, w, func(line string) string {
		return "* 1 FETCH (BODY[] {1000}\r\n" + strings.Repeat("x", 1000) + ")\r\nA0001 OK\r\n"
	})

	_, err := c.Command(context.Background(), "UID FETCH 1 (BODY.PEEK[])")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResponseTooLarge))
	assert.False(t, c.Connected())

	_, err = c.Command(context.Background(), "NOOP")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTimeoutMarksDead(t *testing.T) {
	c, r, w := pipe(t, Options{Timeout: 50 * time.Millisecond})
	serve(t, r, w, func(string) string { return "" })

	_, err := c.Command(context.Background(), "NOOP")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, c.Connected())
}

func TestContextCancelInterruptsRead(t *testing.T) {
	c, r, w := pipe(t, Options{})
	serve(t, r, w, func(string) string { return "" })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.Command(ctx, "NOOP")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, c.Connected())
}

func TestContinuationHandler(t *testing.T) {
	c, r, w := pipe(t, Options{})
	serve(t, r, w, func(line string) string {
		if strings.HasPrefix(line, "A0001") {
			return "+ ready\r\n"
		}
		return "A0001 OK continued with " + line + "\r\n"
	})

	var seen string
	resp, err := c.CommandWith(context.Background(), "AUTHENTICATE PLAIN", func(line []byte) (string, error) {
		seen = string(line)
		return "dGVzdA==", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "+ ready\r\n", seen)
	assert.Equal(t, "continued with dGVzdA==", resp.Text)
}

func TestSecretContinuationIsNotTraced(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.TraceLevel)

	c, r, w := pipe(t, Options{Logger: logger})
	var sent string
	serve(t, r, w, func(line string) string {
		if strings.HasPrefix(line, "A0001") {
			return "+ ready for literal\r\n"
		}
		sent = line
		return "A0001 OK LOGIN completed\r\n"
	})

	resp, err := c.CommandWithSecret(context.Background(), `LOGIN "jane doe" {7}`, func([]byte) (string, error) {
		return "pässwd", nil
	})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, "pässwd", sent)

	logs := buf.String()
	assert.NotContains(t, logs, "pässwd")
	assert.NotContains(t, logs, "jane")
	assert.Contains(t, logs, "C: [redacted]")
}

func TestUnexpectedContinuation(t *testing.T) {
	c, r, w := pipe(t, Options{})
	serve(t, r, w, func(string) string { return "+ go ahead\r\n" })

	_, err := c.Command(context.Background(), "APPEND INBOX {3}")
	assert.ErrorIs(t, err, ErrUnexpectedContinuation)
}

func TestReadLineAndGreeting(t *testing.T) {
	c, _, w := pipe(t, Options{})
	go func() {
		_, _ = w.Write([]byte("* OK IMAP ready\r\n220-first\r\n"))
	}()

	greeting, err := c.ReadResponse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "* OK IMAP ready\r\n", string(greeting))

	line, err := c.ReadLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "220-first", line)
}

func TestPoll(t *testing.T) {
	c, _, w := pipe(t, Options{})

	data, ok, err := c.Poll(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)
	assert.True(t, c.Connected())

	go func() {
		_, _ = w.Write([]byte("* 4 EXISTS\r\n"))
	}()
	data, ok, err = c.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "* 4 EXISTS\r\n", string(data))
}

func TestLiteralSize(t *testing.T) {
	tests := []struct {
		line string
		n    int
		ok   bool
	}{
		{"* 1 FETCH (BODY[] {42}\r\n", 42, true},
		{"* LIST () \"/\" {3+}\r\n", 3, true},
		{"* OK [ALERT] {x}\r\n", 0, false},
		{"* OK done\r\n", 0, false},
		{"{}\r\n", 0, false},
	}
	for _, tc := range tests {
		n, ok := literalSize([]byte(tc.line))
		assert.Equal(t, tc.ok, ok, tc.line)
		assert.Equal(t, tc.n, n, tc.line)
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), Options{Host: "127.0.0.1", Port: addr.Port, Timeout: time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}
