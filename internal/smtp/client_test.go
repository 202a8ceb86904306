package smtp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailbar/internal/smtptest"
)

func options(srv *smtptest.Server) Options {
	host, port := srv.Addr()
	return Options{Host: host, Port: port, Timeout: 5 * time.Second}
}

func TestSendToTwoRecipients(t *testing.T) {
	srv := smtptest.NewServer(t)
	ctx := context.Background()

	c, err := Dial(ctx, options(srv))
	require.NoError(t, err)
	ok, params := c.Extension("auth")
	assert.True(t, ok)
	assert.Contains(t, params, "PLAIN")

	require.NoError(t, c.Auth(ctx, Credentials{Username: srv.Username, Secret: srv.Password}))
	data := []byte("Subject: hi\r\n\r\nline one\r\n.hidden dot\r\n")
	require.NoError(t, c.Send(ctx, "me@example.com", []string{"a@example.com", "b@example.com"}, data))
	require.NoError(t, c.Quit(ctx))

	assert.Equal(t, []string{"MAIL FROM:<me@example.com>"}, srv.CommandsWithPrefix("MAIL"))
	assert.Equal(t, []string{"RCPT TO:<a@example.com>", "RCPT TO:<b@example.com>"}, srv.CommandsWithPrefix("RCPT"))
	assert.Len(t, srv.CommandsWithPrefix("DATA"), 1)

	envs := srv.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, envs[0].To)
	assert.Equal(t, "Subject: hi\r\n\r\nline one\r\n.hidden dot\r\n", envs[0].Data)
}

func TestAuthPlainFallsBackToLogin(t *testing.T) {
	srv := smtptest.NewServer(t)
	srv.RejectPlain = true
	ctx := context.Background()

	c, err := Dial(ctx, options(srv))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Auth(ctx, Credentials{Username: srv.Username, Secret: srv.Password}))
	assert.Len(t, srv.CommandsWithPrefix("AUTH PLAIN"), 1)
	assert.Equal(t, []string{"AUTH LOGIN"}, srv.CommandsWithPrefix("AUTH LOGIN"))
}

func TestAuthLoginOnly(t *testing.T) {
	srv := smtptest.NewServer(t)
	srv.AuthMechanisms = []string{"LOGIN"}
	ctx := context.Background()

	c, err := Dial(ctx, options(srv))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Auth(ctx, Credentials{Username: srv.Username, Secret: srv.Password}))
	assert.Empty(t, srv.CommandsWithPrefix("AUTH PLAIN"))
}

func TestAuthFailures(t *testing.T) {
	srv := smtptest.NewServer(t)
	ctx := context.Background()

	c, err := Dial(ctx, options(srv))
	require.NoError(t, err)
	defer c.Close()

	err = c.Auth(ctx, Credentials{Username: srv.Username, Secret: "wrong"})
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	err = c.Auth(ctx, Credentials{Username: srv.Username, Secret: "expired", OAuth2: true})
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	require.NoError(t, c.Auth(ctx, Credentials{Username: srv.Username, Secret: srv.Token, OAuth2: true}))
}

func TestRejectedRecipient(t *testing.T) {
	srv := smtptest.NewServer(t)
	srv.RejectRecipient("nobody@example.com")
	ctx := context.Background()

	c, err := Dial(ctx, options(srv))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Auth(ctx, Credentials{Username: srv.Username, Secret: srv.Password}))

	err = c.Send(ctx, "me@example.com", []string{"a@example.com", "nobody@example.com"}, []byte("x\r\n"))
	assert.ErrorIs(t, err, ErrSendFailed)
	var re *ReplyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 550, re.Code)
	assert.False(t, re.Temporary())
	assert.Empty(t, srv.CommandsWithPrefix("DATA"))
}

func TestSendWithoutRecipients(t *testing.T) {
	c := &Client{}
	err := c.Send(context.Background(), "me@example.com", nil, []byte("x"))
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestDialRefused(t *testing.T) {
	srv := smtptest.NewServer(t)
	opts := options(srv)
	srv.Close()

	_, err := Dial(context.Background(), opts)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestSendMail(t *testing.T) {
	srv := smtptest.NewServer(t)
	msg := OutgoingMessage{
		FromName: "Me",
		From:     "me@example.com",
		To:       "Ann <ann@example.com>, bob@example.com",
		Bcc:      "hidden@example.com",
		Subject:  "Status",
		Body:     "All good.",
	}

	id, err := SendMail(context.Background(), options(srv), Credentials{Username: srv.Username, Secret: srv.Password}, msg)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id, "@example.com>"))

	envs := srv.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, []string{"ann@example.com", "bob@example.com", "hidden@example.com"}, envs[0].To)
	assert.Contains(t, envs[0].Data, "Message-ID: "+id)
	assert.NotContains(t, envs[0].Data, "hidden@example.com")
}

func TestDotStuff(t *testing.T) {
	assert.Equal(t, "a\r\n..b\r\n.\r\n", string(DotStuff([]byte("a\n.b\n"))))
	assert.Equal(t, "a\r\n\r\nb\r\n.\r\n", string(DotStuff([]byte("a\r\n\r\nb"))))
}
