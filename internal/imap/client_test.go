package imap

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailbar/internal/imaptest"
	"github.com/brandon/mailbar/pkg/types"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newServer(t *testing.T, n int) *imaptest.Server {
	t.Helper()
	srv := imaptest.NewServer(t)
	for i := 1; i <= n; i++ {
		srv.AddMessages("INBOX", imaptest.NewMessage(uint32(i), "Message "+string(rune('A'-1+i)), base.Add(time.Duration(i)*time.Hour)))
	}
	return srv
}

func dial(t *testing.T, srv *imaptest.Server, opts Options) *Client {
	t.Helper()
	opts.Host, opts.Port = srv.Addr()
	c, err := Dial(context.Background(), opts, Credentials{Username: srv.Username, Secret: srv.Password})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDialAndLogin(t *testing.T) {
	srv := newServer(t, 0)
	c := dial(t, srv, Options{})
	assert.Equal(t, StateAuthenticated, c.State())
	assert.True(t, c.Alive())
	assert.Equal(t, []string{`LOGIN "user@example.com" "secret"`}, srv.Commands())
}

func TestLoginRejected(t *testing.T) {
	srv := newServer(t, 0)
	host, port := srv.Addr()

	_, err := Dial(context.Background(), Options{Host: host, Port: port}, Credentials{Username: srv.Username, Secret: "wrong"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "NO", se.Status)
	assert.Equal(t, "LOGIN", se.Command)
}

func TestLoginWithLiteralPassword(t *testing.T) {
	srv := newServer(t, 0)
	srv.Password = "pässwört"
	c := dial(t, srv, Options{})
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestXOAUTH2(t *testing.T) {
	srv := newServer(t, 0)
	host, port := srv.Addr()

	c, err := Dial(context.Background(), Options{Host: host, Port: port}, Credentials{Username: srv.Username, Secret: srv.Token, OAuth2: true})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, StateAuthenticated, c.State())

	_, err = Dial(context.Background(), Options{Host: host, Port: port}, Credentials{Username: srv.Username, Secret: "expired", OAuth2: true})
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestGreetingBye(t *testing.T) {
	srv := newServer(t, 0)
	srv.Greeting = "* BYE too many connections"
	host, port := srv.Addr()

	_, err := Dial(context.Background(), Options{Host: host, Port: port}, Credentials{Username: "u", Secret: "p"})
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestGreetingPreauth(t *testing.T) {
	srv := newServer(t, 0)
	srv.Greeting = "* PREAUTH welcome back"
	host, port := srv.Addr()

	c, err := Dial(context.Background(), Options{Host: host, Port: port}, Credentials{})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, StateAuthenticated, c.State())
	assert.Empty(t, srv.CommandsWithPrefix("LOGIN"))
}

func TestSelect(t *testing.T) {
	srv := newServer(t, 3)
	c := dial(t, srv, Options{})
	ctx := context.Background()

	require.NoError(t, c.Select(ctx, "INBOX"))
	require.NoError(t, c.Select(ctx, "INBOX"))
	assert.Len(t, srv.CommandsWithPrefix("SELECT"), 1, "reselecting the same folder is a no-op")

	st := c.Status()
	assert.Equal(t, uint32(3), st.Messages)
	assert.Equal(t, uint32(1), st.UIDValidity)
	assert.Equal(t, uint32(4), st.UIDNext)
	assert.Equal(t, "INBOX", c.Selected())
}

func TestSelectEncodesName(t *testing.T) {
	srv := newServer(t, 0)
	srv.AddFolder("Entwürfe")
	c := dial(t, srv, Options{})

	require.NoError(t, c.Select(context.Background(), "Entwürfe"))
	assert.Equal(t, []string{`SELECT "Entw&APw-rfe"`}, srv.CommandsWithPrefix("SELECT"))
}

func TestSelectMissingFolder(t *testing.T) {
	srv := newServer(t, 1)
	c := dial(t, srv, Options{})
	ctx := context.Background()

	require.NoError(t, c.Select(ctx, "INBOX"))
	err := c.Select(ctx, "Nope")
	assert.ErrorIs(t, err, ErrFolderNotFound)
	assert.Equal(t, StateAuthenticated, c.State())
	assert.Empty(t, c.Selected())
	assert.True(t, c.Alive())
}

func TestSearch(t *testing.T) {
	srv := newServer(t, 5)
	c := dial(t, srv, Options{})
	ctx := context.Background()

	_, err := c.Search(ctx, SearchAll())
	assert.ErrorIs(t, err, ErrNoFolderSelected)

	require.NoError(t, c.Select(ctx, "INBOX"))
	uids, err := c.Search(ctx, SearchAll())
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, uids)

	uids, err = c.Search(ctx, SearchSince(base.Add(3*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, uids)
	assert.Contains(t, srv.CommandsWithPrefix("UID SEARCH"), "UID SEARCH SINCE 1-Mar-2024")

	uids, err = c.Search(ctx, SearchSince(base.AddDate(0, 0, 1)))
	require.NoError(t, err)
	assert.Empty(t, uids)
}

func TestSearchDeltaDropsWatermark(t *testing.T) {
	srv := newServer(t, 5)
	c := dial(t, srv, Options{})
	ctx := context.Background()
	require.NoError(t, c.Select(ctx, "INBOX"))

	uids, err := c.Search(ctx, SearchUIDAfter(3))
	require.NoError(t, err)
	assert.Equal(t, []uint32{4, 5}, uids)

	// "6:*" matches UID 5 on the server; the client must drop it
	uids, err = c.Search(ctx, SearchUIDAfter(5))
	require.NoError(t, err)
	assert.Empty(t, uids)
	assert.Contains(t, srv.Commands(), "UID SEARCH UID 6:*")
}

func TestSearchQuery(t *testing.T) {
	srv := newServer(t, 3)
	c := dial(t, srv, Options{})
	ctx := context.Background()
	require.NoError(t, c.Select(ctx, "INBOX"))

	uids, err := c.Search(ctx, SearchQuery(Query{Op: OpOr, Terms: []Term{
		{Field: "subject", Value: "Message A"},
		{Field: "subject", Value: "Message C"},
	}}))
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3}, uids)
}

func TestFetchHeadersBatches(t *testing.T) {
	srv := newServer(t, 5)
	c := dial(t, srv, Options{BatchSize: 2})
	ctx := context.Background()
	require.NoError(t, c.Select(ctx, "INBOX"))

	msgs, err := c.FetchHeaders(ctx, []uint32{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	assert.Len(t, srv.CommandsWithPrefix("UID FETCH"), 3)
	assert.True(t, strings.HasPrefix(srv.CommandsWithPrefix("UID FETCH")[0], "UID FETCH 1:2 (UID FLAGS INTERNALDATE BODY.PEEK[HEADER.FIELDS (SUBJECT FROM TO CC DATE CONTENT-TYPE MESSAGE-ID REFERENCES)])"))

	// each batch is ordered newest first
	assert.Equal(t, uint32(2), msgs[0].UID)
	m := msgs[0]
	assert.Equal(t, "Message B", m.Subject)
	assert.Equal(t, "Sender 2", m.FromName)
	assert.Equal(t, "sender2@example.com", m.FromEmail)
	assert.Equal(t, "<2@example.com>", m.MessageID)
	assert.True(t, m.ReceivedAt.Equal(base.Add(2*time.Hour)))
	assert.False(t, m.IsRead)
}

func TestFetchHeaderBatchFlags(t *testing.T) {
	srv := imaptest.NewServer(t)
	msg := imaptest.NewMessage(7, "=?UTF-8?B?w6l0w6k=?=", base)
	msg.Flags = []string{types.SeenFlag}
	srv.AddMessages("INBOX", msg)
	c := dial(t, srv, Options{})
	ctx := context.Background()
	require.NoError(t, c.Select(ctx, "INBOX"))

	msgs, err := c.FetchHeaderBatch(ctx, []uint32{7})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "été", msgs[0].Subject)
	assert.True(t, msgs[0].IsRead)
}

func TestFetchFullMessage(t *testing.T) {
	srv := newServer(t, 2)
	c := dial(t, srv, Options{})
	ctx := context.Background()
	require.NoError(t, c.Select(ctx, "INBOX"))

	raw, err := c.FetchFullMessage(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, srv.Messages("INBOX")[1].Raw, string(raw))

	_, err = c.FetchFullMessage(ctx, 99)
	assert.ErrorIs(t, err, ErrNoMessages)
}

func TestStoreAndExpunge(t *testing.T) {
	srv := newServer(t, 2)
	c := dial(t, srv, Options{})
	ctx := context.Background()
	require.NoError(t, c.Select(ctx, "INBOX"))

	require.NoError(t, c.StoreFlag(ctx, 1, types.SeenFlag, true))
	assert.Equal(t, []string{types.SeenFlag}, srv.Messages("INBOX")[0].Flags)
	require.NoError(t, c.StoreFlag(ctx, 1, types.SeenFlag, false))
	assert.Empty(t, srv.Messages("INBOX")[0].Flags)

	require.NoError(t, c.StoreFlag(ctx, 2, types.DeletedFlag, true))
	require.NoError(t, c.Expunge(ctx))
	assert.Len(t, srv.Messages("INBOX"), 1)
	assert.Contains(t, srv.Commands(), `UID STORE 2 +FLAGS (\Deleted)`)

	srv.Fail("UID STORE", "read-only folder")
	err := c.StoreFlag(ctx, 1, types.SeenFlag, true)
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.True(t, c.Alive())
}

func TestListFolders(t *testing.T) {
	srv := newServer(t, 0)
	srv.AddFolder("Archive/2023")
	srv.AddFolder("Entwürfe")
	c := dial(t, srv, Options{})

	folders, err := c.ListFolders(context.Background())
	require.NoError(t, err)
	require.Len(t, folders, 3)
	assert.Equal(t, types.Folder{Name: "2023", Path: "Archive/2023", Delimiter: "/", Attributes: []string{`\HasNoChildren`}}, folders[0])
	assert.Equal(t, "Entwürfe", folders[1].Path)
	assert.Equal(t, "INBOX", folders[2].Path)
}

func TestIdle(t *testing.T) {
	srv := newServer(t, 1)
	c := dial(t, srv, Options{})
	ctx := context.Background()
	require.NoError(t, c.Select(ctx, "INBOX"))

	got, err := c.Idle(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, got)

	srv.AnnounceOnIdle()
	got, err = c.Idle(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, got)
	assert.Equal(t, uint32(2), c.Status().Messages)
}

func TestCommandTimeoutMarksDead(t *testing.T) {
	srv := newServer(t, 0)
	c := dial(t, srv, Options{Timeout: 100 * time.Millisecond})
	srv.Hang("NOOP")

	_, err := c.Noop(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, c.Alive())
	assert.Equal(t, StateDisconnected, c.State())

	err = c.Select(context.Background(), "INBOX")
	assert.Error(t, err)
}

func TestLogout(t *testing.T) {
	srv := newServer(t, 0)
	c := dial(t, srv, Options{})
	require.NoError(t, c.Logout(context.Background()))
	assert.False(t, c.Alive())
	assert.Contains(t, srv.Commands(), "LOGOUT")
}
