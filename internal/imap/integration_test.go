package imap

import (
	"context"
	"net"
	"testing"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAgainstReferenceServer runs the client against go-imap's server with
// its in-memory backend (user "username", one message with UID 6 in INBOX).
func TestAgainstReferenceServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	go s.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { _ = s.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	ctx := context.Background()
	c, err := Dial(ctx, Options{Host: "127.0.0.1", Port: addr.Port}, Credentials{Username: "username", Secret: "password"})
	require.NoError(t, err)
	defer c.Logout(ctx) //nolint:errcheck

	folders, err := c.ListFolders(ctx)
	require.NoError(t, err)
	var paths []string
	for _, f := range folders {
		paths = append(paths, f.Path)
	}
	assert.Contains(t, paths, "INBOX")

	require.NoError(t, c.Select(ctx, "INBOX"))
	assert.Equal(t, uint32(1), c.Status().Messages)

	uids, err := c.Search(ctx, SearchAll())
	require.NoError(t, err)
	assert.Equal(t, []uint32{6}, uids)

	msgs, err := c.FetchHeaders(ctx, uids)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(6), msgs[0].UID)
	assert.Contains(t, msgs[0].Subject, "little message")
	assert.Equal(t, "contact@example.org", msgs[0].FromEmail)
	assert.False(t, msgs[0].ReceivedAt.IsZero())

	raw, err := c.FetchFullMessage(ctx, 6)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Hi there :)")

	uids, err = c.Search(ctx, SearchUIDAfter(6))
	require.NoError(t, err)
	assert.Empty(t, uids)

	require.NoError(t, c.StoreFlag(ctx, 6, `\Flagged`, true))

	err = c.Select(ctx, "Missing")
	assert.ErrorIs(t, err, ErrFolderNotFound)
}
