package cache

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailbar/internal/logging"
	"github.com/brandon/mailbar/pkg/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDatabase(":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, logging.Discard())
}

func sample() []types.Message {
	return []types.Message{
		{
			UID:        2,
			Subject:    "Quarterly report",
			From:       "Ann Lee <ann@example.com>",
			FromName:   "Ann Lee",
			FromEmail:  "ann@example.com",
			To:         "me@example.com",
			ReceivedAt: base.Add(2 * time.Hour),
			Preview:    "Numbers are up across the board",
			Flags:      []string{types.SeenFlag},
			IsRead:     true,
		},
		{
			UID:        1,
			Subject:    "Lunch?",
			From:       "bob@example.com",
			FromEmail:  "bob@example.com",
			To:         "me@example.com, team@example.com",
			ReceivedAt: base.Add(time.Hour),
			Preview:    "Tacos at noon",
		},
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, Snapshot{
		FolderKey:  "work/INBOX",
		Account:    "work",
		Path:       "INBOX",
		HighestUID: 2,
		FetchedAt:  base,
		Messages:   sample(),
	}))

	snap, err := s.LoadSnapshot(ctx, "work/INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), snap.HighestUID)
	assert.True(t, snap.FetchedAt.Equal(base))
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, uint32(2), snap.Messages[0].UID)
	assert.Equal(t, "work/INBOX", snap.Messages[0].FolderKey)
	assert.Equal(t, []string{types.SeenFlag}, snap.Messages[0].Flags)
	assert.True(t, snap.Messages[0].IsRead)
	assert.Nil(t, snap.Messages[1].Flags)
	assert.True(t, snap.Messages[1].ReceivedAt.Equal(base.Add(time.Hour)))

	// a second save replaces the folder
	require.NoError(t, s.SaveSnapshot(ctx, Snapshot{FolderKey: "work/INBOX", Account: "work", Path: "INBOX", Messages: sample()[:1]}))
	snap, err = s.LoadSnapshot(ctx, "work/INBOX")
	require.NoError(t, err)
	assert.Len(t, snap.Messages, 1)

	_, err = s.LoadSnapshot(ctx, "work/Missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestUpdateAndDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveSnapshot(ctx, Snapshot{FolderKey: "work/INBOX", Account: "work", Path: "INBOX", Messages: sample()}))

	require.NoError(t, s.UpdateFlags(ctx, "work/INBOX", 1, []string{types.SeenFlag, "$Work"}, true))
	require.NoError(t, s.DeleteMessage(ctx, "work/INBOX", 2))

	snap, err := s.LoadSnapshot(ctx, "work/INBOX")
	require.NoError(t, err)
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].IsRead)
	assert.Equal(t, []string{types.SeenFlag, "$Work"}, snap.Messages[0].Flags)

	require.NoError(t, s.DeleteFolder(ctx, "work/INBOX"))
	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSearch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveSnapshot(ctx, Snapshot{FolderKey: "work/INBOX", Account: "work", Path: "INBOX", Messages: sample()}))
	require.NoError(t, s.SaveSnapshot(ctx, Snapshot{FolderKey: "home/INBOX", Account: "home", Path: "INBOX", Messages: []types.Message{
		{UID: 5, Subject: "Tacos recipe", FromEmail: "mom@example.com", ReceivedAt: base},
	}}))

	tests := []struct {
		name string
		opts SearchOptions
		want []uint32
	}{
		{"all newest first", SearchOptions{}, []uint32{2, 1, 5}},
		{"account", SearchOptions{Account: "work"}, []uint32{2, 1}},
		{"sender name", SearchOptions{Sender: "ann lee"}, []uint32{2}},
		{"recipient", SearchOptions{Recipient: "team@"}, []uint32{1}},
		{"subject", SearchOptions{Subject: "report"}, []uint32{2}},
		{"full text preview", SearchOptions{Text: "tacos"}, []uint32{1, 5}},
		{"full text operators are literal", SearchOptions{Text: "noon OR tacos"}, nil},
		{"unread", SearchOptions{UnreadOnly: true, Account: "work"}, []uint32{1}},
		{"limit", SearchOptions{Limit: 1}, []uint32{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Search(ctx, tt.opts)
			require.NoError(t, err)
			var ids []uint32
			for _, r := range got {
				ids = append(ids, r.UID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	from := base.Add(90 * time.Minute)
	got, err := s.Search(ctx, SearchOptions{DateFrom: &from})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "work", got[0].AccountName)
	assert.Equal(t, "INBOX", got[0].FolderPath)
	assert.Equal(t, "Numbers are up across the board", got[0].Snippet)
}

func TestOpenDatabaseOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.db")
	db, err := OpenDatabase(path, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// reopening applies no migrations twice
	db, err = OpenDatabase(path, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, db.Close())
}
