package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailbar/internal/logging"
	"github.com/brandon/mailbar/pkg/types"
)

// Snapshot is a persisted folder: the messages the memory cache held after
// the last fetch.
type Snapshot struct {
	FolderKey  string
	Account    string
	Path       string
	HighestUID uint32
	FetchedAt  time.Time
	Messages   []types.Message
}

type folderRow struct {
	FolderKey  string `db:"folder_key"`
	Account    string `db:"account"`
	Path       string `db:"path"`
	HighestUID int64  `db:"highest_uid"`
	FetchedAt  int64  `db:"fetched_at"`
}

type messageRow struct {
	FolderKey   string `db:"folder_key"`
	UID         int64  `db:"uid"`
	Subject     string `db:"subject"`
	From        string `db:"from_header"`
	FromName    string `db:"from_name"`
	FromEmail   string `db:"from_email"`
	To          string `db:"to_header"`
	Cc          string `db:"cc_header"`
	ReceivedAt  int64  `db:"received_at"`
	Date        string `db:"date_header"`
	MessageID   string `db:"message_id"`
	References  string `db:"refs"`
	Preview     string `db:"preview"`
	ContentType string `db:"content_type"`
	Boundary    string `db:"boundary"`
	IsRead      bool   `db:"is_read"`
	Flags       string `db:"flags"`
}

const messageColumns = `folder_key, uid, subject, from_header, from_name, from_email, to_header, cc_header,
	received_at, date_header, message_id, refs, preview, content_type, boundary, is_read, flags`

func toRow(folderKey string, m types.Message) (messageRow, error) {
	flags := m.Flags
	if flags == nil {
		flags = []string{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return messageRow{}, fmt.Errorf("failed to marshal flags: %w", err)
	}
	return messageRow{
		FolderKey:   folderKey,
		UID:         int64(m.UID),
		Subject:     m.Subject,
		From:        m.From,
		FromName:    m.FromName,
		FromEmail:   m.FromEmail,
		To:          m.To,
		Cc:          m.Cc,
		ReceivedAt:  m.ReceivedAt.Unix(),
		Date:        m.Date,
		MessageID:   m.MessageID,
		References:  m.References,
		Preview:     m.Preview,
		ContentType: m.ContentType,
		Boundary:    m.Boundary,
		IsRead:      m.IsRead,
		Flags:       string(flagsJSON),
	}, nil
}

func (r messageRow) message() (types.Message, error) {
	m := types.Message{
		UID:         uint32(r.UID),
		FolderKey:   r.FolderKey,
		Subject:     r.Subject,
		From:        r.From,
		FromName:    r.FromName,
		FromEmail:   r.FromEmail,
		To:          r.To,
		Cc:          r.Cc,
		ReceivedAt:  time.Unix(r.ReceivedAt, 0).UTC(),
		Date:        r.Date,
		MessageID:   r.MessageID,
		References:  r.References,
		Preview:     r.Preview,
		ContentType: r.ContentType,
		Boundary:    r.Boundary,
		IsRead:      r.IsRead,
	}
	if err := json.Unmarshal([]byte(r.Flags), &m.Flags); err != nil {
		return m, fmt.Errorf("failed to unmarshal flags: %w", err)
	}
	if len(m.Flags) == 0 {
		m.Flags = nil
	}
	return m, nil
}

// Store persists folder snapshots
type Store struct {
	db     *Database
	logger *logrus.Entry
}

// NewStore creates a store over an open database
func NewStore(db *Database, logger *logrus.Logger) *Store {
	return &Store{
		db:     db,
		logger: logging.For(logger, logging.ComponentCache),
	}
}

// SaveSnapshot replaces the persisted messages of a folder
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) (err error) {
	tx, err := s.db.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { err = txEnd(tx, err) }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO folders (folder_key, account, path, highest_uid, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(folder_key) DO UPDATE SET
			account = excluded.account,
			path = excluded.path,
			highest_uid = excluded.highest_uid,
			fetched_at = excluded.fetched_at
	`, snap.FolderKey, snap.Account, snap.Path, int64(snap.HighestUID), snap.FetchedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert folder: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE folder_key = ?`, snap.FolderKey); err != nil {
		return fmt.Errorf("failed to clear folder: %w", err)
	}

	insert := `INSERT INTO messages (` + messageColumns + `) VALUES (
		:folder_key, :uid, :subject, :from_header, :from_name, :from_email, :to_header, :cc_header,
		:received_at, :date_header, :message_id, :refs, :preview, :content_type, :boundary, :is_read, :flags)`
	for _, m := range snap.Messages {
		row, rerr := toRow(snap.FolderKey, m)
		if rerr != nil {
			return rerr
		}
		if _, err = tx.NamedExecContext(ctx, insert, row); err != nil {
			return fmt.Errorf("failed to save message %d: %w", m.UID, err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"folder": snap.FolderKey,
		"count":  len(snap.Messages),
	}).Debug("Saved folder snapshot")
	return nil
}

// LoadSnapshot reads one folder, newest first. A folder that was never
// saved yields sql.ErrNoRows.
func (s *Store) LoadSnapshot(ctx context.Context, folderKey string) (*Snapshot, error) {
	var f folderRow
	err := s.db.DB().GetContext(ctx, &f, `SELECT folder_key, account, path, highest_uid, fetched_at FROM folders WHERE folder_key = ?`, folderKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("snapshot not found: %s: %w", folderKey, err)
		}
		return nil, fmt.Errorf("failed to load folder: %w", err)
	}
	return s.load(ctx, f)
}

// LoadAll reads every persisted folder
func (s *Store) LoadAll(ctx context.Context) ([]Snapshot, error) {
	var folders []folderRow
	err := s.db.DB().SelectContext(ctx, &folders, `SELECT folder_key, account, path, highest_uid, fetched_at FROM folders ORDER BY folder_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	out := make([]Snapshot, 0, len(folders))
	for _, f := range folders {
		snap, err := s.load(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, nil
}

func (s *Store) load(ctx context.Context, f folderRow) (*Snapshot, error) {
	var rows []messageRow
	err := s.db.DB().SelectContext(ctx, &rows,
		`SELECT `+messageColumns+` FROM messages WHERE folder_key = ? ORDER BY received_at DESC, uid DESC`, f.FolderKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	snap := &Snapshot{
		FolderKey:  f.FolderKey,
		Account:    f.Account,
		Path:       f.Path,
		HighestUID: uint32(f.HighestUID),
		FetchedAt:  time.Unix(f.FetchedAt, 0).UTC(),
		Messages:   make([]types.Message, 0, len(rows)),
	}
	for _, r := range rows {
		m, err := r.message()
		if err != nil {
			return nil, err
		}
		snap.Messages = append(snap.Messages, m)
	}
	return snap, nil
}

// UpdateFlags rewrites the flags of a persisted message. A message that
// is not persisted is ignored.
func (s *Store) UpdateFlags(ctx context.Context, folderKey string, uid uint32, flags []string, isRead bool) error {
	if flags == nil {
		flags = []string{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}
	_, err = s.db.DB().ExecContext(ctx,
		`UPDATE messages SET flags = ?, is_read = ? WHERE folder_key = ? AND uid = ?`,
		string(flagsJSON), isRead, folderKey, int64(uid))
	if err != nil {
		return fmt.Errorf("failed to update flags: %w", err)
	}
	return nil
}

// DeleteMessage removes a persisted message
func (s *Store) DeleteMessage(ctx context.Context, folderKey string, uid uint32) error {
	_, err := s.db.DB().ExecContext(ctx, `DELETE FROM messages WHERE folder_key = ? AND uid = ?`, folderKey, int64(uid))
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// DeleteFolder removes a folder snapshot and its messages
func (s *Store) DeleteFolder(ctx context.Context, folderKey string) error {
	_, err := s.db.DB().ExecContext(ctx, `DELETE FROM folders WHERE folder_key = ?`, folderKey)
	if err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	return nil
}

func txEnd(tx *sqlx.Tx, err error) error {
	if err == nil {
		if cerr := tx.Commit(); cerr != nil {
			return fmt.Errorf("failed to commit transaction: %w", cerr)
		}
		return nil
	}
	if rerr := tx.Rollback(); rerr != nil {
		return fmt.Errorf("%s, failed to roll back transaction: %w", err.Error(), rerr)
	}
	return err
}
