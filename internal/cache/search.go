package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brandon/mailbar/internal/mailparse"
	"github.com/brandon/mailbar/pkg/types"
)

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
	snippetLength      = 200
)

// SearchOptions filters persisted messages. Empty fields do not filter.
type SearchOptions struct {
	Account    string
	Folder     string
	Sender     string
	Recipient  string
	Subject    string
	Text       string
	DateFrom   *time.Time
	DateTo     *time.Time
	UnreadOnly bool
	Limit      int
}

type summaryRow struct {
	Account    string `db:"account"`
	Path       string `db:"path"`
	UID        int64  `db:"uid"`
	Subject    string `db:"subject"`
	FromName   string `db:"from_name"`
	FromEmail  string `db:"from_email"`
	ReceivedAt int64  `db:"received_at"`
	Preview    string `db:"preview"`
	IsRead     bool   `db:"is_read"`
}

// Search queries persisted snapshots, newest first. Text matches the
// subject, sender, recipients and preview through the full-text index.
func (s *Store) Search(ctx context.Context, opts SearchOptions) ([]types.EmailSummary, error) {
	var (
		conditions []string
		args       []any
	)

	if opts.Account != "" {
		conditions = append(conditions, "f.account = ?")
		args = append(args, opts.Account)
	}
	if opts.Folder != "" {
		conditions = append(conditions, "f.path = ?")
		args = append(args, opts.Folder)
	}
	if opts.Sender != "" {
		like := "%" + opts.Sender + "%"
		conditions = append(conditions, "(m.from_email LIKE ? OR m.from_name LIKE ?)")
		args = append(args, like, like)
	}
	if opts.Recipient != "" {
		like := "%" + opts.Recipient + "%"
		conditions = append(conditions, "(m.to_header LIKE ? OR m.cc_header LIKE ?)")
		args = append(args, like, like)
	}
	if opts.Subject != "" {
		conditions = append(conditions, "m.subject LIKE ?")
		args = append(args, "%"+opts.Subject+"%")
	}
	if opts.DateFrom != nil {
		conditions = append(conditions, "m.received_at >= ?")
		args = append(args, opts.DateFrom.Unix())
	}
	if opts.DateTo != nil {
		conditions = append(conditions, "m.received_at <= ?")
		args = append(args, opts.DateTo.Unix())
	}
	if opts.UnreadOnly {
		conditions = append(conditions, "m.is_read = 0")
	}
	if q := ftsQuery(opts.Text); q != "" {
		conditions = append(conditions, "m.id IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)")
		args = append(args, q)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT f.account, f.path, m.uid, m.subject, m.from_name, m.from_email, m.received_at, m.preview, m.is_read
		FROM messages m
		JOIN folders f ON m.folder_key = f.folder_key
		%s
		ORDER BY m.received_at DESC, m.uid DESC
		LIMIT ?
	`, where)

	var rows []summaryRow
	if err := s.db.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}

	results := make([]types.EmailSummary, 0, len(rows))
	for _, r := range rows {
		results = append(results, types.EmailSummary{
			AccountName: r.Account,
			FolderPath:  r.Path,
			UID:         uint32(r.UID),
			Subject:     r.Subject,
			SenderName:  r.FromName,
			SenderEmail: r.FromEmail,
			Date:        time.Unix(r.ReceivedAt, 0).UTC(),
			Snippet:     mailparse.Truncate(r.Preview, snippetLength),
			IsRead:      r.IsRead,
		})
	}
	return results, nil
}

// ftsQuery turns free text into an FTS5 query matching every word. Each
// word is quoted so operators in user input are taken literally.
func ftsQuery(text string) string {
	words := strings.Fields(text)
	for i, w := range words {
		words[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"`
	}
	return strings.Join(words, " ")
}
