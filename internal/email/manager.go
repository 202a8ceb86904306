// Package email is the engine surface: it ties the IMAP and SMTP clients,
// the connection pool, the parallel fetcher and the caches together per
// configured account.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailbar/internal/cache"
	"github.com/brandon/mailbar/internal/config"
	"github.com/brandon/mailbar/internal/credential"
	"github.com/brandon/mailbar/internal/fetch"
	"github.com/brandon/mailbar/internal/imap"
	"github.com/brandon/mailbar/internal/logging"
	"github.com/brandon/mailbar/internal/mailparse"
	"github.com/brandon/mailbar/internal/pool"
	"github.com/brandon/mailbar/pkg/types"
)

// Mode selects how much of a folder a fetch asks the server for
type Mode int

const (
	// Delta fetches only UIDs above the cached watermark, falling back to a
	// full fetch when the folder has not been fetched yet.
	Delta Mode = iota
	// Full searches the folder again and replaces the cached list.
	Full
)

func (m Mode) String() string {
	if m == Full {
		return "full"
	}
	return "delta"
}

// FetchRequest configures one Fetch call. ShouldCancel is polled before
// every batch. OnBatch is called on the caller's goroutine for every batch
// as it arrives, in no particular lane order.
type FetchRequest struct {
	Mode         Mode
	ShouldCancel func() bool
	OnBatch      func([]types.Message)
}

// FetchResult is the outcome of a fetch. Messages is the cached folder
// after merging, newest first; New holds the messages that were not cached
// before. Err is set when some lanes failed but at least one batch arrived.
type FetchResult struct {
	FolderKey string
	Messages  []types.Message
	New       []types.Message
	Fetched   int
	Cancelled bool
	Err       error
}

// Manager manages email operations
type Manager struct {
	accounts *AccountManager
	cfg      *config.Config
	pool     *pool.Pool[*imap.Client]
	cache    *cache.EmailCache
	store    *cache.Store
	bodies   *lru.Cache[types.MessageKey, *types.RenderedMessage]
	fetcher  *fetch.Orchestrator
	notifier Notifier

	baseLogger *logrus.Logger
	logger     *logrus.Entry
	now        func() time.Time
}

// NewManager creates a new email manager. store and notifier are optional.
func NewManager(cfg *config.Config, creds credential.Store, store *cache.Store, notifier Notifier, logger *logrus.Logger) (*Manager, error) {
	engine := cfg.Engine
	bodies, err := lru.New[types.MessageKey, *types.RenderedMessage](max(engine.BodyCacheSize, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to create message cache: %w", err)
	}

	return &Manager{
		accounts: NewAccountManager(cfg, creds),
		cfg:      cfg,
		pool: pool.New[*imap.Client](pool.Options{
			IdleTimeout:  engine.PoolIdleTimeout.Duration,
			ReapInterval: engine.ReapInterval.Duration,
			Logger:       logger,
		}),
		cache: cache.New(cache.Options{
			MaxPerFolder: engine.CacheMaxPerFolder,
			MaxTotal:     engine.CacheMaxTotal,
			Logger:       logger,
		}),
		store: store,
		bodies: bodies,
		fetcher: fetch.New(fetch.Options{
			BatchSize: engine.BatchSize,
			Lanes:     engine.Lanes,
			MaxTotal:  engine.MaxFetch,
			Logger:    logger,
		}),
		notifier:   notifier,
		baseLogger: logger,
		logger:     logging.For(logger, logging.ComponentManager),
		now:        time.Now,
	}, nil
}

// Accounts returns the configured account names
func (m *Manager) Accounts() []string {
	return m.accounts.ListAccounts()
}

// GetAccount returns an account by name
func (m *Manager) GetAccount(name string) (*Account, error) {
	return m.accounts.GetAccount(name)
}

// Restore loads persisted folder snapshots into the memory cache so they
// can be shown before the first fetch completes.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	snaps, err := m.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore cache: %w", err)
	}
	for _, snap := range snaps {
		if _, err := m.accounts.GetAccount(snap.Account); err != nil {
			continue
		}
		m.cache.Restore(snap.FolderKey, snap.Messages, snap.FetchedAt)
	}
	m.logger.WithField("folders", len(snaps)).Info("Restored cached folders")
	return nil
}

// Cached returns the cached messages of a folder and whether they were
// fetched within maxAge. maxAge <= 0 uses the configured cache max age.
func (m *Manager) Cached(account, folder string, maxAge time.Duration) ([]types.Message, bool) {
	if maxAge <= 0 {
		maxAge = m.cfg.Engine.CacheMaxAge.Duration
	}
	key := types.FolderKey(account, folder)
	msgs, ok := m.cache.Get(key)
	if !ok {
		return nil, false
	}
	return msgs, m.cache.IsValid(key, maxAge)
}

// Fetch searches a folder, fetches the newest MaxEmails headers and merges
// them into the cache.
func (m *Manager) Fetch(ctx context.Context, account, folder string, req FetchRequest) (*FetchResult, error) {
	acc, err := m.accounts.GetAccount(account)
	if err != nil {
		return nil, err
	}
	fc := acc.Config.Folder(folder)
	key := types.FolderKey(account, folder)
	watermark := m.cache.HighestUID(key)
	criteria := searchCriteria(fc, watermark, req.Mode, m.now())
	logger := accountLogger(m.logger, account, folder).WithField("mode", req.Mode.String())

	lease, err := m.acquire(ctx, acc, folder)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", folder, err)
	}

	uids, err := lease.Conn.Search(ctx, criteria)
	if err != nil {
		m.finish(lease, err)
		return nil, fmt.Errorf("failed to search %s: %w", folder, err)
	}
	if fc.MaxEmails > 0 && len(uids) > fc.MaxEmails {
		uids = uids[len(uids)-fc.MaxEmails:]
	}

	run := m.fetcher.Start(ctx, uids, lease.Conn, m.opener(acc, folder), req.ShouldCancel)
	var fetched []types.Message
	for batch := range run.Batches {
		for i := range batch.Messages {
			batch.Messages[i].FolderKey = key
		}
		fetched = append(fetched, batch.Messages...)
		if req.OnBatch != nil {
			req.OnBatch(batch.Messages)
		}
	}
	res := run.Wait()
	m.finish(lease, primaryError(res))

	if res.Err != nil && res.Fetched == 0 {
		return nil, fmt.Errorf("failed to fetch %s: %w", folder, res.Err)
	}

	previous, hadFolder := m.cache.Get(key)
	if req.Mode == Full && res.Err == nil && !res.Cancelled {
		m.cache.Invalidate(key)
	}
	added := m.cache.Merge(key, fetched, fc.MaxEmails)
	added = notIn(added, previous)
	msgs, _ := m.cache.Get(key)

	m.persist(ctx, acc, folder, key, msgs)
	if hadFolder && watermark > 0 {
		m.notify(account, folder, added)
	}

	logger.WithFields(logrus.Fields{
		"searched":  len(uids),
		"fetched":   res.Fetched,
		"new":       len(added),
		"cancelled": res.Cancelled,
	}).Info("Fetched folder")

	return &FetchResult{
		FolderKey: key,
		Messages:  msgs,
		New:       added,
		Fetched:   res.Fetched,
		Cancelled: res.Cancelled,
		Err:       res.Err,
	}, nil
}

// searchCriteria picks exactly one criteria: delta above the watermark,
// then the folder filter, then the date window, then everything.
func searchCriteria(fc config.FolderConfig, watermark uint32, mode Mode, now time.Time) imap.SearchCriteria {
	if mode == Delta && watermark > 0 {
		return imap.SearchUIDAfter(watermark)
	}
	if fc.Filter != nil && len(fc.Filter.Terms) > 0 {
		q := imap.Query{Op: imap.OpAnd}
		if strings.EqualFold(fc.Filter.Op, string(imap.OpOr)) {
			q.Op = imap.OpOr
		}
		for _, t := range fc.Filter.Terms {
			q.Terms = append(q.Terms, imap.Term{Field: t.Field, Value: t.Value})
		}
		return imap.SearchQuery(q)
	}
	if fc.DaysToFetch > 0 {
		return imap.SearchSince(now.AddDate(0, 0, -fc.DaysToFetch))
	}
	return imap.SearchAll()
}

// opener leases connections for the extra fetch lanes. The primary is busy
// with lane 0, so these are throwaway connections unless the pool was
// emptied in between.
func (m *Manager) opener(a *Account, folder string) fetch.Opener {
	return func(ctx context.Context) (fetch.Lease, error) {
		lease, err := m.acquire(ctx, a, folder)
		if err != nil {
			return fetch.Lease{}, err
		}
		return fetch.Lease{
			Fetcher: lease.Conn,
			Done:    func(err error) { m.finish(lease, err) },
		}, nil
	}
}

// primaryError returns the error of lane 0, which ran on the primary lease
func primaryError(res fetch.Result) error {
	for _, err := range res.Errors {
		var le *fetch.LaneError
		if errors.As(err, &le) && le.Lane == 0 {
			return le.Err
		}
	}
	return nil
}

func notIn(msgs, previous []types.Message) []types.Message {
	if len(previous) == 0 {
		return msgs
	}
	seen := make(map[uint32]bool, len(previous))
	for _, p := range previous {
		seen[p.UID] = true
	}
	var out []types.Message
	for _, msg := range msgs {
		if !seen[msg.UID] {
			out = append(out, msg)
		}
	}
	return out
}

func (m *Manager) persist(ctx context.Context, a *Account, folder, key string, msgs []types.Message) {
	if m.store == nil {
		return
	}
	err := m.store.SaveSnapshot(ctx, cache.Snapshot{
		FolderKey:  key,
		Account:    a.Config.Name,
		Path:       folder,
		HighestUID: m.cache.HighestUID(key),
		FetchedAt:  m.cache.FetchedAt(key),
		Messages:   msgs,
	})
	if err != nil {
		accountLogger(m.logger, a.Config.Name, folder).WithError(err).Warn("Failed to persist folder snapshot")
	}
}

func (m *Manager) notify(account, folder string, added []types.Message) {
	if m.notifier == nil {
		return
	}
	var unread []types.Message
	for _, msg := range added {
		if !msg.IsRead {
			unread = append(unread, msg)
		}
	}
	if len(unread) > 0 {
		m.notifier.NewMessages(account, folder, unread)
	}
}

// FetchMessage fetches, decodes and sanitizes a complete message. Results
// are kept in a small LRU keyed by folder and UID.
func (m *Manager) FetchMessage(ctx context.Context, account, folder string, uid uint32) (*types.RenderedMessage, error) {
	acc, err := m.accounts.GetAccount(account)
	if err != nil {
		return nil, err
	}
	key := types.MessageKey{FolderKey: types.FolderKey(account, folder), UID: uid}
	if rendered, ok := m.bodies.Get(key); ok {
		return rendered, nil
	}

	var raw []byte
	err = m.withConn(ctx, acc, folder, func(c *imap.Client) error {
		raw, err = c.FetchFullMessage(ctx, uid)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", uid, err)
	}

	header, body := mailparse.DecodeMessage(raw)
	msg, ok := m.cache.Message(key.FolderKey, uid)
	if !ok {
		msg = messageFromHeader(header, key)
	}
	msg.Body = string(raw)
	msg.Preview = mailparse.PreviewMessage(raw, mailparse.DefaultPreviewLength)

	attachments, err := mailparse.Attachments(raw)
	if err != nil {
		accountLogger(m.logger, account, folder).WithError(err).WithField("uid", uid).Debug("Failed to list attachments")
	}

	rendered := &types.RenderedMessage{
		Message:     msg,
		HTML:        mailparse.SanitizeHTML(body.HTML),
		Text:        body.Text,
		Attachments: attachments,
	}
	m.bodies.Add(key, rendered)
	return rendered, nil
}

func messageFromHeader(h mailparse.Header, key types.MessageKey) types.Message {
	name, addr := mailparse.ParseAddress(h.Get("From"))
	msg := types.Message{
		UID:       key.UID,
		FolderKey: key.FolderKey,
		Subject:   mailparse.DecodeHeader(h.Get("Subject")),
		From:      mailparse.DecodeHeader(h.Get("From")),
		To:        mailparse.DecodeHeader(h.Get("To")),
		Cc:        mailparse.DecodeHeader(h.Get("Cc")),
		FromName:  name,
		FromEmail: addr,
		Date:      h.Get("Date"),
		MessageID: strings.TrimSpace(h.Get("Message-ID")),
	}
	msg.References = strings.TrimSpace(h.Get("References"))
	msg.ContentType = h.Get("Content-Type")
	_, msg.Boundary, _ = mailparse.ContentType(msg.ContentType)
	return msg
}

// ListFolders lists the account's folders on a folder-less connection
func (m *Manager) ListFolders(ctx context.Context, account string) ([]types.Folder, error) {
	acc, err := m.accounts.GetAccount(account)
	if err != nil {
		return nil, err
	}
	var folders []types.Folder
	err = m.withConn(ctx, acc, "", func(c *imap.Client) error {
		folders, err = c.ListFolders(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}

// Run reaps idle pooled connections until ctx ends
func (m *Manager) Run(ctx context.Context) {
	m.pool.Run(ctx)
}

// Stats reports pool usage and the number of cached messages
func (m *Manager) Stats() (pool.Stats, int) {
	return m.pool.Stats(), m.cache.Len()
}

// Close closes all pooled connections
func (m *Manager) Close() error {
	return m.pool.Close()
}
