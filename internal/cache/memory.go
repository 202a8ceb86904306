package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailbar/internal/logging"
	"github.com/brandon/mailbar/pkg/types"
)

const (
	DefaultMaxPerFolder = 500
	DefaultMaxTotal     = 2000
)

// Options bounds an EmailCache
type Options struct {
	MaxPerFolder int
	MaxTotal     int
	Logger       *logrus.Logger
}

type folderEntry struct {
	msgs       []types.Message
	highestUID uint32
	fetchedAt  time.Time
}

// EmailCache holds the newest messages of every fetched folder, newest
// first. Readers get copies; all writes happen under one lock.
type EmailCache struct {
	mu      sync.RWMutex
	folders map[string]*folderEntry
	total   int

	opts   Options
	logger *logrus.Entry
	now    func() time.Time
}

// New creates an empty cache
func New(opts Options) *EmailCache {
	if opts.MaxPerFolder <= 0 {
		opts.MaxPerFolder = DefaultMaxPerFolder
	}
	if opts.MaxTotal <= 0 {
		opts.MaxTotal = DefaultMaxTotal
	}
	return &EmailCache{
		folders: map[string]*folderEntry{},
		opts:    opts,
		logger:  logging.For(opts.Logger, logging.ComponentCache),
		now:     time.Now,
	}
}

// Merge adds messages whose UID is not yet cached and refreshes the flags of
// those that are. The folder is trimmed to maxPerFolder, never above the
// configured per-folder bound, and the cache to its global bound. It returns
// the added messages that survived trimming.
func (c *EmailCache) Merge(folderKey string, msgs []types.Message, maxPerFolder int) []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(folderKey)
	index := make(map[uint32]int, len(e.msgs))
	for i, m := range e.msgs {
		index[m.UID] = i
	}

	var added []types.Message
	for _, m := range msgs {
		if i, ok := index[m.UID]; ok {
			e.msgs[i].Flags = append([]string(nil), m.Flags...)
			e.msgs[i].IsRead = m.IsRead
			continue
		}
		m = m.Clone()
		m.FolderKey = folderKey
		index[m.UID] = len(e.msgs)
		e.msgs = append(e.msgs, m)
		added = append(added, m)
	}

	c.total += len(added)
	types.SortNewestFirst(e.msgs)
	c.trim(e, c.folderBound(maxPerFolder))
	e.fetchedAt = c.now()
	e.highestUID = highestUID(e.msgs)
	c.enforceTotal()

	return c.surviving(folderKey, added)
}

// Set replaces a folder's messages
func (c *EmailCache) Set(folderKey string, msgs []types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(folderKey, msgs, c.now())
}

// Restore replaces a folder's messages with a persisted snapshot, keeping
// the time it was originally fetched so IsValid stays honest.
func (c *EmailCache) Restore(folderKey string, msgs []types.Message, fetchedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(folderKey, msgs, fetchedAt)
}

func (c *EmailCache) set(folderKey string, msgs []types.Message, fetchedAt time.Time) {
	e := c.entry(folderKey)
	c.total -= len(e.msgs)
	e.msgs = make([]types.Message, 0, len(msgs))
	seen := make(map[uint32]bool, len(msgs))
	for _, m := range msgs {
		if seen[m.UID] {
			continue
		}
		seen[m.UID] = true
		m = m.Clone()
		m.FolderKey = folderKey
		e.msgs = append(e.msgs, m)
	}
	c.total += len(e.msgs)
	types.SortNewestFirst(e.msgs)
	c.trim(e, c.opts.MaxPerFolder)
	e.fetchedAt = fetchedAt
	e.highestUID = highestUID(e.msgs)
	c.enforceTotal()
}

// Get returns a copy of a folder's messages, newest first
func (c *EmailCache) Get(folderKey string) ([]types.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.folders[folderKey]
	if !ok {
		return nil, false
	}
	out := make([]types.Message, len(e.msgs))
	for i, m := range e.msgs {
		out[i] = m.Clone()
	}
	return out, true
}

// Message returns a copy of one cached message
func (c *EmailCache) Message(folderKey string, uid uint32) (types.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.folders[folderKey]; ok {
		for _, m := range e.msgs {
			if m.UID == uid {
				return m.Clone(), true
			}
		}
	}
	return types.Message{}, false
}

// HighestUID returns the largest cached UID of a folder, 0 when unknown
func (c *EmailCache) HighestUID(folderKey string) uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.folders[folderKey]; ok {
		return e.highestUID
	}
	return 0
}

// Update applies fn to a cached message in place and reports whether the
// message was found.
func (c *EmailCache) Update(folderKey string, uid uint32, fn func(*types.Message)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.folders[folderKey]
	if !ok {
		return false
	}
	for i := range e.msgs {
		if e.msgs[i].UID == uid {
			fn(&e.msgs[i])
			e.msgs[i].UID = uid
			e.msgs[i].FolderKey = folderKey
			return true
		}
	}
	return false
}

// Remove deletes a message and returns it
func (c *EmailCache) Remove(folderKey string, uid uint32) (types.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.folders[folderKey]
	if !ok {
		return types.Message{}, false
	}
	for i, m := range e.msgs {
		if m.UID == uid {
			e.msgs = append(e.msgs[:i:i], e.msgs[i+1:]...)
			c.total--
			e.highestUID = highestUID(e.msgs)
			return m, true
		}
	}
	return types.Message{}, false
}

// Insert puts a message back into a folder without touching the fetch time
func (c *EmailCache) Insert(folderKey string, m types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(folderKey)
	for _, existing := range e.msgs {
		if existing.UID == m.UID {
			return
		}
	}
	m = m.Clone()
	m.FolderKey = folderKey
	e.msgs = append(e.msgs, m)
	c.total++
	types.SortNewestFirst(e.msgs)
	c.trim(e, c.opts.MaxPerFolder)
	e.highestUID = highestUID(e.msgs)
	c.enforceTotal()
}

// IsValid reports whether a folder was fetched within maxAge
func (c *EmailCache) IsValid(folderKey string, maxAge time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.folders[folderKey]
	if !ok || e.fetchedAt.IsZero() {
		return false
	}
	return c.now().Sub(e.fetchedAt) <= maxAge
}

// FetchedAt returns when a folder was last merged or set
func (c *EmailCache) FetchedAt(folderKey string) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.folders[folderKey]; ok {
		return e.fetchedAt
	}
	return time.Time{}
}

// Invalidate drops a folder
func (c *EmailCache) Invalidate(folderKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.folders[folderKey]; ok {
		c.total -= len(e.msgs)
		delete(c.folders, folderKey)
	}
}

// Folders lists cached folder keys in order
func (c *EmailCache) Folders() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.folders))
	for k := range c.folders {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of cached messages across all folders
func (c *EmailCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total
}

func (c *EmailCache) entry(folderKey string) *folderEntry {
	e, ok := c.folders[folderKey]
	if !ok {
		e = &folderEntry{}
		c.folders[folderKey] = e
	}
	return e
}

// enforceTotal evicts the globally oldest messages until the cache fits
// MaxTotal. Each folder is sorted newest first, so the candidates are the
// folder tails.
func (c *EmailCache) enforceTotal() {
	evicted := 0
	for c.total > c.opts.MaxTotal {
		var victim *folderEntry
		for _, e := range c.folders {
			if len(e.msgs) == 0 {
				continue
			}
			if victim == nil || types.Newer(victim.msgs[len(victim.msgs)-1], e.msgs[len(e.msgs)-1]) {
				victim = e
			}
		}
		if victim == nil {
			break
		}
		victim.msgs = victim.msgs[:len(victim.msgs)-1]
		victim.highestUID = highestUID(victim.msgs)
		c.total--
		evicted++
	}
	if evicted > 0 {
		c.logger.WithField("evicted", evicted).Debug("Trimmed cache to global bound")
	}
}

// folderBound is the per-folder limit for a caller-supplied cap; 0 or a
// cap above the configured bound yields the configured bound.
func (c *EmailCache) folderBound(maxPerFolder int) int {
	if maxPerFolder <= 0 || maxPerFolder > c.opts.MaxPerFolder {
		return c.opts.MaxPerFolder
	}
	return maxPerFolder
}

// trim drops the oldest messages of a sorted entry beyond limit
func (c *EmailCache) trim(e *folderEntry, limit int) {
	if len(e.msgs) > limit {
		c.total -= len(e.msgs) - limit
		e.msgs = e.msgs[:limit:limit]
	}
}

func (c *EmailCache) surviving(folderKey string, added []types.Message) []types.Message {
	if len(added) == 0 {
		return nil
	}
	present := map[uint32]bool{}
	for _, m := range c.folders[folderKey].msgs {
		present[m.UID] = true
	}
	out := added[:0]
	for _, m := range added {
		if present[m.UID] {
			out = append(out, m)
		}
	}
	types.SortNewestFirst(out)
	return out
}

func highestUID(msgs []types.Message) uint32 {
	var max uint32
	for _, m := range msgs {
		if m.UID > max {
			max = m.UID
		}
	}
	return max
}
