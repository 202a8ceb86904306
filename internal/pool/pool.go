// Package pool keeps one reusable connection per (host, user, folder) and
// hands out throwaway connections while that one is busy.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailbar/internal/logging"
)

const (
	DefaultIdleTimeout  = 300 * time.Second
	DefaultReapInterval = 120 * time.Second
)

// ErrClosed is returned by Acquire after Close
var ErrClosed = errors.New("pool: closed")

// Conn is what the pool needs from a connection
type Conn interface {
	Alive() bool
	Close() error
}

// Key identifies a pooled connection
type Key struct {
	Host   string
	User   string
	Folder string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Host, logging.MaskEmail(k.User), k.Folder)
}

// DialFunc opens a new connection for a key
type DialFunc[C Conn] func(ctx context.Context) (C, error)

// Options configures a Pool
type Options struct {
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	Logger       *logrus.Logger
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Pooled int
	InUse  int
}

type entry[C Conn] struct {
	conn     C
	inUse    bool
	dialing  bool
	lastUsed time.Time
}

// Lease is a connection handed out by Acquire. Every lease must be given
// back with Release or Invalidate.
type Lease[C Conn] struct {
	Conn C
	Key  Key

	entry  *entry[C]
	pooled bool
	done   bool
}

// Pooled reports whether the lease holds the key's primary connection
func (l *Lease[C]) Pooled() bool {
	return l.pooled
}

// Pool is safe for concurrent use
type Pool[C Conn] struct {
	mu      sync.Mutex
	entries map[Key]*entry[C]
	closed  bool

	opts   Options
	logger *logrus.Entry
	now    func() time.Time
}

// New creates an empty pool
func New[C Conn](opts Options) *Pool[C] {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	return &Pool[C]{
		entries: map[Key]*entry[C]{},
		opts:    opts,
		logger:  logging.For(opts.Logger, logging.ComponentPool),
		now:     time.Now,
	}
}

// Acquire returns the idle primary connection for key, or dials one. When
// the primary is busy (or still being dialed) a throwaway connection is
// dialed instead; it is closed on Release.
func (p *Pool[C]) Acquire(ctx context.Context, key Key, dial DialFunc[C]) (*Lease[C], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	var stale *entry[C]
	if e, ok := p.entries[key]; ok {
		if e.inUse {
			p.mu.Unlock()
			return p.throwaway(ctx, key, dial)
		}
		if e.conn.Alive() {
			e.inUse = true
			p.mu.Unlock()
			return &Lease[C]{Conn: e.conn, Key: key, entry: e, pooled: true}, nil
		}
		delete(p.entries, key)
		stale = e
	}

	// reserve the slot so concurrent callers take the throwaway path
	e := &entry[C]{inUse: true, dialing: true}
	p.entries[key] = e
	p.mu.Unlock()

	if stale != nil {
		p.logger.WithField("key", key.String()).Debug("Discarding dead pooled connection")
		_ = stale.conn.Close()
	}

	conn, err := dial(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		if p.entries[key] == e {
			delete(p.entries, key)
		}
		return nil, err
	}
	if p.closed || p.entries[key] != e {
		// invalidated while dialing: the caller still gets a usable connection
		return &Lease[C]{Conn: conn, Key: key}, nil
	}
	e.conn = conn
	e.dialing = false
	p.logger.WithField("key", key.String()).Debug("Pooled new connection")
	return &Lease[C]{Conn: conn, Key: key, entry: e, pooled: true}, nil
}

func (p *Pool[C]) throwaway(ctx context.Context, key Key, dial DialFunc[C]) (*Lease[C], error) {
	p.logger.WithField("key", key.String()).Debug("Primary connection busy, dialing throwaway")
	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	return &Lease[C]{Conn: conn, Key: key}, nil
}

// Release returns a lease. A pooled connection stays open for reuse unless
// it has died; a throwaway connection is closed.
func (p *Pool[C]) Release(l *Lease[C]) {
	if l == nil || l.done {
		return
	}
	l.done = true
	if !l.pooled {
		_ = l.Conn.Close()
		return
	}

	p.mu.Lock()
	if p.entries[l.Key] != l.entry {
		p.mu.Unlock()
		_ = l.Conn.Close()
		return
	}
	if !l.Conn.Alive() {
		delete(p.entries, l.Key)
		p.mu.Unlock()
		_ = l.Conn.Close()
		return
	}
	l.entry.inUse = false
	l.entry.lastUsed = p.now()
	p.mu.Unlock()
}

// Invalidate closes a lease's connection and removes it from the pool
func (p *Pool[C]) Invalidate(l *Lease[C]) {
	if l == nil || l.done {
		return
	}
	l.done = true
	if l.pooled {
		p.mu.Lock()
		if p.entries[l.Key] == l.entry {
			delete(p.entries, l.Key)
		}
		p.mu.Unlock()
	}
	_ = l.Conn.Close()
}

// InvalidateKey force-closes and removes the key's primary connection,
// even while it is leased.
func (p *Pool[C]) InvalidateKey(key Key) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if ok && !e.dialing {
		_ = e.conn.Close()
	}
}

// Reap closes idle connections unused for longer than the idle timeout and
// returns how many were closed.
func (p *Pool[C]) Reap() int {
	cutoff := p.now().Add(-p.opts.IdleTimeout)

	p.mu.Lock()
	var idle []C
	for key, e := range p.entries {
		if e.inUse || !e.lastUsed.Before(cutoff) {
			continue
		}
		delete(p.entries, key)
		idle = append(idle, e.conn)
	}
	p.mu.Unlock()

	for _, c := range idle {
		_ = c.Close()
	}
	if len(idle) > 0 {
		p.logger.WithField("closed", len(idle)).Debug("Reaped idle connections")
	}
	return len(idle)
}

// Run reaps on every interval until ctx is done
func (p *Pool[C]) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Reap()
		}
	}
}

// Close closes every pooled connection and rejects further Acquire calls.
// Outstanding leases stay usable; their connections are closed on Release.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	p.closed = true
	var conns []C
	for key, e := range p.entries {
		if !e.dialing {
			conns = append(conns, e.conn)
		}
		delete(p.entries, key)
	}
	p.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats counts pooled and leased primary connections
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Pooled: len(p.entries)}
	for _, e := range p.entries {
		if e.inUse {
			s.InUse++
		}
	}
	return s
}
