package email

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailbar/internal/imap"
	"github.com/brandon/mailbar/internal/pool"
)

type connLease = pool.Lease[*imap.Client]

func poolKey(a *Account, folder string) pool.Key {
	return pool.Key{Host: a.Config.IMAPHost, User: a.Config.IMAPUsername, Folder: folder}
}

// dialer opens a logged-in session and, when folder is set, selects it.
// The secret is read on every dial.
func (m *Manager) dialer(a *Account, folder string) pool.DialFunc[*imap.Client] {
	return func(ctx context.Context) (*imap.Client, error) {
		secret, err := m.accounts.secret(a)
		if err != nil {
			return nil, err
		}
		c, err := imap.Dial(ctx, a.imapOptions(m.cfg.Engine, m.baseLogger), a.imapCredentials(secret))
		if err != nil {
			return nil, err
		}
		if folder != "" {
			if err := c.Select(ctx, folder); err != nil {
				c.Close()
				return nil, err
			}
		}
		return c, nil
	}
}

// acquire leases a connection for the account's folder, selecting it when
// the pooled session is not on it yet.
func (m *Manager) acquire(ctx context.Context, a *Account, folder string) (*connLease, error) {
	lease, err := m.pool.Acquire(ctx, poolKey(a, folder), m.dialer(a, folder))
	if err != nil {
		return nil, err
	}
	if folder != "" && lease.Conn.Selected() != folder {
		if err := lease.Conn.Select(ctx, folder); err != nil {
			m.finish(lease, err)
			return nil, err
		}
	}
	return lease, nil
}

// finish hands a lease back. Transport failures invalidate the connection;
// NO and BAD completions leave it usable and it is released.
func (m *Manager) finish(lease *connLease, err error) {
	if err != nil && isConnectionError(err) {
		m.logger.WithError(err).WithField("key", lease.Key.String()).Debug("Invalidating connection")
		m.pool.Invalidate(lease)
		return
	}
	m.pool.Release(lease)
}

// withConn runs fn on a leased connection for folder
func (m *Manager) withConn(ctx context.Context, a *Account, folder string, fn func(*imap.Client) error) error {
	lease, err := m.acquire(ctx, a, folder)
	if err != nil {
		return err
	}
	err = fn(lease.Conn)
	m.finish(lease, err)
	return err
}

func isConnectionError(err error) bool {
	return errors.Is(err, imap.ErrConnectionFailed) ||
		errors.Is(err, imap.ErrTimeout) ||
		errors.Is(err, imap.ErrNotConnected) ||
		errors.Is(err, imap.ErrInvalidResponse) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func accountLogger(logger *logrus.Entry, account, folder string) *logrus.Entry {
	fields := logrus.Fields{"account": account}
	if folder != "" {
		fields["folder"] = folder
	}
	return logger.WithFields(fields)
}

var _ pool.Conn = (*imap.Client)(nil)
