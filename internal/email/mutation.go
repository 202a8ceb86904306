package email

import (
	"context"
	"fmt"

	"github.com/brandon/mailbar/internal/imap"
	"github.com/brandon/mailbar/pkg/types"
)

// Mutation is an optimistic change to one message. Commit applies it to
// the local cache, Remote performs it on the server and Compensate undoes
// exactly what Commit did.
type Mutation struct {
	Name       string
	Commit     func()
	Remote     func(ctx context.Context) error
	Compensate func()
}

// Apply commits locally, then runs the remote step, compensating when it
// fails
func (mu Mutation) Apply(ctx context.Context) error {
	mu.Commit()
	if err := mu.Remote(ctx); err != nil {
		mu.Compensate()
		return fmt.Errorf("failed to %s: %w", mu.Name, err)
	}
	return nil
}

// MarkRead sets \Seen on a message
func (m *Manager) MarkRead(ctx context.Context, account, folder string, uid uint32) error {
	return m.setSeen(ctx, account, folder, uid, true)
}

// MarkUnread clears \Seen on a message
func (m *Manager) MarkUnread(ctx context.Context, account, folder string, uid uint32) error {
	return m.setSeen(ctx, account, folder, uid, false)
}

func (m *Manager) setSeen(ctx context.Context, account, folder string, uid uint32, seen bool) error {
	acc, err := m.accounts.GetAccount(account)
	if err != nil {
		return err
	}
	name := "mark message unread"
	if seen {
		name = "mark message read"
	}
	if err := m.flagMutation(acc, folder, uid, name, types.SeenFlag, seen).Apply(ctx); err != nil {
		return err
	}
	m.persistFlags(ctx, account, folder, uid)
	return nil
}

// flagMutation toggles one flag. The cached message's previous flags are
// restored verbatim on failure.
func (m *Manager) flagMutation(acc *Account, folder string, uid uint32, name, flag string, on bool) Mutation {
	key := types.FolderKey(acc.Config.Name, folder)
	prev, cached := m.cache.Message(key, uid)

	return Mutation{
		Name: name,
		Commit: func() {
			m.cache.Update(key, uid, func(msg *types.Message) { msg.SetFlag(flag, on) })
			m.updateBody(key, uid, func(msg *types.Message) { msg.SetFlag(flag, on) })
		},
		Remote: func(ctx context.Context) error {
			return m.withConn(ctx, acc, folder, func(c *imap.Client) error {
				return c.StoreFlag(ctx, uid, flag, on)
			})
		},
		Compensate: func() {
			if !cached {
				return
			}
			restore := func(msg *types.Message) {
				msg.Flags = append([]string(nil), prev.Flags...)
				msg.IsRead = prev.IsRead
			}
			m.cache.Update(key, uid, restore)
			m.updateBody(key, uid, restore)
		},
	}
}

// Delete flags a message \Deleted and expunges the folder. The message is
// removed from the cache right away and put back if the server refuses.
func (m *Manager) Delete(ctx context.Context, account, folder string, uid uint32) error {
	acc, err := m.accounts.GetAccount(account)
	if err != nil {
		return err
	}
	key := types.FolderKey(account, folder)

	var (
		removed types.Message
		wasThere bool
	)
	mu := Mutation{
		Name: "delete message",
		Commit: func() {
			removed, wasThere = m.cache.Remove(key, uid)
		},
		Remote: func(ctx context.Context) error {
			return m.withConn(ctx, acc, folder, func(c *imap.Client) error {
				if err := c.StoreFlag(ctx, uid, types.DeletedFlag, true); err != nil {
					return err
				}
				return c.Expunge(ctx)
			})
		},
		Compensate: func() {
			if wasThere {
				m.cache.Insert(key, removed)
			}
		},
	}
	if err := mu.Apply(ctx); err != nil {
		return err
	}

	m.bodies.Remove(types.MessageKey{FolderKey: key, UID: uid})
	if m.store != nil {
		if err := m.store.DeleteMessage(ctx, key, uid); err != nil {
			accountLogger(m.logger, account, folder).WithError(err).Warn("Failed to delete persisted message")
		}
	}
	return nil
}

func (m *Manager) updateBody(folderKey string, uid uint32, fn func(*types.Message)) {
	key := types.MessageKey{FolderKey: folderKey, UID: uid}
	if rendered, ok := m.bodies.Peek(key); ok {
		updated := *rendered
		updated.Message = rendered.Message.Clone()
		fn(&updated.Message)
		m.bodies.Add(key, &updated)
	}
}

func (m *Manager) persistFlags(ctx context.Context, account, folder string, uid uint32) {
	if m.store == nil {
		return
	}
	key := types.FolderKey(account, folder)
	msg, ok := m.cache.Message(key, uid)
	if !ok {
		return
	}
	if err := m.store.UpdateFlags(ctx, key, uid, msg.Flags, msg.IsRead); err != nil {
		accountLogger(m.logger, account, folder).WithError(err).Warn("Failed to persist flags")
	}
}
