package types

import (
	"sort"
	"time"
)

// Message represents an email message as seen through an IMAP folder.
// UIDs are only unique inside a folder, use Key for cross-folder identity.
type Message struct {
	UID         uint32    `json:"uid"`
	FolderKey   string    `json:"folder_key"`
	Subject     string    `json:"subject"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Cc          string    `json:"cc,omitempty"`
	FromName    string    `json:"from_name"`
	FromEmail   string    `json:"from_email"`
	ReceivedAt  time.Time `json:"received_at"`
	Date        string    `json:"date,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	References  string    `json:"references,omitempty"`
	Preview     string    `json:"preview,omitempty"`
	Body        string    `json:"body,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Boundary    string    `json:"boundary,omitempty"`
	IsRead      bool      `json:"is_read"`
	Flags       []string  `json:"flags,omitempty"`
}

// MessageKey identifies a message across folders
type MessageKey struct {
	FolderKey string
	UID       uint32
}

// Key returns the cross-folder identity of the message
func (m *Message) Key() MessageKey {
	return MessageKey{FolderKey: m.FolderKey, UID: m.UID}
}

// Clone returns a copy that shares no mutable state with m
func (m Message) Clone() Message {
	if m.Flags != nil {
		m.Flags = append([]string(nil), m.Flags...)
	}
	return m
}

// HasFlag reports whether the message carries the given IMAP flag
func (m *Message) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// SetFlag adds or removes an IMAP flag and keeps IsRead in sync with \Seen
func (m *Message) SetFlag(flag string, on bool) {
	flags := m.Flags[:0:0]
	for _, f := range m.Flags {
		if f != flag {
			flags = append(flags, f)
		}
	}
	if on {
		flags = append(flags, flag)
	}
	m.Flags = flags
	if flag == SeenFlag {
		m.IsRead = on
	}
}

// Newer reports whether a sorts before b in newest-first order: later
// ReceivedAt first, higher UID first on ties.
func Newer(a, b Message) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.After(b.ReceivedAt)
	}
	return a.UID > b.UID
}

// SortNewestFirst orders messages by Newer
func SortNewestFirst(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return Newer(msgs[i], msgs[j]) })
}

// Standard IMAP system flags used by the engine
const (
	SeenFlag    = `\Seen`
	DeletedFlag = `\Deleted`
)

// FolderKey builds the cache key of a folder within an account
func FolderKey(account, path string) string {
	return account + "/" + path
}

// Folder represents an email folder/mailbox
type Folder struct {
	Name       string   `json:"name"`
	Path       string   `json:"path"`
	Delimiter  string   `json:"delimiter,omitempty"`
	Attributes []string `json:"attributes,omitempty"`
}

// Attachment describes a non-body MIME part of a message
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Inline      bool   `json:"inline"`
}

// RenderedMessage is a fully fetched and decoded message ready for display
type RenderedMessage struct {
	Message     Message      `json:"message"`
	HTML        string       `json:"html"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// EmailSummary represents a summary of an email (for search results)
type EmailSummary struct {
	AccountName string    `json:"account_name"`
	FolderPath  string    `json:"folder_path"`
	UID         uint32    `json:"uid"`
	Subject     string    `json:"subject"`
	SenderName  string    `json:"sender_name"`
	SenderEmail string    `json:"sender_email"`
	Date        time.Time `json:"date"`
	Snippet     string    `json:"snippet"`
	IsRead      bool      `json:"is_read"`
}
