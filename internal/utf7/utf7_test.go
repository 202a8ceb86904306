package utf7

import (
	"testing"

	imaputf7 "github.com/emersion/go-imap/utf7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ascii", "INBOX", "INBOX"},
		{"ampersand", "Tom & Jerry", "Tom &- Jerry"},
		{"latin", "Entwürfe", "Entw&APw-rfe"},
		{"cjk", "日本語", "&ZeVnLIqe-"},
		{"mixed", "~peter/mail/台北/日本語", "~peter/mail/&U,BTFw-/&ZeVnLIqe-"},
		{"emoji", "Inbox 📬", "Inbox &2D3c7A-"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Encode(tc.in))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	names := []string{
		"",
		"INBOX",
		"&",
		"&&",
		"a&b",
		"Gesendete Objekte",
		"Корзина",
		"Entwürfe & Notizen",
		"📬📭 mail",
		"[Gmail]/Sent Mail",
		"é",
		"日本語&台北",
	}
	for _, n := range names {
		encoded := Encode(n)
		decoded, err := Decode(encoded)
		require.NoError(t, err, n)
		assert.Equal(t, n, decoded, "encoded as %q", encoded)
	}
}

func TestMatchesGoIMAP(t *testing.T) {
	enc := imaputf7.Encoding.NewEncoder()
	dec := imaputf7.Encoding.NewDecoder()

	for _, n := range []string{"Entwürfe", "日本語", "Tom & Jerry", "Корзина", "📬"} {
		want, err := enc.String(n)
		require.NoError(t, err)
		assert.Equal(t, want, Encode(n), n)

		got, err := Decode(want)
		require.NoError(t, err)
		back, err := dec.String(want)
		require.NoError(t, err)
		assert.Equal(t, back, got)
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, s := range []string{
		"&ZeVnLIqe",  // unterminated
		"&AGE-",      // encodes printable "a"
		"&Jjo!-",     // bad base64
		"caf\xc3\xa9", // raw 8-bit
	} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalid, s)
	}
}
