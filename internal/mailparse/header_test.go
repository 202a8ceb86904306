package mailparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeHeader(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Weekly report", "Weekly report"},
		{"base64 utf8", "=?UTF-8?B?w6nDqMOg?=", "éèà"},
		{"q latin1", "=?ISO-8859-1?Q?Caf=E9?=", "Café"},
		{"q underscore", "=?utf-8?q?Hello_World?=", "Hello World"},
		{"adjacent words", "=?UTF-8?B?SGVs?= =?UTF-8?B?bG8=?=", "Hello"},
		{"mixed text", "Re: =?UTF-8?Q?R=C3=A9union?= demain", "Re: Réunion demain"},
		{"windows-1252", "=?windows-1252?Q?=93quoted=94?=", "“quoted”"},
		{"raw spaces in q", "=?UTF-8?Q?a b?=", "a b"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DecodeHeader(tc.in))
		})
	}
}

func TestDecodeHeaderDoubleEncoded(t *testing.T) {
	// "=?UTF-8?B?w6k=?=" encoded once more
	inner := EncodeWord("é")
	assert.Equal(t, "=?UTF-8?b?w6k=?=", inner)
	assert.Equal(t, "é", DecodeHeader("=?UTF-8?Q?"+"=3D=3FUTF-8=3Fb=3Fw6k=3D=3F=3D"+"?="))
}

func TestEncodeWord(t *testing.T) {
	assert.Equal(t, "Hello", EncodeWord("Hello"))
	assert.Equal(t, "Grüße", DecodeHeader(EncodeWord("Grüße")))
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in       string
		wantName string
		wantAddr string
	}{
		{"John Doe <john@example.com>", "John Doe", "john@example.com"},
		{`"Doe, John" <john@example.com>`, "Doe, John", "john@example.com"},
		{"john@example.com", "", "john@example.com"},
		{"<john@example.com>", "", "john@example.com"},
		{"=?UTF-8?B?SsO8cmdlbg==?= <j@example.de>", "Jürgen", "j@example.de"},
		{"Broken Name <not an address>", "Broken Name", "not an address"},
		{"", "", ""},
	}
	for _, tc := range tests {
		name, addr := ParseAddress(tc.in)
		assert.Equal(t, tc.wantName, name, tc.in)
		assert.Equal(t, tc.wantAddr, addr, tc.in)
	}
}

func TestFormatAddress(t *testing.T) {
	assert.Equal(t, "a@example.com", FormatAddress("", "a@example.com"))
	assert.Equal(t, "Ann <a@example.com>", FormatAddress("Ann", "a@example.com"))
	assert.Equal(t, `"Lee, Ann" <a@example.com>`, FormatAddress("Lee, Ann", "a@example.com"))
	assert.Equal(t, "=?UTF-8?b?w4VzYQ==?= <a@example.com>", FormatAddress("Åsa", "a@example.com"))
}

func TestSplitAddresses(t *testing.T) {
	got := SplitAddresses(`"Doe, John" <john@example.com>, jane@example.com,, <x@y.z> ; last@example.org`)
	assert.Equal(t, []string{
		`"Doe, John" <john@example.com>`,
		"jane@example.com",
		"<x@y.z>",
		"last@example.org",
	}, got)
	assert.Empty(t, SplitAddresses(" , "))
}

func TestParseHeaderBlock(t *testing.T) {
	raw := "Subject: a very\r\n long subject\r\nFrom: Ann <a@example.com>\r\nReceived: one\r\nReceived: two\r\n\r\nBody: not a header\r\n"
	h := ParseHeaderBlock([]byte(raw))

	assert.Equal(t, "a very long subject", h.Get("subject"))
	assert.Equal(t, "Ann <a@example.com>", h.Get("FROM"))
	assert.Equal(t, []string{"one", "two"}, h.Values("Received"))
	assert.Empty(t, h.Get("Body"))
	assert.Equal(t, 4, h.Len())
}

func TestContentType(t *testing.T) {
	mt, boundary, params := ContentType(`multipart/alternative; boundary="b1"; charset=utf-8`)
	assert.Equal(t, "multipart/alternative", mt)
	assert.Equal(t, "b1", boundary)
	assert.Equal(t, "utf-8", params["charset"])

	mt, boundary, _ = ContentType(`Multipart/Mixed; boundary=abc; ;;`)
	assert.Equal(t, "multipart/mixed", mt)
	assert.Equal(t, "abc", boundary)

	mt, _, _ = ContentType("")
	assert.Empty(t, mt)
}
