// Package utf7 implements the modified UTF-7 encoding IMAP uses for mailbox
// names (RFC 3501 section 5.1.3).
package utf7

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// The modified base64 alphabet uses ',' instead of '/' and no padding
var encoding = base64.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,").WithPadding(base64.NoPadding)

// ErrInvalid is returned for mailbox names that are not valid modified UTF-7
var ErrInvalid = errors.New("utf7: invalid modified UTF-7")

const (
	shift   = '&'
	unshift = '-'
)

func printable(r rune) bool {
	return r >= 0x20 && r <= 0x7e
}

// Encode converts a Unicode folder name into its wire form
func Encode(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	var run []rune
	flush := func() {
		if len(run) == 0 {
			return
		}
		units := utf16.Encode(run)
		buf := make([]byte, 0, len(units)*2)
		for _, u := range units {
			buf = append(buf, byte(u>>8), byte(u))
		}
		b.WriteByte(shift)
		b.WriteString(encoding.EncodeToString(buf))
		b.WriteByte(unshift)
		run = run[:0]
	}

	for _, r := range s {
		switch {
		case r == shift:
			flush()
			b.WriteString("&-")
		case printable(r):
			flush()
			b.WriteRune(r)
		default:
			run = append(run, r)
		}
	}
	flush()
	return b.String()
}

// Decode converts a wire folder name back into Unicode
func Decode(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != shift {
			if !printable(rune(c)) {
				return "", fmt.Errorf("%w: byte %#x at %d", ErrInvalid, c, i)
			}
			b.WriteByte(c)
			continue
		}

		end := strings.IndexByte(s[i+1:], unshift)
		if end < 0 {
			return "", fmt.Errorf("%w: unterminated shift at %d", ErrInvalid, i)
		}
		chunk := s[i+1 : i+1+end]
		i += end + 1

		if chunk == "" {
			b.WriteByte(shift)
			continue
		}

		decoded, err := decodeChunk(chunk)
		if err != nil {
			return "", err
		}
		b.WriteString(decoded)
	}
	return b.String(), nil
}

func decodeChunk(chunk string) (string, error) {
	raw, err := encoding.DecodeString(chunk)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(raw)%2 != 0 {
		return "", fmt.Errorf("%w: odd UTF-16 length", ErrInvalid)
	}

	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = uint16(raw[2*i])<<8 | uint16(raw[2*i+1])
	}

	runes := utf16.Decode(units)
	for _, r := range runes {
		if r == utf8.RuneError || printable(r) {
			// printable ASCII must never be base64 encoded
			return "", fmt.Errorf("%w: bad encoded rune %q", ErrInvalid, r)
		}
	}
	return string(runes), nil
}
