package mailparse

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"github.com/gogs/chardet"
	"golang.org/x/text/encoding/charmap"
)

func normalizeCharset(label string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(label)), `"'`)
}

func isUTF8Label(label string) bool {
	switch label {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return true
	}
	return false
}

// CharsetReader returns a reader converting input from the named charset to
// UTF-8. Unknown charsets are passed through as UTF-8 when the bytes are
// valid UTF-8 and decoded as Latin-1 otherwise.
func CharsetReader(label string, input io.Reader) (io.Reader, error) {
	label = normalizeCharset(label)
	if !isUTF8Label(label) {
		if r, err := charset.Reader(label, input); err == nil {
			return r, nil
		}
	}

	b, err := io.ReadAll(input)
	if err != nil {
		return nil, err
	}
	if utf8.Valid(b) {
		return bytes.NewReader(b), nil
	}
	return charmap.ISO8859_1.NewDecoder().Reader(bytes.NewReader(b)), nil
}

// DecodeBytes converts a leaf part body to a UTF-8 string. When no usable
// charset is declared and the bytes are not UTF-8, the charset is sniffed.
func DecodeBytes(b []byte, label string) string {
	label = normalizeCharset(label)
	if !isUTF8Label(label) {
		if r, err := charset.Reader(label, bytes.NewReader(b)); err == nil {
			if out, err := io.ReadAll(r); err == nil {
				return string(out)
			}
		}
	}

	if utf8.Valid(b) {
		return string(b)
	}
	if detected := detectCharset(b); detected != "" && !isUTF8Label(detected) {
		if r, err := charset.Reader(detected, bytes.NewReader(b)); err == nil {
			if out, err := io.ReadAll(r); err == nil {
				return string(out)
			}
		}
	}

	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "�")
	}
	return string(out)
}

func detectCharset(b []byte) string {
	res, err := chardet.NewTextDetector().DetectBest(b)
	if err != nil || res == nil {
		return ""
	}
	return normalizeCharset(res.Charset)
}
