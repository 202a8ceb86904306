// Package mailparse decodes message headers and MIME bodies into the
// normalized form the engine caches and renders.
package mailparse

import (
	"mime"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: CharsetReader}

var encodedWordRe = regexp.MustCompile(`=\?[^?\s]+\?[BbQq]\?[^?]*\?=`)

// maxDecodePasses bounds repeated decoding of doubly-encoded headers
const maxDecodePasses = 4

// DecodeHeader decodes RFC 2047 encoded words until none are left
func DecodeHeader(s string) string {
	for i := 0; i < maxDecodePasses && strings.Contains(s, "=?"); i++ {
		out, err := wordDecoder.DecodeHeader(s)
		if err != nil || out == s {
			out = decodeLenient(s)
		}
		if out == s {
			break
		}
		s = out
	}
	return s
}

// decodeLenient handles encoded words the strict decoder refuses, such as
// words containing raw spaces or unknown charsets mid-header.
func decodeLenient(s string) string {
	matches := encodedWordRe.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	var b strings.Builder
	last := 0
	for i, m := range matches {
		gap := s[last:m[0]]
		// whitespace between two adjacent encoded words is dropped
		if !(i > 0 && strings.TrimSpace(gap) == "") {
			b.WriteString(gap)
		}
		word := s[m[0]:m[1]]
		if decoded, err := wordDecoder.Decode(word); err == nil {
			b.WriteString(decoded)
		} else {
			b.WriteString(word)
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// EncodeWord returns s as an RFC 2047 Base64 encoded word when it contains
// non-ASCII characters and unchanged otherwise.
func EncodeWord(s string) string {
	if isASCII(s) {
		return s
	}
	return mime.BEncoding.Encode("UTF-8", s)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

var addressParser = &mail.AddressParser{WordDecoder: wordDecoder}

// ParseAddress splits a "Name <addr>" field into display name and address
func ParseAddress(raw string) (name, addr string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}

	if a, err := addressParser.Parse(raw); err == nil {
		return strings.TrimSpace(a.Name), a.Address
	}

	decoded := DecodeHeader(raw)
	if open := strings.LastIndexByte(decoded, '<'); open >= 0 {
		if end := strings.IndexByte(decoded[open:], '>'); end > 0 {
			name = strings.TrimSpace(decoded[:open])
			name = strings.TrimSpace(strings.Trim(name, `"'`))
			addr = strings.TrimSpace(decoded[open+1 : open+end])
			return name, addr
		}
	}
	if strings.Contains(decoded, "@") {
		return "", strings.Trim(decoded, `<>"' `)
	}
	return strings.Trim(decoded, `"' `), ""
}

// FormatAddress renders an address for an outgoing header, encoding
// non-ASCII display names as Base64 encoded words.
func FormatAddress(name, addr string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return addr
	}
	if !isASCII(name) {
		return EncodeWord(name) + " <" + addr + ">"
	}
	if strings.ContainsAny(name, `()<>[]:;@\,."`) {
		name = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name) + `"`
	}
	return name + " <" + addr + ">"
}

// SplitAddresses splits a comma separated address list, ignoring commas
// inside quoted names and angle brackets. Empty entries are dropped.
func SplitAddresses(list string) []string {
	var (
		out     []string
		cur     strings.Builder
		quoted  bool
		escaped bool
		angle   int
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for _, r := range list {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && quoted:
			escaped = true
		case r == '"':
			quoted = !quoted
		case r == '<' && !quoted:
			angle++
		case r == '>' && !quoted && angle > 0:
			angle--
		case (r == ',' || r == ';') && !quoted && angle == 0:
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	return out
}

// Field is a single unfolded header field
type Field struct {
	Name  string
	Value string
}

// Header is an ordered, case-insensitive view of a header block
type Header struct {
	fields []Field
}

// ParseHeaderBlock parses raw header lines, unfolding continuation lines.
// Parsing stops at the first empty line.
func ParseHeaderBlock(raw []byte) Header {
	var h Header
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")

	for _, line := range strings.Split(text, "\n") {
		if line == "" || line == "\r" {
			if len(h.fields) > 0 {
				break
			}
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if n := len(h.fields); n > 0 {
				h.fields[n-1].Value += " " + strings.TrimSpace(line)
			}
			continue
		}

		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		h.fields = append(h.fields, Field{
			Name:  strings.TrimSpace(line[:colon]),
			Value: strings.TrimSpace(line[colon+1:]),
		})
	}
	return h
}

// Get returns the first value of the named field
func (h Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns all values of the named field in order
func (h Header) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Fields returns all fields in their original order
func (h Header) Fields() []Field {
	return append([]Field(nil), h.fields...)
}

// Len returns the number of fields
func (h Header) Len() int {
	return len(h.fields)
}

// ContentType returns the media type and the boundary parameter of a
// Content-Type value. Malformed values still yield the bare media type.
func ContentType(value string) (mediaType, boundary string, params map[string]string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", "", map[string]string{}
	}
	mediaType, params, err := mime.ParseMediaType(value)
	if err != nil {
		params = lenientParams(value)
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(value, ";", 2)[0]))
	}
	return mediaType, params["boundary"], params
}

var paramRe = regexp.MustCompile(`(?i)([a-z0-9*_-]+)\s*=\s*("([^"]*)"|[^;\s]+)`)

func lenientParams(value string) map[string]string {
	params := map[string]string{}
	semi := strings.IndexByte(value, ';')
	if semi < 0 {
		return params
	}
	for _, m := range paramRe.FindAllStringSubmatch(value[semi+1:], -1) {
		v := m[2]
		if m[3] != "" || strings.HasPrefix(v, `"`) {
			v = m[3]
		}
		params[strings.ToLower(m[1])] = v
	}
	return params
}
