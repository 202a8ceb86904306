package imap

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Response values produced by the tokenizer. NIL is returned as nil.
type (
	Atom    string
	Quoted  string
	Literal []byte
	List    []any
)

const internalDateLayout = "_2-Jan-2006 15:04:05 -0700"

// Parse tokenizes one logical response (as delimited by the transport) into
// its top-level values.
func Parse(data []byte) ([]any, error) {
	p := &parser{b: data}
	var out []any
	for {
		p.skipSpace()
		if p.atEnd() {
			return out, nil
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

type parser struct {
	b   []byte
	pos int
}

func (p *parser) atEnd() bool {
	return p.pos >= len(p.b) || p.b[p.pos] == '\r' || p.b[p.pos] == '\n'
}

func (p *parser) skipSpace() {
	for p.pos < len(p.b) && p.b[p.pos] == ' ' {
		p.pos++
	}
}

func (p *parser) value() (any, error) {
	switch p.b[p.pos] {
	case '(':
		return p.list()
	case '"':
		return p.quoted()
	case '{':
		return p.literal()
	case ')':
		return nil, p.errorf("unexpected ')'")
	}

	a := p.atom()
	if a == "" {
		return nil, p.errorf("unexpected %q", p.b[p.pos])
	}
	if strings.EqualFold(a, "NIL") {
		return nil, nil
	}
	return Atom(a), nil
}

func (p *parser) list() (List, error) {
	p.pos++ // (
	list := List{}
	for {
		p.skipSpace()
		if p.pos >= len(p.b) {
			return nil, p.errorf("unterminated list")
		}
		if p.b[p.pos] == ')' {
			p.pos++
			return list, nil
		}
		if p.b[p.pos] == '\r' || p.b[p.pos] == '\n' {
			return nil, p.errorf("unterminated list")
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
}

func (p *parser) quoted() (Quoted, error) {
	p.pos++ // "
	var b strings.Builder
	for p.pos < len(p.b) {
		c := p.b[p.pos]
		switch c {
		case '\\':
			if p.pos+1 >= len(p.b) {
				return "", p.errorf("unterminated quoted string")
			}
			b.WriteByte(p.b[p.pos+1])
			p.pos += 2
			continue
		case '"':
			p.pos++
			return Quoted(b.String()), nil
		case '\r', '\n':
			return "", p.errorf("unterminated quoted string")
		}
		b.WriteByte(c)
		p.pos++
	}
	return "", p.errorf("unterminated quoted string")
}

func (p *parser) literal() (Literal, error) {
	end := bytes.IndexByte(p.b[p.pos:], '}')
	if end < 0 {
		return nil, p.errorf("unterminated literal size")
	}
	spec := strings.TrimSuffix(string(p.b[p.pos+1:p.pos+end]), "+")
	n, err := strconv.Atoi(spec)
	if err != nil || n < 0 {
		return nil, p.errorf("invalid literal size %q", spec)
	}
	p.pos += end + 1
	if bytes.HasPrefix(p.b[p.pos:], []byte("\r\n")) {
		p.pos += 2
	} else if p.pos < len(p.b) && p.b[p.pos] == '\n' {
		p.pos++
	} else {
		return nil, p.errorf("literal size not followed by CRLF")
	}
	if p.pos+n > len(p.b) {
		return nil, p.errorf("literal truncated")
	}
	lit := Literal(p.b[p.pos : p.pos+n])
	p.pos += n
	return lit, nil
}

// atom reads an atom, keeping bracketed section specifiers such as
// BODY[HEADER.FIELDS (SUBJECT)] and partial suffixes like <0> intact.
func (p *parser) atom() string {
	start := p.pos
	depth := 0
	for p.pos < len(p.b) {
		c := p.b[p.pos]
		if depth > 0 {
			if c == ']' {
				depth--
			} else if c == '[' {
				depth++
			} else if c == '\r' || c == '\n' {
				break
			}
			p.pos++
			continue
		}
		switch c {
		case ' ', '(', ')', '"', '{', '\r', '\n':
			return string(p.b[start:p.pos])
		case '[':
			depth++
		}
		p.pos++
	}
	return string(p.b[start:p.pos])
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", ErrInvalidResponse, fmt.Sprintf(format, args...), p.pos)
}

// asString returns the text of an atom, quoted string or literal
func asString(v any) (string, bool) {
	switch t := v.(type) {
	case Atom:
		return string(t), true
	case Quoted:
		return string(t), true
	case Literal:
		return string(t), true
	}
	return "", false
}

func asNumber(v any) (uint32, bool) {
	a, ok := v.(Atom)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(string(a), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func asBytes(v any) ([]byte, bool) {
	switch t := v.(type) {
	case Literal:
		return []byte(t), true
	case Quoted:
		return []byte(t), true
	}
	return nil, false
}

// fetchData is one parsed "* n FETCH (...)" response
type fetchData struct {
	Seq          uint32
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Header       []byte
	Body         []byte
	HasHeader    bool
	HasBody      bool
}

// parseFetch parses an untagged FETCH response. It returns nil without
// error for untagged responses of other kinds.
func parseFetch(data []byte) (*fetchData, error) {
	values, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if len(values) < 4 || values[0] != Atom("*") {
		return nil, nil
	}
	if kind, _ := asString(values[2]); !strings.EqualFold(kind, "FETCH") {
		return nil, nil
	}

	seq, ok := asNumber(values[1])
	if !ok {
		return nil, fmt.Errorf("%w: bad FETCH sequence number", ErrInvalidResponse)
	}
	items, ok := values[3].(List)
	if !ok {
		return nil, fmt.Errorf("%w: FETCH without item list", ErrInvalidResponse)
	}

	fd := &fetchData{Seq: seq}
	for i := 0; i+1 < len(items); i += 2 {
		key, _ := asString(items[i])
		key = strings.ToUpper(key)
		val := items[i+1]

		switch {
		case key == "UID":
			fd.UID, _ = asNumber(val)
		case key == "FLAGS":
			if l, ok := val.(List); ok {
				for _, f := range l {
					if s, ok := asString(f); ok {
						fd.Flags = append(fd.Flags, s)
					}
				}
			}
		case key == "INTERNALDATE":
			if s, ok := asString(val); ok {
				if t, err := time.Parse(internalDateLayout, strings.TrimSpace(s)); err == nil {
					fd.InternalDate = t
				}
			}
		case strings.HasPrefix(key, "BODY[HEADER"), key == "RFC822.HEADER":
			fd.Header, fd.HasHeader = asBytes(val)
		case strings.HasPrefix(key, "BODY[]"), key == "RFC822":
			fd.Body, fd.HasBody = asBytes(val)
		}
	}
	return fd, nil
}

// untaggedKind returns the response keyword and optional leading number of
// an untagged response, e.g. ("EXISTS", 5) for "* 5 EXISTS".
func untaggedKind(data []byte) (string, uint32) {
	line := data
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) < 2 || fields[0] != "*" {
		return "", 0
	}
	if n, err := strconv.ParseUint(fields[1], 10, 32); err == nil && len(fields) > 2 {
		return strings.ToUpper(fields[2]), uint32(n)
	}
	return strings.ToUpper(fields[1]), 0
}
