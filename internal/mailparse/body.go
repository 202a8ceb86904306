package mailparse

import (
	"bytes"
	"encoding/base64"
	"html"
	"io"
	"mime/quotedprintable"
	"regexp"
	"strconv"
	"strings"
)

// maxPartDepth bounds multipart nesting
const maxPartDepth = 16

var boundaryRe = regexp.MustCompile(`(?m)^--(\S[^\r\n]*?)[ \t]*\r?\n`)

const plainShell = `<!DOCTYPE html><html><head><meta charset="utf-8"></head>` +
	`<body><div style="font-family: -apple-system, Helvetica, sans-serif; font-size: 13px;">%s</div></body></html>`

// Rendered is the displayable form of a message body
type Rendered struct {
	HTML string
	Text string
}

// candidates collects the first html and text leaves seen in document order
type candidates struct {
	html string
	text string
}

func (c *candidates) merge(o candidates) {
	if c.html == "" {
		c.html = o.html
	}
	if c.text == "" {
		c.text = o.text
	}
}

// RenderHTML returns displayable HTML for a message body. The first text/html
// part wins, then the first text/plain part wrapped in an HTML shell, then a
// best-effort scrape of the raw body. A missing boundary is sniffed from the
// body.
func RenderHTML(body, contentType, boundary string) string {
	return render(body, contentType, boundary, "").HTML
}

// DecodeMessage splits a complete raw message and renders its body
func DecodeMessage(raw []byte) (Header, Rendered) {
	head, body := splitHeaderBody(string(raw))
	h := ParseHeaderBlock([]byte(head))
	return h, render(body, h.Get("Content-Type"), "", h.Get("Content-Transfer-Encoding"))
}

func render(body, contentType, boundary, encoding string) Rendered {
	c := collect(body, contentType, boundary, encoding, 0)

	var r Rendered
	switch {
	case strings.TrimSpace(c.html) != "":
		r.HTML = c.html
		r.Text = c.text
		if strings.TrimSpace(r.Text) == "" {
			r.Text = htmlToText(c.html)
		}
	case strings.TrimSpace(c.text) != "":
		r.Text = c.text
		r.HTML = WrapPlainText(c.text)
	default:
		r.Text = scrape(body)
		r.HTML = WrapPlainText(r.Text)
	}
	return r
}

func collect(body, contentType, boundary, encoding string, depth int) candidates {
	mediaType, declared, params := ContentType(contentType)

	if strings.HasPrefix(mediaType, "multipart/") || mediaType == "" {
		b := boundary
		if b == "" {
			b = declared
		}
		if b == "" && (mediaType != "" || looksMultipart(body)) {
			b = sniffBoundary(body)
		}
		if b != "" && depth < maxPartDepth {
			var c candidates
			for _, part := range splitParts(body, b) {
				head, content := splitHeaderBody(part)
				h := ParseHeaderBlock([]byte(head))
				if isAttachment(h.Get("Content-Disposition")) {
					continue
				}
				c.merge(collect(content, h.Get("Content-Type"), "", h.Get("Content-Transfer-Encoding"), depth+1))
				if c.html != "" && c.text != "" {
					break
				}
			}
			return c
		}
		if strings.HasPrefix(mediaType, "multipart/") {
			return candidates{}
		}
	}

	decoded := DecodeBytes(decodeTransfer(body, encoding), params["charset"])
	switch mediaType {
	case "text/html":
		return candidates{html: decoded}
	case "text/plain", "":
		return candidates{text: decoded}
	}
	return candidates{}
}

func isAttachment(disposition string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(disposition)), "attachment")
}

func looksMultipart(body string) bool {
	return strings.HasPrefix(body, "--") || strings.Contains(body, "\n--")
}

// sniffBoundary finds the first delimiter line of an undeclared multipart body
func sniffBoundary(body string) string {
	m := boundaryRe.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return strings.TrimSuffix(m[1], "--")
}

// splitParts returns the raw parts between boundary delimiters, excluding
// the preamble and everything after the closing delimiter.
func splitParts(body, boundary string) []string {
	delim := "--" + boundary
	chunks := strings.Split(body, delim)
	if len(chunks) < 2 {
		return nil
	}

	var parts []string
	for _, chunk := range chunks[1:] {
		if strings.HasPrefix(chunk, "--") {
			break
		}
		// drop the remainder of the delimiter line
		if nl := strings.IndexByte(chunk, '\n'); nl >= 0 {
			chunk = chunk[nl+1:]
		} else {
			continue
		}
		chunk = strings.TrimSuffix(chunk, "\n")
		chunk = strings.TrimSuffix(chunk, "\r")
		parts = append(parts, chunk)
	}
	return parts
}

// splitHeaderBody splits at the first blank line. A part that begins with a
// blank line has no headers.
func splitHeaderBody(s string) (head, body string) {
	if strings.HasPrefix(s, "\r\n") {
		return "", s[2:]
	}
	if strings.HasPrefix(s, "\n") {
		return "", s[1:]
	}

	crlf := strings.Index(s, "\r\n\r\n")
	lf := strings.Index(s, "\n\n")
	switch {
	case crlf >= 0 && (lf < 0 || crlf <= lf):
		return s[:crlf], s[crlf+4:]
	case lf >= 0:
		return s[:lf], s[lf+2:]
	}
	return s, ""
}

func decodeTransfer(content, encoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return decodeQuotedPrintable(content)
	case "base64":
		cleaned := strings.Map(func(r rune) rune {
			switch r {
			case '\r', '\n', ' ', '\t':
				return -1
			}
			return r
		}, content)
		if b, err := base64.StdEncoding.DecodeString(cleaned); err == nil {
			return b
		}
		if b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "=")); err == nil {
			return b
		}
	}
	return []byte(content)
}

// decodeQuotedPrintable uses the strict decoder and falls back to a lenient
// pass that keeps malformed escapes literally.
func decodeQuotedPrintable(content string) []byte {
	if b, err := io.ReadAll(quotedprintable.NewReader(strings.NewReader(content))); err == nil {
		return b
	}

	var out bytes.Buffer
	for i := 0; i < len(content); i++ {
		c := content[i]
		if c != '=' {
			out.WriteByte(c)
			continue
		}
		rest := content[i+1:]
		switch {
		case strings.HasPrefix(rest, "\r\n"):
			i += 2
		case strings.HasPrefix(rest, "\n"):
			i++
		case len(rest) >= 2:
			if v, err := strconv.ParseUint(rest[:2], 16, 8); err == nil {
				out.WriteByte(byte(v))
				i += 2
			} else {
				out.WriteByte(c)
			}
		default:
			out.WriteByte(c)
		}
	}
	return out.Bytes()
}

var mimeLineRe = regexp.MustCompile(`(?i)^(content-[a-z-]+|mime-version)\s*:`)

// scrape strips boundary and MIME header lines from a body that could not
// be walked and decodes what is left as quoted-printable.
func scrape(body string) string {
	var kept []string
	for _, line := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "--") || mimeLineRe.MatchString(t) {
			continue
		}
		kept = append(kept, line)
	}
	text := strings.Join(kept, "\n")
	return strings.TrimSpace(DecodeBytes(decodeQuotedPrintable(text), ""))
}

// WrapPlainText escapes text and wraps it in a minimal HTML document,
// turning newlines into line breaks.
func WrapPlainText(text string) string {
	escaped := html.EscapeString(strings.ReplaceAll(text, "\r\n", "\n"))
	escaped = strings.ReplaceAll(escaped, "\n", "<br>\n")
	return strings.Replace(plainShell, "%s", escaped, 1)
}
