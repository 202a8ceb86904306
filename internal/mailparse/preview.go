package mailparse

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/jaytaylor/html2text"
	"github.com/microcosm-cc/bluemonday"
)

// DefaultPreviewLength is the preview size in runes
const DefaultPreviewLength = 150

var (
	strictPolicy = bluemonday.StrictPolicy()
	ugcPolicy    = bluemonday.UGCPolicy()
)

// Preview builds a short single-line plain text snippet of a body
func Preview(body, contentType, boundary string, max int) string {
	c := collect(body, contentType, boundary, "", 0)
	return previewFrom(c, body, max)
}

// PreviewMessage builds a snippet from a complete raw message
func PreviewMessage(raw []byte, max int) string {
	head, body := splitHeaderBody(string(raw))
	h := ParseHeaderBlock([]byte(head))
	c := collect(body, h.Get("Content-Type"), "", h.Get("Content-Transfer-Encoding"), 0)
	return previewFrom(c, body, max)
}

func previewFrom(c candidates, body string, max int) string {
	text := c.text
	if strings.TrimSpace(text) == "" && c.html != "" {
		text = htmlToText(c.html)
	}
	if strings.TrimSpace(text) == "" {
		text = scrape(body)
	}
	return Truncate(collapse(StripTags(text)), max)
}

func htmlToText(s string) string {
	text, err := html2text.FromString(s, html2text.Options{OmitLinks: true})
	if err != nil {
		return StripTags(s)
	}
	return text
}

// StripTags removes all markup and returns plain text
func StripTags(s string) string {
	return html.UnescapeString(strictPolicy.Sanitize(s))
}

// SanitizeHTML removes scripts and unsafe attributes from message HTML
func SanitizeHTML(s string) string {
	return ugcPolicy.Sanitize(s)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate cuts s to max runes, appending an ellipsis when shortened
func Truncate(s string, max int) string {
	if max <= 0 {
		max = DefaultPreviewLength
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max])) + "…"
}
