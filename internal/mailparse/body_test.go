package mailparse

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alternativeBody = "--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Plain version\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"Content-Transfer-Encoding: quoted-printable\r\n" +
	"\r\n" +
	"<p>Caf=C3=A9 <b>html</b></p>\r\n" +
	"--b1--\r\n"

func TestRenderHTMLPrefersHTML(t *testing.T) {
	out := RenderHTML(alternativeBody, `multipart/alternative; boundary="b1"`, "b1")
	assert.Equal(t, "<p>Café <b>html</b></p>", out)
}

func TestRenderHTMLSniffsBoundary(t *testing.T) {
	out := RenderHTML(alternativeBody, "", "")
	assert.Equal(t, "<p>Café <b>html</b></p>", out)
}

func TestRenderHTMLNested(t *testing.T) {
	body := "--outer\r\n" +
		"Content-Type: multipart/alternative; boundary=inner\r\n" +
		"\r\n" +
		"--inner\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"nested text\r\n" +
		"--inner--\r\n" +
		"--outer\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=a.pdf\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"JVBERi0=\r\n" +
		"--outer--\r\n"

	out := RenderHTML(body, "multipart/mixed; boundary=outer", "outer")
	assert.Contains(t, out, "nested text")
	assert.NotContains(t, out, "JVBERi0")
}

func TestRenderHTMLPlainFallback(t *testing.T) {
	out := RenderHTML("a <b> & c\nsecond line", "text/plain", "")
	assert.Contains(t, out, "a &lt;b&gt; &amp; c<br>\nsecond line")
	assert.True(t, strings.HasPrefix(out, "<!DOCTYPE html>"))
}

func TestRenderHTMLScrapeFallback(t *testing.T) {
	body := "--x\r\n" +
		"Content-Type: image/png\r\n" +
		"\r\n" +
		"--x--\r\n" +
		"left=\r\nover caf=C3=A9\r\n"
	out := RenderHTML(body, "multipart/mixed; boundary=x", "x")
	assert.Contains(t, out, "leftover café")
	assert.NotContains(t, out, "Content-Type")
}

func TestDecodeMessage(t *testing.T) {
	raw := "Subject: =?UTF-8?B?w6k=?=\r\n" +
		"Content-Type: text/plain; charset=iso-8859-1\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"Q2Fm6Q==\r\n"

	h, r := DecodeMessage([]byte(raw))
	assert.Equal(t, "é", DecodeHeader(h.Get("Subject")))
	assert.Equal(t, "Café", r.Text)
	assert.Contains(t, r.HTML, "Café")
}

func TestDecodeMessageHTMLOnlyHasText(t *testing.T) {
	raw := "Content-Type: text/html\r\n\r\n<html><body><h1>Title</h1><p>Para</p></body></html>"
	_, r := DecodeMessage([]byte(raw))
	assert.Contains(t, r.Text, "Title")
	assert.Contains(t, r.Text, "Para")
	assert.NotContains(t, r.Text, "<p>")
}

func TestDecodeTransferLenient(t *testing.T) {
	assert.Equal(t, "a=zzb", string(decodeTransfer("a=zzb", "quoted-printable")))
	assert.Equal(t, "hello", string(decodeTransfer("aGVs\r\nbG8=", "base64")))
	assert.Equal(t, "hello", string(decodeTransfer("aGVsbG8", "BASE64")))
}

func TestDecodeBytes(t *testing.T) {
	assert.Equal(t, "Grüße", DecodeBytes([]byte("Gr\xfc\xdfe"), "ISO-8859-1"))
	assert.Equal(t, "Grüße", DecodeBytes([]byte("Grüße"), `"utf-8"`))

	out := DecodeBytes([]byte("Viele Gr\xfc\xdfe aus M\xfcnchen und einen sch\xf6nen Tag"), "x-unknown")
	assert.True(t, utf8.ValidString(out))
	assert.Contains(t, out, "Viele Gr")
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("word ", 80)
	p := Preview(long, "text/plain", "", 150)
	require.True(t, strings.HasSuffix(p, "…"))
	assert.LessOrEqual(t, len([]rune(p)), 151)

	p = Preview("<div>Hello&nbsp;<b>there</b>\n\n  friend</div>", "text/html", "", 150)
	assert.Equal(t, "Hello there friend", p)

	p = Preview(alternativeBody, "multipart/alternative; boundary=b1", "", 150)
	assert.Equal(t, "Plain version", p)
}

func TestSanitizeHTML(t *testing.T) {
	out := SanitizeHTML(`<p onclick="x()">hi<script>alert(1)</script></p>`)
	assert.Equal(t, "<p>hi</p>", out)
	assert.Equal(t, "a & b", StripTags("<i>a</i> &amp; b"))
}

func TestAttachments(t *testing.T) {
	raw := "MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=m\r\n" +
		"\r\n" +
		"--m\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--m\r\n" +
		"Content-Type: text/csv; name=report.csv\r\n" +
		"Content-Disposition: attachment; filename=report.csv\r\n" +
		"\r\n" +
		"a,b\r\n" +
		"--m--\r\n"

	atts, err := Attachments([]byte(raw))
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "report.csv", atts[0].Filename)
	assert.Equal(t, "text/csv", atts[0].ContentType)
	assert.False(t, atts[0].Inline)
}
