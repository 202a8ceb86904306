package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", "json", &buf)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	For(logger, ComponentIMAP).Info("hello")
	assert.Contains(t, buf.String(), `"component":"imap"`)

	assert.Equal(t, logrus.InfoLevel, New("nonsense", "text", &buf).GetLevel())
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "j**n@e*****e.com", MaskEmail("john@example.com"))
	assert.Equal(t, "**@m**l.org", MaskEmail("jo@mail.org"))
	assert.Equal(t, "n****y", MaskEmail("nobody"))
}

func TestRedactCommand(t *testing.T) {
	assert.Equal(t, `A0001 LOGIN [redacted]`, RedactCommand(`A0001 LOGIN "user" "secret"`))
	assert.Equal(t, "AUTH [redacted]", RedactCommand("AUTH PLAIN AHVzZXIAcGFzcw=="))
	assert.Equal(t, "A0003 AUTHENTICATE [redacted]", RedactCommand("A0003 AUTHENTICATE XOAUTH2 dXNlcj1h"))

	redacted := RedactCommand(`A0004 LOGIN "jane doe" "hunter two"`)
	assert.Equal(t, "A0004 LOGIN [redacted]", redacted)
	assert.NotContains(t, redacted, "doe")
	assert.NotContains(t, redacted, "hunter")
	assert.Equal(t, "A0002 SELECT INBOX", RedactCommand("A0002 SELECT INBOX"))
}
