// Package logging builds the logrus loggers shared by the engine components.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Component names used as the "component" field
const (
	ComponentMain      = "main"
	ComponentTransport = "transport"
	ComponentIMAP      = "imap"
	ComponentSMTP      = "smtp"
	ComponentPool      = "pool"
	ComponentCache     = "cache"
	ComponentFetch     = "fetch"
	ComponentManager   = "manager"
	ComponentMCP       = "mcp"
)

// New creates a logger with the given level and format ("json" or "text")
func New(level, format string, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	if out == nil {
		out = os.Stdout
	}
	logger.SetOutput(out)

	switch strings.ToLower(format) {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05",
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// Discard returns a logger that drops everything, for tests and optional loggers
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// For returns a component-scoped entry, tolerating a nil logger
func For(logger *logrus.Logger, component string) *logrus.Entry {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithField("component", component)
}

// MaskEmail hides most of the local part and domain labels of an address
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return mask(s)
	}
	labels := strings.Split(s[at+1:], ".")
	for i, l := range labels {
		if i == len(labels)-1 {
			continue
		}
		labels[i] = mask(l)
	}
	return mask(s[:at]) + "@" + strings.Join(labels, ".")
}

func mask(part string) string {
	if len(part) <= 2 {
		return strings.Repeat("*", len(part))
	}
	return part[:1] + strings.Repeat("*", len(part)-2) + part[len(part)-1:]
}

// RedactCommand blanks everything after the keyword of credential-bearing
// protocol commands. Quoted arguments may hold spaces, so no argument is kept.
func RedactCommand(line string) string {
	fields := strings.Fields(line)
	for i, f := range fields {
		switch strings.ToUpper(f) {
		case "LOGIN", "AUTHENTICATE", "AUTH":
			if i+1 < len(fields) {
				return strings.Join(fields[:i+1], " ") + " [redacted]"
			}
		}
	}
	return line
}
