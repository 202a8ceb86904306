package imap

import (
	"context"
	"errors"
	"fmt"

	"github.com/brandon/mailbar/internal/transport"
)

var (
	ErrConnectionFailed     = errors.New("imap: connection failed")
	ErrAuthenticationFailed = errors.New("imap: authentication failed")
	ErrFolderNotFound       = errors.New("imap: folder not found")
	ErrFetchFailed          = errors.New("imap: fetch failed")
	ErrCommandFailed        = errors.New("imap: command failed")
	ErrInvalidResponse      = errors.New("imap: invalid response")
	ErrNoMessages           = errors.New("imap: no such message")
	ErrNoFolderSelected     = errors.New("imap: no folder selected")

	// ErrTimeout and ErrNotConnected are shared with the transport so that
	// either package's sentinel matches with errors.Is.
	ErrTimeout      = transport.ErrTimeout
	ErrNotConnected = transport.ErrNotConnected
)

// StatusError is a NO or BAD completion of a tagged command
type StatusError struct {
	Command string
	Status  string
	Text    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with %s: %s", e.Command, e.Status, e.Text)
}

func statusError(command string, resp *transport.Response) *StatusError {
	return &StatusError{Command: command, Status: resp.Status, Text: resp.Text}
}

// classify tags transport failures that are not already timeouts or
// cancellations as connection failures.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
}
