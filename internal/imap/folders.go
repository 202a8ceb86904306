package imap

import (
	"context"
	"fmt"
	"strings"

	"github.com/brandon/mailbar/internal/utf7"
	"github.com/brandon/mailbar/pkg/types"
)

// ListFolders lists all folders with LIST "" "*". Names are decoded from
// modified UTF-7; a name that fails to decode is kept as sent.
func (c *Client) ListFolders(ctx context.Context) ([]types.Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state < StateAuthenticated {
		return nil, fmt.Errorf("%w: list in state %s", ErrNotConnected, c.state)
	}

	resp, err := c.conn.Command(ctx, `LIST "" "*"`)
	if err != nil {
		return nil, c.ioError("list folders", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%w: %w", ErrCommandFailed, statusError("LIST", resp))
	}

	var folders []types.Folder
	for _, u := range resp.Untagged {
		if kind, _ := untaggedKind(u); kind != "LIST" {
			continue
		}
		f, err := parseList(u)
		if err != nil {
			c.logger.WithError(err).Debug("Skipping unparseable LIST response")
			continue
		}
		folders = append(folders, f)
	}
	return folders, nil
}

// parseList parses `* LIST (attrs) "delim" name`
func parseList(data []byte) (types.Folder, error) {
	values, err := Parse(data)
	if err != nil {
		return types.Folder{}, err
	}
	if len(values) < 5 {
		return types.Folder{}, fmt.Errorf("%w: short LIST response", ErrInvalidResponse)
	}

	var f types.Folder
	if attrs, ok := values[2].(List); ok {
		for _, a := range attrs {
			if s, ok := asString(a); ok {
				f.Attributes = append(f.Attributes, s)
			}
		}
	}
	f.Delimiter, _ = asString(values[3])

	raw, ok := asString(values[4])
	if !ok {
		return types.Folder{}, fmt.Errorf("%w: LIST without name", ErrInvalidResponse)
	}
	path, err := utf7.Decode(raw)
	if err != nil {
		path = raw
	}
	f.Path = path
	f.Name = path
	if f.Delimiter != "" {
		if i := strings.LastIndex(path, f.Delimiter); i >= 0 {
			f.Name = path[i+len(f.Delimiter):]
		}
	}
	return f, nil
}
