package mailparse

import (
	"bytes"
	"fmt"

	"github.com/brandon/mailbar/pkg/types"
	"github.com/jhillyerd/enmime"
)

// Attachments lists the attachment and inline parts of a raw message
func Attachments(raw []byte) ([]types.Attachment, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	var out []types.Attachment
	for _, p := range env.Attachments {
		out = append(out, types.Attachment{
			Filename:    DecodeHeader(p.FileName),
			ContentType: p.ContentType,
			Size:        len(p.Content),
		})
	}
	for _, p := range env.Inlines {
		out = append(out, types.Attachment{
			Filename:    DecodeHeader(p.FileName),
			ContentType: p.ContentType,
			Size:        len(p.Content),
			Inline:      true,
		})
	}
	return out, nil
}
