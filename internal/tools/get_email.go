package tools

import (
	"context"
	"time"

	"github.com/brandon/mailbar/internal/config"
)

// GetEmailTool retrieves a single email
type GetEmailTool struct {
	config *config.Config
	engine Engine
}

// NewGetEmailTool creates a new get email tool
func NewGetEmailTool(cfg *config.Config, engine Engine) *GetEmailTool {
	return &GetEmailTool{config: cfg, engine: engine}
}

// Name returns the tool name
func (t *GetEmailTool) Name() string {
	return "get_email"
}

// Description returns the tool description
func (t *GetEmailTool) Description() string {
	return "Retrieve a full email by folder and UID, with sanitized HTML and attachment list"
}

// InputSchema returns the JSON schema for tool inputs
func (t *GetEmailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": accountProperty(),
			"folder":       folderProperty(),
			"uid":          uidProperty(),
		},
		"required": []string{"uid"},
	}
}

// Execute executes the tool
func (t *GetEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	account, err := accountParam(t.config, params)
	if err != nil {
		return nil, err
	}
	uid, err := uidParam(params)
	if err != nil {
		return nil, err
	}
	folder := folderParam(params)

	rendered, err := t.engine.FetchMessage(ctx, account, folder, uid)
	if err != nil {
		return nil, err
	}

	msg := rendered.Message
	attachments := make([]map[string]interface{}, len(rendered.Attachments))
	for i, a := range rendered.Attachments {
		attachments[i] = map[string]interface{}{
			"filename":     a.Filename,
			"content_type": a.ContentType,
			"size":         a.Size,
			"inline":       a.Inline,
		}
	}

	return map[string]interface{}{
		"account_name": account,
		"folder":       folder,
		"uid":          msg.UID,
		"message_id":   msg.MessageID,
		"references":   msg.References,
		"subject":      msg.Subject,
		"from":         msg.From,
		"sender_name":  msg.FromName,
		"sender_email": msg.FromEmail,
		"to":           msg.To,
		"cc":           msg.Cc,
		"date":         msg.ReceivedAt.Format(time.RFC3339),
		"is_read":      msg.IsRead,
		"flags":        msg.Flags,
		"body_text":    rendered.Text,
		"body_html":    rendered.HTML,
		"attachments":  attachments,
	}, nil
}
