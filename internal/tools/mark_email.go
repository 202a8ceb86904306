package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/brandon/mailbar/internal/config"
)

// MarkEmailTool marks a message read or unread, or deletes it
type MarkEmailTool struct {
	config *config.Config
	engine Engine
}

// NewMarkEmailTool creates a new mark email tool
func NewMarkEmailTool(cfg *config.Config, engine Engine) *MarkEmailTool {
	return &MarkEmailTool{config: cfg, engine: engine}
}

func (t *MarkEmailTool) Name() string {
	return "mark_email"
}

func (t *MarkEmailTool) Description() string {
	return "Mark an email read or unread, or delete it"
}

func (t *MarkEmailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": accountProperty(),
			"folder":       folderProperty(),
			"uid":          uidProperty(),
			"action": map[string]interface{}{
				"type": "string",
				"enum": []string{"read", "unread", "delete"},
			},
		},
		"required": []string{"uid", "action"},
	}
}

func (t *MarkEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	account, err := accountParam(t.config, params)
	if err != nil {
		return nil, err
	}
	uid, err := uidParam(params)
	if err != nil {
		return nil, err
	}
	folder := folderParam(params)
	action, err := requiredString(params, "action")
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(action) {
	case "read":
		err = t.engine.MarkRead(ctx, account, folder, uid)
	case "unread":
		err = t.engine.MarkUnread(ctx, account, folder, uid)
	case "delete":
		err = t.engine.Delete(ctx, account, folder, uid)
	default:
		return nil, fmt.Errorf("invalid action: %s", action)
	}
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success": true,
		"uid":     uid,
		"action":  strings.ToLower(action),
	}, nil
}
