package tools

import (
	"context"
	"fmt"

	"github.com/brandon/mailbar/internal/config"
	"github.com/brandon/mailbar/internal/smtp"
)

// SendEmailTool sends a new message, a reply or a forward
type SendEmailTool struct {
	config *config.Config
	engine Engine
}

// NewSendEmailTool creates a new send email tool
func NewSendEmailTool(cfg *config.Config, engine Engine) *SendEmailTool {
	return &SendEmailTool{config: cfg, engine: engine}
}

// Name returns the tool name
func (t *SendEmailTool) Name() string {
	return "send_email"
}

// Description returns the tool description
func (t *SendEmailTool) Description() string {
	return "Send an email, reply or forward with To, CC and BCC recipients"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SendEmailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": accountProperty(),
			"to":           stringProperty("Recipient email address(es) (comma-separated)"),
			"cc":           stringProperty("Optional: CC recipients (comma-separated)"),
			"bcc":          stringProperty("Optional: BCC recipients (comma-separated)"),
			"subject":      stringProperty("Email subject; Re: or Fwd: is added for replies and forwards"),
			"body":         stringProperty("Message body"),
			"html": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: Send the body as text/html",
			},
			"mode": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"new", "reply", "reply_all", "forward"},
				"description": "Optional: Relation to an existing message (default: new)",
			},
			"in_reply_to": stringProperty("Optional: Message-ID being answered"),
			"references":  stringProperty("Optional: References header of the message being answered"),
		},
		"required": []string{"to", "subject", "body"},
	}
}

// Execute executes the tool
func (t *SendEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	account, err := accountParam(t.config, params)
	if err != nil {
		return nil, err
	}
	to, err := requiredString(params, "to")
	if err != nil {
		return nil, err
	}
	subject, err := requiredString(params, "subject")
	if err != nil {
		return nil, err
	}
	body, _ := params["body"].(string)
	if body == "" {
		return nil, fmt.Errorf("body is required")
	}

	msg := smtp.OutgoingMessage{
		To:         to,
		Cc:         stringParam(params, "cc"),
		Bcc:        stringParam(params, "bcc"),
		Subject:    subject,
		Body:       body,
		HTML:       boolParam(params, "html"),
		Mode:       smtp.ParseMode(stringParam(params, "mode")),
		InReplyTo:  stringParam(params, "in_reply_to"),
		References: stringParam(params, "references"),
	}

	messageID, err := t.engine.Send(ctx, account, msg)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success":    true,
		"message_id": messageID,
		"recipients": len(msg.Recipients()),
	}, nil
}
