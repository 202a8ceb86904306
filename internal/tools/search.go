package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/brandon/mailbar/internal/cache"
	"github.com/brandon/mailbar/internal/config"
)

// SearchEmailsTool searches persisted emails
type SearchEmailsTool struct {
	config   *config.Config
	searcher Searcher
}

// NewSearchEmailsTool creates a new search emails tool
func NewSearchEmailsTool(cfg *config.Config, searcher Searcher) *SearchEmailsTool {
	return &SearchEmailsTool{config: cfg, searcher: searcher}
}

// Name returns the tool name
func (t *SearchEmailsTool) Name() string {
	return "search_emails"
}

// Description returns the tool description
func (t *SearchEmailsTool) Description() string {
	return "Search fetched emails with filters (sender, recipient, subject, text, date range, unread)"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SearchEmailsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": stringProperty("Optional: Filter by specific account"),
			"folder":       stringProperty("Optional: Filter by folder/mailbox"),
			"sender":       stringProperty("Optional: Filter by sender email/name"),
			"recipient":    stringProperty("Optional: Filter by recipient email"),
			"subject":      stringProperty("Optional: Filter by subject (substring match)"),
			"text":         stringProperty("Optional: Full-text search over subject, addresses and preview"),
			"date_from":    stringProperty("Optional: Start date (ISO 8601 format)"),
			"date_to":      stringProperty("Optional: End date (ISO 8601 format)"),
			"unread_only": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: Only unread messages",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: Result limit (default from configuration, max: 1000)",
				"minimum":     1,
				"maximum":     1000,
			},
		},
	}
}

// Execute executes the tool
func (t *SearchEmailsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	opts := cache.SearchOptions{
		Account:    stringParam(params, "account_name"),
		Folder:     stringParam(params, "folder"),
		Sender:     stringParam(params, "sender"),
		Recipient:  stringParam(params, "recipient"),
		Subject:    stringParam(params, "subject"),
		Text:       stringParam(params, "text"),
		UnreadOnly: boolParam(params, "unread_only"),
	}

	var err error
	if opts.DateFrom, err = timeParam(params, "date_from"); err != nil {
		return nil, err
	}
	if opts.DateTo, err = timeParam(params, "date_to"); err != nil {
		return nil, err
	}

	limit, _, err := intParam(params, "limit")
	if err != nil {
		return nil, err
	}
	opts.Limit = limit
	if opts.Limit <= 0 {
		opts.Limit = t.config.SearchResultLimit
	}

	results, err := t.searcher.Search(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}

	emailList := make([]map[string]interface{}, len(results))
	for i, email := range results {
		emailList[i] = map[string]interface{}{
			"account_name": email.AccountName,
			"folder_path":  email.FolderPath,
			"uid":          email.UID,
			"subject":      email.Subject,
			"sender_name":  email.SenderName,
			"sender_email": email.SenderEmail,
			"date":         email.Date.Format(time.RFC3339),
			"snippet":      email.Snippet,
			"is_read":      email.IsRead,
		}
	}
	return emailList, nil
}
