package tools

import (
	"context"
	"fmt"
)

// ListFoldersTool lists the folders of one or all accounts
type ListFoldersTool struct {
	engine Engine
}

// NewListFoldersTool creates a new list folders tool
func NewListFoldersTool(engine Engine) *ListFoldersTool {
	return &ListFoldersTool{engine: engine}
}

func (t *ListFoldersTool) Name() string {
	return "list_folders"
}

func (t *ListFoldersTool) Description() string {
	return "List available mailboxes/folders for configured email accounts"
}

func (t *ListFoldersTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": stringProperty("Optional: Specific account name, or all accounts if omitted"),
		},
	}
}

// Execute asks the server for the folder list of each requested account
func (t *ListFoldersTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	accounts := t.engine.Accounts()
	if name := stringParam(params, "account_name"); name != "" {
		accounts = []string{name}
	}

	result := make([]map[string]interface{}, 0)
	for _, account := range accounts {
		folders, err := t.engine.ListFolders(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("failed to list folders for %s: %w", account, err)
		}
		for _, f := range folders {
			result = append(result, map[string]interface{}{
				"account_name": account,
				"name":         f.Name,
				"path":         f.Path,
				"delimiter":    f.Delimiter,
				"attributes":   f.Attributes,
			})
		}
	}
	return result, nil
}
