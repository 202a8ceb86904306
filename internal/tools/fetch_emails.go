package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brandon/mailbar/internal/config"
	"github.com/brandon/mailbar/internal/email"
)

// FetchEmailsTool refreshes a folder from the server and returns its
// cached message list
type FetchEmailsTool struct {
	config *config.Config
	engine Engine
}

// NewFetchEmailsTool creates a new fetch emails tool
func NewFetchEmailsTool(cfg *config.Config, engine Engine) *FetchEmailsTool {
	return &FetchEmailsTool{config: cfg, engine: engine}
}

func (t *FetchEmailsTool) Name() string {
	return "fetch_emails"
}

func (t *FetchEmailsTool) Description() string {
	return "Fetch a folder from the server (delta or full) and return its newest messages"
}

func (t *FetchEmailsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": accountProperty(),
			"folder":       folderProperty(),
			"mode": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"delta", "full"},
				"description": "Optional: delta fetches only new UIDs, full re-reads the folder (default: delta)",
			},
			"max_age_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: Return the cached list without contacting the server if it is younger than this",
				"minimum":     0,
			},
		},
	}
}

func (t *FetchEmailsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	account, err := accountParam(t.config, params)
	if err != nil {
		return nil, err
	}
	folder := folderParam(params)

	mode := email.Delta
	switch strings.ToLower(stringParam(params, "mode")) {
	case "", "delta":
	case "full":
		mode = email.Full
	default:
		return nil, fmt.Errorf("invalid mode: %s", stringParam(params, "mode"))
	}

	maxAge, ok, err := intParam(params, "max_age_seconds")
	if err != nil {
		return nil, err
	}
	if ok && maxAge > 0 {
		if msgs, fresh := t.engine.Cached(account, folder, time.Duration(maxAge)*time.Second); fresh {
			return map[string]interface{}{
				"account_name": account,
				"folder":       folder,
				"cached":       true,
				"messages":     summarize(msgs),
			}, nil
		}
	}

	res, err := t.engine.Fetch(ctx, account, folder, email.FetchRequest{Mode: mode})
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{
		"account_name": account,
		"folder":       folder,
		"cached":       false,
		"mode":         mode.String(),
		"fetched":      res.Fetched,
		"new":          len(res.New),
		"cancelled":    res.Cancelled,
		"messages":     summarize(res.Messages),
	}
	if res.Err != nil {
		result["warning"] = res.Err.Error()
	}
	return result, nil
}
