package tools

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/brandon/mailbar/internal/config"
	"github.com/brandon/mailbar/pkg/types"
)

func stringParam(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return strings.TrimSpace(s)
}

func requiredString(params map[string]interface{}, key string) (string, error) {
	s := stringParam(params, key)
	if s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

// intParam accepts JSON numbers and numeric strings
func intParam(params map[string]interface{}, key string) (int, bool, error) {
	switch v := params[key].(type) {
	case float64:
		return int(v), true, nil
	case string:
		if v == "" {
			return 0, false, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false, fmt.Errorf("invalid %s: %w", key, err)
		}
		return n, true, nil
	case nil:
		return 0, false, nil
	}
	return 0, false, fmt.Errorf("invalid %s: %v", key, params[key])
}

func uidParam(params map[string]interface{}) (uint32, error) {
	n, ok, err := intParam(params, "uid")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("uid is required")
	}
	if n <= 0 || int64(n) > int64(^uint32(0)) {
		return 0, fmt.Errorf("invalid uid: %d", n)
	}
	return uint32(n), nil
}

func boolParam(params map[string]interface{}, key string) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func timeParam(params map[string]interface{}, key string) (*time.Time, error) {
	s := stringParam(params, key)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		if t, err = time.Parse("2006-01-02", s); err != nil {
			return nil, fmt.Errorf("invalid %s format: %w", key, err)
		}
	}
	return &t, nil
}

// accountParam resolves account_name, falling back to the default account
func accountParam(cfg *config.Config, params map[string]interface{}) (string, error) {
	if name := stringParam(params, "account_name"); name != "" {
		return name, nil
	}
	if acc := cfg.GetDefaultAccount(); acc != nil {
		return acc.Name, nil
	}
	return "", fmt.Errorf("account_name is required")
}

func folderParam(params map[string]interface{}) string {
	if f := stringParam(params, "folder"); f != "" {
		return f
	}
	return config.DefaultFolder
}

func stringProperty(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
	}
}

func accountProperty() map[string]interface{} {
	return stringProperty("Optional: Account name, the default account if omitted")
}

func folderProperty() map[string]interface{} {
	return stringProperty("Optional: Folder path (default: INBOX)")
}

func uidProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "integer",
		"description": "Message UID within the folder",
		"minimum":     1,
	}
}

func summarize(msgs []types.Message) []map[string]interface{} {
	list := make([]map[string]interface{}, len(msgs))
	for i, m := range msgs {
		list[i] = map[string]interface{}{
			"uid":          m.UID,
			"subject":      m.Subject,
			"sender_name":  m.FromName,
			"sender_email": m.FromEmail,
			"date":         m.ReceivedAt.Format(time.RFC3339),
			"preview":      m.Preview,
			"is_read":      m.IsRead,
		}
	}
	return list
}
