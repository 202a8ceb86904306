package tools

//go:generate mockgen -destination=mocks/engine.go -package=mocks . Engine,Searcher

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailbar/internal/cache"
	"github.com/brandon/mailbar/internal/config"
	"github.com/brandon/mailbar/internal/email"
	"github.com/brandon/mailbar/internal/logging"
	"github.com/brandon/mailbar/internal/smtp"
	"github.com/brandon/mailbar/pkg/types"
)

// Engine is the part of email.Manager the tools drive
type Engine interface {
	Accounts() []string
	ListFolders(ctx context.Context, account string) ([]types.Folder, error)
	Cached(account, folder string, maxAge time.Duration) ([]types.Message, bool)
	Fetch(ctx context.Context, account, folder string, req email.FetchRequest) (*email.FetchResult, error)
	FetchMessage(ctx context.Context, account, folder string, uid uint32) (*types.RenderedMessage, error)
	Send(ctx context.Context, account string, msg smtp.OutgoingMessage) (string, error)
	MarkRead(ctx context.Context, account, folder string, uid uint32) error
	MarkUnread(ctx context.Context, account, folder string, uid uint32) error
	Delete(ctx context.Context, account, folder string, uid uint32) error
}

// Searcher queries persisted messages
type Searcher interface {
	Search(ctx context.Context, opts cache.SearchOptions) ([]types.EmailSummary, error)
}

var (
	_ Engine   = (*email.Manager)(nil)
	_ Searcher = (*cache.Store)(nil)
)

// Registry manages MCP tools
type Registry struct {
	config   *config.Config
	logger   *logrus.Entry
	engine   Engine
	searcher Searcher
	tools    map[string]Tool
}

// Tool represents an MCP tool
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// NewRegistry creates a new tool registry. searcher may be nil, in which
// case search_emails is not offered.
func NewRegistry(cfg *config.Config, engine Engine, searcher Searcher, logger *logrus.Logger) *Registry {
	reg := &Registry{
		config:   cfg,
		logger:   logging.For(logger, logging.ComponentMCP),
		engine:   engine,
		searcher: searcher,
		tools:    make(map[string]Tool),
	}
	reg.registerTools()
	return reg
}

func (r *Registry) registerTools() {
	toolList := []Tool{
		NewListFoldersTool(r.engine),
		NewFetchEmailsTool(r.config, r.engine),
		NewGetEmailTool(r.config, r.engine),
		NewSendEmailTool(r.config, r.engine),
		NewMarkEmailTool(r.config, r.engine),
	}
	if r.searcher != nil {
		toolList = append(toolList, NewSearchEmailsTool(r.config, r.searcher))
	}

	for _, tool := range toolList {
		r.tools[tool.Name()] = tool
		r.logger.WithField("tool", tool.Name()).Debug("Registered tool")
	}
	r.logger.WithField("count", len(r.tools)).Info("Registered tools")
}

// GetTool returns a tool by name
func (r *Registry) GetTool(name string) (Tool, bool) {
	tool, exists := r.tools[name]
	return tool, exists
}

// ListTools returns all registered tools sorted by name
func (r *Registry) ListTools() []Tool {
	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// GetToolDefinitions returns tool definitions for MCP
func (r *Registry) GetToolDefinitions() []map[string]interface{} {
	tools := r.ListTools()
	definitions := make([]map[string]interface{}, 0, len(tools))
	for _, tool := range tools {
		definitions = append(definitions, map[string]interface{}{
			"name":        tool.Name(),
			"description": tool.Description(),
			"inputSchema": tool.InputSchema(),
		})
	}
	return definitions
}
