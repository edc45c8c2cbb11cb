// Package tools implements the MCP tools over the cache and the account
// sessions.
package tools

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/index"
	"github.com/brandon/mailsync/internal/session"
	syncer "github.com/brandon/mailsync/internal/sync"
	"github.com/brandon/mailsync/pkg/types"
)

// Accounts is the part of the supervisor the tools use
type Accounts interface {
	Status() []session.Status
	Session(id string) (*session.Session, error)
	SyncNow(ctx context.Context, id string) (*syncer.Result, error)
}

// Searcher runs full-text queries. *index.FTS implements it.
type Searcher interface {
	Search(ctx context.Context, query string, opts index.SearchOptions) ([]types.SearchHit, error)
}

// Deps is what the tools operate on
type Deps struct {
	Config   *config.Config
	Accounts Accounts
	Store    *cache.Store
	Search   Searcher
	Logger   *logrus.Logger
}

// Registry manages MCP tools
type Registry struct {
	logger *logrus.Logger
	tools  map[string]Tool
}

// Tool represents an MCP tool
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// NewRegistry creates a registry with every tool
func NewRegistry(d *Deps) *Registry {
	reg := &Registry{
		logger: d.Logger,
		tools:  make(map[string]Tool),
	}

	for _, tool := range []Tool{
		&ListAccountsTool{deps: d},
		&ListFoldersTool{deps: d},
		&ListMessagesTool{deps: d},
		&GetMessageTool{deps: d},
		&SearchTool{deps: d},
		&UpdateFlagsTool{deps: d},
		&MoveMessageTool{deps: d},
		&DeleteMessageTool{deps: d},
		&SendEmailTool{deps: d},
		&SyncNowTool{deps: d},
	} {
		reg.tools[tool.Name()] = tool
		reg.logger.WithField("tool", tool.Name()).Debug("Registered tool")
	}

	reg.logger.WithField("count", len(reg.tools)).Info("Registered tools")
	return reg
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
