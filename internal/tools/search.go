package tools

import (
	"context"
	"fmt"

	"github.com/brandon/mailsync/internal/index"
)

// SearchTool runs full-text queries over cached messages
type SearchTool struct {
	deps *Deps
}

// Name returns the tool name
func (t *SearchTool) Name() string {
	return "search"
}

// Description returns the tool description
func (t *SearchTool) Description() string {
	return "Full-text search over cached emails (subject, sender, recipients, body)"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SearchTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search terms",
			},
			"account_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Restrict to one account",
			},
			"folder": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Restrict to one folder (requires account_id)",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: Result limit (default: search_result_limit, max: 1000)",
				"minimum":     1,
				"maximum":     1000,
			},
		},
		"required": []string{"query"},
	}
}

// Execute executes the tool
func (t *SearchTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	query, err := requiredString(params, "query")
	if err != nil {
		return nil, err
	}
	limit, err := intParam(params, "limit", t.deps.Config.SearchResultLimit)
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > 1000 {
		return nil, fmt.Errorf("limit must be between 1 and 1000")
	}

	opts := index.SearchOptions{
		AccountID: stringParam(params, "account_id"),
		Limit:     limit,
	}
	if opts.AccountID != "" {
		if _, err := t.deps.Config.AccountByID(opts.AccountID); err != nil {
			return nil, err
		}
	}
	if stringParam(params, "folder") != "" {
		if opts.AccountID == "" {
			return nil, fmt.Errorf("folder requires account_id")
		}
		folder, err := t.deps.folder(ctx, params)
		if err != nil {
			return nil, err
		}
		opts.FolderID = folder.ID
	}

	hits, err := t.deps.Search.Search(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}

	// resolve folder names once per folder id
	names := make(map[int64]string)
	result := make([]map[string]interface{}, 0, len(hits))
	for _, h := range hits {
		name, ok := names[h.FolderID]
		if !ok {
			if f, err := t.deps.Store.FolderByID(ctx, h.FolderID); err == nil {
				name = f.ServerName
			}
			names[h.FolderID] = name
		}
		result = append(result, map[string]interface{}{
			"account_id": h.AccountID,
			"folder":     name,
			"uid":        h.UID,
			"subject":    h.Subject,
			"from":       h.From,
			"snippet":    h.Snippet,
		})
	}
	return result, nil
}
