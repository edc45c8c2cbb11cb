package tools

import (
	"context"
	"fmt"
	"time"
)

// ListAccountsTool lists configured accounts with their session state
type ListAccountsTool struct {
	deps *Deps
}

// Name returns the tool name
func (t *ListAccountsTool) Name() string {
	return "list_accounts"
}

// Description returns the tool description
func (t *ListAccountsTool) Description() string {
	return "List configured email accounts and their connection state"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListAccountsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

// Execute executes the tool
func (t *ListAccountsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	status := t.deps.Accounts.Status()
	result := make([]map[string]interface{}, 0, len(status))
	for _, st := range status {
		acc, err := t.deps.Config.AccountByID(st.AccountID)
		if err != nil {
			continue
		}
		entry := map[string]interface{}{
			"id":      acc.ID,
			"name":    acc.Name,
			"email":   acc.Email,
			"backend": acc.Backend,
			"enabled": acc.Enabled,
			"state":   st.StateName,
		}
		if st.LastError != "" {
			entry["last_error"] = st.LastError
		}
		if !st.LastSync.IsZero() {
			entry["last_sync"] = st.LastSync.Format(time.RFC3339)
		}
		if st.NeedsReauth {
			entry["needs_reauth"] = true
		}
		result = append(result, entry)
	}
	return result, nil
}

// ListFoldersTool lists the cached folders of an account
type ListFoldersTool struct {
	deps *Deps
}

// Name returns the tool name
func (t *ListFoldersTool) Name() string {
	return "list_folders"
}

// Description returns the tool description
func (t *ListFoldersTool) Description() string {
	return "List synced folders of an account with their role and message count"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListFoldersTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": accountProperty,
		},
	}
}

// Execute executes the tool
func (t *ListFoldersTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	acc, err := t.deps.account(params)
	if err != nil {
		return nil, err
	}
	folders, err := t.deps.Store.ListFolders(ctx, acc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	result := make([]map[string]interface{}, len(folders))
	for i, f := range folders {
		result[i] = map[string]interface{}{
			"server_name":   f.ServerName,
			"local_name":    f.LocalName,
			"role":          f.Role,
			"message_count": f.MessageCount,
			"uid_validity":  f.Cursor.UIDValidity,
		}
		if !f.Cursor.LastSync.IsZero() {
			result[i]["last_sync"] = f.Cursor.LastSync.Format(time.RFC3339)
		}
	}
	return result, nil
}

// SyncNowTool runs a sync pass for an account and waits for it
type SyncNowTool struct {
	deps *Deps
}

// Name returns the tool name
func (t *SyncNowTool) Name() string {
	return "sync_now"
}

// Description returns the tool description
func (t *SyncNowTool) Description() string {
	return "Synchronize an account with its server now and report what changed"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SyncNowTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": accountProperty,
		},
	}
}

// Execute executes the tool
func (t *SyncNowTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	acc, err := t.deps.account(params)
	if err != nil {
		return nil, err
	}
	res, err := t.deps.Accounts.SyncNow(ctx, acc.ID)
	if err != nil {
		return nil, err
	}

	folders := make([]map[string]interface{}, len(res.Folders))
	for i, f := range res.Folders {
		folders[i] = map[string]interface{}{
			"folder":        f.Folder,
			"added":         f.Added,
			"flags_updated": f.FlagsUpdated,
			"deleted":       f.Deleted,
			"evicted":       f.Evicted,
			"resynced":      f.Resynced,
		}
		if f.Err != nil {
			folders[i]["error"] = f.Err.Error()
		}
	}
	return map[string]interface{}{
		"account_id": acc.ID,
		"folders":    folders,
		"replayed":   res.Replay.Replayed,
		"dropped":    res.Replay.Dropped,
		"pending":    res.Replay.Pending,
		"duration":   res.Duration.String(),
	}, nil
}
