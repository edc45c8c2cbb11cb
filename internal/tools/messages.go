package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

func summary(e *types.Email) map[string]interface{} {
	return map[string]interface{}{
		"uid":      e.UID,
		"subject":  e.Subject,
		"from":     e.From.String(),
		"date":     e.Date.Format(time.RFC3339),
		"flags":    e.Flags,
		"seen":     e.HasFlag(types.FlagSeen),
		"has_body": e.HasBody,
	}
}

// ListMessagesTool pages through the cached messages of a folder
type ListMessagesTool struct {
	deps *Deps
}

// Name returns the tool name
func (t *ListMessagesTool) Name() string {
	return "list_messages"
}

// Description returns the tool description
func (t *ListMessagesTool) Description() string {
	return "List cached messages in a folder, newest first"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListMessagesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": accountProperty,
			"folder":     folderProperty,
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: Page size (default: 50)",
				"minimum":     1,
			},
			"offset": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: Messages to skip",
				"minimum":     0,
			},
		},
	}
}

// Execute executes the tool
func (t *ListMessagesTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	limit, err := intParam(params, "limit", 50)
	if err != nil {
		return nil, err
	}
	offset, err := intParam(params, "offset", 0)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative")
	}
	folder, err := t.deps.folder(ctx, params)
	if err != nil {
		return nil, err
	}
	msgs, err := t.deps.Store.ListMessages(ctx, folder.ID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	list := make([]map[string]interface{}, len(msgs))
	for i, m := range msgs {
		list[i] = summary(m)
	}
	return map[string]interface{}{
		"account_id": folder.AccountID,
		"folder":     folder.ServerName,
		"total":      folder.MessageCount,
		"messages":   list,
	}, nil
}

// GetMessageTool returns a full message, fetching its body on first access
type GetMessageTool struct {
	deps *Deps
}

// Name returns the tool name
func (t *GetMessageTool) Name() string {
	return "get_message"
}

// Description returns the tool description
func (t *GetMessageTool) Description() string {
	return "Retrieve a full email by folder and UID from cache, downloading the body if needed"
}

// InputSchema returns the JSON schema for tool inputs
func (t *GetMessageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": accountProperty,
			"folder":     folderProperty,
			"uid":        uidProperty,
		},
		"required": []string{"uid"},
	}
}

// Execute executes the tool
func (t *GetMessageTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	uid, err := uidParam(params)
	if err != nil {
		return nil, err
	}
	sess, folder, err := t.deps.target(params)
	if err != nil {
		return nil, err
	}
	msg, err := sess.FetchBody(ctx, folder, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}

	result := summary(msg)
	result["account_id"] = msg.AccountID
	result["folder"] = msg.FolderPath
	result["message_id"] = msg.MessageID
	result["to"] = msg.To
	result["cc"] = msg.Cc
	result["body_text"] = msg.BodyText
	result["body_html"] = msg.BodyHTML
	result["attachments"] = msg.Attachments
	return result, nil
}

// UpdateFlagsTool adds and removes message flags
type UpdateFlagsTool struct {
	deps *Deps
}

// Name returns the tool name
func (t *UpdateFlagsTool) Name() string {
	return "update_flags"
}

// Description returns the tool description
func (t *UpdateFlagsTool) Description() string {
	return "Add or remove flags (seen, flagged, answered, draft or custom keywords) on an email"
}

// InputSchema returns the JSON schema for tool inputs
func (t *UpdateFlagsTool) InputSchema() map[string]interface{} {
	flags := func(desc string) map[string]interface{} {
		return map[string]interface{}{
			"type":        "array",
			"items":       map[string]interface{}{"type": "string"},
			"description": desc,
		}
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": accountProperty,
			"folder":     folderProperty,
			"uid":        uidProperty,
			"add":        flags("Optional: Flags to set"),
			"remove":     flags("Optional: Flags to clear"),
		},
		"required": []string{"uid"},
	}
}

// Execute executes the tool
func (t *UpdateFlagsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	uid, err := uidParam(params)
	if err != nil {
		return nil, err
	}
	add := flagsParam(params, "add")
	remove := flagsParam(params, "remove")
	if len(add) == 0 && len(remove) == 0 {
		return nil, fmt.Errorf("add or remove is required")
	}
	sess, folder, err := t.deps.target(params)
	if err != nil {
		return nil, err
	}
	if err := sess.SetFlags(ctx, folder, uid, add, remove); err != nil {
		return nil, fmt.Errorf("failed to update flags: %w", err)
	}
	return map[string]interface{}{"success": true, "uid": uid}, nil
}

// MoveMessageTool moves an email to another folder
type MoveMessageTool struct {
	deps *Deps
}

// Name returns the tool name
func (t *MoveMessageTool) Name() string {
	return "move_message"
}

// Description returns the tool description
func (t *MoveMessageTool) Description() string {
	return "Move an email to another folder"
}

// InputSchema returns the JSON schema for tool inputs
func (t *MoveMessageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": accountProperty,
			"folder":     folderProperty,
			"uid":        uidProperty,
			"destination": map[string]interface{}{
				"type":        "string",
				"description": "Destination folder server or display name",
			},
		},
		"required": []string{"uid", "destination"},
	}
}

// Execute executes the tool
func (t *MoveMessageTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	uid, err := uidParam(params)
	if err != nil {
		return nil, err
	}
	dest, err := requiredString(params, "destination")
	if err != nil {
		return nil, err
	}
	sess, folder, err := t.deps.target(params)
	if err != nil {
		return nil, err
	}
	if err := sess.Move(ctx, folder, uid, dest); err != nil {
		return nil, fmt.Errorf("failed to move email: %w", err)
	}
	return map[string]interface{}{"success": true, "uid": uid, "destination": dest}, nil
}

// DeleteMessageTool deletes an email
type DeleteMessageTool struct {
	deps *Deps
}

// Name returns the tool name
func (t *DeleteMessageTool) Name() string {
	return "delete_message"
}

// Description returns the tool description
func (t *DeleteMessageTool) Description() string {
	return "Delete an email. It goes to Trash unless it is already there."
}

// InputSchema returns the JSON schema for tool inputs
func (t *DeleteMessageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_id": accountProperty,
			"folder":     folderProperty,
			"uid":        uidProperty,
		},
		"required": []string{"uid"},
	}
}

// Execute executes the tool
func (t *DeleteMessageTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	uid, err := uidParam(params)
	if err != nil {
		return nil, err
	}
	sess, folder, err := t.deps.target(params)
	if err != nil {
		return nil, err
	}
	if err := sess.Delete(ctx, folder, uid); err != nil {
		return nil, fmt.Errorf("failed to delete email: %w", err)
	}
	return map[string]interface{}{"success": true, "uid": uid}, nil
}
