package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/session"
	"github.com/brandon/mailsync/pkg/types"
)

func stringParam(params map[string]interface{}, name string) string {
	s, _ := params[name].(string)
	return strings.TrimSpace(s)
}

func requiredString(params map[string]interface{}, name string) (string, error) {
	s := stringParam(params, name)
	if s == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return s, nil
}

// intParam accepts JSON numbers and numeric strings
func intParam(params map[string]interface{}, name string, def int) (int, error) {
	switch v := params[name].(type) {
	case nil:
		return def, nil
	case float64:
		return int(v), nil
	case string:
		if v == "" {
			return def, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("invalid %s: expected a number", name)
	}
}

func uidParam(params map[string]interface{}) (uint32, error) {
	n, err := intParam(params, "uid", 0)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("uid is required")
	}
	return uint32(n), nil
}

// listParam accepts an array of strings or a comma-separated string
func listParam(params map[string]interface{}, name string) []string {
	var raw []string
	switch v := params[name].(type) {
	case string:
		raw = strings.Split(v, ",")
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func addressesParam(params map[string]interface{}, name string) ([]types.Address, error) {
	list := listParam(params, name)
	out := make([]types.Address, 0, len(list))
	for _, s := range list {
		a, err := mail.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s address %q: %w", name, s, err)
		}
		out = append(out, types.Address{Name: a.Name, Email: a.Address})
	}
	return out, nil
}

var flagNames = map[string]string{
	"seen":     types.FlagSeen,
	"read":     types.FlagSeen,
	"answered": types.FlagAnswered,
	"flagged":  types.FlagFlagged,
	"starred":  types.FlagFlagged,
	"deleted":  types.FlagDeleted,
	"draft":    types.FlagDraft,
}

// flagsParam maps friendly names like "seen" onto system flags and keeps
// keywords as given.
func flagsParam(params map[string]interface{}, name string) []string {
	list := listParam(params, name)
	out := make([]string, 0, len(list))
	for _, f := range list {
		if system, ok := flagNames[strings.ToLower(strings.TrimPrefix(f, `\`))]; ok {
			f = system
		}
		out = append(out, f)
	}
	return out
}

// account resolves account_id, falling back to the first enabled account
func (d *Deps) account(params map[string]interface{}) (*config.AccountConfig, error) {
	if id := stringParam(params, "account_id"); id != "" {
		return d.Config.AccountByID(id)
	}
	acc := d.Config.DefaultAccount()
	if acc == nil {
		return nil, fmt.Errorf("account_id is required: no enabled account")
	}
	return acc, nil
}

// target resolves the account session and the folder param, which
// defaults to the account's default folder.
func (d *Deps) target(params map[string]interface{}) (*session.Session, string, error) {
	acc, err := d.account(params)
	if err != nil {
		return nil, "", err
	}
	sess, err := d.Accounts.Session(acc.ID)
	if err != nil {
		return nil, "", err
	}
	folder := stringParam(params, "folder")
	if folder == "" {
		folder = acc.DefaultFolder
	}
	if folder == "" {
		folder = "INBOX"
	}
	return sess, folder, nil
}

func (d *Deps) folder(ctx context.Context, params map[string]interface{}) (*types.Folder, error) {
	sess, name, err := d.target(params)
	if err != nil {
		return nil, err
	}
	return sess.Folder(ctx, name)
}

var accountProperty = map[string]interface{}{
	"type":        "string",
	"description": "Optional: Account id (default: first enabled account)",
}

var folderProperty = map[string]interface{}{
	"type":        "string",
	"description": "Optional: Folder server or display name (default: the account's default folder)",
}

var uidProperty = map[string]interface{}{
	"type":        "integer",
	"description": "Message UID within the folder",
	"minimum":     1,
}
