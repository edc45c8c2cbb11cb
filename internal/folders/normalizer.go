// Package folders maps canonical folder roles to provider-specific server
// names and back.
package folders

import (
	"strings"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/pkg/types"
)

// RFC 6154 special-use attributes
const (
	AttrSent     = `\Sent`
	AttrDrafts   = `\Drafts`
	AttrTrash    = `\Trash`
	AttrNoSelect = `\Noselect`
)

// Listed is a folder as reported by a server LIST
type Listed struct {
	Name       string
	Attributes []string
}

// Selectable reports whether the folder can be selected
func (l Listed) Selectable() bool {
	for _, a := range l.Attributes {
		if strings.EqualFold(a, AttrNoSelect) || strings.EqualFold(a, `\NonExistent`) {
			return false
		}
	}
	return true
}

type mapping struct {
	server string
	local  string
}

// Normalizer is an immutable role/server-name mapping for one account
type Normalizer struct {
	accountID string
	byRole    map[types.FolderRole]mapping
	locals    map[string]string
}

// New builds a normalizer from the account's folder mappings. Inbox maps to
// the server's INBOX unless configured otherwise.
func New(acc *config.AccountConfig) (*Normalizer, error) {
	n := &Normalizer{
		accountID: acc.ID,
		byRole:    make(map[types.FolderRole]mapping),
		locals:    make(map[string]string),
	}
	for _, m := range acc.Folders {
		role := types.FolderRole(strings.ToLower(m.Role))
		local := m.LocalName
		if local == "" {
			local = m.ServerName
		}
		if !role.IsCanonical() {
			n.locals[m.ServerName] = local
			continue
		}
		if _, dup := n.byRole[role]; dup {
			return nil, &mailerr.ConfigError{AccountID: acc.ID, Field: "folders", Msg: "role " + string(role) + " mapped more than once"}
		}
		n.byRole[role] = mapping{server: m.ServerName, local: local}
	}
	if _, ok := n.byRole[types.RoleInbox]; !ok {
		n.byRole[types.RoleInbox] = mapping{server: "INBOX", local: "Inbox"}
	}
	return n, nil
}

// ServerName returns the server folder for role
func (n *Normalizer) ServerName(role types.FolderRole) (string, error) {
	m, ok := n.byRole[role]
	if !ok {
		return "", &mailerr.FolderNotConfiguredError{AccountID: n.accountID, Role: string(role)}
	}
	return m.server, nil
}

// Role returns the canonical role of a server folder, or RoleCustom
func (n *Normalizer) Role(serverName string) types.FolderRole {
	for role, m := range n.byRole {
		if sameFolder(m.server, serverName) {
			return role
		}
	}
	return types.RoleCustom
}

// LocalName returns the display name for a server folder
func (n *Normalizer) LocalName(serverName string) string {
	for _, m := range n.byRole {
		if sameFolder(m.server, serverName) {
			return m.local
		}
	}
	if local, ok := n.locals[serverName]; ok {
		return local
	}
	return serverName
}

// Mapped reports whether role has a server folder
func (n *Normalizer) Mapped(role types.FolderRole) bool {
	_, ok := n.byRole[role]
	return ok
}

// Resolve returns a normalizer narrowed to the folders the server lists.
// Configured roles whose folder is absent become unmapped; unmapped roles
// are filled from special-use attributes.
func (n *Normalizer) Resolve(listed []Listed) *Normalizer {
	out := &Normalizer{
		accountID: n.accountID,
		byRole:    make(map[types.FolderRole]mapping, len(n.byRole)),
		locals:    n.locals,
	}

	present := func(name string) (string, bool) {
		for _, l := range listed {
			if sameFolder(l.Name, name) {
				return l.Name, true
			}
		}
		return "", false
	}

	for role, m := range n.byRole {
		if name, ok := present(m.server); ok {
			out.byRole[role] = mapping{server: name, local: m.local}
		}
	}

	for _, l := range listed {
		role := roleFromAttributes(l.Attributes)
		if role == "" {
			continue
		}
		if _, taken := out.byRole[role]; taken {
			continue
		}
		if _, configured := n.byRole[role]; configured {
			// explicitly configured but missing on the server; do not substitute
			continue
		}
		out.byRole[role] = mapping{server: l.Name, local: l.Name}
	}

	return out
}

func roleFromAttributes(attrs []string) types.FolderRole {
	for _, a := range attrs {
		switch {
		case strings.EqualFold(a, AttrSent):
			return types.RoleSent
		case strings.EqualFold(a, AttrDrafts):
			return types.RoleDrafts
		case strings.EqualFold(a, AttrTrash):
			return types.RoleTrash
		}
	}
	return ""
}

// sameFolder compares server names; INBOX is case-insensitive (RFC 3501).
func sameFolder(a, b string) bool {
	if strings.EqualFold(a, "INBOX") && strings.EqualFold(b, "INBOX") {
		return true
	}
	return a == b
}
