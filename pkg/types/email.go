package types

import (
	"sort"
	"strings"
	"time"
)

// Standard IMAP system flags
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
)

// FolderRole is the provider-independent classification of a folder
type FolderRole string

const (
	RoleInbox  FolderRole = "inbox"
	RoleSent   FolderRole = "sent"
	RoleDrafts FolderRole = "drafts"
	RoleTrash  FolderRole = "trash"
	RoleCustom FolderRole = "custom"
)

// CanonicalRoles lists the roles that may be mapped at most once per account
var CanonicalRoles = []FolderRole{RoleInbox, RoleSent, RoleDrafts, RoleTrash}

// IsCanonical reports whether r is one of the four canonical roles
func (r FolderRole) IsCanonical() bool {
	switch r {
	case RoleInbox, RoleSent, RoleDrafts, RoleTrash:
		return true
	}
	return false
}

// Address is a mailbox address with an optional display name
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return a.Name + " <" + a.Email + ">"
}

// Attachment describes an attachment without its content
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Email represents a cached email message
type Email struct {
	ID          int64        `json:"id"`
	AccountID   string       `json:"account_id"`
	FolderID    int64        `json:"folder_id"`
	FolderPath  string       `json:"folder_path"`
	UID         uint32       `json:"uid"`
	MessageID   string       `json:"message_id"`
	Subject     string       `json:"subject"`
	From        Address      `json:"from"`
	To          []Address    `json:"to,omitempty"`
	Cc          []Address    `json:"cc,omitempty"`
	Date        time.Time    `json:"date"`
	Flags       []string     `json:"flags,omitempty"`
	Size        int64        `json:"size,omitempty"`
	BodyText    string       `json:"body_text,omitempty"`
	BodyHTML    string       `json:"body_html,omitempty"`
	HasBody     bool         `json:"has_body"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Deleted     bool         `json:"deleted,omitempty"`
	CachedAt    time.Time    `json:"cached_at"`
}

// HasFlag reports whether the message carries flag
func (e *Email) HasFlag(flag string) bool {
	for _, f := range e.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// SyncCursor is the durable reconciliation bookmark for a folder
type SyncCursor struct {
	UIDValidity uint32    `json:"uid_validity"`
	HighestUID  uint32    `json:"highest_uid"`
	LastSync    time.Time `json:"last_sync,omitempty"`
}

// Folder represents a cached folder/mailbox
type Folder struct {
	ID           int64      `json:"id"`
	AccountID    string     `json:"account_id"`
	Role         FolderRole `json:"role"`
	ServerName   string     `json:"server_name"`
	LocalName    string     `json:"local_name"`
	Attributes   []string   `json:"attributes,omitempty"`
	Cursor       SyncCursor `json:"cursor"`
	MessageCount int        `json:"message_count"`
}

// Token is an OAuth2 token set persisted per account
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SearchHit is a search result pointing back into the cache
type SearchHit struct {
	AccountID string `json:"account_id"`
	FolderID  int64  `json:"folder_id"`
	UID       uint32 `json:"uid"`
	Subject   string `json:"subject"`
	From      string `json:"from"`
	Snippet   string `json:"snippet"`
}

// NormalizeFlags returns a sorted, de-duplicated copy of flags with system
// flags in canonical case.
func NormalizeFlags(flags []string) []string {
	seen := make(map[string]bool, len(flags))
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		f = canonicalFlag(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// FlagsEqual compares two flag sets ignoring order and duplicates
func FlagsEqual(a, b []string) bool {
	na, nb := NormalizeFlags(a), NormalizeFlags(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}

// ApplyFlagDelta adds and removes flags from a set
func ApplyFlagDelta(flags, add, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, f := range remove {
		drop[canonicalFlag(f)] = true
	}
	var out []string
	for _, f := range flags {
		if !drop[canonicalFlag(f)] {
			out = append(out, f)
		}
	}
	return NormalizeFlags(append(out, add...))
}

func canonicalFlag(f string) string {
	f = strings.TrimSpace(f)
	if !strings.HasPrefix(f, `\`) {
		return f
	}
	for _, sys := range []string{FlagSeen, FlagAnswered, FlagFlagged, FlagDeleted, FlagDraft, `\Recent`} {
		if strings.EqualFold(f, sys) {
			return sys
		}
	}
	return f
}
