// Package backend defines the contract shared by the mail transports: an
// IMAP-like mailbox interface plus message submission.
package backend

import (
	"context"

	"github.com/brandon/mailsync/internal/auth"
	"github.com/brandon/mailsync/internal/folders"
	"github.com/brandon/mailsync/pkg/types"
)

// FolderStatus is what selecting a folder reports
type FolderStatus struct {
	UIDValidity uint32
	UIDNext     uint32
	Messages    int
}

// Backend is one authenticated connection to an account's mailbox. It is
// not safe for concurrent use. Failures are classified with mailerr:
// broken connections are TransportError, rejected credentials AuthError,
// other server refusals ProtocolError, and operations on a UID that no
// longer exists return ErrMessageGone.
type Backend interface {
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context, cred auth.Credential) error

	ListFolders(ctx context.Context) ([]folders.Listed, error)
	SelectFolder(ctx context.Context, name string) (*FolderStatus, error)

	// ListUIDs returns every UID in the folder with its flags
	ListUIDs(ctx context.Context, folder string) (map[uint32][]string, error)
	// FetchMessages returns envelopes, flags and size for uids, and bodies
	// when withBody is set. UIDs that do not exist are skipped.
	FetchMessages(ctx context.Context, folder string, uids []uint32, withBody bool) ([]*types.Email, error)
	FetchBody(ctx context.Context, folder string, uid uint32) (*types.Email, error)

	StoreFlags(ctx context.Context, folder string, uid uint32, add, remove []string) error
	Move(ctx context.Context, folder string, uid uint32, destination string) error
	Delete(ctx context.Context, folder string, uid uint32) error

	Close() error
}

// Outgoing is a composed message ready for submission
type Outgoing struct {
	MessageID  string
	From       string
	Recipients []string
	Raw        []byte
}

// Submitter sends messages. Each call opens its own connection, so
// submission is independent of the mailbox session.
type Submitter interface {
	Submit(ctx context.Context, cred auth.Credential, msg *Outgoing) error
}
