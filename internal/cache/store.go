package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/index"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/pkg/types"
)

// ErrNotFound is returned when a folder or message is not in the cache
var ErrNotFound = errors.New("not found in cache")

// Store provides methods for storing and retrieving data from the cache
type Store struct {
	cache  *Cache
	feed   index.Feed
	logger *logrus.Logger

	// beforeCommit runs inside ApplyFolderSync right before commit.
	beforeCommit func() error
}

// NewStore creates a new store instance. feed receives index entries and
// tombstones after each committed change; nil disables the feed.
func NewStore(cache *Cache, feed index.Feed, logger *logrus.Logger) *Store {
	if feed == nil {
		feed = index.Nop{}
	}
	return &Store{
		cache:  cache,
		feed:   feed,
		logger: logger,
	}
}

func (s *Store) db() *sqlx.DB {
	return s.cache.DB()
}

// UpsertAccount records an account so folders can reference it
func (s *Store) UpsertAccount(ctx context.Context, acc *config.AccountConfig) error {
	const query = `
		INSERT INTO accounts (id, name, email, backend, imap_host, smtp_host, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			backend = excluded.backend,
			imap_host = excluded.imap_host,
			smtp_host = excluded.smtp_host,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := s.db().ExecContext(ctx, query, acc.ID, acc.Name, acc.Email, acc.Backend, acc.IMAP.Host, acc.SMTP.Host)
	if err != nil {
		return mailerr.Cache("upsert account", err)
	}
	return nil
}

type folderRow struct {
	ID           int64        `db:"id"`
	AccountID    string       `db:"account_id"`
	ServerName   string       `db:"server_name"`
	LocalName    string       `db:"local_name"`
	Role         string       `db:"role"`
	Attributes   string       `db:"attributes"`
	UIDValidity  int64        `db:"uid_validity"`
	HighestUID   int64        `db:"highest_uid"`
	LastSynced   sql.NullTime `db:"last_synced"`
	MessageCount int          `db:"message_count"`
}

const folderColumns = `id, account_id, server_name, local_name, role, attributes, uid_validity, highest_uid, last_synced, message_count`

func (r folderRow) toFolder() types.Folder {
	f := types.Folder{
		ID:         r.ID,
		AccountID:  r.AccountID,
		Role:       types.FolderRole(r.Role),
		ServerName: r.ServerName,
		LocalName:  r.LocalName,
		Cursor: types.SyncCursor{
			UIDValidity: uint32(r.UIDValidity),
			HighestUID:  uint32(r.HighestUID),
		},
		MessageCount: r.MessageCount,
	}
	if r.LastSynced.Valid {
		f.Cursor.LastSync = r.LastSynced.Time
	}
	_ = json.Unmarshal([]byte(r.Attributes), &f.Attributes)
	return f
}

// EnsureFolder creates the folder row if needed and refreshes its role,
// display name and attributes. The cursor is left untouched.
func (s *Store) EnsureFolder(ctx context.Context, accountID, serverName string, role types.FolderRole, localName string, attrs []string) (*types.Folder, error) {
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attributes: %w", err)
	}
	if attrs == nil {
		attrsJSON = []byte("[]")
	}

	const query = `
		INSERT INTO folders (account_id, server_name, local_name, role, attributes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, server_name) DO UPDATE SET
			local_name = excluded.local_name,
			role = excluded.role,
			attributes = excluded.attributes
	`
	if _, err := s.db().ExecContext(ctx, query, accountID, serverName, localName, string(role), string(attrsJSON)); err != nil {
		return nil, mailerr.Cache("upsert folder", err)
	}
	return s.GetFolder(ctx, accountID, serverName)
}

// GetFolder returns a folder by server name
func (s *Store) GetFolder(ctx context.Context, accountID, serverName string) (*types.Folder, error) {
	var row folderRow
	err := s.db().GetContext(ctx, &row,
		"SELECT "+folderColumns+" FROM folders WHERE account_id = ? AND server_name = ?", accountID, serverName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("folder %s/%s: %w", accountID, serverName, ErrNotFound)
		}
		return nil, mailerr.Cache("get folder", err)
	}
	f := row.toFolder()
	return &f, nil
}

// FolderByID returns a folder by its cache id
func (s *Store) FolderByID(ctx context.Context, id int64) (*types.Folder, error) {
	var row folderRow
	err := s.db().GetContext(ctx, &row, "SELECT "+folderColumns+" FROM folders WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("folder %d: %w", id, ErrNotFound)
		}
		return nil, mailerr.Cache("get folder", err)
	}
	f := row.toFolder()
	return &f, nil
}

// ListFolders lists folders for an account
func (s *Store) ListFolders(ctx context.Context, accountID string) ([]types.Folder, error) {
	var rows []folderRow
	err := s.db().SelectContext(ctx, &rows,
		"SELECT "+folderColumns+" FROM folders WHERE account_id = ? ORDER BY server_name", accountID)
	if err != nil {
		return nil, mailerr.Cache("list folders", err)
	}
	folders := make([]types.Folder, 0, len(rows))
	for _, r := range rows {
		folders = append(folders, r.toFolder())
	}
	return folders, nil
}

// DeleteFolder removes a folder that no longer exists on the server, with
// all of its messages.
func (s *Store) DeleteFolder(ctx context.Context, folder *types.Folder) error {
	tx, err := s.db().BeginTxx(ctx, nil)
	if err != nil {
		return mailerr.Cache("begin delete folder", err)
	}
	defer tx.Rollback()

	var uids []int64
	if err := tx.SelectContext(ctx, &uids, "SELECT uid FROM messages WHERE folder_id = ? AND deleted = 0", folder.ID); err != nil {
		return mailerr.Cache("list folder uids", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE folder_id = ?", folder.ID); err != nil {
		return mailerr.Cache("delete folder messages", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM folders WHERE id = ?", folder.ID); err != nil {
		return mailerr.Cache("delete folder", err)
	}
	if err := tx.Commit(); err != nil {
		return mailerr.Cache("commit delete folder", err)
	}

	for _, uid := range uids {
		s.tombstone(ctx, index.Key{AccountID: folder.AccountID, FolderID: folder.ID, UID: uint32(uid)})
	}
	return nil
}

type messageRow struct {
	ID          int64     `db:"id"`
	AccountID   string    `db:"account_id"`
	FolderID    int64     `db:"folder_id"`
	FolderPath  string    `db:"folder_path"`
	UID         int64     `db:"uid"`
	MessageID   string    `db:"message_id"`
	Subject     string    `db:"subject"`
	FromName    string    `db:"from_name"`
	FromEmail   string    `db:"from_email"`
	To          string    `db:"to_addrs"`
	Cc          string    `db:"cc_addrs"`
	Date        time.Time `db:"date"`
	Flags       string    `db:"flags"`
	Size        int64     `db:"size"`
	BodyText    string    `db:"body_text"`
	BodyHTML    string    `db:"body_html"`
	HasBody     bool      `db:"has_body"`
	Attachments string    `db:"attachments"`
	Deleted     bool      `db:"deleted"`
	CachedAt    time.Time `db:"cached_at"`
}

func (r messageRow) toEmail(withBody bool) (*types.Email, error) {
	e := &types.Email{
		ID:         r.ID,
		AccountID:  r.AccountID,
		FolderID:   r.FolderID,
		FolderPath: r.FolderPath,
		UID:        uint32(r.UID),
		MessageID:  r.MessageID,
		Subject:    r.Subject,
		From:       types.Address{Name: r.FromName, Email: r.FromEmail},
		Date:       r.Date,
		Size:       r.Size,
		HasBody:    r.HasBody,
		Deleted:    r.Deleted,
		CachedAt:   r.CachedAt,
	}
	if err := json.Unmarshal([]byte(r.To), &e.To); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipients: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Cc), &e.Cc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cc: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Flags), &e.Flags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flags: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Attachments), &e.Attachments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
	}
	if withBody {
		e.BodyText = r.BodyText
		e.BodyHTML = r.BodyHTML
	}
	return e, nil
}

const messageColumns = `m.id, m.account_id, m.folder_id, f.server_name AS folder_path, m.uid, m.message_id,
	m.subject, m.from_name, m.from_email, m.to_addrs, m.cc_addrs, m.date, m.flags, m.size,
	m.body_text, m.body_html, m.has_body, m.attachments, m.deleted, m.cached_at`

// ListMessages lists live messages in a folder, newest UID first. Bodies
// are not included.
func (s *Store) ListMessages(ctx context.Context, folderID int64, limit, offset int) ([]*types.Email, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []messageRow
	err := s.db().SelectContext(ctx, &rows, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN folders f ON m.folder_id = f.id
		WHERE m.folder_id = ? AND m.deleted = 0
		ORDER BY m.uid DESC
		LIMIT ? OFFSET ?
	`, folderID, limit, offset)
	if err != nil {
		return nil, mailerr.Cache("list messages", err)
	}

	emails := make([]*types.Email, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEmail(false)
		if err != nil {
			return nil, mailerr.Cache("decode message", err)
		}
		emails = append(emails, e)
	}
	return emails, nil
}

// GetMessage returns a message with its body and attachment list
func (s *Store) GetMessage(ctx context.Context, folderID int64, uid uint32) (*types.Email, error) {
	var row messageRow
	err := s.db().GetContext(ctx, &row, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN folders f ON m.folder_id = f.id
		WHERE m.folder_id = ? AND m.uid = ? AND m.deleted = 0
	`, folderID, uid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %d/%d: %w", folderID, uid, ErrNotFound)
		}
		return nil, mailerr.Cache("get message", err)
	}
	e, err := row.toEmail(true)
	if err != nil {
		return nil, mailerr.Cache("decode message", err)
	}
	return e, nil
}

// LiveUIDs returns the flags of every non-deleted cached message in a
// folder, keyed by UID.
func (s *Store) LiveUIDs(ctx context.Context, folderID int64) (map[uint32][]string, error) {
	var rows []struct {
		UID   int64  `db:"uid"`
		Flags string `db:"flags"`
	}
	if err := s.db().SelectContext(ctx, &rows,
		"SELECT uid, flags FROM messages WHERE folder_id = ? AND deleted = 0", folderID); err != nil {
		return nil, mailerr.Cache("list live uids", err)
	}
	out := make(map[uint32][]string, len(rows))
	for _, r := range rows {
		var flags []string
		if err := json.Unmarshal([]byte(r.Flags), &flags); err != nil {
			return nil, mailerr.Cache("decode flags", err)
		}
		out[uint32(r.UID)] = flags
	}
	return out, nil
}

// SaveBody stores a lazily fetched body and attachment list, and re-emits
// the message to the index.
func (s *Store) SaveBody(ctx context.Context, folderID int64, uid uint32, body *types.Email) error {
	attachments, err := json.Marshal(nonNil(body.Attachments))
	if err != nil {
		return fmt.Errorf("failed to marshal attachments: %w", err)
	}
	res, err := s.db().ExecContext(ctx, `
		UPDATE messages SET body_text = ?, body_html = ?, attachments = ?, has_body = 1, cached_at = CURRENT_TIMESTAMP
		WHERE folder_id = ? AND uid = ? AND deleted = 0
	`, body.BodyText, body.BodyHTML, string(attachments), folderID, uid)
	if err != nil {
		return mailerr.Cache("save body", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %d/%d: %w", folderID, uid, ErrNotFound)
	}

	msg, err := s.GetMessage(ctx, folderID, uid)
	if err != nil {
		return err
	}
	s.emit(ctx, msg)
	return nil
}

// MessageCount returns the number of live messages in a folder
func (s *Store) MessageCount(ctx context.Context, folderID int64) (int, error) {
	var n int
	if err := s.db().GetContext(ctx, &n, "SELECT COUNT(*) FROM messages WHERE folder_id = ? AND deleted = 0", folderID); err != nil {
		return 0, mailerr.Cache("count messages", err)
	}
	return n, nil
}

func (s *Store) emit(ctx context.Context, e *types.Email) {
	entry := index.Entry{
		AccountID: e.AccountID,
		FolderID:  e.FolderID,
		UID:       e.UID,
		Subject:   e.Subject,
		From:      e.From.String(),
		Body:      e.BodyText,
	}
	if err := s.feed.Index(ctx, entry); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"account": e.AccountID,
			"folder":  e.FolderID,
			"uid":     e.UID,
		}).Warn("Failed to index message")
	}
}

func (s *Store) tombstone(ctx context.Context, k index.Key) {
	if err := s.feed.Tombstone(ctx, k); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"account": k.AccountID,
			"folder":  k.FolderID,
			"uid":     k.UID,
		}).Warn("Failed to remove message from index")
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
