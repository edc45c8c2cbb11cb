// Package index receives the search feed emitted by the cache and serves
// full-text queries over it.
package index

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

// Entry is emitted on every message insert or update
type Entry struct {
	AccountID string
	FolderID  int64
	UID       uint32
	Subject   string
	From      string
	Body      string
}

// Key identifies an indexed message; used for tombstones
type Key struct {
	AccountID string
	FolderID  int64
	UID       uint32
}

// Key returns the entry's key
func (e Entry) Key() Key {
	return Key{AccountID: e.AccountID, FolderID: e.FolderID, UID: e.UID}
}

// Feed consumes index entries and tombstones
type Feed interface {
	Index(ctx context.Context, entry Entry) error
	Tombstone(ctx context.Context, key Key) error
}

// Nop discards the feed
type Nop struct{}

func (Nop) Index(context.Context, Entry) error   { return nil }
func (Nop) Tombstone(context.Context, Key) error { return nil }

const schema = `
CREATE VIRTUAL TABLE IF NOT EXISTS message_index USING fts5(
    account_id UNINDEXED,
    folder_id UNINDEXED,
    uid UNINDEXED,
    subject,
    sender,
    body
);
`

// FTS is a Feed backed by an SQLite FTS5 table
type FTS struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewFTS creates the FTS5 table on db if needed
func NewFTS(ctx context.Context, db *sqlx.DB, logger *logrus.Logger) (*FTS, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create index table: %w", err)
	}
	return &FTS{db: db, logger: logger}, nil
}

// Index replaces the entry for the message
func (f *FTS) Index(ctx context.Context, e Entry) error {
	tx, err := f.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM message_index WHERE account_id = ? AND folder_id = ? AND uid = ?",
		e.AccountID, e.FolderID, e.UID); err != nil {
		return fmt.Errorf("failed to clear index entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO message_index (account_id, folder_id, uid, subject, sender, body) VALUES (?, ?, ?, ?, ?, ?)",
		e.AccountID, e.FolderID, e.UID, e.Subject, e.From, e.Body); err != nil {
		return fmt.Errorf("failed to insert index entry: %w", err)
	}
	return tx.Commit()
}

// Tombstone removes the message from the index
func (f *FTS) Tombstone(ctx context.Context, k Key) error {
	_, err := f.db.ExecContext(ctx,
		"DELETE FROM message_index WHERE account_id = ? AND folder_id = ? AND uid = ?",
		k.AccountID, k.FolderID, k.UID)
	if err != nil {
		return fmt.Errorf("failed to remove index entry: %w", err)
	}
	return nil
}

// SearchOptions narrows a query
type SearchOptions struct {
	AccountID string
	FolderID  int64
	Limit     int
}

type hitRow struct {
	AccountID string `db:"account_id"`
	FolderID  int64  `db:"folder_id"`
	UID       int64  `db:"uid"`
	Subject   string `db:"subject"`
	Sender    string `db:"sender"`
	Snippet   string `db:"snippet"`
}

// Search runs a full-text query. Each whitespace separated term must match.
func (f *FTS) Search(ctx context.Context, query string, opts SearchOptions) ([]types.SearchHit, error) {
	match := matchExpression(query)
	if match == "" {
		return nil, nil
	}

	conditions := []string{"message_index MATCH ?"}
	args := []interface{}{match}
	if opts.AccountID != "" {
		conditions = append(conditions, "account_id = ?")
		args = append(args, opts.AccountID)
	}
	if opts.FolderID != 0 {
		conditions = append(conditions, "folder_id = ?")
		args = append(args, opts.FolderID)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT account_id, folder_id, uid, subject, sender,
		       snippet(message_index, 5, '', '', '...', 24) AS snippet
		FROM message_index
		WHERE %s
		ORDER BY rank
		LIMIT ?
	`, strings.Join(conditions, " AND "))

	var rows []hitRow
	if err := f.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}

	hits := make([]types.SearchHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, types.SearchHit{
			AccountID: r.AccountID,
			FolderID:  r.FolderID,
			UID:       uint32(r.UID),
			Subject:   r.Subject,
			From:      r.Sender,
			Snippet:   r.Snippet,
		})
	}
	f.logger.WithFields(logrus.Fields{"query": query, "hits": len(hits)}).Debug("Index search")
	return hits, nil
}

// matchExpression quotes each term so user input cannot inject FTS5 syntax.
func matchExpression(query string) string {
	var terms []string
	for _, term := range strings.Fields(query) {
		term = strings.ReplaceAll(term, `"`, `""`)
		terms = append(terms, `"`+term+`"`)
	}
	return strings.Join(terms, " ")
}
