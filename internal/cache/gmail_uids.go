package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/brandon/mailsync/internal/mailerr"
)

// AssignGmailUIDs returns a stable UID for each Gmail message id carrying
// the label. UIDs are scoped to the label the way IMAP UIDs are scoped to
// a mailbox: an id seen in the label for the first time gets a UID above
// every UID the label has handed out, in the order given, so callers pass
// ids oldest first. gmailIDs is the label's full membership; mappings for
// ids no longer listed are dropped, so a message that leaves and returns
// gets a fresh UID.
func (s *Store) AssignGmailUIDs(ctx context.Context, accountID, labelID string, gmailIDs []string) (map[string]uint32, error) {
	tx, err := s.db().BeginTxx(ctx, nil)
	if err != nil {
		return nil, mailerr.Cache("begin uid assignment", err)
	}
	defer tx.Rollback()

	next, err := nextGmailUID(ctx, tx, accountID, labelID)
	if err != nil {
		return nil, err
	}

	var known []struct {
		GmailID string `db:"gmail_id"`
		UID     int64  `db:"uid"`
	}
	if err := tx.SelectContext(ctx, &known, "SELECT gmail_id, uid FROM gmail_uids WHERE account_id = ? AND label_id = ?", accountID, labelID); err != nil {
		return nil, mailerr.Cache("load uids", err)
	}
	assigned := make(map[string]uint32, len(known))
	for _, k := range known {
		assigned[k.GmailID] = uint32(k.UID)
	}

	out := make(map[string]uint32, len(gmailIDs))
	for _, id := range gmailIDs {
		if _, done := out[id]; done {
			continue
		}
		if uid, ok := assigned[id]; ok {
			out[id] = uid
			continue
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO gmail_uids (account_id, label_id, gmail_id, uid) VALUES (?, ?, ?, ?)", accountID, labelID, id, next); err != nil {
			return nil, mailerr.Cache("assign uid", err)
		}
		out[id] = uint32(next)
		next++
	}

	for id := range assigned {
		if _, listed := out[id]; listed {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM gmail_uids WHERE account_id = ? AND label_id = ? AND gmail_id = ?", accountID, labelID, id); err != nil {
			return nil, mailerr.Cache("forget uid", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO gmail_uid_next (account_id, label_id, next_uid) VALUES (?, ?, ?)
		ON CONFLICT(account_id, label_id) DO UPDATE SET next_uid = excluded.next_uid`,
		accountID, labelID, next)
	if err != nil {
		return nil, mailerr.Cache("advance next uid", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mailerr.Cache("commit uid assignment", err)
	}
	return out, nil
}

// GmailID returns the Gmail message id behind a UID in the label
func (s *Store) GmailID(ctx context.Context, accountID, labelID string, uid uint32) (string, error) {
	var id string
	err := s.db().GetContext(ctx, &id, "SELECT gmail_id FROM gmail_uids WHERE account_id = ? AND label_id = ? AND uid = ?", accountID, labelID, uid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("gmail uid %d in %s: %w", uid, labelID, ErrNotFound)
		}
		return "", mailerr.Cache("lookup gmail id", err)
	}
	return id, nil
}

// NextGmailUID returns the UID the next message joining the label would get
func (s *Store) NextGmailUID(ctx context.Context, accountID, labelID string) (uint32, error) {
	next, err := nextGmailUID(ctx, s.db(), accountID, labelID)
	return uint32(next), err
}

// nextGmailUID never goes backwards, even when the highest mapping was
// forgotten.
func nextGmailUID(ctx context.Context, q sqlx.QueryerContext, accountID, labelID string) (int64, error) {
	var next int64
	err := sqlx.GetContext(ctx, q, &next, `
		SELECT MAX(
			COALESCE((SELECT next_uid FROM gmail_uid_next WHERE account_id = ? AND label_id = ?), 1),
			COALESCE((SELECT MAX(uid) + 1 FROM gmail_uids WHERE account_id = ? AND label_id = ?), 1))`,
		accountID, labelID, accountID, labelID)
	if err != nil {
		return 0, mailerr.Cache("read next uid", err)
	}
	return next, nil
}
