package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/index"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/pkg/types"
)

// FolderSync is the outcome of one reconciliation pass over one folder.
// ApplyFolderSync writes it as a single transaction, so the cursor never
// moves past data that is not stored.
type FolderSync struct {
	Folder *types.Folder

	// UIDValidity is the epoch the server reported
	UIDValidity uint32
	// Reset discards every cached UID of the folder before applying
	Reset bool

	NewMessages []*types.Email
	FlagUpdates map[uint32][]string
	Deleted     []uint32

	// HighestUID is the cursor position after this pass
	HighestUID   uint32
	MessageCount int

	// Limit keeps only the Limit highest UIDs; 0 disables eviction
	Limit int
}

// SyncStats counts what ApplyFolderSync changed
type SyncStats struct {
	Added        int
	FlagsUpdated int
	Deleted      int
	Evicted      int
	Discarded    int
}

// Mutations reports whether the pass changed any message or cursor state
func (s SyncStats) Mutations() int {
	return s.Added + s.FlagsUpdated + s.Deleted + s.Evicted + s.Discarded
}

// ApplyFolderSync applies a folder pass atomically and then feeds the index.
func (s *Store) ApplyFolderSync(ctx context.Context, b *FolderSync) (*SyncStats, error) {
	folder := b.Folder
	stats := &SyncStats{}
	var tombstones, evicted []uint32

	tx, err := s.db().BeginTxx(ctx, nil)
	if err != nil {
		return nil, mailerr.Cache("begin folder sync", err)
	}
	defer tx.Rollback()

	if b.Reset {
		var uids []int64
		if err := tx.SelectContext(ctx, &uids, "SELECT uid FROM messages WHERE folder_id = ? AND deleted = 0", folder.ID); err != nil {
			return nil, mailerr.Cache("list stale uids", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE folder_id = ?", folder.ID); err != nil {
			return nil, mailerr.Cache("discard stale uids", err)
		}
		// Queued operations address UIDs from the old epoch.
		res, err := tx.ExecContext(ctx, "DELETE FROM outbound_ops WHERE folder_id = ? AND kind != ?", folder.ID, string(OpSend))
		if err != nil {
			return nil, mailerr.Cache("discard stale ops", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.logger.WithFields(logrus.Fields{
				"account": folder.AccountID,
				"folder":  folder.ServerName,
				"ops":     n,
			}).Warn("Dropped queued operations invalidated by UIDVALIDITY change")
		}
		for _, uid := range uids {
			tombstones = append(tombstones, uint32(uid))
		}
		stats.Discarded = len(uids)
	}

	for _, msg := range b.NewMessages {
		if err := insertMessage(ctx, tx, folder, msg); err != nil {
			return nil, err
		}
		stats.Added++
	}

	for _, uid := range sortedKeys(b.FlagUpdates) {
		flags, err := json.Marshal(types.NormalizeFlags(b.FlagUpdates[uid]))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal flags: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			"UPDATE messages SET flags = ? WHERE folder_id = ? AND uid = ? AND deleted = 0 AND flags != ?",
			string(flags), folder.ID, uid, string(flags))
		if err != nil {
			return nil, mailerr.Cache("update flags", err)
		}
		n, _ := res.RowsAffected()
		stats.FlagsUpdated += int(n)
	}

	for _, uid := range b.Deleted {
		res, err := tx.ExecContext(ctx,
			"UPDATE messages SET deleted = 1 WHERE folder_id = ? AND uid = ? AND deleted = 0", folder.ID, uid)
		if err != nil {
			return nil, mailerr.Cache("mark deleted", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			stats.Deleted++
			tombstones = append(tombstones, uid)
		}
	}

	if b.Limit > 0 {
		evicted, err = evictBeyond(ctx, tx, folder.ID, b.Limit)
		if err != nil {
			return nil, err
		}
		stats.Evicted = len(evicted)
		tombstones = append(tombstones, evicted...)
	}

	highest := b.HighestUID
	if !b.Reset && highest < folder.Cursor.HighestUID {
		highest = folder.Cursor.HighestUID
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE folders SET uid_validity = ?, highest_uid = ?, last_synced = ?, message_count = ?
		WHERE id = ?
	`, b.UIDValidity, highest, now, b.MessageCount, folder.ID); err != nil {
		return nil, mailerr.Cache("persist cursor", err)
	}

	if s.beforeCommit != nil {
		if err := s.beforeCommit(); err != nil {
			return nil, mailerr.Cache("commit folder sync", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, mailerr.Cache("commit folder sync", err)
	}

	folder.Cursor = types.SyncCursor{UIDValidity: b.UIDValidity, HighestUID: highest, LastSync: now}
	folder.MessageCount = b.MessageCount

	for _, uid := range tombstones {
		s.tombstone(ctx, index.Key{AccountID: folder.AccountID, FolderID: folder.ID, UID: uid})
	}
	for _, msg := range b.NewMessages {
		msg.AccountID = folder.AccountID
		msg.FolderID = folder.ID
		if containsUID(evicted, msg.UID) {
			continue
		}
		s.emit(ctx, msg)
	}

	return stats, nil
}

func insertMessage(ctx context.Context, tx *sqlx.Tx, folder *types.Folder, msg *types.Email) error {
	to, err := json.Marshal(nonNil(msg.To))
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	cc, err := json.Marshal(nonNil(msg.Cc))
	if err != nil {
		return fmt.Errorf("failed to marshal cc: %w", err)
	}
	flags, err := json.Marshal(types.NormalizeFlags(msg.Flags))
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}
	attachments, err := json.Marshal(nonNil(msg.Attachments))
	if err != nil {
		return fmt.Errorf("failed to marshal attachments: %w", err)
	}

	const query = `
		INSERT INTO messages (account_id, folder_id, uid, message_id, subject, from_name, from_email,
			to_addrs, cc_addrs, date, flags, size, body_text, body_html, has_body, attachments, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(folder_id, uid) DO UPDATE SET
			message_id = excluded.message_id,
			subject = excluded.subject,
			from_name = excluded.from_name,
			from_email = excluded.from_email,
			to_addrs = excluded.to_addrs,
			cc_addrs = excluded.cc_addrs,
			date = excluded.date,
			flags = excluded.flags,
			size = excluded.size,
			body_text = CASE WHEN excluded.has_body = 1 THEN excluded.body_text ELSE messages.body_text END,
			body_html = CASE WHEN excluded.has_body = 1 THEN excluded.body_html ELSE messages.body_html END,
			has_body = MAX(messages.has_body, excluded.has_body),
			attachments = excluded.attachments,
			deleted = 0,
			cached_at = CURRENT_TIMESTAMP
	`
	_, err = tx.ExecContext(ctx, query,
		folder.AccountID, folder.ID, msg.UID, msg.MessageID, msg.Subject, msg.From.Name, msg.From.Email,
		string(to), string(cc), msg.Date.UTC(), string(flags), msg.Size, msg.BodyText, msg.BodyHTML,
		msg.HasBody, string(attachments))
	if err != nil {
		return mailerr.Cache("insert message", err)
	}
	return nil
}

// evictBeyond removes rows older than the limit-th highest live UID.
func evictBeyond(ctx context.Context, tx *sqlx.Tx, folderID int64, limit int) ([]uint32, error) {
	var threshold []int64
	err := tx.SelectContext(ctx, &threshold, `
		SELECT uid FROM messages WHERE folder_id = ? AND deleted = 0
		ORDER BY uid DESC LIMIT 1 OFFSET ?
	`, folderID, limit-1)
	if err != nil {
		return nil, mailerr.Cache("find eviction threshold", err)
	}
	if len(threshold) == 0 {
		return nil, nil
	}

	var uids []int64
	if err := tx.SelectContext(ctx, &uids,
		"SELECT uid FROM messages WHERE folder_id = ? AND uid < ? AND deleted = 0", folderID, threshold[0]); err != nil {
		return nil, mailerr.Cache("list evicted uids", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE folder_id = ? AND uid < ?", folderID, threshold[0]); err != nil {
		return nil, mailerr.Cache("evict messages", err)
	}

	out := make([]uint32, len(uids))
	for i, uid := range uids {
		out[i] = uint32(uid)
	}
	return out, nil
}

func containsUID(uids []uint32, uid uint32) bool {
	for _, t := range uids {
		if t == uid {
			return true
		}
	}
	return false
}

func sortedKeys(m map[uint32][]string) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
