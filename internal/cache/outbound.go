package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/brandon/mailsync/internal/index"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/pkg/types"
)

// OpKind is the kind of a queued local-origin mutation
type OpKind string

const (
	OpFlags  OpKind = "flags"
	OpMove   OpKind = "move"
	OpDelete OpKind = "delete"
	OpSend   OpKind = "send"
)

// OutboundOp is a mutation applied optimistically to the cache and waiting
// for server acknowledgment.
type OutboundOp struct {
	Seq         int64
	ID          string
	AccountID   string
	FolderID    int64
	Folder      string
	UID         uint32
	Kind        OpKind
	AddFlags    []string
	RemoveFlags []string
	Destination string
	Send        *SendPayload
	Attempts    int
	LastError   string
	CreatedAt   time.Time
}

// SendPayload is the envelope and content of a queued message submission
type SendPayload struct {
	From       string   `json:"from"`
	Recipients []string `json:"recipients"`
	Raw        []byte   `json:"raw"`
}

type opRow struct {
	Seq         int64     `db:"seq"`
	ID          string    `db:"id"`
	AccountID   string    `db:"account_id"`
	FolderID    int64     `db:"folder_id"`
	Folder      string    `db:"folder"`
	UID         int64     `db:"uid"`
	Kind        string    `db:"kind"`
	AddFlags    string    `db:"add_flags"`
	RemoveFlags string    `db:"remove_flags"`
	Destination string    `db:"destination"`
	Payload     []byte    `db:"payload"`
	Attempts    int       `db:"attempts"`
	LastError   string    `db:"last_error"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r opRow) toOp() (*OutboundOp, error) {
	op := &OutboundOp{
		Seq:         r.Seq,
		ID:          r.ID,
		AccountID:   r.AccountID,
		FolderID:    r.FolderID,
		Folder:      r.Folder,
		UID:         uint32(r.UID),
		Kind:        OpKind(r.Kind),
		Destination: r.Destination,
		Attempts:    r.Attempts,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
	}
	if err := json.Unmarshal([]byte(r.AddFlags), &op.AddFlags); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(r.RemoveFlags), &op.RemoveFlags); err != nil {
		return nil, err
	}
	if op.Kind == OpSend && len(r.Payload) > 0 {
		op.Send = &SendPayload{}
		if err := json.Unmarshal(r.Payload, op.Send); err != nil {
			return nil, err
		}
	}
	return op, nil
}

func insertOp(ctx context.Context, tx *sqlx.Tx, op *OutboundOp) error {
	add, err := json.Marshal(nonNil(op.AddFlags))
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}
	remove, err := json.Marshal(nonNil(op.RemoveFlags))
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}
	var payload []byte
	if op.Send != nil {
		if payload, err = json.Marshal(op.Send); err != nil {
			return fmt.Errorf("failed to marshal send payload: %w", err)
		}
	}

	op.ID = uuid.NewString()
	op.CreatedAt = time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO outbound_ops (id, account_id, folder_id, folder, uid, kind, add_flags, remove_flags, destination, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.AccountID, op.FolderID, op.Folder, op.UID, string(op.Kind), string(add), string(remove), op.Destination, payload, op.CreatedAt)
	if err != nil {
		return mailerr.Cache("queue operation", err)
	}
	op.Seq, _ = res.LastInsertId()
	return nil
}

func loadFlags(ctx context.Context, tx *sqlx.Tx, folderID int64, uid uint32) ([]string, error) {
	var raw string
	err := tx.GetContext(ctx, &raw, "SELECT flags FROM messages WHERE folder_id = ? AND uid = ? AND deleted = 0", folderID, uid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %d/%d: %w", folderID, uid, ErrNotFound)
		}
		return nil, mailerr.Cache("load flags", err)
	}
	var flags []string
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		return nil, mailerr.Cache("decode flags", err)
	}
	return flags, nil
}

// QueueFlagChange applies a flag delta to the cached message and queues it
// for replay, as one unit.
func (s *Store) QueueFlagChange(ctx context.Context, folder *types.Folder, uid uint32, add, remove []string) (*OutboundOp, error) {
	tx, err := s.db().BeginTxx(ctx, nil)
	if err != nil {
		return nil, mailerr.Cache("begin flag change", err)
	}
	defer tx.Rollback()

	current, err := loadFlags(ctx, tx, folder.ID, uid)
	if err != nil {
		return nil, err
	}
	updated, err := json.Marshal(types.ApplyFlagDelta(current, add, remove))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal flags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE messages SET flags = ? WHERE folder_id = ? AND uid = ?", string(updated), folder.ID, uid); err != nil {
		return nil, mailerr.Cache("apply flag change", err)
	}

	op := &OutboundOp{
		AccountID:   folder.AccountID,
		FolderID:    folder.ID,
		Folder:      folder.ServerName,
		UID:         uid,
		Kind:        OpFlags,
		AddFlags:    types.NormalizeFlags(add),
		RemoveFlags: types.NormalizeFlags(remove),
	}
	if err := insertOp(ctx, tx, op); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mailerr.Cache("commit flag change", err)
	}
	return op, nil
}

// QueueMove removes the message from its folder locally and queues the
// server-side move. The destination folder picks it up on its next sync.
func (s *Store) QueueMove(ctx context.Context, folder *types.Folder, uid uint32, destination string) (*OutboundOp, error) {
	return s.queueRemoval(ctx, folder, uid, OpMove, destination)
}

// QueueDelete removes the message locally and queues a permanent delete
func (s *Store) QueueDelete(ctx context.Context, folder *types.Folder, uid uint32) (*OutboundOp, error) {
	return s.queueRemoval(ctx, folder, uid, OpDelete, "")
}

func (s *Store) queueRemoval(ctx context.Context, folder *types.Folder, uid uint32, kind OpKind, destination string) (*OutboundOp, error) {
	tx, err := s.db().BeginTxx(ctx, nil)
	if err != nil {
		return nil, mailerr.Cache("begin "+string(kind), err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE messages SET deleted = 1 WHERE folder_id = ? AND uid = ? AND deleted = 0", folder.ID, uid)
	if err != nil {
		return nil, mailerr.Cache("apply "+string(kind), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("message %d/%d: %w", folder.ID, uid, ErrNotFound)
	}

	op := &OutboundOp{
		AccountID:   folder.AccountID,
		FolderID:    folder.ID,
		Folder:      folder.ServerName,
		UID:         uid,
		Kind:        kind,
		Destination: destination,
	}
	if err := insertOp(ctx, tx, op); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mailerr.Cache("commit "+string(kind), err)
	}

	s.tombstone(ctx, index.Key{AccountID: folder.AccountID, FolderID: folder.ID, UID: uid})
	return op, nil
}

// QueueSend stores a message whose submission failed for later replay
func (s *Store) QueueSend(ctx context.Context, accountID string, payload *SendPayload) (*OutboundOp, error) {
	tx, err := s.db().BeginTxx(ctx, nil)
	if err != nil {
		return nil, mailerr.Cache("begin queue send", err)
	}
	defer tx.Rollback()

	op := &OutboundOp{AccountID: accountID, Kind: OpSend, Send: payload}
	if err := insertOp(ctx, tx, op); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mailerr.Cache("commit queue send", err)
	}
	return op, nil
}

// PendingOps returns an account's queued operations in creation order
func (s *Store) PendingOps(ctx context.Context, accountID string) ([]*OutboundOp, error) {
	var rows []opRow
	if err := s.db().SelectContext(ctx, &rows,
		"SELECT * FROM outbound_ops WHERE account_id = ? ORDER BY seq", accountID); err != nil {
		return nil, mailerr.Cache("list pending ops", err)
	}
	ops := make([]*OutboundOp, 0, len(rows))
	for _, r := range rows {
		op, err := r.toOp()
		if err != nil {
			return nil, mailerr.Cache("decode pending op", err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// PendingUIDs returns the UIDs in a folder that have queued operations
func (s *Store) PendingUIDs(ctx context.Context, folderID int64) (map[uint32]bool, error) {
	var uids []int64
	if err := s.db().SelectContext(ctx, &uids,
		"SELECT DISTINCT uid FROM outbound_ops WHERE folder_id = ? AND kind != ?", folderID, string(OpSend)); err != nil {
		return nil, mailerr.Cache("list pending uids", err)
	}
	out := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		out[uint32(uid)] = true
	}
	return out, nil
}

// RemoveOp deletes a queued operation after acknowledgment or when it is
// dropped.
func (s *Store) RemoveOp(ctx context.Context, id string) error {
	if _, err := s.db().ExecContext(ctx, "DELETE FROM outbound_ops WHERE id = ?", id); err != nil {
		return mailerr.Cache("remove op", err)
	}
	return nil
}

// DropOp removes an op the server could not apply. With restore, a move or
// delete is undone locally: the source row becomes live again and is
// re-indexed, since the message is still on the server below the cursor
// where no later sync would fetch it.
func (s *Store) DropOp(ctx context.Context, op *OutboundOp, restore bool) error {
	tx, err := s.db().BeginTxx(ctx, nil)
	if err != nil {
		return mailerr.Cache("begin drop op", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM outbound_ops WHERE id = ?", op.ID); err != nil {
		return mailerr.Cache("remove op", err)
	}

	restored := false
	if restore && (op.Kind == OpMove || op.Kind == OpDelete) {
		res, err := tx.ExecContext(ctx, "UPDATE messages SET deleted = 0 WHERE folder_id = ? AND uid = ? AND deleted = 1", op.FolderID, op.UID)
		if err != nil {
			return mailerr.Cache("restore message", err)
		}
		n, _ := res.RowsAffected()
		restored = n > 0
	}

	if err := tx.Commit(); err != nil {
		return mailerr.Cache("commit drop op", err)
	}

	if restored {
		msg, err := s.GetMessage(ctx, op.FolderID, op.UID)
		if err != nil {
			return err
		}
		s.emit(ctx, msg)
	}
	return nil
}

// RecordOpFailure notes a failed replay attempt that will be retried
func (s *Store) RecordOpFailure(ctx context.Context, id string, cause error) error {
	if _, err := s.db().ExecContext(ctx,
		"UPDATE outbound_ops SET attempts = attempts + 1, last_error = ? WHERE id = ?", cause.Error(), id); err != nil {
		return mailerr.Cache("record op failure", err)
	}
	return nil
}
