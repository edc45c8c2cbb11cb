package cache_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/cache/cachetest"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/pkg/types"
)

func message(uid uint32, flags ...string) *types.Email {
	return &types.Email{
		UID:       uid,
		MessageID: fmt.Sprintf("<%d@example.com>", uid),
		Subject:   fmt.Sprintf("message %d", uid),
		From:      types.Address{Name: "Alice", Email: "alice@example.com"},
		To:        []types.Address{{Email: "bob@example.com"}},
		Date:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(uid) * time.Minute),
		Flags:     flags,
		Size:      1024,
	}
}

func messages(from, to uint32) []*types.Email {
	var out []*types.Email
	for uid := from; uid <= to; uid++ {
		out = append(out, message(uid))
	}
	return out
}

func liveUIDs(t *testing.T, s *cache.Store, folderID int64) []uint32 {
	t.Helper()
	live, err := s.LiveUIDs(context.Background(), folderID)
	require.NoError(t, err)
	out := make([]uint32, 0, len(live))
	for uid := range live {
		out = append(out, uid)
	}
	return sortUIDs(out)
}

func sortUIDs(uids []uint32) []uint32 {
	for i := 1; i < len(uids); i++ {
		for j := i; j > 0 && uids[j] < uids[j-1]; j-- {
			uids[j], uids[j-1] = uids[j-1], uids[j]
		}
	}
	return uids
}

func uidRange(from, to uint32) []uint32 {
	var out []uint32
	for uid := from; uid <= to; uid++ {
		out = append(out, uid)
	}
	return out
}

func setupFolder(t *testing.T, feed *cachetest.Recorder) (*cache.Store, *types.Folder) {
	t.Helper()
	var s *cache.Store
	if feed != nil {
		s = cachetest.NewStore(t, feed)
	} else {
		s = cachetest.NewStore(t, nil)
	}
	cachetest.SeedAccount(t, s, "work")
	f, err := s.EnsureFolder(context.Background(), "work", "INBOX", types.RoleInbox, "Inbox", []string{`\HasNoChildren`})
	require.NoError(t, err)
	return s, f
}

func TestEnsureFolderKeepsCursor(t *testing.T) {
	ctx := context.Background()
	s, f := setupFolder(t, nil)

	_, err := s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder: f, UIDValidity: 7, NewMessages: messages(1, 3), HighestUID: 3, MessageCount: 3,
	})
	require.NoError(t, err)

	again, err := s.EnsureFolder(ctx, "work", "INBOX", types.RoleInbox, "Posteingang", nil)
	require.NoError(t, err)
	assert.Equal(t, f.ID, again.ID)
	assert.Equal(t, "Posteingang", again.LocalName)
	assert.Equal(t, uint32(7), again.Cursor.UIDValidity)
	assert.Equal(t, uint32(3), again.Cursor.HighestUID)
	assert.Empty(t, again.Attributes)

	folders, err := s.ListFolders(ctx, "work")
	require.NoError(t, err)
	require.Len(t, folders, 1)

	_, err = s.GetFolder(ctx, "work", "Archive")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestApplyFolderSyncIncremental(t *testing.T) {
	ctx := context.Background()
	feed := &cachetest.Recorder{}
	s, f := setupFolder(t, feed)

	// Cursor (100, 5) with UIDs 95..100 cached.
	_, err := s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder: f, UIDValidity: 5, NewMessages: messages(95, 100), HighestUID: 100, MessageCount: 6,
	})
	require.NoError(t, err)
	feed.Reset()

	// Server now holds 95..110.
	stats, err := s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder: f, UIDValidity: 5, NewMessages: messages(101, 110), HighestUID: 110, MessageCount: 16,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Added)
	assert.Zero(t, stats.Deleted)

	assert.Equal(t, uidRange(95, 110), liveUIDs(t, s, f.ID))
	assert.Equal(t, uidRange(101, 110), feed.Indexed())

	stored, err := s.GetFolder(ctx, "work", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(110), stored.Cursor.HighestUID)
	assert.Equal(t, uint32(5), stored.Cursor.UIDValidity)
	assert.Equal(t, 16, stored.MessageCount)
	assert.False(t, stored.Cursor.LastSync.IsZero())
	assert.Equal(t, stored.Cursor, f.Cursor)
}

func TestApplyFolderSyncIdempotent(t *testing.T) {
	ctx := context.Background()
	s, f := setupFolder(t, nil)

	_, err := s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder: f, UIDValidity: 5, NewMessages: []*types.Email{message(1, types.FlagSeen), message(2)},
		HighestUID: 2, MessageCount: 2,
	})
	require.NoError(t, err)

	stats, err := s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder:      f,
		UIDValidity: 5,
		FlagUpdates: map[uint32][]string{1: {`\Seen`}, 2: {}},
		HighestUID:  2, MessageCount: 2,
	})
	require.NoError(t, err)
	assert.Zero(t, stats.Mutations())
}

func TestApplyFolderSyncFlagsAndDeletes(t *testing.T) {
	ctx := context.Background()
	feed := &cachetest.Recorder{}
	s, f := setupFolder(t, feed)

	_, err := s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder: f, UIDValidity: 1, NewMessages: messages(1, 4), HighestUID: 4, MessageCount: 4,
	})
	require.NoError(t, err)

	stats, err := s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder:      f,
		UIDValidity: 1,
		FlagUpdates: map[uint32][]string{2: {types.FlagFlagged, types.FlagSeen}},
		Deleted:     []uint32{3, 99},
		HighestUID:  4, MessageCount: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FlagsUpdated)
	assert.Equal(t, 1, stats.Deleted)
	assert.Equal(t, []uint32{3}, feed.Tombstoned())

	got, err := s.GetMessage(ctx, f.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{types.FlagFlagged, types.FlagSeen}, got.Flags)

	_, err = s.GetMessage(ctx, f.ID, 3)
	assert.ErrorIs(t, err, cache.ErrNotFound)
	assert.Equal(t, []uint32{1, 2, 4}, liveUIDs(t, s, f.ID))
}

func TestApplyFolderSyncValidityReset(t *testing.T) {
	ctx := context.Background()
	feed := &cachetest.Recorder{}
	s, f := setupFolder(t, feed)

	_, err := s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder: f, UIDValidity: 5, NewMessages: messages(95, 100), HighestUID: 100, MessageCount: 6,
	})
	require.NoError(t, err)
	_, err = s.QueueFlagChange(ctx, f, 97, []string{types.FlagSeen}, nil)
	require.NoError(t, err)
	_, err = s.QueueSend(ctx, "work", &cache.SendPayload{From: "work@example.com", Recipients: []string{"a@example.com"}, Raw: []byte("x")})
	require.NoError(t, err)
	feed.Reset()

	stats, err := s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder: f, UIDValidity: 6, Reset: true, NewMessages: messages(1, 3), HighestUID: 3, MessageCount: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Discarded)
	assert.Equal(t, 3, stats.Added)

	assert.Equal(t, []uint32{1, 2, 3}, liveUIDs(t, s, f.ID))
	assert.Equal(t, uidRange(95, 100), sortUIDs(feed.Tombstoned()))
	assert.Equal(t, []uint32{1, 2, 3}, feed.Indexed())

	stored, err := s.GetFolder(ctx, "work", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(6), stored.Cursor.UIDValidity)
	assert.Equal(t, uint32(3), stored.Cursor.HighestUID)

	ops, err := s.PendingOps(ctx, "work")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, cache.OpSend, ops[0].Kind)
}

func TestApplyFolderSyncEvictsBeyondLimit(t *testing.T) {
	ctx := context.Background()
	feed := &cachetest.Recorder{}
	s, f := setupFolder(t, feed)

	_, err := s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder: f, UIDValidity: 1, NewMessages: messages(1, 5), HighestUID: 5, MessageCount: 5, Limit: 5,
	})
	require.NoError(t, err)
	feed.Reset()

	stats, err := s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder: f, UIDValidity: 1, NewMessages: messages(6, 8), HighestUID: 8, MessageCount: 8, Limit: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Evicted)
	assert.Equal(t, uidRange(4, 8), liveUIDs(t, s, f.ID))
	assert.Equal(t, []uint32{1, 2, 3}, sortUIDs(feed.Tombstoned()))

	n, err := s.MessageCount(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestApplyFolderSyncFailureBeforeCommit(t *testing.T) {
	ctx := context.Background()
	feed := &cachetest.Recorder{}
	s, f := setupFolder(t, feed)

	_, err := s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder: f, UIDValidity: 5, NewMessages: messages(1, 100), HighestUID: 100, MessageCount: 100,
	})
	require.NoError(t, err)
	feed.Reset()

	s.SetBeforeCommit(func() error { return errors.New("disk full") })
	_, err = s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder: f, UIDValidity: 5, NewMessages: messages(101, 110), HighestUID: 110, MessageCount: 110,
	})
	require.Error(t, err)
	assert.True(t, mailerr.IsCache(err))
	assert.Empty(t, feed.Indexed())

	stored, err := s.GetFolder(ctx, "work", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(100), stored.Cursor.HighestUID)
	assert.Equal(t, uint32(100), f.Cursor.HighestUID)
	assert.Len(t, liveUIDs(t, s, f.ID), 100)

	s.SetBeforeCommit(nil)
	stats, err := s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder: stored, UIDValidity: 5, NewMessages: messages(101, 110), HighestUID: 110, MessageCount: 110,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Added)
	assert.Equal(t, uidRange(1, 110), liveUIDs(t, s, f.ID))
}

func TestApplyFolderSyncCursorIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s, f := setupFolder(t, nil)

	_, err := s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder: f, UIDValidity: 5, NewMessages: messages(1, 10), HighestUID: 10, MessageCount: 10,
	})
	require.NoError(t, err)

	// The newest messages were expunged on the server.
	_, err = s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder: f, UIDValidity: 5, Deleted: []uint32{9, 10}, HighestUID: 8, MessageCount: 8,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(10), f.Cursor.HighestUID)
}

func TestSaveBodyReindexes(t *testing.T) {
	ctx := context.Background()
	feed := &cachetest.Recorder{}
	s, f := setupFolder(t, feed)

	_, err := s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder: f, UIDValidity: 1, NewMessages: messages(1, 1), HighestUID: 1, MessageCount: 1,
	})
	require.NoError(t, err)
	feed.Reset()

	err = s.SaveBody(ctx, f.ID, 1, &types.Email{
		BodyText:    "quarterly numbers attached",
		Attachments: []types.Attachment{{Filename: "q3.pdf", ContentType: "application/pdf", Size: 2048}},
	})
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, f.ID, 1)
	require.NoError(t, err)
	assert.True(t, got.HasBody)
	assert.Equal(t, "quarterly numbers attached", got.BodyText)
	assert.Equal(t, "INBOX", got.FolderPath)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "q3.pdf", got.Attachments[0].Filename)

	entries := feed.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "quarterly numbers attached", entries[0].Body)
	assert.Equal(t, "Alice <alice@example.com>", entries[0].From)

	err = s.SaveBody(ctx, f.ID, 42, &types.Email{BodyText: "x"})
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestListMessagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s, f := setupFolder(t, nil)

	_, err := s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder: f, UIDValidity: 1, NewMessages: messages(1, 5), HighestUID: 5, MessageCount: 5,
	})
	require.NoError(t, err)

	page, err := s.ListMessages(ctx, f.ID, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint32(4), page[0].UID)
	assert.Equal(t, uint32(3), page[1].UID)
	assert.Empty(t, page[0].BodyText)
}

func TestDeleteFolder(t *testing.T) {
	ctx := context.Background()
	feed := &cachetest.Recorder{}
	s, f := setupFolder(t, feed)

	_, err := s.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder: f, UIDValidity: 1, NewMessages: messages(1, 2), HighestUID: 2, MessageCount: 2,
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteFolder(ctx, f))
	assert.Equal(t, []uint32{1, 2}, sortUIDs(feed.Tombstoned()))

	_, err = s.FolderByID(ctx, f.ID)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}
