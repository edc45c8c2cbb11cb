// Package sync reconciles the local cache with a mail backend: one folder
// at a time against a UID cursor, and the queued local mutations in the
// other direction.
package sync

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/folders"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/internal/metrics"
	"github.com/brandon/mailsync/pkg/types"
)

// Options bounds what a pass fetches
type Options struct {
	// MaxMessages keeps at most this many of the highest UIDs per folder
	MaxMessages int
	// FetchBodies downloads full bodies with headers instead of lazily
	FetchBodies bool
}

// Engine runs reconciliation passes. It holds no per-account state, so one
// engine can serve every session.
type Engine struct {
	store  *cache.Store
	opts   Options
	logger *logrus.Logger
}

// NewEngine creates an engine writing to store
func NewEngine(store *cache.Store, opts Options, logger *logrus.Logger) *Engine {
	return &Engine{store: store, opts: opts, logger: logger}
}

// FolderResult summarizes one folder pass
type FolderResult struct {
	Folder       string
	Added        int
	FlagsUpdated int
	Deleted      int
	Evicted      int
	Resynced     bool
	Cursor       types.SyncCursor
	Err          error
}

// Result summarizes an account pass
type Result struct {
	Folders []FolderResult
	Replay  ReplayResult

	// Normalizer is the account's normalizer resolved against the listing
	Normalizer *folders.Normalizer
	Started    time.Time
	Duration   time.Duration
}

// Failed returns the folders that were skipped because of an error
func (r *Result) Failed() []FolderResult {
	var out []FolderResult
	for _, f := range r.Folders {
		if f.Err != nil {
			out = append(out, f)
		}
	}
	return out
}

// SyncFolder reconciles one folder. The backend must be authenticated.
//
// A UIDVALIDITY change discards the folder and refetches it from scratch.
// Otherwise only UIDs above the cursor are fetched, capped to the newest
// MaxMessages; flags of cached UIDs are overwritten from the server unless
// a local change is still queued; UIDs gone from the server are marked
// deleted. Everything, including the cursor, commits in one transaction.
func (e *Engine) SyncFolder(ctx context.Context, b backend.Backend, folder *types.Folder) (*FolderResult, error) {
	log := e.logger.WithFields(logrus.Fields{
		"account": folder.AccountID,
		"folder":  folder.ServerName,
	})

	status, err := b.SelectFolder(ctx, folder.ServerName)
	if err != nil {
		return nil, err
	}

	cursor := folder.Cursor
	reset := cursor.UIDValidity != 0 && cursor.UIDValidity != status.UIDValidity
	if reset {
		log.WithFields(logrus.Fields{
			"old_validity": cursor.UIDValidity,
			"new_validity": status.UIDValidity,
		}).Warn("UIDVALIDITY changed, resyncing folder")
		cursor = types.SyncCursor{}
	}

	server, err := b.ListUIDs(ctx, folder.ServerName)
	if err != nil {
		return nil, err
	}

	local := map[uint32][]string{}
	pending := map[uint32]bool{}
	if !reset {
		if local, err = e.store.LiveUIDs(ctx, folder.ID); err != nil {
			return nil, err
		}
		if pending, err = e.store.PendingUIDs(ctx, folder.ID); err != nil {
			return nil, err
		}
	}

	var fresh []uint32
	for uid := range server {
		if uid > cursor.HighestUID {
			if _, cached := local[uid]; !cached {
				fresh = append(fresh, uid)
			}
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i] < fresh[j] })
	if e.opts.MaxMessages > 0 && len(fresh) > e.opts.MaxMessages {
		log.WithFields(logrus.Fields{
			"available": len(fresh),
			"limit":     e.opts.MaxMessages,
		}).Info("More new messages than the folder limit, fetching the newest")
		fresh = fresh[len(fresh)-e.opts.MaxMessages:]
	}

	highest := cursor.HighestUID
	if n := len(fresh); n > 0 && fresh[n-1] > highest {
		highest = fresh[n-1]
	}

	var fetched []*types.Email
	if len(fresh) > 0 {
		fetched, err = b.FetchMessages(ctx, folder.ServerName, fresh, e.opts.FetchBodies)
		if err != nil {
			return nil, err
		}
		for _, m := range fetched {
			if flags, ok := server[m.UID]; ok && len(m.Flags) == 0 {
				m.Flags = flags
			}
		}
	}

	updates := make(map[uint32][]string)
	var deleted []uint32
	for uid, flags := range local {
		serverFlags, present := server[uid]
		if !present {
			deleted = append(deleted, uid)
			continue
		}
		if pending[uid] {
			continue
		}
		if !types.FlagsEqual(flags, serverFlags) {
			updates[uid] = serverFlags
		}
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i] < deleted[j] })

	stats, err := e.store.ApplyFolderSync(ctx, &cache.FolderSync{
		Folder:       folder,
		UIDValidity:  status.UIDValidity,
		Reset:        reset,
		NewMessages:  fetched,
		FlagUpdates:  updates,
		Deleted:      deleted,
		HighestUID:   highest,
		MessageCount: status.Messages,
		Limit:        e.opts.MaxMessages,
	})
	if err != nil {
		return nil, err
	}

	res := &FolderResult{
		Folder:       folder.ServerName,
		Added:        stats.Added,
		FlagsUpdated: stats.FlagsUpdated,
		Deleted:      stats.Deleted,
		Evicted:      stats.Evicted,
		Resynced:     reset,
		Cursor:       folder.Cursor,
	}
	e.count(folder.AccountID, stats)

	if stats.Mutations() > 0 {
		log.WithFields(logrus.Fields{
			"added":   stats.Added,
			"flags":   stats.FlagsUpdated,
			"deleted": stats.Deleted,
			"evicted": stats.Evicted,
			"cursor":  folder.Cursor.HighestUID,
		}).Info("Synced folder")
	} else {
		log.Debug("Folder unchanged")
	}
	return res, nil
}

func (e *Engine) count(accountID string, s *cache.SyncStats) {
	for kind, n := range map[string]int{
		"added":     s.Added,
		"flags":     s.FlagsUpdated,
		"deleted":   s.Deleted,
		"evicted":   s.Evicted,
		"discarded": s.Discarded,
	} {
		if n > 0 {
			metrics.MessagesSynced.WithLabelValues(accountID, kind).Add(float64(n))
		}
	}
}

// DiscoverFolders lists the server's folders, records them with their
// resolved roles and drops cached folders the server no longer has. It
// returns the selectable folders and the resolved normalizer.
func (e *Engine) DiscoverFolders(ctx context.Context, b backend.Backend, accountID string, norm *folders.Normalizer) ([]*types.Folder, *folders.Normalizer, error) {
	listed, err := b.ListFolders(ctx)
	if err != nil {
		return nil, nil, err
	}
	resolved := norm.Resolve(listed)

	seen := make(map[string]bool, len(listed))
	var out []*types.Folder
	for _, l := range listed {
		if !l.Selectable() {
			continue
		}
		seen[l.Name] = true
		f, err := e.store.EnsureFolder(ctx, accountID, l.Name, resolved.Role(l.Name), resolved.LocalName(l.Name), l.Attributes)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, f)
	}

	cached, err := e.store.ListFolders(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	for i := range cached {
		if seen[cached[i].ServerName] {
			continue
		}
		e.logger.WithFields(logrus.Fields{
			"account": accountID,
			"folder":  cached[i].ServerName,
		}).Info("Folder removed on server, dropping from cache")
		if err := e.store.DeleteFolder(ctx, &cached[i]); err != nil {
			return nil, nil, err
		}
	}

	return out, resolved, nil
}

// SyncAccount replays queued operations, then discovers and syncs every
// folder. A transport or auth error aborts the pass; other folder errors
// are recorded and the folder is skipped.
func (e *Engine) SyncAccount(ctx context.Context, b backend.Backend, accountID string, norm *folders.Normalizer, send SendFunc) (*Result, error) {
	res := &Result{Started: time.Now()}
	log := e.logger.WithField("account", accountID)

	finish := func(err error) (*Result, error) {
		res.Duration = time.Since(res.Started)
		metrics.SyncDuration.WithLabelValues(accountID).Observe(res.Duration.Seconds())
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.SyncPasses.WithLabelValues(accountID, result).Inc()
		return res, err
	}

	replay, err := e.Replay(ctx, b, accountID, send)
	res.Replay = replay
	if err != nil {
		return finish(err)
	}

	list, resolved, err := e.DiscoverFolders(ctx, b, accountID, norm)
	if err != nil {
		return finish(err)
	}
	res.Normalizer = resolved

	for _, folder := range list {
		fr, err := e.SyncFolder(ctx, b, folder)
		if err == nil {
			res.Folders = append(res.Folders, *fr)
			continue
		}
		if fatal(err) {
			return finish(err)
		}
		log.WithError(err).WithField("folder", folder.ServerName).Warn("Skipping folder after sync error")
		res.Folders = append(res.Folders, FolderResult{Folder: folder.ServerName, Cursor: folder.Cursor, Err: err})
	}

	return finish(nil)
}

// fatal reports whether err invalidates the connection or the credential
func fatal(err error) bool {
	return mailerr.IsTransport(err) || mailerr.IsAuth(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
