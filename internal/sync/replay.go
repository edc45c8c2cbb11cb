package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/internal/metrics"
)

// SendFunc submits a queued message. Sessions supply it so that submission
// resolves credentials the same way a direct send does.
type SendFunc func(ctx context.Context, payload *cache.SendPayload) error

// ReplayResult counts what a replay did
type ReplayResult struct {
	Replayed int
	Dropped  int
	Pending  int
}

// Replay pushes queued local mutations to the server in creation order. An
// acknowledged op is removed. An op whose target is gone, or that the
// server refuses, is dropped and logged so it is not retried forever; a
// refused move or delete is undone in the cache. A transport or auth error
// stops the replay and leaves the op queued.
func (e *Engine) Replay(ctx context.Context, b backend.Backend, accountID string, send SendFunc) (ReplayResult, error) {
	var res ReplayResult

	ops, err := e.store.PendingOps(ctx, accountID)
	if err != nil {
		return res, err
	}

	for i, op := range ops {
		log := e.logger.WithFields(logrus.Fields{
			"account": accountID,
			"op":      op.ID,
			"kind":    op.Kind,
			"folder":  op.Folder,
			"uid":     op.UID,
		})

		err := e.apply(ctx, b, op, send)
		switch {
		case err == nil:
			if err := e.store.RemoveOp(ctx, op.ID); err != nil {
				return res, err
			}
			res.Replayed++
			metrics.OutboundReplayed.WithLabelValues(accountID, string(op.Kind)).Inc()
			log.Debug("Replayed queued operation")

		case errors.Is(err, mailerr.ErrMessageGone) || mailerr.IsProtocol(err):
			// a refused move or delete leaves the message where it was
			restore := !errors.Is(err, mailerr.ErrMessageGone)
			if err := e.store.DropOp(ctx, op, restore); err != nil {
				return res, err
			}
			res.Dropped++
			metrics.OutboundDropped.WithLabelValues(accountID, string(op.Kind)).Inc()
			log.WithError(err).Warn("Dropped queued operation the server could not apply")

		default:
			if rerr := e.store.RecordOpFailure(ctx, op.ID, err); rerr != nil {
				log.WithError(rerr).Warn("Failed to record replay failure")
			}
			res.Pending = len(ops) - i
			return res, err
		}
	}

	return res, nil
}

func (e *Engine) apply(ctx context.Context, b backend.Backend, op *cache.OutboundOp, send SendFunc) error {
	switch op.Kind {
	case cache.OpFlags:
		return b.StoreFlags(ctx, op.Folder, op.UID, op.AddFlags, op.RemoveFlags)
	case cache.OpMove:
		return b.Move(ctx, op.Folder, op.UID, op.Destination)
	case cache.OpDelete:
		return b.Delete(ctx, op.Folder, op.UID)
	case cache.OpSend:
		if send == nil {
			return mailerr.Transport("replay send", errors.New("no submitter available"))
		}
		if op.Send == nil {
			return &mailerr.ProtocolError{Op: "replay send", Err: errors.New("queued send without payload")}
		}
		return send(ctx, op.Send)
	default:
		return &mailerr.ProtocolError{Op: "replay", Err: fmt.Errorf("unknown op kind %q", op.Kind)}
	}
}
