package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/pkg/types"
)

// SetFlags changes a message's flags in the cache and queues the change
// for the server.
func (s *Session) SetFlags(ctx context.Context, folder string, uid uint32, add, remove []string) error {
	f, err := s.Folder(ctx, folder)
	if err != nil {
		return err
	}
	op, err := s.store.QueueFlagChange(ctx, f, uid, add, remove)
	if err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"op":     op.ID,
		"folder": f.ServerName,
		"uid":    uid,
		"add":    strings.Join(op.AddFlags, " "),
		"remove": strings.Join(op.RemoveFlags, " "),
	}).Debug("Queued flag change")
	s.Trigger()
	return nil
}

// Move removes a message from folder locally and queues the server-side
// move to destination.
func (s *Session) Move(ctx context.Context, folder string, uid uint32, destination string) error {
	f, err := s.Folder(ctx, folder)
	if err != nil {
		return err
	}
	dest, err := s.Folder(ctx, destination)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if dest.ID == f.ID {
		return fmt.Errorf("message is already in %s", f.ServerName)
	}
	op, err := s.store.QueueMove(ctx, f, uid, dest.ServerName)
	if err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"op":          op.ID,
		"folder":      f.ServerName,
		"uid":         uid,
		"destination": dest.ServerName,
	}).Debug("Queued move")
	s.Trigger()
	return nil
}

// Delete moves a message to Trash, or deletes it permanently when it is
// already in Trash or no Trash folder is known.
func (s *Session) Delete(ctx context.Context, folder string, uid uint32) error {
	f, err := s.Folder(ctx, folder)
	if err != nil {
		return err
	}

	var op *cache.OutboundOp
	trash, terr := s.trashFolder()
	if terr == nil && !strings.EqualFold(trash, f.ServerName) {
		op, err = s.store.QueueMove(ctx, f, uid, trash)
	} else {
		op, err = s.store.QueueDelete(ctx, f, uid)
	}
	if err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"op":     op.ID,
		"kind":   op.Kind,
		"folder": f.ServerName,
		"uid":    uid,
	}).Debug("Queued delete")
	s.Trigger()
	return nil
}

func (s *Session) trashFolder() (string, error) {
	norm := s.normalizer()
	if norm == nil {
		return "", &mailerr.FolderNotConfiguredError{AccountID: s.acc.ID, Role: string(types.RoleTrash)}
	}
	return norm.ServerName(types.RoleTrash)
}

// FetchBody returns a message with its body, downloading and caching the
// body on first access.
func (s *Session) FetchBody(ctx context.Context, folder string, uid uint32) (*types.Email, error) {
	f, err := s.Folder(ctx, folder)
	if err != nil {
		return nil, err
	}
	cached, err := s.store.GetMessage(ctx, f.ID, uid)
	if err != nil {
		return nil, err
	}
	if cached.HasBody {
		return cached, nil
	}

	err = s.do(ctx, "fetch body", func(ctx context.Context) error {
		body, err := s.backend.FetchBody(ctx, f.ServerName, uid)
		if err != nil {
			return err
		}
		return s.store.SaveBody(ctx, f.ID, uid, body)
	})
	if err != nil {
		return nil, err
	}
	return s.store.GetMessage(ctx, f.ID, uid)
}

// SendResult reports how a message left the session
type SendResult struct {
	MessageID string
	Queued    bool
}

// Send composes and submits a message over its own connection. When the
// submission fails on the transport the message is queued and sent by a
// later replay. Auth and protocol failures are returned.
func (s *Session) Send(ctx context.Context, d *backend.Draft) (*SendResult, error) {
	if d.From.Email == "" {
		d.From = types.Address{Name: s.acc.Name, Email: s.acc.Email}
	}
	out, err := backend.Compose(d, s.acc.Signature)
	if err != nil {
		return nil, &mailerr.ProtocolError{Op: "compose", Err: err}
	}
	res := &SendResult{MessageID: out.MessageID}
	log := s.logger.WithField("message_id", out.MessageID)

	payload := &cache.SendPayload{From: out.From, Recipients: out.Recipients, Raw: out.Raw}
	err = s.send(ctx, payload)
	switch {
	case err == nil:
		log.Info("Message sent")
		return res, nil
	case mailerr.IsTransport(err) && !errors.Is(err, context.Canceled):
		if _, qerr := s.store.QueueSend(ctx, s.acc.ID, payload); qerr != nil {
			return nil, fmt.Errorf("failed to queue message after %v: %w", err, qerr)
		}
		log.WithError(err).Warn("Submission failed, message queued")
		res.Queued = true
		return res, nil
	default:
		return nil, err
	}
}

// send submits a payload with a freshly resolved credential. Replays of
// queued sends use it too.
func (s *Session) send(ctx context.Context, p *cache.SendPayload) error {
	if s.submitter == nil {
		return &mailerr.ConfigError{AccountID: s.acc.ID, Field: "smtp", Msg: "no submitter configured"}
	}
	cred, err := s.creds.Credential(ctx, s.acc, s.acc.SMTP)
	if err != nil {
		return err
	}
	err = s.submitter.Submit(ctx, cred, &backend.Outgoing{From: p.From, Recipients: p.Recipients, Raw: p.Raw})
	if mailerr.IsAuth(err) && s.acc.UsesOAuth2() {
		if ierr := s.creds.Invalidate(ctx, s.acc); ierr != nil {
			s.logger.WithError(ierr).Warn("Failed to invalidate token")
		}
	}
	return err
}
