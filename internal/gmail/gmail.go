// Package gmail implements the mail backend over the Gmail REST API.
// Labels stand in for folders and message ids are mapped to stable
// synthesized UIDs kept in the cache.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/brandon/mailsync/internal/auth"
	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/folders"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/pkg/types"
)

const (
	me = "me"

	labelInbox   = "INBOX"
	labelUnread  = "UNREAD"
	labelStarred = "STARRED"
	labelTrash   = "TRASH"

	// UIDs are synthesized per label and never renumbered. Raised when the
	// assignment scheme changes so cached folders are refetched.
	uidValidity = 2

	pageSize = 500
)

var metadataHeaders = []string{"From", "To", "Cc", "Subject", "Date", "Message-ID"}

// systemAttrs maps system label ids to special-use attributes. System
// labels missing here (CATEGORY_*, UNREAD, ...) are not listed as folders.
var systemAttrs = map[string][]string{
	labelInbox:   nil,
	"SENT":       {folders.AttrSent},
	"DRAFT":      {folders.AttrDrafts},
	labelTrash:   {folders.AttrTrash},
	"SPAM":       {`\Junk`},
	labelStarred: {`\Flagged`},
	"IMPORTANT":  {`\Important`},
}

// UIDMap persists the per label Gmail id to UID assignment
type UIDMap interface {
	AssignGmailUIDs(ctx context.Context, accountID, labelID string, gmailIDs []string) (map[string]uint32, error)
	GmailID(ctx context.Context, accountID, labelID string, uid uint32) (string, error)
}

// Backend is a backend.Backend and backend.Submitter over the Gmail API
type Backend struct {
	acc    *config.AccountConfig
	uids   UIDMap
	tokens oauth2.TokenSource
	opts   []option.ClientOption
	logger *logrus.Entry

	svc    *gm.Service
	labels map[string]string // name -> id
}

var (
	_ backend.Backend   = (*Backend)(nil)
	_ backend.Submitter = (*Backend)(nil)
)

// New creates a Gmail backend. When tokens is nil the access token of the
// credential passed to Authenticate is used as is. Extra client options
// are applied after the token source.
func New(acc *config.AccountConfig, uids UIDMap, tokens oauth2.TokenSource, logger *logrus.Logger, opts ...option.ClientOption) *Backend {
	return &Backend{
		acc:    acc,
		uids:   uids,
		tokens: tokens,
		opts:   opts,
		logger: logger.WithField("account", acc.ID),
	}
}

// Connect is a no-op: the API is stateless and connects per request
func (b *Backend) Connect(ctx context.Context) error {
	return ctx.Err()
}

// Authenticate builds the API client and checks it against the profile
func (b *Backend) Authenticate(ctx context.Context, cred auth.Credential) error {
	svc, err := b.service(ctx, cred)
	if err != nil {
		return err
	}

	profile, err := svc.Users.GetProfile(me).Context(ctx).Do()
	if err != nil {
		return classify("profile", err)
	}
	if b.acc.Email != "" && !strings.EqualFold(profile.EmailAddress, b.acc.Email) {
		b.logger.WithField("profile", profile.EmailAddress).Warn("Authenticated mailbox differs from configured email")
	}

	b.svc = svc
	b.labels = nil
	return nil
}

func (b *Backend) service(ctx context.Context, cred auth.Credential) (*gm.Service, error) {
	ts := b.tokens
	if ts == nil {
		if cred.AccessToken == "" {
			return nil, &mailerr.AuthError{AccountID: b.acc.ID, Reason: mailerr.ReauthRequired, Err: errors.New("no access token")}
		}
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer"})
	}
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, b.opts...)
	svc, err := gm.NewService(ctx, opts...)
	if err != nil {
		return nil, &mailerr.ConfigError{AccountID: b.acc.ID, Field: "gmail", Msg: err.Error()}
	}
	return svc, nil
}

func (b *Backend) ready(op string) error {
	if b.svc == nil {
		return &mailerr.ProtocolError{Op: op, Err: errors.New("not authenticated")}
	}
	return nil
}

// ListFolders returns user labels and the system labels that behave like
// folders.
func (b *Backend) ListFolders(ctx context.Context) ([]folders.Listed, error) {
	if err := b.ready("list labels"); err != nil {
		return nil, err
	}
	resp, err := b.svc.Users.Labels.List(me).Context(ctx).Do()
	if err != nil {
		return nil, classify("list labels", err)
	}

	b.labels = make(map[string]string, len(resp.Labels))
	var out []folders.Listed
	for _, l := range resp.Labels {
		if l.Type == "system" {
			attrs, ok := systemAttrs[l.Id]
			if !ok {
				continue
			}
			b.labels[l.Name] = l.Id
			out = append(out, folders.Listed{Name: l.Name, Attributes: attrs})
			continue
		}
		b.labels[l.Name] = l.Id
		out = append(out, folders.Listed{Name: l.Name})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == labelInbox {
			return true
		}
		if out[j].Name == labelInbox {
			return false
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (b *Backend) labelID(ctx context.Context, name string) (string, error) {
	if b.labels == nil {
		if _, err := b.ListFolders(ctx); err != nil {
			return "", err
		}
	}
	if id, ok := b.labels[name]; ok {
		return id, nil
	}
	return "", &mailerr.ProtocolError{Op: "resolve label", Err: fmt.Errorf("no label named %q", name)}
}

// SelectFolder reports the label's message count. UIDVALIDITY is constant
// because UIDs are assigned locally.
func (b *Backend) SelectFolder(ctx context.Context, name string) (*backend.FolderStatus, error) {
	if err := b.ready("select"); err != nil {
		return nil, err
	}
	id, err := b.labelID(ctx, name)
	if err != nil {
		return nil, err
	}
	label, err := b.svc.Users.Labels.Get(me, id).Context(ctx).Do()
	if err != nil {
		return nil, classify("get label", err)
	}
	return &backend.FolderStatus{UIDValidity: uidValidity, Messages: int(label.MessagesTotal)}, nil
}

func (b *Backend) listIDs(ctx context.Context, labelIDs ...string) ([]string, error) {
	var ids []string
	call := b.svc.Users.Messages.List(me).LabelIds(labelIDs...).MaxResults(pageSize)
	err := call.Pages(ctx, func(resp *gm.ListMessagesResponse) error {
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		return nil
	})
	if err != nil {
		return nil, classify("list messages", err)
	}
	return ids, nil
}

// ListUIDs lists every message carrying the label. Flags come from two
// narrower listings (unread and starred) rather than a fetch per message.
func (b *Backend) ListUIDs(ctx context.Context, folder string) (map[uint32][]string, error) {
	if err := b.ready("list uids"); err != nil {
		return nil, err
	}
	id, err := b.labelID(ctx, folder)
	if err != nil {
		return nil, err
	}

	ids, err := b.listIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	unread, err := b.idSet(ctx, id, labelUnread)
	if err != nil {
		return nil, err
	}
	starred, err := b.idSet(ctx, id, labelStarred)
	if err != nil {
		return nil, err
	}

	// The API lists newest first; new ids get ascending UIDs oldest first.
	oldestFirst := make([]string, len(ids))
	for i, gid := range ids {
		oldestFirst[len(ids)-1-i] = gid
	}
	uids, err := b.uids.AssignGmailUIDs(ctx, b.acc.ID, id, oldestFirst)
	if err != nil {
		return nil, err
	}

	out := make(map[uint32][]string, len(ids))
	for _, gid := range ids {
		var labels []string
		if unread[gid] {
			labels = append(labels, labelUnread)
		}
		if starred[gid] {
			labels = append(labels, labelStarred)
		}
		out[uids[gid]] = flagsFromLabels(labels)
	}
	return out, nil
}

func (b *Backend) idSet(ctx context.Context, labelIDs ...string) (map[string]bool, error) {
	ids, err := b.listIDs(ctx, labelIDs...)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// gmailID resolves a UID within a folder, reporting unknown UIDs as gone
func (b *Backend) gmailID(ctx context.Context, folder string, uid uint32) (string, error) {
	label, err := b.labelID(ctx, folder)
	if err != nil {
		return "", err
	}
	id, err := b.uids.GmailID(ctx, b.acc.ID, label, uid)
	if errors.Is(err, cache.ErrNotFound) {
		return "", fmt.Errorf("uid %d: %w", uid, mailerr.ErrMessageGone)
	}
	return id, err
}

// FetchMessages fetches metadata, or the raw message when withBody
func (b *Backend) FetchMessages(ctx context.Context, folder string, uids []uint32, withBody bool) ([]*types.Email, error) {
	if err := b.ready("fetch"); err != nil {
		return nil, err
	}

	var out []*types.Email
	for _, uid := range uids {
		e, err := b.fetch(ctx, folder, uid, withBody)
		if errors.Is(err, mailerr.ErrMessageGone) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// FetchBody fetches and parses one raw message
func (b *Backend) FetchBody(ctx context.Context, folder string, uid uint32) (*types.Email, error) {
	if err := b.ready("fetch body"); err != nil {
		return nil, err
	}
	return b.fetch(ctx, folder, uid, true)
}

func (b *Backend) fetch(ctx context.Context, folder string, uid uint32, withBody bool) (*types.Email, error) {
	gid, err := b.gmailID(ctx, folder, uid)
	if err != nil {
		return nil, err
	}

	call := b.svc.Users.Messages.Get(me, gid).Context(ctx)
	if withBody {
		call = call.Format("raw")
	} else {
		call = call.Format("metadata").MetadataHeaders(metadataHeaders...)
	}
	msg, err := call.Do()
	if err != nil {
		return nil, classify("get message", err)
	}

	var e *types.Email
	if withBody {
		raw, err := decodeRaw(msg.Raw)
		if err != nil {
			return nil, &mailerr.ProtocolError{Op: "decode message", Err: err}
		}
		e, err = backend.ParseMessage(raw)
		if err != nil {
			return nil, &mailerr.ProtocolError{Op: "parse message", Err: err}
		}
	} else {
		e, err = fromMetadata(msg)
		if err != nil {
			return nil, &mailerr.ProtocolError{Op: "parse headers", Err: err}
		}
	}

	e.UID = uid
	e.Flags = flagsFromLabels(msg.LabelIds)
	e.Size = msg.SizeEstimate
	if e.Date.IsZero() && msg.InternalDate > 0 {
		e.Date = time.UnixMilli(msg.InternalDate).UTC()
	}
	return e, nil
}

// fromMetadata rebuilds a header block from the metadata response and
// parses it like a message without a body.
func fromMetadata(msg *gm.Message) (*types.Email, error) {
	var sb strings.Builder
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			sb.WriteString(h.Name)
			sb.WriteString(": ")
			sb.WriteString(h.Value)
			sb.WriteString("\r\n")
		}
	}
	sb.WriteString("\r\n")

	e, err := backend.ParseMessage([]byte(sb.String()))
	if err != nil {
		return nil, err
	}
	e.BodyText = ""
	e.BodyHTML = ""
	e.HasBody = false
	return e, nil
}

func decodeRaw(s string) ([]byte, error) {
	if raw, err := base64.URLEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// flagsFromLabels derives IMAP flags: no UNREAD label means \Seen
func flagsFromLabels(labels []string) []string {
	seen := true
	var flags []string
	for _, l := range labels {
		switch l {
		case labelUnread:
			seen = false
		case labelStarred:
			flags = append(flags, types.FlagFlagged)
		case "DRAFT":
			flags = append(flags, types.FlagDraft)
		}
	}
	if seen {
		flags = append(flags, types.FlagSeen)
	}
	return types.NormalizeFlags(flags)
}

// labelDelta converts flag changes into label changes. Flags without a
// label equivalent are ignored.
func labelDelta(add, remove []string) (addLabels, removeLabels []string) {
	for _, f := range types.NormalizeFlags(add) {
		switch f {
		case types.FlagSeen:
			removeLabels = append(removeLabels, labelUnread)
		case types.FlagFlagged:
			addLabels = append(addLabels, labelStarred)
		}
	}
	for _, f := range types.NormalizeFlags(remove) {
		switch f {
		case types.FlagSeen:
			addLabels = append(addLabels, labelUnread)
		case types.FlagFlagged:
			removeLabels = append(removeLabels, labelStarred)
		}
	}
	return addLabels, removeLabels
}

func (b *Backend) modify(ctx context.Context, op, folder string, uid uint32, add, remove []string) error {
	gid, err := b.gmailID(ctx, folder, uid)
	if err != nil {
		return err
	}
	req := &gm.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
	if _, err := b.svc.Users.Messages.Modify(me, gid, req).Context(ctx).Do(); err != nil {
		return classify(op, err)
	}
	return nil
}

// StoreFlags maps \Seen and \Flagged onto UNREAD and STARRED
func (b *Backend) StoreFlags(ctx context.Context, folder string, uid uint32, add, remove []string) error {
	if err := b.ready("store"); err != nil {
		return err
	}
	addLabels, removeLabels := labelDelta(add, remove)
	if len(addLabels) == 0 && len(removeLabels) == 0 {
		b.logger.WithField("uid", uid).Debug("No label equivalent for flag change")
		_, err := b.gmailID(ctx, folder, uid)
		return err
	}
	return b.modify(ctx, "store", folder, uid, addLabels, removeLabels)
}

// Move swaps the source label for the destination label. Moving to the
// trash label uses the trash call so Gmail's retention applies.
func (b *Backend) Move(ctx context.Context, folder string, uid uint32, destination string) error {
	if err := b.ready("move"); err != nil {
		return err
	}
	dst, err := b.labelID(ctx, destination)
	if err != nil {
		return err
	}
	if dst == labelTrash {
		return b.Delete(ctx, folder, uid)
	}
	src, err := b.labelID(ctx, folder)
	if err != nil {
		return err
	}
	return b.modify(ctx, "move", folder, uid, []string{dst}, []string{src})
}

// Delete moves the message to the trash. Permanent deletion needs the
// full mail scope and is not used.
func (b *Backend) Delete(ctx context.Context, folder string, uid uint32) error {
	if err := b.ready("delete"); err != nil {
		return err
	}
	gid, err := b.gmailID(ctx, folder, uid)
	if err != nil {
		return err
	}
	if _, err := b.svc.Users.Messages.Trash(me, gid).Context(ctx).Do(); err != nil {
		return classify("trash", err)
	}
	return nil
}

// Submit sends msg through the API. Gmail derives the envelope from the
// message headers, so msg.Recipients is informational.
func (b *Backend) Submit(ctx context.Context, cred auth.Credential, msg *backend.Outgoing) error {
	svc, err := b.service(ctx, cred)
	if err != nil {
		return err
	}
	body := &gm.Message{Raw: base64.URLEncoding.EncodeToString(msg.Raw)}
	sent, err := svc.Users.Messages.Send(me, body).Context(ctx).Do()
	if err != nil {
		return classify("send", err)
	}
	b.logger.WithField("id", sent.Id).Info("Message submitted")
	return nil
}

// Close drops the API client
func (b *Backend) Close() error {
	b.svc = nil
	b.labels = nil
	return nil
}

// classify maps API failures onto the taxonomy
func classify(op string, err error) error {
	if mailerr.IsAuth(err) {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return &mailerr.AuthError{Reason: mailerr.InvalidCredentials, Err: err}
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, mailerr.ErrMessageGone)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 || rateLimited(apiErr):
			return &mailerr.TransportError{Op: op, Err: err}
		default:
			return &mailerr.ProtocolError{Op: op, Err: err}
		}
	}
	return mailerr.Classify(op, err)
}

func rateLimited(e *googleapi.Error) bool {
	if e.Code != http.StatusForbidden {
		return false
	}
	for _, item := range e.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}
