package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	uidplus "github.com/emersion/go-imap-uidplus"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/auth"
	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/folders"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/pkg/types"
)

// fetchBatch bounds the UID set of a single UID FETCH
const fetchBatch = 100

// IMAPBackend is a backend.Backend over one IMAP connection
type IMAPBackend struct {
	config   config.ServerConfig
	timeouts config.Timeouts
	logger   *logrus.Entry

	client   *client.Client
	selected string
	status   *imap.MailboxStatus
}

var _ backend.Backend = (*IMAPBackend)(nil)

// NewIMAPBackend creates a backend for acc (does not connect immediately)
func NewIMAPBackend(acc *config.AccountConfig, timeouts config.Timeouts, logger *logrus.Logger) *IMAPBackend {
	return &IMAPBackend{
		config:   acc.IMAP,
		timeouts: timeouts,
		logger:   logger.WithField("account", acc.ID),
	}
}

// run executes fn with ctx cancellation wired to the connection: a
// cancelled context terminates the socket so the pending command returns.
func (b *IMAPBackend) run(ctx context.Context, op string, fn func() error) error {
	if b.client == nil {
		return mailerr.Transport(op, errors.New("not connected"))
	}
	if err := ctx.Err(); err != nil {
		return mailerr.Transport(op, err)
	}

	done := make(chan struct{})
	defer close(done)
	c := b.client
	go func() {
		select {
		case <-ctx.Done():
			c.Terminate() //nolint:errcheck
		case <-done:
		}
	}()

	err := fn()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		b.drop()
		return mailerr.Transport(op, ctxErr)
	}
	err = classifyIMAP(op, err)
	if mailerr.IsTransport(err) {
		b.drop()
	}
	return err
}

// classifyIMAP maps go-imap errors onto the taxonomy. The client reports
// tagged NO/BAD responses as plain errors, so anything that is not a
// network failure is a protocol error.
func classifyIMAP(op string, err error) error {
	if errors.Is(err, client.ErrNotLoggedIn) || errors.Is(err, client.ErrNoMailboxSelected) {
		return mailerr.Protocol(op, err)
	}
	return mailerr.Classify(op, err)
}

func (b *IMAPBackend) drop() {
	if b.client != nil {
		b.client.Terminate() //nolint:errcheck
	}
	b.client = nil
	b.selected = ""
	b.status = nil
}

// Connect dials the server, with implicit TLS or STARTTLS as configured
func (b *IMAPBackend) Connect(ctx context.Context) error {
	if b.client != nil {
		return nil
	}

	tlsConfig := &tls.Config{
		ServerName: b.config.Host,
		MinVersion: tls.VersionTLS12,
	}
	cl, err := b.dial(ctx, tlsConfig)
	if err != nil {
		return mailerr.Transport("connect", err)
	}
	cl.Timeout = b.timeouts.Command
	b.client = cl

	if !b.config.TLS && b.config.StartTLS {
		err := b.run(ctx, "starttls", func() error {
			ok, err := cl.SupportStartTLS()
			if err != nil {
				return err
			}
			if !ok {
				return &mailerr.ProtocolError{Op: "starttls", Err: errors.New("server does not support STARTTLS")}
			}
			return cl.StartTLS(tlsConfig)
		})
		if err != nil {
			b.drop()
			return err
		}
	}

	b.logger.WithField("addr", b.config.Addr()).Debug("Connected to IMAP server")
	return nil
}

// dial opens the connection and reads the greeting. Cancelling ctx closes
// the socket, so a stalled handshake or greeting returns at once.
func (b *IMAPBackend) dial(ctx context.Context, tlsConfig *tls.Config) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: b.timeouts.Connect}
	raw, err := dialer.DialContext(ctx, "tcp", b.config.Addr())
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer stop()
	if b.timeouts.Connect > 0 {
		raw.SetDeadline(time.Now().Add(b.timeouts.Connect)) //nolint:errcheck
	}

	conn := raw
	if b.config.TLS {
		tc := tls.Client(raw, tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, err
		}
		conn = tc
	}

	cl, err := client.New(conn)
	if err != nil {
		raw.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if !stop() {
		cl.Terminate() //nolint:errcheck
		return nil, ctx.Err()
	}
	raw.SetDeadline(time.Time{}) //nolint:errcheck
	return cl, nil
}

// Authenticate logs in with AUTHENTICATE, falling back to LOGIN for
// password credentials when the server lacks the SASL mechanism.
func (b *IMAPBackend) Authenticate(ctx context.Context, cred auth.Credential) error {
	return b.run(ctx, "authenticate", func() error {
		saslClient := cred.SASL()
		mech, _, err := saslClient.Start()
		if err != nil {
			return err
		}

		ok, err := b.client.SupportAuth(mech)
		if err != nil {
			return err
		}
		if ok {
			err = b.client.Authenticate(saslClient)
		} else if cred.Method != config.AuthOAuth2 {
			err = b.client.Login(cred.Username, cred.Password)
		} else {
			return &mailerr.ProtocolError{Op: "authenticate", Err: fmt.Errorf("server does not support %s", mech)}
		}

		if err != nil && !mailerr.IsNetworkFailure(err) {
			return &mailerr.AuthError{Reason: mailerr.InvalidCredentials, Err: err}
		}
		return err
	})
}

// ListFolders returns every mailbox with its attributes
func (b *IMAPBackend) ListFolders(ctx context.Context) ([]folders.Listed, error) {
	var out []folders.Listed
	err := b.run(ctx, "list", func() error {
		mailboxes := make(chan *imap.MailboxInfo, 10)
		done := make(chan error, 1)
		go func() {
			done <- b.client.List("", "*", mailboxes)
		}()
		for m := range mailboxes {
			out = append(out, folders.Listed{Name: m.Name, Attributes: m.Attributes})
		}
		return <-done
	})
	return out, err
}

// SelectFolder selects name read-write and reports its status
func (b *IMAPBackend) SelectFolder(ctx context.Context, name string) (*backend.FolderStatus, error) {
	err := b.run(ctx, "select", func() error {
		status, err := b.client.Select(name, false)
		if err != nil {
			b.selected = ""
			b.status = nil
			return err
		}
		b.selected = name
		b.status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &backend.FolderStatus{
		UIDValidity: b.status.UidValidity,
		UIDNext:     b.status.UidNext,
		Messages:    int(b.status.Messages),
	}, nil
}

func (b *IMAPBackend) ensureSelected(ctx context.Context, name string) error {
	if b.client != nil && b.selected == name {
		return nil
	}
	_, err := b.SelectFolder(ctx, name)
	return err
}

// ListUIDs fetches UID and FLAGS for every message in the folder. The
// folder is reselected so the message count is current.
func (b *IMAPBackend) ListUIDs(ctx context.Context, folder string) (map[uint32][]string, error) {
	status, err := b.SelectFolder(ctx, folder)
	if err != nil {
		return nil, err
	}
	out := make(map[uint32][]string)
	if status.Messages == 0 {
		return out, nil
	}

	err = b.run(ctx, "fetch uids", func() error {
		seqset := new(imap.SeqSet)
		seqset.AddRange(1, 0)
		messages := make(chan *imap.Message, 64)
		done := make(chan error, 1)
		go func() {
			done <- b.client.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, imap.FetchFlags}, messages)
		}()
		for msg := range messages {
			out[msg.Uid] = types.NormalizeFlags(msg.Flags)
		}
		return <-done
	})
	return out, err
}

// FetchMessages fetches headers (and bodies when withBody) for uids
func (b *IMAPBackend) FetchMessages(ctx context.Context, folder string, uids []uint32, withBody bool) ([]*types.Email, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	if err := b.ensureSelected(ctx, folder); err != nil {
		return nil, err
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, imap.FetchEnvelope, imap.FetchRFC822Size, imap.FetchBodyStructure}
	if withBody {
		items = append(items, section.FetchItem())
	}

	var out []*types.Email
	for start := 0; start < len(uids); start += fetchBatch {
		end := start + fetchBatch
		if end > len(uids) {
			end = len(uids)
		}
		seqset := new(imap.SeqSet)
		seqset.AddNum(uids[start:end]...)

		err := b.run(ctx, "fetch", func() error {
			messages := make(chan *imap.Message, 16)
			done := make(chan error, 1)
			go func() {
				done <- b.client.UidFetch(seqset, items, messages)
			}()
			for msg := range messages {
				e, err := b.toEmail(msg, section, withBody)
				if err != nil {
					b.logger.WithError(err).WithField("uid", msg.Uid).Warn("Failed to parse message body")
				}
				out = append(out, e)
			}
			return <-done
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FetchBody fetches and parses one full message
func (b *IMAPBackend) FetchBody(ctx context.Context, folder string, uid uint32) (*types.Email, error) {
	msgs, err := b.FetchMessages(ctx, folder, []uint32{uid}, true)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("uid %d in %s: %w", uid, folder, mailerr.ErrMessageGone)
	}
	return msgs[0], nil
}

func (b *IMAPBackend) toEmail(msg *imap.Message, section *imap.BodySectionName, withBody bool) (*types.Email, error) {
	e := &types.Email{
		UID:   msg.Uid,
		Flags: types.NormalizeFlags(msg.Flags),
		Size:  int64(msg.Size),
	}
	if env := msg.Envelope; env != nil {
		e.MessageID = env.MessageId
		e.Subject = env.Subject
		e.Date = env.Date.UTC()
		if len(env.From) > 0 {
			e.From = toAddress(env.From[0])
		}
		e.To = toAddresses(env.To)
		e.Cc = toAddresses(env.Cc)
	}
	if msg.BodyStructure != nil {
		e.Attachments = attachmentsFromStructure(msg.BodyStructure)
	}

	if !withBody {
		return e, nil
	}
	literal := msg.GetBody(section)
	if literal == nil {
		return e, fmt.Errorf("server returned no body")
	}
	raw, err := io.ReadAll(literal)
	if err != nil {
		return e, fmt.Errorf("failed to read body: %w", err)
	}
	parsed, err := backend.ParseMessage(raw)
	if err != nil {
		e.BodyText = string(raw)
		e.HasBody = true
		return e, err
	}
	e.BodyText = parsed.BodyText
	e.BodyHTML = parsed.BodyHTML
	e.HasBody = true
	if len(parsed.Attachments) > 0 {
		e.Attachments = parsed.Attachments
	}
	return e, nil
}

func toAddress(a *imap.Address) types.Address {
	return types.Address{Name: a.PersonalName, Email: a.Address()}
}

func toAddresses(in []*imap.Address) []types.Address {
	out := make([]types.Address, 0, len(in))
	for _, a := range in {
		out = append(out, toAddress(a))
	}
	return out
}

func attachmentsFromStructure(bs *imap.BodyStructure) []types.Attachment {
	var out []types.Attachment
	bs.Walk(func(path []int, part *imap.BodyStructure) bool {
		if strings.EqualFold(part.MIMEType, "multipart") {
			return true
		}
		if !strings.EqualFold(part.Disposition, "attachment") {
			return true
		}
		name, _ := part.Filename()
		out = append(out, types.Attachment{
			Filename:    name,
			ContentType: strings.ToLower(part.MIMEType + "/" + part.MIMESubType),
			Size:        int64(part.Size),
		})
		return true
	})
	return out
}

// exists reports whether uid is in the selected folder. UID STORE and
// UID MOVE succeed silently on missing UIDs, so callers check first.
func (b *IMAPBackend) exists(ctx context.Context, folder string, uid uint32) error {
	if err := b.ensureSelected(ctx, folder); err != nil {
		return err
	}
	var found bool
	err := b.run(ctx, "search", func() error {
		criteria := imap.NewSearchCriteria()
		criteria.Uid = new(imap.SeqSet)
		criteria.Uid.AddNum(uid)
		uids, err := b.client.UidSearch(criteria)
		if err != nil {
			return err
		}
		for _, u := range uids {
			if u == uid {
				found = true
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("uid %d in %s: %w", uid, folder, mailerr.ErrMessageGone)
	}
	return nil
}

// StoreFlags adds and removes flags on one message
func (b *IMAPBackend) StoreFlags(ctx context.Context, folder string, uid uint32, add, remove []string) error {
	if err := b.exists(ctx, folder, uid); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	return b.run(ctx, "store", func() error {
		if len(add) > 0 {
			if err := b.client.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), toInterfaces(add), nil); err != nil {
				return err
			}
		}
		if len(remove) > 0 {
			if err := b.client.UidStore(seqset, imap.FormatFlagsOp(imap.RemoveFlags, true), toInterfaces(remove), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func toInterfaces(flags []string) []interface{} {
	out := make([]interface{}, len(flags))
	for i, f := range flags {
		out[i] = f
	}
	return out
}

// Move moves one message to destination
func (b *IMAPBackend) Move(ctx context.Context, folder string, uid uint32, destination string) error {
	if err := b.exists(ctx, folder, uid); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	return b.run(ctx, "move", func() error {
		return b.client.UidMove(seqset, destination)
	})
}

// Delete flags one message \Deleted and expunges only that UID. Servers
// with UIDPLUS get UID EXPUNGE. Elsewhere other messages already flagged
// \Deleted are unflagged around the EXPUNGE and flagged again after it.
func (b *IMAPBackend) Delete(ctx context.Context, folder string, uid uint32) error {
	if err := b.exists(ctx, folder, uid); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	deleted := imap.FormatFlagsOp(imap.AddFlags, true)
	return b.run(ctx, "delete", func() error {
		if err := b.client.UidStore(seqset, deleted, []interface{}{imap.DeletedFlag}, nil); err != nil {
			return err
		}

		up := uidplus.NewClient(b.client)
		ok, err := up.SupportUidPlus()
		if err != nil {
			return err
		}
		if ok {
			return up.UidExpunge(seqset, nil)
		}
		return b.expungeOnly(uid)
	})
}

func (b *IMAPBackend) expungeOnly(uid uint32) error {
	criteria := imap.NewSearchCriteria()
	criteria.WithFlags = []string{imap.DeletedFlag}
	flagged, err := b.client.UidSearch(criteria)
	if err != nil {
		return err
	}

	others := new(imap.SeqSet)
	for _, u := range flagged {
		if u != uid {
			others.AddNum(u)
		}
	}
	if others.Empty() {
		return b.client.Expunge(nil)
	}

	b.logger.WithField("shielded", len(flagged)-1).Debug("Server lacks UIDPLUS, unflagging other deleted messages around EXPUNGE")
	flag := []interface{}{imap.DeletedFlag}
	if err := b.client.UidStore(others, imap.FormatFlagsOp(imap.RemoveFlags, true), flag, nil); err != nil {
		return err
	}
	expungeErr := b.client.Expunge(nil)
	if err := b.client.UidStore(others, imap.FormatFlagsOp(imap.AddFlags, true), flag, nil); err != nil {
		return errors.Join(expungeErr, err)
	}
	return expungeErr
}

// Close logs out, bounded by the command timeout
func (b *IMAPBackend) Close() error {
	if b.client == nil {
		return nil
	}
	c := b.client
	b.client = nil
	b.selected = ""
	b.status = nil

	done := make(chan error, 1)
	go func() { done <- c.Logout() }()
	timeout := b.timeouts.Command
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
			return mailerr.Classify("logout", err)
		}
		return nil
	case <-time.After(timeout):
		return c.Terminate()
	}
}
