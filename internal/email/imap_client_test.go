package email

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/auth"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/pkg/types"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// startIMAP serves the go-imap memory backend (user "username", one
// message with UID 6 in INBOX) on a loopback port.
func startIMAP(t *testing.T) *config.AccountConfig {
	t.Helper()

	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	s.ErrorLog = log.New(io.Discard, "", 0)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { s.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	return &config.AccountConfig{
		ID:    "mem",
		Email: "username@example.org",
		IMAP: config.ServerConfig{
			Host:       host,
			Port:       p,
			Username:   "username",
			AuthMethod: config.AuthPlain,
		},
	}
}

func testTimeouts() config.Timeouts {
	return config.Timeouts{Connect: 5e9, Command: 5e9}
}

func connected(t *testing.T, acc *config.AccountConfig) *IMAPBackend {
	t.Helper()
	b := NewIMAPBackend(acc, testTimeouts(), quietLogger())
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { b.Close() })
	require.NoError(t, b.Authenticate(ctx, auth.Credential{Method: config.AuthPlain, Username: "username", Password: "password"}))
	return b
}

func TestIMAPBackendAuthenticateRejected(t *testing.T) {
	acc := startIMAP(t)
	b := NewIMAPBackend(acc, testTimeouts(), quietLogger())
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	defer b.Close()

	err := b.Authenticate(ctx, auth.Credential{Method: config.AuthPlain, Username: "username", Password: "wrong"})
	require.Error(t, err)
	reason, ok := mailerr.AuthReasonOf(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, mailerr.InvalidCredentials, reason)
}

func TestIMAPBackendConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	acc := &config.AccountConfig{ID: "x", IMAP: config.ServerConfig{Host: "127.0.0.1", Port: addr.Port}}
	b := NewIMAPBackend(acc, testTimeouts(), quietLogger())
	err = b.Connect(context.Background())
	assert.True(t, mailerr.IsTransport(err), "got %v", err)
}

func TestIMAPBackendListAndSelect(t *testing.T) {
	b := connected(t, startIMAP(t))
	ctx := context.Background()

	listed, err := b.ListFolders(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, listed)
	assert.Equal(t, "INBOX", listed[0].Name)

	status, err := b.SelectFolder(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Messages)
	assert.NotZero(t, status.UIDValidity)

	uids, err := b.ListUIDs(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, map[uint32][]string{6: {types.FlagSeen}}, uids)
}

func TestIMAPBackendFetch(t *testing.T) {
	b := connected(t, startIMAP(t))
	ctx := context.Background()

	msgs, err := b.FetchMessages(ctx, "INBOX", []uint32{6, 42}, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(6), msgs[0].UID)
	assert.Equal(t, "A little message, just for you", msgs[0].Subject)
	assert.Equal(t, "contact@example.org", msgs[0].From.Email)
	assert.False(t, msgs[0].HasBody)

	full, err := b.FetchBody(ctx, "INBOX", 6)
	require.NoError(t, err)
	assert.True(t, full.HasBody)
	assert.Contains(t, full.BodyText, "Hi there :)")

	_, err = b.FetchBody(ctx, "INBOX", 42)
	assert.True(t, errors.Is(err, mailerr.ErrMessageGone), "got %v", err)
}

func TestIMAPBackendStoreFlags(t *testing.T) {
	b := connected(t, startIMAP(t))
	ctx := context.Background()

	require.NoError(t, b.StoreFlags(ctx, "INBOX", 6, []string{types.FlagFlagged}, []string{types.FlagSeen}))
	uids, err := b.ListUIDs(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, []string{types.FlagFlagged}, uids[6])

	err = b.StoreFlags(ctx, "INBOX", 99, []string{types.FlagSeen}, nil)
	assert.True(t, errors.Is(err, mailerr.ErrMessageGone), "got %v", err)
}

func TestIMAPBackendMoveAndDelete(t *testing.T) {
	b := connected(t, startIMAP(t))
	ctx := context.Background()
	require.NoError(t, b.client.Create("Archive"))

	require.NoError(t, b.Move(ctx, "INBOX", 6, "Archive"))
	inbox, err := b.ListUIDs(ctx, "INBOX")
	require.NoError(t, err)
	assert.Empty(t, inbox)

	archived, err := b.ListUIDs(ctx, "Archive")
	require.NoError(t, err)
	require.Len(t, archived, 1)

	var uid uint32
	for u := range archived {
		uid = u
	}
	require.NoError(t, b.Delete(ctx, "Archive", uid))
	archived, err = b.ListUIDs(ctx, "Archive")
	require.NoError(t, err)
	assert.Empty(t, archived)

	err = b.Delete(ctx, "Archive", uid)
	assert.True(t, errors.Is(err, mailerr.ErrMessageGone), "got %v", err)
}

func TestIMAPBackendDeleteLeavesOtherDeletedMessages(t *testing.T) {
	b := connected(t, startIMAP(t))
	ctx := context.Background()

	raw := "From: other@example.org\r\nSubject: flagged elsewhere\r\n\r\nbody\r\n"
	require.NoError(t, b.client.Append("INBOX", nil, time.Now(), strings.NewReader(raw)))
	uids, err := b.ListUIDs(ctx, "INBOX")
	require.NoError(t, err)
	require.Len(t, uids, 2)
	var other uint32
	for u := range uids {
		if u != 6 {
			other = u
		}
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(other)
	require.NoError(t, b.client.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{imap.DeletedFlag}, nil))

	require.NoError(t, b.Delete(ctx, "INBOX", 6))

	uids, err = b.ListUIDs(ctx, "INBOX")
	require.NoError(t, err)
	require.Len(t, uids, 1)
	assert.Contains(t, uids[other], imap.DeletedFlag)
}

func TestIMAPBackendConnectHonoursCancellation(t *testing.T) {
	// accepts connections but never greets
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	held := make(chan net.Conn, 4)
	t.Cleanup(func() {
		ln.Close()
		for {
			select {
			case c := <-held:
				c.Close()
			default:
				return
			}
		}
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			held <- c
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	acc := &config.AccountConfig{ID: "x", IMAP: config.ServerConfig{Host: "127.0.0.1", Port: addr.Port}}
	b := NewIMAPBackend(acc, config.Timeouts{Connect: time.Minute, Command: time.Minute}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = b.Connect(ctx)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, mailerr.IsTransport(err), "got %v", err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestIMAPBackendCancelledContext(t *testing.T) {
	b := connected(t, startIMAP(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.ListFolders(ctx)
	assert.True(t, mailerr.IsTransport(err), "got %v", err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestIMAPBackendNotConnected(t *testing.T) {
	b := NewIMAPBackend(&config.AccountConfig{ID: "x"}, testTimeouts(), quietLogger())
	_, err := b.ListFolders(context.Background())
	assert.True(t, mailerr.IsTransport(err))
	assert.NoError(t, b.Close())
}

func TestAttachmentsFromStructure(t *testing.T) {
	bs := &imap.BodyStructure{
		MIMEType:    "multipart",
		MIMESubType: "mixed",
		Parts: []*imap.BodyStructure{
			{MIMEType: "text", MIMESubType: "plain", Size: 10},
			{
				MIMEType:          "application",
				MIMESubType:       "PDF",
				Disposition:       "attachment",
				DispositionParams: map[string]string{"filename": "report.pdf"},
				Size:              2048,
			},
		},
	}

	got := attachmentsFromStructure(bs)
	assert.Equal(t, []types.Attachment{{Filename: "report.pdf", ContentType: "application/pdf", Size: 2048}}, got)
}

func TestClassifyIMAP(t *testing.T) {
	assert.True(t, mailerr.IsProtocol(classifyIMAP("select", errors.New("Mailbox doesn't exist"))))
	assert.True(t, mailerr.IsTransport(classifyIMAP("fetch", io.ErrUnexpectedEOF)))
	assert.True(t, mailerr.IsTransport(classifyIMAP("fetch", errors.New("imap: connection closed during command execution"))))
}
