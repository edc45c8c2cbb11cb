package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/brandon/mailsync/internal/auth"
	"github.com/brandon/mailsync/internal/backend/backendtest"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/session"
	"github.com/brandon/mailsync/pkg/types"
)

const testConfig = `
log_level: warn
token_store: cache
accounts:
  - id: work
    name: Work
    email: me@work.example
    imap:
      host: imap.work.example
      username: me@work.example
      password: hunter2
    smtp:
      host: smtp.work.example
  - id: personal
    name: Personal
    email: me@gmail.com
    backend: gmail
    oauth2:
      client_id: abc.apps.googleusercontent.com
      client_secret: shh
`

func newTestContext(t *testing.T) (*Context, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "cache_path: " + filepath.Join(dir, "cache.db") + "\n" + testConfig
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	ctx, err := NewContext(&Globals{Config: path})
	require.NoError(t, err)
	ctx.Logger.SetOutput(&bytes.Buffer{})
	out := &bytes.Buffer{}
	ctx.Out = out
	return ctx, out
}

func TestKongParsesCommands(t *testing.T) {
	tests := []struct {
		args    []string
		command string
		check   func(t *testing.T, c *CLI)
	}{
		{
			args:    []string{"run", "--mcp", "--metrics-addr", ":9090"},
			command: "run",
			check: func(t *testing.T, c *CLI) {
				assert.True(t, c.Run.MCP)
				assert.Equal(t, ":9090", c.Run.MetricsAddr)
			},
		},
		{
			args:    []string{"auth", "work", "--password"},
			command: "auth <account>",
			check: func(t *testing.T, c *CLI) {
				assert.Equal(t, "work", c.Auth.Account)
				assert.True(t, c.Auth.Password)
			},
		},
		{
			args:    []string{"sync", "work"},
			command: "sync <account>",
			check: func(t *testing.T, c *CLI) {
				assert.Equal(t, 5*time.Minute, c.Sync.Timeout)
			},
		},
		{
			args:    []string{"search", "invoice", "-a", "work", "-n", "5", "--json"},
			command: "search <query>",
			check: func(t *testing.T, c *CLI) {
				assert.Equal(t, "invoice", c.Search.Query)
				assert.Equal(t, 5, c.Search.Limit)
				assert.True(t, c.JSON)
			},
		},
		{
			args:    []string{"send", "-t", "a@example.com", "-t", "b@example.com", "-s", "hi", "-b", "hello"},
			command: "send",
			check: func(t *testing.T, c *CLI) {
				assert.Equal(t, []string{"a@example.com", "b@example.com"}, c.Send.To)
			},
		},
		{args: []string{"status"}, command: "status"},
		{args: []string{"config", "show"}, command: "config show"},
		{args: []string{"version"}, command: "version"},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			var c CLI
			parser, err := kong.New(&c, kong.Name("mailsync"))
			require.NoError(t, err)
			kctx, err := parser.Parse(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.command, kctx.Command())
			if tt.check != nil {
				tt.check(t, &c)
			}
		})
	}
}

func TestNewContext(t *testing.T) {
	ctx, _ := newTestContext(t)
	assert.Len(t, ctx.Config.Accounts, 2)
	assert.Equal(t, logrus.WarnLevel, ctx.Logger.GetLevel())

	_, err := NewContext(&Globals{Config: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.NoError(t, err, "a missing file falls back to defaults")
}

func TestNewLoggerFormatter(t *testing.T) {
	logger := NewLogger("debug", &bytes.Buffer{})
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	assert.Equal(t, logrus.InfoLevel, NewLogger("loud", &bytes.Buffer{}).GetLevel())
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	ctx, out := newTestContext(t)
	require.NoError(t, (&ConfigShowCmd{}).Run(ctx))

	assert.Contains(t, out.String(), "id: work")
	assert.Contains(t, out.String(), "********")
	assert.NotContains(t, out.String(), "hunter2")
	assert.NotContains(t, out.String(), "shh")
}

func TestConfigValidate(t *testing.T) {
	ctx, out := newTestContext(t)
	require.NoError(t, (&ConfigValidateCmd{}).Run(ctx))
	assert.Contains(t, out.String(), "work: ok")

	ctx.Config.Accounts[0].Email = "nope"
	out.Reset()
	assert.Error(t, (&ConfigValidateCmd{}).Run(ctx))
	assert.Contains(t, out.String(), "work:")
}

func TestNewSessionPerBackend(t *testing.T) {
	ctx, _ := newTestContext(t)
	app, err := NewApp(context.Background(), ctx.Config, ctx.Logger, false)
	require.NoError(t, err)
	defer app.Close()

	for i := range ctx.Config.Accounts {
		sess, err := app.NewSession(&ctx.Config.Accounts[i])
		require.NoError(t, err)
		assert.Equal(t, ctx.Config.Accounts[i].ID, sess.AccountID())
	}

	bad := ctx.Config.Accounts[0]
	bad.Backend = "pop3"
	_, err = app.NewSession(&bad)
	assert.EqualError(t, err, `unknown backend "pop3"`)
}

// seed syncs two messages for "work" from a fake server into the cache
func seed(t *testing.T, ctx *Context) {
	t.Helper()
	app, err := NewApp(context.Background(), ctx.Config, ctx.Logger, false)
	require.NoError(t, err)
	defer app.Close()

	server := backendtest.NewServer()
	server.SetPassword("hunter2")
	server.Append("INBOX", backendtest.Message("invoice march"))
	server.Append("INBOX", backendtest.Message("team offsite"))

	acc, err := ctx.Config.AccountByID("work")
	require.NoError(t, err)
	sess := session.New(session.Options{
		Account:     acc,
		Backend:     server,
		Submitter:   server,
		Credentials: auth.NewResolver(app.Tokens),
		Store:       app.Store,
		Engine:      app.Engine,
		Logger:      ctx.Logger,
	})
	runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(runCtx)
	}()
	_, err = sess.Sync(runCtx)
	cancel()
	<-done
	require.NoError(t, err)
}

func TestStatus(t *testing.T) {
	ctx, out := newTestContext(t)
	seed(t, ctx)
	ctx.Globals.JSON = true

	require.NoError(t, (&StatusCmd{}).Run(ctx))
	var status []accountStatus
	require.NoError(t, json.Unmarshal(out.Bytes(), &status))
	require.Len(t, status, 2)
	assert.Equal(t, "work", status[0].ID)
	assert.Equal(t, 2, status[0].Messages)
	assert.False(t, status[0].LastSync.IsZero())
	assert.Equal(t, "personal", status[1].ID)
	assert.Zero(t, status[1].Folders)
}

func TestSearch(t *testing.T) {
	ctx, out := newTestContext(t)
	seed(t, ctx)

	require.NoError(t, (&SearchCmd{Query: "invoice"}).Run(ctx))
	assert.Contains(t, out.String(), "invoice march")
	assert.Contains(t, out.String(), "INBOX")
	assert.NotContains(t, out.String(), "offsite")

	out.Reset()
	require.NoError(t, (&SearchCmd{Query: "nothing-matches"}).Run(ctx))
	assert.Equal(t, "No messages found.\n", out.String())

	assert.EqualError(t, (&SearchCmd{Query: "x", Folder: "INBOX"}).Run(ctx), "--folder requires --account")
}

func TestAuthForgetPassword(t *testing.T) {
	keyring.MockInit()
	ctx, out := newTestContext(t)
	require.NoError(t, config.StorePassword("me@work.example", "stored"))

	require.NoError(t, (&AuthCmd{Account: "work", Password: true, Forget: true}).Run(ctx))
	assert.Contains(t, out.String(), "removed")
	_, err := keyring.Get(config.AppName, "me@work.example")
	assert.True(t, errors.Is(err, keyring.ErrNotFound))

	assert.Error(t, (&AuthCmd{Account: "nope"}).Run(ctx))
}

func TestParseAddresses(t *testing.T) {
	got, err := parseAddresses([]string{"Ann <ann@example.com>, bob@example.com", "carol@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []types.Address{
		{Name: "Ann", Email: "ann@example.com"},
		{Email: "bob@example.com"},
		{Email: "carol@example.com"},
	}, got)

	_, err = parseAddresses([]string{"not an address"})
	assert.Error(t, err)
}

func TestVersionJSON(t *testing.T) {
	out := &bytes.Buffer{}
	ctx := &Context{Globals: &Globals{JSON: true}, Out: out}
	require.NoError(t, (&VersionCmd{}).Run(ctx))

	var v map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &v))
	assert.Equal(t, "mailsync", v["name"])
	assert.Equal(t, Version, v["version"])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\n  b", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
