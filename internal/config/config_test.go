package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/brandon/mailsync/internal/mailerr"
)

const sampleConfig = `
cache_path: /tmp/mailsync-test/cache.db
check_interval: 2m
max_messages_per_folder: 250
accounts:
  - id: work
    name: Work
    email: me@work.example
    imap:
      host: imap.work.example
      username: me@work.example
      password: secret
    smtp:
      host: smtp.work.example
    folders:
      - role: sent
        server_name: Sent Items
  - id: gmail
    name: Personal
    email: me@gmail.com
    enabled: false
    backend: gmail
    oauth2:
      client_id: abc.apps.googleusercontent.com
      client_secret: shh
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2*time.Minute, cfg.CheckInterval)
	assert.Equal(t, 250, cfg.MaxMessagesPerFolder)
	assert.Equal(t, 100, cfg.SearchResultLimit)
	assert.Equal(t, TokenStoreKeyring, cfg.TokenStore)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Connect)
	assert.Equal(t, 5*time.Minute, cfg.Backoff.Max)

	require.Len(t, cfg.Accounts, 2)
	work := cfg.Accounts[0]
	assert.True(t, work.Enabled)
	assert.Equal(t, "INBOX", work.DefaultFolder)
	assert.Equal(t, BackendIMAP, work.Backend)
	assert.Equal(t, 993, work.IMAP.Port)
	assert.True(t, work.IMAP.TLS)
	assert.Equal(t, 587, work.SMTP.Port)
	assert.True(t, work.SMTP.StartTLS)
	assert.False(t, work.SMTP.TLS)
	assert.Equal(t, "me@work.example", work.SMTP.Username)
	assert.Equal(t, AuthPlain, work.IMAP.AuthMethod)
	assert.NoError(t, work.Validate())

	gmail := cfg.Accounts[1]
	assert.False(t, gmail.Enabled)
	assert.Equal(t, AuthOAuth2, gmail.IMAP.AuthMethod)
	assert.Equal(t, DefaultRedirectURI, gmail.OAuth2.RedirectURI)
	assert.NoError(t, gmail.Validate())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MAILSYNC_LOG_LEVEL", "debug")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.MaxMessagesPerFolder)

	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, mailerr.IsConfig(err))
}

func TestAccountValidate(t *testing.T) {
	valid := func() AccountConfig {
		a := AccountConfig{
			ID:    "work",
			Name:  "Work",
			Email: "me@work.example",
			IMAP:  ServerConfig{Host: "imap.example", Username: "me"},
			SMTP:  ServerConfig{Host: "smtp.example"},
		}
		a.applyDefaults(false, false)
		return a
	}

	tests := []struct {
		name      string
		mutate    func(a *AccountConfig)
		wantField string
	}{
		{"empty name", func(a *AccountConfig) { a.Name = " " }, "name"},
		{"email without at", func(a *AccountConfig) { a.Email = "nobody" }, "email"},
		{"missing imap host", func(a *AccountConfig) { a.IMAP.Host = "" }, "imap.host"},
		{"missing smtp username", func(a *AccountConfig) { a.SMTP.Username = "" }, "smtp.username"},
		{"oauth2 without client", func(a *AccountConfig) {
			a.IMAP.AuthMethod = AuthOAuth2
			a.OAuth2 = &OAuth2Config{}
		}, "oauth2.client_id"},
		{"duplicate role", func(a *AccountConfig) {
			a.Folders = []FolderMapping{{Role: "sent", ServerName: "Sent"}, {Role: "Sent", ServerName: "Sent Items"}}
		}, "folders[1].role"},
		{"unknown backend", func(a *AccountConfig) { a.Backend = "pop3" }, "backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := valid()
			tt.mutate(&a)
			err := a.Validate()
			var cfgErr *mailerr.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
			assert.Equal(t, "work", cfgErr.AccountID)
		})
	}

	a := valid()
	assert.NoError(t, a.Validate())
}

func TestConfigValidateDuplicateIDs(t *testing.T) {
	cfg := &Config{
		CachePath: "x.db", SearchResultLimit: 10, MaxMessagesPerFolder: 10,
		CheckInterval: time.Minute, TokenStore: TokenStoreCache,
		Accounts: []AccountConfig{{ID: "a"}, {ID: "a"}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestResolvePasswordFromKeyring(t *testing.T) {
	keyring.MockInit()

	s := ServerConfig{Username: "me@work.example"}
	_, err := s.ResolvePassword()
	assert.ErrorIs(t, err, ErrNoPassword)

	require.NoError(t, StorePassword("me@work.example", "hunter2"))
	got, err := s.ResolvePassword()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	s.Password = "inline"
	got, err = s.ResolvePassword()
	require.NoError(t, err)
	assert.Equal(t, "inline", got)

	require.NoError(t, DeletePassword("me@work.example"))
	require.NoError(t, DeletePassword("me@work.example"))
}

func TestRedacted(t *testing.T) {
	cfg := &Config{Accounts: []AccountConfig{{
		ID:     "a",
		IMAP:   ServerConfig{Password: "p"},
		OAuth2: &OAuth2Config{ClientSecret: "s"},
	}}}
	red := cfg.Redacted()
	assert.Equal(t, "********", red.Accounts[0].IMAP.Password)
	assert.Equal(t, "********", red.Accounts[0].OAuth2.ClientSecret)
	assert.Equal(t, "s", cfg.Accounts[0].OAuth2.ClientSecret)
}
