package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/brandon/mailsync/internal/mailerr"
)

// AppName is used for the env prefix, keyring service and default paths
const AppName = "mailsync"

// AuthMethod selects how an account authenticates
type AuthMethod string

const (
	AuthPlain  AuthMethod = "plain"
	AuthLogin  AuthMethod = "login"
	AuthOAuth2 AuthMethod = "oauth2"
)

// Backend kinds
const (
	BackendIMAP  = "imap"
	BackendGmail = "gmail"
)

// Token store kinds
const (
	TokenStoreKeyring = "keyring"
	TokenStoreCache   = "cache"
)

// Config holds the application configuration
type Config struct {
	CachePath            string        `mapstructure:"cache_path" yaml:"cache_path"`
	LogLevel             string        `mapstructure:"log_level" yaml:"log_level"`
	CheckInterval        time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	MaxMessagesPerFolder int           `mapstructure:"max_messages_per_folder" yaml:"max_messages_per_folder"`
	DownloadAttachments  bool          `mapstructure:"download_attachments" yaml:"download_attachments"`
	SearchResultLimit    int           `mapstructure:"search_result_limit" yaml:"search_result_limit"`
	TokenStore           string        `mapstructure:"token_store" yaml:"token_store"`
	Timeouts             Timeouts      `mapstructure:"timeouts" yaml:"timeouts"`
	Backoff              Backoff       `mapstructure:"backoff" yaml:"backoff"`

	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
}

// Timeouts bounds every network operation
type Timeouts struct {
	Connect time.Duration `mapstructure:"connect" yaml:"connect"`
	Command time.Duration `mapstructure:"command" yaml:"command"`
	Token   time.Duration `mapstructure:"token" yaml:"token"`
}

// Backoff configures reconnect delays
type Backoff struct {
	Min time.Duration `mapstructure:"min" yaml:"min"`
	Max time.Duration `mapstructure:"max" yaml:"max"`
}

// AccountConfig holds configuration for a single email account
type AccountConfig struct {
	ID            string          `mapstructure:"id" yaml:"id"`
	Name          string          `mapstructure:"name" yaml:"name"`
	Email         string          `mapstructure:"email" yaml:"email"`
	Enabled       bool            `mapstructure:"enabled" yaml:"enabled"`
	DefaultFolder string          `mapstructure:"default_folder" yaml:"default_folder"`
	Backend       string          `mapstructure:"backend" yaml:"backend"`
	Signature     string          `mapstructure:"signature" yaml:"signature,omitempty"`
	CheckInterval time.Duration   `mapstructure:"check_interval" yaml:"check_interval,omitempty"`
	IMAP          ServerConfig    `mapstructure:"imap" yaml:"imap"`
	SMTP          ServerConfig    `mapstructure:"smtp" yaml:"smtp"`
	OAuth2        *OAuth2Config   `mapstructure:"oauth2" yaml:"oauth2,omitempty"`
	Folders       []FolderMapping `mapstructure:"folders" yaml:"folders,omitempty"`
}

// ServerConfig describes one IMAP or SMTP endpoint
type ServerConfig struct {
	Host       string     `mapstructure:"host" yaml:"host"`
	Port       int        `mapstructure:"port" yaml:"port"`
	Username   string     `mapstructure:"username" yaml:"username"`
	Password   string     `mapstructure:"password" yaml:"password,omitempty"`
	TLS        bool       `mapstructure:"tls" yaml:"tls"`
	StartTLS   bool       `mapstructure:"starttls" yaml:"starttls"`
	AuthMethod AuthMethod `mapstructure:"auth_method" yaml:"auth_method"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// OAuth2Config holds the client registration for the authorization-code flow
type OAuth2Config struct {
	ClientID     string   `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string   `mapstructure:"client_secret" yaml:"client_secret,omitempty"`
	RedirectURI  string   `mapstructure:"redirect_uri" yaml:"redirect_uri"`
	AuthURL      string   `mapstructure:"auth_url" yaml:"auth_url,omitempty"`
	TokenURL     string   `mapstructure:"token_url" yaml:"token_url,omitempty"`
	UserInfoURL  string   `mapstructure:"userinfo_url" yaml:"userinfo_url,omitempty"`
	Scopes       []string `mapstructure:"scopes" yaml:"scopes,omitempty"`
}

// FolderMapping binds a canonical role to a server folder
type FolderMapping struct {
	Role       string `mapstructure:"role" yaml:"role"`
	ServerName string `mapstructure:"server_name" yaml:"server_name"`
	LocalName  string `mapstructure:"local_name" yaml:"local_name,omitempty"`
}

// DefaultRedirectURI is used when an OAuth2 account does not set one
const DefaultRedirectURI = "http://localhost:8080/oauth/callback"

// DefaultCachePath returns the cache location under the user's data dir
func DefaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "cache.db")
	}
	return filepath.Join(home, ".local", "share", AppName, "cache.db")
}

// DefaultConfigPath returns the config file location under the user's config dir
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return AppName + ".yaml"
	}
	return filepath.Join(dir, AppName, "config.yaml")
}

// Load reads the YAML config at path, applying MAILSYNC_* env overrides
// and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("cache_path", DefaultCachePath())
	v.SetDefault("log_level", "info")
	v.SetDefault("check_interval", 5*time.Minute)
	v.SetDefault("max_messages_per_folder", 1000)
	v.SetDefault("download_attachments", false)
	v.SetDefault("search_result_limit", 100)
	v.SetDefault("token_store", TokenStoreKeyring)
	v.SetDefault("timeouts.connect", 30*time.Second)
	v.SetDefault("timeouts.command", 60*time.Second)
	v.SetDefault("timeouts.token", 30*time.Second)
	v.SetDefault("backoff.min", time.Second)
	v.SetDefault("backoff.max", 5*time.Minute)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		// Viper unmarshals a missing bool as false; an absent enabled key means enabled.
		if !v.IsSet(fmt.Sprintf("accounts.%d.enabled", i)) {
			cfg.Accounts[i].Enabled = true
		}
		imapTLSSet := v.IsSet(fmt.Sprintf("accounts.%d.imap.tls", i)) || v.IsSet(fmt.Sprintf("accounts.%d.imap.starttls", i))
		smtpTLSSet := v.IsSet(fmt.Sprintf("accounts.%d.smtp.tls", i)) || v.IsSet(fmt.Sprintf("accounts.%d.smtp.starttls", i))
		cfg.Accounts[i].applyDefaults(imapTLSSet, smtpTLSSet)
	}

	return cfg, nil
}

// applyDefaults fills ports, TLS modes, auth method and folder defaults.
func (a *AccountConfig) applyDefaults(imapTLSSet, smtpTLSSet bool) {
	if a.ID == "" {
		a.ID = strings.ToLower(strings.ReplaceAll(a.Name, " ", "-"))
	}
	if a.DefaultFolder == "" {
		a.DefaultFolder = "INBOX"
	}
	if a.Backend == "" {
		a.Backend = BackendIMAP
	}

	if a.IMAP.Port == 0 {
		a.IMAP.Port = 993
	}
	if !imapTLSSet {
		a.IMAP.TLS = a.IMAP.Port == 993
		a.IMAP.StartTLS = !a.IMAP.TLS
	}
	if a.SMTP.Port == 0 {
		a.SMTP.Port = 587
	}
	if !smtpTLSSet {
		a.SMTP.TLS = a.SMTP.Port == 465
		a.SMTP.StartTLS = !a.SMTP.TLS
	}
	if a.SMTP.Username == "" {
		a.SMTP.Username = a.IMAP.Username
	}
	if a.SMTP.Password == "" {
		a.SMTP.Password = a.IMAP.Password
	}

	defaultMethod := AuthPlain
	if a.OAuth2 != nil || a.Backend == BackendGmail {
		defaultMethod = AuthOAuth2
	}
	if a.IMAP.AuthMethod == "" {
		a.IMAP.AuthMethod = defaultMethod
	}
	if a.SMTP.AuthMethod == "" {
		a.SMTP.AuthMethod = a.IMAP.AuthMethod
	}
	if a.OAuth2 != nil && a.OAuth2.RedirectURI == "" {
		a.OAuth2.RedirectURI = DefaultRedirectURI
	}
}

// UsesOAuth2 reports whether any path of the account authenticates with OAuth2
func (a *AccountConfig) UsesOAuth2() bool {
	return a.Backend == BackendGmail || a.IMAP.AuthMethod == AuthOAuth2 || a.SMTP.AuthMethod == AuthOAuth2
}

// Interval returns the account's check interval, falling back to def
func (a *AccountConfig) Interval(def time.Duration) time.Duration {
	if a.CheckInterval > 0 {
		return a.CheckInterval
	}
	return def
}

// Validate checks the account for missing or malformed fields. Accounts
// that fail are marked unusable by their session until corrected.
func (a *AccountConfig) Validate() error {
	fail := func(field, msg string) error {
		return &mailerr.ConfigError{AccountID: a.ID, Field: field, Msg: msg}
	}

	if a.ID == "" {
		return fail("id", "is required")
	}
	if strings.TrimSpace(a.Name) == "" {
		return fail("name", "is required")
	}
	if a.Email == "" {
		return fail("email", "is required")
	}
	if !strings.Contains(a.Email, "@") {
		return fail("email", "is not a valid address")
	}

	switch a.Backend {
	case BackendIMAP:
		if err := validateServer(a.ID, "imap", a.IMAP); err != nil {
			return err
		}
		if err := validateServer(a.ID, "smtp", a.SMTP); err != nil {
			return err
		}
	case BackendGmail:
		if a.OAuth2 == nil {
			return fail("oauth2", "is required for the gmail backend")
		}
	default:
		return fail("backend", fmt.Sprintf("unknown backend %q", a.Backend))
	}

	if a.UsesOAuth2() {
		if a.OAuth2 == nil {
			return fail("oauth2", "is required when auth_method is oauth2")
		}
		if a.OAuth2.ClientID == "" {
			return fail("oauth2.client_id", "is required")
		}
	}

	seen := make(map[string]bool)
	for i, m := range a.Folders {
		role := strings.ToLower(m.Role)
		switch role {
		case "inbox", "sent", "drafts", "trash", "custom":
		default:
			return fail(fmt.Sprintf("folders[%d].role", i), fmt.Sprintf("unknown role %q", m.Role))
		}
		if m.ServerName == "" {
			return fail(fmt.Sprintf("folders[%d].server_name", i), "is required")
		}
		if role != "custom" {
			if seen[role] {
				return fail(fmt.Sprintf("folders[%d].role", i), fmt.Sprintf("role %q mapped more than once", role))
			}
			seen[role] = true
		}
	}

	return nil
}

func validateServer(accountID, prefix string, s ServerConfig) error {
	if s.Host == "" {
		return &mailerr.ConfigError{AccountID: accountID, Field: prefix + ".host", Msg: "is required"}
	}
	if s.Port < 1 || s.Port > 65535 {
		return &mailerr.ConfigError{AccountID: accountID, Field: prefix + ".port", Msg: "must be between 1 and 65535"}
	}
	if s.Username == "" {
		return &mailerr.ConfigError{AccountID: accountID, Field: prefix + ".username", Msg: "is required"}
	}
	switch s.AuthMethod {
	case AuthPlain, AuthLogin, AuthOAuth2:
	default:
		return &mailerr.ConfigError{AccountID: accountID, Field: prefix + ".auth_method", Msg: fmt.Sprintf("unknown method %q", s.AuthMethod)}
	}
	return nil
}

// Validate validates the app-level configuration. Individual accounts are
// validated when their session starts.
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return &mailerr.ConfigError{Field: "cache_path", Msg: "is required"}
	}
	if c.SearchResultLimit < 1 || c.SearchResultLimit > 1000 {
		return &mailerr.ConfigError{Field: "search_result_limit", Msg: "must be between 1 and 1000"}
	}
	if c.MaxMessagesPerFolder < 1 {
		return &mailerr.ConfigError{Field: "max_messages_per_folder", Msg: "must be positive"}
	}
	if c.CheckInterval < time.Second {
		return &mailerr.ConfigError{Field: "check_interval", Msg: "must be at least 1s"}
	}
	if c.TokenStore != TokenStoreKeyring && c.TokenStore != TokenStoreCache {
		return &mailerr.ConfigError{Field: "token_store", Msg: fmt.Sprintf("unknown store %q", c.TokenStore)}
	}
	if len(c.Accounts) == 0 {
		return &mailerr.ConfigError{Field: "accounts", Msg: "at least one account must be configured"}
	}

	ids := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		id := c.Accounts[i].ID
		if id == "" {
			return &mailerr.ConfigError{Field: fmt.Sprintf("accounts[%d].id", i), Msg: "is required"}
		}
		if ids[id] {
			return &mailerr.ConfigError{AccountID: id, Field: "id", Msg: "duplicate account id"}
		}
		ids[id] = true
	}

	return nil
}

// AccountByID finds an account by id
func (c *Config) AccountByID(id string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].ID == id {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", id)
}

// DefaultAccount returns the first enabled account
func (c *Config) DefaultAccount() *AccountConfig {
	for i := range c.Accounts {
		if c.Accounts[i].Enabled {
			return &c.Accounts[i]
		}
	}
	return nil
}

// AccountIDs returns the ids of all configured accounts
func (c *Config) AccountIDs() []string {
	ids := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		ids[i] = c.Accounts[i].ID
	}
	return ids
}

// Redacted returns a copy safe to print
func (c *Config) Redacted() *Config {
	out := *c
	out.Accounts = make([]AccountConfig, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.IMAP.Password != "" {
			a.IMAP.Password = "********"
		}
		if a.SMTP.Password != "" {
			a.SMTP.Password = "********"
		}
		if a.OAuth2 != nil {
			o := *a.OAuth2
			if o.ClientSecret != "" {
				o.ClientSecret = "********"
			}
			a.OAuth2 = &o
		}
		out.Accounts[i] = a
	}
	return &out
}
