// Package auth turns account configuration into credentials and manages
// the OAuth2 token lifecycle.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"

	"github.com/emersion/go-sasl"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/mailerr"
)

// Credential is what a backend presents to the server. AccessToken is only
// set for OAuth2; Password only for plain and login.
type Credential struct {
	Method      config.AuthMethod
	Username    string
	Password    string
	AccessToken string
}

// SASL returns a client for IMAP AUTHENTICATE
func (c Credential) SASL() sasl.Client {
	switch c.Method {
	case config.AuthLogin:
		return sasl.NewLoginClient(c.Username, c.Password)
	case config.AuthOAuth2:
		return NewXOAuth2Client(c.Username, c.AccessToken)
	default:
		return sasl.NewPlainClient("", c.Username, c.Password)
	}
}

// SMTPAuth returns the credential as an SMTP AUTH mechanism for host
func (c Credential) SMTPAuth(host string) smtp.Auth {
	return &saslAuth{client: c.SASL(), host: host}
}

// String never includes the secret
func (c Credential) String() string {
	return fmt.Sprintf("%s:%s", c.Method, c.Username)
}

type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2Client implements the XOAUTH2 mechanism used by Gmail and
// Outlook: a single initial response carrying the bearer token.
func NewXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", []byte(XOAuth2String(c.username, c.token)), nil
}

// A challenge after the initial response carries a JSON error; the empty
// reply lets the server finish with its failure status.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}

// XOAuth2String formats the raw XOAUTH2 initial response
func XOAuth2String(username, token string) string {
	return "user=" + username + "\x01auth=Bearer " + token + "\x01\x01"
}

// saslAuth adapts a sasl.Client to net/smtp
type saslAuth struct {
	client sasl.Client
	host   string
}

func (a *saslAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS && !isLocalhost(server.Name) {
		return "", nil, errors.New("unencrypted connection")
	}
	if server.Name != a.host {
		return "", nil, errors.New("wrong host name")
	}
	return a.client.Start()
}

func (a *saslAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	return a.client.Next(fromServer)
}

func isLocalhost(name string) bool {
	if name == "localhost" {
		return true
	}
	ip := net.ParseIP(name)
	return ip != nil && ip.IsLoopback()
}

// Resolver builds credentials for an account's servers
type Resolver struct {
	tokens *Manager
}

// NewResolver creates a resolver. tokens may be nil when no account uses
// OAuth2.
func NewResolver(tokens *Manager) *Resolver {
	return &Resolver{tokens: tokens}
}

// Credential returns the credential for one of acc's servers. OAuth2
// credentials carry a token that is valid for at least the refresh skew.
func (r *Resolver) Credential(ctx context.Context, acc *config.AccountConfig, server config.ServerConfig) (Credential, error) {
	cred := Credential{Method: server.AuthMethod, Username: server.Username}
	if cred.Method == "" {
		cred.Method = config.AuthPlain
	}

	if cred.Method == config.AuthOAuth2 {
		if r.tokens == nil || acc.OAuth2 == nil {
			return Credential{}, &mailerr.ConfigError{AccountID: acc.ID, Field: "oauth2", Msg: "oauth2 is not configured"}
		}
		if cred.Username == "" {
			cred.Username = acc.Email
		}
		tok, err := r.tokens.EnsureValid(ctx, acc)
		if err != nil {
			return Credential{}, err
		}
		cred.AccessToken = tok.AccessToken
		return cred, nil
	}

	password, err := server.ResolvePassword()
	if err != nil {
		if errors.Is(err, config.ErrNoPassword) {
			return Credential{}, &mailerr.ConfigError{AccountID: acc.ID, Field: "password", Msg: err.Error()}
		}
		return Credential{}, fmt.Errorf("failed to resolve password: %w", err)
	}
	cred.Password = password
	return cred, nil
}

// Invalidate forgets the account's access token after the server rejected
// it, so the next Credential call refreshes.
func (r *Resolver) Invalidate(ctx context.Context, acc *config.AccountConfig) error {
	if r.tokens == nil || !acc.UsesOAuth2() {
		return nil
	}
	return r.tokens.Invalidate(ctx, acc)
}

// Tokens returns the OAuth2 manager, or nil
func (r *Resolver) Tokens() *Manager {
	return r.tokens
}
