package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/internal/metrics"
	"github.com/brandon/mailsync/pkg/types"
)

const (
	// RefreshSkew is how long before expiry a token stops being usable
	RefreshSkew = 60 * time.Second
	// DefaultLifetime is assumed when the provider omits expires_in
	DefaultLifetime = time.Hour

	defaultUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
)

var (
	// IMAPScopes grants IMAP and SMTP access on Google accounts
	IMAPScopes = []string{"https://mail.google.com/"}
	// GmailScopes is requested for accounts on the Gmail API backend
	GmailScopes = []string{
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/gmail.modify",
		"https://www.googleapis.com/auth/gmail.send",
	}
)

// Prompt presents the authorization URL to the user
type Prompt func(authURL string) error

// Manager obtains, stores and refreshes OAuth2 tokens. Refreshes for one
// account are single-flighted.
type Manager struct {
	store   TokenStore
	logger  *logrus.Logger
	timeout time.Duration
	client  *http.Client
	prompt  Prompt
	now     func() time.Time

	flights singleflight.Group
}

// Option configures a Manager
type Option func(*Manager)

// WithHTTPClient sets the client used for token and userinfo requests
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithPrompt sets how the authorization URL reaches the user
func WithPrompt(p Prompt) Option {
	return func(m *Manager) { m.prompt = p }
}

// WithTimeout bounds every exchange with the provider
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a token manager over store
func NewManager(store TokenStore, logger *logrus.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		logger:  logger,
		timeout: 30 * time.Second,
		now:     time.Now,
		prompt: func(authURL string) error {
			logger.WithField("url", authURL).Info("Open this URL in a browser to authorize the account")
			return nil
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Usable reports whether tok can be presented at now
func Usable(tok *types.Token, now time.Time) bool {
	return tok != nil && tok.AccessToken != "" && now.Before(tok.ExpiresAt.Add(-RefreshSkew))
}

func (m *Manager) oauthConfig(acc *config.AccountConfig) *oauth2.Config {
	oc := acc.OAuth2
	cfg := &oauth2.Config{
		ClientID:     oc.ClientID,
		ClientSecret: oc.ClientSecret,
		RedirectURL:  oc.RedirectURI,
		Endpoint:     google.Endpoint,
		Scopes:       oc.Scopes,
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = config.DefaultRedirectURI
	}
	if oc.AuthURL != "" {
		cfg.Endpoint.AuthURL = oc.AuthURL
	}
	if oc.TokenURL != "" {
		cfg.Endpoint.TokenURL = oc.TokenURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = IMAPScopes
		if acc.Backend == config.BackendGmail {
			cfg.Scopes = GmailScopes
		}
	}
	return cfg
}

func (m *Manager) exchangeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	}
	return context.WithTimeout(ctx, m.timeout)
}

func (m *Manager) fromOAuth2(tok *oauth2.Token) *types.Token {
	expires := tok.Expiry
	if expires.IsZero() {
		expires = m.now().Add(DefaultLifetime)
	}
	return &types.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ExpiresAt:    expires,
	}
}

// EnsureValid returns a token usable for at least RefreshSkew, refreshing
// it if needed.
func (m *Manager) EnsureValid(ctx context.Context, acc *config.AccountConfig) (*types.Token, error) {
	tok, err := m.store.LoadToken(ctx, acc.ID)
	if err != nil {
		return nil, err
	}
	if Usable(tok, m.now()) {
		return tok, nil
	}
	return m.Refresh(ctx, acc)
}

// Refresh exchanges the stored refresh token for a new access token.
// Concurrent callers for the same account share one exchange. The exchange
// is not tied to any one caller: a caller that gives up returns its own
// context error while the others keep waiting.
func (m *Manager) Refresh(ctx context.Context, acc *config.AccountConfig) (*types.Token, error) {
	fctx := context.WithoutCancel(ctx)
	ch := m.flights.DoChan(acc.ID, func() (interface{}, error) {
		tok, err := m.store.LoadToken(fctx, acc.ID)
		if err != nil {
			return nil, err
		}
		// Another flight may have finished between our load and this one.
		if Usable(tok, m.now()) {
			return tok, nil
		}
		return m.refresh(fctx, acc, tok)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.Token), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context, acc *config.AccountConfig, stored *types.Token) (*types.Token, error) {
	log := m.logger.WithField("account", acc.ID)

	if stored == nil || stored.RefreshToken == "" {
		metrics.TokenRefreshes.WithLabelValues(acc.ID, "reauth").Inc()
		return nil, &mailerr.AuthError{AccountID: acc.ID, Reason: mailerr.ReauthRequired, Err: errors.New("no refresh token")}
	}

	ectx, cancel := m.exchangeContext(ctx)
	defer cancel()

	src := m.oauthConfig(acc).TokenSource(ectx, &oauth2.Token{
		RefreshToken: stored.RefreshToken,
		Expiry:       m.now().Add(-time.Minute),
	})
	fresh, err := src.Token()
	if err != nil {
		err = classifyExchange(acc.ID, err)
		result := "error"
		if reason, ok := mailerr.AuthReasonOf(err); ok && reason == mailerr.ReauthRequired {
			result = "reauth"
		}
		metrics.TokenRefreshes.WithLabelValues(acc.ID, result).Inc()
		log.WithError(err).Warn("Token refresh failed")
		return nil, err
	}

	tok := m.fromOAuth2(fresh)
	if tok.RefreshToken == "" {
		tok.RefreshToken = stored.RefreshToken
	}
	if err := m.store.SaveToken(ctx, acc.ID, tok); err != nil {
		return nil, err
	}
	if !Usable(tok, m.now()) {
		metrics.TokenRefreshes.WithLabelValues(acc.ID, "error").Inc()
		err := &mailerr.AuthError{
			AccountID: acc.ID,
			Reason:    mailerr.TokenExchangeFailed,
			Err:       fmt.Errorf("provider issued a token expiring at %s, inside the %s refresh skew", tok.ExpiresAt.Format(time.RFC3339), RefreshSkew),
		}
		log.WithError(err).Warn("Token refresh failed")
		return nil, err
	}
	metrics.TokenRefreshes.WithLabelValues(acc.ID, "ok").Inc()
	log.WithField("expires_at", tok.ExpiresAt).Debug("Token refreshed")
	return tok, nil
}

// classifyExchange maps token endpoint failures onto the error taxonomy
func classifyExchange(accountID string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if re.ErrorCode == "invalid_grant" || status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return &mailerr.AuthError{AccountID: accountID, Reason: mailerr.ReauthRequired, Err: err}
		}
		return &mailerr.AuthError{AccountID: accountID, Reason: mailerr.TokenExchangeFailed, Err: err}
	}
	if mailerr.IsNetworkFailure(err) {
		return mailerr.Transport("token exchange", err)
	}
	return &mailerr.AuthError{AccountID: accountID, Reason: mailerr.TokenExchangeFailed, Err: err}
}

// Invalidate marks the stored access token expired, keeping the refresh
// token.
func (m *Manager) Invalidate(ctx context.Context, acc *config.AccountConfig) error {
	tok, err := m.store.LoadToken(ctx, acc.ID)
	if err != nil || tok == nil {
		return err
	}
	tok.ExpiresAt = time.Time{}
	return m.store.SaveToken(ctx, acc.ID, tok)
}

// Forget deletes the account's token
func (m *Manager) Forget(ctx context.Context, acc *config.AccountConfig) error {
	return m.store.DeleteToken(ctx, acc.ID)
}

// Obtain runs the authorization-code flow: it prompts with the
// authorization URL, waits for the provider to redirect to the local
// callback, exchanges the code and stores the token.
func (m *Manager) Obtain(ctx context.Context, acc *config.AccountConfig) (*types.Token, error) {
	if acc.OAuth2 == nil {
		return nil, &mailerr.ConfigError{AccountID: acc.ID, Field: "oauth2", Msg: "oauth2 is not configured"}
	}
	log := m.logger.WithField("account", acc.ID)
	cfg := m.oauthConfig(acc)

	cb, err := listenCallback(cfg.RedirectURL)
	if err != nil {
		return nil, mailerr.Transport("start callback listener", err)
	}
	defer cb.Close()
	cfg.RedirectURL = cb.RedirectURL()

	authURL := cfg.AuthCodeURL(cb.State(),
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("login_hint", acc.Email),
	)
	if err := m.prompt(authURL); err != nil {
		return nil, fmt.Errorf("failed to present authorization URL: %w", err)
	}
	log.Debug("Waiting for OAuth2 callback")

	code, err := cb.Wait(ctx)
	if err != nil {
		var ae *mailerr.AuthError
		if errors.As(err, &ae) {
			ae.AccountID = acc.ID
		}
		return nil, err
	}

	ectx, cancel := m.exchangeContext(ctx)
	defer cancel()
	raw, err := cfg.Exchange(ectx, code)
	if err != nil {
		return nil, classifyExchange(acc.ID, err)
	}

	tok := m.fromOAuth2(raw)
	if err := m.store.SaveToken(ctx, acc.ID, tok); err != nil {
		return nil, err
	}
	log.Info("Account authorized")
	return tok, nil
}

// UserInfo is the identity behind a token
type UserInfo struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// UserInfo asks the provider which identity the account's token belongs
// to. It also serves as a probe that the token is accepted.
func (m *Manager) UserInfo(ctx context.Context, acc *config.AccountConfig) (*UserInfo, error) {
	tok, err := m.EnsureValid(ctx, acc)
	if err != nil {
		return nil, err
	}
	endpoint := defaultUserInfoURL
	if acc.OAuth2 != nil && acc.OAuth2.UserInfoURL != "" {
		endpoint = acc.OAuth2.UserInfoURL
	}

	ectx, cancel := m.exchangeContext(ctx)
	defer cancel()
	client := oauth2.NewClient(ectx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
	}))

	req, err := http.NewRequestWithContext(ectx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, mailerr.Classify("userinfo", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &mailerr.AuthError{AccountID: acc.ID, Reason: mailerr.InvalidCredentials, Err: errors.New(resp.Status)}
	case resp.StatusCode >= 500:
		return nil, mailerr.Transport("userinfo", errors.New(resp.Status))
	case resp.StatusCode != http.StatusOK:
		return nil, mailerr.Protocol("userinfo", errors.New(resp.Status))
	}

	var info UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, mailerr.Protocol("decode userinfo", err)
	}
	if !strings.EqualFold(info.Email, acc.Email) && info.Email != "" {
		m.logger.WithFields(logrus.Fields{
			"account":    acc.ID,
			"configured": acc.Email,
			"authorized": info.Email,
		}).Warn("Authorized identity differs from configured email")
	}
	return &info, nil
}

// TokenSource adapts the manager to oauth2.TokenSource for API clients
func (m *Manager) TokenSource(ctx context.Context, acc *config.AccountConfig) oauth2.TokenSource {
	return &managedSource{ctx: ctx, m: m, acc: acc}
}

type managedSource struct {
	ctx context.Context
	m   *Manager
	acc *config.AccountConfig
}

func (s *managedSource) Token() (*oauth2.Token, error) {
	tok, err := s.m.EnsureValid(s.ctx, s.acc)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.ExpiresAt,
	}, nil
}
