package cli

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/auth"
	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/gmail"
	"github.com/brandon/mailsync/internal/index"
	"github.com/brandon/mailsync/internal/session"
	"github.com/brandon/mailsync/internal/supervisor"
	syncer "github.com/brandon/mailsync/internal/sync"
)

// App is the assembled sync core: cache, search index, token manager and
// the supervisor over every configured account.
type App struct {
	Config     *config.Config
	Logger     *logrus.Logger
	Cache      *cache.Cache
	Store      *cache.Store
	Index      *index.FTS
	Tokens     *auth.Manager
	Engine     *syncer.Engine
	Supervisor *supervisor.Supervisor

	resolver    *auth.Resolver
	interactive bool
}

// NewApp opens the cache and wires the components. interactive lets
// sessions start the OAuth2 browser flow on their own.
func NewApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger, interactive bool, tokenOpts ...auth.Option) (*App, error) {
	c, err := cache.NewCache(cfg.CachePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	fts, err := index.NewFTS(ctx, c.DB(), logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	store := cache.NewStore(c, fts, logger)

	for i := range cfg.Accounts {
		if err := store.UpsertAccount(ctx, &cfg.Accounts[i]); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to record account %s: %w", cfg.Accounts[i].ID, err)
		}
	}

	var tokenStore auth.TokenStore = auth.NewKeyringStore()
	if cfg.TokenStore == config.TokenStoreCache {
		tokenStore = store
	}
	tokenOpts = append([]auth.Option{auth.WithTimeout(cfg.Timeouts.Token)}, tokenOpts...)
	tokens := auth.NewManager(tokenStore, logger, tokenOpts...)

	a := &App{
		Config:      cfg,
		Logger:      logger,
		Cache:       c,
		Store:       store,
		Index:       fts,
		Tokens:      tokens,
		Engine:      syncer.NewEngine(store, syncer.Options{MaxMessages: cfg.MaxMessagesPerFolder, FetchBodies: cfg.DownloadAttachments}, logger),
		resolver:    auth.NewResolver(tokens),
		interactive: interactive,
	}
	a.Supervisor = supervisor.New(cfg, a.NewSession, logger)
	return a, nil
}

// NewSession builds the session for an account on its configured backend
func (a *App) NewSession(acc *config.AccountConfig) (*session.Session, error) {
	opts := session.Options{
		Account:     acc,
		Credentials: a.resolver,
		Store:       a.Store,
		Engine:      a.Engine,
		Backoff:     a.Config.Backoff,
		Logger:      a.Logger,
		Interactive: a.interactive,
		Obtain: func(ctx context.Context, acc *config.AccountConfig) error {
			_, err := a.Tokens.Obtain(ctx, acc)
			return err
		},
	}

	switch acc.Backend {
	case config.BackendGmail:
		// the token source outlives any single request
		b := gmail.New(acc, a.Store, a.Tokens.TokenSource(context.Background(), acc), a.Logger)
		opts.Backend = b
		opts.Submitter = b
	case config.BackendIMAP, "":
		pair := email.NewAccount(acc, a.Config.Timeouts, a.Logger)
		opts.Backend = pair.IMAP
		opts.Submitter = pair.SMTP
	default:
		return nil, fmt.Errorf("unknown backend %q", acc.Backend)
	}
	return session.New(opts), nil
}

// Close releases the cache
func (a *App) Close() error {
	return a.Cache.Close()
}
