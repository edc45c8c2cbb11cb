// Package session drives one account's mailbox connection through its
// lifecycle: connect, authenticate, sync on request, and reconnect with
// backoff when the transport fails.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/auth"
	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/folders"
	"github.com/brandon/mailsync/internal/mailerr"
	syncer "github.com/brandon/mailsync/internal/sync"
	"github.com/brandon/mailsync/pkg/types"
)

// ErrOffline is returned for mailbox requests made while the session has
// no usable connection.
var ErrOffline = errors.New("account is offline")

// Credentials resolves the credential for one of an account's servers and
// forgets OAuth2 tokens the server rejected. *auth.Resolver implements it.
type Credentials interface {
	Credential(ctx context.Context, acc *config.AccountConfig, server config.ServerConfig) (auth.Credential, error)
	Invalidate(ctx context.Context, acc *config.AccountConfig) error
}

// ObtainFunc runs the interactive OAuth2 authorization for acc
type ObtainFunc func(ctx context.Context, acc *config.AccountConfig) error

// Options configures a Session
type Options struct {
	Account     *config.AccountConfig
	Backend     backend.Backend
	Submitter   backend.Submitter
	Credentials Credentials
	Store       *cache.Store
	Engine      *syncer.Engine
	Backoff     config.Backoff
	Logger      *logrus.Logger

	// Interactive lets a missing or revoked grant start Obtain directly
	// instead of waiting for Reauthenticate.
	Interactive bool
	Obtain      ObtainFunc
}

type request struct {
	op   string
	run  func(ctx context.Context) error
	done chan error
}

// Session owns an account's backend. Run drives the connection; every
// other method is safe to call from any goroutine. Requests that need the
// mailbox are executed on the Run goroutine one at a time.
type Session struct {
	acc         *config.AccountConfig
	backend     backend.Backend
	submitter   backend.Submitter
	creds       Credentials
	store       *cache.Store
	engine      *syncer.Engine
	interactive bool
	obtain      ObtainFunc
	logger      *logrus.Entry

	bo       *backoff
	requests chan *request
	kick     chan struct{}
	reauth   chan struct{}

	mu        sync.RWMutex
	status    Status
	norm      *folders.Normalizer
	observers []Observer
}

// New creates a session in the Disconnected state
func New(opts Options) *Session {
	s := &Session{
		acc:         opts.Account,
		backend:     opts.Backend,
		submitter:   opts.Submitter,
		creds:       opts.Credentials,
		store:       opts.Store,
		engine:      opts.Engine,
		interactive: opts.Interactive,
		obtain:      opts.Obtain,
		logger:      opts.Logger.WithField("account", opts.Account.ID),
		bo:          newBackoff(opts.Backoff.Min, opts.Backoff.Max),
		requests:    make(chan *request),
		kick:        make(chan struct{}, 1),
		reauth:      make(chan struct{}, 1),
	}
	s.status = Status{AccountID: opts.Account.ID, State: Disconnected, StateName: Disconnected.String()}
	return s
}

// AccountID returns the account the session serves
func (s *Session) AccountID() string { return s.acc.ID }

// Account returns the account configuration
func (s *Session) Account() *config.AccountConfig { return s.acc }

// Observe registers fn for every subsequent transition
func (s *Session) Observe(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Status returns a snapshot of the session
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) setState(to State, cause error) {
	s.mu.Lock()
	from := s.status.State
	now := time.Now()
	s.status.State = to
	s.status.StateName = to.String()
	if cause != nil {
		s.status.LastError = cause.Error()
		s.status.LastErrorAt = now
	}
	if to == Ready {
		s.status.Attempt = 0
		s.status.NextRetry = time.Time{}
	}
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	if from == to {
		return
	}
	entry := s.logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Debug("Session state changed")

	t := Transition{AccountID: s.acc.ID, From: from, To: to, Err: cause, At: now}
	for _, fn := range observers {
		fn(t)
	}
}

func (s *Session) update(fn func(*Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status)
}

// Run connects and serves requests until ctx is cancelled. Transport
// failures reconnect with backoff. Auth failures wait for Reauthenticate.
// An invalid account configuration parks the session in Error and Run
// returns the ConfigError once ctx is done.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(Disconnected, nil)

	if err := s.prepare(); err != nil {
		s.logger.WithError(err).Error("Account configuration is unusable")
		s.update(func(st *Status) { st.Unusable = true })
		s.setState(Error, err)
		s.wait(ctx, nil, nil, err)
		return err
	}

	for {
		err := s.connect(ctx)
		if err == nil {
			s.bo.Reset()
			err = s.serve(ctx)
		}
		s.closeBackend()
		if ctx.Err() != nil {
			return nil
		}

		switch {
		case mailerr.IsConfig(err):
			s.logger.WithError(err).Error("Account configuration is unusable")
			s.update(func(st *Status) { st.Unusable = true })
			s.setState(Error, err)
			s.wait(ctx, nil, nil, err)
			return err

		case mailerr.IsAuth(err):
			if !s.awaitReauth(ctx, err) {
				return nil
			}

		default:
			s.setState(Error, err)
			delay := s.bo.Next()
			attempt := s.bo.Attempt()
			s.update(func(st *Status) {
				st.Attempt = attempt
				st.NextRetry = time.Now().Add(delay)
			})
			s.setState(Reconnecting, nil)
			s.logger.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Warn("Connection failed, reconnecting")

			timer := time.NewTimer(delay)
			ok := s.wait(ctx, timer.C, nil, err)
			timer.Stop()
			if !ok {
				return nil
			}
		}
	}
}

func (s *Session) prepare() error {
	if err := s.acc.Validate(); err != nil {
		return err
	}
	norm, err := folders.New(s.acc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.norm == nil {
		s.norm = norm
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	s.setState(Connecting, nil)
	if err := s.backend.Connect(ctx); err != nil {
		return err
	}

	s.setState(Authenticating, nil)
	cred, err := s.creds.Credential(ctx, s.acc, s.acc.IMAP)
	if err != nil {
		return err
	}
	if err := s.backend.Authenticate(ctx, cred); err != nil {
		var ae *mailerr.AuthError
		if errors.As(err, &ae) && ae.AccountID == "" {
			ae.AccountID = s.acc.ID
		}
		return err
	}

	s.update(func(st *Status) { st.NeedsReauth = false })
	s.setState(Ready, nil)
	s.logger.Info("Session ready")
	// ops queued while offline go out as soon as the connection is back
	s.Trigger()
	return nil
}

func (s *Session) closeBackend() {
	if err := s.backend.Close(); err != nil {
		s.logger.WithError(err).Debug("Failed to close backend")
	}
}

// serve executes requests until ctx is done or one of them breaks the
// connection or the credential.
func (s *Session) serve(ctx context.Context) error {
	s.setState(Idle, nil)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-s.requests:
			err := req.run(ctx)
			req.done <- err
			if lost(err) {
				return err
			}
			if s.Status().State != Idle {
				s.setState(Idle, nil)
			}

		case <-s.kick:
			if err := s.replay(ctx); lost(err) {
				return err
			}
		}
	}
}

// lost reports whether err means the connection or its credential can no
// longer be used.
func lost(err error) bool {
	return mailerr.IsTransport(err) || mailerr.IsAuth(err) || mailerr.IsConfig(err)
}

// wait blocks until timer fires, reauth is signalled or ctx is done,
// answering requests with cause meanwhile. It returns false when ctx is
// done. Nil channels never fire.
func (s *Session) wait(ctx context.Context, timer <-chan time.Time, reauth <-chan struct{}, cause error) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer:
			return true
		case <-reauth:
			return true
		case req := <-s.requests:
			req.done <- s.offline(req.op, cause)
		case <-s.kick:
			// replayed on the next connection
		}
	}
}

func (s *Session) offline(op string, cause error) error {
	if cause == nil {
		return mailerr.Transport(op, ErrOffline)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrOffline, cause)
}

// awaitReauth parks the session after an auth failure until
// Reauthenticate is called. OAuth2 tokens are invalidated so the next
// attempt does not reuse the rejected token.
func (s *Session) awaitReauth(ctx context.Context, err error) bool {
	if s.acc.UsesOAuth2() {
		if ierr := s.creds.Invalidate(ctx, s.acc); ierr != nil {
			s.logger.WithError(ierr).Warn("Failed to invalidate token")
		}
	}
	s.update(func(st *Status) { st.NeedsReauth = true })
	s.setState(Error, err)

	if reason, _ := mailerr.AuthReasonOf(err); s.interactive && s.obtain != nil && reason == mailerr.ReauthRequired {
		s.logger.Info("Authorization required, starting interactive flow")
		oerr := s.obtain(ctx, s.acc)
		if oerr == nil {
			return true
		}
		s.logger.WithError(oerr).Error("Interactive authorization failed")
	}

	s.logger.WithError(err).Error("Authentication failed, waiting for reauthentication")
	return s.wait(ctx, nil, s.reauth, err)
}

// Reauthenticate resumes a session parked on an auth failure. For OAuth2
// accounts with an Obtain func whose grant is gone, the authorization flow
// runs first.
func (s *Session) Reauthenticate(ctx context.Context) error {
	st := s.Status()
	if s.acc.UsesOAuth2() && s.obtain != nil && st.NeedsReauth {
		if err := s.obtain(ctx, s.acc); err != nil {
			return err
		}
	}
	s.update(func(st *Status) { st.NeedsReauth = false })
	select {
	case s.reauth <- struct{}{}:
	default:
	}
	return nil
}

// do runs fn on the Run goroutine and waits for its result
func (s *Session) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	req := &request{op: op, run: fn, done: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return mailerr.Transport(op, ctx.Err())
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return mailerr.Transport(op, ctx.Err())
	}
}

// Sync runs one account pass: queued operations are replayed, folders
// discovered and each folder reconciled. Passes never overlap.
func (s *Session) Sync(ctx context.Context) (*syncer.Result, error) {
	var res *syncer.Result
	err := s.do(ctx, "sync", func(ctx context.Context) error {
		s.setState(Syncing, nil)
		r, err := s.engine.SyncAccount(ctx, s.backend, s.acc.ID, s.normalizer(), s.send)
		res = r
		if r != nil && r.Normalizer != nil {
			s.mu.Lock()
			s.norm = r.Normalizer
			s.mu.Unlock()
		}
		if err != nil {
			s.update(func(st *Status) {
				st.LastError = err.Error()
				st.LastErrorAt = time.Now()
			})
			return err
		}

		s.update(func(st *Status) { st.LastSync = r.Started })
		if failed := r.Failed(); len(failed) > 0 {
			s.update(func(st *Status) {
				st.LastError = failed[0].Err.Error()
				st.LastErrorAt = time.Now()
			})
		}
		return nil
	})
	return res, err
}

// Trigger requests a replay of queued operations without waiting. It is a
// no-op when a replay is already pending.
func (s *Session) Trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Session) replay(ctx context.Context) error {
	res, err := s.engine.Replay(ctx, s.backend, s.acc.ID, s.send)
	if err != nil {
		s.logger.WithError(err).WithField("pending", res.Pending).Warn("Replay stopped")
		return err
	}
	if res.Replayed+res.Dropped > 0 {
		s.logger.WithFields(logrus.Fields{
			"replayed": res.Replayed,
			"dropped":  res.Dropped,
		}).Info("Replayed queued operations")
	}
	return nil
}

func (s *Session) normalizer() *folders.Normalizer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.norm
}

// Normalizer returns the folder normalizer, resolved against the server's
// listing once a sync has run. It is nil before Run validated the account.
func (s *Session) Normalizer() *folders.Normalizer {
	return s.normalizer()
}

// Folder returns the cached folder for a server name or local name
func (s *Session) Folder(ctx context.Context, name string) (*types.Folder, error) {
	f, err := s.store.GetFolder(ctx, s.acc.ID, name)
	if err == nil || !errors.Is(err, cache.ErrNotFound) {
		return f, err
	}
	list, lerr := s.store.ListFolders(ctx, s.acc.ID)
	if lerr != nil {
		return nil, lerr
	}
	for i := range list {
		if list[i].LocalName == name {
			return &list[i], nil
		}
	}
	return nil, err
}
