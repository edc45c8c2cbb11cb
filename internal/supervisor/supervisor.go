// Package supervisor runs one session per enabled account and schedules
// their sync passes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/metrics"
	"github.com/brandon/mailsync/internal/session"
	syncer "github.com/brandon/mailsync/internal/sync"
)

var (
	// ErrUnknownAccount is returned for account ids not in the configuration
	ErrUnknownAccount = errors.New("unknown account")
	// ErrNotRunning is returned when an operation needs a running session
	ErrNotRunning = errors.New("account is not running")
)

const defaultInterval = 5 * time.Minute

// Factory builds the session for an account
type Factory func(acc *config.AccountConfig) (*session.Session, error)

type runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *runner) active() bool { return r.ctx.Err() == nil }

// Supervisor owns the sessions. Accounts are addressed by id; nothing
// outside holds a session across calls without going through Session.
type Supervisor struct {
	cfg     *config.Config
	factory Factory
	logger  *logrus.Logger

	mu       sync.Mutex
	ctx      context.Context
	sessions map[string]*session.Session
	running  map[string]*runner
}

// New creates a supervisor for the accounts in cfg
func New(cfg *config.Config, factory Factory, logger *logrus.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		factory:  factory,
		logger:   logger,
		sessions: make(map[string]*session.Session),
		running:  make(map[string]*runner),
	}
}

// Start runs every enabled account. Sessions stop when ctx is cancelled
// or Stop is called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	var errs []error
	for i := range s.cfg.Accounts {
		acc := &s.cfg.Accounts[i]
		if !acc.Enabled {
			s.logger.WithField("account", acc.ID).Info("Account disabled, not starting")
			continue
		}
		if err := s.Enable(acc.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// session returns the account's session, creating it on first use
func (s *Supervisor) session(id string) (*session.Session, error) {
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	acc, err := s.cfg.AccountByID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	sess, err := s.factory(acc)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", id, err)
	}
	sess.Observe(record)
	s.sessions[id] = sess
	return sess, nil
}

// record publishes a transition to the session metrics
func record(t session.Transition) {
	for _, st := range session.States {
		v := 0.0
		if st == t.To {
			v = 1
		}
		metrics.SessionState.WithLabelValues(t.AccountID, st.String()).Set(v)
	}
	metrics.SessionTransitions.WithLabelValues(t.AccountID, t.To.String()).Inc()
}

// Enable starts the account's session and its schedule. It is a no-op
// for an account that is already running.
func (s *Supervisor) Enable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return errors.New("supervisor not started")
	}
	// a runner that is still shutting down must finish before the session
	// can run again
	for {
		r, ok := s.running[id]
		if !ok {
			break
		}
		if r.active() {
			return nil
		}
		s.mu.Unlock()
		<-r.done
		s.mu.Lock()
		if s.running[id] == r {
			delete(s.running, id)
		}
	}
	sess, err := s.session(id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(s.ctx)
	r := &runner{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.running[id] = r

	interval := sess.Account().Interval(s.cfg.CheckInterval)
	if interval <= 0 {
		interval = defaultInterval
	}
	log := s.logger.WithField("account", id)
	log.WithField("interval", interval.String()).Info("Starting account")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := sess.Run(ctx); err != nil {
			log.WithError(err).Error("Session stopped")
		}
	}()
	go func() {
		defer wg.Done()
		s.schedule(ctx, sess, interval, log)
	}()
	go func() {
		wg.Wait()
		close(r.done)
	}()
	return nil
}

// schedule syncs immediately and then on every tick. A pass still running
// when the next tick fires delays it; ticks are not queued.
func (s *Supervisor) schedule(ctx context.Context, sess *session.Session, interval time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := sess.Sync(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, session.ErrOffline):
			log.WithError(err).Debug("Skipping scheduled sync")
		case err != nil:
			log.WithError(err).Warn("Scheduled sync failed")
		default:
			log.WithFields(logrus.Fields{
				"folders":  len(res.Folders),
				"failed":   len(res.Failed()),
				"duration": res.Duration.String(),
			}).Debug("Scheduled sync complete")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Disable stops the account's session and schedule, leaving its cache in
// place. It waits until the session reports Disconnected.
func (s *Supervisor) Disable(id string) error {
	s.mu.Lock()
	r, ok := s.running[id]
	s.mu.Unlock()

	if !ok {
		if _, err := s.cfg.AccountByID(id); err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
		}
		return nil
	}
	r.cancel()
	<-r.done

	s.mu.Lock()
	if s.running[id] == r {
		delete(s.running, id)
	}
	s.mu.Unlock()
	s.logger.WithField("account", id).Info("Account stopped")
	return nil
}

// SyncNow runs a pass for the account and waits for it
func (s *Supervisor) SyncNow(ctx context.Context, id string) (*syncer.Result, error) {
	s.mu.Lock()
	r, running := s.running[id]
	sess := s.sessions[id]
	s.mu.Unlock()

	if !running || !r.active() || sess == nil {
		if _, err := s.cfg.AccountByID(id); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	return sess.Sync(ctx)
}

// Session returns the account's session. Sessions of disabled accounts
// can still queue local changes; they reach the server once the account
// is enabled.
func (s *Supervisor) Session(id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session(id)
}

// Running reports whether the account's session is running
func (s *Supervisor) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.running[id]
	return ok && r.active()
}

// Status returns a snapshot per configured account, in config order
func (s *Supervisor) Status() []session.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]session.Status, 0, len(s.cfg.Accounts))
	for _, acc := range s.cfg.Accounts {
		if sess, ok := s.sessions[acc.ID]; ok {
			out = append(out, sess.Status())
			continue
		}
		out = append(out, session.Status{
			AccountID: acc.ID,
			State:     session.Disconnected,
			StateName: session.Disconnected.String(),
		})
	}
	return out
}

// Stop stops every running account and waits for them
func (s *Supervisor) Stop() {
	s.mu.Lock()
	runners := make(map[string]*runner, len(s.running))
	for id, r := range s.running {
		runners[id] = r
	}
	s.mu.Unlock()

	for _, r := range runners {
		r.cancel()
	}
	for _, r := range runners {
		<-r.done
	}

	s.mu.Lock()
	for id, r := range runners {
		if s.running[id] == r {
			delete(s.running, id)
		}
	}
	s.mu.Unlock()
	s.logger.Info("All accounts stopped")
}
