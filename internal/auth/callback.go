package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/brandon/mailsync/internal/mailerr"
)

type callbackResult struct {
	code string
	err  error
}

// callback is a one-shot HTTP listener for the provider redirect
type callback struct {
	ln       net.Listener
	srv      *http.Server
	redirect *url.URL
	state    string
	results  chan callbackResult
}

// listenCallback listens on the host and port of redirectURI. Port 0 picks
// a free port; RedirectURL then reports the bound address.
func listenCallback(redirectURI string) (*callback, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect uri: %w", err)
	}
	if u.Path == "" {
		u.Path = "/"
	}

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}
	if u.Port() == "0" {
		u.Host = ln.Addr().String()
	}

	cb := &callback{
		ln:       ln,
		redirect: u,
		state:    uuid.NewString(),
		results:  make(chan callbackResult, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(u.Path, cb.handle)
	cb.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := cb.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cb.deliver(callbackResult{err: mailerr.Transport("serve callback", err)})
		}
	}()
	return cb, nil
}

func (cb *callback) RedirectURL() string { return cb.redirect.String() }
func (cb *callback) State() string       { return cb.state }

func (cb *callback) deliver(r callbackResult) {
	select {
	case cb.results <- r:
	default:
	}
}

func (cb *callback) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("state") != cb.state {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		cb.deliver(callbackResult{err: &mailerr.AuthError{Reason: mailerr.TokenExchangeFailed, Err: mailerr.ErrStateMismatch}})
		return
	}
	if e := q.Get("error"); e != "" {
		http.Error(w, "authorization failed: "+e, http.StatusBadRequest)
		cb.deliver(callbackResult{err: &mailerr.AuthError{Reason: mailerr.InvalidCredentials, Err: fmt.Errorf("provider returned %s", e)}})
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		cb.deliver(callbackResult{err: &mailerr.AuthError{Reason: mailerr.TokenExchangeFailed, Err: errors.New("callback without code")}})
		return
	}

	fmt.Fprintln(w, "Authorization complete. You can close this window.")
	cb.deliver(callbackResult{code: code})
}

// Wait blocks until the redirect arrives or ctx ends
func (cb *callback) Wait(ctx context.Context) (string, error) {
	select {
	case r := <-cb.results:
		return r.code, r.err
	case <-ctx.Done():
		return "", mailerr.Transport("wait for callback", ctx.Err())
	}
}

// Close stops the listener
func (cb *callback) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return cb.srv.Shutdown(ctx)
}
