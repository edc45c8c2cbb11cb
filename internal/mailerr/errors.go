// Package mailerr defines the error taxonomy shared by the session, sync
// engine, backends and cache.
package mailerr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrMessageGone is returned by backends when an operation targets a UID
// that no longer exists on the server.
var ErrMessageGone = errors.New("message no longer exists on server")

// ErrStateMismatch is wrapped by AuthError when an OAuth2 callback carries
// a state parameter that was not issued by this process.
var ErrStateMismatch = errors.New("oauth2 state mismatch")

// TransportError covers connect, TLS and timeout failures. Always retried
// with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthReason distinguishes the kinds of authentication failure.
type AuthReason int

const (
	InvalidCredentials AuthReason = iota
	ReauthRequired
	TokenExchangeFailed
)

func (r AuthReason) String() string {
	switch r {
	case InvalidCredentials:
		return "invalid credentials"
	case ReauthRequired:
		return "reauthentication required"
	case TokenExchangeFailed:
		return "token exchange failed"
	default:
		return "unknown"
	}
}

// AuthError is never retried with the same credential; it is surfaced to
// the user as an actionable prompt.
type AuthError struct {
	AccountID string
	Reason    AuthReason
	Err       error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("account %s: %s: %v", e.AccountID, e.Reason, e.Err)
	}
	return fmt.Sprintf("account %s: %s", e.AccountID, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ProtocolError means the server answered with something unexpected. The
// current operation is aborted but the connection is still usable.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CacheError wraps a local storage failure.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache error during %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// ConfigError reports a malformed account or app configuration.
type ConfigError struct {
	AccountID string
	Field     string
	Msg       string
}

func (e *ConfigError) Error() string {
	if e.AccountID == "" {
		return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("config: account %s: %s: %s", e.AccountID, e.Field, e.Msg)
}

// FolderNotConfiguredError is returned when an operation addresses a
// canonical role that has no server folder.
type FolderNotConfiguredError struct {
	AccountID string
	Role      string
}

func (e *FolderNotConfiguredError) Error() string {
	return fmt.Sprintf("account %s: folder not configured for role %q", e.AccountID, e.Role)
}

// Transport wraps err as a TransportError unless it already carries a
// classification.
func Transport(op string, err error) error {
	if err == nil || isClassified(err) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// Protocol wraps err as a ProtocolError unless it already carries a
// classification.
func Protocol(op string, err error) error {
	if err == nil || isClassified(err) {
		return err
	}
	return &ProtocolError{Op: op, Err: err}
}

// Cache wraps err as a CacheError.
func Cache(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CacheError
	if errors.As(err, &ce) {
		return err
	}
	return &CacheError{Op: op, Err: err}
}

// Classify wraps an unclassified error from a network operation. Network
// level failures become TransportError, everything else ProtocolError.
func Classify(op string, err error) error {
	if err == nil || isClassified(err) {
		return err
	}
	if IsNetworkFailure(err) {
		return &TransportError{Op: op, Err: err}
	}
	return &ProtocolError{Op: op, Err: err}
}

// IsNetworkFailure reports whether err looks like a broken connection,
// timeout or TLS failure.
func IsNetworkFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection reset", "broken pipe", "connection refused", "i/o timeout", "connection closed", "use of closed network connection"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func isClassified(err error) bool {
	var (
		te *TransportError
		ae *AuthError
		pe *ProtocolError
		ce *CacheError
		cf *ConfigError
		fn *FolderNotConfiguredError
	)
	return errors.As(err, &te) || errors.As(err, &ae) || errors.As(err, &pe) ||
		errors.As(err, &ce) || errors.As(err, &cf) || errors.As(err, &fn) ||
		errors.Is(err, ErrMessageGone)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// AuthReasonOf returns the reason of the AuthError in err's chain.
func AuthReasonOf(err error) (AuthReason, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Reason, true
	}
	return 0, false
}

func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func IsCache(err error) bool {
	var ce *CacheError
	return errors.As(err, &ce)
}

func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func IsFolderNotConfigured(err error) bool {
	var fe *FolderNotConfiguredError
	return errors.As(err, &fe)
}
