package session

import (
	"time"
)

// State is a session's position in its connection lifecycle
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Ready
	Syncing
	Idle
	Error
	Reconnecting
)

// States lists every state, for metrics
var States = []State{Disconnected, Connecting, Authenticating, Ready, Syncing, Idle, Error, Reconnecting}

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Syncing:
		return "syncing"
	case Idle:
		return "idle"
	case Error:
		return "error"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Online reports whether the mailbox connection is usable in this state
func (s State) Online() bool {
	return s == Ready || s == Syncing || s == Idle
}

// Status is a point-in-time snapshot of a session
type Status struct {
	AccountID   string    `json:"account_id"`
	State       State     `json:"-"`
	StateName   string    `json:"state"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
	LastSync    time.Time `json:"last_sync,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	NextRetry   time.Time `json:"next_retry,omitempty"`
	NeedsReauth bool      `json:"needs_reauth,omitempty"`
	Unusable    bool      `json:"unusable,omitempty"`
}

// Transition is one state change, as delivered to observers
type Transition struct {
	AccountID string
	From      State
	To        State
	Err       error
	At        time.Time
}

// Observer is called synchronously on every transition. It must not call
// back into the session.
type Observer func(Transition)
