package driver

import (
	"errors"
	"fmt"
)

var (
	ErrMissingCredentials   = errors.New("credentials missing from configuration")
	ErrSelectorTimeout      = errors.New("no selector candidate resolved in time")
	ErrVerificationRequired = errors.New("identity verification requested but no verification identifier configured")
	ErrRejected             = errors.New("login rejected")
	ErrNoSuccessSignal      = errors.New("no post-login signal observed")

	ErrInvalidURL   = errors.New("invalid room url")
	ErrNavigation   = errors.New("navigation failed")
	ErrRoomEnded    = errors.New("room has ended")
	ErrRoomNotFound = errors.New("room not found")
)

// AuthError reports a login step that could not complete. Selector is the
// last candidate (or candidate list) attempted; Snapshot is the diagnostic
// artifact captured at the time of failure, if any.
type AuthError struct {
	Step     string
	Selector string
	Snapshot string
	Err      error
}

func (e *AuthError) Error() string {
	msg := "authenticate: " + e.Step
	if e.Selector != "" {
		msg += fmt.Sprintf(" (selector %s)", e.Selector)
	}
	return msg + ": " + e.Err.Error()
}

func (e *AuthError) Unwrap() error { return e.Err }

// JoinError reports a room that could not be joined.
type JoinError struct {
	Step     string
	URL      string
	Snapshot string
	Err      error
}

func (e *JoinError) Error() string {
	msg := "join room: " + e.Step
	if e.URL != "" {
		msg += " " + e.URL
	}
	return msg + ": " + e.Err.Error()
}

func (e *JoinError) Unwrap() error { return e.Err }

// DiagnosticPath returns the snapshot recorded on an AuthError or JoinError in err's chain.
func DiagnosticPath(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Snapshot
	}
	var je *JoinError
	if errors.As(err, &je) {
		return je.Snapshot
	}
	return ""
}
