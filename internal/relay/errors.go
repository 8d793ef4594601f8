package relay

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidEndpoint = errors.New("invalid relay endpoint")
	ErrDegraded        = errors.New("relay degraded: reconnect attempts exhausted")
	ErrClosed          = errors.New("relay closed")
)

// ConnectError reports a relay that could not be (re)established.
type ConnectError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("relay connect %s after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
	}
	return fmt.Sprintf("relay connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
