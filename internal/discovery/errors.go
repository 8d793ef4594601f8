package discovery

import (
	"errors"
	"fmt"
)

var (
	// ErrNoListing means no listing container appeared on the page.
	ErrNoListing = errors.New("no listing container found")
	// ErrNoRooms means the listing held no room with a resolvable URL.
	ErrNoRooms = errors.New("no active rooms")
	ErrFetch   = errors.New("fetch listing")
)

// DiscoveryError is returned by Discover and MostPopular. Callers treat it as
// an empty result rather than a fatal condition.
type DiscoveryError struct {
	URL string
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover rooms at %s: %v", e.URL, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }
