// Package capture produces a continuous stream of canonical PCM chunks from
// either a system audio device or an audio graph installed in the browser
// page, and fans them out to a local WAV backup and registered callbacks.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Source is one audio production strategy. Stream blocks, calling emit with
// canonical PCM, until ctx is cancelled (returning nil) or the source ends
// on its own (returning ErrSourceEnded or the failure).
type Source interface {
	Mode() string
	Stream(ctx context.Context, emit func([]byte)) error
}

// Chunk is one unit of produced audio. Seq starts at 1 and follows arrival order.
type Chunk struct {
	Data []byte
	Seq  int64
	At   time.Time
}

var (
	// ErrNoMedia means no media element became discoverable.
	ErrNoMedia = errors.New("no media discoverable")
	// ErrSourceEnded means the source stopped producing without being asked to.
	ErrSourceEnded = errors.New("audio source ended")
)

// CaptureError is returned by Start when capture cannot be armed.
type CaptureError struct {
	Mode     string
	Attempts int
	Err      error
}

func (e *CaptureError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("capture (%s): %v after %d attempts", e.Mode, e.Err, e.Attempts)
	}
	return fmt.Sprintf("capture (%s): %v", e.Mode, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }
