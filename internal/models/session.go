package models

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is a step of the capture lifecycle.
type SessionState string

const (
	StateIdle                 SessionState = "idle"
	StateAuthenticating       SessionState = "authenticating"
	StateIdentityVerification SessionState = "identity_verification"
	StateAuthenticated        SessionState = "authenticated"
	StateJoiningRoom          SessionState = "joining_room"
	StateInRoom               SessionState = "in_room"
	StateCapturing            SessionState = "capturing"
	StateRelaying             SessionState = "relaying"
	StateTeardown             SessionState = "teardown"
	StateClosed               SessionState = "closed"
	StateFailed               SessionState = "failed"
)

// CaptureMode selects how audio is produced.
const (
	CaptureModeAuto   = "auto"
	CaptureModeDevice = "device"
	CaptureModeGraph  = "graph"
)

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = errors.New("invalid session state transition")

var forward = map[SessionState][]SessionState{
	StateIdle:                 {StateAuthenticating},
	StateAuthenticating:       {StateIdentityVerification, StateAuthenticated},
	StateIdentityVerification: {StateAuthenticating},
	StateAuthenticated:        {StateJoiningRoom},
	StateJoiningRoom:          {StateInRoom},
	StateInRoom:               {StateCapturing},
	StateCapturing:            {StateRelaying},
	StateTeardown:             {StateClosed},
	StateFailed:               {StateTeardown},
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool { return s == StateClosed }

// Session is one end-to-end capture run for a single room. It is the only
// place lifecycle state, counters and flags live; every component receives the
// same pointer. All methods are safe for concurrent use.
type Session struct {
	mu sync.Mutex

	ID            uuid.UUID
	RoomURL       string
	RoomID        string
	CredentialRef string
	Endpoint      string
	CaptureMode   string

	state          SessionState
	verifiedOnce   bool
	startedAt      time.Time
	endedAt        *time.Time
	backupPath     string
	lastError      string
	recording      bool
	relayDegraded  bool
	chunksCaptured int64
	chunksRelayed  int64
	chunksDropped  int64
}

// NewSession returns an idle session with a fresh id.
func NewSession(roomURL, roomID, credentialRef, endpoint, mode string) *Session {
	return &Session{
		ID:            uuid.New(),
		RoomURL:       roomURL,
		RoomID:        roomID,
		CredentialRef: credentialRef,
		Endpoint:      endpoint,
		CaptureMode:   mode,
		state:         StateIdle,
		startedAt:     time.Now().UTC(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to `to`. Any non-terminal state may go to
// failed or teardown; identity verification may be entered at most once.
func (s *Session) Transition(to SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state
	if !allowed(from, to) || (to == StateIdentityVerification && s.verifiedOnce) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if to == StateIdentityVerification {
		s.verifiedOnce = true
	}
	s.state = to
	switch to {
	case StateCapturing:
		s.recording = true
	case StateTeardown:
		s.recording = false
	case StateClosed:
		now := time.Now().UTC()
		s.endedAt = &now
	}
	return nil
}

func allowed(from, to SessionState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateTeardown {
		return from != StateTeardown
	}
	if to == StateFailed {
		return from != StateFailed && from != StateTeardown
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Fail records err and moves the session to failed. A session already in
// teardown keeps its state; the error is still recorded.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()
	_ = s.Transition(StateFailed)
}

func (s *Session) SetBackupPath(p string) {
	s.mu.Lock()
	s.backupPath = p
	s.mu.Unlock()
}

// SetCaptureMode records the strategy the probe resolved "auto" to.
func (s *Session) SetCaptureMode(mode string) {
	s.mu.Lock()
	s.CaptureMode = mode
	s.mu.Unlock()
}

func (s *Session) SetRelayDegraded(v bool) {
	s.mu.Lock()
	s.relayDegraded = v
	s.mu.Unlock()
}

func (s *Session) AddCaptured(n int64) { s.add(&s.chunksCaptured, n) }
func (s *Session) AddRelayed(n int64)  { s.add(&s.chunksRelayed, n) }
func (s *Session) AddDropped(n int64)  { s.add(&s.chunksDropped, n) }

func (s *Session) add(c *int64, n int64) {
	s.mu.Lock()
	*c += n
	s.mu.Unlock()
}

// SessionSnapshot is a point-in-time copy of a Session for logging and persistence.
type SessionSnapshot struct {
	ID             uuid.UUID    `json:"id"`
	RoomURL        string       `json:"room_url"`
	RoomID         string       `json:"room_id"`
	CredentialRef  string       `json:"credential_ref"`
	Endpoint       string       `json:"endpoint,omitempty"`
	CaptureMode    string       `json:"capture_mode"`
	State          SessionState `json:"state"`
	StartedAt      time.Time    `json:"started_at"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
	BackupPath     string       `json:"backup_path,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	Recording      bool         `json:"recording"`
	RelayDegraded  bool         `json:"relay_degraded"`
	ChunksCaptured int64        `json:"chunks_captured"`
	ChunksRelayed  int64        `json:"chunks_relayed"`
	ChunksDropped  int64        `json:"chunks_dropped"`
}

// Snapshot copies the session under its lock.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		ID:             s.ID,
		RoomURL:        s.RoomURL,
		RoomID:         s.RoomID,
		CredentialRef:  s.CredentialRef,
		Endpoint:       s.Endpoint,
		CaptureMode:    s.CaptureMode,
		State:          s.state,
		StartedAt:      s.startedAt,
		EndedAt:        s.endedAt,
		BackupPath:     s.backupPath,
		LastError:      s.lastError,
		Recording:      s.recording,
		RelayDegraded:  s.relayDegraded,
		ChunksCaptured: s.chunksCaptured,
		ChunksRelayed:  s.chunksRelayed,
		ChunksDropped:  s.chunksDropped,
	}
}
