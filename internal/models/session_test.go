package models

import (
	"errors"
	"testing"
)

func TestSessionHappyPath(t *testing.T) {
	s := NewSession("https://twitter.com/i/spaces/1", "1", "env", "ws://sink", CaptureModeGraph)
	steps := []SessionState{
		StateAuthenticating, StateIdentityVerification, StateAuthenticating,
		StateAuthenticated, StateJoiningRoom, StateInRoom, StateCapturing,
		StateRelaying, StateTeardown, StateClosed,
	}
	for _, to := range steps {
		if err := s.Transition(to); err != nil {
			t.Fatalf("Transition(%s): %v", to, err)
		}
		if to == StateCapturing && !s.Snapshot().Recording {
			t.Error("recording flag not set on capturing")
		}
	}
	snap := s.Snapshot()
	if snap.State != StateClosed || snap.EndedAt == nil || snap.Recording {
		t.Fatalf("final snapshot = %+v", snap)
	}
	if err := s.Transition(StateTeardown); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("closed -> teardown err = %v", err)
	}
}

func TestSessionVerificationOnlyOnce(t *testing.T) {
	s := NewSession("u", "1", "env", "", CaptureModeDevice)
	for _, to := range []SessionState{StateAuthenticating, StateIdentityVerification, StateAuthenticating} {
		if err := s.Transition(to); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Transition(StateIdentityVerification); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second verification err = %v", err)
	}
}

func TestSessionFailedOnlyToTeardown(t *testing.T) {
	s := NewSession("u", "1", "env", "", CaptureModeDevice)
	_ = s.Transition(StateAuthenticating)
	s.Fail(errors.New("boom"))
	if s.State() != StateFailed {
		t.Fatalf("state = %s", s.State())
	}
	if s.Snapshot().LastError != "boom" {
		t.Errorf("last error = %q", s.Snapshot().LastError)
	}
	for _, to := range []SessionState{StateAuthenticated, StateClosed, StateFailed} {
		if err := s.Transition(to); err == nil {
			t.Errorf("failed -> %s allowed", to)
		}
	}
	if err := s.Transition(StateTeardown); err != nil {
		t.Fatalf("failed -> teardown: %v", err)
	}
}

func TestSessionSkippingStepsRejected(t *testing.T) {
	s := NewSession("u", "1", "env", "", CaptureModeDevice)
	if err := s.Transition(StateInRoom); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("idle -> in_room err = %v", err)
	}
	if err := s.Transition(StateTeardown); err != nil {
		t.Fatalf("idle -> teardown: %v", err)
	}
}

func TestSessionCounters(t *testing.T) {
	s := NewSession("u", "1", "env", "", CaptureModeDevice)
	s.AddCaptured(3)
	s.AddRelayed(2)
	s.AddDropped(1)
	s.SetRelayDegraded(true)
	snap := s.Snapshot()
	if snap.ChunksCaptured != 3 || snap.ChunksRelayed != 2 || snap.ChunksDropped != 1 || !snap.RelayDegraded {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRoomValid(t *testing.T) {
	if (Room{}).Valid() {
		t.Error("empty room valid")
	}
	if !(Room{URL: "https://twitter.com/i/spaces/1"}).Valid() {
		t.Error("room with url invalid")
	}
}
