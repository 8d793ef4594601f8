package driver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/locator"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/roomurl"
)

// ActiveRoom is the result of a join.
type ActiveRoom struct {
	URL           string
	ID            string
	JoinedAt      time.Time
	AlreadyJoined bool
	// AudioDetected is advisory; false does not mean the room is silent.
	AudioDetected bool
	Play          locator.Result
}

// JoinRoom navigates to roomURL and triggers playback. A room whose playback
// cannot be confirmed is still returned: the audio heuristic has false
// negatives, so the caller decides whether to proceed.
func (d *Driver) JoinRoom(ctx context.Context, sess *models.Session, roomURL string) (*ActiveRoom, error) {
	u, err := roomurl.Normalize(roomURL)
	if err != nil {
		return nil, &JoinError{Step: "normalize", URL: roomURL, Err: fmt.Errorf("%w: %w", ErrInvalidURL, err)}
	}
	if err := sess.Transition(models.StateJoiningRoom); err != nil {
		return nil, &JoinError{Step: "state", URL: u, Err: err}
	}
	logger := d.logger.With(zap.String("session_id", sess.ID.String()), zap.String("room_url", u))
	logger.Info("joining room")

	if err := d.page.Navigate(ctx, u); err != nil {
		return nil, d.joinFail(ctx, "navigate", u, fmt.Errorf("%w: %w", ErrNavigation, err))
	}

	if _, err := locator.FirstVisible(ctx, d.page, d.cfg.RoomReadySelectors, d.cfg.StepTimeout, d.cfg.PollInterval); err != nil {
		if ctx.Err() != nil {
			return nil, &JoinError{Step: "load", URL: u, Err: ctx.Err()}
		}
		logger.Warn("room content markers not found; checking page text", zap.Error(err))
	}

	if phrase, ok := d.bodyContains(ctx, d.cfg.RoomEndedPhrases); ok {
		return nil, d.joinFail(ctx, "validate", u, fmt.Errorf("%w: %q", ErrRoomEnded, phrase))
	}
	if phrase, ok := d.bodyContains(ctx, d.cfg.RoomNotFoundPhrases); ok {
		return nil, d.joinFail(ctx, "validate", u, fmt.Errorf("%w: %q", ErrRoomNotFound, phrase))
	}

	room := &ActiveRoom{URL: u, ID: roomurl.RoomID(u)}

	if sel, joined := d.anyVisible(ctx, d.cfg.JoinedSelectors); joined {
		logger.Info("already in room; skipping play step", zap.String("marker", sel))
		room.AlreadyJoined = true
		room.AudioDetected = d.CheckAudioPlaying(ctx)
	} else {
		room.Play = d.triggerPlayback(ctx)
		room.AudioDetected = room.Play.Succeeded
		if !room.Play.Succeeded {
			if ctx.Err() != nil {
				return nil, &JoinError{Step: "play", URL: u, Err: ctx.Err()}
			}
			last := room.Play.Last()
			logger.Warn("no playback signal detected; continuing",
				zap.Int("attempts", len(room.Play.Attempts)),
				zap.String("last_strategy", last.Strategy),
				zap.String("last_target", last.Target),
			)
		}
	}

	if err := sess.Transition(models.StateInRoom); err != nil {
		return nil, &JoinError{Step: "state", URL: u, Err: err}
	}
	room.JoinedAt = time.Now().UTC()
	logger.Info("in room",
		zap.String("room_id", room.ID),
		zap.Bool("already_joined", room.AlreadyJoined),
		zap.Bool("audio_detected", room.AudioDetected),
		zap.String("strategy", room.Play.Strategy),
	)
	return room, nil
}

// triggerPlayback runs the play chain. The signal fires when a media element
// starts playing, a new one appears, or a room-membership marker shows up.
func (d *Driver) triggerPlayback(ctx context.Context) locator.Result {
	before, _ := d.page.MediaState(ctx)
	return d.play.Run(ctx, d.page, func(ctx context.Context) bool {
		m, err := d.page.MediaState(ctx)
		if err == nil && (m.Playing > 0 || m.Elements > before.Elements) {
			return true
		}
		_, joined := d.anyVisible(ctx, d.cfg.JoinedSelectors)
		return joined
	})
}

// Replay re-runs the play chain; used between media-discovery retries.
func (d *Driver) Replay(ctx context.Context) bool {
	res := d.triggerPlayback(ctx)
	return res.Succeeded || d.CheckAudioPlaying(ctx)
}

// CheckAudioPlaying is an advisory multi-signal heuristic. It returns true on
// the first positive signal.
func (d *Driver) CheckAudioPlaying(ctx context.Context) bool {
	return d.AudioSignal(ctx) != ""
}

// AudioSignal names the first positive playback signal, or "" if none.
func (d *Driver) AudioSignal(ctx context.Context) string {
	if m, err := d.page.MediaState(ctx); err == nil && m.Playing > 0 {
		return "media"
	}
	checks := []struct {
		name      string
		selectors []string
	}{
		{"pause-control", d.cfg.PauseSelectors},
		{"visualizer", d.cfg.VisualizerSelectors},
		{"speaker", d.cfg.SpeakerSelectors},
		{"membership", d.cfg.MembershipSelectors},
	}
	for _, c := range checks {
		if _, ok := d.anyVisible(ctx, c.selectors); ok {
			return c.name
		}
	}
	if _, ok := d.bodyContains(ctx, d.cfg.MembershipPhrases); ok {
		return "membership"
	}
	return ""
}

// MediaPresent reports whether the page has any audio/video element.
func (d *Driver) MediaPresent(ctx context.Context) bool {
	m, err := d.page.MediaState(ctx)
	return err == nil && m.Elements > 0
}

func (d *Driver) joinFail(ctx context.Context, step, u string, err error) error {
	je := &JoinError{Step: step, URL: u, Err: err}
	je.Snapshot = d.snapshot(ctx, "join", step)
	d.logger.Error("join failed",
		zap.String("step", step),
		zap.String("room_url", u),
		zap.String("snapshot", je.Snapshot),
		zap.Error(err),
	)
	return je
}
