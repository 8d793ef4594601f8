// Package recorder writes relayed sessions to disk on the sink side. Audio is
// appended to a raw PCM file while the session is live and converted to WAV
// with ffmpeg when it ends; if ffmpeg is unavailable or fails the WAV is
// written in-process.
package recorder

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/audio"
)

const defaultConvertTimeout = 2 * time.Minute

// Session is an active recording for one relay session.
type Session struct {
	sessionID string
	format    audio.Format
	rawPath   string
	wavPath   string
	raw       *os.File
	bytes     int64
	startedAt time.Time
	mu        sync.Mutex
}

// Service starts and stops recordings keyed by relay session id.
type Service struct {
	outputDir string
	log       *zap.Logger

	// FFmpegPath is the converter binary; empty means "ffmpeg" on PATH.
	FFmpegPath     string
	ConvertTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewService creates a recording service writing under outputDir.
func NewService(outputDir string, log *zap.Logger) *Service {
	if outputDir == "" {
		outputDir = os.TempDir()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		outputDir:      outputDir,
		log:            log.Named("recorder"),
		ConvertTimeout: defaultConvertTimeout,
		sessions:       make(map[string]*Session),
	}
}

// StartRecording opens the raw file for sessionID and returns the path the
// final WAV will have. A session that is already recording keeps its file,
// so a producer that reconnects resumes the same recording.
func (svc *Service) StartRecording(sessionID string, format audio.Format) (string, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if s, ok := svc.sessions[sessionID]; ok {
		return s.wavPath, nil
	}

	name := safeName(sessionID)
	if err := os.MkdirAll(svc.outputDir, 0o750); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	s := &Session{
		sessionID: sessionID,
		format:    format,
		rawPath:   filepath.Join(svc.outputDir, name+".pcm"),
		wavPath:   filepath.Join(svc.outputDir, name+".wav"),
		startedAt: time.Now(),
	}
	f, err := os.OpenFile(s.rawPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return "", fmt.Errorf("open raw recording: %w", err)
	}
	s.raw = f
	svc.sessions[sessionID] = s

	svc.log.Info("recording started", zap.String("session_id", sessionID), zap.String("output", s.wavPath))
	return s.wavPath, nil
}

// Write appends PCM to the session's recording.
func (svc *Service) Write(sessionID string, pcm []byte) error {
	svc.mu.Lock()
	s, ok := svc.sessions[sessionID]
	svc.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active recording for session %s", sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw == nil {
		return os.ErrClosed
	}
	n, err := s.raw.Write(pcm)
	s.bytes += int64(n)
	return err
}

// StopRecording closes the raw file, converts it to WAV and returns the WAV path.
func (svc *Service) StopRecording(sessionID string) (string, error) {
	svc.mu.Lock()
	s, ok := svc.sessions[sessionID]
	if !ok {
		svc.mu.Unlock()
		return "", fmt.Errorf("no active recording for session %s", sessionID)
	}
	delete(svc.sessions, sessionID)
	svc.mu.Unlock()

	s.mu.Lock()
	raw := s.raw
	s.raw = nil
	size := s.bytes
	s.mu.Unlock()
	if raw != nil {
		if err := raw.Close(); err != nil {
			return "", fmt.Errorf("close raw recording: %w", err)
		}
	}

	if err := svc.convert(s); err != nil {
		svc.log.Warn("ffmpeg conversion failed; writing wav in-process", zap.String("session_id", sessionID), zap.Error(err))
		if err := wrapRaw(s.rawPath, s.wavPath, s.format); err != nil {
			return "", err
		}
	}
	_ = os.Remove(s.rawPath)

	svc.log.Info("recording stopped",
		zap.String("session_id", sessionID),
		zap.String("output", s.wavPath),
		zap.Int64("bytes", size),
		zap.Duration("duration", time.Since(s.startedAt).Round(time.Second)),
	)
	return s.wavPath, nil
}

// HasActiveRecording returns whether the session is currently recording.
func (svc *Service) HasActiveRecording(sessionID string) bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	_, ok := svc.sessions[sessionID]
	return ok
}

// StopAll finalizes every open recording, used on shutdown.
func (svc *Service) StopAll() {
	svc.mu.Lock()
	ids := make([]string, 0, len(svc.sessions))
	for id := range svc.sessions {
		ids = append(ids, id)
	}
	svc.mu.Unlock()
	for _, id := range ids {
		if _, err := svc.StopRecording(id); err != nil {
			svc.log.Warn("stop recording failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// convert runs ffmpeg over the raw file. On timeout ffmpeg gets an interrupt
// and is killed 10s later.
func (svc *Service) convert(s *Session) error {
	bin := svc.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return err
	}
	timeout := svc.ConvertTimeout
	if timeout <= 0 {
		timeout = defaultConvertTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, FFmpegArgs(s.rawPath, s.wavPath, s.format)...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 10 * time.Second
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// FFmpegArgs converts raw PCM in format to a WAV file.
func FFmpegArgs(rawPath, wavPath string, f audio.Format) []string {
	sampleFmt := "s16le"
	if f.BitsPerSample == 8 {
		sampleFmt = "u8"
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", sampleFmt,
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"-i", rawPath,
		"-y",
		wavPath,
	}
}

// wrapRaw writes a WAV header followed by the raw PCM.
func wrapRaw(rawPath, wavPath string, format audio.Format) error {
	in, err := os.Open(rawPath)
	if err != nil {
		return fmt.Errorf("open raw recording: %w", err)
	}
	defer in.Close()
	w, err := audio.CreateWAV(wavPath, format)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		return fmt.Errorf("copy pcm: %w", err)
	}
	return w.Close()
}

func safeName(id string) string {
	id = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
	if id == "" {
		return "session"
	}
	return id
}
