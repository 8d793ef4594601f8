package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/audio"
)

const defaultStopTimeout = 10 * time.Second

// DeviceSource records from the system audio server through an external
// recorder process that writes raw PCM to stdout.
type DeviceSource struct {
	Command     string
	Args        []string
	Format      audio.Format
	ChunkMillis int
	// LogPath receives the recorder's stderr; empty discards it.
	LogPath     string
	StopTimeout time.Duration
	logger      *zap.Logger
}

// NewDeviceSource returns a source for recorder ("ffmpeg" or "parec")
// reading from device.
func NewDeviceSource(recorder, device string, format audio.Format, logPath string, logger *zap.Logger) *DeviceSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	var args []string
	if recorder == "parec" {
		args = ParecArgs(device, format)
	} else {
		recorder = "ffmpeg"
		args = FFmpegArgs(device, format)
	}
	return &DeviceSource{
		Command:     recorder,
		Args:        args,
		Format:      format,
		ChunkMillis: 100,
		LogPath:     logPath,
		StopTimeout: defaultStopTimeout,
		logger:      logger.Named("capture.device"),
	}
}

// FFmpegArgs records device from PulseAudio as raw little-endian PCM on stdout.
func FFmpegArgs(device string, f audio.Format) []string {
	if device == "" {
		device = "default"
	}
	return []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", "pulse",
		"-i", device,
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-",
	}
}

// ParecArgs records device with parec.
func ParecArgs(device string, f audio.Format) []string {
	args := []string{
		"--format=s16le",
		"--rate=" + strconv.Itoa(f.SampleRate),
		"--channels=" + strconv.Itoa(f.Channels),
		"--raw",
	}
	if device != "" && device != "default" {
		args = append(args, "--device="+device)
	}
	return args
}

func (s *DeviceSource) Mode() string { return "device" }

func (s *DeviceSource) Stream(ctx context.Context, emit func([]byte)) error {
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	cmd := exec.Command(s.Command, s.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("recorder stdout: %w", err)
	}
	if s.LogPath != "" {
		if logFile, err := os.Create(s.LogPath); err == nil {
			cmd.Stderr = logFile
			defer logFile.Close()
		}
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.Command, err)
	}
	s.logger.Info("recorder started", zap.String("command", s.Command), zap.Int("pid", cmd.Process.Pid))

	readDone := make(chan error, 1)
	go func() { readDone <- s.pump(stdout, emit) }()

	select {
	case <-ctx.Done():
		s.stop(cmd, readDone)
		return nil
	case rerr := <-readDone:
		werr := cmd.Wait()
		if ctx.Err() != nil {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read %s output: %w", s.Command, rerr)
		}
		if werr != nil {
			return fmt.Errorf("%w: %s exited: %w", ErrSourceEnded, s.Command, werr)
		}
		return ErrSourceEnded
	}
}

// stop interrupts the recorder so it flushes, then kills it if it lingers.
func (s *DeviceSource) stop(cmd *exec.Cmd, readDone <-chan error) {
	timeout := s.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	_ = cmd.Process.Signal(os.Interrupt)
	kill := time.AfterFunc(timeout, func() {
		s.logger.Warn("recorder did not exit after interrupt; killing", zap.Int("pid", cmd.Process.Pid))
		_ = cmd.Process.Kill()
	})
	defer kill.Stop()
	<-readDone
	_ = cmd.Wait()
	s.logger.Info("recorder stopped", zap.String("command", s.Command))
}

// pump reads fixed-size chunks until EOF. A trailing partial chunk is
// emitted trimmed to whole frames.
func (s *DeviceSource) pump(r io.Reader, emit func([]byte)) error {
	ms := s.ChunkMillis
	if ms <= 0 {
		ms = 100
	}
	size := s.Format.ChunkBytes(ms)
	if size <= 0 {
		size = 3200
	}
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if align := s.Format.BlockAlign(); align > 0 {
				n -= n % align
			}
			if n > 0 {
				emit(buf[:n])
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
