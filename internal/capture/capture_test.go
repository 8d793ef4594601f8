package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/audio"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/browser/browsertest"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
)

// funcSource adapts a function to Source.
type funcSource func(ctx context.Context, emit func([]byte)) error

func (funcSource) Mode() string { return "test" }

func (f funcSource) Stream(ctx context.Context, emit func([]byte)) error { return f(ctx, emit) }

func chunkOf(v byte) []byte {
	b := make([]byte, 3200)
	for i := range b {
		b[i] = v
	}
	return b
}

func backupPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "backup.wav")
}

func TestRingDropsOldest(t *testing.T) {
	r := newRing(3)
	for i := int64(1); i <= 5; i++ {
		r.push(Chunk{Seq: i})
	}
	items, closed := r.drain()
	if closed {
		t.Fatal("ring reported closed")
	}
	if len(items) != 3 || items[0].Seq != 3 || items[2].Seq != 5 {
		t.Fatalf("items = %+v", items)
	}
	if r.droppedCount() != 2 {
		t.Errorf("dropped = %d", r.droppedCount())
	}
	r.close()
	if ok, _ := r.push(Chunk{Seq: 6}); ok {
		t.Error("push after close accepted")
	}
}

func TestStartDeliversAndWritesBackup(t *testing.T) {
	src := funcSource(func(ctx context.Context, emit func([]byte)) error {
		for i := 0; i < 5; i++ {
			emit(chunkOf(byte(i)))
		}
		return nil
	})
	sess := models.NewSession("u", "1", "env", "", models.CaptureModeGraph)
	h, err := Start(context.Background(), src, Options{BackupPath: backupPath(t), Session: sess})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var seqs []int64
	h.OnChunk(func(c Chunk) error {
		mu.Lock()
		seqs = append(seqs, c.Seq)
		mu.Unlock()
		return nil
	})

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("source never finished")
	}
	if !errors.Is(h.Err(), ErrSourceEnded) {
		t.Errorf("Err = %v", h.Err())
	}

	path, err := h.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(data[40:44]); got != 5*3200 {
		t.Errorf("wav data size = %d", got)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("out of order: %v", seqs)
		}
	}
	if snap := sess.Snapshot(); snap.ChunksCaptured != 5 {
		t.Errorf("session captured = %d", snap.ChunksCaptured)
	}

	again, err2 := h.Stop()
	if again != path || err2 != nil {
		t.Errorf("second Stop = %q, %v", again, err2)
	}
}

func TestCallbackFailuresDoNotStopProduction(t *testing.T) {
	const total = 20
	gate := make(chan struct{})
	src := funcSource(func(ctx context.Context, emit func([]byte)) error {
		<-gate
		for i := 0; i < total; i++ {
			emit(chunkOf(1))
		}
		<-ctx.Done()
		return nil
	})
	h, err := Start(context.Background(), src, Options{BackupPath: backupPath(t)})
	if err != nil {
		t.Fatal(err)
	}
	var good atomic.Int64
	h.OnChunk(func(Chunk) error { return errors.New("relay down") })
	h.OnChunk(func(c Chunk) error {
		if c.Seq%2 == 0 {
			panic("boom")
		}
		return nil
	})
	h.OnChunk(func(Chunk) error { good.Add(1); return nil })
	close(gate)

	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().Delivered < total && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := h.Stop(); err != nil {
		t.Fatal(err)
	}
	st := h.Stats()
	if st.Delivered != total {
		t.Fatalf("delivered = %d, want %d", st.Delivered, total)
	}
	// every chunk fails the first callback; even chunks also panic the second
	if good.Load() != total || st.CallbackErrors != total+total/2 {
		t.Errorf("good = %d, callback errors = %d", good.Load(), st.CallbackErrors)
	}
	if h.Err() != nil {
		t.Errorf("deliberate stop reported %v", h.Err())
	}
}

func TestBackpressureDropsOldest(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	release := make(chan struct{})
	src := funcSource(func(ctx context.Context, emit func([]byte)) error {
		<-gate
		emit(chunkOf(0))
		<-started
		for i := 0; i < 299; i++ {
			emit(chunkOf(1))
		}
		close(release)
		<-ctx.Done()
		return nil
	})
	h, err := Start(context.Background(), src, Options{BackupPath: backupPath(t), QueueDepth: 100})
	if err != nil {
		t.Fatal(err)
	}
	var once sync.Once
	h.OnChunk(func(c Chunk) error {
		once.Do(func() {
			close(started)
			<-release
		})
		return nil
	})
	close(gate)

	<-release
	if _, err := h.Stop(); err != nil {
		t.Fatal(err)
	}
	st := h.Stats()
	if st.Produced != 300 {
		t.Fatalf("produced = %d", st.Produced)
	}
	if st.Dropped != 199 || st.Delivered != 101 {
		t.Fatalf("dropped = %d delivered = %d, want 199 and 101", st.Dropped, st.Delivered)
	}
}

func TestVerificationRetriesWithNudge(t *testing.T) {
	var verifies, nudges int
	opts := Options{
		BackupPath: backupPath(t),
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		Verify: func(context.Context) bool {
			verifies++
			return verifies == 3
		},
		Nudge: func(context.Context) bool { nudges++; return false },
	}
	idle := funcSource(func(ctx context.Context, _ func([]byte)) error { <-ctx.Done(); return nil })

	h, err := Start(context.Background(), idle, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Stop()
	if verifies != 3 || nudges != 2 {
		t.Errorf("verifies = %d nudges = %d", verifies, nudges)
	}

	verifies, nudges = 0, 0
	opts.Verify = func(context.Context) bool { verifies++; return false }
	opts.BackupPath = backupPath(t)
	_, err = Start(context.Background(), idle, opts)
	var ce *CaptureError
	if !errors.As(err, &ce) || !errors.Is(err, ErrNoMedia) || ce.Attempts != 3 {
		t.Fatalf("err = %v", err)
	}
	if nudges != 2 {
		t.Errorf("nudges = %d", nudges)
	}

	opts.AllowUnverified = true
	h, err = Start(context.Background(), idle, opts)
	if err != nil {
		t.Fatalf("AllowUnverified: %v", err)
	}
	h.Stop()
}

func TestProbe(t *testing.T) {
	env := func(found bool, vars map[string]string) Env {
		return Env{
			LookPath: func(name string) (string, error) {
				if found {
					return "/usr/bin/" + name, nil
				}
				return "", errors.New("not found")
			},
			Getenv: func(k string) string { return vars[k] },
		}
	}
	tests := []struct {
		name string
		mode string
		env  Env
		want string
	}{
		{"explicit graph", "graph", env(true, map[string]string{"DISPLAY": ":0"}), "graph"},
		{"explicit device", "device", env(false, nil), "device"},
		{"auto with display", "auto", env(true, map[string]string{"DISPLAY": ":99"}), "device"},
		{"auto with pulse", "", env(true, map[string]string{"PULSE_SERVER": "unix:/run/pulse"}), "device"},
		{"auto headless", "auto", env(true, nil), "graph"},
		{"auto without recorder", "auto", env(false, map[string]string{"DISPLAY": ":0"}), "graph"},
	}
	for _, tt := range tests {
		d, err := Probe(tt.mode, "ffmpeg", tt.env)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if d.Mode != tt.want {
			t.Errorf("%s: mode = %s, want %s (%s)", tt.name, d.Mode, tt.want, d.Reason)
		}
	}
	if _, err := Probe("loopback", "ffmpeg", env(true, nil)); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestGraphSourceQuantizesDrainedBuffers(t *testing.T) {
	page := browsertest.New()
	var drains atomic.Int64
	page.OnEvaluate = func(_ *browsertest.Page, script string) (any, error) {
		switch {
		case script == drainScript:
			if drains.Add(1) == 1 {
				return map[string]any{"installed": true, "tapped": 1, "buffers": [][]float64{{0.5, -0.5}, {1, 2}}}, nil
			}
			return map[string]any{"installed": true, "tapped": 1, "buffers": [][]float64{}}, nil
		case strings.Contains(script, "createScriptProcessor"):
			return map[string]any{"installed": true, "tapped": 1}, nil
		}
		return true, nil
	}

	g := NewGraphSource(page, audio.Canonical, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var got [][]byte
	done := make(chan error, 1)
	go func() {
		done <- g.Stream(ctx, func(b []byte) {
			mu.Lock()
			got = append(got, b)
			mu.Unlock()
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for drains.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Stream: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("chunks = %d", len(got))
	}
	first := []int16{int16(binary.LittleEndian.Uint16(got[0])), int16(binary.LittleEndian.Uint16(got[0][2:]))}
	if first[0] != 16383 || first[1] != -16384 {
		t.Errorf("first chunk = %v", first)
	}
	if v := int16(binary.LittleEndian.Uint16(got[1][2:])); v != 32767 {
		t.Errorf("clamped sample = %d", v)
	}
}

func TestGraphSourceInstallFailure(t *testing.T) {
	page := browsertest.New()
	page.OnEvaluate = func(*browsertest.Page, string) (any, error) {
		return map[string]any{"installed": false}, nil
	}
	err := NewGraphSource(page, audio.Canonical, time.Millisecond, nil).Stream(context.Background(), func([]byte) {})
	if !errors.Is(err, ErrNoMedia) {
		t.Fatalf("err = %v", err)
	}
}

func TestDeviceSourceReadsRecorderOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	s := NewDeviceSource("ffmpeg", "", audio.Canonical, filepath.Join(t.TempDir(), "rec.log"), nil)
	s.Command = "sh"
	s.Args = []string{"-c", "head -c 8000 /dev/zero"}

	var total int
	var chunks int
	err := s.Stream(context.Background(), func(b []byte) {
		chunks++
		total += len(b)
	})
	if !errors.Is(err, ErrSourceEnded) {
		t.Fatalf("err = %v", err)
	}
	if chunks != 3 || total != 8000 {
		t.Fatalf("chunks = %d bytes = %d", chunks, total)
	}
}

func TestDeviceSourceStopsOnCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	s := NewDeviceSource("ffmpeg", "", audio.Canonical, "", nil)
	s.Command = "sh"
	s.Args = []string{"-c", "exec sleep 30"}
	s.StopTimeout = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := s.Stream(ctx, func([]byte) {}); err != nil {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("recorder was not stopped")
	}
}

func TestFFmpegArgs(t *testing.T) {
	args := strings.Join(FFmpegArgs("", audio.Canonical), " ")
	for _, want := range []string{"-f pulse", "-i default", "-ac 1", "-ar 16000", "-f s16le"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
}
