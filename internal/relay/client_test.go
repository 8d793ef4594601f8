package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/protocol"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// sink is a scripted relay endpoint. reject decides per connection attempt
// (1-based) whether to refuse the upgrade; handle runs on accepted ones.
type sink struct {
	srv  *httptest.Server
	hits atomic.Int32
}

func newSink(t *testing.T, reject func(n int) bool, handle func(n int, conn *websocket.Conn)) *sink {
	t.Helper()
	s := &sink{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.hits.Add(1))
		if reject != nil && reject(n) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if handle != nil {
			handle(n, conn)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sink) endpoint() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

// delayRecorder replaces the backoff sleep so tests observe delays without
// waiting for them.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *delayRecorder) sleep(ctx context.Context, delay time.Duration) error {
	d.mu.Lock()
	d.delays = append(d.delays, delay)
	d.mu.Unlock()
	return ctx.Err()
}

func (d *delayRecorder) get() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.delays...)
}

func newTestClient(t *testing.T, cfg Config, rec *delayRecorder) *Client {
	t.Helper()
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		c.sleep = rec.sleep
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// readMetadata reports whether the first message on conn is the handshake.
func readMetadata(conn *websocket.Conn) (protocol.Metadata, bool) {
	mt, data, err := conn.ReadMessage()
	if err != nil || mt != websocket.TextMessage {
		return protocol.Metadata{}, false
	}
	msg, err := protocol.Decode(mt, data)
	if err != nil || msg.Metadata == nil {
		return protocol.Metadata{}, false
	}
	return *msg.Metadata, true
}

func TestMetadataPrecedesAudio(t *testing.T) {
	type first struct {
		meta protocol.Metadata
		ok   bool
		next []byte
	}
	got := make(chan first, 1)
	s := newSink(t, nil, func(n int, conn *websocket.Conn) {
		meta, ok := readMetadata(conn)
		_, next, _ := conn.ReadMessage()
		got <- first{meta: meta, ok: ok, next: next}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := newTestClient(t, Config{Endpoint: s.endpoint(), SessionID: "sess-1", RoomURL: "https://twitter.com/i/spaces/1"}, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.Send([]byte{1, 2, 3, 4}) {
		t.Fatal("Send on open connection returned false")
	}

	select {
	case f := <-got:
		if !f.ok {
			t.Fatal("first message was not metadata")
		}
		if f.meta.SampleRate != 16000 || f.meta.Channels != 1 || f.meta.BitsPerSample != 16 || f.meta.Encoding != "pcm_s16le" {
			t.Errorf("metadata = %+v", f.meta)
		}
		if f.meta.SessionID != "sess-1" {
			t.Errorf("session id = %q", f.meta.SessionID)
		}
		if !reflect.DeepEqual(f.next, []byte{1, 2, 3, 4}) {
			t.Errorf("second message = %v", f.next)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sink received nothing")
	}
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	var metas atomic.Int32
	audio := make(chan []byte, 4)
	s := newSink(t, nil, func(n int, conn *websocket.Conn) {
		if _, ok := readMetadata(conn); !ok {
			return
		}
		metas.Add(1)
		if n < 3 {
			// drop without a close frame
			return
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				audio <- data
			}
		}
	})

	rec := &delayRecorder{}
	c := newTestClient(t, Config{Endpoint: s.endpoint()}, rec)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "third open", func() bool { return c.Stats().Opens == 3 && c.State() == StateOpen })

	if d := rec.get(); !reflect.DeepEqual(d, []time.Duration{2 * time.Second, 4 * time.Second}) {
		t.Errorf("delays = %v, want [2s 4s]", d)
	}
	if n := metas.Load(); n != 3 {
		t.Errorf("metadata sent %d times, want 3", n)
	}
	if !c.Send([]byte{9}) {
		t.Fatal("Send after reconnect returned false")
	}
	select {
	case b := <-audio:
		if !reflect.DeepEqual(b, []byte{9}) {
			t.Errorf("audio = %v", b)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("audio not relayed after reconnect")
	}
}

func TestConnectBoundedToDegraded(t *testing.T) {
	s := newSink(t, func(int) bool { return true }, nil)
	rec := &delayRecorder{}
	c := newTestClient(t, Config{Endpoint: s.endpoint(), MaxReconnects: 3}, rec)

	err := c.Connect(context.Background())
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ConnectError", err)
	}
	if !errors.Is(err, ErrDegraded) {
		t.Errorf("err = %v, want ErrDegraded", err)
	}
	if ce.Attempts != 4 {
		t.Errorf("attempts = %d", ce.Attempts)
	}
	if n := s.hits.Load(); n != 4 {
		t.Errorf("dials = %d, want 4", n)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}
	if d := rec.get(); !reflect.DeepEqual(d, want) {
		t.Errorf("delays = %v, want %v", d, want)
	}
	if c.State() != StateDegraded {
		t.Errorf("state = %s", c.State())
	}
	if c.Send([]byte{1}) {
		t.Error("Send on degraded client returned true")
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrDegraded) {
		t.Errorf("reconnect after degraded: %v", err)
	}
}

func TestLostConnectionDegrades(t *testing.T) {
	s := newSink(t, func(n int) bool { return n > 1 }, func(n int, conn *websocket.Conn) {
		readMetadata(conn)
	})

	var mu sync.Mutex
	var states []State
	cfg := Config{
		Endpoint:      s.endpoint(),
		MaxReconnects: 2,
		OnStateChange: func(st State) {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		},
	}
	c := newTestClient(t, cfg, &delayRecorder{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "degraded", func() bool { return c.State() == StateDegraded })

	if n := s.hits.Load(); n != 3 {
		t.Errorf("dials = %d, want 3", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) < 3 || states[0] != StateConnecting || states[1] != StateOpen || states[2] != StateClosedUnexpected {
		t.Errorf("states = %v", states)
	}
	if states[len(states)-1] != StateDegraded {
		t.Errorf("last state = %s", states[len(states)-1])
	}
}

func TestNormalClosureFromSinkDoesNotReconnect(t *testing.T) {
	s := newSink(t, nil, func(n int, conn *websocket.Conn) {
		readMetadata(conn)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
			time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})
	rec := &delayRecorder{}
	c := newTestClient(t, Config{Endpoint: s.endpoint()}, rec)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "closed", func() bool { return c.State() == StateClosed })
	time.Sleep(50 * time.Millisecond)
	if n := s.hits.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if len(rec.get()) != 0 {
		t.Errorf("unexpected backoff: %v", rec.get())
	}
}

func TestCloseFlushesAndSendsEnd(t *testing.T) {
	type seen struct {
		kinds []string
		code  int
	}
	done := make(chan seen, 1)
	s := newSink(t, nil, func(n int, conn *websocket.Conn) {
		readMetadata(conn)
		var out seen
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					out.code = ce.Code
				}
				done <- out
				return
			}
			if mt == websocket.BinaryMessage {
				out.kinds = append(out.kinds, "audio")
				continue
			}
			msg, _ := protocol.Decode(mt, data)
			out.kinds = append(out.kinds, string(msg.Type))
		}
	})

	c := newTestClient(t, Config{Endpoint: s.endpoint()}, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Send([]byte{1})
	c.Send([]byte{2})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-done:
		want := []string{"audio", "audio", "end"}
		if !reflect.DeepEqual(got.kinds, want) {
			t.Errorf("messages = %v, want %v", got.kinds, want)
		}
		if got.code != websocket.CloseNormalClosure {
			t.Errorf("close code = %d", got.code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sink did not see the close")
	}
	if c.State() != StateClosed {
		t.Errorf("state = %s", c.State())
	}
	if c.Send([]byte{3}) {
		t.Error("Send after Close returned true")
	}
}

func TestHeartbeatAndAck(t *testing.T) {
	result := make(chan [2]bool, 1)
	s := newSink(t, nil, func(n int, conn *websocket.Conn) {
		readMetadata(conn)
		hb, _ := json.Marshal(protocol.Heartbeat{Type: protocol.TypeHeartbeat, Timestamp: 42})
		_ = conn.WriteMessage(websocket.TextMessage, hb)

		var gotAck, gotBeat bool
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for !(gotAck && gotBeat) {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			msg, err := protocol.Decode(mt, data)
			if err != nil {
				continue
			}
			switch msg.Type {
			case protocol.TypeHeartbeatAck:
				gotAck = msg.Heartbeat.Timestamp == 42
			case protocol.TypeHeartbeat:
				gotBeat = true
			}
		}
		result <- [2]bool{gotAck, gotBeat}
		_ = conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := newTestClient(t, Config{Endpoint: s.endpoint(), HeartbeatInterval: 20 * time.Millisecond}, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-result:
		if !r[0] {
			t.Error("heartbeat was not acknowledged")
		}
		if !r[1] {
			t.Error("client sent no heartbeat")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
}

func TestBase64Audio(t *testing.T) {
	got := make(chan protocol.Message, 1)
	s := newSink(t, nil, func(n int, conn *websocket.Conn) {
		readMetadata(conn)
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, _ := protocol.Decode(mt, data)
		got <- msg
		_, _, _ = conn.ReadMessage()
	})
	c := newTestClient(t, Config{Endpoint: s.endpoint(), Base64Audio: true}, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Send([]byte{0xde, 0xad})
	select {
	case msg := <-got:
		if msg.Type != protocol.TypeAudioData || !reflect.DeepEqual(msg.Audio, []byte{0xde, 0xad}) {
			t.Errorf("msg = %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
}

func TestSendWithoutConnection(t *testing.T) {
	c := newTestClient(t, Config{Endpoint: "ws://127.0.0.1:1/ingest"}, nil)
	if c.Send([]byte{1}) {
		t.Error("Send before Connect returned true")
	}
	_ = c.Close()
	_ = c.Close()
	if c.Send([]byte{1}) {
		t.Error("Send after Close returned true")
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v", err)
	}
}

func TestEndpointValidation(t *testing.T) {
	bad := []string{"", "ftp://relay.local", "ws://", "::bad"}
	for _, raw := range bad {
		_, err := New(Config{Endpoint: raw}, nil)
		var ce *ConnectError
		if !errors.As(err, &ce) || !errors.Is(err, ErrInvalidEndpoint) {
			t.Errorf("New(%q) = %v, want invalid endpoint", raw, err)
		}
	}

	c, err := New(Config{Endpoint: "https://relay.local/ws/ingest", Token: "abc"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.URL() != "wss://relay.local/ws/ingest?token=abc" {
		t.Errorf("url = %s", c.URL())
	}
	c, err = New(Config{Endpoint: "http://relay.local/x"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.URL() != "ws://relay.local/x" {
		t.Errorf("url = %s", c.URL())
	}
}

func TestBackoffMonotonicAndBounded(t *testing.T) {
	prev := time.Duration(0)
	for n := 1; n <= 30; n++ {
		d := Backoff(n, 2*time.Second, 30*time.Second)
		if d < prev {
			t.Fatalf("backoff(%d) = %v < %v", n, d, prev)
		}
		if d > 30*time.Second {
			t.Fatalf("backoff(%d) = %v exceeds max", n, d)
		}
		prev = d
	}
	if Backoff(1, 2*time.Second, 30*time.Second) != 2*time.Second {
		t.Error("first delay is not the base delay")
	}
	if Backoff(0, time.Second, time.Minute) != time.Second {
		t.Error("attempt 0 not treated as 1")
	}
}
