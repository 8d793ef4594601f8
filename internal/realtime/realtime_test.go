package realtime

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/audio"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/recorder"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/relay"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/protocol"
)

type ended struct {
	info   models.LiveRelay
	reason string
}

type sinkServer struct {
	hub   *Hub
	srv   *httptest.Server
	ended chan ended
}

func newSinkServer(t *testing.T, rec Recorder, authorize Authorizer) *sinkServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := &sinkServer{hub: NewHub(nil, nil, nil, rec), ended: make(chan ended, 4)}
	s.hub.SetEndHandler(func(info models.LiveRelay, reason string) {
		s.ended <- ended{info: info, reason: reason}
	})
	router := gin.New()
	h := NewHandler(s.hub)
	router.GET("/health", h.Health)
	router.GET("/sessions", h.ListSessions)
	router.GET("/ws/ingest", ServeIngest(s.hub, authorize, nil))
	router.GET("/ws/listen", ServeListen(s.hub, authorize, nil))
	s.srv = httptest.NewServer(router)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sinkServer) ws(path string) string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + path
}

func (s *sinkServer) waitEnded(t *testing.T) ended {
	t.Helper()
	select {
	case e := <-s.ended:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return ended{}
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMetadata(t *testing.T, conn *websocket.Conn, sessionID string) {
	t.Helper()
	meta := protocol.Metadata{
		Type:          protocol.TypeMetadata,
		SampleRate:    16000,
		Channels:      1,
		BitsPerSample: 16,
		Encoding:      audio.EncodingPCM16LE,
		SessionID:     sessionID,
	}
	if err := conn.WriteJSON(meta); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return mt, data
}

func TestRelayToListenerAndRecording(t *testing.T) {
	dir := t.TempDir()
	rec := recorder.NewService(dir, nil)
	rec.FFmpegPath = filepath.Join(dir, "missing-ffmpeg")
	s := newSinkServer(t, rec, nil)

	listener := dial(t, s.ws("/ws/listen?session_id=sess-1"))
	waitFor(t, "listener registration", func() bool { return s.hub.ListenerCount("sess-1") == 1 })

	client, err := relay.New(relay.Config{
		Endpoint:  s.ws("/ws/ingest"),
		SessionID: "sess-1",
		RoomURL:   "https://x.com/i/spaces/1abc",
		Format:    audio.Canonical,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	mt, data := readMessage(t, listener)
	if mt != websocket.TextMessage {
		t.Fatalf("first message type = %d, want text", mt)
	}
	var meta protocol.Metadata
	if err := json.Unmarshal(data, &meta); err != nil || meta.Type != protocol.TypeMetadata {
		t.Fatalf("first message = %s (%v)", data, err)
	}
	if meta.SampleRate != 16000 || meta.RoomURL != "https://x.com/i/spaces/1abc" {
		t.Fatalf("metadata = %+v", meta)
	}

	waitFor(t, "live session", func() bool { return len(s.hub.Live()) == 1 })
	live := s.hub.Live()[0]
	if live.SessionID != "sess-1" || live.Listeners != 1 {
		t.Fatalf("live = %+v", live)
	}

	chunks := [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}}
	for _, c := range chunks {
		if !client.Send(c) {
			t.Fatal("Send rejected")
		}
	}
	for i, want := range chunks {
		mt, data := readMessage(t, listener)
		if mt != websocket.BinaryMessage || !bytes.Equal(data, want) {
			t.Fatalf("chunk %d = (%d, %v), want binary %v", i, mt, data, want)
		}
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, data = readMessage(t, listener)
	var end protocol.End
	if err := json.Unmarshal(data, &end); err != nil || end.Type != protocol.TypeEnd {
		t.Fatalf("end message = %s (%v)", data, err)
	}
	_ = listener.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := listener.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("listener close = %v, want normal closure", err)
	}

	e := s.waitEnded(t)
	if e.reason != "capture_stopped" {
		t.Errorf("reason = %q", e.reason)
	}
	if e.info.BytesReceived != 8 {
		t.Errorf("bytes = %d, want 8", e.info.BytesReceived)
	}
	wav, err := os.ReadFile(e.info.Recording)
	if err != nil {
		t.Fatalf("recording: %v", err)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != 8 {
		t.Errorf("wav data size = %d, want 8", got)
	}
	if !bytes.Equal(wav[44:], []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("wav pcm = %v", wav[44:])
	}
	if n := len(s.hub.Live()); n != 0 {
		t.Errorf("live sessions after end = %d", n)
	}
}

func TestIngestAnswersHeartbeat(t *testing.T) {
	s := newSinkServer(t, nil, nil)
	conn := dial(t, s.ws("/ws/ingest"))
	sendMetadata(t, conn, "sess-hb")

	if err := conn.WriteJSON(protocol.Heartbeat{Type: protocol.TypeHeartbeat, Timestamp: 42}); err != nil {
		t.Fatal(err)
	}
	_, data := readMessage(t, conn)
	var ack protocol.Heartbeat
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Type != protocol.TypeHeartbeatAck || ack.Timestamp != 42 {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestIngestRequiresMetadataFirst(t *testing.T) {
	s := newSinkServer(t, nil, nil)
	conn := dial(t, s.ws("/ws/ingest"))
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err = %v, want policy violation", err)
	}
}

func TestIngestRejectsUnsupportedFormat(t *testing.T) {
	s := newSinkServer(t, nil, nil)
	conn := dial(t, s.ws("/ws/ingest"))
	if err := conn.WriteJSON(protocol.Metadata{Type: protocol.TypeMetadata, SampleRate: 16000, Channels: 1, BitsPerSample: 24}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("err = %v, want unsupported data", err)
	}
}

func TestTokenAuthorization(t *testing.T) {
	authorize := func(token, sessionID string) error {
		if token == "good" && sessionID == "sess-auth" {
			return nil
		}
		return errors.New("denied")
	}
	s := newSinkServer(t, nil, authorize)

	_, resp, err := websocket.DefaultDialer.Dial(s.ws("/ws/listen?session_id=sess-auth"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("listener without token: err=%v resp=%v", err, resp)
	}
	_, resp, err = websocket.DefaultDialer.Dial(s.ws("/ws/ingest"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("producer without token: err=%v resp=%v", err, resp)
	}

	bad := dial(t, s.ws("/ws/ingest?token=good"))
	sendMetadata(t, bad, "other-session")
	_ = bad.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := bad.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("wrong-session producer: %v", err)
	}

	good := dial(t, s.ws("/ws/ingest?token=good"))
	sendMetadata(t, good, "sess-auth")
	waitFor(t, "authorized producer", func() bool { return len(s.hub.Live()) == 1 })

	l := dial(t, s.ws("/ws/listen?session_id=sess-auth&token=good"))
	mt, _ := readMessage(t, l)
	if mt != websocket.TextMessage {
		t.Fatalf("listener first frame type = %d", mt)
	}
}

func TestProducerLostEndsAfterResumeWindow(t *testing.T) {
	s := newSinkServer(t, nil, nil)
	s.hub.ResumeWindow = 50 * time.Millisecond

	conn := dial(t, s.ws("/ws/ingest"))
	sendMetadata(t, conn, "sess-lost")
	waitFor(t, "attach", func() bool { return len(s.hub.Live()) == 1 })
	conn.Close() // no close frame

	e := s.waitEnded(t)
	if e.reason != "producer_lost" || e.info.SessionID != "sess-lost" {
		t.Fatalf("ended = %+v", e)
	}
}

func TestProducerResumesWithinWindow(t *testing.T) {
	s := newSinkServer(t, nil, nil)
	s.hub.ResumeWindow = time.Minute

	first := dial(t, s.ws("/ws/ingest"))
	sendMetadata(t, first, "sess-resume")
	if err := first.WriteMessage(websocket.BinaryMessage, []byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first audio", func() bool {
		live := s.hub.Live()
		return len(live) == 1 && live[0].BytesReceived == 2
	})
	connectedAt := s.hub.Live()[0].ConnectedAt
	first.Close()

	second := dial(t, s.ws("/ws/ingest"))
	sendMetadata(t, second, "sess-resume")
	if err := second.WriteMessage(websocket.BinaryMessage, []byte{3, 4}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "resumed audio", func() bool {
		live := s.hub.Live()
		return len(live) == 1 && live[0].BytesReceived == 4
	})
	if got := s.hub.Live()[0].ConnectedAt; !got.Equal(connectedAt) {
		t.Errorf("ConnectedAt changed on resume: %v -> %v", connectedAt, got)
	}

	if err := second.WriteJSON(protocol.End{Type: protocol.TypeEnd, Reason: "done"}); err != nil {
		t.Fatal(err)
	}
	e := s.waitEnded(t)
	if e.reason != "done" || e.info.BytesReceived != 4 {
		t.Fatalf("ended = %+v", e)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	s := newSinkServer(t, nil, nil)
	conn := dial(t, s.ws("/ws/ingest"))
	sendMetadata(t, conn, "sess-list")
	waitFor(t, "attach", func() bool { return len(s.hub.Live()) == 1 })

	resp, err := http.Get(s.srv.URL + "/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Success bool               `json:"success"`
		Data    []models.LiveRelay `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.Success || len(body.Data) != 1 || body.Data[0].SessionID != "sess-list" {
		t.Fatalf("body = %+v", body)
	}
}

// memBroker is an in-process stand-in for Redis pub/sub shared by hubs.
type memBroker struct {
	mu   sync.Mutex
	meta map[string]protocol.Metadata
	subs map[string]map[int]func(Frame)
	next int
	pubs int
}

func newMemBroker() *memBroker {
	return &memBroker{meta: make(map[string]protocol.Metadata), subs: make(map[string]map[int]func(Frame))}
}

func (b *memBroker) PublishFrame(sessionID string, f Frame) error {
	b.mu.Lock()
	b.pubs++
	handlers := make([]func(Frame), 0, len(b.subs[sessionID]))
	for _, h := range b.subs[sessionID] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(f)
	}
	return nil
}

func (b *memBroker) StoreMetadata(m protocol.Metadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.meta[m.SessionID] = m
	return nil
}

func (b *memBroker) LoadMetadata(sessionID string) (*protocol.Metadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.meta[sessionID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (b *memBroker) SubscribeSession(sessionID string, handler func(Frame)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]func(Frame))
	}
	id := b.next
	b.next++
	b.subs[sessionID][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[sessionID], id)
	}, nil
}

func (b *memBroker) subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

func newTestListener(id, sessionID string) *Listener {
	return &Listener{ID: id, SessionID: sessionID, send: make(chan Frame, sendBuffer)}
}

func nextFrame(t *testing.T, l *Listener) Frame {
	t.Helper()
	select {
	case f := <-l.send:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("listener %s got no frame", l.ID)
		return Frame{}
	}
}

func TestHubFansOutAcrossInstances(t *testing.T) {
	broker := newMemBroker()
	producerHub := NewHub(nil, broker, broker, nil)
	listenerHub := NewHub(nil, broker, broker, nil)

	early := newTestListener("early", "sess-x")
	listenerHub.RegisterListener(early)
	if broker.subscribers("sess-x") != 1 {
		t.Fatal("first listener should subscribe")
	}

	meta := protocol.Metadata{Type: protocol.TypeMetadata, SampleRate: 16000, Channels: 1, BitsPerSample: 16, SessionID: "sess-x"}
	producerHub.AttachProducer("conn-1", meta)
	producerHub.Audio("sess-x", []byte{9, 9})

	if f := nextFrame(t, early); f.Kind != protocol.TypeMetadata {
		t.Fatalf("first frame = %s", f.Kind)
	}
	if f := nextFrame(t, early); f.Kind != protocol.TypeAudioData || !bytes.Equal(f.Data, []byte{9, 9}) {
		t.Fatalf("second frame = %+v", f)
	}

	late := newTestListener("late", "sess-x")
	listenerHub.RegisterListener(late)
	if f := nextFrame(t, late); f.Kind != protocol.TypeMetadata {
		t.Fatalf("late listener first frame = %s", f.Kind)
	}

	if n := len(producerHub.Live()); n != 1 {
		t.Errorf("producer hub live = %d, want 1", n)
	}
	if n := len(listenerHub.Live()); n != 0 {
		t.Errorf("listener hub live = %d, want 0", n)
	}

	producerHub.EndSession("sess-x", "done")
	if f := nextFrame(t, early); f.Kind != protocol.TypeEnd {
		t.Fatalf("end frame = %s", f.Kind)
	}

	listenerHub.UnregisterListener(early)
	listenerHub.UnregisterListener(late)
	if broker.subscribers("sess-x") != 0 {
		t.Fatal("subscription should be cancelled after last listener")
	}
}

func TestHubDeliversLocallyWithoutRedis(t *testing.T) {
	hub := NewHub(nil, nil, nil, nil)
	l := newTestListener("l1", "sess-local")
	hub.RegisterListener(l)

	hub.AttachProducer("conn-1", protocol.Metadata{Type: protocol.TypeMetadata, SampleRate: 8000, Channels: 1, BitsPerSample: 16, SessionID: "sess-local"})
	hub.Audio("sess-local", []byte{1})
	if f := nextFrame(t, l); f.Kind != protocol.TypeMetadata {
		t.Fatalf("first = %s", f.Kind)
	}
	if f := nextFrame(t, l); f.Kind != protocol.TypeAudioData {
		t.Fatalf("second = %s", f.Kind)
	}

	// ending twice is harmless
	hub.EndSession("sess-local", "done")
	hub.EndSession("sess-local", "done")
	if f := nextFrame(t, l); f.Kind != protocol.TypeEnd {
		t.Fatalf("third = %s", f.Kind)
	}
	select {
	case f := <-l.send:
		t.Fatalf("unexpected frame after end: %s", f.Kind)
	default:
	}
}
