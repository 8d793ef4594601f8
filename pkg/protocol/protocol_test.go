package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/gorilla/websocket"
)

func TestDecodeAudioForms(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}

	bin, err := Decode(websocket.BinaryMessage, pcm)
	if err != nil {
		t.Fatalf("binary: %v", err)
	}
	if bin.Type != TypeAudioData || !bytes.Equal(bin.Audio, pcm) {
		t.Fatalf("binary decoded to %+v", bin)
	}

	doc, _ := json.Marshal(NewAudioData(pcm, 7))
	txt, err := Decode(websocket.TextMessage, doc)
	if err != nil {
		t.Fatalf("audio_data: %v", err)
	}
	if txt.Type != TypeAudioData || !bytes.Equal(txt.Audio, pcm) {
		t.Fatalf("audio_data decoded to %+v", txt)
	}
}

func TestDecodeControl(t *testing.T) {
	meta := `{"type":"metadata","sampleRate":16000,"channels":1,"bitsPerSample":16,"encoding":"pcm_s16le"}`
	m, err := Decode(websocket.TextMessage, []byte(meta))
	if err != nil {
		t.Fatal(err)
	}
	if m.Metadata == nil || m.Metadata.SampleRate != 16000 || m.Metadata.Encoding != "pcm_s16le" {
		t.Fatalf("metadata = %+v", m.Metadata)
	}

	hb, err := Decode(websocket.TextMessage, []byte(`{"type":"heartbeat_ack","timestamp":42}`))
	if err != nil {
		t.Fatal(err)
	}
	if hb.Type != TypeHeartbeatAck || hb.Heartbeat.Timestamp != 42 {
		t.Fatalf("heartbeat = %+v", hb)
	}

	end, err := Decode(websocket.TextMessage, []byte(`{"type":"end","reason":"stop"}`))
	if err != nil {
		t.Fatal(err)
	}
	if end.End == nil || end.End.Reason != "stop" {
		t.Fatalf("end = %+v", end)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode(websocket.TextMessage, []byte(`{"type":"bogus"}`)); !errors.Is(err, ErrUnknownType) {
		t.Errorf("unknown type err = %v", err)
	}
	if _, err := Decode(websocket.TextMessage, []byte(`not json`)); err == nil {
		t.Error("expected error for malformed json")
	}
	if _, err := Decode(websocket.TextMessage, []byte(`{"type":"audio_data","data":"!!"}`)); err == nil {
		t.Error("expected error for bad base64")
	}
}
