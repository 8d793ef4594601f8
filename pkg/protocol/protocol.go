// Package protocol defines the relay wire format shared by the capture agent
// (producer) and the sink server.
//
// A relay connection carries two kinds of websocket messages: JSON control
// documents with a "type" discriminator, and binary frames holding raw PCM.
// Audio may alternatively travel base64-encoded inside an "audio_data"
// control document; receivers accept both forms.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Type discriminates control messages.
type Type string

const (
	TypeMetadata     Type = "metadata"
	TypeHeartbeat    Type = "heartbeat"
	TypeHeartbeatAck Type = "heartbeat_ack"
	TypeEnd          Type = "end"
	TypeAudioData    Type = "audio_data"
)

// ErrUnknownType is returned by Decode for control messages with an
// unrecognised type.
var ErrUnknownType = errors.New("unknown message type")

// Envelope is the common header of every control message.
type Envelope struct {
	Type Type `json:"type"`
}

// Metadata is the stream handshake, sent once per connection before any audio.
type Metadata struct {
	Type          Type   `json:"type"`
	SampleRate    int    `json:"sampleRate"`
	Channels      int    `json:"channels"`
	BitsPerSample int    `json:"bitsPerSample"`
	Encoding      string `json:"encoding"`
	SessionID     string `json:"sessionId,omitempty"`
	RoomURL       string `json:"roomUrl,omitempty"`
}

// Heartbeat is sent every heartbeat interval; the peer answers with a
// heartbeat_ack carrying the same timestamp.
type Heartbeat struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

// End announces a deliberate end of stream.
type End struct {
	Type   Type   `json:"type"`
	Reason string `json:"reason,omitempty"`
	Chunks int64  `json:"chunks,omitempty"`
}

// AudioData carries base64 PCM inside a control message.
type AudioData struct {
	Type Type   `json:"type"`
	Data string `json:"data"`
	Seq  int64  `json:"seq,omitempty"`
}

// NewHeartbeat returns a heartbeat stamped with now in milliseconds.
func NewHeartbeat(now time.Time) Heartbeat {
	return Heartbeat{Type: TypeHeartbeat, Timestamp: now.UnixMilli()}
}

// NewAudioData base64-encodes pcm.
func NewAudioData(pcm []byte, seq int64) AudioData {
	return AudioData{Type: TypeAudioData, Data: base64.StdEncoding.EncodeToString(pcm), Seq: seq}
}

// Message is a decoded inbound websocket message. Exactly one of the typed
// fields is set, matching Type; Audio is set for binary frames and for
// audio_data documents.
type Message struct {
	Type      Type
	Metadata  *Metadata
	Heartbeat *Heartbeat
	End       *End
	Audio     []byte
}

// Decode interprets one websocket message. messageType is the gorilla frame
// type (websocket.TextMessage or websocket.BinaryMessage).
func Decode(messageType int, data []byte) (Message, error) {
	if messageType == websocket.BinaryMessage {
		return Message{Type: TypeAudioData, Audio: data}, nil
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypeMetadata:
		var m Metadata
		if err := json.Unmarshal(data, &m); err != nil {
			return Message{}, fmt.Errorf("decode metadata: %w", err)
		}
		return Message{Type: env.Type, Metadata: &m}, nil
	case TypeHeartbeat, TypeHeartbeatAck:
		var h Heartbeat
		if err := json.Unmarshal(data, &h); err != nil {
			return Message{}, fmt.Errorf("decode heartbeat: %w", err)
		}
		return Message{Type: env.Type, Heartbeat: &h}, nil
	case TypeEnd:
		var e End
		if err := json.Unmarshal(data, &e); err != nil {
			return Message{}, fmt.Errorf("decode end: %w", err)
		}
		return Message{Type: env.Type, End: &e}, nil
	case TypeAudioData:
		var a AudioData
		if err := json.Unmarshal(data, &a); err != nil {
			return Message{}, fmt.Errorf("decode audio_data: %w", err)
		}
		pcm, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			return Message{}, fmt.Errorf("decode audio_data payload: %w", err)
		}
		return Message{Type: env.Type, Audio: pcm}, nil
	default:
		return Message{Type: env.Type}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
