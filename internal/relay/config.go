package relay

import (
	"fmt"
	"net/url"
	"time"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/audio"
)

const (
	DefaultMaxReconnects     = 5
	DefaultReconnectDelay    = 2 * time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultSendQueue         = 100
	DefaultCloseTimeout      = 2 * time.Second
)

// Config configures a relay Client.
type Config struct {
	Endpoint  string
	Token     string
	Format    audio.Format
	SessionID string
	RoomURL   string

	// MaxReconnects bounds consecutive failed attempts; beyond it the client
	// is degraded and stops reconnecting.
	MaxReconnects     int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// StableAfter is how long a connection must stay open before its closure
	// resets the attempt counter. Defaults to HeartbeatInterval.
	StableAfter       time.Duration
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	CloseTimeout      time.Duration
	SendQueue         int

	// Base64Audio sends audio as audio_data control messages instead of
	// binary frames.
	Base64Audio bool

	// OnStateChange, if set, is called after every state change.
	OnStateChange func(State)
}

func (c *Config) fill() {
	if c.Format.SampleRate == 0 {
		c.Format = audio.Canonical
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.StableAfter <= 0 {
		c.StableAfter = c.HeartbeatInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
}

// Backoff returns the delay before reconnect attempt n (n >= 1): a linear
// multiple of the base delay, capped at max.
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base * time.Duration(n)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// endpointURL validates raw and returns the websocket URL to dial. http and
// https are rewritten to ws and wss; the token, if any, goes in the query.
func endpointURL(raw, token string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
