package models

import (
	"time"
)

// RoomStatus values.
const (
	RoomStatusLive      = "live"
	RoomStatusEnded     = "ended"
	RoomStatusScheduled = "scheduled"
	RoomStatusUnknown   = "unknown"
)

// Room is a discovered or targeted audio room.
type Room struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Host         string    `json:"host"`
	Listeners    int       `json:"listeners"`
	Status       string    `json:"status"`
	DiscoveredAt time.Time `json:"discovered_at"`
	URL          string    `json:"url"`
}

// Valid reports whether the room can be targeted.
func (r Room) Valid() bool {
	return r.URL != "" && r.Listeners >= 0
}

// RoomSnapshot is the persisted view of a room across polls.
type RoomSnapshot struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	Host          string    `json:"host"`
	Status        string    `json:"status"`
	Listeners     int       `json:"listeners"`
	PeakListeners int       `json:"peak_listeners"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	TimesCaptured int       `json:"times_captured"`
}
