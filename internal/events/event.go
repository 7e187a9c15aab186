package events

import "time"

// Event is the envelope that flows through the event bus.
// Every domain event (normalized tick, steam detection, feed status,
// session transition) is wrapped in one.
type Event struct {
	ID        string
	Type      EventType
	League    string
	GameID    string
	Timestamp time.Time
	Payload   any
}

type EventType string

const (
	// Feed pipeline events
	EventTickNormalized EventType = "tick_normalized"
	EventSteamDetected  EventType = "steam_detected"
	EventFeedStatus     EventType = "feed_status"
	// Session lifecycle events
	EventSessionPhase EventType = "session_phase"
	EventTensionSpike EventType = "tension_spike"
)
