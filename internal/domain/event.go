package domain

import "encoding/json"

type EventType string

const (
	EventSnapshot        EventType = "snapshot"
	EventClimberJoined   EventType = "climber_joined"
	EventHeartRateUpdate EventType = "heartrate_update"
	EventStatusUpdate    EventType = "status_update"
	EventClimberLeft     EventType = "climber_left"
)

// Event is a presence notification sent to viewers. Events are never persisted.
type Event struct {
	Type EventType `json:"event"`
	Data any       `json:"data"`
}

type HeartRateUpdate struct {
	UserID    string `json:"user_id"`
	HeartRate int    `json:"heart_rate"`
	Duration  int    `json:"duration"`
}

type StatusUpdate struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type ClimberLeft struct {
	UserID string `json:"user_id"`
}

func NewSnapshot(records []ClimberRecord) Event {
	if records == nil {
		records = []ClimberRecord{}
	}
	return Event{Type: EventSnapshot, Data: records}
}

func NewClimberJoined(record ClimberRecord) Event {
	return Event{Type: EventClimberJoined, Data: record}
}

func NewHeartRateUpdate(record ClimberRecord) Event {
	return Event{Type: EventHeartRateUpdate, Data: HeartRateUpdate{
		UserID:    record.UserID,
		HeartRate: record.HeartRate,
		Duration:  record.Duration,
	}}
}

func NewStatusUpdate(record ClimberRecord) Event {
	return Event{Type: EventStatusUpdate, Data: StatusUpdate{UserID: record.UserID, Status: record.Status}}
}

func NewClimberLeft(userID string) Event {
	return Event{Type: EventClimberLeft, Data: ClimberLeft{UserID: userID}}
}

// IsLive reports whether t is one of the events relayed between processes.
func (t EventType) IsLive() bool {
	switch t {
	case EventClimberJoined, EventHeartRateUpdate, EventStatusUpdate, EventClimberLeft:
		return true
	default:
		return false
	}
}

// Encode returns the wire form sent to viewer connections.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
