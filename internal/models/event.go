package models

import "time"

// EventType names a notification pushed to live clients.
type EventType string

const (
	EventCommandQueued   EventType = "command.queued"
	EventCommandAcked    EventType = "command.acked"
	EventCommandFailed   EventType = "command.failed"
	EventCommandExpired  EventType = "command.expired"
	EventDeviceState     EventType = "device.state"
	EventScheduleUpdated EventType = "schedule.updated"
)

// Event is the envelope delivered through the notifier.
type Event struct {
	Type       EventType `json:"type"`
	UserID     string    `json:"user_id"`
	DeviceID   string    `json:"device_id,omitempty"`
	CommandID  string    `json:"command_id,omitempty"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	At         time.Time `json:"at"`
}
