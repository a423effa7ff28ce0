package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the wire and storage format of calendar dates.
const DateLayout = "2006-01-02"

// Structure is a user-level grouping of devices (a home) assigned by the device directory provider.
type Structure struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ExternalID string    `json:"external_id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Device represents a device model
type Device struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	StructureID  *string         `json:"structure_id"`
	ExternalID   string          `json:"external_id"`
	Name         string          `json:"name"`
	Type         string          `json:"device_type"`
	Room         *string         `json:"room"`
	Capabilities json.RawMessage `json:"capabilities"`
	LastSeenAt   time.Time       `json:"last_seen_at"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DeviceState is the single current-state record of a device.
type DeviceState struct {
	DeviceID  string          `json:"device_id"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StateSource tells where a projected state document came from.
type StateSource string

const (
	StateFromMobile  StateSource = "mobile"
	StateFromCommand StateSource = "command"
)

// StructureSync is one structure in a mobile sync batch.
type StructureSync struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
}

// DeviceSync is one device in a mobile sync batch, with its embedded state snapshot.
type DeviceSync struct {
	ExternalID          string          `json:"external_id"`
	Name                string          `json:"name"`
	Type                string          `json:"device_type"`
	Room                *string         `json:"room"`
	StructureExternalID *string         `json:"structure_id"`
	Capabilities        json.RawMessage `json:"capabilities"`
	State               json.RawMessage `json:"state"`
}

// SyncRequest is the payload the mobile client posts on every sync.
type SyncRequest struct {
	Structures []StructureSync `json:"structures"`
	Devices    []DeviceSync    `json:"devices"`
}

// SyncSummary counts what a sync batch did.
type SyncSummary struct {
	StructuresCreated int       `json:"structures_created"`
	StructuresUpdated int       `json:"structures_updated"`
	DevicesCreated    int       `json:"devices_created"`
	DevicesUpdated    int       `json:"devices_updated"`
	DevicesCount      int       `json:"devices_count"`
	SyncedAt          time.Time `json:"timestamp"`
}

// MobileSession tracks the last heartbeat of one installed mobile app.
type MobileSession struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	DeviceToken   string    `json:"device_token"`
	Platform      string    `json:"platform"`
	AppVersion    string    `json:"app_version"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HeartbeatRequest is posted periodically by the mobile client.
type HeartbeatRequest struct {
	DeviceToken string `json:"device_token"`
	Platform    string `json:"platform"`
	AppVersion  string `json:"app_version"`
}

// HeartbeatResponse delivers pending commands to the mobile client.
type HeartbeatResponse struct {
	PendingCommands []Command `json:"pending_commands"`
	ServerTime      time.Time `json:"server_time"`
}

// DayPrice is the price table of one calendar day: one price per local hour.
type DayPrice struct {
	ID        string    `json:"id"`
	Date      string    `json:"date"`
	Timezone  string    `json:"timezone"`
	Prices    []float64 `json:"prices"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// AutomationLog records automation decisions for later inspection.
type AutomationLog struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	DeviceID  *string         `json:"device_id"`
	RuleID    *string         `json:"rule_id"`
	Action    string          `json:"action"`
	Details   json.RawMessage `json:"details"`
	CreatedAt time.Time       `json:"created_at"`
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrValidation, s)
	}
	return d, nil
}

// LoadLocation resolves an IANA timezone name.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return nil, fmt.Errorf("%w: timezone is required", ErrValidation)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrValidation, tz)
	}
	return loc, nil
}
