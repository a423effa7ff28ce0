package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// CommandStatus is the lifecycle state of a command.
type CommandStatus string

const (
	CommandQueued CommandStatus = "queued"
	CommandSent   CommandStatus = "sent"
	CommandAcked  CommandStatus = "acked"
	CommandFailed CommandStatus = "failed"
)

const (
	// MaxCommandRetries bounds automatic and manual retries of one command.
	MaxCommandRetries = 3
	// CommandStaleAfter is how long a command may wait in Queued before it expires.
	CommandStaleAfter = 5 * time.Minute
	// PendingBatchSize caps the commands handed to the mobile client per poll.
	PendingBatchSize = 10
)

// Command types understood by the mobile client.
const (
	CommandOnOff       = "on_off"
	CommandBrightness  = "brightness"
	CommandTemperature = "temperature"
)

// Command represents a command model
type Command struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	DeviceID     string          `json:"device_id"`
	ScheduleID   *string         `json:"schedule_id,omitempty"`
	Type         string          `json:"command_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       CommandStatus   `json:"status"`
	RetryCount   int             `json:"retry_count"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
	// UpdatedAt doubles as the time the command last entered its current status.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRetriable reports whether the command still has retry budget.
func (c Command) IsRetriable() bool {
	return c.RetryCount < MaxCommandRetries && c.Status != CommandAcked
}

// ShouldExpire reports whether a queued command has waited too long for delivery.
func (c Command) ShouldExpire(now time.Time) bool {
	return c.Status == CommandQueued && now.Sub(c.UpdatedAt) > CommandStaleAfter
}

// OnOffPayload switches a device on or off.
type OnOffPayload struct {
	On *bool `json:"on"`
}

// BrightnessPayload sets a dimmable light's brightness in percent.
type BrightnessPayload struct {
	Brightness *int `json:"brightness"`
}

// TemperaturePayload sets a thermostat target.
type TemperaturePayload struct {
	Temperature *float64 `json:"temperature"`
	Unit        string   `json:"unit"`
}

// ValidateCommandPayload checks the payload document against the command type.
func ValidateCommandPayload(commandType string, payload json.RawMessage) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	switch commandType {
	case CommandOnOff:
		var p OnOffPayload
		if err := dec.Decode(&p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if p.On == nil {
			return fmt.Errorf("%w: on is required", ErrInvalidPayload)
		}
	case CommandBrightness:
		var p BrightnessPayload
		if err := dec.Decode(&p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if p.Brightness == nil || *p.Brightness < 0 || *p.Brightness > 100 {
			return fmt.Errorf("%w: brightness must be between 0 and 100", ErrInvalidPayload)
		}
	case CommandTemperature:
		var p TemperaturePayload
		if err := dec.Decode(&p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if p.Temperature == nil || math.IsNaN(*p.Temperature) || math.IsInf(*p.Temperature, 0) {
			return fmt.Errorf("%w: temperature is required", ErrInvalidPayload)
		}
		if p.Unit != "celsius" && p.Unit != "fahrenheit" {
			return fmt.Errorf("%w: unit must be celsius or fahrenheit", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown command type %q", ErrValidation, commandType)
	}
	return nil
}

// OnOff builds the payload of an on_off command.
func OnOff(on bool) json.RawMessage {
	if on {
		return json.RawMessage(`{"on":true}`)
	}
	return json.RawMessage(`{"on":false}`)
}

// CreateCommandRequest is the body of POST /api/devices/:id/command.
type CreateCommandRequest struct {
	Type    string          `json:"command_type"`
	Payload json.RawMessage `json:"payload"`
}

// CommandResult is reported by the mobile client after executing a command.
type CommandResult struct {
	CommandID string          `json:"command_id"`
	Success   bool            `json:"success"`
	Error     *string         `json:"error_message"`
	NewState  json.RawMessage `json:"new_state"`
}
