package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ScheduleStatus is the lifecycle state of a day schedule.
type ScheduleStatus string

const (
	SchedulePending   ScheduleStatus = "pending"
	ScheduleActive    ScheduleStatus = "active"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleFailed    ScheduleStatus = "failed"
)

// SlotAction is what a device does during a slot.
type SlotAction string

const (
	ActionOn  SlotAction = "on"
	ActionOff SlotAction = "off"
)

// TimeSlot is one [Start, End) interval of local wall clock, "HH:MM" each. On the day
// the clocks go back the repeated hour is written with its offset, "HH:MM+hh:mm".
type TimeSlot struct {
	Start  string     `json:"start"`
	End    string     `json:"end"`
	Action SlotAction `json:"action"`
}

// Schedule is the optimizer output of one rule for one device and day.
type Schedule struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	DeviceID          string         `json:"device_id"`
	RuleID            string         `json:"rule_id"`
	Date              string         `json:"date"`
	Slots             []TimeSlot     `json:"slots"`
	TotalCost         float64        `json:"total_cost"`
	TotalHours        int            `json:"total_hours"`
	ShortfallHours    int            `json:"shortfall_hours"`
	SavingsPercentage *float64       `json:"savings_percentage,omitempty"`
	Status            ScheduleStatus `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Fingerprint identifies the slot layout; a queued boundary whose fingerprint no
// longer matches belongs to a superseded computation.
func (s Schedule) Fingerprint() string {
	b, _ := json.Marshal(s.Slots)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// SameOutcome reports whether two computations produced the same stored result.
func (s Schedule) SameOutcome(o Schedule) bool {
	if s.Fingerprint() != o.Fingerprint() || s.TotalCost != o.TotalCost ||
		s.TotalHours != o.TotalHours || s.ShortfallHours != o.ShortfallHours {
		return false
	}
	if (s.SavingsPercentage == nil) != (o.SavingsPercentage == nil) {
		return false
	}
	return s.SavingsPercentage == nil || *s.SavingsPercentage == *o.SavingsPercentage
}

// Boundary is one slot edge handed to the dispatcher for execution at At.
type Boundary struct {
	ScheduleID  string    `json:"schedule_id"`
	UserID      string    `json:"user_id"`
	DeviceID    string    `json:"device_id"`
	Fingerprint string    `json:"fingerprint"`
	Clock       string    `json:"clock"`
	On          bool      `json:"on"`
	At          time.Time `json:"at"`
}

// EvaluateRequest is the body of POST /api/schedules/evaluate.
type EvaluateRequest struct {
	DeviceID string `json:"device_id"`
	RuleID   string `json:"rule_id"`
	Date     string `json:"date"`
}

// RebuildRequest is the body of POST /api/schedules/rebuild.
type RebuildRequest struct {
	Date string `json:"date"`
}

// EvaluationTask asks for one rule to be evaluated for one date.
type EvaluationTask struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	RuleID   string `json:"rule_id"`
	Date     string `json:"date"`
}
