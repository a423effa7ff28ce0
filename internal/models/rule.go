package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// RuleType tags the rule variant.
type RuleType string

const (
	RuleMinHoursCheapest    RuleType = "MIN_HOURS_CHEAPEST"
	RuleXHoursWithinWindows RuleType = "X_HOURS_WITHIN_WINDOWS"
)

// MaxHoursPerDay is the length of the longest (clock change) day.
const MaxHoursPerDay = 25

// RuleParams is the closed set of rule parameter documents. Only the types in this
// package implement it.
type RuleParams interface {
	RuleType() RuleType
	Validate() error
	isRuleParams()
}

// MinHoursCheapestParams runs the device for at least MinHoursPerDay of the cheapest hours.
type MinHoursCheapestParams struct {
	MinHoursPerDay    int  `json:"min_hours_per_day"`
	MaxSwitchesPerDay *int `json:"max_switches_per_day,omitempty"`
	MinRunBlock       *int `json:"min_run_block,omitempty"`
}

func (MinHoursCheapestParams) RuleType() RuleType { return RuleMinHoursCheapest }
func (MinHoursCheapestParams) isRuleParams()      {}

// Validate checks the parameters independently of any price table.
func (p MinHoursCheapestParams) Validate() error {
	if p.MinHoursPerDay < 1 || p.MinHoursPerDay > MaxHoursPerDay {
		return fmt.Errorf("%w: min_hours_per_day must be between 1 and %d", ErrInvalidRuleParameters, MaxHoursPerDay)
	}
	return validateRunConstraints(p.MaxSwitchesPerDay, p.MinRunBlock)
}

// XHoursWithinWindowsParams runs the device TargetHoursPerDay hours inside AllowedWindows.
type XHoursWithinWindowsParams struct {
	TargetHoursPerDay int          `json:"target_hours_per_day"`
	AllowedWindows    []TimeWindow `json:"allowed_windows"`
	MaxSwitchesPerDay *int         `json:"max_switches_per_day,omitempty"`
	MinRunBlock       *int         `json:"min_run_block,omitempty"`
}

func (XHoursWithinWindowsParams) RuleType() RuleType { return RuleXHoursWithinWindows }
func (XHoursWithinWindowsParams) isRuleParams()      {}

// Validate checks the parameters independently of any price table.
func (p XHoursWithinWindowsParams) Validate() error {
	if p.TargetHoursPerDay < 1 || p.TargetHoursPerDay > MaxHoursPerDay {
		return fmt.Errorf("%w: target_hours_per_day must be between 1 and %d", ErrInvalidRuleParameters, MaxHoursPerDay)
	}
	if len(p.AllowedWindows) == 0 {
		return fmt.Errorf("%w: allowed_windows must not be empty", ErrInvalidRuleParameters)
	}
	if _, err := WindowMinutes(p.AllowedWindows); err != nil {
		return err
	}
	return validateRunConstraints(p.MaxSwitchesPerDay, p.MinRunBlock)
}

func validateRunConstraints(maxSwitches, minRun *int) error {
	// Every ON run costs two switches (on and off), so fewer than two forbids running at all.
	if maxSwitches != nil && *maxSwitches < 2 {
		return fmt.Errorf("%w: max_switches_per_day must be at least 2", ErrInvalidRuleParameters)
	}
	if minRun != nil && (*minRun < 1 || *minRun > MaxHoursPerDay) {
		return fmt.Errorf("%w: min_run_block must be between 1 and %d", ErrInvalidRuleParameters, MaxHoursPerDay)
	}
	return nil
}

// TimeWindow is a half-open [Start, End) wall clock interval, "HH:MM" each. End may be "24:00".
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// MinuteRange is a window resolved to minutes since local midnight.
type MinuteRange struct {
	Start int
	End   int
}

// WindowMinutes parses windows into minute ranges sorted by start and rejects
// malformed, empty or overlapping windows.
func WindowMinutes(windows []TimeWindow) ([]MinuteRange, error) {
	ranges := make([]MinuteRange, 0, len(windows))
	for _, w := range windows {
		start, err := ParseClock(w.Start)
		if err != nil {
			return nil, err
		}
		end, err := ParseClock(w.End)
		if err != nil {
			return nil, err
		}
		if start >= end {
			return nil, fmt.Errorf("%w: window %s-%s must start before it ends", ErrInvalidRuleParameters, w.Start, w.End)
		}
		ranges = append(ranges, MinuteRange{Start: start, End: end})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	for i := 1; i < len(ranges); i++ {
		if ranges[i].Start < ranges[i-1].End {
			return nil, fmt.Errorf("%w: allowed windows overlap", ErrInvalidRuleParameters)
		}
	}
	return ranges, nil
}

// ParseClock parses "HH:MM" into minutes since midnight; "24:00" is the end of the day.
func ParseClock(s string) (int, error) {
	var h, m int
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidRuleParameters, s)
	}
	if _, err := fmt.Sscanf(s, "%02d:%02d", &h, &m); err != nil {
		return 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidRuleParameters, s)
	}
	if m < 0 || m > 59 || h < 0 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("%w: time %q out of range", ErrInvalidRuleParameters, s)
	}
	return h*60 + m, nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// ParseRuleParams decodes and validates the params document of the given rule type.
// Unknown fields are rejected so typos never silently fall back to defaults.
func ParseRuleParams(t RuleType, raw json.RawMessage) (RuleParams, error) {
	var params RuleParams
	switch t {
	case RuleMinHoursCheapest:
		var p MinHoursCheapestParams
		if err := decodeStrict(raw, &p); err != nil {
			return nil, err
		}
		params = p
	case RuleXHoursWithinWindows:
		var p XHoursWithinWindowsParams
		if err := decodeStrict(raw, &p); err != nil {
			return nil, err
		}
		params = p
	default:
		return nil, fmt.Errorf("%w: unknown rule type %q", ErrInvalidRuleParameters, t)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

func decodeStrict(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: params are required", ErrInvalidRuleParameters)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRuleParameters, err)
	}
	return nil
}

// Rule represents a rule model
type Rule struct {
	ID        string
	UserID    string
	DeviceID  string
	Params    RuleParams
	Timezone  string
	Priority  int
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Type returns the variant tag of the rule.
func (r Rule) Type() RuleType {
	if r.Params == nil {
		return ""
	}
	return r.Params.RuleType()
}

// Validate checks everything that must hold before a rule is persisted or evaluated.
func (r Rule) Validate() error {
	if r.Params == nil {
		return fmt.Errorf("%w: params are required", ErrInvalidRuleParameters)
	}
	if err := r.Params.Validate(); err != nil {
		return err
	}
	_, err := LoadLocation(r.Timezone)
	return err
}

type ruleJSON struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	DeviceID  string          `json:"device_id"`
	RuleType  RuleType        `json:"rule_type"`
	Params    json.RawMessage `json:"params"`
	Timezone  string          `json:"timezone"`
	Priority  int             `json:"priority"`
	Enabled   bool            `json:"enabled"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (r Rule) MarshalJSON() ([]byte, error) {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ruleJSON{
		ID:        r.ID,
		UserID:    r.UserID,
		DeviceID:  r.DeviceID,
		RuleType:  r.Type(),
		Params:    params,
		Timezone:  r.Timezone,
		Priority:  r.Priority,
		Enabled:   r.Enabled,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	})
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	var aux ruleJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	params, err := ParseRuleParams(aux.RuleType, aux.Params)
	if err != nil {
		return err
	}
	*r = Rule{
		ID:        aux.ID,
		UserID:    aux.UserID,
		DeviceID:  aux.DeviceID,
		Params:    params,
		Timezone:  aux.Timezone,
		Priority:  aux.Priority,
		Enabled:   aux.Enabled,
		CreatedAt: aux.CreatedAt,
		UpdatedAt: aux.UpdatedAt,
	}
	return nil
}

// CreateRuleRequest is the body of POST /api/rules.
type CreateRuleRequest struct {
	DeviceID string          `json:"device_id"`
	RuleType RuleType        `json:"rule_type"`
	Params   json.RawMessage `json:"params"`
	Timezone string          `json:"timezone"`
	Priority *int            `json:"priority"`
	Enabled  *bool           `json:"enabled"`
}

// UpdateRuleRequest is the body of PUT /api/rules/:id; nil fields are left unchanged.
type UpdateRuleRequest struct {
	Params   json.RawMessage `json:"params"`
	Timezone *string         `json:"timezone"`
	Priority *int            `json:"priority"`
	Enabled  *bool           `json:"enabled"`
}

// PreviewScheduleRequest computes a schedule without persisting anything.
type PreviewScheduleRequest struct {
	DeviceID string          `json:"device_id"`
	RuleID   *string         `json:"rule_id"`
	Date     string          `json:"date"`
	RuleType RuleType        `json:"rule_type"`
	Params   json.RawMessage `json:"params"`
	Timezone string          `json:"timezone"`
}
