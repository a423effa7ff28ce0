package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"smartplan/internal/models"
)

// Commands

const commandColumns = `id, user_id, device_id, schedule_id, command_type, payload, status, retry_count,
	error_message, created_at, executed_at, updated_at`

func scanCommand(row scanner) (*models.Command, error) {
	var c models.Command
	if err := row.Scan(&c.ID, &c.UserID, &c.DeviceID, &c.ScheduleID, &c.Type, &c.Payload, &c.Status, &c.RetryCount,
		&c.ErrorMessage, &c.CreatedAt, &c.ExecutedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateCommand(ctx context.Context, c *models.Command) error {
	c.ID = newID(c.ID)
	_, err := s.q.Exec(ctx,
		`INSERT INTO commands (`+commandColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.UserID, c.DeviceID, c.ScheduleID, c.Type, []byte(c.Payload), c.Status, c.RetryCount,
		c.ErrorMessage, c.CreatedAt, c.ExecutedAt, c.UpdatedAt)
	return classify("create command", err)
}

func (s *Store) GetCommand(ctx context.Context, id string) (*models.Command, error) {
	c, err := scanCommand(s.q.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("get command", err, models.ErrNotFound, "command "+id)
	}
	return c, nil
}

// UpdateCommand is a compare-and-swap on (status, retry_count).
func (s *Store) UpdateCommand(ctx context.Context, c *models.Command, fromStatus models.CommandStatus, fromRetries int) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE commands SET status = $2, retry_count = $3, error_message = $4, executed_at = $5, updated_at = $6
		WHERE id = $1 AND status = $7 AND retry_count = $8`,
		c.ID, c.Status, c.RetryCount, c.ErrorMessage, c.ExecutedAt, c.UpdatedAt, fromStatus, fromRetries)
	if err != nil {
		return classify("update command", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetCommand(ctx, c.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: command %s changed concurrently", models.ErrInvalidTransition, c.ID)
}

func (s *Store) ListQueuedCommands(ctx context.Context, userID string, since time.Time, limit int) ([]models.Command, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+commandColumns+` FROM commands
		WHERE user_id = $1 AND status = 'queued' AND updated_at >= $2
		ORDER BY created_at, id
		LIMIT NULLIF($3::int, 0)`,
		userID, since, limit)
	if err != nil {
		return nil, classify("list queued commands", err)
	}
	return collect(rows, "list queued commands", scanCommand)
}

func (s *Store) ListStaleCommands(ctx context.Context, before time.Time) ([]models.Command, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+commandColumns+` FROM commands
		WHERE status = 'queued' AND updated_at < $1
		ORDER BY created_at, id`,
		before)
	if err != nil {
		return nil, classify("list stale commands", err)
	}
	return collect(rows, "list stale commands", scanCommand)
}

func (s *Store) ListDeviceCommands(ctx context.Context, deviceID string, limit int) ([]models.Command, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+commandColumns+` FROM commands
		WHERE device_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($2::int, 0)`,
		deviceID, limit)
	if err != nil {
		return nil, classify("list device commands", err)
	}
	return collect(rows, "list device commands", scanCommand)
}

// Rules

const ruleColumns = `id, user_id, device_id, rule_type, params, timezone, priority, enabled, created_at, updated_at`

func scanRule(row scanner) (*models.Rule, error) {
	var (
		r        models.Rule
		ruleType models.RuleType
		params   json.RawMessage
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.DeviceID, &ruleType, &params, &r.Timezone, &r.Priority, &r.Enabled,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	p, err := models.ParseRuleParams(ruleType, params)
	if err != nil {
		return nil, fmt.Errorf("stored rule %s: %w", r.ID, err)
	}
	r.Params = p
	return &r, nil
}

func ruleArgs(r *models.Rule) ([]byte, error) {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return nil, fmt.Errorf("encode params of rule %s: %w", r.ID, err)
	}
	return params, nil
}

func (s *Store) CreateRule(ctx context.Context, r *models.Rule) error {
	params, err := ruleArgs(r)
	if err != nil {
		return err
	}
	r.ID = newID(r.ID)
	_, err = s.q.Exec(ctx,
		`INSERT INTO rules (`+ruleColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.UserID, r.DeviceID, r.Type(), params, r.Timezone, r.Priority, r.Enabled, r.CreatedAt, r.UpdatedAt)
	return classify("create rule", err)
}

func (s *Store) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	r, err := scanRule(s.q.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			return nil, err
		}
		return nil, notFound("get rule", err, models.ErrNotFound, "rule "+id)
	}
	return r, nil
}

func (s *Store) UpdateRule(ctx context.Context, r *models.Rule) error {
	params, err := ruleArgs(r)
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE rules SET params = $2, timezone = $3, priority = $4, enabled = $5, updated_at = $6 WHERE id = $1`,
		r.ID, params, r.Timezone, r.Priority, r.Enabled, r.UpdatedAt)
	return affected("update rule", tag, err, "rule "+r.ID)
}

// DeleteRule removes the rule; its schedules go with it through the foreign key.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	return affected("delete rule", tag, err, "rule "+id)
}

func (s *Store) listRules(ctx context.Context, op, where string, args ...any) ([]models.Rule, error) {
	rows, err := s.q.Query(ctx, `SELECT `+ruleColumns+` FROM rules WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	return collect(rows, op, scanRule)
}

func (s *Store) ListRules(ctx context.Context, userID string) ([]models.Rule, error) {
	return s.listRules(ctx, "list rules", `user_id = $1`, userID)
}

func (s *Store) ListDeviceRules(ctx context.Context, deviceID string) ([]models.Rule, error) {
	return s.listRules(ctx, "list device rules", `device_id = $1`, deviceID)
}

func (s *Store) ListEnabledRules(ctx context.Context) ([]models.Rule, error) {
	return s.listRules(ctx, "list enabled rules", `enabled`)
}

// Schedules

const scheduleColumns = `id, user_id, device_id, rule_id, date::text, slots, total_cost, total_hours, shortfall_hours,
	savings_percentage, status, created_at, updated_at`

func scanSchedule(row scanner) (*models.Schedule, error) {
	var sc models.Schedule
	if err := row.Scan(&sc.ID, &sc.UserID, &sc.DeviceID, &sc.RuleID, &sc.Date, &sc.Slots, &sc.TotalCost, &sc.TotalHours,
		&sc.ShortfallHours, &sc.SavingsPercentage, &sc.Status, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	sc, err := scanSchedule(s.q.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("get schedule", err, models.ErrNotFound, "schedule "+id)
	}
	return sc, nil
}

func (s *Store) FindSchedule(ctx context.Context, deviceID, ruleID, date string) (*models.Schedule, error) {
	sc, err := scanSchedule(s.q.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE device_id = $1 AND rule_id = $2 AND date = $3::date`,
		deviceID, ruleID, date))
	if err != nil {
		return nil, notFound("find schedule", err, models.ErrNotFound, fmt.Sprintf("schedule for rule %s on %s", ruleID, date))
	}
	return sc, nil
}

func (s *Store) CreateSchedule(ctx context.Context, sc *models.Schedule) error {
	sc.ID = newID(sc.ID)
	_, err := s.q.Exec(ctx,
		`INSERT INTO schedules (id, user_id, device_id, rule_id, date, slots, total_cost, total_hours, shortfall_hours,
			savings_percentage, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::date, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sc.ID, sc.UserID, sc.DeviceID, sc.RuleID, sc.Date, slotsJSON(sc.Slots), sc.TotalCost, sc.TotalHours,
		sc.ShortfallHours, sc.SavingsPercentage, sc.Status, sc.CreatedAt, sc.UpdatedAt)
	return classify("create schedule", err)
}

func (s *Store) UpdateSchedule(ctx context.Context, sc *models.Schedule) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE schedules SET slots = $2, total_cost = $3, total_hours = $4, shortfall_hours = $5,
			savings_percentage = $6, status = $7, updated_at = $8
		WHERE id = $1`,
		sc.ID, slotsJSON(sc.Slots), sc.TotalCost, sc.TotalHours, sc.ShortfallHours, sc.SavingsPercentage, sc.Status, sc.UpdatedAt)
	return affected("update schedule", tag, err, "schedule "+sc.ID)
}

func (s *Store) ListSchedules(ctx context.Context, userID, date string) ([]models.Schedule, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE user_id = $1 AND date = $2::date ORDER BY device_id, id`,
		userID, date)
	if err != nil {
		return nil, classify("list schedules", err)
	}
	return collect(rows, "list schedules", scanSchedule)
}

func (s *Store) ListDeviceSchedules(ctx context.Context, deviceID, date string) ([]models.Schedule, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE device_id = $1 AND date = $2::date ORDER BY device_id, id`,
		deviceID, date)
	if err != nil {
		return nil, classify("list device schedules", err)
	}
	return collect(rows, "list device schedules", scanSchedule)
}

func (s *Store) CompleteSchedulesBefore(ctx context.Context, date string, now time.Time) (int, error) {
	tag, err := s.q.Exec(ctx,
		`UPDATE schedules SET status = 'completed', updated_at = $2
		WHERE date < $1::date AND status IN ('pending', 'active')`,
		date, now)
	if err != nil {
		return 0, classify("complete schedules", err)
	}
	return int(tag.RowsAffected()), nil
}

// slotsJSON keeps an empty schedule as [] rather than null.
func slotsJSON(slots []models.TimeSlot) []models.TimeSlot {
	if slots == nil {
		return []models.TimeSlot{}
	}
	return slots
}

// Day prices

func (s *Store) GetDayPrice(ctx context.Context, date, timezone string) (*models.DayPrice, error) {
	var p models.DayPrice
	err := s.q.QueryRow(ctx,
		`SELECT id, date::text, timezone, prices, source, created_at FROM day_prices WHERE date = $1::date AND timezone = $2`,
		date, timezone).
		Scan(&p.ID, &p.Date, &p.Timezone, &p.Prices, &p.Source, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", models.ErrPricesNotFound, date, timezone)
	}
	if err != nil {
		return nil, classify("get day prices", err)
	}
	return &p, nil
}

func (s *Store) UpsertDayPrice(ctx context.Context, p *models.DayPrice) error {
	err := s.q.QueryRow(ctx,
		`INSERT INTO day_prices (id, date, timezone, prices, source, created_at)
		VALUES ($1, $2::date, $3, $4, $5, $6)
		ON CONFLICT (date, timezone) DO UPDATE SET prices = EXCLUDED.prices, source = EXCLUDED.source
		RETURNING id, created_at`,
		newID(p.ID), p.Date, p.Timezone, p.Prices, p.Source, p.CreatedAt).
		Scan(&p.ID, &p.CreatedAt)
	return classify("upsert day prices", err)
}
