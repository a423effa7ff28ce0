// Package planner evaluates rules into day schedules and turns schedule boundaries
// into device commands.
package planner

//go:generate mockgen -destination=mock_dispatcher.go -package=planner smartplan/internal/planner Dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"smartplan/internal/authz"
	"smartplan/internal/metrics"
	"smartplan/internal/models"
	"smartplan/internal/notify"
	"smartplan/internal/optimizer"
)

// Store is the persistence the planner needs.
type Store interface {
	authz.Lookup
	GetDayPrice(ctx context.Context, date, timezone string) (*models.DayPrice, error)

	CreateRule(ctx context.Context, r *models.Rule) error
	UpdateRule(ctx context.Context, r *models.Rule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context, userID string) ([]models.Rule, error)
	ListDeviceRules(ctx context.Context, deviceID string) ([]models.Rule, error)
	ListEnabledRules(ctx context.Context) ([]models.Rule, error)

	FindSchedule(ctx context.Context, deviceID, ruleID, date string) (*models.Schedule, error)
	CreateSchedule(ctx context.Context, s *models.Schedule) error
	UpdateSchedule(ctx context.Context, s *models.Schedule) error
	ListSchedules(ctx context.Context, userID, date string) ([]models.Schedule, error)
	ListDeviceSchedules(ctx context.Context, deviceID, date string) ([]models.Schedule, error)
	CompleteSchedulesBefore(ctx context.Context, date string, now time.Time) (int, error)

	InsertAutomationLog(ctx context.Context, l *models.AutomationLog) error
}

// Dispatcher defers work to the task queue.
type Dispatcher interface {
	// DispatchBoundary arranges for FireSlot to run with b at b.At.
	DispatchBoundary(ctx context.Context, b models.Boundary) error
	// DispatchEvaluation arranges for Evaluate to run for task.
	DispatchEvaluation(ctx context.Context, task models.EvaluationTask) error
}

// CommandEnqueuer creates device commands.
type CommandEnqueuer interface {
	Enqueue(ctx context.Context, userID, deviceID, commandType string, payload json.RawMessage, scheduleID *string) (*models.Command, error)
}

// Evaluation is the outcome of one rule evaluation.
type Evaluation struct {
	Schedule  models.Schedule `json:"schedule"`
	Shortfall int             `json:"shortfall_hours"`
	Effective bool            `json:"effective"`
	Changed   bool            `json:"changed"`
}

type Planner struct {
	store      Store
	gate       *authz.Gate
	commands   CommandEnqueuer
	dispatcher Dispatcher
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	log        zerolog.Logger
	loc        *time.Location
	tieBreak   optimizer.TieBreak
	now        func() time.Time
}

// New builds a planner. loc is the zone "today" is resolved in when a request does not
// carry a rule timezone.
func New(store Store, commands CommandEnqueuer, dispatcher Dispatcher, notifier notify.Notifier, m *metrics.Metrics, log zerolog.Logger, loc *time.Location) *Planner {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Planner{
		store:      store,
		gate:       authz.NewGate(store),
		commands:   commands,
		dispatcher: dispatcher,
		notifier:   notifier,
		metrics:    m,
		log:        log,
		loc:        loc,
		now:        time.Now,
	}
}

// WithClock returns a planner reading time from now.
func (p *Planner) WithClock(now func() time.Time) *Planner {
	cp := *p
	cp.now = now
	return &cp
}

// WithTieBreak returns a planner resolving equal-cost selections with tb.
func (p *Planner) WithTieBreak(tb optimizer.TieBreak) *Planner {
	cp := *p
	cp.tieBreak = tb
	return &cp
}

// Today is the current date in the planner's zone.
func (p *Planner) Today() string {
	return p.now().In(p.loc).Format(models.DateLayout)
}

// EffectiveRule returns the rule whose schedule applies to a device: the enabled rule
// with the lowest priority value, then the oldest, then the lowest id.
func EffectiveRule(rules []models.Rule) *models.Rule {
	var best *models.Rule
	for i := range rules {
		r := &rules[i]
		if !r.Enabled {
			continue
		}
		if best == nil || precedes(r, best) {
			best = r
		}
	}
	return best
}

func precedes(a, b *models.Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Evaluate computes the schedule of rule for date and stores it. A recomputation with
// unchanged inputs leaves the stored schedule untouched. When the rule is the device's
// effective rule its future slot boundaries are handed to the dispatcher.
func (p *Planner) Evaluate(ctx context.Context, userID, deviceID, ruleID, date string) (*Evaluation, error) {
	if _, err := p.gate.Device(ctx, userID, deviceID); err != nil {
		return nil, err
	}
	rule, err := p.gate.Rule(ctx, userID, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.DeviceID != deviceID {
		return nil, fmt.Errorf("%w: rule %s does not control device %s", models.ErrRuleNotFound, ruleID, deviceID)
	}

	day, res, err := p.compute(ctx, rule.Params, rule.Timezone, date)
	if err != nil {
		return nil, err
	}

	rules, err := p.store.ListDeviceRules(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	effective := false
	if eff := EffectiveRule(rules); eff != nil && eff.ID == rule.ID {
		effective = true
	}
	status := models.SchedulePending
	if effective {
		status = models.ScheduleActive
	}

	now := p.now().UTC()
	sched := models.Schedule{
		ID:                uuid.NewString(),
		UserID:            userID,
		DeviceID:          deviceID,
		RuleID:            rule.ID,
		Date:              date,
		Slots:             res.Slots,
		TotalCost:         res.TotalCost,
		TotalHours:        res.TotalHours,
		ShortfallHours:    res.Shortfall,
		SavingsPercentage: res.SavingsPercentage,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	existing, err := p.store.FindSchedule(ctx, deviceID, rule.ID, date)
	switch {
	case err == nil:
		if existing.SameOutcome(sched) && existing.Status == status {
			return &Evaluation{Schedule: *existing, Shortfall: existing.ShortfallHours, Effective: effective}, nil
		}
		sched.ID, sched.CreatedAt = existing.ID, existing.CreatedAt
		err = p.store.UpdateSchedule(ctx, &sched)
	case errors.Is(err, models.ErrNotFound):
		err = p.store.CreateSchedule(ctx, &sched)
	}
	if err != nil {
		return nil, err
	}

	eval := &Evaluation{Schedule: sched, Shortfall: res.Shortfall, Effective: effective, Changed: true}
	if effective {
		if err := p.demoteOthers(ctx, sched); err != nil {
			return nil, err
		}
		if err := p.dispatchBoundaries(ctx, sched, day, res); err != nil {
			sched.Status = models.ScheduleFailed
			sched.UpdatedAt = p.now().UTC()
			if uerr := p.store.UpdateSchedule(ctx, &sched); uerr != nil {
				p.log.Error().Err(uerr).Str("schedule_id", sched.ID).Msg("marking schedule failed")
			}
			eval.Schedule = sched
			p.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("dispatching schedule boundaries failed")
			return eval, fmt.Errorf("dispatch schedule %s: %w", sched.ID, err)
		}
	}

	p.log.Info().
		Str("schedule_id", sched.ID).
		Str("device_id", deviceID).
		Str("rule_id", rule.ID).
		Str("date", date).
		Str("status", string(sched.Status)).
		Int("hours", sched.TotalHours).
		Int("shortfall", sched.ShortfallHours).
		Msg("schedule evaluated")
	p.notify(ctx, sched)
	p.audit(ctx, sched, res.Shortfall)
	return eval, nil
}

func (p *Planner) compute(ctx context.Context, params models.RuleParams, timezone, date string) (*optimizer.Day, optimizer.Result, error) {
	loc, err := models.LoadLocation(timezone)
	if err != nil {
		return nil, optimizer.Result{}, err
	}
	day, err := optimizer.NewDay(date, loc)
	if err != nil {
		return nil, optimizer.Result{}, err
	}
	table, err := p.store.GetDayPrice(ctx, date, timezone)
	if err != nil {
		return nil, optimizer.Result{}, err
	}

	start := time.Now()
	res, err := optimizer.Compute(table.Prices, params, optimizer.Options{Day: day, TieBreak: p.tieBreak})
	ruleType := ""
	if params != nil {
		ruleType = string(params.RuleType())
	}
	p.metrics.ObserveOptimizerRun(ruleType, err, time.Since(start))
	if err != nil {
		return nil, optimizer.Result{}, err
	}
	return day, res, nil
}

// demoteOthers returns other active schedules of the device and day to pending so
// their queued boundaries are skipped.
func (p *Planner) demoteOthers(ctx context.Context, active models.Schedule) error {
	others, err := p.store.ListDeviceSchedules(ctx, active.DeviceID, active.Date)
	if err != nil {
		return err
	}
	for i := range others {
		s := &others[i]
		if s.ID == active.ID || s.Status != models.ScheduleActive {
			continue
		}
		s.Status = models.SchedulePending
		s.UpdatedAt = p.now().UTC()
		if err := p.store.UpdateSchedule(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (p *Planner) dispatchBoundaries(ctx context.Context, sched models.Schedule, day *optimizer.Day, res optimizer.Result) error {
	now := p.now()
	fingerprint := sched.Fingerprint()
	for _, run := range res.Runs {
		edges := []struct {
			index int
			on    bool
		}{{run.Start, true}, {run.End, false}}
		for _, e := range edges {
			at := day.Start(e.index)
			if !at.After(now) {
				continue
			}
			b := models.Boundary{
				ScheduleID:  sched.ID,
				UserID:      sched.UserID,
				DeviceID:    sched.DeviceID,
				Fingerprint: fingerprint,
				Clock:       optimizer.Label(day, e.index),
				On:          e.on,
				At:          at.UTC(),
			}
			if err := p.dispatcher.DispatchBoundary(ctx, b); err != nil {
				return err
			}
		}
	}
	return nil
}

// FireSlot turns a due boundary into an on_off command, unless its schedule has since
// been recomputed, demoted or removed.
func (p *Planner) FireSlot(ctx context.Context, b models.Boundary) (*models.Command, error) {
	sched, err := p.gate.Schedule(ctx, b.UserID, b.ScheduleID)
	if errors.Is(err, models.ErrNotFound) {
		p.log.Debug().Str("schedule_id", b.ScheduleID).Msg("skipping boundary of removed schedule")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sched.Status != models.ScheduleActive || sched.Fingerprint() != b.Fingerprint {
		p.log.Debug().Str("schedule_id", sched.ID).Str("clock", b.Clock).Msg("skipping superseded boundary")
		return nil, nil
	}
	if !b.On && b.Clock == endOfDay {
		on, err := p.nextDayStartsOn(ctx, sched, b.At)
		if err != nil {
			return nil, err
		}
		if on {
			p.log.Debug().Str("schedule_id", sched.ID).Msg("skipping midnight off, next day starts on")
			return nil, nil
		}
	}
	return p.commands.Enqueue(ctx, sched.UserID, sched.DeviceID, models.CommandOnOff, models.OnOff(b.On), &sched.ID)
}

// endOfDay labels the boundary at the next local midnight.
const endOfDay = "24:00"

// nextDayStartsOn reports whether an active schedule of the device for the day after
// sched switches it on at the instant at.
func (p *Planner) nextDayStartsOn(ctx context.Context, sched *models.Schedule, at time.Time) (bool, error) {
	d, err := models.ParseDate(sched.Date)
	if err != nil {
		return false, err
	}
	next := d.AddDate(0, 0, 1).Format(models.DateLayout)
	schedules, err := p.store.ListDeviceSchedules(ctx, sched.DeviceID, next)
	if err != nil {
		return false, err
	}
	for _, s := range schedules {
		if s.Status != models.ScheduleActive || len(s.Slots) == 0 || s.Slots[0].Action != models.ActionOn {
			continue
		}
		rule, err := p.store.GetRule(ctx, s.RuleID)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		loc, err := models.LoadLocation(rule.Timezone)
		if err != nil {
			return false, err
		}
		day, err := optimizer.NewDay(next, loc)
		if err != nil {
			return false, err
		}
		if s.Slots[0].Start == optimizer.Label(day, 0) && day.Start(0).Equal(at) {
			return true, nil
		}
	}
	return false, nil
}

// Preview runs the optimizer for a stored or ad hoc rule without persisting anything.
func (p *Planner) Preview(ctx context.Context, userID string, req models.PreviewScheduleRequest) (*optimizer.Result, error) {
	if _, err := p.gate.Device(ctx, userID, req.DeviceID); err != nil {
		return nil, err
	}

	var (
		params   models.RuleParams
		timezone = req.Timezone
	)
	if req.RuleID != nil && *req.RuleID != "" {
		rule, err := p.gate.Rule(ctx, userID, *req.RuleID)
		if err != nil {
			return nil, err
		}
		params, timezone = rule.Params, rule.Timezone
	} else {
		parsed, err := models.ParseRuleParams(req.RuleType, req.Params)
		if err != nil {
			return nil, err
		}
		params = parsed
	}

	date := req.Date
	if date == "" {
		loc, err := models.LoadLocation(timezone)
		if err != nil {
			return nil, err
		}
		date = p.now().In(loc).Format(models.DateLayout)
	}
	_, res, err := p.compute(ctx, params, timezone, date)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// RebuildDate queues an evaluation of every enabled rule for date.
func (p *Planner) RebuildDate(ctx context.Context, date string) (int, error) {
	return p.rebuild(ctx, date, func(models.Rule) bool { return true })
}

// RebuildForUser queues an evaluation of every enabled rule of one user for date.
func (p *Planner) RebuildForUser(ctx context.Context, userID, date string) (int, error) {
	return p.rebuild(ctx, date, func(r models.Rule) bool { return r.UserID == userID })
}

// RebuildForPrices queues evaluations of the rules that read the price table of
// (date, timezone).
func (p *Planner) RebuildForPrices(ctx context.Context, date, timezone string) (int, error) {
	return p.rebuild(ctx, date, func(r models.Rule) bool { return r.Timezone == timezone })
}

func (p *Planner) rebuild(ctx context.Context, date string, keep func(models.Rule) bool) (int, error) {
	if _, err := models.ParseDate(date); err != nil {
		return 0, err
	}
	rules, err := p.store.ListEnabledRules(ctx)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, r := range rules {
		if !keep(r) {
			continue
		}
		task := models.EvaluationTask{UserID: r.UserID, DeviceID: r.DeviceID, RuleID: r.ID, Date: date}
		if err := p.dispatcher.DispatchEvaluation(ctx, task); err != nil {
			return queued, err
		}
		queued++
	}
	p.log.Info().Str("date", date).Int("rules", queued).Msg("schedule rebuild queued")
	return queued, nil
}

// CompletePast marks every pending or active schedule dated before today completed.
func (p *Planner) CompletePast(ctx context.Context, today string) (int, error) {
	if _, err := models.ParseDate(today); err != nil {
		return 0, err
	}
	n, err := p.store.CompleteSchedulesBefore(ctx, today, p.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.log.Info().Int("count", n).Str("before", today).Msg("completed past schedules")
	}
	return n, nil
}

// ListSchedules returns a user's schedules for date.
func (p *Planner) ListSchedules(ctx context.Context, userID, date string) ([]models.Schedule, error) {
	if _, err := models.ParseDate(date); err != nil {
		return nil, err
	}
	return p.store.ListSchedules(ctx, userID, date)
}

func (p *Planner) notify(ctx context.Context, sched models.Schedule) {
	ev := models.Event{
		Type:       models.EventScheduleUpdated,
		UserID:     sched.UserID,
		DeviceID:   sched.DeviceID,
		ScheduleID: sched.ID,
		Payload:    sched,
		At:         p.now().UTC(),
	}
	if err := p.notifier.Notify(ctx, sched.UserID, ev); err != nil {
		p.log.Warn().Err(err).Str("schedule_id", sched.ID).Msg("schedule notification failed")
	}
}

func (p *Planner) audit(ctx context.Context, sched models.Schedule, shortfall int) {
	details, _ := json.Marshal(map[string]any{
		"schedule_id": sched.ID,
		"date":        sched.Date,
		"status":      sched.Status,
		"total_hours": sched.TotalHours,
		"total_cost":  sched.TotalCost,
		"shortfall":   shortfall,
	})
	deviceID, ruleID := sched.DeviceID, sched.RuleID
	entry := &models.AutomationLog{
		ID:        uuid.NewString(),
		UserID:    sched.UserID,
		DeviceID:  &deviceID,
		RuleID:    &ruleID,
		Action:    "schedule_evaluated",
		Details:   details,
		CreatedAt: p.now().UTC(),
	}
	if err := p.store.InsertAutomationLog(ctx, entry); err != nil {
		p.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("writing automation log")
	}
}

func sortRules(rules []models.Rule) {
	sort.SliceStable(rules, func(i, j int) bool { return precedes(&rules[i], &rules[j]) })
}
