// Package engine wires the scheduling core together and exposes its operations to the
// transports: the HTTP API, the task queue workers and the periodic jobs.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"smartplan/internal/authz"
	"smartplan/internal/commands"
	"smartplan/internal/devicestate"
	"smartplan/internal/logging"
	"smartplan/internal/metrics"
	"smartplan/internal/mobilesync"
	"smartplan/internal/models"
	"smartplan/internal/notify"
	"smartplan/internal/optimizer"
	"smartplan/internal/planner"
	"smartplan/internal/prices"
	"smartplan/internal/store"
)

// Dispatcher defers planner work and price-driven rebuilds to the task queue.
type Dispatcher interface {
	planner.Dispatcher
	DispatchRebuild(ctx context.Context, date, timezone string) error
}

// Options are the optional collaborators of the engine.
type Options struct {
	Cache    devicestate.Cache
	Liveness mobilesync.Liveness
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	// Location resolves "today" for requests that carry no timezone.
	Location *time.Location
	TieBreak optimizer.TieBreak
	Now      func() time.Time
}

// Engine is the core control engine
type Engine struct {
	store      store.Store
	gate       *authz.Gate
	projector  *devicestate.Projector
	commands   *commands.Manager
	sync       *mobilesync.Coordinator
	planner    *planner.Planner
	dispatcher Dispatcher
	log        zerolog.Logger
	now        func() time.Time
}

// NewEngine builds the engine over st. dispatcher is required; every other
// collaborator in opts may be left zero.
func NewEngine(st store.Store, dispatcher Dispatcher, opts Options, log zerolog.Logger) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}

	projector := devicestate.New(st, opts.Cache, notifier, logging.Component(log, "devicestate"))
	manager := commands.NewManager(st, projector, notifier, opts.Metrics, logging.Component(log, "commands")).WithClock(now)
	coordinator := mobilesync.New(st, projector, manager, opts.Liveness, opts.Metrics, logging.Component(log, "mobilesync")).WithClock(now)
	plan := planner.New(st, manager, dispatcher, notifier, opts.Metrics, logging.Component(log, "planner"), opts.Location).
		WithClock(now).
		WithTieBreak(opts.TieBreak)

	return &Engine{
		store:      st,
		gate:       authz.NewGate(st),
		projector:  projector,
		commands:   manager,
		sync:       coordinator,
		planner:    plan,
		dispatcher: dispatcher,
		log:        log,
		now:        now,
	}
}

// Devices

func (e *Engine) ListDevices(ctx context.Context, userID string) ([]models.Device, error) {
	return e.store.ListDevices(ctx, userID)
}

func (e *Engine) GetDevice(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	return e.gate.Device(ctx, userID, deviceID)
}

// DeviceState returns the projected state of a device the user owns.
func (e *Engine) DeviceState(ctx context.Context, userID, deviceID string) (*models.DeviceState, error) {
	if _, err := e.gate.Device(ctx, userID, deviceID); err != nil {
		return nil, err
	}
	return e.projector.Get(ctx, deviceID)
}

// Commands

// SubmitCommand queues a manual command for a device.
func (e *Engine) SubmitCommand(ctx context.Context, userID, deviceID string, req models.CreateCommandRequest) (*models.Command, error) {
	return e.commands.Enqueue(ctx, userID, deviceID, req.Type, req.Payload, nil)
}

func (e *Engine) DeviceCommands(ctx context.Context, userID, deviceID string, limit int) ([]models.Command, error) {
	return e.commands.ListForDevice(ctx, userID, deviceID, limit)
}

func (e *Engine) GetCommand(ctx context.Context, userID, commandID string) (*models.Command, error) {
	return e.commands.Get(ctx, userID, commandID)
}

func (e *Engine) RetryCommand(ctx context.Context, userID, commandID string) (*models.Command, error) {
	return e.commands.Retry(ctx, userID, commandID)
}

// PollPending hands the user's queued commands to the mobile client.
func (e *Engine) PollPending(ctx context.Context, userID string) ([]models.Command, error) {
	return e.commands.PollPending(ctx, userID)
}

// ReportCommandResult records the outcome the mobile client observed.
func (e *Engine) ReportCommandResult(ctx context.Context, userID string, res models.CommandResult) (*models.Command, error) {
	if res.CommandID == "" {
		return nil, fmt.Errorf("%w: command_id is required", models.ErrValidation)
	}
	return e.commands.ReportResult(ctx, userID, res.CommandID, res.Success, res.Error, res.NewState)
}

// ExpireStale fails commands nobody picked up in time.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	return e.commands.ExpireStale(ctx)
}

// Mobile

func (e *Engine) SyncBatch(ctx context.Context, userID string, req models.SyncRequest) (*models.SyncSummary, error) {
	return e.sync.SyncBatch(ctx, userID, req)
}

func (e *Engine) Heartbeat(ctx context.Context, userID string, req models.HeartbeatRequest) (*models.HeartbeatResponse, error) {
	return e.sync.Heartbeat(ctx, userID, req)
}

// Rules

func (e *Engine) CreateRule(ctx context.Context, userID string, req models.CreateRuleRequest) (*models.Rule, error) {
	return e.planner.CreateRule(ctx, userID, req)
}

func (e *Engine) ListRules(ctx context.Context, userID string) ([]models.Rule, error) {
	return e.planner.ListRules(ctx, userID)
}

func (e *Engine) GetRule(ctx context.Context, userID, ruleID string) (*models.Rule, error) {
	return e.planner.GetRule(ctx, userID, ruleID)
}

func (e *Engine) UpdateRule(ctx context.Context, userID, ruleID string, req models.UpdateRuleRequest) (*models.Rule, error) {
	return e.planner.UpdateRule(ctx, userID, ruleID, req)
}

func (e *Engine) DeleteRule(ctx context.Context, userID, ruleID string) error {
	return e.planner.DeleteRule(ctx, userID, ruleID)
}

func (e *Engine) PreviewSchedule(ctx context.Context, userID string, req models.PreviewScheduleRequest) (*optimizer.Result, error) {
	return e.planner.Preview(ctx, userID, req)
}

// Schedules

func (e *Engine) ListSchedules(ctx context.Context, userID, date string) ([]models.Schedule, error) {
	return e.planner.ListSchedules(ctx, userID, date)
}

// TodaySchedules lists the user's schedules for the engine's current date.
func (e *Engine) TodaySchedules(ctx context.Context, userID string) ([]models.Schedule, error) {
	return e.planner.ListSchedules(ctx, userID, e.planner.Today())
}

// EvaluateSchedule evaluates one rule synchronously. An empty date means today in
// the rule's timezone.
func (e *Engine) EvaluateSchedule(ctx context.Context, userID string, req models.EvaluateRequest) (*planner.Evaluation, error) {
	date := req.Date
	if date == "" {
		rule, err := e.gate.Rule(ctx, userID, req.RuleID)
		if err != nil {
			return nil, err
		}
		loc, err := models.LoadLocation(rule.Timezone)
		if err != nil {
			return nil, err
		}
		date = e.now().In(loc).Format(models.DateLayout)
	}
	return e.planner.Evaluate(ctx, userID, req.DeviceID, req.RuleID, date)
}

// RebuildSchedules queues the evaluation of the user's enabled rules for date,
// defaulting to today.
func (e *Engine) RebuildSchedules(ctx context.Context, userID, date string) (int, error) {
	if date == "" {
		date = e.planner.Today()
	}
	return e.planner.RebuildForUser(ctx, userID, date)
}

// Prices

func (e *Engine) GetPrices(ctx context.Context, date, timezone string) (*models.DayPrice, error) {
	if _, err := models.ParseDate(date); err != nil {
		return nil, err
	}
	if _, err := models.LoadLocation(timezone); err != nil {
		return nil, err
	}
	return e.store.GetDayPrice(ctx, date, timezone)
}

// PutPrices stores a day's price table and queues the rebuild of the schedules that
// read it. The table is stored even when queueing the rebuild fails.
func (e *Engine) PutPrices(ctx context.Context, p models.DayPrice) (*models.DayPrice, error) {
	if err := prices.ValidateTable(p); err != nil {
		return nil, err
	}
	if p.Source == "" {
		p.Source = "api"
	}
	p.CreatedAt = e.now().UTC()
	if err := e.store.UpsertDayPrice(ctx, &p); err != nil {
		return nil, err
	}
	e.log.Info().Str("date", p.Date).Str("timezone", p.Timezone).Int("hours", len(p.Prices)).Msg("day prices stored")

	if err := e.dispatcher.DispatchRebuild(ctx, p.Date, p.Timezone); err != nil {
		e.log.Error().Err(err).Str("date", p.Date).Msg("queueing rebuild after price update")
	}
	return &p, nil
}

// CompletePast closes the schedules of previous days.
func (e *Engine) CompletePast(ctx context.Context) (int, error) {
	return e.planner.CompletePast(ctx, e.planner.Today())
}

// QueueDailyRebuild hands today's full rebuild to the workers.
func (e *Engine) QueueDailyRebuild(ctx context.Context) error {
	return e.dispatcher.DispatchRebuild(ctx, e.planner.Today(), "")
}
