package planner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"smartplan/internal/commands"
	"smartplan/internal/models"
	"smartplan/internal/store"
)

const day = "2024-06-02"

var clock = time.Date(2024, 6, 2, 0, 30, 0, 0, time.UTC)

func intPtr(v int) *int { return &v }

type fixture struct {
	mem        *store.Memory
	dispatcher *MockDispatcher
	planner    *Planner
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	mem := store.NewMemory()
	require.NoError(t, mem.CreateDevice(ctx, &models.Device{ID: "heater", UserID: "alice", Name: "Heater"}))
	require.NoError(t, mem.CreateDevice(ctx, &models.Device{ID: "boiler", UserID: "alice", Name: "Boiler"}))
	require.NoError(t, mem.CreateDevice(ctx, &models.Device{ID: "bobs", UserID: "bob", Name: "Bob's"}))
	storePrices(t, mem, 2, 3)

	now := func() time.Time { return clock }
	dispatcher := NewMockDispatcher(ctrl)
	manager := commands.NewManager(mem, nil, nil, nil, zerolog.Nop()).WithClock(now)
	p := New(mem, manager, dispatcher, nil, nil, zerolog.Nop(), time.UTC).WithClock(now)
	return fixture{mem: mem, dispatcher: dispatcher, planner: p}
}

func storePrices(t *testing.T, mem *store.Memory, cheap ...int) {
	t.Helper()
	prices := make([]float64, 24)
	for i := range prices {
		prices[i] = 0.30
	}
	for _, h := range cheap {
		prices[h] = 0.05
	}
	require.NoError(t, mem.UpsertDayPrice(context.Background(), &models.DayPrice{
		Date: day, Timezone: "UTC", Prices: prices, Source: "test", CreatedAt: clock,
	}))
}

func addRule(t *testing.T, mem *store.Memory, id, deviceID string, priority int, created time.Time) *models.Rule {
	t.Helper()
	r := &models.Rule{
		ID:        id,
		UserID:    "alice",
		DeviceID:  deviceID,
		Params:    models.MinHoursCheapestParams{MinHoursPerDay: 2},
		Timezone:  "UTC",
		Priority:  priority,
		Enabled:   true,
		CreatedAt: created,
		UpdatedAt: created,
	}
	require.NoError(t, mem.CreateRule(context.Background(), r))
	return r
}

func TestEffectiveRule(t *testing.T) {
	t0 := clock
	rules := []models.Rule{
		{ID: "disabled", Priority: -1, Enabled: false, CreatedAt: t0},
		{ID: "late", Priority: 0, Enabled: true, CreatedAt: t0.Add(time.Hour)},
		{ID: "b", Priority: 0, Enabled: true, CreatedAt: t0},
		{ID: "a", Priority: 0, Enabled: true, CreatedAt: t0},
		{ID: "low", Priority: 3, Enabled: true, CreatedAt: t0.Add(-time.Hour)},
	}
	require.NotNil(t, EffectiveRule(rules))
	assert.Equal(t, "a", EffectiveRule(rules).ID)
	assert.Nil(t, EffectiveRule(rules[:1]))
	assert.Nil(t, EffectiveRule(nil))
}

func TestEvaluateActivatesEffectiveRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addRule(t, f.mem, "r1", "heater", 0, clock)

	var boundaries []models.Boundary
	f.dispatcher.EXPECT().DispatchBoundary(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, b models.Boundary) error {
			boundaries = append(boundaries, b)
			return nil
		}).Times(2)

	eval, err := f.planner.Evaluate(ctx, "alice", "heater", "r1", day)
	require.NoError(t, err)
	assert.True(t, eval.Effective)
	assert.True(t, eval.Changed)
	assert.Equal(t, models.ScheduleActive, eval.Schedule.Status)
	assert.Equal(t, []models.TimeSlot{{Start: "02:00", End: "04:00", Action: models.ActionOn}}, eval.Schedule.Slots)
	assert.InDelta(t, 0.10, eval.Schedule.TotalCost, 1e-9)

	require.Len(t, boundaries, 2)
	assert.True(t, boundaries[0].On)
	assert.Equal(t, time.Date(2024, 6, 2, 2, 0, 0, 0, time.UTC), boundaries[0].At)
	assert.False(t, boundaries[1].On)
	assert.Equal(t, "04:00", boundaries[1].Clock)
	assert.Equal(t, eval.Schedule.Fingerprint(), boundaries[0].Fingerprint)

	// Unchanged inputs: nothing is rewritten or dispatched again.
	again, err := f.planner.Evaluate(ctx, "alice", "heater", "r1", day)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, eval.Schedule.ID, again.Schedule.ID)
	assert.Equal(t, eval.Schedule.UpdatedAt, again.Schedule.UpdatedAt)

	cmd, err := f.planner.FireSlot(ctx, boundaries[0])
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, models.CommandOnOff, cmd.Type)
	assert.JSONEq(t, `{"on":true}`, string(cmd.Payload))
	require.NotNil(t, cmd.ScheduleID)
	assert.Equal(t, eval.Schedule.ID, *cmd.ScheduleID)
}

func TestFireSlotSkipsSupersededBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addRule(t, f.mem, "r1", "heater", 0, clock)

	var boundaries []models.Boundary
	f.dispatcher.EXPECT().DispatchBoundary(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, b models.Boundary) error {
			boundaries = append(boundaries, b)
			return nil
		}).Times(4)

	_, err := f.planner.Evaluate(ctx, "alice", "heater", "r1", day)
	require.NoError(t, err)
	stale := boundaries[0]

	storePrices(t, f.mem, 10, 11)
	eval, err := f.planner.Evaluate(ctx, "alice", "heater", "r1", day)
	require.NoError(t, err)
	assert.True(t, eval.Changed)
	assert.Equal(t, "10:00", eval.Schedule.Slots[0].Start)

	cmd, err := f.planner.FireSlot(ctx, stale)
	require.NoError(t, err)
	assert.Nil(t, cmd)

	cmd, err = f.planner.FireSlot(ctx, boundaries[2])
	require.NoError(t, err)
	assert.NotNil(t, cmd)
}

func TestMidnightOffYieldsToNextDayOn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addRule(t, f.mem, "r1", "heater", 0, clock)

	today := &models.Schedule{
		ID: "today", UserID: "alice", DeviceID: "heater", RuleID: "r1", Date: day,
		Slots:  []models.TimeSlot{{Start: "20:00", End: "24:00", Action: models.ActionOn}},
		Status: models.ScheduleActive,
	}
	tomorrow := &models.Schedule{
		ID: "tomorrow", UserID: "alice", DeviceID: "heater", RuleID: "r1", Date: "2024-06-03",
		Slots:  []models.TimeSlot{{Start: "00:00", End: "03:00", Action: models.ActionOn}},
		Status: models.ScheduleActive,
	}
	require.NoError(t, f.mem.CreateSchedule(ctx, today))
	require.NoError(t, f.mem.CreateSchedule(ctx, tomorrow))

	off := models.Boundary{
		ScheduleID: "today", UserID: "alice", DeviceID: "heater", Fingerprint: today.Fingerprint(),
		Clock: "24:00", On: false, At: time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
	}
	cmd, err := f.planner.FireSlot(ctx, off)
	require.NoError(t, err)
	assert.Nil(t, cmd, "the device keeps running into the next day")

	tomorrow.Slots = []models.TimeSlot{{Start: "01:00", End: "03:00", Action: models.ActionOn}}
	require.NoError(t, f.mem.UpdateSchedule(ctx, tomorrow))
	cmd, err = f.planner.FireSlot(ctx, off)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.JSONEq(t, `{"on":false}`, string(cmd.Payload))
}

func TestEvaluateLowerPrecedenceRuleStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addRule(t, f.mem, "main", "heater", 0, clock)
	addRule(t, f.mem, "backup", "heater", 5, clock)

	eval, err := f.planner.Evaluate(ctx, "alice", "heater", "backup", day)
	require.NoError(t, err)
	assert.False(t, eval.Effective)
	assert.Equal(t, models.SchedulePending, eval.Schedule.Status)

	cmd, err := f.planner.FireSlot(ctx, models.Boundary{
		ScheduleID:  eval.Schedule.ID,
		UserID:      "alice",
		Fingerprint: eval.Schedule.Fingerprint(),
		On:          true,
	})
	require.NoError(t, err)
	assert.Nil(t, cmd)
}

func TestEvaluateDispatchFailureMarksScheduleFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addRule(t, f.mem, "r1", "heater", 0, clock)

	boom := errors.New("queue unavailable")
	f.dispatcher.EXPECT().DispatchBoundary(gomock.Any(), gomock.Any()).Return(boom)

	eval, err := f.planner.Evaluate(ctx, "alice", "heater", "r1", day)
	require.ErrorIs(t, err, boom)
	require.NotNil(t, eval)
	assert.Equal(t, models.ScheduleFailed, eval.Schedule.Status)

	stored, err := f.mem.FindSchedule(ctx, "heater", "r1", day)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleFailed, stored.Status)
}

func TestEvaluateRejectsForeignAndMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addRule(t, f.mem, "r1", "heater", 0, clock)

	_, err := f.planner.Evaluate(ctx, "bob", "heater", "r1", day)
	assert.ErrorIs(t, err, models.ErrDeviceNotOwned)

	_, err = f.planner.Evaluate(ctx, "alice", "boiler", "r1", day)
	assert.ErrorIs(t, err, models.ErrRuleNotFound)

	_, err = f.planner.Evaluate(ctx, "alice", "heater", "r1", "2024-06-03")
	assert.ErrorIs(t, err, models.ErrPricesNotFound)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestEvaluateReportsShortfall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rule := &models.Rule{
		ID:       "night",
		UserID:   "alice",
		DeviceID: "boiler",
		Params: models.XHoursWithinWindowsParams{
			TargetHoursPerDay: 4,
			AllowedWindows:    []models.TimeWindow{{Start: "22:00", End: "24:00"}},
			MinRunBlock:       intPtr(1),
		},
		Timezone:  "UTC",
		Enabled:   true,
		CreatedAt: clock,
	}
	require.NoError(t, f.mem.CreateRule(ctx, rule))
	f.dispatcher.EXPECT().DispatchBoundary(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	eval, err := f.planner.Evaluate(ctx, "alice", "boiler", "night", day)
	require.NoError(t, err)
	assert.Equal(t, 2, eval.Shortfall)
	assert.Equal(t, 2, eval.Schedule.ShortfallHours)
	assert.Equal(t, 2, eval.Schedule.TotalHours)
}

func TestCreateRuleQueuesEvaluation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.EXPECT().
		DispatchEvaluation(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, task models.EvaluationTask) error {
			assert.Equal(t, "heater", task.DeviceID)
			assert.Equal(t, day, task.Date)
			return nil
		})

	rule, err := f.planner.CreateRule(ctx, "alice", models.CreateRuleRequest{
		DeviceID: "heater",
		RuleType: models.RuleMinHoursCheapest,
		Params:   json.RawMessage(`{"min_hours_per_day":3}`),
		Timezone: "UTC",
	})
	require.NoError(t, err)
	assert.True(t, rule.Enabled)
	assert.Equal(t, models.RuleMinHoursCheapest, rule.Type())

	_, err = f.planner.CreateRule(ctx, "alice", models.CreateRuleRequest{
		DeviceID: "heater",
		RuleType: models.RuleMinHoursCheapest,
		Params:   json.RawMessage(`{"min_hours_per_day":3,"max_hours":4}`),
		Timezone: "UTC",
	})
	assert.ErrorIs(t, err, models.ErrInvalidRuleParameters)

	_, err = f.planner.CreateRule(ctx, "alice", models.CreateRuleRequest{
		DeviceID: "bobs",
		RuleType: models.RuleMinHoursCheapest,
		Params:   json.RawMessage(`{"min_hours_per_day":3}`),
		Timezone: "UTC",
	})
	assert.ErrorIs(t, err, models.ErrDeviceNotOwned)
}

func TestDisablingRuleDeactivatesTodaysSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addRule(t, f.mem, "r1", "heater", 0, clock)
	f.dispatcher.EXPECT().DispatchBoundary(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	_, err := f.planner.Evaluate(ctx, "alice", "heater", "r1", day)
	require.NoError(t, err)

	disabled := false
	_, err = f.planner.UpdateRule(ctx, "alice", "r1", models.UpdateRuleRequest{Enabled: &disabled})
	require.NoError(t, err)

	sched, err := f.mem.FindSchedule(ctx, "heater", "r1", day)
	require.NoError(t, err)
	assert.Equal(t, models.SchedulePending, sched.Status)
}

func TestRebuildAndComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addRule(t, f.mem, "r1", "heater", 0, clock)
	addRule(t, f.mem, "r2", "boiler", 0, clock)
	off := addRule(t, f.mem, "r3", "boiler", 1, clock)
	off.Enabled = false
	require.NoError(t, f.mem.UpdateRule(ctx, off))

	f.dispatcher.EXPECT().DispatchEvaluation(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	n, err := f.planner.RebuildDate(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = f.planner.RebuildDate(ctx, "tomorrow")
	assert.ErrorIs(t, err, models.ErrValidation)

	bobs := addRule(t, f.mem, "r4", "bobs", 0, clock)
	bobs.UserID = "bob"
	require.NoError(t, f.mem.UpdateRule(ctx, bobs))
	f.dispatcher.EXPECT().
		DispatchEvaluation(gomock.Any(), models.EvaluationTask{UserID: "bob", DeviceID: "bobs", RuleID: "r4", Date: day}).
		Return(nil)
	n, err = f.planner.RebuildForUser(ctx, "bob", day)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.mem.CreateSchedule(ctx, &models.Schedule{ID: "old", UserID: "alice", DeviceID: "heater", RuleID: "r1", Date: "2024-06-01", Status: models.ScheduleActive}))
	require.NoError(t, f.mem.CreateSchedule(ctx, &models.Schedule{ID: "gone", UserID: "alice", DeviceID: "heater", RuleID: "r1", Date: "2024-05-01", Status: models.ScheduleFailed}))
	done, err := f.planner.CompletePast(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	old, err := f.mem.GetSchedule(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleCompleted, old.Status)
}

func TestPreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.planner.Preview(ctx, "alice", models.PreviewScheduleRequest{
		DeviceID: "heater",
		Date:     day,
		RuleType: models.RuleMinHoursCheapest,
		Params:   json.RawMessage(`{"min_hours_per_day":1}`),
		Timezone: "UTC",
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, res.Hours)

	_, err = f.mem.FindSchedule(ctx, "heater", "", day)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
