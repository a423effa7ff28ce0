package engine

import (
	"context"

	"smartplan/internal/models"
)

// HandleEvaluate runs a queued rule evaluation.
func (e *Engine) HandleEvaluate(ctx context.Context, task models.EvaluationTask) error {
	_, err := e.planner.Evaluate(ctx, task.UserID, task.DeviceID, task.RuleID, task.Date)
	return err
}

// HandleRebuild fans a rebuild out into one evaluation per matching rule. An empty
// timezone selects every enabled rule.
func (e *Engine) HandleRebuild(ctx context.Context, date, timezone string) error {
	var err error
	if timezone == "" {
		_, err = e.planner.RebuildDate(ctx, date)
	} else {
		_, err = e.planner.RebuildForPrices(ctx, date, timezone)
	}
	return err
}

// HandleSlot turns a due slot boundary into a device command.
func (e *Engine) HandleSlot(ctx context.Context, b models.Boundary) error {
	cmd, err := e.planner.FireSlot(ctx, b)
	if err != nil {
		return err
	}
	if cmd != nil {
		e.log.Info().Str("command_id", cmd.ID).Str("device_id", cmd.DeviceID).Bool("on", b.On).Str("clock", b.Clock).Msg("slot command queued")
	}
	return nil
}

// Job is a periodic engine task.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Jobs returns the periodic maintenance jobs with their cron specs.
func (e *Engine) Jobs(rebuildSpec, expirySpec, completeSpec string) []Job {
	return []Job{
		{Name: "rebuild", Spec: rebuildSpec, Run: e.QueueDailyRebuild},
		{Name: "expire", Spec: expirySpec, Run: func(ctx context.Context) error {
			n, err := e.ExpireStale(ctx)
			if n > 0 {
				e.log.Info().Int("count", n).Msg("expired stale commands")
			}
			return err
		}},
		{Name: "complete", Spec: completeSpec, Run: func(ctx context.Context) error {
			_, err := e.CompletePast(ctx)
			return err
		}},
	}
}
