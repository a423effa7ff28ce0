package planner

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"smartplan/internal/models"
)

// CreateRule validates and stores a rule, then queues its evaluation for today.
func (p *Planner) CreateRule(ctx context.Context, userID string, req models.CreateRuleRequest) (*models.Rule, error) {
	if _, err := p.gate.Device(ctx, userID, req.DeviceID); err != nil {
		return nil, err
	}
	params, err := models.ParseRuleParams(req.RuleType, req.Params)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC()
	rule := &models.Rule{
		ID:        uuid.NewString(),
		UserID:    userID,
		DeviceID:  req.DeviceID,
		Params:    params,
		Timezone:  req.Timezone,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if err := p.store.CreateRule(ctx, rule); err != nil {
		return nil, err
	}

	p.log.Info().Str("rule_id", rule.ID).Str("device_id", rule.DeviceID).Str("type", string(rule.Type())).Msg("rule created")
	p.reevaluateDevice(ctx, userID, rule.DeviceID)
	return rule, nil
}

// ListRules returns a user's rules in precedence order.
func (p *Planner) ListRules(ctx context.Context, userID string) ([]models.Rule, error) {
	rules, err := p.store.ListRules(ctx, userID)
	if err != nil {
		return nil, err
	}
	sortRules(rules)
	return rules, nil
}

// GetRule returns a rule the user owns.
func (p *Planner) GetRule(ctx context.Context, userID, ruleID string) (*models.Rule, error) {
	return p.gate.Rule(ctx, userID, ruleID)
}

// UpdateRule applies the non-nil fields of req and re-evaluates the device.
func (p *Planner) UpdateRule(ctx context.Context, userID, ruleID string, req models.UpdateRuleRequest) (*models.Rule, error) {
	rule, err := p.gate.Rule(ctx, userID, ruleID)
	if err != nil {
		return nil, err
	}

	if len(req.Params) > 0 {
		params, err := models.ParseRuleParams(rule.Type(), req.Params)
		if err != nil {
			return nil, err
		}
		rule.Params = params
	}
	if req.Timezone != nil {
		rule.Timezone = *req.Timezone
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	rule.UpdatedAt = p.now().UTC()
	if err := p.store.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}

	p.log.Info().Str("rule_id", rule.ID).Msg("rule updated")
	if !rule.Enabled {
		p.deactivateToday(ctx, rule)
	}
	p.reevaluateDevice(ctx, userID, rule.DeviceID)
	return rule, nil
}

// DeleteRule removes a rule and its schedules; another rule may become effective.
func (p *Planner) DeleteRule(ctx context.Context, userID, ruleID string) error {
	rule, err := p.gate.Rule(ctx, userID, ruleID)
	if err != nil {
		return err
	}
	if err := p.store.DeleteRule(ctx, rule.ID); err != nil {
		return fmt.Errorf("delete rule %s: %w", rule.ID, err)
	}
	p.log.Info().Str("rule_id", rule.ID).Msg("rule deleted")
	p.reevaluateDevice(ctx, userID, rule.DeviceID)
	return nil
}

// reevaluateDevice queues today's evaluation of every enabled rule of the device, so
// precedence changes move the active schedule. Failures are logged; the rule change
// itself has already been stored.
func (p *Planner) reevaluateDevice(ctx context.Context, userID, deviceID string) {
	rules, err := p.store.ListDeviceRules(ctx, deviceID)
	if err != nil {
		p.log.Error().Err(err).Str("device_id", deviceID).Msg("listing rules for re-evaluation")
		return
	}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		loc, err := models.LoadLocation(r.Timezone)
		if err != nil {
			continue
		}
		task := models.EvaluationTask{
			UserID:   userID,
			DeviceID: deviceID,
			RuleID:   r.ID,
			Date:     p.now().In(loc).Format(models.DateLayout),
		}
		if err := p.dispatcher.DispatchEvaluation(ctx, task); err != nil {
			p.log.Error().Err(err).Str("rule_id", r.ID).Msg("queueing rule evaluation")
		}
	}
}

// deactivateToday returns today's active schedule of a disabled rule to pending.
func (p *Planner) deactivateToday(ctx context.Context, rule *models.Rule) {
	loc, err := models.LoadLocation(rule.Timezone)
	if err != nil {
		return
	}
	sched, err := p.store.FindSchedule(ctx, rule.DeviceID, rule.ID, p.now().In(loc).Format(models.DateLayout))
	if err != nil || sched.Status != models.ScheduleActive {
		return
	}
	sched.Status = models.SchedulePending
	sched.UpdatedAt = p.now().UTC()
	if err := p.store.UpdateSchedule(ctx, sched); err != nil {
		p.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("deactivating schedule")
	}
}
