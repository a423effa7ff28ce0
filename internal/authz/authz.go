// Package authz answers "does this user own this entity" for every core operation.
package authz

import (
	"context"
	"errors"
	"fmt"

	"smartplan/internal/models"
)

// Lookup is the subset of the store the gate reads from.
type Lookup interface {
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	GetRule(ctx context.Context, id string) (*models.Rule, error)
	GetCommand(ctx context.Context, id string) (*models.Command, error)
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
}

// Gate resolves entities on behalf of a user. Foreign entities are reported exactly
// like missing ones.
type Gate struct {
	lookup Lookup
}

func NewGate(lookup Lookup) *Gate {
	return &Gate{lookup: lookup}
}

// With returns a gate reading through lookup, typically a transaction-bound store.
func (g *Gate) With(lookup Lookup) *Gate {
	return &Gate{lookup: lookup}
}

// Device returns the device if userID owns it.
func (g *Gate) Device(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	d, err := g.lookup.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, deny(err, models.ErrDeviceNotOwned, deviceID)
	}
	if d.UserID != userID {
		return nil, deny(nil, models.ErrDeviceNotOwned, deviceID)
	}
	return d, nil
}

// Rule returns the rule if userID owns it.
func (g *Gate) Rule(ctx context.Context, userID, ruleID string) (*models.Rule, error) {
	r, err := g.lookup.GetRule(ctx, ruleID)
	if err != nil {
		return nil, deny(err, models.ErrRuleNotFound, ruleID)
	}
	if r.UserID != userID {
		return nil, deny(nil, models.ErrRuleNotFound, ruleID)
	}
	return r, nil
}

// Command returns the command if userID owns it.
func (g *Gate) Command(ctx context.Context, userID, commandID string) (*models.Command, error) {
	c, err := g.lookup.GetCommand(ctx, commandID)
	if err != nil {
		return nil, deny(err, models.ErrCommandNotFound, commandID)
	}
	if c.UserID != userID {
		return nil, deny(nil, models.ErrCommandNotFound, commandID)
	}
	return c, nil
}

// Schedule returns the schedule if userID owns it.
func (g *Gate) Schedule(ctx context.Context, userID, scheduleID string) (*models.Schedule, error) {
	s, err := g.lookup.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, deny(err, models.ErrNotFound, scheduleID)
	}
	if s.UserID != userID {
		return nil, deny(nil, models.ErrNotFound, scheduleID)
	}
	return s, nil
}

// deny maps a missing or foreign entity to sentinel; other lookup errors pass through.
func deny(err, sentinel error, id string) error {
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, id)
}
