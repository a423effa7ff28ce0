// Package devicestate projects the latest known state of each device.
package devicestate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"smartplan/internal/models"
	"smartplan/internal/notify"
)

// Store is the persistence the projector needs.
type Store interface {
	GetDeviceState(ctx context.Context, deviceID string) (*models.DeviceState, error)
	UpsertDeviceState(ctx context.Context, s models.DeviceState) error
}

// Cache is a write-through copy of the state rows for fast reads.
type Cache interface {
	SetDeviceState(ctx context.Context, s models.DeviceState) error
	GetDeviceState(ctx context.Context, deviceID string) (*models.DeviceState, error)
}

// Projector keeps exactly one state row per device. Writes are last-write-wins:
// whatever arrives last overwrites the row regardless of its timestamp.
type Projector struct {
	store    Store
	cache    Cache
	notifier notify.Notifier
	log      zerolog.Logger
	// held collects side effects of a transactional projector until Publish.
	held *[]effect
}

// effect is what a state write shows outside the store.
type effect struct {
	state models.DeviceState
	event models.Event
}

// New builds a projector. cache and notifier may be nil.
func New(store Store, cache Cache, notifier notify.Notifier, log zerolog.Logger) *Projector {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Projector{store: store, cache: cache, notifier: notifier, log: log}
}

// With returns a projector writing through store, typically a transaction. Its cache
// writes and notifications are held until Publish, so a rolled back transaction
// leaves nothing behind in the cache or on live clients.
func (p *Projector) With(store Store) *Projector {
	cp := *p
	cp.store = store
	cp.held = &[]effect{}
	return &cp
}

// Publish applies the side effects held since With. Call it after the transaction
// has committed; a projector that is not transactional has nothing to publish.
func (p *Projector) Publish(ctx context.Context) {
	if p == nil || p.held == nil {
		return
	}
	held := *p.held
	*p.held = nil
	for _, e := range held {
		p.publish(ctx, e)
	}
}

// ApplyMobileSnapshot records the state reported by the mobile client.
func (p *Projector) ApplyMobileSnapshot(ctx context.Context, userID, deviceID string, doc json.RawMessage, ts time.Time) error {
	return p.apply(ctx, userID, deviceID, doc, ts, models.StateFromMobile)
}

// ApplyCommandOutcome records the state reported with an acknowledged command.
func (p *Projector) ApplyCommandOutcome(ctx context.Context, userID, deviceID string, doc json.RawMessage, ts time.Time) error {
	return p.apply(ctx, userID, deviceID, doc, ts, models.StateFromCommand)
}

func (p *Projector) apply(ctx context.Context, userID, deviceID string, doc json.RawMessage, ts time.Time, source models.StateSource) error {
	if len(doc) == 0 || string(doc) == "null" {
		doc = json.RawMessage(`{}`)
	}
	if !json.Valid(doc) {
		return fmt.Errorf("%w: state of device %s is not valid JSON", models.ErrValidation, deviceID)
	}

	state := models.DeviceState{DeviceID: deviceID, State: doc, UpdatedAt: ts}
	if err := p.store.UpsertDeviceState(ctx, state); err != nil {
		return err
	}

	e := effect{
		state: state,
		event: models.Event{
			Type:     models.EventDeviceState,
			UserID:   userID,
			DeviceID: deviceID,
			Payload:  map[string]any{"state": doc, "source": source},
			At:       ts,
		},
	}
	if p.held != nil {
		*p.held = append(*p.held, e)
		return nil
	}
	p.publish(ctx, e)
	return nil
}

func (p *Projector) publish(ctx context.Context, e effect) {
	if p.cache != nil {
		if err := p.cache.SetDeviceState(ctx, e.state); err != nil {
			p.log.Warn().Err(err).Str("device_id", e.state.DeviceID).Msg("state cache write failed")
		}
	}
	if err := p.notifier.Notify(ctx, e.event.UserID, e.event); err != nil {
		p.log.Warn().Err(err).Str("device_id", e.state.DeviceID).Msg("state notification failed")
	}
}

// Get returns the current state of a device, preferring the cache.
func (p *Projector) Get(ctx context.Context, deviceID string) (*models.DeviceState, error) {
	if p.cache != nil {
		if s, err := p.cache.GetDeviceState(ctx, deviceID); err == nil && s != nil {
			return s, nil
		}
	}
	return p.store.GetDeviceState(ctx, deviceID)
}
