// Package mobilesync ingests device snapshots and heartbeats from the mobile client.
package mobilesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"smartplan/internal/devicestate"
	"smartplan/internal/metrics"
	"smartplan/internal/models"
	"smartplan/internal/store"
)

// Store is the persistence the coordinator needs.
type Store interface {
	WithTx(ctx context.Context, fn func(store.Store) error) error
	UpsertMobileSession(ctx context.Context, s *models.MobileSession) error
}

// PendingPoller hands queued commands to the mobile client.
type PendingPoller interface {
	PollPending(ctx context.Context, userID string) ([]models.Command, error)
}

// Liveness records that a mobile app is alive.
type Liveness interface {
	TouchMobile(ctx context.Context, userID, deviceToken string) error
}

// Coordinator reconciles mobile snapshots with stored structures and devices.
type Coordinator struct {
	store     Store
	projector *devicestate.Projector
	pending   PendingPoller
	liveness  Liveness
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

// New builds a coordinator. liveness may be nil.
func New(st Store, projector *devicestate.Projector, pending PendingPoller, liveness Liveness, m *metrics.Metrics, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:     st,
		projector: projector,
		pending:   pending,
		liveness:  liveness,
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
}

// WithClock returns a coordinator reading time from now.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	cp := *c
	cp.now = now
	return &cp
}

// SyncBatch applies one snapshot atomically. Structures and devices are matched by
// their external ids within the user's scope, so replaying a batch creates nothing new.
func (c *Coordinator) SyncBatch(ctx context.Context, userID string, req models.SyncRequest) (*models.SyncSummary, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	summary := &models.SyncSummary{DevicesCount: len(req.Devices), SyncedAt: now}
	var projector *devicestate.Projector
	err := c.store.WithTx(ctx, func(tx store.Store) error {
		*summary = models.SyncSummary{DevicesCount: len(req.Devices), SyncedAt: now}
		projector = c.projector.With(tx)

		for _, s := range req.Structures {
			if err := syncStructure(ctx, tx, userID, s, now, summary); err != nil {
				return err
			}
		}
		for _, d := range req.Devices {
			if err := syncDevice(ctx, tx, projector, userID, d, now, summary); err != nil {
				return err
			}
		}
		return nil
	})
	c.metrics.ObserveSyncBatch(len(req.Devices), err)
	if err != nil {
		c.log.Error().Err(err).Str("user_id", userID).Msg("sync batch failed")
		return nil, err
	}
	// cache writes and state events only once the batch is durable
	projector.Publish(ctx)

	c.log.Info().
		Str("user_id", userID).
		Int("structures_created", summary.StructuresCreated).
		Int("structures_updated", summary.StructuresUpdated).
		Int("devices_created", summary.DevicesCreated).
		Int("devices_updated", summary.DevicesUpdated).
		Msg("sync batch applied")
	return summary, nil
}

func validate(req models.SyncRequest) error {
	for i, s := range req.Structures {
		if s.ExternalID == "" {
			return fmt.Errorf("%w: structure %d has no external_id", models.ErrValidation, i)
		}
	}
	for i, d := range req.Devices {
		if d.ExternalID == "" {
			return fmt.Errorf("%w: device %d has no external_id", models.ErrValidation, i)
		}
		if len(d.State) > 0 && !json.Valid(d.State) {
			return fmt.Errorf("%w: device %s state is not valid JSON", models.ErrValidation, d.ExternalID)
		}
		if len(d.Capabilities) > 0 && !json.Valid(d.Capabilities) {
			return fmt.Errorf("%w: device %s capabilities are not valid JSON", models.ErrValidation, d.ExternalID)
		}
	}
	return nil
}

func syncStructure(ctx context.Context, tx store.Store, userID string, in models.StructureSync, now time.Time, summary *models.SyncSummary) error {
	existing, err := tx.GetStructureByExternalID(ctx, userID, in.ExternalID)
	switch {
	case err == nil:
		existing.Name = in.Name
		existing.UpdatedAt = now
		if err := tx.UpdateStructure(ctx, existing); err != nil {
			return err
		}
		summary.StructuresUpdated++
	case errors.Is(err, models.ErrNotFound):
		s := &models.Structure{
			ID:         uuid.NewString(),
			UserID:     userID,
			ExternalID: in.ExternalID,
			Name:       in.Name,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.CreateStructure(ctx, s); err != nil {
			return err
		}
		summary.StructuresCreated++
	default:
		return err
	}
	return nil
}

func syncDevice(ctx context.Context, tx store.Store, projector *devicestate.Projector, userID string, in models.DeviceSync, now time.Time, summary *models.SyncSummary) error {
	var structureID *string
	if in.StructureExternalID != nil && *in.StructureExternalID != "" {
		s, err := tx.GetStructureByExternalID(ctx, userID, *in.StructureExternalID)
		switch {
		case err == nil:
			structureID = &s.ID
		case errors.Is(err, models.ErrNotFound):
			// Unknown structures leave the device unassigned.
		default:
			return err
		}
	}

	capabilities := in.Capabilities
	if len(capabilities) == 0 {
		capabilities = json.RawMessage(`{}`)
	}

	device, err := tx.GetDeviceByExternalID(ctx, userID, in.ExternalID)
	switch {
	case err == nil:
		device.Name = in.Name
		device.Type = in.Type
		device.Room = in.Room
		device.StructureID = structureID
		device.Capabilities = capabilities
		device.LastSeenAt = now
		device.UpdatedAt = now
		if err := tx.UpdateDevice(ctx, device); err != nil {
			return err
		}
		summary.DevicesUpdated++
	case errors.Is(err, models.ErrNotFound):
		device = &models.Device{
			ID:           uuid.NewString(),
			UserID:       userID,
			StructureID:  structureID,
			ExternalID:   in.ExternalID,
			Name:         in.Name,
			Type:         in.Type,
			Room:         in.Room,
			Capabilities: capabilities,
			LastSeenAt:   now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.CreateDevice(ctx, device); err != nil {
			return err
		}
		summary.DevicesCreated++
	default:
		return err
	}

	return projector.ApplyMobileSnapshot(ctx, userID, device.ID, in.State, now)
}

// Heartbeat records the mobile app session and returns the commands it should run.
func (c *Coordinator) Heartbeat(ctx context.Context, userID string, req models.HeartbeatRequest) (*models.HeartbeatResponse, error) {
	if req.DeviceToken == "" {
		return nil, fmt.Errorf("%w: device_token is required", models.ErrValidation)
	}

	now := c.now().UTC()
	session := &models.MobileSession{
		ID:            uuid.NewString(),
		UserID:        userID,
		DeviceToken:   req.DeviceToken,
		Platform:      req.Platform,
		AppVersion:    req.AppVersion,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.UpsertMobileSession(ctx, session); err != nil {
		return nil, err
	}
	if c.liveness != nil {
		if err := c.liveness.TouchMobile(ctx, userID, req.DeviceToken); err != nil {
			c.log.Warn().Err(err).Str("user_id", userID).Msg("refreshing mobile liveness failed")
		}
	}

	pending, err := c.pending.PollPending(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &models.HeartbeatResponse{PendingCommands: pending, ServerTime: now}, nil
}
