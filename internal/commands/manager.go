// Package commands manages the delivery lifecycle of device commands.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"smartplan/internal/authz"
	"smartplan/internal/metrics"
	"smartplan/internal/models"
	"smartplan/internal/notify"
)

// Store is the persistence the manager needs.
type Store interface {
	authz.Lookup
	CreateCommand(ctx context.Context, c *models.Command) error
	UpdateCommand(ctx context.Context, c *models.Command, fromStatus models.CommandStatus, fromRetries int) error
	ListQueuedCommands(ctx context.Context, userID string, since time.Time, limit int) ([]models.Command, error)
	ListStaleCommands(ctx context.Context, before time.Time) ([]models.Command, error)
	ListDeviceCommands(ctx context.Context, deviceID string, limit int) ([]models.Command, error)
	InsertAutomationLog(ctx context.Context, l *models.AutomationLog) error
}

// StateProjector receives the device state reported with an acknowledged command.
type StateProjector interface {
	ApplyCommandOutcome(ctx context.Context, userID, deviceID string, doc json.RawMessage, ts time.Time) error
}

// Manager drives commands through queued, sent, acked and failed. Every transition is
// a compare-and-swap on (status, retry_count), so concurrent reports for the same
// command cannot both win.
type Manager struct {
	store     Store
	gate      *authz.Gate
	projector StateProjector
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

func NewManager(store Store, projector StateProjector, notifier notify.Notifier, m *metrics.Metrics, log zerolog.Logger) *Manager {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Manager{
		store:     store,
		gate:      authz.NewGate(store),
		projector: projector,
		notifier:  notifier,
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
}

// WithClock returns a manager reading time from now.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	cp := *m
	cp.now = now
	return &cp
}

// Enqueue creates a queued command for a device the user owns.
func (m *Manager) Enqueue(ctx context.Context, userID, deviceID, commandType string, payload json.RawMessage, scheduleID *string) (*models.Command, error) {
	if _, err := m.gate.Device(ctx, userID, deviceID); err != nil {
		return nil, err
	}
	if err := models.ValidateCommandPayload(commandType, payload); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	cmd := &models.Command{
		ID:         uuid.NewString(),
		UserID:     userID,
		DeviceID:   deviceID,
		ScheduleID: scheduleID,
		Type:       commandType,
		Payload:    payload,
		Status:     models.CommandQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateCommand(ctx, cmd); err != nil {
		return nil, err
	}
	m.metrics.IncCommandTransition("create", string(cmd.Status))
	m.log.Info().Str("command_id", cmd.ID).Str("device_id", deviceID).Str("type", commandType).Msg("command queued")
	m.notify(ctx, cmd, models.EventCommandQueued)
	return cmd, nil
}

// Get returns a command the user owns.
func (m *Manager) Get(ctx context.Context, userID, commandID string) (*models.Command, error) {
	return m.gate.Command(ctx, userID, commandID)
}

// ListForDevice returns the newest commands of a device the user owns.
func (m *Manager) ListForDevice(ctx context.Context, userID, deviceID string, limit int) ([]models.Command, error) {
	if _, err := m.gate.Device(ctx, userID, deviceID); err != nil {
		return nil, err
	}
	return m.store.ListDeviceCommands(ctx, deviceID, limit)
}

// MarkSent records delivery of a queued command.
func (m *Manager) MarkSent(ctx context.Context, commandID string) (*models.Command, error) {
	cmd, err := m.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if err := m.apply(ctx, cmd, nil, EventSend); err != nil {
		return nil, err
	}
	return cmd, nil
}

// PollPending hands up to PendingBatchSize fresh queued commands to the mobile client,
// oldest first, and marks them sent. Commands queued for longer than CommandStaleAfter
// are left for the expiry sweep.
func (m *Manager) PollPending(ctx context.Context, userID string) ([]models.Command, error) {
	since := m.now().UTC().Add(-models.CommandStaleAfter)
	queued, err := m.store.ListQueuedCommands(ctx, userID, since, models.PendingBatchSize)
	if err != nil {
		return nil, err
	}

	sent := make([]models.Command, 0, len(queued))
	for i := range queued {
		cmd := &queued[i]
		if err := m.apply(ctx, cmd, nil, EventSend); err != nil {
			if errors.Is(err, models.ErrInvalidTransition) {
				// Another poller or a result report got there first.
				continue
			}
			return nil, err
		}
		sent = append(sent, *cmd)
	}
	return sent, nil
}

// ReportResult applies the mobile client's execution report.
//
// Success acknowledges a sent command and forwards newState to the state projector.
// Failure marks the command failed and counts a retry; while retries remain it is
// queued again, otherwise it stays failed. Reports for acknowledged commands are
// stale and ignored.
func (m *Manager) ReportResult(ctx context.Context, userID, commandID string, success bool, errMsg *string, newState json.RawMessage) (*models.Command, error) {
	cmd, err := m.gate.Command(ctx, userID, commandID)
	if err != nil {
		return nil, err
	}
	if cmd.Status == models.CommandAcked {
		m.log.Debug().Str("command_id", cmd.ID).Bool("success", success).Msg("ignoring report for acknowledged command")
		return cmd, nil
	}

	now := m.now().UTC()
	if success {
		err := m.apply(ctx, cmd, func(c *models.Command) {
			c.ExecutedAt = &now
			c.ErrorMessage = nil
		}, EventAck)
		if err != nil {
			return nil, err
		}
		if len(newState) > 0 && m.projector != nil {
			if err := m.projector.ApplyCommandOutcome(ctx, userID, cmd.DeviceID, newState, now); err != nil {
				m.log.Error().Err(err).Str("command_id", cmd.ID).Msg("projecting command outcome failed")
			}
		}
		m.notify(ctx, cmd, models.EventCommandAcked)
		return cmd, nil
	}

	msg := "command failed"
	if errMsg != nil && *errMsg != "" {
		msg = *errMsg
	}
	// The failure and the automatic re-queue are stored together, so a command is
	// never left failed with retry budget it cannot use.
	events := []Event{EventFail}
	if cmd.RetryCount+1 < models.MaxCommandRetries {
		events = append(events, EventRetry)
	}
	err = m.apply(ctx, cmd, func(c *models.Command) {
		c.RetryCount++
		c.ErrorMessage = &msg
		c.ExecutedAt = &now
	}, events...)
	if err != nil {
		return nil, err
	}

	if cmd.Status == models.CommandQueued {
		m.log.Info().Str("command_id", cmd.ID).Int("retry_count", cmd.RetryCount).Msg("command re-queued after failure")
		return cmd, nil
	}

	m.log.Warn().Str("command_id", cmd.ID).Str("error", msg).Msg("command failed permanently")
	m.notify(ctx, cmd, models.EventCommandFailed)
	m.audit(ctx, cmd, "command_failed", map[string]any{"retry_count": cmd.RetryCount, "error": msg})
	return cmd, nil
}

// Retry re-queues a failed command that still has retry budget.
func (m *Manager) Retry(ctx context.Context, userID, commandID string) (*models.Command, error) {
	cmd, err := m.gate.Command(ctx, userID, commandID)
	if err != nil {
		return nil, err
	}
	if cmd.Status != models.CommandFailed || !cmd.IsRetriable() {
		return nil, models.ErrNotRetriable
	}
	err = m.apply(ctx, cmd, func(c *models.Command) {
		c.RetryCount++
		c.ErrorMessage = nil
	}, EventRetry)
	if err != nil {
		return nil, err
	}
	m.notify(ctx, cmd, models.EventCommandQueued)
	return cmd, nil
}

// ExpireStale fails every command queued for longer than CommandStaleAfter. Expired
// commands are not retried automatically.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	now := m.now().UTC()
	stale, err := m.store.ListStaleCommands(ctx, now.Add(-models.CommandStaleAfter))
	if err != nil {
		return 0, err
	}

	expired := 0
	msg := "expired"
	for i := range stale {
		cmd := &stale[i]
		if !cmd.ShouldExpire(now) {
			continue
		}
		err := m.apply(ctx, cmd, func(c *models.Command) { c.ErrorMessage = &msg }, EventExpire)
		if err != nil {
			if errors.Is(err, models.ErrInvalidTransition) {
				continue
			}
			return expired, err
		}
		expired++
		m.notify(ctx, cmd, models.EventCommandExpired)
		m.audit(ctx, cmd, "command_expired", map[string]any{"queued_since": stale[i].UpdatedAt})
	}
	if expired > 0 {
		m.log.Info().Int("count", expired).Msg("expired stale commands")
	}
	return expired, nil
}

// apply moves cmd through events in order and persists the result with a single
// compare-and-swap on its current status and retry count. On success cmd holds the
// stored command.
func (m *Manager) apply(ctx context.Context, cmd *models.Command, mutate func(*models.Command), events ...Event) error {
	next := cmd.Status
	steps := make([]models.CommandStatus, 0, len(events))
	for _, ev := range events {
		var err error
		next, err = Transition(next, ev)
		if err != nil {
			m.log.Warn().Err(err).Str("command_id", cmd.ID).Msg("rejected command transition")
			return err
		}
		steps = append(steps, next)
	}

	updated := *cmd
	updated.Status = next
	updated.UpdatedAt = m.now().UTC()
	if mutate != nil {
		mutate(&updated)
	}
	if err := m.store.UpdateCommand(ctx, &updated, cmd.Status, cmd.RetryCount); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			m.log.Warn().Err(err).Str("command_id", cmd.ID).Str("event", string(events[len(events)-1])).Msg("lost command transition race")
		}
		return err
	}
	*cmd = updated
	for i, ev := range events {
		m.metrics.IncCommandTransition(string(ev), string(steps[i]))
	}
	return nil
}

func (m *Manager) notify(ctx context.Context, cmd *models.Command, t models.EventType) {
	ev := models.Event{
		Type:      t,
		UserID:    cmd.UserID,
		DeviceID:  cmd.DeviceID,
		CommandID: cmd.ID,
		Payload:   cmd,
		At:        m.now().UTC(),
	}
	if cmd.ScheduleID != nil {
		ev.ScheduleID = *cmd.ScheduleID
	}
	if err := m.notifier.Notify(ctx, cmd.UserID, ev); err != nil {
		m.log.Warn().Err(err).Str("command_id", cmd.ID).Str("event", string(t)).Msg("notification failed")
	}
}

func (m *Manager) audit(ctx context.Context, cmd *models.Command, action string, details map[string]any) {
	details["command_id"] = cmd.ID
	raw, err := json.Marshal(details)
	if err != nil {
		m.log.Error().Err(err).Msg("encoding automation log")
		return
	}
	deviceID := cmd.DeviceID
	entry := &models.AutomationLog{
		ID:        uuid.NewString(),
		UserID:    cmd.UserID,
		DeviceID:  &deviceID,
		Action:    action,
		Details:   raw,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.InsertAutomationLog(ctx, entry); err != nil {
		m.log.Error().Err(err).Str("command_id", cmd.ID).Msg("writing automation log")
	}
}
