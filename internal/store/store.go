// Package store defines the persistence boundary of the scheduling core.
package store

import (
	"context"
	"time"

	"smartplan/internal/models"
)

// Store is the storage collaborator. Lookups of missing rows return errors wrapping
// models.ErrNotFound; collaborator failures wrap models.ErrTransientStorage.
type Store interface {
	// WithTx runs fn against a store bound to one transaction. An error from fn rolls
	// the transaction back.
	WithTx(ctx context.Context, fn func(Store) error) error

	GetStructureByExternalID(ctx context.Context, userID, externalID string) (*models.Structure, error)
	CreateStructure(ctx context.Context, s *models.Structure) error
	UpdateStructure(ctx context.Context, s *models.Structure) error

	GetDevice(ctx context.Context, id string) (*models.Device, error)
	GetDeviceByExternalID(ctx context.Context, userID, externalID string) (*models.Device, error)
	ListDevices(ctx context.Context, userID string) ([]models.Device, error)
	CreateDevice(ctx context.Context, d *models.Device) error
	UpdateDevice(ctx context.Context, d *models.Device) error

	GetDeviceState(ctx context.Context, deviceID string) (*models.DeviceState, error)
	UpsertDeviceState(ctx context.Context, s models.DeviceState) error

	CreateCommand(ctx context.Context, c *models.Command) error
	GetCommand(ctx context.Context, id string) (*models.Command, error)
	// UpdateCommand writes c only if the stored command is still in (fromStatus,
	// fromRetries); otherwise it returns models.ErrInvalidTransition.
	UpdateCommand(ctx context.Context, c *models.Command, fromStatus models.CommandStatus, fromRetries int) error
	// ListQueuedCommands returns a user's queued commands that entered the queue after
	// since, oldest first.
	ListQueuedCommands(ctx context.Context, userID string, since time.Time, limit int) ([]models.Command, error)
	// ListStaleCommands returns queued commands that entered the queue before before.
	ListStaleCommands(ctx context.Context, before time.Time) ([]models.Command, error)
	ListDeviceCommands(ctx context.Context, deviceID string, limit int) ([]models.Command, error)

	CreateRule(ctx context.Context, r *models.Rule) error
	GetRule(ctx context.Context, id string) (*models.Rule, error)
	UpdateRule(ctx context.Context, r *models.Rule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context, userID string) ([]models.Rule, error)
	ListDeviceRules(ctx context.Context, deviceID string) ([]models.Rule, error)
	ListEnabledRules(ctx context.Context) ([]models.Rule, error)

	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
	FindSchedule(ctx context.Context, deviceID, ruleID, date string) (*models.Schedule, error)
	CreateSchedule(ctx context.Context, s *models.Schedule) error
	UpdateSchedule(ctx context.Context, s *models.Schedule) error
	ListSchedules(ctx context.Context, userID, date string) ([]models.Schedule, error)
	ListDeviceSchedules(ctx context.Context, deviceID, date string) ([]models.Schedule, error)
	// CompleteSchedulesBefore marks pending and active schedules dated before date completed.
	CompleteSchedulesBefore(ctx context.Context, date string, now time.Time) (int, error)

	GetDayPrice(ctx context.Context, date, timezone string) (*models.DayPrice, error)
	UpsertDayPrice(ctx context.Context, p *models.DayPrice) error

	UpsertMobileSession(ctx context.Context, s *models.MobileSession) error
	InsertAutomationLog(ctx context.Context, l *models.AutomationLog) error
}
