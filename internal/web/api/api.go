// Package api registers the HTTP routes of the scheduling service.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"smartplan/internal/models"
	"smartplan/internal/optimizer"
	"smartplan/internal/planner"
)

// Engine is the set of operations the routes expose.
type Engine interface {
	ListDevices(ctx context.Context, userID string) ([]models.Device, error)
	GetDevice(ctx context.Context, userID, deviceID string) (*models.Device, error)
	DeviceState(ctx context.Context, userID, deviceID string) (*models.DeviceState, error)

	SubmitCommand(ctx context.Context, userID, deviceID string, req models.CreateCommandRequest) (*models.Command, error)
	DeviceCommands(ctx context.Context, userID, deviceID string, limit int) ([]models.Command, error)
	GetCommand(ctx context.Context, userID, commandID string) (*models.Command, error)
	RetryCommand(ctx context.Context, userID, commandID string) (*models.Command, error)
	ReportCommandResult(ctx context.Context, userID string, res models.CommandResult) (*models.Command, error)

	SyncBatch(ctx context.Context, userID string, req models.SyncRequest) (*models.SyncSummary, error)
	Heartbeat(ctx context.Context, userID string, req models.HeartbeatRequest) (*models.HeartbeatResponse, error)

	CreateRule(ctx context.Context, userID string, req models.CreateRuleRequest) (*models.Rule, error)
	ListRules(ctx context.Context, userID string) ([]models.Rule, error)
	GetRule(ctx context.Context, userID, ruleID string) (*models.Rule, error)
	UpdateRule(ctx context.Context, userID, ruleID string, req models.UpdateRuleRequest) (*models.Rule, error)
	DeleteRule(ctx context.Context, userID, ruleID string) error
	PreviewSchedule(ctx context.Context, userID string, req models.PreviewScheduleRequest) (*optimizer.Result, error)

	ListSchedules(ctx context.Context, userID, date string) ([]models.Schedule, error)
	TodaySchedules(ctx context.Context, userID string) ([]models.Schedule, error)
	EvaluateSchedule(ctx context.Context, userID string, req models.EvaluateRequest) (*planner.Evaluation, error)
	RebuildSchedules(ctx context.Context, userID, date string) (int, error)

	GetPrices(ctx context.Context, date, timezone string) (*models.DayPrice, error)
	PutPrices(ctx context.Context, p models.DayPrice) (*models.DayPrice, error)
}

// respondError writes the status an engine error maps to. Unexpected errors are
// attached to the context for the request log and hidden from the client.
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrNotRetriable):
		return http.StatusConflict
	case errors.Is(err, models.ErrTransientStorage), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// bind decodes the JSON body; a malformed body is a validation error.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		respondError(c, fmt.Errorf("%w: %v", models.ErrValidation, err))
		return false
	}
	return true
}

func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		respondError(c, fmt.Errorf("%w: %s must be a non-negative integer", models.ErrValidation, name))
		return 0, false
	}
	return n, true
}

// list keeps empty collections as [] on the wire.
func list[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
