package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"smartplan/internal/models"
)

// Task types
const (
	TypeEvaluate = "schedule:evaluate"
	TypeRebuild  = "schedule:rebuild"
	TypeSlot     = "schedule:slot"
)

const (
	maxRetry    = 3
	taskTimeout = 10 * time.Second
	// a rebuild only fans out evaluation tasks, but may cover many rules
	rebuildTimeout = time.Minute
	evaluateUnique = time.Minute
)

// RebuildPayload selects the rules a rebuild re-evaluates. An empty Timezone means
// every enabled rule.
type RebuildPayload struct {
	Date     string `json:"date"`
	Timezone string `json:"timezone,omitempty"`
}

// NewEvaluateTask builds a rule evaluation task.
func NewEvaluateTask(task models.EvaluationTask) (*asynq.Task, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeEvaluate, payload), nil
}

// NewRebuildTask builds a task re-evaluating the rules of one date.
func NewRebuildTask(p RebuildPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRebuild, payload), nil
}

// NewSlotTask builds the task fired at a schedule slot boundary.
func NewSlotTask(b models.Boundary) (*asynq.Task, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSlot, payload), nil
}

// Enqueuer is the part of *asynq.Client the dispatcher uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Client hands planner work to the asynq queue.
type Client struct {
	enqueuer Enqueuer
	log      zerolog.Logger
}

// NewClient wraps an enqueuer, usually an *asynq.Client.
func NewClient(enqueuer Enqueuer, log zerolog.Logger) *Client {
	return &Client{enqueuer: enqueuer, log: log}
}

// DispatchBoundary schedules a slot task at b.At. The task id is derived from the
// boundary instant and direction, so dispatching the same boundary twice queues it
// once while the two edges of a run never collide.
func (c *Client) DispatchBoundary(ctx context.Context, b models.Boundary) error {
	task, err := NewSlotTask(b)
	if err != nil {
		return err
	}
	id := fmt.Sprintf("slot:%s:%s:%d:%s", b.ScheduleID, b.Fingerprint, b.At.Unix(), edge(b.On))
	return c.enqueue(ctx, task,
		asynq.ProcessAt(b.At),
		asynq.TaskID(id),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(taskTimeout),
	)
}

func edge(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// DispatchEvaluation queues a rule evaluation.
func (c *Client) DispatchEvaluation(ctx context.Context, t models.EvaluationTask) error {
	task, err := NewEvaluateTask(t)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task,
		asynq.Unique(evaluateUnique),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(taskTimeout),
	)
}

// DispatchRebuild queues the re-evaluation of every matching rule for a date.
func (c *Client) DispatchRebuild(ctx context.Context, date, timezone string) error {
	task, err := NewRebuildTask(RebuildPayload{Date: date, Timezone: timezone})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task, asynq.MaxRetry(maxRetry), asynq.Timeout(rebuildTimeout))
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	info, err := c.enqueuer.EnqueueContext(ctx, task, opts...)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		c.log.Debug().Str("type", task.Type()).Msg("task already queued")
		return nil
	case err != nil:
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	c.log.Debug().Str("type", task.Type()).Str("task_id", info.ID).Str("queue", info.Queue).Msg("task enqueued")
	return nil
}
