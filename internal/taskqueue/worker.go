package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"smartplan/internal/models"
)

// Handlers executes the work behind each task type.
type Handlers interface {
	HandleEvaluate(ctx context.Context, task models.EvaluationTask) error
	HandleRebuild(ctx context.Context, date, timezone string) error
	HandleSlot(ctx context.Context, b models.Boundary) error
}

// NewServeMux routes task types to h.
func NewServeMux(h Handlers, log zerolog.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeEvaluate, func(ctx context.Context, t *asynq.Task) error {
		var task models.EvaluationTask
		if err := decode(t, &task); err != nil {
			return err
		}
		log.Debug().Str("rule_id", task.RuleID).Str("date", task.Date).Msg("evaluating rule")
		return permanent(h.HandleEvaluate(ctx, task))
	})
	mux.HandleFunc(TypeRebuild, func(ctx context.Context, t *asynq.Task) error {
		var p RebuildPayload
		if err := decode(t, &p); err != nil {
			return err
		}
		log.Debug().Str("date", p.Date).Str("timezone", p.Timezone).Msg("rebuilding schedules")
		return permanent(h.HandleRebuild(ctx, p.Date, p.Timezone))
	})
	mux.HandleFunc(TypeSlot, func(ctx context.Context, t *asynq.Task) error {
		var b models.Boundary
		if err := decode(t, &b); err != nil {
			return err
		}
		log.Debug().Str("schedule_id", b.ScheduleID).Str("clock", b.Clock).Bool("on", b.On).Msg("slot boundary")
		return permanent(h.HandleSlot(ctx, b))
	})
	return mux
}

func decode(t *asynq.Task, v any) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}

// permanent stops asynq from retrying failures another attempt cannot fix.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrValidation) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// Worker runs the asynq server.
type Worker struct {
	srv *asynq.Server
	mux *asynq.ServeMux
	log zerolog.Logger
}

// NewWorker builds a worker consuming from the redis at redisAddr.
func NewWorker(redisAddr string, concurrency int, h Handlers, log zerolog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 10
	}
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		Concurrency: concurrency,
		Logger:      asynqLogger{log},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Error().Err(err).Str("type", t.Type()).Int("retry", retried).Int("max_retry", maxRetry).Msg("task failed")
		}),
	})
	return &Worker{srv: srv, mux: NewServeMux(h, log), log: log}
}

// Start starts processing in the background.
func (w *Worker) Start() error {
	w.log.Info().Msg("starting workers")
	if err := w.srv.Start(w.mux); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	return nil
}

// Shutdown stops fetching tasks and waits for active ones.
func (w *Worker) Shutdown() {
	w.log.Info().Msg("stopping workers")
	w.srv.Shutdown()
}

// asynqLogger routes asynq's own logging through zerolog.
type asynqLogger struct {
	log zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
