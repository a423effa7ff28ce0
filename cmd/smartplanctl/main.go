// Command smartplanctl runs operator tasks against the scheduling database and queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"smartplan/internal/config"
	"smartplan/internal/db"
	"smartplan/internal/engine"
	"smartplan/internal/logging"
	"smartplan/internal/models"
	"smartplan/internal/optimizer"
	"smartplan/internal/taskqueue"
)

var _rootOpts struct {
	logLevel string
}

var rootCmd = &cobra.Command{
	Use:           "smartplanctl",
	Short:         "Operate the smartplan scheduling service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&_rootOpts.logLevel, "log-level", "", "override app.log_level")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// env is an engine bound to the configured database and queue.
type env struct {
	cfg    *config.Config
	engine *engine.Engine
	db     *db.DB
	queue  *asynq.Client
}

func (e *env) Close() {
	e.queue.Close()
	e.db.Close()
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	level := cfg.App.LogLevel
	if _rootOpts.logLevel != "" {
		level = _rootOpts.logLevel
	}
	log := logging.NewLogger(level, "console")

	loc, err := models.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}
	tieBreak, err := optimizer.ParseTieBreak(cfg.Scheduler.TieBreak)
	if err != nil {
		return nil, err
	}
	conn, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	queue := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr})

	eng := engine.NewEngine(conn.Store(), taskqueue.NewClient(queue, logging.Component(log, "taskqueue")), engine.Options{
		Location: loc,
		TieBreak: tieBreak,
	}, log)
	return &env{cfg: cfg, engine: eng, db: conn, queue: queue}, nil
}
