// Package scheduler runs the periodic maintenance jobs: the daily schedule rebuild,
// the stale command sweep and the completion of past schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// jobTimeout bounds a single run of any job.
const jobTimeout = 5 * time.Minute

// Job is one periodic unit of work.
type Job func(ctx context.Context) error

// Scheduler manages time-based triggers
type Scheduler struct {
	cron      *cron.Cron
	jobMap    map[string]cron.EntryID // Maps job name to cron entry ID
	jobMapMux sync.RWMutex            // Protects jobMap
	log       zerolog.Logger
}

// NewScheduler creates a scheduler evaluating cron specs in loc.
func NewScheduler(loc *time.Location, log zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	logger := cronLogger{log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		jobMap: make(map[string]cron.EntryID),
		log:    log,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", s.JobCount()).Msg("cron scheduler started")
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("cron scheduler stopped")
}

// AddOrUpdateJob registers job under name, replacing a job of the same name.
func (s *Scheduler) AddOrUpdateJob(name, spec string, job Job) error {
	entryID, err := s.cron.AddFunc(spec, s.wrap(name, job))
	if err != nil {
		return fmt.Errorf("schedule job %s with cron %q: %w", name, spec, err)
	}

	s.jobMapMux.Lock()
	if old, exists := s.jobMap[name]; exists {
		s.cron.Remove(old)
	}
	s.jobMap[name] = entryID
	s.jobMapMux.Unlock()

	s.log.Info().Str("job", name).Str("cron", spec).Int("entry_id", int(entryID)).Msg("job scheduled")
	return nil
}

// RemoveJob removes a job by name.
func (s *Scheduler) RemoveJob(name string) {
	s.jobMapMux.Lock()
	defer s.jobMapMux.Unlock()

	if entryID, exists := s.jobMap[name]; exists {
		s.cron.Remove(entryID)
		delete(s.jobMap, name)
		s.log.Info().Str("job", name).Msg("job removed")
	}
}

// JobCount returns the number of currently scheduled jobs
func (s *Scheduler) JobCount() int {
	s.jobMapMux.RLock()
	defer s.jobMapMux.RUnlock()
	return len(s.jobMap)
}

// Next returns the next activation of a job, or the zero time if it is unknown or the
// scheduler is not running.
func (s *Scheduler) Next(name string) time.Time {
	s.jobMapMux.RLock()
	entryID, ok := s.jobMap[name]
	s.jobMapMux.RUnlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(entryID).Next
}

func (s *Scheduler) wrap(name string, job Job) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		start := time.Now()
		if err := job(ctx); err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("job failed")
			return
		}
		s.log.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("job finished")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
