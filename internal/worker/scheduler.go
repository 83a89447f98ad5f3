package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/climatedata/acis/internal/jobs"
	"github.com/climatedata/acis/internal/queue"
)

// Scheduler enqueues a batch of queries on a cron schedule.
type Scheduler struct {
	scheduler *gocron.Scheduler
	queries   []jobs.Query
	schedule  string
	queue     Enqueuer
	now       func() time.Time
	logger    zerolog.Logger
}

// SchedulerConfig holds configuration for a Scheduler.
type SchedulerConfig struct {
	Queries []jobs.Query
	// Schedule is a five-field cron expression evaluated in UTC.
	Schedule string
	Queue    Enqueuer
	Logger   zerolog.Logger
}

// NewScheduler creates a scheduler. It does nothing until Start.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		queries:   cfg.Queries,
		schedule:  cfg.Schedule,
		queue:     cfg.Queue,
		now:       time.Now,
		logger:    cfg.Logger.With().Str("component", "acis_scheduler").Logger(),
	}
}

// Start registers the batch and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if len(s.queries) == 0 {
		s.logger.Info().Msg("no jobs configured; nothing to schedule")
		return nil
	}

	if _, err := s.scheduler.Cron(s.schedule).Do(s.runBatch); err != nil {
		return fmt.Errorf("scheduling jobs: %w", err)
	}

	s.scheduler.StartAsync()
	s.logger.Info().
		Str("schedule", s.schedule).
		Int("jobs", len(s.queries)).
		Msg("scheduler started")
	return nil
}

// Stop stops the scheduler and cancels any future runs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *Scheduler) runBatch() {
	if _, err := s.RunOnce(s.now()); err != nil {
		s.logger.Warn().Err(err).Msg("batch stopped early")
	}
}

// RunOnce enqueues every query with dates resolved at now and returns the
// number enqueued. Invalid queries are skipped; a closed queue stops the
// batch.
func (s *Scheduler) RunOnce(now time.Time) (int, error) {
	s.logger.Info().Msg("running scheduled batch")

	enqueued := 0
	for _, q := range s.queries {
		params, err := q.Params(now)
		if err != nil {
			s.logger.Error().Err(err).Str("job", q.Name).Msg("invalid query")
			continue
		}
		if _, err := s.queue.Enqueue(params, &Ticket{Job: q.Name, Source: SourceSchedule}); err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				return enqueued, err
			}
			s.logger.Error().Err(err).Str("job", q.Name).Msg("failed to enqueue query")
			continue
		}
		enqueued++
	}

	s.logger.Info().
		Int("enqueued", enqueued).
		Int("jobs", len(s.queries)).
		Msg("scheduled batch enqueued")
	return enqueued, nil
}
