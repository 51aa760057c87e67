package scheduler

import (
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/i474232898/weather-ingestion-pipeline/internal/pipeline"
)

// Scheduler fires the orchestrator on a fixed wall-clock interval. Ticks
// that land while a run is still active are skipped, never queued; the
// next tick fires on schedule regardless of how long the previous run took.
type Scheduler struct {
	scheduler    *gocron.Scheduler
	orchestrator *pipeline.Orchestrator
	interval     time.Duration
	logger       *zap.Logger
}

// New creates a new Scheduler.
func New(orchestrator *pipeline.Orchestrator, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		scheduler:    gocron.NewScheduler(time.UTC),
		orchestrator: orchestrator,
		interval:     interval,
		logger:       logger.Named("scheduler"),
	}
}

// Start schedules the periodic trigger and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		return eris.Errorf("invalid schedule interval %s", s.interval)
	}

	_, err := s.scheduler.Every(s.interval).Do(func() {
		runID, err := s.orchestrator.Trigger(pipeline.TriggerScheduled)
		if err != nil {
			if eris.Is(err, pipeline.ErrBusy) {
				s.logger.Info("tick skipped, run in progress")
				return
			}
			s.logger.Error("scheduled trigger failed", zap.Error(err))
			return
		}
		s.logger.Info("scheduled run triggered", zap.String("run_id", runID))
	})
	if err != nil {
		return eris.Wrap(err, "schedule ingestion job")
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future ticks.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
