/**
 * @description
 * Cron scheduler setup for the audit outbox relay.
 */
package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const DefaultRelaySchedule = "@every 10s"

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	relay      *AuditRelay
	schedule   string
	jobTimeout time.Duration
	logger     logrus.FieldLogger
}

// NewScheduler creates a new scheduler instance. Overlapping relay runs are skipped.
func NewScheduler(relay *AuditRelay, schedule string, logger logrus.FieldLogger) *Scheduler {
	if schedule == "" {
		schedule = DefaultRelaySchedule
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "scheduler")
	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:       c,
		relay:      relay,
		schedule:   schedule,
		jobTimeout: 30 * time.Second,
		logger:     logger,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runRelay); err != nil {
		s.logger.WithError(err).Error("failed to schedule audit relay job")
		return err
	}
	s.logger.WithField("schedule", s.schedule).Info("scheduled audit relay job")

	s.cron.Start()
	return nil
}

func (s *Scheduler) runRelay() {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	if n, err := s.relay.Drain(ctx); err == nil && n > 0 {
		s.logger.WithField("published", n).Info("audit events relayed")
	}
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
