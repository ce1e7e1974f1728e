// Package scheduler runs periodic maintenance jobs for SurveyPipe.
//
// Jobs are registered with cron expressions (five fields, or descriptors such as "@every 5m")
// and run until the context passed to Run is cancelled.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Job is a unit of maintenance work. It receives the context of the running scheduler.
type Job func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron

	mu  sync.Mutex
	ctx context.Context
}

// NewScheduler creates a scheduler. Jobs start running once Run is called.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	return &Scheduler{cron: c, ctx: context.Background()}
}

// AddJob schedules job under name using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr, name string, job Job) error {
	_, err := s.cron.AddFunc(expr, func() {
		ctx := s.context()
		if ctx.Err() != nil {
			return
		}
		if err := job(ctx); err != nil {
			slog.Error("Scheduler: job failed", "job", name, "error", err)
			return
		}
		slog.Debug("Scheduler: job finished", "job", name)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", expr, name, err)
	}
	slog.Info("Scheduler.AddJob: scheduled", "job", name, "schedule", expr)
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	slog.Info("Scheduler.Run: starting", "jobs", s.Len())
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("Scheduler.Run: stopped")
	return nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}
