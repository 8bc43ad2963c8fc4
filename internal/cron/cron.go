// Package cron runs relay housekeeping jobs on cron expressions.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Schedule string // cron expression or @macro; empty disables the job
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on their schedules until its context is cancelled.
// A job never overlaps with itself: a tick that arrives while the previous
// run is still going is skipped.
type Scheduler struct {
	jobs []Job
	now  func() time.Time
}

// New validates every schedule and returns a scheduler for the enabled jobs.
func New(jobs ...Job) (*Scheduler, error) {
	g := gronx.New()
	s := &Scheduler{now: time.Now}
	for _, j := range jobs {
		if j.Schedule == "" {
			slog.Debug("cron.job_disabled", "job", j.Name)
			continue
		}
		if !g.IsValid(j.Schedule) {
			return nil, fmt.Errorf("job %s: invalid schedule %q", j.Name, j.Schedule)
		}
		s.jobs = append(s.jobs, j)
	}
	return s, nil
}

// Jobs returns the names of the enabled jobs.
func (s *Scheduler) Jobs() []string {
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			s.loop(ctx, j)
		}(j)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	for {
		next, err := NextRun(j.Schedule, s.now())
		if err != nil {
			slog.Error("cron.schedule_failed", "job", j.Name, "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		RunOnce(ctx, j)
	}
}

// RunOnce executes j synchronously, logging its outcome.
func RunOnce(ctx context.Context, j Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("cron.job_panic", "job", j.Name, "panic", r)
		}
	}()
	if err := j.Run(ctx); err != nil {
		slog.Warn("cron.job_failed", "job", j.Name, "error", err)
		return
	}
	slog.Debug("cron.job_done", "job", j.Name, "took", time.Since(start))
}

// NextRun returns the first tick strictly after ref.
func NextRun(schedule string, ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(schedule, ref, false)
}
