package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/wspush/internal/adapter/metrics"
	"github.com/pscheid92/wspush/internal/platform/correlation"
)

// ErrSkipped is returned by a job that decided not to do any work this tick.
var ErrSkipped = errors.New("job skipped")

// Job statuses recorded per run.
const (
	statusOK      = "ok"
	statusError   = "error"
	statusSkipped = "skipped"
	statusPanic   = "panic"
)

// Job is one unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each job on its own ticker. Runs of one job never overlap;
// ticks missed while a run is in progress are dropped by the ticker.
type Scheduler struct {
	clock   clockwork.Clock
	metrics *metrics.JobMetrics
	jobs    []Job
}

func NewScheduler(clock clockwork.Clock, m *metrics.JobMetrics) *Scheduler {
	return &Scheduler{clock: clock, metrics: m}
}

// Add registers a job. It must be called before Run.
func (s *Scheduler) Add(job Job) {
	s.jobs = append(s.jobs, job)
}

// Run starts every job and blocks until ctx is cancelled and all in-flight
// runs have returned.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			slog.Warn("Job disabled, interval must be positive", "job", job.Name, "interval", job.Interval)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, job)
		}()
	}
	slog.Info("Scheduler started", "jobs", len(s.jobs))
	wg.Wait()
	slog.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := s.clock.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	tickCtx := correlation.WithID(ctx, correlation.NewID())
	start := s.clock.Now()

	status := statusOK
	err := safeRun(tickCtx, job)
	switch {
	case err == nil:
	case errors.Is(err, ErrSkipped):
		status = statusSkipped
		slog.DebugContext(tickCtx, "Job skipped", "job", job.Name, "reason", err)
	case errors.Is(err, errJobPanicked):
		status = statusPanic
		slog.ErrorContext(tickCtx, "Job panicked", "job", job.Name, "error", err)
	default:
		status = statusError
		slog.WarnContext(tickCtx, "Job failed", "job", job.Name, "error", err)
	}

	d := s.clock.Since(start)
	s.metrics.Run(job.Name, status, d)
	slog.DebugContext(tickCtx, "Job finished", "job", job.Name, "status", status, "duration", d)
}

var errJobPanicked = errors.New("job panicked")

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errJobPanicked, r)
		}
	}()
	return job.Run(ctx)
}
