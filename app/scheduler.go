package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/artpar/quotaguard/ports"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Default job schedules.
const (
	DefaultPersistenceSchedule    = "5 * * * *"
	DefaultRateLimitSweepSchedule = "*/15 * * * *"
	DefaultCacheSweepSchedule     = "*/30 * * * *"
)

// DefaultRetryBackoff is the fixed pause between attempts of a failed job.
const DefaultRetryBackoff = 60 * time.Second

// ErrSchedulerStarted is returned when Start is called twice.
var ErrSchedulerStarted = errors.New("scheduler already started")

// Job is one periodic background task.
type Job struct {
	Name       string
	Schedule   cron.Schedule
	Run        func(ctx context.Context) error
	Backoff    time.Duration // fixed pause before a retry
	MaxRetries int           // retries per cycle before waiting for the next fire time
}

// ParseSchedule parses a five-field cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Scheduler runs each job in its own loop. A loop computes the job's next
// fire time from its schedule and sleeps until then, so runs stay aligned to
// wall-clock boundaries across restarts.
type Scheduler struct {
	clock   ports.Clock
	metrics ports.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	jobs    []Job
	group   *errgroup.Group
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a scheduler.
func NewScheduler(clock ports.Clock, m ports.Metrics, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		clock:   clock,
		metrics: metricsOrNop(m),
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}
}

// Add registers a job. Jobs added after Start are ignored.
func (s *Scheduler) Add(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.Backoff <= 0 {
		job.Backoff = DefaultRetryBackoff
	}
	s.jobs = append(s.jobs, job)
}

// Start launches one loop per job. The loops stop when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSchedulerStarted
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		job := job
		s.group.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	s.started = true

	s.logger.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
	return nil
}

// Stop cancels every loop and waits for them to exit. A job attempt already
// running is cancelled through its context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.Wait()
}

// Wait blocks until every loop has exited.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g != nil {
		_ = g.Wait()
	}
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	log := s.logger.With().Str("job", job.Name).Logger()
	for {
		now := s.clock.Now()
		next := job.Schedule.Next(now)
		if next.IsZero() {
			log.Warn().Msg("schedule never fires, stopping loop")
			return
		}
		log.Debug().Time("next", next).Msg("job scheduled")

		if !sleep(ctx, next.Sub(now)) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.runWithRetry(ctx, job, log)
	}
}

// runWithRetry runs one cycle of a job, retrying failures after a fixed
// backoff.
func (s *Scheduler) runWithRetry(ctx context.Context, job Job, log zerolog.Logger) {
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		err := job.Run(ctx)
		took := time.Since(start)
		s.metrics.ObserveJob(job.Name, err, took)

		if err == nil {
			log.Debug().Dur("took", took).Msg("job finished")
			return
		}
		if ctx.Err() != nil {
			return
		}

		log.Error().Err(err).Int("attempt", attempt+1).Msg("job failed")
		if attempt >= job.MaxRetries {
			log.Warn().Msg("retries exhausted, waiting for next run")
			return
		}
		if !sleep(ctx, job.Backoff) {
			return
		}
	}
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d < 0 {
		d = 0
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
