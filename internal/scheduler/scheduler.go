// Package scheduler runs the background jobs of the rotation engine on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/rotation/internal/events"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job represents a scheduled job. Run returns how many records it affected.
type Job interface {
	Run(ctx context.Context) (int, error)
	Name() string
}

// Scheduler manages background jobs
type Scheduler struct {
	cron         *cron.Cron
	eventManager *events.Manager
	ctx          context.Context
	cancel       context.CancelFunc
	running      sync.Map // job name -> struct{}
	log          zerolog.Logger
}

// New creates a new scheduler
func New(eventManager *events.Manager, log zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:         cron.New(cron.WithSeconds()),
		eventManager: eventManager,
		ctx:          ctx,
		cancel:       cancel,
		log:          log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a new job with cron schedule
// Schedule examples:
//   - "0 */5 * * * *"      - Every 5 minutes
//   - "@hourly"            - Every hour
//   - "0 0 3 * * *"        - 3 AM daily
//   - "@every 30s"         - Every 30 seconds
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.run(s.ctx, job); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("Job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s with %q: %w", job.Name(), schedule, err)
	}

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")

	return nil
}

// RunNow executes a job immediately (outside schedule)
func (s *Scheduler) RunNow(ctx context.Context, job Job) (int, error) {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return s.run(ctx, job)
}

// ErrAlreadyRunning is returned when a run of the same job is in progress
var ErrAlreadyRunning = errors.New("job already running")

// run executes job unless a previous run of it is still going, and emits
// its outcome.
func (s *Scheduler) run(ctx context.Context, job Job) (int, error) {
	if _, busy := s.running.LoadOrStore(job.Name(), struct{}{}); busy {
		s.log.Debug().Str("job", job.Name()).Msg("Previous run still in progress, skipping")
		return 0, ErrAlreadyRunning
	}
	defer s.running.Delete(job.Name())

	s.log.Debug().Str("job", job.Name()).Msg("Running job")
	started := time.Now()
	affected, err := job.Run(ctx)
	elapsed := time.Since(started)

	data := &events.JobStatusData{
		Job:      job.Name(),
		Status:   "completed",
		Duration: elapsed.Seconds(),
		Affected: affected,
	}
	if err != nil {
		data.Status = "failed"
		data.Error = err.Error()
	} else {
		s.log.Debug().
			Str("job", job.Name()).
			Int("affected", affected).
			Dur("duration", elapsed).
			Msg("Job completed")
	}
	s.eventManager.Emit("scheduler", data)

	return affected, err
}
