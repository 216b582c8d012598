package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Activator moves due scheduled bundles to ACTIVE.
type Activator interface {
	ActivateDue(ctx context.Context) (int, error)
}

// Scheduler runs the scheduled-activation job on a fixed interval.
type Scheduler struct {
	cron      gocron.Scheduler
	activator Activator
	logger    zerolog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

// New registers the activation job. The first run happens immediately on Start.
// Overlapping runs are skipped and rescheduled.
func New(activator Activator, interval time.Duration, logger zerolog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.Errorf("invalid activation interval %s", interval)
	}

	cron, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, errors.Wrap(err, "create scheduler")
	}

	logger = logger.With().Str("job", "activate_scheduled_bundles").Logger()
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background()))

	s := &Scheduler{
		cron:      cron,
		activator: activator,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	_, err = cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.RunOnce),
		gocron.WithName("activate_scheduled_bundles"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "register activation job")
	}

	return s, nil
}

// Start begins running the job.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("activation scheduler started")
}

// RunOnce performs one activation pass.
func (s *Scheduler) RunOnce() {
	start := time.Now()
	n, err := s.activator.ActivateDue(s.ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error().Err(err).Msg("activation pass failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int("activated", n).Dur("duration", time.Since(start)).Msg("scheduled bundles activated")
	}
}

// Shutdown cancels a running pass and stops the scheduler.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	if err := s.cron.Shutdown(); err != nil {
		return errors.Wrap(err, "shutdown scheduler")
	}
	return nil
}
