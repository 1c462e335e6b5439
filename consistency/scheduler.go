package consistency

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Runner is what a Scheduler triggers
type Runner interface {
	Trigger(ctx context.Context) ([]Report, error)
}

// Scheduler triggers validation runs on a cron schedule
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler parses schedule (standard cron spec or descriptor such as
// "@every 1h") and binds it to runner
func NewScheduler(schedule string, runner Runner) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}

	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid consistency schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	if _, err := s.runner.Trigger(s.ctx); err != nil {
		log.Error().Err(err).Msg("Scheduled consistency validation failed")
	}
}

// Next returns the time of the next scheduled run
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Start begins scheduling in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Time("next", s.Next()).Msg("Consistency scheduler started")
}

// Stop stops scheduling and waits up to timeout for a running validation
func (s *Scheduler) Stop(timeout time.Duration) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(timeout):
		log.Warn().Msg("Consistency run still in progress at shutdown")
	}
	s.cancel()
}
