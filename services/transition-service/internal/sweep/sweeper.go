package sweep

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Target is the part of the engine a sweep drives.
type Target interface {
	Users() []string
	Trigger(userID string)
}

// Sweeper re-triggers every known user on a cron schedule, so appointments
// whose window opens or closes are moved even when nothing in the store
// changes.
type Sweeper struct {
	cron   *cron.Cron
	target Target
	logger *slog.Logger
}

// New parses spec as a standard five field cron expression.
func New(spec string, target Target, logger *slog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		target: target,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(spec, s.RunOnce); err != nil {
		return nil, err
	}
	return s, nil
}

// RunOnce triggers a pass for every user and returns immediately; passes run
// on the engine's own goroutines.
func (s *Sweeper) RunOnce() {
	users := s.target.Users()
	for _, u := range users {
		s.target.Trigger(u)
	}
	if len(users) > 0 {
		s.logger.Debug("sweep triggered passes", "users", len(users))
	}
}

// Run starts the schedule and blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
}
