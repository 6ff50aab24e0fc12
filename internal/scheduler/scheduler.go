// Package scheduler runs periodic jobs on a cron expression or a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Config selects the trigger. Cron takes precedence over Interval.
type Config struct {
	// Cron is a standard five-field expression or descriptor such as "@hourly".
	Cron     string
	Interval time.Duration
	// Location evaluates Cron; nil means time.Local.
	Location *time.Location
}

type job struct {
	name    string
	fn      func(context.Context)
	running sync.Mutex
}

// Scheduler runs registered jobs once at start and then on every trigger.
// A run that would overlap the previous run of the same job is skipped.
type Scheduler struct {
	cfg    Config
	logger *zap.Logger
	jobs   []*job
}

// New validates cfg and builds a Scheduler.
func New(cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	switch {
	case cfg.Cron != "":
		if _, err := cron.ParseStandard(cfg.Cron); err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Cron, err)
		}
	case cfg.Interval > 0:
	default:
		return nil, errors.New("either a cron expression or a positive interval is required")
	}
	return &Scheduler{cfg: cfg, logger: logger}, nil
}

// Add registers a job. Jobs must be added before Run.
func (s *Scheduler) Add(name string, fn func(context.Context)) {
	s.jobs = append(s.jobs, &job{name: name, fn: fn})
}

// Run blocks until ctx is canceled, then waits for in-flight runs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg conc.WaitGroup
	defer wg.Wait()

	trigger := func() {
		for _, j := range s.jobs {
			wg.Go(func() { s.runJob(ctx, j) })
		}
	}
	trigger()

	if s.cfg.Cron != "" {
		return s.runCron(ctx, trigger)
	}
	return s.runInterval(ctx, trigger)
}

func (s *Scheduler) runCron(ctx context.Context, trigger func()) error {
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cron.PrintfLogger(zap.NewStdLog(s.logger.Named("cron")))),
	)
	if _, err := c.AddFunc(s.cfg.Cron, trigger); err != nil {
		return fmt.Errorf("schedule %q: %w", s.cfg.Cron, err)
	}
	s.logger.Info("scheduler started", zap.String("cron", s.cfg.Cron), zap.Int("jobs", len(s.jobs)))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runInterval(ctx context.Context, trigger func()) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.Interval), zap.Int("jobs", len(s.jobs)))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			trigger()
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, j *job) {
	if ctx.Err() != nil {
		return
	}
	if !j.running.TryLock() {
		s.logger.Info("previous run still in progress, skipping", zap.String("job", j.name))
		return
	}
	defer j.running.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", zap.String("job", j.name), zap.Any("panic", r))
		}
	}()
	s.logger.Debug("job starting", zap.String("job", j.name))
	j.fn(ctx)
}
