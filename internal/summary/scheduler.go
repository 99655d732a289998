package summary

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Scheduler fires a callback once per calendar day at a fixed wall-clock
// time. It holds no state besides the last fire time.
type Scheduler struct {
	logger   *slog.Logger
	hour     int
	minute   int
	location *time.Location
	run      func(ctx context.Context, fired time.Time)
	now      func() time.Time
	after    func(d time.Duration) <-chan time.Time
}

// SchedulerConfig holds the configuration for the Scheduler.
type SchedulerConfig struct {
	Logger   *slog.Logger
	Hour     int
	Minute   int
	Location *time.Location
	Run      func(ctx context.Context, fired time.Time)
	// Now and After default to time.Now and time.After.
	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time
}

// NewScheduler creates a new Scheduler instance.
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("scheduler config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Run == nil {
		return nil, errors.New("run callback cannot be nil")
	}

	if cfg.Hour < 0 || cfg.Hour > 23 {
		return nil, errors.New("hour must be between 0 and 23")
	}

	if cfg.Minute < 0 || cfg.Minute > 59 {
		return nil, errors.New("minute must be between 0 and 59")
	}

	s := &Scheduler{
		logger:   cfg.Logger,
		hour:     cfg.Hour,
		minute:   cfg.Minute,
		location: cfg.Location,
		run:      cfg.Run,
		now:      cfg.Now,
		after:    cfg.After,
	}
	if s.location == nil {
		s.location = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.after == nil {
		s.after = time.After
	}
	return s, nil
}

// Next returns the first fire time strictly after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	local := t.In(s.location)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.location)
	if !next.After(t) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.hour, s.minute, 0, 0, s.location)
	}
	return next
}

// Run blocks until ctx is done, invoking the callback at every fire time.
// The callback runs synchronously, so runs never overlap.
func (s *Scheduler) Run(ctx context.Context) error {
	var last time.Time

	for {
		now := s.now()
		next := s.Next(now)
		if !next.After(last) {
			next = s.Next(last)
		}

		s.logger.Info("next daily summary scheduled", "at", next.Format(time.RFC3339))

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-s.after(next.Sub(now)):
		}

		last = next
		s.logger.Info("daily summary triggered", "fired", next.Format(time.RFC3339))
		s.run(ctx, next)
	}
}
