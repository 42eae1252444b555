// Package schedule provides the shared daily fire-at primitive used by the
// announcement and attestation loops.
//
// Jobs are registered as "fire every day at HH:MM" entries on one cron
// instance pinned to the configured civil timezone. Jobs that care about
// "today" must recompute it on wake; the scheduler hands them the wall-clock
// fire time for that.
package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "vigil/pkg/logx"
)

// Job runs at its daily fire time. now is sampled at wake, after any timer
// sleep, so date classification inside the job never trusts stale time.
type Job func(now time.Time)

type Service struct {
	log logx.Logger
	loc *time.Location

	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]cron.EntryID
	started bool
}

func New(loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Service{
		log:     log,
		loc:     loc,
		c:       cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		entries: map[string]cron.EntryID{},
	}
}

func (s *Service) Location() *time.Location { return s.loc }

// AddDaily registers job to fire every day at hour:minute in the service's
// timezone. Registering the same name again replaces the previous entry.
func (s *Service) AddDaily(name string, hour, minute int, job Job) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("schedule: invalid time %02d:%02d for %q", hour, minute, name)
	}
	if job == nil {
		return fmt.Errorf("schedule: nil job for %q", name)
	}

	spec := fmt.Sprintf("%d %d * * *", minute, hour)

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[name]; ok {
		s.c.Remove(old)
		delete(s.entries, name)
	}

	id, err := s.c.AddFunc(spec, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("schedule: add %q: %w", name, err)
	}
	s.entries[name] = id

	s.log.Info("daily job registered",
		logx.String("job", name),
		logx.String("fire_at", fmt.Sprintf("%02d:%02d", hour, minute)),
		logx.String("tz", s.loc.String()))
	return nil
}

func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.c.Remove(id)
		delete(s.entries, name)
	}
}

func (s *Service) run(name string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("daily job panicked",
				logx.String("job", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	now := time.Now().In(s.loc)
	s.log.Debug("daily job firing", logx.String("job", name), logx.Time("now", now))
	job(now)
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.c.Start()
}

// Stop halts the timer and waits for running jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	done := s.c.Stop()
	s.mu.Unlock()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextDaily returns the next wall-clock instant at hour:minute in loc, on or
// after now. Today's slot counts only while still in the future.
func NextDaily(now time.Time, hour, minute int, loc *time.Location) time.Time {
	now = now.In(loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
