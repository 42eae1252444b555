// Package announce runs the once-daily countdown announcement.
package announce

import (
	"context"
	"fmt"
	"time"

	"vigil/internal/eventbus"
	"vigil/internal/schedule"
	logx "vigil/pkg/logx"
)

const jobName = "announce.daily"

// Notifier delivers one outbound channel message. Delivery order and rate
// limiting live behind it.
type Notifier interface {
	Notify(ctx context.Context, channelID, text string) error
}

// ChannelResolver validates that a channel id is reachable before the loop
// is armed.
type ChannelResolver interface {
	ResolveChannel(ctx context.Context, channelID string) (string, error)
}

type Service struct {
	log       logx.Logger
	notify    Notifier
	resolve   ChannelResolver
	bus       eventbus.Bus
	channelID string
	window    Window
}

func New(channelID string, window Window, notify Notifier, resolve ChannelResolver, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:       log,
		notify:    notify,
		resolve:   resolve,
		bus:       bus,
		channelID: channelID,
		window:    window,
	}
}

// Register resolves the target channel and arms the daily job. An
// unresolvable channel disables this loop permanently; the returned error is
// for the caller's log, not a reason to stop the process.
func (s *Service) Register(ctx context.Context, sched *schedule.Service, hour, minute int) error {
	name, err := s.resolve.ResolveChannel(ctx, s.channelID)
	if err != nil {
		s.log.Error("announcement channel unresolvable; daily loop disabled",
			logx.String("channel_id", s.channelID), logx.Err(err))
		return fmt.Errorf("announce: resolve channel %s: %w", s.channelID, err)
	}

	s.log.Info("announcement loop armed",
		logx.String("channel", name),
		logx.String("fire_at", fmt.Sprintf("%02d:%02d", hour, minute)))

	return sched.AddDaily(jobName, hour, minute, func(now time.Time) { s.fire(ctx, now) })
}

// fire sends the day's message. A failed send is logged and abandoned; the
// next attempt is tomorrow's cycle.
func (s *Service) fire(ctx context.Context, now time.Time) {
	if !s.window.Configured() {
		s.log.Debug("no exam window configured; skipping daily announcement")
		return
	}

	msg := DailyMessage(now, s.window)
	if err := s.notify.Notify(ctx, s.channelID, msg); err != nil {
		s.log.Warn("daily announcement send failed", logx.Err(err))
		return
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.EventAnnounceSent,
			Data: map[string]string{"phase": s.window.Classify(now).String()},
		})
	}
	s.log.Info("daily announcement sent", logx.String("phase", s.window.Classify(now).String()))
}

// Countdown returns the on-demand countdown text for the show-countdown
// command.
func (s *Service) Countdown(now time.Time) string {
	return CountdownMessage(now, s.window)
}
