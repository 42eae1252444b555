// Package notifier funnels outbound channel messages through one ordered
// worker so scheduler and command traffic cannot interleave mid-batch, and
// the gateway's send rate limits are respected in one place.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"vigil/internal/eventbus"
	kit "vigil/internal/transport"
	logx "vigil/pkg/logx"
)

// ErrQueueFull is returned by Enqueue when the outbound queue is saturated.
var ErrQueueFull = errors.New("notifier: outbound queue full")

const (
	defaultQueueSize = 256
	maxSendAttempts  = 3
)

type Service struct {
	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	limiter *rate.Limiter
	queue   chan kit.Notification

	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Service)

// WithRate overrides the default send pacing.
func WithRate(every time.Duration, burst int) Option {
	return func(s *Service) { s.limiter = rate.NewLimiter(rate.Every(every), burst) }
}

func New(adapter kit.Adapter, bus eventbus.Bus, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		adapter: adapter,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Every(350*time.Millisecond), 4),
		queue:   make(chan kit.Notification, defaultQueueSize),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Start(ctx context.Context) {
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.worker(ctx)
}

func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Enqueue hands a message to the ordered worker. It never blocks; saturation
// is surfaced as ErrQueueFull so callers can decide whether the drop matters.
func (s *Service) Enqueue(n kit.Notification) error {
	select {
	case s.queue <- n:
		return nil
	default:
		s.log.Warn("outbound queue full; message dropped", logx.String("channel_id", n.Target.ChannelID))
		return ErrQueueFull
	}
}

// Notify sends synchronously through the same limiter and retry policy. The
// daily schedulers use this so a failure is visible at the call site.
func (s *Service) Notify(ctx context.Context, channelID, text string) error {
	return s.send(ctx, kit.Notification{Target: kit.ChannelTarget{ChannelID: channelID}, Text: text})
}

// NotifyMention is Notify with user mentions armed.
func (s *Service) NotifyMention(ctx context.Context, channelID, text string) error {
	return s.send(ctx, kit.Notification{
		Target:  kit.ChannelTarget{ChannelID: channelID},
		Text:    text,
		Options: &kit.SendOptions{AllowMentions: true},
	})
}

func (s *Service) worker(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.queue:
			if err := s.send(ctx, n); err != nil {
				s.log.Warn("outbound message failed",
					logx.String("channel_id", n.Target.ChannelID), logx.Err(err))
			}
		}
	}
}

// send applies pacing and a small bounded retry with backoff. The final
// failure is published so operators see dropped traffic.
func (s *Service) send(ctx context.Context, n kit.Notification) error {
	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := s.adapter.SendText(ctx, n.Target, n.Text, n.Options)
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.EventNotifyFailed,
			Data: map[string]string{"channel_id": n.Target.ChannelID, "err": lastErr.Error()},
		})
	}
	return fmt.Errorf("notifier: %d attempts failed: %w", maxSendAttempts, lastErr)
}
