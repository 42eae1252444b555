// Package attest runs the nightly sleep-check: an interactive prompt at the
// open time, then a roster reconciliation 30 minutes later that calls out
// everyone who never answered.
package attest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vigil/internal/eventbus"
	"vigil/internal/schedule"
	kit "vigil/internal/transport"
	"vigil/pkg/disui"
	logx "vigil/pkg/logx"
)

var (
	// ErrAlreadyResponded rejects a second answer for the same cycle.
	// Responses are immutable once recorded.
	ErrAlreadyResponded = errors.New("attest: already responded")

	// ErrNoOpenCycle rejects responses arriving outside an open cycle.
	ErrNoOpenCycle = errors.New("attest: no open cycle")
)

// Interaction action ids carried on the prompt's buttons.
const (
	ActionAffirm  = "sleep:affirm"
	ActionDecline = "sleep:decline"
)

const (
	openJob      = "attest.open"
	reconcileJob = "attest.reconcile"
)

// Gateway is the slice of the chat adapter the sleep-check needs.
type Gateway interface {
	SendPrompt(ctx context.Context, to kit.ChannelTarget, text string, actions []kit.PromptAction) (kit.MessageRef, error)
	GuildMembers(ctx context.Context, guildID string) ([]kit.Member, error)
	Acknowledge(ctx context.Context, interactionID string, text string) error
}

// Notifier delivers the public announcements. NotifyMention must arm user
// pings; plain Notify must not.
type Notifier interface {
	Notify(ctx context.Context, channelID, text string) error
	NotifyMention(ctx context.Context, channelID, text string) error
}

// cycle is the volatile per-day state. It is never persisted: a restart
// between open and reconciliation loses the day's responses, accepted by
// design.
type cycle struct {
	date       string // civil date key, "" until the first open this process
	responded  map[string]bool
	reconciled bool
}

type Service struct {
	log     logx.Logger
	gw      Gateway
	notify  Notifier
	bus     eventbus.Bus
	guildID string
	channel string

	mu        sync.Mutex
	cur       cycle
	promptRef kit.MessageRef
}

func New(guildID, channelID string, gw Gateway, notify Notifier, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log,
		gw:      gw,
		notify:  notify,
		bus:     bus,
		guildID: guildID,
		channel: channelID,
	}
}

// Register arms both daily jobs: the open prompt at hour:minute and the
// reconciliation after the configured offset (wrapping past midnight).
func (s *Service) Register(ctx context.Context, sched *schedule.Service, hour, minute int, reconcileAfter time.Duration) error {
	if err := sched.AddDaily(openJob, hour, minute, func(now time.Time) {
		if err := s.Open(ctx, now); err != nil {
			s.log.Warn("sleep-check open failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}

	rh, rm := offsetClock(hour, minute, reconcileAfter)
	return sched.AddDaily(reconcileJob, rh, rm, func(now time.Time) {
		if err := s.Reconcile(ctx, now); err != nil {
			s.log.Warn("sleep-check reconciliation failed", logx.Err(err))
		}
	})
}

func offsetClock(hour, minute int, d time.Duration) (int, int) {
	total := (hour*60 + minute + int(d.Minutes())) % (24 * 60)
	if total < 0 {
		total += 24 * 60
	}
	return total / 60, total % 60
}

// Open resets the day's cycle and posts the interactive prompt. The forced
// trigger runs this exact path.
func (s *Service) Open(ctx context.Context, now time.Time) error {
	date := now.Format("2006-01-02")

	s.mu.Lock()
	s.cur = cycle{date: date, responded: map[string]bool{}}
	s.mu.Unlock()

	ref, err := s.gw.SendPrompt(ctx, kit.ChannelTarget{ChannelID: s.channel},
		"🌙 **睡眠點名！**\n該睡覺了，請回報你的狀態：",
		[]kit.PromptAction{
			{Action: ActionAffirm, Label: "我要睡了 😴"},
			{Action: ActionDecline, Label: "今晚不睡 🙅", Danger: true, NeedsInput: true, InputLabel: "不睡的原因"},
		})
	if err != nil {
		return fmt.Errorf("attest: open prompt: %w", err)
	}

	s.mu.Lock()
	s.promptRef = ref
	s.mu.Unlock()

	s.publish(eventbus.EventAttestOpened, map[string]string{"date": date})
	s.log.Info("sleep-check opened", logx.String("date", date))
	return nil
}

// HandleResponse records one user's answer. First answer wins; later
// attempts are rejected without touching state. Every attempt gets a private
// acknowledgment.
func (s *Service) HandleResponse(ctx context.Context, inter kit.Interaction) error {
	s.mu.Lock()
	switch {
	case s.cur.date == "" || s.cur.reconciled:
		s.mu.Unlock()
		s.ack(ctx, inter.ID, "目前沒有進行中的睡眠點名。")
		return ErrNoOpenCycle
	case s.cur.responded[inter.ActorID]:
		s.mu.Unlock()
		s.ack(ctx, inter.ID, "你已經回覆過了，回覆不能更改！")
		return ErrAlreadyResponded
	}
	s.cur.responded[inter.ActorID] = true
	s.mu.Unlock()

	var public string
	switch inter.Action {
	case ActionDecline:
		public = fmt.Sprintf("🙅 **%s** 今晚不睡！原因：%s", inter.ActorName, inter.Input)
	default:
		public = fmt.Sprintf("😴 **%s** 回報就寢，晚安～", inter.ActorName)
	}
	if err := s.notify.Notify(ctx, s.channel, public); err != nil {
		s.log.Warn("response announcement failed", logx.Err(err))
	}
	s.ack(ctx, inter.ID, "已記錄你的回覆 ✅")

	s.publish(eventbus.EventAttestResponded, map[string]string{
		"user":   inter.ActorID,
		"action": inter.Action,
	})
	return nil
}

// Reconcile closes the cycle: fetch the roster fresh, enumerate non-bot
// members who never answered, and either mention them in budget-bounded
// batches or report that everyone is accounted for.
//
// A reconciliation with no cycle opened this process (restart between open
// and deadline) is skipped; the lost responses are the documented trade-off
// of keeping this state volatile.
func (s *Service) Reconcile(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	if s.cur.date == "" {
		s.mu.Unlock()
		s.log.Info("no sleep-check opened this run; skipping reconciliation")
		return nil
	}
	if s.cur.reconciled {
		s.mu.Unlock()
		s.log.Debug("cycle already reconciled", logx.String("date", s.cur.date))
		return nil
	}
	s.cur.reconciled = true
	responded := make(map[string]bool, len(s.cur.responded))
	for id := range s.cur.responded {
		responded[id] = true
	}
	date := s.cur.date
	s.mu.Unlock()

	members, err := s.gw.GuildMembers(ctx, s.guildID)
	if err != nil {
		// A failed fetch leaves the cycle open so a later run (scheduled or
		// forced) can still close it.
		s.mu.Lock()
		if s.cur.date == date {
			s.cur.reconciled = false
		}
		s.mu.Unlock()
		return fmt.Errorf("attest: fetch roster: %w", err)
	}

	var missing []string
	for _, m := range members {
		if m.Bot || responded[m.ID] {
			continue
		}
		missing = append(missing, m.ID)
	}

	if len(missing) == 0 {
		if err := s.notify.Notify(ctx, s.channel, "✅ 今晚大家都回報了，全員就寢！"); err != nil {
			s.log.Warn("all-accounted notice failed", logx.Err(err))
		}
	} else {
		if err := s.notify.Notify(ctx, s.channel, "🚨 **睡眠點名截止！** 以下成員尚未回報："); err != nil {
			s.log.Warn("reconciliation alert failed", logx.Err(err))
		}
		for _, batch := range mentionBatches(missing) {
			if err := s.notify.NotifyMention(ctx, s.channel, batch); err != nil {
				s.log.Warn("mention batch failed", logx.Err(err))
			}
		}
	}

	s.publish(eventbus.EventAttestReconciled, map[string]any{
		"date":      date,
		"responded": len(responded),
		"missing":   len(missing),
	})
	s.log.Info("sleep-check reconciled",
		logx.String("date", date),
		logx.Int("responded", len(responded)),
		logx.Int("missing", len(missing)))
	return nil
}

// mentionBatches renders user mentions split so no single message exceeds
// the mention character budget.
func mentionBatches(userIDs []string) []string {
	mentions := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		mentions = append(mentions, disui.Mention(id))
	}
	return disui.JoinBudget(mentions, " ", disui.MentionBudget)
}

func (s *Service) ack(ctx context.Context, interactionID, text string) {
	if err := s.gw.Acknowledge(ctx, interactionID, text); err != nil {
		s.log.Warn("interaction acknowledgment failed", logx.Err(err))
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
