// Package discord implements the gateway adapter on top of discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	rtsup "vigil/internal/runtime/supervisor"
	kit "vigil/internal/transport"
	logx "vigil/pkg/logx"
)

// modalPrefix marks component custom ids that open an input modal before the
// interaction is surfaced to the core.
const modalPrefix = "modal|"

// pendingTTL bounds how long an unanswered interaction token is kept for
// Acknowledge. Discord tokens expire after 15 minutes anyway.
const pendingTTL = 10 * time.Minute

type Config struct {
	Token   string
	GuildID string
}

type Adapter struct {
	cfg Config
	log logx.Logger

	sess *discordgo.Session
	out  atomic.Value // stores (chan<- kit.Update)

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// pending maps our interaction ids to live discordgo interactions so
	// Acknowledge can answer them later from the core's goroutines.
	pendMu  sync.Mutex
	pending map[string]pendingInteraction

	// prompts remembers which modal-requiring actions carry which input label.
	promptMu sync.Mutex
	prompts  map[string]string // action -> input label

	voiceMu sync.Mutex
	voice   map[string]*discordgo.VoiceConnection // guildID -> connection

	droppedUpdates uint64

	http *http.Client
}

type pendingInteraction struct {
	inter *discordgo.Interaction
	at    time.Time
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	sess, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, err
	}
	sess.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMembers |
		discordgo.IntentMessageContent
	sess.State.TrackVoice = true

	a := &Adapter{
		cfg:     cfg,
		log:     log,
		sess:    sess,
		pending: map[string]pendingInteraction{},
		prompts: map[string]string{},
		voice:   map[string]*discordgo.VoiceConnection{},
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.log.Info("gateway ready",
			logx.String("user", r.User.Username),
			logx.Int("guilds", len(r.Guilds)))
	})

	a.sess.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		msg := &kit.Message{
			ID:         m.ID,
			ChannelID:  m.ChannelID,
			GuildID:    m.GuildID,
			AuthorID:   m.Author.ID,
			AuthorName: m.Author.Username,
			Content:    m.Content,
		}
		for _, att := range m.Attachments {
			msg.Attachments = append(msg.Attachments, kit.Attachment{
				ID:       att.ID,
				FileName: att.Filename,
				URL:      att.URL,
			})
		}
		if m.GuildID != "" {
			if vs, err := s.State.VoiceState(m.GuildID, m.Author.ID); err == nil && vs != nil {
				msg.AuthorVoiceChannel = vs.ChannelID
			}
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: msg})
	})

	a.sess.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		switch i.Type {
		case discordgo.InteractionMessageComponent:
			a.onComponent(s, i)
		case discordgo.InteractionModalSubmit:
			a.onModalSubmit(i)
		}
	})
}

// onComponent handles a button press. Actions registered with NeedsInput get
// a modal first; everything else is surfaced directly.
func (a *Adapter) onComponent(s *discordgo.Session, i *discordgo.InteractionCreate) {
	action := i.MessageComponentData().CustomID

	a.promptMu.Lock()
	inputLabel, needsInput := a.prompts[action]
	a.promptMu.Unlock()

	if needsInput {
		err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseModal,
			Data: &discordgo.InteractionResponseData{
				CustomID: modalPrefix + action,
				Title:    inputLabel,
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID: "input",
							Label:    inputLabel,
							Style:    discordgo.TextInputShort,
							Required: true,
						},
					}},
				},
			},
		})
		if err != nil {
			a.log.Warn("modal open failed", logx.String("action", action), logx.Err(err))
		}
		return
	}

	a.stashPending(i.Interaction)
	a.sendUpdate(kit.Update{Kind: kit.UpdateInteraction, Interaction: a.toInteraction(i, action, "")})
}

func (a *Adapter) onModalSubmit(i *discordgo.InteractionCreate) {
	data := i.ModalSubmitData()
	action := strings.TrimPrefix(data.CustomID, modalPrefix)

	var input string
	for _, row := range data.Components {
		ar, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, comp := range ar.Components {
			if ti, ok := comp.(*discordgo.TextInput); ok {
				input = ti.Value
			}
		}
	}

	a.stashPending(i.Interaction)
	a.sendUpdate(kit.Update{Kind: kit.UpdateInteraction, Interaction: a.toInteraction(i, action, input)})
}

func (a *Adapter) toInteraction(i *discordgo.InteractionCreate, action, input string) *kit.Interaction {
	var actorID, actorName string
	if i.Member != nil && i.Member.User != nil {
		actorID = i.Member.User.ID
		if i.Member.Nick != "" {
			actorName = i.Member.Nick
		} else {
			actorName = i.Member.User.Username
		}
	} else if i.User != nil {
		actorID = i.User.ID
		actorName = i.User.Username
	}
	var msgID string
	if i.Message != nil {
		msgID = i.Message.ID
	}
	return &kit.Interaction{
		ID:        i.ID,
		Action:    action,
		ActorID:   actorID,
		ActorName: actorName,
		ChannelID: i.ChannelID,
		GuildID:   i.GuildID,
		MessageID: msgID,
		Input:     input,
	}
}

func (a *Adapter) stashPending(inter *discordgo.Interaction) {
	now := time.Now()
	a.pendMu.Lock()
	for id, p := range a.pending {
		if now.Sub(p.at) > pendingTTL {
			delete(a.pending, id)
		}
	}
	a.pending[inter.ID] = pendingInteraction{inter: inter, at: now}
	a.pendMu.Unlock()
}

func (a *Adapter) takePending(id string) *discordgo.Interaction {
	a.pendMu.Lock()
	defer a.pendMu.Unlock()
	p, ok := a.pending[id]
	if !ok {
		return nil
	}
	delete(a.pending, id)
	return p.inter
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "discord.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	if err := a.sess.Open(); err != nil {
		a.runMu.Lock()
		a.running = false
		a.runMu.Unlock()
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	// Periodic summary for dropped updates (avoid per-update log spam).
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n))
				}
			}
		}
	})

	sup.Go0("session.close_on_cancel", func(c context.Context) {
		<-c.Done()
		a.disconnectAllVoice()
		_ = a.sess.Close()
	})

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = false
	sup := a.sup
	a.sup = nil
	a.runMu.Unlock()

	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	return nil
}

func (a *Adapter) SendText(_ context.Context, to kit.ChannelTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	send := &discordgo.MessageSend{Content: text}
	if opt == nil || !opt.AllowMentions {
		send.AllowedMentions = &discordgo.MessageAllowedMentions{}
	}
	if opt != nil && opt.SuppressEmbeds {
		send.Flags = discordgo.MessageFlagsSuppressEmbeds
	}
	m, err := a.sess.ChannelMessageSendComplex(to.ChannelID, send)
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChannelID: m.ChannelID, MessageID: m.ID}, nil
}

func (a *Adapter) SendPrompt(_ context.Context, to kit.ChannelTarget, text string, actions []kit.PromptAction) (kit.MessageRef, error) {
	var buttons []discordgo.MessageComponent
	a.promptMu.Lock()
	for _, act := range actions {
		style := discordgo.PrimaryButton
		if act.Danger {
			style = discordgo.DangerButton
		}
		buttons = append(buttons, discordgo.Button{
			Label:    act.Label,
			Style:    style,
			CustomID: act.Action,
		})
		if act.NeedsInput {
			label := act.InputLabel
			if label == "" {
				label = act.Label
			}
			a.prompts[act.Action] = label
		} else {
			delete(a.prompts, act.Action)
		}
	}
	a.promptMu.Unlock()

	m, err := a.sess.ChannelMessageSendComplex(to.ChannelID, &discordgo.MessageSend{
		Content:         text,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: buttons},
		},
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChannelID: m.ChannelID, MessageID: m.ID}, nil
}

func (a *Adapter) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	return a.sess.ChannelMessageDelete(ref.ChannelID, ref.MessageID)
}

func (a *Adapter) PurgeMessages(_ context.Context, to kit.ChannelTarget, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	if limit > 100 {
		limit = 100
	}
	msgs, err := a.sess.ChannelMessages(to.ChannelID, limit, "", "", "")
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	if err := a.sess.ChannelMessagesBulkDelete(to.ChannelID, ids); err == nil {
		return len(ids), nil
	}

	// Bulk delete rejects messages older than 14 days; fall back one by one.
	deleted := 0
	for _, id := range ids {
		if derr := a.sess.ChannelMessageDelete(to.ChannelID, id); derr == nil {
			deleted++
		}
	}
	return deleted, nil
}

func (a *Adapter) ResolveChannel(_ context.Context, channelID string) (string, error) {
	ch, err := a.sess.Channel(channelID)
	if err != nil {
		return "", fmt.Errorf("discord: channel %s: %w", channelID, err)
	}
	return ch.Name, nil
}

func (a *Adapter) GuildMembers(_ context.Context, guildID string) ([]kit.Member, error) {
	var out []kit.Member
	after := ""
	for {
		page, err := a.sess.GuildMembers(guildID, after, 1000)
		if err != nil {
			return nil, fmt.Errorf("discord: guild members: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			if m.User == nil {
				continue
			}
			out = append(out, kit.Member{
				ID:       m.User.ID,
				Username: m.User.Username,
				Nick:     m.Nick,
				Bot:      m.User.Bot,
			})
			after = m.User.ID
		}
		if len(page) < 1000 {
			break
		}
	}
	return out, nil
}

// Acknowledge answers a stashed interaction with an ephemeral reply.
func (a *Adapter) Acknowledge(_ context.Context, interactionID string, text string) error {
	inter := a.takePending(interactionID)
	if inter == nil {
		return fmt.Errorf("discord: unknown interaction %s", interactionID)
	}
	return a.sess.InteractionRespond(inter, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

func (a *Adapter) SaveAttachment(ctx context.Context, att kit.Attachment, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discord: attachment download: status %d", resp.StatusCode)
	}

	// Prefix with the attachment id so concurrent uploads of the same
	// filename never collide.
	path := filepath.Join(dir, att.ID+"_"+filepath.Base(att.FileName))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func (a *Adapter) HasManageMessages(_ context.Context, channelID, userID string) (bool, error) {
	perms, err := a.sess.UserChannelPermissions(userID, channelID)
	if err != nil {
		return false, err
	}
	return perms&discordgo.PermissionManageMessages != 0, nil
}
