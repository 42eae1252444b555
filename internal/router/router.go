// Package router matches inbound gateway updates to registered command and
// interaction handlers and runs them on a bounded worker pool.
package router

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"vigil/internal/runtime/supervisor"
	kit "vigil/internal/transport"
	logx "vigil/pkg/logx"
)

// Prefix starts every text command, e.g. "!play".
const Prefix = "!"

var (
	// ErrUsage marks user input errors. The dispatcher replies with the
	// command's usage line instead of a bare failure.
	ErrUsage = errors.New("router: bad usage")

	// ErrPermission marks operations the actor may not perform.
	ErrPermission = errors.New("router: permission denied")
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

// InteractionRoute handles a prompt action by its registered id, e.g.
// "sleep:affirm".
type InteractionRoute struct {
	Action string
	Handle HandlerFunc
}

type Request struct {
	Update  kit.Update
	Channel kit.ChannelTarget
	ActorID string
	Command string
	Args    []string
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends a plain response to the originating channel, best-effort.
func (r *Request) Reply(ctx context.Context, text string) {
	_, err := r.Adapter.SendText(ctx, r.Channel, text, nil)
	if err != nil && !r.Logger.IsZero() {
		r.Logger.Warn("reply failed", logx.Err(err))
	}
}

type Manager struct {
	mu       sync.RWMutex
	cmds     map[string]*Command // canonical name and aliases -> command
	actions  map[string]InteractionRoute
	owners   map[string]bool
	defaultT time.Duration

	log     logx.Logger
	adapter kit.Adapter

	jobs chan func()
}

func NewManager(adapter kit.Adapter, owners []string, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	own := make(map[string]bool, len(owners))
	for _, id := range owners {
		if id != "" {
			own[id] = true
		}
	}
	return &Manager{
		cmds:     map[string]*Command{},
		actions:  map[string]InteractionRoute{},
		owners:   own,
		defaultT: 30 * time.Second,
		log:      log,
		adapter:  adapter,
		jobs:     make(chan func(), 256),
	}
}

// SetRegistry installs the command set and interaction routes, replacing any
// previous registration. A help command over the registry is always present.
func (m *Manager) SetRegistry(cmds []Command, actions []InteractionRoute) {
	cmds = append(cmds, Command{
		Name:        "help",
		Description: "指令清單",
		Usage:       Prefix + "help",
		Handle: func(ctx context.Context, req *Request) error {
			req.Reply(ctx, m.helpText())
			return nil
		},
	})

	byName := map[string]*Command{}
	for i := range cmds {
		c := cmds[i]
		if c.Name == "" || c.Handle == nil {
			continue
		}
		cc := c
		byName[c.Name] = &cc
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a != "" && byName[a] == nil {
				byName[a] = &cc
			}
		}
	}

	byAction := map[string]InteractionRoute{}
	for _, r := range actions {
		if r.Action != "" && r.Handle != nil {
			byAction[r.Action] = r
		}
	}

	m.mu.Lock()
	m.cmds = byName
	m.actions = byAction
	m.mu.Unlock()
}

func (m *Manager) helpText() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[string]bool{}
	var b strings.Builder
	b.WriteString("**指令清單**\n")
	for _, c := range m.cmds {
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		b.WriteString("`")
		if c.Usage != "" {
			b.WriteString(c.Usage)
		} else {
			b.WriteString(Prefix + c.Name)
		}
		b.WriteString("` — ")
		b.WriteString(c.Description)
		if c.Access == AccessOwnerOnly {
			b.WriteString("（限管理者）")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// DispatchLoop consumes updates until ctx is canceled or the channel closes.
// Handlers run on a bounded worker pool so one slow command cannot stall the
// gateway reader.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "router"))),
		supervisor.WithCancelOnError(false),
	)

	m.log.Info("command dispatcher started", logx.Int("workers", workers))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job",
									logx.Any("panic", r),
									logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		})
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *Manager) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateInteraction:
		m.routeInteraction(ctx, up)
	}
}

func (m *Manager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(text, Prefix) {
		return
	}
	parts := strings.Fields(strings.TrimPrefix(text, Prefix))
	if len(parts) == 0 {
		return
	}
	name := strings.ToLower(parts[0])
	args := parts[1:]

	m.mu.RLock()
	cmd, ok := m.cmds[name]
	m.mu.RUnlock()
	if !ok {
		// Unknown commands are ignored; the prefix is shared with humans.
		return
	}

	ch := kit.ChannelTarget{ChannelID: msg.ChannelID}
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.AuthorID) {
		_, _ = m.adapter.SendText(ctx, ch, "🚫 這個指令僅限管理者使用。", nil)
		return
	}

	m.enqueue(ctx, ch, &Request{
		Update:  up,
		Channel: ch,
		ActorID: msg.AuthorID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   newReqID(),
		Adapter: m.adapter,
	}, cmd.Handle, cmd.Usage, cmd.Timeout)
}

func (m *Manager) routeInteraction(ctx context.Context, up kit.Update) {
	inter := up.Interaction
	if inter == nil {
		return
	}

	m.mu.RLock()
	route, ok := m.actions[inter.Action]
	m.mu.RUnlock()
	if !ok {
		m.log.Debug("unrouted interaction", logx.String("action", inter.Action))
		return
	}

	ch := kit.ChannelTarget{ChannelID: inter.ChannelID}
	m.enqueue(ctx, ch, &Request{
		Update:  up,
		Channel: ch,
		ActorID: inter.ActorID,
		Command: "action:" + inter.Action,
		ReqID:   newReqID(),
		Adapter: m.adapter,
	}, route.Handle, "", 0)
}

func (m *Manager) enqueue(ctx context.Context, ch kit.ChannelTarget, req *Request, h HandlerFunc, usage string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = m.defaultT
	}
	req.Logger = m.log.With(
		logx.String("rid", req.ReqID),
		logx.String("cmd", req.Command),
		logx.String("actor_id", req.ActorID),
	)

	final := Chain(
		m.wrapErrors(h, usage),
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)

	select {
	case m.jobs <- func() { _ = final(ctx, req) }:
	default:
		_, _ = m.adapter.SendText(ctx, ch, "⏳ 目前太忙了，請稍後再試。", nil)
	}
}

// wrapErrors turns the error taxonomy into user-facing replies so handlers
// can just return sentinels.
func (m *Manager) wrapErrors(h HandlerFunc, usage string) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		err := h(ctx, req)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrUsage):
			text := "❌ " + userMessage(err, "指令格式錯誤")
			if usage != "" {
				text += "\n用法：`" + usage + "`"
			}
			req.Reply(ctx, text)
		case errors.Is(err, ErrPermission):
			req.Reply(ctx, "🚫 "+userMessage(err, "你沒有權限執行這個操作。"))
		}
		return err
	}
}

// userMessage strips the sentinel prefix so replies show only the
// handler-supplied detail.
func userMessage(err error, fallback string) string {
	s := err.Error()
	for _, sentinel := range []string{ErrUsage.Error(), ErrPermission.Error()} {
		s = strings.TrimPrefix(s, sentinel)
	}
	s = strings.TrimPrefix(strings.TrimSpace(s), ": ")
	if s == "" {
		return fallback
	}
	return s
}

func (m *Manager) isOwner(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owners[id]
}

var reqSeq uint64
var reqSeqMu sync.Mutex

func newReqID() string {
	reqSeqMu.Lock()
	reqSeq++
	n := reqSeq
	reqSeqMu.Unlock()
	return "r" + strconv.FormatUint(n, 36) + strconv.FormatInt(time.Now().UnixMilli()%1000, 10)
}
