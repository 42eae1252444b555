package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	kit "vigil/internal/transport"
	logx "vigil/pkg/logx"
)

type recordAdapter struct {
	kit.Adapter
	mu   sync.Mutex
	sent []string
}

func (a *recordAdapter) SendText(_ context.Context, _ kit.ChannelTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.sent = append(a.sent, text)
	a.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (a *recordAdapter) texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

func msgUpdate(content, author string) kit.Update {
	return kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:        "m1",
			ChannelID: "chan",
			AuthorID:  author,
			Content:   content,
		},
	}
}

func runDispatcher(t *testing.T, m *Manager) (chan<- kit.Update, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()
	return updates, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not stop")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestDispatchCommandWithArgs(t *testing.T) {
	t.Parallel()
	a := &recordAdapter{}
	m := NewManager(a, nil, logx.Nop())

	var mu sync.Mutex
	var gotArgs []string
	m.SetRegistry([]Command{{
		Name: "play",
		Handle: func(_ context.Context, req *Request) error {
			mu.Lock()
			gotArgs = req.Args
			mu.Unlock()
			return nil
		},
	}}, nil)

	updates, stop := runDispatcher(t, m)
	defer stop()

	updates <- msgUpdate("!play https://example.com/v", "u1")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotArgs) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if gotArgs[0] != "https://example.com/v" {
		t.Fatalf("args = %v", gotArgs)
	}
}

func TestAliasRoutesToSameCommand(t *testing.T) {
	t.Parallel()
	a := &recordAdapter{}
	m := NewManager(a, nil, logx.Nop())

	var hits sync.Map
	m.SetRegistry([]Command{{
		Name:    "queue",
		Aliases: []string{"q"},
		Handle: func(_ context.Context, req *Request) error {
			hits.Store(req.Command, true)
			return nil
		},
	}}, nil)

	updates, stop := runDispatcher(t, m)
	defer stop()

	updates <- msgUpdate("!q", "u1")
	waitFor(t, func() bool {
		_, ok := hits.Load("queue")
		return ok
	})
}

func TestOwnerOnlyRejected(t *testing.T) {
	t.Parallel()
	a := &recordAdapter{}
	m := NewManager(a, []string{"boss"}, logx.Nop())

	var called sync.Map
	m.SetRegistry([]Command{{
		Name:   "sleepcheck",
		Access: AccessOwnerOnly,
		Handle: func(context.Context, *Request) error {
			called.Store("yes", true)
			return nil
		},
	}}, nil)

	updates, stop := runDispatcher(t, m)
	defer stop()

	updates <- msgUpdate("!sleepcheck", "intruder")
	waitFor(t, func() bool { return len(a.texts()) > 0 })
	if _, ok := called.Load("yes"); ok {
		t.Fatal("owner-only handler ran for non-owner")
	}

	updates <- msgUpdate("!sleepcheck", "boss")
	waitFor(t, func() bool {
		_, ok := called.Load("yes")
		return ok
	})
}

func TestUsageErrorRepliesWithUsage(t *testing.T) {
	t.Parallel()
	a := &recordAdapter{}
	m := NewManager(a, nil, logx.Nop())

	m.SetRegistry([]Command{{
		Name:  "yt",
		Usage: Prefix + "yt <url>",
		Handle: func(context.Context, *Request) error {
			return fmt.Errorf("%w: 需要一個網址", ErrUsage)
		},
	}}, nil)

	updates, stop := runDispatcher(t, m)
	defer stop()

	updates <- msgUpdate("!yt", "u1")
	waitFor(t, func() bool { return len(a.texts()) > 0 })

	reply := a.texts()[0]
	if !strings.Contains(reply, "需要一個網址") || !strings.Contains(reply, "!yt <url>") {
		t.Fatalf("usage reply = %q", reply)
	}
}

func TestInteractionRouting(t *testing.T) {
	t.Parallel()
	a := &recordAdapter{}
	m := NewManager(a, nil, logx.Nop())

	var mu sync.Mutex
	var actor string
	m.SetRegistry(nil, []InteractionRoute{{
		Action: "sleep:affirm",
		Handle: func(_ context.Context, req *Request) error {
			mu.Lock()
			actor = req.ActorID
			mu.Unlock()
			return nil
		},
	}})

	updates, stop := runDispatcher(t, m)
	defer stop()

	updates <- kit.Update{
		Kind: kit.UpdateInteraction,
		Interaction: &kit.Interaction{
			ID:        "i1",
			Action:    "sleep:affirm",
			ActorID:   "sleeper",
			ChannelID: "chan",
		},
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return actor == "sleeper"
	})
}

func TestNonCommandTrafficIgnored(t *testing.T) {
	t.Parallel()
	a := &recordAdapter{}
	m := NewManager(a, nil, logx.Nop())
	m.SetRegistry(nil, nil)

	updates, stop := runDispatcher(t, m)
	defer stop()

	updates <- msgUpdate("hello there", "u1")
	updates <- msgUpdate("!nosuchcommand", "u1")

	time.Sleep(50 * time.Millisecond)
	if got := a.texts(); len(got) != 0 {
		t.Fatalf("unexpected replies: %v", got)
	}
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()
	a := &recordAdapter{}
	m := NewManager(a, nil, logx.Nop())
	m.SetRegistry([]Command{{
		Name:        "skip",
		Description: "跳過目前播放",
		Handle:      func(context.Context, *Request) error { return nil },
	}}, nil)

	updates, stop := runDispatcher(t, m)
	defer stop()

	updates <- msgUpdate("!help", "u1")
	waitFor(t, func() bool { return len(a.texts()) > 0 })
	if !strings.Contains(a.texts()[0], "skip") {
		t.Fatalf("help = %q", a.texts()[0])
	}
}
