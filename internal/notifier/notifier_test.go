package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "vigil/internal/transport"
	logx "vigil/pkg/logx"
)

// stubAdapter overrides the one Adapter method the notifier uses.
type stubAdapter struct {
	kit.Adapter
	mu    sync.Mutex
	sent  []string
	fails int // fail this many sends before succeeding
}

func (a *stubAdapter) SendText(_ context.Context, _ kit.ChannelTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fails > 0 {
		a.fails--
		return kit.MessageRef{}, errors.New("transient")
	}
	a.sent = append(a.sent, text)
	return kit.MessageRef{ChannelID: "c", MessageID: "m"}, nil
}

func (a *stubAdapter) texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

func fastService(a *stubAdapter) *Service {
	return New(a, nil, logx.Nop(), WithRate(time.Millisecond, 10))
}

func TestWorkerPreservesOrder(t *testing.T) {
	t.Parallel()
	a := &stubAdapter{}
	s := fastService(a)
	s.Start(context.Background())
	defer s.Stop()

	for _, msg := range []string{"one", "two", "three"} {
		if err := s.Enqueue(kit.Notification{Target: kit.ChannelTarget{ChannelID: "c"}, Text: msg}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.texts()) == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := a.texts()
	if len(got) != 3 || got[0] != "one" || got[1] != "two" || got[2] != "three" {
		t.Fatalf("sent = %v, want [one two three]", got)
	}
}

func TestNotifyRetriesTransientFailure(t *testing.T) {
	t.Parallel()
	a := &stubAdapter{fails: 2}
	s := fastService(a)

	if err := s.Notify(context.Background(), "c", "hello"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := a.texts(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("sent = %v", got)
	}
}

func TestNotifyGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	a := &stubAdapter{fails: maxSendAttempts}
	s := fastService(a)

	if err := s.Notify(context.Background(), "c", "hello"); err == nil {
		t.Fatal("expected error after exhausted attempts")
	}
	if got := a.texts(); len(got) != 0 {
		t.Fatalf("sent = %v, want none", got)
	}
}

func TestEnqueueFullQueue(t *testing.T) {
	t.Parallel()
	a := &stubAdapter{}
	s := fastService(a) // not started: the queue only fills

	var err error
	for i := 0; i <= defaultQueueSize; i++ {
		err = s.Enqueue(kit.Notification{Target: kit.ChannelTarget{ChannelID: "c"}, Text: "x"})
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}
