package announce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vigil/internal/schedule"
	logx "vigil/pkg/logx"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (n *captureNotifier) Notify(_ context.Context, _ string, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, text)
	return nil
}

type stubResolver struct{ err error }

func (r stubResolver) ResolveChannel(context.Context, string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return "general", nil
}

func TestRegisterUnresolvableChannelDisablesLoop(t *testing.T) {
	t.Parallel()
	s := New("999", Window{}, &captureNotifier{}, stubResolver{err: errors.New("no such channel")}, nil, logx.Nop())
	sched := schedule.New(time.UTC, logx.Nop())

	if err := s.Register(context.Background(), sched, 20, 0); err == nil {
		t.Fatal("expected error for unresolvable channel")
	}
}

func TestFireSendsOnce(t *testing.T) {
	t.Parallel()
	n := &captureNotifier{}
	w := Window{
		Start: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC),
	}
	s := New("123", w, n, stubResolver{}, nil, logx.Nop())

	s.fire(context.Background(), time.Date(2026, 1, 7, 20, 0, 0, 0, time.UTC))

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(n.sent))
	}
}

func TestFireSkipsUnconfiguredWindow(t *testing.T) {
	t.Parallel()
	n := &captureNotifier{}
	s := New("123", Window{}, n, stubResolver{}, nil, logx.Nop())

	s.fire(context.Background(), time.Now())

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) != 0 {
		t.Fatalf("unconfigured window still sent %d messages", len(n.sent))
	}
}

func TestFireSendFailureIsAbandoned(t *testing.T) {
	t.Parallel()
	n := &captureNotifier{err: errors.New("gateway down")}
	w := Window{
		Start: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC),
	}
	s := New("123", w, n, stubResolver{}, nil, logx.Nop())

	// Must not panic or retry; the failure is logged and dropped.
	s.fire(context.Background(), time.Date(2026, 1, 7, 20, 0, 0, 0, time.UTC))
}
