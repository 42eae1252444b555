package playback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	logx "vigil/pkg/logx"
)

type fakeResolver struct {
	mu   sync.Mutex
	fail map[string]bool
}

func (r *fakeResolver) Resolve(_ context.Context, locator string) (Resolved, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[locator] {
		return Resolved{}, errors.New("blocked upstream")
	}
	return Resolved{Title: "title:" + locator, StreamURL: "stream:" + locator}, nil
}

type fakeSession struct {
	source string
	once   sync.Once
	onDone func(err error)
}

func (s *fakeSession) Stop() { s.Complete(nil) }

// Complete simulates the audio subsystem's termination callback.
func (s *fakeSession) Complete(err error) {
	s.once.Do(func() { s.onDone(err) })
}

type fakeSink struct {
	opened chan *fakeSession
}

func newFakeSink() *fakeSink { return &fakeSink{opened: make(chan *fakeSession, 16)} }

func (f *fakeSink) Open(_ context.Context, source string, onDone func(err error)) (Session, error) {
	s := &fakeSession{source: source, onDone: onDone}
	f.opened <- s
	return s, nil
}

func (f *fakeSink) next(t *testing.T) *fakeSession {
	t.Helper()
	select {
	case s := <-f.opened:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a session to open")
		return nil
	}
}

func (f *fakeSink) expectNone(t *testing.T) {
	t.Helper()
	select {
	case s := <-f.opened:
		t.Fatalf("unexpected session opened for %q", s.source)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeMessenger struct {
	mu   sync.Mutex
	msgs []string
}

func (m *fakeMessenger) SendText(_ context.Context, _ Target, text string, _ *SendOpts) error {
	m.mu.Lock()
	m.msgs = append(m.msgs, text)
	m.mu.Unlock()
	return nil
}

func (m *fakeMessenger) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.msgs...)
}

type fakeHistory struct {
	mu   sync.Mutex
	recs []PlayRecord
}

func (h *fakeHistory) RecordPlay(_ context.Context, rec PlayRecord) error {
	h.mu.Lock()
	h.recs = append(h.recs, rec)
	h.mu.Unlock()
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeResolver, *fakeSink, *fakeMessenger, *fakeHistory) {
	t.Helper()
	res := &fakeResolver{fail: map[string]bool{}}
	sink := newFakeSink()
	msg := &fakeMessenger{}
	hist := &fakeHistory{}
	e := New(res, sink, msg, hist, nil, logx.Nop())
	e.Start(context.Background())
	return e, res, sink, msg, hist
}

func waitIdle(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap := e.Snapshot(); !snap.Playing && len(snap.Pending) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("engine never went idle: %+v", e.Snapshot())
}

// waitCurrent waits until the engine has registered the active session.
func waitCurrent(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Snapshot().CurrentTitle != "" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no active session registered")
}

func TestFIFOOrder(t *testing.T) {
	t.Parallel()
	e, _, sink, _, hist := newTestEngine(t)

	for _, loc := range []string{"a", "b", "c"} {
		e.Enqueue(NewRemote(loc, "user"))
	}
	e.RequestPlayIfIdle(Target{ChannelID: "chan"})

	for _, want := range []string{"stream:a", "stream:b", "stream:c"} {
		s := sink.next(t)
		if s.source != want {
			t.Fatalf("session source = %q, want %q", s.source, want)
		}
		s.Complete(nil)
	}
	waitIdle(t, e)

	hist.mu.Lock()
	defer hist.mu.Unlock()
	if len(hist.recs) != 3 {
		t.Fatalf("expected 3 history records, got %d", len(hist.recs))
	}
	for i, want := range []string{"title:a", "title:b", "title:c"} {
		if hist.recs[i].Title != want {
			t.Fatalf("history[%d] = %q, want %q", i, hist.recs[i].Title, want)
		}
	}
}

func TestEnqueueWhileBusyExtendsQueue(t *testing.T) {
	t.Parallel()
	e, _, sink, _, _ := newTestEngine(t)

	e.Enqueue(NewRemote("a", "user"))
	e.RequestPlayIfIdle(Target{ChannelID: "chan"})
	s := sink.next(t)

	e.Enqueue(NewRemote("b", "user"))
	e.RequestPlayIfIdle(Target{ChannelID: "chan"})
	sink.expectNone(t)

	snap := e.Snapshot()
	if !snap.Playing || len(snap.Pending) != 1 {
		t.Fatalf("snapshot = %+v, want playing with 1 pending", snap)
	}

	s.Complete(nil)
	if next := sink.next(t); next.source != "stream:b" {
		t.Fatalf("next source = %q, want stream:b", next.source)
	}
}

func TestStopMakesCallbackStale(t *testing.T) {
	t.Parallel()
	e, _, sink, _, _ := newTestEngine(t)

	e.Enqueue(NewRemote("a", "user"))
	e.Enqueue(NewRemote("b", "user"))
	e.RequestPlayIfIdle(Target{ChannelID: "chan"})
	_ = sink.next(t)

	cleared := e.Stop()
	if cleared != 2 {
		t.Fatalf("Stop cleared %d, want 2", cleared)
	}

	// Stop halted the session, which fired its termination callback with a
	// stale generation. Nothing may auto-play afterwards.
	sink.expectNone(t)
	if snap := e.Snapshot(); snap.Playing || len(snap.Pending) != 0 {
		t.Fatalf("engine not idle after Stop: %+v", snap)
	}

	// The engine accepts fresh work after a Stop.
	e.Enqueue(NewRemote("c", "user"))
	e.RequestPlayIfIdle(Target{ChannelID: "chan"})
	if s := sink.next(t); s.source != "stream:c" {
		t.Fatalf("source = %q, want stream:c", s.source)
	}
}

func TestFailedResolutionSkipsItem(t *testing.T) {
	t.Parallel()
	e, res, sink, msg, _ := newTestEngine(t)
	res.fail["bad"] = true

	for _, loc := range []string{"bad", "b", "c"} {
		e.Enqueue(NewRemote(loc, "user"))
	}
	e.RequestPlayIfIdle(Target{ChannelID: "chan"})

	// Item 1 never opens a session; items 2..N still play in order.
	for _, want := range []string{"stream:b", "stream:c"} {
		s := sink.next(t)
		if s.source != want {
			t.Fatalf("session source = %q, want %q", s.source, want)
		}
		s.Complete(nil)
	}
	waitIdle(t, e)

	var reported bool
	for _, m := range msg.all() {
		if strings.Contains(m, "bad") && strings.Contains(m, "skipping") {
			reported = true
		}
	}
	if !reported {
		t.Fatalf("resolution failure was not reported: %v", msg.all())
	}
}

func TestSkipAdvances(t *testing.T) {
	t.Parallel()
	e, _, sink, _, _ := newTestEngine(t)

	if err := e.Skip(); !errors.Is(err, ErrNotPlaying) {
		t.Fatalf("Skip on idle engine = %v, want ErrNotPlaying", err)
	}

	e.Enqueue(NewRemote("a", "user"))
	e.Enqueue(NewRemote("b", "user"))
	e.RequestPlayIfIdle(Target{ChannelID: "chan"})
	_ = sink.next(t)
	waitCurrent(t, e)

	if err := e.Skip(); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if s := sink.next(t); s.source != "stream:b" {
		t.Fatalf("source after skip = %q, want stream:b", s.source)
	}
}

func TestDeleteAfterPlay(t *testing.T) {
	t.Parallel()
	e, _, sink, _, _ := newTestEngine(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "staged.mp3")
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	e.Enqueue(NewLocal(path, "staged.mp3", true, "user"))
	e.RequestPlayIfIdle(Target{ChannelID: "chan"})

	s := sink.next(t)
	if s.source != path {
		t.Fatalf("local item source = %q, want %q", s.source, path)
	}
	s.Complete(nil)
	waitIdle(t, e)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("staged file not deleted after play: %v", err)
	}
}

func TestStopDeletesStagedQueue(t *testing.T) {
	t.Parallel()
	e, _, sink, _, _ := newTestEngine(t)

	dir := t.TempDir()
	p1 := filepath.Join(dir, "one.mp3")
	p2 := filepath.Join(dir, "two.mp3")
	for _, p := range []string{p1, p2} {
		if err := os.WriteFile(p, []byte("audio"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	e.Enqueue(NewLocal(p1, "one.mp3", true, "user"))
	e.Enqueue(NewLocal(p2, "two.mp3", true, "user"))
	e.RequestPlayIfIdle(Target{ChannelID: "chan"})
	_ = sink.next(t)

	e.Stop()
	waitIdle(t, e)

	for _, p := range []string{p1, p2} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("staged file %s not cleaned up on Stop", p)
		}
	}
}
