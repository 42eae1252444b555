package playback

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"vigil/internal/eventbus"
	logx "vigil/pkg/logx"
)

// Engine owns the playback queue and the single active audio session.
//
// The head of the queue is the currently playing item; termination callbacks
// from the sink pop it and start the next one. All mutation happens under one
// mutex because callbacks arrive from the audio subsystem's goroutines while
// commands arrive from the dispatch loop.
//
// Every session carries a generation number. A termination callback whose
// generation no longer matches the engine's is stale (the session was stopped
// by Stop and the queue already cleared) and is ignored, so a cleared queue
// can never be resurrected by a late callback.
type Engine struct {
	log      logx.Logger
	resolver Resolver
	sink     Sink
	msg      Messenger
	hist     History
	bus      eventbus.Bus

	mu      sync.Mutex
	ctx     context.Context
	queue   []Item
	playing bool
	gen     uint64
	cur     *active
	origin  Target
}

type active struct {
	item    Item
	title   string
	session Session
}

func New(resolver Resolver, sink Sink, msg Messenger, hist History, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		log:      log,
		resolver: resolver,
		sink:     sink,
		msg:      msg,
		hist:     hist,
		bus:      bus,
	}
}

// Start fixes the base context used by termination-driven advancement.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()
}

// Enqueue appends an item and returns its queue position (1-based, counting
// the active item). It never starts playback; callers follow up with
// RequestPlayIfIdle.
func (e *Engine) Enqueue(item Item) int {
	e.mu.Lock()
	e.queue = append(e.queue, item)
	pos := len(e.queue)
	e.mu.Unlock()

	e.log.Debug("enqueued", logx.String("kind", string(item.Kind)), logx.String("title", item.DisplayTitle()), logx.Int("pos", pos))
	return pos
}

// RequestPlayIfIdle begins playback of the queue head when the engine is idle
// and the queue is non-empty; otherwise it is a no-op. The originating channel
// receives now-playing announcements and failure reports for this run.
func (e *Engine) RequestPlayIfIdle(origin Target) {
	e.mu.Lock()
	if e.playing || len(e.queue) == 0 || e.ctx == nil {
		e.mu.Unlock()
		return
	}
	e.playing = true
	e.gen++
	gen := e.gen
	e.origin = origin
	ctx := e.ctx
	e.mu.Unlock()

	go e.startHead(ctx, gen)
}

// startHead resolves and opens a session for the queue head. Resolution can
// block on network I/O, so it always runs off the dispatch path. A head that
// fails to resolve is dropped and reported, and the loop continues with the
// next item; the queue never stalls on one bad entry.
func (e *Engine) startHead(ctx context.Context, gen uint64) {
	for {
		e.mu.Lock()
		if gen != e.gen || !e.playing {
			e.mu.Unlock()
			return
		}
		if len(e.queue) == 0 {
			e.playing = false
			e.cur = nil
			e.mu.Unlock()
			return
		}
		item := e.queue[0]
		origin := e.origin
		e.mu.Unlock()

		title := item.Title
		source := item.Path
		if item.Kind == KindRemote {
			res, err := e.resolver.Resolve(ctx, item.Locator)
			if err != nil {
				e.dropFailedHead(ctx, gen, item, origin, fmt.Errorf("%w: %v", ErrResolve, err))
				continue
			}
			title = res.Title
			source = res.StreamURL
		}

		sess, err := e.sink.Open(ctx, source, func(err error) { e.onSessionDone(gen, item, title, err) })
		if err != nil {
			e.dropFailedHead(ctx, gen, item, origin, fmt.Errorf("open session: %w", err))
			continue
		}

		e.mu.Lock()
		if gen != e.gen || !e.playing {
			// Stopped while we were resolving; the session must not outlive it.
			e.mu.Unlock()
			sess.Stop()
			return
		}
		e.cur = &active{item: item, title: title, session: sess}
		e.mu.Unlock()

		e.publish(eventbus.EventPlaybackStarted, title)
		e.say(ctx, origin, "▶ Now playing: **"+title+"**")
		e.log.Info("playback started", logx.String("title", title), logx.String("kind", string(item.Kind)), logx.Uint64("gen", gen))
		return
	}
}

// dropFailedHead removes the failed head (if this generation still owns the
// queue) and reports the failure to the originating channel.
func (e *Engine) dropFailedHead(ctx context.Context, gen uint64, item Item, origin Target, err error) {
	e.mu.Lock()
	if gen == e.gen && e.playing && len(e.queue) > 0 {
		e.queue = e.queue[1:]
	}
	e.mu.Unlock()

	e.cleanupItem(item)
	e.log.Warn("playback item dropped", logx.String("title", item.DisplayTitle()), logx.Any("err", err))
	e.say(ctx, origin, "❌ Could not play **"+item.DisplayTitle()+"**, skipping it.")
}

// onSessionDone is the termination callback registered with the sink. It runs
// once per session, on the audio subsystem's goroutine.
func (e *Engine) onSessionDone(gen uint64, item Item, title string, err error) {
	if err != nil {
		e.log.Warn("playback ended with error", logx.String("title", title), logx.Any("err", err))
	}

	e.mu.Lock()
	if gen != e.gen || !e.playing {
		// Stale: the session was stopped and the queue already reset.
		e.mu.Unlock()
		e.log.Debug("stale termination callback ignored", logx.Uint64("gen", gen))
		return
	}
	ctx := e.ctx
	if len(e.queue) > 0 {
		e.queue = e.queue[1:]
	}
	e.cur = nil
	hasNext := len(e.queue) > 0
	if hasNext {
		e.gen++
		gen = e.gen
	} else {
		e.playing = false
	}
	e.mu.Unlock()

	e.cleanupItem(item)
	e.recordPlay(ctx, item, title)
	e.publish(eventbus.EventPlaybackFinished, title)

	if hasNext {
		go e.startHead(ctx, gen)
	} else {
		e.log.Debug("queue drained")
	}
}

// Stop clears the queue, halts any active session and resets to idle. The
// halted session's termination callback becomes stale and cannot re-enter
// advancement. Staged files of cleared items are deleted best-effort.
func (e *Engine) Stop() int {
	e.mu.Lock()
	cleared := len(e.queue)
	dropped := e.queue
	e.queue = nil
	e.playing = false
	e.gen++ // invalidate in-flight callbacks and starts
	cur := e.cur
	e.cur = nil
	e.mu.Unlock()

	if cur != nil {
		cur.session.Stop()
	}
	for _, it := range dropped {
		e.cleanupItem(it)
	}

	e.publish(eventbus.EventPlaybackStopped, "")
	e.log.Info("playback stopped", logx.Int("cleared", cleared))
	return cleared
}

// Skip halts only the active session; its termination callback advances the
// queue normally. Returns ErrNotPlaying when idle.
func (e *Engine) Skip() error {
	e.mu.Lock()
	cur := e.cur
	playing := e.playing
	e.mu.Unlock()

	if !playing || cur == nil {
		return ErrNotPlaying
	}
	e.publish(eventbus.EventPlaybackSkipped, cur.title)
	cur.session.Stop()
	return nil
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{Playing: e.playing}
	if e.cur != nil {
		snap.CurrentTitle = e.cur.title
	}
	rest := e.queue
	if e.playing && len(rest) > 0 {
		rest = rest[1:]
	}
	for _, it := range rest {
		snap.Pending = append(snap.Pending, it.DisplayTitle())
	}
	return snap
}

// cleanupItem deletes a staged local file after play. Best-effort: failures
// are logged, never propagated.
func (e *Engine) cleanupItem(item Item) {
	if item.Kind != KindLocal || !item.DeleteAfterPlay || item.Path == "" {
		return
	}
	if err := os.Remove(item.Path); err != nil && !os.IsNotExist(err) {
		e.log.Warn("staged file cleanup failed", logx.String("path", item.Path), logx.Any("err", err))
	}
}

func (e *Engine) recordPlay(ctx context.Context, item Item, title string) {
	if e.hist == nil {
		return
	}
	rec := PlayRecord{
		Title:       title,
		Kind:        string(item.Kind),
		RequestedBy: item.RequestedBy,
		PlayedAt:    time.Now(),
	}
	if err := e.hist.RecordPlay(ctx, rec); err != nil {
		e.log.Warn("history write failed", logx.Any("err", err))
	}
}

func (e *Engine) say(ctx context.Context, to Target, text string) {
	if e.msg == nil || to.ChannelID == "" {
		return
	}
	if err := e.msg.SendText(ctx, to, text, nil); err != nil {
		e.log.Warn("playback notice failed", logx.Any("err", err))
	}
}

func (e *Engine) publish(typ, title string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: map[string]string{"title": title}})
}
