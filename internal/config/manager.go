package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "vigil/pkg/logx"
)

// Manager holds the committed configuration and optionally watches the env
// file for changes.
//
// Only the dynamic subset of Config (log level) is hot-applied; a change to a
// static key is logged as requiring a restart. Reloads are transactional: a
// file state that fails to parse or validate never replaces the committed
// config.
type Manager struct {
	envPath string

	mu  sync.RWMutex
	cfg *Config

	subsMu sync.Mutex
	subs   []chan *Config

	log logx.Logger
}

func NewManager(envPath string, cfg *Config) *Manager {
	return &Manager{envPath: envPath, cfg: cfg}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			// swap-remove (order doesn't matter)
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Deliver the latest config; if the subscriber is slow, drop one
		// stale item and retry once.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}

// reload re-reads the env file, validates, commits and publishes.
func (m *Manager) reload(ctx context.Context) {
	_ = ctx

	cfg, err := Reload(m.envPath)
	if err != nil {
		if !m.log.IsZero() {
			m.log.Warn("env reload rejected", logx.String("path", m.envPath), logx.Any("err", err))
		}
		return
	}

	prev := m.Get()
	if prev != nil {
		if static := staticDiff(prev, cfg); len(static) > 0 {
			if !m.log.IsZero() {
				m.log.Warn("static config keys changed; restart required to apply",
					logx.Any("keys", static))
			}
		}
	}

	m.commit(cfg)
	m.publish(cfg)
	if !m.log.IsZero() {
		m.log.Info("config reloaded", logx.String("path", m.envPath))
	}
}

// staticDiff lists static keys that differ between two configs.
func staticDiff(a, b *Config) []string {
	var keys []string
	if a.BotToken != b.BotToken {
		keys = append(keys, "BOT_TOKEN")
	}
	if a.AnnounceChannelID != b.AnnounceChannelID {
		keys = append(keys, "ANNOUNCE_CHANNEL_ID")
	}
	if a.AttestChannelID != b.AttestChannelID {
		keys = append(keys, "ATTESTATION_CHANNEL_ID")
	}
	if a.Timezone != b.Timezone {
		keys = append(keys, "TIMEZONE")
	}
	if a.SendHour != b.SendHour || a.SendMinute != b.SendMinute {
		keys = append(keys, "SEND_HOUR/SEND_MINUTE")
	}
	if a.AttestHour != b.AttestHour || a.AttestMinute != b.AttestMinute {
		keys = append(keys, "ATTEST_HOUR/ATTEST_MINUTE")
	}
	if !a.ExamStart.Equal(b.ExamStart) || !a.ExamEnd.Equal(b.ExamEnd) {
		keys = append(keys, "EXAM_START/EXAM_END")
	}
	return keys
}

// Watch blocks watching the env file until ctx is canceled. A nil return on
// setup failure keeps watching optional: deployments without an env file run
// on plain environment variables and never hot-reload.
func (m *Manager) Watch(ctx context.Context) error {
	if m.envPath == "" {
		<-ctx.Done()
		return nil
	}

	dir := filepath.Dir(m.envPath)
	file := filepath.Base(m.envPath)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		if !m.log.IsZero() {
			m.log.Warn("env watch unavailable", logx.Any("err", err))
		}
		<-ctx.Done()
		return nil
	}
	defer w.Close()

	// Watch the directory, not the file: editors replace the file on save.
	if err := w.Add(dir); err != nil {
		if !m.log.IsZero() {
			m.log.Warn("env watch unavailable", logx.String("dir", dir), logx.Any("err", err))
		}
		<-ctx.Done()
		return nil
	}

	// Debounce to avoid reloading partial writes.
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() { m.reload(ctx) })
	}

	for {
		select {
		case <-ctx.Done():
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timerMu.Unlock()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if !m.log.IsZero() {
				m.log.Warn("env watch error", logx.Any("err", err))
			}
		}
	}
}
