// Package app wires the services together and owns process lifecycle.
package app

import (
	"context"
	"time"

	"vigil/internal/announce"
	"vigil/internal/attest"
	"vigil/internal/config"
	"vigil/internal/eventbus"
	"vigil/internal/notifier"
	"vigil/internal/playback"
	"vigil/internal/resolver"
	"vigil/internal/router"
	"vigil/internal/runtime/supervisor"
	"vigil/internal/schedule"
	"vigil/internal/storage"
	kit "vigil/internal/transport"
	"vigil/internal/transport/discord"
	logx "vigil/pkg/logx"
)

type App struct {
	envPath string
	cfg     *config.Config
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter *discord.Adapter
	hist    *storage.History
	engine  *playback.Engine
	sched   *schedule.Service
	notif   *notifier.Service
	ann     *announce.Service
	att     *attest.Service
	cmdm    *router.Manager

	updates chan kit.Update
}

func New(envPath string) (*App, error) {
	cfg, err := config.Load(envPath)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.LogLevel).With(logx.String("comp", "discord"))
	adapter, err := discord.New(discord.Config{
		Token:   cfg.BotToken,
		GuildID: cfg.GuildID,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with channel mirroring off, set the target, then enable, so
	// Apply never warns about a missing target during startup.
	baseLogCfg := logx.Config{
		Level:   cfg.LogLevel,
		Console: true,
		File: logx.FileConfig{
			Enabled: cfg.LogFile != "",
			Path:    cfg.LogFile,
		},
		Channel: logx.ChannelConfig{
			Enabled:    false,
			MinLevel:   "WARN",
			RatePerSec: 1,
		},
	}
	logs, log := logx.New(baseLogCfg, adapter)
	log = log.With(logx.String("comp", "app"))

	if cfg.LogChannelID != "" {
		logs.SetChannelTarget(cfg.LogChannelID)
		finalLogCfg := baseLogCfg
		finalLogCfg.Channel.Enabled = true
		logs.Apply(finalLogCfg)
	}

	bus := eventbus.New()

	hist, err := storage.Open(storage.Config{
		Path:        cfg.HistoryDBPath,
		BusyTimeout: 2 * time.Second,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	res := resolver.New(resolver.Config{
		Binary:     cfg.YTDLPPath,
		StagingDir: cfg.StagingDir,
		CookiesB64: cfg.YTCookiesB64,
	}, log.With(logx.String("comp", "resolver")))

	sink := discord.NewVoiceSink(adapter, cfg.GuildID, cfg.FFmpegPath, log.With(logx.String("comp", "voice")))

	var histPort playback.History
	if hist != nil {
		histPort = &historyBridge{h: hist}
	}
	engine := playback.New(res, sink, &engineMessenger{adapter: adapter}, histPort, bus,
		log.With(logx.String("comp", "playback")))

	notif := notifier.New(adapter, bus, log.With(logx.String("comp", "notifier")))
	sched := schedule.New(cfg.Location(), log.With(logx.String("comp", "schedule")))

	window := announce.Window{Start: cfg.ExamStart, End: cfg.ExamEnd}
	ann := announce.New(cfg.AnnounceChannelID, window, notif, adapter, bus,
		log.With(logx.String("comp", "announce")))

	var att *attest.Service
	if cfg.AttestEnabled() {
		att = attest.New(cfg.GuildID, cfg.AttestChannelID, adapter, notif, bus,
			log.With(logx.String("comp", "attest")))
	}

	cfgm := config.NewManager(envPath, cfg)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		envPath: envPath,
		cfg:     cfg,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		adapter: adapter,
		hist:    hist,
		engine:  engine,
		sched:   sched,
		notif:   notif,
		ann:     ann,
		att:     att,
		updates: make(chan kit.Update, 256),
	}

	a.cmdm = router.NewManager(adapter, cfg.OwnerUserIDs, log.With(logx.String("comp", "router")))
	a.cmdm.SetRegistry(a.commands(), a.interactionRoutes())

	return a, nil
}

// Run blocks until ctx is canceled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	a.engine.Start(sup.Context())
	a.notif.Start(sup.Context())

	if err := a.adapter.Start(sup.Context(), a.updates); err != nil {
		return err
	}

	if err := a.ann.Register(sup.Context(), a.sched, a.cfg.SendHour, a.cfg.SendMinute); err != nil {
		// The announcement loop is disabled but the process keeps serving
		// everything else.
		a.log.Warn("running without the daily announcement loop")
	}
	if a.att != nil {
		if err := a.att.Register(sup.Context(), a.sched, a.cfg.AttestHour, a.cfg.AttestMinute, a.cfg.AttestReconcileAfter); err != nil {
			a.log.Warn("running without the sleep-check loop", logx.Err(err))
		}
	} else {
		a.log.Info("sleep-check disabled (no ATTESTATION_CHANNEL_ID)")
	}
	a.sched.Start()

	sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// Hot-apply the dynamic config subset (log level).
	sub := a.cfgm.Subscribe(8)
	sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyDynamic(newCfg)
			}
		}
	})

	// Debug-level event trace; components subscribe themselves for real work.
	events, unsub := a.bus.Subscribe(128)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.log.Info("vigil started",
		logx.String("tz", a.cfg.Timezone),
		logx.Bool("attest", a.att != nil))

	<-sup.Context().Done()
	return a.shutdown(sup)
}

func (a *App) applyDynamic(cfg *config.Config) {
	if cfg == nil || cfg.LogLevel == a.cfg.LogLevel {
		return
	}
	a.log.Info("applying log level change",
		logx.String("from", a.cfg.LogLevel), logx.String("to", cfg.LogLevel))
	a.logs.Apply(logx.Config{
		Level:   cfg.LogLevel,
		Console: true,
		File: logx.FileConfig{
			Enabled: cfg.LogFile != "",
			Path:    cfg.LogFile,
		},
		Channel: logx.ChannelConfig{
			Enabled:    cfg.LogChannelID != "",
			ChannelID:  cfg.LogChannelID,
			MinLevel:   "WARN",
			RatePerSec: 1,
		},
	})
	a.cfg = cfg
}

func (a *App) shutdown(sup *supervisor.Supervisor) error {
	a.log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = a.sched.Stop(stopCtx)
	a.notif.Stop()
	_ = a.adapter.Stop(stopCtx)
	_ = sup.Wait(stopCtx)
	_ = a.hist.Close()
	_ = a.logs.Close()
	return sup.Err()
}

// engineMessenger narrows the adapter to the engine's messaging port.
type engineMessenger struct {
	adapter kit.Adapter
}

func (m *engineMessenger) SendText(ctx context.Context, to playback.Target, text string, opts *playback.SendOpts) error {
	var o *kit.SendOptions
	if opts != nil {
		o = &kit.SendOptions{SuppressEmbeds: opts.SuppressEmbeds}
	}
	_, err := m.adapter.SendText(ctx, kit.ChannelTarget{ChannelID: to.ChannelID}, text, o)
	return err
}

// historyBridge maps engine records onto the storage schema.
type historyBridge struct {
	h *storage.History
}

func (b *historyBridge) RecordPlay(ctx context.Context, rec playback.PlayRecord) error {
	return b.h.RecordPlay(ctx, storage.PlayRecord{
		Title:       rec.Title,
		Kind:        rec.Kind,
		RequestedBy: rec.RequestedBy,
		PlayedAt:    rec.PlayedAt,
	})
}
