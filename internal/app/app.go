// Package app assembles the bot: config, logging, storage, the
// registration engine, the dispatch loop, broadcast fan-out and the
// Telegram handler layer, with hot config reload across all of them.
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"eventbot/internal/bot"
	"eventbot/internal/broadcast"
	"eventbot/internal/config"
	"eventbot/internal/content"
	"eventbot/internal/dispatch"
	"eventbot/internal/engine"
	"eventbot/internal/storage"
	"eventbot/internal/transport/telegram"
	logx "eventbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager

	log  logx.Logger
	logs *logx.Service

	store    storage.Store
	adapter  *telegram.Adapter
	eng      *engine.Engine
	bcast    *broadcast.Service
	renderer *content.Renderer
	disp     *dispatch.Service
	handlers *bot.Handlers

	stopWatch context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, logs.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		SendTimeout: sendTimeout,
	}, logs.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	offsets, err := cfg.Offsets()
	if err != nil {
		return nil, err
	}
	eng := engine.New(store, offsets, logs.Logger().With(logx.String("comp", "engine")))

	bcast := broadcast.New(broadcast.Config{
		Workers:    cfg.Broadcast.Workers,
		RatePerSec: cfg.Broadcast.RatePerSec,
	}, adapter, func(ctx context.Context, registrationID int64) error {
		_, err := eng.UnregisterRegistration(ctx, registrationID)
		return err
	}, logs.Logger().With(logx.String("comp", "broadcast")))

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	renderer := content.NewRenderer(loc)

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp, err := dispatch.New(dispCfg, store, bcast, eng, renderer,
		logs.Logger().With(logx.String("comp", "dispatch")))
	if err != nil {
		return nil, err
	}

	handlers := bot.New(store, eng, bcast, logs.Logger().With(logx.String("comp", "bot")))
	handlers.Apply(cfg.Telegram.AdminUserIDs, loc)
	handlers.Attach(adapter.Bot())

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logs,
		store:    store,
		adapter:  adapter,
		eng:      eng,
		bcast:    bcast,
		renderer: renderer,
		disp:     disp,
		handlers: handlers,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dla, err := config.ParseDurationField("dispatch.dead_letter_after", cfg.Dispatch.DeadLetterAfter)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Enabled:         cfg.DispatchEnabled(),
		TickSpec:        cfg.Dispatch.Tick,
		Concurrency:     cfg.Dispatch.Concurrency,
		BatchLimit:      cfg.Dispatch.BatchLimit,
		DeadLetterAfter: dla,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		_, err := mapDispatchConfig(cfg)
		return err
	})

	a.adapter.Start(ctx)
	a.disp.Start(ctx)

	watchCtx, cancel := context.WithCancel(ctx)
	a.stopWatch = cancel
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(watchCtx)
	}()
	sub := a.cfgm.Subscribe(8)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(watchCtx, sub)
	}()

	a.log.Info("started")
	return nil
}

// reloadLoop applies published config updates to the live components.
// Storage, telegram credentials and reminder offsets are wired at
// construction; changes there are logged as restart-required.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
			lastApplied = newCfg

			for _, s := range sections {
				switch s {
				case "logging":
					a.logs.Apply(logx.Config{
						Level:   newCfg.Logging.Level,
						Console: newCfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: newCfg.Logging.File.Enabled,
							Path:    newCfg.Logging.File.Path,
						},
					})
				case "broadcast":
					a.bcast.Apply(broadcast.Config{
						Workers:    newCfg.Broadcast.Workers,
						RatePerSec: newCfg.Broadcast.RatePerSec,
					})
				case "dispatch":
					if dispCfg, err := mapDispatchConfig(newCfg); err != nil {
						a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
					} else if err := a.disp.Apply(dispCfg); err != nil {
						a.log.Warn("dispatch config rejected; keeping previous", logx.Err(err))
					}
				case "telegram":
					// Admin list is live; token/timeouts need a restart.
					a.applyDisplay(newCfg)
				case "timezone":
					a.applyDisplay(newCfg)
				case "storage", "reminders":
					a.log.Warn("config section needs a restart to take effect", logx.String("section", s))
				}
			}
		}
	}
}

func (a *App) applyDisplay(cfg *config.Config) {
	loc, err := cfg.Location()
	if err != nil {
		// The validator rejects bad timezones before publish; treat this
		// as unreachable but stay safe.
		a.log.Warn("invalid timezone; keeping previous", logx.Err(err))
		return
	}
	a.renderer.Apply(loc)
	a.handlers.Apply(cfg.Telegram.AdminUserIDs, loc)
}

// Stop shuts components down in dependency order: stop triggering new
// work (dispatch), then the transport, then the store.
func (a *App) Stop(ctx context.Context) error {
	if a.stopWatch != nil {
		a.stopWatch()
	}
	a.disp.Stop(ctx)
	_ = a.adapter.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// ForceTick runs one dispatch pass immediately; used by tests and
// operational tooling.
func (a *App) ForceTick(ctx context.Context) { a.disp.Tick(ctx) }
