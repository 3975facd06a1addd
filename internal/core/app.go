// Package core wires the bot together: config manager, operator
// channel adapter, gateway client, session, broadcast executor and the
// supporting services, all supervised under one context.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wappsender/internal/adapters/telegram"
	"wappsender/internal/config"
	"wappsender/internal/gateway"
	"wappsender/internal/kit"
	"wappsender/internal/server"
	"wappsender/internal/services/broadcast"
	"wappsender/internal/services/digest"
	"wappsender/internal/services/logging"
	"wappsender/internal/services/notify"
	"wappsender/internal/session"
	"wappsender/internal/storage"
	"wappsender/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	log  *slog.Logger
	logs *logging.Service

	adapter kit.Adapter
	gw      *gateway.Client
	groups  *gateway.GroupCache
	store   storage.Store
	sess    *session.Session

	notif  *notify.Service
	bcast  *broadcast.Service
	digest *digest.Service
	router *Router
	ops    *server.Server

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := slog.New(slog.NewTextHandler(logging.Stdout(), &slog.HandlerOptions{Level: slog.LevelInfo})).
		With(slog.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logging.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logging.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}, ad)
	log = log.With(slog.String("comp", "app"))

	gw, err := gateway.New(gateway.Config{
		BaseURL:    cfg.Gateway.BaseURL,
		Instance:   cfg.Gateway.Instance,
		Token:      cfg.Gateway.Token,
		Timeout:    cfg.GatewayTimeout(),
		RatePerSec: cfg.Gateway.RatePerSec,
	}, log.With(slog.String("comp", "gateway")))
	if err != nil {
		return nil, err
	}
	groups := gateway.NewGroupCache(gw, log.With(slog.String("comp", "groups")))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	sess := session.New(cfg.Auth.Password, cfg.Auth.OperatorIDs)

	notifSvc := notify.New(ad, log.With(slog.String("comp", "notifier")))

	bcastSvc := broadcast.New(broadcast.Config{
		Workers:  cfg.Broadcast.Workers,
		Cooldown: cfg.TerminateCooldown(),
	}, gw, sess, store, notifSvc, log.With(slog.String("comp", "broadcast")))

	digestSvc, err := digest.New(digest.Config{
		Enabled:    cfg.Digest.Enabled,
		Schedule:   cfg.Digest.Schedule,
		Recipients: cfg.Auth.OperatorIDs,
	}, gw, sess, notifSvc, log.With(slog.String("comp", "digest")))
	if err != nil {
		return nil, err
	}

	router := NewRouter(cfgm, sess, groups, bcastSvc, store, notifSvc, ad, gw, log.With(slog.String("comp", "router")))

	ops := server.New(server.Config{
		Addr:  cfg.Server.Addr,
		Pprof: cfg.Server.Pprof,
	}, groups, sess, log.With(slog.String("comp", "server")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		adapter: ad,
		gw:      gw,
		groups:  groups,
		store:   store,
		sess:    sess,
		notif:   notifSvc,
		bcast:   bcastSvc,
		digest:  digestSvc,
		router:  router,
		ops:     ops,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	cfg := a.cfgm.Get()

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "config")))
	a.cfgm.SetValidator(runtimeConfigGuard(cfg))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	// Restore the persisted exclusion selection so termination cleanup
	// and option-2 broadcasts survive a restart.
	if a.store != nil {
		loadCtx, cancel := context.WithTimeout(a.sup.Context(), 5*time.Second)
		ids, err := a.store.ListExcludedGroups(loadCtx)
		cancel()
		if err != nil {
			a.log.Warn("excluded group restore failed", slog.Any("err", err))
		} else if len(ids) > 0 {
			a.sess.SetExcluded(ids)
			a.log.Info("excluded groups restored", slog.Int("count", len(ids)))
		}
	}

	a.bcast.Start(a.sup.Context())
	a.digest.Start(a.sup.Context())
	a.ops.Start(a.sup.Context())

	// Menu registration is best-effort.
	menuCtx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
	if err := a.adapter.UpdateMenuCommands(menuCtx, a.router.Commands()); err != nil {
		a.log.Warn("menu command update failed", slog.Any("err", err))
	}
	cancel()

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
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
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// runtimeConfigGuard rejects hot-reload changes to settings that only
// take effect at startup: the storage location and the worker pool
// size. The digest schedule is parse-checked so a typo cannot take the
// digest down mid-flight.
func runtimeConfigGuard(cur *config.Config) func(context.Context, *config.Config) error {
	return func(_ context.Context, newCfg *config.Config) error {
		if newCfg.Digest.Enabled {
			if _, err := digest.ParseSchedule(newCfg.Digest.Schedule); err != nil {
				return err
			}
		}
		if newCfg.Storage.Driver != cur.Storage.Driver || newCfg.Storage.Path != cur.Storage.Path {
			return fmt.Errorf("storage settings cannot change at runtime")
		}
		if newCfg.Broadcast.Workers != cur.Broadcast.Workers {
			return fmt.Errorf("broadcast.workers cannot change at runtime")
		}
		return nil
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logging.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logging.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})

	a.gw.SetRate(cfg.Gateway.RatePerSec)

	// Workers is pinned at startup (the pool is already running); only
	// the cooldown is live-tunable, and the validator rejects worker
	// changes before they reach here.
	a.bcast.Apply(broadcast.Config{
		Cooldown: cfg.TerminateCooldown(),
	})

	if err := a.digest.Apply(digest.Config{
		Enabled:    cfg.Digest.Enabled,
		Schedule:   cfg.Digest.Schedule,
		Recipients: cfg.Auth.OperatorIDs,
	}); err != nil {
		a.log.Warn("digest config rejected", slog.Any("err", err))
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", slog.String("name", name), slog.Any("err", err))
			}
			a.log.Debug("stop step end", slog.String("name", name), slog.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				slog.String("name", name),
				slog.Duration("elapsed", time.Since(start)))
		}
	}

	step("digest", 2*time.Second, func(c context.Context) error { a.digest.Stop(c); return nil })
	step("broadcast", 4*time.Second, func(c context.Context) error { a.bcast.Stop(c); return nil })
	step("server", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 1*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close failed", slog.Any("err", err))
		}
	}
	_ = a.logs.Close()

	a.log.Info("stopped")
	return nil
}
