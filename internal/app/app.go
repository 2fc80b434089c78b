package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"mentionbot/internal/config"
	"mentionbot/internal/eventbus"
	"mentionbot/internal/observability/debugsrv"
	"mentionbot/internal/plugin"
	rtsup "mentionbot/internal/runtime/supervisor"
	"mentionbot/internal/storage"
	kit "mentionbot/internal/transport"
	telegram "mentionbot/internal/transport/telegram/adapter"
	"mentionbot/internal/transport/telegram/router"
	logx "mentionbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	maint *maintenance
	debug *debugsrv.Server

	adapter *telegram.Adapter
	cmdm    *router.CommandManager
	pm      *plugin.Manager

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	a := &App{cfgm: cfgm, bus: eventbus.New(), updates: make(chan kit.Update, 256)}

	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(adCfg, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	a.adapter = ad

	// Start with the Telegram sink off so Apply does not warn before the
	// target is set.
	boot := mapLogConfig(cfg)
	boot.Telegram.Enabled = false
	logs, root := logx.New(boot, ad)
	a.logs = logs
	a.log = root.With(logx.String("comp", "app"))
	a.applyLogging(cfg)
	if err := a.validate(cfg); err != nil {
		return nil, err
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
		if m, ok := st.(storage.Maintainer); ok {
			if a.maint, err = newMaintenance(maintenanceSpec(cfg), m, root.With(logx.String("comp", "storage"))); err != nil {
				_ = st.Close()
				return nil, err
			}
		}
	} else {
		a.log.Warn("storage disabled; the mention plugin will not start")
	}

	a.debug = debugsrv.New(root)
	a.cmdm = router.NewCommandManager(root.With(logx.String("comp", "commands")), ad, cfgm, cfg.Telegram.OwnerUserIDs)
	a.pm = plugin.NewManager(root.With(logx.String("comp", "plugins")), cfgm, plugin.Deps{
		Logger:    root,
		Adapter:   ad,
		Directory: ad,
		Config:    cfgm,
		Bus:       a.bus,
		Store:     a.store,
	}, a.cmdm)
	return a, nil
}

func (a *App) Plugins() *plugin.Manager { return a.pm }

// Store is the opened store, nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cmdm.SetAppSupervisor(a.sup)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := a.validate(cfg); err != nil {
			return err
		}
		return a.pm.ValidateConfig(c, cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	cfg := a.cfgm.Get()
	if dc, err := debugsrv.FromConfig(cfg.Debug); err == nil {
		a.debug.Reconfigure(a.sup.Context(), dc)
	}
	a.maint.Start()

	if err := a.pm.StartAll(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// keep only the newest of a burst
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("owners", len(cfg.Telegram.OwnerUserIDs)))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, plugins := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(plugins) > 0 {
		a.log.Debug("plugin config changes detected", logx.Strings("plugins", plugins))
	}
	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for it to take effect")
	}
	if slices.Contains(sections, "telegram.token") {
		a.log.Warn("telegram token changed; restart required for it to take effect")
	}

	a.applyLogging(next)
	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)
	if dc, err := debugsrv.FromConfig(next.Debug); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dc)
	}
	a.pm.OnConfigUpdate(ctx, next)

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop unwinds in dependency order. Each step is bounded so one stuck
// component cannot hold the process.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				<-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Plugins first: capture writes and digest sends use the store and adapter.
	step("plugins", 4*time.Second, func(c context.Context) error { a.pm.StopAll(c, reason); return nil })
	step("maintenance", 2*time.Second, a.maint.Stop)
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", 2*time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
