// Package app wires configuration, storage, transports and the reminder
// engine into one daemon and keeps them in step with config reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindd/internal/config"
	"remindd/internal/definitions"
	"remindd/internal/directory"
	"remindd/internal/eventbus"
	"remindd/internal/gateway"
	"remindd/internal/gateway/telegram"
	"remindd/internal/metrics"
	"remindd/internal/reminder"
	rtsup "remindd/internal/runtime/supervisor"
	"remindd/internal/scheduler"
	"remindd/internal/server"
	"remindd/internal/storage"
	"remindd/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopRequested  StopReason = "requested"
)

type App struct {
	cfgm *config.ConfigManager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	users   *directory.Directory
	tg      *telegram.Gateway
	engine  *reminder.Engine
	sched   *scheduler.Service
	syncer  *definitions.Syncer
	metrics *metrics.Metrics
	srv     *server.Service
	sd      *sdNotifier

	sup *rtsup.Supervisor
}

// New loads the config at cfgPath and builds every component without
// starting any background work.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	// alerts stay off until the sender exists, then Apply enables them
	boot := mapLogging(cfg)
	boot.Alerts.Enabled = false
	logs, root := logx.New(boot)
	log := root.With(logx.String("comp", "app"))

	sc, err := mapStorage(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	store, err := storage.Open(sc, root)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     eventbus.New(),
		store:   store,
		metrics: metrics.New(),
		sd:      newSDNotifier(root.With(logx.String("comp", "systemd"))),
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}

	dc, err := mapDirectory(cfg)
	if err != nil {
		return fail(err)
	}
	a.users = directory.New(store, dc, root.With(logx.String("comp", "directory")))

	gw, email, err := a.buildTransports(cfg, root)
	if err != nil {
		return fail(err)
	}

	a.engine, err = reminder.New(mapEngine(cfg), reminder.Deps{
		Store:   store,
		Cases:   store,
		Users:   a.users,
		Acks:    store,
		Gateway: gw,
		Email:   email,
		Bus:     a.bus,
		Log:     root,
	})
	if err != nil {
		return fail(err)
	}
	if a.tg != nil {
		a.tg.OnAck(a.engine.RecordAck)
	}

	schedCfg, err := mapScheduler(cfg)
	if err != nil {
		return fail(err)
	}
	a.sched = scheduler.New(schedCfg, a.engine, root.With(logx.String("comp", "scheduler")))
	a.sched.OnReport(a.metrics.ObserveTick)

	if path := strings.TrimSpace(cfg.Definitions.Path); path != "" {
		a.syncer = definitions.NewSyncer(path, a.engine, store, root.With(logx.String("comp", "definitions")))
		a.syncer.OnApplied(func(r definitions.Result) {
			a.metrics.ObserveSync(len(r.Saved), len(r.Retired))
		})
	}

	srvCfg, err := mapServer(cfg)
	if err != nil {
		return fail(err)
	}
	deps := server.Deps{
		Engine:    a.engine,
		Users:     a.users,
		Audit:     store,
		Scheduler: a.sched,
		Metrics:   a.metrics,
		Health:    a.health,
	}
	if a.syncer != nil {
		deps.Syncer = a.syncer
	}
	a.srv = server.New(srvCfg, deps, root.With(logx.String("comp", "server")))
	return a, nil
}

// buildTransports picks the messaging gateway and email sender. The log
// driver doubles as a dry-run email sender unless SMTP is configured.
func (a *App) buildTransports(cfg *config.Config, root logx.Logger) (reminder.MessagingGateway, reminder.EmailSender, error) {
	gs, err := mapGateway(cfg)
	if err != nil {
		return nil, nil, err
	}

	var (
		gw    reminder.MessagingGateway
		email reminder.EmailSender
	)
	switch gs.Driver {
	case "telegram":
		tg, err := telegram.New(gs.Telegram, a.users, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, nil, fmt.Errorf("telegram gateway: %w", err)
		}
		a.tg = tg
		gw = tg
		a.logs.SetAlertSender(tg)
	default:
		lg := gateway.NewLog(root.With(logx.String("comp", "gateway")))
		gw = lg
		email = lg
	}
	gw = gateway.Limit(gw, gs.RatePerSec, gs.Timeout)
	a.logs.Apply(mapLogging(cfg))

	if mc, enabled := mapMailer(cfg); enabled {
		m, err := gateway.NewMailer(mc, root.With(logx.String("comp", "mailer")))
		if err != nil {
			return nil, nil, fmt.Errorf("email: %w", err)
		}
		email = m
	}
	return gw, email, nil
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Engine() *reminder.Engine { return a.engine }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if err := a.sup.Context().Err(); err != nil {
		return err
	}
	return a.sup.Err()
}

// Start syncs definitions, then starts every background component.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(ValidateConfig)

	if a.syncer != nil {
		// a broken definitions file leaves the stored definitions in place
		if _, err := a.syncer.Sync(c); err != nil {
			a.log.Error("initial definitions sync failed", logx.String("path", a.syncer.Path()), logx.Err(err))
		}
		if a.cfgm.Get().Definitions.Watch {
			a.sup.Go("definitions.watch", a.syncer.Watch)
		}
	}

	a.sup.Go0("metrics.bus", func(c context.Context) { a.metrics.WatchBus(c, a.bus) })
	a.sup.Go0("eventbus.log", a.logEvents)

	if a.tg != nil {
		if err := a.tg.Start(c); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	}
	if err := a.sched.Start(c); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := a.srv.Start(c); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { a.sd.Watchdog(c, a.health) })

	a.sd.Ready()
	a.log.Info("app started")
	return nil
}

// logEvents mirrors lifecycle events at debug level.
func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event",
				logx.String("type", e.Type),
				logx.String("instance_id", e.InstanceID),
				logx.String("definition_id", e.DefinitionID),
				logx.String("detail", e.Detail),
			)
		}
	}
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
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
			// coalesce bursts to the newest config
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
}

// applyConfig applies the live-reloadable sections of next.
func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if config.RestartRequired(sections) {
		a.log.Warn("config change needs a restart to take full effect", logx.String("changed", strings.Join(sections, ",")))
	}

	a.logs.Apply(mapLogging(next))

	if sc, err := mapScheduler(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(c, sc); err != nil {
		a.log.Warn("scheduler reconfigure failed", logx.Err(err))
	}

	if svc, err := mapServer(next); err != nil {
		a.log.Warn("invalid server config; keeping previous", logx.Err(err))
	} else if err := a.srv.Reconfigure(c, svc); err != nil {
		a.log.Error("server reconfigure failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	a.step(ctx, "server", 3*time.Second, func(c context.Context) error { a.srv.Stop(c); return nil })
	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "telegram", 3*time.Second, func(c context.Context) error {
		if a.tg == nil {
			return nil
		}
		return a.tg.Stop(c)
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	return a.Close()
}

// Close releases storage and log sinks. Use it directly for one-shot runs
// that never called Start.
func (a *App) Close() error {
	err := a.store.Close()
	_ = a.logs.Close()
	return err
}

func (a *App) step(ctx context.Context, name string, bound time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		// never extend the caller's deadline
		bound = min(bound, time.Until(dl))
	}
	if bound <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	c, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(c)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-c.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
