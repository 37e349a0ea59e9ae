// Package app wires configuration, storage, scheduling, delivery and the
// Telegram transport into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/executor"
	"remindbot/internal/jobstore"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/scheduler"
	kit "remindbot/internal/transport"
	telegram "remindbot/internal/transport/telegram/adapter"
	"remindbot/internal/transport/telegram/router"
	logx "remindbot/pkg/logx"
	"remindbot/pkg/systemd"
)

type Options struct {
	ConfigPath string
	// Offline skips the Telegram handshake (tests).
	Offline bool
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    jobstore.Store
	exec     *executor.Executor
	delivery *reminder.Dispatcher
	sched    *scheduler.Scheduler
	adapter  kit.Adapter
	router   *router.Router

	updates chan kit.Update
}

func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log)
	bus := eventbus.New()

	a := &App{
		cfgm:    cfgm,
		log:     log.Named("app"),
		logs:    logSvc,
		bus:     bus,
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(cfg, log, opts); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger, opts Options) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	ec, err := mapExecutorConfig(cfg)
	if err != nil {
		return err
	}
	schc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	dc, err := mapDeliveryConfig(cfg)
	if err != nil {
		return err
	}
	tc, err := mapAdapterConfig(cfg)
	if err != nil {
		return err
	}
	tc.Offline = opts.Offline
	rc, err := mapRouterConfig(cfg)
	if err != nil {
		return err
	}

	ad, err := telegram.New(tc, log)
	if err != nil {
		return err
	}
	a.adapter = ad

	a.store, err = jobstore.Open(sc, log)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	a.log.Info("job store opened", logx.String("driver", sc.Driver))

	a.exec = executor.New(ec, log, a.bus)
	a.delivery = reminder.New(dc, ad, log, a.bus)
	a.sched = scheduler.New(schc, a.store, a.exec, a.delivery.Run, log, scheduler.WithBus(a.bus))
	a.router = router.New(rc, router.Deps{
		Adapter:   ad,
		Scheduler: a.sched,
		Executor:  a.exec,
		Delivery:  a.delivery,
	}, log)
	return nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Reject reloads the live components could not apply.
		if _, err := mapRouterConfig(cfg); err != nil {
			return err
		}
		_, err := mapDeliveryConfig(cfg)
		return err
	})

	// Workers first, so the first tick has somewhere to submit.
	if err := a.exec.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 5*time.Second)
		defer cancel()
		if err := a.adapter.SetCommands(mctx, a.router.Commands()); err != nil {
			a.log.Warn("menu update failed", logx.Err(err))
		}
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
				a.logEvent(e)
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
				// Coalesce bursts; only the latest matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	if interval, err := systemd.WatchdogInterval(); err != nil {
		a.log.Warn("systemd watchdog misconfigured", logx.Err(err))
	} else if interval > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			systemd.Watchdog(c, interval, a.sched.Running)
		})
	}
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started", logx.String("tz", a.sched.Location().String()))
	return nil
}

// applyConfig pushes the hot-reloadable parts of next to the live
// components.
func (a *App) applyConfig(prev, next *config.Config) {
	a.logs.Apply(mapLogConfig(next))
	a.router.SetAllowed(next.Telegram.AllowedChatIDs)
	if dc, err := mapDeliveryConfig(next); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.delivery.Apply(dc)
	}
	if sections := restartRequired(prev, next); len(sections) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.String("sections", strings.Join(sections, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now()})
	a.log.Info("config reloaded", logx.Int("allowed_chats", len(next.Telegram.AllowedChatIDs)))
}

func (a *App) logEvent(e eventbus.Event) {
	je, _ := e.Data.(eventbus.JobEvent)
	fields := []logx.Field{logx.String("type", e.Type)}
	if je.JobID != "" {
		fields = append(fields, logx.String("job", je.JobID))
	}
	if je.Reason != "" {
		fields = append(fields, logx.String("reason", je.Reason))
	}
	a.log.Debug("event", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	a.sup.Cancel()

	// Scheduler before executor so no fire is submitted into a draining pool;
	// the executor drains before the adapter so in-flight reminders still send.
	a.step(ctx, "scheduler", 2*time.Second, a.sched.Stop)
	a.step(ctx, "executor", 5*time.Second, a.exec.Stop)
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "jobstore", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	st := a.sched.Stats()
	ds := a.delivery.Stats()
	a.log.Info("stopped",
		logx.Uint64("fired", st.Fired),
		logx.Uint64("sent", ds.Sent),
		logx.Uint64("failed", ds.Failed))
	_ = a.logs.Close()
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline. A
// step that overruns is left running and reported when it finishes.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
