package app

import (
	"fmt"
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/executor"
	"remindbot/internal/jobstore"
	"remindbot/internal/reminder"
	"remindbot/internal/scheduler"
	telegram "remindbot/internal/transport/telegram/adapter"
	"remindbot/internal/transport/telegram/router"
	logx "remindbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.ConsoleEnabled(),
		Format:  l.Format,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, nil
}

func mapRouterConfig(cfg *config.Config) (router.Config, error) {
	t := cfg.Telegram
	handler, err := config.ParseDurationOrDefault("telegram.handler_timeout", t.HandlerTimeout, 15*time.Second)
	if err != nil {
		return router.Config{}, err
	}
	ttl, err := config.ParseDurationOrDefault("telegram.wizard_ttl", t.WizardTTL, 10*time.Minute)
	if err != nil {
		return router.Config{}, err
	}
	return router.Config{
		AllowedChatIDs: append([]int64(nil), t.AllowedChatIDs...),
		Workers:        t.DispatchWorkers,
		HandlerTimeout: handler,
		WizardTTL:      ttl,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (jobstore.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return jobstore.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "sqlite", "sqlite3", "file", "postgres", "postgresql", "memory":
	default:
		return jobstore.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return jobstore.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	e := cfg.Executors
	timeout, err := config.ParseDurationOrDefault("executors.timeout", e.Timeout, 30*time.Second)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		Pools: []executor.PoolConfig{
			{Name: executor.DefaultPool, Workers: e.Default.Workers, QueueSize: e.Default.QueueSize},
			{Name: executor.ProcessPool, Workers: e.ProcessPool.Workers, QueueSize: e.ProcessPool.QueueSize},
		},
		Timeout: timeout,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.timezone: %w", err)
	}
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", s.TickInterval, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	grace, err := config.ParseDurationOrDefault("scheduler.misfire_grace", s.MisfireGrace, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Location:     loc,
		TickInterval: tick,
		MisfireGrace: grace,
		MaxInstances: s.JobDefaults.MaxInstances,
		Coalesce:     s.JobDefaults.Coalesce,
		Executor:     s.JobDefaults.Executor,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) (reminder.Config, error) {
	d := cfg.Delivery
	timeout, err := config.ParseDurationOrDefault("delivery.timeout", d.Timeout, 10*time.Second)
	if err != nil {
		return reminder.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("delivery.retry_base", d.RetryBase, 500*time.Millisecond)
	if err != nil {
		return reminder.Config{}, err
	}
	return reminder.Config{
		RatePerSec: d.RatePerSec,
		Burst:      d.Burst,
		Timeout:    timeout,
		RetryMax:   d.RetryMax,
		RetryBase:  base,
	}, nil
}

// restartRequired lists the changed sections that only take effect after a
// restart.
func restartRequired(prev, next *config.Config) []string {
	var out []string
	if prev.Scheduler != next.Scheduler {
		out = append(out, "scheduler")
	}
	if prev.Executors != next.Executors {
		out = append(out, "executors")
	}
	if prev.Storage != next.Storage {
		out = append(out, "storage")
	}
	if prev.Telegram.Token != next.Telegram.Token || prev.Telegram.PollTimeout != next.Telegram.PollTimeout ||
		prev.Telegram.DispatchWorkers != next.Telegram.DispatchWorkers {
		out = append(out, "telegram")
	}
	return out
}
