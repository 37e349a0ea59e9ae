package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks a defaulted config. All problems are reported together.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token is required (set BOT_TOKEN)"))
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"telegram.handler_timeout", c.Telegram.HandlerTimeout},
		{"telegram.wizard_ttl", c.Telegram.WizardTTL},
		{"scheduler.tick_interval", c.Scheduler.TickInterval},
		{"scheduler.misfire_grace", c.Scheduler.MisfireGrace},
		{"executors.timeout", c.Executors.Timeout},
		{"delivery.timeout", c.Delivery.Timeout},
		{"delivery.retry_base", c.Delivery.RetryBase},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}
	if d, err := ParseDurationField("scheduler.tick_interval", c.Scheduler.TickInterval); err == nil && d > 0 && d < 100*time.Millisecond {
		add(errors.New("scheduler.tick_interval must be at least 100ms"))
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
	}
	switch ex := c.Scheduler.JobDefaults.Executor; ex {
	case "default", "processpool":
	default:
		add(fmt.Errorf("scheduler.job_defaults.executor: unknown pool %q", ex))
	}
	if c.Scheduler.JobDefaults.MaxInstances < 1 {
		add(errors.New("scheduler.job_defaults.max_instances must be >= 1"))
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite", "sqlite3", "file":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", c.Storage.Driver))
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for driver postgres"))
		}
	case "memory":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		add(fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}
