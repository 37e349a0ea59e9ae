package config

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
// Durations are Go duration strings ("1s", "30s", "10m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executors ExecutorsConfig `json:"executors"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
}

type TelegramConfig struct {
	// Token is normally supplied through BOT_TOKEN.
	Token       string `json:"token,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`

	// AllowedChatIDs may also come from ALLOWED_CHAT_IDS (comma separated).
	// An empty list denies every protected command.
	AllowedChatIDs []int64 `json:"allowed_chat_ids,omitempty"`

	DispatchWorkers int    `json:"dispatch_workers,omitempty"`
	HandlerTimeout  string `json:"handler_timeout,omitempty"`
	WizardTTL       string `json:"wizard_ttl,omitempty"`
}

type SchedulerConfig struct {
	Timezone     string      `json:"timezone,omitempty"`
	TickInterval string      `json:"tick_interval,omitempty"`
	MisfireGrace string      `json:"misfire_grace,omitempty"`
	JobDefaults  JobDefaults `json:"job_defaults"`
}

type JobDefaults struct {
	MaxInstances int    `json:"max_instances,omitempty"`
	Coalesce     bool   `json:"coalesce,omitempty"`
	Executor     string `json:"executor,omitempty"`
}

type ExecutorsConfig struct {
	Default     PoolConfig `json:"default"`
	ProcessPool PoolConfig `json:"processpool"`
	Timeout     string     `json:"timeout,omitempty"`
}

type PoolConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

type DeliveryConfig struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	// RetryMax is the number of extra attempts after a failed send; -1 disables retries.
	RetryMax  int    `json:"retry_max,omitempty"`
	RetryBase string `json:"retry_base,omitempty"`
}

// StorageConfig selects the job store driver: "sqlite" (default), "file",
// "postgres" or "memory".
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console *bool             `json:"console,omitempty"`
	Format  string            `json:"format,omitempty"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// Defaults.
const (
	DefaultTimezone        = "Europe/Sofia"
	DefaultTickInterval    = "1s"
	DefaultMisfireGrace    = "30s"
	DefaultMaxInstances    = 3
	DefaultWorkers         = 20
	DefaultProcessWorkers  = 5
	DefaultQueueSize       = 256
	DefaultExecTimeout     = "30s"
	DefaultRatePerSec      = 25
	DefaultBurst           = 5
	DefaultDeliveryTimeout = "10s"
	DefaultRetryMax        = 2
	DefaultRetryBase       = "500ms"
	DefaultStorageDriver   = "sqlite"
	DefaultStoragePath     = "jobs.sqlite"
	DefaultPollTimeout     = "10s"
	DefaultDispatchWorkers = 4
	DefaultHandlerTimeout  = "15s"
	DefaultWizardTTL       = "10m"
)

// ApplyDefaults fills every omitted field.
func (c *Config) ApplyDefaults() {
	t := &c.Telegram
	if t.PollTimeout == "" {
		t.PollTimeout = DefaultPollTimeout
	}
	if t.DispatchWorkers <= 0 {
		t.DispatchWorkers = DefaultDispatchWorkers
	}
	if t.HandlerTimeout == "" {
		t.HandlerTimeout = DefaultHandlerTimeout
	}
	if t.WizardTTL == "" {
		t.WizardTTL = DefaultWizardTTL
	}

	s := &c.Scheduler
	if s.Timezone == "" {
		s.Timezone = DefaultTimezone
	}
	if s.TickInterval == "" {
		s.TickInterval = DefaultTickInterval
	}
	if s.MisfireGrace == "" {
		s.MisfireGrace = DefaultMisfireGrace
	}
	if s.JobDefaults.MaxInstances <= 0 {
		s.JobDefaults.MaxInstances = DefaultMaxInstances
	}
	if s.JobDefaults.Executor == "" {
		s.JobDefaults.Executor = "default"
	}

	e := &c.Executors
	if e.Default.Workers <= 0 {
		e.Default.Workers = DefaultWorkers
	}
	if e.Default.QueueSize <= 0 {
		e.Default.QueueSize = DefaultQueueSize
	}
	if e.ProcessPool.Workers <= 0 {
		e.ProcessPool.Workers = DefaultProcessWorkers
	}
	if e.ProcessPool.QueueSize <= 0 {
		e.ProcessPool.QueueSize = DefaultQueueSize / 4
	}
	if e.Timeout == "" {
		e.Timeout = DefaultExecTimeout
	}

	d := &c.Delivery
	if d.RatePerSec <= 0 {
		d.RatePerSec = DefaultRatePerSec
	}
	if d.Burst <= 0 {
		d.Burst = DefaultBurst
	}
	if d.Timeout == "" {
		d.Timeout = DefaultDeliveryTimeout
	}
	if d.RetryMax == 0 {
		d.RetryMax = DefaultRetryMax
	}
	if d.RetryBase == "" {
		d.RetryBase = DefaultRetryBase
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = DefaultStorageDriver
	}
	if c.Storage.Path == "" && (c.Storage.Driver == "sqlite" || c.Storage.Driver == "sqlite3") {
		c.Storage.Path = DefaultStoragePath
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Console == nil {
		on := true
		c.Logging.Console = &on
	}
}

// ConsoleEnabled reports the effective console logging switch.
func (l LoggingConfig) ConsoleEnabled() bool { return l.Console == nil || *l.Console }

// IsAllowed reports whether chatID is on the allow-list.
func (t TelegramConfig) IsAllowed(chatID int64) bool {
	for _, id := range t.AllowedChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}
