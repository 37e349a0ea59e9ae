package scheduler

import (
	"context"
	"errors"
	"time"

	"remindbot/internal/cron"
	"remindbot/internal/executor"
	"remindbot/internal/jobstore"
)

var (
	// ErrNotFound is returned by modify operations for an unknown id.
	ErrNotFound = jobstore.ErrNotFound

	// ErrNeverFires is wrapped in a *cron.ParseError when a trigger has no
	// future fire time.
	ErrNeverFires = errors.New("trigger never fires")

	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
)

// Payload is what a fire delivers. The scheduler does not interpret it.
type Payload struct {
	ChatID      int64
	TaskMessage string
}

// Callback runs one fire of a job on an executor worker.
type Callback func(ctx context.Context, p Payload) error

// Submitter is the part of the executor the scheduler needs.
type Submitter interface {
	Submit(ref executor.Ref, run executor.Runnable) error
}

// Job is a value copy of a scheduled reminder. The trigger is immutable and
// shared between copies.
type Job struct {
	ID           string
	Trigger      *cron.Trigger
	ChatID       int64
	TaskMessage  string
	NextRunTime  time.Time
	MaxInstances int
	Coalesce     bool
	Executor     string
	CreatedAt    time.Time
}

func (j Job) Payload() Payload { return Payload{ChatID: j.ChatID, TaskMessage: j.TaskMessage} }

func (j Job) record() jobstore.Record {
	return jobstore.Record{
		ID:           j.ID,
		Cron:         j.Trigger.String(),
		Timezone:     j.Trigger.Timezone(),
		ChatID:       j.ChatID,
		TaskMessage:  j.TaskMessage,
		NextRunTime:  j.NextRunTime,
		MaxInstances: j.MaxInstances,
		Coalesce:     j.Coalesce,
		Executor:     j.Executor,
		CreatedAt:    j.CreatedAt,
	}
}

type Config struct {
	Location     *time.Location
	TickInterval time.Duration
	// MisfireGrace bounds how late a coalesce=false job may still fire.
	// Zero disables the check.
	MisfireGrace time.Duration

	// Defaults for new jobs.
	MaxInstances int
	Coalesce     bool
	Executor     string
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.MisfireGrace < 0 {
		c.MisfireGrace = 0
	}
	if c.MaxInstances <= 0 {
		c.MaxInstances = 3
	}
	if c.Executor == "" {
		c.Executor = executor.DefaultPool
	}
	return c
}

// Stats is a point-in-time view for /status.
type Stats struct {
	Running     bool
	Timezone    string
	Jobs        int
	LastTick    time.Time
	Fired       uint64
	Skipped     uint64
	Shed        uint64
	StoreErrors uint64
}
