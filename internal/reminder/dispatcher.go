// Package reminder delivers fired reminders to their chat.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/scheduler"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"

	"golang.org/x/time/rate"
)

var errEmptyText = errors.New("empty reminder text")

// DeliveryError reports a reminder that could not be sent.
type DeliveryError struct {
	ChatID   int64
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to chat %d after %d attempt(s): %v", e.ChatID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type Config struct {
	RatePerSec float64
	Burst      int
	Timeout    time.Duration // per send call
	RetryMax   int           // extra attempts; <0 disables
	RetryBase  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	return c
}

type Stats struct {
	Sent   uint64
	Failed uint64
}

// Dispatcher sends reminder text through a rate limited Sender.
type Dispatcher struct {
	sender transport.Sender
	log    logx.Logger
	bus    eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sent   atomic.Uint64
	failed atomic.Uint64
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	d := &Dispatcher{sender: sender, log: log.Named("reminder"), bus: bus}
	d.Apply(cfg)
	return d
}

// Apply swaps the delivery settings. In-progress sends keep the old limiter.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	d.mu.Unlock()
}

// Run is the executor payload of a fired job.
func (d *Dispatcher) Run(ctx context.Context, p scheduler.Payload) error {
	d.mu.Lock()
	cfg, lim := d.cfg, d.limiter
	d.mu.Unlock()

	if strings.TrimSpace(p.TaskMessage) == "" {
		return d.fail(p, 0, errEmptyText)
	}
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return d.fail(p, attempt-1, err)
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		_, err := d.sender.SendText(callCtx, transport.ChatTarget{ChatID: p.ChatID}, p.TaskMessage, nil)
		cancel()
		if err == nil {
			d.sent.Add(1)
			d.bus.Publish(eventbus.Event{Type: eventbus.ReminderSent, Time: time.Now(), Data: eventbus.JobEvent{ChatID: p.ChatID}})
			d.log.Debug("reminder sent", logx.Int64("chat_id", p.ChatID), logx.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		if errors.Is(err, transport.ErrForbidden) || ctx.Err() != nil || attempt == attempts {
			return d.fail(p, attempt, err)
		}
		d.log.Debug("reminder send failed; retrying", logx.Int64("chat_id", p.ChatID), logx.Int("attempt", attempt), logx.Err(err))

		t := time.NewTimer(retryDelay(cfg.RetryBase, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return d.fail(p, attempt, lastErr)
		}
	}
	return d.fail(p, attempts, lastErr)
}

// Deliver sends text to chatID and only logs a failure.
func (d *Dispatcher) Deliver(ctx context.Context, chatID int64, text string) {
	_ = d.Run(ctx, scheduler.Payload{ChatID: chatID, TaskMessage: text})
}

func (d *Dispatcher) fail(p scheduler.Payload, attempts int, err error) error {
	d.failed.Add(1)
	de := &DeliveryError{ChatID: p.ChatID, Attempts: attempts, Err: err}
	d.bus.Publish(eventbus.Event{Type: eventbus.ReminderFailed, Time: time.Now(), Data: eventbus.JobEvent{ChatID: p.ChatID, Reason: err.Error()}})
	d.log.Warn("reminder delivery failed", logx.Int64("chat_id", p.ChatID), logx.Int("attempts", attempts), logx.Err(err))
	return de
}

func (d *Dispatcher) Stats() Stats {
	return Stats{Sent: d.sent.Load(), Failed: d.failed.Load()}
}

// retryDelay doubles base per attempt, capped at 10s, with 0.7..1.3 jitter.
func retryDelay(base time.Duration, attempt int) time.Duration {
	const maxDelay = 10 * time.Second
	delay := base
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	delay = min(delay, maxDelay)
	return time.Duration(float64(delay) * (0.7 + rand.Float64()*0.6))
}
