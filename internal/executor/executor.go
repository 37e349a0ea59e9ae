package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"remindbot/internal/eventbus"
	rtsup "remindbot/internal/runtime/supervisor"
	logx "remindbot/pkg/logx"
)

const shedWarnEvery = 5 * time.Second

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

type pool struct {
	name    string
	workers int
	queue   chan item

	running   atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

type item struct {
	ref        Ref
	run        Runnable
	enqueuedAt time.Time
}

// Executor runs job invocations on bounded worker pools and sheds an
// invocation when its job already has MaxInstances queued or running.
type Executor struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu       sync.Mutex
	state    state
	pools    map[string]*pool
	inflight map[string]int
	sup      *rtsup.Supervisor

	lastShedWarnAt atomic.Int64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	e := &Executor{
		cfg:      cfg,
		log:      log.Named("executor"),
		bus:      bus,
		pools:    make(map[string]*pool, len(cfg.Pools)),
		inflight: map[string]int{},
	}
	for _, pc := range cfg.Pools {
		e.pools[pc.Name] = &pool{name: pc.Name, workers: pc.Workers, queue: make(chan item, pc.QueueSize)}
	}
	return e
}

// Start launches the workers. It is idempotent; a stopped executor cannot be
// restarted.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateRunning:
		return nil
	case stateStopped:
		return ErrStopped
	}
	// Invocations must outlive the caller's context so Stop can drain them.
	e.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(e.log))
	for _, p := range e.pools {
		p := p
		for i := 0; i < p.workers; i++ {
			e.sup.GoRestart(fmt.Sprintf("%s.worker.%d", p.name, i), func(c context.Context) error {
				e.worker(c, p)
				return nil
			})
		}
	}
	e.state = stateRunning
	e.log.Info("executor started", logx.Int("pools", len(e.pools)), logx.Duration("timeout", e.cfg.Timeout))
	return nil
}

// Stop refuses new submissions and waits for queued and running invocations.
// When ctx expires first, running invocations see their context cancelled.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state != stateRunning {
		e.state = stateStopped
		e.mu.Unlock()
		return nil
	}
	e.state = stateStopped
	for _, p := range e.pools {
		close(p.queue)
	}
	sup := e.sup
	e.mu.Unlock()

	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		sup.Cancel()
		e.log.Warn("executor stop timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
	e.log.Info("executor stopped")
	return nil
}

// Submit queues run for ref without blocking. It returns ErrMaxInstances or
// ErrQueueFull when the invocation is shed.
func (e *Executor) Submit(ref Ref, run Runnable) error {
	if run == nil {
		return ErrNilRunnable
	}
	limit := ref.MaxInstances
	if limit <= 0 {
		limit = 1
	}

	e.mu.Lock()
	if e.state != stateRunning {
		e.mu.Unlock()
		return ErrStopped
	}
	p := e.poolFor(ref.Pool)
	if e.inflight[ref.ID] >= limit {
		n := e.inflight[ref.ID]
		e.mu.Unlock()
		e.shed(p, ref, "max_instances", n)
		return ErrMaxInstances
	}
	select {
	case p.queue <- item{ref: ref, run: run, enqueuedAt: time.Now()}:
		e.inflight[ref.ID]++
		e.mu.Unlock()
		return nil
	default:
		n := e.inflight[ref.ID]
		e.mu.Unlock()
		e.shed(p, ref, "queue_full", n)
		return ErrQueueFull
	}
}

func (e *Executor) poolFor(name string) *pool {
	if p, ok := e.pools[name]; ok {
		return p
	}
	return e.pools[DefaultPool]
}

func (e *Executor) shed(p *pool, ref Ref, reason string, inflight int) {
	p.dropped.Add(1)
	e.bus.Publish(eventbus.Event{Type: eventbus.JobDropped, Data: eventbus.JobEvent{
		JobID: ref.ID, ChatID: ref.ChatID, Pool: p.name, Reason: reason,
	}})

	fields := []logx.Field{
		logx.String("job", ref.ID),
		logx.String("pool", p.name),
		logx.String("reason", reason),
		logx.Int("inflight", inflight),
		logx.Int("max_instances", ref.MaxInstances),
	}
	now := time.Now().UnixNano()
	last := e.lastShedWarnAt.Load()
	if now-last >= int64(shedWarnEvery) && e.lastShedWarnAt.CompareAndSwap(last, now) {
		e.log.Warn("invocation dropped", fields...)
		return
	}
	e.log.Debug("invocation dropped", fields...)
}

func (e *Executor) release(id string) {
	e.mu.Lock()
	if n := e.inflight[id]; n <= 1 {
		delete(e.inflight, id)
	} else {
		e.inflight[id] = n - 1
	}
	e.mu.Unlock()
}

// InFlight returns the number of queued or running invocations of a job.
func (e *Executor) InFlight(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[id]
}

func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	snap := Snapshot{Running: e.state == stateRunning, InFlightJobs: len(e.inflight)}
	for _, p := range e.pools {
		snap.Pools = append(snap.Pools, PoolStats{
			Name:      p.name,
			Workers:   p.workers,
			Queued:    len(p.queue),
			Running:   p.running.Load(),
			Completed: p.completed.Load(),
			Failed:    p.failed.Load(),
			Dropped:   p.dropped.Load(),
		})
	}
	e.mu.Unlock()
	sort.Slice(snap.Pools, func(i, j int) bool { return snap.Pools[i].Name < snap.Pools[j].Name })
	return snap
}

func (e *Executor) worker(ctx context.Context, p *pool) {
	for it := range p.queue {
		e.execOne(ctx, p, it)
	}
}

func (e *Executor) execOne(ctx context.Context, p *pool, it item) {
	defer e.release(it.ref.ID)
	p.running.Add(1)
	defer p.running.Add(-1)

	start := time.Now()
	delay := start.Sub(it.enqueuedAt)
	e.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Time: start, Data: eventbus.JobEvent{
		JobID: it.ref.ID, ChatID: it.ref.ChatID, Pool: p.name,
	}})

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				e.log.Error("invocation panicked", logx.String("job", it.ref.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		return it.run(runCtx)
	}()
	cancel()

	dur := time.Since(start)
	if err != nil {
		p.failed.Add(1)
		e.log.Warn("invocation failed",
			logx.String("job", it.ref.ID), logx.String("pool", p.name),
			logx.Duration("queue_delay", delay), logx.Duration("dur", dur), logx.Err(err))
		e.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: eventbus.JobEvent{
			JobID: it.ref.ID, ChatID: it.ref.ChatID, Pool: p.name, Took: dur, Reason: err.Error(),
		}})
		return
	}
	p.completed.Add(1)
	e.log.Debug("invocation completed",
		logx.String("job", it.ref.ID), logx.String("pool", p.name),
		logx.Duration("queue_delay", delay), logx.Duration("dur", dur))
}
