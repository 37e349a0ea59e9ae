package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"remindbot/internal/cron"
	"remindbot/internal/eventbus"
	"remindbot/internal/jobstore"
	rtsup "remindbot/internal/runtime/supervisor"
	logx "remindbot/pkg/logx"

	"github.com/google/uuid"
)

type Option func(*Scheduler)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithIDs replaces the uuid generator (tests).
func WithIDs(next func() string) Option {
	return func(s *Scheduler) {
		if next != nil {
			s.newID = next
		}
	}
}

// Scheduler owns the in-memory job set, the tick loop and the store. Tick
// processing and every mutation run under one mutex; fires are handed to
// the executor and never run under it.
type Scheduler struct {
	cfg   Config
	store jobstore.Store
	exec  Submitter
	run   Callback
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	newID func() string

	mu      sync.Mutex
	running bool
	jobs    map[string]*Job
	sup     *rtsup.Supervisor
	stats   Stats
}

func New(cfg Config, store jobstore.Store, exec Submitter, run Callback, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cfg:   cfg.withDefaults(),
		store: store,
		exec:  exec,
		run:   run,
		log:   log.Named("scheduler"),
		bus:   eventbus.Nop{},
		now:   time.Now,
		newID: uuid.NewString,
		jobs:  map[string]*Job{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Location is the timezone applied to new triggers.
func (s *Scheduler) Location() *time.Location { return s.cfg.Location }

// Start loads persisted jobs, repairs their next run times and begins
// ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	s.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	s.sup.GoRestart("scheduler.tick", s.loop)
	s.running = true
	s.stats.Running = true
	s.log.Info("scheduler started",
		logx.String("tz", s.cfg.Location.String()),
		logx.Int("jobs", len(s.jobs)),
		logx.Duration("tick", s.cfg.TickInterval),
		logx.Duration("misfire_grace", s.cfg.MisfireGrace))
	return nil
}

func (s *Scheduler) loadLocked(ctx context.Context) error {
	recs, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	jobs := make(map[string]*Job, len(recs))
	for _, r := range recs {
		log := s.log.With(logx.String("job", r.ID), logx.Int64("chat_id", r.ChatID))
		trig, err := cron.Parse(r.Cron, r.Timezone)
		if err != nil {
			log.Error("dropping job with unusable trigger", logx.String("cron", r.Cron), logx.String("tz", r.Timezone), logx.Err(err))
			if err := s.deleteRecord(ctx, r.ID); err != nil {
				return err
			}
			continue
		}

		var next time.Time
		if r.Coalesce && !r.NextRunTime.IsZero() && !r.NextRunTime.After(now) {
			// Missed while down: fire once on the first tick.
			next = r.NextRunTime
		} else {
			n, ok := trig.Next(now)
			if !ok {
				log.Info("removing exhausted job", logx.String("cron", r.Cron))
				if err := s.deleteRecord(ctx, r.ID); err != nil {
					return err
				}
				continue
			}
			next = n
		}

		job := jobFromRecord(r, trig, next, s.cfg)
		if !next.Equal(r.NextRunTime) {
			if err := s.store.Put(ctx, job.record()); err != nil {
				return err
			}
			log.Debug("next run repaired", logx.Time("was", r.NextRunTime), logx.Time("next", next))
		}
		jobs[job.ID] = job
	}
	s.jobs = jobs
	return nil
}

func (s *Scheduler) deleteRecord(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		return err
	}
	return nil
}

func jobFromRecord(r jobstore.Record, trig *cron.Trigger, next time.Time, cfg Config) *Job {
	j := &Job{
		ID:           r.ID,
		Trigger:      trig,
		ChatID:       r.ChatID,
		TaskMessage:  r.TaskMessage,
		NextRunTime:  next,
		MaxInstances: r.MaxInstances,
		Coalesce:     r.Coalesce,
		Executor:     r.Executor,
		CreatedAt:    r.CreatedAt,
	}
	if j.MaxInstances <= 0 {
		j.MaxInstances = cfg.MaxInstances
	}
	if j.Executor == "" {
		j.Executor = cfg.Executor
	}
	return j
}

// Stop ends the tick loop. Invocations already handed to the executor are
// not interrupted.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stats.Running = false
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	start := time.Now()
	err := sup.Stop(ctx)
	if err != nil && ctx.Err() != nil {
		s.log.Warn("scheduler stop timed out", logx.Err(err))
		return ctx.Err()
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return nil
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// AddJob schedules a new reminder in the configured timezone.
func (s *Scheduler) AddJob(ctx context.Context, expr string, chatID int64, taskMessage string) (Job, error) {
	trig, err := cron.ParseIn(expr, s.cfg.Location)
	if err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return Job{}, ErrNotRunning
	}
	now := s.now()
	next, ok := trig.Next(now)
	if !ok {
		return Job{}, &cron.ParseError{Expr: expr, Err: ErrNeverFires}
	}
	job := &Job{
		ID:           s.newID(),
		Trigger:      trig,
		ChatID:       chatID,
		TaskMessage:  taskMessage,
		NextRunTime:  next,
		MaxInstances: s.cfg.MaxInstances,
		Coalesce:     s.cfg.Coalesce,
		Executor:     s.cfg.Executor,
		CreatedAt:    now.Truncate(time.Millisecond),
	}
	if _, dup := s.jobs[job.ID]; dup {
		return Job{}, errors.New("duplicate job id " + job.ID)
	}
	if err := s.store.Put(ctx, job.record()); err != nil {
		return Job{}, err
	}
	s.jobs[job.ID] = job
	s.publish(eventbus.JobAdded, job, "")
	s.log.Info("job added",
		logx.String("job", job.ID), logx.Int64("chat_id", chatID),
		logx.String("cron", trig.String()), logx.Time("next", next))
	return *job, nil
}

// RemoveJob deletes a job. Removing an unknown id is not an error.
func (s *Scheduler) RemoveJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	if err := s.deleteRecord(ctx, id); err != nil {
		return err
	}
	delete(s.jobs, id)
	s.publish(eventbus.JobRemoved, job, "removed")
	s.log.Info("job removed", logx.String("job", id), logx.Int64("chat_id", job.ChatID))
	return nil
}

// ModifyJob replaces the reminder text of a job.
func (s *Scheduler) ModifyJob(ctx context.Context, id, taskMessage string) (Job, error) {
	return s.modify(ctx, id, "message", func(j *Job) error {
		j.TaskMessage = taskMessage
		return nil
	})
}

// ModifyTrigger replaces the schedule of a job and recomputes its next run
// from now.
func (s *Scheduler) ModifyTrigger(ctx context.Context, id, expr string) (Job, error) {
	trig, err := cron.ParseIn(expr, s.cfg.Location)
	if err != nil {
		return Job{}, err
	}
	return s.modify(ctx, id, "trigger", func(j *Job) error {
		next, ok := trig.Next(s.now())
		if !ok {
			return &cron.ParseError{Expr: expr, Err: ErrNeverFires}
		}
		j.Trigger = trig
		j.NextRunTime = next
		return nil
	})
}

func (s *Scheduler) modify(ctx context.Context, id, what string, fn func(*Job) error) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return Job{}, ErrNotRunning
	}
	cur, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	updated := *cur
	if err := fn(&updated); err != nil {
		return Job{}, err
	}
	if err := s.store.Put(ctx, updated.record()); err != nil {
		return Job{}, err
	}
	*cur = updated
	s.publish(eventbus.JobModified, cur, what)
	s.log.Info("job modified", logx.String("job", id), logx.String("field", what), logx.Time("next", updated.NextRunTime))
	return updated, nil
}

// GetJob returns a copy of the job.
func (s *Scheduler) GetJob(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// ListJobsForChat returns the chat's jobs ordered by next run time.
func (s *Scheduler) ListJobsForChat(chatID int64) []Job {
	s.mu.Lock()
	out := make([]Job, 0, 8)
	for _, j := range s.jobs {
		if j.ChatID == chatID {
			out = append(out, *j)
		}
	}
	s.mu.Unlock()
	sortJobs(out)
	return out
}

func sortJobs(js []Job) {
	sort.Slice(js, func(i, k int) bool {
		a, b := js[i], js[k]
		if !a.NextRunTime.Equal(b.NextRunTime) {
			return a.NextRunTime.Before(b.NextRunTime)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// FormatTrigger renders the job's schedule as a canonical cron string.
func (s *Scheduler) FormatTrigger(j Job) string {
	if j.Trigger == nil {
		return ""
	}
	return j.Trigger.String()
}

// TimeUntil renders the time left until the job's next run ("3h", "12m").
func (s *Scheduler) TimeUntil(j Job) string {
	return cron.FormatDuration(j.NextRunTime.Sub(s.now()))
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Jobs = len(s.jobs)
	st.Timezone = s.cfg.Location.String()
	return st
}

func (s *Scheduler) publish(typ string, j *Job, reason string) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: eventbus.JobEvent{
		JobID: j.ID, ChatID: j.ChatID, Pool: j.Executor, Reason: reason,
	}})
}
