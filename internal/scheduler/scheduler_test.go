package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"remindbot/internal/cron"
	"remindbot/internal/eventbus"
	"remindbot/internal/executor"
	"remindbot/internal/jobstore"
	logx "remindbot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSubmitter struct {
	mu   sync.Mutex
	refs []executor.Ref
	runs []executor.Runnable
	err  error
}

func (r *recordingSubmitter) Submit(ref executor.Ref, run executor.Runnable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.refs = append(r.refs, ref)
	r.runs = append(r.runs, run)
	return nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

// flakyStore fails writes while the switches are on.
type flakyStore struct {
	jobstore.Store
	failPut    atomic.Bool
	failDelete atomic.Bool
}

var errDisk = errors.New("disk on fire")

func (f *flakyStore) Put(ctx context.Context, r jobstore.Record) error {
	if f.failPut.Load() {
		return &jobstore.StoreError{Op: "put", ID: r.ID, Err: errDisk}
	}
	return f.Store.Put(ctx, r)
}

func (f *flakyStore) Delete(ctx context.Context, id string) error {
	if f.failDelete.Load() {
		return &jobstore.StoreError{Op: "delete", ID: id, Err: errDisk}
	}
	return f.Store.Delete(ctx, id)
}

var sofia = mustLoad("Europe/Sofia")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

type harness struct {
	s     *Scheduler
	clock *fakeClock
	sub   *recordingSubmitter
	store *flakyStore
}

func newHarness(t *testing.T, start time.Time, store jobstore.Store, mutate ...func(*Config)) *harness {
	t.Helper()
	if store == nil {
		store = jobstore.NewMemory()
	}
	h := &harness{
		clock: &fakeClock{t: start},
		sub:   &recordingSubmitter{},
		store: &flakyStore{Store: store},
	}
	cfg := Config{Location: sofia, TickInterval: time.Hour, MisfireGrace: 30 * time.Second}
	for _, m := range mutate {
		m(&cfg)
	}
	n := 0
	h.s = New(cfg, h.store, h.sub, nil, logx.Nop(),
		WithClock(h.clock.Now),
		WithIDs(func() string { n++; return fmt.Sprintf("job-%02d", n) }))
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = h.s.Stop(context.Background()) })
	return h
}

func (h *harness) tickAt(at time.Time) {
	h.clock.Set(at)
	h.s.tick(context.Background())
}

func TestDailySofiaReminder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 3, 4, 8, 0, 0, 0, sofia), nil)
	ctx := context.Background()

	job, err := h.s.AddJob(ctx, "0 9 * * *", 42, "stand-up")
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if want := time.Date(2024, 3, 4, 9, 0, 0, 0, sofia); !job.NextRunTime.Equal(want) {
		t.Fatalf("next = %v, want %v", job.NextRunTime, want)
	}
	if got := h.s.TimeUntil(job); got != "1h" {
		t.Fatalf("TimeUntil = %q, want 1h", got)
	}
	if got := h.s.FormatTrigger(job); got != "0 9 * * *" {
		t.Fatalf("FormatTrigger = %q", got)
	}

	h.tickAt(time.Date(2024, 3, 4, 8, 59, 59, 0, sofia))
	if h.sub.count() != 0 {
		t.Fatal("fired before due")
	}
	h.tickAt(time.Date(2024, 3, 4, 9, 0, 0, 500e6, sofia))
	if h.sub.count() != 1 {
		t.Fatalf("fires = %d, want 1", h.sub.count())
	}
	ref := h.sub.refs[0]
	if ref.ID != job.ID || ref.ChatID != 42 || ref.MaxInstances != 3 || ref.Pool != executor.DefaultPool {
		t.Fatalf("ref = %+v", ref)
	}
	got, _ := h.s.GetJob(job.ID)
	if want := time.Date(2024, 3, 5, 9, 0, 0, 0, sofia); !got.NextRunTime.Equal(want) {
		t.Fatalf("next after fire = %v, want %v", got.NextRunTime, want)
	}
	rec, ok, err := h.store.Get(ctx, job.ID)
	if err != nil || !ok || !rec.NextRunTime.Equal(got.NextRunTime) {
		t.Fatalf("persisted = %+v %v %v", rec, ok, err)
	}

	// Same tick instant again: nothing due.
	h.s.tick(ctx)
	if h.sub.count() != 1 {
		t.Fatal("fired twice for one due time")
	}
}

func TestQuarterHourAdvancesMonotonically(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 6, 1, 10, 7, 0, 0, sofia)
	h := newHarness(t, start, nil)
	job, err := h.s.AddJob(context.Background(), "*/15 * * * *", 1, "water")
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if want := time.Date(2024, 6, 1, 10, 15, 0, 0, sofia); !job.NextRunTime.Equal(want) {
		t.Fatalf("next = %v, want %v", job.NextRunTime, want)
	}

	prev := job.NextRunTime
	for i := 1; i <= 6; i++ {
		h.tickAt(prev.Add(time.Second))
		cur, _ := h.s.GetJob(job.ID)
		if !cur.NextRunTime.After(prev) || !cur.NextRunTime.After(h.clock.Now()) {
			t.Fatalf("fire %d: next %v not after %v", i, cur.NextRunTime, prev)
		}
		if d := cur.NextRunTime.Sub(prev); d != 15*time.Minute {
			t.Fatalf("fire %d: step %v", i, d)
		}
		if !job.Trigger.Matches(cur.NextRunTime) {
			t.Fatalf("next %v does not match trigger", cur.NextRunTime)
		}
		prev = cur.NextRunTime
	}
	if h.sub.count() != 6 {
		t.Fatalf("fires = %d, want 6", h.sub.count())
	}
}

func TestAddJobRejects(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 1, 1, 0, 0, 0, 0, sofia), nil)
	ctx := context.Background()

	_, err := h.s.AddJob(ctx, "61 * * * *", 1, "x")
	if !cron.IsParseError(err) {
		t.Fatalf("AddJob invalid = %v, want ParseError", err)
	}
	_, err = h.s.AddJob(ctx, "0 0 30 2 *", 1, "x")
	if !errors.Is(err, ErrNeverFires) || !cron.IsParseError(err) {
		t.Fatalf("AddJob never fires = %v", err)
	}

	h.store.failPut.Store(true)
	_, err = h.s.AddJob(ctx, "* * * * *", 1, "x")
	if !jobstore.IsStoreError(err) {
		t.Fatalf("AddJob store failure = %v, want StoreError", err)
	}
	if n := len(h.s.ListJobsForChat(1)); n != 0 {
		t.Fatalf("failed add left %d jobs in memory", n)
	}
}

func TestRemoveAndModify(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 1, 1, 12, 0, 0, 0, sofia), nil)
	ctx := context.Background()

	if err := h.s.RemoveJob(ctx, "missing"); err != nil {
		t.Fatalf("RemoveJob unknown = %v", err)
	}
	if _, err := h.s.ModifyJob(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ModifyJob unknown = %v", err)
	}
	if _, err := h.s.ModifyTrigger(ctx, "missing", "* * * * *"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ModifyTrigger unknown = %v", err)
	}

	job, err := h.s.AddJob(ctx, "30 18 * * mon-fri", 7, "gym")
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	mod, err := h.s.ModifyJob(ctx, job.ID, "gym, then groceries")
	if err != nil || mod.TaskMessage != "gym, then groceries" || !mod.NextRunTime.Equal(job.NextRunTime) {
		t.Fatalf("ModifyJob = %+v, %v", mod, err)
	}
	rec, _, _ := h.store.Get(ctx, job.ID)
	if rec.TaskMessage != "gym, then groceries" {
		t.Fatalf("persisted message = %q", rec.TaskMessage)
	}

	if _, err := h.s.ModifyTrigger(ctx, job.ID, "bogus"); !cron.IsParseError(err) {
		t.Fatalf("ModifyTrigger invalid = %v", err)
	}
	mod, err = h.s.ModifyTrigger(ctx, job.ID, "0 12 * * *")
	if err != nil {
		t.Fatalf("ModifyTrigger: %v", err)
	}
	if want := time.Date(2024, 1, 2, 12, 0, 0, 0, sofia); !mod.NextRunTime.Equal(want) || mod.TaskMessage != "gym, then groceries" {
		t.Fatalf("ModifyTrigger = %+v", mod)
	}
	rec, _, _ = h.store.Get(ctx, job.ID)
	if rec.Cron != "0 12 * * *" {
		t.Fatalf("persisted cron = %q", rec.Cron)
	}

	h.store.failPut.Store(true)
	if _, err := h.s.ModifyJob(ctx, job.ID, "lost"); !jobstore.IsStoreError(err) {
		t.Fatalf("ModifyJob store failure = %v", err)
	}
	if got, _ := h.s.GetJob(job.ID); got.TaskMessage != "gym, then groceries" {
		t.Fatalf("failed modify changed memory: %q", got.TaskMessage)
	}
	h.store.failPut.Store(false)

	h.store.failDelete.Store(true)
	if err := h.s.RemoveJob(ctx, job.ID); !jobstore.IsStoreError(err) {
		t.Fatalf("RemoveJob store failure = %v", err)
	}
	h.store.failDelete.Store(false)

	for i := 0; i < 2; i++ {
		if err := h.s.RemoveJob(ctx, job.ID); err != nil {
			t.Fatalf("RemoveJob #%d = %v", i+1, err)
		}
	}
	if _, ok := h.s.GetJob(job.ID); ok {
		t.Fatal("job still present after remove")
	}
	if _, ok, _ := h.store.Get(ctx, job.ID); ok {
		t.Fatal("job still persisted after remove")
	}
}

func TestTickStoreFailureRetriesWithoutDoubleFire(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 1, 1, 10, 0, 30, 0, sofia), nil)
	job, err := h.s.AddJob(context.Background(), "* * * * *", 1, "ping")
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	h.store.failPut.Store(true)
	h.tickAt(job.NextRunTime.Add(time.Second))
	if h.sub.count() != 0 {
		t.Fatal("fired although the next run time was not persisted")
	}
	if got, _ := h.s.GetJob(job.ID); !got.NextRunTime.Equal(job.NextRunTime) {
		t.Fatalf("next moved on failed persist: %v", got.NextRunTime)
	}
	if st := h.s.Stats(); st.StoreErrors != 1 {
		t.Fatalf("store errors = %d", st.StoreErrors)
	}

	h.store.failPut.Store(false)
	h.tickAt(job.NextRunTime.Add(2 * time.Second))
	if h.sub.count() != 1 {
		t.Fatalf("fires after recovery = %d, want 1", h.sub.count())
	}
	h.s.tick(context.Background())
	if h.sub.count() != 1 {
		t.Fatal("retry fired twice")
	}
}

func TestMisfireGrace(t *testing.T) {
	t.Parallel()
	for _, coalesce := range []bool{false, true} {
		t.Run(fmt.Sprintf("coalesce=%v", coalesce), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, time.Date(2024, 6, 1, 10, 7, 0, 0, sofia), nil, func(c *Config) { c.Coalesce = coalesce })
			job, err := h.s.AddJob(context.Background(), "*/15 * * * *", 1, "water")
			if err != nil {
				t.Fatalf("AddJob: %v", err)
			}
			// 10:15 due, observed at 10:50: two more fires missed as well.
			h.tickAt(time.Date(2024, 6, 1, 10, 50, 0, 0, sofia))
			want := 0
			if coalesce {
				want = 1
			}
			if h.sub.count() != want {
				t.Fatalf("fires = %d, want %d", h.sub.count(), want)
			}
			got, _ := h.s.GetJob(job.ID)
			if w := time.Date(2024, 6, 1, 11, 0, 0, 0, sofia); !got.NextRunTime.Equal(w) {
				t.Fatalf("next = %v, want %v", got.NextRunTime, w)
			}
			if !coalesce && h.s.Stats().Skipped != 1 {
				t.Fatalf("skipped = %d", h.s.Stats().Skipped)
			}

			h.tickAt(time.Date(2024, 6, 1, 11, 0, 10, 0, sofia))
			if h.sub.count() != want+1 {
				t.Fatalf("fire within grace: fires = %d", h.sub.count())
			}
		})
	}
}

func TestRestartRepairsJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := jobstore.NewMemory()
	missed := time.Date(2024, 3, 2, 9, 0, 0, 0, sofia)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, r := range []jobstore.Record{
		{ID: "coalesce", Cron: "0 9 * * *", Timezone: "Europe/Sofia", ChatID: 1, TaskMessage: "a", NextRunTime: missed, MaxInstances: 3, Coalesce: true, CreatedAt: created},
		{ID: "skip", Cron: "0 9 * * *", Timezone: "Europe/Sofia", ChatID: 1, TaskMessage: "b", NextRunTime: missed, MaxInstances: 3, CreatedAt: created},
		{ID: "exhausted", Cron: "0 0 30 2 *", Timezone: "Europe/Sofia", ChatID: 1, TaskMessage: "c", CreatedAt: created},
		{ID: "broken", Cron: "every day", Timezone: "Europe/Sofia", ChatID: 1, TaskMessage: "d", CreatedAt: created},
	} {
		if err := store.Put(ctx, r); err != nil {
			t.Fatalf("seed %s: %v", r.ID, err)
		}
	}

	now := time.Date(2024, 3, 4, 12, 0, 0, 0, sofia)
	h := newHarness(t, now, store)
	tomorrow := time.Date(2024, 3, 5, 9, 0, 0, 0, sofia)

	c, ok := h.s.GetJob("coalesce")
	if !ok || !c.NextRunTime.Equal(missed) {
		t.Fatalf("coalesce job = %+v %v", c, ok)
	}
	sk, ok := h.s.GetJob("skip")
	if !ok || !sk.NextRunTime.Equal(tomorrow) {
		t.Fatalf("skip job = %+v %v", sk, ok)
	}
	if rec, _, _ := store.Get(ctx, "skip"); !rec.NextRunTime.Equal(tomorrow) {
		t.Fatalf("repair not persisted: %v", rec.NextRunTime)
	}
	for _, id := range []string{"exhausted", "broken"} {
		if _, ok := h.s.GetJob(id); ok {
			t.Fatalf("%s loaded", id)
		}
		if _, ok, _ := store.Get(ctx, id); ok {
			t.Fatalf("%s still persisted", id)
		}
	}

	h.s.tick(ctx)
	h.s.tick(ctx)
	if h.sub.count() != 1 || h.sub.refs[0].ID != "coalesce" {
		t.Fatalf("missed fires = %+v, want exactly one for coalesce", h.sub.refs)
	}
	if c, _ := h.s.GetJob("coalesce"); !c.NextRunTime.Equal(tomorrow) {
		t.Fatalf("coalesce next = %v", c.NextRunTime)
	}
	if got := h.s.ListJobsForChat(1); len(got) != 2 || got[0].ID != "coalesce" || got[1].ID != "skip" {
		t.Fatalf("ListJobsForChat = %+v", got)
	}
}

func TestConcurrentModifyDuringTicks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 1, 1, 0, 0, 30, 0, sofia), nil, func(c *Config) { c.MisfireGrace = 0 })
	ctx := context.Background()
	job, err := h.s.AddJob(ctx, "* * * * *", 5, "initial")
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if _, err := h.s.ModifyJob(ctx, job.ID, fmt.Sprintf("msg-%d", i)); err != nil {
				t.Errorf("ModifyJob: %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			h.clock.Add(time.Minute)
			h.s.tick(ctx)
		}()
	}
	wg.Wait()
	h.s.tick(ctx)

	got, _ := h.s.GetJob(job.ID)
	rec, _, _ := h.store.Get(ctx, job.ID)
	if rec.TaskMessage != got.TaskMessage || !rec.NextRunTime.Equal(got.NextRunTime) {
		t.Fatalf("store %q/%v diverged from memory %q/%v", rec.TaskMessage, rec.NextRunTime, got.TaskMessage, got.NextRunTime)
	}
	if got.TaskMessage == "initial" {
		t.Fatal("modifications lost")
	}
	if !got.NextRunTime.After(h.clock.Now()) {
		t.Fatalf("next %v not after now %v", got.NextRunTime, h.clock.Now())
	}
}

func TestSheddingIsCounted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 1, 1, 0, 0, 30, 0, sofia), nil)
	job, err := h.s.AddJob(context.Background(), "* * * * *", 1, "x")
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	h.sub.err = executor.ErrMaxInstances
	h.tickAt(job.NextRunTime)
	st := h.s.Stats()
	if st.Shed != 1 || st.Fired != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if got, _ := h.s.GetJob(job.ID); !got.NextRunTime.After(job.NextRunTime) {
		t.Fatal("shed fire must still advance the schedule")
	}
}

func TestLifecycleErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 1, 1, 0, 0, 0, 0, sofia), nil)
	ctx := context.Background()
	if err := h.s.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v", err)
	}
	if err := h.s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.s.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if _, err := h.s.AddJob(ctx, "* * * * *", 1, "x"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("AddJob after Stop = %v", err)
	}
	if h.s.Stats().Running {
		t.Fatal("stats report running after Stop")
	}
}

func TestFireRunsCallbackOnExecutor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.JobAdded, eventbus.JobStarted)
	defer unsub()

	ex := executor.New(executor.DefaultConfig(), logx.Nop(), bus)
	if err := ex.Start(ctx); err != nil {
		t.Fatalf("executor Start: %v", err)
	}
	defer ex.Stop(ctx)

	got := make(chan Payload, 1)
	clock := &fakeClock{t: time.Date(2024, 1, 1, 8, 59, 0, 0, sofia)}
	s := New(Config{Location: sofia, TickInterval: time.Hour}, jobstore.NewMemory(), ex,
		func(ctx context.Context, p Payload) error {
			got <- p
			return nil
		}, logx.Nop(), WithClock(clock.Now), WithBus(bus))
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	job, err := s.AddJob(ctx, "0 9 * * *", 99, "call mom")
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	clock.Set(job.NextRunTime)
	s.tick(ctx)

	select {
	case p := <-got:
		if p.ChatID != 99 || p.TaskMessage != "call mom" {
			t.Fatalf("payload = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case ev := <-events:
			seen[ev.Type] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("events seen = %v", seen)
		}
	}
}
