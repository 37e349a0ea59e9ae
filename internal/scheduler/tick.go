package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/executor"
	logx "remindbot/pkg/logx"
)

func (s *Scheduler) loop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// tick processes every due job in due order. The new next run time is
// persisted before the fire is submitted, so a failed write means no fire
// and a retry on the next tick.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	now := s.now()
	s.stats.LastTick = now

	due := make([]*Job, 0, 4)
	for _, j := range s.jobs {
		if !j.NextRunTime.After(now) {
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].NextRunTime.Equal(due[k].NextRunTime) {
			return due[i].NextRunTime.Before(due[k].NextRunTime)
		}
		return due[i].ID < due[k].ID
	})

	for _, j := range due {
		s.processDueLocked(ctx, now, j)
	}
}

func (s *Scheduler) processDueLocked(ctx context.Context, now time.Time, j *Job) {
	prev := j.NextRunTime
	late := now.Sub(prev)
	log := s.log.With(logx.String("job", j.ID), logx.Int64("chat_id", j.ChatID))

	base := now
	if prev.After(base) {
		base = prev
	}
	next, ok := j.Trigger.Next(base)
	if ok {
		updated := *j
		updated.NextRunTime = next
		if err := s.store.Put(ctx, updated.record()); err != nil {
			s.stats.StoreErrors++
			log.Error("persist next run failed; retrying next tick", logx.Time("due", prev), logx.Err(err))
			return
		}
		j.NextRunTime = next
	} else {
		if err := s.deleteRecord(ctx, j.ID); err != nil {
			s.stats.StoreErrors++
			log.Error("remove exhausted job failed; retrying next tick", logx.Err(err))
			return
		}
		delete(s.jobs, j.ID)
		s.publish(eventbus.JobRemoved, j, "exhausted")
		log.Info("job exhausted and removed")
	}

	if !j.Coalesce && s.cfg.MisfireGrace > 0 && late > s.cfg.MisfireGrace {
		s.stats.Skipped++
		s.publish(eventbus.JobSkipped, j, "misfire")
		log.Warn("run missed by more than grace; skipped",
			logx.Time("due", prev), logx.Duration("late", late), logx.Time("next", next))
		return
	}
	s.submitLocked(j, log)
	if ok {
		log.Debug("job fired", logx.Time("due", prev), logx.Duration("late", late), logx.Time("next", next))
	}
}

func (s *Scheduler) submitLocked(j *Job, log logx.Logger) {
	p := j.Payload()
	run := s.run
	ref := executor.Ref{ID: j.ID, ChatID: j.ChatID, MaxInstances: j.MaxInstances, Pool: j.Executor}
	err := s.exec.Submit(ref, func(ctx context.Context) error {
		if run == nil {
			return nil
		}
		return run(ctx, p)
	})
	switch {
	case err == nil:
		s.stats.Fired++
	case errors.Is(err, executor.ErrMaxInstances), errors.Is(err, executor.ErrQueueFull):
		s.stats.Shed++
	case errors.Is(err, executor.ErrStopped):
		log.Debug("executor stopped; fire dropped")
	default:
		log.Warn("submit failed", logx.Err(err))
	}
}
