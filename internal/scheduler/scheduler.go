// Package scheduler is the Scheduler (component C3): a single logical
// clock that fires recurring schedules and promotes due retries/lease
// reaps, grounded on the teacher's scheduler.dispatchLoop (200ms ticker,
// distributed-lock-gated execution) but generalized from "one lock per
// job" to a single "scheduler" lock, since any instance may run the
// clock and contention is resolved once per tick rather than per job.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/priceflow/batchflow/internal/jobstore"
	"github.com/priceflow/batchflow/internal/logx"
)

const lockKey = "scheduler"

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config controls the Scheduler's tick cadence and lock ownership.
type Config struct {
	Tick     time.Duration
	LockTTL  time.Duration
	PurgeAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 200 * time.Millisecond
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.Tick * 3
	}
	if c.PurgeAge <= 0 {
		c.PurgeAge = 7 * 24 * time.Hour
	}
	return c
}

// Scheduler owns the recurring-schedule clock for one jobstore.Store.
type Scheduler struct {
	store jobstore.Store
	cfg   Config
	log   *logrus.Entry
}

// New builds a Scheduler bound to store. The lock holder identity is the
// instanceID passed to Run; it does not need to be globally unique across
// restarts.
func New(store jobstore.Store, cfg Config) *Scheduler {
	return &Scheduler{store: store, cfg: cfg.withDefaults(), log: logx.New("scheduler")}
}

// Register upserts a recurring schedule by name, computing its first
// NextFireAt from cronExpr if sched carries none. Calling Register again
// with the same name replaces the whole stored record, NextFireAt
// included: the stored NextFireAt is not read, and unless sched carries
// one, the next cron match after now is used.
func (s *Scheduler) Register(ctx context.Context, sched jobstore.RecurringSchedule) error {
	schedule, err := parser.Parse(sched.CronExpr)
	if err != nil {
		return err
	}
	if sched.NextFireAt.IsZero() {
		sched.NextFireAt = schedule.Next(time.Now().UTC())
	}
	return s.store.UpsertSchedule(ctx, sched)
}

// Run blocks, ticking every Tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, instanceID string) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, instanceID)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, instanceID string) {
	locked, err := s.store.AcquireLock(ctx, lockKey, instanceID, s.cfg.LockTTL)
	if err != nil {
		s.log.WithError(err).Error("acquire scheduler lock")
		return
	}
	if !locked {
		return
	}
	defer func() {
		if err := s.store.ReleaseLock(ctx, lockKey, instanceID); err != nil {
			s.log.WithError(err).Warn("release scheduler lock")
		}
	}()

	now := time.Now().UTC()
	s.fireDueSchedules(ctx, now)

	if promoted, err := s.store.PromoteDueScheduled(ctx, now); err != nil {
		s.log.WithError(err).Error("promote due scheduled")
	} else if promoted > 0 {
		s.log.WithField("count", promoted).Debug("promoted scheduled jobs to enqueued")
	}

	if reaped, err := s.store.ReapExpiredLeases(ctx, now); err != nil {
		s.log.WithError(err).Error("reap expired leases")
	} else if reaped > 0 {
		s.log.WithField("count", reaped).Warn("reaped expired leases")
	}

	if purged, err := s.store.Purge(ctx, now.Add(-s.cfg.PurgeAge)); err != nil {
		s.log.WithError(err).Error("purge terminal jobs")
	} else if purged > 0 {
		s.log.WithField("count", purged).Debug("purged terminal jobs")
	}
}

func (s *Scheduler) fireDueSchedules(ctx context.Context, now time.Time) {
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.log.WithError(err).Error("load due schedules")
		return
	}

	for _, sched := range due {
		entry := s.log.WithField("schedule", sched.Name)

		cronSchedule, err := parser.Parse(sched.CronExpr)
		if err != nil {
			entry.WithError(err).Error("invalid cron expression, skipping fire")
			continue
		}
		nextFireAt := cronSchedule.Next(now)

		job, err := jobstore.New(sched.Queue, sched.HandlerRef, nil)
		if err != nil {
			entry.WithError(err).Error("build recurring job")
			continue
		}
		job.Args = sched.Args

		if _, err := s.store.Enqueue(ctx, job); err != nil {
			entry.WithError(err).Error("enqueue recurring job")
			continue
		}

		advanced, err := s.store.AdvanceSchedule(ctx, sched.Name, sched.NextFireAt, nextFireAt)
		if err != nil {
			entry.WithError(err).Error("advance schedule")
			continue
		}
		if !advanced {
			entry.Warn("schedule advanced by another instance between observation and CAS")
		}
	}
}
