// Package redisstore is the reference multi-instance jobstore.Store
// driver described in SPEC_FULL.md section 4.1: "Redis is the reference
// binding." Every cross-key transition (promoting a Scheduled job,
// gating a continuation on its parent's success, lease expiry reversion,
// recurring-schedule compare-and-set) runs as an atomic Lua script, so no
// concurrent observer across instances ever sees a job in two queues at
// once.
package redisstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/priceflow/batchflow/internal/ids"
	"github.com/priceflow/batchflow/internal/jobstore"
)

//go:embed scripts/enqueue.lua
var enqueueScript string

//go:embed scripts/schedule.lua
var scheduleScript string

//go:embed scripts/continue.lua
var continueScript string

//go:embed scripts/fetch.lua
var fetchScript string

//go:embed scripts/complete.lua
var completeScript string

//go:embed scripts/fail.lua
var failScript string

//go:embed scripts/requeue.lua
var requeueScript string

//go:embed scripts/heartbeat.lua
var heartbeatScript string

//go:embed scripts/acquirelock.lua
var acquireLockScript string

//go:embed scripts/releaselock.lua
var releaseLockScript string

//go:embed scripts/promotedue.lua
var promoteDueScript string

//go:embed scripts/reapleases.lua
var reapLeasesScript string

//go:embed scripts/advanceschedule.lua
var advanceScheduleScript string

// Store is a github.com/redis/go-redis/v9-backed jobstore.Store.
type Store struct {
	rdb    *redis.Client
	prefix string

	enqueue         *redis.Script
	schedule        *redis.Script
	cont            *redis.Script
	fetch           *redis.Script
	complete        *redis.Script
	fail            *redis.Script
	requeue         *redis.Script
	heartbeat       *redis.Script
	acquireLock     *redis.Script
	releaseLock     *redis.Script
	promoteDue      *redis.Script
	reapLeases      *redis.Script
	advanceSchedule *redis.Script
}

// New wraps an existing *redis.Client. prefix namespaces every key so
// multiple deployments or test runs can share one Redis instance.
func New(rdb *redis.Client, prefix string) *Store {
	return &Store{
		rdb:             rdb,
		prefix:          prefix,
		enqueue:         redis.NewScript(enqueueScript),
		schedule:        redis.NewScript(scheduleScript),
		cont:            redis.NewScript(continueScript),
		fetch:           redis.NewScript(fetchScript),
		complete:        redis.NewScript(completeScript),
		fail:            redis.NewScript(failScript),
		requeue:         redis.NewScript(requeueScript),
		heartbeat:       redis.NewScript(heartbeatScript),
		acquireLock:     redis.NewScript(acquireLockScript),
		releaseLock:     redis.NewScript(releaseLockScript),
		promoteDue:      redis.NewScript(promoteDueScript),
		reapLeases:      redis.NewScript(reapLeasesScript),
		advanceSchedule: redis.NewScript(advanceScheduleScript),
	}
}

// Open dials a new client from addr (host:port) and returns a Store bound
// to db/prefix.
func Open(addr string, db int, prefix string) *Store {
	return New(redis.NewClient(&redis.Options{Addr: addr, DB: db}), prefix)
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) jobKey(id string) string       { return s.prefix + ":job:" + id }
func (s *Store) jobKeyPrefix() string          { return s.prefix + ":job:" }
func (s *Store) readyKey(queue string) string  { return s.prefix + ":ready:" + queue }
func (s *Store) readyKeyPrefix() string        { return s.prefix + ":ready:" }
func (s *Store) scheduledKey() string          { return s.prefix + ":scheduled" }
func (s *Store) processingKey() string         { return s.prefix + ":processing" }
func (s *Store) awaitingKey(parent string) string { return s.prefix + ":awaiting:" + parent }
func (s *Store) awaitingKeyPrefix() string        { return s.prefix + ":awaiting:" }
func (s *Store) lockKey(key string) string     { return s.prefix + ":lock:" + key }
func (s *Store) scheduleKey(name string) string { return s.prefix + ":schedule:" + name }
func (s *Store) scheduleNamesKey() string      { return s.prefix + ":schedulenames" }

func rfc3339(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *Store) Enqueue(ctx context.Context, job jobstore.Job) (string, error) {
	if job.ID == "" {
		job.ID = ids.New()
	}
	job.State = jobstore.StateEnqueued
	now := time.Now().UTC()
	job.EnqueuedAt = now
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	keys := []string{s.jobKey(job.ID), s.readyKey(job.Queue)}
	if err := s.enqueue.Run(ctx, s.rdb, keys, string(encoded), job.ID).Err(); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (s *Store) Schedule(ctx context.Context, job jobstore.Job, at time.Time) (string, error) {
	if job.ID == "" {
		job.ID = ids.New()
	}
	job.State = jobstore.StateScheduled
	job.NextAttemptAt = at
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	keys := []string{s.jobKey(job.ID), s.scheduledKey()}
	err = s.schedule.Run(ctx, s.rdb, keys, string(encoded), job.ID, at.UnixMilli()).Err()
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (s *Store) Continue(ctx context.Context, parentID string, job jobstore.Job) (string, error) {
	if job.ID == "" {
		job.ID = ids.New()
	}
	job.ParentID = parentID
	job.State = jobstore.StateAwaitingContinuation
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	keys := []string{s.jobKey(parentID), s.jobKey(job.ID), s.readyKey(job.Queue), s.awaitingKey(parentID)}
	res, err := s.cont.Run(ctx, s.rdb, keys, job.ID, string(encoded), rfc3339(time.Now())).Result()
	if err != nil {
		if err.Error() == "parent not found" {
			return "", jobstore.ErrNotFound
		}
		return "", err
	}
	_ = res
	return job.ID, nil
}

func (s *Store) Fetch(ctx context.Context, queues []string, workerID string, leaseTTL time.Duration) (jobstore.Job, error) {
	keys := make([]string, 0, len(queues)+1)
	for _, q := range queues {
		keys = append(keys, s.readyKey(q))
	}
	keys = append(keys, s.processingKey())

	now := time.Now().UTC()
	leaseExpiresAt := now.Add(leaseTTL)
	res, err := s.fetch.Run(ctx, s.rdb, keys,
		s.jobKeyPrefix(), workerID, rfc3339(now), rfc3339(leaseExpiresAt), leaseExpiresAt.UnixMilli(),
	).Result()
	if err == redis.Nil {
		return jobstore.Job{}, jobstore.ErrNoReadyJob
	}
	if err != nil {
		return jobstore.Job{}, err
	}
	str, ok := res.(string)
	if !ok || str == "" {
		return jobstore.Job{}, jobstore.ErrNoReadyJob
	}
	var job jobstore.Job
	if err := json.Unmarshal([]byte(str), &job); err != nil {
		return jobstore.Job{}, err
	}
	return job, nil
}

func (s *Store) Complete(ctx context.Context, id, workerID string) error {
	keys := []string{s.jobKey(id), s.processingKey(), s.awaitingKey(id)}
	now := time.Now().UTC()
	_, err := s.complete.Run(ctx, s.rdb, keys,
		workerID, rfc3339(now), s.jobKeyPrefix(), rfc3339(now), s.readyKeyPrefix(),
	).Result()
	return translateScriptErr(err)
}

func (s *Store) Fail(ctx context.Context, id, workerID string, cause error, retryAt time.Time) error {
	keys := []string{s.jobKey(id), s.processingKey(), s.scheduledKey()}
	hasRetry := "0"
	if !retryAt.IsZero() {
		hasRetry = "1"
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := time.Now().UTC()
	_, err := s.fail.Run(ctx, s.rdb, keys,
		workerID, msg, hasRetry, rfc3339(retryAt), retryAt.UnixMilli(), rfc3339(now),
		s.jobKeyPrefix(), s.awaitingKeyPrefix(),
	).Result()
	return translateScriptErr(err)
}

// Requeue reverts id to Scheduled at retryAt without incrementing
// attempts, for the "concurrency key already held" path.
func (s *Store) Requeue(ctx context.Context, id, workerID string, retryAt time.Time) error {
	keys := []string{s.jobKey(id), s.processingKey(), s.scheduledKey()}
	_, err := s.requeue.Run(ctx, s.rdb, keys,
		workerID, rfc3339(retryAt), retryAt.UnixMilli(),
	).Result()
	return translateScriptErr(err)
}

func (s *Store) Heartbeat(ctx context.Context, id, workerID string, leaseTTL time.Duration) error {
	keys := []string{s.jobKey(id), s.processingKey()}
	leaseExpiresAt := time.Now().UTC().Add(leaseTTL)
	_, err := s.heartbeat.Run(ctx, s.rdb, keys,
		workerID, rfc3339(leaseExpiresAt), leaseExpiresAt.UnixMilli(),
	).Result()
	return translateScriptErr(err)
}

func translateScriptErr(err error) error {
	if err == nil {
		return nil
	}
	switch err.Error() {
	case "not found":
		return jobstore.ErrNotFound
	case "lease mismatch":
		return jobstore.ErrLeaseMismatch
	default:
		return err
	}
}

func (s *Store) Get(ctx context.Context, id string) (jobstore.Job, error) {
	var job jobstore.Job
	val, err := s.rdb.Get(ctx, s.jobKey(id)).Result()
	if err == redis.Nil {
		return job, jobstore.ErrNotFound
	}
	if err != nil {
		return job, err
	}
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return job, err
	}
	return job, nil
}

func (s *Store) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	res, err := s.acquireLock.Run(ctx, s.rdb, []string{s.lockKey(key)}, holder, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (s *Store) ReleaseLock(ctx context.Context, key, holder string) error {
	return s.releaseLock.Run(ctx, s.rdb, []string{s.lockKey(key)}, holder).Err()
}

func (s *Store) UpsertSchedule(ctx context.Context, sched jobstore.RecurringSchedule) error {
	encoded, err := json.Marshal(sched)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.scheduleKey(sched.Name), encoded, 0)
	pipe.SAdd(ctx, s.scheduleNamesKey(), sched.Name)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]jobstore.RecurringSchedule, error) {
	names, err := s.rdb.SMembers(ctx, s.scheduleNamesKey()).Result()
	if err != nil {
		return nil, err
	}
	due := make([]jobstore.RecurringSchedule, 0, len(names))
	for _, name := range names {
		val, err := s.rdb.Get(ctx, s.scheduleKey(name)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var sched jobstore.RecurringSchedule
		if err := json.Unmarshal([]byte(val), &sched); err != nil {
			return nil, err
		}
		if !sched.NextFireAt.After(now) {
			due = append(due, sched)
		}
	}
	sortSchedulesByName(due)
	return due, nil
}

func sortSchedulesByName(s []jobstore.RecurringSchedule) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].Name > s[j].Name; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func (s *Store) AdvanceSchedule(ctx context.Context, name string, firedAt, nextFireAt time.Time) (bool, error) {
	res, err := s.advanceSchedule.Run(ctx, s.rdb, []string{s.scheduleKey(name)},
		rfc3339(firedAt), rfc3339(nextFireAt),
	).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (s *Store) PromoteDueScheduled(ctx context.Context, now time.Time) (int, error) {
	res, err := s.promoteDue.Run(ctx, s.rdb, []string{s.scheduledKey()},
		now.UnixMilli(), s.jobKeyPrefix(), s.readyKeyPrefix(), rfc3339(now),
	).Result()
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return int(n), nil
}

func (s *Store) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.reapLeases.Run(ctx, s.rdb, []string{s.processingKey()},
		now.UnixMilli(), s.jobKeyPrefix(), s.readyKeyPrefix(), rfc3339(now),
	).Result()
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return int(n), nil
}

// Purge scans job keys directly rather than via a Lua script: terminal
// states (Succeeded/Failed) never transition again, so there is no
// concurrent-observer hazard to guard against here.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	purged := 0
	iter := s.rdb.Scan(ctx, 0, s.jobKeyPrefix()+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return purged, err
		}
		var job jobstore.Job
		if err := json.Unmarshal([]byte(val), &job); err != nil {
			return purged, err
		}
		terminal := job.State == jobstore.StateSucceeded || job.State == jobstore.StateFailed
		if terminal && !job.FinishedAt.IsZero() && job.FinishedAt.Before(olderThan) {
			if err := s.rdb.Del(ctx, key).Err(); err != nil {
				return purged, err
			}
			purged++
		}
	}
	if err := iter.Err(); err != nil {
		return purged, err
	}
	return purged, nil
}
