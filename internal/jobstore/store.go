package jobstore

import (
	"context"
	"time"
)

// Store is the durable queue + state contract described in SPEC_FULL.md
// section 4.1. Every mutating method is linearizable under the backing
// store's single-key semantics; cross-key transitions (promoting a
// Scheduled job, gating a continuation on its parent, lease expiry
// reversion) are atomic from any concurrent observer's point of view.
//
// Implementations: internal/jobstore/boltstore (embedded, single-process)
// and internal/jobstore/redisstore (the reference multi-instance binding).
type Store interface {
	// Enqueue inserts job with State Enqueued, appended to its queue.
	Enqueue(ctx context.Context, job Job) (string, error)

	// Schedule inserts job with State Scheduled, due at.
	Schedule(ctx context.Context, job Job, at time.Time) (string, error)

	// Continue inserts job with State AwaitingContinuation and ParentID
	// set; the store transitions it to Enqueued atomically once parentID
	// reaches Succeeded (I2).
	Continue(ctx context.Context, parentID string, job Job) (string, error)

	// Fetch atomically pops one ready job from queues, marks it
	// Processing under workerID's lease for leaseTTL, and returns it.
	// Returns ErrNoReadyJob if nothing is ready.
	Fetch(ctx context.Context, queues []string, workerID string, leaseTTL time.Duration) (Job, error)

	// Complete transitions id to Succeeded, guarded by ownerToken, and
	// promotes any AwaitingContinuation children to Enqueued.
	Complete(ctx context.Context, id, workerID string) error

	// Fail records an attempt's failure. If retryAt is non-zero the job is
	// rescheduled (State Scheduled); otherwise it lands in FailedQueue.
	Fail(ctx context.Context, id, workerID string, cause error, retryAt time.Time) error

	// Heartbeat extends id's lease, guarded by ownerToken.
	Heartbeat(ctx context.Context, id, workerID string, leaseTTL time.Duration) error

	// Requeue reverts id from Processing back to Scheduled at retryAt,
	// guarded by ownerToken, without incrementing Attempts. Used when a
	// job's concurrency_key lock is already held by another job: the job
	// goes back to the queue with a small backoff but this does not count
	// as a failed attempt.
	Requeue(ctx context.Context, id, workerID string, retryAt time.Time) error

	// Get returns the current record for id.
	Get(ctx context.Context, id string) (Job, error)

	// AcquireLock attempts to take the named concurrency lock for ttl,
	// returning false (no error) if another holder currently has it.
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// ReleaseLock releases key if held by holder.
	ReleaseLock(ctx context.Context, key, holder string) error

	// UpsertSchedule creates or replaces a recurring schedule by name.
	UpsertSchedule(ctx context.Context, sched RecurringSchedule) error

	// DueSchedules returns recurring schedules whose NextFireAt <= now,
	// ordered lexicographically by name to break ties deterministically.
	DueSchedules(ctx context.Context, now time.Time) ([]RecurringSchedule, error)

	// AdvanceSchedule compare-and-sets sched's NextFireAt: firedAt must
	// equal the NextFireAt value the caller observed in DueSchedules, or
	// the call is a no-op returning false — this is what lets two
	// scheduler instances race DueSchedules without double-firing the
	// same occurrence. On success NextFireAt becomes nextFireAt and
	// LastFireAt becomes firedAt.
	AdvanceSchedule(ctx context.Context, name string, firedAt, nextFireAt time.Time) (bool, error)

	// PromoteDueScheduled moves every Scheduled job whose NextAttemptAt
	// <= now into Enqueued, returning how many were promoted.
	PromoteDueScheduled(ctx context.Context, now time.Time) (int, error)

	// ReapExpiredLeases reverts jobs whose lease has lapsed back to
	// Enqueued without incrementing Attempts, returning how many.
	ReapExpiredLeases(ctx context.Context, now time.Time) (int, error)

	// Purge removes terminal (Succeeded/Failed) jobs finished before
	// olderThan.
	Purge(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases the store's underlying connection/handle.
	Close() error
}
