package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/priceflow/batchflow/internal/jobstore"
)

func open(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(rdb, "test")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnqueueFetchComplete(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	job, err := jobstore.New(jobstore.DefaultQueue, "noop", map[string]string{"k": "v"})
	require.NoError(t, err)
	id, err := s.Enqueue(ctx, job)
	require.NoError(t, err)

	fetched, err := s.Fetch(ctx, []string{jobstore.DefaultQueue}, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, fetched.ID)
	require.Equal(t, jobstore.StateProcessing, fetched.State)

	_, err = s.Fetch(ctx, []string{jobstore.DefaultQueue}, "worker-2", time.Minute)
	require.ErrorIs(t, err, jobstore.ErrNoReadyJob)

	require.NoError(t, s.Complete(ctx, id, "worker-1"))
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateSucceeded, got.State)
}

func TestFetchIsFIFOPerQueue(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := jobstore.New(jobstore.DefaultQueue, "noop", i)
		require.NoError(t, err)
		id, err := s.Enqueue(ctx, job)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, want := range ids {
		got, err := s.Fetch(ctx, []string{jobstore.DefaultQueue}, "w", time.Minute)
		require.NoError(t, err)
		require.Equal(t, want, got.ID)
		require.NoError(t, s.Complete(ctx, got.ID, "w"))
	}
}

func TestContinueGatesOnParentSuccess(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	parentJob, err := jobstore.New(jobstore.DefaultQueue, "noop", nil)
	require.NoError(t, err)
	parentID, err := s.Enqueue(ctx, parentJob)
	require.NoError(t, err)

	childJob, err := jobstore.New(jobstore.DefaultQueue, "noop", nil)
	require.NoError(t, err)
	childID, err := s.Continue(ctx, parentID, childJob)
	require.NoError(t, err)

	child, err := s.Get(ctx, childID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateAwaitingContinuation, child.State)

	// Child must not be fetchable while the parent hasn't succeeded (I2).
	_, err = s.Fetch(ctx, []string{jobstore.DefaultQueue}, "w", time.Minute)
	require.NoError(t, err) // fetches the parent instead
	parent, err := s.Get(ctx, parentID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateProcessing, parent.State)

	require.NoError(t, s.Complete(ctx, parentID, "w"))

	child, err = s.Get(ctx, childID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateEnqueued, child.State)

	fetchedChild, err := s.Fetch(ctx, []string{jobstore.DefaultQueue}, "w2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, childID, fetchedChild.ID)
}

func TestContinueEnqueuesImmediatelyWhenParentAlreadySucceeded(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	parentJob, err := jobstore.New(jobstore.DefaultQueue, "noop", nil)
	require.NoError(t, err)
	parentID, err := s.Enqueue(ctx, parentJob)
	require.NoError(t, err)

	_, err = s.Fetch(ctx, []string{jobstore.DefaultQueue}, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, parentID, "w"))

	childJob, err := jobstore.New(jobstore.DefaultQueue, "noop", nil)
	require.NoError(t, err)
	childID, err := s.Continue(ctx, parentID, childJob)
	require.NoError(t, err)

	child, err := s.Get(ctx, childID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateEnqueued, child.State)

	fetched, err := s.Fetch(ctx, []string{jobstore.DefaultQueue}, "w2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, childID, fetched.ID)
}

func TestFailRetryThenExhaust(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	job, err := jobstore.New(jobstore.DefaultQueue, "noop", nil)
	require.NoError(t, err)
	id, err := s.Enqueue(ctx, job)
	require.NoError(t, err)

	got, err := s.Fetch(ctx, []string{jobstore.DefaultQueue}, "w", time.Minute)
	require.NoError(t, err)

	retryAt := time.Now().Add(time.Minute)
	require.NoError(t, s.Fail(ctx, got.ID, "w", errors.New("boom"), retryAt))

	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateScheduled, got.State)
	require.Equal(t, 1, got.Attempts)

	promoted, err := s.PromoteDueScheduled(ctx, retryAt.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	got, err = s.Fetch(ctx, []string{jobstore.DefaultQueue}, "w2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, got.ID)

	// Exhaust retries: Fail with zero retryAt routes to the failed queue.
	require.NoError(t, s.Fail(ctx, got.ID, "w2", errors.New("boom again"), time.Time{}))
	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateFailed, got.State)
	require.Equal(t, jobstore.FailedQueue, got.Queue)
	require.Equal(t, 2, got.Attempts)
}

func TestTerminalFailCascadesToAwaitingChildren(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	batch1, err := jobstore.New(jobstore.DefaultQueue, "noop", 1)
	require.NoError(t, err)
	batch1ID, err := s.Enqueue(ctx, batch1)
	require.NoError(t, err)

	batch2, err := jobstore.New(jobstore.DefaultQueue, "noop", 2)
	require.NoError(t, err)
	batch2ID, err := s.Continue(ctx, batch1ID, batch2)
	require.NoError(t, err)

	batch3, err := jobstore.New(jobstore.DefaultQueue, "noop", 3)
	require.NoError(t, err)
	batch3ID, err := s.Continue(ctx, batch2ID, batch3)
	require.NoError(t, err)

	fetched, err := s.Fetch(ctx, []string{jobstore.DefaultQueue}, "w", time.Minute)
	require.NoError(t, err)
	require.Equal(t, batch1ID, fetched.ID)

	// Batch 1 fails terminally; batch 2 and batch 3, still awaiting their
	// parents, must both land in the failed queue rather than being
	// stranded in awaiting_continuation.
	require.NoError(t, s.Fail(ctx, batch1ID, "w", errors.New("destination rejected batch"), time.Time{}))

	b1, err := s.Get(ctx, batch1ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateFailed, b1.State)
	require.Equal(t, jobstore.FailedQueue, b1.Queue)

	b2, err := s.Get(ctx, batch2ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateFailed, b2.State)
	require.Equal(t, jobstore.FailedQueue, b2.Queue)

	b3, err := s.Get(ctx, batch3ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateFailed, b3.State)
	require.Equal(t, jobstore.FailedQueue, b3.Queue)

	_, err = s.Fetch(ctx, []string{jobstore.DefaultQueue}, "w2", time.Minute)
	require.ErrorIs(t, err, jobstore.ErrNoReadyJob)
}

func TestRequeueDoesNotIncrementAttempts(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	job, err := jobstore.New(jobstore.DefaultQueue, "noop", nil)
	require.NoError(t, err)
	id, err := s.Enqueue(ctx, job)
	require.NoError(t, err)

	got, err := s.Fetch(ctx, []string{jobstore.DefaultQueue}, "w", time.Minute)
	require.NoError(t, err)

	retryAt := time.Now().Add(10 * time.Second)
	require.NoError(t, s.Requeue(ctx, got.ID, "w", retryAt))

	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateScheduled, got.State)
	require.Equal(t, 0, got.Attempts)

	promoted, err := s.PromoteDueScheduled(ctx, retryAt.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateEnqueued, got.State)
	require.Equal(t, 0, got.Attempts)
}

func TestRequeueRejectsLeaseMismatch(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	job, err := jobstore.New(jobstore.DefaultQueue, "noop", nil)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, job)
	require.NoError(t, err)

	got, err := s.Fetch(ctx, []string{jobstore.DefaultQueue}, "w", time.Minute)
	require.NoError(t, err)

	err = s.Requeue(ctx, got.ID, "wrong-worker", time.Now().Add(time.Second))
	require.ErrorIs(t, err, jobstore.ErrLeaseMismatch)
}

func TestLeaseMismatchRejectsCompletion(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	job, err := jobstore.New(jobstore.DefaultQueue, "noop", nil)
	require.NoError(t, err)
	id, err := s.Enqueue(ctx, job)
	require.NoError(t, err)

	_, err = s.Fetch(ctx, []string{jobstore.DefaultQueue}, "owner-a", time.Minute)
	require.NoError(t, err)

	err = s.Complete(ctx, id, "owner-b")
	require.ErrorIs(t, err, jobstore.ErrLeaseMismatch)
}

func TestReapExpiredLeasesDoesNotIncrementAttempts(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	job, err := jobstore.New(jobstore.DefaultQueue, "noop", nil)
	require.NoError(t, err)
	id, err := s.Enqueue(ctx, job)
	require.NoError(t, err)

	_, err = s.Fetch(ctx, []string{jobstore.DefaultQueue}, "crashed-worker", time.Millisecond)
	require.NoError(t, err)

	reaped, err := s.ReapExpiredLeases(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateEnqueued, got.State)
	require.Equal(t, 0, got.Attempts)
}

func TestConcurrencyLock(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	ok, err := s.AcquireLock(ctx, "email-poll", "holder-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AcquireLock(ctx, "email-poll", "holder-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.ReleaseLock(ctx, "email-poll", "holder-1"))

	ok, err = s.AcquireLock(ctx, "email-poll", "holder-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRecurringScheduleDueAndAdvance(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	now := time.Now().UTC()
	require.NoError(t, s.UpsertSchedule(ctx, jobstore.RecurringSchedule{
		Name:       "email-processing",
		CronExpr:   "*/5 * * * *",
		HandlerRef: "emailpoll",
		NextFireAt: now.Add(-time.Second),
	}))

	due, err := s.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "email-processing", due[0].Name)

	// Stale CAS guard (not the observed NextFireAt) must be rejected.
	rejected, err := s.AdvanceSchedule(ctx, "email-processing", now, now.Add(5*time.Minute))
	require.NoError(t, err)
	require.False(t, rejected)

	advanced, err := s.AdvanceSchedule(ctx, "email-processing", due[0].NextFireAt, now.Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, advanced)

	due, err = s.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 0)
}

func TestPurgeRemovesOnlyTerminalJobsOlderThan(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	job, err := jobstore.New(jobstore.DefaultQueue, "noop", nil)
	require.NoError(t, err)
	id, err := s.Enqueue(ctx, job)
	require.NoError(t, err)
	got, err := s.Fetch(ctx, []string{jobstore.DefaultQueue}, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, got.ID, "w"))

	purged, err := s.Purge(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 0, purged)

	purged, err = s.Purge(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	_, err = s.Get(ctx, id)
	require.ErrorIs(t, err, jobstore.ErrNotFound)
}
