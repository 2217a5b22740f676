package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/priceflow/batchflow/internal/jobstore"
	"github.com/priceflow/batchflow/internal/jobstore/boltstore"
)

func openStore(t *testing.T) *boltstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := boltstore.Open(path, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRegisterComputesNextFireAtFromCron(t *testing.T) {
	store := openStore(t)
	s := New(store, Config{})

	before := time.Now().UTC()
	err := s.Register(context.Background(), jobstore.RecurringSchedule{
		Name:       "email-processing",
		CronExpr:   "*/5 * * * *",
		HandlerRef: "emailpoll",
	})
	require.NoError(t, err)

	due, err := store.DueSchedules(context.Background(), before.Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.True(t, due[0].NextFireAt.After(before))
}

func TestTickFiresDueScheduleAndAdvances(t *testing.T) {
	store := openStore(t)
	s := New(store, Config{Tick: 10 * time.Millisecond})

	now := time.Now().UTC()
	require.NoError(t, store.UpsertSchedule(context.Background(), jobstore.RecurringSchedule{
		Name:       "email-processing",
		CronExpr:   "*/5 * * * * *",
		HandlerRef: "emailpoll",
		Queue:      jobstore.DefaultQueue,
		NextFireAt: now.Add(-time.Second),
	}))

	s.tick(context.Background(), "instance-a")

	job, err := store.Fetch(context.Background(), []string{jobstore.DefaultQueue}, "w", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "emailpoll", job.HandlerRef)

	due, err := store.DueSchedules(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, due, 0)
}

func TestTickPromotesDueScheduledRetries(t *testing.T) {
	store := openStore(t)
	s := New(store, Config{Tick: 10 * time.Millisecond})

	job, err := jobstore.New(jobstore.DefaultQueue, "noop", nil)
	require.NoError(t, err)
	id, err := store.Schedule(context.Background(), job, time.Now().Add(-time.Second))
	require.NoError(t, err)

	s.tick(context.Background(), "instance-a")

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateEnqueued, got.State)
}

func TestTickReapsExpiredLeases(t *testing.T) {
	store := openStore(t)
	s := New(store, Config{Tick: 10 * time.Millisecond})

	job, err := jobstore.New(jobstore.DefaultQueue, "noop", nil)
	require.NoError(t, err)
	id, err := store.Enqueue(context.Background(), job)
	require.NoError(t, err)

	_, err = store.Fetch(context.Background(), []string{jobstore.DefaultQueue}, "crashed", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	s.tick(context.Background(), "instance-a")

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateEnqueued, got.State)
}

func TestTickIsNoOpWhenLockHeldByAnotherInstance(t *testing.T) {
	store := openStore(t)
	s := New(store, Config{Tick: 10 * time.Millisecond, LockTTL: time.Minute})

	ok, err := store.AcquireLock(context.Background(), lockKey, "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.UpsertSchedule(context.Background(), jobstore.RecurringSchedule{
		Name:       "email-processing",
		CronExpr:   "* * * * * *",
		HandlerRef: "emailpoll",
		NextFireAt: time.Now().Add(-time.Second),
	}))

	s.tick(context.Background(), "instance-a")

	_, err = store.Fetch(context.Background(), []string{jobstore.DefaultQueue}, "w", time.Minute)
	require.ErrorIs(t, err, jobstore.ErrNoReadyJob)
}
