// Package boltstore is the embedded, single-process jobstore.Store driver,
// adapted from the teacher's database/boltdb.go bucket layout and lock
// encoding (see DESIGN.md).
//
// Because bbolt serializes all writers through a single db.Update
// transaction, every cross-key transition the jobstore.Store contract
// requires (promoting Scheduled jobs, gating continuations on a parent's
// success, reverting lapsed leases) is trivially atomic here: it is just
// one Update callback touching several buckets.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/priceflow/batchflow/internal/ids"
	"github.com/priceflow/batchflow/internal/jobstore"
)

const (
	bucketJobs      = "jobs"
	bucketReady     = "ready"
	bucketLocks     = "locks"
	bucketSchedules = "schedules"
	bucketAwaiting  = "awaiting"
)

// Store is a bbolt-backed jobstore.Store. All bucket names are namespaced
// under prefix so multiple deployments (or test runs) can share one file
// without key collisions, per SPEC_FULL.md section 6.
type Store struct {
	db     *bbolt.DB
	prefix string
}

// Open opens (creating if absent) a BoltDB file at path and initializes the
// buckets used under the given deployment prefix.
func Open(path, prefix string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt db at %s", path)
	}
	s := &Store{db: db, prefix: prefix}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketJobs, bucketReady, bucketLocks, bucketSchedules, bucketAwaiting} {
			if _, err := tx.CreateBucketIfNotExists([]byte(s.bucket(name))); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "initialize bolt buckets")
	}
	return s, nil
}

func (s *Store) bucket(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *Store) Close() error { return s.db.Close() }

func putJob(tx *bbolt.Tx, bucket string, job jobstore.Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	return errors.Wrap(tx.Bucket([]byte(bucket)).Put([]byte(job.ID), encoded), "put job")
}

func getJob(tx *bbolt.Tx, bucket, id string) (jobstore.Job, error) {
	var job jobstore.Job
	val := tx.Bucket([]byte(bucket)).Get([]byte(id))
	if val == nil {
		return job, jobstore.ErrNotFound
	}
	if err := json.Unmarshal(val, &job); err != nil {
		return job, errors.Wrap(err, "unmarshal job")
	}
	return job, nil
}

func readyKey(queue string, seq uint64) []byte {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return append([]byte(queue+"\x00"), seqBytes[:]...)
}

func (s *Store) markReady(tx *bbolt.Tx, job *jobstore.Job) error {
	b := tx.Bucket([]byte(s.bucket(bucketReady)))
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	return b.Put(readyKey(job.Queue, seq), []byte(job.ID))
}

func (s *Store) Enqueue(_ context.Context, job jobstore.Job) (string, error) {
	if job.ID == "" {
		job.ID = ids.New()
	}
	job.State = jobstore.StateEnqueued
	now := time.Now().UTC()
	job.EnqueuedAt = now
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := putJob(tx, s.bucket(bucketJobs), job); err != nil {
			return err
		}
		return s.markReady(tx, &job)
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (s *Store) Schedule(_ context.Context, job jobstore.Job, at time.Time) (string, error) {
	if job.ID == "" {
		job.ID = ids.New()
	}
	job.State = jobstore.StateScheduled
	job.NextAttemptAt = at
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return putJob(tx, s.bucket(bucketJobs), job)
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (s *Store) Continue(_ context.Context, parentID string, job jobstore.Job) (string, error) {
	if job.ID == "" {
		job.ID = ids.New()
	}
	job.ParentID = parentID
	job.State = jobstore.StateAwaitingContinuation
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		parent, err := getJob(tx, s.bucket(bucketJobs), parentID)
		if err != nil {
			return err
		}
		if parent.State == jobstore.StateSucceeded {
			job.State = jobstore.StateEnqueued
			job.EnqueuedAt = time.Now().UTC()
			if err := putJob(tx, s.bucket(bucketJobs), job); err != nil {
				return err
			}
			return s.markReady(tx, &job)
		}
		if err := putJob(tx, s.bucket(bucketJobs), job); err != nil {
			return err
		}
		key := []byte(parentID + "\x00" + job.ID)
		return tx.Bucket([]byte(s.bucket(bucketAwaiting))).Put(key, []byte(job.ID))
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (s *Store) Fetch(_ context.Context, queues []string, workerID string, leaseTTL time.Duration) (jobstore.Job, error) {
	var found jobstore.Job
	err := s.db.Update(func(tx *bbolt.Tx) error {
		ready := tx.Bucket([]byte(s.bucket(bucketReady)))
		jobs := tx.Bucket([]byte(s.bucket(bucketJobs)))
		for _, q := range queues {
			prefix := []byte(q + "\x00")
			c := ready.Cursor()
			for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
				id := string(v)
				job, err := getJob(tx, s.bucket(bucketJobs), id)
				if err != nil {
					// Stale ready pointer (job purged); drop it and keep scanning.
					if delErr := ready.Delete(k); delErr != nil {
						return delErr
					}
					continue
				}
				if job.State != jobstore.StateEnqueued {
					if delErr := ready.Delete(k); delErr != nil {
						return delErr
					}
					continue
				}
				now := time.Now().UTC()
				job.State = jobstore.StateProcessing
				job.StartedAt = now
				job.OwnerToken = workerID
				job.LeaseExpiresAt = now.Add(leaseTTL)
				if err := jobs.Put([]byte(job.ID), mustMarshal(job)); err != nil {
					return err
				}
				if err := ready.Delete(k); err != nil {
					return err
				}
				found = job
				return nil
			}
		}
		return jobstore.ErrNoReadyJob
	})
	if err != nil {
		return jobstore.Job{}, err
	}
	return found, nil
}

func mustMarshal(job jobstore.Job) []byte {
	b, _ := json.Marshal(job)
	return b
}

func (s *Store) Complete(_ context.Context, id, workerID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket([]byte(s.bucket(bucketJobs)))
		job, err := getJob(tx, s.bucket(bucketJobs), id)
		if err != nil {
			return err
		}
		if job.OwnerToken != workerID {
			return jobstore.ErrLeaseMismatch
		}
		job.State = jobstore.StateSucceeded
		job.FinishedAt = time.Now().UTC()
		job.OwnerToken = ""
		if err := jobs.Put([]byte(job.ID), mustMarshal(job)); err != nil {
			return err
		}

		// Promote any children awaiting this job's success.
		awaiting := tx.Bucket([]byte(s.bucket(bucketAwaiting)))
		prefix := []byte(id + "\x00")
		c := awaiting.Cursor()
		var toDelete [][]byte
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			childID := string(v)
			child, err := getJob(tx, s.bucket(bucketJobs), childID)
			if err != nil {
				toDelete = append(toDelete, append([]byte{}, k...))
				continue
			}
			child.State = jobstore.StateEnqueued
			child.EnqueuedAt = time.Now().UTC()
			if err := jobs.Put([]byte(child.ID), mustMarshal(child)); err != nil {
				return err
			}
			if err := s.markReady(tx, &child); err != nil {
				return err
			}
			toDelete = append(toDelete, append([]byte{}, k...))
		}
		for _, k := range toDelete {
			if err := awaiting.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Fail(_ context.Context, id, workerID string, cause error, retryAt time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket([]byte(s.bucket(bucketJobs)))
		job, err := getJob(tx, s.bucket(bucketJobs), id)
		if err != nil {
			return err
		}
		if job.OwnerToken != workerID {
			return jobstore.ErrLeaseMismatch
		}
		job.Attempts++
		if cause != nil {
			job.LastError = cause.Error()
		}
		job.OwnerToken = ""
		if !retryAt.IsZero() {
			job.State = jobstore.StateScheduled
			job.NextAttemptAt = retryAt
			return jobs.Put([]byte(job.ID), mustMarshal(job))
		}
		job.State = jobstore.StateFailed
		job.Queue = jobstore.FailedQueue
		job.FinishedAt = time.Now().UTC()
		if err := jobs.Put([]byte(job.ID), mustMarshal(job)); err != nil {
			return err
		}
		return s.cascadeFailChildren(tx, job.ID, job.FinishedAt)
	})
}

// cascadeFailChildren routes every job awaiting id's success, and
// transitively every job awaiting one of those, straight to the failed
// queue: a terminally failed parent's continuation chain can never fire,
// so leaving them in awaiting_continuation would strand them forever.
func (s *Store) cascadeFailChildren(tx *bbolt.Tx, id string, finishedAt time.Time) error {
	jobs := tx.Bucket([]byte(s.bucket(bucketJobs)))
	awaiting := tx.Bucket([]byte(s.bucket(bucketAwaiting)))
	prefix := []byte(id + "\x00")
	c := awaiting.Cursor()
	var toDelete [][]byte
	var childIDs []string
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		childID := string(v)
		child, err := getJob(tx, s.bucket(bucketJobs), childID)
		if err == nil {
			child.State = jobstore.StateFailed
			child.Queue = jobstore.FailedQueue
			child.LastError = "parent job failed terminally"
			child.FinishedAt = finishedAt
			if err := jobs.Put([]byte(child.ID), mustMarshal(child)); err != nil {
				return err
			}
			childIDs = append(childIDs, child.ID)
		}
		toDelete = append(toDelete, append([]byte{}, k...))
	}
	for _, k := range toDelete {
		if err := awaiting.Delete(k); err != nil {
			return err
		}
	}
	for _, childID := range childIDs {
		if err := s.cascadeFailChildren(tx, childID, finishedAt); err != nil {
			return err
		}
	}
	return nil
}

// Requeue reverts id to Scheduled at retryAt without touching Attempts,
// for the "concurrency key already held" path, which must not burn a
// retry attempt.
func (s *Store) Requeue(_ context.Context, id, workerID string, retryAt time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket([]byte(s.bucket(bucketJobs)))
		job, err := getJob(tx, s.bucket(bucketJobs), id)
		if err != nil {
			return err
		}
		if job.OwnerToken != workerID {
			return jobstore.ErrLeaseMismatch
		}
		job.OwnerToken = ""
		job.State = jobstore.StateScheduled
		job.NextAttemptAt = retryAt
		return jobs.Put([]byte(job.ID), mustMarshal(job))
	})
}

func (s *Store) Heartbeat(_ context.Context, id, workerID string, leaseTTL time.Duration) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket([]byte(s.bucket(bucketJobs)))
		job, err := getJob(tx, s.bucket(bucketJobs), id)
		if err != nil {
			return err
		}
		if job.OwnerToken != workerID {
			return jobstore.ErrLeaseMismatch
		}
		job.LeaseExpiresAt = time.Now().UTC().Add(leaseTTL)
		return jobs.Put([]byte(job.ID), mustMarshal(job))
	})
}

func (s *Store) Get(_ context.Context, id string) (jobstore.Job, error) {
	var job jobstore.Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		job, err = getJob(tx, s.bucket(bucketJobs), id)
		return err
	})
	return job, err
}

func lockValue(holder string, expiresAt time.Time) []byte {
	return []byte(holder + "\x00" + strconv.FormatInt(expiresAt.UnixNano(), 10))
}

func parseLock(v []byte) (holder string, expiresAt time.Time, err error) {
	parts := strings.SplitN(string(v), "\x00", 2)
	if len(parts) != 2 {
		return "", time.Time{}, fmt.Errorf("malformed lock value")
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, err
	}
	return parts[0], time.Unix(0, nanos), nil
}

func (s *Store) AcquireLock(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(s.bucket(bucketLocks)))
		now := time.Now().UTC()
		cur := b.Get([]byte(key))
		if cur != nil {
			curHolder, expiresAt, err := parseLock(cur)
			if err == nil && curHolder != holder && now.Before(expiresAt) {
				acquired = false
				return nil
			}
		}
		acquired = true
		return b.Put([]byte(key), lockValue(holder, now.Add(ttl)))
	})
	return acquired, err
}

func (s *Store) ReleaseLock(_ context.Context, key, holder string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(s.bucket(bucketLocks)))
		cur := b.Get([]byte(key))
		if cur == nil {
			return nil
		}
		curHolder, _, err := parseLock(cur)
		if err != nil || curHolder == holder {
			return b.Delete([]byte(key))
		}
		return nil
	})
}

func (s *Store) UpsertSchedule(_ context.Context, sched jobstore.RecurringSchedule) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(s.bucket(bucketSchedules)))
		encoded, err := json.Marshal(sched)
		if err != nil {
			return err
		}
		return b.Put([]byte(sched.Name), encoded)
	})
}

func (s *Store) DueSchedules(_ context.Context, now time.Time) ([]jobstore.RecurringSchedule, error) {
	var due []jobstore.RecurringSchedule
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(s.bucket(bucketSchedules)))
		return b.ForEach(func(k, v []byte) error {
			var sched jobstore.RecurringSchedule
			if err := json.Unmarshal(v, &sched); err != nil {
				return err
			}
			if !sched.NextFireAt.After(now) {
				due = append(due, sched)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })
	return due, nil
}

func (s *Store) AdvanceSchedule(_ context.Context, name string, firedAt, nextFireAt time.Time) (bool, error) {
	var advanced bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(s.bucket(bucketSchedules)))
		v := b.Get([]byte(name))
		if v == nil {
			return jobstore.ErrNotFound
		}
		var sched jobstore.RecurringSchedule
		if err := json.Unmarshal(v, &sched); err != nil {
			return err
		}
		if !sched.NextFireAt.Equal(firedAt) {
			// Another caller already advanced this schedule past the fire
			// time we observed; compare-and-set fails, no duplicate fire.
			advanced = false
			return nil
		}
		sched.LastFireAt = firedAt
		sched.NextFireAt = nextFireAt
		encoded, err := json.Marshal(sched)
		if err != nil {
			return err
		}
		advanced = true
		return b.Put([]byte(name), encoded)
	})
	return advanced, err
}

func (s *Store) PromoteDueScheduled(_ context.Context, now time.Time) (int, error) {
	promoted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket([]byte(s.bucket(bucketJobs)))
		c := jobs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job jobstore.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.State != jobstore.StateScheduled || job.NextAttemptAt.After(now) {
				continue
			}
			job.State = jobstore.StateEnqueued
			job.EnqueuedAt = now
			if err := jobs.Put(k, mustMarshal(job)); err != nil {
				return err
			}
			if err := s.markReady(tx, &job); err != nil {
				return err
			}
			promoted++
		}
		return nil
	})
	return promoted, err
}

func (s *Store) ReapExpiredLeases(_ context.Context, now time.Time) (int, error) {
	reaped := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket([]byte(s.bucket(bucketJobs)))
		c := jobs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job jobstore.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.State != jobstore.StateProcessing || job.LeaseExpiresAt.IsZero() || job.LeaseExpiresAt.After(now) {
				continue
			}
			job.State = jobstore.StateEnqueued
			job.OwnerToken = ""
			job.EnqueuedAt = now
			if err := jobs.Put(k, mustMarshal(job)); err != nil {
				return err
			}
			if err := s.markReady(tx, &job); err != nil {
				return err
			}
			reaped++
		}
		return nil
	})
	return reaped, err
}

func (s *Store) Purge(_ context.Context, olderThan time.Time) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket([]byte(s.bucket(bucketJobs)))
		c := jobs.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job jobstore.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			terminal := job.State == jobstore.StateSucceeded || job.State == jobstore.StateFailed
			if terminal && !job.FinishedAt.IsZero() && job.FinishedAt.Before(olderThan) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}
		for _, k := range toDelete {
			if err := jobs.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}
