// Package worker is the Worker Runtime (component C2): a pool of
// cooperative executors that drain ready jobs from a jobstore.Store,
// dispatch them to a registered Handler, and translate the outcome back
// into Complete/Fail calls.
//
// Grounded on the teacher's email.StartDispatcherWithContext worker pool
// (channel-fed workers, context-cancellable, sync.WaitGroup-joined),
// generalized from "send one email" to "run one job".
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/priceflow/batchflow/internal/appmetrics"
	"github.com/priceflow/batchflow/internal/jobstore"
	"github.com/priceflow/batchflow/internal/logx"
)

// Handler runs the side effects for one job's HandlerRef. A returned error
// wrapped with jobstore.Transient/Validation/Integration/Fatal controls
// retry routing; an unwrapped error defaults to retryable.
type Handler func(ctx context.Context, job jobstore.Job) error

// Registry maps a HandlerRef to the Handler that executes it.
type Registry map[string]Handler

// Config controls one Runtime's pool shape.
type Config struct {
	Queues      []string
	Concurrency int
	LeaseTTL    time.Duration
	PollDelay   time.Duration
	RetryDelays []time.Duration
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.PollDelay <= 0 {
		c.PollDelay = 250 * time.Millisecond
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = jobstore.DefaultRetryDelays
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if len(c.Queues) == 0 {
		c.Queues = []string{jobstore.DefaultQueue}
	}
	return c
}

// Runtime owns a pool of executors bound to one Store and Registry.
type Runtime struct {
	store    jobstore.Store
	registry Registry
	cfg      Config
	log      *logrus.Entry
}

// New builds a Runtime. The id later passed to Run is the worker-ID
// prefix used for owner tokens.
func New(store jobstore.Store, registry Registry, cfg Config) *Runtime {
	return &Runtime{
		store:    store,
		registry: registry,
		cfg:      cfg.withDefaults(),
		log:      logx.New("worker"),
	}
}

// Run starts Concurrency executors and blocks until ctx is cancelled, then
// waits up to ShutdownGrace for in-flight jobs to finish.
func (r *Runtime) Run(ctx context.Context, id string) {
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		workerID := id + "-" + itoa(i)
		go func() {
			defer wg.Done()
			r.loop(ctx, workerID)
		}()
	}

	<-ctx.Done()
	r.log.Info("runtime shutdown requested, waiting for in-flight jobs")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info("runtime shutdown completed")
	case <-time.After(r.cfg.ShutdownGrace):
		r.log.Warn("runtime shutdown grace period elapsed, executors may still be running")
	}
}

func (r *Runtime) loop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := r.store.Fetch(ctx, r.cfg.Queues, workerID, r.cfg.LeaseTTL)
		if err != nil {
			if errors.Is(err, jobstore.ErrNoReadyJob) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(r.cfg.PollDelay):
				}
				continue
			}
			r.log.WithError(err).Error("fetch failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.PollDelay):
			}
			continue
		}

		r.execute(ctx, workerID, job)
	}
}

// concurrencyRequeueDelay is the "small backoff" SPEC_FULL.md 4.2
// prescribes when a job's concurrency_key is already held by another
// job — short enough that the exclusion window doesn't visibly stall
// throughput, long enough not to busy-loop the lock.
const concurrencyRequeueDelay = 2 * time.Second

func (r *Runtime) execute(ctx context.Context, workerID string, job jobstore.Job) {
	entry := r.log.WithField("job_id", job.ID).WithField("handler_ref", job.HandlerRef)

	if job.ConcurrencyKey != "" {
		acquired, err := r.store.AcquireLock(ctx, job.ConcurrencyKey, job.ID, job.ConcurrencyTTL)
		if err != nil {
			entry.WithError(err).Error("acquire concurrency key failed")
			r.fail(ctx, workerID, job, jobstore.Transient(err))
			return
		}
		if !acquired {
			entry.Debug("concurrency key held by another job, requeuing")
			retryAt := time.Now().UTC().Add(concurrencyRequeueDelay)
			if err := r.store.Requeue(ctx, job.ID, workerID, retryAt); err != nil {
				entry.WithError(err).Error("requeue on busy concurrency key failed")
			}
			return
		}
		defer func() {
			if err := r.store.ReleaseLock(context.Background(), job.ConcurrencyKey, job.ID); err != nil {
				entry.WithError(err).Warn("release concurrency key failed")
			}
		}()
	}

	handler, ok := r.registry[job.HandlerRef]
	if !ok {
		err := errors.Errorf("no handler registered for %q", job.HandlerRef)
		entry.WithError(err).Error("unresolved handler")
		r.fail(ctx, workerID, job, err)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbStop := r.startHeartbeat(jobCtx, workerID, job.ID)
	defer close(hbStop)

	err := handler(jobCtx, job)
	if err != nil {
		entry.WithError(err).Warn("handler returned error")
		r.fail(ctx, workerID, job, err)
		return
	}

	if completeErr := r.store.Complete(ctx, job.ID, workerID); completeErr != nil {
		entry.WithError(completeErr).Error("complete failed")
		return
	}
	appmetrics.Get().JobsSucceeded.Add(1)
}

func (r *Runtime) fail(ctx context.Context, workerID string, job jobstore.Job, cause error) {
	var retryAt time.Time
	retryable := jobstore.KindOf(cause).Retryable()
	if retryable {
		attempt := job.Attempts // attempts is incremented by the store inside Fail
		if attempt < len(r.cfg.RetryDelays) {
			retryAt = time.Now().UTC().Add(r.cfg.RetryDelays[attempt])
		}
	}

	if err := r.store.Fail(ctx, job.ID, workerID, cause, retryAt); err != nil {
		r.log.WithError(err).WithField("job_id", job.ID).Error("fail transition failed")
		return
	}

	metrics := appmetrics.Get()
	if retryable && !retryAt.IsZero() {
		metrics.JobsRetried.Add(1)
	} else {
		metrics.JobsFailed.Add(1)
	}
}

// startHeartbeat runs a ticker at LeaseTTL/3 until the returned channel is
// closed or ctx is cancelled.
func (r *Runtime) startHeartbeat(ctx context.Context, workerID, jobID string) chan struct{} {
	stop := make(chan struct{})
	interval := r.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.store.Heartbeat(ctx, jobID, workerID, r.cfg.LeaseTTL); err != nil {
					r.log.WithError(err).WithField("job_id", jobID).Warn("heartbeat failed")
				}
			}
		}
	}()
	return stop
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
