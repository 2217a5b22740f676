// Package appmetrics is the engine's C10 metrics surface: a singleton set
// of expvar counters plus the HTTP exposition the control plane mounts at
// /metrics, grounded on the teacher's internal/metrics.Metrics
// (expvar.Int/expvar.Map counters behind a GetMetrics() singleton, uptime
// published via expvar.Func) and metrics/server.go (health/ready endpoints
// beside the metrics handler).
package appmetrics

import (
	"expvar"
	"sync"
	"time"
)

// Metrics holds every counter the engine publishes under /metrics.
type Metrics struct {
	MessagesPolled   *expvar.Int
	AttachmentsFound *expvar.Int
	JobsEnqueued     *expvar.Int
	JobsSucceeded    *expvar.Int
	JobsFailed       *expvar.Int
	JobsRetried      *expvar.Int
	BatchesDispatched *expvar.Int
	RepliesSent      *expvar.Int
	RepliesFailed    *expvar.Int

	startTime time.Time
}

var (
	once     sync.Once
	instance *Metrics
)

// Get returns the process-wide Metrics singleton, publishing every counter
// under expvar's default registry on first call.
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			MessagesPolled:    expvar.NewInt("batchflow_messages_polled_total"),
			AttachmentsFound:  expvar.NewInt("batchflow_attachments_found_total"),
			JobsEnqueued:      expvar.NewInt("batchflow_jobs_enqueued_total"),
			JobsSucceeded:     expvar.NewInt("batchflow_jobs_succeeded_total"),
			JobsFailed:        expvar.NewInt("batchflow_jobs_failed_total"),
			JobsRetried:       expvar.NewInt("batchflow_jobs_retried_total"),
			BatchesDispatched: expvar.NewInt("batchflow_batches_dispatched_total"),
			RepliesSent:       expvar.NewInt("batchflow_replies_sent_total"),
			RepliesFailed:     expvar.NewInt("batchflow_replies_failed_total"),
			startTime:         time.Now(),
		}
		expvar.Publish("batchflow_uptime_seconds", expvar.Func(func() any {
			return int64(time.Since(instance.startTime).Seconds())
		}))
	})
	return instance
}

// Uptime reports how long this process has been running.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
