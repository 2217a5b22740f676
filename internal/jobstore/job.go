// Package jobstore defines the durable job queue contract shared by every
// backing driver (internal/jobstore/boltstore, internal/jobstore/redisstore).
//
// A Job record is mutated only by the worker holding its lease
// (owner_token match), and all state transitions described on State are
// enforced by the driver, not by callers.
package jobstore

import (
	"encoding/json"
	"time"
)

// State is one of the six states a Job record may occupy.
type State string

const (
	StateEnqueued             State = "enqueued"
	StateScheduled            State = "scheduled"
	StateProcessing           State = "processing"
	StateSucceeded            State = "succeeded"
	StateFailed               State = "failed"
	StateAwaitingContinuation State = "awaiting_continuation"
)

// FailedQueue is the lane terminal, exhausted-retry jobs are routed to.
const FailedQueue = "failed"

// DefaultQueue is the lane jobs land in when no queue is specified.
const DefaultQueue = "default"

// Job is the unit of work held in the Job Store, per SPEC_FULL.md section 3.
type Job struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	HandlerRef     string          `json:"handler_ref"`
	Args           json.RawMessage `json:"args"`
	State          State           `json:"state"`
	CreatedAt      time.Time       `json:"created_at"`
	EnqueuedAt     time.Time       `json:"enqueued_at,omitempty"`
	StartedAt      time.Time       `json:"started_at,omitempty"`
	FinishedAt     time.Time       `json:"finished_at,omitempty"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	RetryDelays    []time.Duration `json:"retry_delays,omitempty"`
	NextAttemptAt  time.Time       `json:"next_attempt_at,omitempty"`
	ParentID       string          `json:"parent_id,omitempty"`
	ConcurrencyKey string          `json:"concurrency_key,omitempty"`
	ConcurrencyTTL time.Duration   `json:"concurrency_ttl,omitempty"`
	OwnerToken     string          `json:"owner_token,omitempty"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

// DefaultRetryDelays is the Worker Runtime's default per-handler retry
// schedule: three bounded exponential-ish attempts, per SPEC_FULL.md 4.2.
var DefaultRetryDelays = []time.Duration{5 * time.Minute, 10 * time.Minute, 15 * time.Minute}

// RecurringSchedule is a cron-driven, long-lived spec that repeatedly
// enqueues a fresh job instance. Unique by Name.
type RecurringSchedule struct {
	Name        string          `json:"name"`
	CronExpr    string          `json:"cron_expr"`
	HandlerRef  string          `json:"handler_ref"`
	Args        json.RawMessage `json:"args,omitempty"`
	Queue       string          `json:"queue,omitempty"`
	LastFireAt  time.Time       `json:"last_fire_at,omitempty"`
	NextFireAt  time.Time       `json:"next_fire_at"`
}

// New builds a Job ready to be handed to a Store's Enqueue/Schedule/Continue.
func New(queue, handlerRef string, args any) (Job, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return Job{}, err
	}
	if queue == "" {
		queue = DefaultQueue
	}
	now := time.Now().UTC()
	return Job{
		ID:          "",
		Queue:       queue,
		HandlerRef:  handlerRef,
		Args:        payload,
		CreatedAt:   now,
		MaxAttempts: len(DefaultRetryDelays) + 1,
		RetryDelays: DefaultRetryDelays,
	}, nil
}
