// Package jobqueue implements the durable, single-node background job
// system: priority ordering, exponential backoff with a cap, crash
// recovery, and a bounded-concurrency claim loop.
//
// The claim loop's ticker/mutex-guarded-queue shape is grounded in the
// batched-flush reporter pattern; the backoff arithmetic is grounded
// in the exponential-backoff-with-jitter retry helper, generalized
// from "blocking in-process retry of one callback" to "persisted
// per-job next_retry_at with an independent timer per pending job."
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agent-console/server/internal/apperr"
	"github.com/agent-console/server/internal/store"
)

// Handler processes one job's payload. Job handlers never propagate
// errors to an API caller; a returned error is captured on the job row
// and drives retry/stall.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Config controls scheduling and backoff.
type Config struct {
	Concurrency        int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	PollInterval       time.Duration
	DefaultMaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 1 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 5
	}
	return c
}

// Backoff computes min(BASE*2^(n-1), CAP) for the n-th attempt.
func Backoff(cfg Config, attempts int) time.Duration {
	cfg = cfg.withDefaults()
	if attempts <= 0 {
		attempts = 1
	}
	d := cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= cfg.BackoffCap {
			return cfg.BackoffCap
		}
	}
	if d > cfg.BackoffCap {
		return cfg.BackoffCap
	}
	return d
}

// EnqueueOptions customizes a single enqueue call.
type EnqueueOptions struct {
	Priority    int
	MaxAttempts int
	JobID       string
}

// Queue owns the handler registry and the claim loop.
type Queue struct {
	store *store.Store
	cfg   Config

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	onJobUpdated func(store.Job)

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	sem  chan struct{}

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	// limiter caps how often dispatchClaimable actually runs a claim
	// round, independent of how fast wake() fires — an Enqueue burst or
	// a retry-timer storm must not turn into a claim-query storm.
	limiter *rate.Limiter

	started bool
}

// New creates a Queue backed by s.
func New(s *store.Store, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		store:    s,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		sem:      make(chan struct{}, cfg.Concurrency),
		timers:   make(map[string]*time.Timer),
		limiter:  rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
	}
}

// OnJobUpdated registers a callback invoked after every job status
// change, for Event Hub wiring (`job-updated`).
func (q *Queue) OnJobUpdated(fn func(store.Job)) {
	q.onJobUpdated = fn
}

// RegisterHandler associates a job type with its processing function.
func (q *Queue) RegisterHandler(jobType string, h Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[jobType] = h
}

// Enqueue inserts a new pending job row and wakes the claim loop.
func (q *Queue) Enqueue(jobType string, payload interface{}, opts EnqueueOptions) (store.Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return store.Job{}, apperr.Wrap(apperr.Validation, "marshal job payload", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	job, err := q.store.EnqueueJob(store.Job{
		ID:          id,
		Type:        jobType,
		Payload:     string(body),
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		NextRetryAt: time.Now().UTC().UnixMilli(),
	})
	if err != nil {
		return store.Job{}, err
	}

	q.notifyUpdated(job)
	q.signalWake()
	return job, nil
}

// Start recovers in-flight jobs from a prior crash, schedules timers
// for pending jobs whose retry is still in the future, and begins the
// claiming loop.
func (q *Queue) Start() error {
	now := time.Now().UTC().UnixMilli()
	if _, err := q.store.RecoverInFlightJobs(now); err != nil {
		return err
	}

	pending, err := q.store.GetJobs(store.JobFilter{Status: string(store.JobPending), Limit: 10000})
	if err != nil {
		return err
	}
	for _, j := range pending {
		if j.NextRetryAt > now {
			q.scheduleWakeAt(j.ID, time.UnixMilli(j.NextRetryAt))
		}
	}

	q.started = true
	go q.loop()
	return nil
}

// Stop cancels all retry timers and stops the claim loop. In-flight
// handler goroutines are not cancelled.
func (q *Queue) Stop() {
	if !q.started {
		return
	}
	close(q.stop)
	<-q.done

	q.timersMu.Lock()
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.timersMu.Unlock()
}

func (q *Queue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) scheduleWakeAt(jobID string, at time.Time) {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	q.timersMu.Lock()
	defer q.timersMu.Unlock()
	if existing, ok := q.timers[jobID]; ok {
		existing.Stop()
	}
	q.timers[jobID] = time.AfterFunc(d, func() {
		q.timersMu.Lock()
		delete(q.timers, jobID)
		q.timersMu.Unlock()
		q.signalWake()
	})
}

func (q *Queue) cancelTimer(jobID string) {
	q.timersMu.Lock()
	defer q.timersMu.Unlock()
	if t, ok := q.timers[jobID]; ok {
		t.Stop()
		delete(q.timers, jobID)
	}
}

func (q *Queue) loop() {
	defer close(q.done)
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.dispatchClaimable()
		case <-q.wake:
			q.dispatchClaimable()
		}
	}
}

// dispatchClaimable claims as many jobs as there are free concurrency
// slots and runs each in its own goroutine. The limiter bounds how
// often a round runs so a burst of wake() signals (e.g. many Enqueue
// calls, or many retry timers firing together) collapses into at most
// one round per PollInterval; a round issues at most one claim query
// per free slot.
func (q *Queue) dispatchClaimable() {
	if !q.limiter.Allow() {
		return
	}
	for {
		select {
		case q.sem <- struct{}{}:
		default:
			return
		}

		job, ok, err := q.store.ClaimJob(time.Now().UTC().UnixMilli())
		if err != nil {
			slog.Error("jobqueue: claim failed", "error", err)
			<-q.sem
			return
		}
		if !ok {
			<-q.sem
			return
		}

		q.notifyUpdated(job)
		go q.runJob(job)
	}
}

func (q *Queue) runJob(job store.Job) {
	defer func() { <-q.sem }()

	q.handlersMu.RLock()
	handler, ok := q.handlers[job.Type]
	q.handlersMu.RUnlock()

	if !ok {
		q.fail(job, fmt.Errorf("no handler registered for job type %q", job.Type))
		return
	}

	err := q.invoke(handler, job)
	if err == nil {
		if cerr := q.store.CompleteJob(job.ID); cerr != nil {
			slog.Error("jobqueue: mark completed failed", "job", job.ID, "error", cerr)
			return
		}
		completed, _ := q.store.GetJob(job.ID)
		q.notifyUpdated(completed)
		return
	}
	q.fail(job, err)
}

// invoke recovers from a handler panic so a non-error throw still
// surfaces as a string-captured failure rather than crashing the
// claim loop.
func (q *Queue) invoke(h Handler, job store.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(context.Background(), json.RawMessage(job.Payload))
}

func (q *Queue) fail(job store.Job, handlerErr error) {
	attempts := job.Attempts + 1
	msg := handlerErr.Error()

	if attempts >= job.MaxAttempts {
		if err := q.store.StallJob(job.ID, attempts, msg); err != nil {
			slog.Error("jobqueue: stall failed", "job", job.ID, "error", err)
			return
		}
	} else {
		nextRetry := time.Now().UTC().Add(Backoff(q.cfg, attempts))
		if err := q.store.ScheduleRetry(job.ID, attempts, nextRetry.UnixMilli(), msg); err != nil {
			slog.Error("jobqueue: schedule retry failed", "job", job.ID, "error", err)
			return
		}
		q.scheduleWakeAt(job.ID, nextRetry)
	}

	updated, err := q.store.GetJob(job.ID)
	if err != nil {
		slog.Error("jobqueue: reload failed job", "job", job.ID, "error", err)
		return
	}
	q.notifyUpdated(updated)
}

func (q *Queue) notifyUpdated(j store.Job) {
	if q.onJobUpdated != nil {
		q.onJobUpdated(j)
	}
}

// GetJobs, GetJob, CountJobs, GetStats, RetryJob, and CancelJob are
// thin passthroughs to the Store's management queries; RetryJob and
// CancelJob additionally clear any scheduled retry timer.

func (q *Queue) GetJobs(f store.JobFilter) ([]store.Job, error) { return q.store.GetJobs(f) }
func (q *Queue) GetJob(id string) (store.Job, error)            { return q.store.GetJob(id) }
func (q *Queue) CountJobs() (int, error)                        { return q.store.CountJobs() }
func (q *Queue) GetStats() (map[string]int, error)              { return q.store.GetJobStats() }

func (q *Queue) RetryJob(id string) (store.Job, error) {
	job, err := q.store.RetryJob(id)
	if err != nil {
		return store.Job{}, err
	}
	q.cancelTimer(id)
	q.notifyUpdated(job)
	q.signalWake()
	return job, nil
}

func (q *Queue) CancelJob(id string) error {
	if err := q.store.CancelJob(id); err != nil {
		return err
	}
	q.cancelTimer(id)
	return nil
}
