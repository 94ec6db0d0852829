// Package queue is a durable, retrying job queue on top of the background_jobs table. Producers
// enqueue through a Queue; a Worker per queue claims due jobs and runs the registered handlers.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/arelbir/quado-lite-sub003/internal/config"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/core"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

var (
	ErrQueueClosed     = errors.New("queue is closed")
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotRemovable = errors.New("job is no longer waiting or delayed")
	ErrJobNotFailed    = errors.New("job is not in the failed state")
	ErrNoHandler       = errors.New("no handler registered for job")
)

// Store is the persistence the queue needs, matching repository.BackgroundJobRepository.
type Store interface {
	Insert(ctx context.Context, job *domain.BackgroundJob) (bool, error)
	FindByID(ctx context.Context, id int64) (*domain.BackgroundJob, error)
	FindDue(ctx context.Context, queue string, now time.Time, limit int) ([]domain.BackgroundJob, error)
	Claim(ctx context.Context, id int64, attempts int, executorID int64, now time.Time) (bool, error)
	Complete(ctx context.Context, id int64, now time.Time) error
	Fail(ctx context.Context, id int64, state string, lastError string, next time.Time, now time.Time) error
	Remove(ctx context.Context, id int64) (bool, error)
	Retry(ctx context.Context, id int64, now time.Time) (bool, error)
	CountByState(ctx context.Context, queue string) (map[string]int, error)
	Prune(ctx context.Context, queue, state string, olderThan time.Time, keep int) (int64, error)
	FindStalled(ctx context.Context, queue string, heartbeatCutoff time.Time, limit int) ([]domain.BackgroundJob, error)
	Requeue(ctx context.Context, id int64, attempts int, now time.Time) (bool, error)
}

// Options are the defaults applied to every job of a queue plus its retention policy.
type Options struct {
	Attempts             int
	Backoff              Backoff
	RetainCompleted      time.Duration
	RetainCompletedCount int
	RetainFailed         time.Duration
	RetainFailedCount    int
	StalledAfter         time.Duration
}

// DefaultOptions reads the queue defaults from the QFLOW_QUEUE_* settings.
func DefaultOptions() Options {
	return Options{
		Attempts:             config.GetSystemSettingInteger(config.QUEUE_ATTEMPTS),
		Backoff:              ExponentialBackoff(config.GetSystemSettingDuration(config.QUEUE_BACKOFF_DELAY)),
		RetainCompleted:      config.GetSystemSettingDuration(config.QUEUE_RETAIN_COMPLETED),
		RetainCompletedCount: config.GetSystemSettingInteger(config.QUEUE_RETAIN_COMPLETED_COUNT),
		RetainFailed:         config.GetSystemSettingDuration(config.QUEUE_RETAIN_FAILED),
		RetainFailedCount:    config.GetSystemSettingInteger(config.QUEUE_RETAIN_FAILED_COUNT),
		StalledAfter:         config.GetSystemSettingDuration(config.QUEUE_STALLED_AFTER),
	}
}

// Status holds the number of jobs of a queue in every state.
type Status struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

type Queue struct {
	name   string
	store  Store
	clock  core.Clock
	opts   Options
	closed atomic.Bool
	wakeup chan struct{}
}

func New(name string, store Store, clock core.Clock, opts Options) *Queue {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Backoff.Type == "" {
		opts.Backoff.Type = BackoffExponential
	}
	return &Queue{
		name:   name,
		store:  store,
		clock:  clock,
		opts:   opts,
		wakeup: make(chan struct{}, 1),
	}
}

func (q *Queue) Name() string { return q.name }

type enqueueConfig struct {
	delay          time.Duration
	priority       int
	idempotencyKey string
	attempts       int
	backoff        *Backoff
}

type EnqueueOption func(*enqueueConfig)

// WithDelay schedules the job d from now instead of immediately.
func WithDelay(d time.Duration) EnqueueOption {
	return func(c *enqueueConfig) { c.delay = d }
}

// WithPriority makes higher values run before lower ones when several jobs are due.
func WithPriority(p int) EnqueueOption {
	return func(c *enqueueConfig) { c.priority = p }
}

// WithIdempotencyKey turns a second enqueue with the same key on the same queue into a no-op.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(c *enqueueConfig) { c.idempotencyKey = key }
}

func WithAttempts(n int) EnqueueOption {
	return func(c *enqueueConfig) { c.attempts = n }
}

func WithBackoff(b Backoff) EnqueueOption {
	return func(c *enqueueConfig) { c.backoff = &b }
}

// Enqueue stores a new job with the JSON encoded payload. When the idempotency key is already
// known the existing job is returned and nothing is stored.
func (q *Queue) Enqueue(ctx context.Context, jobName string, payload any, opts ...EnqueueOption) (*domain.BackgroundJob, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	cfg := enqueueConfig{attempts: q.opts.Attempts}
	for _, o := range opts {
		o(&cfg)
	}
	backoff := q.opts.Backoff
	if cfg.backoff != nil {
		backoff = *cfg.backoff
	}
	if cfg.attempts <= 0 {
		cfg.attempts = 1
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload of %s job: %w", jobName, err)
	}

	now := q.clock.Now()
	state := domain.JobStateWaiting
	if cfg.delay > 0 {
		state = domain.JobStateDelayed
	}
	job := &domain.BackgroundJob{
		QueueName:      q.name,
		JobName:        jobName,
		Payload:        string(raw),
		Priority:       cfg.priority,
		MaxAttempts:    cfg.attempts,
		BackoffType:    backoff.Type,
		BackoffDelayMs: backoff.Delay.Milliseconds(),
		State:          state,
		ScheduledAt:    now.Add(cfg.delay),
		Created:        now,
		Modified:       now,
	}
	if cfg.idempotencyKey != "" {
		job.IdempotencyKey = sql.NullString{String: cfg.idempotencyKey, Valid: true}
	}

	inserted, err := q.store.Insert(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s job on %s: %w", jobName, q.name, err)
	}
	if !inserted {
		slog.InfoContext(ctx, "Job already enqueued, skipping", "queue", q.name, "job_name", jobName, "job_id", job.ID, "idempotency_key", cfg.idempotencyKey)
		return job, nil
	}
	slog.DebugContext(ctx, "Job enqueued", "queue", q.name, "job_name", jobName, "job_id", job.ID, "scheduled_at", job.ScheduledAt)
	if cfg.delay <= 0 {
		q.Wakeup()
	}
	return job, nil
}

// GetJob returns ErrJobNotFound for an unknown id.
func (q *Queue) GetJob(ctx context.Context, id int64) (*domain.BackgroundJob, error) {
	job, err := q.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil || job.QueueName != q.name {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Remove deletes a job before a worker picks it up. Active and finished jobs are left alone.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	if _, err := q.GetJob(ctx, id); err != nil {
		return err
	}
	ok, err := q.store.Remove(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobNotRemovable
	}
	return nil
}

// Retry gives a failed job its attempts back.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	if _, err := q.GetJob(ctx, id); err != nil {
		return err
	}
	ok, err := q.store.Retry(ctx, id, q.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobNotFailed
	}
	q.Wakeup()
	return nil
}

func (q *Queue) GetQueueStatus(ctx context.Context) (Status, error) {
	counts, err := q.store.CountByState(ctx, q.name)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Waiting:   counts[domain.JobStateWaiting],
		Active:    counts[domain.JobStateActive],
		Completed: counts[domain.JobStateCompleted],
		Failed:    counts[domain.JobStateFailed],
		Delayed:   counts[domain.JobStateDelayed],
	}, nil
}

// Prune applies the retention policy to completed and failed jobs and returns how many were removed.
func (q *Queue) Prune(ctx context.Context) (int64, error) {
	now := q.clock.Now()
	completed, err := q.store.Prune(ctx, q.name, domain.JobStateCompleted, now.Add(-q.opts.RetainCompleted), q.opts.RetainCompletedCount)
	if err != nil {
		return completed, fmt.Errorf("prune completed jobs of %s: %w", q.name, err)
	}
	failed, err := q.store.Prune(ctx, q.name, domain.JobStateFailed, now.Add(-q.opts.RetainFailed), q.opts.RetainFailedCount)
	if err != nil {
		return completed + failed, fmt.Errorf("prune failed jobs of %s: %w", q.name, err)
	}
	if completed+failed > 0 {
		slog.InfoContext(ctx, "Pruned jobs", "queue", q.name, "completed", completed, "failed", failed)
	}
	return completed + failed, nil
}

// RepairStalled finds active jobs whose executor stopped sending heartbeats and schedules them
// again. A repaired job keeps its attempt count.
func (q *Queue) RepairStalled(ctx context.Context) (int, error) {
	now := q.clock.Now()
	stalled, err := q.store.FindStalled(ctx, q.name, now.Add(-q.opts.StalledAfter), 100)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, job := range stalled {
		slog.WarnContext(ctx, "Repairing stalled job", "queue", q.name, "job_id", job.ID, "job_name", job.JobName,
			"previous_executor", job.ExecutorID.Int64, "attempts", job.Attempts)
		ok, err := q.store.Requeue(ctx, job.ID, job.Attempts, now)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to requeue stalled job", "job_id", job.ID, "error", err)
			continue
		}
		if ok {
			repaired++
		}
	}
	if repaired > 0 {
		q.Wakeup()
	}
	return repaired, nil
}

// Close stops accepting new jobs. Jobs already stored stay in the table.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		slog.Info("Queue closed", "queue", q.name)
	}
}

func (q *Queue) Closed() bool { return q.closed.Load() }

// Wakeup nudges the worker to poll before its next tick.
func (q *Queue) Wakeup() {
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}
