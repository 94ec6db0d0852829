package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/arelbir/quado-lite-sub003/internal/config"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/core"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

// Handler runs one job. A returned error (or a panic) counts as a failed attempt.
type Handler func(ctx context.Context, job *domain.BackgroundJob) error

// ExecutorStore registers worker processes and records their heartbeat.
type ExecutorStore interface {
	Save(ctx context.Context, e *domain.Executor) (int64, error)
	UpdateLastActive(ctx context.Context, id int64, ts time.Time) error
}

type WorkerOptions struct {
	Concurrency     int
	PollInterval    time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	Heartbeat       time.Duration
	ExecutorName    string
}

func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		Concurrency:     config.GetSystemSettingInteger(config.QUEUE_CONCURRENCY),
		PollInterval:    config.GetSystemSettingDuration(config.QUEUE_POLL_INTERVAL),
		RateLimitMax:    config.GetSystemSettingInteger(config.QUEUE_RATE_LIMIT_MAX),
		RateLimitWindow: config.GetSystemSettingDuration(config.QUEUE_RATE_LIMIT_WINDOW),
		Heartbeat:       30 * time.Second,
		ExecutorName:    config.GetSystemSettingString(config.EXECUTOR_NAME),
	}
}

type Worker struct {
	queue     *Queue
	executors ExecutorStore
	opts      WorkerOptions
	limiter   *rate.Limiter

	mu       sync.RWMutex
	handlers map[string]Handler

	executorID int64
	slots      chan struct{}
	inflight   sync.WaitGroup

	stop      context.CancelFunc
	runCancel context.CancelFunc
	runCtx    context.Context
	loopDone  chan struct{}
}

func NewWorker(q *Queue, executors ExecutorStore, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	limit := rate.Inf
	burst := opts.Concurrency
	if opts.RateLimitMax > 0 && opts.RateLimitWindow > 0 {
		limit = rate.Every(opts.RateLimitWindow / time.Duration(opts.RateLimitMax))
		burst = opts.RateLimitMax
	}
	return &Worker{
		queue:     q,
		executors: executors,
		opts:      opts,
		limiter:   rate.NewLimiter(limit, burst),
		handlers:  map[string]Handler{},
		slots:     make(chan struct{}, opts.Concurrency),
	}
}

// Handle registers the handler for a job name. Registering twice replaces the first one.
func (w *Worker) Handle(jobName string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobName] = h
}

func (w *Worker) handler(jobName string) Handler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handlers[jobName]
}

// Start registers the executor row, starts the heartbeat and the poll loop, and returns.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}
	loopCtx, stop := context.WithCancel(ctx)
	w.stop = stop
	w.runCtx, w.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	w.loopDone = make(chan struct{})

	go w.heartbeat(loopCtx)
	go w.loop(loopCtx)
	slog.Info("Queue worker started", "queue", w.queue.name, "executor_id", w.executorID,
		"concurrency", w.opts.Concurrency, "poll_interval", w.opts.PollInterval.String())
	return nil
}

func (w *Worker) register(ctx context.Context) error {
	name := w.opts.ExecutorName
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			name = "quadoflow-worker"
		} else {
			name = hostname
		}
	}
	now := w.queue.clock.Now()
	id, err := w.executors.Save(ctx, &domain.Executor{Name: name + "/" + w.queue.name, Started: now, LastActive: now})
	if err != nil {
		return fmt.Errorf("register executor for queue %s: %w", w.queue.name, err)
	}
	w.executorID = id
	slog.Info("Registered executor", "executor_id", id, "name", name, "queue", w.queue.name)
	return nil
}

func (w *Worker) heartbeat(ctx context.Context) {
	hb := time.NewTicker(w.opts.Heartbeat)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.C:
			if err := w.executors.UpdateLastActive(ctx, w.executorID, w.queue.clock.Now()); err != nil {
				slog.Error("Failed to update executor last_active", "executor_id", w.executorID, "error", err)
			} else {
				slog.Debug("Updated executor last_active", "executor_id", w.executorID)
			}
		}
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.loopDone)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Queue worker stopping due to context cancel", "queue", w.queue.name)
			return
		case <-ticker.C:
			w.poll(ctx)
		case <-w.queue.wakeup:
			w.poll(ctx)
		}
	}
}

// poll claims as many due jobs as there are free slots and the rate limiter allows, and starts
// them. It returns the number of jobs started.
func (w *Worker) poll(ctx context.Context) int {
	free := cap(w.slots) - len(w.slots)
	if free <= 0 {
		slog.Debug("All worker slots busy, skipping poll", "queue", w.queue.name)
		return 0
	}
	now := w.queue.clock.Now()
	due, err := w.queue.store.FindDue(ctx, w.queue.name, now, free)
	if err != nil {
		slog.ErrorContext(ctx, "Error fetching due jobs", "queue", w.queue.name, "error", err)
		return 0
	}

	started := 0
	for i := range due {
		job := due[i]
		if !w.limiter.Allow() {
			slog.Debug("Rate limit reached, deferring remaining jobs", "queue", w.queue.name)
			break
		}
		claimed, err := w.queue.store.Claim(ctx, job.ID, job.Attempts, w.executorID, now)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to claim job", "job_id", job.ID, "error", err)
			continue
		}
		if !claimed {
			slog.InfoContext(ctx, "Unable to claim job, possibly picked up by other executor", "job_id", job.ID)
			continue
		}
		job.Attempts++
		job.State = domain.JobStateActive
		job.ExecutorID.Int64, job.ExecutorID.Valid = w.executorID, true

		w.slots <- struct{}{}
		w.inflight.Add(1)
		started++
		go func() {
			defer func() {
				<-w.slots
				w.inflight.Done()
			}()
			w.run(w.jobContext(), &job)
		}()
	}
	return started
}

func (w *Worker) jobContext() context.Context {
	if w.runCtx != nil {
		return w.runCtx
	}
	return context.Background()
}

func (w *Worker) run(ctx context.Context, job *domain.BackgroundJob) {
	ctx = context.WithValue(ctx, core.CtxKeyExecutorId, w.executorID)
	ctx = context.WithValue(ctx, core.CtxKeyJobId, job.ID)
	slog.InfoContext(ctx, "Running job", "queue", job.QueueName, "job_name", job.JobName, "attempt", job.Attempts)

	err := w.invoke(ctx, job)
	now := w.queue.clock.Now()
	if err == nil {
		if cerr := w.queue.store.Complete(ctx, job.ID, now); cerr != nil {
			slog.ErrorContext(ctx, "Failed to mark job completed", "error", cerr)
		}
		slog.InfoContext(ctx, "Job completed", "job_name", job.JobName)
		return
	}

	if job.Attempts >= job.MaxAttempts {
		slog.ErrorContext(ctx, "Job failed, attempts exhausted", "job_name", job.JobName,
			"attempts", job.Attempts, "error", err)
		if ferr := w.queue.store.Fail(ctx, job.ID, domain.JobStateFailed, err.Error(), now, now); ferr != nil {
			slog.ErrorContext(ctx, "Failed to mark job failed", "error", ferr)
		}
		return
	}
	wait := backoffOf(job.BackoffType, job.BackoffDelayMs).Next(job.Attempts)
	slog.WarnContext(ctx, "Job attempt failed, retrying", "job_name", job.JobName,
		"attempt", job.Attempts, "retry_in", wait.String(), "error", err)
	if ferr := w.queue.store.Fail(ctx, job.ID, domain.JobStateDelayed, err.Error(), now.Add(wait), now); ferr != nil {
		slog.ErrorContext(ctx, "Failed to schedule job retry", "error", ferr)
	}
}

func (w *Worker) invoke(ctx context.Context, job *domain.BackgroundJob) (err error) {
	h := w.handler(job.JobName)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.JobName)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.JobName, r)
		}
	}()
	return h(ctx, job)
}

// Close stops polling and waits for running jobs to finish. If ctx ends first the running jobs
// see their context cancelled and Close returns ctx.Err().
func (w *Worker) Close(ctx context.Context) error {
	if w.stop == nil {
		return nil
	}
	w.stop()
	<-w.loopDone

	drained := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		w.runCancel()
		slog.Info("Queue worker closed", "queue", w.queue.name)
		return nil
	case <-ctx.Done():
		w.runCancel()
		slog.Warn("Queue worker close timed out, cancelling running jobs", "queue", w.queue.name)
		return ctx.Err()
	}
}
