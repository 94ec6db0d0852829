package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

// BackgroundJobRepository is the durable store behind every named queue.
type BackgroundJobRepository struct {
	db *sql.DB
}

func NewBackgroundJobRepository(db *sql.DB) *BackgroundJobRepository {
	return &BackgroundJobRepository{db: db}
}

const jobColumns = ` id, queue_name, job_name, payload, priority, attempts, max_attempts, backoff_type, backoff_delay_ms,
		state, idempotency_key, last_error, scheduled_at, started_at, finished_at, executor_id, created, modified `

// Insert stores a new job. When a job with the same queue and idempotency key exists the row is
// left untouched, job is overwritten with the existing one and inserted is false.
func (r *BackgroundJobRepository) Insert(ctx context.Context, job *domain.BackgroundJob) (bool, error) {
	if job.IdempotencyKey.Valid {
		existing, err := r.FindByIdempotencyKey(ctx, job.QueueName, job.IdempotencyKey.String)
		if err != nil {
			return false, err
		}
		if existing != nil {
			*job = *existing
			return false, nil
		}
	}
	base := `INSERT INTO background_jobs (queue_name, job_name, payload, priority, attempts, max_attempts, backoff_type,
		backoff_delay_ms, state, idempotency_key, last_error, scheduled_at, started_at, finished_at, executor_id, created, modified)
		VALUES (` + placeholders(1, 17) + `)`
	id, err := insertReturningID(ctx, r.db, base,
		job.QueueName, job.JobName, job.Payload, job.Priority, job.Attempts, job.MaxAttempts, job.BackoffType,
		job.BackoffDelayMs, job.State, nullString(job.IdempotencyKey), nullString(job.LastError),
		formatDateInDatabase(job.ScheduledAt), formatDateInDatabaseNull(job.StartedAt), formatDateInDatabaseNull(job.FinishedAt),
		nullInt64(job.ExecutorID), formatDateInDatabase(job.Created), formatDateInDatabase(job.Modified))
	if err != nil {
		if job.IdempotencyKey.Valid && isUniqueViolation(err) {
			// lost the race against a concurrent enqueue of the same key
			existing, ferr := r.FindByIdempotencyKey(ctx, job.QueueName, job.IdempotencyKey.String)
			if ferr != nil {
				return false, ferr
			}
			if existing != nil {
				*job = *existing
				return false, nil
			}
		}
		return false, err
	}
	job.ID = id
	return true, nil
}

// FindByID returns (nil, nil) if not found.
func (r *BackgroundJobRepository) FindByID(ctx context.Context, id int64) (*domain.BackgroundJob, error) {
	return r.findOne(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = `+placeholder(1), id)
}

func (r *BackgroundJobRepository) FindByIdempotencyKey(ctx context.Context, queue, key string) (*domain.BackgroundJob, error) {
	return r.findOne(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE queue_name = `+placeholder(1)+` AND idempotency_key = `+placeholder(2), queue, key)
}

// FindDue lists waiting and delayed jobs of the queue scheduled at or before now, highest
// priority first.
func (r *BackgroundJobRepository) FindDue(ctx context.Context, queue string, now time.Time, limit int) ([]domain.BackgroundJob, error) {
	query := `SELECT ` + jobColumns + ` FROM background_jobs
		WHERE queue_name = ` + placeholder(1) + ` AND state IN (` + placeholders(2, 2) + `)
		AND NOT (` + dateAfter("scheduled_at", 4) + `)
		ORDER BY priority DESC, scheduled_at, id LIMIT ` + placeholder(5)
	return r.query(ctx, query, queue, domain.JobStateWaiting, domain.JobStateDelayed, formatDateInDatabase(now), limit)
}

// Claim marks the job active for the executor. The attempts column doubles as the optimistic lock
// so only one worker can claim a given attempt.
func (r *BackgroundJobRepository) Claim(ctx context.Context, id int64, attempts int, executorID int64, now time.Time) (bool, error) {
	ts := formatDateInDatabase(now)
	query := `UPDATE background_jobs
		SET state = ` + placeholder(1) + `, attempts = attempts + 1, executor_id = ` + placeholder(2) + `,
		    started_at = ` + placeholder(3) + `, modified = ` + placeholder(4) + `
		WHERE id = ` + placeholder(5) + ` AND attempts = ` + placeholder(6) + ` AND state IN (` + placeholders(7, 2) + `)`
	return execAffectedOne(ctx, r.db, query, domain.JobStateActive, executorID, ts, ts, id, attempts, domain.JobStateWaiting, domain.JobStateDelayed)
}

func (r *BackgroundJobRepository) Complete(ctx context.Context, id int64, now time.Time) error {
	ts := formatDateInDatabase(now)
	query := `UPDATE background_jobs SET state = ` + placeholder(1) + `, finished_at = ` + placeholder(2) + `, modified = ` + placeholder(3) + `,
		executor_id = NULL WHERE id = ` + placeholder(4)
	_, err := r.db.ExecContext(ctx, query, domain.JobStateCompleted, ts, ts, id)
	return err
}

// Fail records an unsuccessful attempt. state is delayed when another attempt follows at next,
// failed when the attempts are used up.
func (r *BackgroundJobRepository) Fail(ctx context.Context, id int64, state string, lastError string, next time.Time, now time.Time) error {
	ts := formatDateInDatabase(now)
	var finished interface{}
	if state == domain.JobStateFailed {
		finished = ts
	}
	query := `UPDATE background_jobs SET state = ` + placeholder(1) + `, last_error = ` + placeholder(2) + `, scheduled_at = ` + placeholder(3) + `,
		finished_at = ` + placeholder(4) + `, modified = ` + placeholder(5) + `, executor_id = NULL WHERE id = ` + placeholder(6)
	_, err := r.db.ExecContext(ctx, query, state, lastError, formatDateInDatabase(next), finished, ts, id)
	return err
}

// Remove deletes a job that has not been picked up yet.
func (r *BackgroundJobRepository) Remove(ctx context.Context, id int64) (bool, error) {
	query := `DELETE FROM background_jobs WHERE id = ` + placeholder(1) + ` AND state IN (` + placeholders(2, 2) + `)`
	return execAffectedOne(ctx, r.db, query, id, domain.JobStateWaiting, domain.JobStateDelayed)
}

// Retry puts a failed job back to waiting with its attempts reset.
func (r *BackgroundJobRepository) Retry(ctx context.Context, id int64, now time.Time) (bool, error) {
	ts := formatDateInDatabase(now)
	query := `UPDATE background_jobs SET state = ` + placeholder(1) + `, attempts = 0, scheduled_at = ` + placeholder(2) + `,
		finished_at = NULL, modified = ` + placeholder(3) + ` WHERE id = ` + placeholder(4) + ` AND state = ` + placeholder(5)
	return execAffectedOne(ctx, r.db, query, domain.JobStateWaiting, ts, ts, id, domain.JobStateFailed)
}

func (r *BackgroundJobRepository) CountByState(ctx context.Context, queue string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM background_jobs WHERE queue_name = `+placeholder(1)+` GROUP BY state`, queue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

// Prune deletes finished jobs of the state that are older than the cutoff or beyond the keep most
// recent ones. It returns the number of rows removed.
func (r *BackgroundJobRepository) Prune(ctx context.Context, queue, state string, olderThan time.Time, keep int) (int64, error) {
	var total int64
	res, err := r.db.ExecContext(ctx, `DELETE FROM background_jobs WHERE queue_name = `+placeholder(1)+` AND state = `+placeholder(2)+`
		AND finished_at IS NOT NULL AND `+dateBefore("finished_at", 3), queue, state, formatDateInDatabase(olderThan))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	total += n

	if keep <= 0 {
		return total, nil
	}
	query := `DELETE FROM background_jobs WHERE queue_name = ` + placeholder(1) + ` AND state = ` + placeholder(2) + `
		AND id NOT IN (SELECT id FROM (SELECT id FROM background_jobs WHERE queue_name = ` + placeholder(3) + ` AND state = ` + placeholder(4) + `
		ORDER BY id DESC LIMIT ` + placeholder(5) + `) kept)`
	res, err = r.db.ExecContext(ctx, query, queue, state, queue, state, keep)
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	return total + n, nil
}

// FindStalled lists active jobs whose executor has not sent a heartbeat since the cutoff.
func (r *BackgroundJobRepository) FindStalled(ctx context.Context, queue string, heartbeatCutoff time.Time, limit int) ([]domain.BackgroundJob, error) {
	query := `SELECT ` + jobColumns + ` FROM background_jobs
		WHERE queue_name = ` + placeholder(1) + ` AND state = ` + placeholder(2) + `
		AND (executor_id IS NULL OR executor_id NOT IN (
		      SELECT id FROM executors WHERE ` + dateAfter("last_active", 3) + `
		))
		ORDER BY id LIMIT ` + placeholder(4)
	return r.query(ctx, query, queue, domain.JobStateActive, formatDateInDatabase(heartbeatCutoff), limit)
}

// Requeue returns a stalled active job to delayed so it is picked up again. Guarded by attempts so
// a job that finished in the meantime is left alone.
func (r *BackgroundJobRepository) Requeue(ctx context.Context, id int64, attempts int, now time.Time) (bool, error) {
	ts := formatDateInDatabase(now)
	query := `UPDATE background_jobs SET state = ` + placeholder(1) + `, executor_id = NULL, scheduled_at = ` + placeholder(2) + `,
		modified = ` + placeholder(3) + ` WHERE id = ` + placeholder(4) + ` AND state = ` + placeholder(5) + ` AND attempts = ` + placeholder(6)
	return execAffectedOne(ctx, r.db, query, domain.JobStateDelayed, ts, ts, id, domain.JobStateActive, attempts)
}

func (r *BackgroundJobRepository) findOne(ctx context.Context, query string, args ...any) (*domain.BackgroundJob, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (r *BackgroundJobRepository) query(ctx context.Context, query string, args ...any) ([]domain.BackgroundJob, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BackgroundJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func scanJob(s scanner) (*domain.BackgroundJob, error) {
	var j domain.BackgroundJob
	err := s.Scan(&j.ID, &j.QueueName, &j.JobName, &j.Payload, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.BackoffType,
		&j.BackoffDelayMs, &j.State, &j.IdempotencyKey, &j.LastError, &j.ScheduledAt, &j.StartedAt, &j.FinishedAt,
		&j.ExecutorID, &j.Created, &j.Modified)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
