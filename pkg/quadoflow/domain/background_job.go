package domain

import (
	"database/sql"
	"time"
)

const (
	JobStateWaiting   = "waiting"
	JobStateActive    = "active"
	JobStateCompleted = "completed"
	JobStateFailed    = "failed"
	JobStateDelayed   = "delayed"
)

type BackgroundJob struct {
	ID             int64          `json:"id"`
	QueueName      string         `json:"queueName"`
	JobName        string         `json:"jobName"`
	Payload        string         `json:"payload"`
	Priority       int            `json:"priority"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"maxAttempts"`
	BackoffType    string         `json:"backoffType"`
	BackoffDelayMs int64          `json:"backoffDelayMs"`
	State          string         `json:"state"`
	IdempotencyKey sql.NullString `json:"idempotencyKey"`
	LastError      sql.NullString `json:"lastError"`
	ScheduledAt    time.Time      `json:"scheduledAt"`
	StartedAt      sql.NullTime   `json:"startedAt"`
	FinishedAt     sql.NullTime   `json:"finishedAt"`
	ExecutorID     sql.NullInt64  `json:"executorId"`
	Created        time.Time      `json:"created"`
	Modified       time.Time      `json:"modified"`
}
