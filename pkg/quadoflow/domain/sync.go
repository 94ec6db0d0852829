package domain

import (
	"database/sql"
	"time"
)

const (
	SyncSourceDirectory = "directory"
	SyncSourceREST      = "rest"
	SyncSourceFile      = "file"

	SyncStatusPending   = "Pending"
	SyncStatusRunning   = "Running"
	SyncStatusCompleted = "Completed"
	SyncStatusFailed    = "Failed"
)

type SyncConfig struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	SourceType string            `json:"sourceType"`
	Settings   map[string]string `json:"settings"`
	IsActive   bool              `json:"isActive"`
	Created    time.Time         `json:"created"`
}

type SyncRecordError struct {
	Record string `json:"record"`
	Error  string `json:"error"`
}

// SyncResult is the structured outcome of one synchronization run.
type SyncResult struct {
	Success      bool              `json:"success"`
	TotalRecords int               `json:"totalRecords"`
	SuccessCount int               `json:"successCount"`
	CreatedCount int               `json:"createdCount"`
	UpdatedCount int               `json:"updatedCount"`
	FailedCount  int               `json:"failedCount"`
	SkippedCount int               `json:"skippedCount"`
	Errors       []SyncRecordError `json:"errors"`
}

type SyncLog struct {
	ID           int64        `json:"id"`
	SyncConfigID int64        `json:"syncConfigId"`
	Status       string       `json:"status"`
	TriggeredBy  int64        `json:"triggeredBy"`
	Result       SyncResult   `json:"result"`
	Message      string       `json:"message"`
	StartedAt    sql.NullTime `json:"startedAt"`
	FinishedAt   sql.NullTime `json:"finishedAt"`
	Created      time.Time    `json:"created"`
}
