package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/arelbir/quado-lite-sub003/internal/queue"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

const (
	QueueSync  = "sync"
	JobRunSync = "run-sync"
)

var (
	ErrUnqueueable        = errors.New("sync source cannot be queued")
	ErrUnknownSourceType  = errors.New("unknown sync source type")
	ErrSyncConfigNotFound = errors.New("sync config not found")
)

// UnqueueableError is returned at enqueue time for sources that need input only the caller has,
// such as an uploaded file.
type UnqueueableError struct {
	SourceType string
}

func (e *UnqueueableError) Error() string {
	return fmt.Sprintf("sync source %q cannot be queued, run it with the uploaded input instead", e.SourceType)
}

func (e *UnqueueableError) Unwrap() error { return ErrUnqueueable }

// SyncStrategy pulls records from one kind of source and applies them.
type SyncStrategy interface {
	Sync(ctx context.Context, triggeredBy int64) (domain.SyncResult, error)
	Queueable() bool
}

// StrategyFactory builds the strategy for a config. input is nil for queued runs.
type StrategyFactory func(cfg domain.SyncConfig, input io.Reader) (SyncStrategy, error)

type SyncConfigStore interface {
	FindByID(ctx context.Context, id int64) (*domain.SyncConfig, error)
}

type SyncLogStore interface {
	Save(ctx context.Context, l *domain.SyncLog) (int64, error)
	FindByID(ctx context.Context, id int64) (*domain.SyncLog, error)
	MarkRunning(ctx context.Context, id int64) (bool, error)
	Finish(ctx context.Context, id int64, status string, result domain.SyncResult, message string) error
}

type syncPayload struct {
	SyncLogID    int64  `json:"syncLogId"`
	SyncConfigID int64  `json:"syncConfigId"`
	SourceType   string `json:"sourceType"`
	TriggeredBy  int64  `json:"triggeredBy"`
}

// SyncService starts synchronization runs and executes them. Every run is tracked by a SyncLog
// that moves Pending, Running, then Completed or Failed.
type SyncService struct {
	configs    SyncConfigStore
	logs       SyncLogStore
	queue      Enqueuer
	strategies map[string]StrategyFactory
}

func NewSyncService(configs SyncConfigStore, logs SyncLogStore, q Enqueuer) *SyncService {
	return &SyncService{configs: configs, logs: logs, queue: q, strategies: map[string]StrategyFactory{}}
}

func (s *SyncService) Register(sourceType string, f StrategyFactory) {
	s.strategies[sourceType] = f
}

func (s *SyncService) config(ctx context.Context, id int64) (*domain.SyncConfig, error) {
	cfg, err := s.configs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: %d", ErrSyncConfigNotFound, id)
	}
	if !cfg.IsActive {
		return nil, fmt.Errorf("%w: %d is inactive", ErrSyncConfigNotFound, id)
	}
	return cfg, nil
}

func (s *SyncService) strategy(cfg *domain.SyncConfig, input io.Reader) (SyncStrategy, error) {
	f, ok := s.strategies[cfg.SourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSourceType, cfg.SourceType)
	}
	return f(*cfg, input)
}

// Enqueue creates a Pending log for the config and queues its run. Sources that cannot run
// without caller input are refused with *UnqueueableError before anything is stored.
func (s *SyncService) Enqueue(ctx context.Context, configID, triggeredBy int64) (*domain.SyncLog, error) {
	cfg, err := s.config(ctx, configID)
	if err != nil {
		return nil, err
	}
	strategy, err := s.strategy(cfg, nil)
	if err != nil {
		return nil, err
	}
	if !strategy.Queueable() {
		return nil, &UnqueueableError{SourceType: cfg.SourceType}
	}

	log := &domain.SyncLog{SyncConfigID: cfg.ID, Status: domain.SyncStatusPending, TriggeredBy: triggeredBy}
	if _, err := s.logs.Save(ctx, log); err != nil {
		return nil, fmt.Errorf("save sync log: %w", err)
	}
	payload := syncPayload{SyncLogID: log.ID, SyncConfigID: cfg.ID, SourceType: cfg.SourceType, TriggeredBy: triggeredBy}
	if _, err := s.queue.Enqueue(ctx, JobRunSync, payload, queue.WithIdempotencyKey(fmt.Sprintf("sync-log:%d", log.ID))); err != nil {
		return log, fmt.Errorf("enqueue sync %d: %w", log.ID, err)
	}
	slog.InfoContext(ctx, "Sync queued", "sync_config_id", cfg.ID, "sync_log_id", log.ID, "source_type", cfg.SourceType)
	return log, nil
}

// Handle is the queue handler for JobRunSync. A run that cannot start because its config is gone
// or cannot be turned into a strategy fails its log and is not retried. Other lookup errors are
// retried, and the log is failed once the job is on its last attempt.
func (s *SyncService) Handle(ctx context.Context, job *domain.BackgroundJob) error {
	var p syncPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return fmt.Errorf("decode sync payload: %w", err)
	}
	cfg, err := s.config(ctx, p.SyncConfigID)
	var strategy SyncStrategy
	if err == nil {
		if strategy, err = s.strategy(cfg, nil); err != nil {
			return s.abandon(ctx, p.SyncLogID, err)
		}
	}
	if err != nil {
		if errors.Is(err, ErrSyncConfigNotFound) || job.Attempts >= job.MaxAttempts {
			return s.abandon(ctx, p.SyncLogID, err)
		}
		return err
	}
	_, err = s.execute(ctx, p.SyncLogID, strategy, p.TriggeredBy)
	return err
}

// abandon finishes a log whose run cannot start as Failed.
func (s *SyncService) abandon(ctx context.Context, logID int64, cause error) error {
	slog.ErrorContext(ctx, "Sync cannot run, failing its log", "sync_log_id", logID, "error", cause)
	if err := s.logs.Finish(ctx, logID, domain.SyncStatusFailed, domain.SyncResult{}, cause.Error()); err != nil {
		return fmt.Errorf("finish sync log %d: %w", logID, err)
	}
	return nil
}

// RunUpload runs a sync in the calling request with input supplied by the caller, typically an
// uploaded CSV file.
func (s *SyncService) RunUpload(ctx context.Context, configID, triggeredBy int64, input io.Reader) (*domain.SyncLog, error) {
	cfg, err := s.config(ctx, configID)
	if err != nil {
		return nil, err
	}
	strategy, err := s.strategy(cfg, input)
	if err != nil {
		return nil, err
	}
	log := &domain.SyncLog{SyncConfigID: cfg.ID, Status: domain.SyncStatusPending, TriggeredBy: triggeredBy}
	if _, err := s.logs.Save(ctx, log); err != nil {
		return nil, fmt.Errorf("save sync log: %w", err)
	}
	return s.execute(ctx, log.ID, strategy, triggeredBy)
}

// execute owns the log until its final state. A Running log is run again: only the job that owns
// the log reaches it, after a crash or a failed Finish. A finished log is left alone. A failing
// strategy finishes the log as Failed and is not retried.
func (s *SyncService) execute(ctx context.Context, logID int64, strategy SyncStrategy, triggeredBy int64) (*domain.SyncLog, error) {
	started, err := s.logs.MarkRunning(ctx, logID)
	if err != nil {
		return nil, fmt.Errorf("mark sync log %d running: %w", logID, err)
	}
	if !started {
		slog.WarnContext(ctx, "Sync log is already finished, skipping run", "sync_log_id", logID)
		return s.logs.FindByID(ctx, logID)
	}

	result, syncErr := strategy.Sync(ctx, triggeredBy)
	status, message := domain.SyncStatusCompleted, fmt.Sprintf("%d created, %d updated, %d skipped, %d failed",
		result.CreatedCount, result.UpdatedCount, result.SkippedCount, result.FailedCount)
	if syncErr != nil {
		status, message = domain.SyncStatusFailed, syncErr.Error()
		result.Success = false
		slog.ErrorContext(ctx, "Sync failed", "sync_log_id", logID, "error", syncErr)
	}
	if err := s.logs.Finish(ctx, logID, status, result, message); err != nil {
		return nil, fmt.Errorf("finish sync log %d: %w", logID, err)
	}
	slog.InfoContext(ctx, "Sync finished", "sync_log_id", logID, "status", status, "total", result.TotalRecords,
		"created", result.CreatedCount, "updated", result.UpdatedCount, "failed", result.FailedCount)
	return s.logs.FindByID(ctx, logID)
}
