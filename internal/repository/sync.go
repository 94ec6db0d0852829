package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/core"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

type SyncConfigRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewSyncConfigRepository(db *sql.DB, clock core.Clock) *SyncConfigRepository {
	return &SyncConfigRepository{db: db, clock: clock}
}

func (r *SyncConfigRepository) Save(ctx context.Context, c *domain.SyncConfig) (int64, error) {
	if c.Created.IsZero() {
		c.Created = r.clock.Now()
	}
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return 0, fmt.Errorf("encode sync settings: %w", err)
	}
	base := `INSERT INTO sync_configs (name, source_type, settings, is_active, created) VALUES (` + placeholders(1, 5) + `)`
	id, err := insertReturningID(ctx, r.db, base, c.Name, c.SourceType, string(settings), c.IsActive, formatDateInDatabase(c.Created))
	if err != nil {
		return 0, err
	}
	c.ID = id
	return id, nil
}

// FindByID returns (nil, nil) if not found.
func (r *SyncConfigRepository) FindByID(ctx context.Context, id int64) (*domain.SyncConfig, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, source_type, settings, is_active, created FROM sync_configs WHERE id = `+placeholder(1), id)
	var c domain.SyncConfig
	var settings string
	err := row.Scan(&c.ID, &c.Name, &c.SourceType, &settings, &c.IsActive, &c.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(settings), &c.Settings); err != nil {
		return nil, fmt.Errorf("decode settings of sync config %d: %w", c.ID, err)
	}
	return &c, nil
}

type SyncLogRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewSyncLogRepository(db *sql.DB, clock core.Clock) *SyncLogRepository {
	return &SyncLogRepository{db: db, clock: clock}
}

const syncLogColumns = ` id, sync_config_id, status, triggered_by, result, message, started_at, finished_at, created `

func (r *SyncLogRepository) Save(ctx context.Context, l *domain.SyncLog) (int64, error) {
	if l.Created.IsZero() {
		l.Created = r.clock.Now()
	}
	result, err := json.Marshal(l.Result)
	if err != nil {
		return 0, fmt.Errorf("encode sync result: %w", err)
	}
	base := `INSERT INTO sync_logs (sync_config_id, status, triggered_by, result, message, started_at, finished_at, created)
		VALUES (` + placeholders(1, 8) + `)`
	id, err := insertReturningID(ctx, r.db, base, l.SyncConfigID, l.Status, l.TriggeredBy, string(result), l.Message,
		formatDateInDatabaseNull(l.StartedAt), formatDateInDatabaseNull(l.FinishedAt), formatDateInDatabase(l.Created))
	if err != nil {
		return 0, err
	}
	l.ID = id
	return id, nil
}

// FindByID returns (nil, nil) if not found.
func (r *SyncLogRepository) FindByID(ctx context.Context, id int64) (*domain.SyncLog, error) {
	l, err := scanSyncLog(r.db.QueryRowContext(ctx, `SELECT `+syncLogColumns+` FROM sync_logs WHERE id = `+placeholder(1), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (r *SyncLogRepository) FindByConfig(ctx context.Context, configID int64, limit int) ([]domain.SyncLog, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+syncLogColumns+` FROM sync_logs WHERE sync_config_id = `+placeholder(1)+`
		ORDER BY id DESC LIMIT `+placeholder(2), configID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// MarkRunning moves a Pending or Running log to Running and restamps started_at. It reports false
// if the log is already finished.
func (r *SyncLogRepository) MarkRunning(ctx context.Context, id int64) (bool, error) {
	query := `UPDATE sync_logs SET status = ` + placeholder(1) + `, started_at = ` + placeholder(2) + `
		WHERE id = ` + placeholder(3) + ` AND status IN (` + placeholder(4) + `, ` + placeholder(5) + `)`
	ok, err := execAffectedOne(ctx, r.db, query, domain.SyncStatusRunning, formatDateInDatabase(r.clock.Now()), id,
		domain.SyncStatusPending, domain.SyncStatusRunning)
	if err != nil || ok {
		return ok, err
	}
	// mysql counts only changed rows, so a restart within the same second affects none
	l, err := r.FindByID(ctx, id)
	if err != nil || l == nil {
		return false, err
	}
	return l.Status == domain.SyncStatusRunning, nil
}

// Finish stores the final status and result of a log that is not finished yet. A finished log
// keeps its outcome.
func (r *SyncLogRepository) Finish(ctx context.Context, id int64, status string, result domain.SyncResult, message string) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode sync result: %w", err)
	}
	query := `UPDATE sync_logs SET status = ` + placeholder(1) + `, result = ` + placeholder(2) + `, message = ` + placeholder(3) + `,
		finished_at = ` + placeholder(4) + ` WHERE id = ` + placeholder(5) + ` AND status IN (` + placeholder(6) + `, ` + placeholder(7) + `)`
	_, err = r.db.ExecContext(ctx, query, status, string(raw), message, formatDateInDatabase(r.clock.Now()), id,
		domain.SyncStatusPending, domain.SyncStatusRunning)
	return err
}

func scanSyncLog(s scanner) (*domain.SyncLog, error) {
	var l domain.SyncLog
	var result string
	if err := s.Scan(&l.ID, &l.SyncConfigID, &l.Status, &l.TriggeredBy, &result, &l.Message, &l.StartedAt, &l.FinishedAt, &l.Created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(result), &l.Result); err != nil {
		return nil, fmt.Errorf("decode result of sync log %d: %w", l.ID, err)
	}
	return &l, nil
}
