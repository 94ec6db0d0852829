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

type WorkflowInstanceRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewWorkflowInstanceRepository(db *sql.DB, clock core.Clock) *WorkflowInstanceRepository {
	return &WorkflowInstanceRepository{db: db, clock: clock}
}

const instanceColumns = ` id, definition_id, entity_type, entity_id, current_node_id, status, metadata,
		version, created, modified, completed_at `

// DefinitionStatusRow holds instance counts of a definition grouped by status.
type DefinitionStatusRow struct {
	Status string
	Count  int
}

func (r *WorkflowInstanceRepository) Save(ctx context.Context, inst *domain.WorkflowInstance) (int64, error) {
	meta, err := encodeMap(inst.Metadata)
	if err != nil {
		return 0, err
	}
	if inst.Version == 0 {
		inst.Version = 1
	}
	base := `INSERT INTO workflow_instances (definition_id, entity_type, entity_id, current_node_id, status, metadata,
		version, created, modified, completed_at) VALUES (` + placeholders(1, 10) + `)`
	id, err := insertReturningID(ctx, r.db, base,
		inst.DefinitionID, inst.EntityType, inst.EntityID, inst.CurrentNodeID, inst.Status, meta,
		inst.Version, formatDateInDatabase(inst.Created), formatDateInDatabase(inst.Modified), formatDateInDatabaseNull(inst.CompletedAt))
	if err != nil {
		return 0, err
	}
	inst.ID = id
	return id, nil
}

// FindByID returns (nil, nil) if not found.
func (r *WorkflowInstanceRepository) FindByID(ctx context.Context, id int64) (*domain.WorkflowInstance, error) {
	inst, err := scanInstance(r.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = `+placeholder(1), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return inst, err
}

// FindActiveByEntity returns the active instance bound to the entity, or (nil, nil).
func (r *WorkflowInstanceRepository) FindActiveByEntity(ctx context.Context, entityType, entityID string) (*domain.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances
		WHERE entity_type = ` + placeholder(1) + ` AND entity_id = ` + placeholder(2) + ` AND status = ` + placeholder(3) + `
		ORDER BY id DESC LIMIT 1`
	inst, err := scanInstance(r.db.QueryRowContext(ctx, query, entityType, entityID, domain.InstanceStatusActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return inst, err
}

func (r *WorkflowInstanceRepository) FindActive(ctx context.Context, limit int) ([]domain.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE status = ` + placeholder(1) + ` ORDER BY id LIMIT ` + placeholder(2)
	rows, err := r.db.QueryContext(ctx, query, domain.InstanceStatusActive, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// UpdateProgress writes node, status, metadata and completion of the instance, guarded by the
// version it was read with. On success inst.Version holds the new version.
func (r *WorkflowInstanceRepository) UpdateProgress(ctx context.Context, inst *domain.WorkflowInstance) (bool, error) {
	meta, err := encodeMap(inst.Metadata)
	if err != nil {
		return false, err
	}
	now := r.clock.Now()
	query := `UPDATE workflow_instances
		SET current_node_id = ` + placeholder(1) + `, status = ` + placeholder(2) + `, metadata = ` + placeholder(3) + `,
		    completed_at = ` + placeholder(4) + `, modified = ` + placeholder(5) + `, version = version + 1
		WHERE id = ` + placeholder(6) + ` AND version = ` + placeholder(7)
	ok, err := execAffectedOne(ctx, r.db, query,
		inst.CurrentNodeID, inst.Status, meta, formatDateInDatabaseNull(inst.CompletedAt), formatDateInDatabase(now), inst.ID, inst.Version)
	if err != nil || !ok {
		return ok, err
	}
	inst.Version++
	inst.Modified = now
	return true, nil
}

func (r *WorkflowInstanceRepository) CountByStatus(ctx context.Context, definitionID int64) ([]DefinitionStatusRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflow_instances WHERE definition_id = `+placeholder(1)+` GROUP BY status`, definitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DefinitionStatusRow
	for rows.Next() {
		var row DefinitionStatusRow
		if err := rows.Scan(&row.Status, &row.Count); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// AverageCompletionHours averages created to completed_at over completed instances. Zero when none.
func (r *WorkflowInstanceRepository) AverageCompletionHours(ctx context.Context, definitionID int64) (float64, error) {
	query := `SELECT AVG(` + hoursBetween("created", "completed_at") + `) FROM workflow_instances
		WHERE definition_id = ` + placeholder(1) + ` AND status = ` + placeholder(2) + ` AND completed_at IS NOT NULL`
	var avg sql.NullFloat64
	if err := r.db.QueryRowContext(ctx, query, definitionID, domain.InstanceStatusCompleted).Scan(&avg); err != nil {
		return 0, err
	}
	return avg.Float64, nil
}

func scanInstance(s scanner) (*domain.WorkflowInstance, error) {
	var inst domain.WorkflowInstance
	var meta string
	err := s.Scan(&inst.ID, &inst.DefinitionID, &inst.EntityType, &inst.EntityID, &inst.CurrentNodeID, &inst.Status, &meta,
		&inst.Version, &inst.Created, &inst.Modified, &inst.CompletedAt)
	if err != nil {
		return nil, err
	}
	if inst.Metadata, err = decodeMap(meta); err != nil {
		return nil, fmt.Errorf("decode metadata of instance %d: %w", inst.ID, err)
	}
	return &inst, nil
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode map: %w", err)
	}
	return string(raw), nil
}

func decodeMap(raw string) (map[string]any, error) {
	m := map[string]any{}
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}
