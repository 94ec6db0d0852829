package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

type WorkflowDefinitionRepository struct {
	db *sql.DB
}

func NewWorkflowDefinitionRepository(db *sql.DB) *WorkflowDefinitionRepository {
	return &WorkflowDefinitionRepository{db: db}
}

const definitionColumns = ` id, name, version, entity_type, description, graph, is_active, created `

// Save inserts a new version. Definitions are immutable, there is no update of the graph.
func (r *WorkflowDefinitionRepository) Save(ctx context.Context, def *domain.WorkflowDefinition) (int64, error) {
	raw, err := json.Marshal(def.Graph)
	if err != nil {
		return 0, fmt.Errorf("encode graph: %w", err)
	}
	base := `INSERT INTO workflow_definitions (name, version, entity_type, description, graph, is_active, created)
		VALUES (` + placeholders(1, 7) + `)`
	id, err := insertReturningID(ctx, r.db, base,
		def.Name, def.Version, def.EntityType, def.Description, string(raw), def.IsActive, formatDateInDatabase(def.Created))
	if err != nil {
		return 0, err
	}
	def.ID = id
	return id, nil
}

// NextVersion returns the version number the next definition with this name should get.
func (r *WorkflowDefinitionRepository) NextVersion(ctx context.Context, name string) (int, error) {
	var current sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(version) FROM workflow_definitions WHERE name = `+placeholder(1), name).Scan(&current)
	if err != nil {
		return 0, err
	}
	return int(current.Int64) + 1, nil
}

// FindByID returns (nil, nil) if not found.
func (r *WorkflowDefinitionRepository) FindByID(ctx context.Context, id int64) (*domain.WorkflowDefinition, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = `+placeholder(1), id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return def, err
}

// FindLatestActive returns the highest active version for the entity type, or (nil, nil).
func (r *WorkflowDefinitionRepository) FindLatestActive(ctx context.Context, entityType string) (*domain.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions
		WHERE entity_type = ` + placeholder(1) + ` AND is_active = ` + placeholder(2) + `
		ORDER BY version DESC, id DESC LIMIT 1`
	def, err := scanDefinition(r.db.QueryRowContext(ctx, query, entityType, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return def, err
}

func (r *WorkflowDefinitionRepository) FindAll(ctx context.Context) ([]domain.WorkflowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions ORDER BY name, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *def)
	}
	return out, rows.Err()
}

func (r *WorkflowDefinitionRepository) SetActive(ctx context.Context, id int64, active bool) (bool, error) {
	return execAffectedOne(ctx, r.db, `UPDATE workflow_definitions SET is_active = `+placeholder(1)+` WHERE id = `+placeholder(2), active, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(s scanner) (*domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	var raw string
	if err := s.Scan(&def.ID, &def.Name, &def.Version, &def.EntityType, &def.Description, &raw, &def.IsActive, &def.Created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &def.Graph); err != nil {
		return nil, fmt.Errorf("decode graph of definition %d: %w", def.ID, err)
	}
	return &def, nil
}
