package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/core"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

// TimelineRepository is append only: it exposes no update or delete.
type TimelineRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewTimelineRepository(db *sql.DB, clock core.Clock) *TimelineRepository {
	return &TimelineRepository{db: db, clock: clock}
}

func (r *TimelineRepository) Append(ctx context.Context, e *domain.WorkflowTimelineEvent) (int64, error) {
	if e.Created.IsZero() {
		e.Created = r.clock.Now()
	}
	payload, err := encodeMap(e.Payload)
	if err != nil {
		return 0, err
	}
	base := `INSERT INTO workflow_timeline (workflow_instance_id, action, node_id, actor_id, payload, created)
		VALUES (` + placeholders(1, 6) + `)`
	id, err := insertReturningID(ctx, r.db, base,
		e.WorkflowInstanceID, e.Action, e.NodeID, nullInt64(e.ActorID), payload, formatDateInDatabase(e.Created))
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

// FindByInstance returns the events of the instance in insertion order.
func (r *TimelineRepository) FindByInstance(ctx context.Context, instanceID int64) ([]domain.WorkflowTimelineEvent, error) {
	query := `SELECT id, workflow_instance_id, action, node_id, actor_id, payload, created
		FROM workflow_timeline WHERE workflow_instance_id = ` + placeholder(1) + ` ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WorkflowTimelineEvent
	for rows.Next() {
		var e domain.WorkflowTimelineEvent
		var payload string
		if err := rows.Scan(&e.ID, &e.WorkflowInstanceID, &e.Action, &e.NodeID, &e.ActorID, &payload, &e.Created); err != nil {
			return nil, err
		}
		if e.Payload, err = decodeMap(payload); err != nil {
			return nil, fmt.Errorf("decode timeline payload %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
