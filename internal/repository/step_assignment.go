package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/arelbir/quado-lite-sub003/internal/assignment"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/core"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

type StepAssignmentRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewStepAssignmentRepository(db *sql.DB, clock core.Clock) *StepAssignmentRepository {
	return &StepAssignmentRepository{db: db, clock: clock}
}

const assignmentColumns = ` id, workflow_instance_id, step_id, assignment_type, assigned_role, assigned_user_id, status,
		deadline, created, completed_at, completed_by, comment, escalated_at `

// StepStatsRow aggregates the assignments of one step across every instance of a definition.
type StepStatsRow struct {
	StepID        string
	Completed     int
	Rejected      int
	Pending       int
	AvgHoursTaken float64
}

func (r *StepAssignmentRepository) Save(ctx context.Context, a *domain.StepAssignment) (int64, error) {
	if a.Created.IsZero() {
		a.Created = r.clock.Now()
	}
	base := `INSERT INTO step_assignments (workflow_instance_id, step_id, assignment_type, assigned_role, assigned_user_id, status,
		deadline, created, completed_at, completed_by, comment, escalated_at) VALUES (` + placeholders(1, 12) + `)`
	id, err := insertReturningID(ctx, r.db, base,
		a.WorkflowInstanceID, a.StepID, a.AssignmentType, a.AssignedRole, nullInt64(a.AssignedUserID), a.Status,
		formatDateInDatabaseNull(a.Deadline), formatDateInDatabase(a.Created), formatDateInDatabaseNull(a.CompletedAt),
		nullInt64(a.CompletedBy), a.Comment, formatDateInDatabaseNull(a.EscalatedAt))
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

// FindByID returns (nil, nil) if not found.
func (r *StepAssignmentRepository) FindByID(ctx context.Context, id int64) (*domain.StepAssignment, error) {
	a, err := scanAssignment(r.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM step_assignments WHERE id = `+placeholder(1), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (r *StepAssignmentRepository) FindByInstance(ctx context.Context, instanceID int64) ([]domain.StepAssignment, error) {
	return r.query(ctx, `SELECT `+assignmentColumns+` FROM step_assignments WHERE workflow_instance_id = `+placeholder(1)+` ORDER BY id`, instanceID)
}

func (r *StepAssignmentRepository) FindPendingByInstance(ctx context.Context, instanceID int64) ([]domain.StepAssignment, error) {
	return r.query(ctx, `SELECT `+assignmentColumns+` FROM step_assignments
		WHERE workflow_instance_id = `+placeholder(1)+` AND status = `+placeholder(2)+` ORDER BY id`, instanceID, domain.AssignmentStatusPending)
}

func (r *StepAssignmentRepository) FindPendingByStep(ctx context.Context, instanceID int64, stepID string) ([]domain.StepAssignment, error) {
	return r.query(ctx, `SELECT `+assignmentColumns+` FROM step_assignments
		WHERE workflow_instance_id = `+placeholder(1)+` AND step_id = `+placeholder(2)+` AND status = `+placeholder(3)+` ORDER BY id`,
		instanceID, stepID, domain.AssignmentStatusPending)
}

func (r *StepAssignmentRepository) FindPendingForUser(ctx context.Context, userID int64) ([]domain.StepAssignment, error) {
	return r.query(ctx, `SELECT `+assignmentColumns+` FROM step_assignments
		WHERE assigned_user_id = `+placeholder(1)+` AND status = `+placeholder(2)+` ORDER BY deadline, id`, userID, domain.AssignmentStatusPending)
}

// FindOverdue lists pending assignments whose deadline lies before now.
func (r *StepAssignmentRepository) FindOverdue(ctx context.Context, now time.Time, limit int) ([]domain.StepAssignment, error) {
	return r.query(ctx, `SELECT `+assignmentColumns+` FROM step_assignments
		WHERE status = `+placeholder(1)+` AND deadline IS NOT NULL AND `+dateBefore("deadline", 2)+`
		ORDER BY deadline, id LIMIT `+placeholder(3), domain.AssignmentStatusPending, formatDateInDatabase(now), limit)
}

// FindOverdueNotEscalated is FindOverdue restricted to assignments never escalated.
func (r *StepAssignmentRepository) FindOverdueNotEscalated(ctx context.Context, now time.Time, limit int) ([]domain.StepAssignment, error) {
	return r.query(ctx, `SELECT `+assignmentColumns+` FROM step_assignments
		WHERE status = `+placeholder(1)+` AND escalated_at IS NULL AND deadline IS NOT NULL AND `+dateBefore("deadline", 2)+`
		ORDER BY deadline, id LIMIT `+placeholder(3), domain.AssignmentStatusPending, formatDateInDatabase(now), limit)
}

// FindUnassigned lists pending assignments that target a role nobody holds.
func (r *StepAssignmentRepository) FindUnassigned(ctx context.Context, limit int) ([]domain.StepAssignment, error) {
	return r.query(ctx, `SELECT `+assignmentColumns+` FROM step_assignments
		WHERE status = `+placeholder(1)+` AND assigned_user_id IS NULL ORDER BY id LIMIT `+placeholder(2), domain.AssignmentStatusPending, limit)
}

// Close moves a pending assignment into a final status. It reports false when the assignment was
// no longer pending, which means a concurrent action won.
func (r *StepAssignmentRepository) Close(ctx context.Context, id int64, status string, actorID sql.NullInt64, comment string) (bool, error) {
	query := `UPDATE step_assignments
		SET status = ` + placeholder(1) + `, completed_at = ` + placeholder(2) + `, completed_by = ` + placeholder(3) + `, comment = ` + placeholder(4) + `
		WHERE id = ` + placeholder(5) + ` AND status = ` + placeholder(6)
	return execAffectedOne(ctx, r.db, query, status, formatDateInDatabase(r.clock.Now()), nullInt64(actorID), comment, id, domain.AssignmentStatusPending)
}

func (r *StepAssignmentRepository) MarkEscalated(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `UPDATE step_assignments SET escalated_at = ` + placeholder(1) + `
		WHERE id = ` + placeholder(2) + ` AND status = ` + placeholder(3) + ` AND escalated_at IS NULL`
	return execAffectedOne(ctx, r.db, query, formatDateInDatabase(at), id, domain.AssignmentStatusPending)
}

// OpenAssignmentLoad counts the pending and the overdue assignments of every user.
func (r *StepAssignmentRepository) OpenAssignmentLoad(ctx context.Context, userIDs []int64) (map[int64]assignment.Load, error) {
	out := make(map[int64]assignment.Load, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	args := []any{formatDateInDatabase(r.clock.Now()), domain.AssignmentStatusPending}
	in := make([]string, 0, len(userIDs))
	for i, id := range userIDs {
		in = append(in, placeholder(i+3))
		args = append(args, id)
	}
	query := `SELECT assigned_user_id, COUNT(*),
		SUM(CASE WHEN deadline IS NOT NULL AND ` + dateBefore("deadline", 1) + ` THEN 1 ELSE 0 END)
		FROM step_assignments
		WHERE status = ` + placeholder(2) + ` AND assigned_user_id IN (` + strings.Join(in, ", ") + `)
		GROUP BY assigned_user_id`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var l assignment.Load
		if err := rows.Scan(&id, &l.Pending, &l.Overdue); err != nil {
			return nil, err
		}
		out[id] = l
	}
	return out, rows.Err()
}

func (r *StepAssignmentRepository) StepStats(ctx context.Context, definitionID int64) ([]StepStatsRow, error) {
	query := `SELECT a.step_id,
		SUM(CASE WHEN a.status = ` + placeholder(1) + ` THEN 1 ELSE 0 END),
		SUM(CASE WHEN a.status = ` + placeholder(2) + ` THEN 1 ELSE 0 END),
		SUM(CASE WHEN a.status = ` + placeholder(3) + ` THEN 1 ELSE 0 END),
		AVG(CASE WHEN a.completed_at IS NOT NULL THEN ` + hoursBetween("a.created", "a.completed_at") + ` END)
		FROM step_assignments a JOIN workflow_instances i ON i.id = a.workflow_instance_id
		WHERE i.definition_id = ` + placeholder(4) + `
		GROUP BY a.step_id ORDER BY a.step_id`
	rows, err := r.db.QueryContext(ctx, query,
		domain.AssignmentStatusCompleted, domain.AssignmentStatusRejected, domain.AssignmentStatusPending, definitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StepStatsRow
	for rows.Next() {
		var row StepStatsRow
		var avg sql.NullFloat64
		if err := rows.Scan(&row.StepID, &row.Completed, &row.Rejected, &row.Pending, &avg); err != nil {
			return nil, err
		}
		row.AvgHoursTaken = avg.Float64
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *StepAssignmentRepository) CountOverdue(ctx context.Context, definitionID int64, now time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM step_assignments a JOIN workflow_instances i ON i.id = a.workflow_instance_id
		WHERE i.definition_id = ` + placeholder(1) + ` AND a.status = ` + placeholder(2) + `
		AND a.deadline IS NOT NULL AND ` + dateBefore("a.deadline", 3)
	var n int
	err := r.db.QueryRowContext(ctx, query, definitionID, domain.AssignmentStatusPending, formatDateInDatabase(now)).Scan(&n)
	return n, err
}

func (r *StepAssignmentRepository) query(ctx context.Context, query string, args ...any) ([]domain.StepAssignment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StepAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAssignment(s scanner) (*domain.StepAssignment, error) {
	var a domain.StepAssignment
	err := s.Scan(&a.ID, &a.WorkflowInstanceID, &a.StepID, &a.AssignmentType, &a.AssignedRole, &a.AssignedUserID, &a.Status,
		&a.Deadline, &a.Created, &a.CompletedAt, &a.CompletedBy, &a.Comment, &a.EscalatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
