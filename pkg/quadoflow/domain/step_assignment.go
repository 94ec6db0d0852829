package domain

import (
	"database/sql"
	"time"
)

const (
	AssignmentStatusPending    = "pending"
	AssignmentStatusCompleted  = "completed"
	AssignmentStatusRejected   = "rejected"
	AssignmentStatusSuperseded = "superseded"

	AssignmentTypeRole = "role"
	AssignmentTypeUser = "user"
)

// StepAssignment is a unit of human work created when an instance enters an actionable node.
type StepAssignment struct {
	ID                 int64         `json:"id"`
	WorkflowInstanceID int64         `json:"workflowInstanceId"`
	StepID             string        `json:"stepId"`
	AssignmentType     string        `json:"assignmentType"`
	AssignedRole       string        `json:"assignedRole"`
	AssignedUserID     sql.NullInt64 `json:"assignedUserId"`
	Status             string        `json:"status"`
	Deadline           sql.NullTime  `json:"deadline"`
	Created            time.Time     `json:"createdAt"`
	CompletedAt        sql.NullTime  `json:"completedAt"`
	CompletedBy        sql.NullInt64 `json:"completedBy"`
	Comment            string        `json:"comment"`
	EscalatedAt        sql.NullTime  `json:"escalatedAt"`
}

// IsOverdue reports whether a pending assignment has passed its deadline.
func (a *StepAssignment) IsOverdue(now time.Time) bool {
	return a.Status == AssignmentStatusPending && a.Deadline.Valid && a.Deadline.Time.Before(now)
}
