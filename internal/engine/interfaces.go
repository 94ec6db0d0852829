package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/arelbir/quado-lite-sub003/internal/assignment"
	"github.com/arelbir/quado-lite-sub003/internal/repository"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

// DefinitionRepo matches repository.WorkflowDefinitionRepository.
type DefinitionRepo interface {
	Save(ctx context.Context, def *domain.WorkflowDefinition) (int64, error)
	NextVersion(ctx context.Context, name string) (int, error)
	FindByID(ctx context.Context, id int64) (*domain.WorkflowDefinition, error)
	FindLatestActive(ctx context.Context, entityType string) (*domain.WorkflowDefinition, error)
	FindAll(ctx context.Context) ([]domain.WorkflowDefinition, error)
	SetActive(ctx context.Context, id int64, active bool) (bool, error)
}

// InstanceRepo matches repository.WorkflowInstanceRepository.
type InstanceRepo interface {
	Save(ctx context.Context, inst *domain.WorkflowInstance) (int64, error)
	FindByID(ctx context.Context, id int64) (*domain.WorkflowInstance, error)
	FindActiveByEntity(ctx context.Context, entityType, entityID string) (*domain.WorkflowInstance, error)
	FindActive(ctx context.Context, limit int) ([]domain.WorkflowInstance, error)
	UpdateProgress(ctx context.Context, inst *domain.WorkflowInstance) (bool, error)
	CountByStatus(ctx context.Context, definitionID int64) ([]repository.DefinitionStatusRow, error)
	AverageCompletionHours(ctx context.Context, definitionID int64) (float64, error)
}

// AssignmentRepo matches repository.StepAssignmentRepository.
type AssignmentRepo interface {
	Save(ctx context.Context, a *domain.StepAssignment) (int64, error)
	FindByID(ctx context.Context, id int64) (*domain.StepAssignment, error)
	FindByInstance(ctx context.Context, instanceID int64) ([]domain.StepAssignment, error)
	FindPendingByInstance(ctx context.Context, instanceID int64) ([]domain.StepAssignment, error)
	FindPendingByStep(ctx context.Context, instanceID int64, stepID string) ([]domain.StepAssignment, error)
	FindPendingForUser(ctx context.Context, userID int64) ([]domain.StepAssignment, error)
	FindOverdue(ctx context.Context, now time.Time, limit int) ([]domain.StepAssignment, error)
	FindOverdueNotEscalated(ctx context.Context, now time.Time, limit int) ([]domain.StepAssignment, error)
	FindUnassigned(ctx context.Context, limit int) ([]domain.StepAssignment, error)
	Close(ctx context.Context, id int64, status string, actorID sql.NullInt64, comment string) (bool, error)
	MarkEscalated(ctx context.Context, id int64, at time.Time) (bool, error)
	StepStats(ctx context.Context, definitionID int64) ([]repository.StepStatsRow, error)
	CountOverdue(ctx context.Context, definitionID int64, now time.Time) (int, error)
}

// TimelineRepo matches repository.TimelineRepository.
type TimelineRepo interface {
	Append(ctx context.Context, e *domain.WorkflowTimelineEvent) (int64, error)
	FindByInstance(ctx context.Context, instanceID int64) ([]domain.WorkflowTimelineEvent, error)
}

// AssigneeResolver picks the user that receives a role targeted step. Implemented by
// assignment.Resolver.
type AssigneeResolver interface {
	Resolve(ctx context.Context, role string, strategy assignment.Strategy) assignment.Resolution
}

// ConditionEvaluator evaluates decision conditions against instance metadata.
type ConditionEvaluator interface {
	Evaluate(expression string, metadata map[string]any) (bool, error)
}

// Escalator acts on an overdue assignment. The engine only detects overdue work; what happens to
// it (a reminder, a reassignment) is up to the implementation.
type Escalator interface {
	Escalate(ctx context.Context, a domain.StepAssignment, inst *domain.WorkflowInstance) error
}

// AssignmentListener is told about every assignment the engine creates for a concrete user.
type AssignmentListener interface {
	AssignmentCreated(ctx context.Context, a domain.StepAssignment, inst *domain.WorkflowInstance)
}
