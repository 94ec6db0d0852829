package repository

import (
	"database/sql"

	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/core"
)

// Repositories bundles every repository over one connection pool.
type Repositories struct {
	Definitions   *WorkflowDefinitionRepository
	Instances     *WorkflowInstanceRepository
	Assignments   *StepAssignmentRepository
	Timeline      *TimelineRepository
	Users         *UserRepository
	Delegations   *DelegationRepository
	Rotation      *RotationRepository
	Executors     *ExecutorRepository
	Jobs          *BackgroundJobRepository
	Notifications *NotificationRepository
	SyncConfigs   *SyncConfigRepository
	SyncLogs      *SyncLogRepository
}

func NewRepositories(db *sql.DB, clock core.Clock) *Repositories {
	return &Repositories{
		Definitions:   NewWorkflowDefinitionRepository(db),
		Instances:     NewWorkflowInstanceRepository(db, clock),
		Assignments:   NewStepAssignmentRepository(db, clock),
		Timeline:      NewTimelineRepository(db, clock),
		Users:         NewUserRepository(db, clock),
		Delegations:   NewDelegationRepository(db),
		Rotation:      NewRotationRepository(db),
		Executors:     NewExecutorRepository(db, clock),
		Jobs:          NewBackgroundJobRepository(db),
		Notifications: NewNotificationRepository(db, clock),
		SyncConfigs:   NewSyncConfigRepository(db, clock),
		SyncLogs:      NewSyncLogRepository(db, clock),
	}
}
