package controllers

import (
	"context"
	"io"

	"github.com/arelbir/quado-lite-sub003/internal/engine"
	"github.com/arelbir/quado-lite-sub003/internal/graph"
	"github.com/arelbir/quado-lite-sub003/internal/queue"
	"github.com/arelbir/quado-lite-sub003/internal/validator"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

// MockWorkflowEngine implements WorkflowEngine; unset functions return zero values.
type MockWorkflowEngine struct {
	OnEntityEligibleFunc   func(entityType, entityID string, metadata map[string]any) (*domain.WorkflowInstance, error)
	OnAssignmentActionFunc func(action engine.AssignmentAction) (*domain.WorkflowInstance, error)
	CancelFunc             func(instanceID, actorID int64, reason string) (*domain.WorkflowInstance, error)
	UpdateMetadataFunc     func(instanceID int64, values map[string]any) (*domain.WorkflowInstance, error)
	ReassignFunc           func(assignmentID, userID, actorID int64) (*domain.StepAssignment, error)
	GetInstanceFunc        func(id int64) (*domain.WorkflowInstance, error)
	AssignmentsFunc        func(instanceID int64) ([]domain.StepAssignment, error)
	AssignmentsForUserFunc func(userID int64) ([]domain.StepAssignment, error)
	TimelineFunc           func(instanceID int64) ([]domain.WorkflowTimelineEvent, error)
	OverdueFunc            func() ([]domain.StepAssignment, error)
	UnassignedFunc         func() ([]domain.StepAssignment, error)
	StalledFunc            func() ([]domain.WorkflowInstance, error)
}

func (m *MockWorkflowEngine) OnEntityEligibleForWorkflow(_ context.Context, entityType, entityID string, metadata map[string]any) (*domain.WorkflowInstance, error) {
	if m.OnEntityEligibleFunc != nil {
		return m.OnEntityEligibleFunc(entityType, entityID, metadata)
	}
	return nil, nil
}
func (m *MockWorkflowEngine) OnAssignmentAction(_ context.Context, action engine.AssignmentAction) (*domain.WorkflowInstance, error) {
	if m.OnAssignmentActionFunc != nil {
		return m.OnAssignmentActionFunc(action)
	}
	return nil, nil
}
func (m *MockWorkflowEngine) Cancel(_ context.Context, instanceID, actorID int64, reason string) (*domain.WorkflowInstance, error) {
	if m.CancelFunc != nil {
		return m.CancelFunc(instanceID, actorID, reason)
	}
	return nil, nil
}
func (m *MockWorkflowEngine) UpdateMetadata(_ context.Context, instanceID int64, values map[string]any) (*domain.WorkflowInstance, error) {
	if m.UpdateMetadataFunc != nil {
		return m.UpdateMetadataFunc(instanceID, values)
	}
	return nil, nil
}
func (m *MockWorkflowEngine) Reassign(_ context.Context, assignmentID, userID, actorID int64) (*domain.StepAssignment, error) {
	if m.ReassignFunc != nil {
		return m.ReassignFunc(assignmentID, userID, actorID)
	}
	return nil, nil
}
func (m *MockWorkflowEngine) GetInstance(_ context.Context, id int64) (*domain.WorkflowInstance, error) {
	if m.GetInstanceFunc != nil {
		return m.GetInstanceFunc(id)
	}
	return nil, nil
}
func (m *MockWorkflowEngine) Assignments(_ context.Context, instanceID int64) ([]domain.StepAssignment, error) {
	if m.AssignmentsFunc != nil {
		return m.AssignmentsFunc(instanceID)
	}
	return nil, nil
}
func (m *MockWorkflowEngine) AssignmentsForUser(_ context.Context, userID int64) ([]domain.StepAssignment, error) {
	if m.AssignmentsForUserFunc != nil {
		return m.AssignmentsForUserFunc(userID)
	}
	return nil, nil
}
func (m *MockWorkflowEngine) Timeline(_ context.Context, instanceID int64) ([]domain.WorkflowTimelineEvent, error) {
	if m.TimelineFunc != nil {
		return m.TimelineFunc(instanceID)
	}
	return nil, nil
}
func (m *MockWorkflowEngine) FindOverdueAssignments(context.Context) ([]domain.StepAssignment, error) {
	if m.OverdueFunc != nil {
		return m.OverdueFunc()
	}
	return nil, nil
}
func (m *MockWorkflowEngine) FindUnassignedAssignments(context.Context) ([]domain.StepAssignment, error) {
	if m.UnassignedFunc != nil {
		return m.UnassignedFunc()
	}
	return nil, nil
}
func (m *MockWorkflowEngine) FindStalledInstances(context.Context) ([]domain.WorkflowInstance, error) {
	if m.StalledFunc != nil {
		return m.StalledFunc()
	}
	return nil, nil
}

// MockDefinitionService implements DefinitionService.
type MockDefinitionService struct {
	PublishFunc    func(def *domain.WorkflowDefinition) (validator.Result, error)
	ListFunc       func() ([]domain.WorkflowDefinition, error)
	DeactivateFunc func(id int64) error
	AnalyticsFunc  func(id int64) (*engine.Analytics, error)
}

func (m *MockDefinitionService) ValidateDefinition(g graph.Graph) validator.Result {
	return validator.Validate(g)
}
func (m *MockDefinitionService) PublishDefinition(_ context.Context, def *domain.WorkflowDefinition) (validator.Result, error) {
	if m.PublishFunc != nil {
		return m.PublishFunc(def)
	}
	return validator.Result{IsValid: true}, nil
}
func (m *MockDefinitionService) ListDefinitions(context.Context) ([]domain.WorkflowDefinition, error) {
	if m.ListFunc != nil {
		return m.ListFunc()
	}
	return nil, nil
}
func (m *MockDefinitionService) DeactivateDefinition(_ context.Context, id int64) error {
	if m.DeactivateFunc != nil {
		return m.DeactivateFunc(id)
	}
	return nil
}
func (m *MockDefinitionService) Analytics(_ context.Context, id int64) (*engine.Analytics, error) {
	if m.AnalyticsFunc != nil {
		return m.AnalyticsFunc(id)
	}
	return nil, nil
}

type MockSyncRunner struct {
	EnqueueFunc   func(configID, triggeredBy int64) (*domain.SyncLog, error)
	RunUploadFunc func(configID, triggeredBy int64, input io.Reader) (*domain.SyncLog, error)
}

func (m *MockSyncRunner) Enqueue(_ context.Context, configID, triggeredBy int64) (*domain.SyncLog, error) {
	if m.EnqueueFunc != nil {
		return m.EnqueueFunc(configID, triggeredBy)
	}
	return nil, nil
}
func (m *MockSyncRunner) RunUpload(_ context.Context, configID, triggeredBy int64, input io.Reader) (*domain.SyncLog, error) {
	if m.RunUploadFunc != nil {
		return m.RunUploadFunc(configID, triggeredBy, input)
	}
	return nil, nil
}

type MockExecutorRepo struct {
	GetExecutorsByLastActiveFunc func(limit int) ([]*domain.Executor, error)
}

func (m *MockExecutorRepo) GetExecutorsByLastActive(_ context.Context, limit int) ([]*domain.Executor, error) {
	if m.GetExecutorsByLastActiveFunc != nil {
		return m.GetExecutorsByLastActiveFunc(limit)
	}
	return nil, nil
}

type staticQueueStatus queue.Status

func (s staticQueueStatus) GetQueueStatus(context.Context) (queue.Status, error) {
	return queue.Status(s), nil
}
