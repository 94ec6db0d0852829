package controllers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/arelbir/quado-lite-sub003/internal/engine"
	"github.com/arelbir/quado-lite-sub003/internal/util"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/models"
)

// WorkflowEngine is the part of *engine.Engine the runtime endpoints use.
type WorkflowEngine interface {
	OnEntityEligibleForWorkflow(ctx context.Context, entityType, entityID string, metadata map[string]any) (*domain.WorkflowInstance, error)
	OnAssignmentAction(ctx context.Context, action engine.AssignmentAction) (*domain.WorkflowInstance, error)
	Cancel(ctx context.Context, instanceID, actorID int64, reason string) (*domain.WorkflowInstance, error)
	UpdateMetadata(ctx context.Context, instanceID int64, values map[string]any) (*domain.WorkflowInstance, error)
	Reassign(ctx context.Context, assignmentID, userID, actorID int64) (*domain.StepAssignment, error)
	GetInstance(ctx context.Context, id int64) (*domain.WorkflowInstance, error)
	Assignments(ctx context.Context, instanceID int64) ([]domain.StepAssignment, error)
	AssignmentsForUser(ctx context.Context, userID int64) ([]domain.StepAssignment, error)
	Timeline(ctx context.Context, instanceID int64) ([]domain.WorkflowTimelineEvent, error)
	FindOverdueAssignments(ctx context.Context) ([]domain.StepAssignment, error)
	FindUnassignedAssignments(ctx context.Context) ([]domain.StepAssignment, error)
	FindStalledInstances(ctx context.Context) ([]domain.WorkflowInstance, error)
}

type WorkflowsController struct {
	Engine WorkflowEngine
}

func NewWorkflowsController(e WorkflowEngine) *WorkflowsController {
	return &WorkflowsController{Engine: e}
}

func (c *WorkflowsController) handleEntityEligible(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := strings.TrimSpace(r.PathValue("entityType")), strings.TrimSpace(r.PathValue("entityId"))
	if entityType == "" || entityID == "" {
		http.Error(w, "entityType and entityId are required", http.StatusBadRequest)
		return
	}
	req, err := util.DecodeOptionalJSONBody[models.StartWorkflowRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	inst, err := c.Engine.OnEntityEligibleForWorkflow(r.Context(), entityType, entityID, req.Metadata)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, inst)
}

func (c *WorkflowsController) handleAssignmentAction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	req, err := util.DecodeJSONBody[models.AssignmentActionRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	inst, err := c.Engine.OnAssignmentAction(r.Context(), engine.AssignmentAction{
		AssignmentID: id,
		Action:       strings.ToLower(strings.TrimSpace(req.Action)),
		ActorID:      actorID(r),
		Comment:      req.Comment,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, inst)
}

func (c *WorkflowsController) handleReassign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	req, err := util.DecodeJSONBody[models.ReassignRequest](r)
	if err != nil || req.UserID <= 0 {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	a, err := c.Engine.Reassign(r.Context(), id, req.UserID, actorID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, a)
}

func (c *WorkflowsController) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	req, err := util.DecodeOptionalJSONBody[models.CancelRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	inst, err := c.Engine.Cancel(r.Context(), id, actorID(r), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, inst)
}

func (c *WorkflowsController) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	req, err := util.DecodeJSONBody[models.UpdateMetadataRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	inst, err := c.Engine.UpdateMetadata(r.Context(), id, req.Metadata)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, inst)
}

func (c *WorkflowsController) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	inst, err := c.Engine.GetInstance(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	assignments, err := c.Engine.Assignments(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, models.InstanceResponse{Instance: inst, Assignments: emptyIfNil(assignments)})
}

func (c *WorkflowsController) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	events, err := c.Engine.Timeline(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, emptyIfNil(events))
}

func (c *WorkflowsController) handleOverdue(w http.ResponseWriter, r *http.Request) {
	list, err := c.Engine.FindOverdueAssignments(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, emptyIfNil(list))
}

func (c *WorkflowsController) handleUnassigned(w http.ResponseWriter, r *http.Request) {
	list, err := c.Engine.FindUnassignedAssignments(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, emptyIfNil(list))
}

func (c *WorkflowsController) handleUserAssignments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	list, err := c.Engine.AssignmentsForUser(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, emptyIfNil(list))
}

func (c *WorkflowsController) handleStalled(w http.ResponseWriter, r *http.Request) {
	list, err := c.Engine.FindStalledInstances(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(list) > 0 {
		slog.WarnContext(r.Context(), "Stalled workflow instances", "count", len(list))
	}
	util.WriteJSONResponse(w, http.StatusOK, emptyIfNil(list))
}

// emptyIfNil keeps JSON lists from encoding as null.
func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
