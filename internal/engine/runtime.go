package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/arelbir/quado-lite-sub003/internal/assignment"
	"github.com/arelbir/quado-lite-sub003/internal/graph"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// AssignmentAction is a decision taken by a user on one of their step assignments.
type AssignmentAction struct {
	AssignmentID int64  `json:"assignmentId"`
	Action       string `json:"action"`
	ActorID      int64  `json:"actorId"`
	Comment      string `json:"comment,omitempty"`
}

// OnEntityEligibleForWorkflow starts the latest active definition for the entity type. An entity
// that already has an active instance gets that instance back and nothing new is started.
func (e *Engine) OnEntityEligibleForWorkflow(ctx context.Context, entityType, entityID string, metadata map[string]any) (*domain.WorkflowInstance, error) {
	existing, err := e.instances.FindActiveByEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		slog.InfoContext(ctx, "Entity already has an active workflow", "entity_type", entityType, "entity_id", entityID, "instance_id", existing.ID)
		return existing, nil
	}

	def, err := e.definitions.FindLatestActive(ctx, entityType)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, fmt.Errorf("%w for entity type %s", ErrDefinitionNotFound, entityType)
	}
	starts := def.Graph.StartNodes()
	if len(starts) != 1 {
		return nil, fmt.Errorf("%w: definition %d has %d start nodes", ErrInvalidDefinition, def.ID, len(starts))
	}
	forward := def.Graph.Forward(starts[0].ID)
	if len(forward) == 0 {
		return nil, fmt.Errorf("%w: start node of definition %d has no outgoing edge", ErrInvalidDefinition, def.ID)
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	now := e.clock.Now()
	inst := &domain.WorkflowInstance{
		DefinitionID:  def.ID,
		EntityType:    entityType,
		EntityID:      entityID,
		CurrentNodeID: starts[0].ID,
		Status:        domain.InstanceStatusActive,
		Metadata:      metadata,
		Created:       now,
		Modified:      now,
	}
	if _, err := e.instances.Save(ctx, inst); err != nil {
		return nil, fmt.Errorf("save workflow instance: %w", err)
	}
	slog.InfoContext(ctx, "Started workflow instance", "instance_id", inst.ID, "definition_id", def.ID,
		"definition", def.Name, "version", def.Version, "entity_type", entityType, "entity_id", entityID)

	if err := e.moveTo(ctx, inst, def, forward[0].Target, sql.NullInt64{}); err != nil {
		return inst, err
	}
	return inst, nil
}

// OnAssignmentAction applies an approve or reject to a pending assignment and advances the
// instance when the step is satisfied.
func (e *Engine) OnAssignmentAction(ctx context.Context, action AssignmentAction) (*domain.WorkflowInstance, error) {
	if action.Action != ActionApprove && action.Action != ActionReject {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action.Action)
	}
	a, err := e.pendingAssignment(ctx, action.AssignmentID)
	if err != nil {
		return nil, err
	}
	inst, def, err := e.loadActive(ctx, a.WorkflowInstanceID)
	if err != nil {
		return nil, err
	}
	if inst.CurrentNodeID != a.StepID {
		return nil, fmt.Errorf("%w: instance %d moved on to %s", ErrAssignmentNotPending, inst.ID, inst.CurrentNodeID)
	}
	node, ok := def.Graph.Node(a.StepID)
	if !ok {
		return nil, fmt.Errorf("%w: node %s missing from definition %d", ErrInvalidDefinition, a.StepID, def.ID)
	}

	actor := actorOf(action.ActorID)
	status, event := domain.AssignmentStatusCompleted, domain.TimelineApprove
	if action.Action == ActionReject {
		status, event = domain.AssignmentStatusRejected, domain.TimelineReject
	}
	closed, err := e.assignments.Close(ctx, a.ID, status, actor, action.Comment)
	if err != nil {
		return nil, err
	}
	if !closed {
		return nil, ErrAssignmentNotPending
	}
	payload := map[string]any{"assignmentId": a.ID}
	if action.Comment != "" {
		payload["comment"] = action.Comment
	}
	if err := e.appendEvent(ctx, inst, event, node.ID, actor, payload); err != nil {
		return inst, err
	}
	slog.InfoContext(ctx, "Assignment action applied", "instance_id", inst.ID, "assignment_id", a.ID,
		"step", node.ID, "action", action.Action, "actor_id", action.ActorID)

	if action.Action == ActionReject {
		return e.advance(ctx, inst, node.ID, func(inst *domain.WorkflowInstance) error {
			return e.rejectAt(ctx, inst, def, node, actor)
		})
	}
	return e.advance(ctx, inst, node.ID, func(inst *domain.WorkflowInstance) error {
		satisfied, err := e.quorumReached(ctx, inst, node)
		if err != nil || !satisfied {
			return err
		}
		if err := e.supersedePending(ctx, inst.ID, node.ID, actor, "step completed by another approver"); err != nil {
			return err
		}
		forward := def.Graph.Forward(node.ID)
		if len(forward) == 0 {
			slog.WarnContext(ctx, "Completed step has no outgoing edge, instance waits", "instance_id", inst.ID, "step", node.ID)
			return nil
		}
		return e.moveTo(ctx, inst, def, forward[0].Target, actor)
	})
}

// advance runs step and, when another writer updated the instance first, reloads it and runs
// step again for as long as the instance is still active at nodeID. A closed assignment must not
// be left behind an instance that never moved.
func (e *Engine) advance(ctx context.Context, inst *domain.WorkflowInstance, nodeID string, step func(*domain.WorkflowInstance) error) (*domain.WorkflowInstance, error) {
	for attempt := 1; ; attempt++ {
		err := step(inst)
		if !errors.Is(err, ErrConcurrentModification) || attempt >= maxAdvanceAttempts {
			return inst, err
		}
		fresh, ferr := e.GetInstance(ctx, inst.ID)
		if ferr != nil {
			return inst, ferr
		}
		if fresh.Status != domain.InstanceStatusActive || fresh.CurrentNodeID != nodeID {
			slog.InfoContext(ctx, "Instance moved on concurrently", "instance_id", fresh.ID, "step", nodeID,
				"status", fresh.Status, "current", fresh.CurrentNodeID)
			return fresh, nil
		}
		slog.WarnContext(ctx, "Instance modified concurrently, retrying transition", "instance_id", fresh.ID, "step", nodeID, "attempt", attempt)
		inst = fresh
	}
}

// quorumReached reports whether the step can be left. Approval nodes in ALL mode wait until no
// assignment of the step is pending; everything else leaves on the first approval.
func (e *Engine) quorumReached(ctx context.Context, inst *domain.WorkflowInstance, node graph.Node) (bool, error) {
	if node.Type != graph.NodeApproval || node.Data.ApprovalType == graph.ApprovalAny {
		return true, nil
	}
	pending, err := e.assignments.FindPendingByStep(ctx, inst.ID, node.ID)
	if err != nil {
		return false, err
	}
	if len(pending) > 0 {
		slog.DebugContext(ctx, "Approval waiting for remaining approvers", "instance_id", inst.ID, "step", node.ID, "pending", len(pending))
		return false, nil
	}
	return true, nil
}

func (e *Engine) rejectAt(ctx context.Context, inst *domain.WorkflowInstance, def *domain.WorkflowDefinition, node graph.Node, actor sql.NullInt64) error {
	if err := e.supersedePending(ctx, inst.ID, node.ID, actor, "step rejected"); err != nil {
		return err
	}
	if edge, ok := def.Graph.RejectEdge(node.ID); ok {
		return e.moveTo(ctx, inst, def, edge.Target, actor)
	}
	inst.Status = domain.InstanceStatusCancelled
	if err := e.saveProgress(ctx, inst); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Workflow instance cancelled by rejection", "instance_id", inst.ID, "step", node.ID)
	return e.appendEvent(ctx, inst, domain.TimelineCancel, node.ID, actor, map[string]any{"reason": "rejected"})
}

// Cancel ends an active instance immediately wherever it is. Pending assignments are rejected.
func (e *Engine) Cancel(ctx context.Context, instanceID, actorID int64, reason string) (*domain.WorkflowInstance, error) {
	inst, _, err := e.loadActive(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	actor := actorOf(actorID)
	inst.Status = domain.InstanceStatusCancelled
	if err := e.saveProgress(ctx, inst); err != nil {
		return nil, err
	}
	pending, err := e.assignments.FindPendingByInstance(ctx, inst.ID)
	if err != nil {
		return inst, err
	}
	for _, a := range pending {
		if _, err := e.assignments.Close(ctx, a.ID, domain.AssignmentStatusRejected, actor, reason); err != nil {
			return inst, err
		}
	}
	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := e.appendEvent(ctx, inst, domain.TimelineCancel, inst.CurrentNodeID, actor, payload); err != nil {
		return inst, err
	}
	slog.InfoContext(ctx, "Workflow instance cancelled", "instance_id", inst.ID, "actor_id", actorID, "reason", reason)
	return inst, nil
}

// UpdateMetadata merges values into the metadata of an active instance. An instance waiting at a
// decision node is re-evaluated and moves on if a branch now matches.
func (e *Engine) UpdateMetadata(ctx context.Context, instanceID int64, values map[string]any) (*domain.WorkflowInstance, error) {
	inst, def, err := e.loadActive(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Metadata == nil {
		inst.Metadata = map[string]any{}
	}
	maps.Copy(inst.Metadata, values)
	if err := e.saveProgress(ctx, inst); err != nil {
		return nil, err
	}

	node, ok := def.Graph.Node(inst.CurrentNodeID)
	if !ok || node.Type != graph.NodeDecision {
		return inst, nil
	}
	return e.advance(ctx, inst, node.ID, func(inst *domain.WorkflowInstance) error {
		edge, ok := e.chooseBranch(ctx, def.Graph, node, inst.Metadata)
		if !ok {
			return nil
		}
		slog.InfoContext(ctx, "Metadata update resumed waiting decision", "instance_id", inst.ID, "step", node.ID, "target", edge.Target)
		return e.moveTo(ctx, inst, def, edge.Target, sql.NullInt64{})
	})
}

// Reassign hands a pending assignment to another user. The old assignment is superseded and a
// new pending one with the same step, role and deadline is created.
func (e *Engine) Reassign(ctx context.Context, assignmentID, userID, actorID int64) (*domain.StepAssignment, error) {
	a, err := e.pendingAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	inst, _, err := e.loadActive(ctx, a.WorkflowInstanceID)
	if err != nil {
		return nil, err
	}
	actor := actorOf(actorID)
	closed, err := e.assignments.Close(ctx, a.ID, domain.AssignmentStatusSuperseded, actor, fmt.Sprintf("reassigned to user %d", userID))
	if err != nil {
		return nil, err
	}
	if !closed {
		return nil, ErrAssignmentNotPending
	}

	next := domain.StepAssignment{
		WorkflowInstanceID: a.WorkflowInstanceID,
		StepID:             a.StepID,
		AssignmentType:     a.AssignmentType,
		AssignedRole:       a.AssignedRole,
		AssignedUserID:     sql.NullInt64{Int64: userID, Valid: true},
		Status:             domain.AssignmentStatusPending,
		Deadline:           a.Deadline,
		Created:            e.clock.Now(),
	}
	if _, err := e.assignments.Save(ctx, &next); err != nil {
		return nil, fmt.Errorf("save reassigned step: %w", err)
	}
	payload := map[string]any{"assignmentId": a.ID, "newAssignmentId": next.ID, "toUserId": userID}
	if a.AssignedUserID.Valid {
		payload["fromUserId"] = a.AssignedUserID.Int64
	}
	if err := e.appendEvent(ctx, inst, domain.TimelineReassign, a.StepID, actor, payload); err != nil {
		return &next, err
	}
	slog.InfoContext(ctx, "Assignment reassigned", "instance_id", inst.ID, "assignment_id", a.ID, "new_assignment_id", next.ID, "user_id", userID)
	if e.listener != nil {
		e.listener.AssignmentCreated(ctx, next, inst)
	}
	return &next, nil
}

// moveTo enters target and follows decision nodes until the instance reaches a node that waits
// for people, an end node, or a decision without a matching branch.
func (e *Engine) moveTo(ctx context.Context, inst *domain.WorkflowInstance, def *domain.WorkflowDefinition, target string, actor sql.NullInt64) error {
	path, err := e.walk(ctx, def.Graph, target, inst.Metadata)
	if err != nil {
		return err
	}
	last := path[len(path)-1]
	inst.CurrentNodeID = last.ID
	if last.Type == graph.NodeEnd {
		inst.Status = domain.InstanceStatusCompleted
		inst.CompletedAt = sql.NullTime{Time: e.clock.Now(), Valid: true}
	}
	if err := e.saveProgress(ctx, inst); err != nil {
		return err
	}

	for _, node := range path {
		if node.Type == graph.NodeEnd {
			if err := e.appendEvent(ctx, inst, domain.TimelineComplete, node.ID, actor, nil); err != nil {
				return err
			}
			continue
		}
		payload := map[string]any{"nodeType": string(node.Type)}
		if node.Data.Label != "" {
			payload["label"] = node.Data.Label
		}
		if err := e.appendEvent(ctx, inst, domain.TimelineEnterNode, node.ID, actor, payload); err != nil {
			return err
		}
	}

	switch {
	case last.Type == graph.NodeEnd:
		slog.InfoContext(ctx, "Workflow instance completed", "instance_id", inst.ID, "end_node", last.ID)
	case last.Type.Actionable():
		return e.createAssignments(ctx, inst, last)
	case last.Type == graph.NodeDecision:
		slog.WarnContext(ctx, "Workflow instance stalled at decision", "instance_id", inst.ID, "step", last.ID)
	}
	return nil
}

func (e *Engine) walk(ctx context.Context, g graph.Graph, target string, metadata map[string]any) ([]graph.Node, error) {
	var path []graph.Node
	for {
		node, ok := g.Node(target)
		if !ok {
			return nil, fmt.Errorf("%w: edge points to unknown node %s", ErrInvalidDefinition, target)
		}
		path = append(path, node)
		if len(path) >= MaxTraversalDepth {
			slog.ErrorContext(ctx, "Traversal depth exceeded, instance stops", "node", node.ID, "depth", len(path))
			return path, nil
		}
		switch node.Type {
		case graph.NodeDecision:
			edge, ok := e.chooseBranch(ctx, g, node, metadata)
			if !ok {
				return path, nil
			}
			target = edge.Target
		case graph.NodeStart:
			forward := g.Forward(node.ID)
			if len(forward) == 0 {
				return path, nil
			}
			target = forward[0].Target
		default:
			return path, nil
		}
	}
}

// chooseBranch picks the first outgoing edge of a decision node, in declaration order, whose
// condition holds. Literal true/false edges compare against the node condition. The else edge
// is taken only when nothing else matched.
func (e *Engine) chooseBranch(ctx context.Context, g graph.Graph, node graph.Node, metadata map[string]any) (graph.Edge, bool) {
	var fallback *graph.Edge
	var nodeResult, nodeEvaluated bool
	for _, edge := range g.Forward(node.ID) {
		if edge.IsDefault() {
			if fallback == nil {
				fb := edge
				fallback = &fb
			}
			continue
		}
		if want, ok := edge.BranchLiteral(); ok {
			if !nodeEvaluated {
				nodeResult = e.evaluate(ctx, node.ID, node.Data.Condition, metadata)
				nodeEvaluated = true
			}
			if nodeResult == want {
				return edge, true
			}
			continue
		}
		if strings.TrimSpace(edge.Condition) == "" {
			continue
		}
		if e.evaluate(ctx, node.ID, edge.Condition, metadata) {
			return edge, true
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	slog.WarnContext(ctx, "No branch of decision matched", "step", node.ID)
	return graph.Edge{}, false
}

// evaluate treats an expression that cannot be evaluated as false.
func (e *Engine) evaluate(ctx context.Context, nodeID, expression string, metadata map[string]any) bool {
	ok, err := e.conditions.Evaluate(expression, metadata)
	if err != nil {
		slog.WarnContext(ctx, "Condition evaluation failed, treating as false", "step", nodeID, "condition", expression, "error", err)
		return false
	}
	return ok
}

func (e *Engine) createAssignments(ctx context.Context, inst *domain.WorkflowInstance, node graph.Node) error {
	now := e.clock.Now()
	var deadline sql.NullTime
	if node.Data.DeadlineHours > 0 {
		deadline = sql.NullTime{Time: now.Add(time.Duration(node.Data.DeadlineHours) * time.Hour), Valid: true}
	}

	targets := node.Data.Approvers
	if node.Type != graph.NodeApproval {
		targets = []graph.Approver{{Type: node.Data.AssignmentType, Role: node.Data.Role, UserID: node.Data.UserID}}
	}
	for _, t := range targets {
		a := domain.StepAssignment{
			WorkflowInstanceID: inst.ID,
			StepID:             node.ID,
			Status:             domain.AssignmentStatusPending,
			Deadline:           deadline,
			Created:            now,
		}
		e.target(ctx, &a, t, node.Data.Strategy)
		if _, err := e.assignments.Save(ctx, &a); err != nil {
			return fmt.Errorf("save step assignment for %s: %w", node.ID, err)
		}
		slog.InfoContext(ctx, "Created step assignment", "instance_id", inst.ID, "step", node.ID, "assignment_id", a.ID,
			"role", a.AssignedRole, "user_id", a.AssignedUserID.Int64, "assigned", a.AssignedUserID.Valid)
		if e.listener != nil && a.AssignedUserID.Valid {
			e.listener.AssignmentCreated(ctx, a, inst)
		}
	}
	return nil
}

// target fills in who the assignment is for. A role without any member leaves the user empty so
// the step shows up as unassigned.
func (e *Engine) target(ctx context.Context, a *domain.StepAssignment, t graph.Approver, strategyName string) {
	if t.Type == graph.AssignToUser || (t.Type == "" && t.Role == "" && t.UserID != 0) {
		a.AssignmentType = domain.AssignmentTypeUser
		a.AssignedUserID = sql.NullInt64{Int64: t.UserID, Valid: true}
		return
	}
	a.AssignmentType = domain.AssignmentTypeRole
	a.AssignedRole = t.Role

	strategy := e.defaultStrategy
	if strategyName != "" {
		parsed, err := assignment.ParseStrategy(strategyName)
		if err != nil {
			slog.WarnContext(ctx, "Unknown strategy on node, using default", "strategy", strategyName, "default", strategy.String())
		} else {
			strategy = parsed
		}
	}
	res := e.resolver.Resolve(ctx, t.Role, strategy)
	if res.Assigned {
		a.AssignedUserID = sql.NullInt64{Int64: res.UserID, Valid: true}
		return
	}
	slog.WarnContext(ctx, "No user for role, step needs assignment", "role", t.Role, "reason", res.Reason)
}

func (e *Engine) supersedePending(ctx context.Context, instanceID int64, stepID string, actor sql.NullInt64, comment string) error {
	pending, err := e.assignments.FindPendingByStep(ctx, instanceID, stepID)
	if err != nil {
		return err
	}
	for _, a := range pending {
		if _, err := e.assignments.Close(ctx, a.ID, domain.AssignmentStatusSuperseded, actor, comment); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) saveProgress(ctx context.Context, inst *domain.WorkflowInstance) error {
	ok, err := e.instances.UpdateProgress(ctx, inst)
	if err != nil {
		return fmt.Errorf("update workflow instance %d: %w", inst.ID, err)
	}
	if !ok {
		return ErrConcurrentModification
	}
	return nil
}

func (e *Engine) appendEvent(ctx context.Context, inst *domain.WorkflowInstance, action, nodeID string, actor sql.NullInt64, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	ev := &domain.WorkflowTimelineEvent{
		WorkflowInstanceID: inst.ID,
		Action:             action,
		NodeID:             nodeID,
		ActorID:            actor,
		Payload:            payload,
		Created:            e.clock.Now(),
	}
	if _, err := e.timeline.Append(ctx, ev); err != nil {
		return fmt.Errorf("append %s event to instance %d: %w", action, inst.ID, err)
	}
	return nil
}

func (e *Engine) pendingAssignment(ctx context.Context, id int64) (*domain.StepAssignment, error) {
	a, err := e.assignments.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrAssignmentNotFound
	}
	if a.Status != domain.AssignmentStatusPending {
		return nil, ErrAssignmentNotPending
	}
	return a, nil
}

func (e *Engine) loadActive(ctx context.Context, instanceID int64) (*domain.WorkflowInstance, *domain.WorkflowDefinition, error) {
	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	if inst.Status != domain.InstanceStatusActive {
		return nil, nil, fmt.Errorf("%w: instance %d is %s", ErrInstanceNotActive, inst.ID, inst.Status)
	}
	def, err := e.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, nil, err
	}
	return inst, def, nil
}

func actorOf(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}
