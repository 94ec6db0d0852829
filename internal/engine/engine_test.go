package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arelbir/quado-lite-sub003/internal/assignment"
	"github.com/arelbir/quado-lite-sub003/internal/graph"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

type harness struct {
	engine      *Engine
	defs        *memDefinitions
	instances   *memInstances
	assignments *memAssignments
	timeline    *memTimeline
	resolver    *roleResolver
	clock       *fakeClock
	listener    *recordingListener
	escalator   *recordingEscalator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)}
	h := &harness{
		defs:        &memDefinitions{},
		instances:   &memInstances{},
		assignments: &memAssignments{clock: clock},
		timeline:    &memTimeline{},
		resolver:    &roleResolver{users: map[string]int64{"manager": 21, "clerk": 22, "auditor": 23}},
		clock:       clock,
		listener:    &recordingListener{},
		escalator:   &recordingEscalator{},
	}
	opts = append([]Option{WithAssignmentListener(h.listener), WithEscalator(h.escalator)}, opts...)
	h.engine = NewEngine(h.defs, h.instances, h.assignments, h.timeline, h.resolver, clock, opts...)
	return h
}

func (h *harness) publish(t *testing.T, entityType string, g graph.Graph) *domain.WorkflowDefinition {
	t.Helper()
	def := &domain.WorkflowDefinition{Name: entityType + "-flow", EntityType: entityType, Graph: g}
	_, err := h.engine.PublishDefinition(context.Background(), def)
	require.NoError(t, err)
	return def
}

func (h *harness) actions(t *testing.T, instanceID int64) []string {
	t.Helper()
	events, err := h.engine.Timeline(context.Background(), instanceID)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action+":"+e.NodeID)
	}
	return out
}

func process(id, role string) graph.Node {
	return graph.Node{ID: id, Type: graph.NodeProcess, Data: graph.NodeData{Label: id, AssignmentType: graph.AssignToRole, Role: role, DeadlineHours: 24}}
}

func edge(id, source, target, condition string) graph.Edge {
	return graph.Edge{ID: id, Source: source, Target: target, Condition: condition}
}

// decisionGraph routes large amounts to a manager and everything else to a clerk.
func decisionGraph() graph.Graph {
	return graph.Graph{
		Nodes: []graph.Node{
			{ID: "start", Type: graph.NodeStart},
			{ID: "decide", Type: graph.NodeDecision, Data: graph.NodeData{Label: "Amount check"}},
			process("big", "manager"),
			process("small", "clerk"),
			{ID: "end", Type: graph.NodeEnd},
		},
		Edges: []graph.Edge{
			edge("e1", "start", "decide", ""),
			edge("e2", "decide", "big", "amount > 1000"),
			edge("e3", "decide", "small", "else"),
			edge("e4", "big", "end", ""),
			edge("e5", "small", "end", ""),
		},
	}
}

func approvalGraph(mode graph.ApprovalType) graph.Graph {
	return graph.Graph{
		Nodes: []graph.Node{
			{ID: "start", Type: graph.NodeStart},
			{ID: "approve", Type: graph.NodeApproval, Data: graph.NodeData{
				Label:        "Board approval",
				ApprovalType: mode,
				Approvers: []graph.Approver{
					{Type: graph.AssignToUser, UserID: 11},
					{Type: graph.AssignToUser, UserID: 12},
					{Type: graph.AssignToUser, UserID: 13},
				},
				DeadlineHours: 48,
			}},
			{ID: "end", Type: graph.NodeEnd},
		},
		Edges: []graph.Edge{
			edge("e1", "start", "approve", ""),
			edge("e2", "approve", "end", ""),
		},
	}
}

func (h *harness) act(t *testing.T, assignmentID int64, action string) *domain.WorkflowInstance {
	t.Helper()
	inst, err := h.engine.OnAssignmentAction(context.Background(), AssignmentAction{AssignmentID: assignmentID, Action: action, ActorID: 7})
	require.NoError(t, err)
	return inst
}

func TestPublishDefinition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.PublishDefinition(ctx, &domain.WorkflowDefinition{Name: "broken", EntityType: "audit",
		Graph: graph.Graph{Nodes: []graph.Node{{ID: "end", Type: graph.NodeEnd}}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	var structural *StructuralError
	require.True(t, errors.As(err, &structural))
	assert.False(t, structural.Result.IsValid)
	assert.NotEmpty(t, structural.Result.Errors)

	_, err = h.engine.PublishDefinition(ctx, &domain.WorkflowDefinition{Name: " ", EntityType: "audit", Graph: decisionGraph()})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	v1 := h.publish(t, "finding", decisionGraph())
	v2 := h.publish(t, "finding", decisionGraph())
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)
	assert.True(t, v2.IsActive)

	require.NoError(t, h.engine.DeactivateDefinition(ctx, v2.ID))
	inst, err := h.engine.OnEntityEligibleForWorkflow(ctx, "finding", "F-1", map[string]any{"amount": 10})
	require.NoError(t, err)
	assert.Equal(t, v1.ID, inst.DefinitionID)

	assert.ErrorIs(t, h.engine.DeactivateDefinition(ctx, 404), ErrDefinitionNotFound)
	_, err = h.engine.GetDefinition(ctx, 404)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestEligible_DecisionRoutesOnMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, "finding", decisionGraph())

	large, err := h.engine.OnEntityEligibleForWorkflow(ctx, "finding", "F-1", map[string]any{"amount": 1500})
	require.NoError(t, err)
	assert.Equal(t, "big", large.CurrentNodeID)
	assert.Equal(t, domain.InstanceStatusActive, large.Status)

	small, err := h.engine.OnEntityEligibleForWorkflow(ctx, "finding", "F-2", map[string]any{"amount": 500})
	require.NoError(t, err)
	assert.Equal(t, "small", small.CurrentNodeID)

	big := h.assignments.byStep("big")
	require.Len(t, big, 1)
	assert.Equal(t, int64(21), big[0].AssignedUserID.Int64)
	assert.Equal(t, "manager", big[0].AssignedRole)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), big[0].Deadline.Time)
	assert.Equal(t, []string{"enter-node:decide", "enter-node:big"}, h.actions(t, large.ID))
	assert.Len(t, h.listener.created, 2)

	missing, err := h.engine.OnEntityEligibleForWorkflow(ctx, "finding", "F-3", nil)
	require.NoError(t, err)
	assert.Equal(t, "small", missing.CurrentNodeID, "missing metadata takes the fallback branch")
}

func TestEligible_ReturnsExistingActiveInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, "finding", decisionGraph())

	first, err := h.engine.OnEntityEligibleForWorkflow(ctx, "finding", "F-1", map[string]any{"amount": 1500})
	require.NoError(t, err)
	second, err := h.engine.OnEntityEligibleForWorkflow(ctx, "finding", "F-1", map[string]any{"amount": 1})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.assignments.items, 1)

	_, err = h.engine.OnEntityEligibleForWorkflow(ctx, "audit", "A-1", nil)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestProcessStep_ApproveCompletesInstance(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "finding", decisionGraph())
	inst, err := h.engine.OnEntityEligibleForWorkflow(context.Background(), "finding", "F-1", map[string]any{"amount": 1500})
	require.NoError(t, err)

	h.clock.Add(3 * time.Hour)
	done := h.act(t, h.assignments.byStep("big")[0].ID, ActionApprove)
	assert.Equal(t, domain.InstanceStatusCompleted, done.Status)
	assert.Equal(t, "end", done.CurrentNodeID)
	assert.True(t, done.CompletedAt.Valid)
	assert.Equal(t, []string{"enter-node:decide", "enter-node:big", "approve:big", "complete:end"}, h.actions(t, inst.ID))

	_, err = h.engine.OnAssignmentAction(context.Background(), AssignmentAction{AssignmentID: h.assignments.byStep("big")[0].ID, Action: ActionApprove})
	assert.ErrorIs(t, err, ErrAssignmentNotPending)
}

func TestApproval_AllWaitsForEveryApprover(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "dof", approvalGraph(graph.ApprovalAll))
	inst, err := h.engine.OnEntityEligibleForWorkflow(context.Background(), "dof", "D-1", nil)
	require.NoError(t, err)

	steps := h.assignments.byStep("approve")
	require.Len(t, steps, 3)

	current := h.act(t, steps[0].ID, ActionApprove)
	assert.Equal(t, "approve", current.CurrentNodeID)
	current = h.act(t, steps[1].ID, ActionApprove)
	assert.Equal(t, domain.InstanceStatusActive, current.Status)
	current = h.act(t, steps[2].ID, ActionApprove)
	assert.Equal(t, domain.InstanceStatusCompleted, current.Status)

	for _, a := range h.assignments.byStep("approve") {
		assert.Equal(t, domain.AssignmentStatusCompleted, a.Status)
	}
	assert.Equal(t, []string{"enter-node:approve", "approve:approve", "approve:approve", "approve:approve", "complete:end"}, h.actions(t, inst.ID))
}

func TestApproval_AnyAdvancesOnFirstApproval(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "dof", approvalGraph(graph.ApprovalAny))
	inst, err := h.engine.OnEntityEligibleForWorkflow(context.Background(), "dof", "D-1", nil)
	require.NoError(t, err)

	steps := h.assignments.byStep("approve")
	require.Len(t, steps, 3)
	done := h.act(t, steps[1].ID, ActionApprove)
	assert.Equal(t, domain.InstanceStatusCompleted, done.Status)

	statuses := map[string]int{}
	for _, a := range h.assignments.byStep("approve") {
		statuses[a.Status]++
	}
	assert.Equal(t, map[string]int{domain.AssignmentStatusCompleted: 1, domain.AssignmentStatusSuperseded: 2}, statuses)

	analytics, err := h.engine.Analytics(context.Background(), inst.DefinitionID)
	require.NoError(t, err)
	assert.Equal(t, 1, analytics.TotalInstances)
	assert.Equal(t, 1, analytics.StatusCounts[domain.InstanceStatusCompleted])
	require.Len(t, analytics.Steps, 1)
	assert.Equal(t, "Board approval", analytics.Steps[0].Label)
	assert.Equal(t, 1, analytics.Steps[0].Completed)
}

func rejectGraph(withRejectEdge bool) graph.Graph {
	g := graph.Graph{
		Nodes: []graph.Node{
			{ID: "start", Type: graph.NodeStart},
			{ID: "draft", Type: graph.NodeProcess, Data: graph.NodeData{AssignmentType: graph.AssignToUser, UserID: 5, DeadlineHours: 8}},
			{ID: "review", Type: graph.NodeApproval, Data: graph.NodeData{ApprovalType: graph.ApprovalAny,
				Approvers: []graph.Approver{{Type: graph.AssignToRole, Role: "auditor"}, {Type: graph.AssignToRole, Role: "manager"}}}},
			{ID: "end", Type: graph.NodeEnd},
		},
		Edges: []graph.Edge{
			edge("e1", "start", "draft", ""),
			edge("e2", "draft", "review", ""),
			edge("e3", "review", "end", ""),
		},
	}
	if withRejectEdge {
		g.Edges = append(g.Edges, graph.Edge{ID: "e4", Source: "review", Target: "draft", Kind: graph.EdgeReject})
	}
	return g
}

func TestReject_FollowsRejectEdge(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "finding", rejectGraph(true))
	inst, err := h.engine.OnEntityEligibleForWorkflow(context.Background(), "finding", "F-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), h.assignments.byStep("draft")[0].AssignedUserID.Int64)

	h.act(t, h.assignments.byStep("draft")[0].ID, ActionApprove)
	reviews := h.assignments.byStep("review")
	require.Len(t, reviews, 2)

	back := h.act(t, reviews[0].ID, ActionReject)
	assert.Equal(t, domain.InstanceStatusActive, back.Status)
	assert.Equal(t, "draft", back.CurrentNodeID)

	drafts := h.assignments.byStep("draft")
	require.Len(t, drafts, 2)
	assert.Equal(t, domain.AssignmentStatusPending, drafts[1].Status)
	reviews = h.assignments.byStep("review")
	assert.Equal(t, domain.AssignmentStatusRejected, reviews[0].Status)
	assert.Equal(t, domain.AssignmentStatusSuperseded, reviews[1].Status)
	assert.Equal(t, []string{"enter-node:draft", "approve:draft", "enter-node:review", "reject:review", "enter-node:draft"}, h.actions(t, inst.ID))
}

func TestReject_WithoutRejectEdgeCancels(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "finding", rejectGraph(false))
	inst, err := h.engine.OnEntityEligibleForWorkflow(context.Background(), "finding", "F-1", nil)
	require.NoError(t, err)

	h.act(t, h.assignments.byStep("draft")[0].ID, ActionApprove)
	cancelled := h.act(t, h.assignments.byStep("review")[1].ID, ActionReject)
	assert.Equal(t, domain.InstanceStatusCancelled, cancelled.Status)
	assert.Equal(t, "review", cancelled.CurrentNodeID)

	actions := h.actions(t, inst.ID)
	assert.Equal(t, []string{"reject:review", "cancel:review"}, actions[len(actions)-2:])
}

func TestCancel_RejectsInFlightAssignment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, "finding", decisionGraph())
	inst, err := h.engine.OnEntityEligibleForWorkflow(ctx, "finding", "F-1", map[string]any{"amount": 1500})
	require.NoError(t, err)
	inFlight := h.assignments.byStep("big")[0]

	cancelled, err := h.engine.Cancel(ctx, inst.ID, 9, "entity closed")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusCancelled, cancelled.Status)

	a, err := h.assignments.FindByID(ctx, inFlight.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentStatusRejected, a.Status)
	assert.Equal(t, "entity closed", a.Comment)

	cancels := 0
	for _, action := range h.actions(t, inst.ID) {
		if action == "cancel:big" {
			cancels++
		}
	}
	assert.Equal(t, 1, cancels)

	_, err = h.engine.OnAssignmentAction(ctx, AssignmentAction{AssignmentID: inFlight.ID, Action: ActionApprove, ActorID: 21})
	assert.ErrorIs(t, err, ErrAssignmentNotPending)
	_, err = h.engine.Cancel(ctx, inst.ID, 9, "again")
	assert.ErrorIs(t, err, ErrInstanceNotActive)
	_, err = h.engine.UpdateMetadata(ctx, inst.ID, map[string]any{"amount": 1})
	assert.ErrorIs(t, err, ErrInstanceNotActive)
	assert.Len(t, h.assignments.items, 1, "no assignments after cancel")

	_, err = h.engine.Cancel(ctx, 404, 9, "")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestUnassignedStep_IsCreatedAndDiscoverable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := decisionGraph()
	g.Nodes[2] = process("big", "ghost")
	h.publish(t, "finding", g)

	inst, err := h.engine.OnEntityEligibleForWorkflow(ctx, "finding", "F-1", map[string]any{"amount": 5000})
	require.NoError(t, err)
	assert.Equal(t, "big", inst.CurrentNodeID)

	unassigned, err := h.engine.FindUnassignedAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, unassigned, 1)
	assert.Equal(t, "ghost", unassigned[0].AssignedRole)
	assert.Equal(t, domain.AssignmentStatusPending, unassigned[0].Status)
	assert.Empty(t, h.listener.created)

	next, err := h.engine.Reassign(ctx, unassigned[0].ID, 31, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(31), next.AssignedUserID.Int64)
	assert.Equal(t, unassigned[0].Deadline, next.Deadline)
	old, err := h.assignments.FindByID(ctx, unassigned[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentStatusSuperseded, old.Status)
	require.Len(t, h.listener.created, 1)

	unassigned, err = h.engine.FindUnassignedAssignments(ctx)
	require.NoError(t, err)
	assert.Empty(t, unassigned)
	assert.Contains(t, h.actions(t, inst.ID), "reassign:big")

	mine, err := h.engine.AssignmentsForUser(ctx, 31)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestStalledDecision_ResumesOnMetadataUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := decisionGraph()
	g.Edges[2] = edge("e3", "decide", "small", "amount < 0")
	// stored directly: the validator would refuse a decision without fallback
	def := &domain.WorkflowDefinition{Name: "legacy", EntityType: "finding", Version: 1, IsActive: true, Graph: g}
	_, err := h.defs.Save(ctx, def)
	require.NoError(t, err)

	inst, err := h.engine.OnEntityEligibleForWorkflow(ctx, "finding", "F-1", map[string]any{"amount": 10})
	require.NoError(t, err)
	assert.Equal(t, "decide", inst.CurrentNodeID)
	assert.Equal(t, domain.InstanceStatusActive, inst.Status)

	stalled, err := h.engine.FindStalledInstances(ctx)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, inst.ID, stalled[0].ID)

	resumed, err := h.engine.UpdateMetadata(ctx, inst.ID, map[string]any{"amount": 2000})
	require.NoError(t, err)
	assert.Equal(t, "big", resumed.CurrentNodeID)
	assert.Equal(t, 2000, resumed.Metadata["amount"])

	stalled, err = h.engine.FindStalledInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, stalled)
}

func TestEscalateOverdue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, "finding", decisionGraph())
	inst, err := h.engine.OnEntityEligibleForWorkflow(ctx, "finding", "F-1", map[string]any{"amount": 1500})
	require.NoError(t, err)

	n, err := h.engine.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Add(25 * time.Hour)
	overdue, err := h.engine.FindOverdueAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)

	h.escalator.err = errors.New("mail gateway down")
	n, err = h.engine.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.escalator.err = nil
	n, err = h.engine.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{overdue[0].ID}, h.escalator.escalated)

	n, err = h.engine.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "an assignment is escalated once")
	assert.Contains(t, h.actions(t, inst.ID), "escalate:big")

	analytics, err := h.engine.Analytics(ctx, inst.DefinitionID)
	require.NoError(t, err)
	assert.Equal(t, 1, analytics.OverdueAssignments)
}

func TestStrategySelection(t *testing.T) {
	h := newHarness(t, WithDefaultStrategy(assignment.Random))
	g := decisionGraph()
	g.Nodes[2].Data.Strategy = "round-robin"
	g.Nodes[3].Data.Strategy = "bogus"
	h.publish(t, "finding", g)

	_, err := h.engine.OnEntityEligibleForWorkflow(context.Background(), "finding", "F-1", map[string]any{"amount": 5000})
	require.NoError(t, err)
	_, err = h.engine.OnEntityEligibleForWorkflow(context.Background(), "finding", "F-2", map[string]any{"amount": 5})
	require.NoError(t, err)
	assert.Equal(t, []assignment.Strategy{assignment.RoundRobin, assignment.Random}, h.resolver.calls)
}

func TestOnAssignmentAction_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.OnAssignmentAction(ctx, AssignmentAction{AssignmentID: 1, Action: "maybe"})
	assert.ErrorIs(t, err, ErrInvalidAction)
	_, err = h.engine.OnAssignmentAction(ctx, AssignmentAction{AssignmentID: 404, Action: ActionApprove})
	assert.ErrorIs(t, err, ErrAssignmentNotFound)
	_, err = h.engine.Timeline(ctx, 404)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestConcurrentTransitionLoses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, "finding", decisionGraph())
	inst, err := h.engine.OnEntityEligibleForWorkflow(ctx, "finding", "F-1", map[string]any{"amount": 1500})
	require.NoError(t, err)

	stale, err := h.instances.FindByID(ctx, inst.ID)
	require.NoError(t, err)
	_, err = h.engine.UpdateMetadata(ctx, inst.ID, map[string]any{"note": "x"})
	require.NoError(t, err)

	ok, err := h.instances.UpdateProgress(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, h.engine.saveProgress(ctx, stale), ErrConcurrentModification)
}

func (h *harness) withRacingInstances() *racingInstances {
	racing := &racingInstances{memInstances: h.instances}
	h.engine = NewEngine(h.defs, racing, h.assignments, h.timeline, h.resolver, h.clock,
		WithAssignmentListener(h.listener), WithEscalator(h.escalator))
	return racing
}

func TestApprove_RetriesAfterConcurrentUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, "finding", decisionGraph())
	inst, err := h.engine.OnEntityEligibleForWorkflow(ctx, "finding", "F-1", map[string]any{"amount": 1500})
	require.NoError(t, err)
	big := h.assignments.byStep("big")
	require.Len(t, big, 1)

	racing := h.withRacingInstances()
	racing.races = 1
	done := h.act(t, big[0].ID, ActionApprove)
	assert.Equal(t, domain.InstanceStatusCompleted, done.Status)
	assert.Equal(t, "end", done.CurrentNodeID)

	stored, err := h.instances.FindByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusCompleted, stored.Status)
	assert.Equal(t, "other writer", stored.Metadata["touchedBy"])
	assert.Equal(t, []string{"enter-node:decide", "enter-node:big", "approve:big", "complete:end"}, h.actions(t, inst.ID))
}

func TestApprove_InstanceMovedOnConcurrently(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, "finding", decisionGraph())
	inst, err := h.engine.OnEntityEligibleForWorkflow(ctx, "finding", "F-1", map[string]any{"amount": 1500})
	require.NoError(t, err)
	big := h.assignments.byStep("big")
	require.Len(t, big, 1)

	racing := h.withRacingInstances()
	racing.races = 1
	racing.write = func(stored *domain.WorkflowInstance) {
		stored.Status = domain.InstanceStatusCancelled
	}
	got, err := h.engine.OnAssignmentAction(ctx, AssignmentAction{AssignmentID: big[0].ID, Action: ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, domain.InstanceStatusCancelled, got.Status)
	assert.Zero(t, racing.races)
	assert.NotContains(t, h.actions(t, inst.ID), "complete:end")
}

func TestApprove_PersistentConflictIsDiscoverable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, "finding", decisionGraph())
	inst, err := h.engine.OnEntityEligibleForWorkflow(ctx, "finding", "F-1", map[string]any{"amount": 1500})
	require.NoError(t, err)
	big := h.assignments.byStep("big")
	require.Len(t, big, 1)

	racing := h.withRacingInstances()
	racing.races = maxAdvanceAttempts
	_, err = h.engine.OnAssignmentAction(ctx, AssignmentAction{AssignmentID: big[0].ID, Action: ActionApprove, ActorID: 7})
	require.ErrorIs(t, err, ErrConcurrentModification)

	stalled, err := h.engine.FindStalledInstances(ctx)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, inst.ID, stalled[0].ID)
	assert.Equal(t, "big", stalled[0].CurrentNodeID)
}

func TestRejectOnlyStep_IsListedAsStalled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := graph.Graph{
		Nodes: []graph.Node{{ID: "start", Type: graph.NodeStart}, process("review", "manager"), {ID: "end", Type: graph.NodeEnd}},
		Edges: []graph.Edge{
			edge("e1", "start", "review", ""),
			{ID: "e2", Source: "review", Target: "end", Kind: graph.EdgeReject},
		},
	}
	// stored directly: the validator refuses a step that only has a reject edge
	def := &domain.WorkflowDefinition{Name: "legacy", EntityType: "finding", Version: 1, IsActive: true, Graph: g}
	_, err := h.defs.Save(ctx, def)
	require.NoError(t, err)

	inst, err := h.engine.OnEntityEligibleForWorkflow(ctx, "finding", "F-1", nil)
	require.NoError(t, err)
	review := h.assignments.byStep("review")
	require.Len(t, review, 1)

	stalled, err := h.engine.FindStalledInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, stalled, "a step with pending work is not stalled")

	waiting := h.act(t, review[0].ID, ActionApprove)
	assert.Equal(t, domain.InstanceStatusActive, waiting.Status)
	assert.Equal(t, "review", waiting.CurrentNodeID)

	stalled, err = h.engine.FindStalledInstances(ctx)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, inst.ID, stalled[0].ID)
}
