package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arelbir/quado-lite-sub003/internal/graph"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

type StepAnalytics struct {
	StepID        string  `json:"stepId"`
	Label         string  `json:"label,omitempty"`
	Completed     int     `json:"completed"`
	Rejected      int     `json:"rejected"`
	Pending       int     `json:"pending"`
	AvgHoursTaken float64 `json:"avgHoursTaken"`
}

type Analytics struct {
	DefinitionID           int64           `json:"definitionId"`
	Name                   string          `json:"name"`
	Version                int             `json:"version"`
	TotalInstances         int             `json:"totalInstances"`
	StatusCounts           map[string]int  `json:"statusCounts"`
	AverageCompletionHours float64         `json:"averageCompletionHours"`
	OverdueAssignments     int             `json:"overdueAssignments"`
	Steps                  []StepAnalytics `json:"steps"`
}

func (e *Engine) GetInstance(ctx context.Context, id int64) (*domain.WorkflowInstance, error) {
	inst, err := e.instances.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, ErrInstanceNotFound
	}
	return inst, nil
}

// Assignments lists every assignment of the instance, closed ones included.
func (e *Engine) Assignments(ctx context.Context, instanceID int64) ([]domain.StepAssignment, error) {
	if _, err := e.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.assignments.FindByInstance(ctx, instanceID)
}

// AssignmentsForUser lists the pending work of a user.
func (e *Engine) AssignmentsForUser(ctx context.Context, userID int64) ([]domain.StepAssignment, error) {
	return e.assignments.FindPendingForUser(ctx, userID)
}

// Timeline returns the events of the instance in the order they were appended.
func (e *Engine) Timeline(ctx context.Context, instanceID int64) ([]domain.WorkflowTimelineEvent, error) {
	if _, err := e.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.timeline.FindByInstance(ctx, instanceID)
}

// FindOverdueAssignments lists pending assignments whose deadline has passed.
func (e *Engine) FindOverdueAssignments(ctx context.Context) ([]domain.StepAssignment, error) {
	return e.assignments.FindOverdue(ctx, e.clock.Now(), queryLimit)
}

// FindUnassignedAssignments lists pending assignments nobody holds, typically because the role
// had no members when the step was entered.
func (e *Engine) FindUnassignedAssignments(ctx context.Context) ([]domain.StepAssignment, error) {
	return e.assignments.FindUnassigned(ctx, queryLimit)
}

// FindStalledInstances lists active instances that nothing will move on: parked at a decision
// node because none of its branches matched, or sitting at a step with no pending assignment.
func (e *Engine) FindStalledInstances(ctx context.Context) ([]domain.WorkflowInstance, error) {
	active, err := e.instances.FindActive(ctx, queryLimit)
	if err != nil {
		return nil, err
	}
	graphs := map[int64]graph.Graph{}
	var stalled []domain.WorkflowInstance
	for _, inst := range active {
		g, ok := graphs[inst.DefinitionID]
		if !ok {
			def, err := e.definitions.FindByID(ctx, inst.DefinitionID)
			if err != nil {
				return nil, err
			}
			if def == nil {
				continue
			}
			g = def.Graph
			graphs[inst.DefinitionID] = g
		}
		node, ok := g.Node(inst.CurrentNodeID)
		if !ok {
			continue
		}
		switch {
		case node.Type == graph.NodeDecision:
			stalled = append(stalled, inst)
		case node.Type.Actionable():
			pending, err := e.assignments.FindPendingByStep(ctx, inst.ID, node.ID)
			if err != nil {
				return nil, err
			}
			if len(pending) == 0 {
				stalled = append(stalled, inst)
			}
		}
	}
	return stalled, nil
}

// EscalateOverdue hands every overdue assignment that was not escalated before to the escalator,
// stamps it and records an escalate event. An assignment whose escalation fails is tried again on
// the next run. It returns the number of assignments escalated.
func (e *Engine) EscalateOverdue(ctx context.Context) (int, error) {
	now := e.clock.Now()
	overdue, err := e.assignments.FindOverdueNotEscalated(ctx, now, queryLimit)
	if err != nil {
		return 0, err
	}
	escalated := 0
	for _, a := range overdue {
		inst, err := e.instances.FindByID(ctx, a.WorkflowInstanceID)
		if err != nil {
			return escalated, err
		}
		if inst == nil || inst.Status != domain.InstanceStatusActive {
			continue
		}
		if e.escalator != nil {
			if err := e.escalator.Escalate(ctx, a, inst); err != nil {
				slog.ErrorContext(ctx, "Escalation failed", "assignment_id", a.ID, "instance_id", inst.ID, "error", err)
				continue
			}
		}
		marked, err := e.assignments.MarkEscalated(ctx, a.ID, now)
		if err != nil {
			return escalated, err
		}
		if !marked {
			continue
		}
		payload := map[string]any{"assignmentId": a.ID, "deadline": a.Deadline.Time}
		if a.AssignedUserID.Valid {
			payload["userId"] = a.AssignedUserID.Int64
		}
		if err := e.appendEvent(ctx, inst, domain.TimelineEscalate, a.StepID, actorOf(0), payload); err != nil {
			return escalated, err
		}
		slog.InfoContext(ctx, "Escalated overdue assignment", "assignment_id", a.ID, "instance_id", inst.ID, "step", a.StepID)
		escalated++
	}
	return escalated, nil
}

func (e *Engine) Analytics(ctx context.Context, definitionID int64) (*Analytics, error) {
	def, err := e.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	out := &Analytics{DefinitionID: def.ID, Name: def.Name, Version: def.Version, StatusCounts: map[string]int{}}

	counts, err := e.instances.CountByStatus(ctx, def.ID)
	if err != nil {
		return nil, fmt.Errorf("count instances: %w", err)
	}
	for _, c := range counts {
		out.StatusCounts[c.Status] = c.Count
		out.TotalInstances += c.Count
	}
	if out.AverageCompletionHours, err = e.instances.AverageCompletionHours(ctx, def.ID); err != nil {
		return nil, fmt.Errorf("average completion: %w", err)
	}
	if out.OverdueAssignments, err = e.assignments.CountOverdue(ctx, def.ID, e.clock.Now()); err != nil {
		return nil, fmt.Errorf("count overdue: %w", err)
	}
	stats, err := e.assignments.StepStats(ctx, def.ID)
	if err != nil {
		return nil, fmt.Errorf("step stats: %w", err)
	}
	for _, s := range stats {
		step := StepAnalytics{StepID: s.StepID, Completed: s.Completed, Rejected: s.Rejected, Pending: s.Pending, AvgHoursTaken: s.AvgHoursTaken}
		if node, ok := def.Graph.Node(s.StepID); ok {
			step.Label = node.Data.Label
		}
		out.Steps = append(out.Steps, step)
	}
	return out, nil
}
