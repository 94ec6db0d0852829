package engine

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/arelbir/quado-lite-sub003/internal/assignment"
	"github.com/arelbir/quado-lite-sub003/internal/repository"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
func (c *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (c *fakeClock) Sleep(d time.Duration)                  { c.Add(d) }
func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memDefinitions struct {
	mu   sync.Mutex
	defs []domain.WorkflowDefinition
}

func (m *memDefinitions) Save(_ context.Context, def *domain.WorkflowDefinition) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def.ID = int64(len(m.defs) + 1)
	m.defs = append(m.defs, *def)
	return def.ID, nil
}

func (m *memDefinitions) NextVersion(_ context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := 0
	for _, d := range m.defs {
		if d.Name == name && d.Version > v {
			v = d.Version
		}
	}
	return v + 1, nil
}

func (m *memDefinitions) FindByID(_ context.Context, id int64) (*domain.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.defs {
		if d.ID == id {
			cp := d
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memDefinitions) FindLatestActive(_ context.Context, entityType string) (*domain.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.WorkflowDefinition
	for i := range m.defs {
		d := m.defs[i]
		if d.EntityType == entityType && d.IsActive && (best == nil || d.Version > best.Version) {
			best = &d
		}
	}
	return best, nil
}

func (m *memDefinitions) FindAll(context.Context) ([]domain.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.WorkflowDefinition(nil), m.defs...), nil
}

func (m *memDefinitions) SetActive(_ context.Context, id int64, active bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.defs {
		if m.defs[i].ID == id {
			m.defs[i].IsActive = active
			return true, nil
		}
	}
	return false, nil
}

type memInstances struct {
	mu    sync.Mutex
	items map[int64]domain.WorkflowInstance
}

func copyInstance(inst domain.WorkflowInstance) domain.WorkflowInstance {
	meta := make(map[string]any, len(inst.Metadata))
	for k, v := range inst.Metadata {
		meta[k] = v
	}
	inst.Metadata = meta
	return inst
}

func (m *memInstances) Save(_ context.Context, inst *domain.WorkflowInstance) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = map[int64]domain.WorkflowInstance{}
	}
	inst.ID = int64(len(m.items) + 1)
	if inst.Version == 0 {
		inst.Version = 1
	}
	m.items[inst.ID] = copyInstance(*inst)
	return inst.ID, nil
}

func (m *memInstances) FindByID(_ context.Context, id int64) (*domain.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	cp := copyInstance(inst)
	return &cp, nil
}

func (m *memInstances) FindActiveByEntity(_ context.Context, entityType, entityID string) (*domain.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.items {
		if inst.EntityType == entityType && inst.EntityID == entityID && inst.Status == domain.InstanceStatusActive {
			cp := copyInstance(inst)
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memInstances) FindActive(_ context.Context, limit int) ([]domain.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkflowInstance
	for _, inst := range m.items {
		if inst.Status == domain.InstanceStatusActive {
			out = append(out, copyInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memInstances) UpdateProgress(_ context.Context, inst *domain.WorkflowInstance) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.items[inst.ID]
	if !ok || stored.Version != inst.Version {
		return false, nil
	}
	inst.Version++
	m.items[inst.ID] = copyInstance(*inst)
	return true, nil
}

func (m *memInstances) CountByStatus(_ context.Context, definitionID int64) ([]repository.DefinitionStatusRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	for _, inst := range m.items {
		if inst.DefinitionID == definitionID {
			counts[inst.Status]++
		}
	}
	var out []repository.DefinitionStatusRow
	for s, n := range counts {
		out = append(out, repository.DefinitionStatusRow{Status: s, Count: n})
	}
	return out, nil
}

func (m *memInstances) AverageCompletionHours(_ context.Context, definitionID int64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	var n int
	for _, inst := range m.items {
		if inst.DefinitionID == definitionID && inst.CompletedAt.Valid {
			total += inst.CompletedAt.Time.Sub(inst.Created).Hours()
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return total / float64(n), nil
}

type memAssignments struct {
	mu    sync.Mutex
	clock *fakeClock
	items []domain.StepAssignment
}

func (m *memAssignments) Save(_ context.Context, a *domain.StepAssignment) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = int64(len(m.items) + 1)
	m.items = append(m.items, *a)
	return a.ID, nil
}

func (m *memAssignments) FindByID(_ context.Context, id int64) (*domain.StepAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.items {
		if a.ID == id {
			cp := a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memAssignments) filter(keep func(domain.StepAssignment) bool) []domain.StepAssignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StepAssignment
	for _, a := range m.items {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func (m *memAssignments) FindByInstance(_ context.Context, instanceID int64) ([]domain.StepAssignment, error) {
	return m.filter(func(a domain.StepAssignment) bool { return a.WorkflowInstanceID == instanceID }), nil
}

func (m *memAssignments) FindPendingByInstance(_ context.Context, instanceID int64) ([]domain.StepAssignment, error) {
	return m.filter(func(a domain.StepAssignment) bool {
		return a.WorkflowInstanceID == instanceID && a.Status == domain.AssignmentStatusPending
	}), nil
}

func (m *memAssignments) FindPendingByStep(_ context.Context, instanceID int64, stepID string) ([]domain.StepAssignment, error) {
	return m.filter(func(a domain.StepAssignment) bool {
		return a.WorkflowInstanceID == instanceID && a.StepID == stepID && a.Status == domain.AssignmentStatusPending
	}), nil
}

func (m *memAssignments) FindPendingForUser(_ context.Context, userID int64) ([]domain.StepAssignment, error) {
	return m.filter(func(a domain.StepAssignment) bool {
		return a.AssignedUserID.Valid && a.AssignedUserID.Int64 == userID && a.Status == domain.AssignmentStatusPending
	}), nil
}

func (m *memAssignments) FindOverdue(_ context.Context, now time.Time, _ int) ([]domain.StepAssignment, error) {
	return m.filter(func(a domain.StepAssignment) bool { return a.IsOverdue(now) }), nil
}

func (m *memAssignments) FindOverdueNotEscalated(_ context.Context, now time.Time, _ int) ([]domain.StepAssignment, error) {
	return m.filter(func(a domain.StepAssignment) bool { return a.IsOverdue(now) && !a.EscalatedAt.Valid }), nil
}

func (m *memAssignments) FindUnassigned(context.Context, int) ([]domain.StepAssignment, error) {
	return m.filter(func(a domain.StepAssignment) bool {
		return !a.AssignedUserID.Valid && a.Status == domain.AssignmentStatusPending
	}), nil
}

func (m *memAssignments) Close(_ context.Context, id int64, status string, actorID sql.NullInt64, comment string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == id {
			if m.items[i].Status != domain.AssignmentStatusPending {
				return false, nil
			}
			m.items[i].Status = status
			m.items[i].CompletedBy = actorID
			m.items[i].Comment = comment
			m.items[i].CompletedAt = sql.NullTime{Time: m.clock.Now(), Valid: true}
			return true, nil
		}
	}
	return false, nil
}

func (m *memAssignments) MarkEscalated(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == id && !m.items[i].EscalatedAt.Valid && m.items[i].Status == domain.AssignmentStatusPending {
			m.items[i].EscalatedAt = sql.NullTime{Time: at, Valid: true}
			return true, nil
		}
	}
	return false, nil
}

func (m *memAssignments) StepStats(context.Context, int64) ([]repository.StepStatsRow, error) {
	rows := map[string]*repository.StepStatsRow{}
	var order []string
	for _, a := range m.filter(func(domain.StepAssignment) bool { return true }) {
		row, ok := rows[a.StepID]
		if !ok {
			row = &repository.StepStatsRow{StepID: a.StepID}
			rows[a.StepID] = row
			order = append(order, a.StepID)
		}
		switch a.Status {
		case domain.AssignmentStatusCompleted:
			row.Completed++
		case domain.AssignmentStatusRejected:
			row.Rejected++
		case domain.AssignmentStatusPending:
			row.Pending++
		}
	}
	sort.Strings(order)
	var out []repository.StepStatsRow
	for _, id := range order {
		out = append(out, *rows[id])
	}
	return out, nil
}

func (m *memAssignments) CountOverdue(_ context.Context, _ int64, now time.Time) (int, error) {
	return len(m.filter(func(a domain.StepAssignment) bool { return a.IsOverdue(now) })), nil
}

func (m *memAssignments) byStep(stepID string) []domain.StepAssignment {
	return m.filter(func(a domain.StepAssignment) bool { return a.StepID == stepID })
}

type memTimeline struct {
	mu     sync.Mutex
	events []domain.WorkflowTimelineEvent
}

func (m *memTimeline) Append(_ context.Context, e *domain.WorkflowTimelineEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.events) + 1)
	m.events = append(m.events, *e)
	return e.ID, nil
}

func (m *memTimeline) FindByInstance(_ context.Context, instanceID int64) ([]domain.WorkflowTimelineEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkflowTimelineEvent
	for _, e := range m.events {
		if e.WorkflowInstanceID == instanceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// roleResolver assigns every role to a fixed user; roles that are not listed have no members.
type roleResolver struct {
	users map[string]int64
	calls []assignment.Strategy
}

func (r *roleResolver) Resolve(_ context.Context, role string, strategy assignment.Strategy) assignment.Resolution {
	r.calls = append(r.calls, strategy)
	id, ok := r.users[role]
	if !ok {
		return assignment.Resolution{Strategy: strategy, Reason: "role has no members"}
	}
	return assignment.Resolution{UserID: id, Assigned: true, Strategy: strategy}
}

type recordingEscalator struct {
	escalated []int64
	err       error
}

func (r *recordingEscalator) Escalate(_ context.Context, a domain.StepAssignment, _ *domain.WorkflowInstance) error {
	if r.err != nil {
		return r.err
	}
	r.escalated = append(r.escalated, a.ID)
	return nil
}

type recordingListener struct {
	created []domain.StepAssignment
}

func (r *recordingListener) AssignmentCreated(_ context.Context, a domain.StepAssignment, _ *domain.WorkflowInstance) {
	r.created = append(r.created, a)
}

// racingInstances lets another writer update the stored instance right before each of the next
// races progress updates, so those updates lose their version check. write changes the stored
// copy; by default it only touches the metadata.
type racingInstances struct {
	*memInstances
	races int
	write func(inst *domain.WorkflowInstance)
}

func (r *racingInstances) UpdateProgress(ctx context.Context, inst *domain.WorkflowInstance) (bool, error) {
	if r.races > 0 {
		r.races--
		r.mu.Lock()
		stored := r.items[inst.ID]
		stored.Version++
		if r.write != nil {
			r.write(&stored)
		} else {
			stored.Metadata["touchedBy"] = "other writer"
		}
		r.items[inst.ID] = stored
		r.mu.Unlock()
	}
	return r.memInstances.UpdateProgress(ctx, inst)
}
