// Package engine runs published workflow definitions against business entities. Transitions are
// executed synchronously by the caller that triggers them; the engine keeps no scheduler of its
// own and relies on optimistic updates for concurrent callers.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/arelbir/quado-lite-sub003/internal/assignment"
	"github.com/arelbir/quado-lite-sub003/internal/condition"
	"github.com/arelbir/quado-lite-sub003/internal/graph"
	"github.com/arelbir/quado-lite-sub003/internal/validator"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/core"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

// MaxTraversalDepth bounds how many nodes a single transition may pass through.
const MaxTraversalDepth = 100

// maxAdvanceAttempts bounds how often a transition is retried after losing an optimistic update.
const maxAdvanceAttempts = 3

const queryLimit = 500

type Engine struct {
	definitions DefinitionRepo
	instances   InstanceRepo
	assignments AssignmentRepo
	timeline    TimelineRepo
	resolver    AssigneeResolver
	conditions  ConditionEvaluator
	clock       core.Clock

	escalator       Escalator
	listener        AssignmentListener
	defaultStrategy assignment.Strategy
}

type Option func(*Engine)

func WithEscalator(e Escalator) Option {
	return func(en *Engine) { en.escalator = e }
}

func WithAssignmentListener(l AssignmentListener) Option {
	return func(en *Engine) { en.listener = l }
}

// WithDefaultStrategy sets the strategy used by role steps that do not name one.
func WithDefaultStrategy(s assignment.Strategy) Option {
	return func(en *Engine) { en.defaultStrategy = s }
}

func WithConditionEvaluator(c ConditionEvaluator) Option {
	return func(en *Engine) { en.conditions = c }
}

func NewEngine(definitions DefinitionRepo, instances InstanceRepo, assignments AssignmentRepo, timeline TimelineRepo,
	resolver AssigneeResolver, clock core.Clock, opts ...Option) *Engine {
	e := &Engine{
		definitions:     definitions,
		instances:       instances,
		assignments:     assignments,
		timeline:        timeline,
		resolver:        resolver,
		conditions:      condition.NewEvaluator(),
		clock:           clock,
		defaultStrategy: assignment.Workload,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ValidateDefinition runs the validator without storing anything.
func (e *Engine) ValidateDefinition(g graph.Graph) validator.Result {
	return validator.Validate(g)
}

// PublishDefinition validates the graph and stores it as the next version of the named
// definition. A graph with validation errors is rejected with a *StructuralError. On success
// the result still carries warnings and info.
func (e *Engine) PublishDefinition(ctx context.Context, def *domain.WorkflowDefinition) (validator.Result, error) {
	def.Name = strings.TrimSpace(def.Name)
	def.EntityType = strings.TrimSpace(def.EntityType)
	if def.Name == "" || def.EntityType == "" {
		return validator.Result{}, fmt.Errorf("%w: name and entity type are required", ErrInvalidDefinition)
	}
	result := validator.Validate(def.Graph)
	if !result.IsValid {
		slog.WarnContext(ctx, "Rejected workflow definition", "name", def.Name, "errors", len(result.Errors))
		return result, &StructuralError{Result: result}
	}

	version, err := e.definitions.NextVersion(ctx, def.Name)
	if err != nil {
		return result, err
	}
	def.ID = 0
	def.Version = version
	def.IsActive = true
	def.Created = e.clock.Now()
	if _, err := e.definitions.Save(ctx, def); err != nil {
		return result, fmt.Errorf("save workflow definition %s: %w", def.Name, err)
	}
	slog.InfoContext(ctx, "Published workflow definition", "definition_id", def.ID, "name", def.Name,
		"version", def.Version, "entity_type", def.EntityType, "warnings", len(result.Warnings))
	return result, nil
}

func (e *Engine) ListDefinitions(ctx context.Context) ([]domain.WorkflowDefinition, error) {
	return e.definitions.FindAll(ctx)
}

func (e *Engine) GetDefinition(ctx context.Context, id int64) (*domain.WorkflowDefinition, error) {
	def, err := e.definitions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, ErrDefinitionNotFound
	}
	return def, nil
}

// DeactivateDefinition stops new instances from using the definition. Running instances keep it.
func (e *Engine) DeactivateDefinition(ctx context.Context, id int64) error {
	if _, err := e.GetDefinition(ctx, id); err != nil {
		return err
	}
	if _, err := e.definitions.SetActive(ctx, id, false); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Deactivated workflow definition", "definition_id", id)
	return nil
}
