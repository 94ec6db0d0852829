package models

import (
	"github.com/arelbir/quado-lite-sub003/internal/graph"
	"github.com/arelbir/quado-lite-sub003/internal/validator"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

// StartWorkflowRequest is the payload posted when an entity becomes eligible for its workflow.
type StartWorkflowRequest struct {
	Metadata map[string]any `json:"metadata"`
}

type AssignmentActionRequest struct {
	Action  string `json:"action"`
	Comment string `json:"comment,omitempty"`
}

type ReassignRequest struct {
	UserID int64 `json:"userId"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type UpdateMetadataRequest struct {
	Metadata map[string]any `json:"metadata"`
}

// InstanceResponse is an instance together with every assignment it produced.
type InstanceResponse struct {
	Instance    *domain.WorkflowInstance `json:"instance"`
	Assignments []domain.StepAssignment  `json:"assignments"`
}

type PublishDefinitionRequest struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	EntityType  string      `json:"entityType"`
	Graph       graph.Graph `json:"graph"`
}

type PublishDefinitionResponse struct {
	Definition *domain.WorkflowDefinition `json:"definition"`
	Validation validator.Result           `json:"validation"`
}

type TemplatesResponse struct {
	Categories []string         `json:"categories"`
	Fragments  []graph.Template `json:"fragments"`
	Workflows  []graph.Template `json:"workflows"`
}

type InstantiateTemplateRequest struct {
	Offset graph.Position `json:"offset"`
}

// ErrorResponse carries the validation result when a definition is refused.
type ErrorResponse struct {
	Error      string            `json:"error"`
	Validation *validator.Result `json:"validation,omitempty"`
}
