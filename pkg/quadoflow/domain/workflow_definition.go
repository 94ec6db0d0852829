package domain

import (
	"time"

	"github.com/arelbir/quado-lite-sub003/internal/graph"
)

// WorkflowDefinition is one immutable version of a named process graph.
type WorkflowDefinition struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Version     int         `json:"version"`
	EntityType  string      `json:"entityType"`
	Description string      `json:"description"`
	Graph       graph.Graph `json:"graph"`
	IsActive    bool        `json:"isActive"`
	Created     time.Time   `json:"created"`
}
