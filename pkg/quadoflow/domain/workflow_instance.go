package domain

import (
	"database/sql"
	"time"
)

const (
	InstanceStatusActive    = "active"
	InstanceStatusCompleted = "completed"
	InstanceStatusCancelled = "cancelled"
)

type WorkflowInstance struct {
	ID            int64          `json:"id"`
	DefinitionID  int64          `json:"definitionId"`
	EntityType    string         `json:"entityType"`
	EntityID      string         `json:"entityId"`
	CurrentNodeID string         `json:"currentNodeId"`
	Status        string         `json:"status"`
	Metadata      map[string]any `json:"metadata"`
	Version       int64          `json:"version"` // bumped on every transition, used as an optimistic lock
	Created       time.Time      `json:"createdAt"`
	Modified      time.Time      `json:"modifiedAt"`
	CompletedAt   sql.NullTime   `json:"completedAt"`
}

func (i *WorkflowInstance) IsTerminal() bool {
	return i.Status == InstanceStatusCompleted || i.Status == InstanceStatusCancelled
}
