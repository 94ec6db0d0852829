package domain

import (
	"database/sql"
	"time"
)

const (
	TimelineEnterNode = "enter-node"
	TimelineApprove   = "approve"
	TimelineReject    = "reject"
	TimelineEscalate  = "escalate"
	TimelineComplete  = "complete"
	TimelineCancel    = "cancel"
	TimelineReassign  = "reassign"
)

// WorkflowTimelineEvent is append-only. Rows are never updated or deleted.
type WorkflowTimelineEvent struct {
	ID                 int64          `json:"id"`
	WorkflowInstanceID int64          `json:"workflowInstanceId"`
	Action             string         `json:"action"`
	NodeID             string         `json:"nodeId"`
	ActorID            sql.NullInt64  `json:"actorId"`
	Payload            map[string]any `json:"payload"`
	Created            time.Time      `json:"createdAt"`
}
