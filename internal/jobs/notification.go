// Package jobs holds the job families run by the background queues: notification delivery and
// synchronization of users from external systems.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/arelbir/quado-lite-sub003/internal/broadcast"
	"github.com/arelbir/quado-lite-sub003/internal/queue"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/core"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

const (
	QueueNotifications  = "notifications"
	JobSendNotification = "send-notification"
)

// Enqueuer is the part of queue.Queue the job families need.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobName string, payload any, opts ...queue.EnqueueOption) (*domain.BackgroundJob, error)
}

type NotificationStore interface {
	Save(ctx context.Context, n *domain.Notification) (int64, error)
}

// RoleMembers lists the members of a role. Escalations go to the active members of the
// escalation role.
type RoleMembers interface {
	UsersByRole(ctx context.Context, role string) ([]domain.User, error)
}

type NotificationRequest struct {
	UserID     int64  `json:"userId"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	Type       string `json:"type,omitempty"`
	Link       string `json:"link,omitempty"`
	EntityType string `json:"entityType,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
}

// Notifier schedules notifications on the notifications queue. It also listens to the engine
// for new assignments and escalates overdue ones.
type Notifier struct {
	queue          Enqueuer
	clock          core.Clock
	members        RoleMembers
	escalationRole string
}

func NewNotifier(q Enqueuer, clock core.Clock, members RoleMembers, escalationRole string) *Notifier {
	return &Notifier{queue: q, clock: clock, members: members, escalationRole: escalationRole}
}

// Notify enqueues delivery of req. A sendAt in the future delays the job until then.
func (n *Notifier) Notify(ctx context.Context, req NotificationRequest, sendAt time.Time) (*domain.BackgroundJob, error) {
	if req.UserID == 0 {
		return nil, fmt.Errorf("notification %q has no recipient", req.Title)
	}
	var opts []queue.EnqueueOption
	if delay := sendAt.Sub(n.clock.Now()); !sendAt.IsZero() && delay > 0 {
		opts = append(opts, queue.WithDelay(delay))
	}
	return n.queue.Enqueue(ctx, JobSendNotification, req, opts...)
}

// AssignmentCreated tells the assignee about the new step.
func (n *Notifier) AssignmentCreated(ctx context.Context, a domain.StepAssignment, inst *domain.WorkflowInstance) {
	req := NotificationRequest{
		UserID:     a.AssignedUserID.Int64,
		Title:      "New task assigned",
		Message:    fmt.Sprintf("Step %s of %s %s is waiting for you", a.StepID, inst.EntityType, inst.EntityID),
		Type:       "task",
		Link:       fmt.Sprintf("/api/instances/%d", inst.ID),
		EntityType: inst.EntityType,
		EntityID:   inst.EntityID,
	}
	if _, err := n.Notify(ctx, req, time.Time{}); err != nil {
		slog.ErrorContext(ctx, "Failed to enqueue assignment notification", "assignment_id", a.ID, "error", err)
	}
}

// Escalate warns the assignee and the members of the escalation role about an overdue step.
func (n *Notifier) Escalate(ctx context.Context, a domain.StepAssignment, inst *domain.WorkflowInstance) error {
	recipients, err := n.escalationRecipients(ctx, a)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		slog.WarnContext(ctx, "Overdue step has nobody to escalate to", "assignment_id", a.ID, "role", a.AssignedRole)
		return nil
	}
	for _, userID := range recipients {
		req := NotificationRequest{
			UserID:     userID,
			Title:      "Task overdue",
			Message:    fmt.Sprintf("Step %s of %s %s passed its deadline of %s", a.StepID, inst.EntityType, inst.EntityID, a.Deadline.Time.Format(time.RFC3339)),
			Type:       "escalation",
			Link:       fmt.Sprintf("/api/instances/%d", inst.ID),
			EntityType: inst.EntityType,
			EntityID:   inst.EntityID,
		}
		// keyed so a retried sweep does not notify twice
		key := fmt.Sprintf("escalation:%d:%d", a.ID, userID)
		if _, err := n.queue.Enqueue(ctx, JobSendNotification, req, queue.WithIdempotencyKey(key), queue.WithPriority(10)); err != nil {
			return fmt.Errorf("enqueue escalation for assignment %d: %w", a.ID, err)
		}
	}
	return nil
}

func (n *Notifier) escalationRecipients(ctx context.Context, a domain.StepAssignment) ([]int64, error) {
	seen := map[int64]bool{}
	var out []int64
	if a.AssignedUserID.Valid {
		seen[a.AssignedUserID.Int64] = true
		out = append(out, a.AssignedUserID.Int64)
	}
	if n.escalationRole == "" || n.members == nil {
		return out, nil
	}
	users, err := n.members.UsersByRole(ctx, n.escalationRole)
	if err != nil {
		return nil, fmt.Errorf("members of escalation role %s: %w", n.escalationRole, err)
	}
	for _, u := range users {
		if u.IsActive && !seen[u.ID] {
			seen[u.ID] = true
			out = append(out, u.ID)
		}
	}
	return out, nil
}

// NotificationHandler persists the notification and pushes it to the user's channel. A failed
// push is logged and does not fail the job.
func NotificationHandler(store NotificationStore, channel broadcast.Channel, clock core.Clock) queue.Handler {
	return func(ctx context.Context, job *domain.BackgroundJob) error {
		var req NotificationRequest
		if err := json.Unmarshal([]byte(job.Payload), &req); err != nil {
			return fmt.Errorf("decode notification payload: %w", err)
		}
		n := &domain.Notification{
			UserID:     req.UserID,
			Title:      req.Title,
			Message:    req.Message,
			Type:       req.Type,
			Link:       req.Link,
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			Created:    clock.Now(),
		}
		if _, err := store.Save(ctx, n); err != nil {
			return fmt.Errorf("save notification for user %d: %w", req.UserID, err)
		}
		if err := channel.Send(ctx, broadcast.UserChannel(n.UserID), n); err != nil {
			slog.WarnContext(ctx, "Broadcast of notification failed", "notification_id", n.ID, "user_id", n.UserID, "error", err)
		}
		slog.InfoContext(ctx, "Notification delivered", "notification_id", n.ID, "user_id", n.UserID)
		return nil
	}
}
