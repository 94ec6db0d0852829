package repository

import (
	"context"
	"database/sql"

	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/core"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

type NotificationRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewNotificationRepository(db *sql.DB, clock core.Clock) *NotificationRepository {
	return &NotificationRepository{db: db, clock: clock}
}

func (r *NotificationRepository) Save(ctx context.Context, n *domain.Notification) (int64, error) {
	if n.Created.IsZero() {
		n.Created = r.clock.Now()
	}
	if n.Type == "" {
		n.Type = "info"
	}
	base := `INSERT INTO notifications (user_id, title, message, type, link, entity_type, entity_id, is_read, created)
		VALUES (` + placeholders(1, 9) + `)`
	id, err := insertReturningID(ctx, r.db, base,
		n.UserID, n.Title, n.Message, n.Type, n.Link, n.EntityType, n.EntityID, n.IsRead, formatDateInDatabase(n.Created))
	if err != nil {
		return 0, err
	}
	n.ID = id
	return id, nil
}

func (r *NotificationRepository) FindForUser(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]domain.Notification, error) {
	query := `SELECT id, user_id, title, message, type, link, entity_type, entity_id, is_read, created
		FROM notifications WHERE user_id = ` + placeholder(1)
	args := []any{userID}
	if unreadOnly {
		query += ` AND is_read = ` + placeholder(2)
		args = append(args, false)
	}
	query += ` ORDER BY id DESC LIMIT ` + placeholder(len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Type, &n.Link, &n.EntityType, &n.EntityID, &n.IsRead, &n.Created); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *NotificationRepository) MarkRead(ctx context.Context, id, userID int64) (bool, error) {
	return execAffectedOne(ctx, r.db, `UPDATE notifications SET is_read = `+placeholder(1)+` WHERE id = `+placeholder(2)+` AND user_id = `+placeholder(3), true, id, userID)
}
