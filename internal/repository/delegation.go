package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

type DelegationRepository struct {
	db *sql.DB
}

func NewDelegationRepository(db *sql.DB) *DelegationRepository {
	return &DelegationRepository{db: db}
}

func (r *DelegationRepository) Save(ctx context.Context, d *domain.Delegation) (int64, error) {
	base := `INSERT INTO delegations (from_user_id, to_user_id, role, start_date, end_date, is_active)
		VALUES (` + placeholders(1, 6) + `)`
	id, err := insertReturningID(ctx, r.db, base,
		d.FromUserID, d.ToUserID, d.Role, formatDateInDatabase(d.StartDate), formatDateInDatabase(d.EndDate), d.IsActive)
	if err != nil {
		return 0, err
	}
	d.ID = id
	return id, nil
}

// ActiveDelegations returns active delegations of the role whose window contains at, oldest first.
func (r *DelegationRepository) ActiveDelegations(ctx context.Context, role string, at time.Time) ([]domain.Delegation, error) {
	now := formatDateInDatabase(at)
	query := `SELECT id, from_user_id, to_user_id, role, start_date, end_date, is_active FROM delegations
		WHERE role = ` + placeholder(1) + ` AND is_active = ` + placeholder(2) + `
		AND NOT (` + dateAfter("start_date", 3) + `) AND NOT (` + dateBefore("end_date", 4) + `)
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, role, true, now, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Delegation
	for rows.Next() {
		var d domain.Delegation
		if err := rows.Scan(&d.ID, &d.FromUserID, &d.ToUserID, &d.Role, &d.StartDate, &d.EndDate, &d.IsActive); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *DelegationRepository) Deactivate(ctx context.Context, id int64) (bool, error) {
	return execAffectedOne(ctx, r.db, `UPDATE delegations SET is_active = `+placeholder(1)+` WHERE id = `+placeholder(2), false, id)
}
