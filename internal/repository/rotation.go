package repository

import (
	"context"
	"database/sql"
	"errors"
)

// RotationRepository stores the round-robin cursor of every role in assignment_rotation.
type RotationRepository struct {
	db *sql.DB
}

func NewRotationRepository(db *sql.DB) *RotationRepository {
	return &RotationRepository{db: db}
}

// GetCursor returns the last picked user and the row version. Version 0 means no row yet.
func (r *RotationRepository) GetCursor(ctx context.Context, role string) (int64, int64, error) {
	var userID, version int64
	err := r.db.QueryRowContext(ctx, `SELECT last_user_id, version FROM assignment_rotation WHERE role = `+placeholder(1), role).Scan(&userID, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	return userID, version, err
}

// CompareAndSetCursor moves the cursor only if the row still has the given version. The first
// writer of a role creates the row; a concurrent first writer loses on the primary key.
func (r *RotationRepository) CompareAndSetCursor(ctx context.Context, role string, version int64, userID int64) (bool, error) {
	if version == 0 {
		_, err := r.db.ExecContext(ctx, `INSERT INTO assignment_rotation (role, last_user_id, version) VALUES (`+placeholders(1, 3)+`)`, role, userID, 1)
		if isUniqueViolation(err) {
			return false, nil
		}
		return err == nil, err
	}
	query := `UPDATE assignment_rotation SET last_user_id = ` + placeholder(1) + `, version = version + 1
		WHERE role = ` + placeholder(2) + ` AND version = ` + placeholder(3)
	return execAffectedOne(ctx, r.db, query, userID, role, version)
}
