package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/core"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

// UserRepository provides persistence methods for the users and user_roles tables.
type UserRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewUserRepository(db *sql.DB, clock core.Clock) *UserRepository {
	return &UserRepository{db: db, clock: clock}
}

const userColumns = ` u.id, u.username, u.email, u.full_name, u.external_id, u.source, u.is_active, u.created, u.modified `

// Save inserts a new user and returns its generated id.
// It will set Created and Modified to now if they are zero.
func (r *UserRepository) Save(ctx context.Context, u *domain.User) (int64, error) {
	now := r.clock.Now()
	if u.Created.IsZero() {
		u.Created = now
	}
	if u.Modified.IsZero() {
		u.Modified = now
	}
	if u.Source == "" {
		u.Source = "local"
	}
	base := `INSERT INTO users (username, email, full_name, external_id, source, is_active, created, modified)
		VALUES (` + placeholders(1, 8) + `)`
	id, err := insertReturningID(ctx, r.db, base,
		u.Username, u.Email, u.FullName, nullString(u.ExternalID), u.Source, u.IsActive,
		formatDateInDatabase(u.Created), formatDateInDatabase(u.Modified))
	if err != nil {
		return 0, err
	}
	u.ID = id
	return id, nil
}

func (r *UserRepository) Update(ctx context.Context, u *domain.User) error {
	u.Modified = r.clock.Now()
	query := `UPDATE users SET email = ` + placeholder(1) + `, full_name = ` + placeholder(2) + `, external_id = ` + placeholder(3) + `,
		source = ` + placeholder(4) + `, is_active = ` + placeholder(5) + `, modified = ` + placeholder(6) + `
		WHERE id = ` + placeholder(7)
	_, err := r.db.ExecContext(ctx, query, u.Email, u.FullName, nullString(u.ExternalID), u.Source, u.IsActive, formatDateInDatabase(u.Modified), u.ID)
	return err
}

// FindUserByID returns (nil, nil) if not found.
func (r *UserRepository) FindUserByID(ctx context.Context, id int64) (*domain.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = `+placeholder(1), id)
}

// FindByUsername fetches a user by exact username. Returns (nil, nil) if not found.
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users u WHERE u.username = `+placeholder(1), username)
}

// FindByExternalID looks a user up by the id it has in the system it was synchronized from.
func (r *UserRepository) FindByExternalID(ctx context.Context, source, externalID string) (*domain.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users u WHERE u.source = `+placeholder(1)+` AND u.external_id = `+placeholder(2), source, externalID)
}

func (r *UserRepository) FindAll(ctx context.Context) ([]domain.User, error) {
	return r.query(ctx, `SELECT `+userColumns+` FROM users u ORDER BY u.id`)
}

// UsersByRole lists every member of the role, active or not, by ascending id.
func (r *UserRepository) UsersByRole(ctx context.Context, role string) ([]domain.User, error) {
	return r.query(ctx, `SELECT `+userColumns+` FROM users u JOIN user_roles ur ON ur.user_id = u.id
		WHERE ur.role = `+placeholder(1)+` ORDER BY u.id`, role)
}

// FirstUserByRole returns the lowest id among the active members of the role.
func (r *UserRepository) FirstUserByRole(ctx context.Context, role string) (int64, bool, error) {
	query := `SELECT u.id FROM users u JOIN user_roles ur ON ur.user_id = u.id
		WHERE ur.role = ` + placeholder(1) + ` AND u.is_active = ` + placeholder(2) + ` ORDER BY u.id LIMIT 1`
	var id int64
	err := r.db.QueryRowContext(ctx, query, role, true).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r *UserRepository) RolesOf(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id = `+placeholder(1)+` ORDER BY role`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// AddRole grants the role. Granting a role the user already holds is not an error.
func (r *UserRepository) AddRole(ctx context.Context, userID int64, role string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO user_roles (user_id, role) VALUES (`+placeholders(1, 2)+`)`, userID, role)
	if isUniqueViolation(err) {
		return nil
	}
	return err
}

func (r *UserRepository) RemoveRole(ctx context.Context, userID int64, role string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = `+placeholder(1)+` AND role = `+placeholder(2), userID, role)
	return err
}

func (r *UserRepository) findOne(ctx context.Context, query string, args ...any) (*domain.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (r *UserRepository) query(ctx context.Context, query string, args ...any) ([]domain.User, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func scanUser(s scanner) (*domain.User, error) {
	var u domain.User
	if err := s.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.ExternalID, &u.Source, &u.IsActive, &u.Created, &u.Modified); err != nil {
		return nil, err
	}
	return &u, nil
}
