package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

// UserRecord is one user as seen by an external system.
type UserRecord struct {
	ExternalID string   `json:"externalId"`
	Username   string   `json:"username"`
	Email      string   `json:"email"`
	FullName   string   `json:"fullName"`
	Roles      []string `json:"roles"`
	Active     *bool    `json:"active,omitempty"`
}

func (r UserRecord) active() bool {
	return r.Active == nil || *r.Active
}

type UserStore interface {
	FindByExternalID(ctx context.Context, source, externalID string) (*domain.User, error)
	FindByUsername(ctx context.Context, username string) (*domain.User, error)
	Save(ctx context.Context, u *domain.User) (int64, error)
	Update(ctx context.Context, u *domain.User) error
	RolesOf(ctx context.Context, userID int64) ([]string, error)
	AddRole(ctx context.Context, userID int64, role string) error
}

// UserSink upserts synchronized users and their role memberships. Users are matched on source
// and external id. Roles are only ever added.
type UserSink struct {
	users UserStore
}

func NewUserSink(users UserStore) *UserSink {
	return &UserSink{users: users}
}

// Apply writes every record and reports the outcome per record. Errors of single records are
// collected in the result; only store failures abort the run.
func (s *UserSink) Apply(ctx context.Context, source string, records []UserRecord) (domain.SyncResult, error) {
	result := domain.SyncResult{TotalRecords: len(records), Errors: []domain.SyncRecordError{}}
	for _, rec := range records {
		outcome, err := s.apply(ctx, source, rec)
		if err != nil {
			return result, err
		}
		switch outcome.kind {
		case outcomeCreated:
			result.CreatedCount++
		case outcomeUpdated:
			result.UpdatedCount++
		case outcomeSkipped:
			result.SkippedCount++
		case outcomeFailed:
			result.FailedCount++
			result.Errors = append(result.Errors, domain.SyncRecordError{Record: rec.label(), Error: outcome.reason})
		}
	}
	result.SuccessCount = result.CreatedCount + result.UpdatedCount
	result.Success = result.FailedCount == 0
	return result, nil
}

const (
	outcomeCreated = iota
	outcomeUpdated
	outcomeSkipped
	outcomeFailed
)

type outcome struct {
	kind   int
	reason string
}

func (r UserRecord) label() string {
	if r.Username != "" {
		return r.Username
	}
	if r.ExternalID != "" {
		return r.ExternalID
	}
	return "<empty>"
}

func (s *UserSink) apply(ctx context.Context, source string, rec UserRecord) (outcome, error) {
	rec.ExternalID = strings.TrimSpace(rec.ExternalID)
	rec.Username = strings.TrimSpace(rec.Username)
	if rec.ExternalID == "" || rec.Username == "" {
		return outcome{kind: outcomeFailed, reason: "externalId and username are required"}, nil
	}
	roles := rec.Roles[:0:0]
	for _, role := range rec.Roles {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	rec.Roles = roles

	existing, err := s.users.FindByExternalID(ctx, source, rec.ExternalID)
	if err != nil {
		return outcome{}, err
	}
	if existing == nil {
		taken, err := s.users.FindByUsername(ctx, rec.Username)
		if err != nil {
			return outcome{}, err
		}
		if taken != nil {
			return outcome{kind: outcomeFailed, reason: fmt.Sprintf("username %s belongs to a %s user", rec.Username, taken.Source)}, nil
		}
		u := &domain.User{
			Username:   rec.Username,
			Email:      rec.Email,
			FullName:   rec.FullName,
			ExternalID: sql.NullString{String: rec.ExternalID, Valid: true},
			Source:     source,
			IsActive:   rec.active(),
		}
		if _, err := s.users.Save(ctx, u); err != nil {
			return outcome{}, fmt.Errorf("save user %s: %w", rec.Username, err)
		}
		if err := s.grant(ctx, u.ID, rec.Roles, nil); err != nil {
			return outcome{}, err
		}
		return outcome{kind: outcomeCreated}, nil
	}

	held, err := s.users.RolesOf(ctx, existing.ID)
	if err != nil {
		return outcome{}, err
	}
	changed := existing.Email != rec.Email || existing.FullName != rec.FullName || existing.IsActive != rec.active()
	missing := slices.ContainsFunc(rec.Roles, func(r string) bool { return !slices.Contains(held, r) })
	if !changed && !missing {
		return outcome{kind: outcomeSkipped}, nil
	}
	if changed {
		existing.Email, existing.FullName, existing.IsActive = rec.Email, rec.FullName, rec.active()
		if err := s.users.Update(ctx, existing); err != nil {
			return outcome{}, fmt.Errorf("update user %s: %w", existing.Username, err)
		}
	}
	if err := s.grant(ctx, existing.ID, rec.Roles, held); err != nil {
		return outcome{}, err
	}
	return outcome{kind: outcomeUpdated}, nil
}

func (s *UserSink) grant(ctx context.Context, userID int64, roles, held []string) error {
	for _, role := range roles {
		if slices.Contains(held, role) {
			continue
		}
		if err := s.users.AddRole(ctx, userID, role); err != nil {
			return fmt.Errorf("grant role %s to user %d: %w", role, userID, err)
		}
	}
	return nil
}
