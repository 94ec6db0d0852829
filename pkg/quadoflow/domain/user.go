package domain

import (
	"database/sql"
	"time"
)

type User struct {
	ID         int64          `json:"id"`
	Username   string         `json:"username"`
	Email      string         `json:"email"`
	FullName   string         `json:"fullName"`
	ExternalID sql.NullString `json:"externalId"`
	Source     string         `json:"source"`
	IsActive   bool           `json:"isActive"`
	Created    time.Time      `json:"created"`
	Modified   time.Time      `json:"modified"`
}

type Delegation struct {
	ID         int64     `json:"id"`
	FromUserID int64     `json:"fromUserId"`
	ToUserID   int64     `json:"toUserId"`
	Role       string    `json:"role"`
	StartDate  time.Time `json:"startDate"`
	EndDate    time.Time `json:"endDate"`
	IsActive   bool      `json:"isActive"`
}

// Covers reports whether the delegation is in force for the role at the given instant.
func (d Delegation) Covers(role string, now time.Time) bool {
	return d.IsActive && d.Role == role && !now.Before(d.StartDate) && !now.After(d.EndDate)
}
