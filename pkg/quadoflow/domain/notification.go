package domain

import "time"

type Notification struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"userId"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Type       string    `json:"type"`
	Link       string    `json:"link,omitempty"`
	EntityType string    `json:"entityType,omitempty"`
	EntityID   string    `json:"entityId,omitempty"`
	IsRead     bool      `json:"isRead"`
	Created    time.Time `json:"created"`
}
