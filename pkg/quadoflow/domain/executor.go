package domain

import "time"

// Executor is a running queue worker process, kept alive by its heartbeat.
type Executor struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Started    time.Time `json:"started"`
	LastActive time.Time `json:"lastActive"`
}
