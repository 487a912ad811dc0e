package models

import (
	"time"

	"github.com/google/uuid"
)

// Task statuses. A task becomes assigned when one application is accepted.
const (
	TaskOpen      = "open"
	TaskAssigned  = "assigned"
	TaskCompleted = "completed"
	TaskCancelled = "cancelled"
)

// Task is a unit of work a client posts and freelancers apply to.
type Task struct {
	ID        uuid.UUID `json:"id"`
	ClientID  uuid.UUID `json:"client_id"`
	Title     string    `json:"title"`
	Budget    int64     `json:"budget"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
