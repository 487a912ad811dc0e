package models

import (
	"time"

	"github.com/google/uuid"
)

// Application statuses. At most one application per task is accepted.
const (
	ApplicationPending  = "pending"
	ApplicationAccepted = "accepted"
	ApplicationRejected = "rejected"
)

type Application struct {
	ID           uuid.UUID `json:"id"`
	TaskID       uuid.UUID `json:"task_id"`
	FreelancerID uuid.UUID `json:"freelancer_id"`
	ProposedRate int64     `json:"proposed_rate"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
