package models

import (
	"time"

	"github.com/google/uuid"
)

// Escrow account statuses. The account status is derived from its milestones.
const (
	EscrowStatusPending  = "pending"
	EscrowStatusFunded   = "funded"
	EscrowStatusReleased = "released"
	EscrowStatusRefunded = "refunded"
)

// EscrowAccount holds a client's payment against a task. One per task.
type EscrowAccount struct {
	ID               uuid.UUID `json:"id"`
	TaskID           uuid.UUID `json:"task_id"`
	ClientID         uuid.UUID `json:"client_id"`
	TotalAmount      int64     `json:"total_amount"`
	Currency         string    `json:"currency"`
	Status           string    `json:"status"`
	PaymentReference *string   `json:"payment_reference,omitempty"`
	NeedsReview      bool      `json:"needs_review"`
	ReviewReason     *string   `json:"review_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// EscrowBalance is derived from the milestones of an escrow account; it is never stored.
type EscrowBalance struct {
	Total       int64 `json:"total"`
	Allocated   int64 `json:"allocated"`
	Unallocated int64 `json:"unallocated"`
	Pending     int64 `json:"pending"`
	Held        int64 `json:"held"`
	Released    int64 `json:"released"`
	Refunded    int64 `json:"refunded"`
}
