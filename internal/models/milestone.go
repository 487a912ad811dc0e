package models

import (
	"time"

	"github.com/google/uuid"
)

type MilestoneStatus string

// Milestone statuses. RELEASED and REFUNDED are terminal.
const (
	MilestonePending  MilestoneStatus = "PENDING"
	MilestoneFunded   MilestoneStatus = "FUNDED"
	MilestoneReleased MilestoneStatus = "RELEASED"
	MilestoneDisputed MilestoneStatus = "DISPUTED"
	MilestoneRefunded MilestoneStatus = "REFUNDED"
)

// Terminal reports whether no further transition may leave s.
func (s MilestoneStatus) Terminal() bool {
	return s == MilestoneReleased || s == MilestoneRefunded
}

// Held reports whether money for a milestone in status s sits in escrow.
func (s MilestoneStatus) Held() bool {
	return s == MilestoneFunded || s == MilestoneDisputed
}

// Milestone is an independently payable unit of work within a task's escrow.
type Milestone struct {
	ID                uuid.UUID       `json:"id"`
	EscrowID          uuid.UUID       `json:"escrow_id"`
	Title             string          `json:"title"`
	Amount            int64           `json:"amount"`
	Status            MilestoneStatus `json:"status"`
	DueDate           *time.Time      `json:"due_date,omitempty"`
	PaymentReference  *string         `json:"payment_reference,omitempty"`
	TransferReference *string         `json:"transfer_reference,omitempty"`
	TransferCode      *string         `json:"transfer_code,omitempty"`
	FundedAt          *time.Time      `json:"funded_at,omitempty"`
	ReleasedAt        *time.Time      `json:"released_at,omitempty"`
	RefundedAt        *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// MilestoneFields carries the optional columns stamped alongside a status transition.
// Nil fields are left untouched.
type MilestoneFields struct {
	PaymentReference  *string
	TransferReference *string
	TransferCode      *string
	At                time.Time
}
