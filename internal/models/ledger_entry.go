package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry types, appended in the same transaction as the transition they record.
const (
	EntryFund              = "fund"
	EntryRelease           = "release"
	EntryRefund            = "refund"
	EntryTransferConfirmed = "transfer_confirmed"
	EntryTransferFailed    = "transfer_failed"
)

type LedgerEntry struct {
	ID          uuid.UUID  `json:"id"`
	EscrowID    uuid.UUID  `json:"escrow_id"`
	MilestoneID *uuid.UUID `json:"milestone_id,omitempty"`
	EntryType   string     `json:"entry_type"`
	Amount      int64      `json:"amount"`
	Reference   *string    `json:"reference,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
