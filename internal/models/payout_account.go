package models

import (
	"time"

	"github.com/google/uuid"
)

// PayoutAccount holds a freelancer's bank details. RecipientCode is filled
// the first time a transfer recipient is registered with the gateway.
type PayoutAccount struct {
	UserID        uuid.UUID `json:"user_id"`
	AccountNumber string    `json:"account_number"`
	BankCode      string    `json:"bank_code"`
	AccountName   string    `json:"account_name"`
	RecipientCode *string   `json:"recipient_code,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}
