package models

import (
	"time"

	"github.com/google/uuid"
)

type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "OPEN"
	DisputeResolved DisputeStatus = "RESOLVED"
)

// Admin verdicts for a dispute.
const (
	VerdictRelease = "release"
	VerdictRefund  = "refund"
)

// Dispute is a freelancer-initiated hold on a funded milestone pending admin arbitration.
type Dispute struct {
	ID           uuid.UUID     `json:"id"`
	MilestoneID  uuid.UUID     `json:"milestone_id"`
	RaisedBy     uuid.UUID     `json:"raised_by"`
	Reason       string        `json:"reason"`
	EvidenceURLs []string      `json:"evidence_urls"`
	Status       DisputeStatus `json:"status"`
	Verdict      *string       `json:"verdict,omitempty"`
	AdminNotes   *string       `json:"admin_notes,omitempty"`
	ResolvedBy   *uuid.UUID    `json:"resolved_by,omitempty"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// DisputeResolution is written onto a dispute when it closes.
type DisputeResolution struct {
	Verdict    string
	Notes      string
	ResolvedBy uuid.UUID
	ResolvedAt time.Time
}
