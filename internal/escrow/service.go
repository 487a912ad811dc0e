// Package escrow is the milestone state machine. A milestone moves
// PENDING -> FUNDED -> {RELEASED | DISPUTED} and DISPUTED -> {RELEASED |
// REFUNDED}; every move is a conditional update in the ledger, so of two
// racing transitions exactly one commits.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tasklinker/backend/internal/apperr"
	"github.com/tasklinker/backend/internal/gateway"
	"github.com/tasklinker/backend/internal/ledger"
	"github.com/tasklinker/backend/internal/metrics"
	"github.com/tasklinker/backend/internal/models"
	"github.com/tasklinker/backend/internal/payout"
	"github.com/tasklinker/backend/internal/policy"
)

// Notification event names.
const (
	EventMilestoneFunded   = "milestone.funded"
	EventMilestoneReleased = "milestone.released"
	EventMilestoneRefunded = "milestone.refunded"
	EventDisputeRaised     = "dispute.raised"
	EventDisputeResolved   = "dispute.resolved"
	EventTransferFailed    = "transfer.failed"
)

// TxBeginner starts a database transaction. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the ledger as seen by the state machine. Writes take the caller's
// transaction; conditional writes return ledger.ErrConflict when the row is
// no longer in the expected status.
type Store interface {
	GetEscrow(ctx context.Context, id uuid.UUID) (*models.EscrowAccount, error)
	GetMilestone(ctx context.Context, id uuid.UUID) (*models.Milestone, error)
	ListMilestones(ctx context.Context, escrowID uuid.UUID) ([]*models.Milestone, error)
	ListEntries(ctx context.Context, escrowID uuid.UUID) ([]*models.LedgerEntry, error)
	GetDispute(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	GetOpenDisputeByMilestone(ctx context.Context, milestoneID uuid.UUID) (*models.Dispute, error)
	GetAcceptedFreelancer(ctx context.Context, taskID uuid.UUID) (uuid.UUID, error)
	FindMilestoneByTransferReference(ctx context.Context, reference string) (*models.Milestone, error)
	ListOpenDisputes(ctx context.Context) ([]*models.Dispute, error)
	ListEscrowsNeedingReview(ctx context.Context) ([]*models.EscrowAccount, error)

	InsertMilestone(ctx context.Context, tx pgx.Tx, m *models.Milestone) error
	UpdateMilestoneStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to models.MilestoneStatus, f models.MilestoneFields) (*models.Milestone, error)
	LockMilestones(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID) ([]*models.Milestone, error)
	InsertDispute(ctx context.Context, tx pgx.Tx, d *models.Dispute) error
	UpdateDispute(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to models.DisputeStatus, res models.DisputeResolution) (*models.Dispute, error)
	InsertEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	UpdateEscrowStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, paymentReference *string) error
	FlagEscrowForReview(ctx context.Context, id uuid.UUID, reason string) error
	ClearReview(ctx context.Context, id uuid.UUID) error
}

// Verifier confirms a charge with the payment gateway.
type Verifier interface {
	VerifyTransaction(ctx context.Context, reference string) (*gateway.Transaction, error)
}

// InsertPayoutTxFunc enqueues a payout job within the given transaction.
// Provided by main using river.Client.InsertTx.
type InsertPayoutTxFunc func(ctx context.Context, tx pgx.Tx, args payout.Args) error

// Notifier publishes domain events. Delivery failures are the notifier's
// problem; Notify never fails the caller.
type Notifier interface {
	Notify(ctx context.Context, event string, payload map[string]any)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, map[string]any) {}

type Service struct {
	db           TxBeginner
	store        Store
	verifier     Verifier
	insertPayout InsertPayoutTxFunc
	notifier     Notifier

	// GatewayTimeout bounds each verification call.
	GatewayTimeout time.Duration
	// Now is the clock used for transition timestamps.
	Now func() time.Time
}

// NewService creates the state machine. insertPayout is typically a closure
// over river.Client.InsertTx; notifier may be nil.
func NewService(db TxBeginner, store Store, verifier Verifier, insertPayout InsertPayoutTxFunc, notifier Notifier) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Service{
		db:             db,
		store:          store,
		verifier:       verifier,
		insertPayout:   insertPayout,
		notifier:       notifier,
		GatewayTimeout: gateway.DefaultTimeout,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// MilestoneInput describes a milestone to create.
type MilestoneInput struct {
	Title   string
	Amount  int64
	DueDate *time.Time
}

// ---------------------------------------------------------------------------
// Milestone creation and funding
// ---------------------------------------------------------------------------

// CreateMilestone adds a PENDING milestone. The sum of milestone amounts may
// not exceed the escrow total.
func (s *Service) CreateMilestone(ctx context.Context, actor models.Actor, escrowID uuid.UUID, in MilestoneInput) (*models.Milestone, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperr.New(apperr.ValidationError, "title is required")
	}
	if in.Amount <= 0 {
		return nil, apperr.New(apperr.ValidationError, "amount must be positive")
	}
	e, err := s.getEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !policy.CanCreateMilestone(actor, e) {
		return nil, apperr.New(apperr.Forbidden, "only the escrow's client can add milestones")
	}

	m := &models.Milestone{
		ID:       uuid.New(),
		EscrowID: e.ID,
		Title:    title,
		Amount:   in.Amount,
		Status:   models.MilestonePending,
		DueDate:  in.DueDate,
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.store.InsertMilestone(ctx, tx, m); err != nil {
		if errors.Is(err, ledger.ErrAllocationExceeded) {
			return nil, apperr.New(apperr.ValidationError, "milestone amounts would exceed escrow total of %d", e.TotalAmount)
		}
		return nil, fmt.Errorf("insert milestone: %w", err)
	}
	if err := s.refreshEscrow(ctx, tx, e.ID, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return m, nil
}

// FundMilestone applies a client-reported charge to a milestone. The gateway,
// not the client, is the authority on whether the charge happened.
func (s *Service) FundMilestone(ctx context.Context, actor models.Actor, milestoneID uuid.UUID, paymentReference string) (*models.Milestone, error) {
	paymentReference = strings.TrimSpace(paymentReference)
	if paymentReference == "" {
		return nil, apperr.New(apperr.ValidationError, "payment reference is required")
	}
	m, e, err := s.load(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if !policy.CanFund(actor, e) {
		return nil, apperr.New(apperr.Forbidden, "only the escrow's client can fund milestones")
	}
	return s.applyCharge(ctx, m, e, paymentReference)
}

// ApplyCharge is the reconciler's entry to the fund path.
func (s *Service) ApplyCharge(ctx context.Context, milestoneID uuid.UUID, paymentReference string) (*models.Milestone, error) {
	if paymentReference == "" {
		return nil, apperr.New(apperr.ValidationError, "payment reference is required")
	}
	m, e, err := s.load(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	return s.applyCharge(ctx, m, e, paymentReference)
}

func (s *Service) applyCharge(ctx context.Context, m *models.Milestone, e *models.EscrowAccount, reference string) (*models.Milestone, error) {
	if m.Status != models.MilestonePending {
		if sameReference(m, reference) {
			return m, nil
		}
		return nil, apperr.New(apperr.InvalidState, "milestone %s is %s, not PENDING", m.ID, m.Status)
	}

	if err := s.verifyCharge(ctx, m, e, reference); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	funded, err := s.store.UpdateMilestoneStatus(ctx, tx, m.ID, models.MilestonePending, models.MilestoneFunded,
		models.MilestoneFields{PaymentReference: &reference, At: s.Now()})
	if errors.Is(err, ledger.ErrConflict) {
		cur, rerr := s.getMilestone(ctx, m.ID)
		if rerr == nil && sameReference(cur, reference) {
			return cur, nil
		}
		return nil, s.conflict(ctx, "fund", m.ID)
	}
	if errors.Is(err, ledger.ErrReferenceInUse) {
		return nil, apperr.Wrap(apperr.ValidationError, err, "payment %q already applied to another milestone", reference)
	}
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertEntry(ctx, tx, &models.LedgerEntry{
		EscrowID:    e.ID,
		MilestoneID: &m.ID,
		EntryType:   models.EntryFund,
		Amount:      m.Amount,
		Reference:   &reference,
	}); err != nil {
		return nil, fmt.Errorf("insert fund entry: %w", err)
	}
	if err := s.refreshEscrow(ctx, tx, e.ID, &reference); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	metrics.RecordTransition(string(models.MilestonePending), string(models.MilestoneFunded))
	s.notifier.Notify(ctx, EventMilestoneFunded, map[string]any{
		"milestone_id": m.ID,
		"escrow_id":    e.ID,
		"task_id":      e.TaskID,
		"amount":       m.Amount,
		"reference":    reference,
	})
	return funded, nil
}

// verifyCharge confirms with the gateway that reference is a successful
// charge of exactly the milestone amount, attributed to this escrow.
func (s *Service) verifyCharge(ctx context.Context, m *models.Milestone, e *models.EscrowAccount, reference string) error {
	vctx, cancel := context.WithTimeout(ctx, s.GatewayTimeout)
	defer cancel()

	txn, err := s.verifier.VerifyTransaction(vctx, reference)
	if err != nil {
		var apiErr *gateway.APIError
		switch {
		case errors.As(err, &apiErr):
			return apperr.Wrap(apperr.ValidationError, err, "payment %q could not be verified", reference)
		case errors.Is(err, apperr.ErrGatewayUnavailable):
			return err
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			return apperr.Wrap(apperr.GatewayUnavailable, err, "payment verification timed out")
		}
		return apperr.Wrap(apperr.GatewayUnavailable, err, "payment verification failed")
	}
	if txn.Status != gateway.StatusSuccess {
		return apperr.New(apperr.ValidationError, "payment %q is %s", reference, txn.Status)
	}
	if txn.Amount != m.Amount {
		return apperr.New(apperr.AmountMismatch, "confirmed amount %d does not match milestone amount %d", txn.Amount, m.Amount)
	}
	if txn.Currency != "" && !strings.EqualFold(txn.Currency, e.Currency) {
		return apperr.New(apperr.AmountMismatch, "confirmed currency %s does not match escrow currency %s", txn.Currency, e.Currency)
	}
	md := txn.Metadata
	if md.MilestoneID != "" && md.MilestoneID != m.ID.String() {
		return apperr.New(apperr.ValidationError, "payment %q belongs to another milestone", reference)
	}
	if md.EscrowID == "" && md.TaskID == "" {
		return apperr.New(apperr.ValidationError, "payment %q is not attributed to an escrow", reference)
	}
	if md.EscrowID != "" && md.EscrowID != e.ID.String() {
		return apperr.New(apperr.ValidationError, "payment %q belongs to another escrow", reference)
	}
	if md.TaskID != "" && md.TaskID != e.TaskID.String() {
		return apperr.New(apperr.ValidationError, "payment %q belongs to another task", reference)
	}
	return nil
}

func sameReference(m *models.Milestone, reference string) bool {
	return m.Status != models.MilestonePending && m.PaymentReference != nil && *m.PaymentReference == reference
}

// ---------------------------------------------------------------------------
// Disputes
// ---------------------------------------------------------------------------

// RaiseDispute freezes a funded milestone pending admin arbitration. Only the
// task's accepted freelancer may raise one.
func (s *Service) RaiseDispute(ctx context.Context, actor models.Actor, milestoneID uuid.UUID, reason string, evidenceURLs []string) (*models.Dispute, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.New(apperr.ValidationError, "reason is required")
	}
	m, e, err := s.load(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	freelancer, err := s.store.GetAcceptedFreelancer(ctx, e.TaskID)
	if err != nil {
		return nil, fmt.Errorf("get accepted freelancer: %w", err)
	}
	if !policy.CanRaiseDispute(actor, freelancer) {
		return nil, apperr.New(apperr.Forbidden, "only the accepted freelancer can raise a dispute")
	}
	if m.Status != models.MilestoneFunded {
		return nil, apperr.New(apperr.InvalidState, "milestone %s is %s, not FUNDED", m.ID, m.Status)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.store.UpdateMilestoneStatus(ctx, tx, m.ID, models.MilestoneFunded, models.MilestoneDisputed,
		models.MilestoneFields{At: s.Now()}); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return nil, s.conflict(ctx, "raise_dispute", m.ID)
		}
		return nil, err
	}
	d := &models.Dispute{
		ID:           uuid.New(),
		MilestoneID:  m.ID,
		RaisedBy:     actor.ID,
		Reason:       reason,
		EvidenceURLs: evidenceURLs,
		Status:       models.DisputeOpen,
	}
	if err := s.store.InsertDispute(ctx, tx, d); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			metrics.RecordConflict("raise_dispute")
			return nil, apperr.New(apperr.InvalidState, "milestone %s already has an open dispute", m.ID)
		}
		return nil, fmt.Errorf("insert dispute: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	metrics.RecordTransition(string(models.MilestoneFunded), string(models.MilestoneDisputed))
	s.notifier.Notify(ctx, EventDisputeRaised, map[string]any{
		"dispute_id":   d.ID,
		"milestone_id": m.ID,
		"escrow_id":    e.ID,
		"raised_by":    actor.ID,
	})
	return d, nil
}

// ResolveDispute closes an open dispute with an admin verdict, moving the
// milestone to RELEASED or REFUNDED and scheduling the matching payout.
func (s *Service) ResolveDispute(ctx context.Context, actor models.Actor, disputeID uuid.UUID, verdict, notes string) (*models.Dispute, error) {
	if !policy.CanResolveDispute(actor) {
		return nil, apperr.New(apperr.Forbidden, "only an admin can resolve disputes")
	}
	if verdict != models.VerdictRelease && verdict != models.VerdictRefund {
		return nil, apperr.New(apperr.ValidationError, "verdict must be %q or %q", models.VerdictRelease, models.VerdictRefund)
	}
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "dispute %s not found", disputeID)
		}
		return nil, err
	}
	if d.Status != models.DisputeOpen {
		return nil, apperr.New(apperr.AlreadyResolved, "dispute %s is already resolved", d.ID)
	}
	resolved, _, err := s.resolve(ctx, actor, d, verdict, strings.TrimSpace(notes))
	return resolved, err
}

func (s *Service) resolve(ctx context.Context, actor models.Actor, d *models.Dispute, verdict, notes string) (*models.Dispute, *models.Milestone, error) {
	m, e, err := s.load(ctx, d.MilestoneID)
	if err != nil {
		return nil, nil, err
	}

	to := models.MilestoneReleased
	entryType := models.EntryRelease
	event := EventMilestoneReleased
	if verdict == models.VerdictRefund {
		to = models.MilestoneRefunded
		entryType = models.EntryRefund
		event = EventMilestoneRefunded
	}
	args, err := s.payoutArgs(ctx, m, e, verdict)
	if err != nil {
		return nil, nil, err
	}
	now := s.Now()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	fields := models.MilestoneFields{At: now}
	if verdict == models.VerdictRelease {
		fields.TransferReference = &args.Reference
	}
	updated, err := s.store.UpdateMilestoneStatus(ctx, tx, m.ID, models.MilestoneDisputed, to, fields)
	if errors.Is(err, ledger.ErrConflict) {
		// Only a resolution moves a milestone out of DISPUTED.
		metrics.RecordConflict("resolve_dispute")
		return nil, nil, apperr.New(apperr.AlreadyResolved, "dispute %s is already resolved", d.ID)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.InsertEntry(ctx, tx, &models.LedgerEntry{
		EscrowID:    e.ID,
		MilestoneID: &m.ID,
		EntryType:   entryType,
		Amount:      m.Amount,
		Reference:   &args.Reference,
	}); err != nil {
		return nil, nil, fmt.Errorf("insert %s entry: %w", entryType, err)
	}
	if err := s.insertPayout(ctx, tx, args); err != nil {
		return nil, nil, fmt.Errorf("enqueue payout: %w", err)
	}
	resolved, err := s.store.UpdateDispute(ctx, tx, d.ID, models.DisputeOpen, models.DisputeResolved, models.DisputeResolution{
		Verdict:    verdict,
		Notes:      notes,
		ResolvedBy: actor.ID,
		ResolvedAt: now,
	})
	if errors.Is(err, ledger.ErrConflict) {
		metrics.RecordConflict("resolve_dispute")
		return nil, nil, apperr.New(apperr.AlreadyResolved, "dispute %s is already resolved", d.ID)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := s.refreshEscrow(ctx, tx, e.ID, nil); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}

	metrics.RecordTransition(string(models.MilestoneDisputed), string(to))
	s.notifier.Notify(ctx, EventDisputeResolved, map[string]any{
		"dispute_id":   d.ID,
		"milestone_id": m.ID,
		"escrow_id":    e.ID,
		"verdict":      verdict,
		"resolved_by":  actor.ID,
	})
	s.notifier.Notify(ctx, event, map[string]any{
		"milestone_id": m.ID,
		"escrow_id":    e.ID,
		"amount":       m.Amount,
	})
	return resolved, updated, nil
}

// ---------------------------------------------------------------------------
// Release and refund
// ---------------------------------------------------------------------------

// ReleaseMilestone pays a funded milestone to the freelancer. The transition
// commits first; the transfer runs as a job enqueued in the same
// transaction. Releasing an already released milestone is a no-op. An admin
// releasing a disputed milestone resolves its dispute in the freelancer's
// favour.
func (s *Service) ReleaseMilestone(ctx context.Context, actor models.Actor, milestoneID uuid.UUID) (*models.Milestone, error) {
	m, e, err := s.load(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !policy.CanFund(actor, e) {
		return nil, apperr.New(apperr.Forbidden, "not allowed to release milestone %s", m.ID)
	}

	switch m.Status {
	case models.MilestoneReleased:
		return m, nil
	case models.MilestoneFunded:
	case models.MilestoneDisputed:
		if !policy.CanRelease(actor, m, e) {
			return nil, apperr.New(apperr.InvalidState, "milestone %s is DISPUTED and awaits admin resolution", m.ID)
		}
		return s.resolveForMilestone(ctx, actor, m, models.VerdictRelease)
	default:
		return nil, apperr.New(apperr.InvalidState, "milestone %s is %s, not FUNDED", m.ID, m.Status)
	}

	args, err := s.payoutArgs(ctx, m, e, models.VerdictRelease)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	released, err := s.store.UpdateMilestoneStatus(ctx, tx, m.ID, models.MilestoneFunded, models.MilestoneReleased,
		models.MilestoneFields{TransferReference: &args.Reference, At: s.Now()})
	if errors.Is(err, ledger.ErrConflict) {
		if cur, rerr := s.getMilestone(ctx, m.ID); rerr == nil && cur.Status == models.MilestoneReleased {
			return cur, nil
		}
		return nil, s.conflict(ctx, "release", m.ID)
	}
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertEntry(ctx, tx, &models.LedgerEntry{
		EscrowID:    e.ID,
		MilestoneID: &m.ID,
		EntryType:   models.EntryRelease,
		Amount:      m.Amount,
		Reference:   &args.Reference,
	}); err != nil {
		return nil, fmt.Errorf("insert release entry: %w", err)
	}
	if err := s.insertPayout(ctx, tx, args); err != nil {
		return nil, fmt.Errorf("enqueue payout: %w", err)
	}
	if err := s.refreshEscrow(ctx, tx, e.ID, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	metrics.RecordTransition(string(models.MilestoneFunded), string(models.MilestoneReleased))
	s.notifier.Notify(ctx, EventMilestoneReleased, map[string]any{
		"milestone_id": m.ID,
		"escrow_id":    e.ID,
		"amount":       m.Amount,
		"released_by":  actor.ID,
	})
	return released, nil
}

// RefundMilestone returns a disputed milestone's funds to the client by
// resolving its dispute with a refund verdict. Admin only.
func (s *Service) RefundMilestone(ctx context.Context, actor models.Actor, milestoneID uuid.UUID) (*models.Milestone, error) {
	if !policy.CanRefund(actor) {
		return nil, apperr.New(apperr.Forbidden, "only an admin can refund milestones")
	}
	m, err := s.getMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	switch m.Status {
	case models.MilestoneRefunded:
		return m, nil
	case models.MilestoneDisputed:
		return s.resolveForMilestone(ctx, actor, m, models.VerdictRefund)
	}
	return nil, apperr.New(apperr.InvalidState, "milestone %s is %s, not DISPUTED", m.ID, m.Status)
}

func (s *Service) resolveForMilestone(ctx context.Context, actor models.Actor, m *models.Milestone, verdict string) (*models.Milestone, error) {
	target := models.MilestoneReleased
	if verdict == models.VerdictRefund {
		target = models.MilestoneRefunded
	}
	d, err := s.store.GetOpenDisputeByMilestone(ctx, m.ID)
	if err == nil {
		var updated *models.Milestone
		_, updated, err = s.resolve(ctx, actor, d, verdict, "")
		if err == nil {
			return updated, nil
		}
	}
	if !errors.Is(err, ledger.ErrNotFound) && !errors.Is(err, apperr.ErrAlreadyResolved) && !errors.Is(err, apperr.ErrInvalidState) {
		return nil, err
	}
	// Lost a race with another resolution; succeed only if it went our way.
	cur, rerr := s.getMilestone(ctx, m.ID)
	if rerr != nil {
		return nil, rerr
	}
	if cur.Status == target {
		return cur, nil
	}
	if cur.Status == models.MilestoneDisputed && !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}
	metrics.RecordConflict(verdict)
	return nil, apperr.New(apperr.InvalidState, "milestone %s is %s", cur.ID, cur.Status)
}

func (s *Service) payoutArgs(ctx context.Context, m *models.Milestone, e *models.EscrowAccount, verdict string) (payout.Args, error) {
	args := payout.Args{
		MilestoneID: m.ID,
		EscrowID:    e.ID,
		Amount:      m.Amount,
		Currency:    e.Currency,
		Reference:   payout.Reference(m.ID),
	}
	if verdict == models.VerdictRefund {
		args.Action = payout.ActionRefund
		if m.PaymentReference != nil {
			args.PaymentReference = *m.PaymentReference
		}
		return args, nil
	}
	freelancer, err := s.store.GetAcceptedFreelancer(ctx, e.TaskID)
	if err != nil {
		return args, fmt.Errorf("get accepted freelancer: %w", err)
	}
	if freelancer == uuid.Nil {
		return args, apperr.New(apperr.InvalidState, "task %s has no accepted freelancer", e.TaskID)
	}
	args.Action = payout.ActionRelease
	args.PayeeID = freelancer
	return args, nil
}

// ---------------------------------------------------------------------------
// Transfer bookkeeping
// ---------------------------------------------------------------------------

// ConfirmTransfer records the gateway's confirmation of a payout. The
// milestone status does not change.
func (s *Service) ConfirmTransfer(ctx context.Context, transferReference string) (*models.Milestone, error) {
	m, err := s.findByTransfer(ctx, transferReference)
	if err != nil {
		return nil, err
	}
	if m.Status != models.MilestoneReleased {
		return nil, apperr.New(apperr.InvalidState, "milestone %s is %s, not RELEASED", m.ID, m.Status)
	}
	if err := s.appendEntry(ctx, m, models.EntryTransferConfirmed, transferReference); err != nil {
		return nil, err
	}
	return m, nil
}

// FlagTransferFailure marks the escrow for manual review after a failed or
// reversed payout. The milestone stays RELEASED.
func (s *Service) FlagTransferFailure(ctx context.Context, transferReference, reason string) (*models.Milestone, error) {
	m, err := s.findByTransfer(ctx, transferReference)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "transfer failed"
	}
	if err := s.store.FlagEscrowForReview(ctx, m.EscrowID, reason); err != nil {
		return nil, fmt.Errorf("flag escrow: %w", err)
	}
	if err := s.appendEntry(ctx, m, models.EntryTransferFailed, transferReference); err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, EventTransferFailed, map[string]any{
		"milestone_id": m.ID,
		"escrow_id":    m.EscrowID,
		"reference":    transferReference,
		"reason":       reason,
	})
	return m, nil
}

func (s *Service) findByTransfer(ctx context.Context, reference string) (*models.Milestone, error) {
	if reference == "" {
		return nil, apperr.New(apperr.ValidationError, "transfer reference is required")
	}
	m, err := s.store.FindMilestoneByTransferReference(ctx, reference)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "no milestone for transfer %q", reference)
	}
	return m, err
}

func (s *Service) appendEntry(ctx context.Context, m *models.Milestone, entryType, reference string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := s.store.InsertEntry(ctx, tx, &models.LedgerEntry{
		EscrowID:    m.EscrowID,
		MilestoneID: &m.ID,
		EntryType:   entryType,
		Amount:      m.Amount,
		Reference:   &reference,
	}); err != nil {
		return fmt.Errorf("insert %s entry: %w", entryType, err)
	}
	return tx.Commit(ctx)
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// EscrowView is an escrow account with its milestones, derived balance and
// audit entries.
type EscrowView struct {
	Escrow     *models.EscrowAccount `json:"escrow"`
	Milestones []*models.Milestone   `json:"milestones"`
	Balance    models.EscrowBalance  `json:"balance"`
	Entries    []*models.LedgerEntry `json:"entries"`
}

func (s *Service) GetEscrow(ctx context.Context, actor models.Actor, escrowID uuid.UUID) (*EscrowView, error) {
	e, err := s.getEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	freelancer, err := s.store.GetAcceptedFreelancer(ctx, e.TaskID)
	if err != nil {
		return nil, fmt.Errorf("get accepted freelancer: %w", err)
	}
	if !policy.CanView(actor, e, freelancer) {
		return nil, apperr.New(apperr.Forbidden, "not allowed to view escrow %s", e.ID)
	}
	ms, err := s.store.ListMilestones(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	entries, err := s.store.ListEntries(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	if ms == nil {
		ms = []*models.Milestone{}
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	return &EscrowView{Escrow: e, Milestones: ms, Balance: ComputeBalance(e, ms), Entries: entries}, nil
}

// Balance derives the escrow's money split from its milestones.
func (s *Service) Balance(ctx context.Context, escrowID uuid.UUID) (models.EscrowBalance, error) {
	e, err := s.getEscrow(ctx, escrowID)
	if err != nil {
		return models.EscrowBalance{}, err
	}
	ms, err := s.store.ListMilestones(ctx, e.ID)
	if err != nil {
		return models.EscrowBalance{}, fmt.Errorf("list milestones: %w", err)
	}
	return ComputeBalance(e, ms), nil
}

func (s *Service) ListOpenDisputes(ctx context.Context, actor models.Actor) ([]*models.Dispute, error) {
	if !policy.CanResolveDispute(actor) {
		return nil, apperr.New(apperr.Forbidden, "admin only")
	}
	return s.store.ListOpenDisputes(ctx)
}

func (s *Service) ListReviewQueue(ctx context.Context, actor models.Actor) ([]*models.EscrowAccount, error) {
	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.Forbidden, "admin only")
	}
	return s.store.ListEscrowsNeedingReview(ctx)
}

func (s *Service) ClearReview(ctx context.Context, actor models.Actor, escrowID uuid.UUID) error {
	if !actor.IsAdmin() {
		return apperr.New(apperr.Forbidden, "admin only")
	}
	err := s.store.ClearReview(ctx, escrowID)
	if errors.Is(err, ledger.ErrNotFound) {
		return apperr.New(apperr.NotFound, "escrow %s not found", escrowID)
	}
	return err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Service) load(ctx context.Context, milestoneID uuid.UUID) (*models.Milestone, *models.EscrowAccount, error) {
	m, err := s.getMilestone(ctx, milestoneID)
	if err != nil {
		return nil, nil, err
	}
	e, err := s.getEscrow(ctx, m.EscrowID)
	if err != nil {
		return nil, nil, err
	}
	return m, e, nil
}

func (s *Service) getMilestone(ctx context.Context, id uuid.UUID) (*models.Milestone, error) {
	m, err := s.store.GetMilestone(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "milestone %s not found", id)
	}
	return m, err
}

func (s *Service) getEscrow(ctx context.Context, id uuid.UUID) (*models.EscrowAccount, error) {
	e, err := s.store.GetEscrow(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "escrow %s not found", id)
	}
	return e, err
}

// conflict re-reads a milestone whose conditional update matched no row and
// reports the status it was found in.
func (s *Service) conflict(ctx context.Context, op string, milestoneID uuid.UUID) error {
	metrics.RecordConflict(op)
	m, err := s.getMilestone(ctx, milestoneID)
	if err != nil {
		return err
	}
	return apperr.New(apperr.InvalidState, "milestone %s is %s", m.ID, m.Status)
}

// refreshEscrow re-derives the escrow status inside tx.
func (s *Service) refreshEscrow(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID, paymentReference *string) error {
	ms, err := s.store.LockMilestones(ctx, tx, escrowID)
	if err != nil {
		return fmt.Errorf("lock milestones: %w", err)
	}
	if err := s.store.UpdateEscrowStatus(ctx, tx, escrowID, DeriveEscrowStatus(ms), paymentReference); err != nil {
		return fmt.Errorf("update escrow status: %w", err)
	}
	return nil
}
