// Package ledgertest provides an in-memory ledger for tests. Conditional
// updates behave like the PostgreSQL repository; writes made through a Tx
// are undone when it rolls back without committing.
package ledgertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tasklinker/backend/internal/ledger"
	"github.com/tasklinker/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Tx
// ---------------------------------------------------------------------------

// Tx satisfies pgx.Tx. Only Commit and Rollback do anything.
type Tx struct {
	store     *Store
	mu        sync.Mutex
	undo      []func()
	committed bool
	done      bool
}

// OnRollback registers fn to run if the transaction rolls back.
func (t *Tx) OnRollback(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undo = append(t.undo, fn)
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return t, nil }

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return pgx.ErrTxClosed
	}
	t.committed, t.done = true, true
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return pgx.ErrTxClosed
	}
	t.done = true
	undo := t.undo
	t.undo = nil
	t.mu.Unlock()

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
	return nil
}

func (t *Tx) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }

// recordUndo must be called with s.mu held; fn also runs with s.mu held.
func recordUndo(tx pgx.Tx, fn func()) {
	if t, ok := tx.(*Tx); ok {
		t.mu.Lock()
		t.undo = append(t.undo, fn)
		t.mu.Unlock()
	}
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

type Store struct {
	mu             sync.Mutex
	escrows        map[uuid.UUID]*models.EscrowAccount
	milestones     map[uuid.UUID]*models.Milestone
	disputes       map[uuid.UUID]*models.Dispute
	entries        []*models.LedgerEntry
	accepted       map[uuid.UUID]uuid.UUID
	webhookEvents  map[string]string
	payoutAccounts map[uuid.UUID]*models.PayoutAccount
	seq            int

	// Err, when set, is returned by every method to simulate an unavailable database.
	Err error
}

func New() *Store {
	return &Store{
		escrows:        make(map[uuid.UUID]*models.EscrowAccount),
		milestones:     make(map[uuid.UUID]*models.Milestone),
		disputes:       make(map[uuid.UUID]*models.Dispute),
		accepted:       make(map[uuid.UUID]uuid.UUID),
		webhookEvents:  make(map[string]string),
		payoutAccounts: make(map[uuid.UUID]*models.PayoutAccount),
	}
}

// Begin makes the store usable as a transaction source.
func (s *Store) Begin(context.Context) (pgx.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return &Tx{store: s}, nil
}

// tick returns a strictly increasing timestamp so ordering is stable.
func (s *Store) tick() time.Time {
	s.seq++
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(s.seq) * time.Millisecond)
}

// ---------------------------------------------------------------------------
// Seeding and inspection
// ---------------------------------------------------------------------------

func (s *Store) AddEscrow(e *models.EscrowAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	if cp.Status == "" {
		cp.Status = models.EscrowStatusPending
	}
	if cp.Currency == "" {
		cp.Currency = "NGN"
	}
	s.escrows[cp.ID] = &cp
}

func (s *Store) AddMilestone(m *models.Milestone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.tick()
	}
	s.milestones[cp.ID] = &cp
}

func (s *Store) SetAcceptedFreelancer(taskID, freelancerID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted[taskID] = freelancerID
}

func (s *Store) AddPayoutAccount(a *models.PayoutAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.payoutAccounts[cp.UserID] = &cp
}

// Entries returns every ledger entry for an escrow, oldest first.
func (s *Store) Entries(escrowID uuid.UUID) []*models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range s.entries {
		if e.EscrowID == escrowID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// Disputes returns every dispute on a milestone.
func (s *Store) Disputes(milestoneID uuid.UUID) []*models.Dispute {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Dispute
	for _, d := range s.disputes {
		if d.MilestoneID == milestoneID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func (s *Store) GetEscrow(_ context.Context, id uuid.UUID) (*models.EscrowAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	e, ok := s.escrows[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) GetEscrowByTask(_ context.Context, taskID uuid.UUID) (*models.EscrowAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, e := range s.escrows {
		if e.TaskID == taskID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (s *Store) GetMilestone(_ context.Context, id uuid.UUID) (*models.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	m, ok := s.milestones[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) listMilestonesLocked(escrowID uuid.UUID) []*models.Milestone {
	var out []*models.Milestone
	for _, m := range s.milestones {
		if m.EscrowID == escrowID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) ListMilestones(_ context.Context, escrowID uuid.UUID) ([]*models.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return s.listMilestonesLocked(escrowID), nil
}

func (s *Store) LockMilestones(_ context.Context, _ pgx.Tx, escrowID uuid.UUID) ([]*models.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if _, ok := s.escrows[escrowID]; !ok {
		return nil, ledger.ErrNotFound
	}
	return s.listMilestonesLocked(escrowID), nil
}

func (s *Store) ListEntries(_ context.Context, escrowID uuid.UUID) ([]*models.LedgerEntry, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Entries(escrowID), nil
}

func (s *Store) FindMilestoneByTransferReference(_ context.Context, reference string) (*models.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, m := range s.milestones {
		if m.TransferReference != nil && *m.TransferReference == reference {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (s *Store) GetDispute(_ context.Context, id uuid.UUID) (*models.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	d, ok := s.disputes[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) GetOpenDisputeByMilestone(_ context.Context, milestoneID uuid.UUID) (*models.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, d := range s.disputes {
		if d.MilestoneID == milestoneID && d.Status == models.DisputeOpen {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (s *Store) ListOpenDisputes(_ context.Context) ([]*models.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*models.Dispute
	for _, d := range s.disputes {
		if d.Status == models.DisputeOpen {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListEscrowsNeedingReview(_ context.Context) ([]*models.EscrowAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*models.EscrowAccount
	for _, e := range s.escrows {
		if e.NeedsReview {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Store) GetAcceptedFreelancer(_ context.Context, taskID uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return uuid.Nil, s.Err
	}
	return s.accepted[taskID], nil
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

func (s *Store) CreateEscrow(_ context.Context, tx pgx.Tx, e *models.EscrowAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, existing := range s.escrows {
		if existing.TaskID == e.TaskID {
			return ledger.ErrConflict
		}
	}
	now := s.tick()
	e.CreatedAt, e.UpdatedAt = now, now
	cp := *e
	s.escrows[cp.ID] = &cp
	recordUndo(tx, func() { delete(s.escrows, cp.ID) })
	return nil
}

func (s *Store) InsertMilestone(_ context.Context, tx pgx.Tx, m *models.Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	e, ok := s.escrows[m.EscrowID]
	if !ok {
		return ledger.ErrNotFound
	}
	var allocated int64
	for _, other := range s.milestones {
		if other.EscrowID == m.EscrowID {
			allocated += other.Amount
		}
	}
	if allocated+m.Amount > e.TotalAmount {
		return ledger.ErrAllocationExceeded
	}
	now := s.tick()
	m.Status = models.MilestonePending
	m.CreatedAt, m.UpdatedAt = now, now
	cp := *m
	s.milestones[cp.ID] = &cp
	recordUndo(tx, func() { delete(s.milestones, cp.ID) })
	return nil
}

func (s *Store) UpdateMilestoneStatus(_ context.Context, tx pgx.Tx, id uuid.UUID, from, to models.MilestoneStatus, f models.MilestoneFields) (*models.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	m, ok := s.milestones[id]
	if !ok || m.Status != from {
		return nil, ledger.ErrConflict
	}
	if f.PaymentReference != nil {
		for _, other := range s.milestones {
			if other.ID != id && other.PaymentReference != nil && *other.PaymentReference == *f.PaymentReference {
				return nil, ledger.ErrReferenceInUse
			}
		}
	}
	prev := *m
	at := f.At
	if at.IsZero() {
		at = s.tick()
	}
	m.Status = to
	if f.PaymentReference != nil {
		m.PaymentReference = f.PaymentReference
	}
	if f.TransferReference != nil {
		m.TransferReference = f.TransferReference
	}
	if f.TransferCode != nil {
		m.TransferCode = f.TransferCode
	}
	switch to {
	case models.MilestoneFunded:
		m.FundedAt = &at
	case models.MilestoneReleased:
		m.ReleasedAt = &at
	case models.MilestoneRefunded:
		m.RefundedAt = &at
	}
	m.UpdatedAt = at
	recordUndo(tx, func() { *s.milestones[id] = prev })
	cp := *m
	return &cp, nil
}

func (s *Store) InsertDispute(_ context.Context, tx pgx.Tx, d *models.Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, other := range s.disputes {
		if other.MilestoneID == d.MilestoneID && other.Status == models.DisputeOpen {
			return ledger.ErrConflict
		}
	}
	if d.EvidenceURLs == nil {
		d.EvidenceURLs = []string{}
	}
	d.Status = models.DisputeOpen
	d.CreatedAt = s.tick()
	cp := *d
	s.disputes[cp.ID] = &cp
	recordUndo(tx, func() { delete(s.disputes, cp.ID) })
	return nil
}

func (s *Store) UpdateDispute(_ context.Context, tx pgx.Tx, id uuid.UUID, from, to models.DisputeStatus, res models.DisputeResolution) (*models.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	d, ok := s.disputes[id]
	if !ok || d.Status != from {
		return nil, ledger.ErrConflict
	}
	prev := *d
	verdict := res.Verdict
	resolvedBy := res.ResolvedBy
	resolvedAt := res.ResolvedAt
	d.Status = to
	d.Verdict = &verdict
	if res.Notes != "" {
		notes := res.Notes
		d.AdminNotes = &notes
	}
	d.ResolvedBy = &resolvedBy
	d.ResolvedAt = &resolvedAt
	recordUndo(tx, func() { *s.disputes[id] = prev })
	cp := *d
	return &cp, nil
}

func (s *Store) InsertEntry(_ context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = s.tick()
	cp := *e
	s.entries = append(s.entries, &cp)
	recordUndo(tx, func() {
		for i, x := range s.entries {
			if x.ID == cp.ID {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (s *Store) UpdateEscrowStatus(_ context.Context, tx pgx.Tx, id uuid.UUID, status string, paymentReference *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	e, ok := s.escrows[id]
	if !ok {
		return nil
	}
	prev := *e
	e.Status = status
	if paymentReference != nil {
		e.PaymentReference = paymentReference
	}
	e.UpdatedAt = s.tick()
	recordUndo(tx, func() { *s.escrows[id] = prev })
	return nil
}

func (s *Store) FlagEscrowForReview(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	e, ok := s.escrows[id]
	if !ok {
		return ledger.ErrNotFound
	}
	e.NeedsReview = true
	e.ReviewReason = &reason
	return nil
}

func (s *Store) ClearReview(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	e, ok := s.escrows[id]
	if !ok {
		return ledger.ErrNotFound
	}
	e.NeedsReview = false
	e.ReviewReason = nil
	return nil
}

// ---------------------------------------------------------------------------
// Webhook receipts and payout accounts
// ---------------------------------------------------------------------------

func (s *Store) RecordWebhookEvent(_ context.Context, key, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	if _, ok := s.webhookEvents[key]; ok {
		return false, nil
	}
	s.webhookEvents[key] = eventType
	return true, nil
}

func (s *Store) WebhookEventSeen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	_, ok := s.webhookEvents[key]
	return ok, nil
}

func (s *Store) GetPayoutAccount(_ context.Context, userID uuid.UUID) (*models.PayoutAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	a, ok := s.payoutAccounts[userID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) UpsertPayoutAccount(_ context.Context, a *models.PayoutAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if prev, ok := s.payoutAccounts[a.UserID]; ok && prev.AccountNumber == a.AccountNumber && prev.BankCode == a.BankCode {
		a.RecipientCode = prev.RecipientCode
	} else {
		a.RecipientCode = nil
	}
	a.UpdatedAt = s.tick()
	cp := *a
	s.payoutAccounts[a.UserID] = &cp
	return nil
}

func (s *Store) SaveRecipientCode(_ context.Context, userID uuid.UUID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if a, ok := s.payoutAccounts[userID]; ok {
		a.RecipientCode = &code
	}
	return nil
}

func (s *Store) SetTransferCode(_ context.Context, milestoneID uuid.UUID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if m, ok := s.milestones[milestoneID]; ok {
		m.TransferCode = &code
	}
	return nil
}
