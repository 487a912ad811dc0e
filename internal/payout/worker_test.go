package payout

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/tasklinker/backend/internal/apperr"
	"github.com/tasklinker/backend/internal/gateway"
	"github.com/tasklinker/backend/internal/ledger"
	"github.com/tasklinker/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu            sync.Mutex
	accounts      map[uuid.UUID]*models.PayoutAccount
	transferCodes map[uuid.UUID]string
	flagged       map[uuid.UUID]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:      make(map[uuid.UUID]*models.PayoutAccount),
		transferCodes: make(map[uuid.UUID]string),
		flagged:       make(map[uuid.UUID]string),
	}
}

func (s *fakeStore) GetPayoutAccount(_ context.Context, userID uuid.UUID) (*models.PayoutAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) SaveRecipientCode(_ context.Context, userID uuid.UUID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[userID].RecipientCode = &code
	return nil
}

func (s *fakeStore) SetTransferCode(_ context.Context, milestoneID uuid.UUID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferCodes[milestoneID] = code
	return nil
}

func (s *fakeStore) FlagEscrowForReview(_ context.Context, escrowID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagged[escrowID] = reason
	return nil
}

type fakeGateway struct {
	mu          sync.Mutex
	recipients  int
	transfers   []gateway.TransferRequest
	refunds     []string
	transferErr error
}

func (g *fakeGateway) CreateTransferRecipient(_ context.Context, _ gateway.BankDetails) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recipients++
	return "RCP_test", nil
}

func (g *fakeGateway) InitiateTransfer(_ context.Context, r gateway.TransferRequest) (*gateway.Transfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.transferErr != nil {
		return nil, g.transferErr
	}
	g.transfers = append(g.transfers, r)
	return &gateway.Transfer{Status: "pending", TransferCode: "TRF_1", Reference: r.Reference}, nil
}

func (g *fakeGateway) Refund(_ context.Context, ref string, _ int64) (*gateway.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, ref)
	return &gateway.Refund{Status: "pending"}, nil
}

func newJob(args Args) *river.Job[Args] {
	return &river.Job[Args]{JobRow: &rivertype.JobRow{ID: 1, Attempt: 1}, Args: args}
}

func releaseArgs(payee uuid.UUID) Args {
	m := uuid.New()
	return Args{
		Action:      ActionRelease,
		MilestoneID: m,
		EscrowID:    uuid.New(),
		Amount:      50000,
		Currency:    "NGN",
		PayeeID:     payee,
		Reference:   Reference(m),
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestWork_ReleaseCreatesRecipientOnceAndTransfers(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{}
	payee := uuid.New()
	store.accounts[payee] = &models.PayoutAccount{UserID: payee, AccountNumber: "0123456789", BankCode: "058", AccountName: "Ada"}
	w := NewWorker(store, gw, nil)

	args := releaseArgs(payee)
	if err := w.Work(context.Background(), newJob(args)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if gw.recipients != 1 {
		t.Errorf("recipients created = %d, want 1", gw.recipients)
	}
	if len(gw.transfers) != 1 || gw.transfers[0].Reference != "payout_"+args.MilestoneID.String() {
		t.Fatalf("transfers = %+v", gw.transfers)
	}
	if store.transferCodes[args.MilestoneID] != "TRF_1" {
		t.Errorf("transfer code not recorded")
	}

	// Recipient code is cached for the next payout.
	if err := w.Work(context.Background(), newJob(releaseArgs(payee))); err != nil {
		t.Fatalf("second Work: %v", err)
	}
	if gw.recipients != 1 {
		t.Errorf("recipients created = %d after second payout, want 1", gw.recipients)
	}
}

func TestWork_DuplicateReferenceIsSuccess(t *testing.T) {
	store := newFakeStore()
	payee := uuid.New()
	code := "RCP_cached"
	store.accounts[payee] = &models.PayoutAccount{UserID: payee, RecipientCode: &code}
	gw := &fakeGateway{transferErr: &gateway.APIError{Op: "initiate_transfer", StatusCode: http.StatusBadRequest, Message: "Duplicate Transaction Reference"}}
	w := NewWorker(store, gw, nil)

	args := releaseArgs(payee)
	if err := w.Work(context.Background(), newJob(args)); err != nil {
		t.Fatalf("expected duplicate reference to succeed, got %v", err)
	}
	if _, flagged := store.flagged[args.EscrowID]; flagged {
		t.Error("escrow should not be flagged")
	}
}

func TestWork_GatewayUnavailableRetries(t *testing.T) {
	store := newFakeStore()
	payee := uuid.New()
	code := "RCP_cached"
	store.accounts[payee] = &models.PayoutAccount{UserID: payee, RecipientCode: &code}
	gw := &fakeGateway{transferErr: apperr.New(apperr.GatewayUnavailable, "payment gateway returned 503")}
	w := NewWorker(store, gw, nil)

	args := releaseArgs(payee)
	err := w.Work(context.Background(), newJob(args))
	if !errors.Is(err, apperr.ErrGatewayUnavailable) {
		t.Fatalf("expected retryable GatewayUnavailable, got %v", err)
	}
	if errors.Is(err, ErrRejected) {
		t.Error("unavailable gateway must not cancel the job")
	}
	if len(store.flagged) != 0 {
		t.Error("escrow should not be flagged on a retryable failure")
	}
}

func TestWork_RejectedTransferFlagsEscrow(t *testing.T) {
	store := newFakeStore()
	payee := uuid.New()
	code := "RCP_cached"
	store.accounts[payee] = &models.PayoutAccount{UserID: payee, RecipientCode: &code}
	gw := &fakeGateway{transferErr: &gateway.APIError{Op: "initiate_transfer", StatusCode: http.StatusBadRequest, Message: "Insufficient balance"}}
	w := NewWorker(store, gw, nil)

	args := releaseArgs(payee)
	err := w.Work(context.Background(), newJob(args))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected cancelled job wrapping ErrRejected, got %v", err)
	}
	if _, ok := store.flagged[args.EscrowID]; !ok {
		t.Error("expected escrow to be flagged for review")
	}
}

func TestWork_MissingPayoutAccountFlagsEscrow(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{}
	w := NewWorker(store, gw, nil)

	args := releaseArgs(uuid.New())
	if err := w.Work(context.Background(), newJob(args)); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if len(gw.transfers) != 0 {
		t.Error("no transfer expected")
	}
	if _, ok := store.flagged[args.EscrowID]; !ok {
		t.Error("expected escrow to be flagged for review")
	}
}

func TestWork_Refund(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{}
	w := NewWorker(store, gw, nil)

	m := uuid.New()
	args := Args{
		Action:           ActionRefund,
		MilestoneID:      m,
		EscrowID:         uuid.New(),
		Amount:           50000,
		PaymentReference: "fund_ref_1",
		Reference:        Reference(m),
	}
	if err := w.Work(context.Background(), newJob(args)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(gw.refunds) != 1 || gw.refunds[0] != "fund_ref_1" {
		t.Errorf("refunds = %v", gw.refunds)
	}
	if len(gw.transfers) != 0 {
		t.Error("refund must not initiate a transfer")
	}
}

func TestArgs_KindAndReference(t *testing.T) {
	if (Args{}).Kind() != "escrow_payout" {
		t.Errorf("Kind = %q", (Args{}).Kind())
	}
	id := uuid.MustParse("3f2504e0-4f89-11d3-9a0c-0305e82c3301")
	if got := Reference(id); got != "payout_3f2504e0-4f89-11d3-9a0c-0305e82c3301" {
		t.Errorf("Reference = %q", got)
	}
}
