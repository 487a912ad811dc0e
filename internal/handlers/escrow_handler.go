package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tasklinker/backend/internal/apperr"
	"github.com/tasklinker/backend/internal/escrow"
	"github.com/tasklinker/backend/internal/gateway"
	"github.com/tasklinker/backend/internal/ledger"
	"github.com/tasklinker/backend/internal/middleware"
	"github.com/tasklinker/backend/internal/models"
	"github.com/tasklinker/backend/internal/policy"
)

const maxBodyBytes = 64 << 10

// EscrowService is the state machine as seen by the HTTP layer.
type EscrowService interface {
	CreateMilestone(ctx context.Context, actor models.Actor, escrowID uuid.UUID, in escrow.MilestoneInput) (*models.Milestone, error)
	FundMilestone(ctx context.Context, actor models.Actor, milestoneID uuid.UUID, paymentReference string) (*models.Milestone, error)
	ReleaseMilestone(ctx context.Context, actor models.Actor, milestoneID uuid.UUID) (*models.Milestone, error)
	RefundMilestone(ctx context.Context, actor models.Actor, milestoneID uuid.UUID) (*models.Milestone, error)
	RaiseDispute(ctx context.Context, actor models.Actor, milestoneID uuid.UUID, reason string, evidenceURLs []string) (*models.Dispute, error)
	ResolveDispute(ctx context.Context, actor models.Actor, disputeID uuid.UUID, verdict, notes string) (*models.Dispute, error)
	GetEscrow(ctx context.Context, actor models.Actor, escrowID uuid.UUID) (*escrow.EscrowView, error)
	ListOpenDisputes(ctx context.Context, actor models.Actor) ([]*models.Dispute, error)
	ListReviewQueue(ctx context.Context, actor models.Actor) ([]*models.EscrowAccount, error)
	ClearReview(ctx context.Context, actor models.Actor, escrowID uuid.UUID) error
}

// LedgerReader loads the rows checkout needs.
type LedgerReader interface {
	GetMilestone(ctx context.Context, id uuid.UUID) (*models.Milestone, error)
	GetEscrow(ctx context.Context, id uuid.UUID) (*models.EscrowAccount, error)
}

// CheckoutGateway starts hosted payments.
type CheckoutGateway interface {
	InitializeTransaction(ctx context.Context, r gateway.InitializeRequest) (*gateway.Authorization, error)
}

// EmailLookup resolves the payer's email for checkout.
type EmailLookup interface {
	GetEmail(ctx context.Context, userID uuid.UUID) (string, error)
}

// PayoutAccounts stores freelancers' bank details.
type PayoutAccounts interface {
	UpsertPayoutAccount(ctx context.Context, a *models.PayoutAccount) error
}

// EscrowHandler serves the escrow, milestone, dispute and admin endpoints.
type EscrowHandler struct {
	Escrow         EscrowService
	Ledger         LedgerReader
	Gateway        CheckoutGateway
	Emails         EmailLookup
	PayoutAccounts PayoutAccounts
	CallbackURL    string
	GatewayTimeout time.Duration
	Logger         *zap.Logger
}

// --- GET /api/v1/escrows/{id} ---

func (h *EscrowHandler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.begin(w, r)
	if !ok {
		return
	}
	view, err := h.Escrow.GetEscrow(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- POST /api/v1/escrows/{id}/milestones ---

type createMilestoneRequest struct {
	Title   string     `json:"title"`
	Amount  int64      `json:"amount"`
	DueDate *time.Time `json:"due_date"`
}

func (h *EscrowHandler) CreateMilestone(w http.ResponseWriter, r *http.Request) {
	actor, escrowID, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req createMilestoneRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.Escrow.CreateMilestone(r.Context(), actor, escrowID, escrow.MilestoneInput{
		Title:   strings.TrimSpace(req.Title),
		Amount:  req.Amount,
		DueDate: req.DueDate,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// --- POST /api/v1/milestones/{id}/fund/initialize ---

type checkoutResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// InitializeFunding starts a hosted checkout for a PENDING milestone. The
// charge is attributed to the milestone through its metadata, so the
// resulting charge.success webhook can fund it.
func (h *EscrowHandler) InitializeFunding(w http.ResponseWriter, r *http.Request) {
	actor, milestoneID, ok := h.begin(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	m, err := h.Ledger.GetMilestone(ctx, milestoneID)
	if err != nil {
		h.fail(w, r, notFoundAs(err, "milestone %s not found", milestoneID))
		return
	}
	e, err := h.Ledger.GetEscrow(ctx, m.EscrowID)
	if err != nil {
		h.fail(w, r, notFoundAs(err, "escrow %s not found", m.EscrowID))
		return
	}
	if !policy.CanFund(actor, e) {
		h.fail(w, r, apperr.New(apperr.Forbidden, "only the escrow's client can fund milestones"))
		return
	}
	if m.Status != models.MilestonePending {
		h.fail(w, r, apperr.New(apperr.InvalidState, "milestone %s is %s, not PENDING", m.ID, m.Status))
		return
	}
	email, err := h.Emails.GetEmail(ctx, actor.ID)
	if err != nil {
		h.fail(w, r, fmt.Errorf("lookup payer email: %w", err))
		return
	}

	timeout := h.GatewayTimeout
	if timeout <= 0 {
		timeout = gateway.DefaultTimeout
	}
	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	auth, err := h.Gateway.InitializeTransaction(gctx, gateway.InitializeRequest{
		Email:     email,
		Amount:    m.Amount,
		Reference: fmt.Sprintf("fund_%s_%s", m.ID, uuid.NewString()[:8]),
		Metadata: gateway.Metadata{
			MilestoneID: m.ID.String(),
			EscrowID:    e.ID.String(),
			TaskID:      e.TaskID.String(),
		},
		CallbackURL: h.CallbackURL,
	})
	if err != nil {
		var apiErr *gateway.APIError
		if errors.As(err, &apiErr) {
			err = apperr.Wrap(apperr.ValidationError, err, "payment gateway rejected checkout")
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{
		AuthorizationURL: auth.AuthorizationURL,
		AccessCode:       auth.AccessCode,
		Reference:        auth.Reference,
	})
}

// --- POST /api/v1/milestones/{id}/fund ---

type fundRequest struct {
	PaymentReference string `json:"payment_reference"`
}

func (h *EscrowHandler) FundMilestone(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req fundRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PaymentReference) == "" {
		h.fail(w, r, apperr.New(apperr.ValidationError, "payment_reference is required"))
		return
	}
	m, err := h.Escrow.FundMilestone(r.Context(), actor, id, strings.TrimSpace(req.PaymentReference))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- POST /api/v1/milestones/{id}/release ---

func (h *EscrowHandler) ReleaseMilestone(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.begin(w, r)
	if !ok {
		return
	}
	m, err := h.Escrow.ReleaseMilestone(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- POST /api/v1/milestones/{id}/refund ---

func (h *EscrowHandler) RefundMilestone(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.begin(w, r)
	if !ok {
		return
	}
	m, err := h.Escrow.RefundMilestone(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- POST /api/v1/milestones/{id}/disputes ---

type raiseDisputeRequest struct {
	Reason       string   `json:"reason"`
	EvidenceURLs []string `json:"evidence_urls"`
}

func (h *EscrowHandler) RaiseDispute(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req raiseDisputeRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := h.Escrow.RaiseDispute(r.Context(), actor, id, strings.TrimSpace(req.Reason), req.EvidenceURLs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// --- POST /api/v1/disputes/{id}/resolve ---

type resolveDisputeRequest struct {
	Verdict string `json:"verdict"`
	Notes   string `json:"notes"`
}

func (h *EscrowHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req resolveDisputeRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := h.Escrow.ResolveDispute(r.Context(), actor, id, strings.ToLower(strings.TrimSpace(req.Verdict)), req.Notes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// --- PUT /api/v1/me/payout-account ---

type payoutAccountRequest struct {
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	AccountName   string `json:"account_name"`
}

func (h *EscrowHandler) PutPayoutAccount(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		unauthorized(w)
		return
	}
	if actor.Role != models.RoleFreelancer {
		h.fail(w, r, apperr.New(apperr.Forbidden, "only freelancers receive payouts"))
		return
	}
	var req payoutAccountRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AccountNumber == "" || req.BankCode == "" || req.AccountName == "" {
		h.fail(w, r, apperr.New(apperr.ValidationError, "account_number, bank_code and account_name are required"))
		return
	}
	a := &models.PayoutAccount{
		UserID:        actor.ID,
		AccountNumber: strings.TrimSpace(req.AccountNumber),
		BankCode:      strings.TrimSpace(req.BankCode),
		AccountName:   strings.TrimSpace(req.AccountName),
	}
	if err := h.PayoutAccounts.UpsertPayoutAccount(r.Context(), a); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- Admin console ---

// ListOpenDisputes handles GET /api/v1/admin/disputes.
func (h *EscrowHandler) ListOpenDisputes(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		unauthorized(w)
		return
	}
	list, err := h.Escrow.ListOpenDisputes(r.Context(), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Dispute{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ListReviewQueue handles GET /api/v1/admin/reviews.
func (h *EscrowHandler) ListReviewQueue(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		unauthorized(w)
		return
	}
	list, err := h.Escrow.ListReviewQueue(r.Context(), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.EscrowAccount{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ClearReview handles POST /api/v1/admin/reviews/{id}/clear.
func (h *EscrowHandler) ClearReview(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.begin(w, r)
	if !ok {
		return
	}
	if err := h.Escrow.ClearReview(r.Context(), actor, id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

// begin resolves the actor and the {id} path value, writing the error
// response itself when either is missing.
func (h *EscrowHandler) begin(w http.ResponseWriter, r *http.Request) (models.Actor, uuid.UUID, bool) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		unauthorized(w)
		return models.Actor{}, uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		apperr.WriteJSON(w, apperr.New(apperr.ValidationError, "invalid id %q", r.PathValue("id")))
		return models.Actor{}, uuid.Nil, false
	}
	return actor, id, true
}

// fail writes err as JSON. Only unexpected errors are logged.
func (h *EscrowHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if kind := apperr.KindOf(err); kind == apperr.Internal || kind == apperr.GatewayUnavailable {
		h.log().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	apperr.WriteJSON(w, err)
}

func (h *EscrowHandler) log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func notFoundAs(err error, format string, args ...any) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return apperr.New(apperr.NotFound, format, args...)
	}
	return err
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		apperr.WriteJSON(w, apperr.New(apperr.ValidationError, "invalid JSON: %v", err))
		return false
	}
	return true
}

func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"error": map[string]string{"kind": "unauthorized", "message": "authentication required"},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
