package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tasklinker/backend/internal/escrow"
	"github.com/tasklinker/backend/internal/gateway"
	"github.com/tasklinker/backend/internal/ledger/ledgertest"
	"github.com/tasklinker/backend/internal/middleware"
	"github.com/tasklinker/backend/internal/models"
	"github.com/tasklinker/backend/internal/payout"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockGateway struct {
	txns map[string]*gateway.Transaction
	init []gateway.InitializeRequest
}

func (g *mockGateway) VerifyTransaction(_ context.Context, ref string) (*gateway.Transaction, error) {
	t, ok := g.txns[ref]
	if !ok {
		return nil, &gateway.APIError{Op: "verify_transaction", StatusCode: http.StatusNotFound, Message: "not found"}
	}
	return t, nil
}

func (g *mockGateway) InitializeTransaction(_ context.Context, r gateway.InitializeRequest) (*gateway.Authorization, error) {
	g.init = append(g.init, r)
	return &gateway.Authorization{AuthorizationURL: "https://checkout.example/" + r.Reference, AccessCode: "ac", Reference: r.Reference}, nil
}

type mockEmails struct{}

func (mockEmails) GetEmail(context.Context, uuid.UUID) (string, error) { return "client@example.com", nil }

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	store      *ledgertest.Store
	gw         *mockGateway
	mux        *http.ServeMux
	client     models.Actor
	freelancer models.Actor
	admin      models.Actor
	escrow     *models.EscrowAccount
	payouts    int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:      ledgertest.New(),
		gw:         &mockGateway{txns: make(map[string]*gateway.Transaction)},
		client:     models.Actor{ID: uuid.New(), Role: models.RoleClient},
		freelancer: models.Actor{ID: uuid.New(), Role: models.RoleFreelancer},
		admin:      models.Actor{ID: uuid.New(), Role: models.RoleAdmin},
	}
	f.escrow = &models.EscrowAccount{ID: uuid.New(), TaskID: uuid.New(), ClientID: f.client.ID, TotalAmount: 100000}
	f.store.AddEscrow(f.escrow)
	f.store.SetAcceptedFreelancer(f.escrow.TaskID, f.freelancer.ID)

	insert := func(context.Context, pgx.Tx, payout.Args) error {
		f.payouts++
		return nil
	}
	svc := escrow.NewService(f.store, f.store, f.gw, insert, nil)
	h := &EscrowHandler{
		Escrow:         svc,
		Ledger:         f.store,
		Gateway:        f.gw,
		Emails:         mockEmails{},
		PayoutAccounts: f.store,
	}

	f.mux = http.NewServeMux()
	f.mux.HandleFunc("GET /api/v1/escrows/{id}", h.GetEscrow)
	f.mux.HandleFunc("POST /api/v1/escrows/{id}/milestones", h.CreateMilestone)
	f.mux.HandleFunc("POST /api/v1/milestones/{id}/fund/initialize", h.InitializeFunding)
	f.mux.HandleFunc("POST /api/v1/milestones/{id}/fund", h.FundMilestone)
	f.mux.HandleFunc("POST /api/v1/milestones/{id}/release", h.ReleaseMilestone)
	f.mux.HandleFunc("POST /api/v1/milestones/{id}/refund", h.RefundMilestone)
	f.mux.HandleFunc("POST /api/v1/milestones/{id}/disputes", h.RaiseDispute)
	f.mux.HandleFunc("POST /api/v1/disputes/{id}/resolve", h.ResolveDispute)
	f.mux.HandleFunc("PUT /api/v1/me/payout-account", h.PutPayoutAccount)
	f.mux.HandleFunc("GET /api/v1/admin/disputes", h.ListOpenDisputes)
	f.mux.HandleFunc("GET /api/v1/admin/reviews", h.ListReviewQueue)
	f.mux.HandleFunc("POST /api/v1/admin/reviews/{id}/clear", h.ClearReview)
	return f
}

// do sends a request as actor; a zero actor sends it unauthenticated.
func (f *fixture) do(t *testing.T, actor models.Actor, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if actor.ID != uuid.Nil {
		req = req.WithContext(middleware.WithActor(req.Context(), actor))
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (f *fixture) createMilestone(t *testing.T, amount int64) *models.Milestone {
	t.Helper()
	rec := f.do(t, f.client, http.MethodPost, "/api/v1/escrows/"+f.escrow.ID.String()+"/milestones",
		`{"title":"Landing page","amount":`+strconv.FormatInt(amount, 10)+`}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create milestone: %d %s", rec.Code, rec.Body.String())
	}
	m := decodeBody[models.Milestone](t, rec)
	return &m
}

func (f *fixture) charge(m *models.Milestone, ref string, amount int64) {
	f.gw.txns[ref] = &gateway.Transaction{
		Reference: ref,
		Status:    gateway.StatusSuccess,
		Amount:    amount,
		Metadata:  gateway.Metadata{MilestoneID: m.ID.String(), EscrowID: f.escrow.ID.String()},
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestEscrowHandler_DisputeRefundFlow(t *testing.T) {
	f := newFixture(t)
	m := f.createMilestone(t, 50000)

	rec := f.do(t, f.client, http.MethodPost, "/api/v1/milestones/"+m.ID.String()+"/fund/initialize", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("initialize: %d %s", rec.Code, rec.Body.String())
	}
	checkout := decodeBody[checkoutResponse](t, rec)
	if checkout.AuthorizationURL == "" || len(f.gw.init) != 1 {
		t.Fatalf("checkout = %+v", checkout)
	}
	if md := f.gw.init[0].Metadata; md.MilestoneID != m.ID.String() || md.EscrowID != f.escrow.ID.String() {
		t.Errorf("checkout metadata = %+v", md)
	}

	f.charge(m, checkout.Reference, 50000)
	rec = f.do(t, f.client, http.MethodPost, "/api/v1/milestones/"+m.ID.String()+"/fund",
		`{"payment_reference":"`+checkout.Reference+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("fund: %d %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[models.Milestone](t, rec); got.Status != models.MilestoneFunded {
		t.Fatalf("status = %s, want FUNDED", got.Status)
	}

	rec = f.do(t, f.freelancer, http.MethodPost, "/api/v1/milestones/"+m.ID.String()+"/disputes",
		`{"reason":"Incomplete deliverable"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("dispute: %d %s", rec.Code, rec.Body.String())
	}
	d := decodeBody[models.Dispute](t, rec)
	if d.Status != models.DisputeOpen {
		t.Fatalf("dispute status = %s", d.Status)
	}

	rec = f.do(t, f.admin, http.MethodGet, "/api/v1/admin/disputes", "")
	if rec.Code != http.StatusOK || len(decodeBody[[]models.Dispute](t, rec)) != 1 {
		t.Fatalf("open disputes: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, f.admin, http.MethodPost, "/api/v1/disputes/"+d.ID.String()+"/resolve",
		`{"verdict":"refund","notes":"work not delivered"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: %d %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[models.Dispute](t, rec); got.Status != models.DisputeResolved {
		t.Errorf("dispute status = %s, want RESOLVED", got.Status)
	}

	rec = f.do(t, f.admin, http.MethodPost, "/api/v1/disputes/"+d.ID.String()+"/resolve", `{"verdict":"release"}`)
	if rec.Code != http.StatusConflict || decodeBody[errorBody](t, rec).Error.Kind != "already_resolved" {
		t.Errorf("re-resolve: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, f.freelancer, http.MethodGet, "/api/v1/escrows/"+f.escrow.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get escrow: %d %s", rec.Code, rec.Body.String())
	}
	view := decodeBody[escrow.EscrowView](t, rec)
	if len(view.Milestones) != 1 || view.Milestones[0].Status != models.MilestoneRefunded {
		t.Errorf("milestones = %+v", view.Milestones)
	}
	if f.payouts != 1 {
		t.Errorf("payout jobs = %d, want 1 refund", f.payouts)
	}
}

func TestEscrowHandler_ReleaseTwiceOnePayout(t *testing.T) {
	f := newFixture(t)
	m := f.createMilestone(t, 30000)
	f.charge(m, "fund_a", 30000)
	if rec := f.do(t, f.client, http.MethodPost, "/api/v1/milestones/"+m.ID.String()+"/fund", `{"payment_reference":"fund_a"}`); rec.Code != http.StatusOK {
		t.Fatalf("fund: %d %s", rec.Code, rec.Body.String())
	}

	for i := 0; i < 2; i++ {
		rec := f.do(t, f.client, http.MethodPost, "/api/v1/milestones/"+m.ID.String()+"/release", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("release %d: %d %s", i, rec.Code, rec.Body.String())
		}
		if got := decodeBody[models.Milestone](t, rec); got.Status != models.MilestoneReleased {
			t.Errorf("release %d: status = %s", i, got.Status)
		}
	}
	if f.payouts != 1 {
		t.Errorf("payout jobs = %d, want 1", f.payouts)
	}
}

func TestEscrowHandler_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	m := f.createMilestone(t, 50000)
	f.charge(m, "fund_short", 40000)

	cases := []struct {
		name   string
		actor  models.Actor
		method string
		path   string
		body   string
		status int
		kind   string
	}{
		{"amount mismatch", f.client, http.MethodPost, "/api/v1/milestones/" + m.ID.String() + "/fund", `{"payment_reference":"fund_short"}`, http.StatusUnprocessableEntity, "amount_mismatch"},
		{"dispute on pending", f.freelancer, http.MethodPost, "/api/v1/milestones/" + m.ID.String() + "/disputes", `{"reason":"late"}`, http.StatusConflict, "invalid_state"},
		{"freelancer cannot release", f.freelancer, http.MethodPost, "/api/v1/milestones/" + m.ID.String() + "/release", "", http.StatusForbidden, "forbidden"},
		{"client cannot refund", f.client, http.MethodPost, "/api/v1/milestones/" + m.ID.String() + "/refund", "", http.StatusForbidden, "forbidden"},
		{"freelancer cannot start checkout", f.freelancer, http.MethodPost, "/api/v1/milestones/" + m.ID.String() + "/fund/initialize", "", http.StatusForbidden, "forbidden"},
		{"unknown milestone", f.client, http.MethodPost, "/api/v1/milestones/" + uuid.NewString() + "/release", "", http.StatusNotFound, "not_found"},
		{"invalid id", f.client, http.MethodPost, "/api/v1/milestones/not-a-uuid/release", "", http.StatusBadRequest, "validation_error"},
		{"missing reference", f.client, http.MethodPost, "/api/v1/milestones/" + m.ID.String() + "/fund", `{}`, http.StatusBadRequest, "validation_error"},
		{"bad verdict", f.admin, http.MethodPost, "/api/v1/disputes/" + uuid.NewString() + "/resolve", `{"verdict":"split"}`, http.StatusBadRequest, "validation_error"},
		{"review queue is admin only", f.client, http.MethodGet, "/api/v1/admin/reviews", "", http.StatusForbidden, "forbidden"},
		{"unauthenticated", models.Actor{}, http.MethodGet, "/api/v1/escrows/" + f.escrow.ID.String(), "", http.StatusUnauthorized, "unauthorized"},
		{"stranger cannot view", models.Actor{ID: uuid.New(), Role: models.RoleFreelancer}, http.MethodGet, "/api/v1/escrows/" + f.escrow.ID.String(), "", http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, tc.actor, tc.method, tc.path, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.status, rec.Body.String())
			}
			if got := decodeBody[errorBody](t, rec).Error.Kind; got != tc.kind {
				t.Errorf("kind = %q, want %q", got, tc.kind)
			}
		})
	}

	if got, _ := f.store.GetMilestone(context.Background(), m.ID); got.Status != models.MilestonePending {
		t.Errorf("milestone status = %s after rejected requests, want PENDING", got.Status)
	}
}

func TestEscrowHandler_ReviewQueue(t *testing.T) {
	f := newFixture(t)
	if err := f.store.FlagEscrowForReview(context.Background(), f.escrow.ID, "transfer reversed"); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, f.admin, http.MethodGet, "/api/v1/admin/reviews", "")
	if rec.Code != http.StatusOK || len(decodeBody[[]models.EscrowAccount](t, rec)) != 1 {
		t.Fatalf("reviews: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, f.admin, http.MethodPost, "/api/v1/admin/reviews/"+f.escrow.ID.String()+"/clear", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("clear: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, f.admin, http.MethodGet, "/api/v1/admin/reviews", "")
	if got := decodeBody[[]models.EscrowAccount](t, rec); len(got) != 0 {
		t.Errorf("queue after clear = %d entries", len(got))
	}
}

func TestEscrowHandler_PayoutAccount(t *testing.T) {
	f := newFixture(t)
	body := `{"account_number":"0123456789","bank_code":"058","account_name":"Ada Obi"}`

	if rec := f.do(t, f.client, http.MethodPut, "/api/v1/me/payout-account", body); rec.Code != http.StatusForbidden {
		t.Errorf("client: got %d, want 403", rec.Code)
	}
	rec := f.do(t, f.freelancer, http.MethodPut, "/api/v1/me/payout-account", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("freelancer: %d %s", rec.Code, rec.Body.String())
	}
	a, err := f.store.GetPayoutAccount(context.Background(), f.freelancer.ID)
	if err != nil || a.BankCode != "058" {
		t.Errorf("stored account = %+v, %v", a, err)
	}
}
