package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tasklinker/backend/internal/auth"
	"github.com/tasklinker/backend/internal/handlers"
	"github.com/tasklinker/backend/internal/middleware"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the handlers and collaborators the API is built from.
type Deps struct {
	Auth         *auth.Handler
	Applications *handlers.ApplicationHandler
	Escrow       *handlers.EscrowHandler
	Webhook      http.Handler
	Tokens       middleware.TokenValidator
	DB           Pinger
}

// New returns an http.Handler that serves the API under /api/v1, the gateway
// webhook and the ops endpoints.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	authed := middleware.BearerAuth(d.Tokens)
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(h))
	}

	base := "/api/v1"
	mux.HandleFunc("POST "+base+"/auth/register", d.Auth.Register)
	mux.HandleFunc("POST "+base+"/auth/login", d.Auth.Login)

	handle("POST "+base+"/tasks/{taskID}/applications/{applicationID}/accept", d.Applications.Accept)

	handle("GET "+base+"/escrows/{id}", d.Escrow.GetEscrow)
	handle("POST "+base+"/escrows/{id}/milestones", d.Escrow.CreateMilestone)
	handle("POST "+base+"/milestones/{id}/fund/initialize", d.Escrow.InitializeFunding)
	handle("POST "+base+"/milestones/{id}/fund", d.Escrow.FundMilestone)
	handle("POST "+base+"/milestones/{id}/release", d.Escrow.ReleaseMilestone)
	handle("POST "+base+"/milestones/{id}/refund", d.Escrow.RefundMilestone)
	handle("POST "+base+"/milestones/{id}/disputes", d.Escrow.RaiseDispute)
	handle("POST "+base+"/disputes/{id}/resolve", d.Escrow.ResolveDispute)
	handle("PUT "+base+"/me/payout-account", d.Escrow.PutPayoutAccount)

	handle("GET "+base+"/admin/disputes", d.Escrow.ListOpenDisputes)
	handle("GET "+base+"/admin/reviews", d.Escrow.ListReviewQueue)
	handle("POST "+base+"/admin/reviews/{id}/clear", d.Escrow.ClearReview)

	// Authenticated by signature, not bearer token.
	mux.Handle("POST /webhooks/gateway", d.Webhook)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", healthz(d.DB))

	return middleware.Metrics(mux)
}

func healthz(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				status, code = "database unavailable", http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}
