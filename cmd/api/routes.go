package main

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/tasklinker/backend/internal/applications"
	"github.com/tasklinker/backend/internal/auth"
	"github.com/tasklinker/backend/internal/config"
	"github.com/tasklinker/backend/internal/escrow"
	"github.com/tasklinker/backend/internal/gateway"
	"github.com/tasklinker/backend/internal/handlers"
	"github.com/tasklinker/backend/internal/ledger"
	"github.com/tasklinker/backend/internal/router"
)

// app holds the services the HTTP layer is assembled from.
type app struct {
	pool         *pgxpool.Pool
	ledger       *ledger.Repository
	gateway      *gateway.Client
	escrow       *escrow.Service
	applications *applications.Service
	auth         auth.Service
	emails       handlers.EmailLookup
	webhook      http.Handler
}

// buildHandler wires handlers into the router and wraps it with CORS.
// Middleware chain: CORS -> Metrics -> mux -> BearerAuth (API routes only) -> handler.
func buildHandler(cfg *config.Config, log *zap.Logger, a app) http.Handler {
	api := router.New(router.Deps{
		Auth: auth.NewHandler(a.auth, log.Named("auth")),
		Applications: &handlers.ApplicationHandler{
			Applications: a.applications,
			Logger:       log.Named("applications"),
		},
		Escrow: &handlers.EscrowHandler{
			Escrow:         a.escrow,
			Ledger:         a.ledger,
			Gateway:        a.gateway,
			Emails:         a.emails,
			PayoutAccounts: a.ledger,
			CallbackURL:    cfg.Gateway.CallbackURL,
			GatewayTimeout: cfg.Gateway.Timeout,
			Logger:         log.Named("escrow"),
		},
		Webhook: a.webhook,
		Tokens:  a.auth,
		DB:      a.pool,
	})

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(api)
}
