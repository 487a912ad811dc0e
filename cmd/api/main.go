package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"

	"github.com/tasklinker/backend/internal/applications"
	"github.com/tasklinker/backend/internal/auth"
	"github.com/tasklinker/backend/internal/config"
	"github.com/tasklinker/backend/internal/escrow"
	"github.com/tasklinker/backend/internal/gateway"
	"github.com/tasklinker/backend/internal/ledger"
	"github.com/tasklinker/backend/internal/logger"
	"github.com/tasklinker/backend/internal/notify"
	"github.com/tasklinker/backend/internal/payout"
	"github.com/tasklinker/backend/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	log := logger.New(cfg.Env)
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.URL)
	if err != nil {
		log.Fatal("unable to create database pool", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal("cannot reach PostgreSQL; ensure it is running (make dev-up)", zap.Error(err))
	}
	log.Info("connected to PostgreSQL")

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		log.Fatal("failed to create River migrator", zap.Error(err))
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		log.Fatal("River migrate up failed", zap.Error(err))
	}
	log.Info("River migrations applied")

	// Repositories and gateway
	ledgerRepo := ledger.NewRepository(pool)
	authRepo := auth.NewRepository(pool)
	applicationRepo := applications.NewRepository(pool)
	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.SecretKey, cfg.Gateway.Timeout)

	// Events are best effort; the API runs without a broker.
	var sink notify.Sink
	publisher, err := notify.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Warn("event broker unavailable, notifications disabled", zap.Error(err))
	} else {
		defer publisher.Close()
		sink = publisher
	}
	notifier := notify.NewNotifier(sink, log.Named("notify"))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable, webhook dedup falls back to the database", zap.Error(err))
	}

	// Payout insert func is set after the River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn escrow.InsertPayoutTxFunc
	insertPayout := func(ctx context.Context, tx pgx.Tx, args payout.Args) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("payout queue not wired")
		}
		return fn(ctx, tx, args)
	}

	escrowSvc := escrow.NewService(pool, ledgerRepo, gw, insertPayout, notifier)
	escrowSvc.GatewayTimeout = cfg.Gateway.Timeout

	workers := river.NewWorkers()
	river.AddWorker(workers, payout.NewWorker(ledgerRepo, gw, log.Named("payout")))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		log.Fatal("failed to create River client", zap.Error(err))
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args payout.Args) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	parser, err := gateway.NewEventParser()
	if err != nil {
		log.Fatal("failed to compile webhook schemas", zap.Error(err))
	}
	reconciler := webhook.NewReconciler(escrowSvc, ledgerRepo,
		webhook.NewRedisLocker(rdb, cfg.Webhook.LockTTL, log.Named("webhook")), log.Named("webhook"))

	handler := buildHandler(cfg, log, app{
		pool:         pool,
		ledger:       ledgerRepo,
		gateway:      gw,
		escrow:       escrowSvc,
		applications: applications.NewService(pool, applicationRepo, ledgerRepo, notifier),
		auth:         auth.NewService(authRepo, cfg.JWT.Secret, cfg.JWT.TTL),
		emails:       authRepo,
		webhook:      webhook.NewHandler(gw, parser, reconciler, log.Named("webhook")),
	})

	if err := riverClient.Start(ctx); err != nil {
		log.Fatal("failed to start River client", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown", zap.Error(err))
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		log.Error("River client stop", zap.Error(err))
	}
}
