// Package webhook applies payment gateway callbacks to the escrow ledger
// exactly once.
package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tasklinker/backend/internal/apperr"
	"github.com/tasklinker/backend/internal/gateway"
	"github.com/tasklinker/backend/internal/logger"
	"github.com/tasklinker/backend/internal/models"
)

// Outcomes reported to metrics and logs.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Escrow is the subset of the escrow service the reconciler drives.
type Escrow interface {
	ApplyCharge(ctx context.Context, milestoneID uuid.UUID, paymentReference string) (*models.Milestone, error)
	ConfirmTransfer(ctx context.Context, transferReference string) (*models.Milestone, error)
	FlagTransferFailure(ctx context.Context, transferReference, reason string) (*models.Milestone, error)
}

// Store persists processed-event receipts.
type Store interface {
	RecordWebhookEvent(ctx context.Context, key, eventType string) (bool, error)
	WebhookEventSeen(ctx context.Context, key string) (bool, error)
}

// Locker guards an event key while it is being applied.
type Locker interface {
	Acquire(ctx context.Context, key string) bool
	Release(ctx context.Context, key string)
}

// RedisLocker is a SETNX lock with a TTL. When Redis is unreachable the lock
// is granted; the durable receipt and the state machine's no-ops still hold.
type RedisLocker struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *RedisLocker {
	return &RedisLocker{rdb: rdb, ttl: ttl, logger: logger.OrNop(log)}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) bool {
	ok, err := l.rdb.SetNX(ctx, lockKey(key), 1, l.ttl).Result()
	if err != nil {
		l.logger.Warn("webhook lock unavailable, processing anyway",
			zap.String("event_key", key),
			zap.Error(err),
		)
		return true
	}
	return ok
}

func (l *RedisLocker) Release(ctx context.Context, key string) {
	if err := l.rdb.Del(ctx, lockKey(key)).Err(); err != nil {
		l.logger.Warn("webhook lock release failed", zap.String("event_key", key), zap.Error(err))
	}
}

func lockKey(key string) string {
	return "webhook:inflight:" + key
}

// Reconciler dispatches parsed gateway events to the escrow service.
type Reconciler struct {
	escrow Escrow
	store  Store
	locker Locker
	logger *zap.Logger
}

// NewReconciler builds a reconciler. A nil locker disables the in-flight
// lock and leaves deduplication to the durable receipt.
func NewReconciler(escrow Escrow, store Store, locker Locker, log *zap.Logger) *Reconciler {
	return &Reconciler{escrow: escrow, store: store, locker: locker, logger: logger.OrNop(log)}
}

// Process applies ev at most once. A non-nil error means the gateway should
// redeliver.
func (r *Reconciler) Process(ctx context.Context, ev gateway.Event) (string, error) {
	key := ev.Key()
	log := r.logger.With(zap.String("event", ev.Type()), zap.String("event_key", key))

	if r.locker != nil {
		if !r.locker.Acquire(ctx, key) {
			log.Info("event already in flight")
			return OutcomeDuplicate, nil
		}
		defer r.locker.Release(ctx, key)
	}

	seen, err := r.store.WebhookEventSeen(ctx, key)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("check receipt: %w", err)
	}
	if seen {
		log.Info("skipped duplicate event")
		return OutcomeDuplicate, nil
	}

	outcome, err := r.dispatch(ctx, log, ev)
	if err != nil {
		if apperr.Retryable(err) {
			log.Error("event processing failed", zap.Error(err))
			return OutcomeFailed, err
		}
		log.Warn("event rejected", zap.String("kind", string(apperr.KindOf(err))), zap.Error(err))
		outcome = OutcomeRejected
	}

	if _, err := r.store.RecordWebhookEvent(ctx, key, ev.Type()); err != nil {
		log.Warn("failed to record webhook receipt", zap.Error(err))
	}
	return outcome, nil
}

func (r *Reconciler) dispatch(ctx context.Context, log *zap.Logger, ev gateway.Event) (string, error) {
	switch e := ev.(type) {
	case gateway.ChargeSuccess:
		if e.Metadata.MilestoneID == "" {
			log.Info("charge without milestone metadata", zap.String("reference", e.Reference))
			return OutcomeIgnored, nil
		}
		milestoneID, err := uuid.Parse(e.Metadata.MilestoneID)
		if err != nil {
			return "", apperr.New(apperr.ValidationError, "invalid milestone id %q in charge metadata", e.Metadata.MilestoneID)
		}
		m, err := r.escrow.ApplyCharge(ctx, milestoneID, e.Reference)
		if err != nil {
			return "", err
		}
		log.Info("charge applied",
			zap.String("milestone_id", m.ID.String()),
			zap.String("escrow_id", m.EscrowID.String()),
			zap.String("reference", e.Reference),
		)
		return OutcomeApplied, nil

	case gateway.ChargeFailed:
		log.Info("charge failed",
			zap.String("reference", e.Reference),
			zap.String("milestone_id", e.Metadata.MilestoneID),
			zap.String("gateway_response", e.GatewayResponse),
		)
		return OutcomeIgnored, nil

	case gateway.TransferSuccess:
		m, err := r.escrow.ConfirmTransfer(ctx, e.Reference)
		if err != nil {
			return "", err
		}
		log.Info("transfer confirmed",
			zap.String("milestone_id", m.ID.String()),
			zap.String("reference", e.Reference),
			zap.String("transfer_code", e.TransferCode),
		)
		return OutcomeApplied, nil

	case gateway.TransferFailed:
		reason := e.Reason
		if reason == "" {
			reason = e.Event
		}
		m, err := r.escrow.FlagTransferFailure(ctx, e.Reference, reason)
		if err != nil {
			return "", err
		}
		log.Warn("transfer failed, escrow flagged for review",
			zap.String("milestone_id", m.ID.String()),
			zap.String("escrow_id", m.EscrowID.String()),
			zap.String("reference", e.Reference),
			zap.String("reason", reason),
		)
		return OutcomeApplied, nil
	}
	return "", apperr.New(apperr.ValidationError, "unhandled event %s", ev.Type())
}
