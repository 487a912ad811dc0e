// Package payout moves money out of escrow after a release or refund has
// committed. Jobs are enqueued in the same transaction as the milestone
// transition, so a payout exists if and only if the transition does.
package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"github.com/tasklinker/backend/internal/apperr"
	"github.com/tasklinker/backend/internal/gateway"
	"github.com/tasklinker/backend/internal/ledger"
	"github.com/tasklinker/backend/internal/logger"
	"github.com/tasklinker/backend/internal/models"
)

// Payout actions.
const (
	ActionRelease = "release"
	ActionRefund  = "refund"
)

// ErrRejected wraps a payout the gateway refused; the job is cancelled and
// the escrow flagged for review.
var ErrRejected = errors.New("payout rejected")

type Args struct {
	Action      string    `json:"action"`
	MilestoneID uuid.UUID `json:"milestone_id"`
	EscrowID    uuid.UUID `json:"escrow_id"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	// PayeeID is the freelancer paid on release.
	PayeeID uuid.UUID `json:"payee_id,omitempty"`
	// PaymentReference is the original charge returned on refund.
	PaymentReference string `json:"payment_reference,omitempty"`
	// Reference is the deterministic transfer reference, payout_<milestone id>.
	Reference string `json:"reference"`
}

func (Args) Kind() string { return "escrow_payout" }

func (Args) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 10,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// Reference returns the transfer reference for a milestone payout.
func Reference(milestoneID uuid.UUID) string {
	return "payout_" + milestoneID.String()
}

// Store is what the worker needs from the ledger.
type Store interface {
	GetPayoutAccount(ctx context.Context, userID uuid.UUID) (*models.PayoutAccount, error)
	SaveRecipientCode(ctx context.Context, userID uuid.UUID, code string) error
	SetTransferCode(ctx context.Context, milestoneID uuid.UUID, code string) error
	FlagEscrowForReview(ctx context.Context, escrowID uuid.UUID, reason string) error
}

// Gateway is the subset of the payment gateway client used for payouts.
type Gateway interface {
	CreateTransferRecipient(ctx context.Context, b gateway.BankDetails) (string, error)
	InitiateTransfer(ctx context.Context, r gateway.TransferRequest) (*gateway.Transfer, error)
	Refund(ctx context.Context, transactionReference string, amount int64) (*gateway.Refund, error)
}

type Worker struct {
	river.WorkerDefaults[Args]
	store   Store
	gateway Gateway
	logger  *zap.Logger
}

func NewWorker(store Store, gw Gateway, log *zap.Logger) *Worker {
	return &Worker{store: store, gateway: gw, logger: logger.OrNop(log)}
}

// Work returns a plain error for retryable failures (River retries them) and
// a cancelled job for rejections, after flagging the escrow.
func (w *Worker) Work(ctx context.Context, job *river.Job[Args]) error {
	args := job.Args
	log := w.logger.With(
		zap.String("milestone_id", args.MilestoneID.String()),
		zap.String("escrow_id", args.EscrowID.String()),
		zap.String("action", args.Action),
		zap.String("reference", args.Reference),
	)

	var err error
	switch args.Action {
	case ActionRelease:
		err = w.release(ctx, args, log)
	case ActionRefund:
		err = w.refund(ctx, args, log)
	default:
		err = fmt.Errorf("%w: unknown action %q", ErrRejected, args.Action)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRejected) {
		return w.reject(ctx, args, log, err)
	}
	log.Warn("payout attempt failed, will retry", zap.Int("attempt", attempt(job)), zap.Error(err))
	return err
}

func (w *Worker) release(ctx context.Context, args Args, log *zap.Logger) error {
	acct, err := w.store.GetPayoutAccount(ctx, args.PayeeID)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("%w: freelancer %s has no payout account", ErrRejected, args.PayeeID)
	}
	if err != nil {
		return fmt.Errorf("load payout account: %w", err)
	}

	recipient := ""
	if acct.RecipientCode != nil {
		recipient = *acct.RecipientCode
	}
	if recipient == "" {
		recipient, err = w.gateway.CreateTransferRecipient(ctx, gateway.BankDetails{
			Name:          acct.AccountName,
			AccountNumber: acct.AccountNumber,
			BankCode:      acct.BankCode,
			Currency:      args.Currency,
		})
		if err != nil {
			return classify(err)
		}
		if err := w.store.SaveRecipientCode(ctx, acct.UserID, recipient); err != nil {
			log.Warn("failed to cache recipient code", zap.Error(err))
		}
	}

	tr, err := w.gateway.InitiateTransfer(ctx, gateway.TransferRequest{
		RecipientCode: recipient,
		Amount:        args.Amount,
		Reference:     args.Reference,
		Reason:        "Milestone " + args.MilestoneID.String(),
	})
	if err != nil {
		if isDuplicateReference(err) {
			// An earlier attempt reached the gateway; the webhook will confirm it.
			log.Info("transfer already initiated")
			return nil
		}
		return classify(err)
	}
	if tr.TransferCode != "" {
		if err := w.store.SetTransferCode(ctx, args.MilestoneID, tr.TransferCode); err != nil {
			log.Warn("failed to record transfer code", zap.String("transfer_code", tr.TransferCode), zap.Error(err))
		}
	}
	log.Info("transfer initiated", zap.String("transfer_code", tr.TransferCode), zap.String("status", tr.Status))
	return nil
}

func (w *Worker) refund(ctx context.Context, args Args, log *zap.Logger) error {
	if args.PaymentReference == "" {
		return fmt.Errorf("%w: milestone %s has no payment reference", ErrRejected, args.MilestoneID)
	}
	r, err := w.gateway.Refund(ctx, args.PaymentReference, args.Amount)
	if err != nil {
		return classify(err)
	}
	log.Info("refund initiated", zap.String("status", r.Status), zap.Int64("amount", args.Amount))
	return nil
}

func (w *Worker) reject(ctx context.Context, args Args, log *zap.Logger, cause error) error {
	log.Error("payout rejected", zap.Error(cause))
	if err := w.store.FlagEscrowForReview(ctx, args.EscrowID, args.Action+" payout rejected: "+cause.Error()); err != nil {
		// Keep the job alive until the flag lands.
		return fmt.Errorf("payout rejected (%v) AND failed to flag escrow: %w", cause, err)
	}
	return river.JobCancel(cause)
}

// classify turns gateway rejections into ErrRejected and leaves everything
// retryable as is.
func classify(err error) error {
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if errors.Is(err, apperr.ErrGatewayUnavailable) || apperr.Retryable(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrRejected, err)
}

func isDuplicateReference(err error) bool {
	var apiErr *gateway.APIError
	return errors.As(err, &apiErr) && strings.Contains(strings.ToLower(apiErr.Message), "duplicate")
}

func attempt(job *river.Job[Args]) int {
	if job.JobRow == nil {
		return 0
	}
	return job.Attempt
}
