// Package applications accepts a freelancer's application and opens the
// task's escrow account in the same transaction.
package applications

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tasklinker/backend/internal/apperr"
	"github.com/tasklinker/backend/internal/ledger"
	"github.com/tasklinker/backend/internal/models"
	"github.com/tasklinker/backend/internal/policy"
)

const EventApplicationAccepted = "application.accepted"

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store interface {
	GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error)
	LockTask(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	UpdateApplicationStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) (*models.Application, error)
	RejectOthers(ctx context.Context, tx pgx.Tx, taskID, keep uuid.UUID) (int64, error)
	UpdateTaskStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) error
}

// EscrowStore opens escrow accounts. Satisfied by *ledger.Repository.
type EscrowStore interface {
	GetEscrowByTask(ctx context.Context, taskID uuid.UUID) (*models.EscrowAccount, error)
	CreateEscrow(ctx context.Context, tx pgx.Tx, e *models.EscrowAccount) error
}

type Notifier interface {
	Notify(ctx context.Context, event string, payload map[string]any)
}

// Acceptance is the result of accepting an application.
type Acceptance struct {
	Application *models.Application   `json:"application"`
	Escrow      *models.EscrowAccount `json:"escrow"`
	Rejected    int64                 `json:"rejected"`
}

type Service struct {
	db       TxBeginner
	store    Store
	escrows  EscrowStore
	notifier Notifier
	currency string
}

// NewService creates the applications service. notifier may be nil.
func NewService(db TxBeginner, store Store, escrows EscrowStore, notifier Notifier) *Service {
	return &Service{db: db, store: store, escrows: escrows, notifier: notifier, currency: "NGN"}
}

// Accept makes app the task's single accepted application, rejects the
// others and opens a pending escrow for the agreed rate. Accepting an
// already accepted application returns the existing escrow.
func (s *Service) Accept(ctx context.Context, actor models.Actor, taskID, applicationID uuid.UUID) (*Acceptance, error) {
	app, err := s.store.GetApplication(ctx, applicationID)
	if errors.Is(err, ledger.ErrNotFound) || (err == nil && app.TaskID != taskID) {
		return nil, apperr.New(apperr.NotFound, "application %s not found on task %s", applicationID, taskID)
	}
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	task, err := s.store.LockTask(ctx, tx, taskID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock task: %w", err)
	}
	if !policy.CanAcceptApplication(actor, task) {
		return nil, apperr.New(apperr.Forbidden, "only the task's client can accept applications")
	}

	switch app.Status {
	case models.ApplicationAccepted:
		e, err := s.escrows.GetEscrowByTask(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("get escrow: %w", err)
		}
		return &Acceptance{Application: app, Escrow: e}, nil
	case models.ApplicationRejected:
		return nil, apperr.New(apperr.InvalidState, "application %s was rejected", app.ID)
	}
	if task.Status != models.TaskOpen {
		return nil, apperr.New(apperr.InvalidState, "task %s is %s", task.ID, task.Status)
	}

	accepted, err := s.store.UpdateApplicationStatus(ctx, tx, app.ID, models.ApplicationPending, models.ApplicationAccepted)
	if errors.Is(err, ledger.ErrConflict) {
		return nil, apperr.New(apperr.InvalidState, "task %s already has an accepted application", task.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("accept application: %w", err)
	}
	rejected, err := s.store.RejectOthers(ctx, tx, task.ID, app.ID)
	if err != nil {
		return nil, fmt.Errorf("reject other applications: %w", err)
	}
	if err := s.store.UpdateTaskStatus(ctx, tx, task.ID, models.TaskOpen, models.TaskAssigned); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return nil, apperr.New(apperr.InvalidState, "task %s is no longer open", task.ID)
		}
		return nil, fmt.Errorf("assign task: %w", err)
	}

	e := &models.EscrowAccount{
		ID:          uuid.New(),
		TaskID:      task.ID,
		ClientID:    task.ClientID,
		TotalAmount: accepted.ProposedRate,
		Currency:    s.currency,
		Status:      models.EscrowStatusPending,
	}
	if err := s.escrows.CreateEscrow(ctx, tx, e); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return nil, apperr.New(apperr.InvalidState, "task %s already has an escrow account", task.ID)
		}
		return nil, fmt.Errorf("create escrow: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if s.notifier != nil {
		s.notifier.Notify(ctx, EventApplicationAccepted, map[string]any{
			"task_id":        task.ID,
			"application_id": accepted.ID,
			"freelancer_id":  accepted.FreelancerID,
			"escrow_id":      e.ID,
			"total_amount":   e.TotalAmount,
		})
	}
	return &Acceptance{Application: accepted, Escrow: e, Rejected: rejected}, nil
}
