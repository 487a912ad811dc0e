package applications

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tasklinker/backend/internal/ledger"
	"github.com/tasklinker/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const applicationColumns = `id, task_id, freelancer_id, proposed_rate, status, created_at, updated_at`

func scanApplication(row pgx.Row) (*models.Application, error) {
	var a models.Application
	err := row.Scan(&a.ID, &a.TaskID, &a.FreelancerID, &a.ProposedRate, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repository) GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	return scanApplication(r.pool.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id))
}

// LockTask reads a task and holds its row lock until tx ends.
func (r *Repository) LockTask(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	var t models.Task
	err := tx.QueryRow(ctx, `
		SELECT id, client_id, title, budget, status, created_at, updated_at
		FROM tasks WHERE id = $1 FOR UPDATE
	`, id).Scan(&t.ID, &t.ClientID, &t.Title, &t.Budget, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateApplicationStatus moves an application from one status to another.
// It returns ledger.ErrConflict when the row is not in from, or when
// accepting would give the task a second accepted application.
func (r *Repository) UpdateApplicationStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) (*models.Application, error) {
	a, err := scanApplication(tx.QueryRow(ctx, `
		UPDATE applications SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+applicationColumns, id, from, to))
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ledger.ErrConflict
	}
	if isUniqueViolation(err) {
		return nil, ledger.ErrConflict
	}
	return a, err
}

// RejectOthers rejects every pending application on the task except keep.
func (r *Repository) RejectOthers(ctx context.Context, tx pgx.Tx, taskID, keep uuid.UUID) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE applications SET status = 'rejected', updated_at = now()
		WHERE task_id = $1 AND id <> $2 AND status = 'pending'
	`, taskID, keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) UpdateTaskStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $3, updated_at = now() WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrConflict
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
