// Package ledger persists escrow accounts, milestones, disputes and the
// append-only escrow ledger. Every status change is a conditional update
// keyed on the expected current status; a write that matches no row returns
// ErrConflict and leaves the caller to decide what the loser sees.
package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tasklinker/backend/internal/models"
)

//go:embed schema.sql
var Schema string

var (
	ErrNotFound           = errors.New("ledger: not found")
	ErrConflict           = errors.New("ledger: conditional update matched no row")
	ErrAllocationExceeded = errors.New("ledger: milestone amounts exceed escrow total")
	ErrReferenceInUse     = errors.New("ledger: payment reference already applied to another milestone")
)

const uniqueViolation = "23505"

// Postgres default name for the UNIQUE on milestones.payment_reference.
const paymentReferenceConstraint = "milestones_payment_reference_key"

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Migrate applies Schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}

const escrowColumns = `id, task_id, client_id, total_amount, currency, status, payment_reference, needs_review, review_reason, created_at, updated_at`

const milestoneColumns = `id, escrow_id, title, amount, status, due_date, payment_reference, transfer_reference, transfer_code, funded_at, released_at, refunded_at, created_at, updated_at`

const disputeColumns = `id, milestone_id, raised_by, reason, evidence_urls, status, verdict, admin_notes, resolved_by, resolved_at, created_at`

func scanEscrow(row pgx.Row) (*models.EscrowAccount, error) {
	var e models.EscrowAccount
	err := row.Scan(&e.ID, &e.TaskID, &e.ClientID, &e.TotalAmount, &e.Currency, &e.Status,
		&e.PaymentReference, &e.NeedsReview, &e.ReviewReason, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanMilestone(row pgx.Row) (*models.Milestone, error) {
	var m models.Milestone
	var status string
	err := row.Scan(&m.ID, &m.EscrowID, &m.Title, &m.Amount, &status, &m.DueDate,
		&m.PaymentReference, &m.TransferReference, &m.TransferCode,
		&m.FundedAt, &m.ReleasedAt, &m.RefundedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Status = models.MilestoneStatus(status)
	return &m, nil
}

func scanDispute(row pgx.Row) (*models.Dispute, error) {
	var d models.Dispute
	var status string
	err := row.Scan(&d.ID, &d.MilestoneID, &d.RaisedBy, &d.Reason, &d.EvidenceURLs, &status,
		&d.Verdict, &d.AdminNotes, &d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = models.DisputeStatus(status)
	return &d, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func (r *Repository) GetEscrow(ctx context.Context, id uuid.UUID) (*models.EscrowAccount, error) {
	e, err := scanEscrow(r.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func (r *Repository) GetEscrowByTask(ctx context.Context, taskID uuid.UUID) (*models.EscrowAccount, error) {
	e, err := scanEscrow(r.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE task_id = $1`, taskID))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func (r *Repository) GetMilestone(ctx context.Context, id uuid.UUID) (*models.Milestone, error) {
	m, err := scanMilestone(r.pool.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (r *Repository) ListMilestones(ctx context.Context, escrowID uuid.UUID) ([]*models.Milestone, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE escrow_id = $1 ORDER BY created_at, id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FindMilestoneByTransferReference resolves a payout webhook back to its milestone.
func (r *Repository) FindMilestoneByTransferReference(ctx context.Context, reference string) (*models.Milestone, error) {
	m, err := scanMilestone(r.pool.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE transfer_reference = $1`, reference))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (r *Repository) GetDispute(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	d, err := scanDispute(r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func (r *Repository) GetOpenDisputeByMilestone(ctx context.Context, milestoneID uuid.UUID) (*models.Dispute, error) {
	d, err := scanDispute(r.pool.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE milestone_id = $1 AND status = 'OPEN'`, milestoneID))
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func (r *Repository) ListOpenDisputes(ctx context.Context) ([]*models.Dispute, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE status = 'OPEN' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *Repository) ListEscrowsNeedingReview(ctx context.Context) ([]*models.EscrowAccount, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE needs_review ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.EscrowAccount
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) ListEntries(ctx context.Context, escrowID uuid.UUID) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, escrow_id, milestone_id, entry_type, amount, reference, created_at
		FROM escrow_ledger WHERE escrow_id = $1 ORDER BY created_at, id
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.EscrowID, &e.MilestoneID, &e.EntryType, &e.Amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// GetAcceptedFreelancer returns uuid.Nil when the task has no accepted application.
func (r *Repository) GetAcceptedFreelancer(ctx context.Context, taskID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx,
		`SELECT freelancer_id FROM applications WHERE task_id = $1 AND status = 'accepted'`, taskID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil
	}
	return id, err
}

// ---------------------------------------------------------------------------
// Writes (caller's transaction)
// ---------------------------------------------------------------------------

// CreateEscrow inserts a new escrow account. A second account for the same
// task returns ErrConflict.
func (r *Repository) CreateEscrow(ctx context.Context, tx pgx.Tx, e *models.EscrowAccount) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO escrow_accounts (id, task_id, client_id, total_amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, e.ID, e.TaskID, e.ClientID, e.TotalAmount, e.Currency, e.Status).Scan(&e.CreatedAt, &e.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// InsertMilestone appends a PENDING milestone. The escrow row is locked so
// concurrent inserts cannot together allocate more than the escrow total.
func (r *Repository) InsertMilestone(ctx context.Context, tx pgx.Tx, m *models.Milestone) error {
	var total int64
	err := tx.QueryRow(ctx, `SELECT total_amount FROM escrow_accounts WHERE id = $1 FOR UPDATE`, m.EscrowID).Scan(&total)
	if err != nil {
		return notFound(err)
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO milestones (id, escrow_id, title, amount, status, due_date)
		SELECT $1::uuid, $2::uuid, $3::text, $4::bigint, 'PENDING', $5::timestamptz
		WHERE (SELECT COALESCE(SUM(amount), 0) FROM milestones WHERE escrow_id = $2::uuid) + $4::bigint <= $6::bigint
		RETURNING status, created_at, updated_at
	`, m.ID, m.EscrowID, m.Title, m.Amount, m.DueDate, total).Scan(new(string), &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAllocationExceeded
	}
	if err != nil {
		return err
	}
	m.Status = models.MilestonePending
	return nil
}

// UpdateMilestoneStatus moves a milestone from one status to another and
// stamps the transition timestamp plus any non-nil fields. ErrConflict when
// the milestone is no longer in status from.
func (r *Repository) UpdateMilestoneStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to models.MilestoneStatus, f models.MilestoneFields) (*models.Milestone, error) {
	at := f.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m, err := scanMilestone(tx.QueryRow(ctx, `
		UPDATE milestones SET
			status = $3::text,
			payment_reference = COALESCE($4, payment_reference),
			transfer_reference = COALESCE($5, transfer_reference),
			transfer_code = COALESCE($6, transfer_code),
			funded_at = CASE WHEN $3::text = 'FUNDED' THEN $7::timestamptz ELSE funded_at END,
			released_at = CASE WHEN $3::text = 'RELEASED' THEN $7::timestamptz ELSE released_at END,
			refunded_at = CASE WHEN $3::text = 'REFUNDED' THEN $7::timestamptz ELSE refunded_at END,
			updated_at = $7
		WHERE id = $1 AND status = $2
		RETURNING `+milestoneColumns,
		id, string(from), string(to), f.PaymentReference, f.TransferReference, f.TransferCode, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	if isConstraintViolation(err, paymentReferenceConstraint) {
		return nil, ErrReferenceInUse
	}
	if err != nil {
		return nil, fmt.Errorf("update milestone %s %s->%s: %w", id, from, to, err)
	}
	return m, nil
}

// InsertDispute opens a dispute. A second open dispute on the same milestone
// returns ErrConflict.
func (r *Repository) InsertDispute(ctx context.Context, tx pgx.Tx, d *models.Dispute) error {
	evidence := d.EvidenceURLs
	if evidence == nil {
		evidence = []string{}
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO disputes (id, milestone_id, raised_by, reason, evidence_urls, status)
		VALUES ($1, $2, $3, $4, $5, 'OPEN')
		RETURNING created_at
	`, d.ID, d.MilestoneID, d.RaisedBy, d.Reason, evidence).Scan(&d.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	d.Status = models.DisputeOpen
	d.EvidenceURLs = evidence
	return nil
}

// UpdateDispute closes a dispute with the given resolution, conditional on its
// current status.
func (r *Repository) UpdateDispute(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to models.DisputeStatus, res models.DisputeResolution) (*models.Dispute, error) {
	var notes *string
	if res.Notes != "" {
		notes = &res.Notes
	}
	d, err := scanDispute(tx.QueryRow(ctx, `
		UPDATE disputes SET status = $3, verdict = $4, admin_notes = $5, resolved_by = $6, resolved_at = $7
		WHERE id = $1 AND status = $2
		RETURNING `+disputeColumns,
		id, string(from), string(to), res.Verdict, notes, res.ResolvedBy, res.ResolvedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	return d, err
}

func (r *Repository) InsertEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return tx.QueryRow(ctx, `
		INSERT INTO escrow_ledger (id, escrow_id, milestone_id, entry_type, amount, reference)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, e.ID, e.EscrowID, e.MilestoneID, e.EntryType, e.Amount, e.Reference).Scan(&e.CreatedAt)
}

// LockMilestones locks the escrow row and returns its milestones as seen by
// tx, so status derivation for one escrow runs one transaction at a time.
func (r *Repository) LockMilestones(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID) ([]*models.Milestone, error) {
	if _, err := tx.Exec(ctx, `SELECT 1 FROM escrow_accounts WHERE id = $1 FOR UPDATE`, escrowID); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE escrow_id = $1 ORDER BY created_at, id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateEscrowStatus stores the derived escrow status. paymentReference, when
// non-nil, records the most recent charge applied to the account.
func (r *Repository) UpdateEscrowStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, paymentReference *string) error {
	_, err := tx.Exec(ctx, `
		UPDATE escrow_accounts
		SET status = $2, payment_reference = COALESCE($3, payment_reference), updated_at = now()
		WHERE id = $1
	`, id, status, paymentReference)
	return err
}

// ---------------------------------------------------------------------------
// Review queue
// ---------------------------------------------------------------------------

func (r *Repository) FlagEscrowForReview(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_accounts SET needs_review = TRUE, review_reason = $2, updated_at = now() WHERE id = $1
	`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ClearReview(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_accounts SET needs_review = FALSE, review_reason = NULL, updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Webhook receipts
// ---------------------------------------------------------------------------

// RecordWebhookEvent stores a processed-event receipt. It reports false when
// the key was already recorded.
func (r *Repository) RecordWebhookEvent(ctx context.Context, key, eventType string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_events (event_key, event_type) VALUES ($1, $2) ON CONFLICT (event_key) DO NOTHING
	`, key, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) WebhookEventSeen(ctx context.Context, key string) (bool, error) {
	var seen bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_key = $1)`, key).Scan(&seen)
	return seen, err
}

// ---------------------------------------------------------------------------
// Payout accounts
// ---------------------------------------------------------------------------

func (r *Repository) GetPayoutAccount(ctx context.Context, userID uuid.UUID) (*models.PayoutAccount, error) {
	var a models.PayoutAccount
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, account_number, bank_code, account_name, recipient_code, updated_at
		FROM payout_accounts WHERE user_id = $1
	`, userID).Scan(&a.UserID, &a.AccountNumber, &a.BankCode, &a.AccountName, &a.RecipientCode, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// UpsertPayoutAccount stores a user's bank details. Changing them clears the
// cached gateway recipient.
func (r *Repository) UpsertPayoutAccount(ctx context.Context, a *models.PayoutAccount) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO payout_accounts (user_id, account_number, bank_code, account_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			account_number = EXCLUDED.account_number,
			bank_code      = EXCLUDED.bank_code,
			account_name   = EXCLUDED.account_name,
			recipient_code = CASE
				WHEN payout_accounts.account_number = EXCLUDED.account_number
				 AND payout_accounts.bank_code = EXCLUDED.bank_code
				THEN payout_accounts.recipient_code END,
			updated_at     = now()
		RETURNING recipient_code, updated_at
	`, a.UserID, a.AccountNumber, a.BankCode, a.AccountName).Scan(&a.RecipientCode, &a.UpdatedAt)
}

func (r *Repository) SaveRecipientCode(ctx context.Context, userID uuid.UUID, code string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE payout_accounts SET recipient_code = $2, updated_at = now() WHERE user_id = $1
	`, userID, code)
	return err
}

// SetTransferCode records the gateway's transfer code on a released milestone.
func (r *Repository) SetTransferCode(ctx context.Context, milestoneID uuid.UUID, code string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE milestones SET transfer_code = $2, updated_at = now() WHERE id = $1
	`, milestoneID, code)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isConstraintViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}
