/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` and `Tx`
 * interfaces. Reconciliation reads lock the loan row with `SELECT ... FOR UPDATE` and
 * every transaction carries a local `lock_timeout` so an abandoned lock surfaces as an
 * error instead of an indefinite wait.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC columns are scanned straight into decimals.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/loan-service/internal/domain"
)

const (
	pgForeignKeyViolation = "23503"
	pgLockNotAvailable    = "55P03"
	pgUndefinedTable      = "42P01"
)

const loanColumns = `
	id, user_id, principal_amount, monthly_interest_rate, insurance_rate,
	ip_address, requested_date, bank, client, is_fully_paid, created_at, updated_at
`

const auditColumns = `
	id, loan_id, action, performed_by, ip_address, metadata, "timestamp", published_at
`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresRepository creates a new instance of PostgresRepository. A zero
// lockTimeout leaves the server default in place.
func NewPostgresRepository(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresRepository {
	return &PostgresRepository{db: db, lockTimeout: lockTimeout}
}

// WithinTransaction begins a transaction, runs fn and commits when fn succeeds.
func (r *PostgresRepository) WithinTransaction(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if r.lockTimeout > 0 {
		timeout := strconv.FormatInt(r.lockTimeout.Milliseconds(), 10) + "ms"
		if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", timeout); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapPgError(err))
	}
	return nil
}

// FindLoanByID retrieves a loan without taking any lock.
func (r *PostgresRepository) FindLoanByID(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE id = $1`
	return scanLoan(r.db.QueryRow(ctx, query, loanID))
}

// SumPayments returns the sum of all payments of a loan outside any transaction.
func (r *PostgresRepository) SumPayments(ctx context.Context, loanID uuid.UUID) (decimal.Decimal, error) {
	return sumPayments(ctx, r.db, loanID)
}

// DeleteLoan removes a loan that nothing references. Loans with payments or audit
// entries are protected.
func (r *PostgresRepository) DeleteLoan(ctx context.Context, loanID uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM loans WHERE id = $1`, loanID)
	if err != nil {
		return mapPgError(err)
	}
	if result.RowsAffected() == 0 {
		return ErrLoanNotFound
	}
	return nil
}

// ListLoansByUser returns one newest-first page of a user's loans with their paid totals.
func (r *PostgresRepository) ListLoansByUser(ctx context.Context, userID uuid.UUID, params ListParams) ([]LoanPosition, error) {
	args := []any{userID}
	query := `
		SELECT ` + prefixed("l", loanColumns) + `, COALESCE(SUM(p.amount), 0)
		FROM loans l
		LEFT JOIN payments p ON p.loan_id = l.id
		WHERE l.user_id = $1
	`
	if params.After != nil {
		query += ` AND (l.created_at, l.id) < ($2, $3)`
		args = append(args, params.After.CreatedAt, params.After.ID)
	}
	query += ` GROUP BY l.id ORDER BY l.created_at DESC, l.id DESC LIMIT ` + strconv.Itoa(NormalizeLimit(params.Limit))

	return r.queryLoanPositions(ctx, query, args...)
}

// ListAllLoanPositions returns every loan of a user with its paid total.
func (r *PostgresRepository) ListAllLoanPositions(ctx context.Context, userID uuid.UUID) ([]LoanPosition, error) {
	query := `
		SELECT ` + prefixed("l", loanColumns) + `, COALESCE(SUM(p.amount), 0)
		FROM loans l
		LEFT JOIN payments p ON p.loan_id = l.id
		WHERE l.user_id = $1
		GROUP BY l.id
		ORDER BY l.created_at DESC, l.id DESC
	`
	return r.queryLoanPositions(ctx, query, userID)
}

func (r *PostgresRepository) queryLoanPositions(ctx context.Context, query string, args ...any) ([]LoanPosition, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := make([]LoanPosition, 0)
	for rows.Next() {
		var position LoanPosition
		loan := &position.Loan
		if err := rows.Scan(
			&loan.ID, &loan.UserID, &loan.PrincipalAmount, &loan.MonthlyInterestRate, &loan.InsuranceRate,
			&loan.IPAddress, &loan.RequestedDate, &loan.Bank, &loan.Client, &loan.IsFullyPaid,
			&loan.CreatedAt, &loan.UpdatedAt, &position.TotalPaid,
		); err != nil {
			return nil, err
		}
		positions = append(positions, position)
	}
	return positions, rows.Err()
}

// ListPaymentsByUser returns one newest-first page of the payments on a user's loans.
func (r *PostgresRepository) ListPaymentsByUser(ctx context.Context, userID uuid.UUID, params ListParams) ([]domain.Payment, error) {
	args := []any{userID}
	query := `
		SELECT p.id, p.loan_id, p.amount, p.payment_date, p.created_at
		FROM payments p
		JOIN loans l ON l.id = p.loan_id
		WHERE l.user_id = $1
	`
	if params.After != nil {
		query += ` AND (p.created_at, p.id) < ($2, $3)`
		args = append(args, params.After.CreatedAt, params.After.ID)
	}
	query += ` ORDER BY p.created_at DESC, p.id DESC LIMIT ` + strconv.Itoa(NormalizeLimit(params.Limit))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0)
	for rows.Next() {
		var payment domain.Payment
		if err := rows.Scan(&payment.ID, &payment.LoanID, &payment.Amount, &payment.PaymentDate, &payment.CreatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

// ListAuditEvents returns the audit trail of a loan in insertion order.
func (r *PostgresRepository) ListAuditEvents(ctx context.Context, loanID uuid.UUID) ([]domain.AuditEvent, error) {
	query := `SELECT ` + auditColumns + ` FROM loan_audit_logs WHERE loan_id = $1 ORDER BY seq ASC`
	rows, err := r.db.Query(ctx, query, loanID)
	if err != nil {
		return nil, err
	}
	return scanAuditEvents(rows)
}

// Ready checks the pool and that the schema has been migrated.
func (r *PostgresRepository) Ready(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return err
	}
	var exists int
	err := r.db.QueryRow(ctx, `SELECT 1 FROM loans LIMIT 1`).Scan(&exists)
	switch {
	case err == nil, errors.Is(err, pgx.ErrNoRows):
		return nil
	case isUndefinedTableError(err):
		return ErrSchemaNotMigrated
	default:
		return err
	}
}

// postgresTx implements Tx on top of a pgx transaction.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) FindLoanByIDForUpdate(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error) {
	// FOR UPDATE serialises every reconciliation on this loan until commit or rollback.
	query := `SELECT ` + loanColumns + ` FROM loans WHERE id = $1 FOR UPDATE`
	loan, err := scanLoan(t.tx.QueryRow(ctx, query, loanID))
	if err != nil {
		return nil, mapPgError(err)
	}
	return loan, nil
}

func (t *postgresTx) SumPayments(ctx context.Context, loanID uuid.UUID) (decimal.Decimal, error) {
	return sumPayments(ctx, t.tx, loanID)
}

func (t *postgresTx) InsertLoan(ctx context.Context, loan *domain.Loan) error {
	query := `
		INSERT INTO loans (` + loanColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := t.tx.Exec(ctx, query,
		loan.ID, loan.UserID, loan.PrincipalAmount, loan.MonthlyInterestRate, loan.InsuranceRate,
		loan.IPAddress, loan.RequestedDate, loan.Bank, loan.Client, loan.IsFullyPaid,
		loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert loan: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertPayment(ctx context.Context, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (id, loan_id, amount, payment_date, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := t.tx.Exec(ctx, query, payment.ID, payment.LoanID, payment.Amount, payment.PaymentDate, payment.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (t *postgresTx) MarkLoanFullyPaid(ctx context.Context, loanID uuid.UUID, at time.Time) error {
	result, err := t.tx.Exec(ctx, `UPDATE loans SET is_fully_paid = TRUE, updated_at = $2 WHERE id = $1`, loanID, at)
	if err != nil {
		return fmt.Errorf("failed to mark loan fully paid: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrLoanNotFound
	}
	return nil
}

func (t *postgresTx) InsertAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}
	query := `
		INSERT INTO loan_audit_logs (id, loan_id, action, performed_by, ip_address, metadata, "timestamp")
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = t.tx.Exec(ctx, query,
		event.ID, event.LoanID, string(event.Action), event.PerformedBy, event.IPAddress, string(metadata), event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func (t *postgresTx) LockUnpublishedAuditEvents(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	// SKIP LOCKED lets several relay instances drain the outbox without blocking each other.
	query := `
		SELECT ` + auditColumns + `
		FROM loan_audit_logs
		WHERE published_at IS NULL
		ORDER BY seq ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := t.tx.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return scanAuditEvents(rows)
}

func (t *postgresTx) MarkAuditEventsPublished(ctx context.Context, eventIDs []uuid.UUID, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(eventIDs))
	for _, id := range eventIDs {
		ids = append(ids, id.String())
	}
	_, err := t.tx.Exec(ctx, `UPDATE loan_audit_logs SET published_at = $2 WHERE id = ANY($1::uuid[])`, ids, at)
	if err != nil {
		return fmt.Errorf("failed to mark audit events published: %w", err)
	}
	return nil
}

func sumPayments(ctx context.Context, q querier, loanID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM payments WHERE loan_id = $1`, loanID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum payments: %w", mapPgError(err))
	}
	return total, nil
}

func scanLoan(row pgx.Row) (*domain.Loan, error) {
	var loan domain.Loan
	err := row.Scan(
		&loan.ID, &loan.UserID, &loan.PrincipalAmount, &loan.MonthlyInterestRate, &loan.InsuranceRate,
		&loan.IPAddress, &loan.RequestedDate, &loan.Bank, &loan.Client, &loan.IsFullyPaid,
		&loan.CreatedAt, &loan.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, err
	}
	return &loan, nil
}

func scanAuditEvents(rows pgx.Rows) ([]domain.AuditEvent, error) {
	defer rows.Close()

	events := make([]domain.AuditEvent, 0)
	for rows.Next() {
		var (
			event    domain.AuditEvent
			action   string
			metadata []byte
		)
		if err := rows.Scan(
			&event.ID, &event.LoanID, &action, &event.PerformedBy, &event.IPAddress,
			&metadata, &event.Timestamp, &event.PublishedAt,
		); err != nil {
			return nil, err
		}
		event.Action = domain.LoanAction(action)
		event.Metadata = map[string]string{}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata for %s: %w", event.ID, err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// mapPgError translates the Postgres error codes the service branches on.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgForeignKeyViolation:
		return fmt.Errorf("%w: %s", ErrLoanProtected, pgErr.ConstraintName)
	case pgLockNotAvailable:
		return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
	}
	return err
}

// prefixed qualifies a comma separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}
