/**
 * @description
 * This file defines the `Repository` and `Tx` interfaces, which specify the contract for
 * all data access required by the loan-service. Reconciliation runs through `Tx` so the
 * loan row lock, the payment insert, the audit entries and the closure flag commit or
 * roll back together.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - github.com/shopspring/decimal: For monetary aggregates.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/loan-service/internal/domain"
)

var (
	ErrLoanNotFound  = errors.New("loan not found")
	ErrLoanProtected = errors.New("loan is referenced by payments or audit entries")
	ErrLockTimeout   = errors.New("timed out waiting for loan lock")
	ErrInvalidCursor = errors.New("invalid pagination cursor")

	ErrSchemaNotMigrated = errors.New("database schema is not migrated")
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Loan methods
	FindLoanByID(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error)
	DeleteLoan(ctx context.Context, loanID uuid.UUID) error
	ListLoansByUser(ctx context.Context, userID uuid.UUID, params ListParams) ([]LoanPosition, error)
	ListAllLoanPositions(ctx context.Context, userID uuid.UUID) ([]LoanPosition, error)

	// Payment methods
	SumPayments(ctx context.Context, loanID uuid.UUID) (decimal.Decimal, error)
	ListPaymentsByUser(ctx context.Context, userID uuid.UUID, params ListParams) ([]domain.Payment, error)

	// Audit methods
	ListAuditEvents(ctx context.Context, loanID uuid.UUID) ([]domain.AuditEvent, error)

	// WithinTransaction runs fn in a single database transaction. The transaction
	// commits when fn returns nil and rolls back otherwise.
	WithinTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside WithinTransaction.
type Tx interface {
	// FindLoanByIDForUpdate reads the loan and holds its row lock until the
	// transaction ends.
	FindLoanByIDForUpdate(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error)
	SumPayments(ctx context.Context, loanID uuid.UUID) (decimal.Decimal, error)
	InsertLoan(ctx context.Context, loan *domain.Loan) error
	InsertPayment(ctx context.Context, payment *domain.Payment) error
	MarkLoanFullyPaid(ctx context.Context, loanID uuid.UUID, at time.Time) error
	InsertAuditEvent(ctx context.Context, event *domain.AuditEvent) error

	// Outbox relay
	LockUnpublishedAuditEvents(ctx context.Context, limit int) ([]domain.AuditEvent, error)
	MarkAuditEventsPublished(ctx context.Context, eventIDs []uuid.UUID, at time.Time) error
}

// LoanPosition is a loan together with the sum of its payments.
type LoanPosition struct {
	Loan      domain.Loan
	TotalPaid decimal.Decimal
}

// Cursor points at the last row of the previous page in (created_at, id) order.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Cursor.Encode.
func DecodeCursor(token string) (*Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	createdPart, idPart, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, ErrInvalidCursor
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdPart)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return &Cursor{CreatedAt: createdAt, ID: id}, nil
}

// ListParams selects a newest-first page.
type ListParams struct {
	After *Cursor
	Limit int
}

// NormalizeLimit clamps a requested page size into [1, MaxPageSize].
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// Admits reports whether a row sorts strictly after the cursor in newest-first order.
// A nil cursor admits every row.
func (c *Cursor) Admits(createdAt time.Time, id uuid.UUID) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return strings.Compare(id.String(), c.ID.String()) < 0
	}
	return createdAt.Before(c.CreatedAt)
}
