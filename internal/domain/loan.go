/**
 * @description
 * This file defines the core domain models for the loan-service: loans, payments and
 * the computed obligation of a loan at a point in time.
 *
 * @notes
 * - Monetary values use `decimal.Decimal` with 2 decimal places; rates use 4 places.
 *   Binary floats are never used for money.
 * - `IsFullyPaid` is mutated only by the payment reconciliation flow and never reverts.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanStatus is the reconciliation state of a loan.
type LoanStatus string

const (
	LoanStatusOpen    LoanStatus = "OPEN"
	LoanStatusSettled LoanStatus = "SETTLED"
)

const (
	MoneyPlaces = 2
	RatePlaces  = 4
)

// DefaultInsuranceRate is applied when a loan request does not carry one.
var DefaultInsuranceRate = decimal.RequireFromString("0.0100")

// Loan represents a borrowing contract. It maps to the `loans` table.
type Loan struct {
	ID                  uuid.UUID       `json:"id"`
	UserID              uuid.UUID       `json:"user_id"`
	PrincipalAmount     decimal.Decimal `json:"principal_amount"`
	MonthlyInterestRate decimal.Decimal `json:"monthly_interest_rate"`
	InsuranceRate       decimal.Decimal `json:"insurance_rate"`
	IPAddress           *string         `json:"ip_address,omitempty"`
	RequestedDate       time.Time       `json:"requested_date"`
	Bank                string          `json:"bank"`
	Client              string          `json:"client"`
	IsFullyPaid         bool            `json:"is_fully_paid"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Status derives the state machine position from the closure flag.
func (l *Loan) Status() LoanStatus {
	if l.IsFullyPaid {
		return LoanStatusSettled
	}
	return LoanStatusOpen
}

// LoanRequest is the input of the loan creation flow.
type LoanRequest struct {
	PrincipalAmount     decimal.Decimal
	MonthlyInterestRate decimal.Decimal
	InsuranceRate       *decimal.Decimal
	Bank                string
	Client              string
}

// Payment is a single amount applied to a loan. Rows are immutable once written.
type Payment struct {
	ID          uuid.UUID       `json:"id"`
	LoanID      uuid.UUID       `json:"loan"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentDate time.Time       `json:"payment_date"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Obligation is the full financial position of a loan as of a given instant.
type Obligation struct {
	LoanID             uuid.UUID       `json:"loan_id"`
	AsOf               time.Time       `json:"as_of"`
	DaysSinceRequested int             `json:"days_since_requested"`
	CompoundedAmount   decimal.Decimal `json:"compounded_amount"`
	IOF                decimal.Decimal `json:"iof"`
	Insurance          decimal.Decimal `json:"insurance"`
	TotalDue           decimal.Decimal `json:"total_due"`
	TotalPaid          decimal.Decimal `json:"total_paid"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
}

// LoanWithObligation pairs a loan with its current obligation for read views.
type LoanWithObligation struct {
	Loan
	Status     LoanStatus `json:"status"`
	Obligation Obligation `json:"obligation"`
}

// PageRequest selects a page of a newest-first listing.
type PageRequest struct {
	Cursor string
	Limit  int
}

// AccountSummary is the per-user aggregate over all of their loans.
type AccountSummary struct {
	UserID                  uuid.UUID       `json:"user_id"`
	TotalLoans              int             `json:"total_loans"`
	FullyPaidLoans          int             `json:"fully_paid_loans"`
	ActiveLoans             int             `json:"active_loans"`
	PrincipalAmountTotal    decimal.Decimal `json:"principal_amount_total"`
	AmountPaidTotal         decimal.Decimal `json:"amount_paid_total"`
	OutstandingBalanceTotal decimal.Decimal `json:"outstanding_balance_total"`
	PercentPaid             decimal.Decimal `json:"percent_paid"`
}
