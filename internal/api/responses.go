package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/loan-service/internal/domain"
)

type pageResponse[T any] struct {
	Results    []T    `json:"results"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type obligationResponse struct {
	LoanID             string    `json:"loan_id"`
	AsOf               time.Time `json:"as_of"`
	DaysSinceRequested int       `json:"days_since_requested"`
	CompoundedAmount   string    `json:"compounded_amount"`
	IOF                string    `json:"iof"`
	Insurance          string    `json:"insurance"`
	TotalDue           string    `json:"total_due"`
	TotalPaid          string    `json:"total_paid"`
	OutstandingBalance string    `json:"outstanding_balance"`
}

type loanResponse struct {
	ID                  string              `json:"id"`
	PrincipalAmount     string              `json:"principal_amount"`
	MonthlyInterestRate string              `json:"monthly_interest_rate"`
	InsuranceRate       string              `json:"insurance_rate"`
	IPAddress           *string             `json:"ip_address,omitempty"`
	RequestedDate       time.Time           `json:"requested_date"`
	Bank                string              `json:"bank"`
	Client              string              `json:"client"`
	IsFullyPaid         bool                `json:"is_fully_paid"`
	Status              string              `json:"status"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
	Obligation          *obligationResponse `json:"obligation,omitempty"`
}

type paymentResponse struct {
	ID          string    `json:"id"`
	Loan        string    `json:"loan"`
	Amount      string    `json:"amount"`
	PaymentDate time.Time `json:"payment_date"`
	CreatedAt   time.Time `json:"created_at"`
}

type auditEventResponse struct {
	ID          string            `json:"id"`
	Loan        string            `json:"loan"`
	Action      string            `json:"action"`
	PerformedBy *string           `json:"performed_by,omitempty"`
	IPAddress   *string           `json:"ip_address,omitempty"`
	Metadata    map[string]string `json:"metadata"`
	Timestamp   time.Time         `json:"timestamp"`
}

type summaryResponse struct {
	TotalLoans              int    `json:"total_loans"`
	FullyPaidLoans          int    `json:"fully_paid_loans"`
	ActiveLoans             int    `json:"active_loans"`
	PrincipalAmountTotal    string `json:"principal_amount_total"`
	AmountPaidTotal         string `json:"amount_paid_total"`
	OutstandingBalanceTotal string `json:"outstanding_balance_total"`
	PercentPaid             string `json:"percent_paid"`
}

// money renders amounts as fixed two-place strings.
func money(value decimal.Decimal) string {
	return value.StringFixed(domain.MoneyPlaces)
}

func rate(value decimal.Decimal) string {
	return value.StringFixed(domain.RatePlaces)
}

func newObligationResponse(o domain.Obligation) obligationResponse {
	return obligationResponse{
		LoanID:             o.LoanID.String(),
		AsOf:               o.AsOf,
		DaysSinceRequested: o.DaysSinceRequested,
		CompoundedAmount:   money(o.CompoundedAmount),
		IOF:                money(o.IOF),
		Insurance:          money(o.Insurance),
		TotalDue:           money(o.TotalDue),
		TotalPaid:          money(o.TotalPaid),
		OutstandingBalance: money(o.OutstandingBalance),
	}
}

func newLoanResponse(loan domain.Loan, obligation *domain.Obligation) loanResponse {
	resp := loanResponse{
		ID:                  loan.ID.String(),
		PrincipalAmount:     money(loan.PrincipalAmount),
		MonthlyInterestRate: rate(loan.MonthlyInterestRate),
		InsuranceRate:       rate(loan.InsuranceRate),
		IPAddress:           loan.IPAddress,
		RequestedDate:       loan.RequestedDate,
		Bank:                loan.Bank,
		Client:              loan.Client,
		IsFullyPaid:         loan.IsFullyPaid,
		Status:              string(loan.Status()),
		CreatedAt:           loan.CreatedAt,
		UpdatedAt:           loan.UpdatedAt,
	}
	if obligation != nil {
		o := newObligationResponse(*obligation)
		resp.Obligation = &o
	}
	return resp
}

func newLoanViewResponse(view *domain.LoanWithObligation) loanResponse {
	return newLoanResponse(view.Loan, &view.Obligation)
}

func newPaymentResponse(p *domain.Payment) paymentResponse {
	return paymentResponse{
		ID:          p.ID.String(),
		Loan:        p.LoanID.String(),
		Amount:      money(p.Amount),
		PaymentDate: p.PaymentDate,
		CreatedAt:   p.CreatedAt,
	}
}

func newAuditEventResponse(e domain.AuditEvent) auditEventResponse {
	resp := auditEventResponse{
		ID:        e.ID.String(),
		Loan:      e.LoanID.String(),
		Action:    string(e.Action),
		IPAddress: e.IPAddress,
		Metadata:  e.Metadata,
		Timestamp: e.Timestamp,
	}
	if e.PerformedBy != nil && *e.PerformedBy != uuid.Nil {
		performedBy := e.PerformedBy.String()
		resp.PerformedBy = &performedBy
	}
	if resp.Metadata == nil {
		resp.Metadata = map[string]string{}
	}
	return resp
}

func newSummaryResponse(s *domain.AccountSummary) summaryResponse {
	return summaryResponse{
		TotalLoans:              s.TotalLoans,
		FullyPaidLoans:          s.FullyPaidLoans,
		ActiveLoans:             s.ActiveLoans,
		PrincipalAmountTotal:    money(s.PrincipalAmountTotal),
		AmountPaidTotal:         money(s.AmountPaidTotal),
		OutstandingBalanceTotal: money(s.OutstandingBalanceTotal),
		PercentPaid:             money(s.PercentPaid),
	}
}
