package app

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/transfa/loan-service/internal/domain"
	"github.com/transfa/loan-service/internal/store"
)

const maxLabelLength = 255

var (
	// NUMERIC(12,2) and NUMERIC(5,4) upper bounds.
	maxPrincipal = decimal.New(1, 10)
	maxRate      = decimal.NewFromInt(10)
)

// LoanPage is one page of a user's loans with their current obligations.
type LoanPage struct {
	Items      []domain.LoanWithObligation
	NextCursor string
}

// PaymentPage is one page of a user's payments.
type PaymentPage struct {
	Items      []domain.Payment
	NextCursor string
}

// CreateLoan validates the terms and stores the loan together with its
// `created` audit entry.
func (s *Service) CreateLoan(ctx context.Context, userID uuid.UUID, req domain.LoanRequest, ipAddress *string) (*domain.Loan, error) {
	if err := ValidateLoanRequest(req); err != nil {
		return nil, err
	}

	insuranceRate := domain.DefaultInsuranceRate
	if req.InsuranceRate != nil {
		insuranceRate = *req.InsuranceRate
	}

	now := s.timestamp()
	loan := &domain.Loan{
		ID:                  uuid.New(),
		UserID:              userID,
		PrincipalAmount:     req.PrincipalAmount,
		MonthlyInterestRate: req.MonthlyInterestRate,
		InsuranceRate:       insuranceRate,
		IPAddress:           ipAddress,
		RequestedDate:       now,
		Bank:                strings.TrimSpace(req.Bank),
		Client:              strings.TrimSpace(req.Client),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err := s.repo.WithinTransaction(ctx, func(tx store.Tx) error {
		if err := tx.InsertLoan(ctx, loan); err != nil {
			return err
		}
		return tx.InsertAuditEvent(ctx, newAuditEvent(loan.ID, domain.LoanActionCreated, &userID, ipAddress, now, map[string]string{
			metadataPrincipalAmount: formatMoney(loan.PrincipalAmount),
			metadataInterest:        formatRate(loan.MonthlyInterestRate),
			metadataBank:            loan.Bank,
		}))
	})
	if err != nil {
		s.logger.WithField("user_id", userID).WithError(err).Error("loan creation failed")
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"loan_id": loan.ID, "user_id": userID}).Info("loan created")
	s.metrics.RecordLoanCreated()
	return loan, nil
}

// ValidateLoanRequest checks ranges and decimal places of the loan terms.
func ValidateLoanRequest(req domain.LoanRequest) error {
	if err := checkDecimal("principal_amount", req.PrincipalAmount, domain.MoneyPlaces, maxPrincipal); err != nil {
		return err
	}
	if err := checkDecimal("monthly_interest_rate", req.MonthlyInterestRate, domain.RatePlaces, maxRate); err != nil {
		return err
	}
	if req.InsuranceRate != nil {
		if err := checkDecimal("insurance_rate", *req.InsuranceRate, domain.RatePlaces, maxRate); err != nil {
			return err
		}
	}
	if err := checkLabel("bank", req.Bank); err != nil {
		return err
	}
	return checkLabel("client", req.Client)
}

func checkDecimal(field string, value decimal.Decimal, places int32, upper decimal.Decimal) error {
	switch {
	case value.IsNegative():
		return invalidTerms(field + " must not be negative")
	case !value.Equal(value.Round(places)):
		return invalidTerms(field + " has too many decimal places")
	case value.GreaterThanOrEqual(upper):
		return invalidTerms(field + " is too large")
	}
	return nil
}

func checkLabel(field, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return invalidTerms(field + " is required")
	}
	if len([]rune(trimmed)) > maxLabelLength {
		return invalidTerms(field + " is too long")
	}
	return nil
}

func invalidTerms(message string) error {
	return &domain.Error{Kind: domain.KindInvalidLoanTerms, Message: message}
}

// GetLoan returns an owned loan with its obligation as of now.
func (s *Service) GetLoan(ctx context.Context, loanID, userID uuid.UUID) (*domain.LoanWithObligation, error) {
	loan, err := s.findOwnedLoan(ctx, loanID, userID)
	if err != nil {
		return nil, err
	}
	totalPaid, err := s.repo.SumPayments(ctx, loanID)
	if err != nil {
		return nil, err
	}
	view := s.withObligation(*loan, totalPaid)
	return &view, nil
}

// ListLoans returns the caller's loans newest first.
func (s *Service) ListLoans(ctx context.Context, userID uuid.UUID, page domain.PageRequest) (*LoanPage, error) {
	params, err := listParams(page)
	if err != nil {
		return nil, err
	}
	positions, err := s.repo.ListLoansByUser(ctx, userID, params)
	if err != nil {
		return nil, err
	}

	result := &LoanPage{Items: make([]domain.LoanWithObligation, 0, len(positions))}
	for _, position := range positions {
		result.Items = append(result.Items, s.withObligation(position.Loan, position.TotalPaid))
	}
	if len(positions) == params.Limit {
		last := positions[len(positions)-1].Loan
		result.NextCursor = store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	return result, nil
}

// DeleteLoan removes an owned loan nothing references yet.
func (s *Service) DeleteLoan(ctx context.Context, loanID, userID uuid.UUID) error {
	if _, err := s.findOwnedLoan(ctx, loanID, userID); err != nil {
		return err
	}
	if err := s.repo.DeleteLoan(ctx, loanID); err != nil {
		return mapStoreError(err)
	}
	s.logger.WithFields(logrus.Fields{"loan_id": loanID, "user_id": userID}).Info("loan deleted")
	return nil
}

// ListPayments returns the payments on the caller's loans newest first.
func (s *Service) ListPayments(ctx context.Context, userID uuid.UUID, page domain.PageRequest) (*PaymentPage, error) {
	params, err := listParams(page)
	if err != nil {
		return nil, err
	}
	payments, err := s.repo.ListPaymentsByUser(ctx, userID, params)
	if err != nil {
		return nil, err
	}

	result := &PaymentPage{Items: payments}
	if len(payments) == params.Limit {
		last := payments[len(payments)-1]
		result.NextCursor = store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	return result, nil
}

// ListAuditEvents returns the audit trail of an owned loan.
func (s *Service) ListAuditEvents(ctx context.Context, loanID, userID uuid.UUID) ([]domain.AuditEvent, error) {
	if _, err := s.findOwnedLoan(ctx, loanID, userID); err != nil {
		return nil, err
	}
	return s.repo.ListAuditEvents(ctx, loanID)
}

func (s *Service) withObligation(loan domain.Loan, totalPaid decimal.Decimal) domain.LoanWithObligation {
	return domain.LoanWithObligation{
		Loan:       loan,
		Status:     loan.Status(),
		Obligation: s.engine.Obligation(&loan, totalPaid, s.now()),
	}
}

func listParams(page domain.PageRequest) (store.ListParams, error) {
	cursor, err := store.DecodeCursor(page.Cursor)
	if err != nil {
		return store.ListParams{}, err
	}
	return store.ListParams{After: cursor, Limit: store.NormalizeLimit(page.Limit)}, nil
}
