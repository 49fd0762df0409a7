package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/loan-service/internal/domain"
)

// GetObligation evaluates an owned loan as of asOf, or now when asOf is zero.
// It reads fresh rows on every call and takes no lock.
func (s *Service) GetObligation(ctx context.Context, loanID, userID uuid.UUID, asOf time.Time) (domain.Obligation, error) {
	loan, err := s.findOwnedLoan(ctx, loanID, userID)
	if err != nil {
		return domain.Obligation{}, err
	}
	totalPaid, err := s.repo.SumPayments(ctx, loanID)
	if err != nil {
		return domain.Obligation{}, err
	}
	if asOf.IsZero() {
		asOf = s.now()
	}
	return s.engine.Obligation(loan, totalPaid, asOf), nil
}
