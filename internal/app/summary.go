package app

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/loan-service/internal/balance"
	"github.com/transfa/loan-service/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// GetAccountSummary aggregates every loan of a user as of now. The debt total
// is outstanding plus paid per loan, so settled loans count at what was paid.
func (s *Service) GetAccountSummary(ctx context.Context, userID uuid.UUID) (*domain.AccountSummary, error) {
	positions, err := s.repo.ListAllLoanPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	summary := &domain.AccountSummary{UserID: userID}
	principalTotal := decimal.Zero
	paidTotal := decimal.Zero
	debtTotal := decimal.Zero

	for i := range positions {
		loan := &positions[i].Loan
		totalPaid := positions[i].TotalPaid

		summary.TotalLoans++
		if loan.IsFullyPaid {
			summary.FullyPaidLoans++
		}
		principalTotal = principalTotal.Add(loan.PrincipalAmount)
		paidTotal = paidTotal.Add(totalPaid)

		totalDue := s.engine.TotalDue(balance.TermsOf(loan), now)
		debtTotal = debtTotal.Add(balance.Outstanding(totalDue, totalPaid)).Add(totalPaid)
	}
	summary.ActiveLoans = summary.TotalLoans - summary.FullyPaidLoans

	percentPaid := decimal.Zero
	if debtTotal.IsPositive() {
		percentPaid = paidTotal.Div(debtTotal).Mul(hundred)
	}

	summary.PrincipalAmountTotal = principalTotal.Round(domain.MoneyPlaces)
	summary.AmountPaidTotal = paidTotal.Round(domain.MoneyPlaces)
	summary.OutstandingBalanceTotal = debtTotal.Sub(paidTotal).Round(domain.MoneyPlaces)
	summary.PercentPaid = percentPaid.Round(domain.MoneyPlaces)
	return summary, nil
}
