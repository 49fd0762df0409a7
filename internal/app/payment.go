package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/transfa/loan-service/internal/balance"
	"github.com/transfa/loan-service/internal/domain"
	"github.com/transfa/loan-service/internal/store"
	"github.com/transfa/loan-service/pkg/metrics"
)

var minPaymentAmount = decimal.New(1, -domain.MoneyPlaces)

// ProcessPayment admits a payment against a loan owned by userID. The loan row
// stays locked from the settled check until the payment, its audit entries and
// the closure flag are committed, so concurrent payments on one loan are
// serialised and can never overpay it.
func (s *Service) ProcessPayment(ctx context.Context, loanID, userID uuid.UUID, amount decimal.Decimal, ipAddress *string) (payment *domain.Payment, err error) {
	started := s.now()
	logger := s.logger.WithFields(logrus.Fields{
		"loan_id": loanID,
		"user_id": userID,
		"amount":  amount.String(),
	})
	defer func() {
		s.metrics.RecordPayment(paymentOutcome(err), s.now().Sub(started))
	}()

	if err := s.consumePaymentAttempt(ctx, userID, logger); err != nil {
		return nil, err
	}
	if err := ValidatePaymentAmount(amount); err != nil {
		return nil, err
	}

	// Fast ownership pre-check without the lock.
	if _, err := s.findOwnedLoan(ctx, loanID, userID); err != nil {
		logger.WithError(err).Info("payment rejected before lock")
		return nil, err
	}

	var closed bool
	err = s.repo.WithinTransaction(ctx, func(tx store.Tx) error {
		loan, err := tx.FindLoanByIDForUpdate(ctx, loanID)
		if err != nil {
			return mapStoreError(err)
		}
		if loan.IsFullyPaid {
			return domain.ErrLoanAlreadySettled
		}

		now := s.timestamp()
		totalPaid, err := tx.SumPayments(ctx, loanID)
		if err != nil {
			return err
		}
		totalDue := s.engine.TotalDue(balance.TermsOf(loan), now)
		paidAfter := totalPaid.Add(amount)
		if paidAfter.GreaterThan(totalDue) {
			return domain.ErrAmountExceedsBalance
		}

		payment = &domain.Payment{
			ID:          uuid.New(),
			LoanID:      loanID,
			Amount:      amount,
			PaymentDate: now,
			CreatedAt:   now,
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}

		if err := tx.InsertAuditEvent(ctx, newAuditEvent(loanID, domain.LoanActionPayment, &userID, ipAddress, now, map[string]string{
			metadataAmount:          formatMoney(amount),
			metadataTotalPaidBefore: formatMoney(totalPaid),
			metadataTotalDue:        formatMoney(totalDue),
		})); err != nil {
			return err
		}

		if paidAfter.GreaterThanOrEqual(totalDue) {
			if err := tx.MarkLoanFullyPaid(ctx, loanID, now); err != nil {
				return err
			}
			if err := tx.InsertAuditEvent(ctx, newAuditEvent(loanID, domain.LoanActionClosed, &userID, ipAddress, now, map[string]string{
				metadataReason:    closedReasonTotalDueMet,
				metadataTotalPaid: formatMoney(paidAfter),
			})); err != nil {
				return err
			}
			closed = true
		}
		return nil
	})
	if err != nil {
		payment = nil
		if domain.KindOf(err) != "" {
			logger.WithError(err).Info("payment rejected")
		} else {
			logger.WithError(err).Error("payment reconciliation failed")
		}
		return nil, err
	}

	logger.WithFields(logrus.Fields{"payment_id": payment.ID, "closed": closed}).Info("payment admitted")
	if closed {
		s.metrics.RecordLoanClosed()
	}
	return payment, nil
}

// ValidatePaymentAmount accepts amounts of at least 0.01 with at most two decimal places.
func ValidatePaymentAmount(amount decimal.Decimal) error {
	if amount.LessThan(minPaymentAmount) || !amount.Equal(amount.Round(domain.MoneyPlaces)) {
		return domain.ErrInvalidPaymentAmount
	}
	return nil
}

// consumePaymentAttempt applies the per-user throttle. A limiter outage lets the
// attempt through.
func (s *Service) consumePaymentAttempt(ctx context.Context, userID uuid.UUID, logger logrus.FieldLogger) error {
	if s.limiter == nil {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, paymentRateLimitScope, userID.String(), s.paymentLimit, s.paymentWindow)
	if err != nil {
		logger.WithError(err).Warn("payment rate limiter unavailable")
		return nil
	}
	if count > s.paymentLimit {
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

func paymentOutcome(err error) string {
	if err == nil {
		return metrics.OutcomeAccepted
	}
	if kind := domain.KindOf(err); kind != "" {
		return string(kind)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return metrics.OutcomeError
}

func newAuditEvent(loanID uuid.UUID, action domain.LoanAction, performedBy *uuid.UUID, ipAddress *string, at time.Time, metadata map[string]string) *domain.AuditEvent {
	return &domain.AuditEvent{
		ID:          uuid.New(),
		LoanID:      loanID,
		Action:      action,
		PerformedBy: performedBy,
		IPAddress:   ipAddress,
		Metadata:    metadata,
		Timestamp:   at,
	}
}

func formatMoney(value decimal.Decimal) string {
	return value.StringFixed(domain.MoneyPlaces)
}

func formatRate(value decimal.Decimal) string {
	return value.StringFixed(domain.RatePlaces)
}
