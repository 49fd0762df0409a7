/**
 * @description
 * This file contains the core business logic for the loan-service. The `Service`
 * struct orchestrates loan creation, payment reconciliation and read views, coordinating
 * between the balance engine, the repository and the optional rate limiter.
 *
 * Key features:
 * - Reconciles payments under the loan row lock and closes a loan exactly once.
 * - Writes every state change and its audit entry in the same transaction.
 * - Recomputes obligations from stored rows on every read; nothing is cached.
 *
 * @dependencies
 * - github.com/sirupsen/logrus: Structured logging.
 * - internal/balance: Accrual formulas.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/metrics: Prometheus instrumentation.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/transfa/loan-service/internal/balance"
	"github.com/transfa/loan-service/internal/domain"
	"github.com/transfa/loan-service/internal/store"
	"github.com/transfa/loan-service/pkg/metrics"
)

const (
	DefaultPaymentRateLimit  = 100
	DefaultPaymentRateWindow = time.Minute
)

const (
	paymentRateLimitScope   = "payments"
	closedReasonTotalDueMet = "total_due_reached"

	metadataAmount          = "amount"
	metadataTotalPaidBefore = "total_paid_before"
	metadataTotalDue        = "total_due"
	metadataReason          = "reason"
	metadataTotalPaid       = "total_paid"
	metadataPrincipalAmount = "principal_amount"
	metadataInterest        = "interest"
	metadataBank            = "bank"
)

// PaymentRateLimiter counts attempts per subject in a fixed window.
type PaymentRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RateLimitError rejects a payment attempt over the per-user limit.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s (retry after %ds)", domain.ErrPaymentRateLimited.Error(), e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error {
	return domain.ErrPaymentRateLimited
}

// Service provides the core business logic for loans and payments.
type Service struct {
	repo    store.Repository
	engine  *balance.Engine
	now     func() time.Time
	logger  logrus.FieldLogger
	metrics *metrics.Collector

	limiter       PaymentRateLimiter
	paymentLimit  int
	paymentWindow time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Service) {
		s.metrics = collector
	}
}

// WithRateLimiter enables the per-user payment throttle. Non-positive values
// fall back to 100 attempts per minute.
func WithRateLimiter(limiter PaymentRateLimiter, limit int, window time.Duration) Option {
	return func(s *Service) {
		if limit <= 0 {
			limit = DefaultPaymentRateLimit
		}
		if window <= 0 {
			window = DefaultPaymentRateWindow
		}
		s.limiter = limiter
		s.paymentLimit = limit
		s.paymentWindow = window
	}
}

// NewService creates a new loan service instance.
func NewService(repo store.Repository, engine *balance.Engine, opts ...Option) *Service {
	if engine == nil {
		engine = balance.NewEngine(balance.DefaultConfig())
	}
	s := &Service{
		repo:   repo,
		engine: engine,
		now:    time.Now,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "loan_service")
	return s
}

// Engine returns the balance engine the service evaluates obligations with.
func (s *Service) Engine() *balance.Engine {
	return s.engine
}

// timestamp is now in UTC truncated to the database's microsecond precision.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// findOwnedLoan loads a loan and checks it belongs to userID.
func (s *Service) findOwnedLoan(ctx context.Context, loanID, userID uuid.UUID) (*domain.Loan, error) {
	loan, err := s.repo.FindLoanByID(ctx, loanID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if loan.UserID != userID {
		return nil, domain.ErrNotLoanOwner
	}
	return loan, nil
}

// mapStoreError converts store sentinels into domain rejections and leaves
// infrastructure errors untouched.
func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrLoanNotFound):
		return domain.ErrLoanNotFound
	case errors.Is(err, store.ErrLoanProtected):
		return domain.ErrLoanProtected
	}
	return err
}
