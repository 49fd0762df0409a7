package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/transfa/loan-service/internal/domain"
	"github.com/transfa/loan-service/internal/store"
	"github.com/transfa/loan-service/pkg/metrics"
	"github.com/transfa/loan-service/pkg/rabbitmq"
)

const (
	DefaultAuditExchange  = "loan_audit_events"
	DefaultRelayBatchSize = 100
)

// AuditRelay drains committed audit entries to the message broker. Entries are
// stamped as published in the same transaction that claimed them, so an entry is
// delivered at least once and a failed publish leaves it for the next run.
type AuditRelay struct {
	repo      store.Repository
	publisher rabbitmq.Publisher
	exchange  string
	batchSize int
	now       func() time.Time
	logger    logrus.FieldLogger
	metrics   *metrics.Collector
}

// NewAuditRelay creates a relay. Empty exchange and non-positive batch sizes use defaults.
func NewAuditRelay(repo store.Repository, publisher rabbitmq.Publisher, exchange string, batchSize int, logger logrus.FieldLogger, collector *metrics.Collector) *AuditRelay {
	if exchange == "" {
		exchange = DefaultAuditExchange
	}
	if batchSize <= 0 {
		batchSize = DefaultRelayBatchSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AuditRelay{
		repo:      repo,
		publisher: publisher,
		exchange:  exchange,
		batchSize: batchSize,
		now:       time.Now,
		logger:    logger.WithField("component", "audit_relay"),
		metrics:   collector,
	}
}

// RunOnce publishes one batch and returns how many entries were marked published.
// Publishing stops at the first failure; everything published before it is kept.
func (r *AuditRelay) RunOnce(ctx context.Context) (int, error) {
	published := 0
	err := r.repo.WithinTransaction(ctx, func(tx store.Tx) error {
		events, err := tx.LockUnpublishedAuditEvents(ctx, r.batchSize)
		if err != nil {
			return fmt.Errorf("failed to claim audit events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		delivered := make([]uuid.UUID, 0, len(events))
		var publishErr error
		for _, event := range events {
			if publishErr = r.publisher.PublishAuditEvent(ctx, r.exchange, toAuditMessage(event)); publishErr != nil {
				break
			}
			delivered = append(delivered, event.ID)
			r.metrics.RecordAuditPublished(string(event.Action))
		}

		if err := tx.MarkAuditEventsPublished(ctx, delivered, r.now().UTC()); err != nil {
			return err
		}
		published = len(delivered)
		if publishErr != nil {
			r.logger.WithError(publishErr).WithField("pending", len(events)-len(delivered)).Warn("audit publish interrupted")
		}
		return nil
	})
	if err != nil {
		r.metrics.RecordAuditRelayError()
		r.logger.WithError(err).Error("audit relay run failed")
		return 0, err
	}
	return published, nil
}

// Drain runs batches until the outbox is empty, the broker refuses a message or
// ctx ends.
func (r *AuditRelay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := r.RunOnce(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < r.batchSize {
			if n > 0 || total > 0 {
				r.logger.WithField("published", total).Debug("audit outbox drained")
			}
			return total, nil
		}
	}
}

func toAuditMessage(event domain.AuditEvent) rabbitmq.AuditMessage {
	return rabbitmq.AuditMessage{
		EventID:     event.ID,
		LoanID:      event.LoanID,
		Action:      string(event.Action),
		PerformedBy: event.PerformedBy,
		IPAddress:   event.IPAddress,
		Metadata:    event.Metadata,
		Timestamp:   event.Timestamp,
	}
}
