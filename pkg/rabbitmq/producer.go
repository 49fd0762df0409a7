/**
 * @description
 * This package provides a simple producer for publishing messages to RabbitMQ.
 * It encapsulates the logic for connecting to RabbitMQ and publishing a message
 * to a specific exchange and routing key. Loan audit entries are fanned out through it.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - github.com/sirupsen/logrus: Structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrBrokerUnavailable is returned by the fallback publisher so callers keep
// undelivered work for a later attempt.
var ErrBrokerUnavailable = errors.New("message broker unavailable")

// AuditMessage represents the payload published for every loan audit entry.
type AuditMessage struct {
	EventID     uuid.UUID         `json:"event_id"`
	LoanID      uuid.UUID         `json:"loan_id"`
	Action      string            `json:"action"`
	PerformedBy *uuid.UUID        `json:"performed_by,omitempty"`
	IPAddress   *string           `json:"ip_address,omitempty"`
	Metadata    map[string]string `json:"metadata"`
	Timestamp   time.Time         `json:"timestamp"`
}

// RoutingKey is loan.audit.<action>.
func (m AuditMessage) RoutingKey() string {
	return "loan.audit." + m.Action
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishAuditEvent(ctx context.Context, exchange string, msg AuditMessage) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	logger  logrus.FieldLogger
}

// EventProducerFallback is a minimal publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct {
	Logger logrus.FieldLogger
}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"mode":        "fallback",
			"exchange":    exchange,
			"routing_key": routingKey,
		}).Warn("publish skipped")
	}
	return ErrBrokerUnavailable
}

func (p *EventProducerFallback) PublishAuditEvent(ctx context.Context, exchange string, msg AuditMessage) error {
	return p.Publish(ctx, exchange, msg.RoutingKey(), msg)
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string, logger logrus.FieldLogger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EventProducer{conn: conn, channel: ch, logger: logger.WithField("component", "rabbitmq_producer")}, nil
}

// Publish sends a persistent JSON message to a durable topic exchange. A failed
// declare or publish reopens the channel once and retries.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		p.logger.WithFields(logrus.Fields{"exchange": exchange, "routing_key": routingKey}).WithError(err).Error("json marshal failed")
		return err
	}
	return p.publishRaw(ctx, exchange, routingKey, "", jsonBody)
}

// PublishAuditEvent publishes an audit entry with its id as the message id so
// consumers can drop redeliveries.
func (p *EventProducer) PublishAuditEvent(ctx context.Context, exchange string, msg AuditMessage) error {
	jsonBody, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.publishRaw(ctx, exchange, msg.RoutingKey(), msg.EventID.String(), jsonBody)
}

func (p *EventProducer) publishRaw(ctx context.Context, exchange, routingKey, messageID string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now(),
		Body:         body,
	}

	err := p.declareAndPublish(ctx, exchange, routingKey, publishing)
	if err == nil {
		return nil
	}

	p.logger.WithFields(logrus.Fields{"exchange": exchange, "routing_key": routingKey}).WithError(err).Warn("publish failed; reopening channel")
	if p.conn == nil {
		return err
	}
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	p.channel = ch
	return p.declareAndPublish(ctx, exchange, routingKey, publishing)
}

func (p *EventProducer) declareAndPublish(ctx context.Context, exchange, routingKey string, publishing amqp091.Publishing) error {
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		publishing,
	)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
