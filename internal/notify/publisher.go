// Package notify publishes escrow domain events to the notification sink.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/tasklinker/backend/internal/logger"
)

// ExchangeName is the topic exchange events are routed through. Routing keys
// are event names such as "milestone.funded".
const ExchangeName = "tasklinker.events"

const publishTimeout = 5 * time.Second

// Channel is the part of *amqp091.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher writes persistent JSON messages to the events exchange.
type Publisher struct {
	conn    *amqp091.Connection
	channel Channel
}

// NewPublisher dials RabbitMQ and declares the exchange.
func NewPublisher(url string) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(ExchangeName, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &Publisher{conn: conn, channel: ch}, nil
}

func (p *Publisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// IsConnected reports whether the underlying connection is still open.
func (p *Publisher) IsConnected() bool {
	return p.conn != nil && !p.conn.IsClosed()
}

// Publish sends payload under routingKey.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, ExchangeName, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
	})
}

// Sink is anything that can publish an event.
type Sink interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Notifier adapts a Sink to the escrow service. Publish failures are logged
// and dropped.
type Notifier struct {
	sink   Sink
	logger *zap.Logger
}

func NewNotifier(sink Sink, log *zap.Logger) *Notifier {
	return &Notifier{sink: sink, logger: logger.OrNop(log)}
}

func (n *Notifier) Notify(ctx context.Context, event string, payload map[string]any) {
	if n.sink == nil {
		return
	}
	msg := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		msg[k] = v
	}
	msg["event"] = event
	msg["occurred_at"] = time.Now().UTC()

	// The request context may already be finishing; the publish gets its own budget.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := n.sink.Publish(pctx, event, msg); err != nil {
		n.logger.Warn("failed to publish event",
			zap.String("event", event),
			zap.Error(err),
		)
	}
}
