package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/cylinder-booking/internal/model"
)

// Publisher sends balance notifications to RabbitMQ.  It satisfies
// service.Notifier.  A connection is opened per publish; notifications are
// infrequent and this keeps the publisher free of reconnect state.
type Publisher struct {
	url    string
	queue  string
	logger *zap.Logger
}

// NewPublisher returns a publisher for the given broker and queue.  An
// empty queue name selects DefaultQueue.
func NewPublisher(url, queue string, logger *zap.Logger) *Publisher {
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{url: url, queue: queue, logger: logger.Named("publisher")}
}

// NotifyBalanceChanged publishes n as a persistent JSON message on the
// default exchange, routed to the notification queue.  Errors are logged and
// returned so the caller can choose to ignore them.
func (p *Publisher) NotifyBalanceChanged(ctx context.Context, n model.BalanceNotification) error {
	body, err := json.Marshal(NewBalanceChangedEvent(n))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.publish(ctx, body); err != nil {
		p.logger.Warn("publish failed",
			zap.Uint64("customer_id", n.CustomerID),
			zap.Uint64("booking_id", n.BookingID),
			zap.Error(err))
		return err
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, body []byte) error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := declare(ch, p.queue); err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		pub,
	); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// declare makes sure the durable queue exists.  It is idempotent.
func declare(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	return nil
}
