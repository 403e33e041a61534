package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Consumer drains the notification queue and appends one line per event to
// a log file.  The file stands in for the customer-facing mailer.
type Consumer struct {
	URL     string
	Queue   string
	LogPath string
	Logger  *zap.Logger
}

// Run connects to RabbitMQ and consumes until ctx is cancelled.  Broker
// failures are retried with exponential backoff capped at 30s.  Messages
// that cannot be handled are rejected without requeue.
func (c *Consumer) Run(ctx context.Context) error {
	logger := c.logger()
	queue := c.Queue
	if queue == "" {
		queue = DefaultQueue
	}

	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			logger.Warn("dial broker failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn, queue)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("consume loop ended, reconnecting", zap.Error(err))
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection, queue string) error {
	logger := c.logger()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		logger.Warn("set QoS failed", zap.Error(err))
	}
	if err := declare(ch, queue); err != nil {
		return err
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.handleMessage(d.Body); err != nil {
				logger.Error("handle message failed", zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *Consumer) handleMessage(body []byte) error {
	var ev BalanceChangedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.CustomerID == 0 {
		return errors.New("event without customer id")
	}

	path := c.LogPath
	if path == "" {
		path = filepath.Join("logs", "notifications.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatLine(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	c.logger().Debug("notification delivered",
		zap.Uint64("customer_id", ev.CustomerID),
		zap.String("action", ev.Action))
	return nil
}

// FormatLine renders ev as the single line appended to the notification log.
func FormatLine(ev BalanceChangedEvent) string {
	booking := "-"
	if ev.BookingID != 0 {
		booking = fmt.Sprint(ev.BookingID)
	}
	return fmt.Sprintf("[%s] Balance changed | action=%s | customer_id=%d | booking_id=%s | balance=%d | expires=%s\n",
		ev.OccurredAt, ev.Action, ev.CustomerID, booking, ev.NewBalance, ev.Expiry)
}

func (c *Consumer) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger.Named("consumer")
}

// sleep waits for d or until ctx is done; it reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
