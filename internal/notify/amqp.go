package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"key-trade-ledger-go/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPSink publishes order summaries as JSON to a durable topic exchange.
// The routing key is "<prefix>.<type>", e.g. order.completed.buy.
type AMQPSink struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func NewAMQPSink(cfg models.NotificationConfig) (*AMQPSink, error) {
	cleanURL, err := sanitizeAMQPURL(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("invalid amqp url: %w", err)
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}

	sink := &AMQPSink{conn: conn, exchange: cfg.Exchange, routingKey: cfg.RoutingKey}
	if err := sink.openChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	return sink, nil
}

func (s *AMQPSink) openChannel() error {
	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", s.exchange, err)
	}
	s.channel = ch
	return nil
}

func routingKeyFor(prefix string, t models.TransactionType) string {
	return prefix + "." + strings.ToLower(string(t))
}

func (s *AMQPSink) Notify(ctx context.Context, result *models.OrderResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal order result: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    result.TransactionId,
		Timestamp:    time.Now(),
		Body:         body,
	}
	key := routingKeyFor(s.routingKey, result.Type)

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.channel.PublishWithContext(ctx, s.exchange, key, false, false, msg)
	if err == nil {
		return nil
	}

	// one reopen and retry
	zap.L().Warn("Publish failed, reopening channel",
		zap.String("exchange", s.exchange),
		zap.String("routing_key", key),
		zap.Error(err))
	if reopenErr := s.openChannel(); reopenErr != nil {
		return fmt.Errorf("failed to publish order %s: %w", result.TransactionId, errors.Join(err, reopenErr))
	}
	if err := s.channel.PublishWithContext(ctx, s.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish order %s: %w", result.TransactionId, err)
	}
	return nil
}

func (s *AMQPSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
