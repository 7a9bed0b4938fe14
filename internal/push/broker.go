package push

import (
	"context"
	"encoding/json"
	"sync"

	"lifeline/internal/constants"
	"lifeline/internal/errors"
	"lifeline/internal/metrics"
	"lifeline/internal/models"
	"lifeline/internal/privacy"
	"lifeline/pkg/circuitbreaker"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Publisher writes notification bodies to a broker exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Close() error
}

// NewPublisher connects to the broker at amqpURL and declares a durable topic
// exchange. When the URL is empty or the broker cannot be reached, it returns
// a publisher that accepts and drops everything.
func NewPublisher(amqpURL, exchange string, logger *logrus.Logger) Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	if exchange == "" {
		exchange = constants.DefaultPushExchange
	}
	if amqpURL == "" {
		logger.Info("Push broker disabled, using noop publisher: empty amqp url")
		return noopPublisher{reason: "empty amqp url", logger: logger}
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		logger.WithError(err).Warn("Push broker unreachable, using noop publisher")
		return noopPublisher{reason: err.Error(), logger: logger}
	}

	ch, err := conn.Channel()
	if err != nil {
		logger.WithError(err).Warn("Push broker channel failed, using noop publisher")
		_ = conn.Close()
		return noopPublisher{reason: err.Error(), logger: logger}
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		logger.WithError(err).Warn("Push exchange declaration failed, using noop publisher")
		_ = ch.Close()
		_ = conn.Close()
		return noopPublisher{reason: err.Error(), logger: logger}
	}

	logger.WithField("exchange", exchange).Info("Push broker connected")
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange}
}

type amqpPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type noopPublisher struct {
	reason string
	logger *logrus.Logger
}

func (p noopPublisher) Publish(_ context.Context, routingKey string, _ []byte) error {
	p.logger.WithField("routing_key", routingKey).Debug("Push broker noop publish")
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// PublisherMode reports "amqp" or "noop" for logging and health output.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

// PublisherNoopReason explains why a noop publisher is in use.
func PublisherNoopReason(p Publisher) string {
	if n, ok := p.(noopPublisher); ok {
		return n.reason
	}
	return ""
}

// RoutingKey is the broker routing key of a channel.
func RoutingKey(channel models.Channel) string {
	return "push." + string(channel)
}

// BrokerTransport publishes notifications of one channel to the broker. The
// downstream gateway confirms delivery later, so a successful publish leaves
// the delivery in the sent state.
type BrokerTransport struct {
	channel   models.Channel
	publisher Publisher
	breaker   *circuitbreaker.CircuitBreaker
	logger    *logrus.Logger
}

// NewBrokerTransport creates the transport for channel. A nil breaker gets
// the default settings.
func NewBrokerTransport(channel models.Channel, publisher Publisher, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) *BrokerTransport {
	if logger == nil {
		logger = logrus.New()
	}
	if breaker == nil {
		breaker = circuitbreaker.New("push."+string(channel), circuitbreaker.Config{}, logger)
	}
	return &BrokerTransport{channel: channel, publisher: publisher, breaker: breaker, logger: logger}
}

func (t *BrokerTransport) Channel() models.Channel { return t.channel }

func (t *BrokerTransport) Deliver(ctx context.Context, n Notification) (models.DeliveryState, error) {
	n.Channel = t.channel
	body, err := json.Marshal(n)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode notification")
	}

	labels := map[string]string{"channel": string(t.channel)}
	err = t.breaker.Execute(ctx, func(ctx context.Context) error {
		return t.publisher.Publish(ctx, RoutingKey(t.channel), body)
	})
	if err != nil {
		metrics.IncrementCounter("push_publish_failures_total", labels, "Notifications the broker did not accept")
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errors.NewUnavailableError("push broker", err).
			WithContext("channel", string(t.channel))
	}

	metrics.IncrementCounter("push_published_total", labels, "Notifications accepted by the broker")
	t.logger.WithFields(logrus.Fields{
		"job_id":    privacy.MaskID(n.JobID),
		"recipient": privacy.MaskAccountID(n.RecipientID),
		"channel":   t.channel,
	}).Debug("Published notification")
	return models.StateSent, nil
}
