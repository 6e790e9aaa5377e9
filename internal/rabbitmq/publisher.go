package rabbitmq

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultMessageTTL is the expiration stamped on every published message
const DefaultMessageTTL = 15 * time.Minute

// TimestampMillisHeader carries the publish time in epoch milliseconds.
// The AMQP timestamp property only has second resolution.
const TimestampMillisHeader = "timestamp_ms"

// Publisher publishes persistent messages on its manager's channel.
// Publishing is fire-and-forget: no publisher confirms are awaited, and
// messages a topic exchange cannot route are dropped by the broker.
type Publisher struct {
	manager        *ConnectionManager
	ttl            time.Duration
	publishTimeout time.Duration
	topology       *Topology
	logger         *slog.Logger
	now            func() time.Time
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithMessageTTL sets the per-message expiration. Zero disables it.
func WithMessageTTL(ttl time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.ttl = ttl
	}
}

// WithPublishTimeout bounds a single publish when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublisherTopology declares topology before the first publish and after every reconnect
func WithPublisherTopology(topology Topology) PublisherOption {
	return func(p *Publisher) {
		p.topology = &topology
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		ttl:            DefaultMessageTTL,
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
		now:            time.Now,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Start registers the publisher's topology with the manager. When the
// manager is already connected the topology is declared immediately.
func (p *Publisher) Start(ctx context.Context) error {
	if p.topology == nil {
		return nil
	}
	return p.manager.AddSetup(ctx, p.topology.Setup())
}

// Manager returns the connection manager the publisher runs on
func (p *Publisher) Manager() *ConnectionManager {
	return p.manager
}

// PublishOption adjusts a single outgoing message
type PublishOption func(*amqp.Publishing)

// WithCorrelationID sets the correlation id property
func WithCorrelationID(id string) PublishOption {
	return func(msg *amqp.Publishing) {
		msg.CorrelationId = id
	}
}

// WithReplyTo sets the reply-to property
func WithReplyTo(queue string) PublishOption {
	return func(msg *amqp.Publishing) {
		msg.ReplyTo = queue
	}
}

// WithContentType sets the content type property
func WithContentType(contentType string) PublishOption {
	return func(msg *amqp.Publishing) {
		msg.ContentType = contentType
	}
}

// WithHeaders merges headers into the message
func WithHeaders(headers map[string]interface{}) PublishOption {
	return func(msg *amqp.Publishing) {
		if msg.Headers == nil {
			msg.Headers = amqp.Table{}
		}
		for k, v := range headers {
			msg.Headers[k] = v
		}
	}
}

// Publish sends body to exchange with routingKey. An empty exchange targets
// the default exchange, where routingKey names a queue.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, body []byte, opts ...PublishOption) error {
	ch, err := p.manager.Channel()
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	msg := p.message(body, opts...)

	if err := ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	p.logger.Debug("published message",
		"exchange", exchange,
		"routingKey", routingKey,
		"bytes", len(body),
		"correlationId", msg.CorrelationId)

	return nil
}

func (p *Publisher) message(body []byte, opts ...PublishOption) amqp.Publishing {
	now := p.now()
	msg := amqp.Publishing{
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Headers:      amqp.Table{TimestampMillisHeader: now.UnixMilli()},
	}
	if p.ttl > 0 {
		msg.Expiration = strconv.FormatInt(p.ttl.Milliseconds(), 10)
	}

	for _, opt := range opts {
		opt(&msg)
	}

	return msg
}
