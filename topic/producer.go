package topic

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/topicmq/internal/rabbitmq"
)

// Producer publishes persistent, expiring messages to the topic exchange
type Producer struct {
	exchange  string
	manager   *rabbitmq.ConnectionManager
	publisher *rabbitmq.Publisher
	logger    *slog.Logger

	startOnce sync.Once
	startErr  error
}

// NewProducer creates a producer for the broker at url. It does not connect.
func NewProducer(url string, opts ...Option) *Producer {
	o := newOptions(opts)
	manager := o.manager(url)

	return &Producer{
		exchange: o.exchange,
		manager:  manager,
		publisher: rabbitmq.NewPublisher(manager,
			rabbitmq.WithMessageTTL(o.ttl),
			rabbitmq.WithPublisherTopology(o.exchangeTopology()),
			rabbitmq.WithPublisherLogger(o.logger)),
		logger: o.logger,
	}
}

// Connect connects to the broker and declares the exchange
func (p *Producer) Connect(ctx context.Context) error {
	p.startOnce.Do(func() {
		p.startErr = p.publisher.Start(ctx)
	})
	if p.startErr != nil {
		return p.startErr
	}

	if err := p.manager.Connect(ctx); err != nil {
		return err
	}

	p.logger.Info("producer connected", "exchange", p.exchange)
	return nil
}

// PublishMessage publishes msg with routingKey
func (p *Producer) PublishMessage(ctx context.Context, routingKey, msg string) error {
	return p.publisher.Publish(ctx, p.exchange, routingKey, []byte(msg))
}

// Close closes the channel, then the connection
func (p *Producer) Close() error {
	return p.manager.Close()
}
