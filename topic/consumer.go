package topic

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/glimte/topicmq/internal/rabbitmq"
)

// Handler processes one message body. A nil return acknowledges the message;
// an error requeues it.
type Handler func(ctx context.Context, msg, routingKey string) error

// Consumer consumes every bound queue with prefetch 1 and manual acknowledgment
type Consumer struct {
	manager  *rabbitmq.ConnectionManager
	consumer *rabbitmq.Consumer
	topology rabbitmq.Topology
	logger   *slog.Logger

	setupOnce sync.Once
	setupErr  error
}

// NewConsumer creates a consumer for the broker at url. It does not connect.
func NewConsumer(url string, opts ...Option) *Consumer {
	o := newOptions(opts)
	manager := o.manager(url)

	return &Consumer{
		manager: manager,
		consumer: rabbitmq.NewConsumer(manager,
			rabbitmq.WithPrefetchCount(o.prefetch),
			rabbitmq.WithConsumerLogger(o.logger)),
		topology: o.queueTopology(),
		logger:   o.logger,
	}
}

// Connect connects to the broker and declares the exchange, queues and bindings
func (c *Consumer) Connect(ctx context.Context) error {
	c.setupOnce.Do(func() {
		c.setupErr = c.manager.AddSetup(ctx, c.topology.Setup())
	})
	if c.setupErr != nil {
		return c.setupErr
	}

	if err := c.manager.Connect(ctx); err != nil {
		return err
	}

	c.logger.Info("consumer connected", "queues", c.topology.QueueNames())
	return nil
}

// Consume starts delivering messages from every bound queue to handler. It
// returns once the subscriptions are registered; delivery continues in the
// background until Close.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("topic: handler cannot be nil")
	}
	if !c.manager.IsConnected() {
		return ErrChannelUnavailable
	}

	return c.consumer.Subscribe(ctx, c.topology, func(ctx context.Context, msg *rabbitmq.Message) error {
		c.logger.Debug("received message", "queue", msg.Queue, "routingKey", msg.RoutingKey)
		return handler(ctx, string(msg.Body), msg.RoutingKey)
	})
}

// Close stops consuming, waits for in-flight handlers, then closes the channel
// and connection
func (c *Consumer) Close() error {
	return errors.Join(c.consumer.Close(), c.manager.Close())
}
