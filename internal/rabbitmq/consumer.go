package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is a delivery handed to a Handler
type Message struct {
	Body          []byte
	Queue         string
	Exchange      string
	RoutingKey    string
	DeliveryTag   uint64
	CorrelationID string
	ReplyTo       string
	MessageID     string
	ContentType   string
	Redelivered   bool
	Timestamp     time.Time
	Headers       amqp.Table
}

func newMessage(queue string, d amqp.Delivery) *Message {
	return &Message{
		Body:          d.Body,
		Queue:         queue,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		DeliveryTag:   d.DeliveryTag,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		MessageID:     d.MessageId,
		ContentType:   d.ContentType,
		Redelivered:   d.Redelivered,
		Timestamp:     publishedAt(d),
		Headers:       d.Headers,
	}
}

// publishedAt prefers the millisecond header over the second-resolution
// timestamp property
func publishedAt(d amqp.Delivery) time.Time {
	switch ms := d.Headers[TimestampMillisHeader].(type) {
	case int64:
		return time.UnixMilli(ms)
	case int32:
		return time.UnixMilli(int64(ms))
	}
	return d.Timestamp
}

// Handler processes one message. Returning nil acknowledges it; returning
// an error (or panicking) negatively acknowledges it with requeue.
type Handler func(ctx context.Context, msg *Message) error

// Consumer consumes queues with manual acknowledgment. Each queue gets its
// own delivery loop; the prefetch count bounds unacknowledged deliveries per
// consumer.
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	maxDeliveries int
	tagPrefix     string
	logger        *slog.Logger

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active sync.Map // queue -> consumer tag
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithMaxDeliveries stops requeueing a message once the broker reports it
// has been delivered n times (x-delivery-count, quorum queues). The message
// is then rejected without requeue and dead-lettered if the queue has a
// dead letter exchange. Zero keeps retrying indefinitely.
func WithMaxDeliveries(n int) ConsumerOption {
	return func(c *Consumer) {
		c.maxDeliveries = n
	}
}

// WithConsumerTag sets the consumer tag prefix
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 1,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Subscribe declares topology and consumes every queue in it with handler.
// The subscription is re-armed after every reconnect.
func (c *Consumer) Subscribe(ctx context.Context, topology Topology, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrInvalidTopology)
	}
	if len(topology.Queues) == 0 {
		return fmt.Errorf("%w: no queues to consume", ErrInvalidTopology)
	}
	if err := topology.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConsumerClosed
	}

	return c.manager.AddSetup(ctx, func(ctx context.Context, ch Channel) error {
		return c.arm(ch, topology, handler)
	})
}

// arm declares topology, sets QoS and starts one delivery loop per queue
func (c *Consumer) arm(ch Channel, topology Topology, handler Handler) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}

	if err := (Declarator{}).Declare(ch, topology); err != nil {
		return err
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return &ConsumerError{
			Queue:     topology.QueueNames()[0],
			Op:        "qos",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	var started []string
	for _, queue := range topology.QueueNames() {
		tag := c.newTag(queue)

		deliveries, err := ch.Consume(
			queue,
			tag,
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,
		)
		if err != nil {
			// all queues of a subscription are armed or none
			for _, startedTag := range started {
				if cancelErr := ch.Cancel(startedTag, false); cancelErr != nil {
					c.logger.Debug("failed to cancel consumer", "consumerTag", startedTag, "error", cancelErr)
				}
			}
			return &ConsumerError{
				Queue:       queue,
				ConsumerTag: tag,
				Op:          "consume",
				Err:         err,
				Timestamp:   time.Now(),
			}
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		c.wg.Add(1)
		c.mu.Unlock()

		c.active.Store(queue, tag)
		started = append(started, tag)
		go c.processMessages(queue, tag, deliveries, handler)

		c.logger.Info("subscribed to queue",
			"queue", queue,
			"consumerTag", tag,
			"prefetchCount", c.prefetchCount)
	}

	return nil
}

func (c *Consumer) newTag(queue string) string {
	prefix := c.tagPrefix
	if prefix == "" {
		prefix = queue
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String()[:8])
}

// processMessages runs the delivery loop for one queue
func (c *Consumer) processMessages(queue, tag string, deliveries <-chan amqp.Delivery, handler Handler) {
	defer func() {
		c.active.CompareAndDelete(queue, tag)
		c.wg.Done()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue, "consumerTag", tag)
				return
			}
			c.handleMessage(queue, delivery, handler)
		}
	}
}

// handleMessage invokes the handler and terminates the delivery with
// exactly one ack or nack
func (c *Consumer) handleMessage(queue string, delivery amqp.Delivery, handler Handler) {
	if c.maxDeliveries > 0 && deliveryCount(delivery.Headers) >= c.maxDeliveries {
		c.logger.Warn("delivery limit reached, rejecting message",
			"queue", queue,
			"routingKey", delivery.RoutingKey,
			"maxDeliveries", c.maxDeliveries)
		if err := delivery.Nack(false, false); err != nil {
			c.logger.Error("failed to reject message", "error", err, "queue", queue)
		}
		return
	}

	err := c.invoke(handler, newMessage(queue, delivery))
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr, "queue", queue)
		}
		return
	}

	c.logger.Error("failed to handle message",
		"error", &ProcessingError{
			Queue:      queue,
			RoutingKey: delivery.RoutingKey,
			Requeued:   true,
			Err:        err,
		},
		"queue", queue,
		"messageId", delivery.MessageId)

	if nackErr := delivery.Nack(false, true); nackErr != nil {
		c.logger.Error("failed to nack message",
			"error", nackErr,
			"originalError", err)
	}
}

func (c *Consumer) invoke(handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message handler: %v", r)
		}
	}()
	return handler(c.ctx, msg)
}

// Manager returns the connection manager the consumer runs on
func (c *Consumer) Manager() *ConnectionManager {
	return c.manager
}

// ActiveQueues returns the queues with a running delivery loop
func (c *Consumer) ActiveQueues() []string {
	var queues []string
	c.active.Range(func(key, value interface{}) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}

// Close cancels the broker consumers, stops the delivery loops and waits
// for in-flight handlers. Unacknowledged deliveries return to their queues
// when the channel closes.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	if ch, err := c.manager.Channel(); err == nil {
		c.active.Range(func(key, value interface{}) bool {
			if err := ch.Cancel(value.(string), false); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, err)
			}
			return true
		})
	}

	c.cancel()
	c.wg.Wait()

	return errors.Join(errs...)
}

// deliveryCount reads the quorum queue x-delivery-count header
func deliveryCount(headers amqp.Table) int {
	switch v := headers["x-delivery-count"].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}
