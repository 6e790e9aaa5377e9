package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/topicmq/internal/rabbitmq"
)

type pendingCall struct {
	correlationID string
	result        chan<- json.RawMessage
}

type reply struct {
	correlationID string
	body          json.RawMessage
}

// Client sends requests and waits for the matching reply. Outstanding calls
// live in a table owned by a single goroutine.
//
// Every client consumes the shared response queue, so replies meant for
// another client are consumed and dropped. Run one client per domain.
type Client struct {
	consumer  *rabbitmq.Consumer
	publisher *rabbitmq.Publisher
	cfg       config
	logger    *slog.Logger

	register chan pendingCall
	forget   chan string
	replies  chan reply
	done     chan struct{}

	setupOnce sync.Once
	setupErr  error
	closeOnce sync.Once
}

// NewClient creates a client. Like Service, it owns the consumer and publisher.
func NewClient(consumer *rabbitmq.Consumer, publisher *rabbitmq.Publisher, opts ...Option) *Client {
	cfg := newConfig(opts)
	c := &Client{
		consumer:  consumer,
		publisher: publisher,
		cfg:       cfg,
		logger:    cfg.logger,
		register:  make(chan pendingCall),
		forget:    make(chan string),
		replies:   make(chan reply),
		done:      make(chan struct{}),
	}

	go c.run()
	return c
}

// Start declares both queues, connects and begins consuming replies
func (c *Client) Start(ctx context.Context) error {
	c.setupOnce.Do(func() {
		topology := queueTopology(c.cfg.requestQueue(), c.cfg.responseQueue())
		c.setupErr = errors.Join(
			c.publisher.Manager().AddSetup(ctx, topology.Setup()),
			c.consumer.Subscribe(ctx, queueTopology(c.cfg.responseQueue()), c.handleReply),
		)
	})
	if c.setupErr != nil {
		return c.setupErr
	}

	if err := c.publisher.Manager().Connect(ctx); err != nil {
		return fmt.Errorf("rpc: connect publisher: %w", err)
	}
	if err := c.consumer.Manager().Connect(ctx); err != nil {
		return fmt.Errorf("rpc: connect consumer: %w", err)
	}
	return nil
}

// Call requests the record for id and returns the raw JSON reply. A
// {"error": ...} reply is returned as a *RemoteError.
func (c *Client) Call(ctx context.Context, id string) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, ErrClientClosed
	default:
	}

	correlationID := uuid.NewString()
	result := make(chan json.RawMessage, 1)

	select {
	case c.register <- pendingCall{correlationID: correlationID, result: result}:
	case <-c.done:
		return nil, ErrClientClosed
	}
	defer c.drop(correlationID)

	body, err := json.Marshal(map[string]string{c.cfg.idField: id})
	if err != nil {
		return nil, err
	}

	if err := c.publisher.Publish(ctx, "", c.cfg.requestQueue(), body,
		rabbitmq.WithCorrelationID(correlationID),
		rabbitmq.WithReplyTo(c.cfg.responseQueue()),
		rabbitmq.WithContentType(contentTypeJSON),
	); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.timeout)
	defer timer.Stop()

	select {
	case body := <-result:
		return decodeReply(body)
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s %s after %s", ErrTimeout, c.cfg.domain, id, c.cfg.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// Close stops consuming replies, fails outstanding calls and closes both connections
func (c *Client) Close() error {
	err := closeStack(c.consumer, c.publisher)
	c.closeOnce.Do(func() { close(c.done) })
	return err
}

func (c *Client) drop(correlationID string) {
	select {
	case c.forget <- correlationID:
	case <-c.done:
	}
}

// run owns the pending table
func (c *Client) run() {
	pending := make(map[string]chan<- json.RawMessage)

	for {
		select {
		case call := <-c.register:
			pending[call.correlationID] = call.result

		case id := <-c.forget:
			delete(pending, id)

		case r := <-c.replies:
			result, ok := pending[r.correlationID]
			if !ok {
				c.logger.Warn("dropping reply with unknown correlation id", "correlationId", r.correlationID)
				continue
			}
			delete(pending, r.correlationID)
			result <- r.body

		case <-c.done:
			return
		}
	}
}

func (c *Client) handleReply(ctx context.Context, msg *rabbitmq.Message) error {
	select {
	case c.replies <- reply{correlationID: msg.CorrelationID, body: msg.Body}:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decodeReply treats an object whose only key is a string "error" as a
// remote failure; any other body is a record
func decodeReply(body json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || len(fields) != 1 {
		return body, nil
	}
	raw, ok := fields["error"]
	if !ok {
		return body, nil
	}
	var message string
	if err := json.Unmarshal(raw, &message); err != nil {
		return body, nil
	}
	return nil, &RemoteError{Message: message}
}
