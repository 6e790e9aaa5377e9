// Package topic routes log messages through a durable topic exchange.
//
// A Producer publishes plain-text messages under routing keys such as
// "logs.error"; a Consumer declares one durable queue per binding and hands
// every delivery to a handler along with its routing key. Both sides keep
// their own broker connection and survive broker restarts.
package topic

import (
	"log/slog"
	"time"

	"github.com/glimte/topicmq/internal/rabbitmq"
)

// Defaults for the log pipeline
const (
	DefaultExchange = "logs_exchange"
	DefaultURL      = "amqp://localhost"

	RoutingKeyError   = "logs.error"
	RoutingKeyInfo    = "logs.info"
	RoutingKeyWarning = "logs.warning"

	ErrorQueue   = "error_queue"
	InfoQueue    = "info_queue"
	WarningQueue = "warning_queue"
)

// ErrChannelUnavailable is returned when publishing or consuming without a live channel
var ErrChannelUnavailable = rabbitmq.ErrChannelUnavailable

// Binding routes messages matching RoutingKey (a topic pattern) to Queue
type Binding struct {
	RoutingKey string
	Queue      string
}

// DefaultBindings sends each log level to its own queue
func DefaultBindings() []Binding {
	return []Binding{
		{RoutingKey: RoutingKeyError, Queue: ErrorQueue},
		{RoutingKey: RoutingKeyInfo, Queue: InfoQueue},
		{RoutingKey: RoutingKeyWarning, Queue: WarningQueue},
	}
}

// RoutingKey returns the routing key for a log level, e.g. "warning" -> "logs.warning"
func RoutingKey(level string) string {
	return "logs." + level
}

type options struct {
	exchange       string
	bindings       []Binding
	ttl            time.Duration
	reconnectDelay time.Duration
	prefetch       int
	dial           rabbitmq.Dialer
	logger         *slog.Logger
}

// Option configures a Producer or Consumer
type Option func(*options)

// WithExchange overrides the topic exchange name
func WithExchange(name string) Option {
	return func(o *options) {
		o.exchange = name
	}
}

// WithBindings replaces the consumer's queue bindings
func WithBindings(bindings ...Binding) Option {
	return func(o *options) {
		o.bindings = bindings
	}
}

// WithMessageTTL sets the expiration stamped on published messages
func WithMessageTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithReconnectDelay sets the fixed delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) Option {
	return func(o *options) {
		o.reconnectDelay = delay
	}
}

// WithPrefetch sets how many unacknowledged messages a consumer may hold per queue
func WithPrefetch(n int) Option {
	return func(o *options) {
		o.prefetch = n
	}
}

// WithDialer replaces the broker dialer
func WithDialer(dial rabbitmq.Dialer) Option {
	return func(o *options) {
		o.dial = dial
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		exchange:       DefaultExchange,
		bindings:       DefaultBindings(),
		ttl:            rabbitmq.DefaultMessageTTL,
		reconnectDelay: 5 * time.Second,
		prefetch:       1,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) manager(url string) *rabbitmq.ConnectionManager {
	managerOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(o.logger),
		rabbitmq.WithReconnectDelay(o.reconnectDelay),
	}
	if o.dial != nil {
		managerOpts = append(managerOpts, rabbitmq.WithDialer(o.dial))
	}
	return rabbitmq.NewConnectionManager(url, managerOpts...)
}

// exchangeTopology declares only the exchange, which is all a producer needs
func (o *options) exchangeTopology() rabbitmq.Topology {
	return rabbitmq.TopicTopology(o.exchange)
}

// queueTopology declares the exchange plus every bound queue
func (o *options) queueTopology() rabbitmq.Topology {
	bindings := make([]rabbitmq.Binding, 0, len(o.bindings))
	for _, b := range o.bindings {
		bindings = append(bindings, rabbitmq.Binding{Queue: b.Queue, RoutingKey: b.RoutingKey})
	}
	return rabbitmq.TopicTopology(o.exchange, bindings...)
}
