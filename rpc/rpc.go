// Package rpc implements request/response over two durable queues,
// <DOMAIN>_REQUEST and <DOMAIN>_RESPONSE, matched by correlation id.
//
// A Service consumes requests of the form {"userId": "..."}, looks the id up
// and publishes the JSON result with the request's correlation id. Lookups
// that report ErrNotFound produce {"error": "User not found"} and the request
// is acknowledged, so it is never retried; any other failure requeues it.
//
// A Client publishes requests and matches replies to waiting callers.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/topicmq/internal/rabbitmq"
)

// Defaults for the user-details exchange of messages
const (
	DefaultDomain   = "USER_DETAILS"
	DefaultResource = "User"
	DefaultIDField  = "userId"
	DefaultTimeout  = 10 * time.Second

	contentTypeJSON = "application/json"
)

var (
	// ErrNotFound is returned by a LookupFunc when the id does not exist, and
	// matches (via errors.Is) a RemoteError carrying a not-found reply
	ErrNotFound = errors.New("rpc: not found")
	// ErrTimeout is returned when no reply arrives in time
	ErrTimeout = errors.New("rpc: timed out waiting for reply")
	// ErrMalformedRequest is returned for request bodies without a usable id
	ErrMalformedRequest = errors.New("rpc: malformed request")
	// ErrClientClosed is returned by calls on a closed client
	ErrClientClosed = errors.New("rpc: client is closed")
)

// RemoteError is an {"error": "..."} reply from the service
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "rpc: remote error: " + e.Message
}

// Is reports not-found replies as ErrNotFound
func (e *RemoteError) Is(target error) bool {
	return target == ErrNotFound && strings.HasSuffix(strings.ToLower(e.Message), "not found")
}

// LookupFunc resolves an id to a JSON-encodable value. It returns an error
// matching ErrNotFound when the id does not exist.
type LookupFunc func(ctx context.Context, id string) (any, error)

// RequestQueue returns the request queue name for domain
func RequestQueue(domain string) string {
	return domain + "_REQUEST"
}

// ResponseQueue returns the response queue name for domain
func ResponseQueue(domain string) string {
	return domain + "_RESPONSE"
}

type config struct {
	domain   string
	resource string
	idField  string
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures a Service or Client
type Option func(*config)

// WithDomain sets the queue name prefix
func WithDomain(domain string) Option {
	return func(c *config) {
		c.domain = domain
	}
}

// WithResource sets the resource name used in not-found replies
func WithResource(resource string) Option {
	return func(c *config) {
		c.resource = resource
	}
}

// WithIDField sets the request field holding the id
func WithIDField(field string) Option {
	return func(c *config) {
		c.idField = field
	}
}

// WithTimeout sets how long a Client waits for a reply
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.timeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func newConfig(opts []Option) config {
	c := config{
		domain:   DefaultDomain,
		resource: DefaultResource,
		idField:  DefaultIDField,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c config) requestQueue() string {
	return RequestQueue(c.domain)
}

func (c config) responseQueue() string {
	return ResponseQueue(c.domain)
}

func (c config) notFoundMessage() string {
	return fmt.Sprintf("%s not found", c.resource)
}

// queueTopology declares durable queues on the default exchange
func queueTopology(names ...string) rabbitmq.Topology {
	var t rabbitmq.Topology
	for _, name := range names {
		t.Queues = append(t.Queues, rabbitmq.QueueDeclaration{Name: name, Durable: true})
	}
	return t
}

// closeStack closes a consumer and the managers behind it and a publisher
func closeStack(consumer *rabbitmq.Consumer, publisher *rabbitmq.Publisher) error {
	return errors.Join(
		consumer.Close(),
		consumer.Manager().Close(),
		publisher.Manager().Close(),
	)
}
