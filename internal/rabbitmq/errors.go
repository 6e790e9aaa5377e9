package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")
	ErrManagerClosed      = errors.New("rabbitmq: connection manager is closed")

	// Channel errors
	ErrChannelUnavailable = errors.New("rabbitmq: channel not available")

	// Topology errors
	ErrInvalidTopology = errors.New("rabbitmq: invalid topology configuration")

	// Consumer errors
	ErrConsumerClosed = errors.New("rabbitmq: consumer is closed")
)

// ConnectionError represents a failure to establish or keep the broker connection
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TopologyError represents a failed exchange, queue, or binding declaration
type TopologyError struct {
	Component string    // exchange, queue or binding
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	exchange := e.Exchange
	if exchange == "" {
		exchange = "(default)"
	}
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v",
		exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer registration error
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// ProcessingError wraps a failure returned (or panicked) by a message handler.
// The delivery it belongs to is negatively acknowledged.
type ProcessingError struct {
	Queue      string
	RoutingKey string
	Requeued   bool
	Err        error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("rabbitmq processing error: handler failed for %s on queue %s (requeued=%v): %v",
		e.RoutingKey, e.Queue, e.Requeued, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether reconnecting could make err go away.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidTopology):
		return false
	case errors.Is(err, ErrMaxRetriesExceeded):
		return false
	case errors.Is(err, ErrManagerClosed):
		return false
	}

	return true
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
