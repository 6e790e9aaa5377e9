package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/topicmq/internal/rabbitmq"
)

// BrokerChecker checks that a connection manager holds a live channel
type BrokerChecker struct {
	manager *rabbitmq.ConnectionManager
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(manager *rabbitmq.ConnectionManager) *BrokerChecker {
	return &BrokerChecker{manager: manager}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	result.Details["connected"] = c.manager.IsConnected()

	if _, err := c.manager.Channel(); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "No open channel"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	return result
}

// QueueChecker checks that a queue exists with the expected declaration
// and that its backlog stays under a threshold. Declaring is idempotent,
// so a missing queue is created rather than reported. Each check runs on
// its own short-lived channel, so a rejected declaration only closes that one.
type QueueChecker struct {
	manager   *rabbitmq.ConnectionManager
	queue     rabbitmq.QueueDeclaration
	threshold int
}

// NewQueueChecker creates a new queue health checker. A threshold of zero
// or less disables the backlog check.
func NewQueueChecker(manager *rabbitmq.ConnectionManager, queue rabbitmq.QueueDeclaration, threshold int) *QueueChecker {
	return &QueueChecker{manager: manager, queue: queue, threshold: threshold}
}

func (c *QueueChecker) Name() string {
	return "queue_" + c.queue.Name
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	ch, err := c.manager.OpenChannel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	q, err := rabbitmq.Declarator{}.DeclareQueue(ch, c.queue)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queue.Name)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["message_count"] = q.Messages
	result.Details["consumer_count"] = q.Consumers

	if c.threshold > 0 && q.Messages > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has %d ready messages", c.queue.Name, q.Messages)
	} else {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Queue %s is accessible", c.queue.Name)
	}

	result.Duration = time.Since(start)
	return result
}
