// Package rabbitmq provides the RabbitMQ core used by topicmq.
//
// This package includes:
//   - ConnectionManager: owns one Connection and one Channel, re-establishing
//     both with a fixed delay when either closes
//   - Declarator: declares exchanges, queues, and bindings in order
//   - Publisher: publishes persistent messages with an expiration
//   - Consumer: consumes with manual acknowledgment and prefetch 1, one
//     delivery loop per queue
//
// Setups registered on a ConnectionManager (topology declaration, QoS,
// consumer registration) run again after every reconnect, so reconnects are
// invisible to callers apart from latency.
package rabbitmq
