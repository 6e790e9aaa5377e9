package health

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/topicmq/internal/rabbitmq"
	"github.com/glimte/topicmq/internal/rabbitmq/rabbitmqtest"
)

type staticChecker struct {
	name   string
	status Status
	block  bool
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(ctx context.Context) CheckResult {
	if c.block {
		<-ctx.Done()
	}
	return CheckResult{Name: c.name, Status: c.status}
}

func newManager(t *testing.T, broker *rabbitmqtest.Broker) *rabbitmq.ConnectionManager {
	t.Helper()
	manager := rabbitmq.NewConnectionManager("amqp://localhost",
		rabbitmq.WithDialer(broker.Dial),
		rabbitmq.WithReconnectDelay(10*time.Millisecond))
	t.Cleanup(func() { manager.Close() })
	return manager
}

func TestRegistryCheck(t *testing.T) {
	t.Run("worst status wins", func(t *testing.T) {
		r := NewRegistry()
		r.Register(
			staticChecker{name: "a", status: StatusHealthy},
			staticChecker{name: "b", status: StatusDegraded},
		)
		report := r.Check(context.Background())
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Len(t, report.Checks, 2)
		assert.Equal(t, []string{"a", "b"}, r.Names())

		r.Register(staticChecker{name: "c", status: StatusUnhealthy})
		assert.Equal(t, StatusUnhealthy, r.Check(context.Background()).Status)
	})

	t.Run("empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("unfinished checks are unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(
			staticChecker{name: "fast", status: StatusHealthy},
			staticChecker{name: "slow", status: StatusHealthy, block: true},
		)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		report := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, StatusUnhealthy, report.Checks["slow"].Status)
		assert.NotEmpty(t, report.Checks["slow"].Error)
	})
}

func TestBrokerChecker(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	manager := newManager(t, broker)
	checker := NewBrokerChecker(manager)
	assert.Equal(t, "rabbitmq", checker.Name())

	result := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, false, result.Details["connected"])

	require.NoError(t, manager.Connect(context.Background()))
	result = checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, true, result.Details["connected"])
}

func TestQueueChecker(t *testing.T) {
	ctx := context.Background()
	broker := rabbitmqtest.NewBroker()
	manager := newManager(t, broker)

	queue := rabbitmq.QueueDeclaration{Name: "error_queue", Durable: true}
	checker := NewQueueChecker(manager, queue, 1)
	assert.Equal(t, "queue_error_queue", checker.Name())

	assert.Equal(t, StatusUnhealthy, checker.Check(ctx).Status)

	require.NoError(t, manager.Connect(ctx))
	result := checker.Check(ctx)
	assert.Equal(t, StatusHealthy, result.Status)
	assert.True(t, broker.HasQueue("error_queue"))
	assert.Equal(t, 0, result.Details["message_count"])

	ch, err := manager.Channel()
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, ch.PublishWithContext(ctx, "", "error_queue", false, false,
			amqp.Publishing{Body: []byte("System error occurred")}))
	}

	result = checker.Check(ctx)
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, 2, result.Details["message_count"])
}

func TestQueueCheckerConflictingDeclaration(t *testing.T) {
	ctx := context.Background()
	broker := rabbitmqtest.NewBroker()
	manager := newManager(t, broker)
	require.NoError(t, manager.Connect(ctx))

	durable := NewQueueChecker(manager, rabbitmq.QueueDeclaration{Name: "info_queue", Durable: true}, 0)
	require.Equal(t, StatusHealthy, durable.Check(ctx).Status)

	transient := NewQueueChecker(manager, rabbitmq.QueueDeclaration{Name: "info_queue"}, 0)
	result := transient.Check(ctx)
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Error, "PRECONDITION_FAILED")

	// the rejected declaration closed only its own channel
	assert.True(t, manager.IsConnected())
	assert.Equal(t, StatusHealthy, NewBrokerChecker(manager).Check(ctx).Status)
	assert.Equal(t, StatusHealthy, durable.Check(ctx).Status)
}

func TestRegistryIsolatesQueueFailures(t *testing.T) {
	ctx := context.Background()
	broker := rabbitmqtest.NewBroker()
	manager := newManager(t, broker)
	require.NoError(t, manager.Connect(ctx))

	setup := NewQueueChecker(manager, rabbitmq.QueueDeclaration{Name: "info_queue", Durable: true}, 0)
	require.Equal(t, StatusHealthy, setup.Check(ctx).Status)

	r := NewRegistry()
	r.Register(
		NewBrokerChecker(manager),
		NewQueueChecker(manager, rabbitmq.QueueDeclaration{Name: "info_queue"}, 0),
	)
	for _, name := range []string{"error_queue", "warning_queue", "USER_DETAILS_REQUEST", "USER_DETAILS_RESPONSE"} {
		r.Register(NewQueueChecker(manager, rabbitmq.QueueDeclaration{Name: name, Durable: true}, 0))
	}

	report := r.Check(ctx)
	assert.Equal(t, StatusUnhealthy, report.Status)
	for name, result := range report.Checks {
		if name == "queue_info_queue" {
			assert.Equal(t, StatusUnhealthy, result.Status)
			continue
		}
		assert.Equal(t, StatusHealthy, result.Status, name)
	}
}
