package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestConsumer(t *testing.T) {
	t.Run("NewConsumer creates with defaults", func(t *testing.T) {
		manager := NewConnectionManager("amqp://localhost:5672")
		consumer := NewConsumer(manager)

		assert.Equal(t, manager, consumer.manager)
		assert.Equal(t, 1, consumer.prefetchCount)
		assert.Zero(t, consumer.maxDeliveries)
		assert.Empty(t, consumer.tagPrefix)
		assert.NotNil(t, consumer.logger)
	})

	t.Run("NewConsumer applies options", func(t *testing.T) {
		logger := slog.Default()

		consumer := NewConsumer(
			NewConnectionManager("amqp://localhost:5672"),
			WithPrefetchCount(20),
			WithMaxDeliveries(5),
			WithConsumerTag("test-consumer"),
			WithConsumerLogger(logger),
		)

		assert.Equal(t, 20, consumer.prefetchCount)
		assert.Equal(t, 5, consumer.maxDeliveries)
		assert.Equal(t, "test-consumer", consumer.tagPrefix)
		assert.Equal(t, logger, consumer.logger)
	})

	t.Run("ActiveQueues returns empty list initially", func(t *testing.T) {
		consumer := NewConsumer(NewConnectionManager("amqp://localhost:5672"))
		assert.Empty(t, consumer.ActiveQueues())
	})

	t.Run("Subscribe rejects nil handler", func(t *testing.T) {
		consumer := NewConsumer(NewConnectionManager("amqp://localhost:5672"))
		topology := TopicTopology("logs_exchange", Binding{Queue: "info_queue", RoutingKey: "logs.info"})
		err := consumer.Subscribe(context.Background(), topology, nil)
		assert.ErrorIs(t, err, ErrInvalidTopology)
	})

	t.Run("Subscribe rejects topology without queues", func(t *testing.T) {
		consumer := NewConsumer(NewConnectionManager("amqp://localhost:5672"))
		err := consumer.Subscribe(context.Background(), Topology{}, func(context.Context, *Message) error { return nil })
		assert.ErrorIs(t, err, ErrInvalidTopology)
	})

	t.Run("Subscribe after Close fails", func(t *testing.T) {
		consumer := NewConsumer(NewConnectionManager("amqp://localhost:5672"))
		require.NoError(t, consumer.Close())

		topology := TopicTopology("logs_exchange", Binding{Queue: "info_queue", RoutingKey: "logs.info"})
		err := consumer.Subscribe(context.Background(), topology, func(context.Context, *Message) error { return nil })
		assert.ErrorIs(t, err, ErrConsumerClosed)
	})

	t.Run("consumer tags carry the prefix", func(t *testing.T) {
		consumer := NewConsumer(NewConnectionManager("amqp://localhost:5672"), WithConsumerTag("svc"))
		assert.Regexp(t, `^svc-[0-9a-f]{8}$`, consumer.newTag("info_queue"))

		consumer = NewConsumer(NewConnectionManager("amqp://localhost:5672"))
		assert.Regexp(t, `^info_queue-[0-9a-f]{8}$`, consumer.newTag("info_queue"))
	})
}

func TestHandleMessage(t *testing.T) {
	newDelivery := func(ack *mockDeliveryAcknowledger, headers amqp.Table) amqp.Delivery {
		return amqp.Delivery{
			Acknowledger:  ack,
			DeliveryTag:   7,
			RoutingKey:    "logs.info",
			Exchange:      "logs_exchange",
			CorrelationId: "corr-1",
			Headers:       headers,
			Body:          []byte("hello"),
		}
	}

	t.Run("success acks once", func(t *testing.T) {
		consumer := NewConsumer(nil)

		ack := &mockDeliveryAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil).Once()

		var got *Message
		consumer.handleMessage("info_queue", newDelivery(ack, nil), func(ctx context.Context, msg *Message) error {
			got = msg
			return nil
		})

		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
		require.NotNil(t, got)
		assert.Equal(t, "info_queue", got.Queue)
		assert.Equal(t, "logs.info", got.RoutingKey)
		assert.Equal(t, "corr-1", got.CorrelationID)
		assert.Equal(t, []byte("hello"), got.Body)
	})

	t.Run("error nacks with requeue", func(t *testing.T) {
		consumer := NewConsumer(nil)

		ack := &mockDeliveryAcknowledger{}
		ack.On("Nack", uint64(7), false, true).Return(nil).Once()

		consumer.handleMessage("info_queue", newDelivery(ack, nil), func(context.Context, *Message) error {
			return errors.New("handler error")
		})

		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("panic nacks with requeue", func(t *testing.T) {
		consumer := NewConsumer(nil)

		ack := &mockDeliveryAcknowledger{}
		ack.On("Nack", uint64(7), false, true).Return(nil).Once()

		assert.NotPanics(t, func() {
			consumer.handleMessage("info_queue", newDelivery(ack, nil), func(context.Context, *Message) error {
				panic("boom")
			})
		})

		ack.AssertExpectations(t)
	})

	t.Run("delivery limit rejects without requeue", func(t *testing.T) {
		consumer := NewConsumer(nil, WithMaxDeliveries(3))

		ack := &mockDeliveryAcknowledger{}
		ack.On("Nack", uint64(7), false, false).Return(nil).Once()

		called := false
		consumer.handleMessage("info_queue", newDelivery(ack, amqp.Table{"x-delivery-count": int64(3)}), func(context.Context, *Message) error {
			called = true
			return nil
		})

		assert.False(t, called)
		ack.AssertExpectations(t)
	})

	t.Run("below delivery limit still handles", func(t *testing.T) {
		consumer := NewConsumer(nil, WithMaxDeliveries(3))

		ack := &mockDeliveryAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil).Once()

		consumer.handleMessage("info_queue", newDelivery(ack, amqp.Table{"x-delivery-count": int32(2)}), func(context.Context, *Message) error {
			return nil
		})

		ack.AssertExpectations(t)
	})

	t.Run("ack failure is logged, not retried", func(t *testing.T) {
		consumer := NewConsumer(nil)

		ack := &mockDeliveryAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(amqp.ErrClosed).Once()

		consumer.handleMessage("info_queue", newDelivery(ack, nil), func(context.Context, *Message) error {
			return nil
		})

		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
	})
}

// armChannel accepts declarations and fails Consume on one queue
type armChannel struct {
	Channel

	failQueue string

	mu         sync.Mutex
	deliveries map[string]chan amqp.Delivery
	cancelled  []string
}

func (ch *armChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (ch *armChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (ch *armChannel) QueueBind(string, string, string, bool, amqp.Table) error { return nil }

func (ch *armChannel) Qos(int, int, bool) error { return nil }

func (ch *armChannel) Consume(queue, tag string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if queue == ch.failQueue {
		return nil, &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED"}
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	d := make(chan amqp.Delivery)
	ch.deliveries[tag] = d
	return d, nil
}

func (ch *armChannel) Cancel(tag string, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.cancelled = append(ch.cancelled, tag)
	if d, ok := ch.deliveries[tag]; ok {
		close(d)
		delete(ch.deliveries, tag)
	}
	return nil
}

func TestArmIsAllOrNothing(t *testing.T) {
	topology := TopicTopology("logs_exchange",
		Binding{Queue: "error_queue", RoutingKey: "logs.error"},
		Binding{Queue: "info_queue", RoutingKey: "logs.info"},
		Binding{Queue: "warning_queue", RoutingKey: "logs.warning"},
	)
	ch := &armChannel{failQueue: "warning_queue", deliveries: make(map[string]chan amqp.Delivery)}

	consumer := NewConsumer(NewConnectionManager("amqp://localhost:5672"))
	defer consumer.Close()

	err := consumer.arm(ch, topology, func(ctx context.Context, msg *Message) error { return nil })

	var consumerErr *ConsumerError
	require.ErrorAs(t, err, &consumerErr)
	assert.Equal(t, "warning_queue", consumerErr.Queue)

	ch.mu.Lock()
	assert.Len(t, ch.cancelled, 2)
	assert.Empty(t, ch.deliveries)
	ch.mu.Unlock()

	assert.Eventually(t, func() bool { return len(consumer.ActiveQueues()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestBrokerCancelEndsLoopQuietly(t *testing.T) {
	consumer := NewConsumer(NewConnectionManager("amqp://localhost:5672"))
	defer consumer.Close()

	deliveries := make(chan amqp.Delivery)
	close(deliveries)

	called := false
	consumer.wg.Add(1)
	consumer.active.Store("info_queue", "info_queue-1")
	go consumer.processMessages("info_queue", "info_queue-1", deliveries, func(ctx context.Context, msg *Message) error {
		called = true
		return nil
	})

	assert.Eventually(t, func() bool { return len(consumer.ActiveQueues()) == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, called)
}

func TestDeliveryCount(t *testing.T) {
	assert.Equal(t, 0, deliveryCount(nil))
	assert.Equal(t, 2, deliveryCount(amqp.Table{"x-delivery-count": 2}))
	assert.Equal(t, 3, deliveryCount(amqp.Table{"x-delivery-count": int32(3)}))
	assert.Equal(t, 4, deliveryCount(amqp.Table{"x-delivery-count": int64(4)}))
	assert.Equal(t, 5, deliveryCount(amqp.Table{"x-delivery-count": uint32(5)}))
	assert.Equal(t, 0, deliveryCount(amqp.Table{"x-delivery-count": "6"}))
}

// mockListener for testing
type mockListener struct {
	mock.Mock
}

func (m *mockListener) OnConnected() {
	m.Called()
}

func (m *mockListener) OnDisconnected(err error) {
	m.Called(err)
}

func (m *mockListener) OnReconnecting(attempt int) {
	m.Called(attempt)
}

func TestConnectionStateListener(t *testing.T) {
	t.Run("listener interface", func(t *testing.T) {
		var _ ConnectionStateListener = (*mockListener)(nil)

		listener := &mockListener{}
		listener.On("OnConnected").Return()
		listener.On("OnDisconnected", mock.Anything).Return()
		listener.On("OnReconnecting", 1).Return()

		listener.OnConnected()
		listener.OnDisconnected(errors.New("test"))
		listener.OnReconnecting(1)

		listener.AssertExpectations(t)
	})
}

// mockDeliveryAcknowledger stands in for the channel behind a delivery
type mockDeliveryAcknowledger struct {
	mock.Mock
}

func (m *mockDeliveryAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}
