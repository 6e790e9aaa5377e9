// Package rabbitmqtest provides an in-memory broker that satisfies the
// rabbitmq.Connection and rabbitmq.Channel seams. It implements durable-ish
// exchanges and queues, direct/topic/fanout routing, per-consumer prefetch,
// manual ack/nack with requeue, dead lettering, and forced connection or
// channel failures. It is meant for tests only.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/topicmq/internal/rabbitmq"
)

// deliveryBuffer caps outstanding deliveries for consumers without prefetch
const deliveryBuffer = 256

// Stats counts terminal outcomes reported by consumers
type Stats struct {
	Published  int
	Unroutable int
	Acks       int
	Nacks      int
	Requeued   int
	DeadLetter int
}

// Broker is an in-memory AMQP broker
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Conn]bool
	dialErr   error
	dials     int
	stats     Stats
}

type exchange struct {
	name    string
	kind    string
	durable bool
}

type binding struct {
	exchange string
	key      string
}

type queue struct {
	name      string
	durable   bool
	args      amqp.Table
	bindings  []binding
	ready     []*message
	consumers []*consumer
	next      int
}

type message struct {
	exchange      string
	routingKey    string
	pub           amqp.Publishing
	redelivered   bool
	deliveryCount int
}

type consumer struct {
	ch         *Chan
	tag        string
	queue      *queue
	autoAck    bool
	prefetch   int
	unacked    int
	deliveries chan amqp.Delivery
}

type pending struct {
	consumer *consumer
	msg      *message
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]bool),
	}
}

// Dial opens a connection; it has the rabbitmq.Dialer signature
func (b *Broker) Dial(url string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	conn := &Conn{broker: b}
	b.conns[conn] = true
	return conn, nil
}

// SetDialError makes every following Dial fail with err; nil restores dialing
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Dials returns how many times Dial was called
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Stats returns a snapshot of the outcome counters
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// DropConnections force-closes every open connection as a network failure would
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()

	reason := &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - simulated failure", Server: true, Recover: true}
	for conn := range b.conns {
		b.closeConnLocked(conn, reason)
	}
}

// FailChannels closes every open channel with a channel-level error while
// leaving connections open
func (b *Broker) FailChannels() {
	b.mu.Lock()
	defer b.mu.Unlock()

	reason := &amqp.Error{Code: amqp.InternalError, Reason: "INTERNAL_ERROR - simulated channel failure", Server: true}
	for conn := range b.conns {
		for _, ch := range conn.channels {
			b.closeChanLocked(ch, reason)
		}
	}
}

// Connections returns the number of open connections
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// HasExchange reports whether an exchange is declared
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// HasQueue reports whether a queue is declared
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Bindings returns the routing keys bound to queue
func (b *Broker) Bindings(queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(q.bindings))
	for _, bnd := range q.bindings {
		keys = append(keys, bnd.key)
	}
	return keys
}

// Ready returns the bodies of messages waiting in queue
func (b *Broker) Ready(queueName string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	bodies := make([][]byte, 0, len(q.ready))
	for _, m := range q.ready {
		bodies = append(bodies, m.pub.Body)
	}
	return bodies
}

// ReadyMessages returns the publishings waiting in queue
func (b *Broker) ReadyMessages(queueName string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	msgs := make([]amqp.Publishing, 0, len(q.ready))
	for _, m := range q.ready {
		msgs = append(msgs, m.pub)
	}
	return msgs
}

// Unacked returns the number of delivered but unacknowledged messages on queue
func (b *Broker) Unacked(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	n := 0
	for _, c := range q.consumers {
		n += c.unacked
	}
	return n
}

// Consumers returns the number of consumers attached to queue
func (b *Broker) Consumers(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[queueName]; ok {
		return len(q.consumers)
	}
	return 0
}

// route delivers a message to every matching queue. Callers hold b.mu.
func (b *Broker) routeLocked(exchangeName, key string, pub amqp.Publishing) error {
	if exchangeName == "" {
		q, ok := b.queues[key]
		if !ok {
			b.stats.Unroutable++
			return nil
		}
		b.enqueueLocked(q, &message{exchange: exchangeName, routingKey: key, pub: pub})
		return nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName), Server: true}
	}

	routed := false
	for _, q := range b.queues {
		for _, bnd := range q.bindings {
			if bnd.exchange != ex.name || !matches(ex.kind, bnd.key, key) {
				continue
			}
			b.enqueueLocked(q, &message{exchange: exchangeName, routingKey: key, pub: pub})
			routed = true
			break
		}
	}
	if !routed {
		b.stats.Unroutable++
	}
	return nil
}

func matches(kind, pattern, key string) bool {
	switch kind {
	case rabbitmq.ExchangeFanout:
		return true
	case rabbitmq.ExchangeTopic:
		return rabbitmq.MatchRoutingKey(pattern, key)
	default:
		return pattern == key
	}
}

func (b *Broker) enqueueLocked(q *queue, m *message) {
	q.ready = append(q.ready, m)
	b.dispatchLocked(q)
}

// requeueLocked puts a message back at the head of its queue
func (b *Broker) requeueLocked(q *queue, m *message) {
	m.redelivered = true
	m.deliveryCount++
	q.ready = append([]*message{m}, q.ready...)
	b.stats.Requeued++
}

func (b *Broker) deadLetterLocked(q *queue, m *message) {
	dlx, _ := q.args["x-dead-letter-exchange"].(string)
	if dlx == "" {
		return
	}
	b.stats.DeadLetter++
	_ = b.routeLocked(dlx, m.routingKey, m.pub)
}

// dispatchLocked hands ready messages to consumers with spare prefetch capacity
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		var target *consumer
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[(q.next+i)%len(q.consumers)]
			limit := c.prefetch
			if limit <= 0 {
				limit = deliveryBuffer
			}
			if c.unacked < limit {
				target = c
				q.next = (q.next + i + 1) % len(q.consumers)
				break
			}
		}
		if target == nil {
			return
		}

		m := q.ready[0]
		q.ready = q.ready[1:]

		ch := target.ch
		ch.nextTag++
		tag := ch.nextTag

		if !target.autoAck {
			target.unacked++
			ch.unacked[tag] = &pending{consumer: target, msg: m}
		}

		target.deliveries <- newDelivery(ch, target.tag, tag, m)
	}
}

func newDelivery(ch *Chan, consumerTag string, tag uint64, m *message) amqp.Delivery {
	headers := amqp.Table{}
	for k, v := range m.pub.Headers {
		headers[k] = v
	}
	if m.deliveryCount > 0 {
		headers["x-delivery-count"] = int64(m.deliveryCount)
	}

	return amqp.Delivery{
		Acknowledger:    ch,
		Headers:         headers,
		ContentType:     m.pub.ContentType,
		ContentEncoding: m.pub.ContentEncoding,
		DeliveryMode:    m.pub.DeliveryMode,
		Priority:        m.pub.Priority,
		CorrelationId:   m.pub.CorrelationId,
		ReplyTo:         m.pub.ReplyTo,
		Expiration:      m.pub.Expiration,
		MessageId:       m.pub.MessageId,
		Timestamp:       m.pub.Timestamp,
		Type:            m.pub.Type,
		AppId:           m.pub.AppId,
		ConsumerTag:     consumerTag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.routingKey,
		Body:            m.pub.Body,
	}
}

func (b *Broker) closeConnLocked(conn *Conn, reason *amqp.Error) {
	if conn.closed {
		return
	}
	for _, ch := range conn.channels {
		b.closeChanLocked(ch, reason)
	}
	conn.closed = true
	delete(b.conns, conn)
	notify(conn.notify, reason)
	conn.notify = nil
}

// closeChanLocked releases consumers and returns unacknowledged messages to their queues
func (b *Broker) closeChanLocked(ch *Chan, reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true

	touched := make(map[*queue]bool)
	for _, tag := range tagsDescending(ch.unacked) {
		p := ch.unacked[tag]
		b.requeueLocked(p.consumer.queue, p.msg)
		touched[p.consumer.queue] = true
	}
	ch.unacked = make(map[uint64]*pending)

	for _, c := range ch.consumers {
		c.queue.consumers = removeConsumer(c.queue.consumers, c)
		close(c.deliveries)
		touched[c.queue] = true
	}
	ch.consumers = nil

	notify(ch.notify, reason)
	ch.notify = nil

	for q := range touched {
		b.dispatchLocked(q)
	}
}

// tagsDescending orders tags so that requeueing at the head preserves the original order
func tagsDescending(unacked map[uint64]*pending) []uint64 {
	tags := make([]uint64, 0, len(unacked))
	for tag := range unacked {
		tags = append(tags, tag)
	}
	for i := 1; i < len(tags); i++ {
		for j := i; j > 0 && tags[j] > tags[j-1]; j-- {
			tags[j], tags[j-1] = tags[j-1], tags[j]
		}
	}
	return tags
}

func removeConsumer(consumers []*consumer, target *consumer) []*consumer {
	out := consumers[:0]
	for _, c := range consumers {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

// notify sends reason (if any) to every receiver, then closes them
func notify(receivers []chan *amqp.Error, reason *amqp.Error) {
	for _, r := range receivers {
		if reason != nil {
			select {
			case r <- reason:
			default:
			}
		}
		close(r)
	}
}

// Conn is an in-memory connection
type Conn struct {
	broker   *Broker
	channels []*Chan
	notify   []chan *amqp.Error
	closed   bool
}

// Channel opens a channel on the connection
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := &Chan{
		broker:  b,
		conn:    c,
		unacked: make(map[uint64]*pending),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose registers a receiver for connection closure
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection and all its channels gracefully
func (c *Conn) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	b.closeConnLocked(c, nil)
	return nil
}

// Chan is an in-memory channel
type Chan struct {
	broker    *Broker
	conn      *Conn
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*pending
	consumers []*consumer
	notify    []chan *amqp.Error
	closed    bool
}

var _ rabbitmq.Channel = (*Chan)(nil)
var _ amqp.Acknowledger = (*Chan)(nil)

// failLocked closes the channel with a server error, as a broker does on
// soft errors, and returns the error to the caller
func (ch *Chan) failLocked(code int, reason string) error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	ch.broker.closeChanLocked(ch, err)
	return err
}

// ExchangeDeclare declares an exchange; redeclaring with different parameters fails
func (ch *Chan) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return ch.failLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name))
		}
		return nil
	}

	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable}
	return nil
}

// QueueDeclare declares a queue; redeclaring with different durability fails
func (ch *Chan) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	q, ok := b.queues[name]
	if ok {
		if q.durable != durable {
			return amqp.Queue{}, ch.failLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name))
		}
	} else {
		q = &queue{name: name, durable: durable, args: args}
		b.queues[name] = q
	}

	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// QueueBind binds a queue; duplicate bindings are ignored
func (ch *Chan) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	q, ok := b.queues[name]
	if !ok {
		return ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName))
	}

	for _, bnd := range q.bindings {
		if bnd.exchange == exchangeName && bnd.key == key {
			return nil
		}
	}
	q.bindings = append(q.bindings, binding{exchange: exchangeName, key: key})
	return nil
}

// Qos sets the prefetch count for consumers created afterwards on this channel
func (ch *Chan) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume registers a consumer on queue
func (ch *Chan) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
	}

	buffer := ch.prefetch
	if buffer <= 0 || autoAck {
		buffer = deliveryBuffer
	}

	c := &consumer{
		ch:         ch,
		tag:        consumerTag,
		queue:      q,
		autoAck:    autoAck,
		prefetch:   ch.prefetch,
		deliveries: make(chan amqp.Delivery, buffer),
	}
	if autoAck {
		c.prefetch = 0
	}
	ch.consumers = append(ch.consumers, c)
	q.consumers = append(q.consumers, c)

	b.dispatchLocked(q)
	return c.deliveries, nil
}

// Cancel stops a consumer; its unacknowledged deliveries stay pending
func (ch *Chan) Cancel(consumerTag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	for i, c := range ch.consumers {
		if c.tag != consumerTag {
			continue
		}
		ch.consumers = append(ch.consumers[:i], ch.consumers[i+1:]...)
		c.queue.consumers = removeConsumer(c.queue.consumers, c)
		close(c.deliveries)
		return nil
	}
	return nil
}

// PublishWithContext routes a message
func (ch *Chan) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	b.stats.Published++
	if err := b.routeLocked(exchangeName, key, msg); err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) {
			return ch.failLocked(amqpErr.Code, amqpErr.Reason)
		}
		return err
	}
	return nil
}

// NotifyClose registers a receiver for channel closure
func (ch *Chan) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// IsClosed reports whether the channel is closed
func (ch *Chan) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// Close closes the channel gracefully
func (ch *Chan) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	b.closeChanLocked(ch, nil)
	return nil
}

// Ack acknowledges a delivery
func (ch *Chan) Ack(tag uint64, multiple bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := ch.takeLocked(tag)
	if err != nil {
		return err
	}
	p.consumer.unacked--
	b.stats.Acks++
	b.dispatchLocked(p.consumer.queue)
	return nil
}

// Nack negatively acknowledges a delivery, requeueing or dead-lettering it
func (ch *Chan) Nack(tag uint64, multiple bool, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := ch.takeLocked(tag)
	if err != nil {
		return err
	}
	p.consumer.unacked--
	b.stats.Nacks++

	q := p.consumer.queue
	if requeue {
		b.requeueLocked(q, p.msg)
	} else {
		b.deadLetterLocked(q, p.msg)
	}
	b.dispatchLocked(q)
	return nil
}

// Reject is Nack for a single delivery
func (ch *Chan) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// takeLocked removes a pending delivery. Acknowledging an unknown tag is a
// channel error on a real broker, and so it is here.
func (ch *Chan) takeLocked(tag uint64) (*pending, error) {
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	p, ok := ch.unacked[tag]
	if !ok {
		return nil, ch.failLocked(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
	}
	delete(ch.unacked, tag)
	return p, nil
}
