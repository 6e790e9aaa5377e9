package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange kinds
const (
	ExchangeDirect  = "direct"
	ExchangeFanout  = "fanout"
	ExchangeTopic   = "topic"
	ExchangeHeaders = "headers"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// WithDeadLetter returns a copy of q that dead-letters rejected messages to exchange
func (q QueueDeclaration) WithDeadLetter(exchange string) QueueDeclaration {
	args := amqp.Table{}
	for k, v := range q.Arguments {
		args[k] = v
	}
	args["x-dead-letter-exchange"] = exchange
	q.Arguments = args
	return q
}

// Binding defines a queue-to-exchange binding. RoutingKey may be a topic
// pattern using "*" and "#".
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents everything a producer or consumer needs declared
// before traffic flows
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// QueueNames returns the declared queue names in order
func (t Topology) QueueNames() []string {
	names := make([]string, 0, len(t.Queues))
	for _, q := range t.Queues {
		names = append(names, q.Name)
	}
	return names
}

// Validate checks the topology without touching the broker
func (t Topology) Validate() error {
	exchanges := make(map[string]bool, len(t.Exchanges))
	for _, ex := range t.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("%w: exchange name is empty", ErrInvalidTopology)
		}
		switch ex.Type {
		case ExchangeDirect, ExchangeFanout, ExchangeTopic, ExchangeHeaders:
		default:
			return fmt.Errorf("%w: exchange %s has unknown type %q", ErrInvalidTopology, ex.Name, ex.Type)
		}
		exchanges[ex.Name] = true
	}

	queues := make(map[string]bool, len(t.Queues))
	for _, q := range t.Queues {
		if q.Name == "" {
			return fmt.Errorf("%w: queue name is empty", ErrInvalidTopology)
		}
		queues[q.Name] = true
	}

	for _, b := range t.Bindings {
		if !queues[b.Queue] {
			return fmt.Errorf("%w: binding references undeclared queue %q", ErrInvalidTopology, b.Queue)
		}
		if !exchanges[b.Exchange] {
			return fmt.Errorf("%w: binding references undeclared exchange %q", ErrInvalidTopology, b.Exchange)
		}
		if err := ValidatePattern(b.RoutingKey); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTopology, err)
		}
	}

	return nil
}

// Declarator declares topology on a channel. Every declaration is idempotent:
// repeating one with identical parameters is a no-op on the broker.
type Declarator struct{}

// Declare declares exchanges, then queues, then bindings
func (d Declarator) Declare(ch Channel, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := d.DeclareExchange(ch, exchange); err != nil {
			return err
		}
	}

	for _, queue := range topology.Queues {
		if _, err := d.DeclareQueue(ch, queue); err != nil {
			return err
		}
	}

	for _, binding := range topology.Bindings {
		if err := d.Bind(ch, binding); err != nil {
			return err
		}
	}

	return nil
}

// DeclareExchange declares a single exchange
func (Declarator) DeclareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// DeclareQueue declares a single queue
func (Declarator) DeclareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q, nil
}

// Bind binds a queue to an exchange
func (Declarator) Bind(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      binding.Queue + "->" + binding.Exchange + "[" + binding.RoutingKey + "]",
			Op:        "bind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// Setup returns a SetupFunc that validates and declares topology on every new channel
func (t Topology) Setup() SetupFunc {
	return func(ctx context.Context, ch Channel) error {
		if err := t.Validate(); err != nil {
			return err
		}
		return Declarator{}.Declare(ch, t)
	}
}

// TopicTopology builds a durable topic exchange with one durable queue per binding
func TopicTopology(exchange string, bindings ...Binding) Topology {
	topology := Topology{
		Exchanges: []ExchangeDeclaration{{
			Name:    exchange,
			Type:    ExchangeTopic,
			Durable: true,
		}},
	}

	seen := make(map[string]bool)
	for _, b := range bindings {
		b.Exchange = exchange
		if !seen[b.Queue] {
			topology.Queues = append(topology.Queues, QueueDeclaration{Name: b.Queue, Durable: true})
			seen[b.Queue] = true
		}
		topology.Bindings = append(topology.Bindings, b)
	}

	return topology
}
