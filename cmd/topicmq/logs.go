package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/topicmq/topic"
)

func (a *app) topicOptions() []topic.Option {
	return []topic.Option{
		topic.WithExchange(a.cfg.Exchange),
		topic.WithMessageTTL(a.cfg.MessageTTL),
		topic.WithReconnectDelay(a.cfg.ReconnectDelay),
		topic.WithLogger(a.logger),
	}
}

// routingKeyFor accepts a bare level ("error") or a full routing key ("logs.error")
func routingKeyFor(arg string) string {
	if strings.Contains(arg, ".") {
		return arg
	}
	return topic.RoutingKey(arg)
}

func newPublishCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <level|routing-key> <message...>",
		Short: "Publish one message to the log exchange",
		Example: `  topicmq publish error "System error occurred"
  topicmq publish logs.warning "Warning: High memory usage"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			producer := topic.NewProducer(a.cfg.BrokerURL, a.topicOptions()...)
			defer a.closeWithin("producer", producer.Close)

			if err := producer.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect producer: %w", err)
			}

			routingKey := routingKeyFor(args[0])
			if err := producer.PublishMessage(ctx, routingKey, strings.Join(args[1:], " ")); err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Published %s message\n", routingKey)
			return nil
		},
	}
}

var demoMessages = []struct {
	routingKey string
	body       string
}{
	{topic.RoutingKeyInfo, "Normal operation message"},
	{topic.RoutingKeyError, "System error occurred"},
	{topic.RoutingKeyWarning, "Warning: High memory usage"},
}

func newDemoCommand(a *app) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Publish an info, an error and a warning message and consume them back",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()

			consumer := topic.NewConsumer(a.cfg.BrokerURL, a.topicOptions()...)
			defer a.closeWithin("consumer", consumer.Close)
			producer := topic.NewProducer(a.cfg.BrokerURL, a.topicOptions()...)
			defer a.closeWithin("producer", producer.Close)

			// queues must exist before publishing or the exchange drops the messages
			if err := consumer.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect consumer: %w", err)
			}

			var received atomic.Int32
			allReceived := make(chan struct{})

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				err := consumer.Consume(ctx, func(ctx context.Context, msg, routingKey string) error {
					fmt.Fprintf(cmd.OutOrStdout(), "Received message with routing key %s: %s\n", routingKey, msg)
					if received.Add(1) == int32(len(demoMessages)) {
						close(allReceived)
					}
					return nil
				})
				if err != nil {
					return err
				}

				select {
				case <-allReceived:
					return nil
				case <-ctx.Done():
					return fmt.Errorf("received %d of %d messages: %w", received.Load(), len(demoMessages), ctx.Err())
				}
			})
			g.Go(func() error {
				if err := producer.Connect(ctx); err != nil {
					return fmt.Errorf("failed to connect producer: %w", err)
				}
				for _, m := range demoMessages {
					if err := producer.PublishMessage(ctx, m.routingKey, m.body); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Published %s message\n", m.routingKey)
				}
				return nil
			})

			return g.Wait()
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for the messages to come back")
	return cmd
}

func newConsumeCommand(a *app) *cobra.Command {
	var (
		levels       []string
		processDelay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume log messages until interrupted",
		Long: `Declares one durable queue per log level, bound to the log exchange, and
prints every message. Messages whose processing fails are requeued.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			bindings, err := bindingsFor(levels)
			if err != nil {
				return err
			}

			opts := append(a.topicOptions(), topic.WithBindings(bindings...))
			consumer := topic.NewConsumer(a.cfg.BrokerURL, opts...)

			if err := consumer.Connect(ctx); err != nil {
				a.closeWithin("consumer", consumer.Close)
				return fmt.Errorf("failed to connect consumer: %w", err)
			}

			err = consumer.Consume(ctx, func(ctx context.Context, msg, routingKey string) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Received message with routing key %s: %s\n", routingKey, msg)
				if err := sleep(ctx, processDelay); err != nil {
					return err
				}
				a.logger.Info("processed message", "routingKey", routingKey)
				return nil
			})
			if err != nil {
				a.closeWithin("consumer", consumer.Close)
				return fmt.Errorf("failed to consume: %w", err)
			}

			a.logger.Info("consuming, press Ctrl+C to stop")
			<-ctx.Done()

			return a.closeWithin("consumer", consumer.Close)
		},
	}

	cmd.Flags().StringSliceVar(&levels, "levels", []string{"error", "info", "warning"}, "log levels to consume, one queue each")
	cmd.Flags().DurationVar(&processDelay, "process-delay", time.Second, "simulated processing time per message")
	return cmd
}

// bindingsFor maps levels to "<level>_queue" bound to "logs.<level>"
func bindingsFor(levels []string) ([]topic.Binding, error) {
	if len(levels) == 0 {
		return nil, errors.New("at least one level is required")
	}
	bindings := make([]topic.Binding, 0, len(levels))
	for _, level := range levels {
		if level == "" || strings.ContainsAny(level, ".*#") {
			return nil, fmt.Errorf("invalid level %q", level)
		}
		bindings = append(bindings, topic.Binding{RoutingKey: topic.RoutingKey(level), Queue: level + "_queue"})
	}
	return bindings, nil
}
