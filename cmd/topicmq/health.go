package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glimte/topicmq/health"
	"github.com/glimte/topicmq/internal/rabbitmq"
	"github.com/glimte/topicmq/rpc"
	"github.com/glimte/topicmq/topic"
)

// healthQueues lists the durable queues every topicmq role declares
func healthQueues(domain string) []rabbitmq.QueueDeclaration {
	names := []string{
		topic.ErrorQueue,
		topic.InfoQueue,
		topic.WarningQueue,
		rpc.RequestQueue(domain),
		rpc.ResponseQueue(domain),
	}
	queues := make([]rabbitmq.QueueDeclaration, 0, len(names))
	for _, name := range names {
		queues = append(queues, rabbitmq.QueueDeclaration{Name: name, Durable: true})
	}
	return queues
}

func newHealthCommand(a *app) *cobra.Command {
	var backlog int

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the broker and the durable queues, then print a JSON report",
		Long: `Connects once, declares the log and RPC queues if they are missing and
reports their backlog. Exits non-zero unless every check is healthy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.ShutdownTimeout)
			defer cancel()

			manager := rabbitmq.NewConnectionManager(a.cfg.BrokerURL,
				append(a.managerOptions(), rabbitmq.WithMaxRetries(1))...)
			defer a.closeWithin("health", manager.Close)

			registry := health.NewRegistry()
			registry.Register(health.NewBrokerChecker(manager))
			for _, q := range healthQueues(a.cfg.Domain) {
				registry.Register(health.NewQueueChecker(manager, q, backlog))
			}

			if err := manager.Connect(ctx); err != nil {
				a.logger.Warn("broker unreachable", "broker", rabbitmq.SanitizeURL(a.cfg.BrokerURL), "error", err)
			}

			report := registry.Check(ctx)
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if report.Status != health.StatusHealthy {
				return fmt.Errorf("broker is %s", report.Status)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&backlog, "backlog", 10000, "ready messages above which a queue is reported degraded (0 disables)")
	return cmd
}
