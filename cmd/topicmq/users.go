package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/cobra"

	"github.com/glimte/topicmq/internal/rabbitmq"
	"github.com/glimte/topicmq/rpc"
	"github.com/glimte/topicmq/users"
)

func newUsersCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the user store and serve it over RPC",
	}

	cmd.AddCommand(
		newUsersServeCommand(a),
		newUsersCallCommand(a),
		newUsersAddCommand(a),
		newUsersGetCommand(a),
		newUsersListCommand(a),
	)
	return cmd
}

// lookupUser adapts the store to the RPC service
func lookupUser(store *users.Store) rpc.LookupFunc {
	return func(ctx context.Context, id string) (any, error) {
		u, err := store.Get(ctx, id)
		if errors.Is(err, users.ErrNotFound) {
			return nil, fmt.Errorf("user %s: %w", id, rpc.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		return u, nil
	}
}

func (a *app) rpcOptions() []rpc.Option {
	return []rpc.Option{
		rpc.WithDomain(a.cfg.Domain),
		rpc.WithTimeout(a.cfg.RPCTimeout),
		rpc.WithLogger(a.logger),
	}
}

// rpcStack builds a consumer and a reply publisher on separate connections
func (a *app) rpcStack() (*rabbitmq.Consumer, *rabbitmq.Publisher) {
	consumer := rabbitmq.NewConsumer(a.newManager(), rabbitmq.WithConsumerLogger(a.logger))
	publisher := rabbitmq.NewPublisher(a.newManager(),
		rabbitmq.WithMessageTTL(0),
		rabbitmq.WithPublisherLogger(a.logger))
	return consumer, publisher
}

// startWithRetry keeps calling start with the reconnect delay until it
// succeeds or ctx is done
func (a *app) startWithRetry(ctx context.Context, what string, start func(context.Context) error) error {
	return retry.Do(
		func() error { return start(ctx) },
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(a.cfg.ReconnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(rabbitmq.IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			a.logger.Error("failed to start, retrying",
				"component", what,
				"attempt", n+1,
				"error", err,
				"nextRetryIn", a.cfg.ReconnectDelay)
		}),
	)
}

func newUsersServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Answer user-details requests until interrupted",
		Long: `Answers user-details requests until interrupted.

The user store is locked while serving, so "users add", "users get" and
"users list" against the same --db-path fail until serve exits. Query a
running service with "users call" instead.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := users.Open(a.cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			consumer, publisher := a.rpcStack()
			service := rpc.NewService(consumer, publisher, lookupUser(store), a.rpcOptions()...)

			if err := a.startWithRetry(ctx, "rpc service", service.Start); err != nil {
				a.closeWithin("rpc service", func() error { return service.Shutdown(context.Background()) })
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

			a.logger.Info("serving users", "db", store.Path(), "domain", a.cfg.Domain)
			<-ctx.Done()

			shutdownCtx, cancel := a.shutdownContext()
			defer cancel()
			return service.Shutdown(shutdownCtx)
		},
	}
}

func newUsersCallCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "call <id>",
		Short: "Request a user over RPC and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			consumer, publisher := a.rpcStack()
			client := rpc.NewClient(consumer, publisher, a.rpcOptions()...)
			defer a.closeWithin("rpc client", client.Close)

			if err := client.Start(ctx); err != nil {
				return err
			}

			body, err := client.Call(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return nil
		},
	}
}

func newUsersAddCommand(a *app) *cobra.Command {
	var u users.User

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a user in the local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := users.Open(a.cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			saved, err := store.Put(cmd.Context(), u)
			if err != nil {
				return err
			}
			return printJSON(cmd, saved)
		},
	}

	cmd.Flags().StringVar(&u.ID, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&u.Name, "name", "", "user name")
	cmd.Flags().StringVar(&u.Email, "email", "", "user email")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newUsersGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print a user from the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := users.Open(a.cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			u, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, u)
		},
	}
}

func newUsersListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every user in the local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := users.Open(a.cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			all, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, all)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
