package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/glimte/topicmq/internal/config"
	"github.com/glimte/topicmq/internal/rabbitmq"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// app carries what every subcommand needs once flags are parsed
type app struct {
	v      *viper.Viper
	cfg    config.Config
	logger *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{v: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:   "topicmq",
		Short: "Durable topic messaging and correlation RPC over RabbitMQ",
		Long: `topicmq publishes and consumes log messages through a durable topic exchange
and serves user details over a request/response queue pair.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v)
			if err != nil {
				return err
			}
			logger, err := cfg.Logger(os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			a.cfg, a.logger = cfg, logger
			a.logger.Debug("configuration loaded",
				"brokerUrl", rabbitmq.SanitizeURL(cfg.BrokerURL),
				"exchange", cfg.Exchange,
				"domain", cfg.Domain)
			return nil
		},
	}

	if err := config.BindFlags(a.v, rootCmd); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		newPublishCommand(a),
		newDemoCommand(a),
		newConsumeCommand(a),
		newUsersCommand(a),
		newHealthCommand(a),
	)
	return rootCmd
}

// shutdownContext bounds cleanup work after the command context is done
func (a *app) shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
}

// closeWithin runs closeFn but stops waiting after the shutdown timeout
func (a *app) closeWithin(what string, closeFn func() error) error {
	ctx, cancel := a.shutdownContext()
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- closeFn() }()

	select {
	case err := <-done:
		if err != nil {
			a.logger.Error("error during shutdown", "component", what, "error", err)
		}
		return err
	case <-ctx.Done():
		a.logger.Error("shutdown timed out", "component", what, "timeout", a.cfg.ShutdownTimeout)
		return fmt.Errorf("%s: shutdown exceeded %s", what, a.cfg.ShutdownTimeout)
	}
}

func (a *app) managerOptions() []rabbitmq.ConnectionOption {
	return []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(a.logger),
		rabbitmq.WithReconnectDelay(a.cfg.ReconnectDelay),
	}
}

func (a *app) newManager() *rabbitmq.ConnectionManager {
	return rabbitmq.NewConnectionManager(a.cfg.BrokerURL, a.managerOptions()...)
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
