// Package config loads topicmq settings from flags and TOPICMQ_* environment
// variables and builds the process logger.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. TOPICMQ_BROKER_URL
const EnvPrefix = "TOPICMQ"

// Keys shared by flags, environment variables and viper
const (
	KeyBrokerURL       = "broker-url"
	KeyExchange        = "exchange"
	KeyReconnectDelay  = "reconnect-delay"
	KeyMessageTTL      = "message-ttl"
	KeyDBPath          = "db-path"
	KeyDomain          = "domain"
	KeyRPCTimeout      = "rpc-timeout"
	KeyShutdownTimeout = "shutdown-timeout"
	KeyLogLevel        = "log-level"
	KeyLogFormat       = "log-format"
)

// Config holds every setting the CLI needs
type Config struct {
	BrokerURL       string
	Exchange        string
	ReconnectDelay  time.Duration
	MessageTTL      time.Duration
	DBPath          string
	Domain          string
	RPCTimeout      time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string
}

// Default returns the built-in settings
func Default() Config {
	return Config{
		BrokerURL:       "amqp://localhost",
		Exchange:        "logs_exchange",
		ReconnectDelay:  5 * time.Second,
		MessageTTL:      15 * time.Minute,
		DBPath:          "topicmq.db",
		Domain:          "USER_DETAILS",
		RPCTimeout:      10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// NewViper returns a viper instance that reads TOPICMQ_* variables, with
// dashes in keys mapped to underscores
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags registers the settings as persistent flags on cmd and binds them
// to v. Flags set on the command line win over environment variables.
func BindFlags(v *viper.Viper, cmd *cobra.Command) error {
	d := Default()
	flags := cmd.PersistentFlags()

	flags.String(KeyBrokerURL, d.BrokerURL, "AMQP broker URL")
	flags.String(KeyExchange, d.Exchange, "topic exchange for log messages")
	flags.Duration(KeyReconnectDelay, d.ReconnectDelay, "delay between reconnection attempts")
	flags.Duration(KeyMessageTTL, d.MessageTTL, "expiration of published log messages (0 disables)")
	flags.String(KeyDBPath, d.DBPath, "path of the user database")
	flags.String(KeyDomain, d.Domain, "RPC queue prefix, queues are <domain>_REQUEST and <domain>_RESPONSE")
	flags.Duration(KeyRPCTimeout, d.RPCTimeout, "how long an RPC call waits for its reply")
	flags.Duration(KeyShutdownTimeout, d.ShutdownTimeout, "upper bound on graceful shutdown")
	flags.String(KeyLogLevel, d.LogLevel, "log level: debug, info, warn or error")
	flags.String(KeyLogFormat, d.LogFormat, "log format: text or json")

	for _, key := range []string{
		KeyBrokerURL, KeyExchange, KeyReconnectDelay, KeyMessageTTL, KeyDBPath,
		KeyDomain, KeyRPCTimeout, KeyShutdownTimeout, KeyLogLevel, KeyLogFormat,
	} {
		if err := v.BindPFlag(key, flags.Lookup(key)); err != nil {
			return fmt.Errorf("config: bind %s: %w", key, err)
		}
	}
	return nil
}

// Load reads and validates the settings from v. Keys v knows nothing about
// keep their defaults.
func Load(v *viper.Viper) (Config, error) {
	c := Default()

	if v.IsSet(KeyBrokerURL) {
		c.BrokerURL = v.GetString(KeyBrokerURL)
	}
	if v.IsSet(KeyExchange) {
		c.Exchange = v.GetString(KeyExchange)
	}
	if v.IsSet(KeyReconnectDelay) {
		c.ReconnectDelay = v.GetDuration(KeyReconnectDelay)
	}
	if v.IsSet(KeyMessageTTL) {
		c.MessageTTL = v.GetDuration(KeyMessageTTL)
	}
	if v.IsSet(KeyDBPath) {
		c.DBPath = v.GetString(KeyDBPath)
	}
	if v.IsSet(KeyDomain) {
		c.Domain = v.GetString(KeyDomain)
	}
	if v.IsSet(KeyRPCTimeout) {
		c.RPCTimeout = v.GetDuration(KeyRPCTimeout)
	}
	if v.IsSet(KeyShutdownTimeout) {
		c.ShutdownTimeout = v.GetDuration(KeyShutdownTimeout)
	}
	if v.IsSet(KeyLogLevel) {
		c.LogLevel = v.GetString(KeyLogLevel)
	}
	if v.IsSet(KeyLogFormat) {
		c.LogFormat = v.GetString(KeyLogFormat)
	}

	return c, c.Validate()
}

// Validate checks the settings
func (c Config) Validate() error {
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return fmt.Errorf("config: %s: %w", KeyBrokerURL, err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return fmt.Errorf("config: %s: scheme must be amqp or amqps, got %q", KeyBrokerURL, u.Scheme)
	}

	switch {
	case c.Exchange == "":
		return fmt.Errorf("config: %s is required", KeyExchange)
	case c.Domain == "":
		return fmt.Errorf("config: %s is required", KeyDomain)
	case c.DBPath == "":
		return fmt.Errorf("config: %s is required", KeyDBPath)
	case c.ReconnectDelay <= 0:
		return fmt.Errorf("config: %s must be positive", KeyReconnectDelay)
	case c.MessageTTL < 0:
		return fmt.Errorf("config: %s cannot be negative", KeyMessageTTL)
	case c.RPCTimeout <= 0:
		return fmt.Errorf("config: %s must be positive", KeyRPCTimeout)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("config: %s must be positive", KeyShutdownTimeout)
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("config: %s must be text or json, got %q", KeyLogFormat, c.LogFormat)
	}
	return nil
}

// Logger builds the slog logger described by LogLevel and LogFormat
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: %s: %w", KeyLogLevel, err)
	}
	return level, nil
}
