package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// SetupFunc prepares a freshly opened channel: declares topology, sets QoS,
// registers consumers. Setups run in registration order on every (re)connect.
type SetupFunc func(ctx context.Context, ch Channel) error

// ConnectionManager owns one broker Connection and one Channel on it, and
// replaces both together whenever either of them closes.
type ConnectionManager struct {
	url            string
	dial           Dialer
	reconnectDelay time.Duration
	connectTimeout time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        Connection
	ch          Channel
	isConnected bool
	closed      bool

	// reconnecting is set while the watch goroutine owns re-establishment
	reconnecting bool

	// setupMu serializes session establishment with setup registration
	setupMu sync.Mutex
	setups  []SetupFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the fixed delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithConnectTimeout bounds a single dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts.
// Zero or negative retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager. It does not connect.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           DialAMQP,
		reconnectDelay: 5 * time.Second,
		connectTimeout: 30 * time.Second,
		maxRetries:     -1, // infinite retries by default
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.ctx, cm.cancel = context.WithCancel(context.Background())
	return cm
}

// Connect establishes the initial connection and channel and runs every
// registered setup on it. A failing setup tears the session down and its
// error is returned unchanged. Connect is a no-op while a session is live or
// a reconnect loop is already re-establishing one.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.RLock()
	closed, connected, reconnecting := cm.closed, cm.isConnected, cm.reconnecting
	cm.mu.RUnlock()

	if closed {
		return ErrManagerClosed
	}
	if connected || reconnecting {
		return nil
	}

	return cm.establish(ctx, 1)
}

// AddSetup registers a setup that runs on every new channel. When a channel
// is already live the setup runs on it immediately; if that fails the setup
// is dropped and the error returned.
func (cm *ConnectionManager) AddSetup(ctx context.Context, setup SetupFunc) error {
	cm.setupMu.Lock()
	defer cm.setupMu.Unlock()

	cm.mu.RLock()
	ch := cm.ch
	cm.mu.RUnlock()

	if ch != nil {
		if err := setup(ctx, ch); err != nil {
			return err
		}
	}

	cm.setups = append(cm.setups, setup)
	return nil
}

// Channel returns the live channel
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.ch == nil {
		return nil, ErrChannelUnavailable
	}
	if cm.conn.IsClosed() || cm.ch.IsClosed() {
		return nil, ErrChannelUnavailable
	}

	return cm.ch, nil
}

// OpenChannel opens an extra channel on the live connection. The caller owns
// it and must close it; its closure does not affect the managed channel.
func (cm *ConnectionManager) OpenChannel() (Channel, error) {
	cm.mu.RLock()
	conn, connected := cm.conn, cm.isConnected
	cm.mu.RUnlock()

	if !connected || conn == nil || conn.IsClosed() {
		return nil, ErrChannelUnavailable
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Join(ErrChannelUnavailable, err)
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close stops reconnecting and closes the channel, then the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	conn, ch := cm.conn, cm.ch
	cm.conn, cm.ch, cm.isConnected = nil, nil, false
	cm.mu.Unlock()

	cm.cancel()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}

	cm.wg.Wait()
	cm.logger.Info("connection manager closed", "url", SanitizeURL(cm.url))

	return errors.Join(errs...)
}

// establish dials, opens a channel and runs the setups. It does nothing when
// another caller established a session while this one waited for setupMu.
func (cm *ConnectionManager) establish(ctx context.Context, attempt int) error {
	cm.setupMu.Lock()
	defer cm.setupMu.Unlock()

	cm.mu.RLock()
	closed, connected := cm.closed, cm.isConnected
	cm.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}
	if connected {
		return nil
	}

	conn, err := cm.dialWithTimeout(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempt,
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return &ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempt,
		}
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for _, setup := range cm.setups {
		if err := setup(ctx, ch); err != nil {
			ch.Close()
			conn.Close()
			return err
		}
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		ch.Close()
		conn.Close()
		return ErrManagerClosed
	}
	cm.conn, cm.ch, cm.isConnected = conn, ch, true
	cm.mu.Unlock()

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"setups", len(cm.setups))

	cm.notifyConnected()

	cm.wg.Add(1)
	go cm.watch(conn, ch, connClosed, chClosed)

	return nil
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	results := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		results <- result{conn, err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-ctx.Done():
		// late connections are closed once they arrive
		go func() {
			if r := <-results; r.conn != nil {
				r.conn.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrConnectionTimeout
		}
		return nil, ctx.Err()
	}
}

// watch waits for the session to close and then reconnects
func (cm *ConnectionManager) watch(conn Connection, ch Channel, connClosed, chClosed chan *amqp.Error) {
	defer cm.wg.Done()

	var reason *amqp.Error
	select {
	case reason = <-connClosed:
	case reason = <-chClosed:
	case <-cm.ctx.Done():
		return
	}

	cm.mu.Lock()
	current := cm.conn == conn
	if current && !cm.closed {
		cm.conn, cm.ch, cm.isConnected = nil, nil, false
		cm.reconnecting = true
	}
	closed := cm.closed
	cm.mu.Unlock()

	// a closed channel on a live connection still replaces both, and a
	// session that is no longer current must not outlive the manager
	if !ch.IsClosed() {
		ch.Close()
	}
	if !conn.IsClosed() {
		conn.Close()
	}
	if closed || !current {
		return
	}

	var err error = ErrConnectionClosed
	if reason != nil {
		err = reason
	}
	cm.logger.Error("connection closed", "error", err)
	cm.notifyDisconnected(err)

	cm.reconnect()
}

// reconnect retries establish with a fixed delay until it succeeds, the
// retry budget runs out, or the manager is closed
func (cm *ConnectionManager) reconnect() {
	startTime := time.Now()
	defer func() {
		cm.mu.Lock()
		cm.reconnecting = false
		cm.mu.Unlock()
	}()

	select {
	case <-time.After(cm.reconnectDelay):
	case <-cm.ctx.Done():
		return
	}

	attempts := uint(0)
	if cm.maxRetries > 0 {
		attempts = uint(cm.maxRetries)
	}

	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			cm.logger.Info("attempting to reconnect",
				"attempt", attempt,
				"maxRetries", cm.maxRetries)
			cm.notifyReconnecting(attempt)
			return cm.establish(cm.ctx, attempt)
		},
		retry.Context(cm.ctx),
		retry.Attempts(attempts),
		retry.Delay(cm.reconnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			cm.logger.Error("reconnection failed",
				"error", err,
				"attempt", n+1,
				"nextRetryIn", cm.reconnectDelay)
		}),
	)

	if err == nil {
		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt,
			"duration", time.Since(startTime))
		return
	}

	if cm.ctx.Err() != nil || errors.Is(err, ErrManagerClosed) {
		return
	}

	cm.logger.Error("max reconnection attempts reached",
		"attempts", attempt,
		"duration", time.Since(startTime),
		"error", err)

	cm.notifyDisconnected(&ConnectionError{
		Op:        "reconnect",
		URL:       SanitizeURL(cm.url),
		Err:       errors.Join(ErrMaxRetriesExceeded, err),
		Timestamp: time.Now(),
		Attempts:  attempt,
	})
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
