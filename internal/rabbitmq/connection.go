package rabbitmq

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-edge/internal/reliability"
	"github.com/glimte/mmate-edge/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultHeartbeat      = 10 * time.Second
)

// Channel is the subset of *amqp.Channel used by the transport
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection is the subset of *amqp.Connection the manager depends on
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection
type Dialer func(url string, config amqp.Config) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Dial is the default Dialer backed by amqp091-go
func Dial(url string, config amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, config)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	name           string
	tlsConfig      *tls.Config
	connectTimeout time.Duration
	backoff        *reliability.ExponentialBackoff
	dial           Dialer
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        Connection
	isConnected bool
	closed      bool
	listeners   []messaging.ConnectionListener

	ctx    context.Context
	cancel context.CancelFunc
	events chan func(messaging.ConnectionListener)
	wg     sync.WaitGroup
	once   sync.Once
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithBackoff sets the reconnection policy
func WithBackoff(backoff *reliability.ExponentialBackoff) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = backoff
	}
}

// WithConnectTimeout bounds each dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithTLS sets the TLS configuration used for amqps URLs
func WithTLS(cfg *tls.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.tlsConfig = cfg
	}
}

// WithConnectionName reports name to the broker as the client connection name
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// WithDialer replaces the dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		url:            url,
		connectTimeout: defaultConnectTimeout,
		backoff:        reliability.ReconnectBackoff(),
		dial:           Dial,
		logger:         slog.Default(),
		ctx:            ctx,
		cancel:         cancel,
		events:         make(chan func(messaging.ConnectionListener), 16),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.RLock()
	connected, closed := cm.isConnected, cm.closed
	cm.mu.RUnlock()
	if closed {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: ErrConnectionClosed, Timestamp: time.Now()}
	}
	if connected {
		return nil
	}

	cm.once.Do(func() {
		cm.wg.Add(1)
		go cm.notify()
	})

	conn, err := cm.dialWithTimeout(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.attach(conn)
	return nil
}

// Channel opens a channel on the current connection
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn.Channel()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	cm.isConnected = false
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	cm.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	cm.wg.Wait()
	cm.logger.Info("connection manager shut down", "url", SanitizeURL(cm.url))
	return err
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener messaging.ConnectionListener) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

func (cm *ConnectionManager) config() amqp.Config {
	props := amqp.Table{}
	if cm.name != "" {
		props["connection_name"] = cm.name
	}
	return amqp.Config{
		Heartbeat:       defaultHeartbeat,
		TLSClientConfig: cm.tlsConfig,
		Properties:      props,
		Dial:            amqp.DefaultDial(cm.connectTimeout),
	}
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url, cm.config())
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-connCtx.Done():
		go func() {
			// close a connection that completes after we gave up
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// attach installs conn as the live connection and starts watching it
func (cm *ConnectionManager) attach(conn Connection) {
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		_ = conn.Close()
		return
	}
	cm.conn = conn
	cm.isConnected = true
	cm.wg.Add(1)
	cm.mu.Unlock()

	cm.emit(func(l messaging.ConnectionListener) { l.OnConnected() })
	go cm.watch(closeCh)
}

// watch waits for the connection to close and reconnects unless shut down
func (cm *ConnectionManager) watch(closeCh chan *amqp.Error) {
	defer cm.wg.Done()

	var amqpErr *amqp.Error
	select {
	case amqpErr = <-closeCh:
	case <-cm.ctx.Done():
		return
	}

	cm.mu.Lock()
	cm.isConnected = false
	cm.conn = nil
	closed := cm.closed
	cm.mu.Unlock()
	if closed {
		return
	}

	var err error = ErrConnectionClosed
	if amqpErr != nil {
		err = amqpErr
	}
	cm.logger.Error("connection closed", "error", err)
	cm.emit(func(l messaging.ConnectionListener) { l.OnDisconnected(err) })

	cm.reconnect()
}

// reconnect retries until connected or the manager is closed
func (cm *ConnectionManager) reconnect() {
	start := time.Now()
	var conn Connection
	err := reliability.Retry(cm.ctx, cm.backoff, func(attempt int) error {
		cm.emit(func(l messaging.ConnectionListener) { l.OnReconnecting(attempt) })
		cm.logger.Info("attempting to reconnect", "attempt", attempt)

		c, err := cm.dialWithTimeout(cm.ctx)
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt)
			return err
		}
		cm.logger.Info("successfully reconnected to RabbitMQ", "attempts", attempt, "duration", time.Since(start))
		conn = c
		return nil
	})
	if err != nil {
		if cm.ctx.Err() == nil {
			cm.emit(func(l messaging.ConnectionListener) {
				l.OnDisconnected(&ConnectionError{
					Op:        "reconnect",
					URL:       SanitizeURL(cm.url),
					Err:       err,
					Timestamp: time.Now(),
				})
			})
		}
		return
	}
	cm.attach(conn)
}

func (cm *ConnectionManager) emit(event func(messaging.ConnectionListener)) {
	select {
	case cm.events <- event:
	case <-cm.ctx.Done():
	}
}

// notify delivers listener events in order on one goroutine
func (cm *ConnectionManager) notify() {
	defer cm.wg.Done()
	for {
		select {
		case event := <-cm.events:
			cm.mu.RLock()
			listeners := append([]messaging.ConnectionListener(nil), cm.listeners...)
			cm.mu.RUnlock()
			for _, l := range listeners {
				event(l)
			}
		case <-cm.ctx.Done():
			return
		}
	}
}
