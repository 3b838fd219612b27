// Package mqtt implements messaging.Transport over MQTT 3.1.1 using the Eclipse
// Paho client.
//
// Paho's automatic reconnect is disabled. When the connection drops the transport
// runs its own loop with jittered exponential backoff and reports every attempt to
// its listeners. Inbound messages are dispatched serially on a dedicated goroutine
// and acknowledged only after the handler returns.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/glimte/mmate-edge/internal/reliability"
	"github.com/glimte/mmate-edge/messaging"
)

const (
	defaultKeepAlive      = 60 * time.Second
	defaultConnectTimeout = 30 * time.Second
	disconnectQuiesceMS   = 250
	inboundBuffer         = 64
	maxHeld               = 256
)

// Will is the message the broker publishes if the connection is lost uncleanly
type Will struct {
	Topic   string
	Payload []byte
	QoS     messaging.QoS
	Retain  bool
}

// Config describes a broker connection
type Config struct {
	Broker         string // tcp://host:port or ssl://host:port
	ClientID       string
	Username       string
	Password       string
	TLS            *tls.Config
	KeepAlive      time.Duration
	CleanSession   bool
	Will           *Will
	ConnectTimeout time.Duration
	Reconnect      *reliability.ExponentialBackoff
}

// BrokerURL builds a broker URL for host and port
func BrokerURL(host string, port int, useTLS bool) string {
	scheme := "tcp"
	if useTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(port)))
}

type inbound struct {
	message paho.Message
	handler messaging.DeliveryHandler
}

// Transport is a messaging.Transport backed by a Paho client
type Transport struct {
	cfg       Config
	client    paho.Client
	logger    *slog.Logger
	newClient func(*paho.ClientOptions) paho.Client

	mu           sync.RWMutex
	handlers     map[string]messaging.DeliveryHandler
	held         []paho.Message
	listeners    []messaging.ConnectionListener
	reconnecting bool
	closed       bool
	ctx          context.Context
	cancel       context.CancelFunc
	inbox        chan inbound
	events       chan func(messaging.ConnectionListener)
	wg           sync.WaitGroup
	startOnce    sync.Once
}

// Option configures a Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates a transport for cfg. The connection is not opened until Connect.
func New(cfg Config, opts ...Option) (*Transport, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("%w: broker URL is required", ErrInvalidConfiguration)
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("%w: client id is required", ErrInvalidConfiguration)
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = reliability.ReconnectBackoff()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:       cfg,
		logger:    slog.Default(),
		newClient: paho.NewClient,
		handlers:  make(map[string]messaging.DeliveryHandler),
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan inbound, inboundBuffer),
		events:    make(chan func(messaging.ConnectionListener), 16),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(t.cfg.ClientID).
		SetKeepAlive(t.cfg.KeepAlive).
		SetCleanSession(t.cfg.CleanSession).
		SetConnectTimeout(t.cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetAutoAckDisabled(true).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(t.onConnectionLost).
		SetDefaultPublishHandler(t.onUnroutedMessage)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.TLS != nil {
		opts.SetTLSConfig(t.cfg.TLS)
	}
	if w := t.cfg.Will; w != nil {
		opts.SetBinaryWill(w.Topic, w.Payload, byte(w.QoS), w.Retain)
	}
	return opts
}

func (t *Transport) start() {
	t.startOnce.Do(func() {
		t.client = t.newClient(t.clientOptions())
		t.wg.Add(2)
		go t.dispatch()
		go t.notify()
	})
}

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return &ConnectionError{Op: "connect", Broker: SanitizeURL(t.cfg.Broker), Err: ErrNotConnected, Timestamp: time.Now()}
	}

	t.start()
	t.logger.Info("connecting to MQTT broker",
		"broker", SanitizeURL(t.cfg.Broker),
		"client_id", t.cfg.ClientID,
		"clean_session", t.cfg.CleanSession,
		"keepalive", t.cfg.KeepAlive,
		"tls", t.cfg.TLS != nil)

	if err := wait(ctx, t.client.Connect(), t.cfg.ConnectTimeout); err != nil {
		return &ConnectionError{
			Op:        "connect",
			Broker:    SanitizeURL(t.cfg.Broker),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
	return nil
}

// Disconnect implements messaging.Transport
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	if t.client != nil && t.client.IsConnectionOpen() {
		t.client.Disconnect(disconnectQuiesceMS)
	}
	t.logger.Info("disconnected from MQTT broker", "broker", SanitizeURL(t.cfg.Broker))

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, opts messaging.PublishOptions) error {
	if t.client == nil || !t.client.IsConnectionOpen() {
		return &PublishError{Topic: topic, QoS: byte(opts.QoS), Retain: opts.Retain, Err: ErrNotConnected, Timestamp: time.Now()}
	}

	token := t.client.Publish(topic, byte(opts.QoS), opts.Retain, payload)
	if err := wait(ctx, token, t.cfg.ConnectTimeout); err != nil {
		return &PublishError{Topic: topic, QoS: byte(opts.QoS), Retain: opts.Retain, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Subscribe implements messaging.Transport. The handler is remembered so messages
// redelivered from a persistent session before resubscription still reach it.
func (t *Transport) Subscribe(ctx context.Context, topic string, qos messaging.QoS, handler messaging.DeliveryHandler) error {
	if t.client == nil || !t.client.IsConnectionOpen() {
		return &SubscribeError{Topic: topic, QoS: byte(qos), Err: ErrNotConnected, Timestamp: time.Now()}
	}

	t.route(topic, handler)

	token := t.client.Subscribe(topic, byte(qos), func(_ paho.Client, msg paho.Message) {
		t.enqueue(msg, handler)
	})
	if err := wait(ctx, token, t.cfg.ConnectTimeout); err != nil {
		return &SubscribeError{Topic: topic, QoS: byte(qos), Err: err, Timestamp: time.Now()}
	}

	if st, ok := token.(*paho.SubscribeToken); ok {
		if granted, ok := st.Result()[topic]; ok && granted == 0x80 {
			return &SubscribeError{Topic: topic, QoS: byte(qos), Err: ErrSubscriptionRejected, Timestamp: time.Now()}
		}
	}

	t.logger.Info("subscribed", "topic", topic, "qos", qos)
	return nil
}

// IsConnected implements messaging.Transport
func (t *Transport) IsConnected() bool {
	return t.client != nil && t.client.IsConnectionOpen()
}

// AddStateListener implements messaging.Transport
func (t *Transport) AddStateListener(listener messaging.ConnectionListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, listener)
}

func (t *Transport) onConnect(paho.Client) {
	t.logger.Info("connected to MQTT broker", "broker", SanitizeURL(t.cfg.Broker))
	t.emit(func(l messaging.ConnectionListener) { l.OnConnected() })
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.logger.Warn("MQTT connection lost", "broker", SanitizeURL(t.cfg.Broker), "error", err)
	t.emit(func(l messaging.ConnectionListener) { l.OnDisconnected(err) })

	t.mu.Lock()
	if t.closed || t.reconnecting {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	t.wg.Add(1)
	t.mu.Unlock()

	go t.reconnect()
}

// reconnect retries until connected or the transport is closed. The first attempt
// is immediate; later attempts back off exponentially.
func (t *Transport) reconnect() {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		t.reconnecting = false
		t.mu.Unlock()
	}()

	start := time.Now()
	err := reliability.Retry(t.ctx, t.cfg.Reconnect, func(attempt int) error {
		t.emit(func(l messaging.ConnectionListener) { l.OnReconnecting(attempt) })
		t.logger.Info("attempting to reconnect", "attempt", attempt, "broker", SanitizeURL(t.cfg.Broker))

		if err := wait(t.ctx, t.client.Connect(), t.cfg.ConnectTimeout); err != nil {
			t.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
			return err
		}
		t.logger.Info("reconnected to MQTT broker", "attempts", attempt, "duration", time.Since(start))
		return nil
	})
	if err != nil && t.ctx.Err() == nil {
		t.logger.Error("giving up on reconnection", "error", err)
		t.emit(func(l messaging.ConnectionListener) {
			l.OnDisconnected(&ConnectionError{
				Op:        "reconnect",
				Broker:    SanitizeURL(t.cfg.Broker),
				Err:       err,
				Timestamp: time.Now(),
			})
		})
	}
}

// emit queues a listener notification. Notifications are delivered in order on
// a single goroutine.
func (t *Transport) emit(event func(messaging.ConnectionListener)) {
	select {
	case t.events <- event:
	case <-t.ctx.Done():
	}
}

func (t *Transport) notify() {
	defer t.wg.Done()
	for {
		select {
		case event := <-t.events:
			t.mu.RLock()
			listeners := append([]messaging.ConnectionListener(nil), t.listeners...)
			t.mu.RUnlock()
			for _, l := range listeners {
				event(l)
			}
		case <-t.ctx.Done():
			return
		}
	}
}

// onUnroutedMessage receives messages no subscription callback claimed. A
// persistent session replays stored messages right after CONNACK, before the
// SUBSCRIBE for their topic completes, so messages with no handler yet are held
// unacknowledged until Subscribe routes their topic.
func (t *Transport) onUnroutedMessage(_ paho.Client, msg paho.Message) {
	t.mu.Lock()
	handler, ok := t.handlers[msg.Topic()]
	if !ok {
		if len(t.held) >= maxHeld {
			dropped := t.held[0]
			t.held = t.held[1:]
			t.logger.Warn("dropping held session message with no handler", "topic", dropped.Topic())
			dropped.Ack()
		}
		t.held = append(t.held, msg)
		t.mu.Unlock()
		t.logger.Debug("holding message until its topic is subscribed", "topic", msg.Topic())
		return
	}
	t.mu.Unlock()
	t.enqueue(msg, handler)
}

// route registers handler for topic and releases held messages for it in arrival
// order. The lock is kept while releasing so later messages cannot overtake them.
func (t *Transport) route(topic string, handler messaging.DeliveryHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[topic] = handler

	kept := t.held[:0]
	for _, msg := range t.held {
		if msg.Topic() == topic {
			t.enqueue(msg, handler)
			continue
		}
		kept = append(kept, msg)
	}
	t.held = kept
}

func (t *Transport) enqueue(msg paho.Message, handler messaging.DeliveryHandler) {
	select {
	case t.inbox <- inbound{message: msg, handler: handler}:
	case <-t.ctx.Done():
	}
}

func (t *Transport) dispatch() {
	defer t.wg.Done()
	for {
		select {
		case in := <-t.inbox:
			in.handler(t.ctx, messaging.Delivery{Topic: in.message.Topic(), Payload: in.message.Payload()})
			in.message.Ack()
		case <-t.ctx.Done():
			return
		}
	}
}

// wait blocks until token completes, ctx ends or timeout elapses
func wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}
