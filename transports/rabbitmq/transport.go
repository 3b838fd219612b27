// Package rabbitmq implements messaging.Transport over AMQP 0-9-1.
//
// Topics are mapped onto the amq.topic exchange the same way the RabbitMQ MQTT
// plugin maps them, so MQTT controllers and an AMQP bridge can share a broker.
// Each subscription gets its own queue and channel; deliveries are handled one
// at a time and acknowledged after the handler returns. Publishes wait for a
// publisher confirm. AMQP has no retained messages or last will, so the Retain
// flag is ignored.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-edge/internal/rabbitmq"
	"github.com/glimte/mmate-edge/internal/reliability"
	"github.com/glimte/mmate-edge/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// TopicExchange is the exchange all topics are published to
const TopicExchange = "amq.topic"

const defaultConfirmTimeout = 30 * time.Second

// Config describes an AMQP broker connection
type Config struct {
	URL            string
	ClientID       string
	CleanSession   bool
	Prefetch       int
	TLS            *tls.Config
	ConnectTimeout time.Duration
	Reconnect      *reliability.ExponentialBackoff
}

// RoutingKey converts an MQTT topic or filter to an amq.topic routing key
func RoutingKey(topic string) string {
	return strings.NewReplacer("/", ".", "+", "*").Replace(topic)
}

// TopicFromRoutingKey converts a routing key back to an MQTT topic
func TopicFromRoutingKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

// QueueName is the queue a client consumes topic from, e.g. site-1.command
func QueueName(clientID, topic string) string {
	return clientID + "." + path.Base(topic)
}

// Transport is a messaging.Transport backed by an AMQP connection
type Transport struct {
	cfg     Config
	manager *rabbitmq.ConnectionManager
	logger  *slog.Logger
	dial    rabbitmq.Dialer

	pubMu    sync.Mutex
	pubCh    rabbitmq.Channel
	confirms chan amqp.Confirmation

	mu        sync.Mutex
	consumers []rabbitmq.Channel
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dial rabbitmq.Dialer) Option {
	return func(t *Transport) {
		t.dial = dial
	}
}

// New creates a transport for cfg. The connection is not opened until Connect.
func New(cfg Config, opts ...Option) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: broker URL is required", rabbitmq.ErrInvalidConfiguration)
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("%w: client id is required", rabbitmq.ErrInvalidConfiguration)
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConfirmTimeout
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = reliability.ReconnectBackoff()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:    cfg,
		logger: slog.Default(),
		dial:   rabbitmq.Dial,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.manager = rabbitmq.NewConnectionManager(cfg.URL,
		rabbitmq.WithLogger(t.logger),
		rabbitmq.WithBackoff(cfg.Reconnect),
		rabbitmq.WithConnectTimeout(cfg.ConnectTimeout),
		rabbitmq.WithTLS(cfg.TLS),
		rabbitmq.WithConnectionName(cfg.ClientID),
		rabbitmq.WithDialer(t.dial),
	)
	// registered first so stale channels are dropped before other listeners resubscribe
	t.manager.AddStateListener(channelReset{t})
	return t, nil
}

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context) error {
	t.logger.Info("connecting to AMQP broker",
		"url", rabbitmq.SanitizeURL(t.cfg.URL),
		"client_id", t.cfg.ClientID,
		"clean_session", t.cfg.CleanSession)
	return t.manager.Connect(ctx)
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
	t.dropChannels()
	err := t.manager.Close()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish implements messaging.Transport. It returns once the broker confirms
// the message.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, opts messaging.PublishOptions) error {
	key := RoutingKey(topic)
	fail := func(err error) error {
		return &rabbitmq.PublishError{Exchange: TopicExchange, RoutingKey: key, Err: err, Timestamp: time.Now()}
	}

	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	ch, confirms, err := t.publishChannel()
	if err != nil {
		return fail(err)
	}

	mode := amqp.Transient
	if opts.QoS >= messaging.QoSAtLeastOnce {
		mode = amqp.Persistent
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		Timestamp:    time.Now(),
		AppId:        t.cfg.ClientID,
		Body:         payload,
	}
	if err := ch.PublishWithContext(ctx, TopicExchange, key, false, false, msg); err != nil {
		t.resetPublishChannel()
		return fail(err)
	}

	timer := time.NewTimer(t.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case confirm, ok := <-confirms:
		if !ok {
			t.resetPublishChannel()
			return fail(rabbitmq.ErrConnectionClosed)
		}
		if !confirm.Ack {
			return fail(rabbitmq.ErrPublishNotConfirmed)
		}
		return nil
	case <-timer.C:
		t.resetPublishChannel()
		return fail(rabbitmq.ErrPublishTimeout)
	case <-ctx.Done():
		t.resetPublishChannel()
		return fail(ctx.Err())
	}
}

// Subscribe implements messaging.Transport. The queue is durable unless the
// transport uses clean sessions.
func (t *Transport) Subscribe(ctx context.Context, topic string, qos messaging.QoS, handler messaging.DeliveryHandler) error {
	queue := QueueName(t.cfg.ClientID, topic)
	fail := func(op string, err error) error {
		return &rabbitmq.ConsumerError{Queue: queue, Op: op, Err: err, Timestamp: time.Now()}
	}

	ch, err := t.manager.Channel()
	if err != nil {
		return fail("open channel", err)
	}

	clean := t.cfg.CleanSession
	deliveries, err := func() (<-chan amqp.Delivery, error) {
		if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
		if _, err := ch.QueueDeclare(queue, !clean, clean, clean, false, nil); err != nil {
			return nil, fmt.Errorf("declare queue: %w", err)
		}
		if err := ch.QueueBind(queue, RoutingKey(topic), TopicExchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind queue: %w", err)
		}
		return ch.Consume(queue, t.cfg.ClientID, false, clean, false, false, nil)
	}()
	if err != nil {
		_ = ch.Close()
		return fail("subscribe", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ch.Close()
		return fail("subscribe", rabbitmq.ErrConnectionClosed)
	}
	t.consumers = append(t.consumers, ch)
	t.wg.Add(1)
	t.mu.Unlock()

	go t.consume(queue, deliveries, handler)

	t.logger.Info("subscribed",
		"topic", topic,
		"queue", queue,
		"routing_key", RoutingKey(topic),
		"qos", qos)
	return nil
}

// IsConnected implements messaging.Transport
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// AddStateListener implements messaging.Transport
func (t *Transport) AddStateListener(listener messaging.ConnectionListener) {
	t.manager.AddStateListener(listener)
}

func (t *Transport) consume(queue string, deliveries <-chan amqp.Delivery, handler messaging.DeliveryHandler) {
	defer t.wg.Done()
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				t.logger.Debug("delivery channel closed", "queue", queue)
				return
			}
			handler(t.ctx, messaging.Delivery{Topic: TopicFromRoutingKey(d.RoutingKey), Payload: d.Body})
			if err := d.Ack(false); err != nil {
				t.logger.Error("failed to ack message", "queue", queue, "error", err)
			}
		case <-t.ctx.Done():
			return
		}
	}
}

// publishChannel returns the confirm-mode publishing channel, opening it on
// first use. Callers hold pubMu.
func (t *Transport) publishChannel() (rabbitmq.Channel, chan amqp.Confirmation, error) {
	if t.pubCh != nil {
		return t.pubCh, t.confirms, nil
	}

	ch, err := t.manager.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("enable confirms: %w", err)
	}
	t.pubCh = ch
	t.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return t.pubCh, t.confirms, nil
}

// resetPublishChannel discards the publishing channel. Callers hold pubMu.
func (t *Transport) resetPublishChannel() {
	if t.pubCh != nil {
		_ = t.pubCh.Close()
	}
	t.pubCh = nil
	t.confirms = nil
}

func (t *Transport) dropChannels() {
	t.pubMu.Lock()
	t.resetPublishChannel()
	t.pubMu.Unlock()

	t.mu.Lock()
	consumers := t.consumers
	t.consumers = nil
	t.mu.Unlock()
	for _, ch := range consumers {
		_ = ch.Close()
	}
}

type channelReset struct {
	t *Transport
}

func (r channelReset) OnConnected()         {}
func (r channelReset) OnReconnecting(int)   {}
func (r channelReset) OnDisconnected(error) { r.t.dropChannels() }
