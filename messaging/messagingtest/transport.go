// Package messagingtest provides an in-memory messaging.Transport for tests.
package messagingtest

import (
	"context"
	"errors"
	"sync"

	"github.com/glimte/mmate-edge/messaging"
)

// Message is a recorded publish
type Message struct {
	Topic   string
	Payload []byte
	QoS     messaging.QoS
	Retain  bool
}

type delivery struct {
	ctx     context.Context
	message messaging.Delivery
	done    chan struct{}
}

type subscription struct {
	mu      sync.Mutex
	handler messaging.DeliveryHandler
	queue   chan delivery
}

func (s *subscription) run() {
	for d := range s.queue {
		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()

		handler(d.ctx, d.message)
		if d.done != nil {
			close(d.done)
		}
	}
}

// Transport is an in-memory broker. Publishes to a subscribed topic are looped
// back to the subscriber, and each subscription's handler runs serially on its
// own goroutine, like a real broker connection.
type Transport struct {
	mu            sync.Mutex
	connected     bool
	closed        bool
	listeners     []messaging.ConnectionListener
	subscriptions map[string]*subscription
	published     []Message
	subscribed    []string

	// ConnectErr is returned by Connect when set
	ConnectErr error
	// SubscribeErr is returned by Subscribe when set
	SubscribeErr error
	// PublishErr, when set, is consulted before recording each publish
	PublishErr func(topic string) error
}

// New creates a disconnected in-memory transport
func New() *Transport {
	return &Transport{subscriptions: make(map[string]*subscription)}
}

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.ConnectErr != nil {
		err := t.ConnectErr
		t.mu.Unlock()
		return err
	}
	t.connected = true
	listeners := append([]messaging.ConnectionListener(nil), t.listeners...)
	t.mu.Unlock()

	for _, l := range listeners {
		go l.OnConnected()
	}
	return nil
}

// Disconnect implements messaging.Transport
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.connected = false
	t.closed = true
	for topic, sub := range t.subscriptions {
		close(sub.queue)
		delete(t.subscriptions, topic)
	}
	return nil
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, opts messaging.PublishOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return messaging.ErrNotConnected
	}
	if t.PublishErr != nil {
		if err := t.PublishErr(topic); err != nil {
			return err
		}
	}

	body := append([]byte(nil), payload...)
	t.published = append(t.published, Message{Topic: topic, Payload: body, QoS: opts.QoS, Retain: opts.Retain})

	if sub, ok := t.subscriptions[topic]; ok {
		sub.queue <- delivery{ctx: context.Background(), message: messaging.Delivery{Topic: topic, Payload: body}}
	}
	return nil
}

// Subscribe implements messaging.Transport. Subscribing again to a topic replaces
// its handler.
func (t *Transport) Subscribe(ctx context.Context, topic string, qos messaging.QoS, handler messaging.DeliveryHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return messaging.ErrNotConnected
	}
	if t.SubscribeErr != nil {
		return t.SubscribeErr
	}

	t.subscribed = append(t.subscribed, topic)
	if sub, ok := t.subscriptions[topic]; ok {
		sub.mu.Lock()
		sub.handler = handler
		sub.mu.Unlock()
		return nil
	}

	sub := &subscription{handler: handler, queue: make(chan delivery, 256)}
	t.subscriptions[topic] = sub
	go sub.run()
	return nil
}

// IsConnected implements messaging.Transport
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// AddStateListener implements messaging.Transport
func (t *Transport) AddStateListener(listener messaging.ConnectionListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, listener)
}

// ErrNoSubscriber is returned by Deliver when nothing is subscribed to the topic
var ErrNoSubscriber = errors.New("messagingtest: no subscriber for topic")

// Deliver hands payload to the topic's subscriber and waits until its handler
// returns or ctx ends
func (t *Transport) Deliver(ctx context.Context, topic string, payload []byte) error {
	done, err := t.enqueue(topic, payload)
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeliverAsync hands payload to the topic's subscriber without waiting. The
// returned channel closes when the handler returns.
func (t *Transport) DeliverAsync(topic string, payload []byte) (<-chan struct{}, error) {
	return t.enqueue(topic, payload)
}

func (t *Transport) enqueue(topic string, payload []byte) (chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.subscriptions[topic]
	if !ok {
		return nil, ErrNoSubscriber
	}
	done := make(chan struct{})
	sub.queue <- delivery{
		ctx:     context.Background(),
		message: messaging.Delivery{Topic: topic, Payload: append([]byte(nil), payload...)},
		done:    done,
	}
	return done, nil
}

// SetSubscribeErr changes the Subscribe failure while subscriptions may be in
// progress
func (t *Transport) SetSubscribeErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SubscribeErr = err
}

// DropConnection simulates a lost connection
func (t *Transport) DropConnection(cause error) {
	t.mu.Lock()
	t.connected = false
	listeners := append([]messaging.ConnectionListener(nil), t.listeners...)
	t.mu.Unlock()

	for _, l := range listeners {
		go l.OnDisconnected(cause)
	}
}

// Reconnect simulates a successful automatic reconnection
func (t *Transport) Reconnect() {
	t.mu.Lock()
	listeners := append([]messaging.ConnectionListener(nil), t.listeners...)
	t.mu.Unlock()

	for _, l := range listeners {
		l.OnReconnecting(1)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	for _, l := range listeners {
		go l.OnConnected()
	}
}

// Published returns every recorded publish, optionally filtered by topic
func (t *Transport) Published(topic string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Message
	for _, m := range t.published {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Subscriptions returns every Subscribe call's topic in order
func (t *Transport) Subscriptions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.subscribed...)
}
