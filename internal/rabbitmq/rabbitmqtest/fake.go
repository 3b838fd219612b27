// Package rabbitmqtest provides an in-memory broker for tests of code built on
// internal/rabbitmq.
package rabbitmqtest

import (
	"context"
	"errors"
	"sync"

	"github.com/glimte/mmate-edge/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Published is a message recorded by a Channel
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Binding is a recorded queue binding
type Binding struct {
	Queue      string
	RoutingKey string
	Exchange   string
}

// Queue is a recorded queue declaration
type Queue struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// Broker hands out fake connections
type Broker struct {
	mu       sync.Mutex
	DialErrs []error
	conns    []*Connection
	dials    int
	URLs     []string
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(url string, _ amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	b.URLs = append(b.URLs, url)
	if len(b.DialErrs) > 0 {
		err := b.DialErrs[0]
		b.DialErrs = b.DialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	conn := &Connection{}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// FailNextDials makes the next n dials fail with err
func (b *Broker) FailNextDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.DialErrs = append(b.DialErrs, err)
	}
}

// Dials returns the number of dial attempts
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Last returns the most recent connection, or nil
func (b *Broker) Last() *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

// Connection is a fake rabbitmq.Connection
type Connection struct {
	mu         sync.Mutex
	ChannelErr error
	channels   []*Channel
	receivers  []chan *amqp.Error
	closed     bool
}

// Channel implements rabbitmq.Connection
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.ChannelErr != nil {
		return nil, c.ChannelErr
	}
	ch := &Channel{consumers: make(map[string]chan amqp.Delivery)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.Connection
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.receivers = append(c.receivers, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Connection
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection. Like amqp091, a graceful close closes
// the receivers without sending an error.
func (c *Connection) Close() error {
	return c.shutdown(nil)
}

// Fail simulates the broker dropping the connection
func (c *Connection) Fail(err *amqp.Error) {
	_ = c.shutdown(err)
}

// Channels returns every channel opened on the connection
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

func (c *Connection) shutdown(err *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	receivers := c.receivers
	c.receivers = nil
	channels := c.channels
	c.mu.Unlock()

	for _, r := range receivers {
		if err != nil {
			r <- err
		}
		close(r)
	}
	for _, ch := range channels {
		_ = ch.Close()
	}
	return nil
}

// Channel is a fake rabbitmq.Channel. It is also the Acknowledger of the
// deliveries it produces.
type Channel struct {
	mu         sync.Mutex
	PublishErr error
	NackAll    bool
	prefetch   int
	confirm    bool
	confirms   []chan amqp.Confirmation
	queues     []Queue
	bindings   []Binding
	consumers  map[string]chan amqp.Delivery
	published  []Published
	acked      []uint64
	tag        uint64
	closed     bool
}

// Qos implements rabbitmq.Channel
func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.prefetch = prefetchCount
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.queues = append(ch.queues, Queue{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive})
	return amqp.Queue{Name: name}, nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Channel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.bindings = append(ch.bindings, Binding{Queue: name, RoutingKey: key, Exchange: exchange})
	return nil
}

// Consume implements rabbitmq.Channel
func (ch *Channel) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	deliveries := make(chan amqp.Delivery, 16)
	ch.consumers[queue] = deliveries
	return deliveries, nil
}

// Confirm implements rabbitmq.Channel
func (ch *Channel) Confirm(bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.confirm = true
	return nil
}

// NotifyPublish implements rabbitmq.Channel
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

// PublishWithContext implements rabbitmq.Channel
func (ch *Channel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	if ch.PublishErr != nil {
		err := ch.PublishErr
		ch.mu.Unlock()
		return err
	}
	ch.tag++
	tag := ch.tag
	ch.published = append(ch.published, Published{Exchange: exchange, RoutingKey: key, Msg: msg})
	confirms := append([]chan amqp.Confirmation(nil), ch.confirms...)
	ack := !ch.NackAll
	confirm := ch.confirm
	ch.mu.Unlock()

	if confirm {
		for _, c := range confirms {
			c <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
		}
	}
	return nil
}

// Close implements rabbitmq.Channel
func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil
	}
	ch.closed = true
	for q, c := range ch.consumers {
		close(c)
		delete(ch.consumers, q)
	}
	return nil
}

// Deliver pushes a message to the consumer of queue
func (ch *Channel) Deliver(queue, routingKey string, body []byte) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	c, ok := ch.consumers[queue]
	if !ok {
		return errors.New("rabbitmqtest: no consumer on " + queue)
	}
	ch.tag++
	c <- amqp.Delivery{
		Acknowledger: ch,
		DeliveryTag:  ch.tag,
		Exchange:     "amq.topic",
		RoutingKey:   routingKey,
		Body:         body,
	}
	return nil
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.acked = append(ch.acked, tag)
	return nil
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(uint64, bool, bool) error { return nil }

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(uint64, bool) error { return nil }

// Acked returns the acknowledged delivery tags
func (ch *Channel) Acked() []uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]uint64(nil), ch.acked...)
}

// Published returns the recorded publishes
func (ch *Channel) Published() []Published {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Published(nil), ch.published...)
}

// Queues returns the recorded queue declarations
func (ch *Channel) Queues() []Queue {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Queue(nil), ch.queues...)
}

// Bindings returns the recorded bindings
func (ch *Channel) Bindings() []Binding {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Binding(nil), ch.bindings...)
}

// Prefetch returns the last prefetch count set
func (ch *Channel) Prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetch
}

// Consuming reports whether queue has a consumer
func (ch *Channel) Consuming(queue string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	_, ok := ch.consumers[queue]
	return ok
}
