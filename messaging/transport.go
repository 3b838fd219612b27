package messaging

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransport is matched by every transport-level failure
	ErrTransport = errors.New("transport failure")
	// ErrNotConnected is returned when an operation needs a live broker connection
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrTransport)
)

// QoS is the delivery guarantee requested for a publish or subscription
type QoS byte

const (
	// QoSAtMostOnce is fire-and-forget delivery
	QoSAtMostOnce QoS = 0
	// QoSAtLeastOnce is acknowledged delivery; duplicates are possible
	QoSAtLeastOnce QoS = 1
)

// PublishOptions controls how a single message is published
type PublishOptions struct {
	QoS    QoS
	Retain bool
}

// Delivery is one inbound message
type Delivery struct {
	Topic   string
	Payload []byte
}

// DeliveryHandler processes an inbound message. Transports invoke it serially for a
// subscription and acknowledge the message once it returns.
type DeliveryHandler func(ctx context.Context, delivery Delivery)

// ConnectionListener receives connection state change notifications.
// Transports call listeners on their own goroutines, so a listener may publish
// or subscribe.
type ConnectionListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Transport is a pub/sub broker connection
type Transport interface {
	// Connect establishes the connection. Listeners are notified with OnConnected
	// for this and every later successful reconnection.
	Connect(ctx context.Context) error

	// Disconnect closes the connection; no reconnection is attempted afterwards
	Disconnect(ctx context.Context) error

	// Publish sends payload to topic and blocks until the broker acknowledges it
	// (QoS 1) or the message has been written (QoS 0)
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error

	// Subscribe registers handler for messages arriving on topic
	Subscribe(ctx context.Context, topic string, qos QoS, handler DeliveryHandler) error

	// IsConnected reports whether the connection is currently usable
	IsConnected() bool

	// AddStateListener registers a connection state listener
	AddStateListener(listener ConnectionListener)
}
