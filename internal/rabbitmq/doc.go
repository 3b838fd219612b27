// Package rabbitmq manages the AMQP 0-9-1 connection behind the AMQP transport.
//
// ConnectionManager dials the broker with a timeout, watches the connection with
// NotifyClose and reconnects with the shared exponential backoff policy. State
// changes are reported to messaging.ConnectionListeners in order. Channel and
// Connection narrow the amqp091-go types so the transport can be exercised against
// the in-memory broker in rabbitmqtest.
package rabbitmq
