// Package messaging provides the transport abstraction and the Client that the
// bridge uses to talk to its broker.
//
// A Transport is a pub/sub connection (MQTT, or AMQP through the topic exchange)
// that reports connection changes to ConnectionListeners. The Client sits on top:
//   - On every (re)connection it subscribes to the command topic at QoS 1 and
//     publishes a retained "online" status.
//   - Each command payload is decoded and passed to the CommandHandler; the result
//     is published on the response topic.
//   - Undecodable payloads are logged and dropped; handler errors and panics become
//     synthetic 500 responses.
//   - Status messages go out at QoS 1 and telemetry at QoS 0.
//
// Example usage:
//
//	client, err := messaging.NewClient(transport, topics, agent,
//		messaging.WithLogger(logger),
//		messaging.WithWorkers(1),
//	)
//	if err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Disconnect(context.Background())
package messaging
