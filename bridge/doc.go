// Package bridge connects the command topic to the downstream HTTP API.
//
// Agent is the edge side. It validates each command against the command schema,
// answers repeated idempotency keys from the cache and otherwise makes exactly one
// downstream call, turning the result into a correlated Response. Alongside the
// command path it runs two independent loops: a heartbeat that publishes a
// non-retained "online" status and a telemetry loop that publishes samples on the
// data topic. Both publish immediately on Start and then on their interval, never
// more often than every five seconds.
//
// Requester is the controller side: it publishes a command and waits for the
// response with the same correlation id. WatchStatus follows the status topic.
//
// Basic usage:
//
//	agent, err := bridge.NewAgent(client, proxy,
//		bridge.WithCache(cache),
//		bridge.WithSiteID("site-1"),
//	)
//	if err != nil {
//		return err
//	}
//	if err := agent.Start(ctx); err != nil {
//		return err
//	}
//	defer agent.Stop(context.Background())
package bridge
