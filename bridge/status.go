package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-edge/contracts"
	"github.com/glimte/mmate-edge/messaging"
)

// WatchStatus subscribes to topic and calls fn for every status message until
// ctx ends. Undecodable payloads are logged and skipped.
func WatchStatus(ctx context.Context, transport messaging.Transport, topic string, fn func(contracts.StatusMessage)) error {
	handler := func(_ context.Context, d messaging.Delivery) {
		var status contracts.StatusMessage
		if err := json.Unmarshal(d.Payload, &status); err != nil || status.Status == "" {
			slog.Warn("ignoring malformed status message", "topic", d.Topic, "payload", string(d.Payload))
			return
		}
		fn(status)
	}

	if err := transport.Subscribe(ctx, topic, messaging.QoSAtLeastOnce, handler); err != nil {
		return fmt.Errorf("failed to subscribe to status topic %s: %w", topic, err)
	}
	<-ctx.Done()
	return nil
}
