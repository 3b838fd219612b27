// Package contracts defines the wire messages exchanged between remote controllers
// and the edge bridge.
//
// Four message kinds flow over the broker:
//   - Command: published by a controller on the command topic
//   - Response: published by the bridge on the response topic, correlated by CorrelationID
//   - StatusMessage: online/offline announcements on the status topic
//   - TelemetryMessage: periodic samples on the data topic
//
// Topics are derived once from a site identifier (see DefaultTopics) and are
// immutable for the lifetime of the process.
package contracts
