package contracts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status values published on the status topic
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// StatusSampled marks a telemetry sample on the data topic
const StatusSampled = "sampled"

// StatusMessage announces bridge liveness
type StatusMessage struct {
	Status string `json:"status"`
	TS     string `json:"ts"`
}

// NewStatusMessage creates a status message stamped with now
func NewStatusMessage(status string, now time.Time) StatusMessage {
	return StatusMessage{Status: status, TS: FormatTimestamp(now)}
}

// TelemetryMessage is a sampled telemetry payload. The ts and status keys are
// always set by NewTelemetryMessage and cannot be overridden by extra fields.
type TelemetryMessage map[string]any

// NewTelemetryMessage builds a telemetry sample from extra fields
func NewTelemetryMessage(now time.Time, fields map[string]any) TelemetryMessage {
	msg := make(TelemetryMessage, len(fields)+2)
	for k, v := range fields {
		msg[k] = v
	}
	msg["ts"] = FormatTimestamp(now)
	msg["status"] = StatusSampled
	return msg
}

// ErrInvalidTopics is returned when a topic set has an empty member
var ErrInvalidTopics = errors.New("contracts: invalid topics")

// Topics holds the four channel names used by a site
type Topics struct {
	Command  string `json:"command"`
	Response string `json:"response"`
	Status   string `json:"status"`
	Data     string `json:"data"`
}

// TopicPrefix returns the prefix shared by a site's default topics
func TopicPrefix(siteID string) string {
	return fmt.Sprintf("wsn/%s/openhab", siteID)
}

// DefaultTopics derives the topic set for a site
func DefaultTopics(siteID string) Topics {
	prefix := TopicPrefix(siteID)
	return Topics{
		Command:  prefix + "/command",
		Response: prefix + "/response",
		Status:   prefix + "/status",
		Data:     prefix + "/data",
	}
}

// WithOverrides replaces topics with the given overrides. Blank overrides
// (after trimming whitespace) keep the current value.
func (t Topics) WithOverrides(command, response, status, data string) Topics {
	pick := func(override, current string) string {
		if v := strings.TrimSpace(override); v != "" {
			return v
		}
		return current
	}
	return Topics{
		Command:  pick(command, t.Command),
		Response: pick(response, t.Response),
		Status:   pick(status, t.Status),
		Data:     pick(data, t.Data),
	}
}

// Validate checks that every topic is set
func (t Topics) Validate() error {
	for name, topic := range map[string]string{
		"command":  t.Command,
		"response": t.Response,
		"status":   t.Status,
		"data":     t.Data,
	} {
		if topic == "" {
			return fmt.Errorf("%w: %s topic is empty", ErrInvalidTopics, name)
		}
	}
	return nil
}
