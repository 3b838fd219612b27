package mqtt

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/glimte/mmate-edge/messaging"
)

var (
	// ErrNotConnected is returned when the broker connection is down
	ErrNotConnected = fmt.Errorf("mqtt: %w", messaging.ErrNotConnected)
	// ErrSubscriptionRejected is returned when the broker refuses a subscription
	ErrSubscriptionRejected = errors.New("mqtt: subscription rejected by broker")
	// ErrTimeout is returned when the broker does not answer in time
	ErrTimeout = errors.New("mqtt: operation timed out")
	// ErrInvalidConfiguration is returned for an unusable transport configuration
	ErrInvalidConfiguration = errors.New("mqtt: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	Broker    string    // Broker URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("mqtt connection error: %s to %s failed after %d attempts: %v", e.Op, e.Broker, e.Attempts, e.Err)
	}
	return fmt.Sprintf("mqtt connection error: %s to %s failed: %v", e.Op, e.Broker, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{messaging.ErrTransport, e.Err}
}

// PublishError represents a publish operation error
type PublishError struct {
	Topic     string    // Target topic
	QoS       byte      // Requested QoS
	Retain    bool      // Whether the retain flag was set
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("mqtt publish error: failed to publish to %s (qos=%d, retain=%v): %v",
		e.Topic, e.QoS, e.Retain, e.Err)
}

func (e *PublishError) Unwrap() []error {
	return []error{messaging.ErrTransport, e.Err}
}

// SubscribeError represents a subscribe operation error
type SubscribeError struct {
	Topic     string    // Topic filter
	QoS       byte      // Requested QoS
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("mqtt subscribe error: failed to subscribe to %s (qos=%d): %v", e.Topic, e.QoS, e.Err)
}

func (e *SubscribeError) Unwrap() []error {
	return []error{messaging.ErrTransport, e.Err}
}

// SanitizeURL removes credentials from a broker URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}
