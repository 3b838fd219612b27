package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMissingCorrelationID is returned when a command carries no usable correlation id
	ErrMissingCorrelationID = errors.New("contracts: command is missing correlation_id")
	// ErrInvalidField is returned when a command field has the wrong JSON type
	ErrInvalidField = errors.New("contracts: invalid command field")
)

// Command is a request published by a remote controller on the command topic
type Command struct {
	Method         string            `json:"method"`
	Endpoint       string            `json:"endpoint"`
	Data           any               `json:"data,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	CorrelationID  string            `json:"correlation_id"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// CommandFromMap extracts a Command from a decoded JSON object.
// The map is expected to have passed schema validation; type mismatches are still
// reported rather than panicking.
func CommandFromMap(raw map[string]any) (Command, error) {
	var cmd Command

	correlationID, ok := raw["correlation_id"].(string)
	if !ok || correlationID == "" {
		return cmd, ErrMissingCorrelationID
	}
	cmd.CorrelationID = correlationID

	method, ok := raw["method"].(string)
	if !ok {
		return cmd, fmt.Errorf("%w: method must be a string", ErrInvalidField)
	}
	cmd.Method = strings.ToUpper(method)

	endpoint, ok := raw["endpoint"].(string)
	if !ok {
		return cmd, fmt.Errorf("%w: endpoint must be a string", ErrInvalidField)
	}
	cmd.Endpoint = endpoint

	if key, present := raw["idempotency_key"]; present && key != nil {
		s, ok := key.(string)
		if !ok {
			return cmd, fmt.Errorf("%w: idempotency_key must be a string", ErrInvalidField)
		}
		cmd.IdempotencyKey = s
	}

	if headers, present := raw["headers"]; present && headers != nil {
		m, ok := headers.(map[string]any)
		if !ok {
			return cmd, fmt.Errorf("%w: headers must be an object", ErrInvalidField)
		}
		cmd.Headers = make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				cmd.Headers[k] = s
				continue
			}
			cmd.Headers[k] = fmt.Sprint(v)
		}
	}

	cmd.Data = CloneValue(raw["data"])
	return cmd, nil
}

// RecoverCorrelationID returns the correlation id of a decoded command if it is a
// non-empty string, otherwise the empty string
func RecoverCorrelationID(raw any) string {
	m, ok := raw.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m["correlation_id"].(string)
	return id
}

// CorrelationID is an opaque token linking a Command to its Response.
// The zero value marshals as JSON null.
type CorrelationID string

// MarshalJSON implements json.Marshaler
func (c CorrelationID) MarshalJSON() ([]byte, error) {
	if c == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(c))
}

// UnmarshalJSON implements json.Unmarshaler
func (c *CorrelationID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*c = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = CorrelationID(s)
	return nil
}

// Response is the outcome of exactly one Command, published on the response topic
type Response struct {
	CorrelationID CorrelationID `json:"correlation_id"`
	StatusCode    int           `json:"status_code"`
	Timestamp     string        `json:"timestamp"`
	LatencyMS     *float64      `json:"latency_ms,omitempty"`
	Data          any           `json:"data,omitempty"`
	Error         any           `json:"error,omitempty"`
	FromCache     bool          `json:"from_cache,omitempty"`
}

// NewErrorResponse builds a synthetic error response that carries no downstream data
func NewErrorResponse(correlationID string, statusCode int, message string) *Response {
	return &Response{
		CorrelationID: CorrelationID(correlationID),
		StatusCode:    statusCode,
		Timestamp:     FormatTimestamp(time.Now()),
		Error:         message,
	}
}

// IsSuccess reports whether the status code is below 400
func (r *Response) IsSuccess() bool {
	return r.StatusCode < 400
}

// Clone returns a deep copy; decoded JSON maps and slices are not shared
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	if r.LatencyMS != nil {
		latency := *r.LatencyMS
		c.LatencyMS = &latency
	}
	c.Data = CloneValue(r.Data)
	c.Error = CloneValue(r.Error)
	return &c
}

// FormatTimestamp renders t as an RFC 3339 UTC timestamp
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
