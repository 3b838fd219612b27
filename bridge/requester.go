package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-edge/contracts"
	"github.com/glimte/mmate-edge/messaging"
	"github.com/glimte/mmate-edge/schema"
	"github.com/google/uuid"
)

var (
	// ErrRequestTimeout is returned when no correlated response arrives in time
	ErrRequestTimeout = errors.New("bridge: timed out waiting for response")
	// ErrTooManyPending is returned when the pending request limit is reached
	ErrTooManyPending = errors.New("bridge: too many pending requests")
	// ErrInvalidResponse is returned when the correlated response fails the response schema
	ErrInvalidResponse = errors.New("bridge: invalid response")
)

const defaultMaxPending = 1000

// Requester publishes commands and waits for the response carrying the same
// correlation id. It is the controller side of the bridge protocol.
type Requester struct {
	transport  messaging.Transport
	topics     contracts.Topics
	logger     *slog.Logger
	validator  *schema.Validator
	maxPending int

	mu         sync.Mutex
	pending    map[string]chan reply
	subscribed bool
}

type reply struct {
	resp *contracts.Response
	err  error
}

// RequesterOption configures a Requester
type RequesterOption func(*Requester)

// WithRequesterLogger sets the logger
func WithRequesterLogger(logger *slog.Logger) RequesterOption {
	return func(r *Requester) {
		r.logger = logger
	}
}

// WithMaxPending caps the number of outstanding requests
func WithMaxPending(n int) RequesterOption {
	return func(r *Requester) {
		if n > 0 {
			r.maxPending = n
		}
	}
}

// WithResponseValidator sets the validator responses are checked against
func WithResponseValidator(v *schema.Validator) RequesterOption {
	return func(r *Requester) {
		r.validator = v
	}
}

// NewRequester creates a requester on a connected transport
func NewRequester(transport messaging.Transport, topics contracts.Topics, opts ...RequesterOption) (*Requester, error) {
	if transport == nil {
		return nil, errors.New("bridge: transport is required")
	}
	if err := topics.Validate(); err != nil {
		return nil, err
	}

	r := &Requester{
		transport:  transport,
		topics:     topics,
		logger:     slog.Default(),
		maxPending: defaultMaxPending,
		pending:    make(map[string]chan reply),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.validator == nil {
		v, err := schema.NewValidator()
		if err != nil {
			return nil, err
		}
		r.validator = v
	}
	transport.AddStateListener(r)
	return r, nil
}

// Request publishes cmd on the command topic and waits up to timeout for its
// response. An empty correlation id is replaced with a UUID. There are no
// retries; after a timeout callers re-issue with a new correlation id.
func (r *Requester) Request(ctx context.Context, cmd contracts.Command, timeout time.Duration) (*contracts.Response, error) {
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	if err := r.ensureSubscribed(ctx); err != nil {
		return nil, err
	}

	ch := make(chan reply, 1)
	r.mu.Lock()
	if len(r.pending) >= r.maxPending {
		r.mu.Unlock()
		return nil, ErrTooManyPending
	}
	if _, dup := r.pending[cmd.CorrelationID]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("bridge: request %s already pending", cmd.CorrelationID)
	}
	r.pending[cmd.CorrelationID] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, cmd.CorrelationID)
		r.mu.Unlock()
	}()

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	r.logger.Debug("publishing command",
		"correlation_id", cmd.CorrelationID,
		"method", cmd.Method,
		"endpoint", cmd.Endpoint,
		"topic", r.topics.Command)

	opts := messaging.PublishOptions{QoS: messaging.QoSAtLeastOnce}
	if err := r.transport.Publish(ctx, r.topics.Command, payload, opts); err != nil {
		return nil, fmt.Errorf("failed to publish command: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rep := <-ch:
		return rep.resp, rep.err
	case <-timer.C:
		return nil, fmt.Errorf("%w: correlation_id %s after %s", ErrRequestTimeout, cmd.CorrelationID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of outstanding requests
func (r *Requester) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// OnConnected implements messaging.ConnectionListener. The response
// subscription is renewed on the next Request.
func (r *Requester) OnConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribed = false
}

// OnDisconnected implements messaging.ConnectionListener
func (r *Requester) OnDisconnected(error) {}

// OnReconnecting implements messaging.ConnectionListener
func (r *Requester) OnReconnecting(int) {}

func (r *Requester) ensureSubscribed(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribed {
		return nil
	}
	if err := r.transport.Subscribe(ctx, r.topics.Response, messaging.QoSAtLeastOnce, r.onResponse); err != nil {
		return fmt.Errorf("failed to subscribe to responses: %w", err)
	}
	r.subscribed = true
	return nil
}

func (r *Requester) onResponse(_ context.Context, d messaging.Delivery) {
	var resp contracts.Response
	if err := json.Unmarshal(d.Payload, &resp); err != nil {
		r.logger.Warn("ignoring undecodable response", "topic", d.Topic, "error", err)
		return
	}

	id := string(resp.CorrelationID)
	r.mu.Lock()
	ch, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("no pending request for response", "correlation_id", id)
		return
	}

	rep := reply{resp: &resp}
	var doc any
	if err := json.Unmarshal(d.Payload, &doc); err == nil {
		if err := r.validator.ValidateResponse(doc); err != nil {
			r.logger.Warn("response failed validation", "correlation_id", id, "error", err)
			rep = reply{err: fmt.Errorf("%w: %w", ErrInvalidResponse, err)}
		}
	}

	select {
	case ch <- rep:
	default:
		r.logger.Debug("duplicate response dropped", "correlation_id", id)
	}
}
