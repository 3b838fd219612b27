package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-edge/contracts"
	"github.com/glimte/mmate-edge/internal/reliability"
)

// ErrClientClosed is returned by Connect after Disconnect
var ErrClientClosed = errors.New("messaging: client is closed")

// State is the Client connection state
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// CommandHandler turns a decoded command into the response to publish
type CommandHandler interface {
	HandleCommand(ctx context.Context, raw map[string]any) (*contracts.Response, error)
}

// CommandHandlerFunc adapts a function to CommandHandler
type CommandHandlerFunc func(ctx context.Context, raw map[string]any) (*contracts.Response, error)

// HandleCommand implements CommandHandler
func (f CommandHandlerFunc) HandleCommand(ctx context.Context, raw map[string]any) (*contracts.Response, error) {
	return f(ctx, raw)
}

// Metrics receives Client events. Implementations must be safe for concurrent use.
type Metrics interface {
	CommandReceived()
	CommandDropped(reason string)
	CommandFailed()
	ResponsePublished()
	PublishFailed(topicKind string)
	ConnectionChanged(connected bool)
}

type noopMetrics struct{}

func (noopMetrics) CommandReceived()       {}
func (noopMetrics) CommandDropped(string)  {}
func (noopMetrics) CommandFailed()         {}
func (noopMetrics) ResponsePublished()     {}
func (noopMetrics) PublishFailed(string)   {}
func (noopMetrics) ConnectionChanged(bool) {}

const setupTimeout = 30 * time.Second

// Client owns a Transport on behalf of the bridge. It subscribes to the command
// topic, feeds decoded commands to the handler and publishes responses, status
// and telemetry.
//
// After every successful (re)connection the Client subscribes to the command topic
// at QoS 1 and then publishes a retained online status. A subscription that fails
// after a reconnect is retried with backoff until it succeeds, the connection drops
// or the Client is disconnected.
type Client struct {
	transport   Transport
	topics      contracts.Topics
	handler     CommandHandler
	logger      *slog.Logger
	metrics     Metrics
	workers     int
	resubscribe *reliability.ExponentialBackoff

	state atomic.Int32

	mu          sync.Mutex
	closing     bool
	inflight    sync.WaitGroup
	waiter      chan error
	resubCancel context.CancelFunc
	resubWG     sync.WaitGroup

	jobs      chan Delivery
	stopped   chan struct{}
	poolOnce  sync.Once
	closeOnce sync.Once
	workersWG sync.WaitGroup
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithWorkers sets how many commands may be processed concurrently.
// With one worker the transport callback blocks until the response is published,
// so commands are handled strictly one at a time in arrival order.
func WithWorkers(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) ClientOption {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithResubscribeBackoff sets the retry policy for the command subscription after
// a reconnect
func WithResubscribeBackoff(policy *reliability.ExponentialBackoff) ClientOption {
	return func(c *Client) {
		if policy != nil {
			c.resubscribe = policy
		}
	}
}

// NewClient creates a Client and registers it as a listener on transport
func NewClient(transport Transport, topics contracts.Topics, handler CommandHandler, opts ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, errors.New("messaging: transport is required")
	}
	if handler == nil {
		return nil, errors.New("messaging: command handler is required")
	}
	if err := topics.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		transport:   transport,
		topics:      topics,
		handler:     handler,
		logger:      slog.Default(),
		metrics:     noopMetrics{},
		workers:     1,
		resubscribe: reliability.ReconnectBackoff(),
		jobs:        make(chan Delivery),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	transport.AddStateListener(c)
	return c, nil
}

// Topics returns the topic set
func (c *Client) Topics() contracts.Topics {
	return c.topics
}

// State returns the current connection state
func (c *Client) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether the client is connected and subscribed
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect connects the transport and returns once the command subscription is in
// place, the setup fails, or ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.State() == StateConnected {
		c.mu.Unlock()
		return nil
	}
	waiter := make(chan error, 1)
	c.waiter = waiter
	c.mu.Unlock()

	c.startWorkers()
	c.setState(StateConnecting)

	c.logger.Info("connecting transport",
		"command_topic", c.topics.Command,
		"workers", c.workers)

	if err := c.transport.Connect(ctx); err != nil {
		c.clearWaiter(waiter)
		c.setState(StateDisconnected)
		return fmt.Errorf("failed to connect transport: %w", err)
	}

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		c.clearWaiter(waiter)
		return ctx.Err()
	}
}

// Disconnect stops accepting commands, waits for in-flight commands to finish
// (bounded by ctx) and disconnects the transport. Later calls are no-ops.
func (c *Client) Disconnect(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.cancelResubscribe()
		c.mu.Unlock()
		c.resubWG.Wait()

		drained := make(chan struct{})
		go func() {
			c.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			c.logger.Warn("disconnecting with commands still in flight", "error", ctx.Err())
		}

		close(c.stopped)
		c.workersWG.Wait()

		err = c.transport.Disconnect(ctx)
		c.setState(StateDisconnected)
		c.logger.Info("transport disconnected")
	})
	return err
}

// PublishStatus publishes a status message at QoS 1
func (c *Client) PublishStatus(ctx context.Context, status string, retain bool) error {
	return c.publishJSON(ctx, "status", c.topics.Status,
		contracts.NewStatusMessage(status, time.Now()),
		PublishOptions{QoS: QoSAtLeastOnce, Retain: retain})
}

// PublishData publishes a telemetry payload at QoS 0
func (c *Client) PublishData(ctx context.Context, payload any) error {
	return c.publishJSON(ctx, "data", c.topics.Data, payload, PublishOptions{QoS: QoSAtMostOnce})
}

// OnConnected implements ConnectionListener. The first connection made by
// Connect subscribes synchronously and reports the result to Connect; later
// reconnections subscribe in the background with retries.
func (c *Client) OnConnected() {
	c.mu.Lock()
	waiter := c.waiter
	c.waiter = nil
	if waiter == nil {
		if !c.closing {
			c.startResubscribe()
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	waiter <- c.subscribe(context.Background())
}

// OnDisconnected implements ConnectionListener
func (c *Client) OnDisconnected(err error) {
	c.mu.Lock()
	c.cancelResubscribe()
	c.mu.Unlock()

	c.setState(StateDisconnected)
	if err != nil {
		c.logger.Warn("transport connection lost", "error", err)
	}
}

// subscribe subscribes to the command topic and announces online
func (c *Client) subscribe(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, setupTimeout)
	defer cancel()

	if err := c.transport.Subscribe(ctx, c.topics.Command, QoSAtLeastOnce, c.onDelivery); err != nil {
		c.logger.Error("failed to subscribe to command topic",
			"topic", c.topics.Command,
			"error", err)
		return err
	}
	if err := parent.Err(); err != nil {
		return err
	}

	c.logger.Info("subscribed to command topic", "topic", c.topics.Command)
	c.setState(StateConnected)
	// failures are logged by publishJSON
	_ = c.PublishStatus(ctx, contracts.StatusOnline, true)
	return nil
}

// startResubscribe replaces any running subscription loop. Callers hold c.mu.
func (c *Client) startResubscribe() {
	c.cancelResubscribe()
	ctx, cancel := context.WithCancel(context.Background())
	c.resubCancel = cancel

	c.resubWG.Add(1)
	go func() {
		defer c.resubWG.Done()
		defer cancel()

		err := reliability.Retry(ctx, c.resubscribe, func(attempt int) error {
			if attempt > 1 {
				c.logger.Info("retrying command subscription", "attempt", attempt)
			}
			return c.subscribe(ctx)
		})
		if err != nil && ctx.Err() == nil {
			c.logger.Error("giving up on command subscription", "topic", c.topics.Command, "error", err)
		}
	}()
}

// cancelResubscribe stops the subscription loop. Callers hold c.mu.
func (c *Client) cancelResubscribe() {
	if c.resubCancel != nil {
		c.resubCancel()
		c.resubCancel = nil
	}
}

// OnReconnecting implements ConnectionListener
func (c *Client) OnReconnecting(attempt int) {
	c.setState(StateConnecting)
	c.logger.Info("reconnecting transport", "attempt", attempt)
}

func (c *Client) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	if s == StateConnected {
		c.metrics.ConnectionChanged(true)
	} else if prev == StateConnected {
		c.metrics.ConnectionChanged(false)
	}
}

func (c *Client) clearWaiter(waiter chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiter == waiter {
		c.waiter = nil
	}
}

func (c *Client) startWorkers() {
	c.poolOnce.Do(func() {
		if c.workers <= 1 {
			return
		}
		for i := 0; i < c.workers; i++ {
			c.workersWG.Add(1)
			go c.worker()
		}
	})
}

func (c *Client) worker() {
	defer c.workersWG.Done()
	for {
		select {
		case delivery := <-c.jobs:
			c.process(context.Background(), delivery)
			c.inflight.Done()
		case <-c.stopped:
			return
		}
	}
}

// onDelivery is the transport callback for the command topic
func (c *Client) onDelivery(ctx context.Context, delivery Delivery) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.logger.Warn("dropping command received during shutdown", "topic", delivery.Topic)
		c.metrics.CommandDropped("shutdown")
		return
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	if c.workers <= 1 {
		defer c.inflight.Done()
		c.process(ctx, delivery)
		return
	}

	select {
	case c.jobs <- delivery:
	case <-c.stopped:
		c.inflight.Done()
	}
}

func (c *Client) process(ctx context.Context, delivery Delivery) {
	c.metrics.CommandReceived()

	var decoded any
	if err := json.Unmarshal(delivery.Payload, &decoded); err != nil {
		c.logger.Warn("dropping undecodable command",
			"topic", delivery.Topic,
			"bytes", len(delivery.Payload),
			"error", err)
		c.metrics.CommandDropped("decode")
		return
	}

	resp := c.invoke(ctx, decoded)
	if err := c.publishJSON(ctx, "response", c.topics.Response, resp,
		PublishOptions{QoS: QoSAtLeastOnce}); err == nil {
		c.metrics.ResponsePublished()
	}
}

// invoke runs the handler and converts errors and panics into a 500 response
// carrying the original correlation id when one can be recovered
func (c *Client) invoke(ctx context.Context, decoded any) (resp *contracts.Response) {
	correlationID := contracts.RecoverCorrelationID(decoded)

	raw, ok := decoded.(map[string]any)
	if !ok {
		c.metrics.CommandFailed()
		return contracts.NewErrorResponse(correlationID, 500, "command must be a JSON object")
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("command handler panicked",
				"correlation_id", correlationID,
				"panic", r,
				"stack", string(debug.Stack()))
			c.metrics.CommandFailed()
			resp = contracts.NewErrorResponse(correlationID, 500, fmt.Sprintf("internal error: %v", r))
		}
	}()

	resp, err := c.handler.HandleCommand(ctx, raw)
	if err != nil {
		c.logger.Warn("command handler failed",
			"correlation_id", correlationID,
			"error", err)
		c.metrics.CommandFailed()
		return contracts.NewErrorResponse(correlationID, 500, err.Error())
	}
	if resp == nil {
		c.metrics.CommandFailed()
		return contracts.NewErrorResponse(correlationID, 500, "command handler returned no response")
	}
	return resp
}

func (c *Client) publishJSON(ctx context.Context, kind, topic string, payload any, opts PublishOptions) error {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("failed to encode message", "kind", kind, "topic", topic, "error", err)
		c.metrics.PublishFailed(kind)
		return fmt.Errorf("failed to encode %s message: %w", kind, err)
	}

	if err := c.transport.Publish(ctx, topic, body, opts); err != nil {
		c.logger.Error("publish failed",
			"kind", kind,
			"topic", topic,
			"qos", opts.QoS,
			"retain", opts.Retain,
			"error", err)
		c.metrics.PublishFailed(kind)
		return err
	}

	c.logger.Debug("published message", "kind", kind, "topic", topic, "bytes", len(body))
	return nil
}
