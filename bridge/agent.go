package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/glimte/mmate-edge/contracts"
	"github.com/glimte/mmate-edge/downstream"
	"github.com/glimte/mmate-edge/idempotency"
	"github.com/glimte/mmate-edge/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTelemetryInterval is used when no telemetry interval is configured
	DefaultTelemetryInterval = 60 * time.Second
	// DefaultHeartbeatInterval is used when no heartbeat interval is configured
	DefaultHeartbeatInterval = 30 * time.Second

	tracerName = "github.com/glimte/mmate-edge/bridge"
)

// minInterval floors both loop intervals
var minInterval = 5 * time.Second

// Publisher is the transport client surface the Agent drives
type Publisher interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	PublishStatus(ctx context.Context, status string, retain bool) error
	PublishData(ctx context.Context, payload any) error
}

// Proxy performs downstream HTTP calls
type Proxy interface {
	Request(ctx context.Context, method, endpoint string, data any, headers map[string]string) (*downstream.Result, error)
	Close() error
}

// Sampler contributes extra fields to each telemetry sample
type Sampler interface {
	Sample(ctx context.Context) (map[string]any, error)
}

// SamplerFunc adapts a function to Sampler
type SamplerFunc func(ctx context.Context) (map[string]any, error)

// Sample implements Sampler
func (f SamplerFunc) Sample(ctx context.Context) (map[string]any, error) {
	return f(ctx)
}

// Metrics receives agent observations
type Metrics interface {
	DownstreamCompleted(method string, statusCode int, elapsed time.Duration)
	DownstreamFailed(method string, elapsed time.Duration)
	CacheServed()
	LoopPublished(loop string, err error)
}

type noopMetrics struct{}

func (noopMetrics) DownstreamCompleted(string, int, time.Duration) {}
func (noopMetrics) DownstreamFailed(string, time.Duration)         {}
func (noopMetrics) CacheServed()                                   {}
func (noopMetrics) LoopPublished(string, error)                    {}

// Agent turns validated commands into downstream calls and keeps the status and
// data topics fed. It implements messaging.CommandHandler.
type Agent struct {
	publisher Publisher
	proxy     Proxy
	cache     *idempotency.Cache[*contracts.Response]
	validator *schema.Validator
	sampler   Sampler
	metrics   Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	siteID    string

	telemetryInterval time.Duration
	heartbeatInterval time.Duration

	startedAt time.Time
	mu        sync.Mutex
	started   bool
	loopCtx   context.Context
	stopLoops context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// Option configures an Agent
type Option func(*Agent)

// WithCache enables idempotent replay of successful responses
func WithCache(cache *idempotency.Cache[*contracts.Response]) Option {
	return func(a *Agent) {
		a.cache = cache
	}
}

// WithValidator sets the command validator
func WithValidator(v *schema.Validator) Option {
	return func(a *Agent) {
		a.validator = v
	}
}

// WithTelemetryInterval sets the telemetry period
func WithTelemetryInterval(d time.Duration) Option {
	return func(a *Agent) {
		a.telemetryInterval = d
	}
}

// WithHeartbeatInterval sets the heartbeat period
func WithHeartbeatInterval(d time.Duration) Option {
	return func(a *Agent) {
		a.heartbeatInterval = d
	}
}

// WithSampler adds fields to telemetry samples
func WithSampler(s Sampler) Option {
	return func(a *Agent) {
		a.sampler = s
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(a *Agent) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithSiteID labels telemetry with the site identifier
func WithSiteID(siteID string) Option {
	return func(a *Agent) {
		a.siteID = siteID
	}
}

// WithTracerProvider sets the tracer provider for command spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *Agent) {
		if tp != nil {
			a.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewAgent creates an agent publishing through publisher and calling proxy
func NewAgent(publisher Publisher, proxy Proxy, opts ...Option) (*Agent, error) {
	if publisher == nil {
		return nil, errors.New("bridge: publisher is required")
	}
	if proxy == nil {
		return nil, errors.New("bridge: proxy is required")
	}

	a := &Agent{
		publisher:         publisher,
		proxy:             proxy,
		metrics:           noopMetrics{},
		logger:            slog.Default(),
		tracer:            otel.GetTracerProvider().Tracer(tracerName),
		telemetryInterval: DefaultTelemetryInterval,
		heartbeatInterval: DefaultHeartbeatInterval,
		startedAt:         time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.validator == nil {
		v, err := schema.NewValidator()
		if err != nil {
			return nil, fmt.Errorf("failed to load command schema: %w", err)
		}
		a.validator = v
	}
	a.telemetryInterval = loopInterval(a.telemetryInterval, DefaultTelemetryInterval)
	a.heartbeatInterval = loopInterval(a.heartbeatInterval, DefaultHeartbeatInterval)
	a.loopCtx, a.stopLoops = context.WithCancel(context.Background())
	return a, nil
}

func loopInterval(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		d = fallback
	}
	if d < minInterval {
		return minInterval
	}
	return d
}

// TelemetryInterval returns the effective telemetry period
func (a *Agent) TelemetryInterval() time.Duration { return a.telemetryInterval }

// HeartbeatInterval returns the effective heartbeat period
func (a *Agent) HeartbeatInterval() time.Duration { return a.heartbeatInterval }

// HandleCommand validates raw, serves it from the idempotency cache when possible
// and otherwise performs exactly one downstream call. Invalid commands return a
// *schema.ValidationError and never reach the proxy. Downstream failures that
// produced no HTTP response become a 500 Response that is never cached.
func (a *Agent) HandleCommand(ctx context.Context, raw map[string]any) (*contracts.Response, error) {
	ctx, span := a.tracer.Start(ctx, "bridge.HandleCommand", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	if err := a.validator.ValidateCommand(raw); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid command")
		a.logger.Warn("rejected invalid command",
			"correlation_id", contracts.RecoverCorrelationID(raw),
			"error", err)
		return nil, err
	}

	cmd, err := contracts.CommandFromMap(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid command")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("messaging.message.conversation_id", cmd.CorrelationID),
		attribute.String("http.request.method", cmd.Method),
		attribute.String("url.path", cmd.Endpoint),
	)

	if a.cache != nil && cmd.IdempotencyKey != "" {
		if cached, ok := a.cache.Get(cmd.IdempotencyKey); ok && cached != nil {
			resp := cached.Clone()
			resp.FromCache = true
			a.metrics.CacheServed()
			span.SetAttributes(attribute.Bool("bridge.from_cache", true))
			a.logger.Info("served command from idempotency cache",
				"correlation_id", cmd.CorrelationID,
				"idempotency_key", cmd.IdempotencyKey,
				"status_code", resp.StatusCode)
			return resp, nil
		}
	}

	start := time.Now()
	result, err := a.proxy.Request(ctx, cmd.Method, cmd.Endpoint, cmd.Data, cmd.Headers)
	elapsed := time.Since(start)
	latency := latencyMS(elapsed)

	if err != nil {
		a.metrics.DownstreamFailed(cmd.Method, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "downstream call failed")
		a.logger.Error("downstream call failed",
			"correlation_id", cmd.CorrelationID,
			"method", cmd.Method,
			"endpoint", cmd.Endpoint,
			"transport_error", errors.Is(err, downstream.ErrTransport),
			"error", err)

		resp := contracts.NewErrorResponse(cmd.CorrelationID, http.StatusInternalServerError, err.Error())
		resp.LatencyMS = &latency
		return resp, nil
	}

	a.metrics.DownstreamCompleted(cmd.Method, result.StatusCode, elapsed)
	span.SetAttributes(attribute.Int("http.response.status_code", result.StatusCode))

	resp := &contracts.Response{
		CorrelationID: contracts.CorrelationID(cmd.CorrelationID),
		StatusCode:    result.StatusCode,
		Timestamp:     contracts.FormatTimestamp(time.Now()),
		LatencyMS:     &latency,
		Data:          result.Body,
	}
	if !resp.IsSuccess() {
		resp.Error = errorBody(result)
		span.SetStatus(codes.Error, http.StatusText(result.StatusCode))
	}

	if resp.IsSuccess() && a.cache != nil && cmd.IdempotencyKey != "" {
		a.cache.Set(cmd.IdempotencyKey, resp.Clone())
	}

	a.logger.Info("command handled",
		"correlation_id", cmd.CorrelationID,
		"method", cmd.Method,
		"endpoint", cmd.Endpoint,
		"status_code", resp.StatusCode,
		"latency_ms", latency)
	return resp, nil
}

// Start connects the publisher and starts the telemetry and heartbeat loops.
// Calling Start on a running agent is a no-op.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.loopCtx.Err() != nil {
		return errors.New("bridge: agent is stopped")
	}
	if a.started {
		return nil
	}
	if err := a.publisher.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect transport client: %w", err)
	}
	a.started = true
	a.startedAt = time.Now()

	a.wg.Add(2)
	go a.runLoop("telemetry", a.telemetryInterval, a.publishTelemetry)
	go a.runLoop("heartbeat", a.heartbeatInterval, a.publishHeartbeat)

	a.logger.Info("edge agent started",
		"site_id", a.siteID,
		"telemetry_interval", a.telemetryInterval,
		"heartbeat_interval", a.heartbeatInterval,
		"cache", a.cache != nil)
	return nil
}

// Stop ends both loops, announces offline (retained), disconnects the publisher
// and releases the proxy. Only the first call has any effect.
func (a *Agent) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down edge agent")

		a.mu.Lock()
		started := a.started
		a.stopLoops()
		a.mu.Unlock()
		a.wg.Wait()

		var errs []error
		if started {
			if perr := a.publisher.PublishStatus(ctx, contracts.StatusOffline, true); perr != nil {
				a.logger.Warn("failed to publish offline status", "error", perr)
				errs = append(errs, perr)
			}
			if derr := a.publisher.Disconnect(ctx); derr != nil {
				errs = append(errs, derr)
			}
		}
		if cerr := a.proxy.Close(); cerr != nil {
			errs = append(errs, cerr)
		}
		err = errors.Join(errs...)
	})
	return err
}

// runLoop publishes immediately, then every interval until Stop
func (a *Agent) runLoop(name string, interval time.Duration, publish func(context.Context) error) {
	defer a.wg.Done()

	a.logger.Info(name+" loop active", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(a.loopCtx, interval)
		err := publish(ctx)
		cancel()
		a.metrics.LoopPublished(name, err)
		if err != nil && a.loopCtx.Err() == nil {
			a.logger.Warn(name+" publish failed", "error", err)
		}

		select {
		case <-a.loopCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) publishHeartbeat(ctx context.Context) error {
	return a.publisher.PublishStatus(ctx, contracts.StatusOnline, false)
}

func (a *Agent) publishTelemetry(ctx context.Context) error {
	fields := map[string]any{}
	if a.sampler != nil {
		extra, err := a.sampler.Sample(ctx)
		if err != nil {
			a.logger.Warn("telemetry sampler failed", "error", err)
		}
		for k, v := range extra {
			fields[k] = v
		}
	}
	fields["uptime_sec"] = int64(time.Since(a.startedAt).Seconds())
	if a.siteID != "" {
		fields["site_id"] = a.siteID
	}
	if a.cache != nil {
		fields["cache_entries"] = a.cache.Len()
	}
	return a.publisher.PublishData(ctx, contracts.NewTelemetryMessage(time.Now(), fields))
}

// latencyMS converts d to milliseconds rounded to two decimals
func latencyMS(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}

// errorBody is the error payload for a failed status: the body, or the status
// text when the body is empty
func errorBody(result *downstream.Result) any {
	switch body := result.Body.(type) {
	case nil:
	case string:
		if body != "" {
			return body
		}
	default:
		return body
	}
	if text := http.StatusText(result.StatusCode); text != "" {
		return text
	}
	return fmt.Sprintf("HTTP %d", result.StatusCode)
}
