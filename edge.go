// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/glimte/mmate-edge/bridge"
	"github.com/glimte/mmate-edge/config"
	"github.com/glimte/mmate-edge/contracts"
	"github.com/glimte/mmate-edge/downstream"
	"github.com/glimte/mmate-edge/health"
	"github.com/glimte/mmate-edge/idempotency"
	"github.com/glimte/mmate-edge/internal/reliability"
	"github.com/glimte/mmate-edge/messaging"
	"github.com/glimte/mmate-edge/monitor"
	"github.com/glimte/mmate-edge/transports/mqtt"
	"github.com/glimte/mmate-edge/transports/rabbitmq"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
)

const (
	shutdownTimeout = 10 * time.Second
	breakerTimeout  = 30 * time.Second
)

// Agent is a fully wired edge agent: transport, client, downstream proxy,
// idempotency cache, bridge loops, metrics and health
type Agent struct {
	settings  *config.Settings
	logger    *slog.Logger
	transport messaging.Transport
	client    *messaging.Client
	bridge    *bridge.Agent
	proxy     *downstream.Proxy
	cache     *idempotency.Cache[*contracts.Response]
	health    *health.Registry
	registry  *prometheus.Registry
	admin     *monitor.Server
}

type options struct {
	logger         *slog.Logger
	transport      messaging.Transport
	registry       *prometheus.Registry
	tracerProvider trace.TracerProvider
	proxyOpts      []downstream.Option
}

// Option configures New
type Option func(*options)

// WithLogger sets the logger for every component
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTransport uses transport instead of building one from the settings
func WithTransport(transport messaging.Transport) Option {
	return func(o *options) {
		o.transport = transport
	}
}

// WithRegistry registers metrics with reg instead of a fresh registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithTracerProvider sets the tracer provider for downstream and command spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithProxyOptions appends options to the downstream proxy
func WithProxyOptions(opts ...downstream.Option) Option {
	return func(o *options) {
		o.proxyOpts = append(o.proxyOpts, opts...)
	}
}

// New builds every component from settings. Nothing connects until Start.
func New(settings *config.Settings, opts ...Option) (*Agent, error) {
	if settings == nil {
		return nil, errors.New("edge: settings are required")
	}
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	logger := o.logger.With("site_id", settings.SiteID)
	metrics := monitor.NewMetrics(o.registry)
	topics := settings.Topics()

	a := &Agent{
		settings: settings,
		logger:   logger,
		health:   health.NewRegistry(),
		registry: o.registry,
	}

	transport := o.transport
	if transport == nil {
		var err error
		transport, err = NewTransport(settings, RoleAgent, logger)
		if err != nil {
			return nil, err
		}
	}
	a.transport = transport

	if settings.CacheEnabled() {
		cache, err := idempotency.New[*contracts.Response](settings.CacheTTL(), settings.Cache.Size,
			idempotency.WithCloneFunc((*contracts.Response).Clone),
			idempotency.WithMetrics[*contracts.Response](idempotency.NewMetrics(o.registry)))
		if err != nil {
			return nil, fmt.Errorf("failed to create idempotency cache: %w", err)
		}
		a.cache = cache
	}

	proxyOpts := []downstream.Option{
		downstream.WithToken(settings.Downstream.Token),
		downstream.WithTimeout(settings.DownstreamTimeout()),
		downstream.WithLogger(logger),
		downstream.WithTracerProvider(o.tracerProvider),
	}
	var breaker *reliability.CircuitBreaker
	if settings.Downstream.BreakerThreshold > 0 {
		breaker = reliability.NewCircuitBreaker(
			reliability.WithName("downstream"),
			reliability.WithFailureThreshold(settings.Downstream.BreakerThreshold),
			reliability.WithTimeout(breakerTimeout))
		breaker.AddListener(metrics)
		proxyOpts = append(proxyOpts, downstream.WithCircuitBreaker(breaker))
	}
	proxy, err := downstream.New(settings.Downstream.BaseURL, append(proxyOpts, o.proxyOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create downstream proxy: %w", err)
	}
	a.proxy = proxy

	client, err := messaging.NewClient(transport, topics,
		messaging.CommandHandlerFunc(a.handleCommand),
		messaging.WithLogger(logger),
		messaging.WithWorkers(settings.Agent.Workers),
		messaging.WithResubscribeBackoff(settings.ReconnectBackoff()),
		messaging.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create transport client: %w", err)
	}
	a.client = client

	bridgeOpts := []bridge.Option{
		bridge.WithLogger(logger),
		bridge.WithMetrics(metrics),
		bridge.WithSiteID(settings.SiteID),
		bridge.WithTelemetryInterval(settings.TelemetryInterval()),
		bridge.WithHeartbeatInterval(settings.HeartbeatInterval()),
		bridge.WithTracerProvider(o.tracerProvider),
		bridge.WithSampler(bridge.SamplerFunc(a.sample)),
	}
	if a.cache != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithCache(a.cache))
	}
	agent, err := bridge.NewAgent(client, proxy, bridgeOpts...)
	if err != nil {
		return nil, err
	}
	a.bridge = agent

	a.health.SetMetadata("site_id", settings.SiteID)
	a.health.Register(health.NewTransportChecker(settings.Transport, client))
	a.health.Register(health.NewRuntimeChecker(500, 1000))
	if breaker != nil {
		a.health.Register(health.NewCircuitChecker(breaker))
	}
	if settings.Admin.Addr != "" {
		a.admin = monitor.NewServer(settings.Admin.Addr, o.registry, a.health,
			monitor.WithServerLogger(logger))
	}

	logger.Info("edge agent configured",
		"transport", settings.Transport,
		"command_topic", topics.Command,
		"downstream", proxy.BaseURL(),
		"cache", a.cache != nil,
		"workers", settings.Agent.Workers,
		"breaker", breaker != nil)
	return a, nil
}

// Role selects how NewTransport identifies itself to the broker
type Role int

const (
	// RoleAgent is the agent's own session: configured client id, configured
	// session persistence and a retained offline last will
	RoleAgent Role = iota
	// RoleController is a short-lived tool session with a unique client id,
	// a clean session and no last will
	RoleController
)

// NewTransport builds the broker transport selected by settings
func NewTransport(settings *config.Settings, role Role, logger *slog.Logger) (messaging.Transport, error) {
	clientID := settings.ClientID()
	cleanSession := settings.MQTT.CleanSession
	if role == RoleController {
		clientID = fmt.Sprintf("%s-ctl-%s", clientID, uuid.NewString()[:8])
		cleanSession = true
	}

	switch settings.Transport {
	case config.TransportAMQP:
		cfg := rabbitmq.Config{
			URL:          settings.AMQP.URL,
			ClientID:     clientID,
			CleanSession: cleanSession,
			Prefetch:     settings.Agent.Workers,
			Reconnect:    settings.ReconnectBackoff(),
		}
		if u, err := url.Parse(settings.AMQP.URL); err == nil && u.Scheme == "amqps" {
			tlsConfig, err := config.LoadClientTLS(settings.MQTT.CA, settings.MQTT.Cert, settings.MQTT.Key)
			if err != nil {
				return nil, err
			}
			cfg.TLS = tlsConfig
		}
		return rabbitmq.New(cfg, rabbitmq.WithLogger(logger))

	default:
		tlsConfig, err := settings.TLSConfig()
		if err != nil {
			return nil, err
		}
		var will *mqtt.Will
		if role == RoleAgent {
			if will, err = offlineWill(settings.Topics().Status); err != nil {
				return nil, err
			}
		}
		return mqtt.New(mqtt.Config{
			Broker:       mqtt.BrokerURL(settings.MQTT.Host, settings.MQTT.Port, settings.MQTT.TLS),
			ClientID:     clientID,
			Username:     settings.MQTT.Username,
			Password:     settings.MQTT.Password,
			TLS:          tlsConfig,
			KeepAlive:    settings.KeepAlive(),
			CleanSession: cleanSession,
			Will:         will,
			Reconnect:    settings.ReconnectBackoff(),
		}, mqtt.WithLogger(logger))
	}
}

// offlineWill is the retained offline status the broker publishes if the agent
// vanishes without a clean disconnect
func offlineWill(topic string) (*mqtt.Will, error) {
	payload, err := json.Marshal(contracts.NewStatusMessage(contracts.StatusOffline, time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to encode last will: %w", err)
	}
	return &mqtt.Will{
		Topic:   topic,
		Payload: payload,
		QoS:     messaging.QoSAtLeastOnce,
		Retain:  true,
	}, nil
}

func (a *Agent) handleCommand(ctx context.Context, raw map[string]any) (*contracts.Response, error) {
	return a.bridge.HandleCommand(ctx, raw)
}

// sample adds connection and downstream state to each telemetry message
func (a *Agent) sample(context.Context) (map[string]any, error) {
	fields := map[string]any{
		"transport":  a.settings.Transport,
		"connected":  a.client.IsConnected(),
		"downstream": a.proxy.BaseURL(),
	}
	if breaker := a.proxy.Breaker(); breaker != nil {
		fields["downstream_circuit"] = breaker.State().String()
	}
	return fields, nil
}

// Start starts the admin server, connects and starts the bridge loops
func (a *Agent) Start(ctx context.Context) error {
	if a.admin != nil {
		if err := a.admin.Start(); err != nil {
			return err
		}
	}
	if err := a.bridge.Start(ctx); err != nil {
		if a.admin != nil {
			_ = a.admin.Shutdown(ctx)
		}
		return err
	}
	return nil
}

// Stop announces offline, drains in-flight commands, disconnects and stops the
// admin server
func (a *Agent) Stop(ctx context.Context) error {
	err := a.bridge.Stop(ctx)
	if a.admin != nil {
		err = errors.Join(err, a.admin.Shutdown(ctx))
	}
	return err
}

// Run starts the agent and blocks until ctx ends, then stops it
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.logger.Info("shutdown requested", "cause", context.Cause(ctx))

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Stop(stopCtx)
}

// Bridge returns the command bridge
func (a *Agent) Bridge() *bridge.Agent { return a.bridge }

// Client returns the transport client
func (a *Agent) Client() *messaging.Client { return a.client }

// Health returns the health registry
func (a *Agent) Health() *health.Registry { return a.health }

// Registry returns the Prometheus registry
func (a *Agent) Registry() *prometheus.Registry { return a.registry }

// Cache returns the idempotency cache, or nil when caching is disabled
func (a *Agent) Cache() *idempotency.Cache[*contracts.Response] { return a.cache }
