// Package downstream translates bridge commands into HTTP calls against the local
// openHAB REST API and normalizes what comes back.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/glimte/mmate-edge/internal/reliability"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds each downstream call when no timeout is configured
const DefaultTimeout = 10 * time.Second

var (
	// ErrTransport is matched by every *TransportError
	ErrTransport = errors.New("downstream: transport failure")
	// ErrInvalidMethod is returned for methods outside the supported HTTP verbs
	ErrInvalidMethod = errors.New("downstream: unsupported HTTP method")
	// ErrInvalidBaseURL is returned by New for an empty or malformed base URL
	ErrInvalidBaseURL = errors.New("downstream: invalid base URL")
)

var allowedMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodHead:    {},
	http.MethodOptions: {},
}

// TransportError reports a call that never produced an HTTP response: timeout,
// connection failure, or a rejection by the circuit breaker
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("downstream %s %s failed: %v", e.Method, e.URL, e.Err)
}

// Unwrap exposes both ErrTransport and the underlying cause
func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// Result is a normalized downstream response. Body is the decoded JSON value for
// JSON responses and the raw text otherwise.
type Result struct {
	StatusCode int
	Headers    http.Header
	Body       any
}

// Proxy performs one HTTP call per Request. It never retries.
type Proxy struct {
	baseURL        string
	token          string
	timeout        time.Duration
	client         *http.Client
	breaker        *reliability.CircuitBreaker
	tracerProvider trace.TracerProvider
	logger         *slog.Logger
}

// Option configures a Proxy
type Option func(*Proxy)

// WithToken sets the bearer token sent on every request
func WithToken(token string) Option {
	return func(p *Proxy) {
		p.token = token
	}
}

// WithTimeout bounds each request
func WithTimeout(timeout time.Duration) Option {
	return func(p *Proxy) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithHTTPClient replaces the HTTP client; its transport is still instrumented
func WithHTTPClient(client *http.Client) Option {
	return func(p *Proxy) {
		if client != nil {
			p.client = client
		}
	}
}

// WithCircuitBreaker fails calls fast while the downstream is unreachable.
// Only transport failures count against the breaker; HTTP error statuses do not.
func WithCircuitBreaker(cb *reliability.CircuitBreaker) Option {
	return func(p *Proxy) {
		p.breaker = cb
	}
}

// WithTracerProvider sets the provider used for client spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Proxy) {
		p.tracerProvider = tp
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) {
		p.logger = logger
	}
}

// New creates a proxy for baseURL. Trailing slashes are trimmed; endpoints are
// appended verbatim.
func New(baseURL string, opts ...Option) (*Proxy, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" || !(strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://")) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}

	p := &Proxy{
		baseURL: trimmed,
		timeout: DefaultTimeout,
		client:  &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	base := p.client.Transport
	if base == nil {
		base = http.DefaultTransport.(*http.Transport).Clone()
	}
	var otelOpts []otelhttp.Option
	if p.tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(p.tracerProvider))
	}
	client := *p.client
	client.Transport = otelhttp.NewTransport(base, otelOpts...)
	client.Timeout = p.timeout
	p.client = &client

	return p, nil
}

// BaseURL returns the normalized base URL
func (p *Proxy) BaseURL() string {
	return p.baseURL
}

// Breaker returns the configured circuit breaker, if any
func (p *Proxy) Breaker() *reliability.CircuitBreaker {
	return p.breaker
}

// Request performs method against baseURL+endpoint.
//
// data that is a string is sent as-is; any other non-nil value is sent as a JSON
// body with Content-Type application/json unless headers already set one. Non-2xx
// statuses are returned as normal results. A call that produced no response
// returns a *TransportError.
func (p *Proxy) Request(ctx context.Context, method, endpoint string, data any, headers map[string]string) (*Result, error) {
	method = strings.ToUpper(method)
	if _, ok := allowedMethods[method]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	url := p.baseURL + endpoint

	body, jsonBody, err := encodeBody(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body for %s %s: %w", method, url, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &TransportError{Method: method, URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if jsonBody && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	p.logger.Debug("dispatching downstream request",
		"method", method,
		"url", url,
		"headers", headerNames(req.Header))

	start := time.Now()
	var result *Result
	call := func() error {
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		result, err = normalize(resp)
		return err
	}

	if p.breaker != nil {
		err = p.breaker.Execute(ctx, call)
	} else {
		err = call()
	}
	elapsed := time.Since(start)

	if err != nil {
		p.logger.Warn("downstream request failed",
			"method", method,
			"url", url,
			"elapsed_ms", elapsed.Milliseconds(),
			"error", err)
		return nil, &TransportError{Method: method, URL: url, Err: err}
	}

	p.logger.Info("downstream responded",
		"method", method,
		"url", url,
		"status_code", result.StatusCode,
		"elapsed_ms", float64(elapsed.Microseconds())/1000)
	return result, nil
}

// Close releases idle connections
func (p *Proxy) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func encodeBody(data any) (io.Reader, bool, error) {
	switch v := data.(type) {
	case nil:
		return nil, false, nil
	case string:
		return strings.NewReader(v), false, nil
	case []byte:
		return bytes.NewReader(v), false, nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, false, err
		}
		return bytes.NewReader(encoded), true, nil
	}
}

func normalize(resp *http.Response) (*Result, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	result := &Result{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       string(raw),
	}

	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "application/json") && len(bytes.TrimSpace(raw)) > 0 {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			result.Body = decoded
		}
	}
	return result, nil
}

func headerNames(h http.Header) []string {
	names := make([]string, 0, len(h))
	for k := range h {
		if k == "Authorization" {
			continue
		}
		names = append(names, k)
	}
	return names
}
