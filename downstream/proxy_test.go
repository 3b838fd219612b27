package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glimte/mmate-edge/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    string
}

func newCapturingServer(t *testing.T, status int, contentType, body string) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()
	captured := make(chan capturedRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		captured <- capturedRequest{
			Method:  r.Method,
			Path:    r.URL.Path,
			Headers: r.Header.Clone(),
			Body:    string(raw),
		}
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func TestNew(t *testing.T) {
	t.Run("New trims trailing slashes", func(t *testing.T) {
		p, err := New("http://openhab.local:8080///")
		require.NoError(t, err)
		assert.Equal(t, "http://openhab.local:8080", p.BaseURL())
	})

	t.Run("New rejects malformed base URL", func(t *testing.T) {
		_, err := New("")
		assert.ErrorIs(t, err, ErrInvalidBaseURL)

		_, err = New("openhab.local")
		assert.ErrorIs(t, err, ErrInvalidBaseURL)
	})
}

func TestRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("JSON data is encoded with content type and auth header", func(t *testing.T) {
		srv, captured := newCapturingServer(t, http.StatusOK, "application/json", `{"ok":true}`)
		p, err := New(srv.URL, WithToken("secret"))
		require.NoError(t, err)

		result, err := p.Request(ctx, "post", "/rest/items/Kitchen", map[string]any{"state": "ON"}, nil)
		require.NoError(t, err)

		req := <-captured
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/rest/items/Kitchen", req.Path)
		assert.Equal(t, "application/json", req.Headers.Get("Content-Type"))
		assert.Equal(t, "application/json", req.Headers.Get("Accept"))
		assert.Equal(t, "Bearer secret", req.Headers.Get("Authorization"))
		assert.JSONEq(t, `{"state":"ON"}`, req.Body)

		assert.Equal(t, http.StatusOK, result.StatusCode)
		assert.Equal(t, map[string]any{"ok": true}, result.Body)
	})

	t.Run("Caller content type wins over JSON default", func(t *testing.T) {
		srv, captured := newCapturingServer(t, http.StatusOK, "", "")
		p, err := New(srv.URL)
		require.NoError(t, err)

		_, err = p.Request(ctx, http.MethodPut, "/rest/items/X", []any{1, 2}, map[string]string{"Content-Type": "application/vnd.custom+json"})
		require.NoError(t, err)

		req := <-captured
		assert.Equal(t, "application/vnd.custom+json", req.Headers.Get("Content-Type"))
		assert.Equal(t, "[1,2]", req.Body)
	})

	t.Run("String data is sent as-is", func(t *testing.T) {
		srv, captured := newCapturingServer(t, http.StatusAccepted, "", "")
		p, err := New(srv.URL)
		require.NoError(t, err)

		result, err := p.Request(ctx, http.MethodPost, "/rest/items/Light", "ON", map[string]string{"Content-Type": "text/plain"})
		require.NoError(t, err)

		req := <-captured
		assert.Equal(t, "ON", req.Body)
		assert.Equal(t, "text/plain", req.Headers.Get("Content-Type"))
		assert.Empty(t, req.Headers.Get("Authorization"))
		assert.Equal(t, http.StatusAccepted, result.StatusCode)
		assert.Equal(t, "", result.Body)
	})

	t.Run("Non JSON response is returned as text", func(t *testing.T) {
		srv, _ := newCapturingServer(t, http.StatusOK, "text/plain", "ON")
		p, err := New(srv.URL)
		require.NoError(t, err)

		result, err := p.Request(ctx, http.MethodGet, "/rest/items/Light/state", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "ON", result.Body)
		assert.Equal(t, "text/plain", result.Headers.Get("Content-Type"))
	})

	t.Run("Malformed JSON falls back to text", func(t *testing.T) {
		srv, _ := newCapturingServer(t, http.StatusOK, "application/json; charset=utf-8", "{not json")
		p, err := New(srv.URL)
		require.NoError(t, err)

		result, err := p.Request(ctx, http.MethodGet, "/rest/items", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "{not json", result.Body)
	})

	t.Run("Error statuses are normal results", func(t *testing.T) {
		srv, _ := newCapturingServer(t, http.StatusNotFound, "application/json", `{"error":{"message":"Item Foo does not exist!"}}`)
		p, err := New(srv.URL)
		require.NoError(t, err)

		result, err := p.Request(ctx, http.MethodGet, "/rest/items/Foo", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, result.StatusCode)
		assert.Contains(t, result.Body.(map[string]any), "error")
	})

	t.Run("Timeout surfaces as transport error", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		t.Cleanup(srv.Close)
		t.Cleanup(func() { close(release) })

		p, err := New(srv.URL, WithTimeout(50*time.Millisecond))
		require.NoError(t, err)

		_, err = p.Request(ctx, http.MethodGet, "/rest/items", nil, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTransport)

		var terr *TransportError
		require.True(t, errors.As(err, &terr))
		assert.Equal(t, http.MethodGet, terr.Method)
		assert.Equal(t, srv.URL+"/rest/items", terr.URL)
	})

	t.Run("Connection refused surfaces as transport error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		p, err := New(url, WithTimeout(time.Second))
		require.NoError(t, err)

		_, err = p.Request(ctx, http.MethodGet, "/rest", nil, nil)
		assert.ErrorIs(t, err, ErrTransport)
	})

	t.Run("Unknown method is rejected before dispatch", func(t *testing.T) {
		p, err := New("http://127.0.0.1:1")
		require.NoError(t, err)

		_, err = p.Request(ctx, "TRACE", "/rest", nil, nil)
		assert.ErrorIs(t, err, ErrInvalidMethod)
		assert.NotErrorIs(t, err, ErrTransport)
	})

	t.Run("Unencodable data is not a transport error", func(t *testing.T) {
		p, err := New("http://127.0.0.1:1")
		require.NoError(t, err)

		_, err = p.Request(ctx, http.MethodPost, "/rest", map[string]any{"ch": make(chan int)}, nil)
		require.Error(t, err)
		var jsonErr *json.UnsupportedTypeError
		assert.ErrorAs(t, err, &jsonErr)
		assert.NotErrorIs(t, err, ErrTransport)
	})
}

func TestRequestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("Open circuit fails fast without dispatch", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(2), reliability.WithTimeout(time.Hour))
		p, err := New(url, WithCircuitBreaker(cb), WithTimeout(time.Second))
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, err = p.Request(ctx, http.MethodGet, "/rest", nil, nil)
			assert.ErrorIs(t, err, ErrTransport)
		}
		assert.Equal(t, reliability.StateOpen, cb.State())

		_, err = p.Request(ctx, http.MethodGet, "/rest", nil, nil)
		assert.ErrorIs(t, err, ErrTransport)
		assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
	})

	t.Run("HTTP error statuses do not trip the circuit", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(srv.Close)

		cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(1))
		p, err := New(srv.URL, WithCircuitBreaker(cb))
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			result, err := p.Request(ctx, http.MethodGet, "/rest", nil, nil)
			require.NoError(t, err)
			assert.Equal(t, http.StatusInternalServerError, result.StatusCode)
		}
		assert.Equal(t, reliability.StateClosed, cb.State())
		assert.Same(t, cb, p.Breaker())
	})
}

func TestClose(t *testing.T) {
	p, err := New("http://localhost:8080")
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}
