package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-edge/contracts"
	"github.com/glimte/mmate-edge/messaging"
	"github.com/glimte/mmate-edge/messaging/messagingtest"
	"github.com/glimte/mmate-edge/schema"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectedTransport(t *testing.T) *messagingtest.Transport {
	t.Helper()
	tr := messagingtest.New()
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr
}

// respond installs a fake edge that answers every command via answer
func respond(t *testing.T, tr *messagingtest.Transport, topics contracts.Topics, answer func(contracts.Command) []contracts.Response) {
	t.Helper()
	err := tr.Subscribe(context.Background(), topics.Command, messaging.QoSAtLeastOnce,
		func(ctx context.Context, d messaging.Delivery) {
			var cmd contracts.Command
			if err := json.Unmarshal(d.Payload, &cmd); err != nil {
				return
			}
			for _, resp := range answer(cmd) {
				if resp.Timestamp == "" {
					resp.Timestamp = contracts.FormatTimestamp(time.Now())
				}
				body, _ := json.Marshal(resp)
				_ = tr.Publish(ctx, topics.Response, body, messaging.PublishOptions{QoS: messaging.QoSAtLeastOnce})
			}
		})
	require.NoError(t, err)
}

func TestRequester(t *testing.T) {
	topics := contracts.DefaultTopics("site-1")

	t.Run("NewRequester validates arguments", func(t *testing.T) {
		_, err := NewRequester(nil, topics)
		assert.Error(t, err)

		_, err = NewRequester(messagingtest.New(), contracts.Topics{})
		assert.ErrorIs(t, err, contracts.ErrInvalidTopics)
	})

	t.Run("Request returns the correlated response", func(t *testing.T) {
		tr := connectedTransport(t)
		respond(t, tr, topics, func(cmd contracts.Command) []contracts.Response {
			return []contracts.Response{{
				CorrelationID: contracts.CorrelationID(cmd.CorrelationID),
				StatusCode:    200,
				Data:          "ON",
			}}
		})

		r, err := NewRequester(tr, topics)
		require.NoError(t, err)

		resp, err := r.Request(context.Background(), contracts.Command{
			Method:        "GET",
			Endpoint:      "/rest/items/Kitchen/state",
			CorrelationID: "abc",
		}, time.Second)
		require.NoError(t, err)
		assert.Equal(t, contracts.CorrelationID("abc"), resp.CorrelationID)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "ON", resp.Data)
		assert.Equal(t, 0, r.Pending())

		commands := tr.Published(topics.Command)
		require.Len(t, commands, 1)
		assert.Equal(t, messaging.QoSAtLeastOnce, commands[0].QoS)
		assert.False(t, commands[0].Retain)
	})

	t.Run("Missing correlation id is generated", func(t *testing.T) {
		tr := connectedTransport(t)
		respond(t, tr, topics, func(cmd contracts.Command) []contracts.Response {
			return []contracts.Response{{CorrelationID: contracts.CorrelationID(cmd.CorrelationID), StatusCode: 204}}
		})

		r, err := NewRequester(tr, topics)
		require.NoError(t, err)

		resp, err := r.Request(context.Background(), contracts.Command{Method: "GET", Endpoint: "/rest/items"}, time.Second)
		require.NoError(t, err)
		_, err = uuid.Parse(string(resp.CorrelationID))
		assert.NoError(t, err)
	})

	t.Run("Responses for other requests are ignored", func(t *testing.T) {
		tr := connectedTransport(t)
		respond(t, tr, topics, func(cmd contracts.Command) []contracts.Response {
			return []contracts.Response{
				{CorrelationID: "someone-else", StatusCode: 500},
				{CorrelationID: contracts.CorrelationID(cmd.CorrelationID), StatusCode: 200, Data: "mine"},
			}
		})

		r, err := NewRequester(tr, topics)
		require.NoError(t, err)

		resp, err := r.Request(context.Background(), contracts.Command{
			Method: "GET", Endpoint: "/rest/items", CorrelationID: "c-42",
		}, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "mine", resp.Data)
	})

	t.Run("Response failing the response schema is an error", func(t *testing.T) {
		tr := connectedTransport(t)
		err := tr.Subscribe(context.Background(), topics.Command, messaging.QoSAtLeastOnce,
			func(ctx context.Context, d messaging.Delivery) {
				var cmd contracts.Command
				if err := json.Unmarshal(d.Payload, &cmd); err != nil {
					return
				}
				body := `{"correlation_id":"` + cmd.CorrelationID + `","status_code":42,"timestamp":"2024-01-01T00:00:00Z"}`
				_ = tr.Publish(ctx, topics.Response, []byte(body), messaging.PublishOptions{QoS: messaging.QoSAtLeastOnce})
			})
		require.NoError(t, err)

		r, err := NewRequester(tr, topics)
		require.NoError(t, err)

		resp, err := r.Request(context.Background(), contracts.Command{
			Method: "GET", Endpoint: "/rest/items", CorrelationID: "bad-status",
		}, time.Second)
		assert.Nil(t, resp)
		assert.ErrorIs(t, err, ErrInvalidResponse)

		var verr *schema.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "status_code", verr.Field)
	})

	t.Run("Request times out without a response", func(t *testing.T) {
		tr := connectedTransport(t)
		r, err := NewRequester(tr, topics)
		require.NoError(t, err)

		start := time.Now()
		_, err = r.Request(context.Background(), contracts.Command{
			Method: "GET", Endpoint: "/rest/items", CorrelationID: "late",
		}, 30*time.Millisecond)
		assert.ErrorIs(t, err, ErrRequestTimeout)
		assert.Contains(t, err.Error(), "late")
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
		assert.Equal(t, 0, r.Pending())
	})

	t.Run("Request honors context cancellation", func(t *testing.T) {
		tr := connectedTransport(t)
		r, err := NewRequester(tr, topics)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = r.Request(ctx, contracts.Command{Method: "GET", Endpoint: "/rest/items"}, time.Minute)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Pending limit rejects extra requests", func(t *testing.T) {
		tr := connectedTransport(t)
		r, err := NewRequester(tr, topics, WithMaxPending(1))
		require.NoError(t, err)

		firstDone := make(chan error, 1)
		go func() {
			_, err := r.Request(context.Background(), contracts.Command{
				Method: "GET", Endpoint: "/rest/items", CorrelationID: "first",
			}, 200*time.Millisecond)
			firstDone <- err
		}()
		require.Eventually(t, func() bool { return r.Pending() == 1 }, time.Second, time.Millisecond)

		_, err = r.Request(context.Background(), contracts.Command{
			Method: "GET", Endpoint: "/rest/items", CorrelationID: "second",
		}, time.Second)
		assert.ErrorIs(t, err, ErrTooManyPending)
		assert.ErrorIs(t, <-firstDone, ErrRequestTimeout)
	})

	t.Run("Publish failure is returned", func(t *testing.T) {
		tr := connectedTransport(t)
		tr.PublishErr = func(string) error { return errors.New("broker gone") }
		r, err := NewRequester(tr, topics)
		require.NoError(t, err)

		_, err = r.Request(context.Background(), contracts.Command{Method: "GET", Endpoint: "/rest/items"}, time.Second)
		assert.ErrorContains(t, err, "broker gone")
		assert.Equal(t, 0, r.Pending())
	})

	t.Run("Response subscription is renewed after reconnect", func(t *testing.T) {
		tr := connectedTransport(t)
		respond(t, tr, topics, func(cmd contracts.Command) []contracts.Response {
			return []contracts.Response{{CorrelationID: contracts.CorrelationID(cmd.CorrelationID), StatusCode: 200}}
		})

		r, err := NewRequester(tr, topics)
		require.NoError(t, err)

		countResponseSubs := func() int {
			n := 0
			for _, topic := range tr.Subscriptions() {
				if topic == topics.Response {
					n++
				}
			}
			return n
		}

		_, err = r.Request(context.Background(), contracts.Command{Method: "GET", Endpoint: "/a"}, time.Second)
		require.NoError(t, err)
		_, err = r.Request(context.Background(), contracts.Command{Method: "GET", Endpoint: "/b"}, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, countResponseSubs())

		tr.DropConnection(errors.New("keepalive timeout"))
		tr.Reconnect()
		require.Eventually(t, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return !r.subscribed
		}, time.Second, time.Millisecond)

		_, err = r.Request(context.Background(), contracts.Command{Method: "GET", Endpoint: "/c"}, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 2, countResponseSubs())
	})
}

func TestWatchStatus(t *testing.T) {
	topics := contracts.DefaultTopics("site-1")
	tr := connectedTransport(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan contracts.StatusMessage, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchStatus(ctx, tr, topics.Status, func(s contracts.StatusMessage) { seen <- s })
	}()
	require.Eventually(t, func() bool { return len(tr.Subscriptions()) == 1 }, time.Second, time.Millisecond)

	publish := func(payload string) {
		require.NoError(t, tr.Publish(context.Background(), topics.Status, []byte(payload),
			messaging.PublishOptions{QoS: messaging.QoSAtLeastOnce}))
	}
	publish(`not json`)
	publish(`{"ts":"2024-01-01T00:00:00Z"}`)
	publish(`{"status":"online","ts":"2024-01-01T00:00:00Z"}`)
	publish(`{"status":"offline","ts":"2024-01-01T00:00:05Z"}`)

	first := <-seen
	assert.Equal(t, contracts.StatusOnline, first.Status)
	assert.Equal(t, "2024-01-01T00:00:00Z", first.TS)
	assert.Equal(t, contracts.StatusOffline, (<-seen).Status)

	cancel()
	assert.NoError(t, <-done)
}

func TestWatchStatusSubscribeFailure(t *testing.T) {
	tr := messagingtest.New()
	err := WatchStatus(context.Background(), tr, "wsn/site-1/openhab/status", func(contracts.StatusMessage) {})
	assert.ErrorIs(t, err, messaging.ErrNotConnected)
}
