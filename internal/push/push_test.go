package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/go-squadchat/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestWebhookDispatcher_Dispatch(t *testing.T) {
	t.Run("posts notification", func(t *testing.T) {
		var got webhookPayload
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method, "expected POST request")
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		d := NewWebhookDispatcher(srv.URL, time.Second)
		err := d.Dispatch(context.Background(), "bob", Notification{Title: "Alice", Body: "hello", URL: "/rooms/trip:1"})
		assert.NoError(t, err, "expected dispatch to succeed")
		assert.Equal(t, "bob", got.PrincipalId)
		assert.Equal(t, "Alice", got.Title)
		assert.Equal(t, "hello", got.Body)
	})

	t.Run("gateway error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		d := NewWebhookDispatcher(srv.URL, time.Second)
		err := d.Dispatch(context.Background(), "bob", Notification{Title: "Alice"})
		assert.ErrorContains(t, err, "502")
	})

	t.Run("context canceled", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		d := NewWebhookDispatcher(srv.URL, time.Second)
		assert.Error(t, d.Dispatch(ctx, "bob", Notification{}), "expected canceled context to fail")
	})
}

func TestLogDispatcher_Dispatch(t *testing.T) {
	d := NewLogDispatcher(testutil.TestLogger(t))
	assert.NoError(t, d.Dispatch(context.Background(), "bob", Notification{Title: "Alice", Body: "hi"}))
}
