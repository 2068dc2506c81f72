package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lunarhq/vipd/internal/vipd/vpmetrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordNotifierPostsContent(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	n := NewDiscordNotifier(srv.URL)
	require.NoError(t, n.Notify(context.Background(), "user 42 just voted"))
	assert.Equal(t, "user 42 just voted", got.Content)
}

func TestDiscordNotifierReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	err := NewDiscordNotifier(srv.URL).Notify(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestLogNotifier(t *testing.T) {
	var seen string
	n := NewLogNotifier(func(message string) { seen = message })
	require.NoError(t, n.Notify(context.Background(), "hello"))
	assert.Equal(t, "hello", seen)
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, string) error { return assert.AnError }

func TestSendSwallowsFailures(t *testing.T) {
	before := testutil.ToFloat64(vpmetrics.NotificationsTotal.WithLabelValues("failed"))
	Send(context.Background(), failingNotifier{}, "boom")
	after := testutil.ToFloat64(vpmetrics.NotificationsTotal.WithLabelValues("failed"))
	assert.Equal(t, before+1, after)

	Send(context.Background(), nil, "ignored")
}

func TestFireDeliversAsynchronously(t *testing.T) {
	got := make(chan string, 1)
	Fire(NewLogNotifier(func(message string) { got <- message }), "async")
	assert.Equal(t, "async", <-got)
}
