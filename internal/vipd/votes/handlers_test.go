package votes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postVote(t *testing.T, h http.Handler, auth, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/votes/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleWebhookAcceptsVote(t *testing.T) {
	f := newFixture(t)
	h := HandleWebhook(f.svc)

	rec := postVote(t, h, testSecret, `{"bot":"b-1","user":"u-1","type":"upvote","isWeekend":false,"query":{"ref":"site","page":2}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.False(t, resp.Ignored)

	vote := f.record(t, "u-1")
	require.NotNil(t, vote)
	assert.Equal(t, "upvote", vote.Kind)
	assert.Equal(t, `{"ref":"site","page":2}`, vote.Query)

	rec = postVote(t, h, testSecret, `{"user":"u-1","type":"upvote"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Ignored)
}

func TestHandleWebhookRejectsBadAuthorization(t *testing.T) {
	f := newFixture(t)
	h := HandleWebhook(f.svc)

	rec := postVote(t, h, "nope", `{"user":"u-1","type":"upvote"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postVote(t, h, "", `{"user":"u-1","type":"upvote"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, f.record(t, "u-1"))
}

func TestHandleWebhookBadRequests(t *testing.T) {
	f := newFixture(t)
	h := HandleWebhook(f.svc)

	rec := postVote(t, h, testSecret, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postVote(t, h, testSecret, `{"type":"upvote"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/votes/webhook", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleStatusCollects(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Ingest(context.Background(), testSecret, Event{UserID: "u-1", Kind: "upvote"})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/api/votes/{user_id}", HandleStatus(f.svc))

	get := func() Status {
		req := httptest.NewRequest(http.MethodGet, "/api/votes/u-1", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var st Status
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
		return st
	}

	first := get()
	assert.True(t, first.HasVoted)
	assert.False(t, first.HasCollected)
	assert.Equal(t, "upvote", first.Kind)

	second := get()
	assert.False(t, second.HasVoted)
	assert.True(t, second.HasCollected)
}

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "absent", raw: "", want: ""},
		{name: "null", raw: "null", want: ""},
		{name: "string", raw: `"?a=1"`, want: "?a=1"},
		{name: "object", raw: `{ "a" : 1 }`, want: `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeQuery(json.RawMessage(tt.raw)))
		})
	}
}
