package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	baseLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	log.Logger = baseLogger
	outputFn = func() io.Writer { return os.Stderr }
	zerolog.TimeFieldFormat = timeFormat
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	require.NotEmpty(t, line, "expected log output")

	var event map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &event))
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	outputFn = func() io.Writer { return &buf }

	Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "vipd",
	})

	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	log.Debug().Str("user_id", "u1").Msg("hello")
	event := readJSONLine(t, &buf)
	assert.Equal(t, "vipd", event["component"])
	assert.Equal(t, "u1", event["user_id"])
	assert.Equal(t, "hello", event["message"])
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"INFO":     zerolog.InfoLevel,
		"debug":    zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"bogus":    zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestSelectWriterAutoUsesConsoleOnTerminal(t *testing.T) {
	t.Cleanup(resetLoggingState)

	orig := isTerminalFn
	isTerminalFn = func(int) bool { return true }
	t.Cleanup(func() { isTerminalFn = orig })

	w := selectWriter("auto")
	_, ok := w.(zerolog.ConsoleWriter)
	assert.True(t, ok, "expected console writer on a terminal")

	var buf bytes.Buffer
	outputFn = func() io.Writer { return &buf }
	assert.Equal(t, io.Writer(&buf), selectWriter("auto"), "non-file output stays JSON")
}

func TestFromContextTagsRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	outputFn = func() io.Writer { return &buf }
	Init(Config{Format: "json", Level: "info"})

	ctx, _ := WithRequestID(context.Background(), "req-42")
	FromContext(ctx).Info().Msg("tagged")

	event := readJSONLine(t, &buf)
	assert.Equal(t, "req-42", event["request_id"])
}

func TestWithRequestIDGeneratesWhenEmpty(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  ")
	require.NotEmpty(t, id)
	assert.Equal(t, id, RequestID(ctx))

	ctx, id = WithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", id)
	assert.Equal(t, "req-123", RequestID(ctx))
}

func TestMiddlewareEchoesRequestID(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get(RequestIDHeader))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}
