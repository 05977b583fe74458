package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(DefaultConfig(), &buf)

	logger.Info("webhook processed", "report_id", "r-1")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "webhook processed", entry["msg"])
	assert.Equal(t, "r-1", entry["report_id"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Level = "warn"
	logger := NewWithWriter(cfg, &buf)

	logger.Info("ignored")
	assert.Zero(t, buf.Len())

	logger.Warn("kept")
	assert.NotZero(t, buf.Len())
}

func TestLogger_RequestIDFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(DefaultConfig(), &buf)

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-42")
	logger.InfoContext(ctx, "with request id")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "req-42", entry["request_id"])
}

func TestLogger_WithReport(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(DefaultConfig(), &buf)

	logger.WithReport("greeting_reports", "r-1").Info("ok")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "greeting_reports", entry["report_table"])
	assert.Equal(t, "r-1", entry["report_id"])
}

func TestHTTPMiddleware_Logs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(DefaultConfig(), &buf)
	mw := NewHTTPMiddleware(logger.Logger)

	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/report", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get(RequestHeaderRequestID))

	entry := decodeLine(t, &buf)
	assert.Equal(t, "http request", entry["msg"])
	assert.Equal(t, "/webhooks/report", entry["path"])
	assert.Equal(t, float64(http.StatusAccepted), entry["status"])
	assert.NotEmpty(t, entry["request_id"])
}

func TestHTTPMiddleware_PropagatesIncomingRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(DefaultConfig(), &buf)
	mw := NewHTTPMiddleware(logger.Logger)

	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestHeaderRequestID, "req-abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-abc", rec.Header().Get(RequestHeaderRequestID))
}
