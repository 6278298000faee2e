package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func logTo(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func TestRequestLoggerCarriesWebhookDelivery(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestLogger(logTo(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", nil)
	req.Header.Set("X-GitHub-Event", "status")
	req.Header.Set("X-GitHub-Delivery", "d-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if !strings.Contains(out, "github_event=status") || !strings.Contains(out, "github_delivery=d-123") {
		t.Fatalf("delivery identifiers missing from log line: %s", out)
	}
}

func TestRequestLoggerQuietHealthProbes(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestLogger(logTo(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if buf.Len() != 0 {
		t.Fatalf("health probe logged above debug: %s", buf.String())
	}
}

func TestRequestLoggerFlagsServerErrors(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestLogger(logTo(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/slack/commands", nil))

	out := buf.String()
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "request failed") {
		t.Fatalf("server error not logged at error level: %s", out)
	}
}
