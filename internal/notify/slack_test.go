package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/narvanalabs/deploybot/internal/models"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestSlackNotifierDirectMessage(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	n := NewSlackNotifierWithBase("xoxb-test", srv.URL, nil)
	user := &models.User{ID: "u1", SlackUserID: "U123"}
	if err := n.DirectMessage(context.Background(), user, "hello"); err != nil {
		t.Fatalf("DirectMessage: %v", err)
	}
	if gotAuth != "Bearer xoxb-test" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotPayload["channel"] != "U123" || gotPayload["text"] != "hello" {
		t.Fatalf("payload = %v", gotPayload)
	}
}

func TestSlackNotifierAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "channel_not_found"})
	}))
	defer srv.Close()

	n := NewSlackNotifierWithBase("xoxb-test", srv.URL, nil)
	err := n.DirectMessage(context.Background(), &models.User{SlackUserID: "U404"}, "hello")
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("expected slack error, got %v", err)
	}
}

func TestBestSwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewSlackNotifierWithBase("xoxb-test", srv.URL, nil)
	// Must not panic or propagate.
	Best(context.Background(), n, testLogger(), &models.User{SlackUserID: "U1"}, "hello")
	Best(context.Background(), nil, testLogger(), &models.User{SlackUserID: "U1"}, "hello")
	Best(context.Background(), n, testLogger(), nil, "hello")
}
