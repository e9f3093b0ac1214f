package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/saviobatista/crash-alert/internal/types"
)

func TestNewClient_Endpoint(t *testing.T) {
	c := NewClient("https://relay.example.com/", "philsms", time.Second)
	if got := c.Endpoint(); got != "https://relay.example.com/api/send-philsms" {
		t.Errorf("Unexpected endpoint %s", got)
	}
}

func TestClient_Send_Success(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/send-philsms" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Unexpected content type %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Write([]byte(`{"result":[{"success":true,"number":"639171234567"},{"success":false,"error":"invalid number","number":"639181234567"}]}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "philsms", time.Second)
	results, err := c.Send(context.Background(), []string{"639171234567", "639181234567"}, "help")
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	if len(got.Recipients) != 2 || got.Message != "help" {
		t.Errorf("Unexpected request body %+v", got)
	}
	sent, failed := Count(results)
	if sent != 1 || failed != 1 {
		t.Errorf("Expected 1 sent and 1 failed, got %d and %d", sent, failed)
	}
	if results[1].Error != "invalid number" {
		t.Errorf("Expected per-recipient error, got %q", results[1].Error)
	}
}

// HTTP 500 with {"error":"sender blocked"} must surface exactly "sender blocked".
func TestClient_Send_SenderBlocked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"sender blocked"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "philsms", time.Second).Send(context.Background(), []string{"639171234567"}, "help")

	var relayErr *Error
	if !errors.As(err, &relayErr) {
		t.Fatalf("Expected *Error, got %v", err)
	}
	if relayErr.Error() != "sender blocked" {
		t.Errorf("Expected %q, got %q", "sender blocked", relayErr.Error())
	}
	if relayErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", relayErr.StatusCode)
	}
}

func TestClient_Send_SingleAttempt(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "philsms", time.Second).Send(context.Background(), []string{"639171234567"}, "help")
	if err == nil || err.Error() != "HTTP 502" {
		t.Errorf("Expected HTTP 502, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected exactly one attempt, got %d", calls.Load())
	}
}

func TestClient_Send_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	_, err := NewClient(server.URL, "philsms", 50*time.Millisecond).Send(context.Background(), []string{"639171234567"}, "help")
	var relayErr *Error
	if !errors.As(err, &relayErr) {
		t.Fatalf("Expected *Error, got %v", err)
	}
	if relayErr.StatusCode != 0 || !strings.HasPrefix(relayErr.Message, "network error") {
		t.Errorf("Expected network error, got %+v", relayErr)
	}
}

func TestClient_Send_MalformedSuccessBody(t *testing.T) {
	for _, body := range []string{`not json`, `{"ok":true}`} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))

		_, err := NewClient(server.URL, "philsms", time.Second).Send(context.Background(), []string{"639171234567"}, "help")
		if err == nil || !strings.Contains(err.Error(), "malformed response") {
			t.Errorf("Body %q: expected malformed response error, got %v", body, err)
		}
		server.Close()
	}
}

func TestExtractError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{name: "first result error wins", status: 400, body: `{"result":[{"success":false,"error":"Invalid recipient"}],"error":"generic","message":"other"}`, want: "Invalid recipient"},
		{name: "top-level error", status: 500, body: `{"error":"sender blocked","message":"other"}`, want: "sender blocked"},
		{name: "message", status: 400, body: `{"message":"Unauthenticated."}`, want: "Unauthenticated."},
		{name: "empty result falls through", status: 400, body: `{"result":[],"message":"no numbers"}`, want: "no numbers"},
		{name: "result without error falls through", status: 400, body: `{"result":[{"success":false}],"error":"bad"}`, want: "bad"},
		{name: "non-string error ignored", status: 500, body: `{"error":{"code":42}}`, want: "HTTP 500"},
		{name: "empty strings ignored", status: 503, body: `{"error":"","message":""}`, want: "HTTP 503"},
		{name: "not JSON", status: 502, body: `<html>Bad Gateway</html>`, want: "HTTP 502"},
		{name: "JSON array", status: 500, body: `["boom"]`, want: "HTTP 500"},
		{name: "empty body", status: 404, body: ``, want: "HTTP 404"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractError(tt.status, []byte(tt.body)); got != tt.want {
				t.Errorf("ExtractError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCount(t *testing.T) {
	sent, failed := Count(nil)
	if sent != 0 || failed != 0 {
		t.Errorf("Expected zero counts, got %d/%d", sent, failed)
	}

	sent, failed = Count([]types.RelayResult{{Success: true}, {Success: true}, {Success: false}})
	if sent != 2 || failed != 1 {
		t.Errorf("Expected 2/1, got %d/%d", sent, failed)
	}
}
