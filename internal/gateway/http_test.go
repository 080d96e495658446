package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nexuscore/autopilot/internal/session"
)

func TestHandleSendNonInteractiveDelivers(t *testing.T) {
	d := newTestDispatcher(t, newFakeRunner())
	srv := NewServer(ServerConfig{Dispatcher: d})

	body, _ := json.Marshal(sendRequestWire{
		Channel: "telegram",
		Target:  "u1",
		Text:    "hello",
	})
	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["delivered"] != true {
		t.Errorf("delivered = %v, want true", resp["delivered"])
	}
	if resp["session_id"] != nil {
		t.Errorf("session_id = %v, want nil for a non-interactive send", resp["session_id"])
	}
}

func TestHandleSendInteractiveStartsRun(t *testing.T) {
	runner := newFakeRunner()
	d := newTestDispatcher(t, runner)
	srv := NewServer(ServerConfig{Dispatcher: d})

	body, _ := json.Marshal(sendRequestWire{
		Channel:     "telegram",
		Target:      "u2",
		Text:        "hello",
		Interactive: &interactiveWire{Prompt: "do a thing"},
	})
	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}

	call := runner.awaitCall(t)
	if call.req.Text != "do a thing" {
		t.Errorf("run prompt = %q, want %q", call.req.Text, "do a thing")
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["session_id"] == nil || resp["session_id"] == "" {
		t.Error("expected a session_id for an interactive send")
	}

	close(call.events)
	call.done <- session.OutcomeRunCompleted
}

func TestHandleSendRejectsMissingFields(t *testing.T) {
	d := newTestDispatcher(t, newFakeRunner())
	srv := NewServer(ServerConfig{Dispatcher: d})

	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader([]byte(`{"channel":"telegram"}`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleSendRejectsUnregisteredChannel(t *testing.T) {
	d := newTestDispatcher(t, newFakeRunner())
	srv := NewServer(ServerConfig{Dispatcher: d})

	body, _ := json.Marshal(sendRequestWire{Channel: "discord", Target: "x", Text: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestStatusAndChannelsEndpoints(t *testing.T) {
	d := newTestDispatcher(t, newFakeRunner())
	srv := NewServer(ServerConfig{Dispatcher: d})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/channels", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/channels = %d, want 200", rec.Code)
	}
	var channels []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &channels); err != nil {
		t.Fatalf("decode channels: %v", err)
	}
	if len(channels) != 1 || channels[0]["channel"] != "telegram" {
		t.Errorf("channels = %+v, want one telegram entry", channels)
	}
}

func TestBearerAuthRequiredWhenConfigured(t *testing.T) {
	d := newTestDispatcher(t, newFakeRunner())
	secret := "test-secret"
	srv := NewServer(ServerConfig{Dispatcher: d, AuthSecret: secret})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /status = %d, want 401", rec.Code)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "operator"})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated /status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
}

func TestListSessionsReflectsCreatedSession(t *testing.T) {
	runner := newFakeRunner()
	d := newTestDispatcher(t, runner)
	srv := NewServer(ServerConfig{Dispatcher: d})

	body, _ := json.Marshal(sendRequestWire{Channel: "telegram", Target: "u3", Text: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("send status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/sessions = %d, want 200", rec.Code)
	}
	var sessions []sessionSummaryWire
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("a non-interactive send should not create a session; got %+v", sessions)
	}
}
