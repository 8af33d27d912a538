package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/polling-kiosk/internal/ballot"
	"github.com/kozaktomas/polling-kiosk/internal/config"
	"github.com/kozaktomas/polling-kiosk/internal/kiosk"
	"github.com/kozaktomas/polling-kiosk/internal/perception"
	"github.com/kozaktomas/polling-kiosk/internal/perception/mock"
	"github.com/kozaktomas/polling-kiosk/internal/verification"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Load()
	signer, err := ballot.NewSigner("test", time.Minute)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	registry := kiosk.NewRegistry(kiosk.Options{
		Verification: verification.Config{
			MaskEndpoint: "ws://perception/ws/mask_detection",
			FaceEndpoint: "ws://perception/ws/face_detection",
			Policy:       perception.Policy{MaxRetries: 1, Backoff: 5 * time.Millisecond},
		},
		Opener:   mock.NewOpener(),
		Handoff:  ballot.NewHandoff(signer, ballot.Options{Logger: logger}),
		Messages: &cfg.Messages,
		Logger:   logger,
	})
	t.Cleanup(registry.Stop)
	return NewServer(cfg, registry, Options{
		Port:           0,
		Host:           "127.0.0.1",
		KioskSecret:    "test-secret",
		AllowedOrigins: "https://kiosk.example.org",
		Logger:         logger,
	})
}

func TestServer_HealthCheck(t *testing.T) {
	s := newTestServer(t)

	recorder := httptest.NewRecorder()
	s.Router().ServeHTTP(recorder, httptest.NewRequest("GET", "/api/v1/health", nil))

	if recorder.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", recorder.Code)
	}
	if recorder.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("expected security headers")
	}
}

func TestServer_SessionRoutesRequireKiosk(t *testing.T) {
	s := newTestServer(t)

	routes := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/sessions"},
		{"GET", "/api/v1/sessions/current"},
		{"GET", "/api/v1/sessions/current/events"},
		{"POST", "/api/v1/sessions/current/frames"},
		{"POST", "/api/v1/sessions/current/security-monitor/retry"},
		{"DELETE", "/api/v1/sessions/current"},
		{"POST", "/api/v1/ballots"},
	}
	for _, route := range routes {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			s.Router().ServeHTTP(recorder, httptest.NewRequest(route.method, route.path, nil))
			if recorder.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", recorder.Code)
			}
		})
	}
}

func TestServer_KioskFlow(t *testing.T) {
	s := newTestServer(t)

	recorder := httptest.NewRecorder()
	s.Router().ServeHTTP(recorder, httptest.NewRequest("POST", "/api/v1/kiosk/register", nil))
	if recorder.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d", recorder.Code)
	}
	var registered struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &registered); err != nil {
		t.Fatalf("failed to parse register response: %v", err)
	}

	do := func(method, path, body string) *httptest.ResponseRecorder {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, path, reader)
		req.Header.Set("X-Kiosk-Token", registered.Token)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		return rec
	}

	if rec := do("GET", "/api/v1/sessions/current", ""); rec.Code != http.StatusNotFound {
		t.Errorf("current before start: expected 404, got %d", rec.Code)
	}
	if rec := do("POST", "/api/v1/sessions", `{"locale": "si"}`); rec.Code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do("POST", "/api/v1/sessions", ""); rec.Code != http.StatusConflict {
		t.Errorf("second start: expected 409, got %d", rec.Code)
	}
	if rec := do("GET", "/api/v1/sessions/current", ""); rec.Code != http.StatusOK {
		t.Errorf("current: expected 200, got %d", rec.Code)
	}
	if rec := do("DELETE", "/api/v1/sessions/current", ""); rec.Code != http.StatusNoContent {
		t.Errorf("end: expected 204, got %d", rec.Code)
	}
	if rec := do("GET", "/api/v1/sessions/current", ""); rec.Code != http.StatusNotFound {
		t.Errorf("current after end: expected 404, got %d", rec.Code)
	}
}

func TestServer_CORS(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("OPTIONS", "/api/v1/sessions", nil)
	req.Header.Set("Origin", "https://kiosk.example.org")
	recorder := httptest.NewRecorder()
	s.Router().ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Errorf("preflight: expected 200, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "https://kiosk.example.org" {
		t.Errorf("expected allowed origin, got '%s'", got)
	}
}
