package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/polling-kiosk/internal/ballot"
	"github.com/kozaktomas/polling-kiosk/internal/config"
	"github.com/kozaktomas/polling-kiosk/internal/identity"
	"github.com/kozaktomas/polling-kiosk/internal/kiosk"
	"github.com/kozaktomas/polling-kiosk/internal/perception"
	"github.com/kozaktomas/polling-kiosk/internal/perception/mock"
	"github.com/kozaktomas/polling-kiosk/internal/verification"
	"github.com/kozaktomas/polling-kiosk/internal/web/middleware"
)

const (
	testMaskEndpoint = "ws://perception/ws/mask_detection"
	testFaceEndpoint = "ws://perception/ws/face_detection"
)

type stubRecognizer struct{}

func (stubRecognizer) Recognize(ctx context.Context, image string) (*identity.Match, error) {
	return &identity.Match{IdentityRef: "voter-1"}, nil
}

type fakeCaster struct {
	mu    sync.Mutex
	calls [][]ballot.Vote
	err   error
}

func (f *fakeCaster) Cast(ctx context.Context, admission *ballot.Admission, votes []ballot.Vote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, votes)
	return f.err
}

func (f *fakeCaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// testEnv is a registry backed by mock perception channels.
type testEnv struct {
	config   *config.Config
	registry *kiosk.Registry
	opener   *mock.Opener
	caster   *fakeCaster
	logger   *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	signer, err := ballot.NewSigner("test", time.Minute)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	env := &testEnv{
		config: config.Load(),
		opener: mock.NewOpener(),
		caster: &fakeCaster{},
		logger: logger,
	}
	env.registry = kiosk.NewRegistry(kiosk.Options{
		Verification: verification.Config{
			MaxAttempts:     2,
			AttemptInterval: 5 * time.Millisecond,
			MaskEndpoint:    testMaskEndpoint,
			FaceEndpoint:    testFaceEndpoint,
			Policy:          perception.Policy{MaxRetries: 1, Backoff: 5 * time.Millisecond},
		},
		Opener:         env.opener,
		Recognizer:     stubRecognizer{},
		Handoff:        ballot.NewHandoff(signer, ballot.Options{Logger: logger}),
		Caster:         env.caster,
		Messages:       &env.config.Messages,
		SessionTimeout: time.Minute,
		Logger:         logger,
	})
	t.Cleanup(env.registry.Stop)
	return env
}

// stream returns the newest open channel to endpoint.
func (env *testEnv) stream(t *testing.T, endpoint string) *mock.Stream {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		streams := env.opener.Streams()
		for i := len(streams) - 1; i >= 0; i-- {
			if streams[i].Endpoint == endpoint && !streams[i].IsClosed() {
				return streams[i]
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("%s never opened", endpoint)
	return nil
}

// verify starts a session for kioskID and drives it to SUCCESS.
func (env *testEnv) verify(t *testing.T, kioskID string) (*verification.Controller, string) {
	t.Helper()
	ctrl, err := env.registry.Start(kioskID, "en")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ctrl.Device().Put([]byte("frame"))
	env.stream(t, testMaskEndpoint).SendJSON(map[string]any{"mask_detected": false})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if token := ctrl.Token(); token != "" {
			return ctrl, token
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session never succeeded: %+v", ctrl.Snapshot())
	return nil, ""
}

// requestWithKiosk creates a request authenticated as the given kiosk.
func requestWithKiosk(method, path, body, kioskID string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	ctx := middleware.SetKioskInContext(req.Context(), &middleware.Kiosk{ID: kioskID})
	return req.WithContext(ctx)
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
