package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func ballotBody(token string, candidates ...string) string {
	quoted := make([]string, len(candidates))
	for i, c := range candidates {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return fmt.Sprintf(`{"token": %q, "candidates": [%s], "locale": "en"}`, token, strings.Join(quoted, ","))
}

func TestBallotsHandler_Submit(t *testing.T) {
	env := newTestEnv(t)
	handler := NewBallotsHandler(env.registry, &env.config.Messages, env.logger)
	ctrl, token := env.verify(t, "kiosk-1")

	recorder := httptest.NewRecorder()
	handler.Submit(recorder, requestWithKiosk("POST", "/api/v1/ballots", ballotBody(token, "c2", "c1"), "kiosk-1"))

	assertStatusCode(t, recorder, http.StatusCreated)
	var result SubmitBallotResponse
	parseJSONResponse(t, recorder, &result)
	if result.Status != "cast" || result.Message == "" {
		t.Errorf("unexpected response %+v", result)
	}
	if env.caster.count() != 1 {
		t.Errorf("expected one cast, got %d", env.caster.count())
	}
	<-ctrl.Done()

	// Replaying the same token never casts twice.
	recorder = httptest.NewRecorder()
	handler.Submit(recorder, requestWithKiosk("POST", "/api/v1/ballots", ballotBody(token, "c2"), "kiosk-1"))
	assertStatusCode(t, recorder, http.StatusForbidden)
	assertJSONError(t, recorder, "session_invalid")
	if env.caster.count() != 1 {
		t.Errorf("replayed token was cast, got %d casts", env.caster.count())
	}
}

func TestBallotsHandler_Rejections(t *testing.T) {
	env := newTestEnv(t)
	handler := NewBallotsHandler(env.registry, &env.config.Messages, env.logger)
	_, token := env.verify(t, "kiosk-1")

	tests := []struct {
		name    string
		kioskID string
		body    string
		status  int
		error   string
	}{
		{"invalid JSON", "kiosk-1", `{"token": `, http.StatusBadRequest, errInvalidRequestBody},
		{"no candidates", "kiosk-1", ballotBody(token), http.StatusBadRequest, ""},
		{"too many candidates", "kiosk-1", ballotBody(token, "a", "b", "c", "d"), http.StatusBadRequest, ""},
		{"forged token", "kiosk-1", ballotBody("forged", "a"), http.StatusForbidden, "session_invalid"},
		{"other kiosk", "kiosk-2", ballotBody(token, "a"), http.StatusForbidden, "session_invalid"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			handler.Submit(recorder, requestWithKiosk("POST", "/api/v1/ballots", tc.body, tc.kioskID))
			assertStatusCode(t, recorder, tc.status)
			if tc.error != "" {
				assertJSONError(t, recorder, tc.error)
			}
		})
	}

	if env.caster.count() != 0 {
		t.Fatalf("rejected ballots must not be cast, got %d", env.caster.count())
	}

	// None of the rejections consumed the token.
	recorder := httptest.NewRecorder()
	handler.Submit(recorder, requestWithKiosk("POST", "/api/v1/ballots", ballotBody(token, "a"), "kiosk-1"))
	assertStatusCode(t, recorder, http.StatusCreated)
}

func TestBallotsHandler_CastFailure(t *testing.T) {
	env := newTestEnv(t)
	env.caster.err = errors.New("ballot service down")
	handler := NewBallotsHandler(env.registry, &env.config.Messages, env.logger)
	_, token := env.verify(t, "kiosk-1")

	recorder := httptest.NewRecorder()
	handler.Submit(recorder, requestWithKiosk("POST", "/api/v1/ballots", ballotBody(token, "a"), "kiosk-1"))

	assertStatusCode(t, recorder, http.StatusBadGateway)
	assertJSONError(t, recorder, "generic_failure")
	if strings.Contains(recorder.Body.String(), "ballot service down") {
		t.Error("upstream error detail must not reach the voter")
	}
}

func TestBallotsHandler_RequiresKiosk(t *testing.T) {
	env := newTestEnv(t)
	handler := NewBallotsHandler(env.registry, &env.config.Messages, env.logger)

	recorder := httptest.NewRecorder()
	handler.Submit(recorder, httptest.NewRequest("POST", "/api/v1/ballots", strings.NewReader(`{}`)))

	assertStatusCode(t, recorder, http.StatusUnauthorized)
}
