package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kozaktomas/polling-kiosk/internal/config"
	"github.com/kozaktomas/polling-kiosk/internal/web/middleware"
)

func TestKioskHandler_Register(t *testing.T) {
	cfg := config.Load()
	kiosks := middleware.NewKioskManager("test-secret")
	handler := NewKioskHandler(kiosks, &cfg.Messages, nil)

	recorder := httptest.NewRecorder()
	handler.Register(recorder, httptest.NewRequest("POST", "/api/v1/kiosk/register", strings.NewReader(`{"label": "booth 1"}`)))

	assertStatusCode(t, recorder, http.StatusCreated)
	var result struct {
		KioskID string `json:"kiosk_id"`
		Label   string `json:"label"`
		Token   string `json:"token"`
	}
	parseJSONResponse(t, recorder, &result)
	if result.KioskID == "" || result.Token == "" {
		t.Fatalf("expected kiosk ID and token, got %+v", result)
	}
	if result.Label != "booth 1" {
		t.Errorf("expected label 'booth 1', got '%s'", result.Label)
	}

	cookies := recorder.Result().Cookies()
	if len(cookies) != 1 || !cookies[0].HttpOnly {
		t.Fatalf("expected one HttpOnly kiosk cookie, got %+v", cookies)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(cookies[0])
	if k := kiosks.GetKioskFromRequest(req); k == nil || k.ID != result.KioskID {
		t.Error("cookie does not authenticate the registered kiosk")
	}
}

func TestKioskHandler_RegisterWithoutBody(t *testing.T) {
	cfg := config.Load()
	handler := NewKioskHandler(middleware.NewKioskManager(""), &cfg.Messages, nil)

	recorder := httptest.NewRecorder()
	handler.Register(recorder, httptest.NewRequest("POST", "/api/v1/kiosk/register", nil))

	assertStatusCode(t, recorder, http.StatusCreated)
}

func TestKioskHandler_Messages(t *testing.T) {
	cfg := config.Load()
	handler := NewKioskHandler(middleware.NewKioskManager(""), &cfg.Messages, nil)

	tests := []struct {
		name           string
		query          string
		acceptLanguage string
		wantLocale     string
	}{
		{"default", "", "", "en"},
		{"query", "?locale=si", "", "si"},
		{"regional query", "?locale=ta-LK", "", "ta"},
		{"unsupported", "?locale=fr", "", "en"},
		{"accept language", "", "si-LK,si;q=0.9", "si"},
		{"query wins", "?locale=ta", "si", "ta"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/messages"+tc.query, nil)
			if tc.acceptLanguage != "" {
				req.Header.Set("Accept-Language", tc.acceptLanguage)
			}
			recorder := httptest.NewRecorder()
			handler.Messages(recorder, req)

			assertStatusCode(t, recorder, http.StatusOK)
			var result MessagesResponse
			parseJSONResponse(t, recorder, &result)
			if result.Locale != tc.wantLocale {
				t.Errorf("expected locale '%s', got '%s'", tc.wantLocale, result.Locale)
			}
			for _, key := range []string{config.MsgSuccess, config.MsgAlreadyVoted, config.MsgSessionInvalid} {
				if result.Messages[key] == "" {
					t.Errorf("missing message '%s'", key)
				}
			}
		})
	}
}
