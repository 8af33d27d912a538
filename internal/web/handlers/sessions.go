package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kozaktomas/polling-kiosk/internal/capture"
	"github.com/kozaktomas/polling-kiosk/internal/config"
	"github.com/kozaktomas/polling-kiosk/internal/constants"
	"github.com/kozaktomas/polling-kiosk/internal/kiosk"
	"github.com/kozaktomas/polling-kiosk/internal/verification"
	"github.com/kozaktomas/polling-kiosk/internal/web/middleware"
)

const retryTimeout = 5 * time.Second

// SessionsHandler exposes the verification session of the calling kiosk.
type SessionsHandler struct {
	registry *kiosk.Registry
	messages *config.Messages
	logger   *slog.Logger
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(registry *kiosk.Registry, messages *config.Messages, logger *slog.Logger) *SessionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionsHandler{registry: registry, messages: messages, logger: logger}
}

// StartSessionRequest is the body of POST /sessions.
type StartSessionRequest struct {
	Locale string `json:"locale"`
}

// SessionResponse is the voter-safe view of a session.
type SessionResponse struct {
	verification.Session
	MessageKey string     `json:"message_key,omitempty"`
	Message    string     `json:"message,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// FrameRequest carries one camera frame as a data URL or bare base64.
type FrameRequest struct {
	Image string `json:"image"`
}

func (h *SessionsHandler) response(kioskID string, snap verification.Session) SessionResponse {
	resp := SessionResponse{Session: snap, MessageKey: snap.MessageKey()}
	if resp.MessageKey != "" && h.messages != nil {
		resp.Message = h.messages.Text(snap.Locale, resp.MessageKey)
	}
	if expiresAt, ok := h.registry.ExpiresAt(kioskID); ok {
		resp.ExpiresAt = &expiresAt
	}
	return resp
}

// current resolves the session of the calling kiosk, writing a 404 when there is none.
func (h *SessionsHandler) current(w http.ResponseWriter, r *http.Request) (string, *verification.Controller, bool) {
	k := middleware.GetKioskFromContext(r.Context())
	if k == nil {
		respondError(w, http.StatusUnauthorized, "unregistered kiosk")
		return "", nil, false
	}
	ctrl, err := h.registry.Current(k.ID)
	if err != nil {
		respondError(w, http.StatusNotFound, "no active session")
		return "", nil, false
	}
	return k.ID, ctrl, true
}

// Start begins a new verification session for the calling kiosk.
func (h *SessionsHandler) Start(w http.ResponseWriter, r *http.Request) {
	k := middleware.GetKioskFromContext(r.Context())
	if k == nil {
		respondError(w, http.StatusUnauthorized, "unregistered kiosk")
		return
	}

	var req StartSessionRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, 4<<10, &req); err != nil {
			respondError(w, http.StatusBadRequest, errInvalidRequestBody)
			return
		}
	}

	ctrl, err := h.registry.Start(k.ID, req.Locale)
	if errors.Is(err, kiosk.ErrSessionActive) {
		respondError(w, http.StatusConflict, "a session is already active on this kiosk")
		return
	}
	if err != nil {
		h.logger.Error("starting session failed", "kiosk_id", k.ID, "locale", sanitizeForLog(req.Locale), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	respondJSON(w, http.StatusCreated, h.response(k.ID, ctrl.Snapshot()))
}

// Current returns the state of the kiosk's session.
func (h *SessionsHandler) Current(w http.ResponseWriter, r *http.Request) {
	kioskID, ctrl, ok := h.current(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.response(kioskID, ctrl.Snapshot()))
}

// Events streams the session's notices as server-sent events.
func (h *SessionsHandler) Events(w http.ResponseWriter, r *http.Request) {
	kioskID, ctrl, ok := h.current(w, r)
	if !ok {
		return
	}
	notices, err := ctrl.Subscribe()
	if errors.Is(err, verification.ErrAlreadySubscribed) {
		respondError(w, http.StatusConflict, "session already has a subscriber")
		return
	}

	flusher, ok := setupSSEConnection(w)
	if !ok {
		return
	}
	sendSSEEvent(w, flusher, "status", h.response(kioskID, ctrl.Snapshot()))
	streamNotices(w, r, flusher, notices)
}

// Frame stores the latest camera frame of the kiosk.
func (h *SessionsHandler) Frame(w http.ResponseWriter, r *http.Request) {
	_, ctrl, ok := h.current(w, r)
	if !ok {
		return
	}

	var req FrameRequest
	if err := decodeBody(w, r, constants.MaxFrameUploadSize, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	frame, err := capture.DecodeFrame(req.Image)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid image")
		return
	}

	ctrl.Device().Put(frame)
	w.WriteHeader(http.StatusNoContent)
}

// RetrySecurityMonitor restarts an offline multi-person monitor.
func (h *SessionsHandler) RetrySecurityMonitor(w http.ResponseWriter, r *http.Request) {
	kioskID, ctrl, ok := h.current(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), retryTimeout)
	defer cancel()

	err := ctrl.RetrySecurityMonitor(ctx)
	switch {
	case err == nil:
		h.logger.Info("security monitor restarted by operator", "kiosk_id", kioskID, "session_id", ctrl.ID())
		respondJSON(w, http.StatusAccepted, h.response(kioskID, ctrl.Snapshot()))
	case errors.Is(err, verification.ErrMonitorActive):
		respondError(w, http.StatusConflict, "security monitor is not offline")
	case errors.Is(err, verification.ErrSessionEnded):
		respondError(w, http.StatusConflict, "session has ended")
	default:
		respondError(w, http.StatusGatewayTimeout, "session did not respond")
	}
}

// End cancels the kiosk's session.
func (h *SessionsHandler) End(w http.ResponseWriter, r *http.Request) {
	k := middleware.GetKioskFromContext(r.Context())
	if k == nil {
		respondError(w, http.StatusUnauthorized, "unregistered kiosk")
		return
	}
	if !h.registry.End(k.ID) {
		respondError(w, http.StatusNotFound, "no active session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
