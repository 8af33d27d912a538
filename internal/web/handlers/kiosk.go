package handlers

import (
	"log/slog"
	"net/http"

	"github.com/kozaktomas/polling-kiosk/internal/config"
	"github.com/kozaktomas/polling-kiosk/internal/web/middleware"
)

// KioskHandler registers kiosks and serves their voter messages.
type KioskHandler struct {
	kiosks   *middleware.KioskManager
	messages *config.Messages
	logger   *slog.Logger
}

// NewKioskHandler creates a new kiosk handler.
func NewKioskHandler(kiosks *middleware.KioskManager, messages *config.Messages, logger *slog.Logger) *KioskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &KioskHandler{kiosks: kiosks, messages: messages, logger: logger}
}

// RegisterRequest is the optional body of POST /kiosk/register.
type RegisterRequest struct {
	Label string `json:"label"`
}

// RegisterResponse returns the kiosk credential for clients that cannot keep cookies.
type RegisterResponse struct {
	*middleware.Kiosk
	Token string `json:"token"`
}

// Register creates a kiosk and sets its signed cookie.
func (h *KioskHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, 4<<10, &req); err != nil {
			respondError(w, http.StatusBadRequest, errInvalidRequestBody)
			return
		}
	}

	k := h.kiosks.Register(req.Label)
	h.kiosks.SetKioskCookie(w, k)
	h.logger.Info("kiosk registered", "kiosk_id", k.ID, "label", sanitizeForLog(req.Label))

	respondJSON(w, http.StatusCreated, RegisterResponse{Kiosk: k, Token: h.kiosks.Token(k)})
}

// MessagesResponse is the localized message bundle.
type MessagesResponse struct {
	Locale   string            `json:"locale"`
	Messages map[string]string `json:"messages"`
}

// Messages returns the voter messages for the requested locale.
func (h *KioskHandler) Messages(w http.ResponseWriter, r *http.Request) {
	locale := r.URL.Query().Get("locale")
	if locale == "" {
		locale = r.Header.Get("Accept-Language")
	}
	resolved := h.messages.Resolve(locale)
	respondJSON(w, http.StatusOK, MessagesResponse{
		Locale:   resolved,
		Messages: h.messages.Bundle(resolved),
	})
}
