package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kozaktomas/polling-kiosk/internal/ballot"
	"github.com/kozaktomas/polling-kiosk/internal/config"
	"github.com/kozaktomas/polling-kiosk/internal/kiosk"
	"github.com/kozaktomas/polling-kiosk/internal/web/middleware"
)

// BallotsHandler accepts the ranked ballot of a verified voter.
type BallotsHandler struct {
	registry *kiosk.Registry
	messages *config.Messages
	logger   *slog.Logger
}

// NewBallotsHandler creates a new ballots handler.
func NewBallotsHandler(registry *kiosk.Registry, messages *config.Messages, logger *slog.Logger) *BallotsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BallotsHandler{registry: registry, messages: messages, logger: logger}
}

// SubmitBallotRequest is the body of POST /ballots. Candidates are ordered by preference.
type SubmitBallotRequest struct {
	Token      string   `json:"token"`
	Candidates []string `json:"candidates"`
	Locale     string   `json:"locale"`
}

// SubmitBallotResponse confirms a cast ballot without revealing the voter.
type SubmitBallotResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *BallotsHandler) text(locale, key string) string {
	if h.messages == nil {
		return key
	}
	return h.messages.Text(locale, key)
}

// Submit admits the session's token and casts the ballot.
func (h *BallotsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	k := middleware.GetKioskFromContext(r.Context())
	if k == nil {
		respondError(w, http.StatusUnauthorized, "unregistered kiosk")
		return
	}

	var req SubmitBallotRequest
	if err := decodeBody(w, r, 16<<10, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	admission, err := h.registry.SubmitBallot(r.Context(), k.ID, req.Token, req.Candidates)
	switch {
	case err == nil:
		h.logger.Info("ballot cast", "kiosk_id", k.ID, "session_id", admission.SessionID)
		respondJSON(w, http.StatusCreated, SubmitBallotResponse{
			Status:  "cast",
			Message: h.text(req.Locale, config.MsgSuccess),
		})
	case errors.Is(err, ballot.ErrInvalidBallot):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ballot.ErrRejected), errors.Is(err, kiosk.ErrNoSession):
		// The reason stays in the log; the voter only sees the generic message.
		h.logger.Warn("ballot rejected", "kiosk_id", k.ID, "error", err)
		respondMessage(w, http.StatusForbidden, config.MsgSessionInvalid, h.text(req.Locale, config.MsgSessionInvalid))
	case errors.Is(err, kiosk.ErrCastFailed):
		respondMessage(w, http.StatusBadGateway, config.MsgGenericFailure, h.text(req.Locale, config.MsgGenericFailure))
	default:
		h.logger.Error("ballot submission failed", "kiosk_id", k.ID, "error", err)
		respondMessage(w, http.StatusInternalServerError, config.MsgGenericFailure, h.text(req.Locale, config.MsgGenericFailure))
	}
}
