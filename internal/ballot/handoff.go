// Package ballot hands a verified voter over to ballot casting exactly once.
package ballot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTokenAlreadyIssued is returned when a session asks for a second token.
	ErrTokenAlreadyIssued = errors.New("admit token already issued for session")
	// ErrRejected wraps every reason a hand-off is refused. Callers show the voter
	// a generic message and keep the wrapped reason for the log.
	ErrRejected = errors.New("admission rejected")
)

type tokenState int

const (
	tokenIssued tokenState = iota
	tokenRevoked
	tokenConsumed
)

func (s tokenState) String() string {
	switch s {
	case tokenIssued:
		return "issued"
	case tokenRevoked:
		return "revoked"
	case tokenConsumed:
		return "consumed"
	}
	return "unknown"
}

type record struct {
	token *AdmitToken
	state tokenState
}

// RevokeResult tells the controller what a revocation achieved.
type RevokeResult int

const (
	// RevokeNone means the session never had a token.
	RevokeNone RevokeResult = iota
	// RevokeRevoked means the token can no longer be admitted.
	RevokeRevoked
	// RevokeTooLate means the token was already consumed; downstream is only advised.
	RevokeTooLate
)

// Admission is an accepted hand-off.
type Admission struct {
	SessionID   string
	IdentityRef string
	TokenID     string
	AdmittedAt  time.Time
}

// Options configures a Handoff.
type Options struct {
	ElectionID string
	Ledger     Ledger
	Logger     *slog.Logger
}

// Handoff issues, revokes and admits tokens. Issue/Revoke/Admit are serialized so
// a revocation and an admission of the same token can never both succeed.
type Handoff struct {
	mu         sync.Mutex
	signer     *Signer
	ledger     Ledger
	electionID string
	records    map[string]*record
	logger     *slog.Logger
	now        func() time.Time
}

// NewHandoff creates a handoff backed by signer. A nil ledger keeps claims in memory.
func NewHandoff(signer *Signer, opts Options) *Handoff {
	ledger := opts.Ledger
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	election := opts.ElectionID
	if election == "" {
		election = "default"
	}
	return &Handoff{
		signer:     signer,
		ledger:     ledger,
		electionID: election,
		records:    make(map[string]*record),
		logger:     resolveLogger(opts.Logger),
		now:        time.Now,
	}
}

func resolveLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// Issue creates the single admit token of a session.
func (h *Handoff) Issue(sessionID, identityRef string) (*AdmitToken, error) {
	if sessionID == "" || identityRef == "" {
		return nil, errors.New("session id and identity reference are required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.records[sessionID]; exists {
		return nil, ErrTokenAlreadyIssued
	}

	now := h.now()
	token := &AdmitToken{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		IdentityRef: identityRef,
		IssuedAt:    now,
		ExpiresAt:   now.Add(h.signer.TTL()),
	}
	if err := h.signer.Sign(token); err != nil {
		return nil, err
	}
	h.records[sessionID] = &record{token: token, state: tokenIssued}

	h.logger.Info("admit token issued", "session_id", sessionID, "token_id", token.ID)
	return token, nil
}

// Revoke invalidates the token of a session.
func (h *Handoff) Revoke(sessionID string) RevokeResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.records[sessionID]
	if !ok {
		return RevokeNone
	}
	switch rec.state {
	case tokenConsumed:
		h.logger.Warn("revocation after admission, advising ballot service",
			"session_id", sessionID, "token_id", rec.token.ID)
		return RevokeTooLate
	case tokenIssued:
		rec.state = tokenRevoked
		h.logger.Warn("admit token revoked", "session_id", sessionID, "token_id", rec.token.ID)
	}
	return RevokeRevoked
}

// Admit consumes a signed token. Any failure wraps ErrRejected.
func (h *Handoff) Admit(ctx context.Context, signed string) (*Admission, error) {
	token, err := h.signer.Parse(signed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.records[token.SessionID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown session %s", ErrRejected, token.SessionID)
	}
	if rec.token.ID != token.ID {
		return nil, fmt.Errorf("%w: token %s does not belong to session", ErrRejected, token.ID)
	}
	if rec.state != tokenIssued {
		return nil, fmt.Errorf("%w: token is %s", ErrRejected, rec.state)
	}

	claimed, err := h.ledger.Claim(ctx, "token:"+token.ID, h.signer.TTL())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if !claimed {
		rec.state = tokenConsumed
		return nil, fmt.Errorf("%w: token already consumed", ErrRejected)
	}
	rec.state = tokenConsumed

	claimed, err = h.ledger.Claim(ctx, "identity:"+h.electionID+":"+rec.token.IdentityRef, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if !claimed {
		h.logger.Warn("identity already admitted in election",
			"session_id", token.SessionID, "election_id", h.electionID)
		return nil, fmt.Errorf("%w: identity already admitted", ErrRejected)
	}

	h.logger.Info("ballot admitted", "session_id", token.SessionID, "token_id", token.ID)
	return &Admission{
		SessionID:   token.SessionID,
		IdentityRef: rec.token.IdentityRef,
		TokenID:     token.ID,
		AdmittedAt:  h.now(),
	}, nil
}

// Forget drops the record of a destroyed session.
func (h *Handoff) Forget(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.records, sessionID)
}
