// Package verification runs one kiosk session from the mask check to the
// hand-off of a verified voter, merging every monitor into a single state machine.
package verification

import (
	"time"

	"github.com/kozaktomas/polling-kiosk/internal/perception"
)

// State is the position of a Session in the verification pipeline.
type State string

const (
	StateInit            State = "INIT"
	StateMaskCheck       State = "MASK_CHECK"
	StateFaceRecognition State = "FACE_RECOGNITION"
	StateSuccess         State = "SUCCESS"
	StateAlreadyVoted    State = "ALREADY_VOTED"
	StateFatalFailure    State = "FATAL_FAILURE"
	StateAborted         State = "ABORTED"
)

// Terminal reports whether s ends the verification pipeline.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateAlreadyVoted, StateFatalFailure, StateAborted:
		return true
	}
	return false
}

// Final reports whether nothing may move a session out of s. SUCCESS is terminal
// but can still be revoked into ABORTED.
func (s State) Final() bool {
	return s.Terminal() && s != StateSuccess
}

// Abort reasons
const (
	ReasonMultiplePersons = "multiple_persons"
)

// Outcome is the result of one recognition attempt.
type Outcome string

const (
	OutcomePending          Outcome = "pending"
	OutcomeSuccess          Outcome = "success"
	OutcomeRetryableFailure Outcome = "retryable_failure"
	OutcomeAlreadyVoted     Outcome = "already_voted"
	OutcomeFatalFailure     Outcome = "fatal_failure"
)

// VerificationAttempt is one recognition try. Attempts are values; resolving one
// returns a new value and leaves the pending record untouched.
type VerificationAttempt struct {
	Number     int        `json:"number"`
	StartedAt  time.Time  `json:"started_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Outcome    Outcome    `json:"outcome"`
}

func newAttempt(number int, now time.Time) VerificationAttempt {
	return VerificationAttempt{Number: number, StartedAt: now, Outcome: OutcomePending}
}

// Resolve returns the attempt with its final outcome. Resolving twice keeps the first outcome.
func (a VerificationAttempt) Resolve(outcome Outcome, now time.Time) VerificationAttempt {
	if a.Outcome != OutcomePending {
		return a
	}
	a.Outcome = outcome
	a.ResolvedAt = &now
	return a
}

// MonitorStatus is the connection state of the security monitor.
type MonitorStatus string

const (
	MonitorConnecting   MonitorStatus = "connecting"
	MonitorOnline       MonitorStatus = "online"
	MonitorReconnecting MonitorStatus = "reconnecting"
	MonitorOffline      MonitorStatus = "offline"
	MonitorStopped      MonitorStatus = "stopped"
)

// Session is one voter interaction at a kiosk.
type Session struct {
	ID          string    `json:"id"`
	Locale      string    `json:"locale"`
	State       State     `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	AbortReason string    `json:"abort_reason,omitempty"`

	EndedAt  *time.Time            `json:"ended_at,omitempty"`
	Attempts []VerificationAttempt `json:"attempts"`
	Mask     string                `json:"mask_verdict"`
	Security MonitorStatus         `json:"security_monitor"`
	Admitted bool                  `json:"admitted"`
	Revoked  bool                  `json:"revoked"`
}

func newSession(id, locale string, now time.Time) Session {
	return Session{
		ID:        id,
		Locale:    locale,
		State:     StateInit,
		StartedAt: now,
		Mask:      perception.MaskUnknown.String(),
		Security:  MonitorConnecting,
	}
}

// clone copies the session so readers never share the attempts slice with the controller.
func (s Session) clone() Session {
	out := s
	out.Attempts = append([]VerificationAttempt(nil), s.Attempts...)
	return out
}
