package verification

import (
	"time"
)

type eventKind int

const (
	evMaskVerdict eventKind = iota
	evMaskReminder
	evMaskProceed
	evMaskError
	evSecurityStatus
	evMultiplePersons
	evAttempt
	evRecognized
	evAlreadyVoted
	evFatal
	evRetrySecurity
	evAdmitted
)

func (k eventKind) String() string {
	switch k {
	case evMaskVerdict:
		return "mask_verdict"
	case evMaskReminder:
		return "mask_reminder"
	case evMaskProceed:
		return "mask_proceed"
	case evMaskError:
		return "mask_error"
	case evSecurityStatus:
		return "security_status"
	case evMultiplePersons:
		return "multiple_persons"
	case evAttempt:
		return "attempt"
	case evRecognized:
		return "recognized"
	case evAlreadyVoted:
		return "already_voted"
	case evFatal:
		return "fatal"
	case evRetrySecurity:
		return "retry_security"
	case evAdmitted:
		return "admitted"
	}
	return "unknown"
}

// rank orders events that land in the same tick. Higher goes first.
func (k eventKind) rank() int {
	switch k {
	case evMultiplePersons:
		return 4
	case evAlreadyVoted:
		return 3
	case evFatal, evMaskError:
		return 2
	case evRecognized:
		return 1
	}
	return 0
}

// event is what the monitors and the attempt loop send to the controller.
type event struct {
	kind        eventKind
	at          time.Time
	mask        string
	status      MonitorStatus
	generation  int
	attempt     VerificationAttempt
	identityRef string
	err         error
	reply       chan error
}

// NoticeType names what a Notice reports.
type NoticeType string

const (
	NoticeState        NoticeType = "state"
	NoticeProgress     NoticeType = "progress"
	NoticeMonitor      NoticeType = "security_monitor"
	NoticeMaskReminder NoticeType = "mask_reminder"
	NoticeTerminal     NoticeType = "terminal"
	NoticeRevoked      NoticeType = "revoked"
)

// Notice is the one-way message from the controller to the kiosk UI. It never
// carries identity data; Token is set only on the SUCCESS terminal notice.
type Notice struct {
	Type        NoticeType    `json:"type"`
	SessionID   string        `json:"session_id"`
	State       State         `json:"state"`
	MessageKey  string        `json:"message_key,omitempty"`
	Message     string        `json:"message,omitempty"`
	Attempt     int           `json:"attempt,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	Monitor     MonitorStatus `json:"security_monitor,omitempty"`
	Token       string        `json:"token,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}
