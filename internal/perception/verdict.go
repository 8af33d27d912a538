package perception

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/polling-kiosk/internal/constants"
)

// ErrMalformed marks an inbound message that is not a valid verdict.
var ErrMalformed = errors.New("malformed verdict")

// RemoteError is an {error: "..."} message. It ends the channel it arrived on.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "perception service error: " + e.Message
}

// MaskVerdict is the latest mask classification. Only the newest value matters.
type MaskVerdict int

const (
	MaskUnknown MaskVerdict = iota
	MaskPresent
	MaskAbsent
)

func (v MaskVerdict) String() string {
	switch v {
	case MaskPresent:
		return "mask_present"
	case MaskAbsent:
		return "mask_absent"
	default:
		return "unknown"
	}
}

type maskMessage struct {
	MaskDetected *bool   `json:"mask_detected"`
	Error        *string `json:"error"`
}

// ParseMaskVerdict decodes a mask channel message. A null or missing
// mask_detected field is MaskUnknown, never MaskAbsent.
func ParseMaskVerdict(raw []byte) (MaskVerdict, error) {
	var msg maskMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return MaskUnknown, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Error != nil {
		return MaskUnknown, &RemoteError{Message: *msg.Error}
	}
	if msg.MaskDetected == nil {
		return MaskUnknown, nil
	}
	if *msg.MaskDetected {
		return MaskPresent, nil
	}
	return MaskAbsent, nil
}

// SecurityVerdict is one multi-person classification.
type SecurityVerdict struct {
	FaceCount int       `json:"face_count"`
	Alert     bool      `json:"alert"`
	Timestamp time.Time `json:"timestamp"`
}

// MultiplePersons reports whether the verdict must abort the session.
func (v SecurityVerdict) MultiplePersons() bool {
	return v.Alert || v.FaceCount >= constants.MultiPersonThreshold
}

type securityMessage struct {
	FaceCount *int    `json:"face_count"`
	Alert     bool    `json:"alert"`
	Error     *string `json:"error"`
}

// ParseSecurityVerdict decodes a face channel message received at now.
func ParseSecurityVerdict(raw []byte, now time.Time) (SecurityVerdict, error) {
	var msg securityMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return SecurityVerdict{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Error != nil {
		return SecurityVerdict{}, &RemoteError{Message: *msg.Error}
	}
	if msg.FaceCount == nil && !msg.Alert {
		return SecurityVerdict{}, fmt.Errorf("%w: face_count missing", ErrMalformed)
	}
	v := SecurityVerdict{Alert: msg.Alert, Timestamp: now}
	if msg.FaceCount != nil {
		if *msg.FaceCount < 0 {
			return SecurityVerdict{}, fmt.Errorf("%w: negative face_count %d", ErrMalformed, *msg.FaceCount)
		}
		v.FaceCount = *msg.FaceCount
	}
	return v, nil
}
