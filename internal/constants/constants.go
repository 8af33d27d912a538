// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Recognition constants
const (
	// DefaultMaxAttempts is the number of recognition calls made before a session fails
	DefaultMaxAttempts = 5

	// DefaultAttemptInterval is the fixed pause between two recognition attempts
	DefaultAttemptInterval = 2000 * time.Millisecond

	// DefaultInitialDelay lets the camera settle before the first capture
	DefaultInitialDelay = 1000 * time.Millisecond

	// DefaultAttemptTimeout bounds a single call to the identity service
	DefaultAttemptTimeout = 10 * time.Second
)

// Perception channel constants
const (
	// DefaultMonitorMaxRetries is the number of reconnects after an unexpected closure
	DefaultMonitorMaxRetries = 3

	// DefaultMonitorBackoff is the fixed wait before each reconnect
	DefaultMonitorBackoff = 2 * time.Second

	// DefaultDialTimeout bounds the websocket handshake
	DefaultDialTimeout = 5 * time.Second

	// DefaultMaskPath is the perception endpoint streaming mask verdicts
	DefaultMaskPath = "/ws/mask_detection"

	// DefaultFacePath is the perception endpoint streaming face counts
	DefaultFacePath = "/ws/face_detection"

	// MultiPersonThreshold is the face count that aborts a session
	MultiPersonThreshold = 2
)

// Session constants
const (
	// DefaultKioskSessionTimeout destroys a session the kiosk left behind
	DefaultKioskSessionTimeout = 10 * time.Minute

	// DefaultAdmitTokenTTL is how long an admission token stays valid
	DefaultAdmitTokenTTL = 15 * time.Minute

	// EventChannelBuffer is the buffer size for event channels
	EventChannelBuffer = 100

	// RegistrySweepInterval is how often expired kiosk sessions are collected
	RegistrySweepInterval = 30 * time.Second
)

// Capture constants
const (
	// MaxFrameSize is the maximum dimension (width or height) of a frame sent for recognition
	MaxFrameSize = 1280

	// MaxFrameUploadSize is the maximum accepted frame upload in bytes (8MB)
	MaxFrameUploadSize = 8 << 20
)

// Ballot constants
const (
	// MinRankedChoices is the minimum number of candidates on a ranked ballot
	MinRankedChoices = 1

	// MaxRankedChoices is the maximum number of candidates on a ranked ballot
	MaxRankedChoices = 3
)
