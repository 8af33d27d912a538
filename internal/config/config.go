package config

import (
	_ "embed"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kozaktomas/polling-kiosk/internal/constants"
	"gopkg.in/yaml.v3"
)

//go:embed messages.yaml
var messagesYAML []byte

type Config struct {
	Perception   PerceptionConfig
	Identity     IdentityConfig
	Verification VerificationConfig
	Ballot       BallotConfig
	Redis        RedisConfig
	Kiosk        KioskConfig
	Messages     Messages
}

type PerceptionConfig struct {
	URL         string        // websocket base URL (e.g., ws://127.0.0.1:8000)
	MaskPath    string        // defaults to /ws/mask_detection
	FacePath    string        // defaults to /ws/face_detection
	MaxRetries  int           // reconnects after an unexpected closure (default 3)
	Backoff     time.Duration // fixed wait between reconnects (default 2s)
	DialTimeout time.Duration // websocket handshake timeout (default 5s)
}

// MaskEndpoint returns the full websocket URL of the mask channel.
func (c *PerceptionConfig) MaskEndpoint() string {
	return joinEndpoint(c.URL, c.MaskPath)
}

// FaceEndpoint returns the full websocket URL of the multi-person channel.
func (c *PerceptionConfig) FaceEndpoint() string {
	return joinEndpoint(c.URL, c.FacePath)
}

type IdentityConfig struct {
	URL            string        // recognition service base URL (defaults to http://localhost:8000)
	AttemptTimeout time.Duration // bound for a single recognition call
}

type VerificationConfig struct {
	MaxAttempts     int
	AttemptInterval time.Duration
	InitialDelay    time.Duration
	MaskSoftPrompt  time.Duration // 0 disables the mask reminder
}

type BallotConfig struct {
	URL           string // ballot-casting service base URL (defaults to http://localhost:5000)
	PollManagerID string // polling station the kiosk belongs to
	ElectionID    string
	TokenSecret   string
	TokenTTL      time.Duration
}

// GetTokenSecret returns the admission token signing secret.
func (c *BallotConfig) GetTokenSecret() string {
	return c.TokenSecret
}

type RedisConfig struct {
	URL string // optional; the in-memory ledger is used when empty
}

type KioskConfig struct {
	SessionTimeout time.Duration
	Secret         string // signs the kiosk cookie
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envDuration reads an environment variable as a duration ("2s") or as plain milliseconds ("2000").
// Returns the default value if the env var is unset, empty, negative, or invalid.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if ms, err := strconv.Atoi(s); err == nil {
		if ms < 0 {
			return defaultVal
		}
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func joinEndpoint(base, path string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

func Load() *Config {
	var messages Messages
	if err := yaml.Unmarshal(messagesYAML, &messages.Locales); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded messages.yaml: " + err.Error())
	}
	messages.init()

	return &Config{
		Perception: PerceptionConfig{
			URL:         envString("PERCEPTION_URL", "ws://127.0.0.1:8000"),
			MaskPath:    envString("PERCEPTION_MASK_PATH", constants.DefaultMaskPath),
			FacePath:    envString("PERCEPTION_FACE_PATH", constants.DefaultFacePath),
			MaxRetries:  envInt("MONITOR_MAX_RETRIES", constants.DefaultMonitorMaxRetries),
			Backoff:     envDuration("MONITOR_BACKOFF", constants.DefaultMonitorBackoff),
			DialTimeout: envDuration("PERCEPTION_DIAL_TIMEOUT", constants.DefaultDialTimeout),
		},
		Identity: IdentityConfig{
			URL:            os.Getenv("IDENTITY_URL"),
			AttemptTimeout: envDuration("VERIFY_ATTEMPT_TIMEOUT", constants.DefaultAttemptTimeout),
		},
		Verification: VerificationConfig{
			MaxAttempts:     envInt("VERIFY_MAX_ATTEMPTS", constants.DefaultMaxAttempts),
			AttemptInterval: envDuration("VERIFY_ATTEMPT_INTERVAL", constants.DefaultAttemptInterval),
			InitialDelay:    envDuration("VERIFY_INITIAL_DELAY", constants.DefaultInitialDelay),
			MaskSoftPrompt:  envDuration("MASK_SOFT_PROMPT", 0),
		},
		Ballot: BallotConfig{
			URL:           os.Getenv("BALLOT_URL"),
			PollManagerID: os.Getenv("POLL_MANAGER_ID"),
			ElectionID:    envString("ELECTION_ID", "default"),
			TokenSecret:   os.Getenv("ADMIT_TOKEN_SECRET"),
			TokenTTL:      envDuration("ADMIT_TOKEN_TTL", constants.DefaultAdmitTokenTTL),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Kiosk: KioskConfig{
			SessionTimeout: envDuration("KIOSK_SESSION_TIMEOUT", constants.DefaultKioskSessionTimeout),
			Secret:         os.Getenv("WEB_KIOSK_SECRET"),
		},
		Messages: messages,
	}
}
