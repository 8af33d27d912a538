package verification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kozaktomas/polling-kiosk/internal/perception"
)

// securityMonitor watches the face channel for a second person. One instance
// serves one generation; an operator retry starts a new generation with fresh counters.
type securityMonitor struct {
	opener     perception.Opener
	endpoint   string
	policy     perception.Policy
	generation int
	logger     *slog.Logger
	emit       func(event)
	now        func() time.Time
}

func (m *securityMonitor) status(s MonitorStatus, err error) {
	m.emit(event{kind: evSecurityStatus, status: s, generation: m.generation, err: err})
}

func (m *securityMonitor) run(ctx context.Context) {
	hooks := perception.Hooks{
		OnConnect: func() {
			m.status(MonitorOnline, nil)
		},
		OnDisconnect: func(retry int, err error) {
			m.logger.Warn("security channel lost, reconnecting",
				"retry", retry, "max_retries", m.policy.MaxRetries, "error", err)
			m.status(MonitorReconnecting, err)
		},
	}

	err := m.policy.Run(ctx, m.opener, m.endpoint, hooks, func(raw []byte) (bool, error) {
		verdict, err := perception.ParseSecurityVerdict(raw, m.now())
		if err != nil {
			var remote *perception.RemoteError
			if errors.As(err, &remote) {
				return false, err
			}
			m.logger.Warn("ignoring malformed security verdict", "error", err)
			return false, nil
		}
		if verdict.MultiplePersons() {
			m.logger.Warn("multiple persons detected",
				"face_count", verdict.FaceCount, "alert", verdict.Alert)
			m.emit(event{kind: evMultiplePersons, generation: m.generation, at: verdict.Timestamp})
			return true, nil
		}
		return false, nil
	})

	if err == nil || ctx.Err() != nil {
		return
	}
	// Degrade instead of aborting: voting continues without the monitor.
	m.logger.Error("security monitor offline", "error", err)
	m.status(MonitorOffline, err)
}
