package verification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kozaktomas/polling-kiosk/internal/perception"
)

// MaskState is the lifecycle of the mask-check monitor.
type MaskState string

const (
	MaskConnecting      MaskState = "CONNECTING"
	MaskAwaitingVerdict MaskState = "AWAITING_VERDICT"
	MaskConfirmedAbsent MaskState = "CONFIRMED_ABSENT"
	MaskError           MaskState = "ERROR"
)

// maskMonitor waits for an explicit "no mask" verdict and then emits proceed once.
type maskMonitor struct {
	opener     perception.Opener
	endpoint   string
	policy     perception.Policy
	softPrompt time.Duration
	logger     *slog.Logger
	emit       func(event)

	mu      sync.Mutex
	state   MaskState
	verdict perception.MaskVerdict
}

func (m *maskMonitor) State() MaskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *maskMonitor) setState(s MaskState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// observe stores the latest verdict and reports whether it changed.
func (m *maskMonitor) observe(v perception.MaskVerdict) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.verdict != v
	m.verdict = v
	return changed
}

func (m *maskMonitor) run(ctx context.Context) {
	m.setState(MaskConnecting)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if m.softPrompt > 0 {
		go m.remind(runCtx)
	}

	hooks := perception.Hooks{
		OnConnect: func() {
			m.setState(MaskAwaitingVerdict)
		},
		OnDisconnect: func(retry int, err error) {
			m.setState(MaskConnecting)
			m.logger.Warn("mask channel lost, reconnecting", "retry", retry, "error", err)
		},
	}

	err := m.policy.Run(runCtx, m.opener, m.endpoint, hooks, func(raw []byte) (bool, error) {
		verdict, err := perception.ParseMaskVerdict(raw)
		if err != nil {
			var remote *perception.RemoteError
			if errors.As(err, &remote) {
				return false, err
			}
			m.logger.Warn("ignoring malformed mask verdict", "error", err)
			return false, nil
		}
		if m.observe(verdict) {
			m.emit(event{kind: evMaskVerdict, mask: verdict.String()})
		}
		// Only an explicit mask_detected:false confirms; unknown keeps waiting.
		return verdict == perception.MaskAbsent, nil
	})

	switch {
	case err == nil:
		// Run has closed the stream by the time it returns.
		m.setState(MaskConfirmedAbsent)
		cancel()
		m.emit(event{kind: evMaskProceed})
	case ctx.Err() != nil:
		return
	default:
		m.setState(MaskError)
		m.logger.Error("mask check failed", "error", err)
		m.emit(event{kind: evMaskError, err: err})
	}
}

// remind sends one mask reminder if no verdict confirmed absence in time.
func (m *maskMonitor) remind(ctx context.Context) {
	timer := time.NewTimer(m.softPrompt)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		if m.State() != MaskConfirmedAbsent {
			m.emit(event{kind: evMaskReminder})
		}
	}
}
