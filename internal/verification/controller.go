package verification

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/polling-kiosk/internal/ballot"
	"github.com/kozaktomas/polling-kiosk/internal/capture"
	"github.com/kozaktomas/polling-kiosk/internal/config"
	"github.com/kozaktomas/polling-kiosk/internal/constants"
	"github.com/kozaktomas/polling-kiosk/internal/perception"
)

var (
	// ErrAlreadySubscribed is returned when a second subscriber asks for notices.
	ErrAlreadySubscribed = errors.New("session already has a subscriber")
	// ErrSessionEnded is returned for commands sent to a finished session.
	ErrSessionEnded = errors.New("session has ended")
	// ErrMonitorActive is returned when the security monitor is not offline.
	ErrMonitorActive = errors.New("security monitor is not offline")
)

const (
	ownerMaskCheck   = "mask-check"
	ownerRecognition = "recognition"
)

// TokenIssuer creates and revokes the admit token of a session.
type TokenIssuer interface {
	Issue(sessionID, identityRef string) (*ballot.AdmitToken, error)
	Revoke(sessionID string) ballot.RevokeResult
}

// Config holds the tunables of one session.
type Config struct {
	MaxAttempts     int
	AttemptInterval time.Duration
	InitialDelay    time.Duration
	AttemptTimeout  time.Duration
	MaskSoftPrompt  time.Duration
	MaskEndpoint    string
	FaceEndpoint    string
	Policy          perception.Policy
	FrameSize       int // 0 sends frames unchanged
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = constants.DefaultMaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = constants.DefaultAttemptTimeout
	}
	if c.Policy == (perception.Policy{}) {
		c.Policy = perception.DefaultPolicy()
	}
	return c
}

// Deps are the collaborators of a session.
type Deps struct {
	Opener     perception.Opener
	Recognizer Recognizer
	Tokens     TokenIssuer
	Device     *capture.Device
	Messages   *config.Messages
	Logger     *slog.Logger
}

// Controller owns one Session. Only the run goroutine touches the session; the
// monitors and the attempt loop talk to it through the events channel.
type Controller struct {
	id     string
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	events     chan event
	notices    chan Notice
	subscribed atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	// owned by run
	session         Session
	stopMask        context.CancelFunc
	stopRecognition context.CancelFunc
	stopSecurity    context.CancelFunc
	securityGen     int
	terminalSent    bool

	mu        sync.RWMutex
	published Session
	token     string
}

// NewController creates a session in INIT. Call Start to begin verification.
func NewController(sessionID, locale string, cfg Config, deps Deps) *Controller {
	if deps.Device == nil {
		deps.Device = capture.NewDevice()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:      sessionID,
		cfg:     cfg.withDefaults(),
		deps:    deps,
		logger:  resolveLogger(deps.Logger).With("session_id", sessionID),
		now:     time.Now,
		events:  make(chan event, constants.EventChannelBuffer),
		notices: make(chan Notice, constants.EventChannelBuffer),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.session = newSession(sessionID, locale, c.now())
	c.publish()
	return c
}

func resolveLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// ID returns the session ID.
func (c *Controller) ID() string {
	return c.id
}

// Device returns the camera of this session.
func (c *Controller) Device() *capture.Device {
	return c.deps.Device
}

// Subscribe returns the notice stream. Only one subscriber is allowed per session;
// the channel is closed when the session is destroyed.
func (c *Controller) Subscribe() (<-chan Notice, error) {
	if !c.subscribed.CompareAndSwap(false, true) {
		return nil, ErrAlreadySubscribed
	}
	return c.notices, nil
}

// Snapshot returns a copy of the session as of the last processed tick.
func (c *Controller) Snapshot() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published.clone()
}

// Token returns the signed admit token once the session reached SUCCESS.
func (c *Controller) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Done is closed once the session has been torn down.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Start moves the session from INIT to MASK_CHECK.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Close destroys the session: every monitor stops, the camera is released and the
// notice stream is closed. Safe to call more than once.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.startOnce.Do(func() {
			c.deps.Device.ReleaseAll()
			close(c.notices)
			close(c.done)
		})
		<-c.done
	})
}

// RetrySecurityMonitor restarts an offline security monitor with fresh retry counters.
func (c *Controller) RetrySecurityMonitor(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case c.events <- event{kind: evRetrySecurity, reply: reply}:
	case <-c.done:
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkAdmitted tells the session its ballot was admitted, which ends security monitoring.
func (c *Controller) MarkAdmitted() {
	select {
	case c.events <- event{kind: evAdmitted}:
	case <-c.done:
	}
}

func (c *Controller) emit(ev event) {
	if ev.at.IsZero() {
		ev.at = c.now()
	}
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Controller) run() {
	defer close(c.done)
	defer c.shutdown()

	c.begin()
	c.publish()

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			batch := []event{ev}
		drain:
			for {
				select {
				case next := <-c.events:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			c.process(batch)
		}
	}
}

// process applies one tick. Events already queued together are ordered by
// precedence (abort, already voted, fatal, success) and otherwise keep arrival order.
func (c *Controller) process(batch []event) {
	slices.SortStableFunc(batch, func(a, b event) int {
		return b.kind.rank() - a.kind.rank()
	})
	for _, ev := range batch {
		c.apply(ev)
	}
	c.publish()
}

func (c *Controller) apply(ev event) {
	state := c.session.State

	switch ev.kind {
	case evMaskVerdict:
		if state == StateMaskCheck {
			c.session.Mask = ev.mask
		}

	case evMaskReminder:
		if state == StateMaskCheck {
			c.notify(Notice{Type: NoticeMaskReminder, MessageKey: config.MsgMaskReminder})
		}

	case evMaskProceed:
		if state == StateMaskCheck {
			c.enterFaceRecognition()
		}

	case evMaskError:
		if state == StateMaskCheck {
			c.logger.Error("mask check ended with error", "error", ev.err)
			c.finish(StateFatalFailure)
		}

	case evSecurityStatus:
		if ev.generation == c.securityGen && c.stopSecurity != nil {
			c.setSecurity(ev.status)
		}

	case evMultiplePersons:
		if ev.generation == c.securityGen {
			c.abort(ReasonMultiplePersons)
		}

	case evAttempt:
		if state != StateFaceRecognition || !c.recordAttempt(ev.attempt) {
			return
		}
		if ev.attempt.Outcome == OutcomeRetryableFailure {
			c.notify(Notice{
				Type:        NoticeProgress,
				MessageKey:  config.MsgTryAgain,
				Attempt:     ev.attempt.Number,
				MaxAttempts: c.cfg.MaxAttempts,
			})
		}

	case evRecognized:
		if state != StateFaceRecognition {
			c.logger.Warn("ignoring recognition result", "state", state)
			return
		}
		c.recordAttempt(ev.attempt)
		c.succeed(ev.identityRef)

	case evAlreadyVoted:
		if state == StateFaceRecognition {
			c.recordAttempt(ev.attempt)
			c.finish(StateAlreadyVoted)
		}

	case evFatal:
		if state == StateFaceRecognition {
			c.recordAttempt(ev.attempt)
			c.logger.Error("recognition failed", "error", ev.err)
			c.finish(StateFatalFailure)
		}

	case evRetrySecurity:
		ev.reply <- c.retrySecurity()

	case evAdmitted:
		if state == StateSuccess && !c.session.Admitted {
			c.session.Admitted = true
			c.stopSecurityMonitor()
			c.logger.Info("ballot admitted, security monitor stopped")
		}
	}
}

func (c *Controller) begin() {
	c.session.State = StateMaskCheck
	if err := c.deps.Device.Acquire(ownerMaskCheck); err != nil {
		c.logger.Error("camera unavailable for mask check", "error", err)
		c.finish(StateFatalFailure)
		return
	}
	c.startSecurityMonitor()
	c.startMaskMonitor()
	c.logger.Info("session started", "locale", c.session.Locale)
	c.notify(Notice{Type: NoticeState})
}

func (c *Controller) enterFaceRecognition() {
	c.stopMaskMonitor()
	c.deps.Device.Release(ownerMaskCheck)
	if err := c.deps.Device.Acquire(ownerRecognition); err != nil {
		c.logger.Error("camera unavailable for recognition", "error", err)
		c.finish(StateFatalFailure)
		return
	}
	c.session.State = StateFaceRecognition
	c.session.Mask = perception.MaskAbsent.String()
	c.startRecognition()
	c.notify(Notice{Type: NoticeState, MessageKey: config.MsgScanning})
}

func (c *Controller) succeed(identityRef string) {
	token, err := c.deps.Tokens.Issue(c.session.ID, identityRef)
	if err != nil {
		c.logger.Error("failed to issue admit token", "error", err)
		c.finish(StateFatalFailure)
		return
	}
	c.mu.Lock()
	c.token = token.Signed
	c.mu.Unlock()
	c.finish(StateSuccess)
}

func (c *Controller) abort(reason string) {
	switch state := c.session.State; {
	case state.Final():
		return
	case state == StateSuccess:
		if c.session.Admitted {
			return
		}
		if c.deps.Tokens.Revoke(c.session.ID) == ballot.RevokeTooLate {
			// The ballot service already holds the token; the session stays admitted.
			c.logger.Warn("abort after admission ignored", "reason", reason)
			c.session.Admitted = true
			c.stopSecurityMonitor()
			return
		}
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		c.logger.Warn("revoking successful session", "reason", reason)
		c.session.Revoked = true
		c.session.AbortReason = reason
		c.session.State = StateAborted
		c.teardown()
		c.notify(Notice{Type: NoticeRevoked, MessageKey: config.MsgSessionInvalid})
	default:
		c.logger.Warn("aborting session", "reason", reason, "state", state)
		c.session.AbortReason = reason
		c.finish(StateAborted)
	}
}

// finish enters a terminal state and sends the only terminal notice of the session.
func (c *Controller) finish(state State) {
	c.session.State = state
	now := c.now()
	c.session.EndedAt = &now

	if state == StateSuccess {
		// The security monitor keeps watching until the ballot is admitted.
		c.stopMaskMonitor()
		c.stopRecognitionLoop()
		c.deps.Device.ReleaseAll()
	} else {
		c.teardown()
	}

	if c.terminalSent {
		return
	}
	c.terminalSent = true
	n := Notice{Type: NoticeTerminal, MessageKey: terminalMessage(state)}
	if state == StateSuccess {
		n.Token = c.Token()
	}
	c.logger.Info("session resolved", "state", state)
	c.notify(n)
}

func terminalMessage(state State) string {
	switch state {
	case StateSuccess:
		return config.MsgSuccess
	case StateAlreadyVoted:
		return config.MsgAlreadyVoted
	case StateAborted:
		return config.MsgSecurityViolation
	}
	return config.MsgGenericFailure
}

// MessageKey returns the voter message matching the session's current state.
func (s Session) MessageKey() string {
	switch {
	case s.Revoked:
		return config.MsgSessionInvalid
	case s.State.Terminal():
		return terminalMessage(s.State)
	case s.State == StateFaceRecognition:
		return config.MsgScanning
	}
	return ""
}

// teardown stops everything. Every step is idempotent.
func (c *Controller) teardown() {
	c.stopMaskMonitor()
	c.stopRecognitionLoop()
	c.stopSecurityMonitor()
	c.deps.Device.ReleaseAll()
}

func (c *Controller) shutdown() {
	c.cancel()
	c.teardown()
	c.wg.Wait()
	c.publish()
	close(c.notices)
	c.logger.Info("session closed", "state", c.session.State)
}

func (c *Controller) startMaskMonitor() {
	ctx, cancel := context.WithCancel(c.ctx)
	c.stopMask = cancel
	m := &maskMonitor{
		opener:     c.deps.Opener,
		endpoint:   c.cfg.MaskEndpoint,
		policy:     c.cfg.Policy,
		softPrompt: c.cfg.MaskSoftPrompt,
		logger:     c.logger.With("monitor", "mask"),
		emit:       c.emit,
	}
	c.spawn(func() { m.run(ctx) })
}

func (c *Controller) startSecurityMonitor() {
	c.stopSecurityMonitor()
	c.securityGen++
	ctx, cancel := context.WithCancel(c.ctx)
	c.stopSecurity = cancel
	m := &securityMonitor{
		opener:     c.deps.Opener,
		endpoint:   c.cfg.FaceEndpoint,
		policy:     c.cfg.Policy,
		generation: c.securityGen,
		logger:     c.logger.With("monitor", "security", "generation", c.securityGen),
		emit:       c.emit,
		now:        c.now,
	}
	c.spawn(func() { m.run(ctx) })
}

func (c *Controller) startRecognition() {
	ctx, cancel := context.WithCancel(c.ctx)
	c.stopRecognition = cancel
	l := &attemptLoop{
		recognizer:   c.deps.Recognizer,
		device:       c.deps.Device,
		owner:        ownerRecognition,
		maxAttempts:  c.cfg.MaxAttempts,
		interval:     c.cfg.AttemptInterval,
		initialDelay: c.cfg.InitialDelay,
		timeout:      c.cfg.AttemptTimeout,
		frameSize:    c.cfg.FrameSize,
		logger:       c.logger.With("component", "recognition"),
		emit:         c.emit,
		now:          c.now,
	}
	c.spawn(func() { l.run(ctx) })
}

func (c *Controller) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Controller) stopMaskMonitor() {
	if c.stopMask != nil {
		c.stopMask()
	}
}

func (c *Controller) stopRecognitionLoop() {
	if c.stopRecognition != nil {
		c.stopRecognition()
	}
}

func (c *Controller) stopSecurityMonitor() {
	if c.stopSecurity != nil {
		c.stopSecurity()
		c.stopSecurity = nil
		c.session.Security = MonitorStopped
	}
}

func (c *Controller) retrySecurity() error {
	if c.session.State.Final() || c.session.Admitted {
		return ErrSessionEnded
	}
	if c.session.Security != MonitorOffline {
		return ErrMonitorActive
	}
	c.logger.Info("operator restarted security monitor")
	c.startSecurityMonitor()
	// Stays offline until the new connection is up.
	c.session.Security = MonitorOffline
	return nil
}

func (c *Controller) setSecurity(status MonitorStatus) {
	if c.session.Security == status {
		return
	}
	// A fresh monitor reports connecting/reconnecting; only a live connection clears offline.
	if c.session.Security == MonitorOffline && status != MonitorOnline {
		return
	}
	c.session.Security = status
	n := Notice{Type: NoticeMonitor, Monitor: status}
	if status == MonitorOffline {
		n.MessageKey = config.MsgSecurityOffline
	}
	c.notify(n)
}

// recordAttempt keeps attempt history. Numbers only grow and a resolved attempt never changes.
func (c *Controller) recordAttempt(a VerificationAttempt) bool {
	if a.Number <= 0 {
		return false
	}
	attempts := c.session.Attempts
	if n := len(attempts); n > 0 {
		last := attempts[n-1]
		switch {
		case a.Number < last.Number:
			return false
		case a.Number == last.Number:
			if last.Outcome != OutcomePending {
				return false
			}
			attempts[n-1] = a
			return true
		}
	}
	if a.Number > c.cfg.MaxAttempts {
		return false
	}
	c.session.Attempts = append(attempts, a)
	return true
}

func (c *Controller) notify(n Notice) {
	n.SessionID = c.session.ID
	n.State = c.session.State
	if n.Timestamp.IsZero() {
		n.Timestamp = c.now()
	}
	if n.MessageKey != "" {
		n.Message = c.text(n.MessageKey)
	}
	select {
	case c.notices <- n:
	default:
		c.logger.Warn("notice dropped, subscriber is not reading", "type", n.Type)
	}
}

func (c *Controller) text(key string) string {
	if c.deps.Messages == nil {
		return key
	}
	return c.deps.Messages.Text(c.session.Locale, key)
}

func (c *Controller) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = c.session.clone()
}
