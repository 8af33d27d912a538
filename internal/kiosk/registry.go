// Package kiosk keeps the one live verification session of every kiosk and
// destroys sessions on ballot submission, cancellation or timeout.
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/polling-kiosk/internal/ballot"
	"github.com/kozaktomas/polling-kiosk/internal/capture"
	"github.com/kozaktomas/polling-kiosk/internal/config"
	"github.com/kozaktomas/polling-kiosk/internal/constants"
	"github.com/kozaktomas/polling-kiosk/internal/perception"
	"github.com/kozaktomas/polling-kiosk/internal/verification"
)

var (
	// ErrSessionActive is returned when a kiosk starts a session while one is live.
	ErrSessionActive = errors.New("kiosk already has a live session")
	// ErrNoSession is returned when a kiosk has no session.
	ErrNoSession = errors.New("kiosk has no session")
	// ErrCastFailed wraps a failure of the ballot-casting service after admission.
	ErrCastFailed = errors.New("ballot could not be cast")
)

// Caster forwards an admitted ballot.
type Caster interface {
	Cast(ctx context.Context, admission *ballot.Admission, votes []ballot.Vote) error
}

// Options wires the registry to its collaborators.
type Options struct {
	Verification   verification.Config
	Opener         perception.Opener
	Recognizer     verification.Recognizer
	Handoff        *ballot.Handoff
	Caster         Caster
	Messages       *config.Messages
	SessionTimeout time.Duration
	Logger         *slog.Logger
}

type entry struct {
	kioskID   string
	ctrl      *verification.Controller
	createdAt time.Time
	expiresAt time.Time
}

// Registry maps kiosks to their live session.
type Registry struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu       sync.Mutex
	sessions map[string]*entry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = constants.DefaultKioskSessionTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
		sessions: make(map[string]*entry),
		stopCh:   make(chan struct{}),
	}
}

// Start creates and starts a session for kioskID. A finished session is replaced;
// a live one is not.
func (r *Registry) Start(kioskID, locale string) (*verification.Controller, error) {
	if r.opts.Messages != nil {
		locale = r.opts.Messages.Resolve(locale)
	}

	r.mu.Lock()
	old := r.sessions[kioskID]
	if old != nil && !r.expired(old) && !old.ctrl.Snapshot().State.Final() {
		r.mu.Unlock()
		return nil, ErrSessionActive
	}

	sessionID := r.newID()
	now := r.now()
	ctrl := verification.NewController(sessionID, locale, r.opts.Verification, verification.Deps{
		Opener:     r.opts.Opener,
		Recognizer: r.opts.Recognizer,
		Tokens:     r.opts.Handoff,
		Device:     capture.NewDevice(),
		Messages:   r.opts.Messages,
		Logger:     r.logger.With("kiosk_id", kioskID),
	})
	r.sessions[kioskID] = &entry{
		kioskID:   kioskID,
		ctrl:      ctrl,
		createdAt: now,
		expiresAt: now.Add(r.opts.SessionTimeout),
	}
	r.mu.Unlock()

	if old != nil {
		r.destroy(old, "replaced")
	}
	ctrl.Start()
	r.logger.Info("kiosk session started", "kiosk_id", kioskID, "session_id", sessionID)
	return ctrl, nil
}

// Current returns the session of kioskID.
func (r *Registry) Current(kioskID string) (*verification.Controller, error) {
	r.mu.Lock()
	e, ok := r.sessions[kioskID]
	if ok && r.expired(e) {
		delete(r.sessions, kioskID)
		r.mu.Unlock()
		r.destroy(e, "timeout")
		return nil, ErrNoSession
	}
	r.mu.Unlock()
	if !ok {
		return nil, ErrNoSession
	}
	return e.ctrl, nil
}

// End destroys the session of kioskID and reports whether there was one.
func (r *Registry) End(kioskID string) bool {
	r.mu.Lock()
	e, ok := r.sessions[kioskID]
	delete(r.sessions, kioskID)
	r.mu.Unlock()
	if ok {
		r.destroy(e, "ended")
	}
	return ok
}

// SubmitBallot admits the session's token and casts the ranked ballot. The session
// is destroyed once the token has been consumed, whatever the casting outcome.
func (r *Registry) SubmitBallot(ctx context.Context, kioskID, token string, candidateIDs []string) (*ballot.Admission, error) {
	ctrl, err := r.Current(kioskID)
	if err != nil {
		return nil, err
	}
	votes, err := ballot.RankVotes(candidateIDs)
	if err != nil {
		return nil, err
	}
	// A token that is not this session's live token is refused without consuming it.
	if token == "" || ctrl.Token() != token {
		return nil, fmt.Errorf("%w: token does not match kiosk session", ballot.ErrRejected)
	}

	admission, err := r.opts.Handoff.Admit(ctx, token)
	if err != nil {
		return nil, err
	}
	ctrl.MarkAdmitted()
	defer r.endSession(kioskID, ctrl)

	if r.opts.Caster != nil {
		if err := r.opts.Caster.Cast(ctx, admission, votes); err != nil {
			r.logger.Error("casting admitted ballot failed", "session_id", admission.SessionID, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrCastFailed, err)
		}
	}
	return admission, nil
}

// endSession destroys ctrl if it is still the session of kioskID.
func (r *Registry) endSession(kioskID string, ctrl *verification.Controller) {
	r.mu.Lock()
	e, ok := r.sessions[kioskID]
	if ok && e.ctrl == ctrl {
		delete(r.sessions, kioskID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		r.destroy(e, "ballot submitted")
	}
}

// Sweep destroys every timed out session and returns how many it removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	var expired []*entry
	for id, e := range r.sessions {
		if r.expired(e) {
			expired = append(expired, e)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		r.destroy(e, "timeout")
	}
	return len(expired)
}

// Run starts the background sweeper.
func (r *Registry) Run(interval time.Duration) {
	if interval <= 0 {
		interval = constants.RegistrySweepInterval
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				if n := r.Sweep(); n > 0 {
					r.logger.Info("expired kiosk sessions removed", "count", n)
				}
			}
		}
	}()
}

// Stop ends the sweeper and destroys every session.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()

		r.mu.Lock()
		all := make([]*entry, 0, len(r.sessions))
		for id, e := range r.sessions {
			all = append(all, e)
			delete(r.sessions, id)
		}
		r.mu.Unlock()

		for _, e := range all {
			r.destroy(e, "shutdown")
		}
	})
}

// Len returns the number of kiosks with a session.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ExpiresAt returns when the session of kioskID times out.
func (r *Registry) ExpiresAt(kioskID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[kioskID]
	if !ok {
		return time.Time{}, false
	}
	return e.expiresAt, true
}

func (r *Registry) expired(e *entry) bool {
	return r.now().After(e.expiresAt)
}

func (r *Registry) destroy(e *entry, reason string) {
	e.ctrl.Close()
	if r.opts.Handoff != nil {
		r.opts.Handoff.Forget(e.ctrl.ID())
	}
	r.logger.Info("kiosk session destroyed", "kiosk_id", e.kioskID, "session_id", e.ctrl.ID(), "reason", reason)
}
