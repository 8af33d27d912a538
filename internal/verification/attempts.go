package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kozaktomas/polling-kiosk/internal/capture"
	"github.com/kozaktomas/polling-kiosk/internal/identity"
)

// Recognizer identifies the person on one frame.
type Recognizer interface {
	Recognize(ctx context.Context, imageBase64 string) (*identity.Match, error)
}

// ErrAttemptsExhausted is reported when every attempt failed.
var ErrAttemptsExhausted = errors.New("recognition attempts exhausted")

// attemptLoop drives FACE_RECOGNITION: bounded, sequential recognition calls.
type attemptLoop struct {
	recognizer   Recognizer
	device       *capture.Device
	owner        string
	maxAttempts  int
	interval     time.Duration
	initialDelay time.Duration
	timeout      time.Duration
	frameSize    int
	logger       *slog.Logger
	emit         func(event)
	now          func() time.Time
}

func (l *attemptLoop) run(ctx context.Context) {
	if !sleepCtx(ctx, l.initialDelay) {
		return
	}

	for number := 1; number <= l.maxAttempts; number++ {
		attempt := newAttempt(number, l.now())
		l.emit(event{kind: evAttempt, attempt: attempt})

		outcome, ref, err := l.try(ctx)
		if ctx.Err() != nil {
			return
		}
		resolved := attempt.Resolve(outcome, l.now())

		switch outcome {
		case OutcomeSuccess:
			l.emit(event{kind: evRecognized, attempt: resolved, identityRef: ref})
			return
		case OutcomeAlreadyVoted:
			l.logger.Info("identity has already voted", "attempt", number)
			l.emit(event{kind: evAlreadyVoted, attempt: resolved})
			return
		case OutcomeFatalFailure:
			l.emit(event{kind: evFatal, attempt: resolved, err: err})
			return
		}

		l.logger.Info("recognition attempt failed", "attempt", number, "max_attempts", l.maxAttempts, "error", err)
		if number == l.maxAttempts {
			l.emit(event{
				kind:    evFatal,
				attempt: resolved,
				err:     fmt.Errorf("%w: %d of %d", ErrAttemptsExhausted, number, l.maxAttempts),
			})
			return
		}
		l.emit(event{kind: evAttempt, attempt: resolved})

		if !sleepCtx(ctx, l.interval) {
			return
		}
	}
}

// try performs one attempt. At most one recognition call is in flight because
// the loop waits for it before scheduling the next.
func (l *attemptLoop) try(ctx context.Context) (Outcome, string, error) {
	frame, err := l.device.Capture(l.owner)
	if err != nil {
		return OutcomeFatalFailure, "", fmt.Errorf("capturing frame: %w", err)
	}
	if len(frame) == 0 {
		return OutcomeRetryableFailure, "", capture.ErrEmptyFrame
	}
	if l.frameSize > 0 {
		normalized, err := capture.NormalizeFrame(frame, l.frameSize)
		if err != nil {
			return OutcomeRetryableFailure, "", err
		}
		frame = normalized
	}

	callCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	match, err := l.recognizer.Recognize(callCtx, capture.EncodeFrame(frame))
	switch {
	case err == nil:
		return OutcomeSuccess, match.IdentityRef, nil
	case identity.IsAlreadyVoted(err):
		return OutcomeAlreadyVoted, "", err
	default:
		return OutcomeRetryableFailure, "", err
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
