package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultMaxAttempts    = 4
	defaultBackoffInitial = 200 * time.Millisecond
	defaultBackoffMax     = 3 * time.Second
)

// Policy bounds a retry loop. Zero values fall back to the package defaults.
type Policy struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// SleepFn replaces the context-aware timer sleep in tests.
	SleepFn func(ctx context.Context, d time.Duration) error
}

// ExhaustedError is returned when every attempt failed with a transient error.
type ExhaustedError struct {
	Stage    string
	Attempts int
	Decision Decision
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("transient_recovery_exhausted stage=%s attempts=%d reason=%s: %v", e.Stage, e.Attempts, e.Decision.Reason, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// TerminalError is returned when an attempt failed with a non-retryable error.
type TerminalError struct {
	Stage    string
	Attempt  int
	Decision Decision
	Err      error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal_failure stage=%s attempt=%d reason=%s: %v", e.Stage, e.Attempt, e.Decision.Reason, e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Do runs fn until it succeeds, fails terminally, or the attempts run out.
// Context cancellation is returned as-is.
func Do(ctx context.Context, p Policy, stage string, log *slog.Logger, fn func(ctx context.Context) error) error {
	attempts := p.maxAttempts()

	var lastErr error
	lastDecision := Decision{Class: ClassTerminal, Reason: "unset"}
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		lastDecision = Classify(err)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !lastDecision.IsTransient() {
			return &TerminalError{Stage: stage, Attempt: attempt, Decision: lastDecision, Err: err}
		}
		if attempt == attempts {
			break
		}

		if log != nil {
			log.Warn("call failed; retrying",
				"stage", stage,
				"classification", lastDecision.Class,
				"classification_reason", lastDecision.Reason,
				"attempt", attempt,
				"error", err,
			)
		}

		if sleepErr := p.sleep(ctx, p.Delay(attempt)); sleepErr != nil {
			return sleepErr
		}
	}

	return &ExhaustedError{Stage: stage, Attempts: attempts, Decision: lastDecision, Err: lastErr}
}

// Delay is the backoff before attempt+1: the initial delay doubled per
// attempt and capped at BackoffMax.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BackoffInitial
	max := p.BackoffMax
	if base <= 0 {
		base = defaultBackoffInitial
	}
	if max <= 0 {
		max = defaultBackoffMax
	}
	if max < base {
		max = base
	}

	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if p.SleepFn != nil {
		return p.SleepFn(ctx, d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
