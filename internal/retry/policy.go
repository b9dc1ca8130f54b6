// Package retry implements bounded retries with exponential backoff around
// remote port calls. It is deliberately ignorant of session state: the
// orchestrator persists outcomes, the policy only produces them.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hollien/bookvoice/internal/remote"
)

const (
	// DefaultMaxAttempts bounds retries when the config leaves it unset
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is the backoff unit before the first retry
	DefaultBaseDelay = 2 * time.Second
	// DefaultMaxDelay caps the exponential backoff
	DefaultMaxDelay = 2 * time.Minute
)

// Classifier decides whether a failure is worth retrying
type Classifier func(error) remote.Kind

// Outcome reports how an Execute call ended. It is transient state and is
// never persisted.
type Outcome struct {
	AttemptsMade int
	Succeeded    bool
	FinalErr     error // set iff not Succeeded
}

// Policy wraps an operation with bounded retries and exponential backoff.
// The delay before attempt i (i >= 2) is BaseDelay * 2^(i-2), capped at
// MaxDelay. A fatal classification stops immediately regardless of the
// remaining attempt budget.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	classify    Classifier
	logger      *slog.Logger

	// sleep is swapped out by tests to observe backoff without waiting
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a retry policy. maxAttempts must be positive; zero or negative
// values are a configuration error, rejected before any remote call is made.
func New(maxAttempts int, baseDelay, maxDelay time.Duration, classify Classifier, logger *slog.Logger) (*Policy, error) {
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("retry: max attempts must be positive (got %d)", maxAttempts)
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if classify == nil {
		classify = remote.Classify
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		classify:    classify,
		logger:      logger,
		sleep:       sleepCtx,
	}, nil
}

// MaxAttempts returns the configured attempt bound.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// Execute runs fn up to the configured attempt bound. op names the operation
// for logging only.
func (p *Policy) Execute(ctx context.Context, op string, fn func(context.Context) error) Outcome {
	var lastErr error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := p.backoffFor(attempt)
			p.logger.Warn("Retrying remote call",
				"op", op,
				"attempt", attempt,
				"max_attempts", p.maxAttempts,
				"backoff", backoff,
				"error", lastErr)
			if err := p.sleep(ctx, backoff); err != nil {
				return Outcome{AttemptsMade: attempt - 1, FinalErr: err}
			}
		}

		err := fn(ctx)
		if err == nil {
			return Outcome{AttemptsMade: attempt, Succeeded: true}
		}
		lastErr = err

		if ctx.Err() != nil {
			return Outcome{AttemptsMade: attempt, FinalErr: ctx.Err()}
		}
		if p.classify(err) == remote.KindFatal {
			p.logger.Error("Fatal remote error, not retrying", "op", op, "attempt", attempt, "error", err)
			return Outcome{AttemptsMade: attempt, FinalErr: err}
		}
	}

	return Outcome{
		AttemptsMade: p.maxAttempts,
		FinalErr:     fmt.Errorf("%s: %d attempts exhausted: %w", op, p.maxAttempts, lastErr),
	}
}

// backoffFor computes the delay inserted before the given attempt (>= 2).
func (p *Policy) backoffFor(attempt int) time.Duration {
	backoff := p.baseDelay
	for i := 2; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.maxDelay {
			return p.maxDelay
		}
	}
	if backoff > p.maxDelay {
		return p.maxDelay
	}
	return backoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
