// Package retry wraps calls to external services in a bounded
// exponential-backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy configures retry behaviour for one class of external call.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt, doubled each time
	MaxDelay    time.Duration
	Jitter      float64       // fraction in [0,1] applied symmetrically to each delay
	CallTimeout time.Duration // per-attempt deadline, 0 disables

	// Sleep waits between attempts. Defaults to a ctx-aware timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *zap.Logger
}

// DefaultPolicy returns the defaults used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Jitter:      0.2,
		CallTimeout: 60 * time.Second,
	}
}

// Backoff is the un-jittered delay after failed attempt n (0-based).
func (p Policy) Backoff(n int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(2, float64(n))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

func (p Policy) jittered(n int) time.Duration {
	d := p.Backoff(n)
	if p.Jitter <= 0 {
		return d
	}
	j := math.Min(p.Jitter, 1)
	factor := 1 - j + rand.Float64()*2*j
	return time.Duration(float64(d) * factor)
}

// Do runs fn until it succeeds, fails permanently, or attempts run out.
// Exhaustion is reported as a permanent failure wrapping the last error.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := p.attempt(ctx, fn)
		if err == nil {
			if attempt > 0 {
				logger.Debug("Retry succeeded", zap.String("op", op), zap.Int("attempt", attempt+1))
			}
			return nil
		}
		// A cancelled parent is never retried, whatever the callee reported.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(err) {
			return err
		}

		lastErr = err
		if attempt == attempts-1 {
			break
		}

		backoff := p.jittered(attempt)
		logger.Warn("Transient failure, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		if err := sleep(ctx, backoff); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: %w: %s after %d attempts: %w", ErrPermanent, ErrExhausted, op, attempts, lastErr)
}

func (p Policy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.CallTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	defer cancel()
	err := fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return Transient(fmt.Errorf("call timed out after %s: %w", p.CallTimeout, err))
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
