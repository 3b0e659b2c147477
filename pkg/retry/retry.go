// Package retry runs an operation until it succeeds, the attempts run out or
// the context ends. It backs cache write retries, adapter reconnects and the
// client's signaling redial schedule.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config describes one backoff schedule.
type Config struct {
	MaxAttempts  int // total attempts including the first
	InitialDelay time.Duration
	MaxDelay     time.Duration // zero means uncapped
	Multiplier   float64       // exponential growth; 2 when unset
	Linear       bool          // InitialDelay * n instead of exponential growth
	Jitter       bool          // spread each delay by ±25%

	// OnRetry is called before each wait with the 1-based attempt that failed.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// LinearConfig waits step, 2*step, 3*step... between attempts.
func LinearConfig(attempts int, step time.Duration) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: step,
		MaxDelay:     time.Duration(attempts) * step,
		Linear:       true,
	}
}

// ExponentialConfig doubles the delay from initial up to maxDelay.
func ExponentialConfig(attempts int, initial, maxDelay time.Duration) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   2,
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Retry returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// ErrExhausted wraps the last error once every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Retry calls fn until it returns nil. A config with at most one attempt
// calls fn exactly once.
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	attempts := max(cfg.MaxAttempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts-1 {
			break
		}

		delay := CalculateDelay(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if attempts == 1 {
		return err
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
}

// CalculateDelay returns the wait after the given zero-based attempt.
func CalculateDelay(cfg Config, attempt int) time.Duration {
	base := float64(cfg.InitialDelay)
	var d float64
	if cfg.Linear {
		d = base * float64(attempt+1)
	} else {
		m := cfg.Multiplier
		if m <= 0 {
			m = 2
		}
		d = base * math.Pow(m, float64(attempt))
	}
	if cfg.MaxDelay > 0 {
		d = math.Min(d, float64(cfg.MaxDelay))
	}

	delay := time.Duration(d)
	if cfg.Jitter && delay > 0 {
		spread := int64(delay / 4)
		delay += time.Duration(rand.Int63n(2*spread+1) - spread)
	}
	return delay
}
