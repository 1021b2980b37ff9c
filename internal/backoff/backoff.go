// Package backoff computes retry delays and runs bounded retry loops.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config describes an exponential backoff schedule.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// Default returns the schedule used for incident persistence.
func Default() Config {
	return Config{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Delay returns the wait before retry attempt N (1-based). With Jitter, every
// attempt's delay is scaled by a factor in [0.5, 1.5), or by 0.5 when rng is
// nil.
func Delay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Retry calls fn until it succeeds, attempts are exhausted or ctx is done.
// It returns nil on success, otherwise the last error from fn (or ctx.Err()
// when the context ended while waiting).
func Retry(ctx context.Context, cfg Config, attempts int, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var rng *rand.Rand
	if cfg.Jitter {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(Delay(cfg, attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
