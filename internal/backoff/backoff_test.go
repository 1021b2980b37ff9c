package backoff

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 100 * time.Millisecond},
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 3, want: 400 * time.Millisecond},
		{attempt: 4, want: 800 * time.Millisecond},
		{attempt: 5, want: time.Second},
		{attempt: 9, want: time.Second},
	}

	for _, tt := range tests {
		if got := Delay(cfg, tt.attempt, nil); got != tt.want {
			t.Errorf("Delay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelay_JitterWithoutRNGHalvesDelay(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, Multiplier: 2.0, Jitter: true}

	if got := Delay(cfg, 2, nil); got != 100*time.Millisecond {
		t.Errorf("Delay() = %v, want 100ms", got)
	}
}

func TestDelay_JitterOnEveryAttempt(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0, Jitter: true}

	for _, attempt := range []int{0, 1, 2, 5} {
		base := Delay(Config{InitialDelay: cfg.InitialDelay, MaxDelay: cfg.MaxDelay, Multiplier: cfg.Multiplier}, attempt, nil)
		if got := Delay(cfg, attempt, nil); got != base/2 {
			t.Errorf("Delay(attempt=%d) without rng = %v, want %v", attempt, got, base/2)
		}

		rng := rand.New(rand.NewSource(int64(attempt)))
		seen := map[time.Duration]bool{}
		for i := 0; i < 20; i++ {
			got := Delay(cfg, attempt, rng)
			if got < base/2 || got >= base+base/2 {
				t.Fatalf("Delay(attempt=%d) = %v, want within [%v, %v)", attempt, got, base/2, base+base/2)
			}
			seen[got] = true
		}
		if len(seen) < 2 {
			t.Errorf("Delay(attempt=%d) returned a fixed %v with jitter on", attempt, base)
		}
	}
}

func TestDelay_ZeroInitial(t *testing.T) {
	if got := Delay(Config{Multiplier: 2}, 4, nil); got != 0 {
		t.Errorf("Delay() = %v, want 0", got)
	}
}

func TestRetry(t *testing.T) {
	fast := Config{InitialDelay: time.Millisecond, Multiplier: 1}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, 5, func(attempt int) error {
			calls++
			if attempt < 3 {
				return errors.New("transient")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Retry() error = %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		calls := 0
		last := errors.New("still failing")
		err := Retry(context.Background(), fast, 3, func(attempt int) error {
			calls++
			return last
		})
		if !errors.Is(err, last) {
			t.Fatalf("Retry() error = %v, want %v", err, last)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("at least one attempt", func(t *testing.T) {
		calls := 0
		Retry(context.Background(), fast, 0, func(int) error {
			calls++
			return nil
		})
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		slow := Config{InitialDelay: time.Hour, Multiplier: 1}
		err := Retry(ctx, slow, 3, func(int) error {
			return errors.New("fail")
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Retry() error = %v, want context.Canceled", err)
		}
	})
}
